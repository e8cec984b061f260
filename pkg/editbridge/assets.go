package editbridge

import (
	_ "embed"

	"github.com/nstogner/buildfy/pkg/domain"
)

const (
	// ScriptName is the file name of the bridge script.
	ScriptName = "edit-mode.js"
	// ScriptPath is where the bridge script is installed in a sandbox.
	ScriptPath = "public/" + ScriptName
	// EditModeParam enables the bridge when set to "true" in the page URL.
	EditModeParam = "__edit_mode__"

	initializedFlag = "__EDIT_MODE_INITIALIZED__"
)

// Script is the rendered-side implementation of the bridge for browsers.
//
//go:embed assets/edit-mode.js
var Script string

// SetupFiles returns the files that enable edit mode in a sandbox.
func SetupFiles() []domain.File {
	return []domain.File{{Path: ScriptPath, Content: Script}}
}
