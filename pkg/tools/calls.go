package tools

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/nstogner/buildfy/pkg/domain"
)

// Tool names as exposed to the model.
const (
	NameTerminal           = "terminal"
	NameCreateOrUpdateFile = "createOrUpdateFile"
	NameReadFiles          = "readFiles"
)

// Call is a decoded, validated tool invocation. The set of implementations
// is closed: Terminal, CreateOrUpdateFile and ReadFiles.
type Call interface {
	ToolName() string
	isCall()
}

// Terminal runs a shell command in the sandbox.
type Terminal struct {
	Command string `json:"command" validate:"required"`
}

// CreateOrUpdateFile writes files to the sandbox and merges them into the run state.
type CreateOrUpdateFile struct {
	Files []domain.File `json:"files" validate:"required,min=1,dive"`
}

// ReadFiles reads files from the sandbox.
type ReadFiles struct {
	Files []string `json:"files" validate:"required,min=1,dive,required"`
}

func (Terminal) ToolName() string           { return NameTerminal }
func (CreateOrUpdateFile) ToolName() string { return NameCreateOrUpdateFile }
func (ReadFiles) ToolName() string          { return NameReadFiles }

func (Terminal) isCall()           {}
func (CreateOrUpdateFile) isCall() {}
func (ReadFiles) isCall()          {}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Decode converts loosely typed model arguments into a typed Call.
// Unknown tool names and arguments that do not match the schema are errors.
func Decode(name string, args map[string]any) (Call, error) {
	b, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encoding arguments: %w", err)
	}

	var call Call
	switch name {
	case NameTerminal:
		var c Terminal
		err = decodeInto(b, &c)
		call = c
	case NameCreateOrUpdateFile:
		var c CreateOrUpdateFile
		err = decodeInto(b, &c)
		call = c
	case NameReadFiles:
		var c ReadFiles
		err = decodeInto(b, &c)
		call = c
	default:
		return nil, fmt.Errorf("unknown tool: %s", name)
	}
	if err != nil {
		return nil, fmt.Errorf("invalid arguments for %s: %w", name, err)
	}
	return call, nil
}

func decodeInto(b []byte, v any) error {
	if err := json.Unmarshal(b, v); err != nil {
		return err
	}
	return validate.Struct(v)
}
