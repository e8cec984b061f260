package run

import _ "embed"

// CodePrompt is the system prompt of the code agent.
//
//go:embed prompts/code.md
var CodePrompt string

// TitlePrompt is the system prompt of the fragment title agent.
//
//go:embed prompts/title.md
var TitlePrompt string

// ResponsePrompt is the system prompt of the user-facing response agent.
//
//go:embed prompts/response.md
var ResponsePrompt string

const (
	fallbackTitle    = "Fragment"
	fallbackResponse = "Here you go"
	errorContent     = "Something went wrong, please try again."
)
