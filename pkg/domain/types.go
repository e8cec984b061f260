package domain

import "time"

// Project groups the conversation and artifacts of one app being built.
type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is a persisted conversation turn of a project.
type Message struct {
	ID        string      `json:"id"`
	ProjectID string      `json:"project_id"`
	Role      Role        `json:"role"`
	Type      MessageType `json:"type"`
	Content   string      `json:"content"`
	Fragment  *Fragment   `json:"fragment,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// Fragment is the artifact produced by a successful run: a live sandbox
// serving the generated files.
type Fragment struct {
	ID         string            `json:"id"`
	MessageID  string            `json:"message_id"`
	SandboxID  string            `json:"sandbox_id"`
	SandboxURL string            `json:"sandbox_url"`
	Title      string            `json:"title"`
	Files      map[string]string `json:"files"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// ToolCall represents a tool invocation by the model.
type ToolCall struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

// ToolResult represents the outcome of a tool call execution.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name,omitempty"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error"`
}

// Model represents an available LLM model.
type Model struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Provider string `json:"provider"`
}
