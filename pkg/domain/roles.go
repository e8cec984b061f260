package domain

// Role defines the sender of a conversation message.
type Role string

const (
	// RoleUser indicates a message from the user.
	RoleUser Role = "user"
	// RoleAssistant indicates a message from the model.
	RoleAssistant Role = "assistant"
	// RoleTool indicates a tool result.
	RoleTool Role = "tool"
)

// Message content types.
const (
	ContentTypeText       = "text"
	ContentTypeToolCall   = "tool_call"
	ContentTypeToolResult = "tool_result"
)

// MessageType classifies a persisted assistant message.
type MessageType string

const (
	MessageTypeResult MessageType = "RESULT"
	MessageTypeError  MessageType = "ERROR"
)

// RunStatus is the terminal status of a run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)
