package model

import (
	"context"

	"github.com/nstogner/buildfy/pkg/domain"
)

// Message represents a message in the model's conversation context.
type Message struct {
	// Role indicates the sender (user, assistant, tool).
	Role domain.Role
	// Content holds the message parts.
	Content []Content
}

// Content represents a single component of a message.
type Content struct {
	Type string // "text", "tool_call", "tool_result"

	Text       string             `json:"text,omitempty"`
	ToolCall   *domain.ToolCall   `json:"tool_call,omitempty"`
	ToolResult *domain.ToolResult `json:"tool_result,omitempty"`

	// ThoughtSignature is an opaque signature for the model's internal state.
	// Must be round-tripped back to the model on the next request.
	ThoughtSignature []byte `json:"thought_signature,omitempty"`
}

// Tool declares a callable tool. Parameters is a JSON schema object.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Provider represents a service that provides LLMs (e.g. Gemini, OpenAI).
type Provider interface {
	// Name returns the provider's identifier (e.g. "gemini", "openai").
	Name() string

	// List returns the available models from this provider.
	List(ctx context.Context) ([]domain.Model, error)

	// Stream sends a conversation to the LLM and returns a stream of responses.
	// instructions is the system prompt; tools may be empty.
	Stream(ctx context.Context, modelName, instructions string, messages []Message, tools []Tool) (ModelStream, error)
}

// ModelStream abstracts the stream of responses from the model.
type ModelStream interface {
	// FullMessage blocks until the complete response is available and returns it.
	FullMessage() (Message, error)

	// Close releases resources associated with this stream.
	Close() error
}

// Text concatenates the text parts of a message.
func (m Message) Text() string {
	var s string
	for _, c := range m.Content {
		if c.Type == domain.ContentTypeText {
			s += c.Text
		}
	}
	return s
}

// ToolCalls returns the tool calls of a message in order.
func (m Message) ToolCalls() []*domain.ToolCall {
	var calls []*domain.ToolCall
	for _, c := range m.Content {
		if c.Type == domain.ContentTypeToolCall && c.ToolCall != nil {
			calls = append(calls, c.ToolCall)
		}
	}
	return calls
}

// UserText builds a single-part user message.
func UserText(text string) Message {
	return Message{
		Role:    domain.RoleUser,
		Content: []Content{{Type: domain.ContentTypeText, Text: text}},
	}
}

// AssistantText builds a single-part assistant message.
func AssistantText(text string) Message {
	return Message{
		Role:    domain.RoleAssistant,
		Content: []Content{{Type: domain.ContentTypeText, Text: text}},
	}
}

// ToolResults builds a tool message carrying results.
func ToolResults(results ...*domain.ToolResult) Message {
	msg := Message{Role: domain.RoleTool}
	for _, r := range results {
		msg.Content = append(msg.Content, Content{Type: domain.ContentTypeToolResult, ToolResult: r})
	}
	return msg
}
