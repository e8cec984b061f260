package gemini

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/nstogner/buildfy/pkg/domain"
	"github.com/nstogner/buildfy/pkg/model"
	"google.golang.org/genai"
)

// Provider implements model.Provider using the Google Gen AI SDK.
type Provider struct {
	client *genai.Client
}

// Verify interface compliance.
var _ model.Provider = (*Provider)(nil)

// New creates a new Gemini provider.
func New(ctx context.Context, apiKey string) (*Provider, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &Provider{client: client}, nil
}

// Name returns the provider identifier.
func (p *Provider) Name() string { return "gemini" }

// List returns Gemini models that support generateContent.
func (p *Provider) List(ctx context.Context) ([]domain.Model, error) {
	var models []domain.Model
	for m, err := range p.client.Models.All(ctx) {
		if err != nil {
			return nil, err
		}
		for _, action := range m.SupportedActions {
			if action == "generateContent" {
				models = append(models, domain.Model{
					ID:       m.Name,
					Name:     m.DisplayName,
					Provider: "gemini",
				})
				break
			}
		}
	}
	return models, nil
}

// Stream sends a conversation context to the LLM and returns a stream.
func (p *Provider) Stream(ctx context.Context, modelName, instructions string, messages []model.Message, tools []model.Tool) (model.ModelStream, error) {
	slog.Debug("Gemini.Stream", "model", modelName, "messageCount", len(messages), "toolCount", len(tools))

	config := &genai.GenerateContentConfig{}
	if instructions != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: instructions}},
		}
	}
	if len(tools) > 0 {
		config.Tools = toolDeclarations(tools)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	iter := p.client.Models.GenerateContentStream(streamCtx, modelName, toContents(messages), config)

	return &geminiStream{
		iter:   iter,
		cancel: cancel,
	}, nil
}

// toContents converts conversation messages to genai contents. Tool results
// are sent as function responses in a user turn.
func toContents(messages []model.Message) []*genai.Content {
	var contents []*genai.Content
	toolNames := make(map[string]string) // tool call ID -> name

	for _, msg := range messages {
		var parts []*genai.Part
		for _, c := range msg.Content {
			switch c.Type {
			case domain.ContentTypeText:
				if c.Text == "" {
					continue
				}
				parts = append(parts, &genai.Part{
					Text:             c.Text,
					ThoughtSignature: c.ThoughtSignature,
				})
			case domain.ContentTypeToolCall:
				if c.ToolCall == nil {
					continue
				}
				toolNames[c.ToolCall.ID] = c.ToolCall.Name
				parts = append(parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{
						Name: c.ToolCall.Name,
						Args: c.ToolCall.Input,
						ID:   c.ToolCall.ID,
					},
					ThoughtSignature: c.ThoughtSignature,
				})
			case domain.ContentTypeToolResult:
				if c.ToolResult == nil {
					continue
				}
				name := c.ToolResult.Name
				if name == "" {
					name = toolNames[c.ToolResult.ToolCallID]
				}
				key := "result"
				if c.ToolResult.IsError {
					key = "error"
				}
				parts = append(parts, &genai.Part{
					FunctionResponse: &genai.FunctionResponse{
						Name:     name,
						ID:       c.ToolResult.ToolCallID,
						Response: map[string]any{key: c.ToolResult.Content},
					},
				})
			}
		}

		role := "user"
		if msg.Role == domain.RoleAssistant {
			role = "model"
		}
		if len(parts) > 0 {
			contents = append(contents, &genai.Content{Role: role, Parts: parts})
		}
	}
	return contents
}

func toolDeclarations(tools []model.Tool) []*genai.Tool {
	decls := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  toSchema(t.Parameters),
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

// toSchema converts a JSON schema object into a genai schema. Only the
// keywords used by tool declarations are supported.
func toSchema(js map[string]any) *genai.Schema {
	if js == nil {
		return nil
	}
	s := &genai.Schema{}
	if t, ok := js["type"].(string); ok {
		s.Type = schemaType(t)
	}
	if d, ok := js["description"].(string); ok {
		s.Description = d
	}
	if props, ok := js["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for name, v := range props {
			if sub, ok := v.(map[string]any); ok {
				s.Properties[name] = toSchema(sub)
			}
		}
	}
	if items, ok := js["items"].(map[string]any); ok {
		s.Items = toSchema(items)
	}
	switch req := js["required"].(type) {
	case []string:
		s.Required = req
	case []any:
		for _, r := range req {
			if name, ok := r.(string); ok {
				s.Required = append(s.Required, name)
			}
		}
	}
	return s
}

func schemaType(t string) genai.Type {
	switch strings.ToLower(t) {
	case "object":
		return genai.TypeObject
	case "array":
		return genai.TypeArray
	case "integer":
		return genai.TypeInteger
	case "number":
		return genai.TypeNumber
	case "boolean":
		return genai.TypeBoolean
	default:
		return genai.TypeString
	}
}

// geminiStream wraps the Gemini streaming iterator.
type geminiStream struct {
	iter   func(yield func(*genai.GenerateContentResponse, error) bool)
	cancel context.CancelFunc
}

func (s *geminiStream) FullMessage() (model.Message, error) {
	var fullText strings.Builder
	var toolCalls []model.Content
	var textSignature []byte

	for resp, err := range s.iter {
		if err != nil {
			return model.Message{}, err
		}
		if resp == nil {
			continue
		}
		for _, cand := range resp.Candidates {
			if cand.Content == nil {
				continue
			}
			for _, part := range cand.Content.Parts {
				if part.Text != "" && !part.Thought {
					if len(part.ThoughtSignature) > 0 {
						textSignature = part.ThoughtSignature
					}
					fullText.WriteString(part.Text)
				}
				if part.FunctionCall != nil {
					fc := part.FunctionCall
					id := fc.ID
					if id == "" {
						id = "call-" + uuid.New().String()
					}
					toolCalls = append(toolCalls, model.Content{
						Type: domain.ContentTypeToolCall,
						ToolCall: &domain.ToolCall{
							ID:    id,
							Name:  fc.Name,
							Input: fc.Args,
						},
						ThoughtSignature: part.ThoughtSignature,
					})
				}
			}
		}
	}

	var content []model.Content
	if fullText.Len() > 0 {
		content = append(content, model.Content{
			Type:             domain.ContentTypeText,
			Text:             fullText.String(),
			ThoughtSignature: textSignature,
		})
	}
	content = append(content, toolCalls...)

	return model.Message{
		Role:    domain.RoleAssistant,
		Content: content,
	}, nil
}

func (s *geminiStream) Close() error {
	s.cancel()
	return nil
}
