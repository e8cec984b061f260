// Package gollm adapts github.com/teilomillet/gollm to model.Provider.
// gollm returns plain text, so tool calls use a JSON text protocol that is
// described to the model in the system prompt and parsed from its reply.
package gollm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/kaptinlin/jsonrepair"
	"github.com/nstogner/buildfy/pkg/domain"
	"github.com/nstogner/buildfy/pkg/model"
	"github.com/teilomillet/gollm"
)

// Provider implements model.Provider on top of gollm.
type Provider struct {
	provider  string
	apiKey    string
	maxTokens int

	mu   sync.Mutex
	llms map[string]gollm.LLM
}

var _ model.Provider = (*Provider)(nil)

// New creates a provider for the given gollm backend (e.g. "openai").
// If apiKey is empty, gollm reads it from the environment.
func New(provider, apiKey string) *Provider {
	return &Provider{
		provider:  provider,
		apiKey:    apiKey,
		maxTokens: 8192,
		llms:      map[string]gollm.LLM{},
	}
}

func (p *Provider) Name() string { return p.provider }

// List returns nothing: gollm has no model discovery.
func (p *Provider) List(ctx context.Context) ([]domain.Model, error) {
	return nil, nil
}

// llm returns the cached client for modelName. gollm binds one model per
// client, so each model gets its own.
func (p *Provider) llm(modelName string) (gollm.LLM, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok := p.llms[modelName]; ok {
		return l, nil
	}
	opts := []gollm.ConfigOption{
		gollm.SetProvider(p.provider),
		gollm.SetModel(modelName),
		gollm.SetMaxTokens(p.maxTokens),
		gollm.SetMaxRetries(0),
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}
	if p.apiKey != "" {
		opts = append(opts, gollm.SetAPIKey(p.apiKey))
	}
	l, err := gollm.NewLLM(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating gollm LLM for %s/%s: %w", p.provider, modelName, err)
	}
	p.llms[modelName] = l
	return l, nil
}

func (p *Provider) Stream(ctx context.Context, modelName, instructions string, messages []model.Message, tools []model.Tool) (model.ModelStream, error) {
	l, err := p.llm(modelName)
	if err != nil {
		return nil, err
	}
	slog.Debug("Gollm.Stream", "provider", p.provider, "model", modelName, "messageCount", len(messages))

	prompt := buildPrompt(instructions, messages, tools)
	return &stream{ctx: ctx, llm: l, prompt: prompt}, nil
}

const toolProtocol = `To call tools, reply with only a JSON array and nothing else:
[{"name": "<tool name>", "arguments": {<arguments matching the tool schema>}}]
Calls run in order. Tool results are returned in the next message.`

func buildPrompt(instructions string, messages []model.Message, tools []model.Tool) *gollm.Prompt {
	system := instructions
	if len(tools) > 0 {
		system = strings.TrimSpace(system + "\n\n" + toolProtocol)
	}

	var parts []string
	for _, msg := range messages {
		for _, c := range msg.Content {
			switch c.Type {
			case domain.ContentTypeText:
				if c.Text == "" {
					continue
				}
				if msg.Role == domain.RoleAssistant {
					parts = append(parts, "[Assistant]: "+c.Text)
				} else {
					parts = append(parts, c.Text)
				}
			case domain.ContentTypeToolCall:
				if c.ToolCall != nil {
					b, _ := json.Marshal([]map[string]any{{"name": c.ToolCall.Name, "arguments": c.ToolCall.Input}})
					parts = append(parts, "[Assistant]: "+string(b))
				}
			case domain.ContentTypeToolResult:
				if c.ToolResult != nil {
					prefix := "[Tool Result]"
					if c.ToolResult.IsError {
						prefix = "[Tool Error]"
					}
					if c.ToolResult.Name != "" {
						prefix += " " + c.ToolResult.Name
					}
					parts = append(parts, prefix+": "+c.ToolResult.Content)
				}
			}
		}
	}
	text := strings.Join(parts, "\n")
	if text == "" {
		text = "Hello"
	}

	var opts []gollm.PromptOption
	if system != "" {
		opts = append(opts, gollm.WithSystemPrompt(system, gollm.CacheTypeEphemeral))
	}
	if len(tools) > 0 {
		defs := make([]gollm.Tool, 0, len(tools))
		for _, t := range tools {
			defs = append(defs, gollm.Tool{
				Type: "function",
				Function: gollm.Function{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.Parameters,
				},
			})
		}
		opts = append(opts, gollm.WithTools(defs), gollm.WithToolChoice("auto"))
	}
	return gollm.NewPrompt(text, opts...)
}

type stream struct {
	ctx    context.Context
	llm    gollm.LLM
	prompt *gollm.Prompt
}

func (s *stream) FullMessage() (model.Message, error) {
	text, err := s.llm.Generate(s.ctx, s.prompt)
	if err != nil {
		return model.Message{}, fmt.Errorf("generating: %w", err)
	}
	return parseResponse(text), nil
}

func (s *stream) Close() error { return nil }

var callStart = regexp.MustCompile(`(\[\s*)?\{\s*"name"\s*:`)

// parseResponse splits a reply into leading text and tool calls. Malformed
// JSON is repaired before giving up on it as plain text.
func parseResponse(text string) model.Message {
	msg := model.Message{Role: domain.RoleAssistant}

	var calls []*domain.ToolCall
	lead := text
	if loc := callStart.FindStringIndex(text); loc != nil {
		raw := text[loc[0]:]
		var ok bool
		calls, ok = decodeCalls(raw)
		if !ok {
			if repaired, err := jsonrepair.JSONRepair(trimAfterJSON(raw)); err == nil {
				calls, ok = decodeCalls(repaired)
			}
		}
		if ok {
			lead = text[:loc[0]]
		}
	}

	lead = strings.TrimSpace(lead)
	lead = strings.TrimSpace(strings.TrimSuffix(strings.TrimSuffix(lead, "```json"), "```"))
	if lead != "" {
		msg.Content = append(msg.Content, model.Content{Type: domain.ContentTypeText, Text: lead})
	}
	for _, c := range calls {
		msg.Content = append(msg.Content, model.Content{Type: domain.ContentTypeToolCall, ToolCall: c})
	}
	return msg
}

type rawCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func decodeCalls(raw string) ([]*domain.ToolCall, bool) {
	var v json.RawMessage
	if err := json.NewDecoder(strings.NewReader(raw)).Decode(&v); err != nil {
		return nil, false
	}

	var list []rawCall
	if err := json.Unmarshal(v, &list); err != nil {
		var one rawCall
		if err := json.Unmarshal(v, &one); err != nil {
			return nil, false
		}
		list = []rawCall{one}
	}

	var calls []*domain.ToolCall
	for _, rc := range list {
		if rc.Name == "" {
			continue
		}
		calls = append(calls, &domain.ToolCall{
			ID:    "call_" + uuid.New().String()[:8],
			Name:  rc.Name,
			Input: decodeArguments(rc.Arguments),
		})
	}
	return calls, len(calls) > 0
}

// decodeArguments accepts arguments as an object or as a JSON-encoded string.
func decodeArguments(raw json.RawMessage) map[string]any {
	args := map[string]any{}
	if len(raw) == 0 {
		return args
	}
	if err := json.Unmarshal(raw, &args); err == nil {
		return args
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if err := json.Unmarshal([]byte(s), &args); err != nil {
			if repaired, err := jsonrepair.JSONRepair(s); err == nil {
				json.Unmarshal([]byte(repaired), &args)
			}
		}
	}
	return args
}

// trimAfterJSON drops a trailing markdown fence so repair sees only the payload.
func trimAfterJSON(s string) string {
	if i := strings.LastIndex(s, "```"); i > 0 {
		return s[:i]
	}
	return s
}
