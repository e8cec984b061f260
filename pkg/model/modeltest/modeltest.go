// Package modeltest provides a scripted model.Provider for tests.
package modeltest

import (
	"context"
	"errors"
	"sync"

	"github.com/nstogner/buildfy/pkg/domain"
	"github.com/nstogner/buildfy/pkg/model"
)

// ErrScriptExhausted is returned when a Provider has no more replies.
var ErrScriptExhausted = errors.New("modeltest: script exhausted")

// Reply is one scripted model response.
type Reply struct {
	Message model.Message
	Err     error
}

// Text returns a reply with a single text part.
func Text(s string) Reply {
	return Reply{Message: model.AssistantText(s)}
}

// ToolCall returns a reply with a single tool call.
func ToolCall(id, name string, input map[string]any) Reply {
	return Reply{Message: model.Message{
		Role: domain.RoleAssistant,
		Content: []model.Content{{
			Type:     domain.ContentTypeToolCall,
			ToolCall: &domain.ToolCall{ID: id, Name: name, Input: input},
		}},
	}}
}

// Fail returns a reply that fails inference with err.
func Fail(err error) Reply {
	return Reply{Err: err}
}

// Request records one call to Stream.
type Request struct {
	Model        string
	Instructions string
	Messages     []model.Message
	Tools        []model.Tool
}

// Provider replays scripted replies in order. When the script runs out,
// Fallback is used if set.
type Provider struct {
	mu       sync.Mutex
	script   []Reply
	requests []Request

	Fallback func(req Request) Reply
}

var _ model.Provider = (*Provider)(nil)

// New returns a provider that replays replies.
func New(replies ...Reply) *Provider {
	return &Provider{script: replies}
}

func (p *Provider) Name() string { return "modeltest" }

func (p *Provider) List(ctx context.Context) ([]domain.Model, error) {
	return []domain.Model{{ID: "scripted", Name: "scripted", Provider: "modeltest"}}, nil
}

func (p *Provider) Stream(ctx context.Context, modelName, instructions string, messages []model.Message, tools []model.Tool) (model.ModelStream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	req := Request{
		Model:        modelName,
		Instructions: instructions,
		Messages:     append([]model.Message(nil), messages...),
		Tools:        tools,
	}
	p.requests = append(p.requests, req)

	var r Reply
	switch {
	case len(p.script) > 0:
		r, p.script = p.script[0], p.script[1:]
	case p.Fallback != nil:
		r = p.Fallback(req)
	default:
		r = Reply{Err: ErrScriptExhausted}
	}
	return &stream{reply: r}, nil
}

// Requests returns every recorded request in call order.
func (p *Provider) Requests() []Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Request(nil), p.requests...)
}

type stream struct {
	reply Reply
}

func (s *stream) FullMessage() (model.Message, error) {
	if s.reply.Err != nil {
		return model.Message{}, s.reply.Err
	}
	return s.reply.Message, nil
}

func (s *stream) Close() error { return nil }
