package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/nstogner/buildfy/pkg/domain"
	"github.com/nstogner/buildfy/pkg/model"
	"github.com/nstogner/buildfy/pkg/tools"
)

// Agent is one role bound to a system prompt, a model and a tool set.
type Agent struct {
	Name         string
	Instructions string
	Model        string
	Provider     model.Provider
	Tools        []tools.Spec

	// MaxTries bounds inference attempts per turn. Zero means 3.
	MaxTries uint
	// RetryInterval is the initial backoff between attempts. Zero means 500ms.
	RetryInterval time.Duration
}

// Invocation is a tool call requested by the model, decoded into a typed
// Call. Err is set when the arguments did not match the tool schema.
type Invocation struct {
	Raw  *domain.ToolCall
	Call tools.Call
	Err  error
}

// Turn is the agent's response to a conversation.
type Turn struct {
	Message     model.Message
	Invocations []Invocation
}

// Text returns the text of the turn.
func (t Turn) Text() string { return t.Message.Text() }

// HasToolCalls reports whether the model asked for at least one tool.
func (t Turn) HasToolCalls() bool { return len(t.Invocations) > 0 }

// Next asks the model for the next step given history.
func (a *Agent) Next(ctx context.Context, history []model.Message) (Turn, error) {
	specs := make([]model.Tool, 0, len(a.Tools))
	for _, s := range a.Tools {
		specs = append(specs, model.Tool{Name: s.Name, Description: s.Description, Parameters: s.Parameters})
	}

	msg, err := a.infer(ctx, history, specs)
	if err != nil {
		return Turn{}, err
	}

	turn := Turn{Message: msg}
	for _, tc := range msg.ToolCalls() {
		call, err := tools.Decode(tc.Name, tc.Input)
		turn.Invocations = append(turn.Invocations, Invocation{Raw: tc, Call: call, Err: err})
	}
	return turn, nil
}

// Ask runs a one-shot, tool-less prompt and returns the reply text.
func (a *Agent) Ask(ctx context.Context, prompt string) (string, error) {
	msg, err := a.infer(ctx, []model.Message{model.UserText(prompt)}, nil)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(msg.Text()), nil
}

func (a *Agent) infer(ctx context.Context, history []model.Message, specs []model.Tool) (model.Message, error) {
	maxTries := a.MaxTries
	if maxTries == 0 {
		maxTries = 3
	}
	b := backoff.NewExponentialBackOff()
	if a.RetryInterval > 0 {
		b.InitialInterval = a.RetryInterval
	}

	op := func() (model.Message, error) {
		stream, err := a.Provider.Stream(ctx, a.Model, a.Instructions, history, specs)
		if err != nil {
			return model.Message{}, retryable(ctx, fmt.Errorf("streaming model: %w", err))
		}
		defer stream.Close()

		msg, err := stream.FullMessage()
		if err != nil {
			return model.Message{}, retryable(ctx, fmt.Errorf("getting model response: %w", err))
		}
		return msg, nil
	}

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(maxTries),
		backoff.WithNotify(func(err error, d time.Duration) {
			slog.Warn("Model call failed, retrying", "agent", a.Name, "model", a.Model, "in", d, "error", err)
		}),
	)
}

// retryable marks cancellation as permanent.
func retryable(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return backoff.Permanent(err)
	}
	return err
}
