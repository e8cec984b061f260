package router

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nstogner/buildfy/pkg/agent"
	"github.com/nstogner/buildfy/pkg/domain"
	"github.com/nstogner/buildfy/pkg/model"
	"github.com/nstogner/buildfy/pkg/tools"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("github.com/nstogner/buildfy/pkg/router")

// DefaultMaxIterations is the iteration ceiling when none is configured.
const DefaultMaxIterations = 15

// State is the router state machine position.
type State string

const (
	Running           State = "RUNNING"
	TerminatedSummary State = "TERMINATED_SUMMARY"
	TerminatedMaxIter State = "TERMINATED_MAX_ITER"
)

// Stepper produces the next agent turn from history. *agent.Agent implements it.
type Stepper interface {
	Next(ctx context.Context, history []model.Message) (agent.Turn, error)
}

// Executor runs a decoded tool call. *tools.Registry implements it.
type Executor interface {
	Execute(ctx context.Context, env tools.Env, call tools.Call) tools.Result
}

// Router drives the agent/tool loop for a single agent until the run state
// holds a summary or the iteration ceiling is reached.
type Router struct {
	Agent         Stepper
	Tools         Executor
	MaxIterations int
}

// Result is the terminal outcome of a router loop.
type Result struct {
	State      State
	Iterations int
	// History is the input history followed by every message the loop appended.
	History []model.Message
}

// Run executes the loop. Tool failures stay in the conversation; only
// inference failures and cancellation are returned as errors.
func (r *Router) Run(ctx context.Context, env tools.Env, history []model.Message) (*Result, error) {
	limit := r.MaxIterations
	if limit <= 0 {
		limit = DefaultMaxIterations
	}

	res := &Result{
		State:   Running,
		History: append([]model.Message(nil), history...),
	}

	for res.State == Running {
		switch {
		case env.State.HasSummary():
			res.State = TerminatedSummary
			continue
		case res.Iterations >= limit:
			res.State = TerminatedMaxIter
			continue
		}

		if err := r.step(ctx, env, res); err != nil {
			return res, fmt.Errorf("iteration %d: %w", res.Iterations+1, err)
		}
		res.Iterations++
	}

	slog.Info("Router finished", "state", res.State, "iterations", res.Iterations)
	return res, nil
}

// step runs one agent turn and, if it asked for tools, executes them in
// order and appends their results before returning.
func (r *Router) step(ctx context.Context, env tools.Env, res *Result) error {
	ctx, span := tracer.Start(ctx, "router.step")
	span.SetAttributes(attribute.Int("iteration", res.Iterations+1))
	defer span.End()

	turn, err := r.Agent.Next(ctx, res.History)
	if err != nil {
		span.RecordError(err)
		return err
	}
	res.History = append(res.History, turn.Message)

	// A summary can ride along with tool calls; the calls still run and the
	// next iteration terminates.
	if summary, ok := ExtractSummary(turn.Text()); ok {
		env.State.Summary = summary
	}
	if !turn.HasToolCalls() {
		return nil
	}

	results := make([]*domain.ToolResult, 0, len(turn.Invocations))
	for _, inv := range turn.Invocations {
		tr := &domain.ToolResult{ToolCallID: inv.Raw.ID, Name: inv.Raw.Name}
		if inv.Err != nil {
			tr.Content = fmt.Sprintf("Error: %v", inv.Err)
			tr.IsError = true
		} else {
			out := r.Tools.Execute(ctx, env, inv.Call)
			tr.Content = out.Content
			tr.IsError = out.IsError
		}
		results = append(results, tr)
	}
	res.History = append(res.History, model.ToolResults(results...))
	return nil
}
