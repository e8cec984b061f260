package router

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nstogner/buildfy/pkg/agent"
	"github.com/nstogner/buildfy/pkg/domain"
	"github.com/nstogner/buildfy/pkg/model"
	"github.com/nstogner/buildfy/pkg/model/modeltest"
	"github.com/nstogner/buildfy/pkg/sandbox"
	"github.com/nstogner/buildfy/pkg/sandbox/sandboxtest"
	"github.com/nstogner/buildfy/pkg/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T, p *modeltest.Provider, cmd sandboxtest.CommandFunc) (*Router, tools.Env) {
	t.Helper()
	sp := sandboxtest.NewProvider()
	sp.Command = cmd
	sb, err := sp.Create(context.Background(), "test")
	require.NoError(t, err)

	reg := tools.NewRegistry()
	r := &Router{
		Agent: &agent.Agent{
			Name:          "code-agent",
			Model:         "scripted",
			Provider:      p,
			Tools:         reg.Specs(),
			MaxTries:      1,
			RetryInterval: time.Millisecond,
		},
		Tools:         reg,
		MaxIterations: 15,
	}
	return r, tools.Env{Sandbox: sb, State: domain.NewRunState()}
}

func toolResults(history []model.Message) []*domain.ToolResult {
	var out []*domain.ToolResult
	for _, m := range history {
		for _, c := range m.Content {
			if c.ToolResult != nil {
				out = append(out, c.ToolResult)
			}
		}
	}
	return out
}

func TestRunAlwaysFailingTerminalHitsCeiling(t *testing.T) {
	p := modeltest.New()
	p.Fallback = func(modeltest.Request) modeltest.Reply {
		return modeltest.ToolCall("c", tools.NameTerminal, map[string]any{"command": "npm test"})
	}
	r, env := setup(t, p, func(cmd string) (*sandbox.CommandResult, error) {
		return &sandbox.CommandResult{ExitCode: 1}, &sandbox.CommandError{ExitCode: 1, Stderr: "fail"}
	})

	res, err := r.Run(context.Background(), env, []model.Message{model.UserText("make it pass")})
	require.NoError(t, err)
	assert.Equal(t, TerminatedMaxIter, res.State)
	assert.Equal(t, 15, res.Iterations)
	assert.Empty(t, env.State.Summary)

	results := toolResults(res.History)
	require.Len(t, results, 15)
	for _, tr := range results {
		assert.True(t, tr.IsError)
		assert.True(t, strings.HasPrefix(tr.Content, "Command failed:"), tr.Content)
	}
	assert.Len(t, p.Requests(), 15)
}

func TestRunTerminatesOnSummary(t *testing.T) {
	p := modeltest.New(
		modeltest.ToolCall("c1", tools.NameCreateOrUpdateFile, map[string]any{
			"files": []any{map[string]any{"path": "app/page.tsx", "content": "x"}},
		}),
		modeltest.Text("All set. <task_summary>Created a page</task_summary> thanks!"),
	)
	r, env := setup(t, p, nil)

	res, err := r.Run(context.Background(), env, []model.Message{model.UserText("build")})
	require.NoError(t, err)
	assert.Equal(t, TerminatedSummary, res.State)
	assert.Equal(t, 2, res.Iterations)
	assert.Equal(t, "Created a page", env.State.Summary)
	assert.Equal(t, map[string]string{"app/page.tsx": "x"}, env.State.Files)
	// user, assistant tool call, tool result, assistant summary
	assert.Len(t, res.History, 4)
	assert.Len(t, p.Requests(), 2)
}

func TestRunSummaryAlongsideToolCall(t *testing.T) {
	mixed := modeltest.ToolCall("c1", tools.NameTerminal, map[string]any{"command": "npm run build"})
	mixed.Message.Content = append([]model.Content{{
		Type: domain.ContentTypeText,
		Text: "<task_summary>Built the app</task_summary>",
	}}, mixed.Message.Content...)
	p := modeltest.New(mixed, modeltest.Text("plain text that must not be requested"))
	r, env := setup(t, p, func(cmd string) (*sandbox.CommandResult, error) {
		return &sandbox.CommandResult{Stdout: "built\n"}, nil
	})

	res, err := r.Run(context.Background(), env, []model.Message{model.UserText("build")})
	require.NoError(t, err)
	assert.Equal(t, TerminatedSummary, res.State)
	assert.Equal(t, 1, res.Iterations)
	assert.Equal(t, "Built the app", env.State.Summary)
	assert.Len(t, p.Requests(), 1)

	results := toolResults(res.History)
	require.Len(t, results, 1)
	assert.Equal(t, "built\n", results[0].Content)
}

func TestRunAppendsToolResultBeforeNextTurn(t *testing.T) {
	p := modeltest.New(
		modeltest.ToolCall("c1", tools.NameTerminal, map[string]any{"command": "echo hi"}),
		modeltest.Text("<task_summary>ok</task_summary>"),
	)
	r, env := setup(t, p, func(cmd string) (*sandbox.CommandResult, error) {
		return &sandbox.CommandResult{Stdout: "hi\n"}, nil
	})

	_, err := r.Run(context.Background(), env, []model.Message{model.UserText("go")})
	require.NoError(t, err)

	second := p.Requests()[1].Messages
	last := second[len(second)-1]
	assert.Equal(t, domain.RoleTool, last.Role)
	require.NotNil(t, last.Content[0].ToolResult)
	assert.Equal(t, "hi\n", last.Content[0].ToolResult.Content)
	assert.Equal(t, "c1", last.Content[0].ToolResult.ToolCallID)
}

func TestRunPlainTextCountsAsIteration(t *testing.T) {
	p := modeltest.New(
		modeltest.Text("thinking..."),
		modeltest.Text("still thinking"),
		modeltest.Text("<task_summary>done</task_summary>"),
	)
	r, env := setup(t, p, nil)

	res, err := r.Run(context.Background(), env, nil)
	require.NoError(t, err)
	assert.Equal(t, TerminatedSummary, res.State)
	assert.Equal(t, 3, res.Iterations)
}

func TestRunSummaryOnLastAllowedTurn(t *testing.T) {
	p := modeltest.New()
	p.Fallback = func(req modeltest.Request) modeltest.Reply {
		if len(req.Messages) == 3 {
			return modeltest.Text("<task_summary>just in time</task_summary>")
		}
		return modeltest.Text("working")
	}
	r, env := setup(t, p, nil)
	r.MaxIterations = 3

	res, err := r.Run(context.Background(), env, []model.Message{model.UserText("go")})
	require.NoError(t, err)
	assert.Equal(t, TerminatedSummary, res.State)
	assert.Equal(t, 3, res.Iterations)
}

func TestRunMalformedArgumentsBecomeErrorResults(t *testing.T) {
	p := modeltest.New(
		modeltest.ToolCall("c1", tools.NameTerminal, map[string]any{}),
		modeltest.ToolCall("c2", "deleteEverything", map[string]any{}),
		modeltest.Text("<task_summary>ok</task_summary>"),
	)
	r, env := setup(t, p, nil)

	res, err := r.Run(context.Background(), env, nil)
	require.NoError(t, err)
	assert.Equal(t, TerminatedSummary, res.State)

	results := toolResults(res.History)
	require.Len(t, results, 2)
	assert.True(t, results[0].IsError)
	assert.Contains(t, results[0].Content, "invalid arguments for terminal")
	assert.Contains(t, results[1].Content, "unknown tool: deleteEverything")
}

func TestRunMultipleCallsInOneTurnRunSequentially(t *testing.T) {
	msg := model.Message{Role: domain.RoleAssistant}
	for i, path := range []string{"a.txt", "b.txt"} {
		msg.Content = append(msg.Content, model.Content{
			Type: domain.ContentTypeToolCall,
			ToolCall: &domain.ToolCall{
				ID:    string(rune('1' + i)),
				Name:  tools.NameCreateOrUpdateFile,
				Input: map[string]any{"files": []any{map[string]any{"path": path, "content": path}}},
			},
		})
	}
	p := modeltest.New(modeltest.Reply{Message: msg}, modeltest.Text("<task_summary>ok</task_summary>"))
	r, env := setup(t, p, nil)

	res, err := r.Run(context.Background(), env, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Iterations)
	assert.Equal(t, map[string]string{"a.txt": "a.txt", "b.txt": "b.txt"}, env.State.Files)
	assert.Len(t, toolResults(res.History), 2)
}

func TestRunFilesNeverShrink(t *testing.T) {
	p := modeltest.New(
		modeltest.ToolCall("1", tools.NameCreateOrUpdateFile, map[string]any{"files": []any{
			map[string]any{"path": "a.txt", "content": "1"},
			map[string]any{"path": "b.txt", "content": "2"},
		}}),
		modeltest.ToolCall("2", tools.NameCreateOrUpdateFile, map[string]any{"files": []any{
			map[string]any{"path": "a.txt", "content": "3"},
		}}),
		modeltest.Text("<task_summary>ok</task_summary>"),
	)

	counts := []int{}
	r, env := setup(t, p, nil)
	r.Tools = observingExecutor{inner: r.Tools, after: func(s *domain.RunState) { counts = append(counts, len(s.Files)) }}

	_, err := r.Run(context.Background(), env, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a.txt": "3", "b.txt": "2"}, env.State.Files)
	assert.Equal(t, []int{2, 2}, counts)
}

type observingExecutor struct {
	inner Executor
	after func(*domain.RunState)
}

func (o observingExecutor) Execute(ctx context.Context, env tools.Env, call tools.Call) tools.Result {
	res := o.inner.Execute(ctx, env, call)
	o.after(env.State)
	return res
}

func TestRunInferenceErrorFailsRun(t *testing.T) {
	p := modeltest.New(modeltest.Fail(errors.New("quota exceeded")))
	r, env := setup(t, p, nil)

	res, err := r.Run(context.Background(), env, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota exceeded")
	assert.Equal(t, Running, res.State)
	assert.Equal(t, 0, res.Iterations)
}

func TestRunDefaultsCeiling(t *testing.T) {
	p := modeltest.New()
	p.Fallback = func(modeltest.Request) modeltest.Reply { return modeltest.Text("hmm") }
	r, env := setup(t, p, nil)
	r.MaxIterations = 0

	res, err := r.Run(context.Background(), env, nil)
	require.NoError(t, err)
	assert.Equal(t, TerminatedMaxIter, res.State)
	assert.Equal(t, DefaultMaxIterations, res.Iterations)
}
