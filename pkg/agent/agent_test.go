package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nstogner/buildfy/pkg/model"
	"github.com/nstogner/buildfy/pkg/model/modeltest"
	"github.com/nstogner/buildfy/pkg/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAgent(p *modeltest.Provider) *Agent {
	return &Agent{
		Name:          "code-agent",
		Instructions:  "build things",
		Model:         "scripted",
		Provider:      p,
		Tools:         tools.NewRegistry().Specs(),
		RetryInterval: time.Millisecond,
	}
}

func TestNextDecodesToolCalls(t *testing.T) {
	p := modeltest.New(modeltest.ToolCall("c1", tools.NameTerminal, map[string]any{"command": "ls"}))
	a := newAgent(p)

	turn, err := a.Next(context.Background(), []model.Message{model.UserText("hi")})
	require.NoError(t, err)
	require.True(t, turn.HasToolCalls())
	require.Len(t, turn.Invocations, 1)
	assert.NoError(t, turn.Invocations[0].Err)
	assert.Equal(t, tools.Terminal{Command: "ls"}, turn.Invocations[0].Call)

	reqs := p.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "build things", reqs[0].Instructions)
	assert.Len(t, reqs[0].Tools, 3)
}

func TestNextKeepsMalformedCalls(t *testing.T) {
	p := modeltest.New(modeltest.ToolCall("c1", tools.NameReadFiles, map[string]any{"files": 7}))

	turn, err := newAgent(p).Next(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, turn.Invocations, 1)
	assert.Error(t, turn.Invocations[0].Err)
	assert.Nil(t, turn.Invocations[0].Call)
	assert.Equal(t, "c1", turn.Invocations[0].Raw.ID)
}

func TestNextRetriesInference(t *testing.T) {
	p := modeltest.New(
		modeltest.Fail(errors.New("503")),
		modeltest.Text("done"),
	)

	turn, err := newAgent(p).Next(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "done", turn.Text())
	assert.Len(t, p.Requests(), 2)
}

func TestNextGivesUpAfterMaxTries(t *testing.T) {
	p := modeltest.New()
	a := newAgent(p)
	a.MaxTries = 2

	_, err := a.Next(context.Background(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, modeltest.ErrScriptExhausted)
	assert.Len(t, p.Requests(), 2)
}

func TestAskTrimsAndSendsNoTools(t *testing.T) {
	p := modeltest.New(modeltest.Text("  Todo App \n"))

	got, err := newAgent(p).Ask(context.Background(), "title please")
	require.NoError(t, err)
	assert.Equal(t, "Todo App", got)
	assert.Empty(t, p.Requests()[0].Tools)
}
