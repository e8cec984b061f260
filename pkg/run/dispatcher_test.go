package run

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nstogner/buildfy/pkg/domain"
)

type blockingExecutor struct {
	release chan struct{}
	active  atomic.Int32
	peak    atomic.Int32
}

func (e *blockingExecutor) Execute(ctx context.Context, req Request) (*Outcome, error) {
	n := e.active.Add(1)
	for {
		p := e.peak.Load()
		if n <= p || e.peak.CompareAndSwap(p, n) {
			break
		}
	}
	defer e.active.Add(-1)
	<-e.release
	if req.Prompt == "fail" {
		return nil, errors.New("boom")
	}
	return &Outcome{RunID: req.RunID, Status: domain.RunStatusCompleted}, nil
}

func TestDispatcherBoundsConcurrency(t *testing.T) {
	exec := &blockingExecutor{release: make(chan struct{})}
	d := NewDispatcher(exec, 2, 10)

	var (
		mu   sync.Mutex
		done = map[string]error{}
		wg   sync.WaitGroup
	)
	d.OnOutcome = func(req Request, out *Outcome, err error) {
		mu.Lock()
		done[req.RunID] = err
		mu.Unlock()
		wg.Done()
	}

	var ids []string
	for _, prompt := range []string{"a", "b", "fail", "c"} {
		wg.Add(1)
		id, err := d.Submit(Request{ProjectID: "p1", Prompt: prompt})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan error, 1)
	go func() { stopped <- d.Start(ctx) }()

	require.Eventually(t, func() bool { return exec.active.Load() == 2 }, time.Second, time.Millisecond)
	close(exec.release)
	wg.Wait()
	cancel()
	require.ErrorIs(t, <-stopped, context.Canceled)

	assert.Equal(t, int32(2), exec.peak.Load())
	require.Len(t, done, 4)
	assert.NoError(t, done[ids[0]])
	assert.Error(t, done[ids[2]])
}

func TestDispatcherSubmit(t *testing.T) {
	d := NewDispatcher(&blockingExecutor{}, 1, 1)

	_, err := d.Submit(Request{ProjectID: "p1"})
	require.Error(t, err)

	id, err := d.Submit(Request{RunID: "run-1", ProjectID: "p1", Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, "run-1", id)

	_, err = d.Submit(Request{ProjectID: "p1", Prompt: "y"})
	require.ErrorIs(t, err, ErrQueueFull)
}
