package run

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// ErrQueueFull is returned by Submit when the dispatcher cannot accept
// more runs.
var ErrQueueFull = errors.New("run queue is full")

// Executor executes one run. *Coordinator implements it.
type Executor interface {
	Execute(ctx context.Context, req Request) (*Outcome, error)
}

// Dispatcher executes submitted runs in the background with bounded
// concurrency. Each run is independent of the others.
type Dispatcher struct {
	exec        Executor
	queue       chan Request
	concurrency int

	// OnOutcome, if set, is called after every run.
	OnOutcome func(req Request, out *Outcome, err error)
}

// NewDispatcher creates a dispatcher running at most concurrency runs at a
// time with room for queueSize pending runs.
func NewDispatcher(exec Executor, concurrency, queueSize int) *Dispatcher {
	if concurrency <= 0 {
		concurrency = 4
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Dispatcher{
		exec:        exec,
		queue:       make(chan Request, queueSize),
		concurrency: concurrency,
	}
}

// Submit enqueues req and returns its run id without waiting.
func (d *Dispatcher) Submit(req Request) (string, error) {
	if err := validate.Struct(req); err != nil {
		return "", err
	}
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	select {
	case d.queue <- req:
		return req.RunID, nil
	default:
		return "", ErrQueueFull
	}
}

// Start executes queued runs until ctx is done, then waits for in-flight
// runs to finish.
func (d *Dispatcher) Start(ctx context.Context) error {
	var g errgroup.Group
	g.SetLimit(d.concurrency)

	for {
		select {
		case <-ctx.Done():
			g.Wait()
			return ctx.Err()
		case req := <-d.queue:
			g.Go(func() error {
				out, err := d.exec.Execute(ctx, req)
				if err != nil {
					slog.Error("Run error", "runID", req.RunID, "projectID", req.ProjectID, "error", err)
				}
				if d.OnOutcome != nil {
					d.OnOutcome(req, out, err)
				}
				return nil
			})
		}
	}
}
