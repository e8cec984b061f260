package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/nstogner/buildfy/pkg/sandbox"
)

// accumulator is a goroutine-safe append-only text buffer.
type accumulator struct {
	mu sync.Mutex
	sb strings.Builder
}

func (a *accumulator) Write(p []byte) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sb.Write(p)
}

func (a *accumulator) String() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sb.String()
}

func (r *Registry) terminal(ctx context.Context, env Env, c Terminal) Result {
	if r.policy != nil {
		d, err := r.policy.Check(ctx, c.Command)
		if err != nil {
			return Result{Content: fmt.Sprintf("Error: checking command policy: %v", err), IsError: true}
		}
		if !d.Allow {
			slog.Info("Command denied by policy", "command", c.Command, "reasons", d.Reasons)
			return Result{Content: "Command denied: " + strings.Join(d.Reasons, "; "), IsError: true}
		}
	}

	var stdout, stderr accumulator
	_, err := env.Sandbox.RunCommand(ctx, c.Command, sandbox.CommandOptions{
		OnStdout: &stdout,
		OnStderr: &stderr,
	})
	if err != nil {
		slog.Debug("Command failed", "sandboxID", env.Sandbox.ID(), "command", c.Command, "error", err)
		return Result{
			Content: fmt.Sprintf("Command failed: %v \nstdout: %s\nstderr: %s", err, stdout.String(), stderr.String()),
			IsError: true,
		}
	}
	return Result{Content: stdout.String()}
}
