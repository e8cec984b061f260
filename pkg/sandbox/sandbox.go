package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrNotFound is returned when a sandbox has expired or was destroyed.
	ErrNotFound = errors.New("sandbox not found")
	// ErrCommandFailed is matched by *CommandError.
	ErrCommandFailed = errors.New("command failed")
)

// CommandOptions configures a command execution.
type CommandOptions struct {
	// OnStdout receives stdout as it is produced. Optional.
	OnStdout io.Writer
	// OnStderr receives stderr as it is produced. Optional.
	OnStderr io.Writer
}

// CommandResult represents the output of a command that ran to completion.
type CommandResult struct {
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
	ExitCode int    `json:"exit_code"`
}

// CommandError is returned when a command exits with a non-zero status.
type CommandError struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("exit status %d", e.ExitCode)
}

func (e *CommandError) Is(target error) bool {
	return target == ErrCommandFailed
}

// Sandbox is a handle to one remote execution environment.
type Sandbox interface {
	// ID returns the stable identifier of the environment.
	ID() string

	// RunCommand runs cmd through a login shell. A non-zero exit yields a
	// *CommandError alongside the result.
	RunCommand(ctx context.Context, cmd string, opts CommandOptions) (*CommandResult, error)

	WriteFile(ctx context.Context, path, content string) error
	ReadFile(ctx context.Context, path string) (string, error)

	// Host returns the public hostname that routes to port inside the sandbox.
	Host(port int) string
}

// Provider creates and reconnects to sandboxes.
type Provider interface {
	// Name returns the backend identifier (e.g. "docker", "e2b").
	Name() string

	// Create provisions a fresh environment from the named template.
	Create(ctx context.Context, template string) (Sandbox, error)

	// Connect reattaches to a live environment by id. It fails with
	// ErrNotFound when the environment expired or was destroyed.
	Connect(ctx context.Context, id string) (Sandbox, error)

	// Destroy tears down an environment. Missing environments are not an error.
	Destroy(ctx context.Context, id string) error
}

// Lister lists ids of sandboxes that should be kept alive regardless of
// their keep-alive window (e.g. sandboxes referenced by fragments).
type Lister interface {
	ListSandboxIDs(ctx context.Context) ([]string, error)
}
