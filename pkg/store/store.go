package store

import (
	"context"
	"errors"

	"github.com/nstogner/buildfy/pkg/domain"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// ProjectStore manages projects.
type ProjectStore interface {
	// CreateProject persists a new project. The ID field must be set by the caller.
	CreateProject(ctx context.Context, p *domain.Project) error

	// GetProject retrieves a project by ID.
	GetProject(ctx context.Context, id string) (*domain.Project, error)

	// ListProjects returns all projects, newest first.
	ListProjects(ctx context.Context) ([]domain.Project, error)
}

// MessageStore manages the conversation of a project.
type MessageStore interface {
	// CreateMessage persists a message and, if set, its fragment in one
	// transaction. IDs must be set by the caller.
	CreateMessage(ctx context.Context, msg *domain.Message) error

	// ListMessages returns the messages of a project oldest first, with
	// fragments attached.
	ListMessages(ctx context.Context, projectID string) ([]domain.Message, error)
}

// FragmentStore manages the artifacts produced by runs.
type FragmentStore interface {
	GetFragment(ctx context.Context, id string) (*domain.Fragment, error)

	// GetFragmentProject returns the project id owning the fragment.
	GetFragmentProject(ctx context.Context, id string) (string, error)

	// UpdateFragmentFiles replaces the file set of a fragment.
	UpdateFragmentFiles(ctx context.Context, id string, files map[string]string) error

	// UpdateFragmentSandbox points a fragment at a new sandbox.
	UpdateFragmentSandbox(ctx context.Context, id, sandboxID, sandboxURL string) error

	// ListSandboxIDs returns the sandbox ids referenced by any fragment.
	ListSandboxIDs(ctx context.Context) ([]string, error)
}

// Store is the full persistence surface.
type Store interface {
	ProjectStore
	MessageStore
	FragmentStore
}
