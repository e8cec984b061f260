package run

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"

	"github.com/nstogner/buildfy/pkg/domain"
	"github.com/nstogner/buildfy/pkg/sandbox/lifecycle"
	"github.com/nstogner/buildfy/pkg/store"
)

// EditedHTMLPath is where an edited page snapshot is stored in a fragment.
const EditedHTMLPath = "__edited_html__.html"

// SandboxRef pairs a fragment with the sandbox serving it.
type SandboxRef struct {
	FragmentID string `json:"fragmentId" validate:"required"`
	SandboxID  string `json:"sandboxId" validate:"required"`
}

// CheckResult is the liveness of a fragment's sandbox.
type CheckResult struct {
	FragmentID string           `json:"fragmentId"`
	Status     lifecycle.Health `json:"status"`
}

// UpdateRequest writes files into a live sandbox and stores them as the
// fragment's file set.
type UpdateRequest struct {
	FragmentID string            `json:"fragmentId" validate:"required"`
	SandboxID  string            `json:"sandboxId" validate:"required"`
	Files      map[string]string `json:"files" validate:"required"`
}

// CheckSandboxes health-checks the sandboxes of known fragments. Refs whose
// fragment does not exist are omitted. More refs than the batch cap fail
// the whole call with lifecycle.ErrBatchTooLarge.
func (c *Coordinator) CheckSandboxes(ctx context.Context, refs []SandboxRef) ([]CheckResult, error) {
	if len(refs) > c.sandboxes.BatchCap() {
		return nil, fmt.Errorf("%w: %d sandboxes, max %d", lifecycle.ErrBatchTooLarge, len(refs), c.sandboxes.BatchCap())
	}

	var (
		owned []SandboxRef
		ids   []string
	)
	for _, ref := range refs {
		if _, err := c.store.GetFragment(ctx, ref.FragmentID); err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("loading fragment %s: %w", ref.FragmentID, err)
			}
			continue
		}
		owned = append(owned, ref)
		ids = append(ids, ref.SandboxID)
	}

	health, err := c.sandboxes.HealthCheck(ctx, ids)
	if err != nil {
		return nil, err
	}
	results := make([]CheckResult, len(owned))
	for i, ref := range owned {
		results[i] = CheckResult{FragmentID: ref.FragmentID, Status: health[i].Status}
	}
	return results, nil
}

// RestartSandbox recreates a fragment's sandbox from its stored files and
// points the fragment at the new sandbox.
func (c *Coordinator) RestartSandbox(ctx context.Context, fragmentID string) (*domain.Fragment, error) {
	ctx, span := tracer.Start(ctx, "run.RestartSandbox")
	defer span.End()

	f, err := c.store.GetFragment(ctx, fragmentID)
	if err != nil {
		return nil, fmt.Errorf("loading fragment: %w", err)
	}

	newID, newURL, err := c.sandboxes.Restart(ctx, f.SandboxID, f.Files, c.opts.Template)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("restarting sandbox: %w", err)
	}

	if err := c.retry(ctx, "save-sandbox", func() error {
		return c.store.UpdateFragmentSandbox(ctx, fragmentID, newID, newURL)
	}); err != nil {
		return nil, err
	}
	f.SandboxID, f.SandboxURL = newID, newURL
	slog.Info("Fragment sandbox restarted", "fragmentID", fragmentID, "sandboxID", newID)
	return f, nil
}

// UpdateSandbox writes req.Files into the live sandbox, then stores them as
// the fragment's file set.
func (c *Coordinator) UpdateSandbox(ctx context.Context, req UpdateRequest) error {
	if err := validate.Struct(req); err != nil {
		return fmt.Errorf("invalid update request: %w", err)
	}
	ctx, span := tracer.Start(ctx, "run.UpdateSandbox")
	defer span.End()

	if _, err := c.store.GetFragment(ctx, req.FragmentID); err != nil {
		return fmt.Errorf("loading fragment: %w", err)
	}
	if err := c.sandboxes.Sync(ctx, req.SandboxID, req.Files); err != nil {
		span.RecordError(err)
		return fmt.Errorf("updating sandbox: %w", err)
	}
	return c.retry(ctx, "save-files", func() error {
		return c.store.UpdateFragmentFiles(ctx, req.FragmentID, req.Files)
	})
}

// SaveEditedHTML stores an edited page snapshot in the fragment's sandbox
// and file set, merged over the existing files.
func (c *Coordinator) SaveEditedHTML(ctx context.Context, fragmentID, html string) error {
	f, err := c.store.GetFragment(ctx, fragmentID)
	if err != nil {
		return fmt.Errorf("loading fragment: %w", err)
	}
	files := maps.Clone(f.Files)
	if files == nil {
		files = map[string]string{}
	}
	files[EditedHTMLPath] = html
	return c.UpdateSandbox(ctx, UpdateRequest{FragmentID: f.ID, SandboxID: f.SandboxID, Files: files})
}

// FragmentProject returns the project owning a fragment.
func (c *Coordinator) FragmentProject(ctx context.Context, fragmentID string) (string, error) {
	return c.store.GetFragmentProject(ctx, fragmentID)
}
