// Package lifecycle creates, resumes, restarts and health-checks sandboxes.
// The Manager keeps no state between calls: callers own the file sets.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/nstogner/buildfy/pkg/domain"
	"github.com/nstogner/buildfy/pkg/metrics"
	"github.com/nstogner/buildfy/pkg/sandbox"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("github.com/nstogner/buildfy/pkg/sandbox/lifecycle")

// ErrBatchTooLarge is returned by HealthCheck when more ids than the cap are given.
var ErrBatchTooLarge = errors.New("health check batch too large")

// Health is the liveness of one sandbox.
type Health string

const (
	Alive Health = "alive"
	Dead  Health = "dead"
)

// HealthResult is the outcome of checking one sandbox id.
type HealthResult struct {
	SandboxID string `json:"sandboxId"`
	Status    Health `json:"status"`
	Error     string `json:"error,omitempty"`
}

// Options configures a Manager.
type Options struct {
	// Template is used when callers pass an empty template.
	Template string
	// Port is the app port inside the sandbox used to build URLs.
	Port int
	// Scheme of generated URLs. Defaults to https.
	Scheme string
	// BatchCap is the maximum number of ids per HealthCheck call.
	BatchCap int
	// CheckTimeout bounds each individual health check.
	CheckTimeout time.Duration
	// WriteConcurrency bounds concurrent file writes during Sync.
	WriteConcurrency int
	// WriteTries bounds attempts per file write.
	WriteTries uint
	// RetryInterval is the initial backoff between write attempts.
	RetryInterval time.Duration
	// Setup files are written into every sandbox this manager creates.
	Setup []domain.File
	// Metrics is optional.
	Metrics *metrics.Metrics
}

// Manager is the sandbox lifecycle manager.
type Manager struct {
	provider sandbox.Provider
	opts     Options
}

// New returns a Manager over provider with defaults applied to opts.
func New(provider sandbox.Provider, opts Options) *Manager {
	if opts.Port == 0 {
		opts.Port = 3000
	}
	if opts.Scheme == "" {
		opts.Scheme = "https"
	}
	if opts.BatchCap <= 0 {
		opts.BatchCap = 20
	}
	if opts.CheckTimeout <= 0 {
		opts.CheckTimeout = 10 * time.Second
	}
	if opts.WriteConcurrency <= 0 {
		opts.WriteConcurrency = 8
	}
	if opts.WriteTries == 0 {
		opts.WriteTries = 3
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 200 * time.Millisecond
	}
	return &Manager{provider: provider, opts: opts}
}

// BatchCap returns the maximum number of ids accepted by HealthCheck.
func (m *Manager) BatchCap() int { return m.opts.BatchCap }

// Create provisions a fresh sandbox from template and installs setup files.
func (m *Manager) Create(ctx context.Context, template string) (sandbox.Sandbox, error) {
	ctx, span := tracer.Start(ctx, "lifecycle.Create")
	defer span.End()

	if template == "" {
		template = m.opts.Template
	}
	sb, err := m.provider.Create(ctx, template)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("creating sandbox: %w", err)
	}
	span.SetAttributes(attribute.String("sandbox.id", sb.ID()))
	slog.Info("Sandbox created", "sandboxID", sb.ID(), "template", template, "backend", m.provider.Name())

	if len(m.opts.Setup) > 0 {
		setup := make(map[string]string, len(m.opts.Setup))
		for _, f := range m.opts.Setup {
			setup[f.Path] = f.Content
		}
		if err := m.syncFiles(ctx, sb, setup); err != nil {
			m.destroyQuietly(sb.ID())
			return nil, fmt.Errorf("installing setup files: %w", err)
		}
	}
	return sb, nil
}

// Resume reconnects to a live sandbox by id.
func (m *Manager) Resume(ctx context.Context, id string) (sandbox.Sandbox, error) {
	ctx, span := tracer.Start(ctx, "lifecycle.Resume")
	span.SetAttributes(attribute.String("sandbox.id", id))
	defer span.End()

	sb, err := m.provider.Connect(ctx, id)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("resuming sandbox %s: %w", id, err)
	}
	return sb, nil
}

// Restart creates a new sandbox, re-applies files to it and returns its
// identity. The previous sandbox, if any, is destroyed best-effort once the
// new one is ready.
func (m *Manager) Restart(ctx context.Context, previousID string, files map[string]string, template string) (string, string, error) {
	ctx, span := tracer.Start(ctx, "lifecycle.Restart")
	span.SetAttributes(attribute.String("sandbox.previous_id", previousID), attribute.Int("files", len(files)))
	defer span.End()

	newID, newURL, err := m.restart(ctx, previousID, files, template)
	m.opts.Metrics.Restart(err)
	if err != nil {
		span.RecordError(err)
	}
	return newID, newURL, err
}

func (m *Manager) restart(ctx context.Context, previousID string, files map[string]string, template string) (string, string, error) {
	sb, err := m.Create(ctx, template)
	if err != nil {
		return "", "", err
	}
	if err := m.syncFiles(ctx, sb, files); err != nil {
		m.destroyQuietly(sb.ID())
		return "", "", fmt.Errorf("resyncing files: %w", err)
	}

	if previousID != "" && previousID != sb.ID() {
		m.destroyQuietly(previousID)
	}
	url := m.URL(sb)
	slog.Info("Sandbox restarted", "previousID", previousID, "sandboxID", sb.ID(), "files", len(files), "url", url)
	return sb.ID(), url, nil
}

// Sync resumes the sandbox id and writes every file into it.
func (m *Manager) Sync(ctx context.Context, id string, files map[string]string) error {
	ctx, span := tracer.Start(ctx, "lifecycle.Sync")
	span.SetAttributes(attribute.String("sandbox.id", id), attribute.Int("files", len(files)))
	defer span.End()

	sb, err := m.Resume(ctx, id)
	if err != nil {
		return err
	}
	if err := m.syncFiles(ctx, sb, files); err != nil {
		span.RecordError(err)
		return err
	}
	slog.Info("Sandbox files synced", "sandboxID", id, "files", len(files))
	return nil
}

// syncFiles writes every file to sb concurrently. Writes are idempotent and
// retried with backoff.
func (m *Manager) syncFiles(ctx context.Context, sb sandbox.Sandbox, files map[string]string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.WriteConcurrency)

	for path, content := range files {
		g.Go(func() error {
			return m.writeWithRetry(gctx, sb, path, content)
		})
	}
	return g.Wait()
}

func (m *Manager) writeWithRetry(ctx context.Context, sb sandbox.Sandbox, path, content string) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.opts.RetryInterval
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if err := sb.WriteFile(ctx, path, content); err != nil {
			if errors.Is(err, sandbox.ErrNotFound) {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(b), backoff.WithMaxTries(m.opts.WriteTries))
	if err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// HealthCheck resumes each id with a per-id timeout and reports liveness.
// Individual failures are reported as Dead; the call only fails when the
// batch exceeds the cap. Results are in input order.
func (m *Manager) HealthCheck(ctx context.Context, ids []string) ([]HealthResult, error) {
	if len(ids) > m.opts.BatchCap {
		return nil, fmt.Errorf("%w: %d ids, max %d", ErrBatchTooLarge, len(ids), m.opts.BatchCap)
	}
	ctx, span := tracer.Start(ctx, "lifecycle.HealthCheck")
	span.SetAttributes(attribute.Int("ids", len(ids)))
	defer span.End()

	results := make([]HealthResult, len(ids))
	var g errgroup.Group
	g.SetLimit(m.opts.BatchCap)
	for i, id := range ids {
		g.Go(func() error {
			results[i] = m.check(ctx, id)
			return nil
		})
	}
	g.Wait()
	return results, nil
}

func (m *Manager) check(ctx context.Context, id string) (res HealthResult) {
	res = HealthResult{SandboxID: id, Status: Dead}
	defer func() {
		if r := recover(); r != nil {
			res = HealthResult{SandboxID: id, Status: Dead, Error: fmt.Sprintf("panic: %v", r)}
		}
		m.opts.Metrics.HealthCheck(res.Status == Alive)
	}()

	ctx, cancel := context.WithTimeout(ctx, m.opts.CheckTimeout)
	defer cancel()

	if _, err := m.provider.Connect(ctx, id); err != nil {
		slog.Debug("Sandbox health check failed", "sandboxID", id, "error", err)
		res.Error = err.Error()
		return res
	}
	res.Status = Alive
	return res
}

// Destroy tears down a sandbox.
func (m *Manager) Destroy(ctx context.Context, id string) error {
	if err := m.provider.Destroy(ctx, id); err != nil {
		return fmt.Errorf("destroying sandbox %s: %w", id, err)
	}
	slog.Info("Sandbox destroyed", "sandboxID", id)
	return nil
}

// URL returns the public URL of the app port of sb.
func (m *Manager) URL(sb sandbox.Sandbox) string {
	return m.opts.Scheme + "://" + sb.Host(m.opts.Port)
}

func (m *Manager) destroyQuietly(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.provider.Destroy(ctx, id); err != nil {
		slog.Warn("Failed to destroy sandbox", "sandboxID", id, "error", err)
	}
}
