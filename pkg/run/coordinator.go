// Package run owns end-to-end runs: sandbox provisioning, the router loop,
// finishing agents, persistence and cleanup on failure.
package run

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/nstogner/buildfy/pkg/agent"
	"github.com/nstogner/buildfy/pkg/domain"
	"github.com/nstogner/buildfy/pkg/metrics"
	"github.com/nstogner/buildfy/pkg/model"
	"github.com/nstogner/buildfy/pkg/router"
	"github.com/nstogner/buildfy/pkg/sandbox/lifecycle"
	"github.com/nstogner/buildfy/pkg/store"
	"github.com/nstogner/buildfy/pkg/tools"
)

var tracer = otel.Tracer("github.com/nstogner/buildfy/pkg/run")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Request asks for one run against a project.
type Request struct {
	// RunID is assigned when empty.
	RunID     string `json:"runId,omitempty"`
	ProjectID string `json:"projectId" validate:"required"`
	Prompt    string `json:"prompt" validate:"required"`
}

// Outcome is the terminal result of a run.
type Outcome struct {
	RunID      string            `json:"runId"`
	ProjectID  string            `json:"projectId"`
	Status     domain.RunStatus  `json:"status"`
	State      router.State      `json:"state,omitempty"`
	Iterations int               `json:"iterations"`
	Reason     string            `json:"reason,omitempty"`
	Summary    string            `json:"summary,omitempty"`
	Title      string            `json:"title,omitempty"`
	Response   string            `json:"response,omitempty"`
	SandboxID  string            `json:"sandboxId,omitempty"`
	SandboxURL string            `json:"sandboxUrl,omitempty"`
	MessageID  string            `json:"messageId,omitempty"`
	FragmentID string            `json:"fragmentId,omitempty"`
	Files      map[string]string `json:"files,omitempty"`
}

// Options configures a Coordinator.
type Options struct {
	CodeModel    string
	SummaryModel string
	// SummaryProvider serves the finishing agents. Defaults to the code provider.
	SummaryProvider model.Provider
	Template        string
	MaxIterations   int
	Policy          tools.CommandPolicy
	Metrics         *metrics.Metrics
	// PersistTries bounds attempts of each persistence step. Zero means 3.
	PersistTries  uint
	RetryInterval time.Duration
}

// Coordinator executes runs. It is safe for concurrent use; every run gets
// its own state, sandbox and router.
type Coordinator struct {
	store     store.Store
	sandboxes *lifecycle.Manager
	provider  model.Provider
	registry  *tools.Registry
	opts      Options
}

// New creates a Coordinator.
func New(st store.Store, sandboxes *lifecycle.Manager, provider model.Provider, opts Options) *Coordinator {
	if opts.SummaryProvider == nil {
		opts.SummaryProvider = provider
	}
	if opts.SummaryModel == "" {
		opts.SummaryModel = opts.CodeModel
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = router.DefaultMaxIterations
	}
	if opts.PersistTries == 0 {
		opts.PersistTries = 3
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 200 * time.Millisecond
	}

	regOpts := []tools.Option{
		tools.WithObserver(func(tool string, res tools.Result) {
			opts.Metrics.ToolCall(tool, res.IsError)
		}),
	}
	if opts.Policy != nil {
		regOpts = append(regOpts, tools.WithPolicy(opts.Policy))
	}

	return &Coordinator{
		store:     st,
		sandboxes: sandboxes,
		provider:  provider,
		registry:  tools.NewRegistry(regOpts...),
		opts:      opts,
	}
}

// Execute runs req to completion. Run failures (no convergence, inference
// errors, sandbox errors) are reported in the Outcome and persisted as an
// error message; the returned error is reserved for invalid requests,
// unknown projects and persistence failures.
func (c *Coordinator) Execute(ctx context.Context, req Request) (*Outcome, error) {
	if err := validate.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid run request: %w", err)
	}
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}

	ctx, span := tracer.Start(ctx, "run.Execute")
	span.SetAttributes(attribute.String("run.id", req.RunID), attribute.String("project.id", req.ProjectID))
	defer span.End()

	c.opts.Metrics.RunStarted()
	defer c.opts.Metrics.RunDone()

	log := slog.With("runID", req.RunID, "projectID", req.ProjectID)

	if _, err := c.store.GetProject(ctx, req.ProjectID); err != nil {
		return nil, fmt.Errorf("loading project: %w", err)
	}

	previous, err := c.store.ListMessages(ctx, req.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("loading previous messages: %w", err)
	}

	r := &domain.Run{
		ID:        req.RunID,
		ProjectID: req.ProjectID,
		Prompt:    req.Prompt,
		History:   previous,
		State:     domain.NewRunState(),
		Status:    domain.RunStatusPending,
	}

	if err := c.persist(ctx, "save-prompt", &domain.Message{
		ID:        uuid.NewString(),
		ProjectID: r.ProjectID,
		Role:      domain.RoleUser,
		Type:      domain.MessageTypeResult,
		Content:   r.Prompt,
	}); err != nil {
		return nil, err
	}

	log.Info("Run started", "previousMessages", len(previous))
	out, err := c.execute(ctx, r)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	c.opts.Metrics.RunFinished(string(out.Status), string(out.State), out.Iterations)
	log.Info("Run finished", "status", out.Status, "state", out.State, "iterations", out.Iterations, "reason", out.Reason)
	return out, nil
}

func (c *Coordinator) execute(ctx context.Context, r *domain.Run) (*Outcome, error) {
	out := &Outcome{RunID: r.ID, ProjectID: r.ProjectID}

	sb, err := c.sandboxes.Create(ctx, c.opts.Template)
	if err != nil {
		return c.fail(ctx, r, out, "", fmt.Sprintf("creating sandbox: %v", err))
	}
	out.SandboxID = sb.ID()

	code := &agent.Agent{
		Name:          "code-agent",
		Instructions:  CodePrompt,
		Model:         c.opts.CodeModel,
		Provider:      c.provider,
		Tools:         c.registry.Specs(),
		RetryInterval: c.opts.RetryInterval,
	}
	rt := &router.Router{Agent: code, Tools: c.registry, MaxIterations: c.opts.MaxIterations}

	env := tools.Env{Sandbox: sb, State: r.State}
	res, err := rt.Run(ctx, env, historyMessages(r.History, r.Prompt))
	if res != nil {
		r.Iterations = res.Iterations
		out.State = res.State
		out.Iterations = res.Iterations
	}
	if err != nil {
		return c.fail(ctx, r, out, sb.ID(), fmt.Sprintf("router: %v", err))
	}

	out.Summary = r.State.Summary
	out.Files = r.State.Files
	switch {
	case !r.State.HasSummary():
		return c.fail(ctx, r, out, sb.ID(), "no summary after max iterations")
	case len(r.State.Files) == 0:
		return c.fail(ctx, r, out, sb.ID(), "no files were written")
	}

	slog.Info("Run converged", "runID", r.ID, "iterations", r.Iterations, "files", r.State.Paths())
	out.Title, out.Response = c.finish(ctx, r.State.Summary)
	out.SandboxURL = c.sandboxes.URL(sb)

	msg := &domain.Message{
		ID:        uuid.NewString(),
		ProjectID: r.ProjectID,
		Role:      domain.RoleAssistant,
		Type:      domain.MessageTypeResult,
		Content:   out.Response,
		Fragment: &domain.Fragment{
			ID:         uuid.NewString(),
			SandboxID:  sb.ID(),
			SandboxURL: out.SandboxURL,
			Title:      out.Title,
			Files:      r.State.Files,
		},
	}
	if err := c.persist(ctx, "save-result", msg); err != nil {
		out.Title, out.Response, out.SandboxURL = "", "", ""
		return c.fail(ctx, r, out, sb.ID(), fmt.Sprintf("saving result: %v", err))
	}

	r.Status = domain.RunStatusCompleted
	out.Status = r.Status
	out.MessageID = msg.ID
	out.FragmentID = msg.Fragment.ID
	return out, nil
}

// fail destroys the run's sandbox if one was created, persists the error
// message and reports the failed outcome.
func (c *Coordinator) fail(ctx context.Context, r *domain.Run, out *Outcome, sandboxID, reason string) (*Outcome, error) {
	r.Status = domain.RunStatusFailed
	out.Status = r.Status
	out.Reason = reason
	slog.Warn("Run failed", "runID", r.ID, "reason", reason)

	if sandboxID != "" {
		if err := c.sandboxes.Destroy(context.WithoutCancel(ctx), sandboxID); err != nil {
			slog.Warn("Failed to destroy sandbox of failed run", "runID", r.ID, "sandboxID", sandboxID, "error", err)
		}
		out.SandboxID = ""
	}

	msg := &domain.Message{
		ID:        uuid.NewString(),
		ProjectID: r.ProjectID,
		Role:      domain.RoleAssistant,
		Type:      domain.MessageTypeError,
		Content:   errorContent,
	}
	if err := c.persist(context.WithoutCancel(ctx), "save-error", msg); err != nil {
		return nil, err
	}
	out.MessageID = msg.ID
	return out, nil
}

// finish runs the title and response agents concurrently. Their failures
// fall back to fixed strings.
func (c *Coordinator) finish(ctx context.Context, summary string) (title, response string) {
	ask := func(name, instructions, fallback string, dst *string) func() error {
		return func() error {
			a := &agent.Agent{
				Name:          name,
				Instructions:  instructions,
				Model:         c.opts.SummaryModel,
				Provider:      c.opts.SummaryProvider,
				RetryInterval: c.opts.RetryInterval,
			}
			text, err := a.Ask(ctx, summary)
			if err != nil || text == "" {
				slog.Warn("Finishing agent produced no output", "agent", name, "error", err)
				text = fallback
			}
			*dst = text
			return nil
		}
	}

	var g errgroup.Group
	g.Go(ask("fragment-title-generator", TitlePrompt, fallbackTitle, &title))
	g.Go(ask("response-generator", ResponsePrompt, fallbackResponse, &response))
	g.Wait()
	return title, response
}

func (c *Coordinator) persist(ctx context.Context, step string, msg *domain.Message) error {
	return c.retry(ctx, step, func() error {
		return c.store.CreateMessage(ctx, msg)
	})
}

// retry runs an idempotent step with backoff.
func (c *Coordinator) retry(ctx context.Context, step string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.RetryInterval
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := fn()
		if errors.Is(err, store.ErrNotFound) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(c.opts.PersistTries),
		backoff.WithNotify(func(err error, d time.Duration) {
			slog.Warn("Step failed, retrying", "step", step, "in", d, "error", err)
		}),
	)
	if err != nil {
		return fmt.Errorf("%s: %w", step, err)
	}
	return nil
}

// historyMessages converts persisted messages into read-only model context
// and appends the new prompt.
func historyMessages(previous []domain.Message, prompt string) []model.Message {
	msgs := make([]model.Message, 0, len(previous)+1)
	for _, m := range previous {
		if m.Content == "" {
			continue
		}
		if m.Role == domain.RoleAssistant {
			msgs = append(msgs, model.AssistantText(m.Content))
		} else {
			msgs = append(msgs, model.UserText(m.Content))
		}
	}
	return append(msgs, model.UserText(prompt))
}
