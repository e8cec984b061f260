package tools

import (
	"context"
	"fmt"

	"github.com/nstogner/buildfy/pkg/domain"
	"github.com/nstogner/buildfy/pkg/sandbox"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("github.com/nstogner/buildfy/pkg/tools")

// Spec describes a tool to the model. Parameters is a JSON schema object.
type Spec struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Env is what a handler operates on: the run's sandbox and its state.
type Env struct {
	Sandbox sandbox.Sandbox
	State   *domain.RunState
}

// Result is the string outcome of a tool call. Errors are results too.
type Result struct {
	Content string
	IsError bool
}

// Observer is notified after every executed call.
type Observer func(tool string, res Result)

// Registry holds the tool specs and dispatches decoded calls to handlers.
type Registry struct {
	policy   CommandPolicy
	observer Observer
}

// Option configures a Registry.
type Option func(*Registry)

// WithPolicy checks every terminal command against p before it runs.
func WithPolicy(p CommandPolicy) Option {
	return func(r *Registry) { r.policy = p }
}

// WithObserver registers a callback invoked after each call.
func WithObserver(o Observer) Option {
	return func(r *Registry) { r.observer = o }
}

// NewRegistry creates a registry with the three sandbox tools.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Specs returns the tool declarations in a stable order.
func (r *Registry) Specs() []Spec {
	return []Spec{
		{
			Name:        NameTerminal,
			Description: "Use the terminal to run commands",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"command": map[string]any{"type": "string", "description": "The command to run."},
				},
				"required": []string{"command"},
			},
		},
		{
			Name:        NameCreateOrUpdateFile,
			Description: "Create or update files in the sandbox",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"files": map[string]any{
						"type": "array",
						"items": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"path":    map[string]any{"type": "string", "description": "Relative file path."},
								"content": map[string]any{"type": "string", "description": "Full file content."},
							},
							"required": []string{"path", "content"},
						},
					},
				},
				"required": []string{"files"},
			},
		},
		{
			Name:        NameReadFiles,
			Description: "Read files from the sandbox",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"files": map[string]any{
						"type":  "array",
						"items": map[string]any{"type": "string"},
					},
				},
				"required": []string{"files"},
			},
		},
	}
}

// Execute runs call against env. It never returns an error: failures are
// reported as result content so the agent can react to them.
func (r *Registry) Execute(ctx context.Context, env Env, call Call) Result {
	ctx, span := tracer.Start(ctx, "tools.Execute")
	span.SetAttributes(attribute.String("tool", call.ToolName()))
	defer span.End()

	var res Result
	switch c := call.(type) {
	case Terminal:
		res = r.terminal(ctx, env, c)
	case CreateOrUpdateFile:
		res = r.createOrUpdateFile(ctx, env, c)
	case ReadFiles:
		res = r.readFiles(ctx, env, c)
	default:
		res = Result{Content: fmt.Sprintf("Error: unsupported tool %s", call.ToolName()), IsError: true}
	}
	if r.observer != nil {
		r.observer(call.ToolName(), res)
	}
	return res
}
