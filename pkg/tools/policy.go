package tools

import (
	"context"
	_ "embed"
	"fmt"
	"os"

	"github.com/mattn/go-shellwords"
	"github.com/open-policy-agent/opa/rego"
)

// Decision is the outcome of a command policy check.
type Decision struct {
	Allow   bool
	Reasons []string
}

// CommandPolicy decides whether a terminal command may run.
type CommandPolicy interface {
	Check(ctx context.Context, command string) (Decision, error)
}

//go:embed terminal.rego
var DefaultPolicy string

// RegoPolicy evaluates commands against a Rego module exposing
// data.buildfy.terminal.decision = {"allow": bool, "reasons": [string]}.
type RegoPolicy struct {
	query rego.PreparedEvalQuery
}

var _ CommandPolicy = (*RegoPolicy)(nil)

// NewRegoPolicy compiles the given policy source.
func NewRegoPolicy(ctx context.Context, src string) (*RegoPolicy, error) {
	r := rego.New(
		rego.Query("data.buildfy.terminal.decision"),
		rego.Module("terminal.rego", src),
	)
	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("preparing rego: %w", err)
	}
	return &RegoPolicy{query: query}, nil
}

// LoadRegoPolicy compiles the policy file at path, or DefaultPolicy when path is empty.
func LoadRegoPolicy(ctx context.Context, path string) (*RegoPolicy, error) {
	if path == "" {
		return NewRegoPolicy(ctx, DefaultPolicy)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policy file: %w", err)
	}
	return NewRegoPolicy(ctx, string(b))
}

func (p *RegoPolicy) Check(ctx context.Context, command string) (Decision, error) {
	segments, err := splitCommand(command)
	if err != nil {
		// Unparseable commands are left to the shell to reject.
		segments = nil
	}
	input := map[string]any{
		"command":  command,
		"commands": segments,
	}

	results, err := p.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Decision{}, fmt.Errorf("evaluating policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Decision{Allow: true}, nil
	}

	obj, ok := results[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return Decision{}, fmt.Errorf("unexpected policy result type %T", results[0].Expressions[0].Value)
	}
	d := Decision{}
	d.Allow, _ = obj["allow"].(bool)
	if reasons, ok := obj["reasons"].([]any); ok {
		for _, r := range reasons {
			if s, ok := r.(string); ok {
				d.Reasons = append(d.Reasons, s)
			}
		}
	}
	return d, nil
}

// splitCommand breaks a shell line into the argv of each simple command,
// splitting on unquoted ; & | < > operators.
func splitCommand(line string) ([][]string, error) {
	var out [][]string
	rest := []rune(line)
	for len(rest) > 0 {
		p := shellwords.NewParser()
		args, err := p.Parse(string(rest))
		if err != nil {
			return nil, err
		}
		if len(args) > 0 {
			out = append(out, args)
		}
		if p.Position < 0 {
			break
		}
		rest = rest[p.Position+1:]
	}
	return out, nil
}
