package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nstogner/buildfy/pkg/domain"
)

// createOrUpdateFile writes each file and merges the written ones into the
// run's file set. Files written before a failure are kept.
func (r *Registry) createOrUpdateFile(ctx context.Context, env Env, c CreateOrUpdateFile) Result {
	var written []domain.File
	for _, f := range c.Files {
		if err := env.Sandbox.WriteFile(ctx, f.Path, f.Content); err != nil {
			env.State.Files = env.State.MergeFiles(written...)
			return Result{
				Content: fmt.Sprintf("Error: writing %s: %v (written before failure: %s)", f.Path, err, listOrNone(paths(written))),
				IsError: true,
			}
		}
		written = append(written, f)
	}

	env.State.Files = env.State.MergeFiles(written...)
	return Result{Content: fmt.Sprintf("Updated %d file(s): %s", len(written), strings.Join(paths(written), ", "))}
}

func paths(files []domain.File) []string {
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.Path
	}
	return out
}

// readFiles returns a JSON list of {path, content}. Any failure collapses
// into a single error string for the whole call.
func (r *Registry) readFiles(ctx context.Context, env Env, c ReadFiles) Result {
	out := make([]domain.File, 0, len(c.Files))
	for _, p := range c.Files {
		content, err := env.Sandbox.ReadFile(ctx, p)
		if err != nil {
			return Result{Content: fmt.Sprintf("Error: reading %s: %v", p, err), IsError: true}
		}
		out = append(out, domain.File{Path: p, Content: content})
	}
	b, err := json.Marshal(out)
	if err != nil {
		return Result{Content: "Error: " + err.Error(), IsError: true}
	}
	return Result{Content: string(b)}
}

func listOrNone(names []string) string {
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ", ")
}
