package domain

import (
	"maps"
	"slices"
)

// File is a single path/content pair written by the agent.
type File struct {
	Path    string `json:"path" validate:"required"`
	Content string `json:"content"`
}

// RunState is the mutable state shared by every tool invocation of a run.
// It is owned by exactly one run and passed explicitly to each handler.
type RunState struct {
	// Summary is set once, from the agent's final message.
	Summary string
	// Files maps path to content. Paths are only ever added or overwritten.
	Files map[string]string
}

// NewRunState returns an empty run state.
func NewRunState() *RunState {
	return &RunState{Files: map[string]string{}}
}

// HasSummary reports whether the run has converged.
func (s *RunState) HasSummary() bool {
	return s.Summary != ""
}

// MergeFiles returns a copy of the current file set with entries applied on
// top. The receiver is not modified.
func (s *RunState) MergeFiles(entries ...File) map[string]string {
	next := make(map[string]string, len(s.Files)+len(entries))
	maps.Copy(next, s.Files)
	for _, f := range entries {
		next[f.Path] = f.Content
	}
	return next
}

// Paths returns the sorted list of known file paths.
func (s *RunState) Paths() []string {
	return slices.Sorted(maps.Keys(s.Files))
}

// Run is one end-to-end invocation of the orchestration loop.
type Run struct {
	ID         string
	ProjectID  string
	Prompt     string
	History    []Message
	State      *RunState
	Iterations int
	Status     RunStatus
}
