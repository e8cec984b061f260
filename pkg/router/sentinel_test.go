package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractSummary(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
		ok   bool
	}{
		{"plain", "<task_summary>Built a todo app</task_summary>", "Built a todo app", true},
		{"leading and trailing text", "Done!\n<task_summary>  A\nB </task_summary> and then <task_summary>x</task_summary>", "  A\nB ", true},
		{"trailing garbage with another close", "<task_summary>one</task_summary></task_summary>", "one", true},
		{"no marker", "still working", "", false},
		{"no close", "<task_summary>unterminated", "", false},
		{"blank", "<task_summary> \n </task_summary>", "", false},
		{"close before open", "</task_summary><task_summary>x</task_summary>", "x", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExtractSummary(tt.text)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExtractSummaryIndependentOfTrailingText(t *testing.T) {
	base := "prefix <task_summary>the summary</task_summary>"
	for _, trailing := range []string{"", " more", "<task_summary>other</task_summary>", "\x00\xff"} {
		got, ok := ExtractSummary(base + trailing)
		assert.True(t, ok)
		assert.Equal(t, "the summary", got)
	}
}
