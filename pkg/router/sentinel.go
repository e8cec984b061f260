package router

import "strings"

const (
	SummaryOpen  = "<task_summary>"
	SummaryClose = "</task_summary>"
)

// ExtractSummary returns the text between the first SummaryOpen marker and
// the first SummaryClose after it, byte for byte. Anything after the close
// marker is ignored. A missing close marker or blank content yields false.
func ExtractSummary(text string) (string, bool) {
	i := strings.Index(text, SummaryOpen)
	if i < 0 {
		return "", false
	}
	rest := text[i+len(SummaryOpen):]
	j := strings.Index(rest, SummaryClose)
	if j < 0 {
		return "", false
	}
	summary := rest[:j]
	if strings.TrimSpace(summary) == "" {
		return "", false
	}
	return summary, true
}
