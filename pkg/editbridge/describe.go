package editbridge

import (
	"fmt"
	"strings"
)

// DescribeEdits renders element edits as a natural-language instruction
// that can be submitted as a new run.
func DescribeEdits(edits []Edit) string {
	var lines []string
	for _, e := range edits {
		changes := describeUpdates(e.Updates)
		if len(changes) == 0 {
			continue
		}
		lines = append(lines, fmt.Sprintf("%d. On the <%s> element at %q: %s.",
			len(lines)+1, e.Element.Tag, target(e.Element), strings.Join(changes, "; ")))
	}
	if len(lines) == 0 {
		return ""
	}
	return "Apply these visual edits to the app, keeping everything else unchanged:\n" + strings.Join(lines, "\n")
}

func target(el ElementData) string {
	if el.Path != "" {
		return el.Path
	}
	return el.Tag
}

func describeUpdates(u Updates) []string {
	var out []string
	if u.TextContent != nil {
		out = append(out, fmt.Sprintf("change the text to %q", *u.TextContent))
	}
	if u.ID != nil {
		if *u.ID == "" {
			out = append(out, "remove the id")
		} else {
			out = append(out, fmt.Sprintf("set the id to %q", *u.ID))
		}
	}
	if u.ClassList != nil {
		out = append(out, fmt.Sprintf("set the classes to %q", strings.Join(u.ClassList, " ")))
	}
	for _, key := range sortedKeys(u.Attributes) {
		if v := u.Attributes[key]; v != nil && *v != "" {
			out = append(out, fmt.Sprintf("set attribute %s to %q", key, *v))
		} else {
			out = append(out, "remove attribute "+key)
		}
	}
	for _, prop := range sortedKeys(u.Styles) {
		if v := u.Styles[prop]; v != "" {
			out = append(out, fmt.Sprintf("set style %s to %q", kebab(prop), v))
		} else {
			out = append(out, "remove style "+kebab(prop))
		}
	}
	return out
}
