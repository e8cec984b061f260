package editbridge

import (
	"maps"
	"slices"
	"strings"
	"unicode"
)

// declarations is an ordered inline style declaration list.
type declarations struct {
	props  []string
	values map[string]string
}

func parseStyle(style string) *declarations {
	d := &declarations{values: map[string]string{}}
	for _, decl := range strings.Split(style, ";") {
		prop, val, ok := strings.Cut(decl, ":")
		if !ok {
			continue
		}
		d.set(strings.ToLower(strings.TrimSpace(prop)), strings.TrimSpace(val))
	}
	return d
}

func (d *declarations) get(prop string) string {
	return d.values[prop]
}

// set assigns prop. An empty value removes it.
func (d *declarations) set(prop, val string) {
	if prop == "" {
		return
	}
	_, exists := d.values[prop]
	if val == "" {
		if exists {
			delete(d.values, prop)
			d.props = slices.DeleteFunc(d.props, func(p string) bool { return p == prop })
		}
		return
	}
	if !exists {
		d.props = append(d.props, prop)
	}
	d.values[prop] = val
}

func (d *declarations) String() string {
	parts := make([]string, 0, len(d.props))
	for _, p := range d.props {
		parts = append(parts, p+": "+d.values[p])
	}
	return strings.Join(parts, "; ")
}

// kebab converts a camelCase style property to its CSS name.
func kebab(prop string) string {
	var b strings.Builder
	for _, r := range prop {
		if unicode.IsUpper(r) {
			b.WriteByte('-')
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
