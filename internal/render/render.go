// Package render substitutes {placeholder} tokens in rule templates.
package render

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// Render replaces every {key} in tmpl with values[key].
//
// Matching is literal and case-sensitive. Unknown tokens stay verbatim and
// substituted values are never rescanned, so a value containing "{x}" is
// emitted as-is.
func Render(tmpl string, values map[string]string) string {
	if tmpl == "" || len(values) == 0 || !strings.Contains(tmpl, "{") {
		return tmpl
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	// Stable argument order keeps output deterministic.
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys)*2)
	for _, k := range keys {
		pairs = append(pairs, "{"+k+"}", values[k])
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}

// Unresolved returns the known keys whose tokens still appear in s.
func Unresolved(s string, known []string) []string {
	var out []string
	for _, k := range known {
		if strings.Contains(s, "{"+k+"}") {
			out = append(out, k)
		}
	}
	return out
}

// Balanced reports whether every '{' in s is closed before the next '{'.
func Balanced(s string) bool {
	open := false
	for _, r := range s {
		switch r {
		case '{':
			if open {
				return false
			}
			open = true
		case '}':
			if !open {
				return false
			}
			open = false
		}
	}
	return !open
}

// OneDecimal formats percentages and scores: 65.5 -> "65.5", 80 -> "80.0".
func OneDecimal(v float64) string { return strconv.FormatFloat(v, 'f', 1, 64) }

// Date formats due dates and class dates ("Jan 02, 2006").
func Date(t time.Time) string { return t.Format("Jan 02, 2006") }

// DateTime formats submission times ("Jan 02, 2006 15:04").
func DateTime(t time.Time) string { return t.Format("Jan 02, 2006 15:04") }
