package render

import (
	"testing"
	"time"
)

func TestRender(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		tmpl   string
		values map[string]string
		want   string
	}{
		{
			name:   "attendance",
			tmpl:   "Attendance in {course_name} dropped to {attendance_percentage}%",
			values: map[string]string{"course_name": "Data Structures", "attendance_percentage": "65.5"},
			want:   "Attendance in Data Structures dropped to 65.5%",
		},
		{
			name:   "repeated token",
			tmpl:   "{a}-{a}",
			values: map[string]string{"a": "x"},
			want:   "x-x",
		},
		{
			name:   "unknown token kept",
			tmpl:   "Hi {name}, see {missing}",
			values: map[string]string{"name": "Ann"},
			want:   "Hi Ann, see {missing}",
		},
		{
			name:   "case sensitive",
			tmpl:   "{Name} {name}",
			values: map[string]string{"name": "x"},
			want:   "{Name} x",
		},
		{
			name:   "no recursion",
			tmpl:   "{a} {b}",
			values: map[string]string{"a": "{b}", "b": "B"},
			want:   "{b} B",
		},
		{
			name: "empty values",
			tmpl: "{a}",
			want: "{a}",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := Render(tt.tmpl, tt.values); got != tt.want {
				t.Fatalf("Render = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBalanced(t *testing.T) {
	t.Parallel()
	for s, want := range map[string]bool{
		"plain":          true,
		"{a} and {b}":    true,
		"{a":             false,
		"a}":             false,
		"{{a}}":          false,
		"{a} {b} {c}{d}": true,
	} {
		if got := Balanced(s); got != want {
			t.Fatalf("Balanced(%q) = %v, want %v", s, got, want)
		}
	}
}

func TestFormatters(t *testing.T) {
	t.Parallel()
	if got := OneDecimal(65.5); got != "65.5" {
		t.Fatalf("OneDecimal = %q", got)
	}
	if got := OneDecimal(80); got != "80.0" {
		t.Fatalf("OneDecimal = %q", got)
	}
	d := time.Date(2026, time.March, 7, 14, 30, 0, 0, time.UTC)
	if got := Date(d); got != "Mar 07, 2026" {
		t.Fatalf("Date = %q", got)
	}
	if got := DateTime(d); got != "Mar 07, 2026 14:30" {
		t.Fatalf("DateTime = %q", got)
	}
}

func TestUnresolved(t *testing.T) {
	t.Parallel()
	got := Unresolved("x {a} {c}", []string{"a", "b"})
	if len(got) != 1 || got[0] != "a" {
		t.Fatalf("Unresolved = %v", got)
	}
}
