package logx

import (
	"bytes"
	"strings"
	"testing"
)

func TestThrottleAllowsBurstThenBlocks(t *testing.T) {
	th := NewThrottle(0.001, 2)
	if !th.Allow("k") || !th.Allow("k") {
		t.Fatal("expected burst of 2 to be allowed")
	}
	if th.Allow("k") {
		t.Fatal("expected third call to be throttled")
	}
	if !th.Allow("other") {
		t.Fatal("keys must be throttled independently")
	}
}

func TestWriterLoggerCarriesFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "test"))
	log.Info("hello", Int("n", 3))

	out := buf.String()
	for _, want := range []string{`"comp":"test"`, `"n":3`, `"message":"hello"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("output %q missing %s", out, want)
		}
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Error("ignored")
}
