package model

import (
	"testing"
	"time"
)

func TestStatusTransitions(t *testing.T) {
	t.Parallel()
	tests := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPending, StatusSent, true},
		{StatusPending, StatusFailed, true},
		{StatusSent, StatusDelivered, true},
		{StatusFailed, StatusPending, true},
		{StatusSent, StatusFailed, false},
		{StatusDelivered, StatusPending, false},
		{StatusPending, StatusDelivered, false},
		{StatusFailed, StatusSent, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.ok {
			t.Fatalf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.ok)
		}
	}
}

func TestParseStatus(t *testing.T) {
	t.Parallel()
	s, err := ParseStatus(" Sent ")
	if err != nil || s != StatusSent {
		t.Fatalf("ParseStatus = %q, %v", s, err)
	}
	if _, err := ParseStatus("snet"); err == nil {
		t.Fatal("expected error for typo")
	}
}

func TestParseTriggerTypeAcceptsSlug(t *testing.T) {
	t.Parallel()
	got, ok := ParseTriggerType("assignment-deadline-approaching")
	if !ok || got != TriggerAssignmentDeadlineApproaching {
		t.Fatalf("got %q ok=%v", got, ok)
	}
	got, ok = ParseTriggerType("NoticePublished")
	if !ok || got != TriggerNoticePublished {
		t.Fatalf("got %q ok=%v", got, ok)
	}
	if _, ok := ParseTriggerType("nope"); ok {
		t.Fatal("unexpected match")
	}
}

func TestRuleTriggersExcludeBypassTypes(t *testing.T) {
	t.Parallel()
	for _, tt := range RuleTriggers() {
		if tt == TriggerCustomEvent || tt == TriggerScheduled {
			t.Fatalf("%s must not be rule driven", tt)
		}
	}
	if len(RuleTriggers()) != 7 {
		t.Fatalf("expected 7 rule triggers, got %d", len(RuleTriggers()))
	}
}

func TestRulePreferred(t *testing.T) {
	t.Parallel()
	now := time.Now()
	hi := AutomationRule{ID: "b", Priority: 5, CreatedAt: now}
	lo := AutomationRule{ID: "a", Priority: 1, CreatedAt: now.Add(-time.Hour)}
	if !hi.Preferred(lo) || lo.Preferred(hi) {
		t.Fatal("higher priority must win")
	}
	older := AutomationRule{ID: "z", Priority: 1, CreatedAt: now.Add(-2 * time.Hour)}
	if !older.Preferred(lo) {
		t.Fatal("older rule must win on equal priority")
	}
	same1 := AutomationRule{ID: "a", CreatedAt: now}
	same2 := AutomationRule{ID: "b", CreatedAt: now}
	if !same1.Preferred(same2) {
		t.Fatal("smaller id must win on full tie")
	}
}
