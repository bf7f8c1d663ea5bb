package model

import "strings"

// TriggerType is the closed set of domain events the engine reacts to.
type TriggerType string

const (
	TriggerAttendanceBelowThreshold      TriggerType = "AttendanceBelowThreshold"
	TriggerResultUploaded                TriggerType = "ResultUploaded"
	TriggerAssignmentUploaded            TriggerType = "AssignmentUploaded"
	TriggerAssignmentDeadlineApproaching TriggerType = "AssignmentDeadlineApproaching"
	TriggerClassCancelled                TriggerType = "ClassCancelled"
	TriggerNoticePublished               TriggerType = "NoticePublished"
	TriggerAssignmentSubmission          TriggerType = "AssignmentSubmission"

	// TriggerCustomEvent and TriggerScheduled bypass the rule system.
	TriggerCustomEvent TriggerType = "CustomEvent"
	TriggerScheduled   TriggerType = "ScheduledNotification"
)

// Sentinel rule ids for records created outside the rule system.
const (
	RuleIDCustomEvent = "custom-event"
	RuleIDScheduled   = "scheduled"
)

var allTriggers = []TriggerType{
	TriggerAttendanceBelowThreshold,
	TriggerResultUploaded,
	TriggerAssignmentUploaded,
	TriggerAssignmentDeadlineApproaching,
	TriggerClassCancelled,
	TriggerNoticePublished,
	TriggerAssignmentSubmission,
	TriggerCustomEvent,
	TriggerScheduled,
}

// RuleTriggers lists the trigger types a rule may be bound to.
func RuleTriggers() []TriggerType {
	out := make([]TriggerType, 0, len(allTriggers))
	for _, t := range allTriggers {
		if t.RuleDriven() {
			out = append(out, t)
		}
	}
	return out
}

func (t TriggerType) Valid() bool {
	for _, v := range allTriggers {
		if v == t {
			return true
		}
	}
	return false
}

// RuleDriven reports whether dispatching this trigger goes through rule lookup.
func (t TriggerType) RuleDriven() bool {
	return t.Valid() && t != TriggerCustomEvent && t != TriggerScheduled
}

// DefaultTitle is used when a rule has no title template.
func (t TriggerType) DefaultTitle() string {
	switch t {
	case TriggerAttendanceBelowThreshold:
		return "Low Attendance Alert"
	case TriggerResultUploaded:
		return "Result Published"
	case TriggerAssignmentUploaded:
		return "New Assignment"
	case TriggerAssignmentDeadlineApproaching:
		return "Assignment Deadline Approaching"
	case TriggerClassCancelled:
		return "Class Cancelled"
	case TriggerNoticePublished:
		return "New Notice"
	case TriggerAssignmentSubmission:
		return "Assignment Submitted"
	case TriggerScheduled:
		return "Scheduled Notification"
	default:
		return "Notification"
	}
}

// Slug is the kebab-case form used in URLs ("assignment-uploaded").
func (t TriggerType) Slug() string {
	var b strings.Builder
	for i, r := range string(t) {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('-')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ParseTriggerType accepts the canonical name or its slug.
func ParseTriggerType(s string) (TriggerType, bool) {
	s = strings.TrimSpace(s)
	for _, t := range allTriggers {
		if string(t) == s || t.Slug() == strings.ToLower(s) {
			return t, true
		}
	}
	return "", false
}
