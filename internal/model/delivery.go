package model

import "time"

// Target types for DeliveryRecord.TargetType.
const (
	TargetStudent = "student"
	TargetUser    = "user"
	TargetRole    = "role"
)

// DeliveryRecord is one persisted attempt to notify one recipient about one
// triggered rule instance.
type DeliveryRecord struct {
	ID                string      `json:"id"`
	TriggerType       TriggerType `json:"trigger_type"`
	RuleID            string      `json:"rule_id"`
	RuleName          string      `json:"rule_name"`
	Title             string      `json:"title"`
	Message           string      `json:"message"`
	TargetUserID      string      `json:"target_user_id"`
	TargetType        string      `json:"target_type"`
	RecipientCount    int         `json:"recipient_count"`
	Priority          int         `json:"priority"`
	CourseID          string      `json:"course_id,omitempty"`
	CourseName        string      `json:"course_name,omitempty"`
	Status            Status      `json:"status"`
	TriggerReason     string      `json:"trigger_reason"`
	ActionTaken       string      `json:"action_taken"`
	IsSuccessful      bool        `json:"is_successful"`
	CreatedAt         time.Time   `json:"created_at"`
	TriggeredAt       time.Time   `json:"triggered_at"`
	SentAt            *time.Time  `json:"sent_at,omitempty"`
	DeliveredAt       *time.Time  `json:"delivered_at,omitempty"`
	ErrorMessage      *string     `json:"error_message,omitempty"`
	RetryCount        int         `json:"retry_count"`
	RelatedEntityID   string      `json:"related_entity_id,omitempty"`
	RelatedEntityType string      `json:"related_entity_type,omitempty"`
	IsRead            bool        `json:"is_read"`
	ReadAt            *time.Time  `json:"read_at,omitempty"`
}

// DedupKey identifies "the same reminder" across scheduler ticks.
type DedupKey struct {
	TriggerType     TriggerType
	RelatedEntityID string
	Recipient       string
}

func (k DedupKey) Empty() bool { return k.RelatedEntityID == "" || k.Recipient == "" }

// DeliveryFilter narrows Delivery Log queries. Zero fields are ignored.
type DeliveryFilter struct {
	Recipient   string
	TriggerType TriggerType
	CourseID    string
	Status      Status
	Statuses    []Status // any of
	UnreadOnly  bool
	From        time.Time
	To          time.Time
	Limit       int
}

// Match reports whether r satisfies every non-zero field of f (Limit aside).
func (f DeliveryFilter) Match(r DeliveryRecord) bool {
	if f.Recipient != "" && r.TargetUserID != f.Recipient {
		return false
	}
	if f.TriggerType != "" && r.TriggerType != f.TriggerType {
		return false
	}
	if f.CourseID != "" && r.CourseID != f.CourseID {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if r.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.UnreadOnly && r.IsRead {
		return false
	}
	if !f.From.IsZero() && r.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !r.CreatedAt.Before(f.To) {
		return false
	}
	return true
}
