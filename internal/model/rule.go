package model

import "time"

// AutomationRule maps a trigger type to a message template.
//
// TriggerCount only grows, and only through the rule store's
// IncrementTriggerCount.
type AutomationRule struct {
	ID              string      `json:"id"`
	Name            string      `json:"name" validate:"required,max=120"`
	TriggerType     TriggerType `json:"trigger_type" validate:"required,rule_trigger"`
	MessageTemplate string      `json:"message_template" validate:"required,max=2000,balanced_braces"`
	TitleTemplate   string      `json:"title_template,omitempty" validate:"max=200,balanced_braces"`
	Priority        int         `json:"priority" validate:"gte=0,lte=10"`
	IsActive        bool        `json:"is_active"`
	TriggerCount    int64       `json:"trigger_count"`
	LastTriggered   *time.Time  `json:"last_triggered,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// Preferred reports whether r should be selected over o when both are active
// rules for the same trigger type.
func (r AutomationRule) Preferred(o AutomationRule) bool {
	if r.Priority != o.Priority {
		return r.Priority > o.Priority
	}
	if !r.CreatedAt.Equal(o.CreatedAt) {
		return r.CreatedAt.Before(o.CreatedAt)
	}
	return r.ID < o.ID
}
