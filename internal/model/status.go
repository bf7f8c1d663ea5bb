package model

import (
	"fmt"
	"strings"
)

// Status is the delivery state of a DeliveryRecord.
//
// Allowed transitions:
//
//	pending -> sent | failed
//	sent    -> delivered
//	failed  -> pending   (retry only)
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

var transitions = map[Status][]Status{
	StatusPending:   {StatusSent, StatusFailed},
	StatusSent:      {StatusDelivered},
	StatusFailed:    {StatusPending},
	StatusDelivered: nil,
}

func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Successful reports whether the status counts as a successful dispatch.
func (s Status) Successful() bool { return s == StatusSent || s == StatusDelivered }

// CanTransition reports whether s -> to is allowed.
func (s Status) CanTransition(to Status) bool {
	for _, t := range transitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

// ParseStatus parses a status name case-insensitively.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown status %q", raw)
	}
	return s, nil
}
