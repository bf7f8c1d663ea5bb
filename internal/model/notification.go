package model

import "time"

// NotificationView is the user-facing projection of a DeliveryRecord.
type NotificationView struct {
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	Message    string     `json:"message"`
	CreatedAt  time.Time  `json:"created_at"`
	IsRead     bool       `json:"is_read"`
	ReadAt     *time.Time `json:"read_at,omitempty"`
	Priority   int        `json:"priority"`
	CourseID   string     `json:"course_id,omitempty"`
	CourseName string     `json:"course_name,omitempty"`
}

// ViewOf projects a record for the inbox.
func ViewOf(r DeliveryRecord) NotificationView {
	return NotificationView{
		ID:         r.ID,
		Title:      r.Title,
		Message:    r.Message,
		CreatedAt:  r.CreatedAt,
		IsRead:     r.IsRead,
		ReadAt:     r.ReadAt,
		Priority:   r.Priority,
		CourseID:   r.CourseID,
		CourseName: r.CourseName,
	}
}

// ScheduledNotification is a message queued for a future time. The
// scheduled-notification flush turns due entries into delivery records.
type ScheduledNotification struct {
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	Message      string     `json:"message"`
	RecipientIDs []string   `json:"recipient_ids"`
	CourseID     string     `json:"course_id,omitempty"`
	CourseName   string     `json:"course_name,omitempty"`
	Priority     int        `json:"priority"`
	ScheduledFor time.Time  `json:"scheduled_for"`
	IsSent       bool       `json:"is_sent"`
	SentAt       *time.Time `json:"sent_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}
