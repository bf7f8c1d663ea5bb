package dispatch

import (
	"context"
	"strconv"
	"strings"
	"time"

	"campusnotify/internal/model"
	"campusnotify/internal/render"
)

type LowAttendance struct {
	StudentID  string  `json:"student_id"`
	CourseID   string  `json:"course_id"`
	CourseName string  `json:"course_name"`
	Percentage float64 `json:"attendance_percentage"`
}

type ResultUploaded struct {
	StudentID  string  `json:"student_id"`
	CourseID   string  `json:"course_id"`
	CourseName string  `json:"course_name"`
	ExamType   string  `json:"exam_type"`
	Score      float64 `json:"score"`
}

type AssignmentUploaded struct {
	AssignmentID    string    `json:"assignment_id"`
	CourseID        string    `json:"course_id"`
	CourseName      string    `json:"course_name"`
	AssignmentTitle string    `json:"assignment_title"`
	DueDate         time.Time `json:"due_date"`
	StudentIDs      []string  `json:"student_ids"`
}

type DeadlineApproaching struct {
	AssignmentID    string `json:"assignment_id"`
	StudentID       string `json:"student_id"`
	CourseID        string `json:"course_id"`
	CourseName      string `json:"course_name"`
	AssignmentTitle string `json:"assignment_title"`
	HoursRemaining  int    `json:"hours_remaining"`
}

type ClassCancelled struct {
	CourseID   string    `json:"course_id"`
	CourseName string    `json:"course_name"`
	ClassDate  time.Time `json:"class_date"`
	Reason     string    `json:"reason"`
	StudentIDs []string  `json:"student_ids"`
}

type NoticePublished struct {
	NoticeID string   `json:"notice_id"`
	Title    string   `json:"title"`
	Content  string   `json:"content"`
	UserIDs  []string `json:"user_ids"`
	Priority int      `json:"priority"`
}

type AssignmentSubmission struct {
	AssignmentID    string    `json:"assignment_id"`
	StudentID       string    `json:"student_id"`
	CourseID        string    `json:"course_id"`
	CourseName      string    `json:"course_name"`
	AssignmentTitle string    `json:"assignment_title"`
	SubmissionTime  time.Time `json:"submission_time"`
}

type CustomEvent struct {
	EventID     string `json:"event_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	TargetRole  string `json:"target_role"`
	CreatedBy   string `json:"created_by"`
}

// Trigger* entry points report whether at least one record was persisted.

func (d *Dispatcher) TriggerLowAttendanceAlert(ctx context.Context, p LowAttendance) bool {
	return d.Dispatch(ctx, lowAttendanceRequest(p)).Created() > 0
}

// LowAttendanceAlert is the scan form of TriggerLowAttendanceAlert: a
// student already alerted for the course inside the dedup window is skipped.
func (d *Dispatcher) LowAttendanceAlert(ctx context.Context, p LowAttendance) Result {
	req := lowAttendanceRequest(p)
	req.Dedup = true
	return d.Dispatch(ctx, req)
}

func lowAttendanceRequest(p LowAttendance) Request {
	return Request{
		Trigger:    model.TriggerAttendanceBelowThreshold,
		Recipients: []string{p.StudentID},
		TargetType: model.TargetStudent,
		Values: map[string]string{
			"course_id":             p.CourseID,
			"course_name":           p.CourseName,
			"attendance_percentage": render.OneDecimal(p.Percentage),
		},
		CourseID:          p.CourseID,
		CourseName:        p.CourseName,
		Reason:            "attendance " + render.OneDecimal(p.Percentage) + "% below threshold",
		RelatedEntityID:   p.CourseID,
		RelatedEntityType: "course",
	}
}

func (d *Dispatcher) TriggerResultUploaded(ctx context.Context, p ResultUploaded) bool {
	return d.Dispatch(ctx, Request{
		Trigger:    model.TriggerResultUploaded,
		Recipients: []string{p.StudentID},
		TargetType: model.TargetStudent,
		Values: map[string]string{
			"course_id":   p.CourseID,
			"course_name": p.CourseName,
			"exam_type":   p.ExamType,
			"score":       render.OneDecimal(p.Score),
		},
		CourseID:          p.CourseID,
		CourseName:        p.CourseName,
		Reason:            p.ExamType + " result uploaded",
		RelatedEntityID:   p.CourseID,
		RelatedEntityType: "course",
	}).Created() > 0
}

func (d *Dispatcher) TriggerAssignmentUploaded(ctx context.Context, p AssignmentUploaded) bool {
	return d.Dispatch(ctx, Request{
		Trigger:    model.TriggerAssignmentUploaded,
		Recipients: p.StudentIDs,
		TargetType: model.TargetStudent,
		Values: map[string]string{
			"course_id":        p.CourseID,
			"course_name":      p.CourseName,
			"assignment_title": p.AssignmentTitle,
			"due_date":         render.Date(p.DueDate),
		},
		CourseID:          p.CourseID,
		CourseName:        p.CourseName,
		Reason:            "assignment uploaded",
		RelatedEntityID:   p.AssignmentID,
		RelatedEntityType: "assignment",
	}).Created() > 0
}

func (d *Dispatcher) TriggerAssignmentDeadlineApproaching(ctx context.Context, p DeadlineApproaching) bool {
	return d.Dispatch(ctx, deadlineRequest(p)).Created() > 0
}

// DeadlineApproaching is the scan form of
// TriggerAssignmentDeadlineApproaching, deduplicated per (assignment, student).
func (d *Dispatcher) DeadlineApproaching(ctx context.Context, p DeadlineApproaching) Result {
	req := deadlineRequest(p)
	req.Dedup = true
	return d.Dispatch(ctx, req)
}

func deadlineRequest(p DeadlineApproaching) Request {
	return Request{
		Trigger:    model.TriggerAssignmentDeadlineApproaching,
		Recipients: []string{p.StudentID},
		TargetType: model.TargetStudent,
		Values: map[string]string{
			"course_id":        p.CourseID,
			"course_name":      p.CourseName,
			"assignment_title": p.AssignmentTitle,
			"hours_remaining":  strconv.Itoa(p.HoursRemaining),
		},
		CourseID:          p.CourseID,
		CourseName:        p.CourseName,
		Reason:            "deadline in " + strconv.Itoa(p.HoursRemaining) + "h",
		RelatedEntityID:   p.AssignmentID,
		RelatedEntityType: "assignment",
	}
}

func (d *Dispatcher) TriggerClassCancelled(ctx context.Context, p ClassCancelled) bool {
	return d.Dispatch(ctx, Request{
		Trigger:    model.TriggerClassCancelled,
		Recipients: p.StudentIDs,
		TargetType: model.TargetStudent,
		Values: map[string]string{
			"course_id":   p.CourseID,
			"course_name": p.CourseName,
			"class_date":  render.Date(p.ClassDate),
			"reason":      p.Reason,
		},
		CourseID:          p.CourseID,
		CourseName:        p.CourseName,
		Reason:            "class cancelled: " + p.Reason,
		RelatedEntityID:   p.CourseID,
		RelatedEntityType: "course",
	}).Created() > 0
}

// TriggerNoticePublished uses the notice priority instead of the rule's.
func (d *Dispatcher) TriggerNoticePublished(ctx context.Context, p NoticePublished) bool {
	prio := p.Priority
	return d.Dispatch(ctx, Request{
		Trigger:    model.TriggerNoticePublished,
		Recipients: p.UserIDs,
		TargetType: model.TargetUser,
		Values: map[string]string{
			"notice_title":   p.Title,
			"notice_content": p.Content,
		},
		Priority:          &prio,
		Reason:            "notice published",
		RelatedEntityID:   p.NoticeID,
		RelatedEntityType: "notice",
	}).Created() > 0
}

func (d *Dispatcher) TriggerAssignmentSubmission(ctx context.Context, p AssignmentSubmission) bool {
	return d.Dispatch(ctx, Request{
		Trigger:    model.TriggerAssignmentSubmission,
		Recipients: []string{p.StudentID},
		TargetType: model.TargetStudent,
		Values: map[string]string{
			"course_id":        p.CourseID,
			"course_name":      p.CourseName,
			"assignment_title": p.AssignmentTitle,
			"submission_time":  render.DateTime(p.SubmissionTime),
		},
		CourseID:          p.CourseID,
		CourseName:        p.CourseName,
		Reason:            "assignment submitted",
		RelatedEntityID:   p.AssignmentID,
		RelatedEntityType: "assignment",
	}).Created() > 0
}

// DefaultCustomTarget addresses a custom event that names no target role.
const DefaultCustomTarget = "all"

// TriggerCustomEvent bypasses the rule system and always writes exactly one
// record addressed to the target role.
func (d *Dispatcher) TriggerCustomEvent(ctx context.Context, p CustomEvent) bool {
	return d.CustomEvent(ctx, p).Created() > 0
}

func (d *Dispatcher) CustomEvent(ctx context.Context, p CustomEvent) Result {
	env := envelope{
		trigger:    model.TriggerCustomEvent,
		ruleID:     model.RuleIDCustomEvent,
		ruleName:   "Custom Event",
		title:      p.Title,
		message:    p.Description,
		targetType: model.TargetRole,
		reason:     "custom event by " + p.CreatedBy,
		action:     "custom event recorded",
		entityID:   p.EventID,
		entityType: "event",
	}
	if env.title == "" {
		env.title = model.TriggerCustomEvent.DefaultTitle()
	}
	res := Result{Trigger: model.TriggerCustomEvent, RuleID: model.RuleIDCustomEvent, Matched: true}
	target := strings.TrimSpace(p.TargetRole)
	if target == "" {
		target = DefaultCustomTarget
	}
	res.Outcomes = d.fanOut(ctx, env, []string{target})
	d.metrics.Trigger(string(model.TriggerCustomEvent), "matched")
	return res
}

// DispatchScheduled writes one record per recipient of a due scheduled
// notification. Recipients already recorded for this notification are
// skipped whatever the dedup window, so a flush retried after a partial
// failure does not duplicate records.
func (d *Dispatcher) DispatchScheduled(ctx context.Context, n model.ScheduledNotification) Result {
	title := n.Title
	if title == "" {
		title = model.TriggerScheduled.DefaultTitle()
	}
	env := envelope{
		trigger:    model.TriggerScheduled,
		ruleID:     model.RuleIDScheduled,
		ruleName:   "Scheduled Notification",
		title:      title,
		message:    n.Message,
		targetType: model.TargetUser,
		priority:   n.Priority,
		courseID:   n.CourseID,
		courseName: n.CourseName,
		reason:     "scheduled for " + render.DateTime(n.ScheduledFor),
		action:     "scheduled notification released",
		entityID:   n.ID,
		entityType: "scheduled_notification",
		dedup:      true,
		dedupAll:   true,
	}
	res := Result{Trigger: model.TriggerScheduled, RuleID: model.RuleIDScheduled, Matched: true}
	res.Outcomes = d.fanOut(ctx, env, n.RecipientIDs)
	d.metrics.Trigger(string(model.TriggerScheduled), "matched")
	return res
}
