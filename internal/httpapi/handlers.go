package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"campusnotify/internal/dispatch"
	"campusnotify/internal/model"
)

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok", "time": s.deps.Now()}
	if s.deps.Scheduler != nil {
		body["scheduler"] = s.deps.Scheduler.Snapshot()
	}
	writeJSON(w, http.StatusOK, body)
}

// ---- rules ----

type ruleRequest struct {
	Name            string `json:"name"`
	TriggerType     string `json:"trigger_type"`
	MessageTemplate string `json:"message_template"`
	TitleTemplate   string `json:"title_template"`
	Priority        int    `json:"priority"`
	IsActive        *bool  `json:"is_active"`
}

// rule converts the request; an omitted is_active means active.
func (q ruleRequest) rule(id string) model.AutomationRule {
	tt := model.TriggerType(q.TriggerType)
	if parsed, ok := model.ParseTriggerType(q.TriggerType); ok {
		tt = parsed
	}
	active := true
	if q.IsActive != nil {
		active = *q.IsActive
	}
	return model.AutomationRule{
		ID:              id,
		Name:            q.Name,
		TriggerType:     tt,
		MessageTemplate: q.MessageTemplate,
		TitleTemplate:   q.TitleTemplate,
		Priority:        q.Priority,
		IsActive:        active,
	}
}

func (s *Server) listRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.deps.Rules.ListRules(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if rules == nil {
		rules = []model.AutomationRule{}
	}
	writeJSON(w, http.StatusOK, rules)
}

func (s *Server) getRule(w http.ResponseWriter, r *http.Request) {
	rule, ok, err := s.deps.Rules.GetRule(r.Context(), chi.URLParam(r, "id"))
	switch {
	case err != nil:
		s.fail(w, r, err)
	case !ok:
		s.fail(w, r, model.ErrNotFound)
	default:
		writeJSON(w, http.StatusOK, rule)
	}
}

func (s *Server) createRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	rule, err := s.deps.Rules.CreateRule(r.Context(), actorFrom(r.Context()), req.rule(""))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (s *Server) updateRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	rule, err := s.deps.Rules.UpdateRule(r.Context(), actorFrom(r.Context()), req.rule(chi.URLParam(r, "id")))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) deleteRule(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Rules.DeleteRule(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) toggleRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.deps.Rules.ToggleActive(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// ---- triggers ----

type triggerResponse struct {
	Trigger    model.TriggerType `json:"trigger"`
	Dispatched bool              `json:"dispatched"`
}

// invoker decodes a trigger payload and calls its entry point.
type invoker func(ctx context.Context, r *http.Request) (bool, error)

func invoke[T any](fn func(context.Context, T) bool) invoker {
	return func(ctx context.Context, r *http.Request) (bool, error) {
		var p T
		if err := decode(r, &p); err != nil {
			return false, err
		}
		return fn(ctx, p), nil
	}
}

func (s *Server) invokers() map[model.TriggerType]invoker {
	t := s.deps.Triggers
	return map[model.TriggerType]invoker{
		model.TriggerAttendanceBelowThreshold:      invoke[dispatch.LowAttendance](t.TriggerLowAttendanceAlert),
		model.TriggerResultUploaded:                invoke[dispatch.ResultUploaded](t.TriggerResultUploaded),
		model.TriggerAssignmentUploaded:            invoke[dispatch.AssignmentUploaded](t.TriggerAssignmentUploaded),
		model.TriggerAssignmentDeadlineApproaching: invoke[dispatch.DeadlineApproaching](t.TriggerAssignmentDeadlineApproaching),
		model.TriggerClassCancelled:                invoke[dispatch.ClassCancelled](t.TriggerClassCancelled),
		model.TriggerNoticePublished:               invoke[dispatch.NoticePublished](t.TriggerNoticePublished),
		model.TriggerAssignmentSubmission:          invoke[dispatch.AssignmentSubmission](t.TriggerAssignmentSubmission),
		model.TriggerCustomEvent:                   invoke[dispatch.CustomEvent](t.TriggerCustomEvent),
	}
}

func (s *Server) invokeTrigger(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "trigger")
	tt, ok := model.ParseTriggerType(raw)
	if !ok {
		s.fail(w, r, model.ErrNotFound)
		return
	}
	fn, ok := s.invokers()[tt]
	if !ok {
		s.fail(w, r, badRequest("%s is not invoked directly", tt.Slug()))
		return
	}
	dispatched, err := fn(r.Context(), r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, triggerResponse{Trigger: tt, Dispatched: dispatched})
}

type scheduledRequest struct {
	Title        string    `json:"title"`
	Message      string    `json:"message"`
	RecipientIDs []string  `json:"recipient_ids"`
	CourseID     string    `json:"course_id"`
	CourseName   string    `json:"course_name"`
	Priority     int       `json:"priority"`
	ScheduledFor time.Time `json:"scheduled_for"`
}

func (s *Server) createScheduled(w http.ResponseWriter, r *http.Request) {
	var req scheduledRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	switch {
	case strings.TrimSpace(req.Message) == "":
		s.fail(w, r, badRequest("message is required"))
		return
	case len(req.RecipientIDs) == 0:
		s.fail(w, r, badRequest("recipient_ids is required"))
		return
	case req.ScheduledFor.IsZero():
		s.fail(w, r, badRequest("scheduled_for is required"))
		return
	}
	newID := s.deps.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	n := model.ScheduledNotification{
		ID:           newID(),
		Title:        req.Title,
		Message:      req.Message,
		RecipientIDs: req.RecipientIDs,
		CourseID:     req.CourseID,
		CourseName:   req.CourseName,
		Priority:     req.Priority,
		ScheduledFor: req.ScheduledFor,
		CreatedAt:    s.deps.Now(),
	}
	if err := s.deps.Scheduled.CreateScheduled(r.Context(), n); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, n)
}

func (s *Server) runScheduler(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		s.fail(w, r, model.ErrNotFound)
		return
	}
	// The tick runs detached from the request so a client disconnect does
	// not cancel it.
	started := s.deps.Scheduler.RunNow(context.WithoutCancel(r.Context()))
	writeJSON(w, http.StatusOK, map[string]bool{"ran": started})
}

// ---- delivery log ----

func parseFilter(r *http.Request) (model.DeliveryFilter, error) {
	q := r.URL.Query()
	f := model.DeliveryFilter{
		Recipient: q.Get("recipient"),
		CourseID:  q.Get("course_id"),
	}
	if v := q.Get("trigger"); v != "" {
		tt, ok := model.ParseTriggerType(v)
		if !ok {
			return f, badRequest("unknown trigger %q", v)
		}
		f.TriggerType = tt
	}
	if v := q.Get("status"); v != "" {
		st, err := model.ParseStatus(v)
		if err != nil {
			return f, badRequest("%v", err)
		}
		f.Status = st
	}
	if v := q.Get("unread"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, badRequest("unread: %v", err)
		}
		f.UnreadOnly = b
	}
	for key, dst := range map[string]*time.Time{"from": &f.From, "to": &f.To} {
		if v := q.Get(key); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return f, badRequest("%s must be RFC3339: %v", key, err)
			}
			*dst = t
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, badRequest("limit must be a non-negative integer")
		}
		f.Limit = n
	}
	return f, nil
}

func (s *Server) queryLogs(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	recs, err := s.deps.Log.Query(r.Context(), f)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if recs == nil {
		recs = []model.DeliveryRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) retryLog(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Log.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type statusRequest struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

func (s *Server) updateLogStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	st, err := model.ParseStatus(req.Status)
	if err != nil {
		s.fail(w, r, badRequest("%v", err))
		return
	}
	rec, err := s.deps.Log.UpdateStatus(r.Context(), chi.URLParam(r, "id"), st, req.Error)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) metricsSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.deps.Metrics.GetMetrics(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// ---- inbox ----

func (s *Server) listInbox(w http.ResponseWriter, r *http.Request) {
	unread, _ := strconv.ParseBool(r.URL.Query().Get("unread"))
	views, err := s.deps.Inbox.ListForUser(r.Context(), chi.URLParam(r, "userID"), unread)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) unreadCount(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Inbox.UnreadCount(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"unread": n})
}

func (s *Server) markAllRead(w http.ResponseWriter, r *http.Request) {
	n := s.deps.Inbox.MarkAllRead(r.Context(), chi.URLParam(r, "userID"))
	writeJSON(w, http.StatusOK, map[string]int{"marked": n})
}

func (s *Server) markRead(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Inbox.MarkRead(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
