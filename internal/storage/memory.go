package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"campusnotify/internal/model"
)

// Memory is a process-local Store. It is safe for concurrent use.
type Memory struct {
	mu sync.Mutex

	closed     bool
	rules      map[string]model.AutomationRule
	deliveries map[string]model.DeliveryRecord
	scheduled  map[string]model.ScheduledNotification

	assignments map[string]model.Assignment
	enrollments map[string]map[string]struct{}
	attendance  map[string]model.AttendanceSnapshot // studentID|courseID
}

func NewMemory() *Memory {
	return &Memory{
		rules:       map[string]model.AutomationRule{},
		deliveries:  map[string]model.DeliveryRecord{},
		scheduled:   map[string]model.ScheduledNotification{},
		assignments: map[string]model.Assignment{},
		enrollments: map[string]map[string]struct{}{},
		attendance:  map[string]model.AttendanceSnapshot{},
	}
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *Memory) lock() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	return nil
}

// ---- rules ----

func (m *Memory) ListRules(ctx context.Context) ([]model.AutomationRule, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	out := make([]model.AutomationRule, 0, len(m.rules))
	for _, r := range m.rules {
		out = append(out, cloneRule(r))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) GetRule(ctx context.Context, id string) (model.AutomationRule, bool, error) {
	if err := m.lock(); err != nil {
		return model.AutomationRule{}, false, err
	}
	defer m.mu.Unlock()
	r, ok := m.rules[id]
	return cloneRule(r), ok, nil
}

func (m *Memory) ActiveRulesFor(ctx context.Context, t model.TriggerType) ([]model.AutomationRule, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	var out []model.AutomationRule
	for _, r := range m.rules {
		if r.IsActive && r.TriggerType == t {
			out = append(out, cloneRule(r))
		}
	}
	return out, nil
}

func (m *Memory) CreateRule(ctx context.Context, r model.AutomationRule) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	if _, ok := m.rules[r.ID]; ok {
		return fmt.Errorf("rule %s already exists", r.ID)
	}
	m.rules[r.ID] = cloneRule(r)
	return nil
}

func (m *Memory) UpdateRule(ctx context.Context, r model.AutomationRule) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	cur, ok := m.rules[r.ID]
	if !ok {
		return model.ErrNotFound
	}
	// Counters are owned by IncrementTriggerCount.
	r.TriggerCount = cur.TriggerCount
	r.LastTriggered = cur.LastTriggered
	m.rules[r.ID] = cloneRule(r)
	return nil
}

func (m *Memory) DeleteRule(ctx context.Context, id string) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	if _, ok := m.rules[id]; !ok {
		return model.ErrNotFound
	}
	delete(m.rules, id)
	return nil
}

func (m *Memory) IncrementTriggerCount(ctx context.Context, id string, at time.Time) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	r, ok := m.rules[id]
	if !ok {
		return model.ErrNotFound
	}
	r.TriggerCount++
	t := at
	r.LastTriggered = &t
	m.rules[id] = r
	return nil
}

// ---- delivery log ----

func (m *Memory) AppendDelivery(ctx context.Context, rec model.DeliveryRecord) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	if _, ok := m.deliveries[rec.ID]; ok {
		return fmt.Errorf("delivery %s already exists", rec.ID)
	}
	m.deliveries[rec.ID] = rec
	return nil
}

func (m *Memory) GetDelivery(ctx context.Context, id string) (model.DeliveryRecord, bool, error) {
	if err := m.lock(); err != nil {
		return model.DeliveryRecord{}, false, err
	}
	defer m.mu.Unlock()
	r, ok := m.deliveries[id]
	return r, ok, nil
}

func (m *Memory) UpdateDeliveryStatus(ctx context.Context, rec model.DeliveryRecord, from model.Status) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	cur, ok := m.deliveries[rec.ID]
	if !ok {
		return model.ErrNotFound
	}
	if cur.Status != from {
		return model.ErrInvalidTransition
	}
	cur.Status = rec.Status
	cur.IsSuccessful = rec.IsSuccessful
	cur.SentAt = rec.SentAt
	cur.DeliveredAt = rec.DeliveredAt
	cur.ErrorMessage = rec.ErrorMessage
	cur.RetryCount = rec.RetryCount
	m.deliveries[rec.ID] = cur
	return nil
}

func (m *Memory) QueryDeliveries(ctx context.Context, f model.DeliveryFilter) ([]model.DeliveryRecord, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	var out []model.DeliveryRecord
	for _, r := range m.deliveries {
		if f.Match(r) {
			out = append(out, r)
		}
	}
	sortNewestFirst(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) HasDeliverySince(ctx context.Context, key model.DedupKey, since time.Time) (bool, error) {
	if err := m.lock(); err != nil {
		return false, err
	}
	defer m.mu.Unlock()
	for _, r := range m.deliveries {
		if r.TriggerType == key.TriggerType && r.RelatedEntityID == key.RelatedEntityID &&
			r.TargetUserID == key.Recipient && !r.CreatedAt.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) DeleteDeliveriesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := m.lock(); err != nil {
		return 0, err
	}
	defer m.mu.Unlock()
	var n int64
	for id, r := range m.deliveries {
		if r.CreatedAt.Before(cutoff) {
			delete(m.deliveries, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) MarkRead(ctx context.Context, id string, at time.Time) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	r, ok := m.deliveries[id]
	if !ok {
		return model.ErrNotFound
	}
	if !r.IsRead {
		t := at
		r.IsRead = true
		r.ReadAt = &t
		m.deliveries[id] = r
	}
	return nil
}

func (m *Memory) MarkAllRead(ctx context.Context, userID string, at time.Time) (int64, error) {
	if err := m.lock(); err != nil {
		return 0, err
	}
	defer m.mu.Unlock()
	var n int64
	for id, r := range m.deliveries {
		// Only inbox-visible records; a pending one must stay unread once sent.
		if r.TargetUserID == userID && !r.IsRead && r.Status.Successful() {
			t := at
			r.IsRead = true
			r.ReadAt = &t
			m.deliveries[id] = r
			n++
		}
	}
	return n, nil
}

func (m *Memory) CountUnread(ctx context.Context, userID string) (int, error) {
	if err := m.lock(); err != nil {
		return 0, err
	}
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.deliveries {
		if r.TargetUserID == userID && !r.IsRead && r.Status.Successful() {
			n++
		}
	}
	return n, nil
}

// ---- scheduled notifications ----

func (m *Memory) CreateScheduled(ctx context.Context, n model.ScheduledNotification) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	n.RecipientIDs = append([]string(nil), n.RecipientIDs...)
	m.scheduled[n.ID] = n
	return nil
}

func (m *Memory) DueScheduled(ctx context.Context, now time.Time, limit int) ([]model.ScheduledNotification, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	var out []model.ScheduledNotification
	for _, n := range m.scheduled {
		if !n.IsSent && !n.ScheduledFor.After(now) {
			n.RecipientIDs = append([]string(nil), n.RecipientIDs...)
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledFor.Before(out[j].ScheduledFor) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) MarkScheduledSent(ctx context.Context, id string, at time.Time) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	n, ok := m.scheduled[id]
	if !ok {
		return model.ErrNotFound
	}
	t := at
	n.IsSent = true
	n.SentAt = &t
	m.scheduled[id] = n
	return nil
}

func (m *Memory) DeleteSentScheduledBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := m.lock(); err != nil {
		return 0, err
	}
	defer m.mu.Unlock()
	var n int64
	for id, s := range m.scheduled {
		if s.IsSent && s.SentAt != nil && s.SentAt.Before(cutoff) {
			delete(m.scheduled, id)
			n++
		}
	}
	return n, nil
}

// ---- course data ----

func (m *Memory) AssignmentsDueBetween(ctx context.Context, from, to time.Time) ([]model.Assignment, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	var out []model.Assignment
	for _, a := range m.assignments {
		if a.DueDate.After(from) && !a.DueDate.After(to) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueDate.Before(out[j].DueDate) })
	return out, nil
}

func (m *Memory) EnrolledStudents(ctx context.Context, courseID string) ([]string, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.enrollments[courseID]))
	for id := range m.enrollments[courseID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) AttendanceUpdatedSince(ctx context.Context, since time.Time) ([]model.AttendanceSnapshot, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	var out []model.AttendanceSnapshot
	for _, s := range m.attendance {
		if !s.UpdatedAt.Before(since) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StudentID != out[j].StudentID {
			return out[i].StudentID < out[j].StudentID
		}
		return out[i].CourseID < out[j].CourseID
	})
	return out, nil
}

func (m *Memory) PutAssignment(ctx context.Context, a model.Assignment) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	m.assignments[a.ID] = a
	return nil
}

func (m *Memory) Enroll(ctx context.Context, courseID string, studentIDs ...string) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	set := m.enrollments[courseID]
	if set == nil {
		set = map[string]struct{}{}
		m.enrollments[courseID] = set
	}
	for _, id := range studentIDs {
		set[id] = struct{}{}
	}
	return nil
}

func (m *Memory) PutAttendance(ctx context.Context, s model.AttendanceSnapshot) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	m.attendance[s.StudentID+"|"+s.CourseID] = s
	return nil
}

func cloneRule(r model.AutomationRule) model.AutomationRule {
	if r.LastTriggered != nil {
		t := *r.LastTriggered
		r.LastTriggered = &t
	}
	return r
}

func sortNewestFirst(out []model.DeliveryRecord) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
}
