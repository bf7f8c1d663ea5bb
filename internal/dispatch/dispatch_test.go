package dispatch

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campusnotify/internal/deliverylog"
	"campusnotify/internal/eventbus"
	"campusnotify/internal/model"
	"campusnotify/internal/render"
	"campusnotify/internal/rules"
	"campusnotify/internal/storage"
	logx "campusnotify/pkg/logx"
)

type fixture struct {
	store *storage.Memory
	rules *rules.Service
	bus   eventbus.Bus
	d     *Dispatcher
	now   time.Time
}

func newFixture(t *testing.T, rec Recorder) *fixture {
	t.Helper()
	f := &fixture{
		store: storage.NewMemory(),
		bus:   eventbus.New(),
		now:   time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	var seq atomic.Int64
	ids := func() string { return "id-" + strconv.FormatInt(seq.Add(1), 10) }
	f.rules = rules.New(f.store, rules.Options{Now: clock, NewID: ids, Log: logx.Nop()})
	if rec == nil {
		rec = deliverylog.New(f.store, f.bus, clock, logx.Nop())
	}
	f.d = New(f.rules, rec, f.store, Options{
		DedupWindow:     24 * time.Hour,
		StoreRetryDelay: time.Millisecond,
		Now:             clock,
		NewID:           ids,
		Bus:             f.bus,
		Log:             logx.Nop(),
	})
	return f
}

func (f *fixture) addRule(t *testing.T, tt model.TriggerType, tmpl string) model.AutomationRule {
	t.Helper()
	r, err := f.rules.CreateRule(context.Background(), model.System, model.AutomationRule{
		Name: string(tt), TriggerType: tt, MessageTemplate: tmpl, Priority: 2, IsActive: true,
	})
	require.NoError(t, err)
	return r
}

func (f *fixture) records(t *testing.T) []model.DeliveryRecord {
	t.Helper()
	out, err := f.store.QueryDeliveries(context.Background(), model.DeliveryFilter{})
	require.NoError(t, err)
	return out
}

func (f *fixture) count(t *testing.T, id string) int64 {
	t.Helper()
	r, ok, err := f.store.GetRule(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ok)
	return r.TriggerCount
}

func TestLowAttendanceEndToEnd(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	rule := f.addRule(t, model.TriggerAttendanceBelowThreshold, "Attendance in {course_name} dropped to {attendance_percentage}%")
	created, unsub := f.bus.Subscribe(8, eventbus.DeliveryCreated)
	defer unsub()

	ok := f.d.TriggerLowAttendanceAlert(ctx, LowAttendance{
		StudentID: "s1", CourseID: "CS101", CourseName: "Data Structures", Percentage: 65.5,
	})
	require.True(t, ok)

	recs := f.records(t)
	require.Len(t, recs, 1)
	r := recs[0]
	assert.Equal(t, "s1", r.TargetUserID)
	assert.Equal(t, "Attendance in Data Structures dropped to 65.5%", r.Message)
	assert.Equal(t, model.StatusSent, r.Status)
	assert.True(t, r.IsSuccessful)
	require.NotNil(t, r.SentAt)
	assert.Equal(t, rule.ID, r.RuleID)
	assert.Equal(t, "Low Attendance Alert", r.Title)
	assert.Equal(t, "CS101", r.CourseID)
	assert.Equal(t, 1, r.RecipientCount)
	assert.EqualValues(t, 1, f.count(t, rule.ID))
	assert.Len(t, created, 1)
}

func TestNoActiveRule(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	r := f.addRule(t, model.TriggerResultUploaded, "{exam_type}: {score}")
	_, err := f.rules.ToggleActive(ctx, model.System, r.ID)
	require.NoError(t, err)

	ok := f.d.TriggerResultUploaded(ctx, ResultUploaded{StudentID: "s1", ExamType: "Midterm", Score: 81})
	assert.False(t, ok)
	assert.Empty(t, f.records(t))
	assert.EqualValues(t, 0, f.count(t, r.ID))
}

func TestFanOutCountsOncePerInvocation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	r := f.addRule(t, model.TriggerAssignmentUploaded, "{assignment_title} for {course_name} due {due_date}")
	due := time.Date(2026, 3, 9, 23, 59, 0, 0, time.UTC)

	ok := f.d.TriggerAssignmentUploaded(ctx, AssignmentUploaded{
		AssignmentID: "a1", CourseID: "c1", CourseName: "Algorithms", AssignmentTitle: "Lab 3",
		DueDate: due, StudentIDs: []string{"s1", "s2", "s3", "s2"},
	})
	require.True(t, ok)

	recs := f.records(t)
	require.Len(t, recs, 3)
	users := map[string]bool{}
	for _, rec := range recs {
		users[rec.TargetUserID] = true
		assert.Equal(t, r.ID, rec.RuleID)
		assert.Equal(t, 4, rec.RecipientCount)
		assert.Equal(t, "Lab 3 for Algorithms due Mar 09, 2026", rec.Message)
		assert.Empty(t, render.Unresolved(rec.Message, []string{"assignment_title", "course_name", "due_date"}))
	}
	assert.Len(t, users, 3)
	assert.EqualValues(t, 1, f.count(t, r.ID))
}

func TestEmptyFanOutStillCounts(t *testing.T) {
	f := newFixture(t, nil)
	r := f.addRule(t, model.TriggerClassCancelled, "{course_name} on {class_date} is cancelled: {reason}")

	ok := f.d.TriggerClassCancelled(context.Background(), ClassCancelled{CourseID: "c1", CourseName: "Physics"})
	assert.False(t, ok)
	assert.Empty(t, f.records(t))
	assert.EqualValues(t, 1, f.count(t, r.ID))
}

func TestDeadlineReminderDeduplicated(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	r := f.addRule(t, model.TriggerAssignmentDeadlineApproaching, "{assignment_title} due in {hours_remaining}h")
	p := DeadlineApproaching{AssignmentID: "a1", StudentID: "s1", CourseID: "c1", AssignmentTitle: "Lab 3", HoursRemaining: 20}

	require.Equal(t, 1, f.d.DeadlineApproaching(ctx, p).Created())
	f.now = f.now.Add(5 * time.Minute)
	res := f.d.DeadlineApproaching(ctx, p)
	assert.Equal(t, 0, res.Created())
	assert.Equal(t, 1, res.Deduplicated())
	assert.Len(t, f.records(t), 1)
	assert.EqualValues(t, 1, f.count(t, r.ID))

	// A different student for the same assignment is a new reminder.
	p.StudentID = "s2"
	require.Equal(t, 1, f.d.DeadlineApproaching(ctx, p).Created())

	// Once the window passes, the reminder may repeat.
	f.now = f.now.Add(25 * time.Hour)
	p.StudentID = "s1"
	require.Equal(t, 1, f.d.DeadlineApproaching(ctx, p).Created())
	assert.Len(t, f.records(t), 3)
	assert.EqualValues(t, 3, f.count(t, r.ID))
}

func TestDirectTriggersAreNotDeduplicated(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	att := f.addRule(t, model.TriggerAttendanceBelowThreshold, "{course_name}: {attendance_percentage}%")
	dl := f.addRule(t, model.TriggerAssignmentDeadlineApproaching, "{assignment_title} due in {hours_remaining}h")

	p := LowAttendance{StudentID: "s1", CourseID: "c1", CourseName: "Physics", Percentage: 70}
	require.True(t, f.d.TriggerLowAttendanceAlert(ctx, p))
	f.now = f.now.Add(time.Hour)
	p.Percentage = 50
	require.True(t, f.d.TriggerLowAttendanceAlert(ctx, p))
	assert.EqualValues(t, 2, f.count(t, att.ID))

	d := DeadlineApproaching{AssignmentID: "a1", StudentID: "s1", AssignmentTitle: "Lab 3", HoursRemaining: 20}
	require.True(t, f.d.TriggerAssignmentDeadlineApproaching(ctx, d))
	require.True(t, f.d.TriggerAssignmentDeadlineApproaching(ctx, d))
	assert.EqualValues(t, 2, f.count(t, dl.ID))

	assert.Len(t, f.records(t), 4)
	// The scan form still sees the direct records.
	assert.Equal(t, 1, f.d.LowAttendanceAlert(ctx, p).Deduplicated())
}

func TestNoticeUsesPayloadPriority(t *testing.T) {
	f := newFixture(t, nil)
	f.addRule(t, model.TriggerNoticePublished, "{notice_title}: {notice_content}")

	ok := f.d.TriggerNoticePublished(context.Background(), NoticePublished{
		NoticeID: "n1", Title: "Exam hall", Content: "Moved to B12", UserIDs: []string{"u1"}, Priority: 9,
	})
	require.True(t, ok)
	recs := f.records(t)
	require.Len(t, recs, 1)
	assert.Equal(t, 9, recs[0].Priority)
	assert.Equal(t, model.TargetUser, recs[0].TargetType)
	assert.Equal(t, "Exam hall: Moved to B12", recs[0].Message)
}

func TestSubmissionAndResultPlaceholders(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.addRule(t, model.TriggerAssignmentSubmission, "{assignment_title} received at {submission_time}")
	f.addRule(t, model.TriggerResultUploaded, "{exam_type} score in {course_name}: {score}")

	require.True(t, f.d.TriggerAssignmentSubmission(ctx, AssignmentSubmission{
		AssignmentID: "a1", StudentID: "s1", AssignmentTitle: "Lab 3",
		SubmissionTime: time.Date(2026, 3, 1, 14, 5, 0, 0, time.UTC),
	}))
	f.now = f.now.Add(time.Second)
	require.True(t, f.d.TriggerResultUploaded(ctx, ResultUploaded{
		StudentID: "s1", CourseName: "Databases", ExamType: "Final", Score: 88,
	}))

	recs := f.records(t)
	require.Len(t, recs, 2)
	assert.Equal(t, "Final score in Databases: 88.0", recs[0].Message)
	assert.Equal(t, "Lab 3 received at Mar 01, 2026 14:05", recs[1].Message)
}

func TestCustomEventBypassesRules(t *testing.T) {
	f := newFixture(t, nil)
	ok := f.d.TriggerCustomEvent(context.Background(), CustomEvent{
		EventID: "e1", Title: "Fire drill", Description: "Assemble at gate 2", TargetRole: "faculty", CreatedBy: "admin",
	})
	require.True(t, ok)
	recs := f.records(t)
	require.Len(t, recs, 1)
	assert.Equal(t, model.RuleIDCustomEvent, recs[0].RuleID)
	assert.Equal(t, "faculty", recs[0].TargetUserID)
	assert.Equal(t, model.TargetRole, recs[0].TargetType)
	assert.Equal(t, "e1", recs[0].RelatedEntityID)
}

func TestCustomEventWithoutRoleTargetsEveryone(t *testing.T) {
	f := newFixture(t, nil)
	require.True(t, f.d.TriggerCustomEvent(context.Background(), CustomEvent{EventID: "e1", Title: "T", Description: "D"}))
	recs := f.records(t)
	require.Len(t, recs, 1)
	assert.Equal(t, DefaultCustomTarget, recs[0].TargetUserID)
	assert.Equal(t, 1, recs[0].RecipientCount)
}

func TestDispatchScheduledIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	n := model.ScheduledNotification{
		ID: "sn1", Title: "Reminder", Message: "Library closes early", RecipientIDs: []string{"u1", "u2"},
		ScheduledFor: f.now,
	}
	res := f.d.DispatchScheduled(context.Background(), n)
	assert.Equal(t, 2, res.Created())
	res = f.d.DispatchScheduled(context.Background(), n)
	assert.Equal(t, 0, res.Created())
	assert.Equal(t, 2, res.Deduplicated())

	recs := f.records(t)
	require.Len(t, recs, 2)
	assert.Equal(t, model.RuleIDScheduled, recs[0].RuleID)
}

type flakyRecorder struct {
	mu      sync.Mutex
	inner   Recorder
	fails   map[string]int // recipient -> remaining failures
	attempt int
}

func (r *flakyRecorder) Append(ctx context.Context, rec model.DeliveryRecord) error {
	r.mu.Lock()
	r.attempt++
	n := r.fails[rec.TargetUserID]
	if n != 0 {
		if n > 0 {
			r.fails[rec.TargetUserID] = n - 1
		}
		r.mu.Unlock()
		return errors.New("database is locked")
	}
	r.mu.Unlock()
	return r.inner.Append(ctx, rec)
}

func TestPersistenceFailuresArePerRecipient(t *testing.T) {
	store := storage.NewMemory()
	flaky := &flakyRecorder{
		inner: deliverylog.New(store, nil, nil, logx.Nop()),
		fails: map[string]int{"s1": 1, "s2": -1}, // s1 recovers on retry, s2 never does
	}
	f := newFixture(t, flaky)
	f.store = store
	r := f.addRule(t, model.TriggerAssignmentUploaded, "{assignment_title}")

	res := f.d.Dispatch(context.Background(), Request{
		Trigger:    model.TriggerAssignmentUploaded,
		Recipients: []string{"s1", "s2", "s3"},
		Values:     map[string]string{"assignment_title": "Lab 3"},
	})
	assert.True(t, res.Matched)
	assert.Equal(t, 2, res.Created())
	assert.Equal(t, 1, res.Failed())
	assert.Equal(t, "s2", res.Outcomes[1].UserID)
	assert.Error(t, res.Outcomes[1].Err)
	assert.Len(t, f.records(t), 2)

	// The rule lives in the fixture's own store, not the flaky one.
	got, ok, err := f.rules.GetRule(context.Background(), r.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 1, got.TriggerCount)
}

func TestAllAppendsFailReturnsFalse(t *testing.T) {
	flaky := &flakyRecorder{inner: nil, fails: map[string]int{"s1": -1}}
	f := newFixture(t, flaky)
	f.addRule(t, model.TriggerResultUploaded, "{score}")

	ok := f.d.TriggerResultUploaded(context.Background(), ResultUploaded{StudentID: "s1", Score: 50})
	assert.False(t, ok)
	assert.Equal(t, 3, flaky.attempt)
}

func TestConcurrentTriggersCountExactly(t *testing.T) {
	f := newFixture(t, nil)
	r := f.addRule(t, model.TriggerClassCancelled, "{course_name} cancelled")

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			students := make([]string, i%4+1)
			for j := range students {
				students[j] = "s" + strconv.Itoa(j)
			}
			f.d.TriggerClassCancelled(context.Background(), ClassCancelled{CourseName: "Physics", StudentIDs: students})
		}(i)
	}
	wg.Wait()
	assert.EqualValues(t, n, f.count(t, r.ID))
}

func TestDispatchScheduledIgnoresDedupWindow(t *testing.T) {
	f := newFixture(t, nil)
	clock := func() time.Time { return f.now }
	d := New(f.rules, deliverylog.New(f.store, f.bus, clock, logx.Nop()), f.store, Options{Now: clock, Log: logx.Nop()})
	n := model.ScheduledNotification{ID: "sn1", Message: "Library closes early", RecipientIDs: []string{"u1", "u2"}, ScheduledFor: f.now}

	assert.Equal(t, 2, d.DispatchScheduled(context.Background(), n).Created())
	f.now = f.now.Add(72 * time.Hour)
	res := d.DispatchScheduled(context.Background(), n)
	assert.Equal(t, 0, res.Created())
	assert.Equal(t, 2, res.Deduplicated())
	assert.Len(t, f.records(t), 2)
}
