package storage

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"campusnotify/internal/model"
	logx "campusnotify/pkg/logx"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drivers(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "notify.db")}, logx.Nop())
	require.NoError(t, err)
	mem, err := Open(Config{Driver: "memory"}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = sq.Close()
		_ = mem.Close()
	})
	return map[string]Store{"memory": mem, "sqlite": sq}
}

var base = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func testRule(id string, prio int, created time.Time) model.AutomationRule {
	return model.AutomationRule{
		ID:              id,
		Name:            "rule " + id,
		TriggerType:     model.TriggerResultUploaded,
		MessageTemplate: "Results for {course_name} are out",
		Priority:        prio,
		IsActive:        true,
		CreatedAt:       created,
		UpdatedAt:       created,
	}
}

func TestRulesRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, st := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, st.CreateRule(ctx, testRule("r1", 1, base)))
			require.NoError(t, st.CreateRule(ctx, testRule("r2", 5, base.Add(time.Minute))))
			inactive := testRule("r3", 9, base)
			inactive.IsActive = false
			require.NoError(t, st.CreateRule(ctx, inactive))

			active, err := st.ActiveRulesFor(ctx, model.TriggerResultUploaded)
			require.NoError(t, err)
			require.Len(t, active, 2)
			assert.Equal(t, "r2", active[0].ID)

			got, ok, err := st.GetRule(ctx, "r1")
			require.NoError(t, err)
			require.True(t, ok)
			assert.True(t, got.CreatedAt.Equal(base))
			assert.Nil(t, got.LastTriggered)

			_, ok, err = st.GetRule(ctx, "missing")
			require.NoError(t, err)
			assert.False(t, ok)

			got.Name = "renamed"
			got.UpdatedAt = base.Add(time.Hour)
			require.NoError(t, st.UpdateRule(ctx, got))
			got, _, _ = st.GetRule(ctx, "r1")
			assert.Equal(t, "renamed", got.Name)

			assert.ErrorIs(t, st.UpdateRule(ctx, testRule("missing", 0, base)), model.ErrNotFound)
			assert.ErrorIs(t, st.DeleteRule(ctx, "missing"), model.ErrNotFound)
			require.NoError(t, st.DeleteRule(ctx, "r3"))

			all, err := st.ListRules(ctx)
			require.NoError(t, err)
			assert.Len(t, all, 2)
		})
	}
}

func TestIncrementTriggerCountConcurrent(t *testing.T) {
	ctx := context.Background()
	for name, st := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, st.CreateRule(ctx, testRule("r1", 0, base)))

			const n = 25
			var wg sync.WaitGroup
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					assert.NoError(t, st.IncrementTriggerCount(ctx, "r1", base.Add(time.Hour)))
				}()
			}
			wg.Wait()

			got, _, err := st.GetRule(ctx, "r1")
			require.NoError(t, err)
			assert.EqualValues(t, n, got.TriggerCount)
			require.NotNil(t, got.LastTriggered)
			assert.True(t, got.LastTriggered.Equal(base.Add(time.Hour)))
		})
	}
}

func delivery(id, user string, st model.Status, at time.Time) model.DeliveryRecord {
	return model.DeliveryRecord{
		ID:              id,
		TriggerType:     model.TriggerAssignmentDeadlineApproaching,
		RuleID:          "r1",
		Message:         "due soon",
		TargetUserID:    user,
		TargetType:      model.TargetStudent,
		RecipientCount:  1,
		Status:          st,
		IsSuccessful:    st.Successful(),
		CreatedAt:       at,
		TriggeredAt:     at,
		RelatedEntityID: "a1",
	}
}

func TestDeliveriesQueryAndDedup(t *testing.T) {
	ctx := context.Background()
	for name, st := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, st.AppendDelivery(ctx, delivery("d1", "s1", model.StatusSent, base)))
			require.NoError(t, st.AppendDelivery(ctx, delivery("d2", "s1", model.StatusFailed, base.Add(time.Minute))))
			require.NoError(t, st.AppendDelivery(ctx, delivery("d3", "s2", model.StatusSent, base.Add(2*time.Minute))))

			all, err := st.QueryDeliveries(ctx, model.DeliveryFilter{})
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.Equal(t, "d3", all[0].ID)

			s1, err := st.QueryDeliveries(ctx, model.DeliveryFilter{Recipient: "s1", Status: model.StatusSent})
			require.NoError(t, err)
			require.Len(t, s1, 1)
			assert.Equal(t, "d1", s1[0].ID)

			limited, err := st.QueryDeliveries(ctx, model.DeliveryFilter{Limit: 2})
			require.NoError(t, err)
			assert.Len(t, limited, 2)

			window, err := st.QueryDeliveries(ctx, model.DeliveryFilter{From: base.Add(time.Minute), To: base.Add(2 * time.Minute)})
			require.NoError(t, err)
			require.Len(t, window, 1)
			assert.Equal(t, "d2", window[0].ID)

			key := model.DedupKey{TriggerType: model.TriggerAssignmentDeadlineApproaching, RelatedEntityID: "a1", Recipient: "s2"}
			dup, err := st.HasDeliverySince(ctx, key, base)
			require.NoError(t, err)
			assert.True(t, dup)
			dup, err = st.HasDeliverySince(ctx, key, base.Add(time.Hour))
			require.NoError(t, err)
			assert.False(t, dup)

			n, err := st.DeleteDeliveriesBefore(ctx, base.Add(90*time.Second))
			require.NoError(t, err)
			assert.EqualValues(t, 2, n)
		})
	}
}

func TestUpdateDeliveryStatusCompareAndSet(t *testing.T) {
	ctx := context.Background()
	for name, st := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, st.AppendDelivery(ctx, delivery("d1", "s1", model.StatusFailed, base)))

			rec, ok, err := st.GetDelivery(ctx, "d1")
			require.NoError(t, err)
			require.True(t, ok)
			rec.Status = model.StatusPending
			rec.RetryCount = 1
			require.NoError(t, st.UpdateDeliveryStatus(ctx, rec, model.StatusFailed))

			// A second writer still holding the old status loses.
			assert.ErrorIs(t, st.UpdateDeliveryStatus(ctx, rec, model.StatusFailed), model.ErrInvalidTransition)

			rec.ID = "missing"
			assert.ErrorIs(t, st.UpdateDeliveryStatus(ctx, rec, model.StatusFailed), model.ErrNotFound)

			got, _, _ := st.GetDelivery(ctx, "d1")
			assert.Equal(t, model.StatusPending, got.Status)
			assert.Equal(t, 1, got.RetryCount)
		})
	}
}

func TestReadState(t *testing.T) {
	ctx := context.Background()
	for name, st := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, st.AppendDelivery(ctx, delivery("d1", "s1", model.StatusSent, base)))
			require.NoError(t, st.AppendDelivery(ctx, delivery("d2", "s1", model.StatusDelivered, base)))
			require.NoError(t, st.AppendDelivery(ctx, delivery("d3", "s1", model.StatusFailed, base)))
			require.NoError(t, st.AppendDelivery(ctx, delivery("d4", "s1", model.StatusPending, base)))

			n, err := st.CountUnread(ctx, "s1")
			require.NoError(t, err)
			assert.Equal(t, 2, n)

			require.NoError(t, st.MarkRead(ctx, "d1", base.Add(time.Minute)))
			assert.ErrorIs(t, st.MarkRead(ctx, "missing", base), model.ErrNotFound)
			n, _ = st.CountUnread(ctx, "s1")
			assert.Equal(t, 1, n)

			marked, err := st.MarkAllRead(ctx, "s1", base.Add(2*time.Minute))
			require.NoError(t, err)
			assert.EqualValues(t, 1, marked)
			n, _ = st.CountUnread(ctx, "s1")
			assert.Equal(t, 0, n)
			for _, id := range []string{"d3", "d4"} {
				got, _, _ := st.GetDelivery(ctx, id)
				assert.False(t, got.IsRead, id)
			}

			got, _, _ := st.GetDelivery(ctx, "d1")
			require.NotNil(t, got.ReadAt)
			assert.True(t, got.ReadAt.Equal(base.Add(time.Minute)))
		})
	}
}

func TestScheduledAndCourseData(t *testing.T) {
	ctx := context.Background()
	for name, st := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, st.CreateScheduled(ctx, model.ScheduledNotification{
				ID: "n1", Title: "Exam", Message: "Exam hall changed", RecipientIDs: []string{"s1", "s2"},
				ScheduledFor: base, CreatedAt: base.Add(-time.Hour),
			}))
			require.NoError(t, st.CreateScheduled(ctx, model.ScheduledNotification{
				ID: "n2", Title: "Later", Message: "later", RecipientIDs: []string{"s1"},
				ScheduledFor: base.Add(time.Hour), CreatedAt: base.Add(-time.Hour),
			}))

			due, err := st.DueScheduled(ctx, base, 10)
			require.NoError(t, err)
			require.Len(t, due, 1)
			assert.Equal(t, []string{"s1", "s2"}, due[0].RecipientIDs)

			require.NoError(t, st.MarkScheduledSent(ctx, "n1", base))
			due, _ = st.DueScheduled(ctx, base, 10)
			assert.Empty(t, due)

			require.NoError(t, st.PutAssignment(ctx, model.Assignment{ID: "a1", CourseID: "c1", CourseName: "Data Structures", Title: "Lab 3", DueDate: base.Add(12 * time.Hour)}))
			require.NoError(t, st.PutAssignment(ctx, model.Assignment{ID: "a2", CourseID: "c1", Title: "Lab 4", DueDate: base.Add(48 * time.Hour)}))
			require.NoError(t, st.Enroll(ctx, "c1", "s2", "s1", "s1"))

			as, err := st.AssignmentsDueBetween(ctx, base, base.Add(24*time.Hour))
			require.NoError(t, err)
			require.Len(t, as, 1)
			assert.Equal(t, "a1", as[0].ID)

			students, err := st.EnrolledStudents(ctx, "c1")
			require.NoError(t, err)
			assert.Equal(t, []string{"s1", "s2"}, students)

			require.NoError(t, st.PutAttendance(ctx, model.AttendanceSnapshot{StudentID: "s1", CourseID: "c1", Percentage: 65.5, UpdatedAt: base}))
			snaps, err := st.AttendanceUpdatedSince(ctx, base.Add(-time.Hour))
			require.NoError(t, err)
			require.Len(t, snaps, 1)
			assert.InDelta(t, 65.5, snaps[0].Percentage, 0.001)
		})
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "postgres"}, logx.Nop())
	assert.Error(t, err)
}

func TestSQLiteIncrementIsSingleStatement(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	st, err := newSQLiteStore(db, logx.Nop())
	require.NoError(t, err)

	at := base
	mock.ExpectExec(`UPDATE automation_rules SET trigger_count = trigger_count \+ 1, last_triggered = \? WHERE id = \?`).
		WithArgs(at.UnixNano(), "r1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE automation_rules SET trigger_count = trigger_count \+ 1`).
		WithArgs(at.UnixNano(), "gone").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, st.IncrementTriggerCount(context.Background(), "r1", at))
	assert.ErrorIs(t, st.IncrementTriggerCount(context.Background(), "gone", at), model.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteMarkAllReadFiltersStatus(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	st, err := newSQLiteStore(db, logx.Nop())
	require.NoError(t, err)

	mock.ExpectExec(`UPDATE delivery_log SET is_read = 1, read_at = \?\s+WHERE target_user_id = \? AND is_read = 0 AND status IN \(\?, \?\)`).
		WithArgs(base.UnixNano(), "s1", "sent", "delivered").
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := st.MarkAllRead(context.Background(), "s1", base)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
	require.NoError(t, mock.ExpectationsWereMet())
}
