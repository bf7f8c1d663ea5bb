package metrics

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campusnotify/internal/model"
)

var now = time.Date(2026, 3, 4, 15, 0, 0, 0, time.UTC) // Wednesday, ISO week 10

func rec(id, rule string, st model.Status, at time.Time) model.DeliveryRecord {
	return model.DeliveryRecord{
		ID: id, RuleID: rule, RuleName: "rule " + rule, TriggerType: model.TriggerResultUploaded,
		Status: st, CreatedAt: at, TriggeredAt: at,
	}
}

func TestSuccessRate(t *testing.T) {
	tests := []struct {
		name string
		recs []model.DeliveryRecord
		want float64
	}{
		{"empty", nil, 100.0},
		{"three sent one failed", []model.DeliveryRecord{
			rec("1", "r1", model.StatusSent, now),
			rec("2", "r1", model.StatusSent, now),
			rec("3", "r1", model.StatusSent, now),
			rec("4", "r1", model.StatusFailed, now),
		}, 75.0},
		{"delivered counts", []model.DeliveryRecord{
			rec("1", "r1", model.StatusDelivered, now),
			rec("2", "r1", model.StatusPending, now),
		}, 50.0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := Compute(tc.recs, now)
			assert.InDelta(t, tc.want, s.SuccessRate, 1e-9)
		})
	}
}

func TestCalendarBuckets(t *testing.T) {
	recs := []model.DeliveryRecord{
		rec("today", "r1", model.StatusSent, now.Add(-time.Hour)),
		rec("monday", "r1", model.StatusSent, time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)),
		rec("lastweek", "r1", model.StatusSent, time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)),
		rec("lastmonth", "r1", model.StatusFailed, time.Date(2026, 2, 27, 8, 0, 0, 0, time.UTC)),
	}
	s := Compute(recs, now)
	assert.Equal(t, 4, s.Total)
	assert.Equal(t, 1, s.Today)
	assert.Equal(t, 2, s.ThisWeek)
	assert.Equal(t, 3, s.ThisMonth)
	assert.Equal(t, 3, s.Successful)
	assert.Equal(t, 1, s.Failed)
}

func TestTopRulesAndRecent(t *testing.T) {
	var recs []model.DeliveryRecord
	for i := 0; i < 7; i++ {
		rule := "r" + strconv.Itoa(i)
		for j := 0; j <= i; j++ {
			st := model.StatusSent
			if j == 0 {
				st = model.StatusFailed
			}
			at := now.Add(-time.Duration(i*10+j) * time.Minute)
			recs = append(recs, rec(rule+"-"+strconv.Itoa(j), rule, st, at))
		}
	}
	s := Compute(recs, now)

	require.Len(t, s.TopRules, 5)
	assert.Equal(t, "r6", s.TopRules[0].RuleID)
	assert.Equal(t, 7, s.TopRules[0].Count)
	assert.InDelta(t, 6.0/7*100, s.TopRules[0].SuccessRate, 1e-9)
	require.NotNil(t, s.TopRules[0].LastTriggered)
	assert.True(t, s.TopRules[0].LastTriggered.Equal(now.Add(-60*time.Minute)))
	assert.Equal(t, "r2", s.TopRules[4].RuleID)

	require.Len(t, s.Recent, 10)
	assert.Equal(t, "r0-0", s.Recent[0].ID)
	require.Len(t, s.ByTrigger, 1)
	assert.Equal(t, 28, s.ByTrigger[0].Count)
}

type fakeSource struct {
	n    int
	recs []model.DeliveryRecord
}

func (f *fakeSource) Recent(_ context.Context, n int) ([]model.DeliveryRecord, error) {
	f.n = n
	return f.recs, nil
}

func TestServiceUsesWindow(t *testing.T) {
	src := &fakeSource{recs: []model.DeliveryRecord{rec("1", "r1", model.StatusSent, now)}}
	svc := NewService(src, 0, func() time.Time { return now })
	s, err := svc.GetMetrics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DefaultWindow, src.n)
	assert.Equal(t, 1, s.Total)
	assert.True(t, s.GeneratedAt.Equal(now))
}
