package inbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campusnotify/internal/deliverylog"
	"campusnotify/internal/eventbus"
	"campusnotify/internal/model"
	"campusnotify/internal/storage"
	logx "campusnotify/pkg/logx"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func seed(t *testing.T, repo storage.DeliveryRepository) {
	t.Helper()
	ctx := context.Background()
	recs := []model.DeliveryRecord{
		{ID: "d1", TargetUserID: "s1", Title: "A", Message: "a", Status: model.StatusSent, CreatedAt: t0, Priority: 3, CourseID: "c1"},
		{ID: "d2", TargetUserID: "s1", Title: "B", Message: "b", Status: model.StatusDelivered, CreatedAt: t0.Add(time.Minute)},
		{ID: "d3", TargetUserID: "s1", Title: "C", Message: "c", Status: model.StatusFailed, CreatedAt: t0.Add(2 * time.Minute)},
		{ID: "d4", TargetUserID: "s2", Title: "D", Message: "d", Status: model.StatusSent, CreatedAt: t0},
	}
	for _, r := range recs {
		r.TriggeredAt = r.CreatedAt
		require.NoError(t, repo.AppendDelivery(ctx, r))
	}
}

func TestListAndCount(t *testing.T) {
	mem := storage.NewMemory()
	seed(t, mem)
	in := New(mem, func() time.Time { return t0.Add(time.Hour) }, logx.Nop())
	ctx := context.Background()

	views, err := in.ListForUser(ctx, "s1", false)
	require.NoError(t, err)
	require.Len(t, views, 2)
	assert.Equal(t, "d2", views[0].ID)
	assert.Equal(t, 3, views[1].Priority)
	assert.Equal(t, "c1", views[1].CourseID)

	n, err := in.UnreadCount(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, in.MarkRead(ctx, "d1"))
	assert.ErrorIs(t, in.MarkRead(ctx, "nope"), model.ErrNotFound)

	unread, err := in.ListForUser(ctx, "s1", true)
	require.NoError(t, err)
	require.Len(t, unread, 1)
	assert.Equal(t, "d2", unread[0].ID)
}

func TestMarkAllReadEmptiesUnread(t *testing.T) {
	mem := storage.NewMemory()
	seed(t, mem)
	in := New(mem, nil, logx.Nop())
	ctx := context.Background()

	assert.Equal(t, 2, in.MarkAllRead(ctx, "s1"))
	unread, err := in.ListForUser(ctx, "s1", true)
	require.NoError(t, err)
	assert.Empty(t, unread)

	others, err := in.ListForUser(ctx, "s2", true)
	require.NoError(t, err)
	assert.Len(t, others, 1)
}

// bulkFailing rejects the bulk update so MarkAllRead takes the fallback path.
type bulkFailing struct {
	*storage.Memory
}

func (bulkFailing) MarkAllRead(context.Context, string, time.Time) (int64, error) {
	return 0, errors.New("bulk update unsupported")
}

func TestMarkAllReadFallback(t *testing.T) {
	repo := bulkFailing{storage.NewMemory()}
	seed(t, repo)
	in := New(repo, nil, logx.Nop())
	ctx := context.Background()

	assert.Equal(t, 2, in.MarkAllRead(ctx, "s1"))
	unread, err := in.ListForUser(ctx, "s1", true)
	require.NoError(t, err)
	assert.Empty(t, unread)
}

func TestMarkAllReadSkipsUndeliveredRecords(t *testing.T) {
	for name, repo := range map[string]storage.DeliveryRepository{
		"bulk":     storage.NewMemory(),
		"fallback": bulkFailing{storage.NewMemory()},
	} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clock := func() time.Time { return t0.Add(time.Hour) }
			require.NoError(t, repo.AppendDelivery(ctx, model.DeliveryRecord{
				ID: "p1", TargetUserID: "s1", Message: "queued", Status: model.StatusPending, CreatedAt: t0, TriggeredAt: t0,
			}))
			in := New(repo, clock, logx.Nop())
			assert.Equal(t, 0, in.MarkAllRead(ctx, "s1"))

			dl := deliverylog.New(repo, eventbus.Nop{}, clock, logx.Nop())
			_, err := dl.UpdateStatus(ctx, "p1", model.StatusSent, "")
			require.NoError(t, err)

			n, err := in.UnreadCount(ctx, "s1")
			require.NoError(t, err)
			assert.Equal(t, 1, n)
			unread, err := in.ListForUser(ctx, "s1", true)
			require.NoError(t, err)
			require.Len(t, unread, 1)
			assert.Equal(t, "p1", unread[0].ID)
		})
	}
}
