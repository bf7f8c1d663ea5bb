// Package inbox is the per-recipient read/unread view over the delivery log.
package inbox

import (
	"context"
	"time"

	"campusnotify/internal/model"
	"campusnotify/internal/storage"
	logx "campusnotify/pkg/logx"
)

// visible are the statuses shown to a recipient.
var visible = []model.Status{model.StatusSent, model.StatusDelivered}

const listLimit = 200

type Inbox struct {
	repo storage.DeliveryRepository
	now  func() time.Time
	log  logx.Logger
}

func New(repo storage.DeliveryRepository, now func() time.Time, log logx.Logger) *Inbox {
	if now == nil {
		now = time.Now
	}
	return &Inbox{repo: repo, now: now, log: log.With(logx.String("comp", "inbox"))}
}

// ListForUser returns the user's notifications, newest first.
func (i *Inbox) ListForUser(ctx context.Context, userID string, unreadOnly bool) ([]model.NotificationView, error) {
	recs, err := i.repo.QueryDeliveries(ctx, model.DeliveryFilter{
		Recipient:  userID,
		Statuses:   visible,
		UnreadOnly: unreadOnly,
		Limit:      listLimit,
	})
	if err != nil {
		return nil, err
	}
	out := make([]model.NotificationView, 0, len(recs))
	for _, r := range recs {
		out = append(out, model.ViewOf(r))
	}
	return out, nil
}

func (i *Inbox) UnreadCount(ctx context.Context, userID string) (int, error) {
	return i.repo.CountUnread(ctx, userID)
}

// MarkRead returns model.ErrNotFound for an unknown notification. Marking an
// already read notification keeps its original ReadAt.
func (i *Inbox) MarkRead(ctx context.Context, id string) error {
	return i.repo.MarkRead(ctx, id, i.now())
}

// MarkAllRead marks every visible notification of userID as read and
// returns how many changed. Pending and failed records are left alone. A failed bulk update falls back to per-record updates;
// individual failures are logged and skipped.
func (i *Inbox) MarkAllRead(ctx context.Context, userID string) int {
	now := i.now()
	n, err := i.repo.MarkAllRead(ctx, userID, now)
	if err == nil {
		return int(n)
	}
	i.log.Warn("bulk mark-all-read failed, falling back", logx.String("user", userID), logx.Err(err))

	recs, err := i.repo.QueryDeliveries(ctx, model.DeliveryFilter{Recipient: userID, Statuses: visible, UnreadOnly: true})
	if err != nil {
		i.log.Error("mark-all-read: listing unread failed", logx.String("user", userID), logx.Err(err))
		return 0
	}
	marked := 0
	for _, r := range recs {
		if err := i.repo.MarkRead(ctx, r.ID, now); err != nil {
			i.log.Error("mark-all-read: record update failed",
				logx.String("user", userID),
				logx.String("record_id", r.ID),
				logx.Err(err),
			)
			continue
		}
		marked++
	}
	return marked
}
