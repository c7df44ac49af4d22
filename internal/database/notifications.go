package database

import (
	"context"
)

// =============================================================================
// Notifications
// =============================================================================

func (r *Repository) InsertNotification(ctx context.Context, n *Notification) (*Notification, error) {
	stampID(&n.ID)
	r.stampTime(&n.CreatedAt)
	return insertOne(ctx, r.db.From(tableNotifications), n)
}

func (r *Repository) ListNotifications(ctx context.Context, userID string, unreadOnly bool, limit int) ([]Notification, error) {
	q := r.db.From(tableNotifications).Select("*").Eq("user_id", userID)
	if unreadOnly {
		q = q.Is("read_at", "null")
	}
	return selectMany[Notification](ctx, q.Order("created_at", false).Limit(limit))
}

// MarkNotificationsRead marks ids (or every unread notification when ids is
// empty) as read and returns how many changed.
func (r *Repository) MarkNotificationsRead(ctx context.Context, userID string, ids []string) (int, error) {
	q := r.db.From(tableNotifications).Select("id").Eq("user_id", userID).Is("read_at", "null")
	if len(ids) > 0 {
		q = q.In("id", ids)
	}
	resp, err := q.Update(ctx, map[string]any{"read_at": r.now()})
	if err != nil {
		return 0, mapError(err)
	}
	var rows []struct {
		ID string `json:"id"`
	}
	if err := resp.JSON(&rows); err != nil {
		return 0, err
	}
	return len(rows), nil
}

func (r *Repository) CountUnreadNotifications(ctx context.Context, userID string) (int64, error) {
	return count(ctx, r.db.From(tableNotifications).Eq("user_id", userID).Is("read_at", "null"))
}

// GetPreferences falls back to DefaultPreferences when the user has no row.
func (r *Repository) GetPreferences(ctx context.Context, userID string) (*NotificationPreferences, error) {
	p, err := selectOne[NotificationPreferences](ctx, r.db.From(tablePreferences).Select("*").Eq("user_id", userID))
	if isNotFound(err) {
		return DefaultPreferences(userID), nil
	}
	return p, err
}

func (r *Repository) SavePreferences(ctx context.Context, p *NotificationPreferences) error {
	if p.MutedKinds == nil {
		p.MutedKinds = []string{}
	}
	_, err := r.db.From(tablePreferences).OnConflict("user_id").Upsert(ctx, p)
	return mapError(err)
}

// =============================================================================
// Push subscriptions
// =============================================================================

func (r *Repository) ListPushSubscriptions(ctx context.Context, userID string) ([]PushSubscription, error) {
	return selectMany[PushSubscription](ctx, r.db.From(tablePushSubs).Select("*").Eq("user_id", userID))
}

// SavePushSubscription upserts on endpoint, so a browser re-subscribing
// moves the endpoint to the current user.
func (r *Repository) SavePushSubscription(ctx context.Context, s *PushSubscription) (*PushSubscription, error) {
	stampID(&s.ID)
	r.stampTime(&s.CreatedAt)
	resp, err := r.db.From(tablePushSubs).OnConflict("endpoint").Upsert(ctx, s)
	if err != nil {
		return nil, mapError(err)
	}
	return firstRow[PushSubscription](resp)
}

func (r *Repository) DeletePushSubscription(ctx context.Context, id string) error {
	_, err := r.db.From(tablePushSubs).Eq("id", id).Delete(ctx)
	return mapError(err)
}

func (r *Repository) DeletePushSubscriptionByEndpoint(ctx context.Context, userID, endpoint string) error {
	_, err := r.db.From(tablePushSubs).Eq("user_id", userID).Eq("endpoint", endpoint).Delete(ctx)
	return mapError(err)
}
