package database

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// Direct message threads
// =============================================================================

func (r *Repository) GetThread(ctx context.Context, id string) (*Thread, error) {
	return selectOne[Thread](ctx, r.db.From(tableThreads).Select("*").Eq("id", id))
}

func (r *Repository) GetThreadByPair(ctx context.Context, pairKey string) (*Thread, error) {
	return selectOne[Thread](ctx, r.db.From(tableThreads).Select("*").Eq("pair_key", pairKey))
}

func (r *Repository) ListThreadsByIDs(ctx context.Context, ids []string) ([]Thread, error) {
	if len(ids) == 0 {
		return []Thread{}, nil
	}
	return selectMany[Thread](ctx, r.db.From(tableThreads).Select("*").In("id", ids))
}

// CreateThread inserts the thread and one participant row per user. The
// unique pair_key makes a concurrent duplicate fail with ErrConflict. When
// the participant rows cannot be written the thread row is deleted again,
// so the pair is not left holding a thread nobody can read.
func (r *Repository) CreateThread(ctx context.Context, t *Thread, userIDs []string) (*Thread, error) {
	stampID(&t.ID)
	r.stampTime(&t.CreatedAt)

	created, err := insertOne(ctx, r.db.From(tableThreads), t)
	if err != nil {
		return nil, err
	}

	rows := make([]Participant, len(userIDs))
	for i, uid := range userIDs {
		rows[i] = Participant{ThreadID: created.ID, UserID: uid, JoinedAt: created.CreatedAt}
	}
	if _, err := r.db.From(tableParticipants).Insert(ctx, rows); err != nil {
		err = fmt.Errorf("insert participants: %w", mapError(err))
		// The caller's context may be what failed the insert.
		_, derr := r.db.From(tableThreads).Eq("id", created.ID).Delete(context.WithoutCancel(ctx))
		if derr != nil {
			return nil, errors.Join(err, fmt.Errorf("remove thread %s: %w", created.ID, mapError(derr)))
		}
		return nil, err
	}
	return created, nil
}

// UpdateThread patches the given columns.
func (r *Repository) UpdateThread(ctx context.Context, id string, patch map[string]any) (*Thread, error) {
	return updateOne[Thread](ctx, r.db.From(tableThreads).Eq("id", id), patch)
}

// UpdateThreadStatus moves a thread from one status to another. It returns
// ErrNotFound when the thread is no longer in the from status.
func (r *Repository) UpdateThreadStatus(ctx context.Context, id, from, to string) (*Thread, error) {
	return updateOne[Thread](ctx, r.db.From(tableThreads).Eq("id", id).Eq("status", from), map[string]any{"status": to})
}

func (r *Repository) GetParticipant(ctx context.Context, threadID, userID string) (*Participant, error) {
	return selectOne[Participant](ctx, r.db.From(tableParticipants).Select("*").
		Eq("thread_id", threadID).
		Eq("user_id", userID))
}

func (r *Repository) ListParticipants(ctx context.Context, threadID string) ([]Participant, error) {
	return selectMany[Participant](ctx, r.db.From(tableParticipants).Select("*").Eq("thread_id", threadID))
}

func (r *Repository) ListUserParticipations(ctx context.Context, userID string) ([]Participant, error) {
	return selectMany[Participant](ctx, r.db.From(tableParticipants).Select("*").Eq("user_id", userID))
}

func (r *Repository) UpdateParticipantReadAt(ctx context.Context, threadID, userID string, at time.Time) error {
	_, err := r.db.From(tableParticipants).
		Eq("thread_id", threadID).
		Eq("user_id", userID).
		Update(ctx, map[string]any{"last_read_at": at.UTC()})
	return mapError(err)
}

// =============================================================================
// Messages
// =============================================================================

func (r *Repository) InsertMessage(ctx context.Context, m *Message) (*Message, error) {
	stampID(&m.ID)
	r.stampTime(&m.CreatedAt)
	return insertOne(ctx, r.db.From(tableMessages), m)
}

// ListMessages returns up to limit messages newest first, strictly older
// than before when before is non-zero.
func (r *Repository) ListMessages(ctx context.Context, threadID string, before time.Time, limit int) ([]Message, error) {
	q := r.db.From(tableMessages).Select("*").Eq("thread_id", threadID)
	if !before.IsZero() {
		q = q.Lt("created_at", before)
	}
	return selectMany[Message](ctx, q.Order("created_at", false).Limit(limit))
}

// CountUnread counts messages in threadID not sent by userID and newer than
// after (all of them when after is nil).
func (r *Repository) CountUnread(ctx context.Context, threadID, userID string, after *time.Time) (int64, error) {
	q := r.db.From(tableMessages).Eq("thread_id", threadID).Neq("sender_id", userID)
	if after != nil {
		q = q.Gt("created_at", *after)
	}
	return count(ctx, q)
}
