// Package database maps Plaza's tables in the hosted database to typed Go
// rows. Repository talks to PostgREST; MockRepository keeps everything in
// memory for tests.
package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/plaza-social/plaza/supabase/client"
)

// Sentinel errors shared by Repository and MockRepository.
var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record already exists")
)

// Table names.
const (
	tableProfiles       = "profiles"
	tableFollows        = "follows"
	tableBlocks         = "blocks"
	tableCommunities    = "communities"
	tableMembers        = "community_members"
	tablePosts          = "posts"
	tableThreads        = "dm_threads"
	tableParticipants   = "dm_participants"
	tableMessages       = "dm_messages"
	tableWallets        = "wallets"
	tableTransactions   = "wallet_transactions"
	tableTopUps         = "topups"
	tableNotifications  = "notifications"
	tablePreferences    = "notification_preferences"
	tablePushSubs       = "push_subscriptions"
	tableStorageObjects = "storage_objects"
	tableEvents         = "events"
	tableInboundAddrs   = "inbound_addresses"
)

// Repository reads and writes Plaza's tables through the Supabase REST API
// using the service role key.
type Repository struct {
	db  *client.Client
	now func() time.Time
}

// NewRepository creates a repository over db.
func NewRepository(db *client.Client) *Repository {
	return &Repository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Client exposes the underlying Supabase client.
func (r *Repository) Client() *client.Client {
	return r.db
}

// Ping checks that PostgREST answers.
func (r *Repository) Ping(ctx context.Context) error {
	_, err := r.db.From(tableProfiles).Select("id").Limit(1).Execute(ctx)
	return mapError(err)
}

func mapError(err error) error {
	switch {
	case err == nil:
		return nil
	case client.IsNotFound(err):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case client.IsConflict(err):
		return fmt.Errorf("%w: %v", ErrConflict, err)
	default:
		return err
	}
}

func selectOne[T any](ctx context.Context, q *client.QueryBuilder) (*T, error) {
	resp, err := q.Single().Execute(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	var row T
	if err := resp.JSON(&row); err != nil {
		return nil, fmt.Errorf("decode row: %w", err)
	}
	return &row, nil
}

func selectMany[T any](ctx context.Context, q *client.QueryBuilder) ([]T, error) {
	resp, err := q.Execute(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	rows := []T{}
	if err := resp.JSON(&rows); err != nil {
		return nil, fmt.Errorf("decode rows: %w", err)
	}
	return rows, nil
}

func firstRow[T any](resp *client.Response) (*T, error) {
	var rows []T
	if err := resp.JSON(&rows); err != nil {
		return nil, fmt.Errorf("decode rows: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return &rows[0], nil
}

func insertOne[T any](ctx context.Context, q *client.QueryBuilder, row *T) (*T, error) {
	resp, err := q.Insert(ctx, row)
	if err != nil {
		return nil, mapError(err)
	}
	return firstRow[T](resp)
}

func updateOne[T any](ctx context.Context, q *client.QueryBuilder, patch map[string]any) (*T, error) {
	resp, err := q.Update(ctx, patch)
	if err != nil {
		return nil, mapError(err)
	}
	return firstRow[T](resp)
}

func count(ctx context.Context, q *client.QueryBuilder) (int64, error) {
	resp, err := q.Select("*").Count("exact").Limit(1).Execute(ctx)
	if err != nil {
		return 0, mapError(err)
	}
	n := resp.Total()
	if n < 0 {
		return 0, fmt.Errorf("count: missing Content-Range total")
	}
	return n, nil
}

func newID() string {
	return uuid.NewString()
}

func stampID(id *string) {
	if *id == "" {
		*id = newID()
	}
}

func (r *Repository) stampTime(t *time.Time) {
	if t.IsZero() {
		*t = r.now()
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
