package database

import (
	"context"
	"time"
)

// =============================================================================
// Storage objects
// =============================================================================

func (r *Repository) InsertStorageObject(ctx context.Context, o *StorageObject) (*StorageObject, error) {
	stampID(&o.ID)
	r.stampTime(&o.CreatedAt)
	return insertOne(ctx, r.db.From(tableStorageObjects), o)
}

func (r *Repository) GetStorageObject(ctx context.Context, id string) (*StorageObject, error) {
	return selectOne[StorageObject](ctx, r.db.From(tableStorageObjects).Select("*").Eq("id", id))
}

func (r *Repository) DeleteStorageObject(ctx context.Context, id string) error {
	_, err := r.db.From(tableStorageObjects).Eq("id", id).Delete(ctx)
	return mapError(err)
}

func (r *Repository) ListStorageObjects(ctx context.Context, ownerID string) ([]StorageObject, error) {
	return selectMany[StorageObject](ctx, r.db.From(tableStorageObjects).Select("*").
		Eq("owner_id", ownerID).
		Order("created_at", false))
}

// StorageUsage sums the sizes of the owner's objects.
func (r *Repository) StorageUsage(ctx context.Context, ownerID string) (int64, error) {
	rows, err := selectMany[StorageObject](ctx, r.db.From(tableStorageObjects).Select("size_bytes").Eq("owner_id", ownerID))
	if err != nil {
		return 0, err
	}
	var total int64
	for _, o := range rows {
		total += o.SizeBytes
	}
	return total, nil
}

// =============================================================================
// Events
// =============================================================================

func (r *Repository) InsertEvent(ctx context.Context, e *Event) (*Event, error) {
	stampID(&e.ID)
	r.stampTime(&e.CreatedAt)
	return insertOne(ctx, r.db.From(tableEvents), e)
}

func (r *Repository) GetEvent(ctx context.Context, id string) (*Event, error) {
	return selectOne[Event](ctx, r.db.From(tableEvents).Select("*").Eq("id", id))
}

func (r *Repository) GetEventByStreamID(ctx context.Context, streamID string) (*Event, error) {
	return selectOne[Event](ctx, r.db.From(tableEvents).Select("*").Eq("stream_id", streamID))
}

func (r *Repository) UpdateEvent(ctx context.Context, id string, patch map[string]any) (*Event, error) {
	return updateOne[Event](ctx, r.db.From(tableEvents).Eq("id", id), patch)
}

// TransitionEvent applies patch only while the event is still in the from
// status. It returns ErrNotFound when another writer moved it first.
func (r *Repository) TransitionEvent(ctx context.Context, id, from string, patch map[string]any) (*Event, error) {
	return updateOne[Event](ctx, r.db.From(tableEvents).Eq("id", id).Eq("status", from), patch)
}

// ListUpcomingEvents returns scheduled or live events starting after since.
func (r *Repository) ListUpcomingEvents(ctx context.Context, since time.Time, limit int) ([]Event, error) {
	return selectMany[Event](ctx, r.db.From(tableEvents).Select("*").
		In("status", []string{EventScheduled, EventLive}).
		Gte("starts_at", since).
		Order("starts_at", true).
		Limit(limit))
}

// =============================================================================
// Inbound addresses
// =============================================================================

func (r *Repository) InsertInboundAddress(ctx context.Context, a *InboundAddress) (*InboundAddress, error) {
	stampID(&a.ID)
	r.stampTime(&a.CreatedAt)
	return insertOne(ctx, r.db.From(tableInboundAddrs), a)
}

func (r *Repository) GetInboundAddress(ctx context.Context, address string) (*InboundAddress, error) {
	return selectOne[InboundAddress](ctx, r.db.From(tableInboundAddrs).Select("*").ILike("address", address))
}

func (r *Repository) GetInboundAddressByCommunity(ctx context.Context, communityID string) (*InboundAddress, error) {
	return selectOne[InboundAddress](ctx, r.db.From(tableInboundAddrs).Select("*").Eq("community_id", communityID))
}

func (r *Repository) DeleteInboundAddress(ctx context.Context, id string) error {
	_, err := r.db.From(tableInboundAddrs).Eq("id", id).Delete(ctx)
	return mapError(err)
}
