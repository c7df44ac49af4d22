package database

import (
	"context"
	"time"
)

// =============================================================================
// Wallets
// =============================================================================

// GetWallet returns the user's wallet, creating an empty one on first use.
func (r *Repository) GetWallet(ctx context.Context, userID string) (*Wallet, error) {
	w, err := selectOne[Wallet](ctx, r.db.From(tableWallets).Select("*").Eq("user_id", userID))
	if err == nil {
		return w, nil
	}
	if !isNotFound(err) {
		return nil, err
	}

	// Only user_id is sent so a concurrent creation is merged without
	// touching its balance.
	resp, err := r.db.From(tableWallets).OnConflict("user_id").Upsert(ctx, map[string]any{"user_id": userID})
	if err != nil {
		return nil, mapError(err)
	}
	return firstRow[Wallet](resp)
}

// UpdateWallet patches non-balance columns. Balances only move through the
// ledger.
func (r *Repository) UpdateWallet(ctx context.Context, userID string, patch map[string]any) (*Wallet, error) {
	delete(patch, "balance")
	patch["updated_at"] = r.now()
	return updateOne[Wallet](ctx, r.db.From(tableWallets).Eq("user_id", userID), patch)
}

// ListOverdueWallets returns wallets due at or before now that were not
// reminded since remindedBefore.
func (r *Repository) ListOverdueWallets(ctx context.Context, now, remindedBefore time.Time, limit int) ([]Wallet, error) {
	q := r.db.From(tableWallets).Select("*").
		Lte("due_at", now).
		Or("reminded_at.is.null,reminded_at.lt." + remindedBefore.UTC().Format(time.RFC3339Nano)).
		Order("due_at", true).
		Limit(limit)
	return selectMany[Wallet](ctx, q)
}

func (r *Repository) ListTransactions(ctx context.Context, userID string, limit int) ([]WalletTransaction, error) {
	return selectMany[WalletTransaction](ctx, r.db.From(tableTransactions).Select("*").
		Eq("user_id", userID).
		Order("created_at", false).
		Limit(limit))
}

// =============================================================================
// Top-ups
// =============================================================================

func (r *Repository) InsertTopUp(ctx context.Context, t *TopUp) (*TopUp, error) {
	stampID(&t.ID)
	r.stampTime(&t.CreatedAt)
	return insertOne(ctx, r.db.From(tableTopUps), t)
}

func (r *Repository) GetTopUp(ctx context.Context, id string) (*TopUp, error) {
	return selectOne[TopUp](ctx, r.db.From(tableTopUps).Select("*").Eq("id", id))
}

func (r *Repository) GetTopUpByReference(ctx context.Context, reference string) (*TopUp, error) {
	return selectOne[TopUp](ctx, r.db.From(tableTopUps).Select("*").Eq("reference", reference))
}

// ReviewTopUp records a review decision on a pending top-up. Approval is
// recorded by the ledger's credit, so only rejected and expired pass here.
// It returns ErrNotFound when the top-up is no longer pending.
func (r *Repository) ReviewTopUp(ctx context.Context, id, status, reviewerID, note string, at time.Time) (*TopUp, error) {
	patch := map[string]any{
		"status":      status,
		"review_note": note,
		"reviewed_at": at.UTC(),
	}
	if reviewerID != "" {
		patch["reviewer_id"] = reviewerID
	}
	return updateOne[TopUp](ctx, r.db.From(tableTopUps).Eq("id", id).Eq("status", TopUpPending), patch)
}

// ListTopUps lists top-ups in status, oldest first.
func (r *Repository) ListTopUps(ctx context.Context, status string, limit int) ([]TopUp, error) {
	return selectMany[TopUp](ctx, r.db.From(tableTopUps).Select("*").
		Eq("status", status).
		Order("created_at", true).
		Limit(limit))
}

func (r *Repository) ListUserTopUps(ctx context.Context, userID string, limit int) ([]TopUp, error) {
	return selectMany[TopUp](ctx, r.db.From(tableTopUps).Select("*").
		Eq("user_id", userID).
		Order("created_at", false).
		Limit(limit))
}

// ExpireTopUps marks pending top-ups created before cutoff as expired.
func (r *Repository) ExpireTopUps(ctx context.Context, cutoff time.Time) (int, error) {
	resp, err := r.db.From(tableTopUps).
		Eq("status", TopUpPending).
		Lt("created_at", cutoff).
		Select("id").
		Update(ctx, map[string]any{"status": TopUpExpired, "reviewed_at": r.now()})
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
