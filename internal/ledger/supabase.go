package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/plaza-social/plaza/internal/database"
	"github.com/plaza-social/plaza/supabase/client"
)

// RPC names of the stored procedures in the hosted database.
const (
	rpcCreditTopUp = "credit_topup"
	rpcTransfer    = "transfer_points"
	rpcClaimBonus  = "claim_bonus_points"
)

// SupabaseLedger calls stored procedures that perform each movement in one
// database transaction.
type SupabaseLedger struct {
	db *client.Client
}

// NewSupabaseLedger creates a ledger over db, which must use the service
// role key.
func NewSupabaseLedger(db *client.Client) *SupabaseLedger {
	return &SupabaseLedger{db: db}
}

var _ Ledger = (*SupabaseLedger)(nil)

func (l *SupabaseLedger) CreditTopUp(ctx context.Context, req CreditRequest) (*database.WalletTransaction, error) {
	params := map[string]any{
		"p_topup_id":    req.TopUpID,
		"p_reviewer_id": nullable(req.ReviewerID),
		"p_note":        req.Note,
		"p_due_at":      req.DueAt.UTC().Format(time.RFC3339Nano),
	}
	return l.call(ctx, rpcCreditTopUp, params)
}

func (l *SupabaseLedger) Transfer(ctx context.Context, req TransferRequest) (*database.WalletTransaction, error) {
	if err := validateTransfer(req); err != nil {
		return nil, err
	}
	params := map[string]any{
		"p_from":   req.FromID,
		"p_to":     req.ToID,
		"p_amount": req.Amount,
		"p_memo":   req.Memo,
	}
	return l.call(ctx, rpcTransfer, params)
}

func (l *SupabaseLedger) ClaimBonus(ctx context.Context, req BonusRequest) (*database.WalletTransaction, error) {
	if req.Points <= 0 {
		return nil, ErrInvalidAmount
	}
	params := map[string]any{
		"p_user_id": req.UserID,
		"p_points":  req.Points,
		"p_now":     req.Now.UTC().Format(time.RFC3339Nano),
		"p_next_at": req.NextAt.UTC().Format(time.RFC3339Nano),
	}
	return l.call(ctx, rpcClaimBonus, params)
}

func (l *SupabaseLedger) call(ctx context.Context, fn string, params map[string]any) (*database.WalletTransaction, error) {
	resp, err := l.db.RPC(ctx, fn, params)
	if err != nil {
		return nil, mapRPCError(fn, err)
	}

	// A set-returning function answers with an array; a scalar composite
	// with an object.
	var tx database.WalletTransaction
	body := strings.TrimSpace(string(resp.Body))
	if strings.HasPrefix(body, "[") {
		var rows []database.WalletTransaction
		if err := resp.JSON(&rows); err != nil {
			return nil, fmt.Errorf("%s: decode result: %w", fn, err)
		}
		if len(rows) == 0 {
			return nil, fmt.Errorf("%s: empty result", fn)
		}
		tx = rows[0]
	} else if err := resp.JSON(&tx); err != nil {
		return nil, fmt.Errorf("%s: decode result: %w", fn, err)
	}
	return &tx, nil
}

// mapRPCError turns the exceptions raised by the procedures into this
// package's sentinels.
func mapRPCError(fn string, err error) error {
	var rpcErr *client.Error
	if !errors.As(err, &rpcErr) {
		return fmt.Errorf("%s: %w", fn, err)
	}
	msg := strings.ToLower(rpcErr.Message)
	switch {
	case strings.Contains(msg, "insufficient_funds"):
		return ErrInsufficientFunds
	case strings.Contains(msg, "topup_not_pending"):
		return ErrTopUpNotPending
	case strings.Contains(msg, "bonus_not_ready"):
		return ErrBonusNotReady
	case strings.Contains(msg, "invalid_amount"):
		return ErrInvalidAmount
	case client.IsNotFound(err):
		return fmt.Errorf("%s: %w", fn, database.ErrNotFound)
	default:
		return fmt.Errorf("%s: %w", fn, err)
	}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
