// Package ledger moves wallet points atomically. Balances are only ever
// changed here; every change writes a wallet_transactions row in the same
// transaction.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/plaza-social/plaza/internal/database"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrTopUpNotPending   = errors.New("top-up is not pending")
	ErrBonusNotReady     = errors.New("bonus not ready")
	ErrInvalidAmount     = errors.New("amount must be positive")
)

// CreditRequest approves a pending top-up and credits its points.
type CreditRequest struct {
	TopUpID    string
	ReviewerID string
	Note       string
	// DueAt is the wallet's next billing deadline after this credit.
	DueAt time.Time
}

// TransferRequest moves points between two users.
type TransferRequest struct {
	FromID string
	ToID   string
	Amount int64
	Memo   string
}

// BonusRequest credits the periodic bonus if it is due at Now.
type BonusRequest struct {
	UserID string
	Points int64
	Now    time.Time
	NextAt time.Time
}

// Ledger is implemented by the hosted-database RPC backend, the direct
// Postgres backend and the in-memory backend used in tests.
type Ledger interface {
	// CreditTopUp returns the credit transaction.
	CreditTopUp(ctx context.Context, req CreditRequest) (*database.WalletTransaction, error)
	// Transfer returns the sender's debit transaction.
	Transfer(ctx context.Context, req TransferRequest) (*database.WalletTransaction, error)
	ClaimBonus(ctx context.Context, req BonusRequest) (*database.WalletTransaction, error)
}

func validateTransfer(req TransferRequest) error {
	if req.Amount <= 0 {
		return ErrInvalidAmount
	}
	if req.FromID == "" || req.ToID == "" || req.FromID == req.ToID {
		return errors.New("transfer needs two distinct users")
	}
	return nil
}
