package ledger

import (
	"context"

	"github.com/google/uuid"

	"github.com/plaza-social/plaza/internal/database"
)

// MemoryLedger moves points inside a database.MockRepository. It mirrors
// the stored procedures closely enough for service tests.
type MemoryLedger struct {
	repo *database.MockRepository
}

// NewMemoryLedger creates a ledger over repo.
func NewMemoryLedger(repo *database.MockRepository) *MemoryLedger {
	return &MemoryLedger{repo: repo}
}

var _ Ledger = (*MemoryLedger)(nil)

func walletFor(wallets map[string]*database.Wallet, userID string) *database.Wallet {
	w, ok := wallets[userID]
	if !ok {
		w = &database.Wallet{UserID: userID}
		wallets[userID] = w
	}
	return w
}

func (l *MemoryLedger) CreditTopUp(ctx context.Context, req CreditRequest) (*database.WalletTransaction, error) {
	var out database.WalletTransaction
	err := l.repo.WithLock(func(wallets map[string]*database.Wallet, topUps map[string]*database.TopUp) error {
		t, ok := topUps[req.TopUpID]
		if !ok {
			return database.ErrNotFound
		}
		if t.Status != database.TopUpPending {
			return ErrTopUpNotPending
		}

		now := l.repo.Now()
		w := walletFor(wallets, t.UserID)
		w.Balance += t.Points
		due := req.DueAt.UTC()
		w.DueAt = &due
		w.RemindedAt = nil
		w.UpdatedAt = now

		t.Status = database.TopUpApproved
		t.ReviewNote = req.Note
		t.ReviewedAt = &now
		if req.ReviewerID != "" {
			reviewer := req.ReviewerID
			t.ReviewerID = &reviewer
		}

		out = database.WalletTransaction{
			UserID: t.UserID, Kind: database.TxTopUp, Amount: t.Points,
			BalanceAfter: w.Balance, Reference: t.ID, Memo: req.Note,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out = l.repo.AppendTransaction(out)
	return &out, nil
}

func (l *MemoryLedger) Transfer(ctx context.Context, req TransferRequest) (*database.WalletTransaction, error) {
	if err := validateTransfer(req); err != nil {
		return nil, err
	}

	var debit, credit database.WalletTransaction
	err := l.repo.WithLock(func(wallets map[string]*database.Wallet, _ map[string]*database.TopUp) error {
		from := walletFor(wallets, req.FromID)
		to := walletFor(wallets, req.ToID)
		if from.Balance < req.Amount {
			return ErrInsufficientFunds
		}
		from.Balance -= req.Amount
		to.Balance += req.Amount

		reference := uuid.NewString()
		debit = database.WalletTransaction{
			UserID: req.FromID, Kind: database.TxTransferOut, Amount: -req.Amount,
			BalanceAfter: from.Balance, Reference: reference, Memo: req.Memo,
		}
		credit = database.WalletTransaction{
			UserID: req.ToID, Kind: database.TxTransferIn, Amount: req.Amount,
			BalanceAfter: to.Balance, Reference: reference, Memo: req.Memo,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	debit = l.repo.AppendTransaction(debit)
	l.repo.AppendTransaction(credit)
	return &debit, nil
}

func (l *MemoryLedger) ClaimBonus(ctx context.Context, req BonusRequest) (*database.WalletTransaction, error) {
	if req.Points <= 0 {
		return nil, ErrInvalidAmount
	}

	var out database.WalletTransaction
	err := l.repo.WithLock(func(wallets map[string]*database.Wallet, _ map[string]*database.TopUp) error {
		w := walletFor(wallets, req.UserID)
		if w.NextBonusAt != nil && req.Now.Before(*w.NextBonusAt) {
			return ErrBonusNotReady
		}
		w.Balance += req.Points
		next := req.NextAt.UTC()
		w.NextBonusAt = &next

		out = database.WalletTransaction{
			UserID: req.UserID, Kind: database.TxBonus, Amount: req.Points,
			BalanceAfter: w.Balance, Memo: "bonus",
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out = l.repo.AppendTransaction(out)
	return &out, nil
}
