// Package wallet orchestrates the points economy: top-up submission and
// review, the overdue gate, periodic bonuses and transfers. Balances move
// only through a ledger.Ledger.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/plaza-social/plaza/internal/config"
	"github.com/plaza-social/plaza/internal/database"
	"github.com/plaza-social/plaza/internal/ledger"
	"github.com/plaza-social/plaza/internal/logging"
)

var (
	ErrTopUpRequired     = errors.New("wallet top-up required")
	ErrTopUpNotPending   = errors.New("top-up is not pending")
	ErrDuplicateTopUp    = errors.New("a top-up with this reference already exists")
	ErrAmountOutOfRange  = errors.New("top-up amount out of range")
	ErrCurrency          = errors.New("unsupported currency")
	ErrMissingReference  = errors.New("payment reference is required")
	ErrReceiptRejected   = errors.New("receipt could not be verified")
	ErrBonusNotReady     = ledger.ErrBonusNotReady
	ErrInsufficientFunds = ledger.ErrInsufficientFunds
	ErrInvalidTransfer   = errors.New("invalid transfer")
	ErrBlocked           = errors.New("transfer between blocked users")
)

// BonusNotReadyError carries the time left until the next bonus.
type BonusNotReadyError struct {
	RetryAfter time.Duration
	NextAt     time.Time
}

func (e *BonusNotReadyError) Error() string {
	return fmt.Sprintf("bonus not ready, retry in %s", e.RetryAfter.Round(time.Second))
}

func (e *BonusNotReadyError) Unwrap() error { return ErrBonusNotReady }

const (
	sweepBatch   = 500
	maxListLimit = 200
)

// Store is the persistence the service needs.
type Store interface {
	database.WalletRepository
	IsBlockedEitherWay(ctx context.Context, a, b string) (bool, error)
}

// Notifier delivers user notifications.
type Notifier interface {
	Dispatch(ctx context.Context, n database.Notification) (*database.Notification, error)
}

// TopUpStatus is the wallet state shown to its owner.
type TopUpStatus struct {
	Balance       int64      `json:"balance"`
	Currency      string     `json:"currency"`
	PointsPerUnit int64      `json:"points_per_unit"`
	DueAt         *time.Time `json:"due_at"`
	Overdue       bool       `json:"overdue"`
	NeedsTopUp    bool       `json:"needs_top_up"`
	NextBonusAt   *time.Time `json:"next_bonus_at"`
	BonusReady    bool       `json:"bonus_ready"`
}

// TopUpRequest is a user's proof-of-payment submission.
type TopUpRequest struct {
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
	Reference   string `json:"reference"`
	ReceiptPath string `json:"receipt_path"`
}

// ReviewResult is the outcome of ReviewTopUp. Transaction is nil for
// rejections.
type ReviewResult struct {
	TopUp       *database.TopUp             `json:"topup"`
	Transaction *database.WalletTransaction `json:"transaction,omitempty"`
}

// Service implements wallet operations.
type Service struct {
	store    Store
	ledger   ledger.Ledger
	notifier Notifier
	verifier ReceiptVerifier
	econ     config.Economy
	log      *logging.Logger
	now      func() time.Time
}

// New creates the wallet service. verifier may be nil, in which case an
// admin's approval is final.
func New(store Store, l ledger.Ledger, notifier Notifier, verifier ReceiptVerifier, econ config.Economy, log *logging.Logger) *Service {
	if log == nil {
		log = logging.Default()
	}
	return &Service{
		store:    store,
		ledger:   l,
		notifier: notifier,
		verifier: verifier,
		econ:     econ,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) Name() string { return "wallet" }

// Economy returns the active economy settings.
func (s *Service) Economy() config.Economy { return s.econ }

// Status reports the user's balance and whether a top-up is needed at now.
func (s *Service) Status(ctx context.Context, userID string, now time.Time) (*TopUpStatus, error) {
	w, err := s.store.GetWallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	overdue := w.DueAt != nil && !now.Before(*w.DueAt)
	return &TopUpStatus{
		Balance:       w.Balance,
		Currency:      s.econ.Currency,
		PointsPerUnit: s.econ.PointsPerUnit,
		DueAt:         w.DueAt,
		Overdue:       overdue,
		NeedsTopUp:    overdue || w.Balance < s.econ.MinimumBalance,
		NextBonusAt:   w.NextBonusAt,
		BonusReady:    w.NextBonusAt == nil || !now.Before(*w.NextBonusAt),
	}, nil
}

// RequireGoodStanding returns ErrTopUpRequired when the user's wallet is
// overdue.
func (s *Service) RequireGoodStanding(ctx context.Context, userID string) error {
	st, err := s.Status(ctx, userID, s.now())
	if err != nil {
		return err
	}
	if st.Overdue {
		return ErrTopUpRequired
	}
	return nil
}

// PointsFor converts an amount in minor currency units to points.
func (s *Service) PointsFor(amountMinor int64) int64 {
	return amountMinor * s.econ.PointsPerUnit / 100
}

// SubmitTopUp records a pending top-up for review.
func (s *Service) SubmitTopUp(ctx context.Context, userID string, req TopUpRequest) (*database.TopUp, error) {
	if req.AmountMinor < s.econ.MinTopUpMinor || req.AmountMinor > s.econ.MaxTopUpMinor {
		return nil, ErrAmountOutOfRange
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = s.econ.Currency
	}
	if currency != strings.ToUpper(s.econ.Currency) {
		return nil, ErrCurrency
	}
	reference := strings.TrimSpace(req.Reference)
	if reference == "" {
		return nil, ErrMissingReference
	}

	if _, err := s.store.GetTopUpByReference(ctx, reference); err == nil {
		return nil, ErrDuplicateTopUp
	} else if !errors.Is(err, database.ErrNotFound) {
		return nil, err
	}

	t, err := s.store.InsertTopUp(ctx, &database.TopUp{
		UserID:      userID,
		AmountMinor: req.AmountMinor,
		Currency:    currency,
		Points:      s.PointsFor(req.AmountMinor),
		Reference:   reference,
		ReceiptPath: strings.TrimSpace(req.ReceiptPath),
		Status:      database.TopUpPending,
	})
	if errors.Is(err, database.ErrConflict) {
		return nil, ErrDuplicateTopUp
	}
	if err != nil {
		return nil, err
	}
	s.log.WithContext(ctx).WithField("topup_id", t.ID).Info("top-up submitted")
	return t, nil
}

// ReviewTopUp approves or rejects a pending top-up.
func (s *Service) ReviewTopUp(ctx context.Context, reviewerID, topUpID string, approve bool, note string) (*ReviewResult, error) {
	t, err := s.store.GetTopUp(ctx, topUpID)
	if err != nil {
		return nil, err
	}
	if t.Status != database.TopUpPending {
		return nil, ErrTopUpNotPending
	}
	note = strings.TrimSpace(note)
	now := s.now()

	if !approve {
		reviewed, err := s.store.ReviewTopUp(ctx, topUpID, database.TopUpRejected, reviewerID, note, now)
		if errors.Is(err, database.ErrNotFound) {
			return nil, ErrTopUpNotPending
		}
		if err != nil {
			return nil, err
		}
		s.notifyReview(ctx, reviewed, false, 0, nil)
		return &ReviewResult{TopUp: reviewed}, nil
	}

	if s.verifier != nil {
		ok, err := s.verifier.Verify(ctx, *t)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrReceiptRejected
		}
	}

	dueAt := now.Add(s.econ.BillingPeriod)
	tx, err := s.ledger.CreditTopUp(ctx, ledger.CreditRequest{
		TopUpID:    topUpID,
		ReviewerID: reviewerID,
		Note:       note,
		DueAt:      dueAt,
	})
	if errors.Is(err, ledger.ErrTopUpNotPending) {
		return nil, ErrTopUpNotPending
	}
	if err != nil {
		return nil, err
	}

	reviewed, err := s.store.GetTopUp(ctx, topUpID)
	if err != nil {
		reviewed = t
		reviewed.Status = database.TopUpApproved
	}
	s.log.WithContext(ctx).WithFields(map[string]interface{}{
		"topup_id": topUpID,
		"points":   tx.Amount,
		"balance":  tx.BalanceAfter,
	}).Info("top-up approved")
	s.notifyReview(ctx, reviewed, true, tx.BalanceAfter, &dueAt)
	return &ReviewResult{TopUp: reviewed, Transaction: tx}, nil
}

func (s *Service) notifyReview(ctx context.Context, t *database.TopUp, approved bool, balance int64, dueAt *time.Time) {
	n := database.Notification{
		UserID: t.UserID,
		Kind:   database.NotifyTopUp,
		Link:   "/wallet",
		Data: map[string]any{
			"approved": approved,
			"topup_id": t.ID,
			"points":   t.Points,
			"note":     t.ReviewNote,
		},
	}
	if approved {
		n.Title = "Top-up approved"
		n.Body = fmt.Sprintf("%d points were added to your wallet.", t.Points)
		n.Data["balance"] = balance
		if dueAt != nil {
			n.Data["due_at"] = dueAt.Format(time.RFC3339)
		}
	} else {
		n.Title = "Top-up rejected"
		n.Body = "Your top-up could not be approved."
	}
	s.dispatch(ctx, n)
}

// ClaimBonus credits the periodic bonus when it is due.
func (s *Service) ClaimBonus(ctx context.Context, userID string, now time.Time) (*database.WalletTransaction, error) {
	w, err := s.store.GetWallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	if w.NextBonusAt != nil && now.Before(*w.NextBonusAt) {
		return nil, &BonusNotReadyError{RetryAfter: w.NextBonusAt.Sub(now), NextAt: *w.NextBonusAt}
	}

	next := now.Add(s.econ.BonusInterval)
	tx, err := s.ledger.ClaimBonus(ctx, ledger.BonusRequest{
		UserID: userID,
		Points: s.econ.BonusPoints,
		Now:    now,
		NextAt: next,
	})
	if errors.Is(err, ledger.ErrBonusNotReady) {
		// Lost a race with a concurrent claim.
		return nil, &BonusNotReadyError{RetryAfter: s.econ.BonusInterval, NextAt: next}
	}
	return tx, err
}

// Transfer moves points from one user to another.
func (s *Service) Transfer(ctx context.Context, fromID, toID string, amount int64, reason string) (*database.WalletTransaction, error) {
	if amount <= 0 || fromID == "" || toID == "" || fromID == toID {
		return nil, ErrInvalidTransfer
	}
	blocked, err := s.store.IsBlockedEitherWay(ctx, fromID, toID)
	if err != nil {
		return nil, err
	}
	if blocked {
		return nil, ErrBlocked
	}

	tx, err := s.ledger.Transfer(ctx, ledger.TransferRequest{
		FromID: fromID,
		ToID:   toID,
		Amount: amount,
		Memo:   strings.TrimSpace(reason),
	})
	if err != nil {
		return nil, err
	}

	actor := fromID
	s.dispatch(ctx, database.Notification{
		UserID:  toID,
		ActorID: &actor,
		Kind:    database.NotifyTransfer,
		Title:   "You received points",
		Body:    fmt.Sprintf("You received %d points.", amount),
		Link:    "/wallet",
		Data:    map[string]any{"points": amount, "memo": tx.Memo},
	})
	return tx, nil
}

// Transactions lists the user's ledger rows, newest first.
func (s *Service) Transactions(ctx context.Context, userID string, limit int) ([]database.WalletTransaction, error) {
	return s.store.ListTransactions(ctx, userID, clampLimit(limit))
}

// TopUps lists the user's own top-ups, newest first.
func (s *Service) TopUps(ctx context.Context, userID string, limit int) ([]database.TopUp, error) {
	return s.store.ListUserTopUps(ctx, userID, clampLimit(limit))
}

// PendingTopUps lists top-ups awaiting review, oldest first.
func (s *Service) PendingTopUps(ctx context.Context, limit int) ([]database.TopUp, error) {
	return s.store.ListTopUps(ctx, database.TopUpPending, clampLimit(limit))
}

// SweepOverdue reminds overdue users, each at most once per reminder
// interval, and returns how many were reminded.
func (s *Service) SweepOverdue(ctx context.Context, now time.Time) (int, error) {
	wallets, err := s.store.ListOverdueWallets(ctx, now, now.Add(-s.econ.ReminderInterval), sweepBatch)
	if err != nil {
		return 0, err
	}
	reminded := 0
	for _, w := range wallets {
		if err := ctx.Err(); err != nil {
			return reminded, err
		}
		data := map[string]any{"balance": w.Balance}
		if w.DueAt != nil {
			data["due_at"] = w.DueAt.Format(time.RFC3339)
		}
		s.dispatch(ctx, database.Notification{
			UserID: w.UserID,
			Kind:   database.NotifyTopUpDue,
			Title:  "Your wallet needs a top-up",
			Body:   "Your billing period has ended. Top up to keep hosting events and livestreams.",
			Link:   "/wallet",
			Data:   data,
		})
		if _, err := s.store.UpdateWallet(ctx, w.UserID, map[string]any{"reminded_at": now}); err != nil {
			s.log.WithContext(ctx).WithError(err).WithField("user_id", w.UserID).Warn("failed to record reminder")
			continue
		}
		reminded++
	}
	return reminded, nil
}

// ExpireStaleTopUps marks pending top-ups older than the expiry window as
// expired and returns how many changed.
func (s *Service) ExpireStaleTopUps(ctx context.Context, now time.Time) (int, error) {
	if s.econ.TopUpExpiry <= 0 {
		return 0, nil
	}
	return s.store.ExpireTopUps(ctx, now.Add(-s.econ.TopUpExpiry))
}

func (s *Service) dispatch(ctx context.Context, n database.Notification) {
	if s.notifier == nil {
		return
	}
	if _, err := s.notifier.Dispatch(ctx, n); err != nil {
		s.log.WithContext(ctx).WithError(err).WithField("kind", n.Kind).Warn("wallet notification failed")
	}
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
