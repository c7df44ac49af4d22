package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver

	"github.com/plaza-social/plaza/internal/database"
)

// PostgresLedger runs the point movements directly against Postgres for
// deployments that do not use the hosted database's stored procedures. The
// schema is in internal/platform/migrations.
type PostgresLedger struct {
	db  *sqlx.DB
	now func() time.Time
}

// OpenPostgres connects to dsn and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresLedger, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect ledger database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return NewPostgres(db), nil
}

// NewPostgres wraps an existing connection.
func NewPostgres(db *sqlx.DB) *PostgresLedger {
	return &PostgresLedger{db: db, now: func() time.Time { return time.Now().UTC() }}
}

var _ Ledger = (*PostgresLedger)(nil)

// DB exposes the connection for health checks.
func (l *PostgresLedger) DB() *sqlx.DB {
	return l.db
}

func (l *PostgresLedger) Close() error {
	return l.db.Close()
}

type topUpRow struct {
	ID     string `db:"id"`
	UserID string `db:"user_id"`
	Points int64  `db:"points"`
	Status string `db:"status"`
}

type walletRow struct {
	UserID      string       `db:"user_id"`
	Balance     int64        `db:"balance"`
	NextBonusAt sql.NullTime `db:"next_bonus_at"`
}

const (
	qLockTopUp = `SELECT id, user_id, points, status FROM topups WHERE id = $1 FOR UPDATE`

	qEnsureWallet = `INSERT INTO wallets (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`

	qLockWallet = `SELECT user_id, balance, next_bonus_at FROM wallets WHERE user_id = $1 FOR UPDATE`

	qCreditWallet = `UPDATE wallets SET balance = $2, due_at = $3, reminded_at = NULL, updated_at = $4 WHERE user_id = $1`

	qApproveTopUp = `UPDATE topups SET status = 'approved', reviewer_id = $2, review_note = $3, reviewed_at = $4 WHERE id = $1`

	qSetBalance = `UPDATE wallets SET balance = $2, updated_at = $3 WHERE user_id = $1`

	qSetBonus = `UPDATE wallets SET balance = $2, next_bonus_at = $3, updated_at = $4 WHERE user_id = $1`

	qInsertTx = `INSERT INTO wallet_transactions (id, user_id, kind, amount, balance_after, reference, memo, created_at)
VALUES (:id, :user_id, :kind, :amount, :balance_after, :reference, :memo, :created_at)`
)

type txRow struct {
	ID           string    `db:"id"`
	UserID       string    `db:"user_id"`
	Kind         string    `db:"kind"`
	Amount       int64     `db:"amount"`
	BalanceAfter int64     `db:"balance_after"`
	Reference    string    `db:"reference"`
	Memo         string    `db:"memo"`
	CreatedAt    time.Time `db:"created_at"`
}

func (r txRow) toTransaction() *database.WalletTransaction {
	return &database.WalletTransaction{
		ID:           r.ID,
		UserID:       r.UserID,
		Kind:         r.Kind,
		Amount:       r.Amount,
		BalanceAfter: r.BalanceAfter,
		Reference:    r.Reference,
		Memo:         r.Memo,
		CreatedAt:    r.CreatedAt,
	}
}

// inTx runs fn in a transaction, rolling back on error or panic.
func (l *PostgresLedger) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func lockWallet(ctx context.Context, tx *sqlx.Tx, userID string) (*walletRow, error) {
	if _, err := tx.ExecContext(ctx, qEnsureWallet, userID); err != nil {
		return nil, fmt.Errorf("ensure wallet: %w", err)
	}
	var w walletRow
	if err := tx.GetContext(ctx, &w, qLockWallet, userID); err != nil {
		return nil, fmt.Errorf("lock wallet: %w", err)
	}
	return &w, nil
}

func insertTx(ctx context.Context, tx *sqlx.Tx, row txRow) error {
	if _, err := tx.NamedExecContext(ctx, qInsertTx, row); err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func (l *PostgresLedger) CreditTopUp(ctx context.Context, req CreditRequest) (*database.WalletTransaction, error) {
	var out txRow
	err := l.inTx(ctx, func(tx *sqlx.Tx) error {
		var t topUpRow
		if err := tx.GetContext(ctx, &t, qLockTopUp, req.TopUpID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return database.ErrNotFound
			}
			return fmt.Errorf("lock top-up: %w", err)
		}
		if t.Status != database.TopUpPending {
			return ErrTopUpNotPending
		}
		if t.Points <= 0 {
			return ErrInvalidAmount
		}

		w, err := lockWallet(ctx, tx, t.UserID)
		if err != nil {
			return err
		}

		now := l.now()
		balance := w.Balance + t.Points
		if _, err := tx.ExecContext(ctx, qCreditWallet, t.UserID, balance, req.DueAt.UTC(), now); err != nil {
			return fmt.Errorf("credit wallet: %w", err)
		}
		if _, err := tx.ExecContext(ctx, qApproveTopUp, t.ID, nullable(req.ReviewerID), req.Note, now); err != nil {
			return fmt.Errorf("approve top-up: %w", err)
		}

		out = txRow{
			ID:           uuid.NewString(),
			UserID:       t.UserID,
			Kind:         database.TxTopUp,
			Amount:       t.Points,
			BalanceAfter: balance,
			Reference:    t.ID,
			Memo:         req.Note,
			CreatedAt:    now,
		}
		return insertTx(ctx, tx, out)
	})
	if err != nil {
		return nil, err
	}
	return out.toTransaction(), nil
}

func (l *PostgresLedger) Transfer(ctx context.Context, req TransferRequest) (*database.WalletTransaction, error) {
	if err := validateTransfer(req); err != nil {
		return nil, err
	}

	var out txRow
	err := l.inTx(ctx, func(tx *sqlx.Tx) error {
		// Lock in a fixed order so opposite transfers cannot deadlock.
		first, second := req.FromID, req.ToID
		if second < first {
			first, second = second, first
		}
		locked := make(map[string]*walletRow, 2)
		for _, id := range []string{first, second} {
			w, err := lockWallet(ctx, tx, id)
			if err != nil {
				return err
			}
			locked[id] = w
		}

		from, to := locked[req.FromID], locked[req.ToID]
		if from.Balance < req.Amount {
			return ErrInsufficientFunds
		}

		now := l.now()
		reference := uuid.NewString()
		fromBalance := from.Balance - req.Amount
		toBalance := to.Balance + req.Amount
		if _, err := tx.ExecContext(ctx, qSetBalance, req.FromID, fromBalance, now); err != nil {
			return fmt.Errorf("debit wallet: %w", err)
		}
		if _, err := tx.ExecContext(ctx, qSetBalance, req.ToID, toBalance, now); err != nil {
			return fmt.Errorf("credit wallet: %w", err)
		}

		out = txRow{
			ID: uuid.NewString(), UserID: req.FromID, Kind: database.TxTransferOut,
			Amount: -req.Amount, BalanceAfter: fromBalance, Reference: reference, Memo: req.Memo, CreatedAt: now,
		}
		if err := insertTx(ctx, tx, out); err != nil {
			return err
		}
		return insertTx(ctx, tx, txRow{
			ID: uuid.NewString(), UserID: req.ToID, Kind: database.TxTransferIn,
			Amount: req.Amount, BalanceAfter: toBalance, Reference: reference, Memo: req.Memo, CreatedAt: now,
		})
	})
	if err != nil {
		return nil, err
	}
	return out.toTransaction(), nil
}

func (l *PostgresLedger) ClaimBonus(ctx context.Context, req BonusRequest) (*database.WalletTransaction, error) {
	if req.Points <= 0 {
		return nil, ErrInvalidAmount
	}

	var out txRow
	err := l.inTx(ctx, func(tx *sqlx.Tx) error {
		w, err := lockWallet(ctx, tx, req.UserID)
		if err != nil {
			return err
		}
		if w.NextBonusAt.Valid && req.Now.Before(w.NextBonusAt.Time) {
			return ErrBonusNotReady
		}

		now := l.now()
		balance := w.Balance + req.Points
		if _, err := tx.ExecContext(ctx, qSetBonus, req.UserID, balance, req.NextAt.UTC(), now); err != nil {
			return fmt.Errorf("credit bonus: %w", err)
		}
		out = txRow{
			ID: uuid.NewString(), UserID: req.UserID, Kind: database.TxBonus,
			Amount: req.Points, BalanceAfter: balance, Memo: "bonus", CreatedAt: now,
		}
		return insertTx(ctx, tx, out)
	})
	if err != nil {
		return nil, err
	}
	return out.toTransaction(), nil
}
