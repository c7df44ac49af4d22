//go:build integration && postgres

package ledger

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/plaza-social/plaza/internal/platform/migrations"
)

// Runs the ledger against a real Postgres after applying the migrations.
func TestIntegrationPostgres(t *testing.T) {
	_ = godotenv.Load() // allow .env for local runs
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set; skipping Postgres integration")
	}

	ctx := context.Background()
	l, err := OpenPostgres(ctx, dsn)
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	defer l.Close()

	if err := migrations.Apply(ctx, l.DB().DB); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	alice, bob := uuid.NewString(), uuid.NewString()
	topUpID := uuid.NewString()
	if _, err := l.DB().ExecContext(ctx,
		`INSERT INTO topups (id, user_id, amount_minor, currency, points, reference) VALUES ($1, $2, 1000, 'USD', 100, $3)`,
		topUpID, alice, "ref-"+topUpID); err != nil {
		t.Fatalf("seed top-up: %v", err)
	}

	credit, err := l.CreditTopUp(ctx, CreditRequest{TopUpID: topUpID, DueAt: time.Now().Add(30 * 24 * time.Hour)})
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
	if credit.BalanceAfter != 100 {
		t.Fatalf("expected balance 100, got %d", credit.BalanceAfter)
	}
	if _, err := l.CreditTopUp(ctx, CreditRequest{TopUpID: topUpID}); err != ErrTopUpNotPending {
		t.Fatalf("expected ErrTopUpNotPending on second credit, got %v", err)
	}

	debit, err := l.Transfer(ctx, TransferRequest{FromID: alice, ToID: bob, Amount: 30, Memo: "thanks"})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if debit.BalanceAfter != 70 {
		t.Fatalf("expected sender balance 70, got %d", debit.BalanceAfter)
	}
	if _, err := l.Transfer(ctx, TransferRequest{FromID: bob, ToID: alice, Amount: 31}); err != ErrInsufficientFunds {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	now := time.Now()
	if _, err := l.ClaimBonus(ctx, BonusRequest{UserID: bob, Points: 5, Now: now, NextAt: now.Add(time.Hour)}); err != nil {
		t.Fatalf("claim bonus: %v", err)
	}
	if _, err := l.ClaimBonus(ctx, BonusRequest{UserID: bob, Points: 5, Now: now.Add(time.Minute), NextAt: now.Add(2 * time.Hour)}); err != ErrBonusNotReady {
		t.Fatalf("expected ErrBonusNotReady, got %v", err)
	}
}
