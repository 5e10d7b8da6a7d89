// Package ledger implements the credit primitives. Every balance change is a
// single conditional update; transactions are append-only.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lantianlaoli/flowtra/internal/domain"
)

// Ledger wraps a CreditRepository. Bind it to a transactional repository with
// New(tx.Credits()) when the ledger row must commit together with an
// instance transition.
type Ledger struct {
	credits domain.CreditRepository
	now     func() time.Time
}

func New(credits domain.CreditRepository) *Ledger {
	return &Ledger{credits: credits, now: time.Now}
}

// Check reports whether userID can currently afford amount.
func (l *Ledger) Check(ctx context.Context, userID string, amount int) (bool, error) {
	if amount <= 0 {
		return true, nil
	}
	balance, err := l.credits.Balance(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("ledger: balance: %w", err)
	}
	return balance >= amount, nil
}

// Deduct removes amount from the balance atomically. A negative amount
// credits the balance back. ErrInsufficientCredits when the guard fails.
func (l *Ledger) Deduct(ctx context.Context, userID string, amount int) error {
	if amount == 0 {
		return nil
	}
	ok, err := l.credits.Deduct(ctx, userID, amount)
	if err != nil {
		return fmt.Errorf("ledger: deduct: %w", err)
	}
	if !ok {
		if amount < 0 {
			return fmt.Errorf("ledger: credit back %d to %s: %w", -amount, userID, domain.ErrNotFound)
		}
		return domain.ErrInsufficientCredits
	}
	return nil
}

// Record appends a transaction row.
func (l *Ledger) Record(ctx context.Context, userID string, typ domain.TransactionType, amount int, description, instanceID string) (*domain.CreditTransaction, error) {
	tx := &domain.CreditTransaction{
		ID:                 uuid.NewString(),
		UserID:             userID,
		Type:               typ,
		Amount:             amount,
		Description:        description,
		WorkflowInstanceID: instanceID,
		CreatedAt:          l.now().UTC(),
	}
	if err := l.credits.InsertTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("ledger: record %s: %w", typ, err)
	}
	return tx, nil
}

// Reserve holds amount without writing a transaction row. Release undoes it.
func (l *Ledger) Reserve(ctx context.Context, userID string, amount int) error {
	return l.Deduct(ctx, userID, amount)
}

func (l *Ledger) Release(ctx context.Context, userID string, amount int) error {
	return l.Deduct(ctx, userID, -amount)
}

// Charge deducts and records a usage row referencing the instance.
func (l *Ledger) Charge(ctx context.Context, userID string, amount int, description, instanceID string) error {
	if amount <= 0 {
		return nil
	}
	if err := l.Deduct(ctx, userID, amount); err != nil {
		return err
	}
	_, err := l.Record(ctx, userID, domain.TransactionUsage, amount, description, instanceID)
	return err
}

// Refund credits amount back and records a refund row referencing the instance.
func (l *Ledger) Refund(ctx context.Context, userID string, amount int, description, instanceID string) error {
	if amount <= 0 {
		return nil
	}
	if err := l.Deduct(ctx, userID, -amount); err != nil {
		return err
	}
	_, err := l.Record(ctx, userID, domain.TransactionRefund, amount, description, instanceID)
	return err
}

// Grant adds purchased credits, creating the balance row when needed.
func (l *Ledger) Grant(ctx context.Context, userID string, amount int, description string) error {
	if amount <= 0 {
		return fmt.Errorf("ledger: grant amount must be positive: %w", domain.ErrValidation)
	}
	if err := l.credits.Grant(ctx, userID, amount); err != nil {
		return fmt.Errorf("ledger: grant: %w", err)
	}
	_, err := l.Record(ctx, userID, domain.TransactionPurchase, amount, description, "")
	return err
}

// Net sums usage minus refund rows for one instance.
func (l *Ledger) Net(ctx context.Context, userID, instanceID string) (int, error) {
	txs, err := l.credits.ListTransactions(ctx, userID, instanceID)
	if err != nil {
		return 0, fmt.Errorf("ledger: list: %w", err)
	}
	total := 0
	for _, tx := range txs {
		switch tx.Type {
		case domain.TransactionUsage:
			total += tx.Amount
		case domain.TransactionRefund:
			total -= tx.Amount
		}
	}
	return total, nil
}
