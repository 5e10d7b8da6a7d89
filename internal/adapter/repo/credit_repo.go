package repo

import (
	"context"
	"fmt"

	"github.com/lantianlaoli/flowtra/internal/domain"
	"github.com/lantianlaoli/flowtra/internal/infra"
	"github.com/lantianlaoli/flowtra/internal/sqlinline"
)

// CreditRepositoryPG implements domain.CreditRepository.
type CreditRepositoryPG struct {
	db infra.SQLExecutor
}

// Balance returns zero for users without a credits row.
func (r *CreditRepositoryPG) Balance(ctx context.Context, userID string) (int, error) {
	var balance int
	if err := r.db.QueryRow(ctx, sqlinline.QSelectCreditBalance, userID).Scan(&balance); err != nil {
		if infra.IsNoRows(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("select balance: %w", err)
	}
	return balance, nil
}

func (r *CreditRepositoryPG) Deduct(ctx context.Context, userID string, amount int) (bool, error) {
	tag, err := r.db.Exec(ctx, sqlinline.QDeductCredits, userID, amount)
	if err != nil {
		return false, fmt.Errorf("deduct credits: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *CreditRepositoryPG) Grant(ctx context.Context, userID string, amount int) error {
	if _, err := r.db.Exec(ctx, sqlinline.QGrantCredits, userID, amount); err != nil {
		return fmt.Errorf("grant credits: %w", err)
	}
	return nil
}

func (r *CreditRepositoryPG) InsertTransaction(ctx context.Context, tx *domain.CreditTransaction) error {
	if _, err := r.db.Exec(ctx, sqlinline.QInsertCreditTransaction,
		tx.ID,
		tx.UserID,
		string(tx.Type),
		tx.Amount,
		tx.Description,
		tx.WorkflowInstanceID,
		tx.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert credit transaction: %w", err)
	}
	return nil
}

// ListTransactions returns the user's ledger, optionally narrowed to one
// instance, oldest first.
func (r *CreditRepositoryPG) ListTransactions(ctx context.Context, userID, instanceID string) ([]domain.CreditTransaction, error) {
	rows, err := r.db.Query(ctx, sqlinline.QListCreditTransactions, userID, instanceID)
	if err != nil {
		return nil, fmt.Errorf("list credit transactions: %w", err)
	}
	defer rows.Close()

	var out []domain.CreditTransaction
	for rows.Next() {
		var (
			tx     domain.CreditTransaction
			txType string
		)
		if err := rows.Scan(&tx.ID, &tx.UserID, &txType, &tx.Amount, &tx.Description, &tx.WorkflowInstanceID, &tx.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan credit transaction: %w", err)
		}
		tx.Type = domain.TransactionType(txType)
		out = append(out, tx)
	}
	return out, rows.Err()
}
