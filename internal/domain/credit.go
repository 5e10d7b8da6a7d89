package domain

import "time"

// TransactionType classifies ledger rows.
type TransactionType string

const (
	TransactionPurchase TransactionType = "purchase"
	TransactionUsage    TransactionType = "usage"
	TransactionRefund   TransactionType = "refund"
)

// CreditTransaction is an immutable ledger row.
type CreditTransaction struct {
	ID                 string
	UserID             string
	Type               TransactionType
	Amount             int
	Description        string
	WorkflowInstanceID string
	CreatedAt          time.Time
}
