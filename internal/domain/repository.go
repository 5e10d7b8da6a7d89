package domain

import (
	"context"
	"time"
)

// WorkflowRepository persists workflow instances. Update is a conditional
// write: it only applies while the row still holds prev status and the
// instance's Version, and reports ErrStaleState otherwise.
type WorkflowRepository interface {
	Create(ctx context.Context, inst *WorkflowInstance) error
	Get(ctx context.Context, id string) (*WorkflowInstance, error)
	GetOwned(ctx context.Context, ownerID, id string) (*WorkflowInstance, error)
	FindByTaskHandle(ctx context.Context, handle string) (*WorkflowInstance, error)
	Update(ctx context.Context, next *WorkflowInstance, prev Status) error
	ListInFlight(ctx context.Context, statuses []Status, limit int) ([]*WorkflowInstance, error)
	Touch(ctx context.Context, id string, at time.Time) error
	MarkDownloaded(ctx context.Context, id string, credits int) (bool, error)
}

// SegmentRepository persists the segments of multi-segment instances.
type SegmentRepository interface {
	ReplacePlan(ctx context.Context, instanceID string, segs []Segment) error
	List(ctx context.Context, instanceID string) ([]Segment, error)
	MarkGenerating(ctx context.Context, instanceID string, index int, taskID string) error
	MarkFailed(ctx context.Context, instanceID string, index int, errMsg string) error
	Resolve(ctx context.Context, instanceID, taskID string, status SegmentStatus, videoURL, errMsg string) (bool, error)
}

// CreditRepository holds balances and the append-only transaction log.
// Deduct applies balance = balance - amount only while balance >= amount;
// a negative amount credits the balance back.
type CreditRepository interface {
	Balance(ctx context.Context, userID string) (int, error)
	Deduct(ctx context.Context, userID string, amount int) (bool, error)
	Grant(ctx context.Context, userID string, amount int) error
	InsertTransaction(ctx context.Context, tx *CreditTransaction) error
	ListTransactions(ctx context.Context, userID, instanceID string) ([]CreditTransaction, error)
}

// Store groups the repositories and runs fn inside one database transaction.
type Store interface {
	Workflows() WorkflowRepository
	Segments() SegmentRepository
	Credits() CreditRepository
	InTx(ctx context.Context, fn func(tx Store) error) error
}
