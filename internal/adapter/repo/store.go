// Package repo implements domain.Store on PostgreSQL through the marked
// statements in sqlinline.
package repo

import (
	"context"
	"errors"

	"github.com/lantianlaoli/flowtra/internal/domain"
	"github.com/lantianlaoli/flowtra/internal/infra"
)

// Store binds the repositories to one executor. Inside InTx the executor is
// transaction scoped.
type Store struct {
	db   infra.SQLExecutor
	tx   infra.TxExecutor
	inTx bool
}

// NewStore creates a store that opens transactions through runner.
func NewStore(runner infra.TxExecutor) *Store {
	return &Store{db: runner, tx: runner}
}

func (s *Store) Workflows() domain.WorkflowRepository { return &WorkflowRepositoryPG{db: s.db} }
func (s *Store) Segments() domain.SegmentRepository   { return &SegmentRepositoryPG{db: s.db} }
func (s *Store) Credits() domain.CreditRepository     { return &CreditRepositoryPG{db: s.db} }

// InTx runs fn inside one transaction. A nested call joins the outer one.
func (s *Store) InTx(ctx context.Context, fn func(tx domain.Store) error) error {
	if s.inTx {
		return fn(s)
	}
	if s.tx == nil {
		return errors.New("repo: store has no transaction runner")
	}
	return s.tx.WithTx(ctx, func(exec infra.SQLExecutor) error {
		return fn(&Store{db: exec, inTx: true})
	})
}

type scanner interface {
	Scan(dest ...any) error
}

var _ domain.Store = (*Store)(nil)
