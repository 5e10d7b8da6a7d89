// Package memstore is an in-memory domain.Store for tests and local runs. It
// honours the same conditional-update contract as the Postgres store.
package memstore

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/lantianlaoli/flowtra/internal/domain"
)

type memDB struct {
	mu        sync.Mutex
	txMu      sync.Mutex
	instances map[string]*domain.WorkflowInstance
	segments  map[string][]domain.Segment
	balances  map[string]int
	txs       []domain.CreditTransaction
	now       func() time.Time
}

// Store implements domain.Store. Writes made inside InTx are undone when the
// callback returns an error.
type Store struct {
	db   *memDB
	undo *[]func()
}

func New() *Store {
	return &Store{db: &memDB{
		instances: make(map[string]*domain.WorkflowInstance),
		segments:  make(map[string][]domain.Segment),
		balances:  make(map[string]int),
		now:       time.Now,
	}}
}

func (s *Store) Workflows() domain.WorkflowRepository { return workflows{s} }
func (s *Store) Segments() domain.SegmentRepository   { return segments{s} }
func (s *Store) Credits() domain.CreditRepository     { return credits{s} }

func (s *Store) InTx(ctx context.Context, fn func(tx domain.Store) error) error {
	if s.undo != nil {
		return fn(s)
	}
	s.db.txMu.Lock()
	defer s.db.txMu.Unlock()
	var undo []func()
	tx := &Store{db: s.db, undo: &undo}
	if err := fn(tx); err != nil {
		s.db.mu.Lock()
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
		s.db.mu.Unlock()
		return err
	}
	return ctx.Err()
}

// remember must be called with db.mu held.
func (s *Store) remember(f func()) {
	if s.undo != nil {
		*s.undo = append(*s.undo, f)
	}
}

// SetBalance seeds a user's balance.
func (s *Store) SetBalance(userID string, balance int) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	s.db.balances[userID] = balance
}

// Transactions returns a copy of the ledger rows in insertion order.
func (s *Store) Transactions() []domain.CreditTransaction {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	return append([]domain.CreditTransaction(nil), s.db.txs...)
}

// InstanceCount reports how many workflow rows exist.
func (s *Store) InstanceCount() int {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	return len(s.db.instances)
}

// Backdate moves an instance's updated_at into the past.
func (s *Store) Backdate(id string, d time.Duration) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if inst, ok := s.db.instances[id]; ok {
		inst.UpdatedAt = inst.UpdatedAt.Add(-d)
	}
}

type workflows struct{ s *Store }

func (r workflows) Create(_ context.Context, inst *domain.WorkflowInstance) error {
	db := r.s.db
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, ok := db.instances[inst.ID]; ok {
		return domain.ErrDuplicateOperation
	}
	now := db.now().UTC()
	inst.CreatedAt, inst.UpdatedAt = now, now
	db.instances[inst.ID] = inst.Clone()
	id := inst.ID
	r.s.remember(func() { delete(db.instances, id) })
	return nil
}

func (r workflows) Get(_ context.Context, id string) (*domain.WorkflowInstance, error) {
	db := r.s.db
	db.mu.Lock()
	defer db.mu.Unlock()
	inst, ok := db.instances[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return inst.Clone(), nil
}

func (r workflows) GetOwned(ctx context.Context, ownerID, id string) (*domain.WorkflowInstance, error) {
	inst, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst.OwnerID != ownerID {
		return nil, domain.ErrNotFound
	}
	return inst, nil
}

func (r workflows) FindByTaskHandle(_ context.Context, handle string) (*domain.WorkflowInstance, error) {
	db := r.s.db
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, inst := range db.instances {
		for _, hs := range inst.TaskHandles {
			if slices.Contains(hs, handle) {
				return inst.Clone(), nil
			}
		}
	}
	return nil, domain.ErrNotFound
}

func (r workflows) Update(_ context.Context, next *domain.WorkflowInstance, prev domain.Status) error {
	db := r.s.db
	db.mu.Lock()
	defer db.mu.Unlock()
	cur, ok := db.instances[next.ID]
	if !ok || cur.Status != prev || cur.Version != next.Version {
		return domain.ErrStaleState
	}
	old := cur
	stored := next.Clone()
	stored.Version++
	stored.OwnerID, stored.Kind, stored.CreatedAt = cur.OwnerID, cur.Kind, cur.CreatedAt
	stored.Downloaded, stored.DownloadCreditsUsed = cur.Downloaded, cur.DownloadCreditsUsed
	now := db.now().UTC()
	stored.UpdatedAt = now
	stored.LastProcessedAt = &now
	db.instances[next.ID] = stored
	r.s.remember(func() { db.instances[old.ID] = old })

	next.Version = stored.Version
	next.UpdatedAt = stored.UpdatedAt
	next.LastProcessedAt = stored.LastProcessedAt
	return nil
}

func (r workflows) ListInFlight(_ context.Context, statuses []domain.Status, limit int) ([]*domain.WorkflowInstance, error) {
	db := r.s.db
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []*domain.WorkflowInstance
	for _, inst := range db.instances {
		if slices.Contains(statuses, inst.Status) {
			out = append(out, inst.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].LastProcessedAt, out[j].LastProcessedAt
		switch {
		case a == nil && b != nil:
			return true
		case a != nil && b == nil:
			return false
		case a != nil && b != nil && !a.Equal(*b):
			return a.Before(*b)
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r workflows) Touch(_ context.Context, id string, at time.Time) error {
	db := r.s.db
	db.mu.Lock()
	defer db.mu.Unlock()
	inst, ok := db.instances[id]
	if !ok {
		return domain.ErrNotFound
	}
	ts := at.UTC()
	inst.LastProcessedAt = &ts
	return nil
}

func (r workflows) MarkDownloaded(_ context.Context, id string, credits int) (bool, error) {
	db := r.s.db
	db.mu.Lock()
	defer db.mu.Unlock()
	inst, ok := db.instances[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	if inst.Downloaded {
		return false, nil
	}
	before := *inst
	inst.Downloaded = true
	inst.DownloadCreditsUsed = credits
	inst.CreditsCharged += credits
	r.s.remember(func() {
		inst.Downloaded = before.Downloaded
		inst.DownloadCreditsUsed = before.DownloadCreditsUsed
		inst.CreditsCharged = before.CreditsCharged
	})
	return true, nil
}

type segments struct{ s *Store }

func (r segments) ReplacePlan(_ context.Context, instanceID string, segs []domain.Segment) error {
	db := r.s.db
	db.mu.Lock()
	defer db.mu.Unlock()
	old, had := db.segments[instanceID]
	now := db.now().UTC()
	plan := make([]domain.Segment, len(segs))
	for i, seg := range segs {
		seg.WorkflowInstanceID = instanceID
		seg.CreatedAt, seg.UpdatedAt = now, now
		plan[i] = seg
	}
	db.segments[instanceID] = plan
	r.s.remember(func() {
		if had {
			db.segments[instanceID] = old
		} else {
			delete(db.segments, instanceID)
		}
	})
	return nil
}

func (r segments) List(_ context.Context, instanceID string) ([]domain.Segment, error) {
	db := r.s.db
	db.mu.Lock()
	defer db.mu.Unlock()
	out := append([]domain.Segment(nil), db.segments[instanceID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (r segments) MarkGenerating(_ context.Context, instanceID string, index int, taskID string) error {
	db := r.s.db
	db.mu.Lock()
	defer db.mu.Unlock()
	for i := range db.segments[instanceID] {
		seg := &db.segments[instanceID][i]
		if seg.Index != index {
			continue
		}
		if seg.Status != domain.SegmentPending {
			return domain.ErrStaleState
		}
		seg.Status = domain.SegmentGenerating
		seg.TaskID = taskID
		seg.UpdatedAt = db.now().UTC()
		return nil
	}
	return domain.ErrNotFound
}

func (r segments) MarkFailed(_ context.Context, instanceID string, index int, errMsg string) error {
	db := r.s.db
	db.mu.Lock()
	defer db.mu.Unlock()
	for i := range db.segments[instanceID] {
		seg := &db.segments[instanceID][i]
		if seg.Index != index {
			continue
		}
		if seg.Status != domain.SegmentPending {
			return domain.ErrStaleState
		}
		seg.Status = domain.SegmentFailed
		seg.ErrorMessage = errMsg
		seg.UpdatedAt = db.now().UTC()
		return nil
	}
	return domain.ErrNotFound
}

func (r segments) Resolve(_ context.Context, instanceID, taskID string, status domain.SegmentStatus, videoURL, errMsg string) (bool, error) {
	db := r.s.db
	db.mu.Lock()
	defer db.mu.Unlock()
	for i := range db.segments[instanceID] {
		seg := &db.segments[instanceID][i]
		if seg.TaskID != taskID || seg.Status != domain.SegmentGenerating {
			continue
		}
		before := *seg
		seg.Status = status
		seg.VideoURL = videoURL
		seg.ErrorMessage = errMsg
		seg.UpdatedAt = db.now().UTC()
		idx := i
		r.s.remember(func() { db.segments[instanceID][idx] = before })
		return true, nil
	}
	return false, nil
}

type credits struct{ s *Store }

func (r credits) Balance(_ context.Context, userID string) (int, error) {
	db := r.s.db
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.balances[userID], nil
}

func (r credits) Deduct(_ context.Context, userID string, amount int) (bool, error) {
	db := r.s.db
	db.mu.Lock()
	defer db.mu.Unlock()
	balance, ok := db.balances[userID]
	if !ok || balance < amount {
		return false, nil
	}
	db.balances[userID] = balance - amount
	r.s.remember(func() { db.balances[userID] += amount })
	return true, nil
}

func (r credits) Grant(_ context.Context, userID string, amount int) error {
	db := r.s.db
	db.mu.Lock()
	defer db.mu.Unlock()
	db.balances[userID] += amount
	r.s.remember(func() { db.balances[userID] -= amount })
	return nil
}

func (r credits) InsertTransaction(_ context.Context, tx *domain.CreditTransaction) error {
	db := r.s.db
	db.mu.Lock()
	defer db.mu.Unlock()
	db.txs = append(db.txs, *tx)
	n := len(db.txs)
	r.s.remember(func() { db.txs = db.txs[:n-1] })
	return nil
}

func (r credits) ListTransactions(_ context.Context, userID, instanceID string) ([]domain.CreditTransaction, error) {
	db := r.s.db
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []domain.CreditTransaction
	for _, tx := range db.txs {
		if tx.UserID != userID {
			continue
		}
		if instanceID != "" && tx.WorkflowInstanceID != instanceID {
			continue
		}
		out = append(out, tx)
	}
	return out, nil
}

var _ domain.Store = (*Store)(nil)
