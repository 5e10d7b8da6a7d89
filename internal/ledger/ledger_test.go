package ledger

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lantianlaoli/flowtra/internal/adapter/memstore"
	"github.com/lantianlaoli/flowtra/internal/domain"
)

func TestChargeAndRefundKeepInstanceNetBalanced(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	store.SetBalance("user-1", 100)
	l := New(store.Credits())

	require.NoError(t, l.Charge(ctx, "user-1", 30, "video generation", "wf-1"))
	bal, err := store.Credits().Balance(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, 70, bal)

	net, err := l.Net(ctx, "user-1", "wf-1")
	require.NoError(t, err)
	require.Equal(t, 30, net)

	require.NoError(t, l.Refund(ctx, "user-1", 30, "generation failed", "wf-1"))
	bal, _ = store.Credits().Balance(ctx, "user-1")
	require.Equal(t, 100, bal)
	net, _ = l.Net(ctx, "user-1", "wf-1")
	require.Zero(t, net)

	txs := store.Transactions()
	require.Len(t, txs, 2)
	require.Equal(t, domain.TransactionUsage, txs[0].Type)
	require.Equal(t, domain.TransactionRefund, txs[1].Type)
	require.Equal(t, "wf-1", txs[1].WorkflowInstanceID)
}

func TestChargeInsufficientWritesNothing(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	store.SetBalance("user-1", 10)
	l := New(store.Credits())

	err := l.Charge(ctx, "user-1", 30, "video generation", "wf-1")
	require.ErrorIs(t, err, domain.ErrInsufficientCredits)
	require.Empty(t, store.Transactions())
	bal, _ := store.Credits().Balance(ctx, "user-1")
	require.Equal(t, 10, bal)
}

func TestReserveReleaseLeavesNoTransactions(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	store.SetBalance("user-1", 50)
	l := New(store.Credits())

	require.NoError(t, l.Reserve(ctx, "user-1", 50))
	ok, err := l.Check(ctx, "user-1", 1)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, l.Release(ctx, "user-1", 50))
	ok, _ = l.Check(ctx, "user-1", 50)
	require.True(t, ok)
	require.Empty(t, store.Transactions())
}

func TestConcurrentDeductNeverOverdraws(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	store.SetBalance("user-1", 100)
	l := New(store.Credits())

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Deduct(ctx, "user-1", 30); err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 3, success)
	bal, _ := store.Credits().Balance(ctx, "user-1")
	require.Equal(t, 10, bal)
}

func TestGrantRecordsPurchase(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	l := New(store.Credits())

	require.NoError(t, l.Grant(ctx, "user-1", 200, "starter pack"))
	require.ErrorIs(t, l.Grant(ctx, "user-1", 0, "nothing"), domain.ErrValidation)

	bal, _ := store.Credits().Balance(ctx, "user-1")
	require.Equal(t, 200, bal)
	txs := store.Transactions()
	require.Len(t, txs, 1)
	require.Equal(t, domain.TransactionPurchase, txs[0].Type)
}

func TestRefundWithoutBalanceRowFails(t *testing.T) {
	l := New(memstore.New().Credits())
	err := l.Refund(context.Background(), "ghost", 10, "refund", "wf-1")
	require.ErrorIs(t, err, domain.ErrNotFound)
}
