package library

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedMemory(t *testing.T) *MemoryStore {
	t.Helper()
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.AddMember(ctx, &Member{ID: "alice", Name: "Alice", Email: "alice@example.org"}))
	require.NoError(t, store.AddMember(ctx, &Member{ID: "bob", Name: "Bob", Email: "bob@example.org"}))
	require.NoError(t, store.PutBook(ctx, &Book{ID: "B1", Title: "Dune", CurrentHolder: "alice"}))
	return store
}

func TestMemoryTransactionRollsBack(t *testing.T) {
	store := seedMemory(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := store.RunTransaction(ctx, func(ctx context.Context, tx Ledger) error {
		if err := tx.SwapHolder(ctx, "B1", "alice", "bob"); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	b, err := store.GetBook(ctx, "B1")
	require.NoError(t, err)
	assert.Equal(t, "alice", b.CurrentHolder)
	held, err := store.BooksHeldBy(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, held)
	checkLedger(t, store)
}

func TestMemoryTransactionsSerialize(t *testing.T) {
	store := seedMemory(t)
	ctx := context.Background()

	// Every transaction moves B1 from whoever holds it to the other member,
	// so a lost update shows up as a compare-and-set failure.
	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- store.RunTransaction(ctx, func(ctx context.Context, tx Ledger) error {
				b, err := tx.GetBook(ctx, "B1")
				if err != nil {
					return err
				}
				next := "bob"
				if b.CurrentHolder == "bob" {
					next = "alice"
				}
				return tx.SwapHolder(ctx, "B1", b.CurrentHolder, next)
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	b, err := store.GetBook(ctx, "B1")
	require.NoError(t, err)
	assert.Equal(t, "alice", b.CurrentHolder, "an even number of swaps returns the book")
	checkLedger(t, store)
}

func TestMemoryCanceledTransaction(t *testing.T) {
	store := seedMemory(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := store.RunTransaction(ctx, func(context.Context, Ledger) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}
