package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tranquocviet1024/phoneshop/internal/domain"
)

func TestStore_RowLocksAreEvictedAfterRelease(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
				// строки может и не быть: блокировка берётся до поиска
				_, _ = tx.LockOrder(ctx, fmt.Sprintf("ORD-%d", i%5))
				_, _ = tx.LockProduct(ctx, fmt.Sprintf("p-%d", i))
				return nil
			})
		}(i)
	}
	wg.Wait()

	require.Zero(t, store.lockedRows())
}

func TestStore_CancelledWaiterDropsRowLock(t *testing.T) {
	store := NewStore()

	locked := make(chan struct{})
	unlock := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = store.WithinTx(context.Background(), func(ctx context.Context, tx domain.Tx) error {
			_, _ = tx.LockOrder(ctx, "ORD-1")
			close(locked)
			<-unlock
			return nil
		})
	}()
	<-locked

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		_, err := tx.LockOrder(ctx, "ORD-1")
		return err
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 1, store.lockedRows())

	close(unlock)
	<-done
	require.Zero(t, store.lockedRows())
}
