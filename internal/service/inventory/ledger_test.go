package inventory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/tranquocviet1024/phoneshop/internal/domain"
	"github.com/tranquocviet1024/phoneshop/internal/metrics"
	"github.com/tranquocviet1024/phoneshop/internal/storage/memory"
)

// recordingTx запоминает порядок блокировок товаров.
type recordingTx struct {
	domain.Tx
	locked []string
}

func (t *recordingTx) LockProduct(ctx context.Context, id string) (domain.Product, error) {
	t.locked = append(t.locked, id)
	return t.Tx.LockProduct(ctx, id)
}

func newTestLedger() *Ledger {
	return NewLedger(WithMetrics(metrics.NewSettlementMetricsWithRegisterer(prometheus.NewRegistry())))
}

func newStoreWithStock(t *testing.T, stock map[string]int64) *memory.Store {
	t.Helper()
	store := memory.NewStore()
	products := memory.NewProductRepository(store)
	for id, qty := range stock {
		require.NoError(t, products.Create(context.Background(), domain.Product{ID: id, Name: id, PriceMinor: 100, Stock: qty}))
	}
	return store
}

func stockOf(t *testing.T, store *memory.Store, id string) int64 {
	t.Helper()
	product, err := memory.NewProductRepository(store).Get(context.Background(), id)
	require.NoError(t, err)
	return product.Stock
}

func TestLedger_ReserveAndDecrementMergesAndSortsLines(t *testing.T) {
	store := newStoreWithStock(t, map[string]int64{"p-a": 5, "p-b": 5, "p-c": 5})
	ledger := newTestLedger()

	var locked []string
	err := store.WithinTx(context.Background(), func(ctx context.Context, tx domain.Tx) error {
		rec := &recordingTx{Tx: tx}
		err := ledger.ReserveAndDecrement(ctx, rec, []domain.StockLine{
			{ProductID: "p-c", Quantity: 1},
			{ProductID: "p-a", Quantity: 2},
			{ProductID: "p-c", Quantity: 2},
			{ProductID: "p-b", Quantity: 1},
		})
		locked = rec.locked
		return err
	})
	require.NoError(t, err)

	require.Equal(t, []string{"p-a", "p-b", "p-c"}, locked)
	require.Equal(t, int64(3), stockOf(t, store, "p-a"))
	require.Equal(t, int64(4), stockOf(t, store, "p-b"))
	require.Equal(t, int64(2), stockOf(t, store, "p-c"))
}

func TestLedger_InsufficientStockLeavesEveryLineUntouched(t *testing.T) {
	store := newStoreWithStock(t, map[string]int64{"p-a": 5, "p-b": 1})
	ledger := newTestLedger()

	err := store.WithinTx(context.Background(), func(ctx context.Context, tx domain.Tx) error {
		return ledger.ReserveAndDecrement(ctx, tx, []domain.StockLine{
			{ProductID: "p-a", Quantity: 2},
			{ProductID: "p-b", Quantity: 3},
		})
	})

	var stockErr *domain.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	require.ErrorIs(t, err, domain.ErrInsufficientStock)
	require.Equal(t, "p-b", stockErr.ProductID)
	require.Equal(t, int64(1), stockErr.Available)
	require.Equal(t, int64(3), stockErr.Requested)

	require.Equal(t, int64(5), stockOf(t, store, "p-a"))
	require.Equal(t, int64(1), stockOf(t, store, "p-b"))
}

func TestLedger_RejectsInvalidLines(t *testing.T) {
	store := newStoreWithStock(t, map[string]int64{"p-a": 5})
	ledger := newTestLedger()

	cases := map[string]struct {
		lines []domain.StockLine
		want  error
	}{
		"empty":         {lines: nil, want: domain.ErrItemsRequired},
		"zero quantity": {lines: []domain.StockLine{{ProductID: "p-a"}}, want: domain.ErrItemQtyInvalid},
		"blank product": {lines: []domain.StockLine{{ProductID: " ", Quantity: 1}}, want: domain.ErrProductIDRequired},
		"unknown":       {lines: []domain.StockLine{{ProductID: "p-x", Quantity: 1}}, want: domain.ErrProductNotFound},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			err := store.WithinTx(context.Background(), func(ctx context.Context, tx domain.Tx) error {
				return ledger.ReserveAndDecrement(ctx, tx, tc.lines)
			})
			require.ErrorIs(t, err, tc.want)
		})
	}
	require.Equal(t, int64(5), stockOf(t, store, "p-a"))
}

func TestLedger_NoOversellUnderConcurrency(t *testing.T) {
	const (
		stock   = 5
		buyers  = 40
		perUnit = 1
	)
	store := newStoreWithStock(t, map[string]int64{"p-hot": stock})
	ledger := newTestLedger()

	var (
		wg           sync.WaitGroup
		mu           sync.Mutex
		succeeded    int
		insufficient int
		unexpected   []error
	)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.WithinTx(context.Background(), func(ctx context.Context, tx domain.Tx) error {
				return ledger.ReserveAndDecrement(ctx, tx, []domain.StockLine{{ProductID: "p-hot", Quantity: perUnit}})
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, domain.ErrInsufficientStock):
				insufficient++
			default:
				unexpected = append(unexpected, err)
			}
		}()
	}
	wg.Wait()

	require.Empty(t, unexpected)
	require.Equal(t, stock, succeeded)
	require.Equal(t, buyers-stock, insufficient)
	require.Equal(t, int64(0), stockOf(t, store, "p-hot"))
}

func TestLedger_OverlappingProductSetsDoNotDeadlock(t *testing.T) {
	store := newStoreWithStock(t, map[string]int64{"p-a": 1000, "p-b": 1000})
	ledger := newTestLedger()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, 100)
	for i := 0; i < 100; i++ {
		lines := []domain.StockLine{{ProductID: "p-a", Quantity: 1}, {ProductID: "p-b", Quantity: 1}}
		if i%2 == 1 {
			lines[0], lines[1] = lines[1], lines[0]
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
				return ledger.ReserveAndDecrement(ctx, tx, lines)
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.Equal(t, int64(900), stockOf(t, store, "p-a"))
	require.Equal(t, int64(900), stockOf(t, store, "p-b"))
}

func TestLedger_RestoreOnlyWithMarker(t *testing.T) {
	store := newStoreWithStock(t, map[string]int64{"p-a": 3})
	ledger := newTestLedger()
	order := &domain.Order{
		ID:    "ORD-1",
		Items: []domain.OrderItem{{ProductID: "p-a", Quantity: 2, UnitPriceMinor: 100}},
	}

	// без маркера ничего не возвращается
	err := store.WithinTx(context.Background(), func(ctx context.Context, tx domain.Tx) error {
		restored, err := ledger.Restore(ctx, tx, order)
		require.False(t, restored)
		return err
	})
	require.NoError(t, err)
	require.Equal(t, int64(3), stockOf(t, store, "p-a"))

	err = store.WithinTx(context.Background(), func(ctx context.Context, tx domain.Tx) error {
		return ledger.ReserveOrder(ctx, tx, order)
	})
	require.NoError(t, err)
	require.True(t, order.StockReserved)
	require.Equal(t, int64(1), stockOf(t, store, "p-a"))

	// повторный резерв не списывает второй раз
	err = store.WithinTx(context.Background(), func(ctx context.Context, tx domain.Tx) error {
		return ledger.ReserveOrder(ctx, tx, order)
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), stockOf(t, store, "p-a"))

	for i := 0; i < 2; i++ {
		err = store.WithinTx(context.Background(), func(ctx context.Context, tx domain.Tx) error {
			_, err := ledger.Restore(ctx, tx, order)
			return err
		})
		require.NoError(t, err)
	}
	require.False(t, order.StockReserved)
	require.Equal(t, int64(3), stockOf(t, store, "p-a"))
}
