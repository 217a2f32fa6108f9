package memory_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tranquocviet1024/phoneshop/internal/domain"
	"github.com/tranquocviet1024/phoneshop/internal/storage/memory"
)

func seedProduct(t *testing.T, store *memory.Store, id string, stock int64) {
	t.Helper()
	require.NoError(t, memory.NewProductRepository(store).Create(context.Background(), domain.Product{
		ID: id, Name: id, PriceMinor: 1000, Stock: stock,
	}))
}

func seedOrder(t *testing.T, store *memory.Store, id, productID string) domain.Order {
	t.Helper()
	now := time.Now().UTC()
	order := domain.Order{
		ID:              id,
		CustomerID:      "c-1",
		Items:           []domain.OrderItem{{ProductID: productID, Quantity: 1, UnitPriceMinor: 1000}},
		Status:          domain.OrderStatusPending,
		PaymentStatus:   domain.OrderPaymentPending,
		Currency:        "VND",
		SubtotalMinor:   1000,
		FinalTotalMinor: 1000,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	require.NoError(t, memory.NewOrderRepository(store).Create(context.Background(), order))
	return order
}

func TestStore_WithinTxRollsBackOnError(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()
	seedProduct(t, store, "p-1", 5)

	boom := errors.New("boom")
	err := store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		if _, err := tx.LockProduct(ctx, "p-1"); err != nil {
			return err
		}
		if err := tx.AdjustStock(ctx, "p-1", -3); err != nil {
			return err
		}
		if err := tx.EnqueueOutbox(ctx, domain.OutboxMessage{EventType: "x"}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	product, err := memory.NewProductRepository(store).Get(ctx, "p-1")
	require.NoError(t, err)
	require.Equal(t, int64(5), product.Stock)

	pending, err := memory.NewOutboxRepository(store).PullPending(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestStore_AdjustStockNeverGoesNegative(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()
	seedProduct(t, store, "p-guard", 1)

	err := store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		if _, err := tx.LockProduct(ctx, "p-guard"); err != nil {
			return err
		}
		return tx.AdjustStock(ctx, "p-guard", -2)
	})
	require.ErrorIs(t, err, domain.ErrStockNegative)
}

func TestStore_AdjustStockRequiresLock(t *testing.T) {
	store := memory.NewStore()
	seedProduct(t, store, "p-1", 1)

	err := store.WithinTx(context.Background(), func(ctx context.Context, tx domain.Tx) error {
		return tx.AdjustStock(ctx, "p-1", -1)
	})
	require.Error(t, err)
}

func TestStore_LockProductSerializesWriters(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()
	seedProduct(t, store, "p-hot", 50)

	const workers = 25
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
				if _, err := tx.LockProduct(ctx, "p-hot"); err != nil {
					return err
				}
				return tx.AdjustStock(ctx, "p-hot", -2)
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	product, err := memory.NewProductRepository(store).Get(ctx, "p-hot")
	require.NoError(t, err)
	require.Equal(t, int64(0), product.Stock)
}

func TestStore_LockHonoursContext(t *testing.T) {
	store := memory.NewStore()
	seedProduct(t, store, "p-1", 1)

	locked := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = store.WithinTx(context.Background(), func(ctx context.Context, tx domain.Tx) error {
			if _, err := tx.LockProduct(ctx, "p-1"); err != nil {
				return err
			}
			close(locked)
			<-done
			return nil
		})
	}()
	<-locked
	defer close(done)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		_, err := tx.LockProduct(ctx, "p-1")
		return err
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStore_SaveOrderBumpsVersion(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()
	seedProduct(t, store, "p-1", 1)
	seedOrder(t, store, "ORD-1", "p-1")

	err := store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		order, err := tx.LockOrder(ctx, "ORD-1")
		if err != nil {
			return err
		}
		order.StockReserved = true
		if err := tx.SaveOrder(ctx, order); err != nil {
			return err
		}
		// вторая запись со старой версией
		return tx.SaveOrder(ctx, order)
	})
	require.ErrorIs(t, err, domain.ErrOrderVersionConflict)

	err = store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		order, err := tx.LockOrder(ctx, "ORD-1")
		if err != nil {
			return err
		}
		order.StockReserved = true
		return tx.SaveOrder(ctx, order)
	})
	require.NoError(t, err)

	order, err := memory.NewOrderRepository(store).Get(ctx, "ORD-1")
	require.NoError(t, err)
	require.True(t, order.StockReserved)
	require.Equal(t, int64(1), order.Version)
}

func TestStore_PaymentUniqueness(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()
	seedProduct(t, store, "p-1", 1)
	seedOrder(t, store, "ORD-1", "p-1")
	seedOrder(t, store, "ORD-2", "p-1")

	payment := domain.Payment{
		ID: "pay-1", OrderID: "ORD-1", AmountMinor: 1000, Currency: "VND",
		Method: domain.PaymentMethodGateway, Status: domain.PaymentStatusPending,
		IdempotencyKey: "k-1", GatewayOrderCode: "1001",
	}
	require.NoError(t, store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		return tx.InsertPayment(ctx, payment)
	}))

	cases := map[string]domain.Payment{
		"same order":        {ID: "pay-2", OrderID: "ORD-1", IdempotencyKey: "k-2"},
		"same key":          {ID: "pay-3", OrderID: "ORD-2", IdempotencyKey: "k-1"},
		"same gateway code": {ID: "pay-4", OrderID: "ORD-2", IdempotencyKey: "k-4", GatewayOrderCode: "1001"},
	}
	for name, candidate := range cases {
		t.Run(name, func(t *testing.T) {
			err := store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
				return tx.InsertPayment(ctx, candidate)
			})
			require.ErrorIs(t, err, domain.ErrPaymentAlreadyExists)
		})
	}

	payments := memory.NewPaymentRepository(store)
	byCode, err := payments.GetByGatewayCode(ctx, "1001")
	require.NoError(t, err)
	require.Equal(t, "pay-1", byCode.ID)

	// смена ключа освобождает старый индекс
	require.NoError(t, store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		p, err := tx.PaymentByOrder(ctx, "ORD-1")
		if err != nil {
			return err
		}
		p.IdempotencyKey = "k-1b"
		return tx.SavePayment(ctx, p)
	}))
	require.NoError(t, store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		_, err := tx.PaymentByIdempotencyKey(ctx, "k-1")
		if !errors.Is(err, domain.ErrPaymentNotFound) {
			return errors.New("old key still indexed")
		}
		return tx.InsertPayment(ctx, domain.Payment{ID: "pay-5", OrderID: "ORD-2", IdempotencyKey: "k-1"})
	}))
}

func TestStore_ReplacedGatewayCodeStillResolves(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()
	seedProduct(t, store, "p-1", 1)
	seedOrder(t, store, "ORD-1", "p-1")
	seedOrder(t, store, "ORD-2", "p-1")

	payment := domain.Payment{
		ID: "pay-1", OrderID: "ORD-1", AmountMinor: 1000, Currency: "VND",
		Method: domain.PaymentMethodGateway, Status: domain.PaymentStatusPending,
		IdempotencyKey: "k-1", GatewayOrderCode: "2001",
	}
	require.NoError(t, store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		return tx.InsertPayment(ctx, payment)
	}))

	payment.GatewayOrderCode = ""
	payment.Status = domain.PaymentStatusCompleted
	require.NoError(t, store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		return tx.SavePayment(ctx, payment)
	}))

	got, err := memory.NewPaymentRepository(store).GetByGatewayCode(ctx, "2001")
	require.NoError(t, err)
	require.Equal(t, "pay-1", got.ID)
	require.Empty(t, got.GatewayOrderCode)

	err = store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		return tx.InsertPayment(ctx, domain.Payment{ID: "pay-2", OrderID: "ORD-2", IdempotencyKey: "k-2", GatewayOrderCode: "2001"})
	})
	require.ErrorIs(t, err, domain.ErrPaymentAlreadyExists)
}

func TestOutboxRepository_Lifecycle(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()

	require.NoError(t, store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		for _, id := range []string{"e-1", "e-2"} {
			if err := tx.EnqueueOutbox(ctx, domain.OutboxMessage{ID: id, EventType: "order.settled", Payload: []byte(`{}`)}); err != nil {
				return err
			}
		}
		return nil
	}))

	repo := memory.NewOutboxRepository(store)
	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, stats.PendingCount)
	require.False(t, stats.OldestPendingAt.IsZero())

	require.NoError(t, repo.MarkSent(ctx, "e-1"))
	require.NoError(t, repo.MarkFailed(ctx, "e-2"))
	require.Error(t, repo.MarkSent(ctx, "missing"))

	pending, err := repo.PullPending(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestPaymentRepository_ListPendingBefore(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()
	old := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		if err := tx.InsertPayment(ctx, domain.Payment{ID: "old", OrderID: "o-1", IdempotencyKey: "k-1", Status: domain.PaymentStatusPending, CreatedAt: old}); err != nil {
			return err
		}
		if err := tx.InsertPayment(ctx, domain.Payment{ID: "done", OrderID: "o-2", IdempotencyKey: "k-2", Status: domain.PaymentStatusCompleted, CreatedAt: old}); err != nil {
			return err
		}
		return tx.InsertPayment(ctx, domain.Payment{ID: "fresh", OrderID: "o-3", IdempotencyKey: "k-3", Status: domain.PaymentStatusPending, CreatedAt: time.Now().UTC()})
	}))

	pending, err := memory.NewPaymentRepository(store).ListPendingBefore(ctx, time.Now().UTC().Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "old", pending[0].ID)
}

func TestAuditRepository_AppendIsIdempotent(t *testing.T) {
	repo := memory.NewAuditRepository()
	ctx := context.Background()

	entry := domain.AuditEntry{ID: "a-1", Actor: "admin", Action: domain.AuditActionOrderShipped, EntityType: domain.AuditEntityOrder, EntityID: "ORD-1"}
	require.NoError(t, repo.Append(ctx, entry))
	require.NoError(t, repo.Append(ctx, entry))
	require.NoError(t, repo.Append(ctx, domain.AuditEntry{Action: domain.AuditActionOrderDelivered, EntityType: domain.AuditEntityOrder, EntityID: "ORD-1"}))

	entries, err := repo.ListByEntity(ctx, domain.AuditEntityOrder, "ORD-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.NotEmpty(t, entries[1].ID)
}
