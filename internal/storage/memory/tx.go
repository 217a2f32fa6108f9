package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tranquocviet1024/phoneshop/internal/domain"
)

type memTx struct {
	store *Store
	held  map[string]*rowLock

	orders   map[string]domain.Order
	stock    map[string]int64
	payments map[string]domain.Payment
	inserted map[string]bool
	outbox   []domain.OutboxMessage
}

func newTx(store *Store) *memTx {
	return &memTx{
		store:    store,
		held:     make(map[string]*rowLock),
		orders:   make(map[string]domain.Order),
		stock:    make(map[string]int64),
		payments: make(map[string]domain.Payment),
		inserted: make(map[string]bool),
	}
}

func orderLockKey(id string) string   { return "order:" + id }
func productLockKey(id string) string { return "product:" + id }

func (t *memTx) acquire(ctx context.Context, key string) error {
	if _, ok := t.held[key]; ok {
		return nil
	}
	l := t.store.refRow(key)
	select {
	case l.ch <- struct{}{}:
		t.held[key] = l
		return nil
	case <-ctx.Done():
		t.store.unrefRow(key, l)
		return ctx.Err()
	}
}

func (t *memTx) release() {
	for key, l := range t.held {
		<-l.ch
		t.store.unrefRow(key, l)
		delete(t.held, key)
	}
}

func (t *memTx) LockOrder(ctx context.Context, orderID string) (domain.Order, error) {
	if err := t.acquire(ctx, orderLockKey(orderID)); err != nil {
		return domain.Order{}, err
	}
	if staged, ok := t.orders[orderID]; ok {
		return staged.Clone(), nil
	}

	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	order, ok := t.store.orders[orderID]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return order.Clone(), nil
}

func (t *memTx) SaveOrder(_ context.Context, order domain.Order) error {
	if _, ok := t.held[orderLockKey(order.ID)]; !ok {
		return fmt.Errorf("order %s is not locked in this transaction", order.ID)
	}

	current, ok := t.orders[order.ID]
	if !ok {
		t.store.mu.RLock()
		current, ok = t.store.orders[order.ID]
		t.store.mu.RUnlock()
	}
	if !ok {
		return domain.ErrOrderNotFound
	}
	if current.Version != order.Version {
		return domain.ErrOrderVersionConflict
	}

	// позиции заморожены при создании
	next := order.Clone()
	next.Items = current.Items
	next.Version++
	if next.UpdatedAt.IsZero() {
		next.UpdatedAt = time.Now().UTC()
	}
	t.orders[order.ID] = next
	return nil
}

func (t *memTx) LockProduct(ctx context.Context, productID string) (domain.Product, error) {
	if err := t.acquire(ctx, productLockKey(productID)); err != nil {
		return domain.Product{}, err
	}

	t.store.mu.RLock()
	product, ok := t.store.products[productID]
	t.store.mu.RUnlock()
	if !ok {
		return domain.Product{}, domain.ErrProductNotFound
	}
	if staged, ok := t.stock[productID]; ok {
		product.Stock = staged
	}
	return product, nil
}

func (t *memTx) AdjustStock(ctx context.Context, productID string, delta int64) error {
	if _, ok := t.held[productLockKey(productID)]; !ok {
		return fmt.Errorf("product %s is not locked in this transaction", productID)
	}
	product, err := t.LockProduct(ctx, productID)
	if err != nil {
		return err
	}
	next := product.Stock + delta
	if next < 0 {
		return domain.ErrStockNegative
	}
	t.stock[productID] = next
	return nil
}

func (t *memTx) PaymentByOrder(_ context.Context, orderID string) (domain.Payment, error) {
	return t.findPayment(func(p domain.Payment) bool { return p.OrderID == orderID },
		func(s *Store) (string, bool) { id, ok := s.paymentByOrder[orderID]; return id, ok })
}

func (t *memTx) PaymentByIdempotencyKey(_ context.Context, key string) (domain.Payment, error) {
	return t.findPayment(func(p domain.Payment) bool { return p.IdempotencyKey == key },
		func(s *Store) (string, bool) { id, ok := s.paymentByKey[key]; return id, ok })
}

func (t *memTx) findPayment(match func(domain.Payment) bool, index func(*Store) (string, bool)) (domain.Payment, error) {
	for _, p := range t.payments {
		if match(p) {
			return p, nil
		}
	}

	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	id, ok := index(t.store)
	if !ok {
		return domain.Payment{}, domain.ErrPaymentNotFound
	}
	// запись могла быть изменена в этой транзакции так, что больше не подходит
	if _, staged := t.payments[id]; staged {
		return domain.Payment{}, domain.ErrPaymentNotFound
	}
	return t.store.payments[id], nil
}

func (t *memTx) InsertPayment(_ context.Context, payment domain.Payment) error {
	if payment.ID == "" {
		payment.ID = uuid.NewString()
	}
	if _, ok := t.payments[payment.ID]; ok {
		return domain.ErrPaymentAlreadyExists
	}

	t.store.mu.RLock()
	_, exists := t.store.payments[payment.ID]
	t.store.mu.RUnlock()
	if exists {
		return domain.ErrPaymentAlreadyExists
	}
	if err := t.checkUnique(payment); err != nil {
		return err
	}
	t.payments[payment.ID] = payment
	t.inserted[payment.ID] = true
	return nil
}

func (t *memTx) SavePayment(_ context.Context, payment domain.Payment) error {
	if _, ok := t.payments[payment.ID]; !ok {
		t.store.mu.RLock()
		_, exists := t.store.payments[payment.ID]
		t.store.mu.RUnlock()
		if !exists {
			return domain.ErrPaymentNotFound
		}
	}
	if err := t.checkUnique(payment); err != nil {
		return err
	}
	t.payments[payment.ID] = payment
	return nil
}

// checkUnique повторяет UNIQUE-ограничения схемы: order_id, idempotency_key, gateway_order_code.
func (t *memTx) checkUnique(payment domain.Payment) error {
	for id, p := range t.payments {
		if id == payment.ID {
			continue
		}
		if conflicts(p, payment) {
			return domain.ErrPaymentAlreadyExists
		}
	}

	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	return t.store.checkPaymentUnique(payment, t.payments)
}

func conflicts(a, b domain.Payment) bool {
	return a.OrderID == b.OrderID ||
		a.IdempotencyKey == b.IdempotencyKey ||
		(a.GatewayOrderCode != "" && a.GatewayOrderCode == b.GatewayOrderCode)
}

func (t *memTx) EnqueueOutbox(_ context.Context, msg domain.OutboxMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	msg.Payload = append([]byte(nil), msg.Payload...)
	t.outbox = append(t.outbox, msg)
	return nil
}

func (t *memTx) commit() error {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range t.payments {
		if err := s.checkPaymentUnique(p, t.payments); err != nil {
			return err
		}
	}

	for id, order := range t.orders {
		if committed, ok := s.orders[id]; ok && committed.Version+1 != order.Version {
			return domain.ErrOrderVersionConflict
		}
	}

	for id, stock := range t.stock {
		product := s.products[id]
		product.Stock = stock
		product.UpdatedAt = time.Now().UTC()
		s.products[id] = product
	}
	for id, order := range t.orders {
		s.orders[id] = order
	}
	for id, p := range t.payments {
		// старые коды шлюза остаются в индексе: по ним приходят запоздавшие webhook
		if old, ok := s.payments[id]; ok {
			delete(s.paymentByKey, old.IdempotencyKey)
		}
		s.payments[id] = p
		s.paymentByOrder[p.OrderID] = id
		s.paymentByKey[p.IdempotencyKey] = id
		if p.GatewayOrderCode != "" {
			s.paymentByCode[p.GatewayOrderCode] = id
		}
	}
	for _, msg := range t.outbox {
		s.outboxIndex[msg.ID] = len(s.outbox)
		s.outbox = append(s.outbox, outboxRecord{msg: msg, status: "pending"})
	}
	return nil
}

// checkPaymentUnique проверяет платёж против закоммиченных записей,
// игнорируя те, что переписываются в staged.
func (s *Store) checkPaymentUnique(payment domain.Payment, staged map[string]domain.Payment) error {
	check := func(index map[string]string, value string) error {
		if value == "" {
			return nil
		}
		id, ok := index[value]
		if !ok || id == payment.ID {
			return nil
		}
		if replacement, ok := staged[id]; ok && !conflicts(replacement, payment) {
			return nil
		}
		return domain.ErrPaymentAlreadyExists
	}

	if err := check(s.paymentByOrder, payment.OrderID); err != nil {
		return err
	}
	if err := check(s.paymentByKey, payment.IdempotencyKey); err != nil {
		return err
	}
	return check(s.paymentByCode, payment.GatewayOrderCode)
}

var _ domain.Tx = (*memTx)(nil)
