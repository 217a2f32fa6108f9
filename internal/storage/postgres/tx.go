package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tranquocviet1024/phoneshop/internal/domain"
)

// pgTx реализует domain.Tx поверх *sql.Tx.
type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) LockOrder(ctx context.Context, orderID string) (domain.Order, error) {
	return selectOrder(ctx, t.tx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, orderID)
}

func (t *pgTx) SaveOrder(ctx context.Context, order domain.Order) error {
	return updateOrder(ctx, t.tx, order)
}

func (t *pgTx) LockProduct(ctx context.Context, productID string) (domain.Product, error) {
	return scanProduct(t.tx.QueryRowContext(ctx, `
		SELECT id, name, price_minor, stock, updated_at FROM products WHERE id = $1 FOR UPDATE
	`, productID))
}

// AdjustStock меняет остаток на delta. Условие stock + delta >= 0 дублирует CHECK в схеме.
func (t *pgTx) AdjustStock(ctx context.Context, productID string, delta int64) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE products
		SET stock = stock + $2,
		    updated_at = $3
		WHERE id = $1
		  AND stock + $2 >= 0
	`, productID, delta, time.Now().UTC())
	if err != nil {
		if isCheckViolation(err) {
			return domain.ErrStockNegative
		}
		return fmt.Errorf("adjust stock for %s: %w", productID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("stock rows affected: %w", err)
	}
	if affected == 0 {
		return domain.ErrStockNegative
	}
	return nil
}

func (t *pgTx) PaymentByOrder(ctx context.Context, orderID string) (domain.Payment, error) {
	return scanPayment(t.tx.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE order_id = $1`, orderID))
}

func (t *pgTx) PaymentByIdempotencyKey(ctx context.Context, key string) (domain.Payment, error) {
	return scanPayment(t.tx.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE idempotency_key = $1`, key))
}

func (t *pgTx) InsertPayment(ctx context.Context, payment domain.Payment) error {
	return insertPayment(ctx, t.tx, payment)
}

func (t *pgTx) SavePayment(ctx context.Context, payment domain.Payment) error {
	return updatePayment(ctx, t.tx, payment)
}

func (t *pgTx) EnqueueOutbox(ctx context.Context, msg domain.OutboxMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	return insertOutbox(ctx, t.tx, msg)
}

var _ domain.Tx = (*pgTx)(nil)
