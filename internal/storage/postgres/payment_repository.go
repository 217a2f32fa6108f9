package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tranquocviet1024/phoneshop/internal/domain"
)

const paymentColumns = `id, order_id, customer_id, amount_minor, currency, method, status,
	gateway_order_code, gateway_transaction_id, checkout_url, idempotency_key,
	failure_reason, created_at, updated_at`

type paymentRepository struct {
	db *sql.DB
}

// NewPaymentRepository создаёт PostgreSQL-реализацию PaymentRepository.
func NewPaymentRepository(store *Store) domain.PaymentRepository {
	return &paymentRepository{db: store.DB()}
}

func (r *paymentRepository) Get(ctx context.Context, id string) (domain.Payment, error) {
	return r.getBy(ctx, "id", id)
}

func (r *paymentRepository) GetByOrder(ctx context.Context, orderID string) (domain.Payment, error) {
	return r.getBy(ctx, "order_id", orderID)
}

func (r *paymentRepository) GetByGatewayCode(ctx context.Context, code string) (domain.Payment, error) {
	if code == "" {
		return domain.Payment{}, domain.ErrPaymentNotFound
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	// код ищется и среди заменённых ссылок платежа
	return scanPayment(r.db.QueryRowContext(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE id = (SELECT payment_id FROM payment_gateway_codes WHERE code = $1)
	`, code))
}

func (r *paymentRepository) getBy(ctx context.Context, column, value string) (domain.Payment, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return scanPayment(r.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE `+column+` = $1`, value))
}

func (r *paymentRepository) ListPendingBefore(ctx context.Context, before time.Time, limit int) ([]domain.Payment, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE status = 'pending'
		  AND created_at < $1
		ORDER BY created_at, id
		LIMIT $2
	`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending payments: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Payment, 0, limit)
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate payment rows: %w", err)
	}
	return result, nil
}

func scanPayment(row rowScanner) (domain.Payment, error) {
	var (
		p           domain.Payment
		method      string
		status      string
		gatewayCode sql.NullString
	)
	err := row.Scan(
		&p.ID, &p.OrderID, &p.CustomerID, &p.AmountMinor, &p.Currency, &method, &status,
		&gatewayCode, &p.GatewayTransactionID, &p.CheckoutURL, &p.IdempotencyKey,
		&p.FailureReason, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Payment{}, domain.ErrPaymentNotFound
		}
		return domain.Payment{}, fmt.Errorf("scan payment: %w", err)
	}
	p.Method = domain.PaymentMethod(method)
	p.Status = domain.PaymentStatus(status)
	p.GatewayOrderCode = gatewayCode.String
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

func insertPayment(ctx context.Context, q dbtx, p domain.Payment) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`,
		p.ID, p.OrderID, p.CustomerID, p.AmountMinor, p.Currency, string(p.Method), string(p.Status),
		nullableString(p.GatewayOrderCode), p.GatewayTransactionID, p.CheckoutURL, p.IdempotencyKey,
		p.FailureReason, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrPaymentAlreadyExists
		}
		return fmt.Errorf("insert payment: %w", err)
	}
	return recordGatewayCode(ctx, q, p)
}

func updatePayment(ctx context.Context, q dbtx, p domain.Payment) error {
	res, err := q.ExecContext(ctx, `
		UPDATE payments
		SET amount_minor = $1,
		    method = $2,
		    status = $3,
		    gateway_order_code = $4,
		    gateway_transaction_id = $5,
		    checkout_url = $6,
		    idempotency_key = $7,
		    failure_reason = $8,
		    created_at = $9,
		    updated_at = $10
		WHERE id = $11
	`,
		p.AmountMinor, string(p.Method), string(p.Status), nullableString(p.GatewayOrderCode),
		p.GatewayTransactionID, p.CheckoutURL, p.IdempotencyKey, p.FailureReason, p.CreatedAt, p.UpdatedAt, p.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrPaymentAlreadyExists
		}
		return fmt.Errorf("update payment: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("payment rows affected: %w", err)
	}
	if affected == 0 {
		return domain.ErrPaymentNotFound
	}
	return recordGatewayCode(ctx, q, p)
}

// recordGatewayCode дописывает код шлюза в историю платежа.
// Код другого платежа нарушает первичный ключ.
func recordGatewayCode(ctx context.Context, q dbtx, p domain.Payment) error {
	if p.GatewayOrderCode == "" {
		return nil
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO payment_gateway_codes (code, payment_id, created_at)
		SELECT $1::text, $2::text, $3::timestamptz
		WHERE NOT EXISTS (
			SELECT 1 FROM payment_gateway_codes WHERE code = $1 AND payment_id = $2
		)
	`, p.GatewayOrderCode, p.ID, p.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrPaymentAlreadyExists
		}
		return fmt.Errorf("record gateway code: %w", err)
	}
	return nil
}

var _ domain.PaymentRepository = (*paymentRepository)(nil)
