package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/tranquocviet1024/phoneshop/internal/domain"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// Pricing — параметры расчёта итогов заказа.
type Pricing struct {
	Currency string
	// ShippingFlatMinor: фиксированная стоимость доставки.
	ShippingFlatMinor int64
	// FreeShippingFromMinor: подытог, начиная с которого доставка бесплатна. 0 отключает.
	FreeShippingFromMinor int64
	// TaxRateBPS: ставка налога в базисных пунктах (1000 = 10%).
	TaxRateBPS int64
}

// DefaultPricing возвращает цены по умолчанию.
func DefaultPricing() Pricing {
	return Pricing{
		Currency:              "VND",
		ShippingFlatMinor:     30000,
		FreeShippingFromMinor: 5000000,
		TaxRateBPS:            1000,
	}
}

// Totals считает доставку, налог и итог для подытога.
func (p Pricing) Totals(subtotal int64) (shipping, tax, final int64) {
	shipping = p.ShippingFlatMinor
	if p.FreeShippingFromMinor > 0 && subtotal >= p.FreeShippingFromMinor {
		shipping = 0
	}
	// округление половины вверх
	tax = (subtotal*p.TaxRateBPS + 5000) / 10000
	return shipping, tax, subtotal + shipping + tax
}

// LineInput — позиция во входном запросе.
type LineInput struct {
	ProductID string
	Quantity  int64
}

// CreateOrderInput — запрос на создание заказа.
type CreateOrderInput struct {
	// CustomerID учитывается только для привилегированного актора.
	CustomerID string
	Items      []LineInput
}

// Option настраивает Service.
type Option func(*Service)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithPricing задаёт параметры цен.
func WithPricing(p Pricing) Option {
	return func(s *Service) {
		s.pricing = p
	}
}

// WithAuditSink задаёт приёмник аудита.
func WithAuditSink(sink domain.AuditSink) Option {
	return func(s *Service) {
		s.audit = sink
	}
}

// Service создаёт заказы и отдаёт их владельцам. Статусы не меняет.
type Service struct {
	orders   domain.OrderRepository
	products domain.ProductRepository
	pricing  Pricing
	audit    domain.AuditSink
	logger   *log.Entry
	now      func() time.Time
}

// NewService конструирует сервис заказов.
func NewService(orders domain.OrderRepository, products domain.ProductRepository, options ...Option) *Service {
	s := &Service{
		orders:   orders,
		products: products,
		pricing:  DefaultPricing(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, option := range options {
		option(s)
	}
	if s.logger == nil {
		s.logger = log.WithField("component", "orders")
	}
	return s
}

// Create проверяет товары, фиксирует цены и сохраняет заказ в pending/pending.
// Остатки не проверяются и не резервируются.
func (s *Service) Create(ctx context.Context, actor domain.Actor, in CreateOrderInput) (domain.Order, error) {
	customerID := strings.TrimSpace(actor.ID)
	if actor.Privileged() && strings.TrimSpace(in.CustomerID) != "" {
		customerID = strings.TrimSpace(in.CustomerID)
	}
	if customerID == "" {
		return domain.Order{}, domain.ErrCustomerRequired
	}
	if len(in.Items) == 0 {
		return domain.Order{}, domain.ErrItemsRequired
	}

	items := make([]domain.OrderItem, 0, len(in.Items))
	var subtotal int64
	for idx, line := range in.Items {
		productID := strings.TrimSpace(line.ProductID)
		if productID == "" {
			return domain.Order{}, fmt.Errorf("items[%d]: %w", idx, domain.ErrProductIDRequired)
		}
		if line.Quantity <= 0 {
			return domain.Order{}, fmt.Errorf("items[%d]: %w", idx, domain.ErrItemQtyInvalid)
		}
		product, err := s.products.Get(ctx, productID)
		if err != nil {
			if errors.Is(err, domain.ErrProductNotFound) {
				return domain.Order{}, fmt.Errorf("items[%d] %s: %w", idx, productID, err)
			}
			return domain.Order{}, err
		}
		item := domain.OrderItem{
			ProductID:      product.ID,
			Quantity:       line.Quantity,
			UnitPriceMinor: product.PriceMinor,
		}
		items = append(items, item)
		subtotal += item.LineTotalMinor()
	}

	shipping, tax, final := s.pricing.Totals(subtotal)
	now := s.now()
	order := domain.Order{
		ID:              domain.NewOrderID(),
		CustomerID:      customerID,
		Items:           items,
		Status:          domain.OrderStatusPending,
		PaymentStatus:   domain.OrderPaymentPending,
		Currency:        s.pricing.Currency,
		SubtotalMinor:   subtotal,
		ShippingMinor:   shipping,
		TaxMinor:        tax,
		FinalTotalMinor: final,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if errs := order.ValidateInvariants(); len(errs) > 0 {
		return domain.Order{}, errors.Join(errs...)
	}

	if err := s.orders.Create(ctx, order); err != nil {
		s.logger.WithError(err).WithField("customer_id", customerID).Error("failed to create order")
		return domain.Order{}, err
	}

	if s.audit != nil {
		s.audit.Record(ctx, domain.AuditEntry{
			ID:         uuid.NewString(),
			Actor:      actor.String(),
			Action:     domain.AuditActionOrderCreated,
			EntityType: domain.AuditEntityOrder,
			EntityID:   order.ID,
			After:      domain.Snapshot(order),
			Timestamp:  now,
		})
	}
	s.logger.WithFields(log.Fields{
		"order_id":    order.ID,
		"customer_id": customerID,
		"total_minor": final,
	}).Info("order created")
	return order, nil
}

// Get возвращает заказ владельцу или привилегированному актору.
func (s *Service) Get(ctx context.Context, actor domain.Actor, orderID string) (domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, domain.ErrOrderIDRequired
	}
	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if !actor.CanAccess(order) {
		return domain.Order{}, domain.ErrForbidden
	}
	return order, nil
}

// List возвращает заказы клиента. Клиент видит только свои заказы.
func (s *Service) List(ctx context.Context, actor domain.Actor, customerID string, limit int) ([]domain.Order, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		customerID = strings.TrimSpace(actor.ID)
	}
	if customerID == "" {
		return nil, domain.ErrCustomerRequired
	}
	if !actor.Privileged() && customerID != strings.TrimSpace(actor.ID) {
		return nil, domain.ErrForbidden
	}

	switch {
	case limit <= 0:
		limit = defaultListLimit
	case limit > maxListLimit:
		limit = maxListLimit
	}
	return s.orders.ListByCustomer(ctx, customerID, limit)
}
