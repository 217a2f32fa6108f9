package gateway

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/tranquocviet1024/phoneshop/internal/domain"
)

type mockSession struct {
	req     domain.CheckoutRequest
	outcome domain.GatewayOutcome
	txID    string
}

// MockGateway — in-memory шлюз для разработки и тестов.
// Исходы задаются через SetOutcome, сбои через FailNext.
type MockGateway struct {
	mu       sync.Mutex
	baseURL  string
	nextCode int64
	sessions map[string]*mockSession

	failNext int
	failErr  error

	CreateCalls int
	CancelCalls int
	StatusCalls int
}

// NewMockGateway создаёт mock со ссылками вида baseURL/checkout/{code}.
func NewMockGateway(baseURL string) *MockGateway {
	if baseURL == "" {
		baseURL = "https://pay.mock.local"
	}
	return &MockGateway{
		baseURL:  baseURL,
		nextCode: 100000,
		sessions: make(map[string]*mockSession),
	}
}

// FailNext заставляет следующие n вызовов вернуть err.
// nil err означает недоступность шлюза.
func (m *MockGateway) FailNext(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		err = fmt.Errorf("%w: injected failure", domain.ErrGatewayUnavailable)
	}
	m.failNext = n
	m.failErr = err
}

// SetOutcome задаёт исход платежа, который вернёт GetStatus.
func (m *MockGateway) SetOutcome(code string, outcome domain.GatewayOutcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[code]; ok {
		s.outcome = outcome
		if outcome == domain.OutcomeCompleted && s.txID == "" {
			s.txID = "TX" + code
		}
	}
}

// Session возвращает запрос, с которым была создана ссылка.
func (m *MockGateway) Session(code string) (domain.CheckoutRequest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[code]
	if !ok {
		return domain.CheckoutRequest{}, false
	}
	return s.req, true
}

func (m *MockGateway) injected() error {
	if m.failNext <= 0 {
		return nil
	}
	m.failNext--
	return m.failErr
}

func (m *MockGateway) CreateCheckout(ctx context.Context, req domain.CheckoutRequest) (domain.CheckoutSession, error) {
	if err := ctx.Err(); err != nil {
		return domain.CheckoutSession{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.CreateCalls++
	if err := m.injected(); err != nil {
		return domain.CheckoutSession{}, err
	}

	m.nextCode++
	code := strconv.FormatInt(m.nextCode, 10)
	m.sessions[code] = &mockSession{req: req, outcome: domain.OutcomePending}
	return domain.CheckoutSession{
		CheckoutURL:      m.baseURL + "/checkout/" + code,
		GatewayOrderCode: code,
	}, nil
}

func (m *MockGateway) Cancel(ctx context.Context, gatewayOrderCode, _ string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.CancelCalls++
	if err := m.injected(); err != nil {
		return err
	}

	s, ok := m.sessions[gatewayOrderCode]
	if !ok {
		return fmt.Errorf("%w: unknown order code %s", ErrGatewayRejected, gatewayOrderCode)
	}
	if s.outcome == domain.OutcomeCompleted {
		return fmt.Errorf("%w: order code %s already paid", ErrGatewayRejected, gatewayOrderCode)
	}
	s.outcome = domain.OutcomeCancelled
	return nil
}

func (m *MockGateway) GetStatus(ctx context.Context, gatewayOrderCode string) (domain.GatewayStatus, error) {
	if err := ctx.Err(); err != nil {
		return domain.GatewayStatus{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.StatusCalls++
	if err := m.injected(); err != nil {
		return domain.GatewayStatus{}, err
	}

	s, ok := m.sessions[gatewayOrderCode]
	if !ok {
		return domain.GatewayStatus{}, fmt.Errorf("%w: unknown order code %s", ErrGatewayRejected, gatewayOrderCode)
	}
	return domain.GatewayStatus{
		Outcome:       s.outcome,
		AmountMinor:   s.req.AmountMinor,
		TransactionID: s.txID,
	}, nil
}

var _ domain.PaymentGateway = (*MockGateway)(nil)
