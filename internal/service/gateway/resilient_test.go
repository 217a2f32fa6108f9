package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tranquocviet1024/phoneshop/internal/domain"
)

func fastRetry() RetryConfig {
	return RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, BackoffFactor: 2}
}

func TestResilient_RetriesStatusOnUnavailable(t *testing.T) {
	mock := NewMockGateway("")
	session, err := mock.CreateCheckout(context.Background(), domain.CheckoutRequest{OrderID: "o-1", AmountMinor: 100})
	require.NoError(t, err)
	mock.SetOutcome(session.GatewayOrderCode, domain.OutcomeCompleted)

	g := NewResilient(mock, NewBreaker(10, time.Minute, nil), fastRetry(), nil)
	mock.FailNext(2, nil)

	status, err := g.GetStatus(context.Background(), session.GatewayOrderCode)
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeCompleted, status.Outcome)
	require.Equal(t, "TX"+session.GatewayOrderCode, status.TransactionID)
	require.Equal(t, 3, mock.StatusCalls)
}

func TestResilient_DoesNotRetryCheckoutOrRejections(t *testing.T) {
	mock := NewMockGateway("")
	g := NewResilient(mock, NewBreaker(10, time.Minute, nil), fastRetry(), nil)

	mock.FailNext(1, nil)
	_, err := g.CreateCheckout(context.Background(), domain.CheckoutRequest{OrderID: "o-1"})
	require.ErrorIs(t, err, domain.ErrGatewayUnavailable)
	require.Equal(t, 1, mock.CreateCalls)

	err = g.Cancel(context.Background(), "missing", "r")
	require.ErrorIs(t, err, ErrGatewayRejected)
	require.Equal(t, 1, mock.CancelCalls)
}

func TestResilient_OpenCircuitShortCircuits(t *testing.T) {
	mock := NewMockGateway("")
	g := NewResilient(mock, NewBreaker(1, time.Minute, nil), RetryConfig{MaxAttempts: 1}, nil)

	mock.FailNext(1, nil)
	_, err := g.CreateCheckout(context.Background(), domain.CheckoutRequest{OrderID: "o-1"})
	require.Error(t, err)
	require.Equal(t, CircuitOpen, g.Breaker().State())

	_, err = g.CreateCheckout(context.Background(), domain.CheckoutRequest{OrderID: "o-1"})
	require.ErrorIs(t, err, ErrCircuitOpen)
	require.Equal(t, 1, mock.CreateCalls)
}

func TestMockGateway_CancelAndStatus(t *testing.T) {
	mock := NewMockGateway("https://pay.test")
	ctx := context.Background()

	session, err := mock.CreateCheckout(ctx, domain.CheckoutRequest{OrderID: "o-1", AmountMinor: 500})
	require.NoError(t, err)
	require.Equal(t, "https://pay.test/checkout/"+session.GatewayOrderCode, session.CheckoutURL)

	req, ok := mock.Session(session.GatewayOrderCode)
	require.True(t, ok)
	require.Equal(t, "o-1", req.OrderID)

	require.NoError(t, mock.Cancel(ctx, session.GatewayOrderCode, "abandoned"))
	status, err := mock.GetStatus(ctx, session.GatewayOrderCode)
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeCancelled, status.Outcome)
	require.Equal(t, int64(500), status.AmountMinor)

	paid, err := mock.CreateCheckout(ctx, domain.CheckoutRequest{OrderID: "o-2"})
	require.NoError(t, err)
	mock.SetOutcome(paid.GatewayOrderCode, domain.OutcomeCompleted)
	require.ErrorIs(t, mock.Cancel(ctx, paid.GatewayOrderCode, "late"), ErrGatewayRejected)
}
