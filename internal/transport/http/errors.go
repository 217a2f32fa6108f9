package httptransport

import (
	"context"
	"errors"
	"net/http"

	"github.com/tranquocviet1024/phoneshop/internal/domain"
)

const retryAfterSeconds = "5"

type errorBody struct {
	Error     string       `json:"error"`
	Reason    string       `json:"reason"`
	ProductID string       `json:"productId,omitempty"`
	Available *int64       `json:"available,omitempty"`
	Requested *int64       `json:"requested,omitempty"`
	Payment   *paymentView `json:"payment,omitempty"`
}

var validationErrors = []error{
	domain.ErrCustomerRequired,
	domain.ErrCurrencyRequired,
	domain.ErrItemsRequired,
	domain.ErrProductIDRequired,
	domain.ErrItemQtyInvalid,
	domain.ErrItemPriceInvalid,
	domain.ErrAmountNegative,
	domain.ErrTotalsMismatch,
	domain.ErrSubtotalMismatch,
	domain.ErrOrderIDRequired,
	domain.ErrPaymentMethodInvalid,
	domain.ErrIdempotencyKeyRequired,
	domain.ErrGatewayCodeRequired,
	domain.ErrOutcomeInvalid,
	errBadRequest,
}

var errBadRequest = errors.New("malformed request")

// mapError переводит доменную ошибку в HTTP-статус и тело ответа.
// Второе значение сообщает, нужен ли заголовок Retry-After.
func mapError(err error) (int, errorBody, bool) {
	body := errorBody{Error: err.Error()}

	var stock *domain.InsufficientStockError
	if errors.As(err, &stock) {
		body.Reason = "insufficient_stock"
		body.ProductID = stock.ProductID
		body.Available = &stock.Available
		body.Requested = &stock.Requested
		return http.StatusConflict, body, false
	}

	var settled *domain.AlreadySettledError
	if errors.As(err, &settled) {
		body.Reason = "already_settled"
		view := toPaymentView(settled.Payment)
		body.Payment = &view
		return http.StatusConflict, body, false
	}

	switch {
	case isValidation(err):
		body.Reason = "validation"
		return http.StatusBadRequest, body, false
	case errors.Is(err, domain.ErrForbidden):
		body.Reason = "forbidden"
		return http.StatusForbidden, body, false
	case errors.Is(err, domain.ErrOrderNotFound),
		errors.Is(err, domain.ErrPaymentNotFound),
		errors.Is(err, domain.ErrProductNotFound):
		body.Reason = "not_found"
		return http.StatusNotFound, body, false
	case errors.Is(err, domain.ErrInvalidStateTransition):
		body.Reason = "invalid_state_transition"
		return http.StatusConflict, body, false
	case domain.IsIdempotencyConflict(err):
		body.Reason = "idempotency_key_reused"
		return http.StatusConflict, body, false
	case domain.IsVersionConflict(err), errors.Is(err, domain.ErrPaymentAlreadyExists):
		body.Reason = "concurrent_update"
		return http.StatusConflict, body, false
	case errors.Is(err, domain.ErrGatewayUnavailable):
		body.Reason = "gateway_unavailable"
		return http.StatusServiceUnavailable, body, true
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		body.Reason = "timeout"
		return http.StatusServiceUnavailable, body, true
	default:
		return http.StatusInternalServerError, errorBody{Error: "internal error", Reason: "internal"}, false
	}
}

func isValidation(err error) bool {
	for _, target := range validationErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
