package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/tranquocviet1024/phoneshop/internal/domain"
)

// ErrCircuitOpen возвращается без обращения к шлюзу, пока цепь разомкнута.
var ErrCircuitOpen = fmt.Errorf("%w: circuit breaker is open", domain.ErrGatewayUnavailable)

// CircuitState — состояние автомата.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker ограничивает вызовы шлюза после серии сбоев.
// Ошибкой цепи считаются только недоступность шлюза и таймауты:
// отказ шлюза по существу запроса (4xx) цепь не размыкает.
type Breaker struct {
	mu           sync.Mutex
	maxFailures  int
	resetTimeout time.Duration
	now          func() time.Time

	failures    int
	lastFailure time.Time
	state       CircuitState
	probing     bool
	logger      *log.Entry
}

// NewBreaker создаёт circuit breaker.
func NewBreaker(maxFailures int, resetTimeout time.Duration, logger *log.Entry) *Breaker {
	if logger == nil {
		logger = log.WithField("component", "gateway-breaker")
	}
	if maxFailures <= 0 {
		maxFailures = 5
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}

	return &Breaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		now:          time.Now,
		state:        CircuitClosed,
		logger:       logger,
	}
}

// State возвращает текущее состояние.
func (cb *Breaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Execute выполняет операцию через circuit breaker.
func (cb *Breaker) Execute(operation string, fn func() error) error {
	if err := cb.before(operation); err != nil {
		return err
	}
	err := fn()
	cb.after(operation, err)
	return err
}

func (cb *Breaker) before(operation string) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		if cb.now().Sub(cb.lastFailure) <= cb.resetTimeout {
			return ErrCircuitOpen
		}
		cb.state = CircuitHalfOpen
		cb.probing = true
		cb.logger.WithField("operation", operation).Info("circuit breaker half-open")
		return nil
	case CircuitHalfOpen:
		// в half-open пропускаем один пробный вызов
		if cb.probing {
			return ErrCircuitOpen
		}
		cb.probing = true
	}
	return nil
}

func (cb *Breaker) after(operation string, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if countsAsFailure(err) {
		cb.failures++
		cb.lastFailure = cb.now()
		if cb.state == CircuitHalfOpen || cb.failures >= cb.maxFailures {
			if cb.state != CircuitOpen {
				cb.logger.WithFields(log.Fields{
					"operation": operation,
					"failures":  cb.failures,
				}).Warn("circuit breaker opened")
			}
			cb.state = CircuitOpen
		}
		cb.probing = false
		return
	}

	if cb.state == CircuitHalfOpen {
		cb.state = CircuitClosed
		cb.logger.WithField("operation", operation).Info("circuit breaker closed")
	}
	cb.failures = 0
	cb.probing = false
}

func countsAsFailure(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, domain.ErrGatewayUnavailable) || errors.Is(err, context.DeadlineExceeded)
}
