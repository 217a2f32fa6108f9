package memory

import (
	"context"
	"sync"

	"github.com/tranquocviet1024/phoneshop/internal/domain"
)

// Store хранит данные в памяти и поддерживает транзакции. Блокировки строк эмулируются
// семафорами на ключ, записи копятся в транзакции и применяются при commit.
type Store struct {
	mu sync.RWMutex

	products map[string]domain.Product
	orders   map[string]domain.Order
	payments map[string]domain.Payment
	// индексы уникальности платежей
	paymentByOrder map[string]string
	paymentByKey   map[string]string
	paymentByCode  map[string]string

	outbox      []outboxRecord
	outboxIndex map[string]int

	locksMu  sync.Mutex
	rowLocks map[string]*rowLock
}

// rowLock — семафор строки. refs считает держателя и ожидающих:
// запись удаляется, когда строка больше никому не нужна.
type rowLock struct {
	ch   chan struct{}
	refs int
}

type outboxRecord struct {
	msg    domain.OutboxMessage
	status string
}

// NewStore создаёт пустое хранилище.
func NewStore() *Store {
	return &Store{
		products:       make(map[string]domain.Product),
		orders:         make(map[string]domain.Order),
		payments:       make(map[string]domain.Payment),
		paymentByOrder: make(map[string]string),
		paymentByKey:   make(map[string]string),
		paymentByCode:  make(map[string]string),
		outboxIndex:    make(map[string]int),
		rowLocks:       make(map[string]*rowLock),
	}
}

// WithinTx выполняет fn в транзакции. Ошибка или паника откатывают все изменения:
// staged-записи просто не применяются, блокировки снимаются в defer.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx domain.Tx) error) error {
	tx := newTx(s)
	defer tx.release()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	return tx.commit()
}

// Ping нужен для health-проверок.
func (s *Store) Ping(context.Context) error {
	return nil
}

func (s *Store) refRow(key string) *rowLock {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	l, ok := s.rowLocks[key]
	if !ok {
		l = &rowLock{ch: make(chan struct{}, 1)}
		s.rowLocks[key] = l
	}
	l.refs++
	return l
}

func (s *Store) unrefRow(key string, l *rowLock) {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	l.refs--
	if l.refs == 0 {
		delete(s.rowLocks, key)
	}
}

// lockedRows возвращает число строк с активными блокировками или ожиданием.
func (s *Store) lockedRows() int {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	return len(s.rowLocks)
}

var _ domain.UnitOfWork = (*Store)(nil)
