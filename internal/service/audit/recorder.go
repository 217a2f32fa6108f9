package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/tranquocviet1024/phoneshop/internal/domain"
)

const (
	defaultQueueSize  = 1024
	defaultWriters    = 2
	defaultMaxRetries = 3
	defaultRetryDelay = 20 * time.Millisecond
)

var (
	auditWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "phoneshop_audit_writes_total",
		Help: "Audit log writes grouped by mode and result.",
	}, []string{"mode", "result"})
	auditQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "phoneshop_audit_queue_depth",
		Help: "Audit entries waiting for an asynchronous writer.",
	})
)

// Options задаёт параметры Recorder.
type Options struct {
	Logger     *log.Entry
	QueueSize  int
	Writers    int
	MaxRetries int
	RetryDelay time.Duration
}

// Option настраивает Recorder.
type Option func(*Options)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

// WithQueueSize задаёт ёмкость очереди.
func WithQueueSize(size int) Option {
	return func(o *Options) {
		o.QueueSize = size
	}
}

// WithWriters задаёт число фоновых писателей.
func WithWriters(n int) Option {
	return func(o *Options) {
		o.Writers = n
	}
}

// WithRetry задаёт число повторов и базовую задержку.
func WithRetry(maxRetries int, delay time.Duration) Option {
	return func(o *Options) {
		o.MaxRetries = maxRetries
		o.RetryDelay = delay
	}
}

type job struct {
	entry   domain.AuditEntry
	tracker *Tracker
}

// Recorder пишет журнал аудита в фоне и не блокирует основную операцию.
// При заполненной очереди запись выполняется синхронно, записи не теряются.
type Recorder struct {
	repo       domain.AuditRepository
	logger     *log.Entry
	maxRetries int
	retryDelay time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan job
	wg     sync.WaitGroup
}

// NewRecorder создаёт Recorder и запускает писателей.
func NewRecorder(repo domain.AuditRepository, options ...Option) *Recorder {
	opts := Options{
		QueueSize:  defaultQueueSize,
		Writers:    defaultWriters,
		MaxRetries: defaultMaxRetries,
		RetryDelay: defaultRetryDelay,
	}
	for _, option := range options {
		option(&opts)
	}
	if opts.QueueSize < 0 {
		opts.QueueSize = 0
	}
	if opts.Writers <= 0 {
		opts.Writers = defaultWriters
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "audit-recorder")
	}

	r := &Recorder{
		repo:       repo,
		logger:     logger,
		maxRetries: opts.MaxRetries,
		retryDelay: opts.RetryDelay,
		queue:      make(chan job, opts.QueueSize),
	}
	for i := 0; i < opts.Writers; i++ {
		r.wg.Add(1)
		go r.writer()
	}
	return r
}

// Record ставит запись в очередь. Ошибки записи только логируются.
func (r *Recorder) Record(ctx context.Context, entry domain.AuditEntry) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	tracker := trackerFrom(ctx)
	tracker.add()
	j := job{entry: entry, tracker: tracker}

	r.mu.RLock()
	if !r.closed {
		select {
		case r.queue <- j:
			r.mu.RUnlock()
			auditQueueDepth.Inc()
			return
		default:
		}
	}
	r.mu.RUnlock()

	// очередь полна или закрыта
	r.write(context.WithoutCancel(ctx), j, "sync")
}

// Close прекращает приём в очередь и дожидается записи уже поставленных записей.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Recorder) writer() {
	defer r.wg.Done()
	for j := range r.queue {
		auditQueueDepth.Dec()
		r.write(context.Background(), j, "async")
	}
}

func (r *Recorder) write(ctx context.Context, j job, mode string) {
	defer j.tracker.done()

	var err error
	delay := r.retryDelay
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if err = r.repo.Append(ctx, j.entry); err == nil {
			auditWritesTotal.WithLabelValues(mode, "ok").Inc()
			return
		}
		if attempt == r.maxRetries || delay <= 0 {
			continue
		}
		time.Sleep(delay)
		delay *= 2
	}

	auditWritesTotal.WithLabelValues(mode, "error").Inc()
	r.logger.WithError(err).WithFields(log.Fields{
		"audit_id":    j.entry.ID,
		"action":      j.entry.Action,
		"entity_type": j.entry.EntityType,
		"entity_id":   j.entry.EntityID,
	}).Error("failed to write audit entry")
}

var _ domain.AuditSink = (*Recorder)(nil)
