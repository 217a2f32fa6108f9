package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// StorageDriver выбирает реализацию хранилища.
type StorageDriver string

const (
	StorageDriverMemory   StorageDriver = "memory"
	StorageDriverPostgres StorageDriver = "postgres"
)

// Переменные окружения.
const (
	envHTTPAddr            = "HTTP_ADDR"
	envGRPCAddr            = "GRPC_ADDR"
	envMetricsAddr         = "METRICS_ADDR"
	envAllowedOrigins      = "CORS_ALLOWED_ORIGINS"
	envStorageDriver       = "STORAGE_DRIVER"
	envPostgresDSN         = "POSTGRES_DSN"
	envPostgresAutoMigrate = "POSTGRES_AUTO_MIGRATE"
	envCatalogSeed         = "CATALOG_SEED"

	envKafkaBrokers       = "KAFKA_BROKERS"
	envKafkaClientID      = "KAFKA_CLIENT_ID"
	envKafkaConsumerGroup = "KAFKA_CONSUMER_GROUP"

	envGatewayBaseURL         = "GATEWAY_BASE_URL"
	envGatewayClientID        = "GATEWAY_CLIENT_ID"
	envGatewayAPIKey          = "GATEWAY_API_KEY"
	envGatewayChecksumKey     = "GATEWAY_CHECKSUM_KEY"
	envGatewayReturnURL       = "GATEWAY_RETURN_URL"
	envGatewayCancelURL       = "GATEWAY_CANCEL_URL"
	envGatewayTimeout         = "GATEWAY_TIMEOUT"
	envGatewayMock            = "GATEWAY_MOCK"
	envGatewayBreakerFailures = "GATEWAY_BREAKER_FAILURES"
	envGatewayBreakerReset    = "GATEWAY_BREAKER_RESET"

	envCurrency         = "CURRENCY"
	envShippingFlat     = "SHIPPING_FLAT_MINOR"
	envShippingFreeFrom = "SHIPPING_FREE_FROM_MINOR"
	envTaxRateBPS       = "TAX_RATE_BPS"

	envReconcileInterval     = "RECONCILE_INTERVAL"
	envReconcileMinAge       = "RECONCILE_MIN_AGE"
	envReconcileBatchSize    = "RECONCILE_BATCH_SIZE"
	envReconcileAbandonAfter = "RECONCILE_ABANDON_AFTER"

	envOutboxPollInterval = "OUTBOX_POLL_INTERVAL"
	envOutboxBatchSize    = "OUTBOX_BATCH_SIZE"
	envOutboxMaxAttempts  = "OUTBOX_MAX_ATTEMPTS"
	envOutboxRetryDelay   = "OUTBOX_RETRY_DELAY"
	envOutboxMaxPending   = "OUTBOX_MAX_PENDING"

	envIdempotencyTTL              = "IDEMPOTENCY_TTL"
	envIdempotencyCleanupInterval  = "IDEMPOTENCY_CLEANUP_INTERVAL"
	envIdempotencyCleanupBatchSize = "IDEMPOTENCY_CLEANUP_BATCH_SIZE"

	envAuditQueueSize = "AUDIT_QUEUE_SIZE"
	envAuditWriters   = "AUDIT_WRITERS"
	envAuditWait      = "AUDIT_WAIT"
)

// Config описывает настройки запуска приложения.
type Config struct {
	HTTPAddr       string
	GRPCAddr       string
	MetricsAddr    string
	AllowedOrigins []string

	StorageDriver       StorageDriver
	PostgresDSN         string
	PostgresAutoMigrate bool
	// CatalogSeed задаёт товары для memory-хранилища в формате "id:price:stock,...".
	CatalogSeed string

	KafkaBrokers       []string
	KafkaClientID      string
	KafkaConsumerGroup string

	GatewayBaseURL         string
	GatewayClientID        string
	GatewayAPIKey          string
	GatewayChecksumKey     string
	GatewayReturnURL       string
	GatewayCancelURL       string
	GatewayTimeout         time.Duration
	GatewayMock            bool
	GatewayBreakerFailures int
	GatewayBreakerReset    time.Duration

	Currency              string
	ShippingFlatMinor     int64
	FreeShippingFromMinor int64
	TaxRateBPS            int64

	ReconcileInterval     time.Duration
	ReconcileMinAge       time.Duration
	ReconcileBatchSize    int
	ReconcileAbandonAfter time.Duration

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxMaxAttempts  int
	OutboxRetryDelay   time.Duration
	// OutboxMaxPending задаёт размер backlog, после которого readiness сообщает degraded.
	OutboxMaxPending int

	IdempotencyTTL              time.Duration
	IdempotencyCleanupInterval  time.Duration
	IdempotencyCleanupBatchSize int

	AuditQueueSize int
	AuditWriters   int
	AuditWait      time.Duration
}

// DefaultConfig возвращает настройки для локального запуска.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:    ":8080",
		GRPCAddr:    ":50051",
		MetricsAddr: ":9090",

		StorageDriver:       StorageDriverMemory,
		PostgresAutoMigrate: true,

		KafkaClientID:      "phoneshop",
		KafkaConsumerGroup: "phoneshop-webhooks",

		GatewayTimeout:         10 * time.Second,
		GatewayMock:            true,
		GatewayBreakerFailures: 5,
		GatewayBreakerReset:    30 * time.Second,

		Currency:              "VND",
		ShippingFlatMinor:     30000,
		FreeShippingFromMinor: 5000000,
		TaxRateBPS:            1000,

		ReconcileInterval:  time.Minute,
		ReconcileMinAge:    5 * time.Minute,
		ReconcileBatchSize: 50,

		OutboxPollInterval: time.Second,
		OutboxBatchSize:    100,
		OutboxMaxAttempts:  5,
		OutboxRetryDelay:   500 * time.Millisecond,
		OutboxMaxPending:   10000,

		IdempotencyTTL:              24 * time.Hour,
		IdempotencyCleanupInterval:  time.Minute,
		IdempotencyCleanupBatchSize: 500,

		AuditQueueSize: 1024,
		AuditWriters:   2,
		AuditWait:      2 * time.Second,
	}
}

// LoadConfigFromEnv читает .env (если есть) и переменные окружения поверх DefaultConfig.
// Некорректные значения не останавливают запуск: остаётся значение по умолчанию и возвращается предупреждение.
func LoadConfigFromEnv() (Config, []string) {
	var warnings []string
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		warnings = append(warnings, fmt.Sprintf(".env: %v", err))
	}
	cfg, envWarnings := ConfigFromLookup(os.LookupEnv)
	return cfg, append(warnings, envWarnings...)
}

// ConfigFromLookup собирает Config из произвольного источника переменных.
func ConfigFromLookup(lookup func(string) (string, bool)) (Config, []string) {
	cfg := DefaultConfig()
	r := envReader{lookup: lookup}

	r.str(envHTTPAddr, &cfg.HTTPAddr)
	r.str(envGRPCAddr, &cfg.GRPCAddr)
	r.str(envMetricsAddr, &cfg.MetricsAddr)
	r.list(envAllowedOrigins, &cfg.AllowedOrigins)

	var driver string
	if r.str(envStorageDriver, &driver) {
		cfg.StorageDriver = StorageDriver(strings.ToLower(driver))
	}
	r.str(envPostgresDSN, &cfg.PostgresDSN)
	r.boolean(envPostgresAutoMigrate, &cfg.PostgresAutoMigrate)
	r.str(envCatalogSeed, &cfg.CatalogSeed)

	r.list(envKafkaBrokers, &cfg.KafkaBrokers)
	r.str(envKafkaClientID, &cfg.KafkaClientID)
	r.str(envKafkaConsumerGroup, &cfg.KafkaConsumerGroup)

	if r.str(envGatewayBaseURL, &cfg.GatewayBaseURL) {
		// заданный адрес шлюза означает реальный клиент, если GATEWAY_MOCK не сказал иначе
		cfg.GatewayMock = false
	}
	r.str(envGatewayClientID, &cfg.GatewayClientID)
	r.str(envGatewayAPIKey, &cfg.GatewayAPIKey)
	r.str(envGatewayChecksumKey, &cfg.GatewayChecksumKey)
	r.str(envGatewayReturnURL, &cfg.GatewayReturnURL)
	r.str(envGatewayCancelURL, &cfg.GatewayCancelURL)
	r.duration(envGatewayTimeout, &cfg.GatewayTimeout, false)
	r.boolean(envGatewayMock, &cfg.GatewayMock)
	r.integer(envGatewayBreakerFailures, &cfg.GatewayBreakerFailures)
	r.duration(envGatewayBreakerReset, &cfg.GatewayBreakerReset, false)

	r.str(envCurrency, &cfg.Currency)
	r.int64(envShippingFlat, &cfg.ShippingFlatMinor)
	r.int64(envShippingFreeFrom, &cfg.FreeShippingFromMinor)
	r.int64(envTaxRateBPS, &cfg.TaxRateBPS)

	r.duration(envReconcileInterval, &cfg.ReconcileInterval, false)
	r.duration(envReconcileMinAge, &cfg.ReconcileMinAge, true)
	r.integer(envReconcileBatchSize, &cfg.ReconcileBatchSize)
	r.duration(envReconcileAbandonAfter, &cfg.ReconcileAbandonAfter, true)

	r.duration(envOutboxPollInterval, &cfg.OutboxPollInterval, false)
	r.integer(envOutboxBatchSize, &cfg.OutboxBatchSize)
	r.integer(envOutboxMaxAttempts, &cfg.OutboxMaxAttempts)
	r.duration(envOutboxRetryDelay, &cfg.OutboxRetryDelay, true)
	r.integer(envOutboxMaxPending, &cfg.OutboxMaxPending)

	r.duration(envIdempotencyTTL, &cfg.IdempotencyTTL, false)
	r.duration(envIdempotencyCleanupInterval, &cfg.IdempotencyCleanupInterval, false)
	r.integer(envIdempotencyCleanupBatchSize, &cfg.IdempotencyCleanupBatchSize)

	r.integer(envAuditQueueSize, &cfg.AuditQueueSize)
	r.integer(envAuditWriters, &cfg.AuditWriters)
	r.duration(envAuditWait, &cfg.AuditWait, false)

	return cfg, r.warnings
}

// Validate проверяет согласованность настроек перед запуском.
func (c Config) Validate() error {
	switch c.StorageDriver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			return fmt.Errorf("%s is required for %s storage", envPostgresDSN, StorageDriverPostgres)
		}
	default:
		return fmt.Errorf("unsupported storage driver %q", c.StorageDriver)
	}
	if !c.GatewayMock && c.GatewayBaseURL == "" {
		return fmt.Errorf("%s is required when %s=false", envGatewayBaseURL, envGatewayMock)
	}
	if c.TaxRateBPS < 0 || c.ShippingFlatMinor < 0 || c.FreeShippingFromMinor < 0 {
		return fmt.Errorf("pricing settings must be non-negative")
	}
	return nil
}

type envReader struct {
	lookup   func(string) (string, bool)
	warnings []string
}

func (r *envReader) get(key string) (string, bool) {
	raw, ok := r.lookup(key)
	if !ok {
		return "", false
	}
	raw = strings.TrimSpace(raw)
	return raw, raw != ""
}

func (r *envReader) warn(key, raw, expected string) {
	r.warnings = append(r.warnings, fmt.Sprintf("%s=%q is not %s, using default", key, raw, expected))
}

func (r *envReader) str(key string, dst *string) bool {
	raw, ok := r.get(key)
	if ok {
		*dst = raw
	}
	return ok
}

func (r *envReader) list(key string, dst *[]string) {
	raw, ok := r.get(key)
	if !ok {
		return
	}
	var values []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			values = append(values, part)
		}
	}
	*dst = values
}

func (r *envReader) boolean(key string, dst *bool) {
	raw, ok := r.get(key)
	if !ok {
		return
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		r.warn(key, raw, "a boolean")
		return
	}
	*dst = v
}

func (r *envReader) integer(key string, dst *int) {
	raw, ok := r.get(key)
	if !ok {
		return
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		r.warn(key, raw, "a positive integer")
		return
	}
	*dst = v
}

func (r *envReader) int64(key string, dst *int64) {
	raw, ok := r.get(key)
	if !ok {
		return
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		r.warn(key, raw, "a non-negative integer")
		return
	}
	*dst = v
}

func (r *envReader) duration(key string, dst *time.Duration, allowZero bool) {
	raw, ok := r.get(key)
	if !ok {
		return
	}
	v, err := time.ParseDuration(raw)
	if err != nil || v < 0 || (v == 0 && !allowZero) {
		r.warn(key, raw, "a valid duration")
		return
	}
	*dst = v
}
