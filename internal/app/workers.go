package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/tranquocviet1024/phoneshop/internal/domain"
	"github.com/tranquocviet1024/phoneshop/internal/messaging/kafka"
	"github.com/tranquocviet1024/phoneshop/internal/service/gateway"
	"github.com/tranquocviet1024/phoneshop/internal/service/idempotency"
	"github.com/tranquocviet1024/phoneshop/internal/service/outbox"
	"github.com/tranquocviet1024/phoneshop/internal/service/reconciliation"
	"github.com/tranquocviet1024/phoneshop/internal/service/settlement"
)

const (
	workersShutdownTimeout = 10 * time.Second
	gatewayOpen            = gateway.CircuitOpen
)

var errGatewayCircuitOpen = gateway.ErrCircuitOpen

// initGateway собирает клиента шлюза с circuit breaker и повторами.
func initGateway(cfg Config, logger *log.Entry) (domain.PaymentGateway, *gateway.Breaker, error) {
	gwLogger := log.WithField("component", "gateway")

	var inner domain.PaymentGateway
	if cfg.GatewayMock {
		logger.Warn("payment gateway is mocked, checkout links are not real")
		inner = gateway.NewMockGateway(cfg.GatewayBaseURL)
	} else {
		client, err := gateway.NewHTTPClient(gateway.Config{
			BaseURL:     cfg.GatewayBaseURL,
			ClientID:    cfg.GatewayClientID,
			APIKey:      cfg.GatewayAPIKey,
			ChecksumKey: cfg.GatewayChecksumKey,
			ReturnURL:   cfg.GatewayReturnURL,
			CancelURL:   cfg.GatewayCancelURL,
			Timeout:     cfg.GatewayTimeout,
		}, gateway.WithClientLogger(log.WithField("component", "gateway-client")))
		if err != nil {
			return nil, nil, fmt.Errorf("init payment gateway: %w", err)
		}
		inner = client
	}
	if cfg.GatewayChecksumKey == "" {
		logger.Warn("GATEWAY_CHECKSUM_KEY is empty, webhook signatures are effectively unkeyed")
	}

	breaker := gateway.NewBreaker(cfg.GatewayBreakerFailures, cfg.GatewayBreakerReset, gwLogger)
	return gateway.NewResilient(inner, breaker, gateway.DefaultRetryConfig(), gwLogger), breaker, nil
}

// initKafkaProducer создаёт producer, если заданы брокеры. Ошибка не останавливает сервис:
// outbox уходит в лог, вебхуки сверяются синхронно.
func initKafkaProducer(cfg Config, logger *log.Entry) *kafka.Producer {
	if len(cfg.KafkaBrokers) == 0 {
		return nil
	}
	producer, err := kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaClientID)
	if err != nil {
		logger.WithError(err).Warn("failed to create kafka producer, continuing without kafka")
		return nil
	}
	logger.WithField("brokers", cfg.KafkaBrokers).Info("kafka producer initialized")
	return producer
}

// closeKafkaProducer закрывает producer, если он был создан.
func closeKafkaProducer(producer *kafka.Producer, logger *log.Entry) {
	if producer == nil {
		return
	}
	if err := producer.Close(); err != nil {
		logger.WithError(err).Warn("failed to close kafka producer")
		return
	}
	logger.Info("kafka producer closed")
}

// startWorkers запускает outbox, очистку ключей идемпотентности и сверку платежей.
func startWorkers(
	ctx context.Context,
	cfg Config,
	deps *runtimeDependencies,
	gw domain.PaymentGateway,
	orchestrator *settlement.Orchestrator,
	producer *kafka.Producer,
	logger *log.Entry,
) <-chan struct{} {
	var wg sync.WaitGroup

	outboxWorker := newOutboxWorker(cfg, deps.outboxRepo, producer)
	cleanupWorker := idempotency.NewCleanupWorker(deps.idempotencyRepo,
		idempotency.WithInterval(cfg.IdempotencyCleanupInterval),
		idempotency.WithBatchSize(cfg.IdempotencyCleanupBatchSize),
		idempotency.WithLogger(log.WithField("component", "idempotency-cleanup")),
	)
	sweeper := reconciliation.NewSweeper(deps.paymentRepo, gw, orchestrator,
		reconciliation.WithInterval(cfg.ReconcileInterval),
		reconciliation.WithMinAge(cfg.ReconcileMinAge),
		reconciliation.WithBatchSize(cfg.ReconcileBatchSize),
		reconciliation.WithAbandonAfter(cfg.ReconcileAbandonAfter),
		reconciliation.WithLogger(log.WithField("component", "reconciliation-sweep")),
	)

	for name, run := range map[string]func(context.Context){
		"outbox":              outboxWorker.Run,
		"idempotency-cleanup": cleanupWorker.Run,
		"reconciliation":      sweeper.Run,
	} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.WithField("worker", name).Info("worker started")
			run(ctx)
			logger.WithField("worker", name).Info("worker stopped")
		}()
	}

	return waitGroupDone(&wg)
}

func newOutboxWorker(cfg Config, repo domain.OutboxRepository, producer *kafka.Producer) *outbox.Worker {
	options := []outbox.Option{
		outbox.WithPollInterval(cfg.OutboxPollInterval),
		outbox.WithBatchSize(cfg.OutboxBatchSize),
		outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
		outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
		outbox.WithLogger(log.WithField("component", "outbox-worker")),
	}
	if producer == nil {
		return outbox.NewWorker(repo, outbox.NewLogPublisher(log.WithField("component", "outbox-log-publisher")), options...)
	}
	options = append(options, outbox.WithDLQPublisher(kafka.NewDLQPublisher(producer, kafka.TopicOutboxDLQ)))
	return outbox.NewWorker(repo, kafka.NewOutboxPublisher(producer), options...)
}

// shutdownWorkers отменяет воркеры и ждёт их завершения не дольше workersShutdownTimeout.
func shutdownWorkers(cancel context.CancelFunc, done <-chan struct{}, logger *log.Entry) {
	if cancel != nil {
		cancel()
	}
	if done == nil {
		return
	}
	select {
	case <-done:
		logger.Info("background workers stopped")
	case <-time.After(workersShutdownTimeout):
		logger.Warn("background workers did not stop in time")
	}
}

// startWebhookConsumer подписывается на очередь вебхуков, если Kafka доступна.
func startWebhookConsumer(
	ctx context.Context,
	cfg Config,
	orchestrator *settlement.Orchestrator,
	producer *kafka.Producer,
	logger *log.Entry,
) *kafka.Consumer {
	if producer == nil {
		return nil
	}
	consumerLogger := log.WithField("component", "webhook-consumer")
	consumer, err := kafka.NewConsumer(
		cfg.KafkaBrokers,
		cfg.KafkaConsumerGroup,
		[]string{kafka.TopicPaymentWebhooks},
		kafka.NewWebhookHandler(orchestrator, consumerLogger),
		kafka.WithDLQ(producer, kafka.TopicWebhookDLQ),
		kafka.WithConsumerLogger(consumerLogger),
	)
	if err != nil {
		// без consumer опубликованные вебхуки дождутся следующего запуска; свипер страхует pending-платежи
		logger.WithError(err).Warn("failed to create webhook consumer")
		return nil
	}
	if err := consumer.Start(ctx); err != nil {
		logger.WithError(err).Warn("failed to start webhook consumer")
		_ = consumer.Stop()
		return nil
	}
	return consumer
}

func stopConsumer(consumer *kafka.Consumer, logger *log.Entry) {
	if consumer == nil {
		return
	}
	if err := consumer.Stop(); err != nil {
		logger.WithError(err).Warn("failed to stop webhook consumer")
	}
}

// outboxBacklogCheck сообщает degraded, когда backlog outbox превышает maxPending.
func outboxBacklogCheck(deps *runtimeDependencies, maxPending int) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		stats, err := deps.outboxRepo.Stats(ctx)
		if err != nil {
			return err
		}
		if maxPending > 0 && stats.PendingCount > maxPending {
			return fmt.Errorf("outbox backlog %d exceeds %d", stats.PendingCount, maxPending)
		}
		return nil
	}
}
