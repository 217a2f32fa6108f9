package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	healthcheck "github.com/tranquocviet1024/phoneshop/internal/health"
	"github.com/tranquocviet1024/phoneshop/internal/messaging/kafka"
	"github.com/tranquocviet1024/phoneshop/internal/metrics"
	"github.com/tranquocviet1024/phoneshop/internal/service/audit"
	"github.com/tranquocviet1024/phoneshop/internal/service/inventory"
	"github.com/tranquocviet1024/phoneshop/internal/service/orders"
	"github.com/tranquocviet1024/phoneshop/internal/service/settlement"
	httptransport "github.com/tranquocviet1024/phoneshop/internal/transport/http"
	"github.com/tranquocviet1024/phoneshop/internal/version"
)

const (
	shutdownTimeout    = 5 * time.Second
	healthProbePeriod  = 5 * time.Second
	readHeaderTimeout  = 5 * time.Second
	adminHealthService = "phoneshop.Shop"
)

// Run поднимает HTTP API, admin gRPC, метрики и фоновые воркеры и ждёт отмены ctx.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")
	if err := cfg.Validate(); err != nil {
		return err
	}

	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStorage(deps, logger)

	settlementMetrics := metrics.NewSettlementMetrics()
	recorder := audit.NewRecorder(deps.auditRepo,
		audit.WithQueueSize(cfg.AuditQueueSize),
		audit.WithWriters(cfg.AuditWriters),
		audit.WithLogger(log.WithField("component", "audit-recorder")),
	)
	defer closeRecorder(recorder, logger)

	gw, breaker, err := initGateway(cfg, logger)
	if err != nil {
		return err
	}

	ledger := inventory.NewLedger(
		inventory.WithMetrics(settlementMetrics),
		inventory.WithLogger(log.WithField("component", "inventory-ledger")),
	)
	orchestrator := settlement.NewOrchestrator(deps.uow, deps.paymentRepo, gw, ledger,
		settlement.WithMetrics(settlementMetrics),
		settlement.WithAuditSink(recorder),
		settlement.WithLogger(log.WithField("component", "settlement")),
	)
	orderService := orders.NewService(deps.orderRepo, deps.productRepo,
		orders.WithPricing(orders.Pricing{
			Currency:              cfg.Currency,
			ShippingFlatMinor:     cfg.ShippingFlatMinor,
			FreeShippingFromMinor: cfg.FreeShippingFromMinor,
			TaxRateBPS:            cfg.TaxRateBPS,
		}),
		orders.WithAuditSink(recorder),
		orders.WithLogger(log.WithField("component", "orders")),
	)

	kafkaProducer := initKafkaProducer(cfg, logger)
	defer closeKafkaProducer(kafkaProducer, logger)

	workersCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()
	workersDone := startWorkers(workersCtx, cfg, deps, gw, orchestrator, kafkaProducer, logger)
	defer shutdownWorkers(cancelWorkers, workersDone, logger)

	consumer := startWebhookConsumer(workersCtx, cfg, orchestrator, kafkaProducer, logger)
	defer stopConsumer(consumer, logger)

	serverOptions := []httptransport.Option{
		httptransport.WithLogger(log.WithField("component", "http")),
		httptransport.WithIdempotency(deps.idempotencyRepo, cfg.IdempotencyTTL),
		httptransport.WithAuditLog(deps.auditRepo),
		httptransport.WithAuditWait(cfg.AuditWait),
		httptransport.WithChecksumKey(cfg.GatewayChecksumKey),
		httptransport.WithAllowedOrigins(cfg.AllowedOrigins),
	}
	if kafkaProducer != nil {
		serverOptions = append(serverOptions, httptransport.WithWebhookQueue(kafka.NewWebhookPublisher(kafkaProducer)))
	}
	api := httptransport.NewServer(orderService, orchestrator, deps.paymentRepo, serverOptions...)

	healthHandler := healthcheck.NewHandler(version.GetVersion())
	healthHandler.RegisterChecker("storage", healthcheck.NewPingChecker("storage", deps.storageChecker))
	healthHandler.RegisterChecker("outbox", healthcheck.NewPingChecker("outbox", outboxBacklogCheck(deps, cfg.OutboxMaxPending), healthcheck.NonCritical()))
	if breaker != nil {
		healthHandler.RegisterChecker("gateway", healthcheck.NewPingChecker("gateway", func(context.Context) error {
			if breaker.State() == gatewayOpen {
				return errGatewayCircuitOpen
			}
			return nil
		}, healthcheck.NonCritical()))
	}
	if kafkaProducer != nil {
		brokers := cfg.KafkaBrokers
		healthHandler.RegisterChecker("kafka", healthcheck.NewPingChecker("kafka", func(ctx context.Context) error {
			return kafka.PingBrokers(ctx, brokers)
		}, healthcheck.NonCritical()))
	}

	metricsSrv := startMetricsServer(ctx, cfg.MetricsAddr, logger, healthHandler)
	defer shutdownHTTP(metricsSrv, logger)

	grpcServer, healthServer := newAdminServer(logger)
	go syncGRPCHealth(workersCtx, healthServer, healthHandler, healthProbePeriod)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc %s: %w", cfg.GRPCAddr, err)
	}
	apiSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Infof("admin gRPC сервер слушает %s", cfg.GRPCAddr)
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()
	go func() {
		logger.Infof("HTTP API слушает %s", cfg.HTTPAddr)
		if err := apiSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("получен сигнал остановки, останавливаем серверы")
		runErr = ctx.Err()
	case runErr = <-errCh:
		logger.WithError(runErr).Error("сервер остановился с ошибкой")
	}

	healthServer.Shutdown()
	shutdownHTTP(apiSrv, logger)
	stopGRPC(grpcServer, logger)
	return runErr
}

// newAdminServer создаёт gRPC сервер со стандартным health-сервисом и reflection.
func newAdminServer(logger *log.Entry) (*grpc.Server, *health.Server) {
	grpcMetrics := promgrpc.NewServerMetrics()
	if err := prometheus.Register(grpcMetrics); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*promgrpc.ServerMetrics); ok {
				grpcMetrics = existing
			}
		} else {
			logger.WithError(err).Warn("failed to register grpc metrics")
		}
	}

	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(grpcMetrics.StreamServerInterceptor()),
	)
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)
	grpcMetrics.InitializeMetrics(grpcServer)

	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(adminHealthService, healthpb.HealthCheckResponse_SERVING)
	return grpcServer, healthServer
}

// syncGRPCHealth переносит результат HTTP-проверок в grpc.health.v1.
func syncGRPCHealth(ctx context.Context, healthServer *health.Server, checks *healthcheck.Handler, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		status := healthpb.HealthCheckResponse_SERVING
		if overall, _ := checks.Evaluate(); overall == healthcheck.StatusUnhealthy {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		healthServer.SetServingStatus("", status)
		healthServer.SetServingStatus(adminHealthService, status)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// startMetricsServer запускает HTTP-обработчик /metrics и health probes.
func startMetricsServer(ctx context.Context, addr string, logger *log.Entry, healthHandler *healthcheck.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", healthHandler)
	mux.HandleFunc("/livez", healthcheck.LivenessHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: readHeaderTimeout}
	go func() {
		logger.Infof("метрики доступны по адресу %s/metrics", addr)
		logger.Infof("health checks: %s/healthz, %s/livez, %s/readyz", addr, addr, addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownHTTP(srv, logger)
	}()

	return srv
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).WithField("addr", srv.Addr).Warn("http shutdown with error")
	}
}

func stopGRPC(srv *grpc.Server, logger *log.Entry) {
	stopped := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(shutdownTimeout):
		logger.Warn("graceful stop превысил таймаут, принудительно останавливаем")
		srv.Stop()
	}
}

func closeStorage(deps *runtimeDependencies, logger *log.Entry) {
	if deps == nil || deps.closeFn == nil {
		return
	}
	if err := deps.closeFn(); err != nil {
		logger.WithError(err).Warn("failed to close storage")
	}
}

func closeRecorder(recorder *audit.Recorder, logger *log.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := recorder.Close(ctx); err != nil {
		logger.WithError(err).Warn("audit recorder did not drain before shutdown")
	}
}

// waitGroupDone превращает WaitGroup в канал.
func waitGroupDone(wg *sync.WaitGroup) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	return done
}
