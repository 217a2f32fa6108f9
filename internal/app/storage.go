package app

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/tranquocviet1024/phoneshop/internal/domain"
	"github.com/tranquocviet1024/phoneshop/internal/storage/memory"
	"github.com/tranquocviet1024/phoneshop/internal/storage/postgres"
)

// runtimeDependencies собирает хранилище, выбранное по StorageDriver.
type runtimeDependencies struct {
	uow             domain.UnitOfWork
	orderRepo       domain.OrderRepository
	productRepo     domain.ProductRepository
	paymentRepo     domain.PaymentRepository
	outboxRepo      domain.OutboxRepository
	idempotencyRepo domain.IdempotencyRepository
	auditRepo       domain.AuditRepository

	storageChecker func(ctx context.Context) error
	closeFn        func() error
}

func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	switch cfg.StorageDriver {
	case StorageDriverMemory, "":
		store := memory.NewStore()
		deps := &runtimeDependencies{
			uow:             store,
			orderRepo:       memory.NewOrderRepository(store),
			productRepo:     memory.NewProductRepository(store),
			paymentRepo:     memory.NewPaymentRepository(store),
			outboxRepo:      memory.NewOutboxRepository(store),
			idempotencyRepo: memory.NewIdempotencyRepository(),
			auditRepo:       memory.NewAuditRepository(),
			storageChecker:  store.Ping,
			closeFn:         func() error { return nil },
		}
		if err := seedCatalog(ctx, deps.productRepo, cfg.CatalogSeed); err != nil {
			return nil, err
		}
		logger.WithField("storage", StorageDriverMemory).Info("storage initialized")
		return deps, nil

	case StorageDriverPostgres:
		dsn := strings.TrimSpace(cfg.PostgresDSN)
		if dsn == "" {
			return nil, fmt.Errorf("%s is required for %s storage", envPostgresDSN, StorageDriverPostgres)
		}
		store, err := postgres.Open(ctx, dsn)
		if err != nil {
			return nil, err
		}
		if cfg.PostgresAutoMigrate {
			if err := store.EnsureSchema(ctx); err != nil {
				_ = store.Close()
				return nil, fmt.Errorf("apply migrations: %w", err)
			}
		}
		if cfg.CatalogSeed != "" {
			logger.Warn("CATALOG_SEED is ignored for postgres storage")
		}
		logger.WithFields(log.Fields{
			"storage":      StorageDriverPostgres,
			"auto_migrate": cfg.PostgresAutoMigrate,
		}).Info("storage initialized")
		return &runtimeDependencies{
			uow:             store,
			orderRepo:       postgres.NewOrderRepository(store),
			productRepo:     postgres.NewProductRepository(store),
			paymentRepo:     postgres.NewPaymentRepository(store),
			outboxRepo:      postgres.NewOutboxRepository(store),
			idempotencyRepo: postgres.NewIdempotencyRepository(store),
			auditRepo:       postgres.NewAuditRepository(store),
			storageChecker:  store.Ping,
			closeFn:         store.Close,
		}, nil

	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}
}

// seedCatalog заводит товары из строки "id:price:stock,id:price:stock".
func seedCatalog(ctx context.Context, products domain.ProductRepository, seed string) error {
	for _, entry := range strings.Split(seed, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		product, err := parseSeedEntry(entry)
		if err != nil {
			return err
		}
		if err := products.Create(ctx, product); err != nil {
			return fmt.Errorf("seed product %s: %w", product.ID, err)
		}
	}
	return nil
}

func parseSeedEntry(entry string) (domain.Product, error) {
	parts := strings.Split(entry, ":")
	if len(parts) != 3 || strings.TrimSpace(parts[0]) == "" {
		return domain.Product{}, fmt.Errorf("catalog seed entry %q must look like id:price:stock", entry)
	}
	price, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
	if err != nil || price < 0 {
		return domain.Product{}, fmt.Errorf("catalog seed entry %q: invalid price", entry)
	}
	stock, err := strconv.ParseInt(strings.TrimSpace(parts[2]), 10, 64)
	if err != nil || stock < 0 {
		return domain.Product{}, fmt.Errorf("catalog seed entry %q: invalid stock", entry)
	}
	id := strings.TrimSpace(parts[0])
	return domain.Product{ID: id, Name: id, PriceMinor: price, Stock: stock}, nil
}
