package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/tranquocviet1024/phoneshop/internal/storage/postgres"
)

const (
	defaultTimeout = 30 * time.Second
	envPostgresDSN = "POSTGRES_DSN"
)

func main() {
	var (
		direction string
		steps     int
		dsn       string
	)

	flag.StringVar(&direction, "direction", "up", "migration direction: up|down|status")
	flag.IntVar(&steps, "steps", 0, "number of migrations to apply/rollback (0=all for up, 1 for down)")
	flag.StringVar(&dsn, "dsn", "", "PostgreSQL DSN (fallback: "+envPostgresDSN+")")
	flag.Parse()

	_ = godotenv.Load()
	if strings.TrimSpace(dsn) == "" {
		dsn = strings.TrimSpace(os.Getenv(envPostgresDSN))
	}
	if dsn == "" {
		fail("%s (or -dsn) is required", envPostgresDSN)
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	state, err := run(ctx, dsn, direction, steps)
	if err != nil {
		fail("%v", err)
	}
	fmt.Printf("migrate %s ok: version=%d applied=%d pending=%d\n",
		strings.ToLower(strings.TrimSpace(direction)), state.Version, state.Applied, state.Pending)
}

func run(ctx context.Context, dsn, direction string, steps int) (postgres.MigrationState, error) {
	direction = strings.ToLower(strings.TrimSpace(direction))
	switch direction {
	case "up", "down", "status":
	default:
		return postgres.MigrationState{}, fmt.Errorf("unsupported direction: %s (use up|down|status)", direction)
	}

	store, err := postgres.Open(ctx, dsn)
	if err != nil {
		return postgres.MigrationState{}, fmt.Errorf("open postgres store: %w", err)
	}
	defer store.Close()

	switch direction {
	case "up":
		if err := store.MigrateUp(ctx, steps); err != nil {
			return postgres.MigrationState{}, fmt.Errorf("migrate up failed: %w", err)
		}
	case "down":
		if steps <= 0 {
			steps = 1
		}
		if err := store.MigrateDown(ctx, steps); err != nil {
			return postgres.MigrationState{}, fmt.Errorf("migrate down failed: %w", err)
		}
	}

	state, err := store.MigrationStatus(ctx)
	if err != nil {
		return postgres.MigrationState{}, fmt.Errorf("migration status failed: %w", err)
	}
	return state, nil
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
