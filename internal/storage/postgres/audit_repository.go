package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tranquocviet1024/phoneshop/internal/domain"
)

type auditRepository struct {
	db *sql.DB
}

// NewAuditRepository создаёт PostgreSQL-реализацию журнала аудита.
func NewAuditRepository(store *Store) domain.AuditRepository {
	return &auditRepository{db: store.DB()}
}

// Append вставляет запись. Повтор с тем же ID игнорируется, чтобы ретраи писателя были безопасны.
func (r *auditRepository) Append(ctx context.Context, entry domain.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, actor, action, entity_type, entity_id, before_state, after_state, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO NOTHING
	`,
		entry.ID, entry.Actor, entry.Action, entry.EntityType, entry.EntityID,
		nullableJSON(entry.Before), nullableJSON(entry.After), entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (r *auditRepository) ListByEntity(ctx context.Context, entityType, entityID string) ([]domain.AuditEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, actor, action, entity_type, entity_id, before_state, after_state, occurred_at
		FROM audit_log
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY occurred_at, id
	`, entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	entries := make([]domain.AuditEntry, 0)
	for rows.Next() {
		var (
			entry         domain.AuditEntry
			before, after []byte
		)
		if err := rows.Scan(
			&entry.ID, &entry.Actor, &entry.Action, &entry.EntityType, &entry.EntityID,
			&before, &after, &entry.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		entry.Before = before
		entry.After = after
		entry.Timestamp = entry.Timestamp.UTC()
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit rows: %w", err)
	}
	return entries, nil
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

var _ domain.AuditRepository = (*auditRepository)(nil)
