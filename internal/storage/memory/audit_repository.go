package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tranquocviet1024/phoneshop/internal/domain"
)

type auditRepositoryInMemory struct {
	mu      sync.RWMutex
	entries []domain.AuditEntry
	seen    map[string]struct{}
}

// NewAuditRepository создаёт in-memory журнал аудита.
func NewAuditRepository() domain.AuditRepository {
	return &auditRepositoryInMemory{seen: make(map[string]struct{})}
}

func (r *auditRepositoryInMemory) Append(_ context.Context, entry domain.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.seen[entry.ID]; dup {
		return nil
	}
	r.seen[entry.ID] = struct{}{}
	r.entries = append(r.entries, entry)
	return nil
}

func (r *auditRepositoryInMemory) ListByEntity(_ context.Context, entityType, entityID string) ([]domain.AuditEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.AuditEntry, 0)
	for _, entry := range r.entries {
		if entry.EntityType == entityType && entry.EntityID == entityID {
			result = append(result, entry)
		}
	}
	return result, nil
}

var _ domain.AuditRepository = (*auditRepositoryInMemory)(nil)
