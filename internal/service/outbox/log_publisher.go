package outbox

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/tranquocviet1024/phoneshop/internal/domain"
)

// LogPublisher пишет события в лог. Используется, когда Kafka не настроена:
// outbox всё равно разгребается, и backlog не растёт бесконечно.
type LogPublisher struct {
	logger *log.Entry
}

// NewLogPublisher создаёт publisher в лог.
func NewLogPublisher(logger *log.Entry) *LogPublisher {
	if logger == nil {
		logger = log.WithField("component", "outbox-log-publisher")
	}
	return &LogPublisher{logger: logger}
}

// Publish логирует событие.
func (p *LogPublisher) Publish(ctx context.Context, event domain.OutboxMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.logger.WithFields(log.Fields{
		"event_id":       event.ID,
		"event_type":     event.EventType,
		"aggregate_type": event.AggregateType,
		"aggregate_id":   event.AggregateID,
		"attempts":       event.Attempts,
	}).Info("outbox event published")
	return nil
}

var _ domain.OutboxPublisher = (*LogPublisher)(nil)
