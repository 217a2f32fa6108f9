package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
)

const defaultPingTimeout = 2 * time.Second

// ErrNoBrokers возвращается, когда ни один брокер не ответил на запрос метаданных.
var ErrNoBrokers = errors.New("kafka: no brokers available")

// PingBrokers проверяет, что кластер отвечает на запрос метаданных.
func PingBrokers(ctx context.Context, brokers []string) error {
	if len(brokers) == 0 {
		return ErrNoBrokers
	}

	timeout := defaultPingTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
		if timeout <= 0 {
			return context.DeadlineExceeded
		}
	}

	config := sarama.NewConfig()
	config.ClientID = "phoneshop-health"
	config.Net.DialTimeout = timeout
	config.Net.ReadTimeout = timeout
	config.Net.WriteTimeout = timeout
	config.Metadata.Retry.Max = 0
	config.Metadata.Full = false

	done := make(chan error, 1)
	go func() {
		client, err := sarama.NewClient(brokers, config)
		if err != nil {
			done <- fmt.Errorf("kafka: connect: %w", err)
			return
		}
		defer client.Close()
		if len(client.Brokers()) == 0 {
			done <- ErrNoBrokers
			return
		}
		done <- nil
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
