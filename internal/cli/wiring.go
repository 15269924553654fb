package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/Adithya-Monish-Kumar-K/event-ingestion/internal/ingestion/checkpoint"
	"github.com/Adithya-Monish-Kumar-K/event-ingestion/internal/ingestion/deadletter"
	"github.com/Adithya-Monish-Kumar-K/event-ingestion/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/event-ingestion/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/event-ingestion/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/event-ingestion/pkg/postgres"
	"github.com/Adithya-Monish-Kumar-K/event-ingestion/pkg/redis"
	"github.com/Adithya-Monish-Kumar-K/event-ingestion/pkg/resilience"
)

// closers releases resources in reverse order of acquisition.
type closers []io.Closer

func (c closers) Close() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i].Close()
	}
}

// openCheckpoint builds the configured checkpoint backend. pg may be nil
// unless the postgres backend is selected. The returned ping, if non-nil,
// probes the backend for readiness.
func openCheckpoint(cfg *config.Config, pg *postgres.Client) (checkpoint.Store, func(context.Context) error, io.Closer, error) {
	switch cfg.Checkpoint.Backend {
	case "postgres":
		if pg == nil {
			return nil, nil, nil, fmt.Errorf("postgres checkpoint backend needs a database connection")
		}
		return checkpoint.NewSQLStore(pg, cfg.Checkpoint.Table), pg.Ping, nil, nil
	case "redis":
		client, err := redis.NewClient(cfg.Redis)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("connecting to redis: %w", err)
		}
		return checkpoint.NewRedisStore(client, cfg.Checkpoint.RedisPrefix), client.Ping, client, nil
	default:
		return checkpoint.NewFileStore(cfg.Checkpoint.Path), nil, nil, nil
	}
}

// openDeadLetter builds the configured dead-letter fan-out.
func openDeadLetter(cfg *config.Config, m *metrics.Metrics) (deadletter.Sink, io.Closer) {
	var sinks []deadletter.Sink
	var closer io.Closer
	if cfg.DeadLetter.Log {
		sinks = append(sinks, deadletter.LogSink{})
	}
	if cfg.DeadLetter.Kafka {
		producer := kafka.NewProducer(cfg.Kafka, cfg.DeadLetter.Topic)
		sinks = append(sinks, deadletter.NewKafkaSink(producer, resilience.CircuitBreakerConfig{}, m))
		closer = producer
	}
	return deadletter.NewMulti(m, sinks...), closer
}
