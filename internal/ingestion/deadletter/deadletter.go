// Package deadletter routes rejected records away from the destination
// table. Delivery is best effort: a failing sink never blocks ingestion.
package deadletter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/event-ingestion/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/event-ingestion/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/event-ingestion/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/event-ingestion/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/event-ingestion/pkg/resilience"
)

// Sink receives rejected records.
type Sink interface {
	Name() string
	Send(ctx context.Context, rejected []ingestion.RejectedRecord) error
}

// Message is the serialised form of a rejection.
type Message struct {
	File       string            `json:"file"`
	Row        int               `json:"row"`
	Reason     ingestion.Reason  `json:"reason"`
	Detail     string            `json:"detail"`
	Record     map[string]string `json:"record"`
	RejectedAt time.Time         `json:"rejected_at"`
}

// NewMessage converts r into a Message stamped with at.
func NewMessage(r ingestion.RejectedRecord, at time.Time) Message {
	raw := r.Record
	return Message{
		File:   raw.File,
		Row:    raw.Row,
		Reason: r.Reason,
		Detail: r.Detail,
		Record: map[string]string{
			"event_id":         raw.EventID,
			"user_id":          raw.UserID,
			"product_id":       raw.ProductID,
			"product_name":     raw.ProductName,
			"product_category": raw.ProductCategory,
			"event_type":       raw.EventType,
			"price":            raw.Price,
			"event_timestamp":  raw.EventTimestamp,
		},
		RejectedAt: at.UTC(),
	}
}

// LogSink writes each rejection to the structured log at WARN.
type LogSink struct{}

func (LogSink) Name() string { return "log" }

func (LogSink) Send(ctx context.Context, rejected []ingestion.RejectedRecord) error {
	log := logger.FromContext(ctx).With("component", "dead-letter")
	for _, r := range rejected {
		log.Warn("record rejected",
			"file", r.Record.File,
			"row", r.Record.Row,
			"reason", string(r.Reason),
			"detail", r.Detail,
			"event_id", r.Record.EventID,
		)
	}
	return nil
}

// Publisher is the subset of pkg/kafka.Producer the Kafka sink needs.
type Publisher interface {
	PublishBatch(ctx context.Context, events []kafka.Event) error
}

// KafkaSink publishes rejections as JSON keyed by source file name. Calls
// go through a circuit breaker so an unreachable broker is skipped quickly.
type KafkaSink struct {
	pub     Publisher
	breaker *resilience.CircuitBreaker
	now     func() time.Time
}

// NewKafkaSink creates a KafkaSink. m may be nil.
func NewKafkaSink(pub Publisher, cb resilience.CircuitBreakerConfig, m *metrics.Metrics) *KafkaSink {
	if m != nil {
		next := cb.OnStateChange
		cb.OnStateChange = func(name string, from, to resilience.State) {
			m.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			if next != nil {
				next(name, from, to)
			}
		}
	}
	return &KafkaSink{
		pub:     pub,
		breaker: resilience.NewCircuitBreaker("dead-letter-kafka", cb),
		now:     time.Now,
	}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Send(ctx context.Context, rejected []ingestion.RejectedRecord) error {
	if len(rejected) == 0 {
		return nil
	}
	at := s.now()
	events := make([]kafka.Event, 0, len(rejected))
	for _, r := range rejected {
		events = append(events, kafka.Event{Key: r.Record.File, Value: NewMessage(r, at)})
	}
	return s.breaker.Execute(func() error {
		return s.pub.PublishBatch(ctx, events)
	})
}

// State reports the sink's circuit breaker state.
func (s *KafkaSink) State() resilience.State {
	return s.breaker.GetState()
}

// Multi fans out to every sink and counts failures per sink.
type Multi struct {
	sinks   []Sink
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewMulti creates a fan-out over sinks. m may be nil.
func NewMulti(m *metrics.Metrics, sinks ...Sink) *Multi {
	return &Multi{
		sinks:   sinks,
		metrics: m,
		logger:  slog.Default().With("component", "dead-letter"),
	}
}

func (m *Multi) Name() string { return "multi" }

// Send delivers to every sink even when an earlier one fails and returns the
// joined errors.
func (m *Multi) Send(ctx context.Context, rejected []ingestion.RejectedRecord) error {
	if len(rejected) == 0 {
		return nil
	}
	var errs []error
	for _, s := range m.sinks {
		if err := s.Send(ctx, rejected); err != nil {
			if m.metrics != nil {
				m.metrics.DeadLetterFailures.WithLabelValues(s.Name()).Inc()
			}
			m.logger.Error("dead-letter delivery failed", "sink", s.Name(), "records", len(rejected), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}
