// Package writer upserts validated batches into the destination table. Each
// attempt is one transaction; transient failures roll back and the whole
// batch is retried with exponential backoff.
package writer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Adithya-Monish-Kumar-K/event-ingestion/internal/ingestion"
	apperrors "github.com/Adithya-Monish-Kumar-K/event-ingestion/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/event-ingestion/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/event-ingestion/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/event-ingestion/pkg/resilience"
	"github.com/lib/pq"
)

const (
	columnsPerRow = 8
	// maxParams is the PostgreSQL bind-parameter limit per statement.
	maxParams = 65535
)

var insertColumns = "(event_id, user_id, product_id, product_name, product_category, event_type, price, event_timestamp)"

// TxRunner runs fn inside a transaction, committing on nil and rolling back
// otherwise. pkg/postgres.Client implements it.
type TxRunner interface {
	InTx(ctx context.Context, fn func(tx *sql.Tx) error) error
}

// Options configures an UpsertWriter.
type Options struct {
	Table          string
	MaxRowsPerStmt int
	AttemptTimeout time.Duration
	Retry          resilience.RetryConfig
	Metrics        *metrics.Metrics
}

// Result summarises a committed batch.
type Result struct {
	Attempted  int
	Inserted   int
	Duplicates int
	Attempts   int
}

// UpsertWriter inserts events, ignoring rows whose event_id already exists.
type UpsertWriter struct {
	db      TxRunner
	table   string
	rows    int
	timeout time.Duration
	retry   resilience.RetryConfig
	metrics *metrics.Metrics
}

// New creates an UpsertWriter over db.
func New(db TxRunner, opts Options) *UpsertWriter {
	if opts.Table == "" {
		opts.Table = "user_events"
	}
	rows := opts.MaxRowsPerStmt
	if limit := maxParams / columnsPerRow; rows <= 0 || rows > limit {
		rows = limit
	}
	return &UpsertWriter{
		db:      db,
		table:   pq.QuoteIdentifier(opts.Table),
		rows:    rows,
		timeout: opts.AttemptTimeout,
		retry:   opts.Retry,
		metrics: opts.Metrics,
	}
}

// Write commits every event in batch exactly once. A terminal failure is
// returned as *errors.BatchError wrapping errors.ErrRetryExhausted or
// errors.ErrPermanent; cancellation of ctx is returned as is.
func (w *UpsertWriter) Write(ctx context.Context, batch ingestion.Batch) (Result, error) {
	res := Result{Attempted: batch.Len()}
	if batch.Len() == 0 {
		return res, nil
	}
	log := logger.FromContext(ctx).With("component", "upsert-writer")

	cfg := w.retry
	cfg.Retryable = func(err error) bool {
		return ctx.Err() == nil && IsTransient(err)
	}

	var inserted int
	var lastErr error
	attempts, err := resilience.Do(ctx, "batch-upsert", cfg, func(ctx context.Context) error {
		start := time.Now()
		n, err := w.attempt(ctx, batch.Events)
		w.observe(start, err)
		lastErr = err
		if err != nil {
			log.Warn("batch write attempt failed",
				"rows", batch.Len(),
				"transient", IsTransient(err),
				"error", err,
			)
			return err
		}
		inserted = n
		return nil
	})
	res.Attempts = attempts

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, fmt.Errorf("batch write aborted: %w", ctxErr)
		}
		sentinel := apperrors.ErrPermanent
		if errors.Is(err, apperrors.ErrRetryExhausted) {
			sentinel = apperrors.ErrRetryExhausted
		}
		return res, apperrors.NewBatchError(sentinel, attempts, batch.Files, lastErr)
	}

	res.Inserted = inserted
	res.Duplicates = res.Attempted - inserted
	return res, nil
}

func (w *UpsertWriter) observe(start time.Time, err error) {
	if w.metrics == nil {
		return
	}
	w.metrics.WriteDuration.Observe(time.Since(start).Seconds())
	result := "ok"
	switch {
	case err == nil:
	case IsTransient(err):
		result = "transient"
	default:
		result = "permanent"
	}
	w.metrics.WriteAttemptsTotal.WithLabelValues(result).Inc()
}

// attempt runs one all-or-nothing transaction and returns the number of rows
// actually inserted.
func (w *UpsertWriter) attempt(ctx context.Context, events []ingestion.ValidatedEvent) (int, error) {
	var inserted int
	err := resilience.WithTimeout(ctx, w.timeout, "batch-upsert", func(ctx context.Context) error {
		inserted = 0
		return w.db.InTx(ctx, func(tx *sql.Tx) error {
			for start := 0; start < len(events); start += w.rows {
				end := min(start+w.rows, len(events))
				query, args := w.buildInsert(events[start:end])
				r, err := tx.ExecContext(ctx, query, args...)
				if err != nil {
					return fmt.Errorf("inserting rows %d-%d: %w", start, end-1, err)
				}
				n, err := r.RowsAffected()
				if err != nil {
					return fmt.Errorf("reading rows affected: %w", err)
				}
				inserted += int(n)
			}
			return nil
		})
	})
	return inserted, err
}

func (w *UpsertWriter) buildInsert(events []ingestion.ValidatedEvent) (string, []any) {
	var b strings.Builder
	b.Grow(64 + len(events)*columnsPerRow*6)
	b.WriteString("INSERT INTO ")
	b.WriteString(w.table)
	b.WriteString(" ")
	b.WriteString(insertColumns)
	b.WriteString(" VALUES ")
	args := make([]any, 0, len(events)*columnsPerRow)
	for i, ev := range events {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for c := 0; c < columnsPerRow; c++ {
			if c > 0 {
				b.WriteString(", ")
			}
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(i*columnsPerRow + c + 1))
		}
		b.WriteByte(')')
		args = append(args,
			ev.EventID,
			ev.UserID,
			ev.ProductID,
			nullable(ev.ProductName),
			nullable(ev.ProductCategory),
			string(ev.Kind),
			priceArg(ev.Price),
			ev.EventTime.UTC(),
		)
	}
	b.WriteString(" ON CONFLICT (event_id) DO NOTHING")
	return b.String(), args
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func priceArg(p *ingestion.Price) any {
	if p == nil {
		return nil
	}
	return p.String()
}
