package loop

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/event-ingestion/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/event-ingestion/internal/ingestion/checkpoint"
	"github.com/Adithya-Monish-Kumar-K/event-ingestion/internal/ingestion/source"
	"github.com/Adithya-Monish-Kumar-K/event-ingestion/internal/ingestion/writer"
	"github.com/Adithya-Monish-Kumar-K/event-ingestion/internal/testdb"
	"github.com/Adithya-Monish-Kumar-K/event-ingestion/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/event-ingestion/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/event-ingestion/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/event-ingestion/pkg/postgres"
	"github.com/Adithya-Monish-Kumar-K/event-ingestion/pkg/resilience"
	"github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const csvHeader = "event_id,user_id,product_id,product_name,product_category,event_type,price,event_timestamp"

var fixedNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	t       *testing.T
	dir     string
	db      *sql.DB
	cpPath  string
	sink    *captureSink
	metrics *metrics.Metrics
	states  []State
	delays  []time.Duration
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, "incoming")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	return &fixture{
		t:       t,
		dir:     dir,
		db:      testdb.Open(t),
		cpPath:  filepath.Join(root, "checkpoint", "ingest.json"),
		sink:    &captureSink{},
		metrics: metrics.New(nil),
	}
}

type captureSink struct {
	mu       sync.Mutex
	rejected []ingestion.RejectedRecord
}

func (c *captureSink) Name() string { return "capture" }
func (c *captureSink) Send(_ context.Context, r []ingestion.RejectedRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rejected = append(c.rejected, r...)
	return nil
}

// flakyDB fails the first n transactions after running their statements.
type flakyDB struct {
	inner *postgres.Client
	n     int
	err   error
	calls int
}

func (f *flakyDB) InTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	f.calls++
	if f.calls > f.n {
		return f.inner.InTx(ctx, fn)
	}
	return f.inner.InTx(ctx, func(tx *sql.Tx) error {
		if err := fn(tx); err != nil {
			return err
		}
		return f.err
	})
}

func (f *fixture) writer(db writer.TxRunner, attempts int) *writer.UpsertWriter {
	return writer.New(db, writer.Options{
		Metrics: f.metrics,
		Retry: resilience.RetryConfig{
			MaxAttempts:  attempts,
			InitialDelay: 100 * time.Millisecond,
			MaxDelay:     10 * time.Second,
			Sleep: func(ctx context.Context, d time.Duration) error {
				f.delays = append(f.delays, d)
				return ctx.Err()
			},
		},
	})
}

func (f *fixture) deps(w Writer, store checkpoint.Store) Deps {
	return Deps{
		Source:       source.NewWatcher(source.Options{Dir: f.dir}),
		Writer:       w,
		Checkpoint:   store,
		DeadLetter:   f.sink,
		Metrics:      f.metrics,
		Now:          func() time.Time { return fixedNow },
		OnTransition: func(_, to State) { f.states = append(f.states, to) },
	}
}

func (f *fixture) loop(cfg Config, deps Deps) *Loop {
	f.t.Helper()
	l, err := New(cfg, deps)
	require.NoError(f.t, err)
	require.NoError(f.t, l.Start(context.Background()))
	f.states = nil
	return l
}

func (f *fixture) defaultLoop(attempts int) *Loop {
	return f.loop(Config{}, f.deps(f.writer(postgres.Wrap(f.db), attempts), checkpoint.NewFileStore(f.cpPath)))
}

func (f *fixture) file(name string, rows ...string) {
	f.t.Helper()
	body := csvHeader + "\n" + strings.Join(rows, "\n") + "\n"
	require.NoError(f.t, os.WriteFile(filepath.Join(f.dir, name), []byte(body), 0o644))
}

func (f *fixture) rowCount() int {
	return testdb.Count(f.t, f.db, "user_events")
}

func row(user int, kind, price string, second int) string {
	return namedRow(user, "Desk Lamp", kind, price, second)
}

func namedRow(user int, name, kind, price string, second int) string {
	ts := rowTimestamp(second)
	u := fmt.Sprintf("user_%d", user)
	return strings.Join([]string{rowID(user, second), u, "prod_1", name, "home", kind, price, ts}, ",")
}

func rowTimestamp(second int) string {
	return fixedNow.Add(-time.Hour).Add(time.Duration(second) * time.Second).Format("2006-01-02 15:04:05")
}

func rowID(user, second int) string {
	return ingestion.DeriveEventID(fmt.Sprintf("user_%d", user), "prod_1", rowTimestamp(second))
}

func sevenViewsThreePurchases() []string {
	var rows []string
	for i := 0; i < 7; i++ {
		rows = append(rows, row(i, "view", "", i))
	}
	for i := 7; i < 10; i++ {
		rows = append(rows, row(i, "purchase", "19.99", i))
	}
	return rows
}

func TestCycleCommitsFile(t *testing.T) {
	f := newFixture(t)
	l := f.defaultLoop(3)
	f.file("events_20250601_110000_000001.csv", sevenViewsThreePurchases()...)

	report, err := l.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeCommitted, report.Outcome)
	assert.Equal(t, []string{"events_20250601_110000_000001.csv"}, report.Files)
	assert.Equal(t, 10, report.RowsRead)
	assert.Equal(t, 10, report.Inserted)
	assert.Equal(t, 0, report.Duplicates)
	assert.Equal(t, 1, report.Attempts)
	assert.NotEmpty(t, report.CycleID)
	assert.Equal(t, 10, f.rowCount())
	for _, p := range []string{"discovering", "validating", "writing", "checkpointing"} {
		assert.Contains(t, report.Phases, p)
	}

	assert.Equal(t, []State{StateDiscovering, StateValidating, StateWriting, StateCheckpointing, StateIdle}, f.states)
	assert.True(t, l.Checkpoint().Has("events_20250601_110000_000001.csv"))
	assert.Equal(t, fixedNow, l.LastSuccess())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.CyclesTotal.WithLabelValues(OutcomeCommitted)))
	assert.Equal(t, 10.0, testutil.ToFloat64(f.metrics.RowsTotal.WithLabelValues("inserted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.FilesCheckpointed))

	var purchases int
	require.NoError(t, f.db.QueryRow("SELECT COUNT(*) FROM user_events WHERE event_type = 'purchase'").Scan(&purchases))
	assert.Equal(t, 3, purchases)
}

func TestCycleRejectsNegativePrice(t *testing.T) {
	f := newFixture(t)
	l := f.defaultLoop(3)
	f.file("events_1.csv", row(1, "view", "", 1), row(2, "purchase", "-5.00", 2), row(3, "purchase", "5.00", 3))

	report, err := l.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Inserted)
	assert.Equal(t, map[ingestion.Reason]int{ingestion.ReasonInvalidPrice: 1}, report.Rejected)
	assert.Equal(t, 2, f.rowCount())

	require.Len(t, f.sink.rejected, 1)
	assert.Equal(t, "-5.00", f.sink.rejected[0].Record.Price)
	assert.Equal(t, 2, f.sink.rejected[0].Record.Row)
	mark, ok := l.Checkpoint().Mark("events_1.csv")
	require.True(t, ok)
	assert.Equal(t, 2, mark.Rows)
	assert.Equal(t, 1, mark.Rejected)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RejectionsTotal.WithLabelValues("invalid_price")))
}

func TestRedeliveryUnderNewNameInsertsNothing(t *testing.T) {
	f := newFixture(t)
	l := f.defaultLoop(3)
	rows := sevenViewsThreePurchases()
	f.file("events_1.csv", rows...)
	_, err := l.Tick(context.Background())
	require.NoError(t, err)

	f.file("events_2.csv", rows...)
	report, err := l.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"events_2.csv"}, report.Files)
	assert.Equal(t, 0, report.Inserted)
	assert.Equal(t, 10, report.Duplicates)
	assert.Equal(t, 10, f.rowCount())
	assert.True(t, l.Checkpoint().Has("events_2.csv"))
}

func TestDuplicatesWithinOneCycle(t *testing.T) {
	f := newFixture(t)
	l := f.defaultLoop(3)
	f.file("events_1.csv", row(1, "view", "", 1), row(1, "view", "", 1))
	f.file("events_2.csv", row(1, "view", "", 1), row(2, "view", "", 2))

	report, err := l.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, report.RowsRead)
	assert.Equal(t, 2, report.Inserted)
	assert.Equal(t, 2, report.Duplicates)
	assert.Equal(t, 2, f.rowCount())
}

func TestTransientFailuresRecoverWithinBudget(t *testing.T) {
	f := newFixture(t)
	flaky := &flakyDB{inner: postgres.Wrap(f.db), n: 3, err: &pq.Error{Code: "08006"}}
	l := f.loop(Config{}, f.deps(f.writer(flaky, 5), checkpoint.NewFileStore(f.cpPath)))
	f.file("events_1.csv", sevenViewsThreePurchases()...)

	report, err := l.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeCommitted, report.Outcome)
	assert.Equal(t, 4, report.Attempts)
	assert.Equal(t, 10, report.Inserted)
	assert.Equal(t, 10, f.rowCount())
	require.Len(t, f.delays, 3)
	assert.Less(t, f.delays[0], f.delays[1])
	assert.Less(t, f.delays[1], f.delays[2])
	assert.Equal(t, 3.0, testutil.ToFloat64(f.metrics.WriteAttemptsTotal.WithLabelValues("transient")))
}

func TestExhaustedBudgetLeavesCheckpoint(t *testing.T) {
	f := newFixture(t)
	flaky := &flakyDB{inner: postgres.Wrap(f.db), n: 5, err: &pq.Error{Code: "08006"}}
	store := checkpoint.NewFileStore(f.cpPath)
	l := f.loop(Config{}, f.deps(f.writer(flaky, 5), store))
	f.file("events_1.csv", sevenViewsThreePurchases()...)

	report, err := l.Tick(context.Background())
	require.Error(t, err)
	var batchErr *apperrors.BatchError
	require.True(t, errors.As(err, &batchErr))
	assert.ErrorIs(t, err, apperrors.ErrRetryExhausted)
	assert.Equal(t, 5, batchErr.Attempts)
	assert.Equal(t, OutcomeFailed, report.Outcome)
	assert.Equal(t, 5, report.Attempts)
	assert.Contains(t, f.states, StateFailed)
	assert.Equal(t, StateIdle, l.State())
	assert.Equal(t, 0, f.rowCount())
	assert.False(t, l.Checkpoint().Has("events_1.csv"))
	assert.Empty(t, f.sink.rejected)

	persisted, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, persisted.Len())

	// The database recovers; the same file is rediscovered and committed.
	report, err = l.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"events_1.csv"}, report.Files)
	assert.Equal(t, 10, report.Inserted)
}

func TestExitPolicyStopsRun(t *testing.T) {
	f := newFixture(t)
	flaky := &flakyDB{inner: postgres.Wrap(f.db), n: 100, err: &pq.Error{Code: "57P01"}}
	deps := f.deps(f.writer(flaky, 2), checkpoint.NewFileStore(f.cpPath))
	l, err := New(Config{TriggerInterval: time.Millisecond, FailurePolicy: config.FailurePolicyExit}, deps)
	require.NoError(t, err)
	f.file("events_1.csv", row(1, "view", "", 1))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = l.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrRetryExhausted)
}

func TestRetryPolicyKeepsRunning(t *testing.T) {
	f := newFixture(t)
	flaky := &flakyDB{inner: postgres.Wrap(f.db), n: 2, err: &pq.Error{Code: "57P01"}}
	deps := f.deps(f.writer(flaky, 1), checkpoint.NewFileStore(f.cpPath))
	l, err := New(Config{TriggerInterval: time.Millisecond}, deps)
	require.NoError(t, err)
	f.file("events_1.csv", row(1, "view", "", 1))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	require.Eventually(t, func() bool { return l.Checkpoint().Has("events_1.csv") }, 5*time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
	assert.Equal(t, 1, f.rowCount())
}

type failOnceStore struct {
	checkpoint.Store
	failed bool
}

func (s *failOnceStore) Advance(ctx context.Context, st checkpoint.State, marks []checkpoint.FileMark) (checkpoint.State, error) {
	if !s.failed {
		s.failed = true
		return st, errors.New("disk full")
	}
	return s.Store.Advance(ctx, st, marks)
}

func TestCrashBetweenCommitAndCheckpoint(t *testing.T) {
	f := newFixture(t)
	store := checkpoint.NewFileStore(f.cpPath)
	l := f.loop(Config{}, f.deps(f.writer(postgres.Wrap(f.db), 3), &failOnceStore{Store: store}))
	f.file("events_1.csv", sevenViewsThreePurchases()...)

	report, err := l.Tick(context.Background())
	require.Error(t, err)
	assert.Equal(t, OutcomeAborted, report.Outcome)
	assert.Equal(t, 10, f.rowCount(), "rows committed before the checkpoint failed")
	assert.False(t, l.Checkpoint().Has("events_1.csv"))

	// A restarted process replays the file without creating new rows.
	restarted := f.loop(Config{}, f.deps(f.writer(postgres.Wrap(f.db), 3), store))
	report, err = restarted.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Inserted)
	assert.Equal(t, 10, report.Duplicates)
	assert.Equal(t, 10, f.rowCount())
	assert.True(t, restarted.Checkpoint().Has("events_1.csv"))
}

func TestRestartAfterAdvanceSkipsProcessedFiles(t *testing.T) {
	f := newFixture(t)
	l := f.defaultLoop(3)
	f.file("events_1.csv", sevenViewsThreePurchases()...)
	_, err := l.Tick(context.Background())
	require.NoError(t, err)

	restarted := f.defaultLoop(3)
	report, err := restarted.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeEmpty, report.Outcome)
	assert.Empty(t, report.Files)
	assert.Equal(t, 10, f.rowCount())
}

func TestInvalidHeaderRejectsWholeFile(t *testing.T) {
	f := newFixture(t)
	l := f.defaultLoop(3)
	bad := "user_id,event_id,product_id,product_name,product_category,event_type,price,event_timestamp\n" +
		row(1, "view", "", 1) + "\n" + row(2, "view", "", 2) + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, "events_1.csv"), []byte(bad), 0o644))
	f.file("events_2.csv", row(3, "view", "", 3))

	report, err := l.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Inserted)
	assert.Equal(t, 2, report.Rejected[ingestion.ReasonInvalidHeader])
	assert.Len(t, f.sink.rejected, 2)
	assert.True(t, l.Checkpoint().Has("events_1.csv"))
	assert.True(t, l.Checkpoint().Has("events_2.csv"))
}

func TestCancelledCycleDoesNotAdvance(t *testing.T) {
	f := newFixture(t)
	l := f.defaultLoop(3)
	f.file("events_1.csv", row(1, "view", "", 1))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report, err := l.Tick(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, OutcomeAborted, report.Outcome)
	assert.Equal(t, 0, l.Checkpoint().Len())
	assert.Equal(t, 0, f.rowCount())
	assert.Equal(t, StateIdle, l.State())
}

func TestReadFailureAbortsCycle(t *testing.T) {
	f := newFixture(t)
	deps := f.deps(f.writer(postgres.Wrap(f.db), 3), checkpoint.NewFileStore(f.cpPath))
	deps.Read = func(context.Context, source.SourceFile) ([]ingestion.RawRecord, error) {
		return nil, os.ErrPermission
	}
	l := f.loop(Config{}, deps)
	f.file("events_1.csv", row(1, "view", "", 1))

	report, err := l.Tick(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrPermission)
	assert.Equal(t, OutcomeAborted, report.Outcome)
	assert.Equal(t, 0, l.Checkpoint().Len())
}

type blockingWriter struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingWriter) Write(ctx context.Context, batch ingestion.Batch) (writer.Result, error) {
	close(b.entered)
	<-b.release
	return writer.Result{Attempted: batch.Len(), Inserted: batch.Len(), Attempts: 1}, nil
}

func TestOverlappingTickIsSkipped(t *testing.T) {
	f := newFixture(t)
	bw := &blockingWriter{entered: make(chan struct{}), release: make(chan struct{})}
	l := f.loop(Config{}, f.deps(bw, checkpoint.NewFileStore(f.cpPath)))
	f.file("events_1.csv", row(1, "view", "", 1))

	done := make(chan error, 1)
	go func() {
		_, err := l.Tick(context.Background())
		done <- err
	}()
	<-bw.entered

	_, err := l.Tick(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrCycleInProgress)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SkippedTicksTotal))

	close(bw.release)
	require.NoError(t, <-done)
	assert.True(t, l.Checkpoint().Has("events_1.csv"))
}

func TestCorruptCheckpointIsFatal(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(f.cpPath), 0o755))
	require.NoError(t, os.WriteFile(f.cpPath, []byte("{{{"), 0o644))

	l, err := New(Config{}, f.deps(f.writer(postgres.Wrap(f.db), 1), checkpoint.NewFileStore(f.cpPath)))
	require.NoError(t, err)
	err = l.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrCheckpointCorrupt)
	assert.True(t, apperrors.IsFatal(err))
}

func TestTickBeforeStart(t *testing.T) {
	f := newFixture(t)
	l, err := New(Config{}, f.deps(f.writer(postgres.Wrap(f.db), 1), checkpoint.NewFileStore(f.cpPath)))
	require.NoError(t, err)
	_, err = l.Tick(context.Background())
	assert.Error(t, err)
}

func TestNewRequiresDeps(t *testing.T) {
	_, err := New(Config{}, Deps{})
	assert.ErrorIs(t, err, apperrors.ErrInvalidConfig)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "checkpointing", StateCheckpointing.String())
	assert.Equal(t, "unknown", State(42).String())
}

// refusingWriter stands in for a database constraint the validator cannot
// see: a batch holding a refused event id fails the way PostgreSQL fails it,
// with SQLSTATE 23514, and nothing in it is written.
type refusingWriter struct {
	inner   Writer
	refused map[string]bool
	calls   int
}

func (w *refusingWriter) Write(ctx context.Context, b ingestion.Batch) (writer.Result, error) {
	w.calls++
	for _, ev := range b.Events {
		if w.refused[ev.EventID] {
			cause := fmt.Errorf("inserting rows 0-%d: %w", b.Len()-1,
				&pq.Error{Code: "23514", Message: "new row violates check constraint"})
			return writer.Result{Attempted: b.Len(), Attempts: 1},
				apperrors.NewBatchError(apperrors.ErrPermanent, 1, b.Files, cause)
		}
	}
	return w.inner.Write(ctx, b)
}

func TestOversizedFieldIsRejectedAndCycleCommits(t *testing.T) {
	f := newFixture(t)
	l := f.defaultLoop(3)
	long := strings.Repeat("x", ingestion.MaxProductNameLen+45)
	f.file("events_1.csv", row(1, "view", "", 1), namedRow(2, long, "view", "", 2))
	f.file("events_2.csv", row(3, "view", "", 3))

	report, err := l.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeCommitted, report.Outcome)
	assert.Equal(t, map[ingestion.Reason]int{ingestion.ReasonInvalidField: 1}, report.Rejected)
	assert.Equal(t, 2, report.Inserted)
	assert.Equal(t, 2, f.rowCount())
	assert.True(t, l.Checkpoint().Has("events_1.csv"))
	assert.True(t, l.Checkpoint().Has("events_2.csv"))

	require.Len(t, f.sink.rejected, 1)
	assert.Equal(t, ingestion.ReasonInvalidField, f.sink.rejected[0].Reason)
	assert.Equal(t, long, f.sink.rejected[0].Record.ProductName)
}

func TestRefusedRowIsIsolatedAndTheRestCommits(t *testing.T) {
	f := newFixture(t)
	w := &refusingWriter{
		inner:   f.writer(postgres.Wrap(f.db), 3),
		refused: map[string]bool{rowID(2, 2): true},
	}
	l := f.loop(Config{}, f.deps(w, checkpoint.NewFileStore(f.cpPath)))
	f.file("events_1.csv", row(1, "view", "", 1), row(2, "view", "", 2), row(3, "purchase", "5.00", 3))
	f.file("events_2.csv", row(4, "view", "", 4))

	report, err := l.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeCommitted, report.Outcome)
	assert.Equal(t, 3, report.Inserted)
	assert.Equal(t, map[ingestion.Reason]int{ingestion.ReasonWriteRejected: 1}, report.Rejected)
	assert.Equal(t, 3, f.rowCount())
	assert.Equal(t, 5, w.calls, "one batch write, then one write per event")

	require.Len(t, f.sink.rejected, 1)
	rej := f.sink.rejected[0]
	assert.Equal(t, ingestion.ReasonWriteRejected, rej.Reason)
	assert.Equal(t, "events_1.csv", rej.Record.File)
	assert.Equal(t, 2, rej.Record.Row)
	assert.Contains(t, rej.Detail, "check constraint")

	mark, ok := l.Checkpoint().Mark("events_1.csv")
	require.True(t, ok)
	assert.Equal(t, 2, mark.Rows)
	assert.Equal(t, 1, mark.Rejected)
	mark, ok = l.Checkpoint().Mark("events_2.csv")
	require.True(t, ok)
	assert.Equal(t, 1, mark.Rows)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RejectionsTotal.WithLabelValues("write_rejected")))

	report, err = l.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeEmpty, report.Outcome)
}

func TestNonDataPermanentErrorIsNotIsolated(t *testing.T) {
	f := newFixture(t)
	missing := &flakyDB{inner: postgres.Wrap(f.db), n: 100, err: &pq.Error{Code: "42P01", Message: "relation does not exist"}}
	l := f.loop(Config{}, f.deps(f.writer(missing, 3), checkpoint.NewFileStore(f.cpPath)))
	f.file("events_1.csv", row(1, "view", "", 1), row(2, "view", "", 2))

	report, err := l.Tick(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrPermanent)
	assert.Equal(t, OutcomeFailed, report.Outcome)
	assert.Equal(t, 1, report.Attempts)
	assert.Equal(t, 1, missing.calls)
	assert.Equal(t, 0, f.rowCount())
	assert.False(t, l.Checkpoint().Has("events_1.csv"))
	assert.Empty(t, f.sink.rejected)
}
