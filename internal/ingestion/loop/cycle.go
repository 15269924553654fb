package loop

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Adithya-Monish-Kumar-K/event-ingestion/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/event-ingestion/internal/ingestion/checkpoint"
	"github.com/Adithya-Monish-Kumar-K/event-ingestion/internal/ingestion/source"
	"github.com/Adithya-Monish-Kumar-K/event-ingestion/internal/ingestion/writer"
	apperrors "github.com/Adithya-Monish-Kumar-K/event-ingestion/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/event-ingestion/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/event-ingestion/pkg/tracing"
	"github.com/google/uuid"
)

// Cycle outcomes, also used as metric labels.
const (
	OutcomeEmpty     = "empty"
	OutcomeCommitted = "committed"
	OutcomeFailed    = "failed"
	OutcomeAborted   = "aborted"
)

// CycleReport summarises one trigger cycle.
type CycleReport struct {
	CycleID    string
	Outcome    string
	Files      []string
	RowsRead   int
	Rejected   map[ingestion.Reason]int
	Inserted   int
	Duplicates int
	Attempts   int
	Duration   time.Duration
	Phases     map[string]time.Duration
	Err        error
}

// RejectedTotal sums Rejected over all reasons.
func (r CycleReport) RejectedTotal() int {
	n := 0
	for _, c := range r.Rejected {
		n += c
	}
	return n
}

// collected is what the validating phase hands to the writing phase.
// sources[i] is the raw row batch.Events[i] came from.
type collected struct {
	batch    ingestion.Batch
	sources  []ingestion.RawRecord
	rejected []ingestion.RejectedRecord
	marks    []checkpoint.FileMark
	markIdx  map[string]int
}

// Tick runs one cycle. If another cycle is still in flight it returns
// errors.ErrCycleInProgress without doing anything.
func (l *Loop) Tick(ctx context.Context) (CycleReport, error) {
	if !l.inFlight.CompareAndSwap(false, true) {
		if l.deps.Metrics != nil {
			l.deps.Metrics.SkippedTicksTotal.Inc()
		}
		l.logger.Warn("trigger skipped, previous cycle still running")
		return CycleReport{}, apperrors.ErrCycleInProgress
	}
	defer l.inFlight.Store(false)

	l.mu.Lock()
	started := l.started
	l.mu.Unlock()
	if !started {
		return CycleReport{}, errors.New("loop not started")
	}

	report := CycleReport{
		CycleID:  uuid.NewString(),
		Rejected: make(map[ingestion.Reason]int),
	}
	ctx = logger.WithCycleID(ctx, report.CycleID)
	ctx, span := tracing.StartSpan(ctx, "cycle", report.CycleID)
	start := l.deps.Now()

	err := l.cycle(ctx, &report)
	report.Duration = l.deps.Now().Sub(start)
	report.Err = err
	span.SetAttr("outcome", report.Outcome)
	span.End()
	report.Phases = span.Phases()
	l.finish(ctx, &report)
	if report.Outcome != OutcomeEmpty {
		span.Log(logger.FromContext(ctx))
	}
	return report, err
}

// phase starts a child span of the cycle named after the state being run.
func phase(ctx context.Context, s State) *tracing.Span {
	_, span := tracing.StartChildSpan(ctx, s.String())
	return span
}

func (l *Loop) cycle(ctx context.Context, report *CycleReport) error {
	log := logger.FromContext(ctx)
	cp := l.Checkpoint()

	// DISCOVERING
	if err := l.enter(ctx, StateDiscovering, report); err != nil {
		return err
	}
	sp := phase(ctx, StateDiscovering)
	files, err := l.deps.Source.Discover(cp.Has)
	sp.End()
	if err != nil {
		report.Outcome = OutcomeAborted
		l.setState(StateIdle)
		return fmt.Errorf("discovering files: %w", err)
	}
	if len(files) == 0 {
		report.Outcome = OutcomeEmpty
		l.setState(StateIdle)
		return nil
	}
	for _, f := range files {
		report.Files = append(report.Files, f.Name)
	}
	log.Info("cycle started", "files", report.Files)

	// VALIDATING
	if err := l.enter(ctx, StateValidating, report); err != nil {
		return err
	}
	sp = phase(ctx, StateValidating)
	col, err := l.collect(ctx, files, report)
	sp.End()
	if err != nil {
		report.Outcome = OutcomeAborted
		l.setState(StateIdle)
		return err
	}

	// WRITING
	if err := l.enter(ctx, StateWriting, report); err != nil {
		return err
	}
	sp = phase(ctx, StateWriting)
	res, err := l.deps.Writer.Write(ctx, col.batch)
	var batchErr *apperrors.BatchError
	if errors.As(err, &batchErr) && writer.IsDataError(batchErr.Cause) {
		log.Warn("database refused the batch, writing events one at a time",
			"events", col.batch.Len(),
			"cause", batchErr.Cause,
		)
		var iso writer.Result
		iso, err = l.isolate(ctx, &col, report)
		iso.Attempts += res.Attempts
		res = iso
	}
	sp.End()
	report.Attempts = res.Attempts
	if err != nil {
		if errors.As(err, &batchErr) {
			report.Outcome = OutcomeFailed
			l.setState(StateFailed)
			log.Error("batch failed, checkpoint not advanced",
				"attempts", batchErr.Attempts,
				"files", batchErr.Files,
				"cause", batchErr.Cause,
				"failure_policy", l.cfg.FailurePolicy,
			)
			l.setState(StateIdle)
			return err
		}
		report.Outcome = OutcomeAborted
		l.setState(StateIdle)
		return err
	}
	report.Inserted = res.Inserted
	report.Duplicates += res.Duplicates

	if err := l.deps.DeadLetter.Send(ctx, col.rejected); err != nil {
		log.Error("dead-letter delivery failed", "records", len(col.rejected), "error", err)
	}

	// CHECKPOINTING
	if err := l.enter(ctx, StateCheckpointing, report); err != nil {
		return err
	}
	committedAt := l.deps.Now().UTC()
	for i := range col.marks {
		col.marks[i].CommittedAt = committedAt
	}
	sp = phase(ctx, StateCheckpointing)
	next, err := l.deps.Checkpoint.Advance(ctx, cp, col.marks)
	sp.End()
	if err != nil {
		report.Outcome = OutcomeAborted
		l.setState(StateIdle)
		return fmt.Errorf("advancing checkpoint: %w", err)
	}
	l.mu.Lock()
	l.cp = next
	l.lastSuccess = committedAt
	l.mu.Unlock()
	if l.deps.Metrics != nil {
		l.deps.Metrics.FilesCheckpointed.Add(float64(len(col.marks)))
	}

	report.Outcome = OutcomeCommitted
	l.setState(StateIdle)
	return nil
}

// enter moves to state unless ctx is already done, in which case the cycle
// is abandoned without touching the checkpoint.
func (l *Loop) enter(ctx context.Context, state State, report *CycleReport) error {
	if err := ctx.Err(); err != nil {
		report.Outcome = OutcomeAborted
		l.setState(StateIdle)
		return fmt.Errorf("cycle cancelled before %s: %w", state, err)
	}
	l.setState(state)
	return nil
}

// isolate writes the batch one event at a time after the database refused
// it as a whole for a data error. Events refused on their own become
// write_rejected records counted against their file. Any other failure ends
// the cycle without a checkpoint, as a batch failure does.
func (l *Loop) isolate(ctx context.Context, col *collected, report *CycleReport) (writer.Result, error) {
	var total writer.Result
	for i, ev := range col.batch.Events {
		src := col.sources[i]
		res, err := l.deps.Writer.Write(ctx, ingestion.Batch{
			Events: []ingestion.ValidatedEvent{ev},
			Files:  []string{src.File},
		})
		total.Attempted += res.Attempted
		total.Attempts += res.Attempts
		if err == nil {
			total.Inserted += res.Inserted
			total.Duplicates += res.Duplicates
			continue
		}
		var batchErr *apperrors.BatchError
		if !errors.As(err, &batchErr) || !writer.IsDataError(batchErr.Cause) {
			return total, err
		}
		col.rejected = append(col.rejected, ingestion.RejectedRecord{
			Record: src,
			Reason: ingestion.ReasonWriteRejected,
			Detail: batchErr.Cause.Error(),
		})
		report.Rejected[ingestion.ReasonWriteRejected]++
		if j, ok := col.markIdx[src.File]; ok {
			col.marks[j].Rows--
			col.marks[j].Rejected++
		}
	}
	return total, nil
}

// collect reads and validates every file, collapsing repeated event ids so
// the first occurrence wins.
func (l *Loop) collect(ctx context.Context, files []source.SourceFile, report *CycleReport) (collected, error) {
	col := collected{markIdx: make(map[string]int, len(files))}
	seen := make(map[string]bool)
	now := l.deps.Now()
	log := logger.FromContext(ctx)

	for _, f := range files {
		raws, err := l.deps.Read(ctx, f)
		if err != nil && !errors.Is(err, apperrors.ErrInvalidHeader) {
			return collected{}, fmt.Errorf("reading %s: %w", f.Name, err)
		}
		report.RowsRead += len(raws)
		mark := checkpoint.FileMark{Name: f.Name}

		if err != nil {
			log.Warn("file rejected", "file", f.Name, "rows", len(raws), "error", err)
			for _, raw := range raws {
				col.rejected = append(col.rejected, ingestion.RejectedRecord{
					Record: raw,
					Reason: ingestion.ReasonInvalidHeader,
					Detail: err.Error(),
				})
			}
			report.Rejected[ingestion.ReasonInvalidHeader] += len(raws)
			mark.Rejected = len(raws)
			col.markIdx[f.Name] = len(col.marks)
			col.marks = append(col.marks, mark)
			continue
		}

		res := l.deps.Validator.ValidateAll(raws, now)
		col.rejected = append(col.rejected, res.Rejected...)
		for reason, n := range res.Counts {
			report.Rejected[reason] += n
		}
		for i, ev := range res.Valid {
			if seen[ev.EventID] {
				report.Duplicates++
				continue
			}
			seen[ev.EventID] = true
			col.batch.Events = append(col.batch.Events, ev)
			col.sources = append(col.sources, res.Sources[i])
		}
		mark.Rows = len(res.Valid)
		mark.Rejected = len(res.Rejected)
		col.markIdx[f.Name] = len(col.marks)
		col.marks = append(col.marks, mark)
		col.batch.Files = append(col.batch.Files, f.Name)
	}
	return col, nil
}

func (l *Loop) finish(ctx context.Context, report *CycleReport) {
	m := l.deps.Metrics
	if m != nil {
		m.CyclesTotal.WithLabelValues(report.Outcome).Inc()
		m.CycleDuration.Observe(report.Duration.Seconds())
		if report.Outcome == OutcomeCommitted {
			m.RowsTotal.WithLabelValues("read").Add(float64(report.RowsRead))
			m.RowsTotal.WithLabelValues("inserted").Add(float64(report.Inserted))
			m.RowsTotal.WithLabelValues("duplicate").Add(float64(report.Duplicates))
			m.RowsTotal.WithLabelValues("rejected").Add(float64(report.RejectedTotal()))
			for reason, n := range report.Rejected {
				m.RejectionsTotal.WithLabelValues(string(reason)).Add(float64(n))
			}
		}
	}

	if report.Outcome == OutcomeEmpty {
		logger.FromContext(ctx).Debug("cycle found no new files")
		return
	}
	attrs := []any{
		"outcome", report.Outcome,
		"files", len(report.Files),
		"rows_read", report.RowsRead,
		"rejected", report.Rejected,
		"inserted", report.Inserted,
		"duplicates", report.Duplicates,
		"attempts", report.Attempts,
		"duration", report.Duration.Round(time.Millisecond).String(),
	}
	if report.Err != nil {
		attrs = append(attrs, "error", report.Err)
		logger.FromContext(ctx).Error("cycle finished", attrs...)
		return
	}
	logger.FromContext(ctx).Info("cycle finished", attrs...)
}
