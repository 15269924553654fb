// Package loop drives the micro-batch cycle: discover new files, validate
// their rows, upsert the batch, then advance the checkpoint. Exactly one
// cycle runs at a time and the checkpoint only moves after a commit.
package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Adithya-Monish-Kumar-K/event-ingestion/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/event-ingestion/internal/ingestion/checkpoint"
	"github.com/Adithya-Monish-Kumar-K/event-ingestion/internal/ingestion/deadletter"
	"github.com/Adithya-Monish-Kumar-K/event-ingestion/internal/ingestion/source"
	"github.com/Adithya-Monish-Kumar-K/event-ingestion/internal/ingestion/validator"
	"github.com/Adithya-Monish-Kumar-K/event-ingestion/internal/ingestion/writer"
	"github.com/Adithya-Monish-Kumar-K/event-ingestion/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/event-ingestion/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/event-ingestion/pkg/metrics"
)

// Source lists files that are ready and not yet processed.
type Source interface {
	Discover(processed func(name string) bool) ([]source.SourceFile, error)
}

// Writer commits a batch.
type Writer interface {
	Write(ctx context.Context, batch ingestion.Batch) (writer.Result, error)
}

// Config holds the loop's scheduling knobs.
type Config struct {
	TriggerInterval time.Duration
	FailurePolicy   string
}

// Deps are the collaborators of a Loop. Read, DeadLetter, Validator and Now
// have defaults; the rest are required.
type Deps struct {
	Source     Source
	Read       func(ctx context.Context, f source.SourceFile) ([]ingestion.RawRecord, error)
	Validator  *validator.Validator
	Writer     Writer
	Checkpoint checkpoint.Store
	DeadLetter deadletter.Sink
	Metrics    *metrics.Metrics
	Now        func() time.Time
	// OnTransition, if set, observes every state change.
	OnTransition func(from, to State)
}

// Loop is the ingestion state machine.
type Loop struct {
	cfg  Config
	deps Deps

	inFlight atomic.Bool

	mu          sync.Mutex
	started     bool
	state       State
	cp          checkpoint.State
	lastSuccess time.Time

	logger *slog.Logger
}

// New validates deps and returns an idle, unstarted Loop.
func New(cfg Config, deps Deps) (*Loop, error) {
	switch {
	case deps.Source == nil:
		return nil, apperrors.Invalidf("loop: source is required")
	case deps.Writer == nil:
		return nil, apperrors.Invalidf("loop: writer is required")
	case deps.Checkpoint == nil:
		return nil, apperrors.Invalidf("loop: checkpoint store is required")
	}
	if cfg.TriggerInterval <= 0 {
		cfg.TriggerInterval = 10 * time.Second
	}
	if cfg.FailurePolicy == "" {
		cfg.FailurePolicy = config.FailurePolicyRetry
	}
	if deps.Read == nil {
		deps.Read = source.ReadFile
	}
	if deps.Validator == nil {
		deps.Validator = validator.New(validator.Options{})
	}
	if deps.DeadLetter == nil {
		deps.DeadLetter = deadletter.LogSink{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Loop{
		cfg:    cfg,
		deps:   deps,
		state:  StateIdle,
		logger: slog.Default().With("component", "ingestion-loop"),
	}, nil
}

// Start loads the checkpoint. Any error here, including a corrupt
// checkpoint, must stop the process.
func (l *Loop) Start(ctx context.Context) error {
	cp, err := l.deps.Checkpoint.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading checkpoint: %w", err)
	}
	l.mu.Lock()
	l.cp = cp
	l.started = true
	l.mu.Unlock()
	l.setState(StateIdle)
	l.logger.Info("ingestion loop started", "processed_files", cp.Len(), "trigger_interval", l.cfg.TriggerInterval)
	return nil
}

// State returns the current loop state.
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Checkpoint returns the last durably advanced checkpoint.
func (l *Loop) Checkpoint() checkpoint.State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cp
}

// LastSuccess returns when the checkpoint last advanced, or the zero time.
func (l *Loop) LastSuccess() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSuccess
}

func (l *Loop) setState(to State) {
	l.mu.Lock()
	from := l.state
	l.state = to
	l.mu.Unlock()
	if l.deps.Metrics != nil {
		l.deps.Metrics.SetState(to.String(), stateNames)
	}
	if l.deps.OnTransition != nil && from != to {
		l.deps.OnTransition(from, to)
	}
}

// Run starts the loop if needed and ticks every TriggerInterval until ctx is
// cancelled. With the exit failure policy a terminal batch failure is
// returned; fatal errors are always returned.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	started := l.started
	l.mu.Unlock()
	if !started {
		if err := l.Start(ctx); err != nil {
			return err
		}
	}

	ticker := time.NewTicker(l.cfg.TriggerInterval)
	defer ticker.Stop()
	for {
		_, err := l.Tick(ctx)
		if stop := l.shouldStop(err); stop != nil {
			return stop
		}
		select {
		case <-ctx.Done():
			l.logger.Info("ingestion loop stopping", "reason", ctx.Err())
			return nil
		case <-ticker.C:
		}
	}
}

func (l *Loop) shouldStop(err error) error {
	if err == nil || errors.Is(err, apperrors.ErrCycleInProgress) {
		return nil
	}
	if apperrors.IsFatal(err) {
		return err
	}
	var batchErr *apperrors.BatchError
	if errors.As(err, &batchErr) && l.cfg.FailurePolicy == config.FailurePolicyExit {
		return err
	}
	return nil
}
