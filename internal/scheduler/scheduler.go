// Package scheduler drives the poll cycle: fetch the active programme set,
// diff it against the committed snapshot, dispatch alerts, then commit.
// Each configured market runs independently on a shared cron runner.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"affwatch/internal/dispatch"
	"affwatch/internal/programme"
	"affwatch/internal/source"
	"affwatch/internal/store"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// CycleState names the phase a market's cycle is in. States only ever move
// forward within a cycle; any failure aborts the cycle and the market returns
// to idle for the next tick.
type CycleState string

const (
	StateIdle        CycleState = "idle"
	StateFetching    CycleState = "fetching"
	StateDiffing     CycleState = "diffing"
	StateDispatching CycleState = "dispatching"
	StateCommitting  CycleState = "committing"
	StateAborted     CycleState = "aborted"
)

// CycleError wraps whatever failed during one market's cycle. It never
// propagates past the scheduler; the next tick starts fresh.
type CycleError struct {
	MarketKey string
	State     CycleState
	Err       error
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle aborted for %s during %s: %v", e.MarketKey, e.State, e.Err)
}

func (e *CycleError) Unwrap() error { return e.Err }

// CycleResult summarizes one completed cycle.
type CycleResult struct {
	MarketKey string
	Baseline  bool
	Changes   []programme.Change
	Records   []programme.DeliveryRecord
	Degraded  bool
}

// Config holds the scheduling policy.
type Config struct {
	Interval      time.Duration
	Markets       []string
	ShutdownGrace time.Duration
}

// Scheduler owns the lifecycle of all market poll tasks.
type Scheduler struct {
	config     Config
	src        source.Source
	snapshots  store.SnapshotStore
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger
	tracer     trace.Tracer

	cron *cron.Cron
	now  func() time.Time

	mu   sync.Mutex
	busy map[string]bool

	cycleCtx    context.Context
	cycleCancel context.CancelFunc
}

func New(config Config, src source.Source, snapshots store.SnapshotStore, dispatcher *dispatch.Dispatcher, logger *slog.Logger) (*Scheduler, error) {
	if src == nil || snapshots == nil || dispatcher == nil {
		return nil, fmt.Errorf("source, snapshot store and dispatcher are required")
	}
	if len(config.Markets) == 0 {
		return nil, fmt.Errorf("at least one market is required")
	}
	if config.Interval <= 0 {
		config.Interval = 3 * time.Hour
	}
	if config.ShutdownGrace <= 0 {
		config.ShutdownGrace = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		config:     config,
		src:        src,
		snapshots:  snapshots,
		dispatcher: dispatcher,
		logger:     logger,
		tracer:     otel.Tracer("affwatch/scheduler"),
		now:        func() time.Time { return time.Now().UTC() },
		busy:       map[string]bool{},
	}, nil
}

// Start registers one cron entry per market and begins ticking. The returned
// error only covers registration; cycle failures are contained and logged.
func (s *Scheduler) Start(ctx context.Context) error {
	// Cycles run on a context that outlives ctx by the shutdown grace period,
	// so an in-flight delivery attempt can finish before the hard abort.
	s.cycleCtx, s.cycleCancel = context.WithCancel(context.WithoutCancel(ctx))

	s.cron = cron.New()
	schedule := fmt.Sprintf("@every %s", s.config.Interval)
	for _, market := range s.config.Markets {
		market := market
		if _, err := s.cron.AddFunc(schedule, func() { s.tick(market) }); err != nil {
			return fmt.Errorf("schedule market %s: %w", market, err)
		}
	}
	s.cron.Start()
	s.logger.Info("scheduler started", "interval", s.config.Interval, "markets", s.config.Markets)

	go func() {
		<-ctx.Done()
		s.shutdown()
	}()
	return nil
}

func (s *Scheduler) shutdown() {
	stopped := s.cron.Stop()
	timer := time.NewTimer(s.config.ShutdownGrace)
	defer timer.Stop()
	select {
	case <-stopped.Done():
		s.logger.Info("scheduler stopped")
	case <-timer.C:
		// State stays uncommitted for interrupted markets; the same diff is
		// recomputed on next start.
		s.logger.Warn("shutdown grace elapsed, aborting in-flight cycles")
	}
	s.cycleCancel()
}

// tick runs one cycle for the market unless its previous cycle is still
// running, in which case the tick is dropped.
func (s *Scheduler) tick(marketKey string) {
	if !s.acquire(marketKey) {
		s.logger.Warn("previous cycle still running, skipping tick", "market", marketKey)
		return
	}
	defer s.release(marketKey)

	if _, err := s.RunOnce(s.cycleCtx, marketKey); err != nil {
		s.logger.Error("cycle aborted", "market", marketKey, "error", err)
	}
}

// RunOnce executes a full fetch-diff-dispatch-commit cycle for one market.
// All failures come back as *CycleError.
func (s *Scheduler) RunOnce(ctx context.Context, marketKey string) (CycleResult, error) {
	ctx, span := s.tracer.Start(ctx, "poll.cycle", trace.WithAttributes(
		attribute.String("market", marketKey),
	))
	defer span.End()

	result := CycleResult{MarketKey: marketKey}
	abort := func(state CycleState, err error) (CycleResult, error) {
		span.AddEvent(string(StateAborted))
		return result, &CycleError{MarketKey: marketKey, State: state, Err: err}
	}

	span.AddEvent(string(StateFetching))
	current, err := s.src.FetchActive(ctx, marketKey)
	if err != nil {
		if !source.Transient(err) {
			// Permanent upstream failures (auth, schema drift) need a human;
			// the change-alert channel stays quiet.
			s.dispatcher.OperatorAlert(ctx, marketKey,
				fmt.Sprintf("programme fetch failing for %s", marketKey),
				err.Error(),
			)
		}
		return abort(StateFetching, err)
	}

	span.AddEvent(string(StateDiffing))
	previous, err := s.snapshots.Load(ctx, marketKey)
	if err != nil {
		return abort(StateDiffing, err)
	}
	result.Changes = programme.Diff(previous, current, s.now())
	span.SetAttributes(attribute.Int("changes", len(result.Changes)))

	if previous == nil {
		// First observation establishes the baseline without alerting.
		result.Baseline = true
		span.AddEvent(string(StateCommitting))
		if err := s.snapshots.Commit(ctx, current); err != nil {
			return abort(StateCommitting, err)
		}
		s.logger.Info("baseline committed", "market", marketKey, "programmes", len(current.Programmes))
		return result, nil
	}

	if len(result.Changes) > 0 {
		span.AddEvent(string(StateDispatching))
		result.Records = s.dispatcher.Dispatch(ctx, result.Changes)
		result.Degraded = dispatch.Degraded(result.Records)
		if result.Degraded {
			span.SetAttributes(attribute.Bool("degraded", true))
			s.dispatcher.OperatorAlert(ctx, marketKey,
				fmt.Sprintf("alert delivery degraded for %s", marketKey),
				fmt.Sprintf("%d of %d change alerts could not be delivered; see the alert log", failedCount(result.Records), len(result.Records)),
			)
		}
	}

	// Commit strictly after every change reached a terminal delivery status.
	// A commit failure leaves the old snapshot in place, so delivered but
	// uncommitted changes are re-alerted next cycle rather than lost.
	span.AddEvent(string(StateCommitting))
	if err := s.snapshots.Commit(ctx, current); err != nil {
		return abort(StateCommitting, err)
	}

	s.logger.Info("cycle completed",
		"market", marketKey,
		"programmes", len(current.Programmes),
		"changes", len(result.Changes),
		"degraded", result.Degraded,
	)
	return result, nil
}

// RunAllOnce runs one cycle per configured market concurrently and returns
// the first cycle error, if any. Markets do not share a cancellation scope;
// one market's failure never interrupts another's cycle.
func (s *Scheduler) RunAllOnce(ctx context.Context) error {
	var g errgroup.Group
	for _, market := range s.config.Markets {
		market := market
		g.Go(func() error {
			_, err := s.RunOnce(ctx, market)
			return err
		})
	}
	return g.Wait()
}

func (s *Scheduler) acquire(marketKey string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy[marketKey] {
		return false
	}
	s.busy[marketKey] = true
	return true
}

func (s *Scheduler) release(marketKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy[marketKey] = false
}

func failedCount(records []programme.DeliveryRecord) int {
	n := 0
	for _, record := range records {
		if record.Status == programme.StatusFailed {
			n++
		}
	}
	return n
}
