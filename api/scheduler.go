/*
scheduler.go - Automated overdue sweep

PURPOSE:
  Periodically runs ledger.Engine.MarkOverdue so months whose due date
  has passed with a balance left are flagged OVERDUE (and charged the
  configured late fee) without anyone calling the admin endpoint.

DESIGN:
  - robfig/cron drives the schedule; the spec is a standard 5-field cron
    expression or a descriptor such as @daily / @every 1h
  - overlapping runs are skipped (cron.SkipIfStillRunning)
  - the last run is kept for the status endpoint
  - manual runs (RunAt) share the same bookkeeping

USAGE:
  s, err := NewOverdueScheduler(engine, "@daily", logger)
  s.Start()
  // ... later
  s.Stop()

SEE ALSO:
  - handlers.go: TriggerOverdue / OverdueStatus endpoints
  - ledger/overdue.go: MarkOverdue
*/
package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/warp/fee-ledger/ledger"
)

// sweepTimeout bounds one scheduled sweep.
const sweepTimeout = 10 * time.Minute

// OverdueScheduler runs the overdue sweep on a cron schedule.
type OverdueScheduler struct {
	Engine *ledger.Engine
	Spec   string

	cron  *cron.Cron
	entry cron.EntryID
	log   *zap.Logger
	now   func() time.Time

	mu      sync.Mutex
	running bool
	lastRun *SweepRunDTO
}

// NewOverdueScheduler validates spec and registers the sweep. It does not
// start running until Start.
func NewOverdueScheduler(engine *ledger.Engine, spec string, log *zap.Logger) (*OverdueScheduler, error) {
	if log == nil {
		log = zap.NewNop()
	}
	cronLog := cron.PrintfLogger(zap.NewStdLog(log.Named("cron")))
	s := &OverdueScheduler{
		Engine: engine,
		Spec:   spec,
		log:    log,
		now:    time.Now,
		cron: cron.New(
			cron.WithLogger(cronLog),
			cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
		),
	}

	id, err := s.cron.AddFunc(spec, s.run)
	if err != nil {
		return nil, fmt.Errorf("invalid overdue schedule %q: %w", spec, err)
	}
	s.entry = id
	return s, nil
}

// Start begins the scheduler.
func (s *OverdueScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.cron.Start()
	s.running = true
	s.log.Info("overdue scheduler started",
		zap.String("spec", s.Spec),
		zap.Time("next_run", s.cron.Entry(s.entry).Next),
	)
}

// Stop stops the scheduler and waits for a running sweep to finish or ctx
// to expire.
func (s *OverdueScheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	select {
	case <-s.cron.Stop().Done():
		s.log.Info("overdue scheduler stopped")
	case <-ctx.Done():
		s.log.Warn("overdue scheduler stop timed out", zap.Error(ctx.Err()))
	}
}

func (s *OverdueScheduler) run() {
	ctx, cancel := context.WithTimeout(ledger.WithActor(context.Background(), "overdue-scheduler"), sweepTimeout)
	defer cancel()
	if _, err := s.RunAt(ctx, s.now()); err != nil {
		s.log.Error("scheduled overdue sweep failed", zap.Error(err))
	}
}

// RunAt sweeps as of asOf and records the run.
func (s *OverdueScheduler) RunAt(ctx context.Context, asOf time.Time) (ledger.OverdueResult, error) {
	started := s.now()
	result, err := s.Engine.MarkOverdue(ctx, asOf)

	run := &SweepRunDTO{
		StartedAt:   started.UTC(),
		FinishedAt:  s.now().UTC(),
		FeeRecords:  result.FeeRecords,
		Obligations: result.Obligations,
	}
	if err != nil {
		run.Error = err.Error()
	}
	s.mu.Lock()
	s.lastRun = run
	s.mu.Unlock()

	return result, err
}

// NextRun returns when the sweep runs next; zero if not started.
func (s *OverdueScheduler) NextRun() time.Time {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return time.Time{}
	}
	return s.cron.Entry(s.entry).Next
}

func (s *OverdueScheduler) Status() OverdueStatusDTO {
	dto := OverdueStatusDTO{Enabled: true, Spec: s.Spec}
	if next := s.NextRun(); !next.IsZero() {
		dto.NextRun = &next
	}
	s.mu.Lock()
	if s.lastRun != nil {
		last := *s.lastRun
		dto.LastRun = &last
	}
	s.mu.Unlock()
	return dto
}
