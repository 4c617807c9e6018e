// Package supervisor runs the PREP/BATCH control loop against one target.
//
// The loop is single-threaded. Each Step takes one snapshot, decides, launches
// and returns how long to sleep before the next Step. All waiting goes through
// the injected clock, so the whole loop can be driven by a manual clock in
// tests.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"hwgw.ai/internal/batch"
	"hwgw.ai/internal/clock"
	"hwgw.ai/internal/game"
	"hwgw.ai/internal/prep"
	"hwgw.ai/internal/schedule"
	"hwgw.ai/internal/tuning"
)

var (
	// ErrHalted wraps every error that stops the loop for good.
	ErrHalted = errors.New("supervisor halted")

	// ErrBadDurations means weaken is not the slowest phase.
	ErrBadDurations = errors.New("weaken must be the slowest phase")
)

type Config struct {
	Target string
	// Host runs the workers. It defaults to tuning's controller host.
	Host   string
	Tuning tuning.Tuning
}

type Deps struct {
	Provider game.Provider
	Launcher game.Launcher
	Formulas game.Formulas
	Clock    clock.Clock
	Recorder game.Recorder
	Logger   *zap.Logger
}

type Supervisor struct {
	target string
	host   string
	tu     tuning.Tuning

	provider game.Provider
	exec     game.Launcher
	f        game.Formulas
	clk      clock.Clock
	rec      game.Recorder
	logger   *zap.Logger

	prep     *prep.Planner
	batch    *batch.Planner
	sched    *schedule.Scheduler
	launcher *schedule.Launcher
	waiter   Waiter

	runID       string
	mode        game.Mode
	outstanding []game.Handle

	mu     sync.RWMutex
	status Status
}

func New(cfg Config, d Deps) (*Supervisor, error) {
	if cfg.Target == "" {
		return nil, errors.New("supervisor: target is required")
	}
	if d.Provider == nil || d.Launcher == nil || d.Formulas == nil {
		return nil, errors.New("supervisor: provider, launcher and formulas are required")
	}
	if err := cfg.Tuning.Validate(); err != nil {
		return nil, fmt.Errorf("supervisor: %w", err)
	}
	if cfg.Host == "" {
		cfg.Host = cfg.Tuning.Host.Controller
	}
	if d.Clock == nil {
		d.Clock = clock.Real{}
	}
	if d.Recorder == nil {
		d.Recorder = game.MultiRecorder{}
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	logger := d.Logger.With(zap.String("target", cfg.Target), zap.String("host", cfg.Host))

	s := &Supervisor{
		target:   cfg.Target,
		host:     cfg.Host,
		tu:       cfg.Tuning,
		provider: d.Provider,
		exec:     d.Launcher,
		f:        d.Formulas,
		clk:      d.Clock,
		rec:      d.Recorder,
		logger:   logger,
		prep:     prep.New(cfg.Tuning, d.Formulas),
		batch:    batch.New(cfg.Tuning, d.Formulas),
		sched:    schedule.New(cfg.Tuning),
		launcher: schedule.NewLauncher(cfg.Host, d.Launcher, logger),
		waiter: Waiter{
			Clock:    d.Clock,
			Interval: cfg.Tuning.Wait.PollInterval(),
			Attempts: cfg.Tuning.Wait.MaxAttempts,
		},
		runID: uuid.NewString(),
		mode:  game.ModePrep,
	}
	s.status = Status{RunID: s.runID, Target: s.target, Host: s.host, Mode: s.mode, State: game.RunStarting}
	return s, nil
}

func (s *Supervisor) RunID() string { return s.runID }

// Run checks preconditions and then steps until ctx ends (returns nil) or a
// fatal condition halts the loop (returns an error wrapping ErrHalted).
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.Preflight(ctx); err != nil {
		return s.halt(game.ReasonPreflightFailed, err)
	}
	s.logger.Info("supervisor started", zap.String("run_id", s.runID))
	s.emit(game.Event{Kind: game.EventStart})

	for {
		d, err := s.Step(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var h *haltError
			if errors.As(err, &h) {
				return s.halt(h.reason, h.err)
			}
			return s.halt(game.ReasonNone, err)
		}
		if err := s.clk.Sleep(ctx, d+s.tu.SleepsMs.LoopD()); err != nil {
			s.logger.Info("supervisor stopped", zap.Error(err))
			return nil
		}
	}
}

type haltError struct {
	reason game.Reason
	err    error
}

func (e *haltError) Error() string { return fmt.Sprintf("%s: %v", e.reason, e.err) }
func (e *haltError) Unwrap() error { return e.err }

func (s *Supervisor) halt(reason game.Reason, err error) error {
	s.setStatus(func(st *Status) {
		st.State = game.RunHalted
		st.LastReason = reason
		st.LastError = err.Error()
	})
	s.logger.Error("supervisor halted", zap.String("reason", string(reason)), zap.Error(err))
	s.emit(game.Event{Kind: game.EventHalt, Reason: reason, Message: err.Error()})
	return fmt.Errorf("%w: %s: %w", ErrHalted, reason, err)
}

// Step runs one tick in the current mode and returns how long to sleep before
// the next one. A non-nil error is fatal.
func (s *Supervisor) Step(ctx context.Context) (time.Duration, error) {
	snap, err := game.TakeSnapshot(ctx, s.provider, s.target, s.host, s.clk.Now())
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		// Telemetry errors are retried; the host may be restarting.
		s.logger.Warn("snapshot failed", zap.Error(err))
		s.setStatus(func(st *Status) {
			st.State = game.RunBackingOff
			st.LastError = err.Error()
		})
		return s.tu.SleepsMs.DegradedD(), nil
	}
	s.setStatus(func(st *Status) { st.Server = snap.Server; st.FreeRAM = snap.Host.FreeRAM() })

	if s.mode == game.ModeBatch {
		return s.stepBatch(ctx, snap)
	}
	return s.stepPrep(ctx, snap)
}

func (s *Supervisor) stepPrep(ctx context.Context, snap game.Snapshot) (time.Duration, error) {
	// Workers left by prep or an aborted batch have not landed yet, so the
	// snapshot cannot be trusted until they finish.
	had := len(s.outstanding)
	busy, err := s.pruneOutstanding(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		s.logger.Warn("liveness check failed", zap.Error(err))
		return s.tu.SleepsMs.DegradedD(), nil
	}
	if busy > 0 {
		s.logger.Debug("prep workers still running", zap.Int("outstanding", busy))
		s.setStatus(func(st *Status) { st.State = game.RunWaiting })
		return s.tu.SleepsMs.PrepBusyD(), nil
	}
	if had > 0 {
		// The last workers landed after this snapshot was taken.
		return 0, nil
	}
	if s.prep.GoalReached(snap.Server) {
		s.setMode(game.ModeBatch, game.ReasonGoalReached)
		return 0, nil
	}

	d := s.prep.Plan(snap, snap.Host.FreeRAM())
	if d.Reason == game.ReasonBlockedNoRAM {
		s.backoff(d.Reason, snap.Host.FreeRAM())
		return s.tu.SleepsMs.BlockedD(), nil
	}
	if !d.OK() {
		return s.tu.SleepsMs.PrepTickD(), nil
	}

	launched, err := s.launcher.LaunchPrep(ctx, s.target, d.Plan)
	s.outstanding = append(s.outstanding, launched.Handles...)
	prepThreads := map[string]int{}
	for _, a := range d.Plan.Allocations {
		prepThreads[a.Kind.String()] += a.Threads
	}
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		s.launchFailed(err, "", nil)
		return s.tu.SleepsMs.PrepTickD(), nil
	}

	s.logger.Info("prep launched",
		zap.Stringer("plan", d.Plan),
		zap.Bool("security_ok", d.SecurityOK),
		zap.Bool("money_ok", d.MoneyOK),
		zap.Float64("ram", d.Plan.TotalRAM()),
	)
	srv := snap.Server
	s.emit(game.Event{Kind: game.EventPrepLaunch, Prep: prepThreads, Server: &srv})
	s.setStatus(func(st *Status) {
		st.State = game.RunCycling
		st.LastReason = game.ReasonNone
		st.PrepRounds++
	})
	return s.tu.SleepsMs.PrepTickD(), nil
}

func (s *Supervisor) stepBatch(ctx context.Context, snap game.Snapshot) (time.Duration, error) {
	if !s.prep.GoalReached(snap.Server) {
		s.setStatus(func(st *Status) { st.Degraded++ })
		s.setMode(game.ModePrep, game.ReasonDegradedState)
		return s.tu.SleepsMs.DegradedD(), nil
	}

	yield := s.f.HackYieldPerThread(snap.Server, snap.Player)
	plan, reason, err := s.batch.Plan(snap, snap.Host.FreeRAM(), yield)
	if err != nil {
		return 0, &haltError{reason: reason, err: err}
	}
	if reason == game.ReasonNoFeasibleBatch {
		s.backoff(reason, snap.Host.FreeRAM())
		s.setMode(game.ModePrep, reason)
		return s.tu.SleepsMs.BlockedD(), nil
	}

	d := schedule.DurationsFor(s.f, snap.Server, snap.Player)
	if !d.Valid() {
		return 0, &haltError{
			reason: game.ReasonBadDurations,
			err:    fmt.Errorf("%w: %+v", ErrBadDurations, d),
		}
	}
	sch := s.sched.Schedule(plan, d)
	batchID := uuid.NewString()

	launched, err := s.launcher.Launch(ctx, s.target, sch)
	s.outstanding = append(s.outstanding, launched.Handles...)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		s.launchFailed(err, batchID, &plan)
		s.setMode(game.ModePrep, game.ReasonLaunchFailed)
		return 0, nil
	}

	s.logger.Info("batch launched",
		zap.String("batch_id", batchID),
		zap.Int("hack_threads", plan.HackThreads),
		zap.Int("weaken_hack_threads", plan.WeakenForHack),
		zap.Int("grow_threads", plan.GrowThreads),
		zap.Int("weaken_grow_threads", plan.WeakenForGrow),
		zap.Float64("steal_ratio", plan.StealRatio),
		zap.Float64("ram", plan.TotalRAM),
		zap.Float64("free_ram", snap.Host.FreeRAM()),
	)
	s.emit(game.Event{Kind: game.EventBatchLaunch, BatchID: batchID, Plan: &plan, Message: sch.String()})
	s.setStatus(func(st *Status) {
		st.State = game.RunWaiting
		st.LastReason = game.ReasonNone
		st.LastPlan = &plan
		st.Batches++
	})

	if err := s.clk.Sleep(ctx, s.sched.CycleWait(sch, d)); err != nil {
		return 0, err
	}
	outcome, err := s.waiter.Until(ctx, func(ctx context.Context) (bool, error) {
		n, err := s.pruneOutstanding(ctx)
		return n == 0, err
	})
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		s.logger.Warn("completion poll failed", zap.Error(err))
	}
	if outcome == WaitTimedOut {
		s.logger.Warn("batch workers still running after wait", zap.String("batch_id", batchID), zap.Int("outstanding", len(s.outstanding)))
		s.emit(game.Event{Kind: game.EventWaitTimeout, BatchID: batchID, Message: fmt.Sprintf("%d workers in flight", len(s.outstanding))})
		s.setStatus(func(st *Status) { st.WaitTimeouts++ })
	}

	s.assess(ctx, batchID)
	s.setStatus(func(st *Status) { st.State = game.RunCycling })
	return 0, nil
}

// assess grades the target after a batch. It only feeds the journal; the next
// Step decides whether the target degraded.
func (s *Supervisor) assess(ctx context.Context, batchID string) {
	srv, err := s.provider.ServerState(ctx, s.target)
	if err != nil {
		s.logger.Warn("post-batch read failed", zap.String("batch_id", batchID), zap.Error(err))
		return
	}
	secPct, moneyPct := Health(srv)
	healthy := secPct <= s.tu.Tolerances.HealthySecurityPct && moneyPct >= s.tu.Tolerances.HealthyMoneyPct

	fields := []zap.Field{
		zap.String("batch_id", batchID),
		zap.Float64("security", srv.Security),
		zap.Float64("security_over_min_pct", secPct),
		zap.Float64("money_pct", moneyPct),
	}
	if healthy {
		s.logger.Info("batch outcome healthy", fields...)
	} else {
		s.logger.Warn("batch outcome off baseline", fields...)
	}
	s.emit(game.Event{Kind: game.EventOutcome, BatchID: batchID, Server: &srv, Healthy: &healthy})
	s.setStatus(func(st *Status) {
		st.Server = srv
		if healthy {
			st.Healthy++
		} else {
			st.Unhealthy++
		}
	})
}

// Health returns security above min as a percentage of min, and money as a
// percentage of max.
func Health(s game.ServerState) (securityPct, moneyPct float64) {
	if s.MinSecurity > 0 {
		securityPct = s.SecurityGap() / s.MinSecurity * 100
	}
	return securityPct, s.MoneyFraction() * 100
}

// pruneOutstanding drops finished handles and returns how many remain.
func (s *Supervisor) pruneOutstanding(ctx context.Context) (int, error) {
	alive := s.outstanding[:0]
	for i, h := range s.outstanding {
		ok, err := s.exec.IsAlive(ctx, h)
		if err != nil {
			alive = append(alive, s.outstanding[i:]...)
			s.outstanding = alive
			return len(alive), err
		}
		if ok {
			alive = append(alive, h)
		}
	}
	s.outstanding = alive
	return len(alive), nil
}

func (s *Supervisor) setMode(m game.Mode, reason game.Reason) {
	if s.mode == m {
		return
	}
	prev := s.mode
	s.mode = m
	s.logger.Info("mode transition",
		zap.String("from", string(prev)),
		zap.String("to", string(m)),
		zap.String("reason", string(reason)),
	)
	s.setStatus(func(st *Status) {
		st.Mode = m
		st.LastReason = reason
		st.Transitions++
	})
	s.emit(game.Event{Kind: game.EventMode, Reason: reason, Message: string(prev) + "->" + string(m)})
}

func (s *Supervisor) backoff(reason game.Reason, free float64) {
	s.logger.Debug("backing off", zap.String("reason", string(reason)), zap.Float64("free_ram", free))
	s.setStatus(func(st *Status) {
		st.State = game.RunBackingOff
		st.LastReason = reason
		st.Backoffs++
	})
	s.emit(game.Event{Kind: game.EventBackoff, Reason: reason})
}

func (s *Supervisor) launchFailed(err error, batchID string, plan *game.ThreadPlan) {
	s.setStatus(func(st *Status) {
		st.State = game.RunBackingOff
		st.LastReason = game.ReasonLaunchFailed
		st.LastError = err.Error()
		st.LaunchFailures++
	})
	s.emit(game.Event{Kind: game.EventLaunchFailed, BatchID: batchID, Reason: game.ReasonLaunchFailed, Plan: plan, Message: err.Error()})
}

func (s *Supervisor) emit(ev game.Event) {
	ev.RunID = s.runID
	ev.At = s.clk.Now()
	ev.Target = s.target
	ev.Mode = s.mode
	if err := s.rec.RecordEvent(ev); err != nil {
		s.logger.Debug("record event", zap.String("kind", string(ev.Kind)), zap.Error(err))
	}
}
