package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hwgw.ai/internal/batch"
	"hwgw.ai/internal/clock"
	"hwgw.ai/internal/formulas"
	"hwgw.ai/internal/game"
	"hwgw.ai/internal/hostsim"
	"hwgw.ai/internal/schedule"
	"hwgw.ai/internal/tuning"
)

type eventLog struct {
	mu      sync.Mutex
	events  []game.Event
	onEvent func(game.Event)
}

func (l *eventLog) RecordEvent(ev game.Event) error {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
	if l.onEvent != nil {
		l.onEvent(ev)
	}
	return nil
}

func (l *eventLog) kinds(k game.EventKind) []game.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []game.Event
	for _, ev := range l.events {
		if ev.Kind == k {
			out = append(out, ev)
		}
	}
	return out
}

func world(prepared bool) hostsim.Config {
	srv := hostsim.ServerConfig{
		Name: "joesguns", Security: 5, MinSecurity: 5, Money: 62_500_000, MaxMoney: 62_500_000,
		RequiredHackLevel: 10, GrowthRate: 20, HasRoot: true,
	}
	if !prepared {
		srv.Security = 15
		srv.Money = 600_000
	}
	return hostsim.Config{
		Player:  hostsim.PlayerConfig{HackLevel: 120, HasFormulas: true},
		Hosts:   []hostsim.HostConfig{{Name: "home", MaxRAM: 2048}},
		Servers: []hostsim.ServerConfig{srv},
	}
}

type fixture struct {
	sup *Supervisor
	eng *hostsim.Engine
	clk *clock.Manual
	log *eventLog
}

func newFixture(t *testing.T, cfg hostsim.Config, wrap func(game.Launcher) game.Launcher) *fixture {
	t.Helper()
	tu := tuning.Defaults()
	clk := clock.NewManual(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	eng := hostsim.New(cfg, tu.Costs(), clk.Now, nil)
	var exec game.Launcher = eng
	if wrap != nil {
		exec = wrap(eng)
	}
	log := &eventLog{}
	sup, err := New(Config{Target: "joesguns", Tuning: tu}, Deps{
		Provider: eng,
		Launcher: exec,
		Formulas: formulas.Engine{},
		Clock:    clk,
		Recorder: log,
	})
	require.NoError(t, err)
	return &fixture{sup: sup, eng: eng, clk: clk, log: log}
}

func TestRunCyclesHealthyBatchesOnPreparedTarget(t *testing.T) {
	fx := newFixture(t, world(true), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	outcomes := 0
	fx.log.onEvent = func(ev game.Event) {
		if ev.Kind == game.EventOutcome {
			outcomes++
			if outcomes == 3 {
				cancel()
			}
		}
	}

	require.NoError(t, fx.sup.Run(ctx))

	launches := fx.log.kinds(game.EventBatchLaunch)
	require.Len(t, launches, 3)
	for _, ev := range launches {
		require.NotNil(t, ev.Plan)
		assert.LessOrEqual(t, ev.Plan.TotalRAM, 2048.0)
		assert.NotEmpty(t, ev.BatchID)
		assert.Equal(t, fx.sup.RunID(), ev.RunID)
	}
	for _, ev := range fx.log.kinds(game.EventOutcome) {
		require.NotNil(t, ev.Healthy)
		assert.True(t, *ev.Healthy, "server after batch: %+v", ev.Server)
	}
	assert.Empty(t, fx.log.kinds(game.EventWaitTimeout))
	assert.Empty(t, fx.log.kinds(game.EventPrepLaunch))

	st := fx.sup.Status()
	assert.Equal(t, game.ModeBatch, st.Mode)
	assert.Equal(t, uint64(3), st.Batches)
	assert.Equal(t, uint64(3), st.Healthy)
	assert.False(t, st.Halted())
	assert.Greater(t, fx.eng.Stats().Stolen, 0.0)
	assert.Zero(t, fx.eng.Stats().Refused)
}

func TestRunPrepsUnpreparedTargetThenBatches(t *testing.T) {
	fx := newFixture(t, world(false), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := 0
	batches := 0
	fx.log.onEvent = func(ev game.Event) {
		events++
		if ev.Kind == game.EventOutcome {
			batches++
		}
		if batches == 2 || events > 50_000 {
			cancel()
		}
	}

	require.NoError(t, fx.sup.Run(ctx))
	require.Equal(t, 2, batches)

	require.NotEmpty(t, fx.log.kinds(game.EventPrepLaunch))
	modes := fx.log.kinds(game.EventMode)
	require.NotEmpty(t, modes)
	assert.Equal(t, game.ReasonGoalReached, modes[0].Reason)
	assert.Equal(t, game.ModeBatch, modes[0].Mode)

	// No prep launch may happen while the loop is in batch mode.
	for _, ev := range fx.log.kinds(game.EventPrepLaunch) {
		assert.Equal(t, game.ModePrep, ev.Mode)
	}
	assert.Zero(t, fx.eng.Stats().Refused)
	assert.Greater(t, fx.sup.Status().PrepRounds, uint64(0))
}

func TestRunHaltsWithoutYield(t *testing.T) {
	cfg := world(true)
	cfg.Player.HackLevel = 5
	fx := newFixture(t, cfg, nil)

	err := fx.sup.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHalted)
	assert.ErrorIs(t, err, batch.ErrNoYield)

	st := fx.sup.Status()
	assert.True(t, st.Halted())
	assert.Equal(t, game.ReasonFatalNoYield, st.LastReason)
	assert.Len(t, fx.log.kinds(game.EventHalt), 1)
	assert.Zero(t, fx.eng.Stats().Launched)
}

// slowHackFormulas makes hack outlast weaken.
type slowHackFormulas struct{ formulas.Engine }

func (f slowHackFormulas) Duration(kind game.PhaseKind, s game.ServerState, p game.PlayerState) time.Duration {
	if kind == game.Hack {
		return 2 * f.Engine.Duration(game.Weaken, s, p)
	}
	return f.Engine.Duration(kind, s, p)
}

func TestRunHaltsOnBadDurations(t *testing.T) {
	tu := tuning.Defaults()
	clk := clock.NewManual(time.Time{})
	eng := hostsim.New(world(true), tu.Costs(), clk.Now, nil)
	sup, err := New(Config{Target: "joesguns", Tuning: tu}, Deps{Provider: eng, Launcher: eng, Formulas: slowHackFormulas{}, Clock: clk})
	require.NoError(t, err)

	err = sup.Run(context.Background())
	assert.ErrorIs(t, err, ErrHalted)
	assert.ErrorIs(t, err, ErrBadDurations)

	st := sup.Status()
	assert.True(t, st.Halted())
	assert.Equal(t, game.ReasonBadDurations, st.LastReason)
	assert.True(t, st.LastReason.Fatal())
	assert.NotEqual(t, game.ReasonDegradedState, st.LastReason)
	assert.Zero(t, eng.Stats().Launched)
}

func TestRunPreflightFailures(t *testing.T) {
	cases := map[string]struct {
		mutate func(*hostsim.Config)
		target string
		want   error
	}{
		"controller target": {target: "home", want: ErrTargetIsController},
		"no formulas":       {mutate: func(c *hostsim.Config) { c.Player.HasFormulas = false }, want: ErrNoFormulas},
		"unknown target":    {target: "nowhere", want: hostsim.ErrUnknownServer},
		"not rooted":        {mutate: func(c *hostsim.Config) { c.Servers[0].HasRoot = false }, want: ErrNoRoot},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := world(true)
			if tc.mutate != nil {
				tc.mutate(&cfg)
			}
			target := "joesguns"
			if tc.target != "" {
				target = tc.target
			}
			tu := tuning.Defaults()
			clk := clock.NewManual(time.Time{})
			eng := hostsim.New(cfg, tu.Costs(), clk.Now, nil)
			sup, err := New(Config{Target: target, Tuning: tu}, Deps{Provider: eng, Launcher: eng, Formulas: formulas.Engine{}, Clock: clk})
			require.NoError(t, err)

			err = sup.Run(context.Background())
			assert.ErrorIs(t, err, ErrHalted)
			assert.ErrorIs(t, err, tc.want)
			assert.Equal(t, game.ReasonPreflightFailed, sup.Status().LastReason)
		})
	}
}

// failingLauncher refuses the Nth launch.
type failingLauncher struct {
	game.Launcher
	failOn int
	calls  int
}

func (f *failingLauncher) Launch(ctx context.Context, req game.LaunchRequest) (game.Handle, error) {
	f.calls++
	if f.calls == f.failOn {
		return 0, nil
	}
	return f.Launcher.Launch(ctx, req)
}

func TestLaunchFailureAbortsBatchAndFallsBackToPrep(t *testing.T) {
	var fl *failingLauncher
	fx := newFixture(t, world(true), func(l game.Launcher) game.Launcher {
		fl = &failingLauncher{Launcher: l, failOn: 3}
		return fl
	})
	ctx := context.Background()

	_, err := fx.sup.Step(ctx)
	require.NoError(t, err)
	require.Equal(t, game.ModeBatch, fx.sup.Status().Mode)

	_, err = fx.sup.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, fl.calls, "the fourth slot must not be launched")

	st := fx.sup.Status()
	assert.Equal(t, game.ModePrep, st.Mode)
	assert.Equal(t, game.ReasonLaunchFailed, st.LastReason)
	assert.Equal(t, uint64(1), st.LaunchFailures)
	require.Len(t, fx.log.kinds(game.EventLaunchFailed), 1)
	assert.Empty(t, fx.log.kinds(game.EventBatchLaunch))
	assert.Equal(t, uint64(2), fx.eng.Stats().Launched)

	// The two orphans are still in flight: prep waits instead of batching on
	// a snapshot they have not touched yet.
	d, err := fx.sup.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, tuning.Defaults().SleepsMs.PrepBusyD(), d)
	assert.Equal(t, game.ModePrep, fx.sup.Status().Mode)
	assert.Equal(t, game.RunWaiting, fx.sup.Status().State)
	assert.Equal(t, uint64(2), fx.eng.Stats().Launched)

	fx.clk.Advance(time.Hour)
	_, err = fx.sup.Step(ctx)
	require.NoError(t, err)
	_, err = fx.sup.Step(ctx)
	require.NoError(t, err)

	assert.Empty(t, fx.log.kinds(game.EventBatchLaunch))
	assert.NotEmpty(t, fx.log.kinds(game.EventPrepLaunch), "the unpaired hack must be repaired first")
	assert.Equal(t, game.ModePrep, fx.sup.Status().Mode)
}

// stuckLauncher reports every worker as still running.
type stuckLauncher struct{ game.Launcher }

func (stuckLauncher) IsAlive(context.Context, game.Handle) (bool, error) { return true, nil }

func TestBatchWaitTimesOutAndStillAssesses(t *testing.T) {
	fx := newFixture(t, world(true), func(l game.Launcher) game.Launcher { return stuckLauncher{l} })
	ctx := context.Background()
	tu := tuning.Defaults()

	_, err := fx.sup.Step(ctx)
	require.NoError(t, err)
	require.Equal(t, game.ModeBatch, fx.sup.Status().Mode)

	srv, err := fx.eng.ServerState(ctx, "joesguns")
	require.NoError(t, err)
	player, err := fx.eng.PlayerState(ctx)
	require.NoError(t, err)
	durs := schedule.DurationsFor(formulas.Engine{}, srv, player)

	d, err := fx.sup.Step(ctx)
	require.NoError(t, err)
	assert.Zero(t, d)

	launches := fx.log.kinds(game.EventBatchLaunch)
	require.Len(t, launches, 1)
	sch := fx.sup.sched.Schedule(*launches[0].Plan, durs)
	want := fx.sup.sched.CycleWait(sch, durs) + time.Duration(tu.Wait.MaxAttempts)*tu.Wait.PollInterval()
	assert.Equal(t, want, fx.clk.Slept())

	timeouts := fx.log.kinds(game.EventWaitTimeout)
	require.Len(t, timeouts, 1)
	assert.Equal(t, launches[0].BatchID, timeouts[0].BatchID)
	outcomes := fx.log.kinds(game.EventOutcome)
	require.Len(t, outcomes, 1)
	assert.Equal(t, launches[0].BatchID, outcomes[0].BatchID)

	st := fx.sup.Status()
	assert.Equal(t, uint64(1), st.WaitTimeouts)
	assert.Equal(t, game.ModeBatch, st.Mode)
	assert.Equal(t, game.RunCycling, st.State)
}

// overrideProvider lets a test replace the target's telemetry.
type overrideProvider struct {
	game.Provider
	server func(game.ServerState) game.ServerState
}

func (p *overrideProvider) ServerState(ctx context.Context, target string) (game.ServerState, error) {
	s, err := p.Provider.ServerState(ctx, target)
	if err != nil || p.server == nil {
		return s, err
	}
	return p.server(s), nil
}

func TestDegradedTargetReturnsToPrep(t *testing.T) {
	tu := tuning.Defaults()
	clk := clock.NewManual(time.Time{})
	eng := hostsim.New(world(true), tu.Costs(), clk.Now, nil)
	prov := &overrideProvider{Provider: eng}
	sup, err := New(Config{Target: "joesguns", Tuning: tu}, Deps{Provider: prov, Launcher: eng, Formulas: formulas.Engine{}, Clock: clk})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = sup.Step(ctx)
	require.NoError(t, err)
	require.Equal(t, game.ModeBatch, sup.Status().Mode)

	prov.server = func(s game.ServerState) game.ServerState { return s.WithMoney(s.MaxMoney / 2) }
	d, err := sup.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, tu.SleepsMs.DegradedD(), d)

	st := sup.Status()
	assert.Equal(t, game.ModePrep, st.Mode)
	assert.Equal(t, game.ReasonDegradedState, st.LastReason)
	assert.Equal(t, uint64(1), st.Degraded)
	assert.Zero(t, eng.Stats().Launched)
}

func TestNoFeasibleBatchBacksOffToPrep(t *testing.T) {
	cfg := world(true)
	cfg.Hosts[0].MaxRAM = 4
	fx := newFixture(t, cfg, nil)
	ctx := context.Background()

	_, err := fx.sup.Step(ctx)
	require.NoError(t, err)
	d, err := fx.sup.Step(ctx)
	require.NoError(t, err)

	assert.Equal(t, tuning.Defaults().SleepsMs.BlockedD(), d)
	st := fx.sup.Status()
	assert.Equal(t, game.ModePrep, st.Mode)
	assert.Equal(t, game.ReasonNoFeasibleBatch, st.LastReason)
	assert.Equal(t, uint64(1), st.Backoffs)
}

func TestPrepBlockedWithoutRAM(t *testing.T) {
	cfg := world(false)
	cfg.Hosts[0].MaxRAM = 1
	fx := newFixture(t, cfg, nil)

	d, err := fx.sup.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, tuning.Defaults().SleepsMs.BlockedD(), d)
	st := fx.sup.Status()
	assert.Equal(t, game.RunBackingOff, st.State)
	assert.Equal(t, game.ReasonBlockedNoRAM, st.LastReason)
}

func TestPrepWaitsForOutstandingWorkers(t *testing.T) {
	fx := newFixture(t, world(false), nil)
	ctx := context.Background()

	d, err := fx.sup.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, tuning.Defaults().SleepsMs.PrepTickD(), d)
	launched := fx.eng.Stats().Launched
	require.NotZero(t, launched)

	d, err = fx.sup.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, tuning.Defaults().SleepsMs.PrepBusyD(), d)
	assert.Equal(t, game.RunWaiting, fx.sup.Status().State)
	assert.Equal(t, launched, fx.eng.Stats().Launched)
}

func TestStatusConcurrentReads(t *testing.T) {
	fx := newFixture(t, world(true), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fx.log.onEvent = func(ev game.Event) {
		if ev.Kind == game.EventOutcome {
			cancel()
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for ctx.Err() == nil {
			_ = fx.sup.Status()
		}
	}()
	require.NoError(t, fx.sup.Run(ctx))
	<-done
}

func TestNewValidates(t *testing.T) {
	_, err := New(Config{}, Deps{})
	assert.Error(t, err)

	tu := tuning.Defaults()
	tu.Batch.Epsilon = 0
	eng := hostsim.New(world(true), tu.Costs(), nil, nil)
	_, err = New(Config{Target: "joesguns", Tuning: tu}, Deps{Provider: eng, Launcher: eng, Formulas: formulas.Engine{}})
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrHalted))
}
