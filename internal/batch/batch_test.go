package batch

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hwgw.ai/internal/formulas"
	"hwgw.ai/internal/game"
	"hwgw.ai/internal/tuning"
)

type linearFormulas struct{ moneyPerThread float64 }

func (linearFormulas) Duration(game.PhaseKind, game.ServerState, game.PlayerState) time.Duration {
	return time.Second
}

func (linearFormulas) HackYieldPerThread(game.ServerState, game.PlayerState) float64 { return 0.01 }

func (f linearFormulas) GrowThreads(s game.ServerState, _ game.PlayerState, target float64) float64 {
	if s.Money >= target {
		return 0
	}
	return (target - s.Money) / f.moneyPerThread
}

func preparedSnap() game.Snapshot {
	return game.Snapshot{Server: game.ServerState{
		Hostname: "phantasy", Security: 20, MinSecurity: 20, Money: 1_000_000, MaxMoney: 1_000_000,
	}}
}

func TestPlanConvergesNearBudgetEdge(t *testing.T) {
	p := New(tuning.Defaults(), linearFormulas{moneyPerThread: 10_000})
	s := preparedSnap()

	// The budget fits exactly 40 hack threads (ratio 0.40) and nothing larger.
	budget := p.Evaluate(s, 0.405, 0.01).TotalRAM
	require.Less(t, budget, p.Evaluate(s, 0.45, 0.01).TotalRAM)

	plan, reason, err := p.Plan(s, budget, 0.01)
	require.NoError(t, err)
	require.Equal(t, game.ReasonNone, reason)
	assert.Equal(t, 40, plan.HackThreads)
	assert.GreaterOrEqual(t, plan.StealRatio, 0.39)
	assert.Less(t, plan.StealRatio, 0.41)
	assert.LessOrEqual(t, plan.TotalRAM, budget)
	assert.Equal(t, 40, plan.GrowThreads)
	assert.Equal(t, 2, plan.WeakenForHack)
	assert.Equal(t, 4, plan.WeakenForGrow)
}

func TestPlanNoYieldIsFatal(t *testing.T) {
	p := New(tuning.Defaults(), linearFormulas{moneyPerThread: 10_000})
	for _, y := range []float64{0, -0.1} {
		_, reason, err := p.Plan(preparedSnap(), 1e9, y)
		assert.ErrorIs(t, err, ErrNoYield)
		assert.Equal(t, game.ReasonFatalNoYield, reason)
		assert.True(t, reason.Fatal())
	}
}

func TestPlanNothingFits(t *testing.T) {
	p := New(tuning.Defaults(), linearFormulas{moneyPerThread: 10_000})
	plan, reason, err := p.Plan(preparedSnap(), 5, 0.01)
	require.NoError(t, err)
	assert.Equal(t, game.ReasonNoFeasibleBatch, reason)
	assert.Equal(t, game.ThreadPlan{}, plan)
}

func TestPlanTinyYieldClampsThreads(t *testing.T) {
	p := New(tuning.Defaults(), linearFormulas{moneyPerThread: 10_000})
	s := preparedSnap()

	plan, reason, err := p.Plan(s, 1e6, 1e-20)
	require.NoError(t, err)
	assert.Equal(t, game.ReasonNoFeasibleBatch, reason)
	assert.Equal(t, game.ThreadPlan{}, plan)

	low := p.Evaluate(s, 0.01, 1e-20)
	high := p.Evaluate(s, 0.5, 1e-20)
	assert.Equal(t, math.MaxInt32, low.HackThreads)
	assert.GreaterOrEqual(t, high.TotalRAM, low.TotalRAM)
}

func TestPlanMinimumRatioOnlyJustFits(t *testing.T) {
	p := New(tuning.Defaults(), linearFormulas{moneyPerThread: 10_000})
	s := preparedSnap()
	minimal := p.Evaluate(s, 0.01, 0.01)

	plan, reason, err := p.Plan(s, minimal.TotalRAM, 0.01)
	require.NoError(t, err)
	assert.Equal(t, game.ReasonNone, reason)
	assert.Equal(t, 1, plan.HackThreads)
	assert.LessOrEqual(t, plan.TotalRAM, minimal.TotalRAM)
}

func TestEvaluateRAMMonotonicInRatio(t *testing.T) {
	p := New(tuning.Defaults(), formulas.Engine{})
	s := game.Snapshot{
		Server: game.ServerState{
			Hostname: "omega-net", Security: 10, MinSecurity: 10, Money: 60_000_000, MaxMoney: 60_000_000,
			RequiredHackLevel: 200, GrowthRate: 35,
		},
		Player: game.PlayerState{HackLevel: 400, HackMult: 1, HackSpeedMult: 1, GrowMult: 1},
	}
	y := formulas.Engine{}.HackYieldPerThread(s.Server, s.Player)
	require.Greater(t, y, 0.0)

	prev := 0.0
	for r := 0.01; r <= 0.95; r += 0.005 {
		ram := p.Evaluate(s, r, y).TotalRAM
		assert.GreaterOrEqual(t, ram, prev, "ratio=%.3f", r)
		prev = ram
	}
}

func TestPlanIsIdempotent(t *testing.T) {
	p := New(tuning.Defaults(), formulas.Engine{})
	s := game.Snapshot{
		Server: game.ServerState{
			Hostname: "joesguns", Security: 5, MinSecurity: 5, Money: 2_500_000, MaxMoney: 2_500_000,
			RequiredHackLevel: 10, GrowthRate: 20,
		},
		Player: game.PlayerState{HackLevel: 80, HackMult: 1, HackSpeedMult: 1, GrowMult: 1},
	}
	y := formulas.Engine{}.HackYieldPerThread(s.Server, s.Player)

	a, ra, ea := p.Plan(s, 512, y)
	b, rb, eb := p.Plan(s, 512, y)
	assert.Equal(t, a, b)
	assert.Equal(t, ra, rb)
	assert.Equal(t, ea, eb)
}

func TestPlanAlwaysFitsBudget(t *testing.T) {
	p := New(tuning.Defaults(), formulas.Engine{})
	rng := rand.New(rand.NewSource(7))
	s := game.Snapshot{
		Server: game.ServerState{
			Hostname: "max-hardware", Security: 15, MinSecurity: 15, Money: 10_000_000, MaxMoney: 10_000_000,
			RequiredHackLevel: 80, GrowthRate: 30,
		},
		Player: game.PlayerState{HackLevel: 250, HackMult: 1.2, HackSpeedMult: 1, GrowMult: 1},
	}
	y := formulas.Engine{}.HackYieldPerThread(s.Server, s.Player)

	for i := 0; i < 200; i++ {
		free := rng.Float64() * 4096
		plan, reason, err := p.Plan(s, free, y)
		require.NoError(t, err)
		if reason == game.ReasonNoFeasibleBatch {
			continue
		}
		assert.LessOrEqual(t, plan.TotalRAM, free)
		assert.GreaterOrEqual(t, plan.HackThreads, 1)
		assert.GreaterOrEqual(t, plan.WeakenForHack, 1)
		assert.GreaterOrEqual(t, plan.GrowThreads, 1)
		assert.GreaterOrEqual(t, plan.WeakenForGrow, 1)
	}
}
