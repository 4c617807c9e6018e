// Package batch sizes HWGW batches against a RAM budget.
package batch

import (
	"errors"
	"math"

	"hwgw.ai/internal/game"
	"hwgw.ai/internal/tuning"
)

// ErrNoYield means a hack thread steals nothing, so no batch can ever help.
var ErrNoYield = errors.New("batch: hack yield per thread is not positive")

type Planner struct {
	costs    game.Costs
	cfg      tuning.Batch
	formulas game.Formulas
}

func New(t tuning.Tuning, f game.Formulas) *Planner {
	return &Planner{costs: t.Costs(), cfg: t.Batch, formulas: f}
}

// Plan binary-searches the largest steal ratio whose thread plan fits in
// freeRAM. Thread counts are step functions of the ratio, so each probe
// re-derives integer counts instead of solving analytically.
//
// The returned reason is FATAL_NO_YIELD together with ErrNoYield when
// hackYield <= 0, and NO_FEASIBLE_BATCH when even the minimum ratio does not
// fit.
func (p *Planner) Plan(snap game.Snapshot, freeRAM, hackYield float64) (game.ThreadPlan, game.Reason, error) {
	if !(hackYield > 0) || math.IsInf(hackYield, 0) {
		return game.ThreadPlan{}, game.ReasonFatalNoYield, ErrNoYield
	}

	var (
		best  game.ThreadPlan
		found bool
		lo    = p.cfg.MinRatio
		hi    = p.cfg.MaxRatio
	)
	for hi-lo > p.cfg.Epsilon {
		mid := (lo + hi) / 2
		plan := p.Evaluate(snap, mid, hackYield)
		if plan.TotalRAM <= freeRAM {
			best, found = plan, true
			lo = mid
		} else {
			hi = mid
		}
	}
	if !found {
		// The loop never probes lo itself; give the minimum ratio one chance.
		if plan := p.Evaluate(snap, p.cfg.MinRatio, hackYield); plan.TotalRAM <= freeRAM {
			return plan, game.ReasonNone, nil
		}
		return game.ThreadPlan{}, game.ReasonNoFeasibleBatch, nil
	}
	return best, game.ReasonNone, nil
}

// Evaluate derives the four thread counts for one steal ratio.
func (p *Planner) Evaluate(snap game.Snapshot, ratio, hackYield float64) game.ThreadPlan {
	s := snap.Server

	hack := max(1, int(math.Floor(min(ratio/hackYield, math.MaxInt32))))
	stolen := float64(hack) * hackYield
	if stolen > 1 {
		stolen = 1
	}
	after := s.WithMoney(s.Money * (1 - stolen))

	growNeed := p.formulas.GrowThreads(after, snap.Player, s.MaxMoney)
	grow := 1
	if math.IsNaN(growNeed) || growNeed > math.MaxInt32 {
		grow = math.MaxInt32
	} else if g := int(math.Ceil(growNeed)); g > 1 {
		grow = g
	}

	weakenDelta := p.costs.Weaken.SecurityDeltaPerThread
	wHack := max(1, int(math.Ceil(float64(hack)*p.costs.Hack.SecurityDeltaPerThread/weakenDelta)))
	wGrow := max(1, int(math.Ceil(float64(grow)*p.costs.Grow.SecurityDeltaPerThread/weakenDelta)))

	plan := game.ThreadPlan{
		HackThreads:   hack,
		WeakenForHack: wHack,
		GrowThreads:   grow,
		WeakenForGrow: wGrow,
		StealRatio:    ratio,
	}
	plan.TotalRAM = p.costs.PlanRAM(plan)
	return plan
}
