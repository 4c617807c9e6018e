// Package prep decides how to spend free RAM driving a target to its
// baseline: security near its floor and money near its cap.
package prep

import (
	"fmt"
	"math"
	"strings"

	"hwgw.ai/internal/game"
	"hwgw.ai/internal/tuning"
)

// Allocation is a number of threads of one worker kind.
type Allocation struct {
	Kind    game.PhaseKind `json:"kind"`
	Threads int            `json:"threads"`
	Ideal   int            `json:"ideal"`
	RAM     float64        `json:"ram"`
}

// RepairPlan lists allocations in launch order; Weaken always comes first.
type RepairPlan struct {
	Allocations []Allocation `json:"allocations"`
}

func (p RepairPlan) TotalRAM() float64 {
	var sum float64
	for _, a := range p.Allocations {
		sum += a.RAM
	}
	return sum
}

func (p RepairPlan) Threads(k game.PhaseKind) int {
	n := 0
	for _, a := range p.Allocations {
		if a.Kind == k {
			n += a.Threads
		}
	}
	return n
}

func (p RepairPlan) String() string {
	parts := make([]string, 0, len(p.Allocations))
	for _, a := range p.Allocations {
		parts = append(parts, fmt.Sprintf("%s=%d/%d", a.Kind, a.Threads, a.Ideal))
	}
	return strings.Join(parts, " ")
}

// Decision is the planner output. Reason is empty when Plan holds work.
type Decision struct {
	Plan       RepairPlan
	Reason     game.Reason
	SecurityOK bool
	MoneyOK    bool
}

func (d Decision) OK() bool { return d.Reason == game.ReasonNone && len(d.Plan.Allocations) > 0 }

type Planner struct {
	costs    game.Costs
	tol      tuning.Tolerances
	formulas game.Formulas
}

func New(t tuning.Tuning, f game.Formulas) *Planner {
	return &Planner{costs: t.Costs(), tol: t.Tolerances, formulas: f}
}

func (p *Planner) SecurityOK(s game.ServerState) bool {
	return s.Security <= s.MinSecurity+p.tol.SecurityAbs
}

func (p *Planner) MoneyOK(s game.ServerState) bool {
	return s.Money >= s.MaxMoney*p.tol.MoneyFrac
}

// GoalReached reports whether s is inside both tolerances.
func (p *Planner) GoalReached(s game.ServerState) bool {
	return p.SecurityOK(s) && p.MoneyOK(s)
}

// Plan is pure: it never launches anything.
func (p *Planner) Plan(snap game.Snapshot, freeRAM float64) Decision {
	s := snap.Server
	d := Decision{SecurityOK: p.SecurityOK(s), MoneyOK: p.MoneyOK(s)}
	if freeRAM < 0 {
		freeRAM = 0
	}

	switch {
	case d.SecurityOK && d.MoneyOK:
		d.Reason = game.ReasonGoalReached

	case !d.SecurityOK && !d.MoneyOK:
		w := p.weaken(s, freeRAM)
		if w.Threads < 1 {
			d.Reason = game.ReasonBlockedNoRAM
			return d
		}
		d.Plan.Allocations = append(d.Plan.Allocations, w)
		projected := s.WithSecurity(s.Security - float64(w.Threads)*p.costs.Weaken.SecurityDeltaPerThread)
		if g := p.grow(projected, snap.Player, freeRAM-w.RAM); g.Threads > 0 {
			d.Plan.Allocations = append(d.Plan.Allocations, g)
		}

	case !d.SecurityOK:
		w := p.weaken(s, freeRAM)
		if w.Threads < 1 {
			d.Reason = game.ReasonBlockedNoRAM
			return d
		}
		d.Plan.Allocations = append(d.Plan.Allocations, w)
		if s.Money < s.MaxMoney {
			projected := s.WithSecurity(s.Security - float64(w.Threads)*p.costs.Weaken.SecurityDeltaPerThread)
			if g := p.grow(projected, snap.Player, freeRAM-w.RAM); g.Threads > 0 {
				d.Plan.Allocations = append(d.Plan.Allocations, g)
			}
		}

	default:
		g := p.grow(s, snap.Player, freeRAM)
		if g.Threads < 1 {
			d.Reason = game.ReasonBlockedNoRAM
			return d
		}
		d.Plan.Allocations = append(d.Plan.Allocations, g)
	}
	return d
}

// weaken sizes a Weaken allocation that closes the whole security gap, capped
// by RAM.
func (p *Planner) weaken(s game.ServerState, freeRAM float64) Allocation {
	c := p.costs.Weaken
	ideal := int(math.Ceil(s.SecurityGap() / c.SecurityDeltaPerThread))
	n := min(ideal, Fit(freeRAM, c.RAMPerThread))
	return Allocation{Kind: game.Weaken, Threads: n, Ideal: ideal, RAM: float64(n) * c.RAMPerThread}
}

// grow sizes a Grow allocation that takes s to max money, capped by RAM.
func (p *Planner) grow(s game.ServerState, pl game.PlayerState, freeRAM float64) Allocation {
	c := p.costs.Grow
	need := p.formulas.GrowThreads(s, pl, s.MaxMoney)
	ideal := math.MaxInt32
	if !math.IsInf(need, 1) && !math.IsNaN(need) {
		ideal = int(math.Ceil(need))
	}
	n := min(ideal, Fit(freeRAM, c.RAMPerThread))
	if n < 0 {
		n = 0
	}
	return Allocation{Kind: game.Grow, Threads: n, Ideal: ideal, RAM: float64(n) * c.RAMPerThread}
}

// Fit is how many threads of perThread RAM fit in free.
func Fit(free, perThread float64) int {
	if free <= 0 || perThread <= 0 {
		return 0
	}
	return int(math.Floor(free/perThread + 1e-9))
}
