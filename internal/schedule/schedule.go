// Package schedule turns a thread plan into timed launch windows and issues
// them to the host.
package schedule

import (
	"fmt"
	"strings"
	"time"

	"hwgw.ai/internal/game"
	"hwgw.ai/internal/tuning"
)

// Durations are the run times of each worker kind against the snapshot the
// plan was made from.
type Durations struct {
	Hack   time.Duration `json:"hack"`
	Grow   time.Duration `json:"grow"`
	Weaken time.Duration `json:"weaken"`
}

func DurationsFor(f game.Formulas, s game.ServerState, p game.PlayerState) Durations {
	return Durations{
		Hack:   f.Duration(game.Hack, s, p),
		Grow:   f.Duration(game.Grow, s, p),
		Weaken: f.Duration(game.Weaken, s, p),
	}
}

func (d Durations) Of(k game.PhaseKind) time.Duration {
	switch k {
	case game.Hack:
		return d.Hack
	case game.Grow:
		return d.Grow
	}
	return d.Weaken
}

func (d Durations) Longest() time.Duration {
	return max(d.Hack, d.Grow, d.Weaken)
}

// Valid reports whether weaken is strictly the slowest kind. The landing order
// only holds under that assumption.
func (d Durations) Valid() bool {
	return d.Hack > 0 && d.Grow > 0 && d.Weaken > d.Hack && d.Weaken > d.Grow
}

// Window is one slot of a batch: what to start and how long after "now".
type Window struct {
	Phase       game.Phase     `json:"phase"`
	Kind        game.PhaseKind `json:"kind"`
	Threads     int            `json:"threads"`
	StartOffset time.Duration  `json:"start_offset"`
}

// Schedule holds the four windows indexed by game.Phase.
type Schedule [4]Window

// Finishes returns the landing time of each slot relative to "now".
func (s Schedule) Finishes(d Durations) [4]time.Duration {
	var out [4]time.Duration
	for i, w := range s {
		out[i] = w.StartOffset + d.Of(w.Kind)
	}
	return out
}

// Normalized shifts every offset so the earliest start is zero. Relative skew,
// and therefore landing order, is unchanged.
func (s Schedule) Normalized() Schedule {
	earliest := s[0].StartOffset
	for _, w := range s[1:] {
		earliest = min(earliest, w.StartOffset)
	}
	if earliest >= 0 {
		return s
	}
	out := s
	for i := range out {
		out[i].StartOffset -= earliest
	}
	return out
}

// Span is how long after "now" the last slot lands.
func (s Schedule) Span(d Durations) time.Duration {
	f := s.Finishes(d)
	return max(f[0], f[1], f[2], f[3])
}

func (s Schedule) String() string {
	parts := make([]string, 0, len(s))
	for _, w := range s {
		parts = append(parts, fmt.Sprintf("%s x%d @%dms", w.Phase, w.Threads, w.StartOffset.Milliseconds()))
	}
	return strings.Join(parts, " ")
}

type Scheduler struct {
	buf tuning.Buffers
}

func New(t tuning.Tuning) *Scheduler {
	return &Scheduler{buf: t.BuffersMs}
}

// Schedule anchors the batch on the first weaken finishing at now+weaken:
//
//	hack    = weaken - hack - buf.hack
//	weaken1 = -buf.weaken1
//	grow    = weaken - grow + buf.grow
//	weaken2 = buf.weaken2
//
// Offsets may be negative; use Normalized before launching.
func (sc *Scheduler) Schedule(plan game.ThreadPlan, d Durations) Schedule {
	var s Schedule
	for _, ph := range game.Phases {
		s[ph] = Window{Phase: ph, Kind: ph.Kind(), Threads: ph.Threads(plan)}
	}
	s[game.PhaseHack].StartOffset = d.Weaken - d.Hack - sc.buf.HackD()
	s[game.PhaseWeakenHack].StartOffset = -sc.buf.Weaken1D()
	s[game.PhaseGrow].StartOffset = d.Weaken - d.Grow + sc.buf.GrowD()
	s[game.PhaseWeakenGrow].StartOffset = sc.buf.Weaken2D()
	return s
}

// CycleWait is how long to sleep after launching s before polling for
// completion: the last landing of the normalized schedule plus the cycle
// buffer. It is never shorter than the longest duration plus the buffer.
func (sc *Scheduler) CycleWait(s Schedule, d Durations) time.Duration {
	return max(s.Normalized().Span(d), d.Longest()) + sc.buf.CycleD()
}
