package game

import (
	"fmt"
	"strings"
)

// PhaseKind is the kind of worker script.
type PhaseKind int

const (
	Hack PhaseKind = iota + 1
	Grow
	Weaken
)

var phaseKindNames = map[PhaseKind]string{
	Hack:   "hack",
	Grow:   "grow",
	Weaken: "weaken",
}

func (k PhaseKind) String() string {
	if s, ok := phaseKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("PhaseKind(%d)", int(k))
}

func (k PhaseKind) Valid() bool {
	_, ok := phaseKindNames[k]
	return ok
}

func (k PhaseKind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("invalid phase kind %d", int(k))
	}
	return []byte(k.String()), nil
}

func (k *PhaseKind) UnmarshalText(b []byte) error {
	v, err := ParsePhaseKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

func ParsePhaseKind(s string) (PhaseKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "hack":
		return Hack, nil
	case "grow":
		return Grow, nil
	case "weaken":
		return Weaken, nil
	}
	return 0, fmt.Errorf("unknown phase kind %q", s)
}

// Phase is a slot in the HWGW batch. Weaken appears twice, so slots and kinds
// are distinct.
type Phase int

const (
	PhaseHack Phase = iota
	PhaseWeakenHack
	PhaseGrow
	PhaseWeakenGrow
)

// Phases lists the batch slots in required landing order.
var Phases = [4]Phase{PhaseHack, PhaseWeakenHack, PhaseGrow, PhaseWeakenGrow}

func (p Phase) Kind() PhaseKind {
	switch p {
	case PhaseHack:
		return Hack
	case PhaseGrow:
		return Grow
	case PhaseWeakenHack, PhaseWeakenGrow:
		return Weaken
	}
	panic(fmt.Sprintf("unknown phase %d", int(p)))
}

func (p Phase) String() string {
	switch p {
	case PhaseHack:
		return "H"
	case PhaseWeakenHack:
		return "W1"
	case PhaseGrow:
		return "G"
	case PhaseWeakenGrow:
		return "W2"
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// Threads picks the slot's thread count out of a plan.
func (p Phase) Threads(plan ThreadPlan) int {
	switch p {
	case PhaseHack:
		return plan.HackThreads
	case PhaseWeakenHack:
		return plan.WeakenForHack
	case PhaseGrow:
		return plan.GrowThreads
	case PhaseWeakenGrow:
		return plan.WeakenForGrow
	}
	return 0
}

// PhaseCost is fixed at plan time for each worker kind.
type PhaseCost struct {
	Kind                   PhaseKind
	RAMPerThread           float64
	SecurityDeltaPerThread float64
}

// Costs holds the cost of each worker kind.
type Costs struct {
	Hack   PhaseCost
	Grow   PhaseCost
	Weaken PhaseCost
}

func (c Costs) Of(k PhaseKind) PhaseCost {
	switch k {
	case Hack:
		return c.Hack
	case Grow:
		return c.Grow
	case Weaken:
		return c.Weaken
	}
	return PhaseCost{}
}

// PlanRAM is the RAM needed to run every slot of plan at once.
func (c Costs) PlanRAM(plan ThreadPlan) float64 {
	return float64(plan.HackThreads)*c.Hack.RAMPerThread +
		float64(plan.WeakenForHack)*c.Weaken.RAMPerThread +
		float64(plan.GrowThreads)*c.Grow.RAMPerThread +
		float64(plan.WeakenForGrow)*c.Weaken.RAMPerThread
}
