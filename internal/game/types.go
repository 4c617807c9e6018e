package game

import "time"

// ServerState is a single reading of a target's telemetry. It is taken once per
// control-loop tick and never mutated afterwards.
type ServerState struct {
	Hostname          string  `json:"hostname"`
	Security          float64 `json:"security"`
	MinSecurity       float64 `json:"min_security"`
	Money             float64 `json:"money"`
	MaxMoney          float64 `json:"max_money"`
	RequiredHackLevel int     `json:"required_hack_level"`
	GrowthRate        float64 `json:"growth_rate"`
	HasRoot           bool    `json:"has_root"`
	MaxRAM            float64 `json:"max_ram,omitempty"`
}

// SecurityGap is how far security sits above its floor.
func (s ServerState) SecurityGap() float64 {
	if s.Security <= s.MinSecurity {
		return 0
	}
	return s.Security - s.MinSecurity
}

// MoneyFraction returns money/maxMoney, or 0 for targets that hold no money.
func (s ServerState) MoneyFraction() float64 {
	if s.MaxMoney <= 0 {
		return 0
	}
	return s.Money / s.MaxMoney
}

// WithMoney returns a copy with money replaced, clamped to [0, MaxMoney].
func (s ServerState) WithMoney(m float64) ServerState {
	if m < 0 {
		m = 0
	}
	if s.MaxMoney > 0 && m > s.MaxMoney {
		m = s.MaxMoney
	}
	s.Money = m
	return s
}

// WithSecurity returns a copy with security replaced, never below MinSecurity.
func (s ServerState) WithSecurity(sec float64) ServerState {
	if sec < s.MinSecurity {
		sec = s.MinSecurity
	}
	s.Security = sec
	return s
}

// HostCapacity is the RAM view of the host that runs workers.
type HostCapacity struct {
	Host    string  `json:"host"`
	MaxRAM  float64 `json:"max_ram"`
	UsedRAM float64 `json:"used_ram"`
}

func (h HostCapacity) FreeRAM() float64 {
	free := h.MaxRAM - h.UsedRAM
	if free < 0 {
		return 0
	}
	return free
}

// PlayerState carries the actor attributes the formulas depend on.
type PlayerState struct {
	HackLevel     int     `json:"hack_level"`
	HackMult      float64 `json:"hack_mult"`
	HackSpeedMult float64 `json:"hack_speed_mult"`
	GrowMult      float64 `json:"grow_mult"`
	HasFormulas   bool    `json:"has_formulas"`
}

// Snapshot bundles everything a planner may look at during one tick.
type Snapshot struct {
	Server  ServerState
	Host    HostCapacity
	Player  PlayerState
	TakenAt time.Time
}

// Handle identifies a launched worker. Zero is never a valid handle.
type Handle int

// ThreadPlan is one HWGW batch sized to fit the RAM budget.
type ThreadPlan struct {
	HackThreads   int     `json:"hack_threads"`
	WeakenForHack int     `json:"weaken_for_hack"`
	GrowThreads   int     `json:"grow_threads"`
	WeakenForGrow int     `json:"weaken_for_grow"`
	TotalRAM      float64 `json:"total_ram"`
	StealRatio    float64 `json:"steal_ratio"`
}

func (p ThreadPlan) TotalThreads() int {
	return p.HackThreads + p.WeakenForHack + p.GrowThreads + p.WeakenForGrow
}

// Mode is the supervisor's operating mode.
type Mode string

const (
	ModePrep  Mode = "PREP"
	ModeBatch Mode = "BATCH"
)

// RunState is the externally visible status of the control loop.
type RunState string

const (
	RunStarting   RunState = "STARTING"
	RunCycling    RunState = "CYCLING"
	RunWaiting    RunState = "WAITING"
	RunBackingOff RunState = "BACKING_OFF"
	RunHalted     RunState = "HALTED"
)
