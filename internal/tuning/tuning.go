package tuning

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"hwgw.ai/internal/game"
)

// Tuning is every numeric knob the controller uses. Nothing in the control
// flow hard-codes a buffer, tolerance or sleep.
type Tuning struct {
	Tolerances Tolerances `yaml:"tolerances" json:"tolerances"`
	Batch      Batch      `yaml:"batch" json:"batch"`
	Security   Security   `yaml:"security" json:"security"`
	BuffersMs  Buffers    `yaml:"buffers_ms" json:"buffers_ms"`
	Wait       Wait       `yaml:"wait" json:"wait"`
	SleepsMs   Sleeps     `yaml:"sleeps_ms" json:"sleeps_ms"`
	Scripts    Scripts    `yaml:"scripts" json:"scripts"`
	Host       Host       `yaml:"host" json:"host"`
}

// Tolerances define "close enough" for the prepared baseline.
type Tolerances struct {
	// SecurityAbs is the allowed absolute distance above min security.
	SecurityAbs float64 `yaml:"security_abs" json:"security_abs"`
	// MoneyFrac is the fraction of max money that counts as full.
	MoneyFrac float64 `yaml:"money_frac" json:"money_frac"`
	// HealthySecurityPct and HealthyMoneyPct grade a finished batch. They only
	// feed the outcome journal, never a transition.
	HealthySecurityPct float64 `yaml:"healthy_security_pct" json:"healthy_security_pct"`
	HealthyMoneyPct    float64 `yaml:"healthy_money_pct" json:"healthy_money_pct"`
}

// Batch bounds the steal-ratio binary search.
type Batch struct {
	MinRatio float64 `yaml:"min_ratio" json:"min_ratio"`
	MaxRatio float64 `yaml:"max_ratio" json:"max_ratio"`
	Epsilon  float64 `yaml:"epsilon" json:"epsilon"`
}

// Security is the per-thread security effect of each worker kind.
type Security struct {
	HackPerThread   float64 `yaml:"hack_per_thread" json:"hack_per_thread"`
	GrowPerThread   float64 `yaml:"grow_per_thread" json:"grow_per_thread"`
	WeakenPerThread float64 `yaml:"weaken_per_thread" json:"weaken_per_thread"`
}

// Buffers are landing offsets in milliseconds. They are tuned against one host
// engine's scheduling granularity and must be re-derived for another one.
type Buffers struct {
	Hack    int `yaml:"hack" json:"hack"`
	Weaken1 int `yaml:"weaken1" json:"weaken1"`
	Grow    int `yaml:"grow" json:"grow"`
	Weaken2 int `yaml:"weaken2" json:"weaken2"`
	Cycle   int `yaml:"cycle" json:"cycle"`
}

// Wait bounds the post-batch completion polling.
type Wait struct {
	PollIntervalMs int `yaml:"poll_interval_ms" json:"poll_interval_ms"`
	MaxAttempts    int `yaml:"max_attempts" json:"max_attempts"`
}

type Sleeps struct {
	PrepBusy int `yaml:"prep_busy" json:"prep_busy"`
	PrepTick int `yaml:"prep_tick" json:"prep_tick"`
	Blocked  int `yaml:"blocked" json:"blocked"`
	Degraded int `yaml:"degraded" json:"degraded"`
	Loop     int `yaml:"loop" json:"loop"`
}

type Script struct {
	Path         string  `yaml:"path" json:"path"`
	RAMPerThread float64 `yaml:"ram_per_thread" json:"ram_per_thread"`
}

type Scripts struct {
	Hack   Script `yaml:"hack" json:"hack"`
	Grow   Script `yaml:"grow" json:"grow"`
	Weaken Script `yaml:"weaken" json:"weaken"`
}

type Host struct {
	Controller    string  `yaml:"controller" json:"controller"`
	RPCTimeoutMs  int     `yaml:"rpc_timeout_ms" json:"rpc_timeout_ms"`
	RPCRatePerSec float64 `yaml:"rpc_rate_per_sec" json:"rpc_rate_per_sec"`
	RPCBurst      int     `yaml:"rpc_burst" json:"rpc_burst"`
}

func Defaults() Tuning {
	return Tuning{
		Tolerances: Tolerances{
			SecurityAbs:        5,
			MoneyFrac:          0.95,
			HealthySecurityPct: 20,
			HealthyMoneyPct:    99,
		},
		Batch: Batch{MinRatio: 0.01, MaxRatio: 0.95, Epsilon: 0.01},
		Security: Security{
			HackPerThread:   0.002,
			GrowPerThread:   0.004,
			WeakenPerThread: 0.05,
		},
		BuffersMs: Buffers{Hack: 20, Weaken1: 10, Grow: 10, Weaken2: 20, Cycle: 500},
		Wait:      Wait{PollIntervalMs: 1000, MaxAttempts: 10},
		SleepsMs:  Sleeps{PrepBusy: 2000, PrepTick: 1000, Blocked: 5000, Degraded: 1000, Loop: 100},
		Scripts: Scripts{
			Hack:   Script{Path: "/smart/basic-hack.js", RAMPerThread: 1.7},
			Grow:   Script{Path: "/smart/basic-grow.js", RAMPerThread: 1.75},
			Weaken: Script{Path: "/smart/basic-weaken.js", RAMPerThread: 1.75},
		},
		Host: Host{Controller: "home", RPCTimeoutMs: 2000, RPCRatePerSec: 200, RPCBurst: 20},
	}
}

// Load reads path on top of Defaults. Keys missing from the file keep their
// default value.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func (t Tuning) Validate() error {
	var errs []error
	tol := t.Tolerances
	if tol.SecurityAbs < 0 {
		errs = append(errs, fmt.Errorf("tolerances.security_abs must be >= 0"))
	}
	if tol.MoneyFrac <= 0 || tol.MoneyFrac > 1 {
		errs = append(errs, fmt.Errorf("tolerances.money_frac must be in (0,1]"))
	}
	b := t.Batch
	if b.MinRatio <= 0 || b.MaxRatio >= 1 || b.MinRatio >= b.MaxRatio {
		errs = append(errs, fmt.Errorf("batch ratios must satisfy 0 < min_ratio < max_ratio < 1"))
	}
	if b.Epsilon <= 0 {
		errs = append(errs, fmt.Errorf("batch.epsilon must be > 0"))
	}
	if t.Security.WeakenPerThread <= 0 {
		errs = append(errs, fmt.Errorf("security.weaken_per_thread must be > 0"))
	}
	if t.Security.HackPerThread < 0 || t.Security.GrowPerThread < 0 {
		errs = append(errs, fmt.Errorf("security deltas must be >= 0"))
	}
	buf := t.BuffersMs
	if buf.Hack < buf.Weaken1 {
		errs = append(errs, fmt.Errorf("buffers_ms.hack must be >= buffers_ms.weaken1 so hack lands before weaken1"))
	}
	if buf.Weaken2 < buf.Grow {
		errs = append(errs, fmt.Errorf("buffers_ms.weaken2 must be >= buffers_ms.grow so weaken2 lands last"))
	}
	if buf.Grow < -buf.Weaken1 {
		errs = append(errs, fmt.Errorf("buffers_ms.grow must be >= -buffers_ms.weaken1 so grow lands after weaken1"))
	}
	if buf.Cycle < 0 {
		errs = append(errs, fmt.Errorf("buffers_ms.cycle must be >= 0"))
	}
	if t.Wait.MaxAttempts <= 0 || t.Wait.PollIntervalMs <= 0 {
		errs = append(errs, fmt.Errorf("wait.max_attempts and wait.poll_interval_ms must be > 0"))
	}
	for _, s := range []struct {
		name string
		s    Script
	}{{"hack", t.Scripts.Hack}, {"grow", t.Scripts.Grow}, {"weaken", t.Scripts.Weaken}} {
		if s.s.RAMPerThread <= 0 {
			errs = append(errs, fmt.Errorf("scripts.%s.ram_per_thread must be > 0", s.name))
		}
	}
	return errors.Join(errs...)
}

// Costs converts the script and security sections into per-kind costs.
func (t Tuning) Costs() game.Costs {
	return game.Costs{
		Hack:   game.PhaseCost{Kind: game.Hack, RAMPerThread: t.Scripts.Hack.RAMPerThread, SecurityDeltaPerThread: t.Security.HackPerThread},
		Grow:   game.PhaseCost{Kind: game.Grow, RAMPerThread: t.Scripts.Grow.RAMPerThread, SecurityDeltaPerThread: t.Security.GrowPerThread},
		Weaken: game.PhaseCost{Kind: game.Weaken, RAMPerThread: t.Scripts.Weaken.RAMPerThread, SecurityDeltaPerThread: t.Security.WeakenPerThread},
	}
}

func (t Tuning) Script(k game.PhaseKind) Script {
	switch k {
	case game.Hack:
		return t.Scripts.Hack
	case game.Grow:
		return t.Scripts.Grow
	}
	return t.Scripts.Weaken
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func (b Buffers) HackD() time.Duration    { return ms(b.Hack) }
func (b Buffers) Weaken1D() time.Duration { return ms(b.Weaken1) }
func (b Buffers) GrowD() time.Duration    { return ms(b.Grow) }
func (b Buffers) Weaken2D() time.Duration { return ms(b.Weaken2) }
func (b Buffers) CycleD() time.Duration   { return ms(b.Cycle) }

func (w Wait) PollInterval() time.Duration { return ms(w.PollIntervalMs) }

func (s Sleeps) PrepBusyD() time.Duration { return ms(s.PrepBusy) }
func (s Sleeps) PrepTickD() time.Duration { return ms(s.PrepTick) }
func (s Sleeps) BlockedD() time.Duration  { return ms(s.Blocked) }
func (s Sleeps) DegradedD() time.Duration { return ms(s.Degraded) }
func (s Sleeps) LoopD() time.Duration     { return ms(s.Loop) }

func (h Host) RPCTimeout() time.Duration { return ms(h.RPCTimeoutMs) }
