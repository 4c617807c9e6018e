// Package formulas implements the host engine's duration, yield and growth
// formulas so planning never needs a round trip per probe.
package formulas

import (
	"math"
	"time"

	"hwgw.ai/internal/game"
)

const (
	hackTimeMult     = 5.0
	growTimeMult     = 3.2
	weakenTimeMult   = 4.0
	diffFactor       = 2.5
	baseDiff         = 500.0
	baseSkill        = 50.0
	hackYieldDivisor = 240.0

	growthBaseRate = 1.03
	growthMaxRate  = 1.0035
	maxSecurity    = 100.0
)

// Engine is stateless; the zero value is ready to use.
type Engine struct{}

var _ game.Formulas = Engine{}

func (Engine) Duration(kind game.PhaseKind, s game.ServerState, p game.PlayerState) time.Duration {
	h := hackSeconds(s, p)
	switch kind {
	case game.Grow:
		h *= growTimeMult
	case game.Weaken:
		h *= weakenTimeMult
	}
	return time.Duration(h * float64(time.Second))
}

func hackSeconds(s game.ServerState, p game.PlayerState) float64 {
	speed := p.HackSpeedMult
	if speed <= 0 {
		speed = 1
	}
	difficulty := float64(s.RequiredHackLevel) * s.Security
	skill := (diffFactor*difficulty + baseDiff) / (float64(p.HackLevel) + baseSkill)
	return hackTimeMult * skill / speed
}

func (Engine) HackYieldPerThread(s game.ServerState, p game.PlayerState) float64 {
	if p.HackLevel <= 0 || p.HackLevel < s.RequiredHackLevel {
		return 0
	}
	mult := p.HackMult
	if mult <= 0 {
		mult = 1
	}
	difficulty := (maxSecurity - s.Security) / maxSecurity
	skill := float64(p.HackLevel-(s.RequiredHackLevel-1)) / float64(p.HackLevel)
	y := difficulty * skill * mult / hackYieldDivisor
	switch {
	case y < 0 || math.IsNaN(y):
		return 0
	case y > 1:
		return 1
	}
	return y
}

// LogGrowthPerThread is ln of the money multiplier contributed by one grow
// thread at the given security.
func LogGrowthPerThread(s game.ServerState, p game.PlayerState) float64 {
	sec := s.Security
	if sec <= 0 {
		sec = 1
	}
	rate := 1 + (growthBaseRate-1)/sec
	if rate > growthMaxRate {
		rate = growthMaxRate
	}
	mult := p.GrowMult
	if mult <= 0 {
		mult = 1
	}
	return math.Log(rate) * (s.GrowthRate / 100) * mult
}

// GrowMoney is the money after threads grow workers finish against s.
func GrowMoney(s game.ServerState, p game.PlayerState, threads int) float64 {
	if threads <= 0 {
		return s.Money
	}
	base := math.Max(s.Money, 1)
	out := base * math.Exp(LogGrowthPerThread(s, p)*float64(threads))
	if s.MaxMoney > 0 && out > s.MaxMoney {
		return s.MaxMoney
	}
	return out
}

func (Engine) GrowThreads(s game.ServerState, p game.PlayerState, targetMoney float64) float64 {
	if s.MaxMoney > 0 && targetMoney > s.MaxMoney {
		targetMoney = s.MaxMoney
	}
	base := math.Max(s.Money, 1)
	if base >= targetMoney {
		return 0
	}
	per := LogGrowthPerThread(s, p)
	if per <= 0 {
		return math.Inf(1)
	}
	return math.Log(targetMoney/base) / per
}
