package supervisor

import (
	"time"

	"hwgw.ai/internal/game"
)

// Status is a copy of the loop's externally visible state.
type Status struct {
	RunID      string        `json:"run_id"`
	Target     string        `json:"target"`
	Host       string        `json:"host"`
	Mode       game.Mode     `json:"mode"`
	State      game.RunState `json:"state"`
	LastReason game.Reason   `json:"last_reason,omitempty"`
	LastError  string        `json:"last_error,omitempty"`
	UpdatedAt  time.Time     `json:"updated_at"`

	Server   game.ServerState `json:"server"`
	FreeRAM  float64          `json:"free_ram"`
	LastPlan *game.ThreadPlan `json:"last_plan,omitempty"`

	Transitions    uint64 `json:"transitions"`
	PrepRounds     uint64 `json:"prep_rounds"`
	Batches        uint64 `json:"batches"`
	Healthy        uint64 `json:"healthy"`
	Unhealthy      uint64 `json:"unhealthy"`
	Degraded       uint64 `json:"degraded"`
	Backoffs       uint64 `json:"backoffs"`
	LaunchFailures uint64 `json:"launch_failures"`
	WaitTimeouts   uint64 `json:"wait_timeouts"`
}

// Halted reports whether the loop stopped on a fatal condition.
func (s Status) Halted() bool { return s.State == game.RunHalted }

// Status is safe to call from any goroutine.
func (s *Supervisor) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.status
	if st.LastPlan != nil {
		p := *st.LastPlan
		st.LastPlan = &p
	}
	return st
}

func (s *Supervisor) setStatus(fn func(*Status)) {
	now := s.clk.Now()
	s.mu.Lock()
	fn(&s.status)
	s.status.UpdatedAt = now
	s.mu.Unlock()
}
