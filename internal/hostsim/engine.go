// Package hostsim is an in-process host engine. It owns server telemetry,
// host RAM and the worker processes the controller launches, and applies each
// worker's effect when it finishes.
package hostsim

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"hwgw.ai/internal/formulas"
	"hwgw.ai/internal/game"
)

var (
	ErrUnknownServer = game.ErrUnknownServer
	ErrUnknownHost   = game.ErrUnknownHost
)

type process struct {
	handle  game.Handle
	kind    game.PhaseKind
	host    string
	target  string
	threads int
	ram     float64
	start   time.Time
	finish  time.Time
}

// Now is the engine's time source.
type Now func() time.Time

type Engine struct {
	now    Now
	costs  game.Costs
	f      formulas.Engine
	logger *zap.Logger

	mu      sync.Mutex
	player  game.PlayerState
	servers map[string]game.ServerState
	hosts   map[string]*game.HostCapacity
	procs   map[game.Handle]*process
	next    game.Handle
	stats   Stats
}

// Stats counts what the engine has done since it started.
type Stats struct {
	Launched   uint64    `json:"launched"`
	Refused    uint64    `json:"refused"`
	Finished   uint64    `json:"finished"`
	Stolen     float64   `json:"stolen"`
	Running    int       `json:"running"`
	UsedRAM    float64   `json:"used_ram"`
	LastSettle time.Time `json:"last_settle"`
}

func New(cfg Config, costs game.Costs, now Now, logger *zap.Logger) *Engine {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		now:     now,
		costs:   costs,
		logger:  logger,
		player:  cfg.Player.state(),
		servers: make(map[string]game.ServerState, len(cfg.Servers)),
		hosts:   make(map[string]*game.HostCapacity, len(cfg.Hosts)),
		procs:   make(map[game.Handle]*process),
		next:    1,
	}
	for _, s := range cfg.Servers {
		e.servers[s.Name] = s.state()
	}
	for _, h := range cfg.Hosts {
		e.hosts[h.Name] = &game.HostCapacity{Host: h.Name, MaxRAM: h.MaxRAM}
	}
	return e
}

var (
	_ game.Provider = (*Engine)(nil)
	_ game.Launcher = (*Engine)(nil)
)

func (e *Engine) ServerState(_ context.Context, target string) (game.ServerState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.settleLocked(e.now())
	s, ok := e.servers[target]
	if !ok {
		return game.ServerState{}, fmt.Errorf("%w: %q", ErrUnknownServer, target)
	}
	if h, ok := e.hosts[target]; ok {
		s.MaxRAM = h.MaxRAM
	}
	return s, nil
}

func (e *Engine) HostCapacity(_ context.Context, host string) (game.HostCapacity, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.settleLocked(e.now())
	h, ok := e.hosts[host]
	if !ok {
		return game.HostCapacity{}, fmt.Errorf("%w: %q", ErrUnknownHost, host)
	}
	return *h, nil
}

func (e *Engine) PlayerState(context.Context) (game.PlayerState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.player, nil
}

// ListServers returns every server sorted by name.
func (e *Engine) ListServers(context.Context) ([]game.ServerState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.settleLocked(e.now())
	out := make([]game.ServerState, 0, len(e.servers))
	for name, s := range e.servers {
		if h, ok := e.hosts[name]; ok {
			s.MaxRAM = h.MaxRAM
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hostname < out[j].Hostname })
	return out, nil
}

// Launch reserves threads*ramPerThread on the host for the worker's lifetime.
// It returns handle 0 with a nil error when the host is out of RAM or the
// request is invalid.
func (e *Engine) Launch(_ context.Context, req game.LaunchRequest) (game.Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	e.settleLocked(now)

	h, okHost := e.hosts[req.Host]
	s, okTarget := e.servers[req.Target]
	if !okHost || !okTarget || !req.Kind.Valid() || req.Threads < 1 || req.StartOffset < 0 {
		e.stats.Refused++
		e.logger.Debug("exec refused: invalid request",
			zap.String("host", req.Host), zap.String("target", req.Target),
			zap.Stringer("kind", req.Kind), zap.Int("threads", req.Threads))
		return 0, nil
	}
	ram := float64(req.Threads) * e.costs.Of(req.Kind).RAMPerThread
	if ram > h.FreeRAM()+1e-9 {
		e.stats.Refused++
		e.logger.Debug("exec refused: out of ram",
			zap.String("host", req.Host), zap.Float64("need", ram), zap.Float64("free", h.FreeRAM()))
		return 0, nil
	}

	start := now.Add(req.StartOffset)
	// Run time is fixed from the target's state when the worker is launched.
	p := &process{
		handle:  e.next,
		kind:    req.Kind,
		host:    req.Host,
		target:  req.Target,
		threads: req.Threads,
		ram:     ram,
		start:   start,
		finish:  start.Add(e.f.Duration(req.Kind, s, e.player)),
	}
	e.next++
	e.procs[p.handle] = p
	h.UsedRAM += ram
	e.stats.Launched++
	return p.handle, nil
}

func (e *Engine) IsAlive(_ context.Context, handle game.Handle) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.settleLocked(e.now())
	_, ok := e.procs[handle]
	return ok, nil
}

// Settle applies every worker that has finished by now, in finish order.
func (e *Engine) Settle(now time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.settleLocked(now)
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.stats
	st.Running = len(e.procs)
	for _, h := range e.hosts {
		st.UsedRAM += h.UsedRAM
	}
	return st
}

func (e *Engine) settleLocked(now time.Time) int {
	var due []*process
	for _, p := range e.procs {
		if !p.finish.After(now) {
			due = append(due, p)
		}
	}
	if len(due) == 0 {
		return 0
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].finish.Equal(due[j].finish) {
			return due[i].finish.Before(due[j].finish)
		}
		return due[i].handle < due[j].handle
	})
	for _, p := range due {
		e.applyLocked(p)
		delete(e.procs, p.handle)
		if h, ok := e.hosts[p.host]; ok {
			h.UsedRAM -= p.ram
			if h.UsedRAM < 1e-9 {
				h.UsedRAM = 0
			}
		}
		e.stats.Finished++
	}
	e.stats.LastSettle = now
	return len(due)
}

func (e *Engine) applyLocked(p *process) {
	s := e.servers[p.target]
	threads := float64(p.threads)
	switch p.kind {
	case game.Hack:
		frac := min(1, threads*e.f.HackYieldPerThread(s, e.player))
		stolen := s.Money * frac
		e.stats.Stolen += stolen
		s = s.WithMoney(s.Money - stolen)
		s.Security += threads * e.costs.Hack.SecurityDeltaPerThread
	case game.Grow:
		s = s.WithMoney(formulas.GrowMoney(s, e.player, p.threads))
		s.Security += threads * e.costs.Grow.SecurityDeltaPerThread
	case game.Weaken:
		s = s.WithSecurity(s.Security - threads*e.costs.Weaken.SecurityDeltaPerThread)
	}
	e.servers[p.target] = s
}
