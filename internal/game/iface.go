package game

import (
	"context"
	"errors"
	"time"
)

// Lookup errors shared by every Provider implementation.
var (
	ErrUnknownServer = errors.New("unknown server")
	ErrUnknownHost   = errors.New("unknown host")
)

// Provider reads live telemetry from the host engine.
type Provider interface {
	ServerState(ctx context.Context, target string) (ServerState, error)
	HostCapacity(ctx context.Context, host string) (HostCapacity, error)
	PlayerState(ctx context.Context) (PlayerState, error)
}

// Formulas evaluates the player-dependent duration and yield formulas.
type Formulas interface {
	Duration(kind PhaseKind, s ServerState, p PlayerState) time.Duration
	HackYieldPerThread(s ServerState, p PlayerState) float64
	// GrowThreads is fractional; callers take the ceiling.
	GrowThreads(s ServerState, p PlayerState, targetMoney float64) float64
}

// LaunchRequest asks the host to start a worker.
type LaunchRequest struct {
	Kind        PhaseKind
	Host        string
	Threads     int
	Target      string
	StartOffset time.Duration
}

// Launcher is the external process-execution facility. Launch returns a zero
// handle when the host refuses the worker (out of RAM or invalid args).
type Launcher interface {
	Launch(ctx context.Context, req LaunchRequest) (Handle, error)
	IsAlive(ctx context.Context, h Handle) (bool, error)
}

// TakeSnapshot reads server, host and player state in one go.
func TakeSnapshot(ctx context.Context, p Provider, target, host string, now time.Time) (Snapshot, error) {
	srv, err := p.ServerState(ctx, target)
	if err != nil {
		return Snapshot{}, err
	}
	hc, err := p.HostCapacity(ctx, host)
	if err != nil {
		return Snapshot{}, err
	}
	pl, err := p.PlayerState(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Server: srv, Host: hc, Player: pl, TakenAt: now}, nil
}
