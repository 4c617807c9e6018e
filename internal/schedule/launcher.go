package schedule

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"hwgw.ai/internal/game"
	"hwgw.ai/internal/prep"
)

// ErrLaunchFailed is returned when the host refuses a worker. Workers started
// before the failure keep running; the caller owns their handles.
var ErrLaunchFailed = errors.New("launch failed")

// LaunchError names the slot that failed.
type LaunchError struct {
	Kind   game.PhaseKind
	Slot   string
	Handle game.Handle
	Err    error
}

func (e *LaunchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("launch %s (%s): %v", e.Slot, e.Kind, e.Err)
	}
	return fmt.Sprintf("launch %s (%s): host returned handle %d", e.Slot, e.Kind, e.Handle)
}

func (e *LaunchError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrLaunchFailed, e.Err}
	}
	return []error{ErrLaunchFailed}
}

// Launcher issues launch requests against one executing host, one at a time.
type Launcher struct {
	host   string
	exec   game.Launcher
	logger *zap.Logger
}

func NewLauncher(host string, exec game.Launcher, logger *zap.Logger) *Launcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Launcher{host: host, exec: exec, logger: logger}
}

// Launched is what actually reached the host.
type Launched struct {
	Handles []game.Handle
}

// Launch starts the four slots of s in phase order using normalized offsets.
// On the first failure it stops; remaining slots are never requested.
func (l *Launcher) Launch(ctx context.Context, target string, s Schedule) (Launched, error) {
	var out Launched
	for _, w := range s.Normalized() {
		h, err := l.exec.Launch(ctx, game.LaunchRequest{
			Kind:        w.Kind,
			Host:        l.host,
			Threads:     w.Threads,
			Target:      target,
			StartOffset: w.StartOffset,
		})
		if err != nil || h == 0 {
			le := &LaunchError{Kind: w.Kind, Slot: w.Phase.String(), Handle: h, Err: err}
			l.logger.Warn("batch launch aborted",
				zap.String("target", target),
				zap.String("slot", w.Phase.String()),
				zap.Int("threads", w.Threads),
				zap.Int("issued", len(out.Handles)),
				zap.Error(le),
			)
			return out, le
		}
		out.Handles = append(out.Handles, h)
	}
	l.logger.Debug("batch launched", zap.String("target", target), zap.Stringer("schedule", s))
	return out, nil
}

// LaunchPrep starts a repair plan's allocations in order, all at offset zero,
// with the same abort rule as Launch.
func (l *Launcher) LaunchPrep(ctx context.Context, target string, plan prep.RepairPlan) (Launched, error) {
	var out Launched
	for _, a := range plan.Allocations {
		if a.Threads < 1 {
			continue
		}
		h, err := l.exec.Launch(ctx, game.LaunchRequest{
			Kind:    a.Kind,
			Host:    l.host,
			Threads: a.Threads,
			Target:  target,
		})
		if err != nil || h == 0 {
			le := &LaunchError{Kind: a.Kind, Slot: "prep", Handle: h, Err: err}
			l.logger.Warn("prep launch aborted", zap.String("target", target), zap.Int("threads", a.Threads), zap.Error(le))
			return out, le
		}
		out.Handles = append(out.Handles, h)
	}
	return out, nil
}
