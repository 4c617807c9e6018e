package supervisor

import (
	"context"
	"errors"
	"fmt"

	"hwgw.ai/internal/game"
)

// Preflight errors. Each one is fatal: retrying cannot fix it.
var (
	ErrTargetIsController = errors.New("target cannot be the controller or executing host")
	ErrNoFormulas         = errors.New("player lacks the formulas capability")
	ErrNoRoot             = errors.New("target is not rooted")
	ErrNoMoney            = errors.New("target holds no money")
)

// Preflight verifies what the loop takes for granted: the target exists and
// can be farmed, the executing host exists, and the player can evaluate
// formulas.
func (s *Supervisor) Preflight(ctx context.Context) error {
	if s.target == s.host || s.target == s.tu.Host.Controller {
		return fmt.Errorf("%w: %q", ErrTargetIsController, s.target)
	}

	srv, err := s.provider.ServerState(ctx, s.target)
	if err != nil {
		return fmt.Errorf("target %q: %w", s.target, err)
	}
	if !srv.HasRoot {
		return fmt.Errorf("%w: %q", ErrNoRoot, s.target)
	}
	if srv.MaxMoney <= 0 {
		return fmt.Errorf("%w: %q", ErrNoMoney, s.target)
	}
	if _, err := s.provider.HostCapacity(ctx, s.host); err != nil {
		return fmt.Errorf("host %q: %w", s.host, err)
	}

	p, err := s.provider.PlayerState(ctx)
	if err != nil {
		return fmt.Errorf("player: %w", err)
	}
	if !p.HasFormulas {
		return ErrNoFormulas
	}

	for _, k := range []game.PhaseKind{game.Hack, game.Grow, game.Weaken} {
		if sc := s.tu.Script(k); sc.RAMPerThread <= 0 {
			return fmt.Errorf("worker script for %s (%q) has no RAM cost", k, sc.Path)
		}
	}
	return nil
}
