// Package targets ranks servers the controller could farm. It works on a list
// the host already reports; it never scans the network.
package targets

import (
	"sort"
	"time"

	"hwgw.ai/internal/game"
)

type Candidate struct {
	Server game.ServerState `json:"server"`
	Score  float64          `json:"score"`
	// WeakenTime is the cycle length once the server is prepared.
	WeakenTime time.Duration `json:"weaken_time"`
}

// Rank keeps rooted servers the player can hack that hold money, and orders
// them by max money over min security, best first. Names in exclude (usually
// the controller host) are dropped.
func Rank(servers []game.ServerState, p game.PlayerState, f game.Formulas, exclude ...string) []Candidate {
	skip := make(map[string]bool, len(exclude))
	for _, n := range exclude {
		skip[n] = true
	}

	out := make([]Candidate, 0, len(servers))
	for _, s := range servers {
		if skip[s.Hostname] || !s.HasRoot || s.MaxMoney <= 0 || s.RequiredHackLevel > p.HackLevel {
			continue
		}
		minSec := s.MinSecurity
		if minSec <= 0 {
			minSec = 1
		}
		c := Candidate{Server: s, Score: s.MaxMoney / minSec}
		if f != nil {
			c.WeakenTime = f.Duration(game.Weaken, s.WithSecurity(s.MinSecurity), p)
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Server.Hostname < out[j].Server.Hostname
	})
	return out
}
