package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"hwgw.ai/internal/batch"
	"hwgw.ai/internal/formulas"
	"hwgw.ai/internal/game"
	"hwgw.ai/internal/prep"
	"hwgw.ai/internal/schedule"
	"hwgw.ai/internal/tuning"
)

// planReport is what one planning pass would do against a snapshot.
type planReport struct {
	Target    string           `json:"target"`
	FreeRAM   float64          `json:"free_ram"`
	Prepared  bool             `json:"prepared"`
	Prep      *prep.RepairPlan `json:"prep,omitempty"`
	Batch     *game.ThreadPlan `json:"batch,omitempty"`
	Schedule  []string         `json:"schedule,omitempty"`
	CycleWait string           `json:"cycle_wait,omitempty"`
	Reason    game.Reason      `json:"reason,omitempty"`
}

func newPlanCmd(g *globalOpts) *cobra.Command {
	var target, host string
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the prep or batch plan for the current target state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if target == "" {
				return errors.New("--target is required")
			}
			logger, err := newLogger(g.verbose)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			tu, err := loadTuning(g.tuningPath)
			if err != nil {
				return err
			}
			if host == "" {
				host = tu.Host.Controller
			}
			client, err := dialHost(cmd.Context(), g, tu, logger)
			if err != nil {
				return err
			}
			defer client.Close()

			snap, err := game.TakeSnapshot(cmd.Context(), client, target, host, time.Now())
			if err != nil {
				return err
			}
			rep, err := buildPlanReport(tu, formulas.Engine{}, snap)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), rep)
		},
	}
	cmd.Flags().StringVar(&target, "target", "", "server to plan against")
	cmd.Flags().StringVar(&host, "host", "", "executing host (default: tuning host.controller)")
	return cmd
}

func buildPlanReport(tu tuning.Tuning, f game.Formulas, snap game.Snapshot) (planReport, error) {
	free := snap.Host.FreeRAM()
	rep := planReport{Target: snap.Server.Hostname, FreeRAM: free}

	pp := prep.New(tu, f)
	if !pp.GoalReached(snap.Server) {
		d := pp.Plan(snap, free)
		rep.Reason = d.Reason
		if d.OK() {
			rep.Prep = &d.Plan
		}
		return rep, nil
	}
	rep.Prepared = true

	plan, reason, err := batch.New(tu, f).Plan(snap, free, f.HackYieldPerThread(snap.Server, snap.Player))
	if err != nil {
		return rep, err
	}
	rep.Reason = reason
	if reason != game.ReasonNone {
		return rep, nil
	}
	rep.Batch = &plan

	d := schedule.DurationsFor(f, snap.Server, snap.Player)
	sched := schedule.New(tu)
	s := sched.Schedule(plan, d)
	for _, w := range s.Normalized() {
		rep.Schedule = append(rep.Schedule, fmt.Sprintf("%s x%d @%s", w.Phase, w.Threads, w.StartOffset))
	}
	rep.CycleWait = sched.CycleWait(s, d).String()
	return rep, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
