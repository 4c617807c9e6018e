package main

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"hwgw.ai/internal/game"
	"hwgw.ai/internal/schedule"
	"hwgw.ai/internal/tuning"
)

func newScheduleCmd(g *globalOpts) *cobra.Command {
	var (
		d    schedule.Durations
		plan game.ThreadPlan
	)
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Print batch start offsets and landing times for the given durations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !d.Valid() {
				return errors.New("durations must be positive with weaken the slowest")
			}
			tu, err := loadTuning(g.tuningPath)
			if err != nil {
				return err
			}
			return printSchedule(cmd.OutOrStdout(), tu, plan, d)
		},
	}
	f := cmd.Flags()
	f.DurationVar(&d.Hack, "hack", 0, "hack duration")
	f.DurationVar(&d.Grow, "grow", 0, "grow duration")
	f.DurationVar(&d.Weaken, "weaken", 0, "weaken duration")
	f.IntVar(&plan.HackThreads, "hack-threads", 1, "hack threads")
	f.IntVar(&plan.WeakenForHack, "weaken-hack-threads", 1, "weaken threads after hack")
	f.IntVar(&plan.GrowThreads, "grow-threads", 1, "grow threads")
	f.IntVar(&plan.WeakenForGrow, "weaken-grow-threads", 1, "weaken threads after grow")
	return cmd
}

func printSchedule(w io.Writer, tu tuning.Tuning, plan game.ThreadPlan, d schedule.Durations) error {
	sc := schedule.New(tu)
	s := sc.Schedule(plan, d).Normalized()
	fin := s.Finishes(d)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PHASE\tTHREADS\tSTART\tFINISH")
	for i, win := range s {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", win.Phase, win.Threads, win.StartOffset, fin[i])
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "cycle wait: %s\n", sc.CycleWait(s, d).Round(time.Millisecond))
	return err
}
