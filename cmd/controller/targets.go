package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"hwgw.ai/internal/formulas"
	"hwgw.ai/internal/game"
	"hwgw.ai/internal/targets"
)

type serverLister interface {
	PlayerState(ctx context.Context) (game.PlayerState, error)
	ListServers(ctx context.Context) ([]game.ServerState, error)
}

func rankTargets(ctx context.Context, src serverLister, exclude ...string) ([]targets.Candidate, error) {
	servers, err := src.ListServers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}
	p, err := src.PlayerState(ctx)
	if err != nil {
		return nil, fmt.Errorf("player: %w", err)
	}
	return targets.Rank(servers, p, formulas.Engine{}, exclude...), nil
}

func pickTarget(ctx context.Context, src serverLister, controller string) (string, error) {
	cands, err := rankTargets(ctx, src, controller)
	if err != nil {
		return "", err
	}
	if len(cands) == 0 {
		return "", errors.New("no farmable target: pass --target")
	}
	return cands[0].Server.Hostname, nil
}

func newTargetsCmd(g *globalOpts) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "targets",
		Short: "Rank farmable servers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := newLogger(g.verbose)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			tu, err := loadTuning(g.tuningPath)
			if err != nil {
				return err
			}
			client, err := dialHost(cmd.Context(), g, tu, logger)
			if err != nil {
				return err
			}
			defer client.Close()

			cands, err := rankTargets(cmd.Context(), client, tu.Host.Controller)
			if err != nil {
				return err
			}
			if limit > 0 && len(cands) > limit {
				cands = cands[:limit]
			}
			return printCandidates(cmd.OutOrStdout(), cands)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "max rows (0 for all)")
	return cmd
}

func printCandidates(w io.Writer, cands []targets.Candidate) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RANK\tSERVER\tMAX_MONEY\tMIN_SEC\tSCORE\tWEAKEN")
	for i, c := range cands {
		fmt.Fprintf(tw, "%d\t%s\t%.0f\t%.2f\t%.0f\t%s\n", i+1, c.Server.Hostname, c.Server.MaxMoney, c.Server.MinSecurity, c.Score, c.WeakenTime)
	}
	return tw.Flush()
}

