package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"hwgw.ai/internal/clock"
	"hwgw.ai/internal/formulas"
	"hwgw.ai/internal/game"
	"hwgw.ai/internal/persistence/indexdb"
	persistlog "hwgw.ai/internal/persistence/log"
	"hwgw.ai/internal/supervisor"
)

type runOpts struct {
	target     string
	host       string
	statusAddr string
	dataDir    string
	disableDB  bool
}

func newRunCmd(g *globalOpts) *cobra.Command {
	o := &runOpts{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Prepare and farm one target until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runController(g, o)
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.target, "target", "", "server to farm (default: best ranked candidate)")
	f.StringVar(&o.host, "host", "", "host that runs the workers (default: tuning host.controller)")
	f.StringVar(&o.statusAddr, "status-addr", "127.0.0.1:8788", "status http listen address (empty to disable)")
	f.StringVar(&o.dataDir, "data", "./data", "journal and index directory")
	f.BoolVar(&o.disableDB, "disable-db", false, "do not maintain the sqlite event index")
	return cmd
}

func runController(g *globalOpts, o *runOpts) error {
	logger, err := newLogger(g.verbose)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	tu, err := loadTuning(g.tuningPath)
	if err != nil {
		return fmt.Errorf("tuning: %w", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	client, err := dialHost(ctx, g, tu, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	target := o.target
	if target == "" {
		target, err = pickTarget(ctx, client, tu.Host.Controller)
		if err != nil {
			return err
		}
		logger.Info("picked target", zap.String("target", target))
	}

	journal := persistlog.NewJournal(filepath.Join(o.dataDir, "events"), nil)
	defer journal.Close()
	recorders := game.MultiRecorder{journal}

	var idx *indexdb.SQLiteIndex
	if !o.disableDB {
		idx, err = indexdb.OpenSQLite(filepath.Join(o.dataDir, "index.sqlite"))
		if err != nil {
			return fmt.Errorf("index: %w", err)
		}
		defer idx.Close()
		recorders = append(recorders, idx)
	}

	sup, err := supervisor.New(
		supervisor.Config{Target: target, Host: o.host, Tuning: tu},
		supervisor.Deps{
			Provider: client,
			Launcher: client,
			Formulas: formulas.Engine{},
			Clock:    clock.Real{},
			Recorder: recorders,
			Logger:   logger,
		},
	)
	if err != nil {
		return err
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		err := sup.Run(ctx)
		if err == nil {
			return context.Canceled
		}
		return err
	})
	if o.statusAddr != "" {
		srv := &http.Server{
			Addr:              o.statusAddr,
			Handler:           newStatusMux(sup, client, idx),
			ReadHeaderTimeout: 5 * time.Second,
		}
		eg.Go(func() error {
			<-ctx.Done()
			ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel2()
			return srv.Shutdown(ctx2)
		})
		eg.Go(func() error {
			logger.Info("status listening", zap.String("addr", o.statusAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	err = eg.Wait()
	if errors.Is(err, context.Canceled) {
		logger.Info("controller stopped", zap.String("run_id", sup.RunID()))
		return nil
	}
	return err
}
