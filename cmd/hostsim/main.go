// Command hostsim serves a simulated host engine over websocket so the
// controller can be run end to end without the real game.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"hwgw.ai/internal/hostsim"
	"hwgw.ai/internal/transport/ws"
	"hwgw.ai/internal/tuning"
)

type opts struct {
	addr          string
	hostsPath     string
	tuningPath    string
	statsInterval time.Duration
	verbose       bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	o := &opts{}
	cmd := &cobra.Command{
		Use:           "hostsim",
		Short:         "Simulated host engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(o)
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.addr, "addr", "127.0.0.1:8787", "http listen address")
	f.StringVar(&o.hostsPath, "hosts", "./configs/hosts.yaml", "world definition")
	f.StringVar(&o.tuningPath, "tuning", "", "tuning.yaml for worker RAM costs (default: built-in)")
	f.DurationVar(&o.statsInterval, "stats-interval", 30*time.Second, "engine stats log interval (0 to disable)")
	f.BoolVarP(&o.verbose, "verbose", "v", false, "debug logging")
	return cmd
}

func serve(o *opts) error {
	zcfg := zap.NewProductionConfig()
	if o.verbose {
		zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	logger, err := zcfg.Build()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := hostsim.LoadConfig(o.hostsPath)
	if err != nil {
		return err
	}
	tu := tuning.Defaults()
	if o.tuningPath != "" {
		if tu, err = tuning.Load(o.tuningPath); err != nil {
			return err
		}
	}
	eng := hostsim.New(cfg, tu.Costs(), time.Now, logger)

	wss := ws.NewServer(eng, "hostsim", logger)
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/v1/ws", wss.Handler())

	srv := &http.Server{
		Addr:              o.addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		<-ctx.Done()
		wss.Close()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		return srv.Shutdown(ctx2)
	})
	eg.Go(func() error {
		logger.Info("listening", zap.String("addr", o.addr), zap.Int("servers", len(cfg.Servers)), zap.Int("hosts", len(cfg.Hosts)))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if o.statsInterval > 0 {
		eg.Go(func() error {
			t := time.NewTicker(o.statsInterval)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case now := <-t.C:
					eng.Settle(now)
					st := eng.Stats()
					logger.Info("engine stats",
						zap.Uint64("launched", st.Launched),
						zap.Uint64("refused", st.Refused),
						zap.Uint64("finished", st.Finished),
						zap.Int("running", st.Running),
						zap.Float64("used_ram", st.UsedRAM),
						zap.Float64("stolen", st.Stolen),
					)
				}
			}
		})
	}
	return eg.Wait()
}
