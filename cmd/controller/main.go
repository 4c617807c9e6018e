// Command controller farms one target server with HWGW batches.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"hwgw.ai/internal/supervisor"
	"hwgw.ai/internal/transport/ws"
	"hwgw.ai/internal/tuning"
)

type globalOpts struct {
	tuningPath string
	hostURL    string
	verbose    bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if errors.Is(err, supervisor.ErrHalted) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globalOpts{}
	root := &cobra.Command{
		Use:           "controller",
		Short:         "HWGW batch controller",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.tuningPath, "tuning", "", "path to tuning.yaml (default: $HWGW_TUNING, else built-in defaults)")
	root.PersistentFlags().StringVar(&g.hostURL, "host-url", "ws://127.0.0.1:8787/v1/ws", "host engine websocket url")
	root.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		newRunCmd(g),
		newPlanCmd(g),
		newScheduleCmd(g),
		newTargetsCmd(g),
		newIndexCmd(g),
	)
	return root
}

func newLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

func loadTuning(path string) (tuning.Tuning, error) {
	if path == "" {
		path = os.Getenv("HWGW_TUNING")
	}
	if path == "" {
		return tuning.Defaults(), nil
	}
	return tuning.Load(path)
}

func dialHost(ctx context.Context, g *globalOpts, tu tuning.Tuning, logger *zap.Logger) (*ws.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return ws.Dial(ctx, ws.ClientConfig{
		URL:        g.hostURL,
		Name:       "hwgw-controller",
		Timeout:    tu.Host.RPCTimeout(),
		RatePerSec: tu.Host.RPCRatePerSec,
		Burst:      tu.Host.RPCBurst,
		Logger:     logger,
	})
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
