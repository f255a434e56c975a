package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/drosthq/drost/internal/gateway"
)

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the gateway in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGateway(cmd)
		},
	}
}

func runGateway(cmd *cobra.Command) error {
	setupLogging(false)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	g := gateway.New(gateway.Options{
		Config:  cfg,
		Version: Version,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := g.Start(ctx); err != nil {
		return err
	}

	// SIGHUP asks for an in-place restart. The budget check still applies:
	// a flapping supervisor sending HUPs in a loop gets refused, not obeyed.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for range hup {
			if err := g.RequestRestart(context.Background(), gateway.IntentSignal, "SIGHUP"); err != nil {
				slog.Warn("gateway.restart_refused", "error", err)
			}
		}
	}()

	code := g.Wait(ctx)

	// Detached context: the signal that woke Wait already cancelled ctx.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := g.Stop(shutdownCtx); err != nil {
		slog.Warn("gateway.stop_failed", "error", err)
	}

	if code != 0 {
		os.Exit(code)
	}
	return nil
}
