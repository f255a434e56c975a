package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/drosthq/drost/internal/config"
)

// Version is set at build time via -ldflags "-X github.com/drosthq/drost/cmd.Version=v1.0.0"
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "drost",
	Short: "drost is a multi-tenant agent gateway",
	Long: "drost runs a long-lived agent gateway: per-session streaming turns against " +
		"pluggable LLM providers, a policy-gated tool runtime, crash-safe session storage, " +
		"and an HTTP/websocket control plane.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runGateway(cmd)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $DROST_CONFIG or ~/.drost/config.json)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(gatewayCmd())
	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(sessionsCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(restartCmd())
	rootCmd.AddCommand(doctorCmd())
	rootCmd.AddCommand(setupCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("drost %s\n", Version)
		},
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("DROST_CONFIG"); v != "" {
		return v
	}
	return config.DefaultPath()
}

// loadConfig reads the resolved config file with env overrides applied.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// setupLogging installs the process-wide slog handler. Commands that talk to
// a running gateway keep stdout for their own output, so logs go to stderr.
func setupLogging(toStderr bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	out := os.Stdout
	if toStderr {
		out = os.Stderr
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{
		Level: level,
	})))
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
