package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/drosthq/drost/internal/gateway"
)

func restartCmd() *cobra.Command {
	var (
		addr   string
		reason string
		dryRun bool
	)
	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Ask a running gateway to restart",
		Long: "Requests a supervised restart: the gateway records the attempt, drains " +
			"in-flight turns, and exits with the respawn code. Refused when the rolling " +
			"restart budget is exhausted or the intent is blocked by policy.",
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging(true)
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			c := newControlClient(cfg, addr)
			body := map[string]interface{}{
				"intent": gateway.IntentManual,
				"reason": reason,
				"dryRun": dryRun,
			}
			if err := c.post("/control/v1/restart", body, nil); err != nil {
				return err
			}
			if dryRun {
				fmt.Println("restart would be accepted")
			} else {
				fmt.Println("restart scheduled")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", os.Getenv("DROST_CONTROL_ADDR"), "control address (host:port)")
	cmd.Flags().StringVar(&reason, "reason", "requested from the command line", "reason recorded in the restart history")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "check policy and budget without restarting")
	return cmd
}
