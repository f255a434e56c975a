package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/drosthq/drost/internal/orchestration"
)

func statusCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of a running gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging(true)
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runStatus(newControlClient(cfg, addr))
		},
	}
	cmd.Flags().StringVar(&addr, "addr", os.Getenv("DROST_CONTROL_ADDR"), "control address (host:port)")
	return cmd
}

func runStatus(c *controlClient) error {
	var snap struct {
		State            string   `json:"state"`
		Version          string   `json:"version"`
		UptimeSeconds    int64    `json:"uptimeSeconds"`
		Sessions         int      `json:"sessions"`
		Tools            int      `json:"tools"`
		ToolsStale       bool     `json:"toolsStale"`
		Skills           int      `json:"skills"`
		RestartsInWindow int      `json:"restartsInWindow"`
		DegradedReasons  []string `json:"degradedReasons"`
	}
	if err := c.get("/control/v1/status", &snap); err != nil {
		return err
	}

	fmt.Printf("  %-12s %s\n", "State:", snap.State)
	fmt.Printf("  %-12s %s\n", "Version:", snap.Version)
	fmt.Printf("  %-12s %s\n", "Uptime:", (time.Duration(snap.UptimeSeconds) * time.Second).String())
	fmt.Printf("  %-12s %d\n", "Sessions:", snap.Sessions)
	if snap.ToolsStale {
		fmt.Printf("  %-12s %d (restart pending to pick up changes)\n", "Tools:", snap.Tools)
	} else {
		fmt.Printf("  %-12s %d\n", "Tools:", snap.Tools)
	}
	fmt.Printf("  %-12s %d\n", "Skills:", snap.Skills)
	if snap.RestartsInWindow > 0 {
		fmt.Printf("  %-12s %d in the current window\n", "Restarts:", snap.RestartsInWindow)
	}
	for _, reason := range snap.DegradedReasons {
		fmt.Printf("  %-12s %s\n", "Degraded:", reason)
	}

	var lanes struct {
		Lanes []orchestration.LaneView `json:"lanes"`
	}
	if err := c.get("/control/v1/orchestration/lanes", &lanes); err != nil {
		return err
	}
	if len(lanes.Lanes) > 0 {
		fmt.Println()
		fmt.Println("  Lanes:")
		for _, lane := range lanes.Lanes {
			fmt.Printf("    %s active=%v queued=%d\n",
				runewidth.FillRight(lane.SessionID, 28), lane.Active, lane.Queued)
		}
	}
	return nil
}
