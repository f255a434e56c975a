package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/drosthq/drost/internal/config"
)

func doctorCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor(addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", os.Getenv("DROST_CONTROL_ADDR"), "control address (host:port)")
	return cmd
}

func runDoctor(addr string) {
	fmt.Println("drost doctor")
	fmt.Printf("  %-12s %s\n", "Version:", Version)
	fmt.Printf("  %-12s %s/%s\n", "OS:", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  %-12s %s\n", "Go:", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  %-12s %s", "Config:", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Providers:")
	profiles := cfg.Profiles()
	if len(profiles) == 0 {
		fmt.Println("    (none configured, run: drost setup)")
	}
	for _, profile := range profiles {
		key := ""
		if auth, ok := cfg.Providers.Auth[profile.AuthProfileID]; ok {
			key = auth.APIKey
		}
		fmt.Printf("    %-16s %s, model %s, key %s\n",
			profile.ID+":", profile.AdapterID, profile.Model, maskKey(key))
	}
	if chain := cfg.RouteChain(); len(chain) > 0 {
		fmt.Printf("    %-16s %s\n", "route:", strings.Join(chain, " -> "))
	}

	fmt.Println()
	fmt.Println("  Directories:")
	checkDir("Workspace", cfg.WorkspacePath())
	checkDir("Sessions", cfg.SessionsDir())
	checkDir("Skills", config.ExpandHome(cfg.AgentDefaults().SkillsDir))
	checkDir("Tools", config.ExpandHome(cfg.ToolSettings().ConfigDir))

	fmt.Println()
	traces := cfg.TracesSettings()
	switch traces.Backend {
	case "", "sqlite":
		fmt.Printf("  %-12s sqlite (%s)\n", "Traces:", config.ExpandHome(traces.SQLitePath))
	case "postgres":
		if traces.PostgresDSN == "" {
			fmt.Printf("  %-12s postgres (DROST_POSTGRES_DSN NOT SET)\n", "Traces:")
		} else {
			fmt.Printf("  %-12s postgres (DSN set)\n", "Traces:")
		}
	default:
		fmt.Printf("  %-12s UNKNOWN BACKEND %q\n", "Traces:", traces.Backend)
	}

	fmt.Println()
	fmt.Println("  External Tools:")
	checkBinary("git")
	checkBinary("curl")

	fmt.Println()
	c := newControlClient(cfg, addr)
	var health struct {
		Status  string `json:"status"`
		Version string `json:"version"`
		State   string `json:"state"`
	}
	if err := c.get("/healthz", &health); err != nil {
		fmt.Printf("  %-12s not reachable at %s (gateway not running?)\n", "Gateway:", c.base)
	} else {
		fmt.Printf("  %-12s %s at %s (version %s)\n", "Gateway:", health.State, c.base, health.Version)
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func maskKey(key string) string {
	if key == "" {
		return "(not configured)"
	}
	if len(key) <= 8 {
		return "(set)"
	}
	return key[:4] + strings.Repeat("*", len(key)-8) + key[len(key)-4:]
}

func checkDir(name, path string) {
	if path == "" {
		fmt.Printf("    %-12s (not configured)\n", name+":")
		return
	}
	fmt.Printf("    %-12s %s", name+":", path)
	if _, err := os.Stat(path); err != nil {
		fmt.Println(" (NOT FOUND, created on start)")
	} else {
		fmt.Println(" (OK)")
	}
}

func checkBinary(name string) {
	if path, err := exec.LookPath(name); err != nil {
		fmt.Printf("    %-12s not found\n", name+":")
	} else {
		fmt.Printf("    %-12s %s\n", name+":", path)
	}
}
