package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// DefaultPath returns the standard config file location.
func DefaultPath() string {
	return ExpandHome("~/.drost/config.json")
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			Workspace:      "~/.drost/workspace",
			MaxToolCalls:   20,
			MaxTokens:      8192,
			Temperature:    0.7,
			SkillsDir:      "~/.drost/skills",
			SkillInjection: "auto",
		},
		Providers: ProvidersConfig{
			Failover: FailoverConfig{
				MaxRetries:    2,
				RetryDelayMs:  400,
				TripThreshold: 3,
				CooldownMs:    60000,
			},
			Probe: ProbeConfig{
				OnStart:   true,
				TimeoutMs: 5000,
			},
		},
		Control: ControlConfig{
			Host:            "127.0.0.1",
			Port:            18606,
			LoopbackBypass:  true,
			MutationsPerMin: 30,
		},
		Tools: ToolsConfig{
			Web: WebToolsConfig{
				DuckDuckGo: DuckDuckGoConfig{Enabled: true, MaxResults: 5},
			},
			Shell: ShellToolConfig{
				TimeoutMs:      60000,
				MaxBufferBytes: 1 << 20,
			},
			ConfigDir: "~/.drost/tools",
		},
		Sessions: SessionsConfig{
			Dir: "~/.drost/sessions",
			Retention: RetentionConfig{
				SweepSchedule: "0 3 * * *",
				Action:        "archive",
			},
		},
		Orchestration: OrchestrationConfig{
			Lane: LaneConfig{
				Mode:              "queue",
				Cap:               8,
				DropPolicy:        "old",
				CollectDebounceMs: 700,
			},
			SnapshotPath: "~/.drost/lanes.json",
		},
		Restart: RestartConfig{
			MaxRestarts: 5,
			WindowMs:    600000,
		},
		Traces: TracesConfig{
			Backend:    "sqlite",
			SQLitePath: "~/.drost/traces.db",
			RetainDays: 30,
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "drost-gateway",
		},
		Tailscale: TailscaleConfig{
			Hostname: "drost",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file yields the defaults (first run), not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}

	envStr("DROST_WORKSPACE", &c.Agent.Workspace)
	envStr("DROST_SYSTEM_PROMPT", &c.Agent.SystemPrompt)

	envStr("DROST_CONTROL_HOST", &c.Control.Host)
	if v := os.Getenv("DROST_CONTROL_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Control.Port = port
		}
	}
	envStr("DROST_ADMIN_TOKEN", &c.Control.AdminToken)
	envStr("DROST_READONLY_TOKEN", &c.Control.ReadOnlyToken)

	envStr("DROST_SESSIONS_DIR", &c.Sessions.Dir)
	envStr("DROST_ROUTE_PRIMARY", &c.Providers.Route.Primary)
	if v := os.Getenv("DROST_ROUTE_FALLBACKS"); v != "" {
		c.Providers.Route.Fallbacks = strings.Split(v, ",")
	}

	// Auth material per profile: DROST_AUTH_<ID>_API_KEY where <ID> is the
	// authProfileId uppercased with - mapped to _.
	for id, auth := range c.Providers.Auth {
		key := "DROST_AUTH_" + strings.ToUpper(strings.ReplaceAll(id, "-", "_")) + "_API_KEY"
		if v := os.Getenv(key); v != "" {
			auth.APIKey = v
			c.Providers.Auth[id] = auth
		}
	}
	// Well-known shortcuts usable without declaring an auth section.
	for _, shortcut := range []struct{ env, profile string }{
		{"DROST_OPENAI_API_KEY", "openai"},
		{"DROST_ANTHROPIC_API_KEY", "anthropic"},
	} {
		if v := os.Getenv(shortcut.env); v != "" {
			if c.Providers.Auth == nil {
				c.Providers.Auth = map[string]AuthProfile{}
			}
			auth := c.Providers.Auth[shortcut.profile]
			if auth.APIKey == "" {
				auth.APIKey = v
				c.Providers.Auth[shortcut.profile] = auth
			}
		}
	}

	envStr("DROST_BRAVE_API_KEY", &c.Tools.Web.Brave.APIKey)
	if c.Tools.Web.Brave.APIKey != "" {
		c.Tools.Web.Brave.Enabled = true
	}

	envStr("DROST_TRACES_BACKEND", &c.Traces.Backend)
	envStr("DROST_POSTGRES_DSN", &c.Traces.PostgresDSN)

	envStr("DROST_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("DROST_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("DROST_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	envBool("DROST_TELEMETRY_ENABLED", &c.Telemetry.Enabled)
	envBool("DROST_TELEMETRY_INSECURE", &c.Telemetry.Insecure)

	envStr("DROST_TSNET_HOSTNAME", &c.Tailscale.Hostname)
	envStr("DROST_TSNET_AUTH_KEY", &c.Tailscale.AuthKey)
	envStr("DROST_TSNET_DIR", &c.Tailscale.StateDir)
	envBool("DROST_TSNET_ENABLED", &c.Tailscale.Enabled)
}

// ApplyEnvOverrides re-applies environment variable overrides onto the
// config. Call after mutating a loaded config to restore runtime secrets.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applyEnvOverrides()
}

// Save writes the config to a JSON file, 0600 since it may hold tokens.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Hash returns a short SHA-256 hash of the config for change detection.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

const secretMask = "***"

// MaskedCopy returns a deep copy of the config with all secret fields
// masked. Used by the control API status route so tokens never leave the
// process.
func (c *Config) MaskedCopy() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// Deep copy via JSON round-trip
	data, err := json.Marshal(c)
	if err != nil {
		return &Config{}
	}
	cp := &Config{}
	if err := json.Unmarshal(data, cp); err != nil {
		return &Config{}
	}

	for id, auth := range cp.Providers.Auth {
		maskNonEmpty(&auth.APIKey)
		cp.Providers.Auth[id] = auth
	}
	maskNonEmpty(&cp.Control.AdminToken)
	maskNonEmpty(&cp.Control.ReadOnlyToken)
	maskNonEmpty(&cp.Tools.Web.Brave.APIKey)
	maskNonEmpty(&cp.Traces.PostgresDSN)
	maskNonEmpty(&cp.Tailscale.AuthKey)
	for name, srv := range cp.Tools.MCPServers {
		if srv == nil {
			continue
		}
		for k := range srv.Env {
			srv.Env[k] = secretMask
		}
		cp.Tools.MCPServers[name] = srv
	}
	return cp
}

func maskNonEmpty(s *string) {
	if *s != "" {
		*s = secretMask
	}
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
