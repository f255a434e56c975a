package config

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/drosthq/drost/internal/store"
)

// FlexibleStringSlice unmarshals from either a single JSON string or an
// array of strings, so config files can say "shell" or ["shell", "web"].
type FlexibleStringSlice []string

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*f = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*f = many
	return nil
}

// Config is the root configuration tree, loaded from ~/.drost/config.json
// with DROST_* env overrides on top. Guarded by an internal RWMutex so the
// gateway can re-read it while commands mutate it.
type Config struct {
	mu sync.RWMutex

	Agent         AgentConfig         `json:"agent"`
	Providers     ProvidersConfig     `json:"providers"`
	Control       ControlConfig       `json:"control"`
	Tools         ToolsConfig         `json:"tools"`
	Sessions      SessionsConfig      `json:"sessions"`
	Orchestration OrchestrationConfig `json:"orchestration,omitempty"`
	Restart       RestartConfig       `json:"restart,omitempty"`
	Traces        TracesConfig        `json:"traces,omitempty"`
	Telemetry     TelemetryConfig     `json:"telemetry,omitempty"`
	Tailscale     TailscaleConfig     `json:"tailscale,omitempty"`
}

// AgentConfig holds the per-turn defaults for the session manager.
type AgentConfig struct {
	Workspace      string              `json:"workspace"`                // mutable root for tools (default ~/.drost/workspace)
	MutableRoots   FlexibleStringSlice `json:"mutableRoots,omitempty"`   // extra writable roots beyond the workspace
	SystemPrompt   string              `json:"systemPrompt,omitempty"`   // prepended to every session
	MaxToolCalls   int                 `json:"maxToolCalls,omitempty"`   // per-turn tool budget (default 20)
	MaxTokens      int                 `json:"maxTokens,omitempty"`      // completion cap passed to adapters (default 8192)
	Temperature    float64             `json:"temperature,omitempty"`    // default 0.7
	SkillsDir      string              `json:"skillsDir,omitempty"`      // directory of skill markdown files (default ~/.drost/skills)
	SkillInjection string              `json:"skillInjection,omitempty"` // "auto" (default), "always", "off"
}

// ToolBudget returns the per-turn tool call budget with the default applied.
func (a AgentConfig) ToolBudget() int {
	if a.MaxToolCalls > 0 {
		return a.MaxToolCalls
	}
	return 20
}

// CompletionCap returns the completion token cap with the default applied.
func (a AgentConfig) CompletionCap() int {
	if a.MaxTokens > 0 {
		return a.MaxTokens
	}
	return 8192
}

// SamplingTemperature returns the temperature with the default applied.
func (a AgentConfig) SamplingTemperature() float64 {
	if a.Temperature > 0 {
		return a.Temperature
	}
	return 0.7
}

// InjectionMode returns the skill injection mode with the default applied.
func (a AgentConfig) InjectionMode() string {
	if a.SkillInjection != "" {
		return a.SkillInjection
	}
	return "auto"
}

// ProvidersConfig declares provider profiles, auth material, routing and
// failover behavior.
type ProvidersConfig struct {
	Profiles []ProviderProfile      `json:"profiles,omitempty"`
	Auth     map[string]AuthProfile `json:"auth,omitempty"` // keyed by authProfileId
	Route    RouteConfig            `json:"route"`
	Failover FailoverConfig         `json:"failover,omitempty"`
	Probe    ProbeConfig            `json:"probe,omitempty"`
}

// ProviderProfile describes one provider endpoint an adapter can drive.
type ProviderProfile struct {
	ID              string           `json:"id"`
	AdapterID       string           `json:"adapterId"`
	Kind            string           `json:"kind,omitempty"`   // "chat" (default)
	Family          string           `json:"family,omitempty"` // "openai" or "anthropic", selects capability defaults
	BaseURL         string           `json:"baseUrl,omitempty"`
	Model           string           `json:"model"`
	AuthProfileID   string           `json:"authProfileId,omitempty"`
	CapabilityHints *CapabilityHints `json:"capabilityHints,omitempty"`
	WireQuirks      *WireQuirks      `json:"wireQuirks,omitempty"`
}

// AuthProfile is a named credential referenced by profiles. The key can live
// in the file or arrive via DROST_AUTH_<ID>_API_KEY.
type AuthProfile struct {
	APIKey string `json:"apiKey,omitempty"`
	Header string `json:"header,omitempty"` // override auth header name (default per adapter)
}

// CapabilityHints partially overrides the family capability defaults.
// Nil pointers mean "inherit".
type CapabilityHints struct {
	NativeToolCalls  *bool `json:"nativeToolCalls,omitempty"`
	Streaming        *bool `json:"streaming,omitempty"`
	ImageInput       *bool `json:"imageInput,omitempty"`
	MaxContextTokens int   `json:"maxContextTokens,omitempty"`
}

// WireQuirks tweaks request encoding for providers that deviate from their
// family's baseline wire format.
type WireQuirks struct {
	MaxTokensParam string `json:"maxTokensParam,omitempty"` // e.g. "max_completion_tokens"
	NoTemperature  bool   `json:"noTemperature,omitempty"`  // omit temperature entirely
	SystemAsUser   bool   `json:"systemAsUser,omitempty"`   // fold system prompt into the first user message
}

// RouteConfig names the default provider chain for new sessions.
type RouteConfig struct {
	Primary   string              `json:"primary"`
	Fallbacks FlexibleStringSlice `json:"fallbacks,omitempty"`
}

// Chain returns the primary followed by fallbacks, duplicates removed.
func (r RouteConfig) Chain() []string {
	seen := make(map[string]bool, 1+len(r.Fallbacks))
	out := make([]string, 0, 1+len(r.Fallbacks))
	for _, id := range append([]string{r.Primary}, r.Fallbacks...) {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// FailoverConfig tunes retry and trip behavior, global across providers.
type FailoverConfig struct {
	MaxRetries    int `json:"maxRetries,omitempty"`    // same-provider retries on retryable failure (default 2)
	RetryDelayMs  int `json:"retryDelayMs,omitempty"`  // backoff between retries (default 400)
	TripThreshold int `json:"tripThreshold,omitempty"` // consecutive failures before a provider trips (default 3)
	CooldownMs    int `json:"cooldownMs,omitempty"`    // tripped provider is skipped for this long (default 60000)
}

// RetryDelay returns the configured delay with the default applied.
func (f FailoverConfig) RetryDelay() time.Duration {
	if f.RetryDelayMs > 0 {
		return time.Duration(f.RetryDelayMs) * time.Millisecond
	}
	return 400 * time.Millisecond
}

// Cooldown returns the trip cooldown with the default applied.
func (f FailoverConfig) Cooldown() time.Duration {
	if f.CooldownMs > 0 {
		return time.Duration(f.CooldownMs) * time.Millisecond
	}
	return time.Minute
}

// Retries returns the same-provider retry count with the default applied.
func (f FailoverConfig) Retries() int {
	if f.MaxRetries > 0 {
		return f.MaxRetries
	}
	return 2
}

// Threshold returns the trip threshold with the default applied.
func (f FailoverConfig) Threshold() int {
	if f.TripThreshold > 0 {
		return f.TripThreshold
	}
	return 3
}

// ProbeConfig controls startup provider probes.
type ProbeConfig struct {
	OnStart   bool `json:"onStart,omitempty"`   // probe all routed profiles during gateway start
	TimeoutMs int  `json:"timeoutMs,omitempty"` // per-probe timeout (default 5000)
}

// Timeout returns the per-probe timeout with the default applied.
func (p ProbeConfig) Timeout() time.Duration {
	if p.TimeoutMs > 0 {
		return time.Duration(p.TimeoutMs) * time.Millisecond
	}
	return 5 * time.Second
}

// ControlConfig configures the control API server.
type ControlConfig struct {
	Host            string `json:"host"`
	Port            int    `json:"port"`
	AdminToken      string `json:"adminToken,omitempty"`      // bearer token for mutating routes
	ReadOnlyToken   string `json:"readOnlyToken,omitempty"`   // bearer token for read routes
	LoopbackBypass  bool   `json:"loopbackBypass,omitempty"`  // allow unauthenticated loopback callers
	MutationsPerMin int    `json:"mutationsPerMin,omitempty"` // per-token mutation budget (default 30, 0 = unlimited)
	MaxBodyBytes    int64  `json:"maxBodyBytes,omitempty"`    // request body cap (default 1 MiB)
}

// ToolsConfig controls the tool runtime: policy, shell limits, web access
// and external MCP tool servers.
type ToolsConfig struct {
	Policy     ToolPolicyConfig            `json:"policy,omitempty"`
	Shell      ShellToolConfig             `json:"shell,omitempty"`
	Web        WebToolsConfig              `json:"web"`
	MCPServers map[string]*MCPServerConfig `json:"mcpServers,omitempty"`
	ConfigDir  string                      `json:"configDir,omitempty"` // watched for manifest changes (default ~/.drost/tools)
}

// ToolPolicyConfig gates which tools a turn may invoke.
type ToolPolicyConfig struct {
	Profile      string              `json:"profile,omitempty"` // "open" (default) or "strict"
	AllowedTools FlexibleStringSlice `json:"allowedTools,omitempty"`
	DeniedTools  FlexibleStringSlice `json:"deniedTools,omitempty"`
}

// ShellToolConfig limits the shell built-in.
type ShellToolConfig struct {
	AllowCommandPrefixes FlexibleStringSlice `json:"allowCommandPrefixes,omitempty"`
	DenyCommandPrefixes  FlexibleStringSlice `json:"denyCommandPrefixes,omitempty"`
	TimeoutMs            int                 `json:"timeoutMs,omitempty"`      // default 60000
	MaxBufferBytes       int                 `json:"maxBufferBytes,omitempty"` // combined stdout+stderr cap (default 1 MiB)
}

// WebToolsConfig controls the web built-in (fetch + search).
type WebToolsConfig struct {
	Brave         BraveConfig      `json:"brave"`
	DuckDuckGo    DuckDuckGoConfig `json:"duckduckgo"`
	FetchMode     string           `json:"fetchMode,omitempty"`     // "plain" (default) or "render" (headless browser)
	MaxFetchBytes int              `json:"maxFetchBytes,omitempty"` // response cap (default 2 MiB)
}

// BraveConfig configures the Brave search backend.
type BraveConfig struct {
	Enabled    bool   `json:"enabled"`
	APIKey     string `json:"apiKey,omitempty"`
	MaxResults int    `json:"maxResults,omitempty"`
}

// DuckDuckGoConfig configures the keyless fallback search backend.
type DuckDuckGoConfig struct {
	Enabled    bool `json:"enabled"`
	MaxResults int  `json:"maxResults,omitempty"`
}

// MCPServerConfig spawns one external tool server speaking MCP over stdio.
type MCPServerConfig struct {
	Command    string            `json:"command"`
	Args       []string          `json:"args,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	Enabled    *bool             `json:"enabled,omitempty"`    // default true
	TimeoutSec int               `json:"timeoutSec,omitempty"` // per-tool-call timeout (default 60)
}

// IsEnabled returns whether this MCP server is enabled (default true).
func (c *MCPServerConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// SessionsConfig controls the on-disk session store.
type SessionsConfig struct {
	Dir           string          `json:"dir"`                     // default ~/.drost/sessions
	LockTimeoutMs int             `json:"lockTimeoutMs,omitempty"` // default 600
	LockStaleMs   int             `json:"lockStaleMs,omitempty"`   // default 30000
	Budget        BudgetConfig    `json:"budget,omitempty"`
	Retention     RetentionConfig `json:"retention,omitempty"`
}

// BudgetConfig trims history on every save.
type BudgetConfig struct {
	MaxMessages    int  `json:"maxMessages,omitempty"` // 0 = unlimited
	MaxChars       int  `json:"maxChars,omitempty"`    // 0 = unlimited
	PreserveSystem bool `json:"preserveSystem,omitempty"`
}

// RetentionConfig schedules the idle-session sweep.
type RetentionConfig struct {
	SweepSchedule string `json:"sweepSchedule,omitempty"` // cron expression (default "0 3 * * *")
	MaxSessionAge string `json:"maxSessionAge,omitempty"` // Go duration, e.g. "720h"; empty disables the sweep
	Action        string `json:"action,omitempty"`        // "archive" (default) or "delete"
}

// MaxAge parses MaxSessionAge; zero means the sweep is disabled.
func (r RetentionConfig) MaxAge() time.Duration {
	if r.MaxSessionAge == "" {
		return 0
	}
	d, err := time.ParseDuration(r.MaxSessionAge)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

// OrchestrationConfig sets lane defaults and snapshot persistence.
type OrchestrationConfig struct {
	Lane         LaneConfig `json:"lane,omitempty"`
	Persist      *bool      `json:"persist,omitempty"`      // persist lane snapshots (default true)
	SnapshotPath string     `json:"snapshotPath,omitempty"` // default ~/.drost/lanes.json
}

// PersistEnabled returns whether lane snapshots are written (default true).
func (o OrchestrationConfig) PersistEnabled() bool {
	return o.Persist == nil || *o.Persist
}

// LaneConfig is the default shape for newly created lanes.
type LaneConfig struct {
	Mode              string `json:"mode,omitempty"`              // "queue" (default), "interrupt", "collect", "steer", "steer_backlog"
	Cap               int    `json:"cap,omitempty"`               // queue capacity (default 8)
	DropPolicy        string `json:"dropPolicy,omitempty"`        // "old" (default), "new", "summarize"
	CollectDebounceMs int    `json:"collectDebounceMs,omitempty"` // collect-mode quiet window (default 700)
}

// RestartConfig bounds restart requests.
type RestartConfig struct {
	MaxRestarts    int                 `json:"maxRestarts,omitempty"` // per rolling window (default 5)
	WindowMs       int                 `json:"windowMs,omitempty"`    // rolling window (default 600000)
	BlockedIntents FlexibleStringSlice `json:"blockedIntents,omitempty"`
}

// Window returns the rolling window with the default applied.
func (r RestartConfig) Window() time.Duration {
	if r.WindowMs > 0 {
		return time.Duration(r.WindowMs) * time.Millisecond
	}
	return 10 * time.Minute
}

// TracesConfig selects the tool-trace store backend.
type TracesConfig struct {
	Backend     string `json:"backend,omitempty"`    // "sqlite" (default) or "postgres"
	SQLitePath  string `json:"sqlitePath,omitempty"` // default ~/.drost/traces.db
	PostgresDSN string `json:"-"`                    // from env DROST_POSTGRES_DSN only
	RetainDays  int    `json:"retainDays,omitempty"` // prune traces older than N days (default 30)
}

// TelemetryConfig configures OTLP span export.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`    // e.g. "localhost:4317"
	Protocol    string            `json:"protocol,omitempty"`    // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`    // plaintext export for local collectors
	ServiceName string            `json:"serviceName,omitempty"` // default "drost-gateway"
	Headers     map[string]string `json:"headers,omitempty"`
}

// TailscaleConfig exposes the control API on a tailnet via tsnet.
type TailscaleConfig struct {
	Enabled   bool   `json:"enabled,omitempty"`
	Hostname  string `json:"hostname,omitempty"` // tailnet machine name (default "drost")
	StateDir  string `json:"stateDir,omitempty"` // default os.UserConfigDir/tsnet-drost
	AuthKey   string `json:"-"`                  // from env DROST_TSNET_AUTH_KEY only
	Ephemeral bool   `json:"ephemeral,omitempty"`
	EnableTLS bool   `json:"enableTls,omitempty"`
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Agent = src.Agent
	c.Providers = src.Providers
	c.Control = src.Control
	c.Tools = src.Tools
	c.Sessions = src.Sessions
	c.Orchestration = src.Orchestration
	c.Restart = src.Restart
	c.Traces = src.Traces
	c.Telemetry = src.Telemetry
	c.Tailscale = src.Tailscale
}

// WorkspacePath returns the expanded workspace directory.
func (c *Config) WorkspacePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Agent.Workspace)
}

// MutableRoots returns the workspace plus any configured extra roots,
// home-expanded. The workspace is always first.
func (c *Config) MutableRoots() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	roots := []string{ExpandHome(c.Agent.Workspace)}
	for _, r := range c.Agent.MutableRoots {
		if r != "" {
			roots = append(roots, ExpandHome(r))
		}
	}
	return roots
}

// SessionsDir returns the expanded session store directory.
func (c *Config) SessionsDir() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Sessions.Dir)
}

// SnapshotPath returns the expanded lane snapshot path.
func (c *Config) SnapshotPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Orchestration.SnapshotPath)
}

// ProfileByID looks up a provider profile.
func (c *Config) ProfileByID(id string) (ProviderProfile, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, p := range c.Providers.Profiles {
		if p.ID == id {
			return p, true
		}
	}
	return ProviderProfile{}, false
}

// APIKeyFor resolves the auth material for a profile. Empty when the profile
// has no auth binding or the key is absent.
func (c *Config) APIKeyFor(profile ProviderProfile) string {
	key, _ := c.AuthFor(profile)
	return key
}

// AuthFor resolves the API key and optional header-name override for a
// profile. Both are empty when the profile has no auth binding.
func (c *Config) AuthFor(profile ProviderProfile) (key, header string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if profile.AuthProfileID == "" {
		return "", ""
	}
	auth := c.Providers.Auth[profile.AuthProfileID]
	return auth.APIKey, auth.Header
}

// Profiles returns a copy of the configured provider profiles.
func (c *Config) Profiles() []ProviderProfile {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ProviderProfile, len(c.Providers.Profiles))
	copy(out, c.Providers.Profiles)
	return out
}

// RouteChain returns the configured route: primary then fallbacks, deduped.
func (c *Config) RouteChain() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Providers.Route.Chain()
}

// FailoverSettings returns the failover tuning block.
func (c *Config) FailoverSettings() FailoverConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Providers.Failover
}

// ProbeSettings returns the startup probe block.
func (c *Config) ProbeSettings() ProbeConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Providers.Probe
}

// AgentDefaults returns a copy of the per-turn agent defaults.
func (c *Config) AgentDefaults() AgentConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Agent
}

// LaneDefaults returns the default lane shape for new sessions.
func (c *Config) LaneDefaults() LaneConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Orchestration.Lane
}

// PersistLanes returns whether lane snapshots are written.
func (c *Config) PersistLanes() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Orchestration.PersistEnabled()
}

// RestartSettings returns the restart budget block.
func (c *Config) RestartSettings() RestartConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Restart
}

// RetentionSettings returns the idle-session sweep block.
func (c *Config) RetentionSettings() RetentionConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Sessions.Retention
}

// ControlSettings returns the control API block.
func (c *Config) ControlSettings() ControlConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Control
}

// TracesSettings returns the tool-trace store block.
func (c *Config) TracesSettings() TracesConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Traces
}

// TelemetrySettings returns the OTLP export block.
func (c *Config) TelemetrySettings() TelemetryConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Telemetry
}

// TailscaleSettings returns the tsnet listener block.
func (c *Config) TailscaleSettings() TailscaleConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Tailscale
}

// ToolSettings returns the tool runtime block. The MCP server map is shared;
// callers must not mutate it.
func (c *Config) ToolSettings() ToolsConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Tools
}

// SetDefaultSystemPrompt fills in the agent system prompt when the config
// does not set one. Used by the gateway when a workspace AGENT.md exists.
func (c *Config) SetDefaultSystemPrompt(prompt string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Agent.SystemPrompt == "" {
		c.Agent.SystemPrompt = prompt
	}
}

// ToStoreOptions converts SessionsConfig to store.Options with defaults
// applied.
func (c *Config) ToStoreOptions() store.Options {
	c.mu.RLock()
	defer c.mu.RUnlock()
	opts := store.Options{}
	if c.Sessions.LockTimeoutMs > 0 {
		opts.LockTimeout = time.Duration(c.Sessions.LockTimeoutMs) * time.Millisecond
	}
	if c.Sessions.LockStaleMs > 0 {
		opts.LockStale = time.Duration(c.Sessions.LockStaleMs) * time.Millisecond
	}
	b := c.Sessions.Budget
	opts.Budget = store.HistoryBudget{
		MaxMessages:    b.MaxMessages,
		MaxChars:       b.MaxChars,
		PreserveSystem: b.PreserveSystem,
	}
	return opts
}
