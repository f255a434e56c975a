// Package gateway assembles the long-lived process: it starts every
// subsystem in dependency order, tracks degradation, enforces the restart
// policy, and unwinds cleanly on shutdown.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/drosthq/drost/internal/bus"
	"github.com/drosthq/drost/internal/config"
	"github.com/drosthq/drost/internal/control"
	"github.com/drosthq/drost/internal/mcptools"
	"github.com/drosthq/drost/internal/orchestration"
	"github.com/drosthq/drost/internal/providers"
	"github.com/drosthq/drost/internal/session"
	"github.com/drosthq/drost/internal/skills"
	"github.com/drosthq/drost/internal/store"
	"github.com/drosthq/drost/internal/tools"
	"github.com/drosthq/drost/internal/tracestore"
	"github.com/drosthq/drost/internal/tracing"
	"github.com/drosthq/drost/pkg/protocol"
)

// Gateway states as reported on status surfaces.
const (
	StateStopped  = "stopped"
	StateStarting = "starting"
	StateRunning  = "running"
	StateDegraded = "degraded"
	StateStopping = "stopping"
)

const restartHistoryFilename = "restarts.json"

// Options configures a Gateway. Config is required.
type Options struct {
	Config *config.Config
	// Version is the build version reported on status and hello frames.
	Version string
	// StateDir holds gateway-owned files such as the restart history.
	// Defaults to ~/.drost.
	StateDir string
	// Events defaults to a fresh broker.
	Events bus.EventPublisher
	// OnStart, when set, runs after the control server is listening but
	// before parked lanes resume. A failure degrades, it does not abort.
	OnStart func(ctx context.Context) error
	Now     func() time.Time
}

// Gateway owns the subsystem graph for one process.
type Gateway struct {
	cfg      *config.Config
	version  string
	stateDir string
	events   bus.EventPublisher
	onStart  func(ctx context.Context) error
	now      func() time.Time

	store     *store.SessionStore
	registry  *tools.Registry
	runtime   *tools.Runtime
	evolution *tools.EvolutionManager
	mcp       *mcptools.Manager
	watcher   *mcptools.Watcher
	skills    *skills.Loader
	providers *providers.Manager
	sessions  *session.Manager
	sched     *orchestration.Scheduler
	control   *control.Server
	retention *retentionSweeper
	traces    tracestore.Store
	history   *restartHistory

	stopTelemetry func(context.Context) error

	mu        sync.Mutex
	state     string
	degraded  []string
	startedAt time.Time

	quit     chan struct{}
	quitOnce sync.Once
}

// New builds an unstarted Gateway.
func New(opts Options) *Gateway {
	if opts.Config == nil {
		panic("gateway: Options.Config is required")
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	events := opts.Events
	if events == nil {
		events = bus.NewBroker()
	}
	stateDir := opts.StateDir
	if stateDir == "" {
		stateDir = config.ExpandHome("~/.drost")
	}
	return &Gateway{
		cfg:      opts.Config,
		version:  opts.Version,
		stateDir: stateDir,
		events:   events,
		onStart:  opts.OnStart,
		now:      now,
		state:    StateStopped,
		quit:     make(chan struct{}),
	}
}

// Start brings every subsystem up in dependency order. Recoverable failures
// append a degradation reason and keep going; only missing directories, a
// broken session store, and a dead control listener abort.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	if g.state != StateStopped {
		state := g.state
		g.mu.Unlock()
		return fmt.Errorf("gateway is already %s", state)
	}
	g.state = StateStarting
	g.degraded = nil
	g.startedAt = g.now()
	g.mu.Unlock()

	slog.Info("gateway.starting", "version", g.version)

	if err := g.ensureDirs(); err != nil {
		return g.abort(ctx, err)
	}

	// The restart budget must survive the restarts it meters, so the
	// history loads from disk first. A corrupt file degrades; the budget
	// simply restarts from empty.
	history, err := loadRestartHistory(filepath.Join(g.stateDir, restartHistoryFilename))
	g.history = history
	if err != nil {
		g.degrade("restart history: " + err.Error())
	}

	if prompt, err := ensureWorkspaceAgent(g.cfg.WorkspacePath()); err != nil {
		g.degrade("agent instructions: " + err.Error())
	} else if prompt != "" {
		g.cfg.SetDefaultSystemPrompt(prompt)
	}

	g.skills = skills.NewLoader(config.ExpandHome(g.cfg.AgentDefaults().SkillsDir))
	if err := g.skills.Load(); err != nil {
		g.degrade("skills: " + err.Error())
	} else if n := g.skills.Count(); n > 0 {
		slog.Info("gateway.skills_loaded", "count", n)
	}

	// Tool traces and telemetry are best-effort: tools still run without
	// either.
	if traces, err := tracestore.Open(ctx, g.cfg.TracesSettings()); err != nil {
		g.degrade("trace store: " + err.Error())
	} else {
		g.traces = traces
	}
	if stop, err := tracing.Setup(ctx, g.cfg.TelemetrySettings(), g.version); err != nil {
		g.degrade("telemetry: " + err.Error())
	} else {
		g.stopTelemetry = stop
	}

	st, err := store.NewSessionStore(g.cfg.SessionsDir(), g.cfg.ToStoreOptions())
	if err != nil {
		return g.abort(ctx, fmt.Errorf("session store: %w", err))
	}
	g.store = st

	g.buildToolRuntime()

	toolCfg := g.cfg.ToolSettings()
	g.mcp = mcptools.NewManager(g.registry, toolCfg.MCPServers)
	if err := g.mcp.Start(ctx); err != nil {
		g.degrade("mcp: " + err.Error())
	}
	if dir := config.ExpandHome(toolCfg.ConfigDir); dir != "" {
		if watcher, err := mcptools.NewWatcher(dir, g.registry, g.events); err != nil {
			g.degrade("tools watcher: " + err.Error())
		} else if err := watcher.Start(); err != nil {
			g.degrade("tools watcher: " + err.Error())
		} else {
			g.watcher = watcher
		}
	}

	g.providers = providers.NewManager(g.cfg, g.events, providers.DefaultAdapters()...)
	if g.cfg.ProbeSettings().OnStart {
		for _, res := range g.providers.ProbeAll(ctx) {
			if !res.Healthy() {
				g.degrade(fmt.Sprintf("probe %s: %s", res.ProviderID, res.Code))
			}
		}
	}

	g.sessions = session.NewManager(session.Options{
		Config:    g.cfg,
		Store:     g.store,
		Providers: g.providers,
		Runtime:   g.runtime,
		Events:    g.events,
		Skills:    g.skills,
		Now:       g.now,
	})
	g.sched = orchestration.NewScheduler(orchestration.Options{
		Config: g.cfg,
		Events: g.events,
		Run:    g.sessions.RunTurn,
		Now:    g.now,
	})
	if n, err := g.sched.Restore(); err != nil {
		g.degrade("lane restore: " + err.Error())
	} else if n > 0 {
		slog.Info("gateway.lanes_restored", "queued", n)
	}

	g.control = control.New(control.Options{
		Config:     g.cfg,
		Events:     g.events,
		Supervisor: g,
		Sessions:   g.sessions,
		Scheduler:  g.sched,
		Providers:  g.providers,
		Store:      g.store,
		Runtime:    g.runtime,
		Registry:   g.registry,
		Traces:     g.traces,
		Evolution:  g.evolution,
		Version:    g.version,
	})
	if err := g.control.Start(ctx); err != nil {
		return g.abort(ctx, fmt.Errorf("control server: %w", err))
	}

	g.retention = newRetentionSweeper(g.cfg, g.sessions, g.sched, g.events, g.now)
	g.retention.Start()

	if g.onStart != nil {
		if err := g.onStart(ctx); err != nil {
			g.degrade("onStart hook: " + err.Error())
		}
	}

	// Restored lanes stay parked until the whole stack is up.
	g.sched.Resume()

	g.mu.Lock()
	state := StateRunning
	if len(g.degraded) > 0 {
		state = StateDegraded
	}
	g.state = state
	reasons := append([]string(nil), g.degraded...)
	g.mu.Unlock()

	g.events.Broadcast(bus.Event{
		Name: protocol.EventGatewayState,
		Payload: map[string]interface{}{
			"state":   state,
			"reasons": reasons,
		},
	})
	slog.Info("gateway.started",
		"state", state,
		"addr", g.control.Addr(),
		"tools", len(g.registry.Names()),
		"degraded", len(reasons),
	)
	return nil
}

// buildToolRuntime registers the built-in tools and wraps them in a runtime
// with the configured policy and roots.
func (g *Gateway) buildToolRuntime() {
	toolCfg := g.cfg.ToolSettings()
	g.registry = tools.NewRegistry()
	g.evolution = tools.NewEvolutionManager(g.events, g)

	g.registry.Register(tools.NewFileTool())
	g.registry.Register(tools.NewShellTool(toolCfg.Shell))
	g.registry.Register(tools.NewWebTool(toolCfg.Web))
	for _, t := range tools.CodeTools() {
		g.registry.Register(t)
	}
	for _, t := range tools.EvolutionTools(g.evolution) {
		g.registry.Register(t)
	}
	g.registry.Register(tools.NewAgentTool(g))

	g.runtime = tools.NewRuntime(tools.RuntimeOptions{
		Registry:     g.registry,
		Policy:       tools.PolicyFromConfig(toolCfg.Policy),
		Events:       g.events,
		Traces:       g.traces,
		WorkspaceDir: g.cfg.WorkspacePath(),
		MutableRoots: g.cfg.MutableRoots(),
		Now:          g.now,
	})
}

// ensureDirs creates the directories nothing below can run without.
func (g *Gateway) ensureDirs() error {
	dirs := []string{g.stateDir, g.cfg.WorkspacePath()}
	if dir := config.ExpandHome(g.cfg.ToolSettings().ConfigDir); dir != "" {
		dirs = append(dirs, dir)
	}
	if dir := config.ExpandHome(g.cfg.AgentDefaults().SkillsDir); dir != "" {
		dirs = append(dirs, dir)
	}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// abort unwinds whatever Start already brought up and reports the fatal
// error.
func (g *Gateway) abort(ctx context.Context, err error) error {
	slog.Error("gateway.start_failed", "error", err)
	g.teardown(ctx)
	g.mu.Lock()
	g.state = StateStopped
	g.mu.Unlock()
	return err
}

// degrade records a recoverable startup failure. The gateway keeps running
// with the reason visible on status.
func (g *Gateway) degrade(reason string) {
	g.mu.Lock()
	g.degraded = append(g.degraded, reason)
	g.mu.Unlock()
	slog.Warn("gateway.degraded", "reason", reason)
	g.events.Broadcast(bus.Event{
		Name:    protocol.EventGatewayDegraded,
		Payload: map[string]interface{}{"reason": reason},
	})
}

// Stop unwinds the subsystem graph. Safe to call more than once and on a
// gateway whose Start failed partway.
func (g *Gateway) Stop(ctx context.Context) error {
	g.mu.Lock()
	if g.state == StateStopped || g.state == StateStopping {
		g.mu.Unlock()
		return nil
	}
	g.state = StateStopping
	g.mu.Unlock()

	slog.Info("gateway.stopping")
	g.events.Broadcast(bus.Event{
		Name:    protocol.EventGatewayShutdown,
		Payload: map[string]interface{}{"state": StateStopping},
	})

	err := g.teardown(ctx)

	g.mu.Lock()
	g.state = StateStopped
	g.mu.Unlock()
	slog.Info("gateway.stopped")
	return err
}

// teardown stops components in reverse start order. Intake closes before the
// scheduler drains so queued turns fail with gateway_stopping rather than
// hang; the control server stays up during the drain so streams deliver the
// final events. Every step runs even when an earlier one fails.
func (g *Gateway) teardown(ctx context.Context) error {
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	if g.retention != nil {
		g.retention.Stop()
	}
	if g.watcher != nil {
		g.watcher.Stop()
	}
	if g.mcp != nil {
		g.mcp.Stop()
	}
	if g.sched != nil {
		keep(g.sched.Stop(ctx))
	}
	if g.control != nil {
		keep(g.control.Shutdown(ctx))
	}

	// The trace store and the span exporter have no ordering between them.
	var eg errgroup.Group
	if g.traces != nil {
		eg.Go(g.traces.Close)
	}
	if g.stopTelemetry != nil {
		eg.Go(func() error { return g.stopTelemetry(ctx) })
	}
	keep(eg.Wait())
	return first
}

// Wait blocks until the gateway is asked to exit. A requested restart
// returns RestartExitCode so an external supervisor respawns the process; a
// cancelled ctx means a clean shutdown and returns 0. Stopping is the
// caller's job either way.
func (g *Gateway) Wait(ctx context.Context) int {
	select {
	case <-g.quit:
		return RestartExitCode
	case <-ctx.Done():
		return 0
	}
}

// State reports the lifecycle state.
func (g *Gateway) State() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// ControlAddr reports the control listener address, empty before Start.
func (g *Gateway) ControlAddr() string {
	if g.control == nil {
		return ""
	}
	return g.control.Addr()
}

// Events exposes the gateway's event bus.
func (g *Gateway) Events() bus.EventPublisher { return g.events }

// StatusSnapshot summarizes the gateway for status surfaces and the agent
// tool.
func (g *Gateway) StatusSnapshot() map[string]interface{} {
	g.mu.Lock()
	state := g.state
	reasons := append([]string(nil), g.degraded...)
	started := g.startedAt
	g.mu.Unlock()

	snap := map[string]interface{}{
		"state":           state,
		"version":         g.version,
		"degradedReasons": reasons,
	}
	if !started.IsZero() {
		snap["uptimeSeconds"] = int64(g.now().Sub(started).Seconds())
	}
	if g.store != nil {
		snap["sessions"] = len(g.store.List())
	}
	if g.registry != nil {
		snap["tools"] = len(g.registry.Names())
		snap["toolsStale"] = g.registry.Stale()
	}
	if g.sched != nil {
		snap["lanes"] = len(g.sched.Lanes())
	}
	if g.skills != nil {
		snap["skills"] = g.skills.Count()
	}
	if g.history != nil {
		window := g.cfg.RestartSettings().Window()
		snap["restartsInWindow"] = g.history.countSince(g.now().Add(-window))
	}
	return snap
}

// RetentionStatus reports the idle-session sweeper for status surfaces.
func (g *Gateway) RetentionStatus() map[string]interface{} {
	if g.retention == nil {
		return map[string]interface{}{"enabled": false}
	}
	return g.retention.status()
}

// CheckRestart runs the restart policy without committing an attempt.
func (g *Gateway) CheckRestart(intent, reason string) error {
	if !ValidIntent(intent) {
		return protocol.E(protocol.CodeInvalidRequest, "unknown restart intent %q", intent)
	}
	rc := g.cfg.RestartSettings()
	for _, blocked := range rc.BlockedIntents {
		if intent == blocked {
			return protocol.E(protocol.CodePolicyDenied, "restart intent %q is blocked by policy", intent)
		}
	}
	if g.history == nil {
		return nil
	}
	max := rc.MaxRestarts
	if max <= 0 {
		max = 5
	}
	window := rc.Window()
	if g.history.countSince(g.now().Add(-window)) >= max {
		return protocol.E(protocol.CodeBudgetExceeded,
			"restart budget exhausted: %d restarts in the last %s", max, window)
	}
	return nil
}

// RequestRestart applies policy, persists the attempt, and arms the exit.
// The attempt is recorded before the process goes down so the budget
// survives the restart it meters.
func (g *Gateway) RequestRestart(ctx context.Context, intent, reason string) error {
	if err := g.CheckRestart(intent, reason); err != nil {
		return err
	}
	if g.history != nil {
		if err := g.history.record(RestartAttempt{At: g.now(), Intent: intent, Reason: reason}); err != nil {
			slog.Warn("gateway.restart_history_write_failed", "error", err)
		}
	}
	g.events.Broadcast(bus.Event{
		Name: protocol.EventRestartRequested,
		Payload: map[string]interface{}{
			"intent": intent,
			"reason": reason,
		},
	})
	slog.Info("gateway.restart_requested", "intent", intent, "reason", reason)
	g.quitOnce.Do(func() { close(g.quit) })
	return nil
}
