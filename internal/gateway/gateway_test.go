package gateway

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/drosthq/drost/internal/bus"
	"github.com/drosthq/drost/internal/config"
	"github.com/drosthq/drost/internal/orchestration"
	"github.com/drosthq/drost/internal/providers"
	"github.com/drosthq/drost/internal/session"
	"github.com/drosthq/drost/internal/store"
	"github.com/drosthq/drost/internal/tools"
	"github.com/drosthq/drost/pkg/protocol"
)

func gatewayConfig(t *testing.T) *config.Config {
	t.Helper()
	base := t.TempDir()
	noPersist := false
	return &config.Config{
		Agent: config.AgentConfig{
			Workspace: filepath.Join(base, "workspace"),
			SkillsDir: filepath.Join(base, "skills"),
		},
		Providers: config.ProvidersConfig{
			Profiles: []config.ProviderProfile{
				{ID: "p1", AdapterID: "openai", Model: "test-model", AuthProfileID: "main"},
			},
			Auth:  map[string]config.AuthProfile{"main": {APIKey: "test-key"}},
			Route: config.RouteConfig{Primary: "p1"},
		},
		Control: config.ControlConfig{
			Host:       "127.0.0.1",
			AdminToken: "admin-secret",
		},
		Tools:         config.ToolsConfig{ConfigDir: filepath.Join(base, "tools")},
		Sessions:      config.SessionsConfig{Dir: filepath.Join(base, "sessions")},
		Orchestration: config.OrchestrationConfig{Persist: &noPersist},
		Traces:        config.TracesConfig{SQLitePath: filepath.Join(base, "traces.db")},
	}
}

func startGateway(t *testing.T, opts Options) *Gateway {
	t.Helper()
	if opts.StateDir == "" {
		opts.StateDir = t.TempDir()
	}
	if opts.Version == "" {
		opts.Version = "test"
	}
	g := New(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := g.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		g.Stop(stopCtx)
	})
	return g
}

func TestGatewayStartStop(t *testing.T) {
	cfg := gatewayConfig(t)
	g := startGateway(t, Options{Config: cfg})

	if got := g.State(); got != StateRunning {
		t.Fatalf("State = %q, want %q", got, StateRunning)
	}

	snap := g.StatusSnapshot()
	if snap["state"] != StateRunning {
		t.Errorf("snapshot state = %v, want %q", snap["state"], StateRunning)
	}
	if snap["version"] != "test" {
		t.Errorf("snapshot version = %v, want %q", snap["version"], "test")
	}
	if n, ok := snap["tools"].(int); !ok || n == 0 {
		t.Errorf("snapshot tools = %v, want a non-zero count", snap["tools"])
	}

	addr := g.ControlAddr()
	if addr == "" {
		t.Fatal("ControlAddr is empty after Start")
	}
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d, want 200", resp.StatusCode)
	}

	if _, err := os.Stat(filepath.Join(cfg.WorkspacePath(), agentFilename)); err != nil {
		t.Errorf("workspace %s not seeded: %v", agentFilename, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := g.State(); got != StateStopped {
		t.Fatalf("State after Stop = %q, want %q", got, StateStopped)
	}
	if err := g.Stop(ctx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestGatewayRejectsDoubleStart(t *testing.T) {
	g := startGateway(t, Options{Config: gatewayConfig(t)})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.Start(ctx); err == nil {
		t.Fatal("second Start succeeded, want error")
	}
}

func TestGatewayDegradesOnCorruptRestartHistory(t *testing.T) {
	stateDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(stateDir, restartHistoryFilename), []byte("not json"), 0o644); err != nil {
		t.Fatalf("seed corrupt history: %v", err)
	}

	g := startGateway(t, Options{Config: gatewayConfig(t), StateDir: stateDir})

	if got := g.State(); got != StateDegraded {
		t.Fatalf("State = %q, want %q", got, StateDegraded)
	}
	reasons, _ := g.StatusSnapshot()["degradedReasons"].([]string)
	found := false
	for _, r := range reasons {
		if strings.Contains(r, "restart history") {
			found = true
		}
	}
	if !found {
		t.Errorf("degradedReasons = %v, want one mentioning restart history", reasons)
	}
}

func TestGatewayDegradedStillServesControl(t *testing.T) {
	stateDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(stateDir, restartHistoryFilename), []byte("{"), 0o644); err != nil {
		t.Fatalf("seed corrupt history: %v", err)
	}
	g := startGateway(t, Options{Config: gatewayConfig(t), StateDir: stateDir})

	resp, err := http.Get("http://" + g.ControlAddr() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d, want 200", resp.StatusCode)
	}
}

func TestGatewayOnStartHookFailureDegrades(t *testing.T) {
	g := startGateway(t, Options{
		Config:  gatewayConfig(t),
		OnStart: func(context.Context) error { return os.ErrPermission },
	})
	if got := g.State(); got != StateDegraded {
		t.Fatalf("State = %q, want %q", got, StateDegraded)
	}
}

func TestCheckRestartPolicy(t *testing.T) {
	cfg := gatewayConfig(t)
	cfg.Restart = config.RestartConfig{BlockedIntents: []string{IntentSelfMod}}
	g := New(Options{Config: cfg, StateDir: t.TempDir()})
	history, err := loadRestartHistory(filepath.Join(t.TempDir(), restartHistoryFilename))
	if err != nil {
		t.Fatalf("loadRestartHistory: %v", err)
	}
	g.history = history

	tests := []struct {
		name     string
		intent   string
		wantCode string
	}{
		{"manual allowed", IntentManual, ""},
		{"signal allowed", IntentSignal, ""},
		{"blocked intent", IntentSelfMod, protocol.CodePolicyDenied},
		{"unknown intent", "reboot", protocol.CodeInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := g.CheckRestart(tt.intent, "test")
			if tt.wantCode == "" {
				if err != nil {
					t.Fatalf("CheckRestart(%q) = %v, want nil", tt.intent, err)
				}
				return
			}
			if got := protocol.CodeOf(err); got != tt.wantCode {
				t.Fatalf("CheckRestart(%q) code = %q, want %q", tt.intent, got, tt.wantCode)
			}
		})
	}
}

func TestRestartBudgetExhaustion(t *testing.T) {
	cfg := gatewayConfig(t)
	cfg.Restart = config.RestartConfig{MaxRestarts: 2}
	stateDir := t.TempDir()
	historyPath := filepath.Join(stateDir, restartHistoryFilename)

	fixed := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	g := New(Options{Config: cfg, StateDir: stateDir, Now: func() time.Time { return fixed }})
	history, err := loadRestartHistory(historyPath)
	if err != nil {
		t.Fatalf("loadRestartHistory: %v", err)
	}
	g.history = history

	ctx := context.Background()
	if err := g.RequestRestart(ctx, IntentManual, "first"); err != nil {
		t.Fatalf("first RequestRestart: %v", err)
	}
	if err := g.RequestRestart(ctx, IntentManual, "second"); err != nil {
		t.Fatalf("second RequestRestart: %v", err)
	}
	err = g.RequestRestart(ctx, IntentManual, "third")
	if got := protocol.CodeOf(err); got != protocol.CodeBudgetExceeded {
		t.Fatalf("third RequestRestart code = %q, want %q", got, protocol.CodeBudgetExceeded)
	}

	// The budget must survive a process restart: a fresh load sees both
	// recorded attempts.
	reloaded, err := loadRestartHistory(historyPath)
	if err != nil {
		t.Fatalf("reload history: %v", err)
	}
	window := cfg.RestartSettings().Window()
	if got := reloaded.countSince(fixed.Add(-window)); got != 2 {
		t.Errorf("countSince after reload = %d, want 2", got)
	}
}

func TestWaitReturnsRestartExitCode(t *testing.T) {
	g := New(Options{Config: gatewayConfig(t), StateDir: t.TempDir()})
	history, err := loadRestartHistory(filepath.Join(t.TempDir(), restartHistoryFilename))
	if err != nil {
		t.Fatalf("loadRestartHistory: %v", err)
	}
	g.history = history

	done := make(chan int, 1)
	go func() { done <- g.Wait(context.Background()) }()

	if err := g.RequestRestart(context.Background(), IntentSignal, "rollover"); err != nil {
		t.Fatalf("RequestRestart: %v", err)
	}
	select {
	case code := <-done:
		if code != RestartExitCode {
			t.Fatalf("Wait = %d, want %d", code, RestartExitCode)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after a restart request")
	}
}

func TestWaitReturnsZeroOnContextCancel(t *testing.T) {
	g := New(Options{Config: gatewayConfig(t), StateDir: t.TempDir()})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan int, 1)
	go func() { done <- g.Wait(ctx) }()
	cancel()

	select {
	case code := <-done:
		if code != 0 {
			t.Fatalf("Wait = %d, want 0", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after cancel")
	}
}

func TestRetentionStatusBeforeStart(t *testing.T) {
	g := New(Options{Config: gatewayConfig(t), StateDir: t.TempDir()})
	status := g.RetentionStatus()
	if enabled, _ := status["enabled"].(bool); enabled {
		t.Fatalf("RetentionStatus enabled = true on an unstarted gateway")
	}
}

// fakeClock is a mutable time source shared by the store, manager, and
// sweeper in retention tests.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type retentionEnv struct {
	cfg   *config.Config
	clock *fakeClock
	store *store.SessionStore
	mgr   *session.Manager
	sched *orchestration.Scheduler
	sweep *retentionSweeper
}

func newRetentionEnv(t *testing.T, retention config.RetentionConfig, run orchestration.RunFunc) *retentionEnv {
	t.Helper()
	cfg := gatewayConfig(t)
	cfg.Sessions.Retention = retention

	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	st, err := store.NewSessionStore(cfg.SessionsDir(), store.Options{Now: clock.now})
	if err != nil {
		t.Fatalf("NewSessionStore: %v", err)
	}
	broker := bus.NewBroker()
	runtime := tools.NewRuntime(tools.RuntimeOptions{
		Registry:     tools.NewRegistry(),
		WorkspaceDir: cfg.WorkspacePath(),
		Now:          clock.now,
	})
	mgr := session.NewManager(session.Options{
		Config:    cfg,
		Store:     st,
		Providers: providers.NewManager(cfg, broker),
		Runtime:   runtime,
		Events:    broker,
		Now:       clock.now,
	})
	if run == nil {
		run = mgr.RunTurn
	}
	sched := orchestration.NewScheduler(orchestration.Options{
		Config: cfg,
		Events: broker,
		Run:    run,
		Now:    clock.now,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		sched.Stop(ctx)
	})
	return &retentionEnv{
		cfg:   cfg,
		clock: clock,
		store: st,
		mgr:   mgr,
		sched: sched,
		sweep: newRetentionSweeper(cfg, mgr, sched, broker, clock.now),
	}
}

func TestRetentionSweepArchivesIdleSessions(t *testing.T) {
	env := newRetentionEnv(t, config.RetentionConfig{MaxSessionAge: "720h"}, nil)

	if _, err := env.mgr.EnsureSession("old-session", "", nil); err != nil {
		t.Fatalf("EnsureSession old: %v", err)
	}
	env.clock.set(env.clock.now().Add(40 * 24 * time.Hour))
	if _, err := env.mgr.EnsureSession("fresh-session", "", nil); err != nil {
		t.Fatalf("EnsureSession fresh: %v", err)
	}

	env.sweep.sweep()

	if env.store.Exists("old-session") {
		t.Error("old-session still exists, want archived")
	}
	archived := filepath.Join(env.cfg.SessionsDir(), store.ArchiveDirname, "old-session.json")
	if _, err := os.Stat(archived); err != nil {
		t.Errorf("archived record missing: %v", err)
	}
	if !env.store.Exists("fresh-session") {
		t.Error("fresh-session was swept, want kept")
	}

	status := env.sweep.status()
	if got, _ := status["lastSwept"].(int); got != 1 {
		t.Errorf("lastSwept = %v, want 1", status["lastSwept"])
	}
}

func TestRetentionSweepDeleteAction(t *testing.T) {
	env := newRetentionEnv(t, config.RetentionConfig{MaxSessionAge: "720h", Action: "delete"}, nil)

	if _, err := env.mgr.EnsureSession("stale", "", nil); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	env.clock.set(env.clock.now().Add(31 * 24 * time.Hour))

	env.sweep.sweep()

	if env.store.Exists("stale") {
		t.Error("stale session still exists, want deleted")
	}
	archived := filepath.Join(env.cfg.SessionsDir(), store.ArchiveDirname, "stale.json")
	if _, err := os.Stat(archived); !os.IsNotExist(err) {
		t.Errorf("delete action left an archive record: %v", err)
	}
}

func TestRetentionSweepSkipsBusySessions(t *testing.T) {
	release := make(chan struct{})
	running := make(chan struct{})
	var once sync.Once
	run := func(ctx context.Context, req session.RunRequest) (*session.RunResult, error) {
		once.Do(func() { close(running) })
		select {
		case <-release:
		case <-ctx.Done():
		}
		return &session.RunResult{SessionID: req.SessionID}, nil
	}
	env := newRetentionEnv(t, config.RetentionConfig{MaxSessionAge: "720h"}, run)

	if _, err := env.mgr.EnsureSession("busy-session", "", nil); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	env.clock.set(env.clock.now().Add(31 * 24 * time.Hour))

	outcome := env.sched.Submit(context.Background(), orchestration.Submission{
		SessionID: "busy-session",
		Input:     "still working",
	})
	select {
	case <-running:
	case <-time.After(2 * time.Second):
		t.Fatal("turn never started")
	}

	env.sweep.sweep()
	if !env.store.Exists("busy-session") {
		t.Fatal("busy session was swept mid-turn")
	}

	close(release)
	select {
	case <-outcome:
	case <-time.After(2 * time.Second):
		t.Fatal("turn never finished")
	}

	env.sweep.sweep()
	if env.store.Exists("busy-session") {
		t.Error("idle session survived the second sweep")
	}
}

func TestRetentionSweepNoopWithoutMaxAge(t *testing.T) {
	env := newRetentionEnv(t, config.RetentionConfig{}, nil)

	if _, err := env.mgr.EnsureSession("ancient", "", nil); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	env.clock.set(env.clock.now().Add(365 * 24 * time.Hour))

	env.sweep.sweep()
	if !env.store.Exists("ancient") {
		t.Error("session swept with retention disabled")
	}
}

func TestEnsureWorkspaceAgentSeedsOnce(t *testing.T) {
	dir := t.TempDir()

	first, err := ensureWorkspaceAgent(dir)
	if err != nil {
		t.Fatalf("ensureWorkspaceAgent: %v", err)
	}
	if !strings.Contains(first, "Agent Instructions") {
		t.Errorf("seeded prompt = %q, want the template", first)
	}

	custom := "# Mine\n\nDo exactly as I say."
	if err := os.WriteFile(filepath.Join(dir, agentFilename), []byte(custom), 0o644); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	second, err := ensureWorkspaceAgent(dir)
	if err != nil {
		t.Fatalf("ensureWorkspaceAgent second call: %v", err)
	}
	if second != custom {
		t.Errorf("second read = %q, want the operator's file untouched", second)
	}
}
