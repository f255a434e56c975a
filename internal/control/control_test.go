package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
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

const (
	testAdminToken = "admin-secret"
	testReadToken  = "read-secret"
)

type fakeSupervisor struct {
	mu         sync.Mutex
	state      string
	checkErr   error
	restartErr error
	restarts   []string
	checks     []string
}

func (f *fakeSupervisor) State() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == "" {
		return "running"
	}
	return f.state
}

func (f *fakeSupervisor) StatusSnapshot() map[string]interface{} {
	return map[string]interface{}{"state": f.State(), "version": "test"}
}

func (f *fakeSupervisor) RetentionStatus() map[string]interface{} {
	return map[string]interface{}{"action": "archive"}
}

func (f *fakeSupervisor) RequestRestart(_ context.Context, intent, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.restartErr != nil {
		return f.restartErr
	}
	f.restarts = append(f.restarts, intent+":"+reason)
	return nil
}

func (f *fakeSupervisor) CheckRestart(intent, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks = append(f.checks, intent+":"+reason)
	return f.checkErr
}

func (f *fakeSupervisor) restartCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.restarts)
}

func testConfig() *config.Config {
	noPersist := false
	return &config.Config{
		Providers: config.ProvidersConfig{
			Profiles: []config.ProviderProfile{
				{ID: "p1", AdapterID: "mock", Model: "test-model", AuthProfileID: "main"},
			},
			Auth:     map[string]config.AuthProfile{"main": {APIKey: "test-key"}},
			Route:    config.RouteConfig{Primary: "p1"},
			Failover: config.FailoverConfig{MaxRetries: 1, RetryDelayMs: 1},
		},
		Control: config.ControlConfig{
			AdminToken:    testAdminToken,
			ReadOnlyToken: testReadToken,
		},
		Orchestration: config.OrchestrationConfig{Persist: &noPersist},
	}
}

// testEnv runs a control server over a real store, scheduler and session
// manager, with a scripted mock adapter behind the chat path.
type testEnv struct {
	cfg    *config.Config
	broker *bus.Broker
	sup    *fakeSupervisor
	store  *store.SessionStore
	mgr    *session.Manager
	sched  *orchestration.Scheduler
	reg    *tools.Registry
	srv    *Server
	ts     *httptest.Server
}

func newTestEnv(t *testing.T, cfg *config.Config, script ...providers.MockTurn) *testEnv {
	t.Helper()
	st, err := store.NewSessionStore(t.TempDir(), store.Options{})
	if err != nil {
		t.Fatalf("NewSessionStore: %v", err)
	}
	broker := bus.NewBroker()
	reg := tools.NewRegistry()
	runtime := tools.NewRuntime(tools.RuntimeOptions{
		Registry:     reg,
		Events:       broker,
		WorkspaceDir: t.TempDir(),
	})
	pm := providers.NewManager(cfg, broker, providers.NewMockAdapter("mock", false, script...))
	mgr := session.NewManager(session.Options{
		Config:    cfg,
		Store:     st,
		Providers: pm,
		Runtime:   runtime,
		Events:    broker,
	})
	sched := orchestration.NewScheduler(orchestration.Options{
		Config: cfg,
		Events: broker,
		Run:    mgr.RunTurn,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		sched.Stop(ctx)
	})

	sup := &fakeSupervisor{}
	srv := New(Options{
		Config:     cfg,
		Events:     broker,
		Supervisor: sup,
		Sessions:   mgr,
		Scheduler:  sched,
		Providers:  pm,
		Store:      st,
		Runtime:    runtime,
		Registry:   reg,
		Version:    "test",
	})
	env := &testEnv{
		cfg:    cfg,
		broker: broker,
		sup:    sup,
		store:  st,
		mgr:    mgr,
		sched:  sched,
		reg:    reg,
		srv:    srv,
	}
	env.ts = httptest.NewServer(srv.Handler())
	t.Cleanup(env.ts.Close)
	return env
}

// do issues one request against the test server. token "" sends no
// Authorization header.
func (e *testEnv) do(t *testing.T, method, path, token string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, reader)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var decoded map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil && err != io.EOF {
		t.Fatalf("decode %s %s: %v", method, path, err)
	}
	return resp, decoded
}

func TestHealthzNeedsNoToken(t *testing.T) {
	env := newTestEnv(t, testConfig())

	resp, body := env.do(t, http.MethodGet, "/healthz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if body["status"] != "ok" || body["version"] != "test" || body["state"] != "running" {
		t.Errorf("body = %v, want ok/test/running", body)
	}
}

func TestAuthTiers(t *testing.T) {
	env := newTestEnv(t, testConfig())

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		want   int
	}{
		{"read route without token", http.MethodGet, "/control/v1/status", "", http.StatusUnauthorized},
		{"read route with bad token", http.MethodGet, "/control/v1/status", "wrong", http.StatusUnauthorized},
		{"read route with read token", http.MethodGet, "/control/v1/status", testReadToken, http.StatusOK},
		{"read route with admin token", http.MethodGet, "/control/v1/status", testAdminToken, http.StatusOK},
		{"mutation with read token", http.MethodPost, "/control/v1/sessions", testReadToken, http.StatusUnauthorized},
		{"mutation without token", http.MethodPost, "/control/v1/sessions", "", http.StatusUnauthorized},
		{"mutation with admin token", http.MethodPost, "/control/v1/sessions", testAdminToken, http.StatusCreated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body interface{}
			if tt.method == http.MethodPost {
				body = map[string]interface{}{}
			}
			resp, decoded := env.do(t, tt.method, tt.path, tt.token, body)
			if resp.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d (body %v)", resp.StatusCode, tt.want, decoded)
			}
			if tt.want == http.StatusUnauthorized && decoded["code"] != protocol.CodeUnauthorized {
				t.Errorf("code = %v, want %q", decoded["code"], protocol.CodeUnauthorized)
			}
		})
	}
}

func TestOpenModeWithoutAdminToken(t *testing.T) {
	cfg := testConfig()
	cfg.Control.AdminToken = ""
	cfg.Control.ReadOnlyToken = ""
	env := newTestEnv(t, cfg)

	resp, _ := env.do(t, http.MethodPost, "/control/v1/sessions", "", map[string]interface{}{"sessionId": "open-1"})
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("status = %d, want 201 in open mode", resp.StatusCode)
	}
}

func TestLoopbackBypassAdmitsTokenlessCaller(t *testing.T) {
	cfg := testConfig()
	cfg.Control.LoopbackBypass = true
	env := newTestEnv(t, cfg)

	// httptest serves over 127.0.0.1, so a token-less request is loopback.
	resp, _ := env.do(t, http.MethodPost, "/control/v1/sessions", "", map[string]interface{}{"sessionId": "local-1"})
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("status = %d, want 201 via loopback bypass", resp.StatusCode)
	}

	// An explicit read token keeps read privileges even from loopback.
	resp, _ = env.do(t, http.MethodPost, "/control/v1/sessions", testReadToken, map[string]interface{}{})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 for read token on a mutation", resp.StatusCode)
	}
}

func TestMutationRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Control.MutationsPerMin = 1
	env := newTestEnv(t, cfg)

	resp, _ := env.do(t, http.MethodPost, "/control/v1/sessions", testAdminToken, map[string]interface{}{"sessionId": "a"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("first mutation status = %d, want 201", resp.StatusCode)
	}
	resp, body := env.do(t, http.MethodPost, "/control/v1/sessions", testAdminToken, map[string]interface{}{"sessionId": "b"})
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second mutation status = %d, want 429", resp.StatusCode)
	}
	if body["code"] != protocol.CodeRateLimited {
		t.Errorf("code = %v, want %q", body["code"], protocol.CodeRateLimited)
	}

	// Reads are not metered.
	resp, _ = env.do(t, http.MethodGet, "/control/v1/status", testAdminToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("read status = %d, want 200 after mutation budget spent", resp.StatusCode)
	}
}

func TestStatusRoute(t *testing.T) {
	env := newTestEnv(t, testConfig())

	resp, body := env.do(t, http.MethodGet, "/control/v1/status", testReadToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if body["ok"] != true || body["state"] != "running" {
		t.Errorf("body = %v, want ok snapshot", body)
	}
}

func TestCreateListGetSession(t *testing.T) {
	env := newTestEnv(t, testConfig())

	resp, created := env.do(t, http.MethodPost, "/control/v1/sessions", testAdminToken,
		map[string]interface{}{"title": "triage", "channel": "cli"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d (body %v)", resp.StatusCode, created)
	}
	id, _ := created["sessionId"].(string)
	if id == "" {
		t.Fatal("create returned no sessionId")
	}
	if created["activeProviderId"] != "p1" {
		t.Errorf("activeProviderId = %v, want p1", created["activeProviderId"])
	}

	resp, list := env.do(t, http.MethodGet, "/control/v1/sessions", testReadToken, nil)
	if resp.StatusCode != http.StatusOK || list["count"] != float64(1) {
		t.Errorf("list = %d %v, want one session", resp.StatusCode, list)
	}

	resp, got := env.do(t, http.MethodGet, "/control/v1/sessions/"+id, testReadToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	if got["sessionId"] != id || got["historyCount"] != float64(0) {
		t.Errorf("get body = %v", got)
	}
	meta, _ := got["metadata"].(map[string]interface{})
	if meta["title"] != "triage" {
		t.Errorf("title = %v, want triage", meta["title"])
	}

	resp, _ = env.do(t, http.MethodGet, "/control/v1/sessions/ghost", testReadToken, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown session status = %d, want 404", resp.StatusCode)
	}
}

func TestChatSendRoundtrip(t *testing.T) {
	env := newTestEnv(t, testConfig(),
		providers.MockTurn{Text: "Hello from the gateway."})

	resp, body := env.do(t, http.MethodPost, "/control/v1/chat/send", testAdminToken,
		map[string]interface{}{"sessionId": "chat-1", "input": "hi"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d (body %v)", resp.StatusCode, body)
	}
	if body["response"] != "Hello from the gateway." || body["providerId"] != "p1" {
		t.Errorf("body = %v, want mock response from p1", body)
	}

	rec, _, err := env.store.Load("chat-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(rec.History) != 2 {
		t.Errorf("persisted history = %d messages, want 2", len(rec.History))
	}
}

func TestChatSendValidation(t *testing.T) {
	env := newTestEnv(t, testConfig())

	tests := []struct {
		name string
		body map[string]interface{}
	}{
		{"missing sessionId", map[string]interface{}{"input": "hi"}},
		{"missing input", map[string]interface{}{"sessionId": "chat-1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := env.do(t, http.MethodPost, "/control/v1/chat/send", testAdminToken, tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", resp.StatusCode)
			}
			if body["code"] != protocol.CodeInvalidRequest {
				t.Errorf("code = %v, want %q", body["code"], protocol.CodeInvalidRequest)
			}
		})
	}
}

func TestChatSendBusyLaneConflict(t *testing.T) {
	cfg := testConfig()
	cfg.Orchestration.Lane = config.LaneConfig{Mode: "queue", Cap: 1, DropPolicy: "new"}
	env := newTestEnv(t, cfg,
		providers.MockTurn{Text: "slow answer", Delay: 500 * time.Millisecond},
		providers.MockTurn{Text: "never reached"})

	errs := make(chan error, 1)
	go func() {
		resp, _ := env.do(t, http.MethodPost, "/control/v1/chat/send", testAdminToken,
			map[string]interface{}{"sessionId": "busy", "input": "first"})
		if resp.StatusCode != http.StatusOK {
			errs <- fmt.Errorf("first turn status = %d", resp.StatusCode)
			return
		}
		errs <- nil
	}()

	// Wait for the first turn to occupy the lane.
	deadline := time.Now().Add(2 * time.Second)
	for {
		_, lanes := env.do(t, http.MethodGet, "/control/v1/orchestration/lanes", testReadToken, nil)
		if list, _ := lanes["lanes"].([]interface{}); len(list) == 1 {
			if ln, _ := list[0].(map[string]interface{}); ln["active"] == true {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatal("lane never became active")
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp, body := env.do(t, http.MethodPost, "/control/v1/chat/send", testAdminToken,
		map[string]interface{}{"sessionId": "busy", "input": "second"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second turn status = %d, want 409 (body %v)", resp.StatusCode, body)
	}
	if body["code"] != protocol.CodeBusy || body["message"] != "dropped by capacity" {
		t.Errorf("body = %v, want busy rejection", body)
	}

	if err := <-errs; err != nil {
		t.Fatal(err)
	}
}

func TestForkSession(t *testing.T) {
	env := newTestEnv(t, testConfig(),
		providers.MockTurn{Text: "remembered"})

	if _, body := env.do(t, http.MethodPost, "/control/v1/chat/send", testAdminToken,
		map[string]interface{}{"sessionId": "source", "input": "seed"}); body["ok"] != true {
		t.Fatalf("seeding turn failed: %v", body)
	}

	resp, forked := env.do(t, http.MethodPost, "/control/v1/sessions", testAdminToken,
		map[string]interface{}{"sessionId": "copy", "fromSessionId": "source", "title": "fork"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("fork status = %d (body %v)", resp.StatusCode, forked)
	}
	if forked["forkedFrom"] != "source" || forked["historyCount"] != float64(2) {
		t.Errorf("fork body = %v, want 2 inherited messages", forked)
	}

	resp, _ = env.do(t, http.MethodPost, "/control/v1/sessions", testAdminToken,
		map[string]interface{}{"sessionId": "copy2", "fromSessionId": "ghost"})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("fork from unknown source status = %d, want 404", resp.StatusCode)
	}
}

func TestSwitchProviderUnknownProvider(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.do(t, http.MethodPost, "/control/v1/sessions", testAdminToken, map[string]interface{}{"sessionId": "s"})

	resp, body := env.do(t, http.MethodPost, "/control/v1/sessions/s/provider", testAdminToken,
		map[string]interface{}{"providerId": "ghost"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	if body["code"] != protocol.CodeUnknownProvider {
		t.Errorf("code = %v, want %q", body["code"], protocol.CodeUnknownProvider)
	}
}

func TestRenameAndDeleteSession(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.do(t, http.MethodPost, "/control/v1/sessions", testAdminToken, map[string]interface{}{"sessionId": "old"})

	resp, body := env.do(t, http.MethodPost, "/control/v1/sessions/old/rename", testAdminToken,
		map[string]interface{}{"toId": "new"})
	if resp.StatusCode != http.StatusOK || body["sessionId"] != "new" {
		t.Fatalf("rename = %d %v", resp.StatusCode, body)
	}
	if env.store.Exists("old") || !env.store.Exists("new") {
		t.Error("rename did not move the record")
	}

	resp, _ = env.do(t, http.MethodDelete, "/control/v1/sessions/new", testAdminToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	if env.store.Exists("new") {
		t.Error("record still on disk after delete")
	}
}

func TestExportImportSession(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.do(t, http.MethodPost, "/control/v1/sessions", testAdminToken,
		map[string]interface{}{"sessionId": "exp", "title": "keep"})

	resp, body := env.do(t, http.MethodPost, "/control/v1/sessions/exp/export", testAdminToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("export status = %d", resp.StatusCode)
	}
	record, _ := body["record"].(map[string]interface{})
	if record["sessionId"] != "exp" {
		t.Fatalf("export record = %v", record)
	}

	// Re-import under a new id.
	record["sessionId"] = "imp"
	resp, _ = env.do(t, http.MethodPost, "/control/v1/sessions/import", testAdminToken,
		map[string]interface{}{"record": record})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("import status = %d", resp.StatusCode)
	}
	if !env.store.Exists("imp") {
		t.Error("imported record missing")
	}

	// Importing over an existing session without overwrite is a conflict.
	resp, body = env.do(t, http.MethodPost, "/control/v1/sessions/import", testAdminToken,
		map[string]interface{}{"record": record})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate import status = %d (body %v)", resp.StatusCode, body)
	}
	resp, _ = env.do(t, http.MethodPost, "/control/v1/sessions/import", testAdminToken,
		map[string]interface{}{"record": record, "overwrite": true})
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("overwrite import status = %d, want 201", resp.StatusCode)
	}
}

func TestToolsRoutes(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.reg.Register(pingTool{})

	resp, body := env.do(t, http.MethodGet, "/control/v1/tools", testReadToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("tools status = %d", resp.StatusCode)
	}
	defs, _ := body["tools"].([]interface{})
	if len(defs) != 1 {
		t.Fatalf("tools = %v, want the ping tool", body["tools"])
	}
	if body["stale"] != false {
		t.Errorf("stale = %v, want false", body["stale"])
	}

	resp, run := env.do(t, http.MethodPost, "/control/v1/tools/run", testAdminToken,
		map[string]interface{}{"tool": "ping", "input": map[string]interface{}{}})
	if resp.StatusCode != http.StatusOK || run["output"] != "pong" {
		t.Errorf("run = %d %v, want pong", resp.StatusCode, run)
	}

	resp, run = env.do(t, http.MethodPost, "/control/v1/tools/run", testAdminToken,
		map[string]interface{}{"tool": "ghost"})
	if resp.StatusCode != http.StatusNotFound || run["code"] != protocol.CodeToolNotFound {
		t.Errorf("unknown tool = %d %v, want 404 tool_not_found", resp.StatusCode, run)
	}
}

func TestProvidersRoute(t *testing.T) {
	env := newTestEnv(t, testConfig())

	resp, body := env.do(t, http.MethodGet, "/control/v1/providers", testReadToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	route, _ := body["route"].([]interface{})
	if len(route) != 1 || route[0] != "p1" {
		t.Errorf("route = %v, want [p1]", route)
	}
	list, _ := body["providers"].([]interface{})
	if len(list) != 1 {
		t.Fatalf("providers = %v, want one status", body["providers"])
	}
}

func TestTracesRouteWithoutStore(t *testing.T) {
	env := newTestEnv(t, testConfig())

	resp, _ := env.do(t, http.MethodGet, "/control/v1/tools/traces", testReadToken, nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 with no trace store", resp.StatusCode)
	}
}

func TestRestartRoute(t *testing.T) {
	env := newTestEnv(t, testConfig())

	resp, body := env.do(t, http.MethodPost, "/control/v1/restart", testAdminToken,
		map[string]interface{}{"intent": "manual", "reason": "test", "dryRun": true})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("dry run status = %d (body %v)", resp.StatusCode, body)
	}
	if body["scheduled"] != false {
		t.Errorf("scheduled = %v, want false on dry run", body["scheduled"])
	}
	if env.sup.restartCount() != 0 {
		t.Error("dry run committed a restart")
	}

	resp, body = env.do(t, http.MethodPost, "/control/v1/restart", testAdminToken,
		map[string]interface{}{"intent": "manual", "reason": "test"})
	if resp.StatusCode != http.StatusAccepted || body["scheduled"] != true {
		t.Fatalf("restart = %d %v", resp.StatusCode, body)
	}
	if env.sup.restartCount() != 1 {
		t.Errorf("restarts = %d, want 1", env.sup.restartCount())
	}

	env.sup.mu.Lock()
	env.sup.restartErr = protocol.E(protocol.CodePolicyDenied, "intent blocked by policy")
	env.sup.mu.Unlock()
	resp, body = env.do(t, http.MethodPost, "/control/v1/restart", testAdminToken,
		map[string]interface{}{"intent": "self_mod"})
	if resp.StatusCode != http.StatusForbidden || body["code"] != protocol.CodePolicyDenied {
		t.Errorf("blocked restart = %d %v, want 403 policy_denied", resp.StatusCode, body)
	}
}

// pingTool is the minimal registrable tool.
type pingTool struct{}

func (pingTool) Name() string        { return "ping" }
func (pingTool) Description() string { return "Answers pong." }
func (pingTool) Parameters() map[string]interface{} {
	return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
}
func (pingTool) Execute(context.Context, map[string]interface{}, tools.ToolContext) (string, error) {
	return "pong", nil
}
