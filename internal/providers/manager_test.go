package providers

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/drosthq/drost/internal/bus"
	"github.com/drosthq/drost/internal/config"
	"github.com/drosthq/drost/pkg/protocol"
)

func mockProfile(id, adapterID string) config.ProviderProfile {
	return config.ProviderProfile{ID: id, AdapterID: adapterID, Model: "m", AuthProfileID: "a"}
}

func managerConfig(primary string, fallbacks []string, failover config.FailoverConfig, profiles ...config.ProviderProfile) *config.Config {
	cfg := &config.Config{}
	cfg.Providers = config.ProvidersConfig{
		Profiles: profiles,
		Auth:     map[string]config.AuthProfile{"a": {APIKey: "k"}},
		Route:    config.RouteConfig{Primary: primary, Fallbacks: config.FlexibleStringSlice(fallbacks)},
		Failover: failover,
	}
	return cfg
}

// newTestManager swaps the backoff sleeper for a recorder so retry tests run
// instantly.
func newTestManager(cfg *config.Config, events bus.EventPublisher, adapters ...Adapter) (*Manager, *[]time.Duration) {
	m := NewManager(cfg, events, adapters...)
	sleeps := &[]time.Duration{}
	var mu sync.Mutex
	m.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		*sleeps = append(*sleeps, d)
		mu.Unlock()
		return nil
	}
	return m, sleeps
}

func userTurn(text string) TurnRequest {
	return TurnRequest{Messages: []Message{{Role: "user", Content: text}}}
}

func TestRunTurnRetryThenSuccess(t *testing.T) {
	mock := NewMockAdapter("mock1", true,
		MockTurn{Err: &HTTPError{Status: 500, Body: "boom"}},
		MockTurn{Text: "hello"},
	)
	cfg := managerConfig("p1", nil, config.FailoverConfig{}, mockProfile("p1", "mock1"))
	m, sleeps := newTestManager(cfg, nil, mock)

	result, served, err := m.RunTurn(context.Background(), "s1", "p1", userTurn("hi"), nil)
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if result.Text != "hello" || served != "p1" {
		t.Errorf("result = %q served by %q, want hello from p1", result.Text, served)
	}
	if calls := mock.Calls(); len(calls) != 2 {
		t.Errorf("adapter calls = %d, want 2", len(calls))
	}
	if len(*sleeps) != 1 || (*sleeps)[0] != 400*time.Millisecond {
		t.Errorf("sleeps = %v, want one default retry delay", *sleeps)
	}
}

func TestRunTurnStampsProfileAndAuth(t *testing.T) {
	mock := NewMockAdapter("mock1", true, MockTurn{Text: "ok"})
	cfg := managerConfig("p1", nil, config.FailoverConfig{}, mockProfile("p1", "mock1"))
	m, _ := newTestManager(cfg, nil, mock)

	if _, _, err := m.RunTurn(context.Background(), "s1", "p1", userTurn("hi"), nil); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	calls := mock.Calls()
	if len(calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(calls))
	}
	if calls[0].Profile.ID != "p1" || calls[0].APIKey != "k" {
		t.Errorf("request profile/key = %q/%q, want p1/k", calls[0].Profile.ID, calls[0].APIKey)
	}
}

func TestRunTurnFailoverToFallback(t *testing.T) {
	primary := NewMockAdapter("mock1", true,
		MockTurn{Err: &HTTPError{Status: 503}},
		MockTurn{Err: &HTTPError{Status: 503}},
	)
	fallback := NewMockAdapter("mock2", true, MockTurn{Text: "from p2"})
	cfg := managerConfig("p1", []string{"p2"}, config.FailoverConfig{MaxRetries: 1},
		mockProfile("p1", "mock1"), mockProfile("p2", "mock2"))
	m, _ := newTestManager(cfg, nil, primary, fallback)

	result, served, err := m.RunTurn(context.Background(), "s1", "p1", userTurn("hi"), nil)
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if result.Text != "from p2" || served != "p2" {
		t.Errorf("result = %q served by %q, want from p2 via p2", result.Text, served)
	}
	if got := len(primary.Calls()); got != 2 {
		t.Errorf("primary attempts = %d, want initial plus one retry", got)
	}
	if got := len(fallback.Calls()); got != 1 {
		t.Errorf("fallback attempts = %d, want 1", got)
	}
}

func TestRunTurnNonRetryableFailsImmediately(t *testing.T) {
	primary := NewMockAdapter("mock1", true, MockTurn{Err: &HTTPError{Status: 401, Body: "bad key"}})
	fallback := NewMockAdapter("mock2", true, MockTurn{Text: "never"})
	cfg := managerConfig("p1", []string{"p2"}, config.FailoverConfig{},
		mockProfile("p1", "mock1"), mockProfile("p2", "mock2"))
	m, sleeps := newTestManager(cfg, nil, primary, fallback)

	_, served, err := m.RunTurn(context.Background(), "s1", "p1", userTurn("hi"), nil)
	if err == nil {
		t.Fatalf("RunTurn succeeded, want auth failure")
	}
	if served != "p1" {
		t.Errorf("served = %q, want p1", served)
	}
	if got := Classify(err); got != ClassAuth {
		t.Errorf("Classify = %q, want auth", got)
	}
	if got := len(fallback.Calls()); got != 0 {
		t.Errorf("fallback attempts = %d, want 0 for a terminal failure", got)
	}
	if len(*sleeps) != 0 {
		t.Errorf("sleeps = %v, want none", *sleeps)
	}
}

func TestRunTurnRetryAfterStretchesBackoff(t *testing.T) {
	mock := NewMockAdapter("mock1", true,
		MockTurn{Err: &HTTPError{Status: 429, RetryAfter: 3 * time.Second}},
		MockTurn{Text: "ok"},
	)
	cfg := managerConfig("p1", nil, config.FailoverConfig{}, mockProfile("p1", "mock1"))
	m, sleeps := newTestManager(cfg, nil, mock)

	if _, _, err := m.RunTurn(context.Background(), "s1", "p1", userTurn("hi"), nil); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if len(*sleeps) != 1 || (*sleeps)[0] != 3*time.Second {
		t.Errorf("sleeps = %v, want Retry-After to stretch the delay to 3s", *sleeps)
	}
}

func TestTripSkipAndRecovery(t *testing.T) {
	primary := NewMockAdapter("mock1", true,
		MockTurn{Err: &HTTPError{Status: 500}},
		MockTurn{Err: &HTTPError{Status: 500}},
	)
	fallback := NewMockAdapter("mock2", true,
		MockTurn{Text: "turn one"},
		MockTurn{Text: "turn two"},
	)
	cfg := managerConfig("p1", []string{"p2"}, config.FailoverConfig{MaxRetries: 1, TripThreshold: 2, CooldownMs: 60000},
		mockProfile("p1", "mock1"), mockProfile("p2", "mock2"))

	broker := bus.NewBroker()
	var mu sync.Mutex
	var tripped []bus.Event
	broker.Subscribe("t", func(e bus.Event) {
		if e.Name == protocol.EventProviderTripped {
			mu.Lock()
			tripped = append(tripped, e)
			mu.Unlock()
		}
	})

	m, _ := newTestManager(cfg, broker, primary, fallback)
	now := time.Now()
	m.now = func() time.Time { return now }

	// Turn 1: primary fails twice, trips, fallback serves.
	result, served, err := m.RunTurn(context.Background(), "s1", "p1", userTurn("a"), nil)
	if err != nil || result.Text != "turn one" || served != "p2" {
		t.Fatalf("turn 1 = (%v, %q, %v), want turn one via p2", result, served, err)
	}
	mu.Lock()
	trippedCount := len(tripped)
	mu.Unlock()
	if trippedCount != 1 {
		t.Fatalf("tripped events = %d, want 1", trippedCount)
	}
	payload, ok := tripped[0].Payload.(map[string]interface{})
	if !ok || payload["providerId"] != "p1" {
		t.Errorf("tripped payload = %+v, want providerId p1", tripped[0].Payload)
	}

	// Turn 2: primary is cooling down and must not be called again.
	if _, served, err = m.RunTurn(context.Background(), "s1", "p1", userTurn("b"), nil); err != nil || served != "p2" {
		t.Fatalf("turn 2 served by %q err %v, want p2", served, err)
	}
	if got := len(primary.Calls()); got != 2 {
		t.Errorf("primary calls after trip = %d, want still 2", got)
	}

	statuses := m.Statuses()
	if len(statuses) != 2 || !statuses[0].Tripped {
		t.Errorf("statuses = %+v, want p1 tripped", statuses)
	}

	// After the cooldown the primary is eligible again.
	now = now.Add(2 * time.Minute)
	primary.Append(MockTurn{Text: "recovered"})
	result, served, err = m.RunTurn(context.Background(), "s1", "p1", userTurn("c"), nil)
	if err != nil || result.Text != "recovered" || served != "p1" {
		t.Fatalf("turn 3 = (%v, %q, %v), want recovered via p1", result, served, err)
	}
	if m.Statuses()[0].Tripped {
		t.Errorf("p1 still tripped after a success")
	}
}

func TestRunTurnAllTripped(t *testing.T) {
	mock := NewMockAdapter("mock1", true,
		MockTurn{Err: &HTTPError{Status: 500}},
		MockTurn{Err: &HTTPError{Status: 500}},
	)
	cfg := managerConfig("p1", nil, config.FailoverConfig{MaxRetries: 1, TripThreshold: 2, CooldownMs: 60000},
		mockProfile("p1", "mock1"))
	m, _ := newTestManager(cfg, nil, mock)

	if _, _, err := m.RunTurn(context.Background(), "s1", "p1", userTurn("a"), nil); err == nil {
		t.Fatalf("turn 1 succeeded, want failure")
	}
	_, _, err := m.RunTurn(context.Background(), "s1", "p1", userTurn("b"), nil)
	if err == nil {
		t.Fatalf("turn 2 succeeded, want cooling-down failure")
	}
	if protocol.CodeOf(err) != protocol.CodeProviderTransport {
		t.Errorf("code = %q, want %q", protocol.CodeOf(err), protocol.CodeProviderTransport)
	}
	if !strings.Contains(err.Error(), "cooling down") {
		t.Errorf("error = %q, want a cooling-down message", err)
	}
	if got := len(mock.Calls()); got != 2 {
		t.Errorf("adapter calls = %d, want 2 from turn 1 only", got)
	}
}

func TestRunTurnUnknownProvider(t *testing.T) {
	cfg := managerConfig("", nil, config.FailoverConfig{})
	m, _ := newTestManager(cfg, nil)

	_, _, err := m.RunTurn(context.Background(), "s1", "ghost", userTurn("a"), nil)
	if err == nil {
		t.Fatalf("RunTurn succeeded, want unknown provider failure")
	}
	if protocol.CodeOf(err) != protocol.CodeUnknownProvider {
		t.Errorf("code = %q, want %q", protocol.CodeOf(err), protocol.CodeUnknownProvider)
	}
}

func TestProbeAll(t *testing.T) {
	mock := NewMockAdapter("mock1", true)
	cfg := managerConfig("p1", []string{"p2"}, config.FailoverConfig{},
		mockProfile("p1", "mock1"), mockProfile("p2", "ghost"))
	m, _ := newTestManager(cfg, nil, mock)

	results := m.ProbeAll(context.Background())
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	if results[0].ProviderID != "p1" || results[0].Code != ProbeOK {
		t.Errorf("results[0] = %+v, want p1 ok", results[0])
	}
	if results[1].ProviderID != "p2" || results[1].Code != ProbeIncompatibleTransport {
		t.Errorf("results[1] = %+v, want p2 incompatible_transport", results[1])
	}
}

func TestCapabilitiesForTextOnlyAdapter(t *testing.T) {
	mock := NewMockAdapter("mock1", false)
	cfg := managerConfig("p1", nil, config.FailoverConfig{}, mockProfile("p1", "mock1"))
	m, _ := newTestManager(cfg, nil, mock)

	caps, err := m.CapabilitiesFor("p1")
	if err != nil {
		t.Fatalf("CapabilitiesFor: %v", err)
	}
	if caps.NativeToolCalls {
		t.Errorf("NativeToolCalls = true, want false for a text-only adapter")
	}
	if _, err := m.CapabilitiesFor("ghost"); protocol.CodeOf(err) != protocol.CodeUnknownProvider {
		t.Errorf("unknown id code = %q, want unknown_provider", protocol.CodeOf(err))
	}
}
