package providers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/drosthq/drost/internal/bus"
	"github.com/drosthq/drost/internal/config"
	"github.com/drosthq/drost/pkg/protocol"
)

// Manager owns the adapter set and the failover state machine. Adapters are
// stateless; per-provider health bookkeeping lives here.
type Manager struct {
	cfg    *config.Config
	events bus.EventPublisher

	mu       sync.Mutex
	adapters map[string]Adapter
	states   map[string]*providerState

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// providerState tracks consecutive retryable failures for one provider id.
type providerState struct {
	consecutiveFailures int
	lastFailureAt       time.Time
	trippedUntil        time.Time
}

// NewManager builds a manager over the given adapters. events may be nil.
func NewManager(cfg *config.Config, events bus.EventPublisher, adapters ...Adapter) *Manager {
	m := &Manager{
		cfg:      cfg,
		events:   events,
		adapters: make(map[string]Adapter, len(adapters)),
		states:   make(map[string]*providerState),
		now:      time.Now,
		sleep:    sleepCtx,
	}
	for _, a := range adapters {
		m.adapters[a.ID()] = a
	}
	return m
}

// DefaultAdapters returns the production adapter set.
func DefaultAdapters() []Adapter {
	return []Adapter{NewOpenAIAdapter(), NewAnthropicAdapter()}
}

// RegisterAdapter adds or replaces an adapter.
func (m *Manager) RegisterAdapter(a Adapter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adapters[a.ID()] = a
}

// Resolve maps a provider id to its profile, adapter and effective
// capabilities.
func (m *Manager) Resolve(providerID string) (config.ProviderProfile, Adapter, Capabilities, error) {
	profile, ok := m.cfg.ProfileByID(providerID)
	if !ok {
		return config.ProviderProfile{}, nil, Capabilities{}, protocol.E(protocol.CodeUnknownProvider, "unknown provider %q", providerID)
	}
	m.mu.Lock()
	adapter, ok := m.adapters[profile.AdapterID]
	m.mu.Unlock()
	if !ok {
		return config.ProviderProfile{}, nil, Capabilities{}, protocol.E(protocol.CodeUnknownProvider, "provider %q needs adapter %q, which is not registered", providerID, profile.AdapterID)
	}
	return profile, adapter, ResolveCapabilities(profile, adapter), nil
}

// CapabilitiesFor is Resolve reduced to the capability view.
func (m *Manager) CapabilitiesFor(providerID string) (Capabilities, error) {
	_, _, caps, err := m.Resolve(providerID)
	return caps, err
}

// RunTurn executes one turn with same-provider retries and failover along
// the configured route. startID is tried first; the returned id names the
// provider that actually served the turn, which may differ after failover.
// Auth, validation and cancellation failures end the turn immediately.
func (m *Manager) RunTurn(ctx context.Context, sessionID, startID string, req TurnRequest, onChunk func(StreamChunk)) (*TurnResult, string, error) {
	failover := m.cfg.FailoverSettings()
	chain := m.chainFrom(startID)
	if len(chain) == 0 {
		return nil, "", protocol.E(protocol.CodeUnknownProvider, "no providers configured")
	}

	var lastErr error
	allTripped := true
	for _, pid := range chain {
		if until, tripped := m.tripped(pid); tripped {
			slog.Debug("providers.skip_tripped", "provider", pid, "until", until)
			continue
		}
		allTripped = false
		profile, adapter, _, err := m.Resolve(pid)
		if err != nil {
			lastErr = err
			continue
		}
		turnReq := req
		turnReq.Profile = profile
		turnReq.APIKey, turnReq.AuthHeader = m.cfg.AuthFor(profile)

		for attempt := 0; ; attempt++ {
			result, err := adapter.RunTurn(ctx, turnReq, onChunk)
			if err == nil {
				m.markSuccess(pid)
				return result, pid, nil
			}
			lastErr = fmt.Errorf("%s: %w", pid, err)
			class := Classify(err)
			m.markFailure(pid, class)
			if class == ClassCancelled || !class.Retryable() {
				return nil, pid, err
			}
			if attempt >= failover.Retries() {
				slog.Warn("providers.exhausted", "provider", pid, "session", sessionID, "attempts", attempt+1, "class", string(class))
				break
			}
			delay := failover.RetryDelay()
			var httpErr *HTTPError
			if errors.As(err, &httpErr) && httpErr.RetryAfter > delay {
				delay = httpErr.RetryAfter
			}
			slog.Warn("providers.retry", "provider", pid, "session", sessionID, "attempt", attempt+1, "class", string(class), "delay", delay)
			if err := m.sleep(ctx, delay); err != nil {
				return nil, pid, lastErr
			}
		}
	}

	if allTripped {
		return nil, "", protocol.E(protocol.CodeProviderTransport, "all providers are cooling down after repeated failures")
	}
	if lastErr == nil {
		lastErr = protocol.E(protocol.CodeProviderTransport, "no provider could serve the turn")
	}
	return nil, "", fmt.Errorf("all providers failed: %w", lastErr)
}

// chainFrom returns startID followed by the configured route, deduped.
func (m *Manager) chainFrom(startID string) []string {
	route := m.cfg.RouteChain()
	chain := make([]string, 0, 1+len(route))
	seen := make(map[string]bool, 1+len(route))
	for _, id := range append([]string{startID}, route...) {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		chain = append(chain, id)
	}
	return chain
}

func (m *Manager) tripped(pid string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[pid]
	if ok && m.now().Before(st.trippedUntil) {
		return st.trippedUntil, true
	}
	return time.Time{}, false
}

func (m *Manager) markSuccess(pid string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.states[pid]; ok {
		st.consecutiveFailures = 0
		st.trippedUntil = time.Time{}
	}
}

// markFailure counts retryable failures toward the trip threshold. Auth and
// validation failures stay out of the count: they point at a caller or
// config problem, not provider health.
func (m *Manager) markFailure(pid string, class FailureClass) {
	if !class.Retryable() {
		return
	}
	failover := m.cfg.FailoverSettings()

	m.mu.Lock()
	st, ok := m.states[pid]
	if !ok {
		st = &providerState{}
		m.states[pid] = st
	}
	st.consecutiveFailures++
	st.lastFailureAt = m.now()
	tripped := st.consecutiveFailures >= failover.Threshold() && !m.now().Before(st.trippedUntil)
	if tripped {
		st.trippedUntil = m.now().Add(failover.Cooldown())
	}
	failures := st.consecutiveFailures
	until := st.trippedUntil
	m.mu.Unlock()

	if !tripped {
		return
	}
	slog.Warn("providers.tripped", "provider", pid, "failures", failures, "until", until)
	if m.events != nil {
		m.events.Broadcast(bus.Event{
			Name: protocol.EventProviderTripped,
			Payload: map[string]interface{}{
				"providerId": pid,
				"failures":   failures,
				"cooldownMs": failover.Cooldown().Milliseconds(),
				"until":      until.UTC().Format(time.RFC3339),
			},
		})
	}
}

// ProbeAll probes every configured profile in parallel, each under the
// configured probe timeout. Results come back in profile order.
func (m *Manager) ProbeAll(ctx context.Context) []ProbeResult {
	profiles := m.cfg.Profiles()
	timeout := m.cfg.ProbeSettings().Timeout()
	results := make([]ProbeResult, len(profiles))
	g, gctx := errgroup.WithContext(ctx)
	for i, profile := range profiles {
		i, profile := i, profile
		g.Go(func() error {
			m.mu.Lock()
			adapter, ok := m.adapters[profile.AdapterID]
			m.mu.Unlock()
			if !ok {
				results[i] = ProbeResult{
					ProviderID: profile.ID,
					Code:       ProbeIncompatibleTransport,
					Detail:     fmt.Sprintf("adapter %q is not registered", profile.AdapterID),
				}
				return nil
			}
			pctx, cancel := context.WithTimeout(gctx, timeout)
			defer cancel()
			key, header := m.cfg.AuthFor(profile)
			results[i] = adapter.Probe(pctx, ProbeRequest{Profile: profile, APIKey: key, AuthHeader: header})
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// ProviderStatus is the control-plane view of one provider's health.
type ProviderStatus struct {
	ID                  string     `json:"id"`
	AdapterID           string     `json:"adapterId"`
	Model               string     `json:"model"`
	Tripped             bool       `json:"tripped"`
	TrippedUntil        *time.Time `json:"trippedUntil,omitempty"`
	ConsecutiveFailures int        `json:"consecutiveFailures,omitempty"`
	LastFailureAt       *time.Time `json:"lastFailureAt,omitempty"`
}

// Statuses reports health for every configured profile, in profile order.
func (m *Manager) Statuses() []ProviderStatus {
	profiles := m.cfg.Profiles()
	out := make([]ProviderStatus, 0, len(profiles))
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for _, p := range profiles {
		s := ProviderStatus{ID: p.ID, AdapterID: p.AdapterID, Model: p.Model}
		if st, ok := m.states[p.ID]; ok {
			s.ConsecutiveFailures = st.consecutiveFailures
			if now.Before(st.trippedUntil) {
				s.Tripped = true
				until := st.trippedUntil
				s.TrippedUntil = &until
			}
			if !st.lastFailureAt.IsZero() {
				last := st.lastFailureAt
				s.LastFailureAt = &last
			}
		}
		out = append(out, s)
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
