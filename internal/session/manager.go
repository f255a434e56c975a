// Package session owns the conversation lifecycle: a registry of live
// sessions backed by the store, and the turn loop that drives provider
// calls, tool execution, and stream event fan-out.
package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/drosthq/drost/internal/bus"
	"github.com/drosthq/drost/internal/config"
	"github.com/drosthq/drost/internal/providers"
	"github.com/drosthq/drost/internal/skills"
	"github.com/drosthq/drost/internal/store"
	"github.com/drosthq/drost/internal/tools"
	"github.com/drosthq/drost/pkg/protocol"
)

// Manager is the session registry plus turn executor. All operations are
// keyed by session id; per-session state lives in liveSession entries that
// are hydrated from the store on first touch.
type Manager struct {
	cfg       *config.Config
	store     *store.SessionStore
	providers *providers.Manager
	runtime   *tools.Runtime
	events    bus.EventPublisher
	skills    *skills.Loader
	now       func() time.Time

	mu   sync.Mutex
	live map[string]*liveSession
}

// liveSession is the in-memory view of one session. Lock order is always
// Manager.mu before liveSession.mu.
type liveSession struct {
	mu             sync.Mutex
	rec            *store.SessionRecord
	turnInProgress bool
}

// Options wires the manager's collaborators.
type Options struct {
	Config    *config.Config
	Store     *store.SessionStore
	Providers *providers.Manager
	Runtime   *tools.Runtime
	Events    bus.EventPublisher
	Skills    *skills.Loader
	Now       func() time.Time
}

// NewManager builds a session manager.
func NewManager(opts Options) *Manager {
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Manager{
		cfg:       opts.Config,
		store:     opts.Store,
		providers: opts.Providers,
		runtime:   opts.Runtime,
		events:    opts.Events,
		skills:    opts.Skills,
		now:       now,
		live:      make(map[string]*liveSession),
	}
}

// EnsureSession loads the session if it exists and creates it otherwise.
// providerID, when given, is validated and used as the initial binding for a
// new session; meta fills only fields the session does not already have.
func (m *Manager) EnsureSession(id, providerID string, meta *store.Metadata) (*store.SessionRecord, error) {
	sid := NormalizeID(id)
	if sid == "" {
		return nil, protocol.E(protocol.CodeInvalidRequest, "session id is required")
	}
	if providerID != "" {
		if _, _, _, err := m.providers.Resolve(providerID); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if ls, ok := m.live[sid]; ok {
		ls.mu.Lock()
		defer ls.mu.Unlock()
		mergeMetadata(&ls.rec.Metadata, meta)
		return ls.rec.Clone(), nil
	}

	rec, diag, err := m.store.Load(sid)
	if err != nil {
		return nil, err
	}
	if diag != nil {
		slog.Warn("session.load.quarantined", "session", sid, "code", diag.Code, "path", diag.QuarantinedPath)
	}
	created := false
	if rec == nil {
		rec = m.newRecord(sid, providerID, meta)
		if _, err := m.store.Save(rec); err != nil {
			return nil, err
		}
		created = true
	} else {
		mergeMetadata(&rec.Metadata, meta)
	}
	m.live[sid] = &liveSession{rec: rec}

	if created {
		slog.Info("session.created", "session", sid, "provider", rec.ActiveProviderID)
		m.broadcast(protocol.EventSessionCreated, sid, map[string]interface{}{
			"providerId": rec.ActiveProviderID,
		})
	}
	return rec.Clone(), nil
}

func (m *Manager) newRecord(sid, providerID string, meta *store.Metadata) *store.SessionRecord {
	if providerID == "" {
		if chain := m.cfg.RouteChain(); len(chain) > 0 {
			providerID = chain[0]
		}
	}
	now := m.now()
	rec := &store.SessionRecord{
		Version:          store.RecordVersion,
		SessionID:        sid,
		ActiveProviderID: providerID,
		History:          []store.Message{},
		Metadata: store.Metadata{
			CreatedAt:      now,
			LastActivityAt: now,
		},
	}
	mergeMetadata(&rec.Metadata, meta)
	return rec
}

// mergeMetadata copies fields from src that dst is missing. Timestamps are
// owned by the manager and never merged.
func mergeMetadata(dst *store.Metadata, src *store.Metadata) {
	if src == nil {
		return
	}
	if dst.Title == "" && src.Title != "" {
		dst.Title = src.Title
	}
	if dst.Origin == nil && src.Origin != nil {
		origin := *src.Origin
		dst.Origin = &origin
	}
	if dst.ProviderRouteID == "" && src.ProviderRouteID != "" {
		dst.ProviderRouteID = src.ProviderRouteID
	}
	if dst.SkillInjectionMode == "" && src.SkillInjectionMode != "" {
		dst.SkillInjectionMode = src.SkillInjectionMode
	}
}

// lookup returns the live session, hydrating from the store on first touch.
func (m *Manager) lookup(id string) (*liveSession, error) {
	sid := NormalizeID(id)
	m.mu.Lock()
	defer m.mu.Unlock()

	if ls, ok := m.live[sid]; ok {
		return ls, nil
	}
	rec, diag, err := m.store.Load(sid)
	if err != nil {
		return nil, err
	}
	if diag != nil {
		slog.Warn("session.load.quarantined", "session", sid, "code", diag.Code, "path", diag.QuarantinedPath)
	}
	if rec == nil {
		return nil, protocol.E(protocol.CodeUnknownSession, "unknown session %q", sid)
	}
	ls := &liveSession{rec: rec}
	m.live[sid] = ls
	return ls, nil
}

// QueueProviderSwitch records a pending provider change, applied at the next
// turn boundary. The target is validated now so a typo fails fast.
func (m *Manager) QueueProviderSwitch(id, providerID string) error {
	if _, _, _, err := m.providers.Resolve(providerID); err != nil {
		return err
	}
	ls, err := m.lookup(id)
	if err != nil {
		return err
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.rec.PendingProviderID = providerID
	if _, err := m.store.Save(ls.rec); err != nil {
		return err
	}
	slog.Info("session.provider.queued", "session", ls.rec.SessionID, "provider", providerID)
	return nil
}

// GetHistory returns a copy of the session's persisted history.
func (m *Manager) GetHistory(id string) ([]store.Message, error) {
	ls, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.rec.Clone().History, nil
}

// Describe returns a copy of the full session record.
func (m *Manager) Describe(id string) (*store.SessionRecord, error) {
	ls, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.rec.Clone(), nil
}

// SessionInfo is one row in ListSessions: the index entry plus live-only
// state the index does not carry.
type SessionInfo struct {
	store.IndexEntry
	TurnInProgress    bool   `json:"turnInProgress"`
	PendingProviderID string `json:"pendingProviderId,omitempty"`
}

// ListSessions lists all known sessions, most recently active first.
func (m *Manager) ListSessions() []SessionInfo {
	entries := m.store.List()
	out := make([]SessionInfo, 0, len(entries))

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, entry := range entries {
		info := SessionInfo{IndexEntry: entry}
		if ls, ok := m.live[entry.SessionID]; ok {
			ls.mu.Lock()
			info.TurnInProgress = ls.turnInProgress
			info.PendingProviderID = ls.rec.PendingProviderID
			ls.mu.Unlock()
		}
		out = append(out, info)
	}
	return out
}

// DeleteSession removes the session from the store and the registry.
func (m *Manager) DeleteSession(id string) error {
	sid := NormalizeID(id)
	m.mu.Lock()
	defer m.mu.Unlock()

	if ls, ok := m.live[sid]; ok {
		ls.mu.Lock()
		busy := ls.turnInProgress
		ls.mu.Unlock()
		if busy {
			return protocol.E(protocol.CodeTurnInProgress, "session %q has a turn in progress", sid)
		}
	} else if !m.store.Exists(sid) {
		return protocol.E(protocol.CodeUnknownSession, "unknown session %q", sid)
	}
	if err := m.store.Delete(sid); err != nil {
		return err
	}
	delete(m.live, sid)
	m.broadcast(protocol.EventSessionDeleted, sid, nil)
	return nil
}

// ArchiveSession retires the session record to the archive directory and
// drops it from the registry. Transcript logs stay where they are.
func (m *Manager) ArchiveSession(id string) error {
	sid := NormalizeID(id)
	m.mu.Lock()
	defer m.mu.Unlock()

	if ls, ok := m.live[sid]; ok {
		ls.mu.Lock()
		busy := ls.turnInProgress
		ls.mu.Unlock()
		if busy {
			return protocol.E(protocol.CodeTurnInProgress, "session %q has a turn in progress", sid)
		}
	} else if !m.store.Exists(sid) {
		return protocol.E(protocol.CodeUnknownSession, "unknown session %q", sid)
	}
	if err := m.store.Archive(sid); err != nil {
		return err
	}
	delete(m.live, sid)
	m.broadcast(protocol.EventSessionDeleted, sid, map[string]interface{}{"archived": true})
	return nil
}

// RenameSession moves the session to a new id, preserving history, logs and
// the provider binding.
func (m *Manager) RenameSession(fromID, toID string) error {
	from, to := NormalizeID(fromID), NormalizeID(toID)
	if to == "" {
		return protocol.E(protocol.CodeInvalidRequest, "target session id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	ls := m.live[from]
	if ls != nil {
		ls.mu.Lock()
		busy := ls.turnInProgress
		ls.mu.Unlock()
		if busy {
			return protocol.E(protocol.CodeTurnInProgress, "session %q has a turn in progress", from)
		}
	}
	if err := m.store.Rename(from, to); err != nil {
		return err
	}
	if ls != nil {
		delete(m.live, from)
		ls.mu.Lock()
		ls.rec.SessionID = to
		ls.mu.Unlock()
		m.live[to] = ls
	}
	m.broadcast(protocol.EventSessionRenamed, to, map[string]interface{}{
		"from": from,
		"to":   to,
	})
	return nil
}

// HydrateSession re-reads the canonical record from disk, replacing any
// cached copy. Used after an import or an external edit of the record file.
func (m *Manager) HydrateSession(id string) (*store.SessionRecord, error) {
	sid := NormalizeID(id)
	m.mu.Lock()
	defer m.mu.Unlock()

	if ls, ok := m.live[sid]; ok {
		ls.mu.Lock()
		busy := ls.turnInProgress
		ls.mu.Unlock()
		if busy {
			return nil, protocol.E(protocol.CodeTurnInProgress, "session %q has a turn in progress", sid)
		}
	}

	rec, diag, err := m.store.Load(sid)
	if err != nil {
		return nil, err
	}
	if diag != nil {
		slog.Warn("session.load.quarantined", "session", sid, "code", diag.Code, "path", diag.QuarantinedPath)
	}
	if rec == nil {
		delete(m.live, sid)
		return nil, protocol.E(protocol.CodeUnknownSession, "unknown session %q", sid)
	}
	if ls, ok := m.live[sid]; ok {
		ls.mu.Lock()
		ls.rec = rec
		ls.mu.Unlock()
	} else {
		m.live[sid] = &liveSession{rec: rec}
	}
	return rec.Clone(), nil
}

// MetadataPatch updates selected metadata fields; nil pointers leave the
// field untouched.
type MetadataPatch struct {
	Title              *string
	ProviderRouteID    *string
	SkillInjectionMode *string
	Origin             *store.Origin
}

// UpdateSessionMetadata applies a patch and persists the record.
func (m *Manager) UpdateSessionMetadata(id string, patch MetadataPatch) (*store.SessionRecord, error) {
	if patch.SkillInjectionMode != nil {
		switch *patch.SkillInjectionMode {
		case "", "auto", "always", "off":
		default:
			return nil, protocol.E(protocol.CodeInvalidRequest,
				"skillInjectionMode must be auto, always or off, got %q", *patch.SkillInjectionMode)
		}
	}
	ls, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if patch.Title != nil {
		ls.rec.Metadata.Title = *patch.Title
	}
	if patch.ProviderRouteID != nil {
		ls.rec.Metadata.ProviderRouteID = *patch.ProviderRouteID
	}
	if patch.SkillInjectionMode != nil {
		ls.rec.Metadata.SkillInjectionMode = *patch.SkillInjectionMode
	}
	if patch.Origin != nil {
		origin := *patch.Origin
		ls.rec.Metadata.Origin = &origin
	}
	if _, err := m.store.Save(ls.rec); err != nil {
		return nil, err
	}
	return ls.rec.Clone(), nil
}

func (m *Manager) broadcast(name, sessionID string, payload map[string]interface{}) {
	if m.events == nil {
		return
	}
	m.events.Broadcast(bus.Event{Name: name, SessionID: sessionID, Payload: payload, At: m.now()})
}
