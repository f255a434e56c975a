package store

import (
	"encoding/json"
	"fmt"
	"time"
)

// RecordVersion is the canonical on-disk schema version.
const RecordVersion = 2

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one history entry in the canonical record.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	ImageRefs []string  `json:"imageRefs,omitempty"`
}

// Origin records where a channel-originated session came from.
type Origin struct {
	Channel     string `json:"channel,omitempty"`
	WorkspaceID string `json:"workspaceId,omitempty"`
	AccountID   string `json:"accountId,omitempty"`
	ChatID      string `json:"chatId,omitempty"`
	UserID      string `json:"userId,omitempty"`
	ThreadID    string `json:"threadId,omitempty"`
}

// Metadata carries the light per-session fields mirrored into the index.
type Metadata struct {
	CreatedAt          time.Time `json:"createdAt"`
	LastActivityAt     time.Time `json:"lastActivityAt"`
	Title              string    `json:"title,omitempty"`
	Origin             *Origin   `json:"origin,omitempty"`
	ProviderRouteID    string    `json:"providerRouteId,omitempty"`
	SkillInjectionMode string    `json:"skillInjectionMode,omitempty"`
}

// SessionRecord is the canonical v2 session record. Revision increments on
// every persisted write; UpdatedAt is stamped by Save.
type SessionRecord struct {
	Version           int       `json:"version"`
	SessionID         string    `json:"sessionId"`
	ActiveProviderID  string    `json:"activeProviderId,omitempty"`
	PendingProviderID string    `json:"pendingProviderId,omitempty"`
	History           []Message `json:"history"`
	Metadata          Metadata  `json:"metadata"`
	Revision          int64     `json:"revision"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// Clone returns a deep copy so callers can mutate without racing Save.
func (r *SessionRecord) Clone() *SessionRecord {
	out := *r
	out.History = make([]Message, len(r.History))
	copy(out.History, r.History)
	for i := range out.History {
		if len(r.History[i].ImageRefs) > 0 {
			out.History[i].ImageRefs = append([]string(nil), r.History[i].ImageRefs...)
		}
	}
	if r.Metadata.Origin != nil {
		origin := *r.Metadata.Origin
		out.Metadata.Origin = &origin
	}
	return &out
}

func validRole(role string) bool {
	switch role {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

// validate checks the shape of a decoded v2 record. Failures route the file
// to quarantine with an invalid_shape diagnostic.
func (r *SessionRecord) validate() error {
	if r.Version != RecordVersion {
		return fmt.Errorf("unsupported record version %d", r.Version)
	}
	if r.SessionID == "" {
		return fmt.Errorf("record has empty sessionId")
	}
	if r.Revision < 0 {
		return fmt.Errorf("record has negative revision %d", r.Revision)
	}
	for i, msg := range r.History {
		if !validRole(msg.Role) {
			return fmt.Errorf("history[%d] has invalid role %q", i, msg.Role)
		}
	}
	if r.Metadata.CreatedAt.IsZero() {
		return fmt.Errorf("record metadata missing createdAt")
	}
	return nil
}

// legacyRecord is the pre-v2 on-disk shape: a flat session with messages and
// provider metadata. Accepted read-only; Save writes v2.
type legacyRecord struct {
	Version  int    `json:"version"`
	Key      string `json:"key"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
	Provider string    `json:"provider"`
	Label    string    `json:"label"`
	Channel  string    `json:"channel"`
	Created  time.Time `json:"created"`
	Updated  time.Time `json:"updated"`
}

// decodeRecord parses raw bytes as a v2 record, upgrading legacy v1 shapes.
// The bool reports whether an upgrade happened (the caller persists v2 on
// the next save, never eagerly).
func decodeRecord(raw []byte) (*SessionRecord, bool, error) {
	var probe struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, false, err
	}

	if probe.Version == RecordVersion {
		var rec SessionRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, false, err
		}
		if rec.History == nil {
			rec.History = []Message{}
		}
		return &rec, false, nil
	}

	var legacy legacyRecord
	if err := json.Unmarshal(raw, &legacy); err != nil {
		return nil, false, err
	}
	if legacy.Key == "" {
		return nil, false, fmt.Errorf("legacy record has no session key")
	}

	rec := upgradeLegacy(&legacy)
	return rec, true, nil
}

func upgradeLegacy(legacy *legacyRecord) *SessionRecord {
	created := legacy.Created
	if created.IsZero() {
		created = time.Now().UTC()
	}
	updated := legacy.Updated
	if updated.IsZero() {
		updated = created
	}

	rec := &SessionRecord{
		Version:          RecordVersion,
		SessionID:        legacy.Key,
		ActiveProviderID: legacy.Provider,
		History:          make([]Message, 0, len(legacy.Messages)),
		Metadata: Metadata{
			CreatedAt:      created,
			LastActivityAt: updated,
			Title:          legacy.Label,
		},
		Revision:  0,
		UpdatedAt: updated,
	}
	if legacy.Channel != "" {
		rec.Metadata.Origin = &Origin{Channel: legacy.Channel}
	}
	for _, msg := range legacy.Messages {
		role := msg.Role
		if !validRole(role) {
			role = RoleUser
		}
		rec.History = append(rec.History, Message{Role: role, Content: msg.Content, CreatedAt: updated})
	}
	return rec
}
