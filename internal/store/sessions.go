// Package store persists session records as crash-safe per-session JSON
// files with sidecar locks, a shared index, quarantine for corrupt records,
// and an archive for retired ones. The gateway process exclusively owns the
// directory while running.
package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Options tunes a SessionStore. Zero values fall back to defaults.
type Options struct {
	LockTimeout time.Duration
	LockStale   time.Duration
	Budget      HistoryBudget
	Now         func() time.Time
}

// SessionStore is the file-backed session store.
type SessionStore struct {
	dir         string
	lockTimeout time.Duration
	lockStale   time.Duration
	budget      HistoryBudget
	now         func() time.Time
}

// NewSessionStore opens (creating if needed) a session directory. Directory
// creation failure is fatal to gateway startup.
func NewSessionStore(dir string, opts Options) (*SessionStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	for _, sub := range []string{CorruptDirname, ArchiveDirname} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", sub, err)
		}
	}

	s := &SessionStore{
		dir:         dir,
		lockTimeout: opts.LockTimeout,
		lockStale:   opts.LockStale,
		budget:      opts.Budget,
		now:         opts.Now,
	}
	if s.lockTimeout <= 0 {
		s.lockTimeout = DefaultLockTimeout
	}
	if s.lockStale <= 0 {
		s.lockStale = DefaultLockStale
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	return s, nil
}

// Dir returns the sessions directory.
func (s *SessionStore) Dir() string { return s.dir }

// sanitizeFilename maps a session id to a safe file stem. Path separators
// and other hostile runes become underscores.
func sanitizeFilename(sessionID string) string {
	sanitized := strings.Map(func(r rune) rune {
		switch r {
		case ':', '/', '\\', 0, '\n', '\r', '\t':
			return '_'
		}
		return r
	}, sessionID)
	if sanitized == "" || sanitized == "." || sanitized == ".." || !filepath.IsLocal(sanitized) {
		return "_" + sanitized
	}
	return sanitized
}

func (s *SessionStore) recordPath(sessionID string) string {
	return filepath.Join(s.dir, sanitizeFilename(sessionID)+".json")
}

func (s *SessionStore) lockPath(sessionID string) string {
	return filepath.Join(s.dir, sanitizeFilename(sessionID)+".lock")
}

// Exists reports whether a canonical record is on disk for the session.
func (s *SessionStore) Exists(sessionID string) bool {
	_, err := os.Stat(s.recordPath(sessionID))
	return err == nil
}

// Load reads the canonical record. A missing file returns (nil, nil, nil).
// Corrupt or malformed records are moved to quarantine, removed from the
// index, and reported through the diagnostic, never as a hard error.
func (s *SessionStore) Load(sessionID string) (*SessionRecord, *LoadDiagnostic, error) {
	path := s.recordPath(sessionID)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("read session %s: %w", sessionID, err)
	}

	rec, upgraded, err := decodeRecord(raw)
	if err != nil {
		diag := s.quarantine(sessionID, path, DiagCorruptJSON, err)
		return nil, diag, nil
	}
	if verr := rec.validate(); verr != nil {
		diag := s.quarantine(sessionID, path, DiagInvalidShape, verr)
		return nil, diag, nil
	}
	if upgraded {
		slog.Info("store.session.upgraded", "session", sessionID, "from", "v1")
	}
	return rec, nil, nil
}

// quarantine moves a bad record file aside and drops its index entry.
func (s *SessionStore) quarantine(sessionID, path, code string, cause error) *LoadDiagnostic {
	base := filepath.Base(path)
	dest := filepath.Join(s.dir, CorruptDirname, base)
	if _, err := os.Stat(dest); err == nil {
		stem := strings.TrimSuffix(base, ".json")
		dest = filepath.Join(s.dir, CorruptDirname, fmt.Sprintf("%s.%d.json", stem, s.now().UnixMilli()))
	}
	if err := os.Rename(path, dest); err != nil {
		slog.Error("store.quarantine.move_failed", "session", sessionID, "error", err)
		dest = path
	}

	if err := s.updateIndex(func(idx *indexFile) error {
		delete(idx.Sessions, sessionID)
		return nil
	}); err != nil {
		slog.Warn("store.quarantine.deindex_failed", "session", sessionID, "error", err)
	}

	slog.Warn("store.session.quarantined", "session", sessionID, "code", code, "path", dest, "error", cause)
	return &LoadDiagnostic{
		SessionID:       sessionID,
		Code:            code,
		Detail:          cause.Error(),
		QuarantinedPath: dest,
	}
}

// Save persists rec under the per-session lock: bump revision, stamp
// updatedAt, apply the history budget, write temp sibling, rename over the
// target, then mirror the light fields into the index under its own lock.
func (s *SessionStore) Save(rec *SessionRecord) (TrimReport, error) {
	var report TrimReport
	if rec.SessionID == "" {
		return report, fmt.Errorf("save session: empty sessionId")
	}

	release, err := acquireLock(s.lockPath(rec.SessionID), s.lockTimeout, s.lockStale)
	if err != nil {
		return report, fmt.Errorf("save session %s: %w", rec.SessionID, err)
	}
	defer release()

	rec.Version = RecordVersion
	rec.Revision++
	rec.UpdatedAt = s.now()
	rec.History, report = applyBudget(rec.History, s.budget)
	if rec.History == nil {
		rec.History = []Message{}
	}

	if err := s.writeRecord(rec); err != nil {
		rec.Revision-- // the on-disk revision did not advance
		return report, err
	}

	if err := s.updateIndex(func(idx *indexFile) error {
		idx.Sessions[rec.SessionID] = indexEntryFor(rec)
		return nil
	}); err != nil {
		slog.Warn("store.index.update_failed", "session", rec.SessionID, "error", err)
	}

	if report.Trimmed {
		slog.Info("store.history.trimmed", "session", rec.SessionID,
			"droppedMessages", report.DroppedMessages, "droppedCharacters", report.DroppedCharacters)
	}
	return report, nil
}

// writeRecord performs the atomic temp-sibling + rename write.
func (s *SessionStore) writeRecord(rec *SessionRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", rec.SessionID, err)
	}

	tmp, err := os.CreateTemp(s.dir, "session-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	tmp.Close()

	if err := os.Rename(tmpPath, s.recordPath(rec.SessionID)); err != nil {
		return fmt.Errorf("replace session %s: %w", rec.SessionID, err)
	}
	cleanup = false
	return nil
}
