package store

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// Rename moves a session to a new id. Both per-session locks are taken in
// path-sorted order so two concurrent renames over the same pair cannot
// deadlock. The target must not exist.
func (s *SessionStore) Rename(fromID, toID string) error {
	if fromID == toID {
		return nil
	}

	fromLock, toLock := s.lockPath(fromID), s.lockPath(toID)
	first, second := fromLock, toLock
	if second < first {
		first, second = second, first
	}

	releaseFirst, err := acquireLock(first, s.lockTimeout, s.lockStale)
	if err != nil {
		return fmt.Errorf("rename %s: %w", fromID, err)
	}
	defer releaseFirst()
	releaseSecond, err := acquireLock(second, s.lockTimeout, s.lockStale)
	if err != nil {
		return fmt.Errorf("rename %s: %w", fromID, err)
	}
	defer releaseSecond()

	fromPath, toPath := s.recordPath(fromID), s.recordPath(toID)
	if _, err := os.Stat(toPath); err == nil {
		return fmt.Errorf("rename to %s: %w", toID, ErrConflict)
	}

	raw, err := os.ReadFile(fromPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("rename %s: %w", fromID, ErrNotFound)
		}
		return fmt.Errorf("rename %s: %w", fromID, err)
	}
	rec, _, err := decodeRecord(raw)
	if err != nil {
		return fmt.Errorf("rename %s: record unreadable: %w", fromID, err)
	}

	rec.SessionID = toID
	rec.UpdatedAt = s.now()
	if err := s.writeRecord(rec); err != nil {
		return err
	}
	if err := os.Remove(fromPath); err != nil && !os.IsNotExist(err) {
		slog.Warn("store.rename.remove_old_failed", "session", fromID, "error", err)
	}

	// Sidecar logs follow the record.
	for _, ext := range []string{".jsonl", ".full.jsonl"} {
		oldLog := filepath.Join(s.dir, sanitizeFilename(fromID)+ext)
		newLog := filepath.Join(s.dir, sanitizeFilename(toID)+ext)
		if err := os.Rename(oldLog, newLog); err != nil && !os.IsNotExist(err) {
			slog.Warn("store.rename.log_move_failed", "from", oldLog, "error", err)
		}
	}

	return s.updateIndex(func(idx *indexFile) error {
		delete(idx.Sessions, fromID)
		idx.Sessions[toID] = indexEntryFor(rec)
		return nil
	})
}

// Delete removes the canonical record, its logs, and the index entry.
func (s *SessionStore) Delete(sessionID string) error {
	release, err := acquireLock(s.lockPath(sessionID), s.lockTimeout, s.lockStale)
	if err != nil {
		return fmt.Errorf("delete %s: %w", sessionID, err)
	}
	defer release()

	if err := os.Remove(s.recordPath(sessionID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s: %w", sessionID, err)
	}
	for _, ext := range []string{".jsonl", ".full.jsonl"} {
		os.Remove(filepath.Join(s.dir, sanitizeFilename(sessionID)+ext))
	}

	return s.updateIndex(func(idx *indexFile) error {
		delete(idx.Sessions, sessionID)
		return nil
	})
}

// Archive retires a session: the canonical record moves to the archive
// directory and the index entry goes away. Transcript and event logs stay
// where they are.
func (s *SessionStore) Archive(sessionID string) error {
	release, err := acquireLock(s.lockPath(sessionID), s.lockTimeout, s.lockStale)
	if err != nil {
		return fmt.Errorf("archive %s: %w", sessionID, err)
	}
	defer release()

	src := s.recordPath(sessionID)
	if _, err := os.Stat(src); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("archive %s: %w", sessionID, ErrNotFound)
		}
		return fmt.Errorf("archive %s: %w", sessionID, err)
	}

	base := sanitizeFilename(sessionID) + ".json"
	dest := filepath.Join(s.dir, ArchiveDirname, base)
	if _, err := os.Stat(dest); err == nil {
		stem := sanitizeFilename(sessionID)
		dest = filepath.Join(s.dir, ArchiveDirname, fmt.Sprintf("%s.%d.json", stem, s.now().UnixMilli()))
	}
	if err := os.Rename(src, dest); err != nil {
		return fmt.Errorf("archive %s: %w", sessionID, err)
	}

	return s.updateIndex(func(idx *indexFile) error {
		delete(idx.Sessions, sessionID)
		return nil
	})
}

// Export returns a deep copy of the canonical record for transfer.
func (s *SessionStore) Export(sessionID string) (*SessionRecord, error) {
	rec, diag, err := s.Load(sessionID)
	if err != nil {
		return nil, err
	}
	if diag != nil {
		return nil, diag
	}
	if rec == nil {
		return nil, fmt.Errorf("export %s: %w", sessionID, ErrNotFound)
	}
	return rec.Clone(), nil
}

// Import writes an externally produced record. Without overwrite an
// existing session of the same id is a Conflict. The imported record keeps
// its history and metadata but restarts its revision sequence here.
func (s *SessionStore) Import(rec *SessionRecord, overwrite bool) error {
	if rec == nil || rec.SessionID == "" {
		return fmt.Errorf("import: record has no sessionId")
	}
	if verr := rec.validate(); verr != nil {
		return fmt.Errorf("import %s: %w", rec.SessionID, verr)
	}
	if !overwrite && s.Exists(rec.SessionID) {
		return fmt.Errorf("import %s: %w", rec.SessionID, ErrConflict)
	}

	clone := rec.Clone()
	clone.Revision = 0 // Save bumps to 1
	_, err := s.Save(clone)
	return err
}
