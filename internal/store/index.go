package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Index file layout inside the sessions directory.
const (
	IndexFilename = ".drost-sessions-index.json"
	indexLockName = ".drost-sessions-index.lock"

	CorruptDirname = ".drost-sessions-corrupt"
	ArchiveDirname = ".drost-sessions-archive"
)

// IndexEntry mirrors the light per-session fields of the canonical record.
type IndexEntry struct {
	SessionID        string    `json:"sessionId"`
	ActiveProviderID string    `json:"activeProviderId,omitempty"`
	HistoryCount     int       `json:"historyCount"`
	Revision         int64     `json:"revision"`
	CreatedAt        time.Time `json:"createdAt"`
	LastActivityAt   time.Time `json:"lastActivityAt"`
	Title            string    `json:"title,omitempty"`
	Origin           *Origin   `json:"origin,omitempty"`
}

type indexFile struct {
	Version   int                   `json:"version"`
	UpdatedAt time.Time             `json:"updatedAt"`
	Sessions  map[string]IndexEntry `json:"sessions"`
}

func indexEntryFor(rec *SessionRecord) IndexEntry {
	return IndexEntry{
		SessionID:        rec.SessionID,
		ActiveProviderID: rec.ActiveProviderID,
		HistoryCount:     len(rec.History),
		Revision:         rec.Revision,
		CreatedAt:        rec.Metadata.CreatedAt,
		LastActivityAt:   rec.Metadata.LastActivityAt,
		Title:            rec.Metadata.Title,
		Origin:           rec.Metadata.Origin,
	}
}

// readIndex loads the index file; a missing file yields an empty index and
// an unparseable one is discarded (it gets rebuilt on the next update).
func (s *SessionStore) readIndex() *indexFile {
	idx := &indexFile{Version: 1, Sessions: map[string]IndexEntry{}}
	raw, err := os.ReadFile(filepath.Join(s.dir, IndexFilename))
	if err != nil {
		return idx
	}
	if err := json.Unmarshal(raw, idx); err != nil {
		return &indexFile{Version: 1, Sessions: map[string]IndexEntry{}}
	}
	if idx.Sessions == nil {
		idx.Sessions = map[string]IndexEntry{}
	}
	return idx
}

func (s *SessionStore) writeIndex(idx *indexFile) error {
	idx.Version = 1
	idx.UpdatedAt = s.now()

	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal index: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, "index-*.tmp")
	if err != nil {
		return fmt.Errorf("create index temp: %w", err)
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

	if err := os.Rename(tmpPath, filepath.Join(s.dir, IndexFilename)); err != nil {
		return fmt.Errorf("replace index: %w", err)
	}
	cleanup = false
	return nil
}

// updateIndex applies fn to the index under the index lock. fn receives the
// current index and mutates it; a nil error persists the result.
func (s *SessionStore) updateIndex(fn func(*indexFile) error) error {
	release, err := acquireLock(filepath.Join(s.dir, indexLockName), s.lockTimeout, s.lockStale)
	if err != nil {
		return err
	}
	defer release()

	idx := s.readIndex()
	if err := fn(idx); err != nil {
		return err
	}
	return s.writeIndex(idx)
}

// List returns index entries sorted by last activity, newest first.
func (s *SessionStore) List() []IndexEntry {
	idx := s.readIndex()
	entries := make([]IndexEntry, 0, len(idx.Sessions))
	for _, entry := range idx.Sessions {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].LastActivityAt.Equal(entries[j].LastActivityAt) {
			return entries[i].SessionID < entries[j].SessionID
		}
		return entries[i].LastActivityAt.After(entries[j].LastActivityAt)
	})
	return entries
}

// Reconcile rebuilds the index from the record files on disk. Run at
// startup: after a crash the index must match the surviving records.
func (s *SessionStore) Reconcile() error {
	files, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("scan sessions dir: %w", err)
	}

	return s.updateIndex(func(idx *indexFile) error {
		seen := map[string]bool{}
		for _, f := range files {
			name := f.Name()
			if f.IsDir() || filepath.Ext(name) != ".json" || name == IndexFilename {
				continue
			}
			raw, rerr := os.ReadFile(filepath.Join(s.dir, name))
			if rerr != nil {
				continue
			}
			rec, _, derr := decodeRecord(raw)
			if derr != nil || rec.SessionID == "" {
				continue // quarantine happens on the Load path, not here
			}
			idx.Sessions[rec.SessionID] = indexEntryFor(rec)
			seen[rec.SessionID] = true
		}
		for id := range idx.Sessions {
			if !seen[id] {
				delete(idx.Sessions, id)
			}
		}
		return nil
	})
}
