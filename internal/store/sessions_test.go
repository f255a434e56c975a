package store

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T, opts Options) *SessionStore {
	t.Helper()
	s, err := NewSessionStore(t.TempDir(), opts)
	if err != nil {
		t.Fatalf("NewSessionStore: %v", err)
	}
	return s
}

func testRecord(id string) *SessionRecord {
	now := time.Now().UTC()
	return &SessionRecord{
		Version:          RecordVersion,
		SessionID:        id,
		ActiveProviderID: "mock",
		History: []Message{
			{Role: RoleUser, Content: "hello", CreatedAt: now},
		},
		Metadata: Metadata{CreatedAt: now, LastActivityAt: now},
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := newTestStore(t, Options{})
	rec := testRecord("alpha")

	if _, err := s.Save(rec); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if rec.Revision != 1 {
		t.Errorf("revision after first save = %d, want 1", rec.Revision)
	}

	loaded, diag, err := s.Load("alpha")
	if err != nil || diag != nil {
		t.Fatalf("Load: rec=%v diag=%v err=%v", loaded, diag, err)
	}
	if loaded.SessionID != "alpha" || len(loaded.History) != 1 {
		t.Errorf("loaded = %+v, want sessionId alpha with 1 message", loaded)
	}
	if loaded.History[0].Content != "hello" {
		t.Errorf("history[0].Content = %q, want %q", loaded.History[0].Content, "hello")
	}

	// save(load(record)) == record modulo updatedAt and revision+1.
	before := loaded.Clone()
	if _, err := s.Save(loaded); err != nil {
		t.Fatalf("second Save: %v", err)
	}
	again, _, _ := s.Load("alpha")
	if again.Revision != before.Revision+1 {
		t.Errorf("revision = %d, want %d", again.Revision, before.Revision+1)
	}
	if len(again.History) != len(before.History) || again.History[0] != before.History[0] {
		t.Errorf("history changed across save/load: %+v vs %+v", again.History, before.History)
	}
}

func TestLoadMissingSession(t *testing.T) {
	s := newTestStore(t, Options{})
	rec, diag, err := s.Load("nope")
	if rec != nil || diag != nil || err != nil {
		t.Errorf("Load(missing) = (%v, %v, %v), want all nil", rec, diag, err)
	}
}

func TestCorruptSessionQuarantined(t *testing.T) {
	s := newTestStore(t, Options{})

	// Seed a valid record so the index lists it.
	if _, err := s.Save(testRecord("broken")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	// Clobber it with non-JSON.
	if err := os.WriteFile(s.recordPath("broken"), []byte(`"{not-json`), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	rec, diag, err := s.Load("broken")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if rec != nil {
		t.Fatalf("Load returned record %+v, want nil", rec)
	}
	if diag == nil || diag.Code != DiagCorruptJSON {
		t.Fatalf("diagnostic = %+v, want code %q", diag, DiagCorruptJSON)
	}
	if !strings.Contains(diag.QuarantinedPath, CorruptDirname) {
		t.Errorf("quarantinedPath = %q, want inside %s", diag.QuarantinedPath, CorruptDirname)
	}
	if _, err := os.Stat(diag.QuarantinedPath); err != nil {
		t.Errorf("quarantined file missing: %v", err)
	}
	if _, err := os.Stat(s.recordPath("broken")); !os.IsNotExist(err) {
		t.Errorf("original record still present after quarantine")
	}

	for _, entry := range s.List() {
		if entry.SessionID == "broken" {
			t.Errorf("index still lists quarantined session")
		}
	}
}

func TestInvalidShapeQuarantined(t *testing.T) {
	s := newTestStore(t, Options{})
	bad := `{"version":2,"sessionId":"","history":[],"metadata":{},"revision":0}`
	if err := os.WriteFile(filepath.Join(s.dir, "bad.json"), []byte(bad), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	rec, diag, err := s.Load("bad")
	if err != nil || rec != nil {
		t.Fatalf("Load = (%v, %v, %v)", rec, diag, err)
	}
	if diag == nil || diag.Code != DiagInvalidShape {
		t.Errorf("diagnostic = %+v, want code %q", diag, DiagInvalidShape)
	}
}

func TestLegacyRecordUpgradedOnLoad(t *testing.T) {
	s := newTestStore(t, Options{})
	legacy := map[string]interface{}{
		"key":      "old-session",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
		"provider": "openai",
		"created":  time.Now().UTC().Format(time.RFC3339),
		"updated":  time.Now().UTC().Format(time.RFC3339),
	}
	raw, _ := json.Marshal(legacy)
	if err := os.WriteFile(filepath.Join(s.dir, "old-session.json"), raw, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	rec, diag, err := s.Load("old-session")
	if err != nil || diag != nil {
		t.Fatalf("Load legacy: diag=%v err=%v", diag, err)
	}
	if rec.Version != RecordVersion {
		t.Errorf("upgraded version = %d, want %d", rec.Version, RecordVersion)
	}
	if rec.ActiveProviderID != "openai" {
		t.Errorf("activeProviderId = %q, want openai", rec.ActiveProviderID)
	}
	if len(rec.History) != 1 || rec.History[0].Content != "hi" {
		t.Errorf("history = %+v", rec.History)
	}

	// Next save writes v2.
	if _, err := s.Save(rec); err != nil {
		t.Fatalf("Save upgraded: %v", err)
	}
	raw2, _ := os.ReadFile(s.recordPath("old-session"))
	var probe struct {
		Version  int `json:"version"`
		Revision int `json:"revision"`
	}
	json.Unmarshal(raw2, &probe)
	if probe.Version != RecordVersion || probe.Revision != 1 {
		t.Errorf("persisted version/revision = %d/%d, want %d/1", probe.Version, probe.Revision, RecordVersion)
	}
}

func TestLockConflict(t *testing.T) {
	s := newTestStore(t, Options{LockTimeout: 50 * time.Millisecond, LockStale: time.Hour})

	// Hold the lock as if another writer owned it.
	release, err := acquireLock(s.lockPath("contended"), s.lockTimeout, s.lockStale)
	if err != nil {
		t.Fatalf("acquireLock: %v", err)
	}
	defer release()

	_, err = s.Save(testRecord("contended"))
	if !errors.Is(err, ErrLockConflict) {
		t.Errorf("Save under held lock = %v, want ErrLockConflict", err)
	}
}

func TestStaleLockReclaimed(t *testing.T) {
	s := newTestStore(t, Options{LockTimeout: 200 * time.Millisecond, LockStale: 50 * time.Millisecond})

	lockPath := s.lockPath("stale")
	if err := os.WriteFile(lockPath, []byte("999999 2020-01-01T00:00:00Z\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	old := time.Now().Add(-time.Minute)
	os.Chtimes(lockPath, old, old)

	if _, err := s.Save(testRecord("stale")); err != nil {
		t.Errorf("Save with stale lock = %v, want reclaim and success", err)
	}
}

func TestRename(t *testing.T) {
	s := newTestStore(t, Options{})
	if _, err := s.Save(testRecord("from")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.AppendTranscript("from", RoleUser, "hello"); err != nil {
		t.Fatalf("AppendTranscript: %v", err)
	}

	if err := s.Rename("from", "to"); err != nil {
		t.Fatalf("Rename: %v", err)
	}

	if s.Exists("from") {
		t.Error("source record still exists after rename")
	}
	rec, _, _ := s.Load("to")
	if rec == nil || rec.SessionID != "to" {
		t.Fatalf("target record = %+v", rec)
	}
	if _, err := os.Stat(filepath.Join(s.dir, "to.jsonl")); err != nil {
		t.Errorf("transcript did not follow rename: %v", err)
	}

	entries := s.List()
	if len(entries) != 1 || entries[0].SessionID != "to" {
		t.Errorf("index entries = %+v, want single entry 'to'", entries)
	}
}

func TestRenameConflict(t *testing.T) {
	s := newTestStore(t, Options{})
	s.Save(testRecord("a"))
	s.Save(testRecord("b"))

	err := s.Rename("a", "b")
	if !errors.Is(err, ErrConflict) {
		t.Errorf("Rename onto existing = %v, want ErrConflict", err)
	}
}

func TestArchive(t *testing.T) {
	s := newTestStore(t, Options{})
	s.Save(testRecord("done"))
	if err := s.AppendTranscript("done", RoleUser, "bye"); err != nil {
		t.Fatalf("AppendTranscript: %v", err)
	}

	if err := s.Archive("done"); err != nil {
		t.Fatalf("Archive: %v", err)
	}

	if s.Exists("done") {
		t.Error("record still present after archive")
	}
	if _, err := os.Stat(filepath.Join(s.dir, ArchiveDirname, "done.json")); err != nil {
		t.Errorf("archived record missing: %v", err)
	}
	// Transcripts stay put.
	if _, err := os.Stat(filepath.Join(s.dir, "done.jsonl")); err != nil {
		t.Errorf("transcript removed by archive: %v", err)
	}
	if len(s.List()) != 0 {
		t.Errorf("index not empty after archive: %+v", s.List())
	}
}

func TestImportExport(t *testing.T) {
	s := newTestStore(t, Options{})
	s.Save(testRecord("orig"))

	exported, err := s.Export("orig")
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	exported.SessionID = "copy"
	if err := s.Import(exported, false); err != nil {
		t.Fatalf("Import: %v", err)
	}
	if err := s.Import(exported, false); !errors.Is(err, ErrConflict) {
		t.Errorf("second Import without overwrite = %v, want ErrConflict", err)
	}
	if err := s.Import(exported, true); err != nil {
		t.Errorf("Import with overwrite = %v", err)
	}

	rec, _, _ := s.Load("copy")
	if rec == nil || rec.History[0].Content != "hello" {
		t.Errorf("imported record = %+v", rec)
	}
}

func TestReconcileRebuildsIndex(t *testing.T) {
	s := newTestStore(t, Options{})
	s.Save(testRecord("kept"))
	s.Save(testRecord("removed"))

	// Simulate a crash that removed a record but left the index entry.
	os.Remove(s.recordPath("removed"))

	if err := s.Reconcile(); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	entries := s.List()
	if len(entries) != 1 || entries[0].SessionID != "kept" {
		t.Errorf("reconciled index = %+v, want only 'kept'", entries)
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain", "plain"},
		{"agent:tg:chat:42", "agent_tg_chat_42"},
		{"a/b\\c", "a_b_c"},
		{"..", "_.."},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := sanitizeFilename(tt.in); got != tt.want {
				t.Errorf("sanitizeFilename(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
