package orchestration

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// snapshotVersion is the lane snapshot schema version.
const snapshotVersion = 1

type laneSnapshot struct {
	SessionID         string   `json:"sessionId"`
	Mode              string   `json:"mode"`
	Cap               int      `json:"cap"`
	DropPolicy        string   `json:"dropPolicy"`
	CollectDebounceMs int      `json:"collectDebounceMs"`
	QueuedInputs      []string `json:"queuedInputs"`
	ActiveInput       string   `json:"activeInput,omitempty"`
}

type snapshotFile struct {
	Version   int            `json:"version"`
	UpdatedAt time.Time      `json:"updatedAt"`
	Lanes     []laneSnapshot `json:"lanes"`
}

// persistLocked rewrites the snapshot file to match the current lane state.
// Callers hold s.mu. Persistence failures are logged, never fatal: the
// snapshot is a recovery aid, not a ledger.
func (s *Scheduler) persistLocked() {
	if !s.persist || s.snapshotPath == "" {
		return
	}

	snap := snapshotFile{Version: snapshotVersion, UpdatedAt: s.now()}
	ids := make([]string, 0, len(s.lanes))
	for id := range s.lanes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		ln := s.lanes[id]
		ls := laneSnapshot{
			SessionID:         ln.sessionID,
			Mode:              string(ln.settings.Mode),
			Cap:               ln.settings.Cap,
			DropPolicy:        string(ln.settings.DropPolicy),
			CollectDebounceMs: int(ln.settings.CollectDebounce / time.Millisecond),
			QueuedInputs:      make([]string, 0, len(ln.queue)),
		}
		for _, e := range ln.queue {
			ls.QueuedInputs = append(ls.QueuedInputs, e.input)
		}
		// An interrupted active turn is already condemned; restoring it
		// would re-run input its submitter saw fail.
		if ln.active != nil && !ln.active.interrupted {
			ls.ActiveInput = ln.active.input
		}
		snap.Lanes = append(snap.Lanes, ls)
	}

	if err := writeSnapshot(s.snapshotPath, snap); err != nil {
		slog.Warn("lane.snapshot.write_failed", "path", s.snapshotPath, "error", err)
	}
}

func writeSnapshot(path string, snap snapshotFile) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "lanes-*.tmp")
	if err != nil {
		return fmt.Errorf("create snapshot temp: %w", err)
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

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	cleanup = false
	return nil
}

// Restore loads the lane snapshot from disk. The previously active input
// rejoins at the queue head, then the queued inputs in order; everything is
// clamped to the lane cap. Restored lanes stay parked until Resume so the
// gateway controls when recovered work starts running. Returns the number
// of recovered inputs.
func (s *Scheduler) Restore() (int, error) {
	if !s.persist || s.snapshotPath == "" {
		return 0, nil
	}

	raw, err := os.ReadFile(s.snapshotPath)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read lane snapshot: %w", err)
	}

	var snap snapshotFile
	if err := json.Unmarshal(raw, &snap); err != nil {
		return 0, fmt.Errorf("parse lane snapshot: %w", err)
	}
	if snap.Version != snapshotVersion {
		return 0, fmt.Errorf("lane snapshot version %d is not supported", snap.Version)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	recovered := 0
	for _, ls := range snap.Lanes {
		if ls.SessionID == "" {
			continue
		}
		settings := Settings{
			Mode:            ParseMode(ls.Mode),
			Cap:             ls.Cap,
			DropPolicy:      ParseDropPolicy(ls.DropPolicy),
			CollectDebounce: time.Duration(ls.CollectDebounceMs) * time.Millisecond,
		}.withDefaults()

		inputs := make([]string, 0, 1+len(ls.QueuedInputs))
		if ls.ActiveInput != "" {
			inputs = append(inputs, ls.ActiveInput)
		}
		inputs = append(inputs, ls.QueuedInputs...)
		if len(inputs) > settings.Cap {
			inputs = inputs[:settings.Cap]
		}

		ln := &lane{sessionID: ls.SessionID, settings: settings}
		for _, input := range inputs {
			ln.queue = append(ln.queue, &entry{input: input})
			recovered++
		}
		s.lanes[ls.SessionID] = ln
	}

	if recovered > 0 {
		slog.Info("lane.snapshot.restored", "lanes", len(snap.Lanes), "inputs", recovered)
	}
	return recovered, nil
}

// Resume starts recovered work. Collect lanes re-arm their quiet window;
// other lanes take their queue head immediately.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	views := make([]LaneView, 0, len(s.lanes))
	for _, ln := range s.lanes {
		if len(ln.queue) == 0 {
			continue
		}
		if ln.settings.Mode.admission() == ModeCollect {
			s.armCollectLocked(ln)
		} else {
			s.maybeStartLocked(ln)
		}
		views = append(views, ln.view())
	}
	s.mu.Unlock()

	for _, v := range views {
		s.announce(v)
	}
}
