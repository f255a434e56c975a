package orchestration

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/drosthq/drost/internal/bus"
	"github.com/drosthq/drost/internal/config"
	"github.com/drosthq/drost/internal/session"
)

func readSnapshot(t *testing.T, path string) snapshotFile {
	t.Helper()
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	var snap snapshotFile
	if err := json.Unmarshal(raw, &snap); err != nil {
		t.Fatalf("parse snapshot: %v", err)
	}
	return snap
}

func writeSnapshotFixture(t *testing.T, path string, snap snapshotFile) {
	t.Helper()
	data, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("marshal fixture: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
}

func TestSnapshotTracksEveryMutation(t *testing.T) {
	runner := newFakeRunner()
	cfg := laneTestConfig(t, config.LaneConfig{Mode: "queue", Cap: 4})
	path := cfg.SnapshotPath()
	sched, _ := newTestScheduler(t, cfg, runner)

	out1 := sched.Submit(context.Background(), Submission{SessionID: "s1", Input: "t1"})
	waitStart(t, runner)
	out2 := sched.Submit(context.Background(), Submission{SessionID: "s1", Input: "t2"})
	out3 := sched.Submit(context.Background(), Submission{SessionID: "s1", Input: "t3"})

	snap := readSnapshot(t, path)
	if snap.Version != 1 {
		t.Fatalf("version = %d, want 1", snap.Version)
	}
	if len(snap.Lanes) != 1 {
		t.Fatalf("lanes = %d, want 1", len(snap.Lanes))
	}
	ln := snap.Lanes[0]
	if ln.SessionID != "s1" || ln.ActiveInput != "t1" {
		t.Errorf("lane = %+v, want active t1", ln)
	}
	if len(ln.QueuedInputs) != 2 || ln.QueuedInputs[0] != "t2" || ln.QueuedInputs[1] != "t3" {
		t.Errorf("queuedInputs = %v", ln.QueuedInputs)
	}
	occupancy := len(ln.QueuedInputs)
	if ln.ActiveInput != "" {
		occupancy++
	}
	if occupancy > ln.Cap {
		t.Errorf("occupancy %d exceeds cap %d", occupancy, ln.Cap)
	}

	for _, out := range []<-chan Outcome{out1, out2, out3} {
		runner.release <- struct{}{}
		if o := waitOutcome(t, out); o.Err != nil {
			t.Fatalf("outcome: %v", o.Err)
		}
	}

	snap = readSnapshot(t, path)
	ln = snap.Lanes[0]
	if ln.ActiveInput != "" || len(ln.QueuedInputs) != 0 {
		t.Errorf("drained lane = %+v, want empty", ln)
	}
}

func TestSnapshotDisabled(t *testing.T) {
	runner := newFakeRunner()
	cfg := laneTestConfig(t, config.LaneConfig{Mode: "queue"})
	off := false
	cfg.Orchestration.Persist = &off
	path := cfg.SnapshotPath()
	sched, _ := newTestScheduler(t, cfg, runner)

	out := sched.Submit(context.Background(), Submission{SessionID: "s1", Input: "t1"})
	waitStart(t, runner)
	runner.release <- struct{}{}
	waitOutcome(t, out)

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("snapshot written despite persist=false (stat err = %v)", err)
	}
}

func TestRestoreRequeuesActiveAtHead(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lanes.json")
	writeSnapshotFixture(t, path, snapshotFile{
		Version:   1,
		UpdatedAt: time.Now().UTC(),
		Lanes: []laneSnapshot{{
			SessionID:    "s1",
			Mode:         "queue",
			Cap:          8,
			DropPolicy:   "old",
			QueuedInputs: []string{"q1", "q2"},
			ActiveInput:  "crashed",
		}},
	})

	cfg := config.Default()
	cfg.Orchestration.SnapshotPath = path

	ran := make(chan string, 8)
	run := func(ctx context.Context, req session.RunRequest) (*session.RunResult, error) {
		ran <- req.Input
		return &session.RunResult{SessionID: req.SessionID, Response: "ok"}, nil
	}
	sched := NewScheduler(Options{Config: cfg, Events: bus.NewBroker(), Run: run})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		sched.Stop(ctx)
	})

	recovered, err := sched.Restore()
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if recovered != 3 {
		t.Fatalf("recovered = %d, want 3", recovered)
	}

	// Parked until Resume.
	select {
	case input := <-ran:
		t.Fatalf("turn %q ran before Resume", input)
	case <-time.After(50 * time.Millisecond):
	}

	sched.Resume()
	want := []string{"crashed", "q1", "q2"}
	for _, w := range want {
		select {
		case got := <-ran:
			if got != w {
				t.Fatalf("run order got %q, want %q", got, w)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %q to run", w)
		}
	}
}

func TestRestoreClampsToCap(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lanes.json")
	writeSnapshotFixture(t, path, snapshotFile{
		Version: 1,
		Lanes: []laneSnapshot{{
			SessionID:    "s1",
			Mode:         "queue",
			Cap:          2,
			QueuedInputs: []string{"q1", "q2", "q3"},
			ActiveInput:  "crashed",
		}},
	})

	cfg := config.Default()
	cfg.Orchestration.SnapshotPath = path
	runner := newFakeRunner()
	sched := NewScheduler(Options{Config: cfg, Events: bus.NewBroker(), Run: runner.run})

	recovered, err := sched.Restore()
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if recovered != 2 {
		t.Errorf("recovered = %d, want cap-clamped 2", recovered)
	}
	lanes := sched.Lanes()
	if len(lanes) != 1 || lanes[0].Queued != 2 {
		t.Errorf("lanes = %+v, want one lane holding 2", lanes)
	}
	if lanes[0].QueuedInputs[0] != "crashed" {
		t.Errorf("queue head = %q, want requeued active", lanes[0].QueuedInputs[0])
	}
}

func TestRestoreRejectsUnknownVersion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lanes.json")
	writeSnapshotFixture(t, path, snapshotFile{Version: 2})

	cfg := config.Default()
	cfg.Orchestration.SnapshotPath = path
	runner := newFakeRunner()
	sched := NewScheduler(Options{Config: cfg, Events: bus.NewBroker(), Run: runner.run})

	if _, err := sched.Restore(); err == nil {
		t.Error("Restore accepted unsupported version")
	}
}

func TestRestoreMissingFileIsNoop(t *testing.T) {
	cfg := config.Default()
	cfg.Orchestration.SnapshotPath = filepath.Join(t.TempDir(), "absent.json")
	runner := newFakeRunner()
	sched := NewScheduler(Options{Config: cfg, Events: bus.NewBroker(), Run: runner.run})

	recovered, err := sched.Restore()
	if err != nil || recovered != 0 {
		t.Errorf("Restore = (%d, %v), want (0, nil)", recovered, err)
	}
}
