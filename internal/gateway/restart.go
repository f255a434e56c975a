package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// RestartExitCode is the process exit status meaning "respawn me". An
// external supervisor (systemd, a wrapper script) distinguishes it from a
// clean 0 and from fatal failures.
const RestartExitCode = 87

// Restart intents. Policy and the restart budget are keyed on these.
const (
	IntentManual  = "manual"
	IntentSignal  = "signal"
	IntentSelfMod = "self_mod"
)

// ValidIntent reports whether intent is one of the known restart intents.
func ValidIntent(intent string) bool {
	switch intent {
	case IntentManual, IntentSignal, IntentSelfMod:
		return true
	default:
		return false
	}
}

// RestartAttempt is one recorded restart request, approved or not yet
// executed. The history lives on disk so the budget survives the restart it
// meters.
type RestartAttempt struct {
	At     time.Time `json:"at"`
	Intent string    `json:"intent"`
	Reason string    `json:"reason,omitempty"`
}

const restartHistoryVersion = 1

// historyKeep bounds the on-disk attempt list; the rolling-window budget
// never needs more.
const historyKeep = 50

type restartHistoryFile struct {
	Version  int              `json:"version"`
	Attempts []RestartAttempt `json:"attempts"`
}

// restartHistory is the bounded record of restart attempts, owned solely by
// the gateway process.
type restartHistory struct {
	path string

	mu       sync.Mutex
	attempts []RestartAttempt
}

// loadRestartHistory reads the history file. A missing file yields an empty
// history; a corrupt one yields an empty history and the parse error so the
// caller can degrade.
func loadRestartHistory(path string) (*restartHistory, error) {
	h := &restartHistory{path: path}
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return h, nil
	}
	if err != nil {
		return h, fmt.Errorf("read restart history: %w", err)
	}
	var file restartHistoryFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return h, fmt.Errorf("parse restart history: %w", err)
	}
	if file.Version != restartHistoryVersion {
		return h, fmt.Errorf("restart history version %d is not supported", file.Version)
	}
	h.attempts = file.Attempts
	return h, nil
}

// record appends an attempt and persists the trimmed history.
func (h *restartHistory) record(attempt RestartAttempt) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.attempts = append(h.attempts, attempt)
	if len(h.attempts) > historyKeep {
		h.attempts = h.attempts[len(h.attempts)-historyKeep:]
	}
	return h.persistLocked()
}

func (h *restartHistory) persistLocked() error {
	data, err := json.MarshalIndent(restartHistoryFile{
		Version:  restartHistoryVersion,
		Attempts: h.attempts,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal restart history: %w", err)
	}
	dir := filepath.Dir(h.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "restarts-*.tmp")
	if err != nil {
		return fmt.Errorf("create history temp: %w", err)
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
	if err := os.Rename(tmpPath, h.path); err != nil {
		return fmt.Errorf("replace restart history: %w", err)
	}
	cleanup = false
	return nil
}

// countSince reports how many attempts happened at or after cutoff.
func (h *restartHistory) countSince(cutoff time.Time) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, a := range h.attempts {
		if !a.At.Before(cutoff) {
			n++
		}
	}
	return n
}

// recent returns up to limit attempts, newest last.
func (h *restartHistory) recent(limit int) []RestartAttempt {
	h.mu.Lock()
	defer h.mu.Unlock()
	if limit <= 0 || limit > len(h.attempts) {
		limit = len(h.attempts)
	}
	out := make([]RestartAttempt, limit)
	copy(out, h.attempts[len(h.attempts)-limit:])
	return out
}
