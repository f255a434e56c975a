// Package orchestration serializes turns per session. Every session owns one
// lane; submissions are admitted according to the lane's mode, run one at a
// time, and resolved on a per-submission outcome channel. Lane state is
// mirrored to a JSON snapshot on every mutation so queued work survives a
// crash.
package orchestration

import (
	"context"
	"strings"
	"time"

	"github.com/drosthq/drost/internal/bus"
	"github.com/drosthq/drost/internal/config"
	"github.com/drosthq/drost/internal/session"
)

// Mode decides how a lane admits new submissions.
type Mode string

const (
	// ModeQueue runs submissions FIFO, one at a time, up to the lane cap.
	ModeQueue Mode = "queue"
	// ModeInterrupt cancels the active turn and clears the queue so the
	// incoming submission runs next.
	ModeInterrupt Mode = "interrupt"
	// ModeCollect coalesces submissions arriving within a quiet window into
	// one synthetic turn.
	ModeCollect Mode = "collect"
	// ModeSteer admits like interrupt.
	ModeSteer Mode = "steer"
	// ModeSteerBacklog admits like queue.
	ModeSteerBacklog Mode = "steer_backlog"
)

// ParseMode normalizes a mode string. Unknown values fall back to queue.
func ParseMode(raw string) Mode {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case ModeInterrupt:
		return ModeInterrupt
	case ModeCollect:
		return ModeCollect
	case ModeSteer:
		return ModeSteer
	case ModeSteerBacklog:
		return ModeSteerBacklog
	default:
		return ModeQueue
	}
}

// admission maps a mode to its admission behavior: steer admits like
// interrupt, steer_backlog admits like queue.
func (m Mode) admission() Mode {
	switch m {
	case ModeSteer:
		return ModeInterrupt
	case ModeSteerBacklog:
		return ModeQueue
	default:
		return m
	}
}

// DropPolicy decides which entry loses when a full lane admits another.
type DropPolicy string

const (
	// DropOld evicts the oldest queued entry.
	DropOld DropPolicy = "old"
	// DropNew rejects the incoming submission.
	DropNew DropPolicy = "new"
	// DropSummarize is reserved; it currently behaves like DropOld.
	DropSummarize DropPolicy = "summarize"
)

// ParseDropPolicy normalizes a drop policy string. Unknown values fall back
// to old.
func ParseDropPolicy(raw string) DropPolicy {
	switch DropPolicy(strings.ToLower(strings.TrimSpace(raw))) {
	case DropNew:
		return DropNew
	case DropSummarize:
		return DropSummarize
	default:
		return DropOld
	}
}

// Settings is the live shape of one lane.
type Settings struct {
	Mode            Mode
	Cap             int
	DropPolicy      DropPolicy
	CollectDebounce time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.Mode == "" {
		s.Mode = ModeQueue
	}
	if s.Cap <= 0 {
		s.Cap = 8
	}
	if s.DropPolicy == "" {
		s.DropPolicy = DropOld
	}
	if s.CollectDebounce <= 0 {
		s.CollectDebounce = 700 * time.Millisecond
	}
	return s
}

// settingsFromLaneConfig builds Settings from the configured lane defaults.
func settingsFromLaneConfig(lc config.LaneConfig) Settings {
	return Settings{
		Mode:            ParseMode(lc.Mode),
		Cap:             lc.Cap,
		DropPolicy:      ParseDropPolicy(lc.DropPolicy),
		CollectDebounce: time.Duration(lc.CollectDebounceMs) * time.Millisecond,
	}.withDefaults()
}

// Submission is one request to run a turn on a session's lane.
type Submission struct {
	SessionID  string
	Input      string
	Images     []session.InputImage
	ProviderID string
	OnEvent    bus.EventHandler
}

// Outcome is the terminal result of a submission. Every submission receives
// exactly one Outcome on its channel: the turn result, a turn failure, or a
// rejection (capacity, interrupt, shutdown).
type Outcome struct {
	Result *session.RunResult
	Err    error
}

// RunFunc executes one turn. The scheduler calls it with a context that is
// cancelled on interrupt and on shutdown; implementations must honor it.
type RunFunc func(ctx context.Context, req session.RunRequest) (*session.RunResult, error)

// LaneView is a read-only snapshot of one lane for status surfaces.
type LaneView struct {
	SessionID         string     `json:"sessionId"`
	Mode              Mode       `json:"mode"`
	Cap               int        `json:"cap"`
	DropPolicy        DropPolicy `json:"dropPolicy"`
	CollectDebounceMs int        `json:"collectDebounceMs"`
	Queued            int        `json:"queued"`
	QueuedInputs      []string   `json:"queuedInputs,omitempty"`
	Active            bool       `json:"active"`
	ActiveInput       string     `json:"activeInput,omitempty"`
}
