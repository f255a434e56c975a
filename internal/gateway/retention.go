package gateway

import (
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/drosthq/drost/internal/bus"
	"github.com/drosthq/drost/internal/config"
	"github.com/drosthq/drost/internal/orchestration"
	"github.com/drosthq/drost/internal/session"
	"github.com/drosthq/drost/pkg/protocol"
)

const defaultSweepSchedule = "0 3 * * *"

// retentionSweeper retires sessions idle past the configured age on a cron
// schedule. Retention needs both a schedule and a max age; either one
// missing disables the sweep.
type retentionSweeper struct {
	cfg      *config.Config
	sessions *session.Manager
	sched    *orchestration.Scheduler
	events   bus.EventPublisher
	now      func() time.Time

	gron     *gronx.Gronx
	stop     chan struct{}
	stopOnce sync.Once

	mu        sync.Mutex
	enabled   bool
	lastSweep time.Time
	lastSwept int
	lastErr   string
}

func newRetentionSweeper(cfg *config.Config, sessions *session.Manager, sched *orchestration.Scheduler, events bus.EventPublisher, now func() time.Time) *retentionSweeper {
	return &retentionSweeper{
		cfg:      cfg,
		sessions: sessions,
		sched:    sched,
		events:   events,
		now:      now,
		gron:     gronx.New(),
		stop:     make(chan struct{}),
	}
}

// Start launches the sweep loop when retention is configured.
func (r *retentionSweeper) Start() {
	rc := r.cfg.RetentionSettings()
	if rc.MaxAge() <= 0 {
		return
	}
	schedule := r.schedule()
	if !r.gron.IsValid(schedule) {
		slog.Warn("retention.schedule_invalid", "schedule", schedule)
		return
	}
	r.mu.Lock()
	r.enabled = true
	r.mu.Unlock()
	go r.loop(schedule)
	slog.Info("retention.scheduled",
		"schedule", schedule,
		"maxAge", rc.MaxAge().String(),
		"action", r.action(),
	)
}

// Stop ends the sweep loop. Safe to call on a sweeper that never started.
func (r *retentionSweeper) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

// loop polls every minute and lets the cron expression decide which ticks
// are due. Cron resolution is one minute, so nothing finer is needed.
func (r *retentionSweeper) loop(schedule string) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			due, err := r.gron.IsDue(schedule, r.now())
			if err != nil || !due {
				continue
			}
			r.sweep()
		}
	}
}

// sweep retires every idle session older than the cap. Sessions with a
// running or queued turn are skipped this round and picked up by the next.
func (r *retentionSweeper) sweep() {
	maxAge := r.cfg.RetentionSettings().MaxAge()
	if maxAge <= 0 {
		return
	}
	cutoff := r.now().Add(-maxAge)
	action := r.action()

	busy := make(map[string]bool)
	for _, ln := range r.sched.Lanes() {
		if ln.Active || ln.Queued > 0 {
			busy[ln.SessionID] = true
		}
	}

	swept := 0
	var firstErr string
	for _, info := range r.sessions.ListSessions() {
		if busy[info.SessionID] || info.TurnInProgress {
			continue
		}
		if !info.LastActivityAt.Before(cutoff) {
			continue
		}
		var err error
		if action == "delete" {
			err = r.sessions.DeleteSession(info.SessionID)
		} else {
			err = r.sessions.ArchiveSession(info.SessionID)
		}
		if err != nil {
			if firstErr == "" {
				firstErr = err.Error()
			}
			slog.Warn("retention.sweep_failed", "session", info.SessionID, "error", err)
			continue
		}
		r.sched.Forget(info.SessionID)
		swept++
	}

	r.mu.Lock()
	r.lastSweep = r.now()
	r.lastSwept = swept
	r.lastErr = firstErr
	r.mu.Unlock()

	if swept > 0 || firstErr != "" {
		slog.Info("retention.swept", "count", swept, "action", action)
		r.events.Broadcast(bus.Event{
			Name: protocol.EventRetentionSwept,
			Payload: map[string]interface{}{
				"count":  swept,
				"action": action,
			},
		})
	}
}

// status reports the sweeper for the control API.
func (r *retentionSweeper) status() map[string]interface{} {
	rc := r.cfg.RetentionSettings()

	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[string]interface{}{
		"enabled":       r.enabled,
		"schedule":      r.schedule(),
		"maxSessionAge": rc.MaxSessionAge,
		"action":        r.action(),
	}
	if !r.lastSweep.IsZero() {
		out["lastSweepAt"] = r.lastSweep
		out["lastSwept"] = r.lastSwept
	}
	if r.lastErr != "" {
		out["lastError"] = r.lastErr
	}
	return out
}

func (r *retentionSweeper) schedule() string {
	if s := r.cfg.RetentionSettings().SweepSchedule; s != "" {
		return s
	}
	return defaultSweepSchedule
}

func (r *retentionSweeper) action() string {
	if r.cfg.RetentionSettings().Action == "delete" {
		return "delete"
	}
	return "archive"
}
