package orchestration

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/drosthq/drost/internal/bus"
	"github.com/drosthq/drost/internal/config"
	"github.com/drosthq/drost/internal/session"
	"github.com/drosthq/drost/pkg/protocol"
)

// entry is one admitted submission, or a coalesced batch of them. Contexts
// are attached when the entry starts, not when it is queued, so queued
// entries carry no cancellation state.
type entry struct {
	input      string
	images     []session.InputImage
	providerID string
	handlers   []bus.EventHandler
	outcomes   []chan Outcome

	ctx         context.Context
	cancel      context.CancelFunc
	interrupted bool
}

// deliver resolves every contributing submitter. Outcome channels are
// buffered with capacity one and each entry resolves exactly once, so this
// never blocks.
func (e *entry) deliver(o Outcome) {
	for _, ch := range e.outcomes {
		ch <- o
	}
}

// relay fans stream events out to every contributing submitter.
func (e *entry) relay() bus.EventHandler {
	live := make([]bus.EventHandler, 0, len(e.handlers))
	for _, h := range e.handlers {
		if h != nil {
			live = append(live, h)
		}
	}
	switch len(live) {
	case 0:
		return nil
	case 1:
		return live[0]
	}
	return func(ev bus.Event) {
		for _, h := range live {
			h(ev)
		}
	}
}

// coalesce folds queued entries into one synthetic entry: inputs joined by
// blank lines, image lists concatenated, events and outcomes fanned out to
// every contributor. The provider override of the latest entry that set one
// wins.
func coalesce(entries []*entry) *entry {
	if len(entries) == 1 {
		return entries[0]
	}
	merged := &entry{}
	inputs := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.input != "" {
			inputs = append(inputs, e.input)
		}
		merged.images = append(merged.images, e.images...)
		merged.handlers = append(merged.handlers, e.handlers...)
		merged.outcomes = append(merged.outcomes, e.outcomes...)
		if e.providerID != "" {
			merged.providerID = e.providerID
		}
	}
	merged.input = strings.Join(inputs, "\n\n")
	return merged
}

// lane serializes turns for one session.
type lane struct {
	sessionID string
	settings  Settings
	queue     []*entry
	active    *entry

	collectTimer *time.Timer
	collectReady bool
}

// occupancy counts queued entries plus the active one. Admission keeps this
// at or below the lane cap.
func (l *lane) occupancy() int {
	n := len(l.queue)
	if l.active != nil {
		n++
	}
	return n
}

func (l *lane) view() LaneView {
	v := LaneView{
		SessionID:         l.sessionID,
		Mode:              l.settings.Mode,
		Cap:               l.settings.Cap,
		DropPolicy:        l.settings.DropPolicy,
		CollectDebounceMs: int(l.settings.CollectDebounce / time.Millisecond),
		Queued:            len(l.queue),
		Active:            l.active != nil,
	}
	for _, e := range l.queue {
		v.QueuedInputs = append(v.QueuedInputs, e.input)
	}
	if l.active != nil {
		v.ActiveInput = l.active.input
	}
	return v
}

// Options configures a Scheduler.
type Options struct {
	Config *config.Config
	Events bus.EventPublisher
	Run    RunFunc
	Now    func() time.Time
}

// Scheduler owns every session lane. All lane state is guarded by one mutex;
// turns run on their own goroutines and re-enter the scheduler only to take
// the next entry.
type Scheduler struct {
	events bus.EventPublisher
	run    RunFunc
	now    func() time.Time

	defaults     Settings
	persist      bool
	snapshotPath string

	root   context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	lanes    map[string]*lane
	stopping bool
	wg       sync.WaitGroup
}

// NewScheduler builds a scheduler with lane defaults and snapshot settings
// taken from cfg.
func NewScheduler(opts Options) *Scheduler {
	if opts.Run == nil {
		panic("orchestration: Options.Run is required")
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	root, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		events: opts.Events,
		run:    opts.Run,
		now:    now,
		root:   root,
		cancel: cancel,
		lanes:  make(map[string]*lane),
	}
	if opts.Config != nil {
		s.defaults = settingsFromLaneConfig(opts.Config.LaneDefaults())
		s.persist = opts.Config.PersistLanes()
		s.snapshotPath = opts.Config.SnapshotPath()
	} else {
		s.defaults = Settings{}.withDefaults()
	}
	return s
}

// Submit admits a turn onto the session's lane and returns a channel that
// resolves with exactly one Outcome. ctx gates admission only; once admitted
// the turn runs under the scheduler's own context so coalesced and restored
// work does not die with the submitter's request.
func (s *Scheduler) Submit(ctx context.Context, sub Submission) <-chan Outcome {
	out := make(chan Outcome, 1)
	if strings.TrimSpace(sub.SessionID) == "" {
		out <- Outcome{Err: protocol.E(protocol.CodeUnknownSession, "session id is required")}
		return out
	}
	if err := ctx.Err(); err != nil {
		out <- Outcome{Err: protocol.E(protocol.CodeCancelled, "submission cancelled before admission")}
		return out
	}

	e := &entry{
		input:      sub.Input,
		images:     sub.Images,
		providerID: sub.ProviderID,
		handlers:   []bus.EventHandler{sub.OnEvent},
		outcomes:   []chan Outcome{out},
	}

	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		out <- Outcome{Err: protocol.E(protocol.CodeGatewayStopping, "Gateway is stopping")}
		return out
	}

	ln := s.laneLocked(sub.SessionID)
	admitted := true
	switch ln.settings.Mode.admission() {
	case ModeInterrupt:
		s.interruptLocked(ln)
		ln.queue = append(ln.queue, e)
	case ModeCollect:
		if admitted = s.enqueueLocked(ln, e); admitted {
			s.armCollectLocked(ln)
		}
	default:
		admitted = s.enqueueLocked(ln, e)
	}
	if admitted {
		s.persistLocked()
		s.maybeStartLocked(ln)
	}
	view := ln.view()
	s.mu.Unlock()

	s.announce(view)
	return out
}

// laneLocked returns the session's lane, creating it with the configured
// defaults on first use.
func (s *Scheduler) laneLocked(sessionID string) *lane {
	ln, ok := s.lanes[sessionID]
	if !ok {
		ln = &lane{sessionID: sessionID, settings: s.defaults}
		s.lanes[sessionID] = ln
	}
	return ln
}

// enqueueLocked appends e, applying the drop policy when the lane is full.
// Returns false when the incoming submission itself was rejected.
func (s *Scheduler) enqueueLocked(ln *lane, e *entry) bool {
	if ln.occupancy() >= ln.settings.Cap {
		policy := ln.settings.DropPolicy
		if policy == DropSummarize {
			policy = DropOld
		}
		if policy == DropNew || len(ln.queue) == 0 {
			e.deliver(Outcome{Err: protocol.E(protocol.CodeBusy, "dropped by capacity")})
			return false
		}
		dropped := ln.queue[0]
		ln.queue = ln.queue[1:]
		dropped.deliver(Outcome{Err: protocol.E(protocol.CodeBusy, "dropped by capacity")})
		slog.Debug("lane.dropped", "sessionId", ln.sessionID, "policy", policy)
	}
	ln.queue = append(ln.queue, e)
	return true
}

// interruptLocked cancels the active turn and drains the queue. The
// cancelled turn resolves from its own goroutine; drained submitters are
// rejected here.
func (s *Scheduler) interruptLocked(ln *lane) {
	if ln.active != nil {
		ln.active.interrupted = true
		ln.active.cancel()
	}
	for _, queued := range ln.queue {
		queued.deliver(Outcome{Err: protocol.E(protocol.CodeCancelled, "dropped by interrupt")})
	}
	ln.queue = nil
	s.disarmCollectLocked(ln)
}

// armCollectLocked restarts the lane's quiet-window timer. Every arrival
// extends the window.
func (s *Scheduler) armCollectLocked(ln *lane) {
	ln.collectReady = false
	if ln.collectTimer != nil {
		ln.collectTimer.Stop()
	}
	sessionID := ln.sessionID
	ln.collectTimer = time.AfterFunc(ln.settings.CollectDebounce, func() {
		s.collectElapsed(sessionID)
	})
}

func (s *Scheduler) disarmCollectLocked(ln *lane) {
	if ln.collectTimer != nil {
		ln.collectTimer.Stop()
		ln.collectTimer = nil
	}
	ln.collectReady = false
}

func (s *Scheduler) collectElapsed(sessionID string) {
	s.mu.Lock()
	ln, ok := s.lanes[sessionID]
	if !ok || s.stopping {
		s.mu.Unlock()
		return
	}
	ln.collectReady = true
	s.maybeStartLocked(ln)
	view := ln.view()
	s.mu.Unlock()

	s.announce(view)
}

// maybeStartLocked takes the next entry when the lane is idle. Collect lanes
// wait for the quiet window to elapse, then run everything queued as one
// synthetic turn.
func (s *Scheduler) maybeStartLocked(ln *lane) {
	if s.stopping || ln.active != nil || len(ln.queue) == 0 {
		return
	}

	var next *entry
	if ln.settings.Mode.admission() == ModeCollect {
		if !ln.collectReady {
			return
		}
		next = coalesce(ln.queue)
		ln.queue = nil
		ln.collectReady = false
	} else {
		next = ln.queue[0]
		ln.queue = ln.queue[1:]
	}

	next.ctx, next.cancel = context.WithCancel(s.root)
	ln.active = next
	s.persistLocked()

	s.wg.Add(1)
	go s.runEntry(ln, next)
}

func (s *Scheduler) runEntry(ln *lane, e *entry) {
	defer s.wg.Done()

	started := s.now()
	res, err := s.run(e.ctx, session.RunRequest{
		SessionID:  ln.sessionID,
		Input:      e.input,
		Images:     e.images,
		ProviderID: e.providerID,
		OnEvent:    e.relay(),
	})

	s.mu.Lock()
	if err != nil && e.ctx.Err() != nil {
		switch {
		case e.interrupted:
			err = protocol.E(protocol.CodeCancelled, "turn cancelled by interrupt")
		case s.stopping:
			err = protocol.E(protocol.CodeGatewayStopping, "Gateway is stopping")
		default:
			err = protocol.E(protocol.CodeCancelled, "turn cancelled")
		}
	}
	e.cancel()
	if ln.active == e {
		ln.active = nil
	}
	s.persistLocked()
	s.maybeStartLocked(ln)
	view := ln.view()
	s.mu.Unlock()

	e.deliver(Outcome{Result: res, Err: err})

	if err != nil {
		slog.Debug("lane.turn.failed", "sessionId", ln.sessionID, "code", protocol.CodeOf(err), "duration", s.now().Sub(started))
	} else {
		slog.Debug("lane.turn.completed", "sessionId", ln.sessionID, "duration", s.now().Sub(started))
	}
	s.announce(view)
}

// announce broadcasts a lane.updated event. Runs outside the scheduler lock.
func (s *Scheduler) announce(view LaneView) {
	if s.events == nil {
		return
	}
	s.events.Broadcast(bus.Event{
		Name:      protocol.EventLaneUpdated,
		SessionID: view.SessionID,
		Payload:   view,
	})
}

// Configure replaces a lane's settings, creating the lane if needed. The
// queue is not re-trimmed; a smaller cap applies from the next admission.
func (s *Scheduler) Configure(sessionID string, settings Settings) LaneView {
	s.mu.Lock()
	ln := s.laneLocked(sessionID)
	wasCollect := ln.settings.Mode.admission() == ModeCollect
	ln.settings = settings.withDefaults()
	if wasCollect && ln.settings.Mode.admission() != ModeCollect {
		s.disarmCollectLocked(ln)
		s.maybeStartLocked(ln)
	}
	s.persistLocked()
	view := ln.view()
	s.mu.Unlock()

	s.announce(view)
	return view
}

// Forget drops a session's lane after the session is deleted. Pending
// entries are rejected; an active turn keeps its lane until it settles.
func (s *Scheduler) Forget(sessionID string) {
	s.mu.Lock()
	ln, ok := s.lanes[sessionID]
	if !ok || ln.active != nil {
		s.mu.Unlock()
		return
	}
	s.disarmCollectLocked(ln)
	for _, queued := range ln.queue {
		queued.deliver(Outcome{Err: protocol.E(protocol.CodeUnknownSession, "session deleted")})
	}
	delete(s.lanes, sessionID)
	s.persistLocked()
	s.mu.Unlock()
}

// Lanes returns a view of every lane, ordered by session id.
func (s *Scheduler) Lanes() []LaneView {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]LaneView, 0, len(s.lanes))
	for _, ln := range s.lanes {
		out = append(out, ln.view())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// Stop rejects queued work, cancels active turns and waits for them to
// settle or for ctx to expire. The scheduler accepts no submissions after
// Stop.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	for _, ln := range s.lanes {
		s.disarmCollectLocked(ln)
		for _, queued := range ln.queue {
			queued.deliver(Outcome{Err: protocol.E(protocol.CodeGatewayStopping, "Gateway is stopping")})
		}
		ln.queue = nil
	}
	s.persistLocked()
	s.mu.Unlock()

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
