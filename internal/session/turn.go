package session

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/drosthq/drost/internal/bus"
	"github.com/drosthq/drost/internal/config"
	"github.com/drosthq/drost/internal/providers"
	"github.com/drosthq/drost/internal/store"
	"github.com/drosthq/drost/internal/tools"
	"github.com/drosthq/drost/internal/tracing"
	"github.com/drosthq/drost/pkg/protocol"
)

// RunRequest describes one turn submission.
type RunRequest struct {
	SessionID string
	Input     string
	Images    []InputImage
	// ProviderID, when set, rebinds the session to this provider before the
	// turn starts. It must name a configured profile.
	ProviderID string
	// MaxToolCalls overrides the configured per-turn budget when positive.
	MaxToolCalls int
	// OnEvent receives this turn's stream events in addition to the
	// broadcast bus. May be nil.
	OnEvent bus.EventHandler
}

// RunResult summarizes a completed turn.
type RunResult struct {
	SessionID  string          `json:"sessionId"`
	ProviderID string          `json:"providerId"`
	Response   string          `json:"response"`
	Usage      providers.Usage `json:"usage"`
	ToolCalls  int             `json:"toolCalls"`
	Turns      int             `json:"turns"`
}

// maxInputChars caps one inbound message. Longer inputs are truncated with a
// notice so the model knows content went missing.
const maxInputChars = 32000

// repeatedFailureLimit aborts the loop after this many consecutive identical
// validation failures.
const repeatedFailureLimit = 3

// searchIntentPattern gates the auto-web heuristic.
var searchIntentPattern = regexp.MustCompile(`(?i)\b(search|news|today|latest|current|headlines|weather|look up)\b`)

var thinkingTagPattern = regexp.MustCompile(`(?is)<think>.*?</think>|<thinking>.*?</thinking>|<thought>.*?</thought>`)

const defaultSystemPrompt = "You are a helpful assistant operating behind the drost gateway. " +
	"Be direct and concise. Use the available tools when a task calls for reading files, " +
	"running commands, or searching the web."

// turn carries the loop state for one RunTurn call.
type turn struct {
	sessionID  string
	providerID string
	input      string
	images     []providers.ImageContent

	budget       int
	toolRuns     int
	autoWebTried bool

	failSig   string
	failCount int

	deltas    []string
	usage     providers.Usage
	estimated bool

	history []store.Message     // persisted history from prior turns
	pending []store.Message     // new messages, flushed at turn end
	convo   []providers.Message // this turn's wire exchanges after the user message

	onEvent   bus.EventHandler
	abortText string
}

// RunTurn executes one conversation turn: provider binding, the adapter/tool
// loop, stream event fan-out, and the history flush. It blocks until the
// loop terminates.
func (m *Manager) RunTurn(ctx context.Context, req RunRequest) (*RunResult, error) {
	ls, err := m.lookup(req.SessionID)
	if err != nil {
		return nil, err
	}
	if req.ProviderID != "" {
		if _, _, _, err := m.providers.Resolve(req.ProviderID); err != nil {
			return nil, err
		}
	}

	ls.mu.Lock()
	if ls.turnInProgress {
		sid := ls.rec.SessionID
		ls.mu.Unlock()
		return nil, protocol.E(protocol.CodeTurnInProgress, "session %q has a turn in progress", sid)
	}
	ls.turnInProgress = true
	switch {
	case req.ProviderID != "":
		ls.rec.ActiveProviderID = req.ProviderID
		ls.rec.PendingProviderID = ""
	case ls.rec.PendingProviderID != "":
		ls.rec.ActiveProviderID = ls.rec.PendingProviderID
		ls.rec.PendingProviderID = ""
	}
	if ls.rec.ActiveProviderID == "" {
		if chain := m.cfg.RouteChain(); len(chain) > 0 {
			ls.rec.ActiveProviderID = chain[0]
		}
	}
	sid := ls.rec.SessionID
	providerID := ls.rec.ActiveProviderID
	history := ls.rec.Clone().History
	skillMode := ls.rec.Metadata.SkillInjectionMode
	ls.mu.Unlock()

	defer func() {
		ls.mu.Lock()
		ls.turnInProgress = false
		ls.mu.Unlock()
	}()

	if providerID == "" {
		return nil, protocol.E(protocol.CodeUnknownProvider,
			"session %q has no provider bound and no route is configured", sid)
	}

	input := req.Input
	if utf8.RuneCountInString(input) > maxInputChars {
		runes := []rune(input)
		input = string(runes[:maxInputChars]) +
			fmt.Sprintf("\n[Input truncated from %d to %d characters]", len(runes), maxInputChars)
		slog.Warn("session.input.truncated", "session", sid, "chars", len(runes))
	}

	defaults := m.cfg.AgentDefaults()
	budget := req.MaxToolCalls
	if budget <= 0 {
		budget = defaults.ToolBudget()
	}
	if skillMode == "" {
		skillMode = defaults.InjectionMode()
	}

	wireImages, refs := m.normalizeImages(sid, req.Images)

	t := &turn{
		sessionID:  sid,
		providerID: providerID,
		input:      input,
		images:     wireImages,
		budget:     budget,
		history:    history,
		onEvent:    req.OnEvent,
	}
	t.pending = append(t.pending, store.Message{
		Role:      store.RoleUser,
		Content:   input,
		CreatedAt: m.now(),
		ImageRefs: refs,
	})

	ctx, span := tracing.StartTurn(ctx, sid, providerID)
	res, err := m.runLoop(ctx, ls, t, defaults, skillMode)
	tracing.EndWithError(span, err)
	return res, err
}

func (m *Manager) runLoop(ctx context.Context, ls *liveSession, t *turn, defaults config.AgentConfig, skillMode string) (*RunResult, error) {
	turns := 0
	for {
		turns++

		profile, _, caps, resolveErr := m.providers.Resolve(t.providerID)
		if resolveErr != nil {
			// Failover below may still serve the turn; text mode is the
			// floor every provider understands.
			caps = providers.Capabilities{}
		}
		defs := m.runtime.Definitions()
		native := caps.NativeToolCalls && len(defs) > 0

		preq := providers.TurnRequest{
			Messages:    m.buildConversation(t, defaults, defs, native, skillMode),
			MaxTokens:   defaults.CompletionCap(),
			Temperature: defaults.SamplingTemperature(),
			Stream:      true,
		}
		if native {
			preq.Tools = toolSpecs(defs)
		}

		t.deltas = t.deltas[:0]
		callCtx, callSpan := tracing.StartProviderCall(ctx, t.providerID, profile.Model)
		res, servedBy, err := m.providers.RunTurn(callCtx, t.sessionID, t.providerID, preq, func(chunk providers.StreamChunk) {
			if chunk.Delta == "" {
				return
			}
			t.deltas = append(t.deltas, chunk.Delta)
			m.emitTurn(t, protocol.EventResponseDelta, map[string]interface{}{"delta": chunk.Delta})
		})
		tracing.EndWithError(callSpan, err)
		if err != nil {
			m.emitTurn(t, protocol.EventProviderError, map[string]interface{}{
				"code":    providers.ErrorCode(err),
				"message": err.Error(),
			})
			m.flush(ls, t)
			return nil, err
		}
		if servedBy != "" && servedBy != t.providerID {
			m.rebindProvider(ls, t, servedBy)
		}
		m.accountUsage(t, preq.Messages, res)

		text := assembleText(t.deltas, res.Text)

		if native && len(res.NativeToolCalls) > 0 {
			if stop := m.runNativeCalls(ctx, t, res); stop {
				return m.finalize(ls, t, t.abortText, turns)
			}
			continue
		}

		if name, input, ok := parseToolCall(text); ok {
			if stop := m.runTextCall(ctx, t, text, name, input); stop {
				return m.finalize(ls, t, t.abortText, turns)
			}
			continue
		}

		if m.shouldAutoWeb(t) {
			m.runAutoWeb(ctx, t, text)
			continue
		}

		return m.finalize(ls, t, text, turns)
	}
}

// runNativeCalls records the call-list envelope and executes each call in
// order. Returns true when the turn must stop (budget or repeated failures).
func (m *Manager) runNativeCalls(ctx context.Context, t *turn, res *providers.TurnResult) bool {
	t.pending = append(t.pending, store.Message{
		Role:      store.RoleTool,
		Content:   encodeNativeCalls(res.NativeToolCalls),
		CreatedAt: m.now(),
	})
	t.convo = append(t.convo, providers.Message{
		Role:      "assistant",
		Content:   res.Text,
		ToolCalls: res.NativeToolCalls,
	})

	for _, call := range res.NativeToolCalls {
		if t.toolRuns >= t.budget {
			m.abortBudget(t)
			return true
		}
		input := call.Arguments
		if call.Name == "web" && len(input) == 0 {
			input = map[string]interface{}{"action": "search", "query": t.input}
		}
		out := m.runTool(ctx, t, call.Name, input)
		t.convo = append(t.convo, providers.Message{
			Role:       "tool",
			Content:    modelFacing(out),
			ToolCallID: call.ID,
		})
		if m.noteOutcome(t, call.Name, input, out) {
			return true
		}
	}
	return false
}

// runTextCall executes one TOOL_CALL directive parsed from assistant text.
// The raw assistant text stays in the wire conversation so the model sees
// its own directive, but only the result envelope is persisted.
func (m *Manager) runTextCall(ctx context.Context, t *turn, raw, name string, input map[string]interface{}) bool {
	if t.toolRuns >= t.budget {
		m.abortBudget(t)
		return true
	}
	t.convo = append(t.convo, providers.Message{Role: "assistant", Content: raw})
	if name == "web" && len(input) == 0 {
		input = map[string]interface{}{"action": "search", "query": t.input}
	}
	out := m.runTool(ctx, t, name, input)
	t.convo = append(t.convo, providers.Message{Role: "user", Content: encodeToolResult(out)})
	return m.noteOutcome(t, name, input, out)
}

func (m *Manager) runTool(ctx context.Context, t *turn, name string, input map[string]interface{}) tools.Outcome {
	out := m.runtime.Run(ctx, tools.RunRequest{
		SessionID:  t.sessionID,
		Tool:       name,
		Input:      input,
		ProviderID: t.providerID,
		OnEvent:    m.turnEventRelay(t),
	})
	t.toolRuns++
	t.pending = append(t.pending, store.Message{
		Role:      store.RoleTool,
		Content:   encodeToolResult(out),
		CreatedAt: m.now(),
	})
	return out
}

func (m *Manager) abortBudget(t *turn) {
	t.abortText = fmt.Sprintf("Tool call budget exceeded (%d)", t.budget)
	m.emitTurn(t, protocol.EventProviderError, map[string]interface{}{
		"code":    protocol.CodeBudgetExceeded,
		"message": t.abortText,
	})
}

// noteOutcome tracks consecutive identical validation failures. Returns true
// when the limit is reached and sets the loop-stop message.
func (m *Manager) noteOutcome(t *turn, name string, input map[string]interface{}, out tools.Outcome) bool {
	if out.Code != protocol.CodeValidationError {
		t.failSig, t.failCount = "", 0
		return false
	}
	sig := callSignature(name, input)
	if sig == t.failSig {
		t.failCount++
	} else {
		t.failSig, t.failCount = sig, 1
	}
	if t.failCount < repeatedFailureLimit {
		return false
	}
	t.abortText = fmt.Sprintf("Stopping: tool %q failed validation %d times in a row with the same input.",
		name, t.failCount)
	m.emitTurn(t, protocol.EventProviderError, map[string]interface{}{
		"code":    protocol.CodeValidationError,
		"message": t.abortText,
	})
	return true
}

func (m *Manager) shouldAutoWeb(t *turn) bool {
	if t.toolRuns > 0 || t.autoWebTried {
		return false
	}
	if !searchIntentPattern.MatchString(t.input) {
		return false
	}
	for _, d := range m.runtime.Definitions() {
		if d.Name == "web" {
			return true
		}
	}
	return false
}

// runAutoWeb synthesizes one web search for the user's text when the model
// answered a search-shaped question without using any tool.
func (m *Manager) runAutoWeb(ctx context.Context, t *turn, text string) {
	t.autoWebTried = true
	slog.Debug("session.autoweb", "session", t.sessionID, "query", t.input)
	if text != "" {
		t.convo = append(t.convo, providers.Message{Role: "assistant", Content: text})
	}
	out := m.runTool(ctx, t, "web", map[string]interface{}{"action": "search", "query": t.input})
	t.convo = append(t.convo, providers.Message{Role: "user", Content: encodeToolResult(out)})
}

func (m *Manager) rebindProvider(ls *liveSession, t *turn, servedBy string) {
	from := t.providerID
	t.providerID = servedBy
	ls.mu.Lock()
	ls.rec.ActiveProviderID = servedBy
	ls.mu.Unlock()
	slog.Info("session.provider.switched", "session", t.sessionID, "from", from, "to", servedBy)
	m.broadcast(protocol.EventProviderSwitched, t.sessionID, map[string]interface{}{
		"from":   from,
		"to":     servedBy,
		"reason": "failover",
	})
}

func (m *Manager) accountUsage(t *turn, sent []providers.Message, res *providers.TurnResult) {
	if res.Usage != nil {
		t.usage.PromptTokens += res.Usage.PromptTokens
		t.usage.CompletionTokens += res.Usage.CompletionTokens
		t.usage.TotalTokens += res.Usage.TotalTokens
		t.usage.CacheCreationTokens += res.Usage.CacheCreationTokens
		t.usage.CacheReadTokens += res.Usage.CacheReadTokens
	} else {
		prompt := estimateTokens(sent)
		completion := utf8.RuneCountInString(res.Text) / 3
		t.usage.PromptTokens += prompt
		t.usage.CompletionTokens += completion
		t.usage.TotalTokens += prompt + completion
		t.estimated = true
	}
	m.emitTurn(t, protocol.EventUsageUpdated, map[string]interface{}{
		"promptTokens":     t.usage.PromptTokens,
		"completionTokens": t.usage.CompletionTokens,
		"totalTokens":      t.usage.TotalTokens,
		"estimated":        t.estimated,
	})
}

func (m *Manager) finalize(ls *liveSession, t *turn, text string, turns int) (*RunResult, error) {
	text = sanitizeAssistant(text)
	t.pending = append(t.pending, store.Message{
		Role:      store.RoleAssistant,
		Content:   text,
		CreatedAt: m.now(),
	})
	m.emitTurn(t, protocol.EventResponseCompleted, map[string]interface{}{
		"text":       text,
		"providerId": t.providerID,
		"toolCalls":  t.toolRuns,
		"usage": map[string]interface{}{
			"promptTokens":     t.usage.PromptTokens,
			"completionTokens": t.usage.CompletionTokens,
			"totalTokens":      t.usage.TotalTokens,
			"estimated":        t.estimated,
		},
	})
	if err := m.flush(ls, t); err != nil {
		return nil, err
	}
	return &RunResult{
		SessionID:  t.sessionID,
		ProviderID: t.providerID,
		Response:   text,
		Usage:      t.usage,
		ToolCalls:  t.toolRuns,
		Turns:      turns,
	}, nil
}

// flush appends the turn's messages to the record and persists it. The
// transcript append is best-effort; the canonical record write is not.
func (m *Manager) flush(ls *liveSession, t *turn) error {
	if len(t.pending) == 0 {
		return nil
	}
	now := m.now()

	ls.mu.Lock()
	ls.rec.History = append(ls.rec.History, t.pending...)
	ls.rec.Metadata.LastActivityAt = now
	report, err := m.store.Save(ls.rec)
	ls.mu.Unlock()
	if err != nil {
		slog.Error("session.flush_failed", "session", t.sessionID, "error", err)
		return err
	}

	for _, msg := range t.pending {
		if terr := m.store.AppendTranscript(t.sessionID, msg.Role, msg.Content); terr != nil {
			slog.Debug("session.transcript.append_failed", "session", t.sessionID, "error", terr)
			break
		}
	}
	if report.Trimmed {
		m.broadcast(protocol.EventSessionTrimmed, t.sessionID, map[string]interface{}{
			"droppedMessages":   report.DroppedMessages,
			"droppedCharacters": report.DroppedCharacters,
		})
	}
	t.pending = nil
	return nil
}

// buildConversation assembles the wire messages for one adapter call:
// synthesized system preamble, prior history, the user message, then this
// turn's in-flight exchanges. Prior-turn tool envelopes replay as user text
// because their native call ids mean nothing to a fresh completion.
func (m *Manager) buildConversation(t *turn, defaults config.AgentConfig, defs []tools.Definition, native bool, skillMode string) []providers.Message {
	msgs := make([]providers.Message, 0, len(t.history)+len(t.convo)+2)
	if preamble := m.preamble(defaults, defs, native, skillMode); preamble != "" {
		msgs = append(msgs, providers.Message{Role: "system", Content: preamble})
	}
	for _, h := range t.history {
		role := h.Role
		if role == store.RoleTool {
			role = store.RoleUser
		}
		msgs = append(msgs, providers.Message{Role: role, Content: h.Content})
	}
	msgs = append(msgs, providers.Message{Role: "user", Content: t.input, Images: t.images})
	return append(msgs, t.convo...)
}

func (m *Manager) preamble(defaults config.AgentConfig, defs []tools.Definition, native bool, skillMode string) string {
	var b strings.Builder
	if defaults.SystemPrompt != "" {
		b.WriteString(defaults.SystemPrompt)
	} else {
		b.WriteString(defaultSystemPrompt)
	}
	if ws := m.cfg.WorkspacePath(); ws != "" {
		fmt.Fprintf(&b, "\n\nWorkspace: %s", ws)
	}

	if len(defs) > 0 {
		names := make([]string, len(defs))
		for i, d := range defs {
			names[i] = d.Name
		}
		fmt.Fprintf(&b, "\n\nAvailable tools: %s.", strings.Join(names, ", "))
		if !native {
			b.WriteString("\n\nTo call a tool, reply with a single line:\n")
			b.WriteString(`TOOL_CALL {"name":"<tool>","input":{...}}`)
			b.WriteString("\nThe result arrives as a TOOL_RESULT message. ")
			b.WriteString("Reply with plain text when no tool is needed.")
		}
	}

	if m.skills != nil && skillMode != "off" {
		if summary := m.skills.Summary(); summary != "" {
			b.WriteString("\n\n" + summary)
			if skillMode == "always" {
				b.WriteString("\n\n" + m.skills.Inline())
			}
		}
	}
	return b.String()
}

func (m *Manager) emitTurn(t *turn, name string, payload map[string]interface{}) {
	ev := bus.Event{Name: name, SessionID: t.sessionID, Payload: payload, At: m.now()}
	if m.events != nil {
		m.events.Broadcast(ev)
	}
	if t.onEvent != nil {
		t.onEvent(ev)
	}
	if name != protocol.EventResponseDelta {
		m.logEvent(t.sessionID, name, payload)
	}
}

// turnEventRelay mirrors tool runtime events to the submitter and the event
// log. The runtime broadcasts to the bus itself.
func (m *Manager) turnEventRelay(t *turn) bus.EventHandler {
	return func(ev bus.Event) {
		if t.onEvent != nil {
			t.onEvent(ev)
		}
		m.logEvent(t.sessionID, ev.Name, ev.Payload)
	}
}

func (m *Manager) logEvent(sessionID, name string, payload interface{}) {
	if err := m.store.AppendEvent(sessionID, name, payload); err != nil {
		slog.Debug("session.event_log.append_failed", "session", sessionID, "event", name, "error", err)
	}
}

// assembleText folds streamed deltas into the final text. A delta that
// extends everything received so far replaces the buffer instead of
// appending, which collapses providers that stream cumulative snapshots
// into the longest single message.
func assembleText(deltas []string, fallback string) string {
	if len(deltas) == 0 {
		return fallback
	}
	text := ""
	for _, d := range deltas {
		if strings.HasPrefix(d, text) {
			text = d
		} else {
			text += d
		}
	}
	return text
}

func sanitizeAssistant(s string) string {
	s = thinkingTagPattern.ReplaceAllString(s, "")
	s = strings.TrimSpace(s)
	if s == "" {
		return "..."
	}
	return s
}

func modelFacing(out tools.Outcome) string {
	if out.OK() {
		if out.Output == "" {
			return "(no output)"
		}
		return out.Output
	}
	return "Error: " + out.Err.Error()
}

func toolSpecs(defs []tools.Definition) []providers.ToolDef {
	specs := make([]providers.ToolDef, len(defs))
	for i, d := range defs {
		specs[i] = providers.ToolDef{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.Parameters,
		}
	}
	return specs
}

func estimateTokens(messages []providers.Message) int {
	total := 0
	for _, m := range messages {
		total += utf8.RuneCountInString(m.Content) / 3
	}
	return total
}
