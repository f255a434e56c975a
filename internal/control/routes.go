package control

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/drosthq/drost/internal/orchestration"
	"github.com/drosthq/drost/internal/session"
	"github.com/drosthq/drost/internal/store"
	"github.com/drosthq/drost/internal/tools"
	"github.com/drosthq/drost/pkg/protocol"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"version": s.version,
		"state":   s.supervisor.State(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.supervisor.StatusSnapshot()
	snap["ok"] = true
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	infos := s.sessions.ListSessions()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":       true,
		"count":    len(infos),
		"sessions": infos,
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	rec, err := s.sessions.Describe(r.PathValue("id"))
	if err != nil {
		writeCodedError(w, err)
		return
	}
	resp := map[string]interface{}{
		"ok":               true,
		"sessionId":        rec.SessionID,
		"activeProviderId": rec.ActiveProviderID,
		"revision":         rec.Revision,
		"updatedAt":        rec.UpdatedAt,
		"metadata":         rec.Metadata,
		"historyCount":     len(rec.History),
	}
	if rec.PendingProviderID != "" {
		resp["pendingProviderId"] = rec.PendingProviderID
	}
	if r.URL.Query().Get("history") == "1" {
		resp["history"] = rec.History
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLanes(w http.ResponseWriter, r *http.Request) {
	lanes := s.sched.Lanes()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":    true,
		"count": len(lanes),
		"lanes": lanes,
	})
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":        true,
		"route":     s.cfg.RouteChain(),
		"providers": s.providers.Statuses(),
	})
}

func (s *Server) handleRetention(w http.ResponseWriter, r *http.Request) {
	status := s.supervisor.RetentionStatus()
	status["ok"] = true
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":    true,
		"tools": s.runtime.Definitions(),
		"stale": s.registry.Stale(),
	})
}

func (s *Server) handleTraces(w http.ResponseWriter, r *http.Request) {
	if s.traces == nil {
		writeError(w, http.StatusServiceUnavailable, protocol.CodeInternal, "trace store unavailable")
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, protocol.CodeInvalidRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	if limit > 500 {
		limit = 500
	}
	records, err := s.traces.List(r.Context(), r.URL.Query().Get("sessionId"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, protocol.CodeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":     true,
		"count":  len(records),
		"traces": records,
	})
}

type createSessionRequest struct {
	SessionID     string `json:"sessionId,omitempty"`
	ProviderID    string `json:"providerId,omitempty"`
	Title         string `json:"title,omitempty"`
	Channel       string `json:"channel,omitempty"`
	FromSessionID string `json:"fromSessionId,omitempty"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, protocol.CodeInvalidRequest, "invalid JSON body")
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	if req.FromSessionID != "" {
		s.forkSession(w, req)
		return
	}

	var meta *store.Metadata
	if req.Title != "" || req.Channel != "" {
		meta = &store.Metadata{Title: req.Title}
		if req.Channel != "" {
			meta.Origin = &store.Origin{Channel: req.Channel}
		}
	}
	rec, err := s.sessions.EnsureSession(req.SessionID, req.ProviderID, meta)
	if err != nil {
		writeCodedError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"ok":               true,
		"sessionId":        rec.SessionID,
		"activeProviderId": rec.ActiveProviderID,
		"createdAt":        rec.Metadata.CreatedAt,
	})
}

// forkSession seeds a new session with a copy of an existing one's history.
func (s *Server) forkSession(w http.ResponseWriter, req createSessionRequest) {
	src, err := s.store.Export(req.FromSessionID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	now := time.Now().UTC()
	src.SessionID = req.SessionID
	src.PendingProviderID = ""
	src.Metadata.CreatedAt = now
	src.Metadata.LastActivityAt = now
	if req.Title != "" {
		src.Metadata.Title = req.Title
	}
	if req.Channel != "" {
		src.Metadata.Origin = &store.Origin{Channel: req.Channel}
	}
	if req.ProviderID != "" {
		src.ActiveProviderID = req.ProviderID
	}
	if err := s.store.Import(src, false); err != nil {
		writeStoreError(w, err)
		return
	}
	rec, err := s.sessions.HydrateSession(req.SessionID)
	if err != nil {
		writeCodedError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"ok":               true,
		"sessionId":        rec.SessionID,
		"activeProviderId": rec.ActiveProviderID,
		"forkedFrom":       req.FromSessionID,
		"historyCount":     len(rec.History),
		"createdAt":        rec.Metadata.CreatedAt,
	})
}

type imagePayload struct {
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Data     []byte `json:"data"`
}

type chatSendRequest struct {
	SessionID  string         `json:"sessionId"`
	Input      string         `json:"input"`
	ProviderID string         `json:"providerId,omitempty"`
	Title      string         `json:"title,omitempty"`
	Images     []imagePayload `json:"images,omitempty"`
}

func (s *Server) handleChatSend(w http.ResponseWriter, r *http.Request) {
	var req chatSendRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, protocol.CodeInvalidRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.SessionID) == "" {
		writeError(w, http.StatusBadRequest, protocol.CodeInvalidRequest, "sessionId is required")
		return
	}
	if strings.TrimSpace(req.Input) == "" && len(req.Images) == 0 {
		writeError(w, http.StatusBadRequest, protocol.CodeInvalidRequest, "input is required")
		return
	}

	var meta *store.Metadata
	if req.Title != "" {
		meta = &store.Metadata{Title: req.Title}
	}
	if _, err := s.sessions.EnsureSession(req.SessionID, req.ProviderID, meta); err != nil {
		writeCodedError(w, err)
		return
	}

	images := make([]session.InputImage, 0, len(req.Images))
	for _, img := range req.Images {
		images = append(images, session.InputImage{
			Name:     img.Name,
			MimeType: img.MimeType,
			Data:     img.Data,
		})
	}

	outcome := <-s.sched.Submit(r.Context(), orchestration.Submission{
		SessionID:  req.SessionID,
		Input:      req.Input,
		Images:     images,
		ProviderID: req.ProviderID,
	})
	if outcome.Err != nil {
		writeCodedError(w, outcome.Err)
		return
	}
	res := outcome.Result
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":         true,
		"sessionId":  res.SessionID,
		"providerId": res.ProviderID,
		"response":   res.Response,
		"usage":      res.Usage,
		"toolCalls":  res.ToolCalls,
		"turns":      res.Turns,
	})
}

type switchProviderRequest struct {
	ProviderID string `json:"providerId"`
}

func (s *Server) handleSwitchProvider(w http.ResponseWriter, r *http.Request) {
	var req switchProviderRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, protocol.CodeInvalidRequest, "invalid JSON body")
		return
	}
	if req.ProviderID == "" {
		writeError(w, http.StatusBadRequest, protocol.CodeInvalidRequest, "providerId is required")
		return
	}
	id := r.PathValue("id")
	if err := s.sessions.QueueProviderSwitch(id, req.ProviderID); err != nil {
		writeCodedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":                true,
		"sessionId":         id,
		"pendingProviderId": req.ProviderID,
	})
}

type renameSessionRequest struct {
	ToID string `json:"toId"`
}

func (s *Server) handleRenameSession(w http.ResponseWriter, r *http.Request) {
	var req renameSessionRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, protocol.CodeInvalidRequest, "invalid JSON body")
		return
	}
	if req.ToID == "" {
		writeError(w, http.StatusBadRequest, protocol.CodeInvalidRequest, "toId is required")
		return
	}
	fromID := r.PathValue("id")
	if err := s.sessions.RenameSession(fromID, req.ToID); err != nil {
		writeCodedError(w, err)
		return
	}
	// The old lane keys on the retired id; drop it so stale queue entries
	// cannot run against a gone session.
	s.sched.Forget(fromID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":          true,
		"sessionId":   req.ToID,
		"renamedFrom": fromID,
	})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.sessions.DeleteSession(id); err != nil {
		writeCodedError(w, err)
		return
	}
	s.sched.Forget(id)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"deleted": id,
	})
}

func (s *Server) handleExportSession(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.Export(r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":     true,
		"record": rec,
	})
}

type importSessionRequest struct {
	Record    *store.SessionRecord `json:"record"`
	Overwrite bool                 `json:"overwrite,omitempty"`
}

func (s *Server) handleImportSession(w http.ResponseWriter, r *http.Request) {
	var req importSessionRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, protocol.CodeInvalidRequest, "invalid JSON body")
		return
	}
	if req.Record == nil || req.Record.SessionID == "" {
		writeError(w, http.StatusBadRequest, protocol.CodeInvalidRequest, "record with a sessionId is required")
		return
	}
	if err := s.store.Import(req.Record, req.Overwrite); err != nil {
		writeStoreError(w, err)
		return
	}
	// A re-imported session must not serve stale in-memory state.
	if _, err := s.sessions.HydrateSession(req.Record.SessionID); err != nil {
		writeCodedError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"ok":        true,
		"sessionId": req.Record.SessionID,
	})
}

// writeStoreError maps the store's sentinel errors onto protocol codes.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, protocol.CodeUnknownSession, err.Error())
	case errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, protocol.CodeConflict, err.Error())
	case errors.Is(err, store.ErrLockConflict):
		writeError(w, http.StatusConflict, protocol.CodeLockConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, protocol.CodeInternal, err.Error())
	}
}

type runToolRequest struct {
	SessionID  string                 `json:"sessionId,omitempty"`
	Tool       string                 `json:"tool"`
	Input      map[string]interface{} `json:"input"`
	ProviderID string                 `json:"providerId,omitempty"`
}

func (s *Server) handleRunTool(w http.ResponseWriter, r *http.Request) {
	var req runToolRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, protocol.CodeInvalidRequest, "invalid JSON body")
		return
	}
	if req.Tool == "" {
		writeError(w, http.StatusBadRequest, protocol.CodeInvalidRequest, "tool is required")
		return
	}
	if req.SessionID == "" {
		req.SessionID = "control"
	}
	outcome := s.runtime.Run(r.Context(), tools.RunRequest{
		SessionID:  req.SessionID,
		Tool:       req.Tool,
		Input:      req.Input,
		ProviderID: req.ProviderID,
	})
	if outcome.Err != nil {
		writeCodedError(w, outcome.Err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":         true,
		"callId":     outcome.CallID,
		"tool":       outcome.Tool,
		"output":     outcome.Output,
		"durationMs": outcome.Duration.Milliseconds(),
	})
}

type evolutionRequest struct {
	Action        string `json:"action"`
	SessionID     string `json:"sessionId,omitempty"`
	TransactionID string `json:"transactionId,omitempty"`
	TotalSteps    int    `json:"totalSteps,omitempty"`
	Note          string `json:"note,omitempty"`
	Summary       string `json:"summary,omitempty"`
	Reason        string `json:"reason,omitempty"`
	Restart       bool   `json:"restart,omitempty"`
}

func (s *Server) handleEvolution(w http.ResponseWriter, r *http.Request) {
	if s.evolution == nil {
		writeError(w, http.StatusServiceUnavailable, protocol.CodeInternal, "evolution manager unavailable")
		return
	}
	var req evolutionRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, protocol.CodeInvalidRequest, "invalid JSON body")
		return
	}

	var (
		state interface{}
		err   error
	)
	switch req.Action {
	case "begin":
		state, err = s.evolution.Begin(req.SessionID, req.TotalSteps)
	case "step":
		state, err = s.evolution.Step(req.TransactionID, req.Note)
	case "commit":
		state, err = s.evolution.Commit(r.Context(), req.TransactionID, req.Summary, req.Restart)
	case "abort":
		state, err = s.evolution.Abort(req.TransactionID, req.Reason)
	default:
		writeError(w, http.StatusBadRequest, protocol.CodeInvalidRequest, "action must be one of begin, step, commit, abort")
		return
	}
	if err != nil {
		writeCodedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":    true,
		"state": state,
	})
}

type restartRequest struct {
	Intent string `json:"intent"`
	Reason string `json:"reason,omitempty"`
	DryRun bool   `json:"dryRun,omitempty"`
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	var req restartRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, protocol.CodeInvalidRequest, "invalid JSON body")
		return
	}
	if req.DryRun {
		if err := s.supervisor.CheckRestart(req.Intent, req.Reason); err != nil {
			writeCodedError(w, err)
			return
		}
	} else {
		if err := s.supervisor.RequestRestart(r.Context(), req.Intent, req.Reason); err != nil {
			writeCodedError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"ok":        true,
		"intent":    req.Intent,
		"dryRun":    req.DryRun,
		"scheduled": !req.DryRun,
	})
}
