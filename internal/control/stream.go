package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/drosthq/drost/internal/bus"
	"github.com/drosthq/drost/internal/orchestration"
	"github.com/drosthq/drost/pkg/protocol"
)

// handleEvents streams runtime events as server-sent events. Slow consumers
// lose events rather than stalling the broadcaster.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, protocol.CodeInternal, "streaming unsupported")
		return
	}

	ch := make(chan bus.Event, 64)
	subID := "sse-" + uuid.NewString()
	s.events.Subscribe(subID, func(ev bus.Event) {
		select {
		case ch <- ev:
		default:
		}
	})
	defer s.events.Unsubscribe(subID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, ": drost %s\n\n", s.version)
	flusher.Flush()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.closing:
			return
		case ev := <-ch:
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, data)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		}
	}
}

// Websocket tuning, the usual gorilla pump numbers.
const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 50 * time.Second
)

// Frame is one websocket message in either direction. Type is a
// protocol.Frame* constant; the other fields are populated per type.
type Frame struct {
	Type       string          `json:"type"`
	SessionID  string          `json:"sessionId,omitempty"`
	Input      string          `json:"input,omitempty"`
	ProviderID string          `json:"providerId,omitempty"`
	Version    string          `json:"version,omitempty"`
	State      string          `json:"state,omitempty"`
	Response   string          `json:"response,omitempty"`
	Turns      int             `json:"turns,omitempty"`
	ToolCalls  int             `json:"toolCalls,omitempty"`
	Code       string          `json:"code,omitempty"`
	Message    string          `json:"message,omitempty"`
	Event      json.RawMessage `json:"event,omitempty"`
}

type wsClient struct {
	conn *websocket.Conn
	send chan Frame

	closeOnce sync.Once
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		c.conn.Close()
	})
}

// enqueue offers a frame to the client, dropping it when the client lags.
func (c *wsClient) enqueue(f Frame) {
	select {
	case c.send <- f:
	default:
	}
}

// handleWS upgrades to a websocket session: runtime events flow out as
// event frames, chat.send frames run turns through the lane scheduler.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	p, _ := s.identify(r)
	if p < principalAdmin {
		writeError(w, http.StatusUnauthorized, protocol.CodeUnauthorized, "admin token required")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("control.ws.upgrade_failed", "error", err)
		return
	}

	client := &wsClient{conn: conn, send: make(chan Frame, 64)}
	s.mu.Lock()
	s.clients[client] = true
	s.mu.Unlock()

	subID := "ws-" + uuid.NewString()
	s.events.Subscribe(subID, func(ev bus.Event) {
		data, err := json.Marshal(ev)
		if err != nil {
			return
		}
		client.enqueue(Frame{Type: protocol.FrameEvent, Event: data})
	})

	defer func() {
		s.events.Unsubscribe(subID)
		s.mu.Lock()
		delete(s.clients, client)
		s.mu.Unlock()
		client.close()
	}()

	client.enqueue(Frame{
		Type:    protocol.FrameHello,
		Version: s.version,
		State:   s.supervisor.State(),
	})

	go s.wsWriteLoop(client)
	s.wsReadLoop(client)
}

func (s *Server) wsWriteLoop(c *wsClient) {
	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteJSON(frame); err != nil {
				c.close()
				return
			}
		case <-ping.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-s.closing:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "gateway stopping"))
			c.close()
			return
		}
	}
}

func (s *Server) wsReadLoop(c *wsClient) {
	c.conn.SetReadLimit(s.maxBody())
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		var frame Frame
		if err := c.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("control.ws.read_failed", "error", err)
			}
			return
		}
		switch frame.Type {
		case protocol.FrameChatSend:
			go s.wsChatSend(c, frame)
		default:
			c.enqueue(Frame{
				Type:    protocol.FrameError,
				Code:    protocol.CodeInvalidRequest,
				Message: fmt.Sprintf("unknown frame type %q", frame.Type),
			})
		}
	}
}

// wsChatSend runs one chat turn for a websocket client. Stream deltas reach
// the client through its event subscription; this only reports the terminal
// result.
func (s *Server) wsChatSend(c *wsClient, frame Frame) {
	if strings.TrimSpace(frame.SessionID) == "" || strings.TrimSpace(frame.Input) == "" {
		c.enqueue(Frame{
			Type:      protocol.FrameError,
			SessionID: frame.SessionID,
			Code:      protocol.CodeInvalidRequest,
			Message:   "chat.send needs sessionId and input",
		})
		return
	}
	if _, err := s.sessions.EnsureSession(frame.SessionID, frame.ProviderID, nil); err != nil {
		c.enqueue(Frame{
			Type:      protocol.FrameError,
			SessionID: frame.SessionID,
			Code:      protocol.CodeOf(err),
			Message:   err.Error(),
		})
		return
	}

	// The turn is decoupled from the socket: a client that disconnects
	// mid-turn still gets its work finished and persisted.
	outcome := <-s.sched.Submit(context.Background(), orchestration.Submission{
		SessionID:  frame.SessionID,
		Input:      frame.Input,
		ProviderID: frame.ProviderID,
	})
	if outcome.Err != nil {
		c.enqueue(Frame{
			Type:      protocol.FrameError,
			SessionID: frame.SessionID,
			Code:      protocol.CodeOf(outcome.Err),
			Message:   outcome.Err.Error(),
		})
		return
	}
	res := outcome.Result
	c.enqueue(Frame{
		Type:       protocol.FrameChatDone,
		SessionID:  res.SessionID,
		ProviderID: res.ProviderID,
		Response:   res.Response,
		Turns:      res.Turns,
		ToolCalls:  res.ToolCalls,
	})
}
