// Package control serves the admin API on /control/v1: status and session
// reads, chat and tool mutations, the runtime event stream (SSE and
// websocket), and restart requests. It holds only narrow references to the
// gateway's subsystems so the lifecycle owner stays in charge of wiring.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
	"tailscale.com/tsnet"

	"github.com/drosthq/drost/internal/bus"
	"github.com/drosthq/drost/internal/config"
	"github.com/drosthq/drost/internal/orchestration"
	"github.com/drosthq/drost/internal/providers"
	"github.com/drosthq/drost/internal/session"
	"github.com/drosthq/drost/internal/store"
	"github.com/drosthq/drost/internal/tools"
	"github.com/drosthq/drost/internal/tracestore"
	"github.com/drosthq/drost/pkg/protocol"
)

// Supervisor is the gateway surface the control API needs: status, retention
// and restart. Defined here so the gateway can depend on control without a
// cycle.
type Supervisor interface {
	State() string
	StatusSnapshot() map[string]interface{}
	RetentionStatus() map[string]interface{}
	RequestRestart(ctx context.Context, intent, reason string) error
	// CheckRestart runs the restart policy without committing (dryRun).
	CheckRestart(intent, reason string) error
}

// Options wires the control server to the gateway's subsystems.
type Options struct {
	Config     *config.Config
	Events     bus.EventPublisher
	Supervisor Supervisor
	Sessions   *session.Manager
	Scheduler  *orchestration.Scheduler
	Providers  *providers.Manager
	Store      *store.SessionStore
	Runtime    *tools.Runtime
	Registry   *tools.Registry
	Traces     tracestore.Store
	Evolution  *tools.EvolutionManager
	Version    string
}

// Server is the control API server.
type Server struct {
	cfg        *config.Config
	events     bus.EventPublisher
	supervisor Supervisor
	sessions   *session.Manager
	sched      *orchestration.Scheduler
	providers  *providers.Manager
	store      *store.SessionStore
	runtime    *tools.Runtime
	registry   *tools.Registry
	traces     tracestore.Store
	evolution  *tools.EvolutionManager
	version    string

	upgrader websocket.Upgrader

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	clients map[*wsClient]bool
	closing chan struct{}

	mux        *http.ServeMux
	httpServer *http.Server
	listener   net.Listener
	tsServer   *tsnet.Server
}

// New builds a control server. Start must be called before it serves.
func New(opts Options) *Server {
	s := &Server{
		cfg:        opts.Config,
		events:     opts.Events,
		supervisor: opts.Supervisor,
		sessions:   opts.Sessions,
		sched:      opts.Scheduler,
		providers:  opts.Providers,
		store:      opts.Store,
		runtime:    opts.Runtime,
		registry:   opts.Registry,
		traces:     opts.Traces,
		evolution:  opts.Evolution,
		version:    opts.Version,
		buckets:    make(map[string]*rate.Limiter),
		clients:    make(map[*wsClient]bool),
		closing:    make(chan struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		// The control listener is loopback or token-gated; browser origin
		// checks add nothing here.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	return s
}

// Handler returns the route mux, building it on first use. Exposed so tests
// can drive the API through httptest without a listener.
func (s *Server) Handler() http.Handler {
	if s.mux == nil {
		s.mux = s.buildMux()
	}
	return s.mux
}

func (s *Server) buildMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("GET /control/v1/status", s.readAuth(s.handleStatus))
	mux.HandleFunc("GET /control/v1/sessions", s.readAuth(s.handleListSessions))
	mux.HandleFunc("GET /control/v1/sessions/{id}", s.readAuth(s.handleGetSession))
	mux.HandleFunc("GET /control/v1/orchestration/lanes", s.readAuth(s.handleLanes))
	mux.HandleFunc("GET /control/v1/providers", s.readAuth(s.handleProviders))
	mux.HandleFunc("GET /control/v1/retention", s.readAuth(s.handleRetention))
	mux.HandleFunc("GET /control/v1/tools", s.readAuth(s.handleTools))
	mux.HandleFunc("GET /control/v1/tools/traces", s.readAuth(s.handleTraces))
	mux.HandleFunc("GET /control/v1/events", s.readAuth(s.handleEvents))
	mux.HandleFunc("GET /control/v1/ws", s.handleWS)

	mux.HandleFunc("POST /control/v1/sessions", s.adminAuth(s.handleCreateSession))
	mux.HandleFunc("POST /control/v1/chat/send", s.adminAuth(s.handleChatSend))
	mux.HandleFunc("POST /control/v1/sessions/{id}/provider", s.adminAuth(s.handleSwitchProvider))
	mux.HandleFunc("POST /control/v1/sessions/{id}/rename", s.adminAuth(s.handleRenameSession))
	mux.HandleFunc("DELETE /control/v1/sessions/{id}", s.adminAuth(s.handleDeleteSession))
	mux.HandleFunc("POST /control/v1/sessions/{id}/export", s.adminAuth(s.handleExportSession))
	mux.HandleFunc("POST /control/v1/sessions/import", s.adminAuth(s.handleImportSession))
	mux.HandleFunc("POST /control/v1/tools/run", s.adminAuth(s.handleRunTool))
	mux.HandleFunc("POST /control/v1/evolution", s.adminAuth(s.handleEvolution))
	mux.HandleFunc("POST /control/v1/restart", s.adminAuth(s.handleRestart))

	return mux
}

// Start opens the listener and serves in the background. A listener failure
// is returned synchronously so the gateway can treat it as fatal.
func (s *Server) Start(ctx context.Context) error {
	ctl := s.cfg.ControlSettings()
	addr := fmt.Sprintf("%s:%d", ctl.Host, ctl.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("control listener on %s: %w", addr, err)
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("control.serve_failed", "error", err)
		}
	}()
	slog.Info("control.listening", "addr", ln.Addr().String())

	if ts := s.cfg.TailscaleSettings(); ts.Enabled {
		if err := s.startTailscale(ts); err != nil {
			// Tailnet exposure is additive; the local listener already runs.
			slog.Warn("control.tsnet_failed", "error", err)
		}
	}
	return nil
}

// startTailscale exposes the same mux on a tailnet via tsnet.
func (s *Server) startTailscale(ts config.TailscaleConfig) error {
	hostname := ts.Hostname
	if hostname == "" {
		hostname = "drost"
	}
	srv := &tsnet.Server{
		Hostname:  hostname,
		Dir:       config.ExpandHome(ts.StateDir),
		AuthKey:   ts.AuthKey,
		Ephemeral: ts.Ephemeral,
	}
	var (
		ln  net.Listener
		err error
	)
	if ts.EnableTLS {
		ln, err = srv.ListenTLS("tcp", ":443")
	} else {
		ln, err = srv.Listen("tcp", ":80")
	}
	if err != nil {
		srv.Close()
		return err
	}
	s.tsServer = srv
	go func() {
		if err := http.Serve(ln, s.Handler()); err != nil {
			slog.Warn("control.tsnet_serve_stopped", "error", err)
		}
	}()
	slog.Info("control.tsnet_listening", "hostname", hostname, "tls", ts.EnableTLS)
	return nil
}

// Addr returns the bound local address, useful when the configured port is 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown closes the event streams and drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	select {
	case <-s.closing:
	default:
		close(s.closing)
	}
	conns := make([]*wsClient, 0, len(s.clients))
	for c := range s.clients {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	if s.tsServer != nil {
		s.tsServer.Close()
	}
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

type principal int

const (
	principalNone principal = iota
	principalRead
	principalAdmin
)

// identify resolves the caller's privilege tier and a stable key for rate
// accounting. With no admin token configured every caller is an admin: the
// default listener binds loopback only.
func (s *Server) identify(r *http.Request) (principal, string) {
	ctl := s.cfg.ControlSettings()
	token := bearerToken(r)

	if ctl.AdminToken == "" {
		return principalAdmin, "open"
	}
	if token != "" && token == ctl.AdminToken {
		return principalAdmin, "admin"
	}
	if token != "" && ctl.ReadOnlyToken != "" && token == ctl.ReadOnlyToken {
		return principalRead, "readonly"
	}
	// The bypass covers token-less local tooling only. A caller that sent a
	// token asked to be judged by it.
	if token == "" && ctl.LoopbackBypass && isLoopback(r.RemoteAddr) {
		return principalAdmin, "loopback"
	}
	return principalNone, ""
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	// Query fallback for EventSource and websocket clients that cannot set
	// headers.
	return r.URL.Query().Get("token")
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// readAuth admits read-only and admin callers.
func (s *Server) readAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, _ := s.identify(r)
		if p < principalRead {
			writeError(w, http.StatusUnauthorized, protocol.CodeUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

// adminAuth admits admin callers and meters mutations per token.
func (s *Server) adminAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, key := s.identify(r)
		if p < principalAdmin {
			writeError(w, http.StatusUnauthorized, protocol.CodeUnauthorized, "admin token required")
			return
		}
		if isMutation(r.Method) && !s.allowMutation(key) {
			writeError(w, http.StatusTooManyRequests, protocol.CodeRateLimited, "mutation budget exhausted, retry later")
			return
		}
		next(w, r)
	}
}

func isMutation(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}

// allowMutation consumes one token from the caller's per-minute bucket.
func (s *Server) allowMutation(key string) bool {
	perMin := s.cfg.ControlSettings().MutationsPerMin
	if perMin <= 0 {
		return true
	}
	s.mu.Lock()
	limiter, ok := s.buckets[key]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(float64(perMin)/60.0), perMin)
		s.buckets[key] = limiter
	}
	s.mu.Unlock()
	return limiter.Allow()
}

// maxBody returns the request body cap.
func (s *Server) maxBody() int64 {
	if n := s.cfg.ControlSettings().MaxBodyBytes; n > 0 {
		return n
	}
	return 1 << 20
}

// decode parses a JSON request body under the size cap.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, into interface{}) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBody())).Decode(into)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, protocol.Fail(code, message))
}

// writeCodedError maps a coded failure onto an HTTP status and the uniform
// failure envelope, carrying validation issues through.
func writeCodedError(w http.ResponseWriter, err error) {
	code := protocol.CodeOf(err)
	writeJSON(w, statusFor(code), protocol.Result{
		Ok:      false,
		Code:    code,
		Message: err.Error(),
		Issues:  protocol.IssuesOf(err),
	})
}

func statusFor(code string) int {
	switch code {
	case protocol.CodeUnknownSession, protocol.CodeUnknownProvider,
		protocol.CodeToolNotFound, protocol.CodeNotFound:
		return http.StatusNotFound
	case protocol.CodeValidationError, protocol.CodeInvalidRequest:
		return http.StatusBadRequest
	case protocol.CodePolicyDenied, protocol.CodePathOutsideRoots:
		return http.StatusForbidden
	case protocol.CodeUnauthorized:
		return http.StatusUnauthorized
	case protocol.CodeTurnInProgress, protocol.CodeBusy, protocol.CodeLockConflict,
		protocol.CodeConflict, protocol.CodeStaleRevision, protocol.CodeCancelled:
		return http.StatusConflict
	case protocol.CodeRateLimited, protocol.CodeBudgetExceeded:
		return http.StatusTooManyRequests
	case protocol.CodeGatewayStopping:
		return http.StatusServiceUnavailable
	case protocol.CodeProviderTimeout:
		return http.StatusGatewayTimeout
	case protocol.CodeProviderTransport, protocol.CodeProviderAuth:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
