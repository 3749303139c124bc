// Package apiserver wires the daemon's HTTP/SSE/WebSocket surface:
// route dispatch, bearer authentication, per-session rate limiting,
// and new-session creation against the mux manager and terminal
// bridge.
package apiserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/coder/websocket"

	"github.com/loppo-llc/relayd/internal/auth"
	"github.com/loppo-llc/relayd/internal/lock"
	"github.com/loppo-llc/relayd/internal/mux"
	"github.com/loppo-llc/relayd/internal/pathguard"
	"github.com/loppo-llc/relayd/internal/ratelimit"
	"github.com/loppo-llc/relayd/internal/registry"
	"github.com/loppo-llc/relayd/internal/terminal"
)

const attachRequestTimeout = 10 * time.Second

type Config struct {
	Addr        string
	Version     string
	CLIName     string
	OriginHosts []string
}

// Server owns the stdlib HTTP server and every route handler. It is
// a thin composition layer: all real behavior lives in the
// components it holds a reference to.
type Server struct {
	cfg Config

	auth      *auth.Authenticator
	registry  *registry.Registry
	mux       *mux.Manager
	bridge    *terminal.Bridge
	discovery changeSubscriber
	locks     *lock.Map
	rate      *ratelimit.Limiter
	guard     *pathguard.Guard
	logger    *slog.Logger

	httpSrv   *http.Server
	startedAt time.Time
}

// changeSubscriber is the slice of discovery.Manager the SSE handler
// needs; narrowed to an interface so apiserver does not otherwise
// depend on discovery internals.
type changeSubscriber interface {
	Subscribe() chan struct{}
	Unsubscribe(chan struct{})
}

func New(cfg Config, a *auth.Authenticator, reg *registry.Registry, m *mux.Manager, b *terminal.Bridge, d changeSubscriber, locks *lock.Map, rate *ratelimit.Limiter, guard *pathguard.Guard, logger *slog.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		auth:      a,
		registry:  reg,
		mux:       m,
		bridge:    b,
		discovery: d,
		locks:     locks,
		rate:      rate,
		guard:     guard,
		logger:    logger,
		startedAt: time.Now(),
	}

	router := http.NewServeMux()
	router.HandleFunc("GET /api/status", s.handleStatus)
	router.HandleFunc("GET /api/sessions", s.requireAuth(s.handleListSessions))
	router.HandleFunc("GET /api/sessions/stream", s.requireAuth(s.handleStream))
	router.HandleFunc("GET /api/sessions/{id}", s.requireAuth(s.handleGetSession))
	router.HandleFunc("POST /api/sessions/{id}/attach", s.requireAuth(s.handleAttach))
	router.HandleFunc("POST /api/sessions/{id}/kill", s.requireAuth(s.handleKillSession))
	router.HandleFunc("POST /api/sessions/kill-all", s.requireAuth(s.handleKillAll))
	router.HandleFunc("GET /api/projects", s.requireAuth(s.handleProjects))
	router.HandleFunc("GET /api/directories", s.requireAuth(s.handleDirectories))
	router.HandleFunc("POST /api/sessions/new", s.requireAuth(s.handleNewSession))
	router.HandleFunc("GET /terminal/{id}", s.handleTerminal)

	s.httpSrv = &http.Server{Addr: cfg.Addr, Handler: router}
	return s
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.auth.Authorize(r) {
			writeError(w, http.StatusUnauthorized, ErrUnauthorized, "missing or invalid bearer credential", "Supply a valid Authorization: Bearer <psk> header.")
			return
		}
		next(w, r)
	}
}

func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// Serve runs the HTTP server on a caller-supplied listener, so
// Config/Bootstrap can choose between a plain TCP listener and a
// tsnet-managed one.
func (s *Server) Serve(ln net.Listener) error {
	err := s.httpSrv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.bridge.Stop()
	return s.httpSrv.Shutdown(ctx)
}

type statusResponse struct {
	Version         string              `json:"version"`
	APIVersion      int                 `json:"apiVersion"`
	Claude          string              `json:"claude"`
	ActiveSessions  int                 `json:"activeSessions"`
	TmuxSessions    []tmuxSessionStatus `json:"tmuxSessions"`
	UptimeSeconds   float64             `json:"uptime"`
}

type tmuxSessionStatus struct {
	SessionID string `json:"sessionId"`
	Attached  bool   `json:"attached"`
	Created   string `json:"created"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	owned, _ := s.mux.ListOwned(r.Context())
	tsessions := make([]tmuxSessionStatus, 0, len(owned))
	active := 0
	for _, o := range owned {
		tsessions = append(tsessions, tmuxSessionStatus{
			SessionID: o.SessionID,
			Attached:  o.Window.Attached,
			Created:   o.Window.Created.UTC().Format(time.RFC3339),
		})
		if s.bridge.IsConnected(o.SessionID) {
			active++
		}
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Version:        s.cfg.Version,
		APIVersion:     1,
		Claude:         s.cfg.CLIName,
		ActiveSessions: active,
		TmuxSessions:   tsessions,
		UptimeSeconds:  time.Since(s.startedAt).Seconds(),
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	views, err := s.registry.ListSessions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrUnknown, err.Error(), "")
		return
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !auth.ValidSessionID(id) {
		writeError(w, http.StatusBadRequest, ErrInvalidSessionID, "session id must be a canonical UUID v4", "")
		return
	}
	view, ok, err := s.registry.GetSession(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrUnknown, err.Error(), "")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, ErrNotFound, "no such session", "")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, ErrUnknown, "streaming unsupported", "")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sendSnapshot := func() {
		views, err := s.registry.ListSessions(r.Context())
		if err != nil {
			return
		}
		data, _ := json.Marshal(views)
		fmt.Fprintf(w, "event: sessions\ndata: %s\n\n", data)
		flusher.Flush()
	}
	sendSnapshot()

	changes := s.discovery.Subscribe()
	defer s.discovery.Unsubscribe(changes)

	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-changes:
			sendSnapshot()
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

type attachResponse struct {
	WSURL       string `json:"wsUrl"`
	TmuxSession string `json:"tmuxSession"`
	Existed     bool   `json:"existed"`
	AttachToken string `json:"attachToken"`
}

func (s *Server) handleAttach(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !auth.ValidSessionID(id) {
		writeError(w, http.StatusBadRequest, ErrInvalidSessionID, "session id must be a canonical UUID v4", "")
		return
	}
	if !s.rate.Allow(id) {
		writeError(w, http.StatusTooManyRequests, ErrRateLimited, "attach attempted too soon after the previous one", "Wait a few seconds before retrying.")
		return
	}

	projectPath, _ := s.registry.ProjectPathOf(id)

	ctx, cancel := context.WithTimeout(r.Context(), attachRequestTimeout)
	defer cancel()

	var windowName, token string
	var existed bool
	var attachErr error
	lockErr := s.locks.Acquire(id, func() error {
		windowName, existed, attachErr = s.mux.Attach(ctx, id, projectPath)
		if attachErr == nil {
			token = s.auth.Generate(id)
		}
		return nil
	})
	if lockErr != nil {
		writeError(w, http.StatusInternalServerError, ErrUnknown, lockErr.Error(), "")
		return
	}
	if attachErr != nil {
		s.writeAttachError(w, attachErr)
		return
	}

	writeJSON(w, http.StatusOK, attachResponse{
		WSURL:       "/terminal/" + id,
		TmuxSession: windowName,
		Existed:     existed,
		AttachToken: token,
	})
}

func (s *Server) writeAttachError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, mux.ErrSessionAttached):
		writeError(w, http.StatusConflict, ErrSessionAttached, err.Error(), attachConflictAction(ErrSessionAttached))
	case errors.Is(err, mux.ErrSessionConflict):
		writeError(w, http.StatusConflict, ErrSessionConflict, err.Error(), attachConflictAction(ErrSessionConflict))
	case errors.Is(err, mux.ErrMaxSessions):
		writeError(w, http.StatusConflict, ErrMaxSessions, err.Error(), attachConflictAction(ErrMaxSessions))
	default:
		writeError(w, http.StatusInternalServerError, ErrUnknown, err.Error(), "")
	}
}

type killResponse struct {
	Success bool `json:"success"`
	Existed bool `json:"existed"`
}

func (s *Server) handleKillSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !auth.ValidSessionID(id) {
		writeError(w, http.StatusBadRequest, ErrInvalidSessionID, "session id must be a canonical UUID v4", "")
		return
	}
	windowName := s.mux.WindowName(id)
	existed := s.mux.HasWindow(r.Context(), windowName)
	if err := s.mux.KillSession(r.Context(), windowName); err != nil {
		writeError(w, http.StatusInternalServerError, ErrUnknown, err.Error(), "")
		return
	}
	writeJSON(w, http.StatusOK, killResponse{Success: true, Existed: existed})
}

type killAllResponse struct {
	Success bool `json:"success"`
	Killed  int  `json:"killed"`
}

func (s *Server) handleKillAll(w http.ResponseWriter, r *http.Request) {
	killed, err := s.mux.KillAllOwned(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrUnknown, err.Error(), "")
		return
	}
	writeJSON(w, http.StatusOK, killAllResponse{Success: true, Killed: killed})
}

func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.GroupedByProject())
}

type directoryEntry struct {
	Name  string `json:"name"`
	Path  string `json:"path"`
	Group string `json:"group"`
}

func (s *Server) handleDirectories(w http.ResponseWriter, r *http.Request) {
	entries := make([]directoryEntry, 0)
	for _, root := range s.guard.Roots() {
		group := filepath.Base(root)
		children, err := os.ReadDir(root)
		if err != nil {
			continue
		}
		for _, c := range children {
			if !c.IsDir() {
				continue
			}
			entries = append(entries, directoryEntry{
				Name:  c.Name(),
				Path:  filepath.Join(root, c.Name()),
				Group: group,
			})
		}
	}
	writeJSON(w, http.StatusOK, entries)
}

type newSessionRequest struct {
	ProjectPath string `json:"projectPath"`
}

type newSessionResponse struct {
	SessionID   string `json:"sessionId"`
	TmuxSession string `json:"tmuxSession"`
	AttachToken string `json:"attachToken"`
}

func (s *Server) handleNewSession(w http.ResponseWriter, r *http.Request) {
	var req newSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrInvalidPath, "malformed request body", "")
		return
	}

	resolved, err := s.guard.Validate(req.ProjectPath)
	if err != nil {
		writeError(w, http.StatusForbidden, ErrForbidden, "path is not under a configured project root", "")
		return
	}
	if !pathguard.IsDir(resolved) {
		writeError(w, http.StatusNotFound, ErrDirNotFound, "path does not exist or is not a directory", "")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), attachRequestTimeout)
	defer cancel()

	sessionID, windowName, err := s.mux.CreateNew(ctx, resolved)
	if err != nil {
		s.writeAttachError(w, err)
		return
	}

	token := s.auth.Generate(sessionID)
	writeJSON(w, http.StatusOK, newSessionResponse{
		SessionID:   sessionID,
		TmuxSession: windowName,
		AttachToken: token,
	})
}

func (s *Server) handleTerminal(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !auth.ValidSessionID(id) {
		writeError(w, http.StatusBadRequest, ErrInvalidSessionID, "session id must be a canonical UUID v4", "")
		return
	}

	token := r.URL.Query().Get("token")
	switch s.auth.Consume(token, id) {
	case auth.ConsumeOK:
	case auth.ConsumeExpired:
		writeError(w, http.StatusUnauthorized, ErrUnauthorized, "attach token expired", "Call attach again to mint a fresh token.")
		return
	default:
		writeError(w, http.StatusUnauthorized, ErrUnauthorized, "invalid attach token", "Call attach again to mint a fresh token.")
		return
	}

	cols := queryUint16(r, "cols", 80)
	rows := queryUint16(r, "rows", 24)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.OriginHosts,
	})
	if err != nil {
		s.logger.Warn("terminal: websocket accept failed", "err", err)
		return
	}
	conn.SetReadLimit(1 << 20)

	windowName := s.mux.WindowName(id)
	s.mux.DisableStatusBar(r.Context(), windowName)
	argv := s.mux.AttachCommand(windowName)

	if err := s.bridge.Attach(context.Background(), id, windowName, argv, conn, cols, rows); err != nil {
		s.logger.Warn("terminal: attach failed", "session", id, "err", err)
	}
}

func queryUint16(r *http.Request, key string, fallback uint16) uint16 {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseUint(raw, 10, 16)
	if err != nil {
		return fallback
	}
	return uint16(v)
}
