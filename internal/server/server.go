// Package server exposes the terminal channel over HTTP: the WebSocket
// upgrade endpoint, a health check and the session list/close endpoints.
// Authentication policy lives outside this layer; the embedder installs
// it as middleware via Options.Auth.
package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/termgate/termgate/internal/config"
	"github.com/termgate/termgate/internal/session"
	"github.com/termgate/termgate/internal/term"
)

// readLimit is the maximum inbound WebSocket message size. Upload chunks
// are 100000 bytes plus envelope overhead, well under this.
const readLimit = 1024 * 1024

// BackendFactory starts the backing process for a new session. The
// default starts a PTY; tests substitute an in-memory backend.
type BackendFactory func(shell string, rows, cols uint16) (term.Backend, error)

// CookieSourceFactory builds the per-session keepalive credential source
// from the upgrade request. The default re-issues the request's session
// cookie with a refreshed Max-Age.
type CookieSourceFactory func(r *http.Request) session.CookieSource

// Options customizes a Server beyond its Settings.
type Options struct {
	Log      *zap.SugaredLogger
	Auth     func(http.Handler) http.Handler
	Backends BackendFactory
	Cookies  CookieSourceFactory
}

// Server wires the session registry into an HTTP surface.
type Server struct {
	cfg      config.Settings
	log      *zap.SugaredLogger
	registry *session.Registry
	auth     func(http.Handler) http.Handler
	backends BackendFactory
	cookies  CookieSourceFactory
}

// New creates a Server around the given settings.
func New(cfg config.Settings, opts Options) *Server {
	log := opts.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	s := &Server{
		cfg:      cfg,
		log:      log,
		registry: session.NewRegistry(log),
		auth:     opts.Auth,
		backends: opts.Backends,
		cookies:  opts.Cookies,
	}
	if s.backends == nil {
		s.backends = func(shell string, rows, cols uint16) (term.Backend, error) {
			return term.StartPTY(shell, rows, cols, "")
		}
	}
	if s.cookies == nil {
		s.cookies = func(r *http.Request) session.CookieSource {
			return requestCookieSource(r, cfg.CookieName, cfg.CookieMaxAge)
		}
	}
	return s
}

// Registry exposes the live session index (used by the daemon shutdown
// path and by tests).
func (s *Server) Registry() *session.Registry { return s.registry }

// Routes builds the chi router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	if s.auth != nil {
		r.Use(s.auth)
	}
	r.Get("/health", s.handleHealth)
	r.Get("/terminal/ws", s.handleTerminalWS)
	r.Get("/terminal/sessions", s.handleListSessions)
	r.Delete("/terminal/sessions/{id}", s.handleCloseSession)
	return r
}

// handleTerminalWS performs the channel handshake and runs the session
// to completion on the request goroutine.
//
// Query parameters:
//   - set_cookie_interval: seconds between keepalive set-cookie frames
//     (0 or absent disables them)
//   - rows, cols: initial terminal geometry (defaults 30x120)
func (s *Server) handleTerminalWS(w http.ResponseWriter, r *http.Request) {
	rows, cols := term.ClampSize(queryInt(r, "rows"), queryInt(r, "cols"))
	cookieInterval := time.Duration(queryInt(r, "set_cookie_interval")) * time.Second

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.log.Warnf("terminal: websocket accept failed: %v", err)
		return
	}
	conn.SetReadLimit(readLimit)

	backend, err := s.backends(s.cfg.Shell, rows, cols)
	if err != nil {
		s.log.Errorf("terminal: failed to start backend: %v", err)
		conn.Close(4500, "failed to start shell")
		return
	}

	transferDir := s.cfg.TransferDir
	if transferDir == "" {
		if p, ok := backend.(*term.PTY); ok {
			transferDir = p.Dir()
		}
	}

	sess := session.New(conn, backend, rows, cols, session.Options{
		CookieInterval: cookieInterval,
		Cookies:        s.cookies(r),
		IdleTimeout:    s.cfg.SessionIdleTimeout,
		TransferDir:    transferDir,
		Log:            s.log,
	})
	s.registry.Add(sess)
	defer s.registry.Remove(sess.ID)

	sess.Run(r.Context())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "healthy",
		"sessions": s.registry.Count(),
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	type sessionResponse struct {
		ID        string `json:"id"`
		State     string `json:"state"`
		Rows      uint16 `json:"rows"`
		Cols      uint16 `json:"cols"`
		CreatedAt string `json:"created_at"`
	}

	sessions := s.registry.List()
	resp := make([]sessionResponse, len(sessions))
	for i, sess := range sessions {
		rows, cols := sess.Size()
		resp[i] = sessionResponse{
			ID:        sess.ID,
			State:     string(sess.State()),
			Rows:      rows,
			Cols:      cols,
			CreatedAt: sess.CreatedAt.UTC().Format(time.RFC3339),
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": resp})
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.registry.CloseSession(id); err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

// requestCookieSource re-issues the session cookie carried on the
// upgrade request with a refreshed Max-Age, the directive format the
// outer cookie layer expects. The session identifier itself is minted by
// the external authentication layer before the channel opens; a request
// with no cookie has nothing to refresh, so the keepalive is disabled
// (nil source).
func requestCookieSource(r *http.Request, name string, maxAge int) session.CookieSource {
	c, err := r.Cookie(name)
	if err != nil || c.Value == "" {
		return nil
	}
	value := c.Value
	return cookieSourceFunc(func() (string, error) {
		return name + "=" + value + "; path=/; Max-Age=" + strconv.Itoa(maxAge), nil
	})
}

type cookieSourceFunc func() (string, error)

func (f cookieSourceFunc) Refresh() (string, error) { return f() }

func queryInt(r *http.Request, key string) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return 0
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
