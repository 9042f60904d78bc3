package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/termgate/termgate/internal/config"
	"github.com/termgate/termgate/internal/protocol"
	"github.com/termgate/termgate/internal/term"
)

// nullBackend satisfies term.Backend without a process behind it.
type nullBackend struct {
	rows, cols uint16

	mu        sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
	blocked   chan struct{}
}

func newNullBackend(rows, cols uint16) *nullBackend {
	return &nullBackend{rows: rows, cols: cols, done: make(chan struct{}), blocked: make(chan struct{})}
}

func (b *nullBackend) Read(p []byte) (int, error) {
	<-b.blocked
	return 0, io.EOF
}

func (b *nullBackend) Write(p []byte) (int, error) { return len(p), nil }

func (b *nullBackend) Resize(rows, cols uint16) error {
	b.mu.Lock()
	b.rows, b.cols = rows, cols
	b.mu.Unlock()
	return nil
}

func (b *nullBackend) Done() <-chan struct{} { return b.done }

func (b *nullBackend) Close() error {
	b.closeOnce.Do(func() { close(b.blocked) })
	return nil
}

func testSettings(t *testing.T) config.Settings {
	return config.Settings{
		Shell:        "/bin/bash",
		TransferDir:  t.TempDir(),
		CookieName:   "termgate-session",
		CookieMaxAge: 120,
	}
}

// newTestServer wires a Server with an in-memory backend factory and
// records the geometry each backend was started with.
func newTestServer(t *testing.T) (*Server, *httptest.Server, func() [][2]uint16) {
	t.Helper()
	var mu sync.Mutex
	var started [][2]uint16
	srv := New(testSettings(t), Options{
		Backends: func(shell string, rows, cols uint16) (term.Backend, error) {
			if shell != "/bin/bash" {
				t.Errorf("backend started with shell %q", shell)
			}
			mu.Lock()
			started = append(started, [2]uint16{rows, cols})
			mu.Unlock()
			return newNullBackend(rows, cols), nil
		},
	})
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return srv, ts, func() [][2]uint16 {
		mu.Lock()
		defer mu.Unlock()
		out := make([][2]uint16, len(started))
		copy(out, started)
		return out
	}
}

func dialWS(t *testing.T, ts *httptest.Server, query string, header http.Header) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/terminal/ws"
	if query != "" {
		u += "?" + query
	}
	conn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestHealth(t *testing.T) {
	_, ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	var body struct {
		Status   string `json:"status"`
		Sessions int    `json:"sessions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "healthy" || body.Sessions != 0 {
		t.Fatalf("body %+v", body)
	}
}

func TestHandshakeGeometry(t *testing.T) {
	srv, ts, started := newTestServer(t)

	dialWS(t, ts, "rows=40&cols=100", nil)
	waitFor(t, "session registration", func() bool { return srv.Registry().Count() == 1 })

	if got := started(); len(got) != 1 || got[0] != [2]uint16{40, 100} {
		t.Fatalf("backend geometry %v, want [[40 100]]", got)
	}
	sess := srv.Registry().List()[0]
	if r, c := sess.Size(); r != 40 || c != 100 {
		t.Fatalf("session size %dx%d", r, c)
	}
}

func TestHandshakeDefaultGeometry(t *testing.T) {
	srv, ts, started := newTestServer(t)

	dialWS(t, ts, "", nil)
	waitFor(t, "session registration", func() bool { return srv.Registry().Count() == 1 })

	if got := started(); len(got) != 1 || got[0] != [2]uint16{term.DefaultRows, term.DefaultCols} {
		t.Fatalf("backend geometry %v, want defaults", got)
	}
}

func TestSessionListAndClose(t *testing.T) {
	srv, ts, _ := newTestServer(t)

	conn := dialWS(t, ts, "rows=24&cols=80", nil)
	waitFor(t, "session registration", func() bool { return srv.Registry().Count() == 1 })

	resp, err := http.Get(ts.URL + "/terminal/sessions")
	if err != nil {
		t.Fatal(err)
	}
	var body struct {
		Sessions []struct {
			ID    string `json:"id"`
			State string `json:"state"`
			Rows  uint16 `json:"rows"`
			Cols  uint16 `json:"cols"`
		} `json:"sessions"`
	}
	err = json.NewDecoder(resp.Body).Decode(&body)
	resp.Body.Close()
	if err != nil {
		t.Fatal(err)
	}
	if len(body.Sessions) != 1 {
		t.Fatalf("listed %d sessions", len(body.Sessions))
	}
	got := body.Sessions[0]
	if got.State != "open" || got.Rows != 24 || got.Cols != 80 {
		t.Fatalf("session entry %+v", got)
	}

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/terminal/sessions/"+got.ID, nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status %d", resp.StatusCode)
	}

	// The peer observes the close and the registry drains.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, _, err := conn.Read(ctx); err == nil {
		t.Fatal("connection still open after server close")
	}
	waitFor(t, "registry drain", func() bool { return srv.Registry().Count() == 0 })
}

func TestCloseUnknownSession(t *testing.T) {
	_, ts, _ := newTestServer(t)
	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/terminal/sessions/nope", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d, want 404", resp.StatusCode)
	}
}

func TestKeepaliveReissuesRequestCookie(t *testing.T) {
	_, ts, _ := newTestServer(t)

	header := http.Header{}
	header.Set("Cookie", "termgate-session=abc123")
	conn := dialWS(t, ts, "set_cookie_interval=1", header)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	f, err := protocol.Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if f.Type != protocol.TypeSetCookie {
		t.Fatalf("got %s frame, want set-cookie", f.Type)
	}
	directive, err := f.Text()
	if err != nil {
		t.Fatal(err)
	}
	want := "termgate-session=abc123; path=/; Max-Age=120"
	if directive != want {
		t.Fatalf("directive %q, want %q", directive, want)
	}
}

func TestRequestCookieSource(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/terminal/ws", nil)
	req.Header.Set("Cookie", "termgate-session=abc123")
	src := requestCookieSource(req, "termgate-session", 120)
	if src == nil {
		t.Fatal("no source for a request carrying the cookie")
	}
	directive, err := src.Refresh()
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if directive != "termgate-session=abc123; path=/; Max-Age=120" {
		t.Fatalf("directive %q", directive)
	}

	// No cookie on the upgrade request means nothing to refresh: the
	// keepalive must be disabled rather than push an empty credential.
	bare := httptest.NewRequest(http.MethodGet, "/terminal/ws", nil)
	if src := requestCookieSource(bare, "termgate-session", 120); src != nil {
		t.Fatalf("source issued without a cookie: %v", src)
	}

	empty := httptest.NewRequest(http.MethodGet, "/terminal/ws", nil)
	empty.Header.Set("Cookie", "termgate-session=")
	if src := requestCookieSource(empty, "termgate-session", 120); src != nil {
		t.Fatalf("source issued for an empty cookie value: %v", src)
	}
}

func TestAuthMiddlewareGuardsRoutes(t *testing.T) {
	srv := New(testSettings(t), Options{
		Backends: func(shell string, rows, cols uint16) (term.Backend, error) {
			return newNullBackend(rows, cols), nil
		},
		Auth: func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Header.Get("X-Token") != "secret" {
					http.Error(w, "unauthorized", http.StatusUnauthorized)
					return
				}
				next.ServeHTTP(w, r)
			})
		},
	})
	ts := httptest.NewServer(srv.Routes())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/health", nil)
	req.Header.Set("X-Token", "secret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("authenticated status %d, want 200", resp.StatusCode)
	}
}
