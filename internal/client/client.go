// Package client implements the initiating end of a terminal channel:
// it dials the daemon, relays keystrokes and rendered output, applies
// pushed cookie refreshes, and drives file uploads.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/termgate/termgate/internal/protocol"
	"github.com/termgate/termgate/internal/transfer"
)

// ErrClosed is returned by writes after the session has shut down.
var ErrClosed = errors.New("session closed")

const writeTimeout = 10 * time.Second

// Options configures a dialed session.
type Options struct {
	// Rows and Cols are the initial geometry sent on the handshake.
	Rows, Cols int
	// SetCookieInterval asks the server for a keepalive set-cookie frame
	// every this many seconds. Zero disables the keepalive.
	SetCookieInterval int
	// HTTPClient carries the authenticated cookie jar. The channel is
	// authenticated by the external session layer before it opens.
	HTTPClient *http.Client
	// Output receives rendered terminal output verbatim, in arrival
	// order. Defaults to io.Discard.
	Output io.Writer
	// ApplyCookie receives each pushed credential-refresh directive.
	// The default stores it into HTTPClient's cookie jar.
	ApplyCookie func(directive string)
	// Log defaults to a nop logger.
	Log *zap.SugaredLogger
}

// Session is one open channel from the client side.
type Session struct {
	conn   *websocket.Conn
	origin *url.URL
	opts   Options
	log    *zap.SugaredLogger

	out    chan protocol.Frame
	cancel context.CancelFunc
	done   chan struct{}

	// writeMu orders producer frames against teardown: once closed is
	// set, out is closed and no producer may send on it.
	writeMu sync.Mutex
	closed  bool
}

// Dial opens a terminal channel against a termgate daemon. rawURL points
// at the upgrade endpoint (e.g. ws://host:8044/terminal/ws); geometry
// and keepalive parameters are appended as query parameters.
func Dial(ctx context.Context, rawURL string, opts Options) (*Session, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	if opts.Rows > 0 {
		q.Set("rows", strconv.Itoa(opts.Rows))
	}
	if opts.Cols > 0 {
		q.Set("cols", strconv.Itoa(opts.Cols))
	}
	if opts.SetCookieInterval > 0 {
		q.Set("set_cookie_interval", strconv.Itoa(opts.SetCookieInterval))
	}
	u.RawQuery = q.Encode()

	if opts.Log == nil {
		opts.Log = zap.NewNop().Sugar()
	}
	if opts.Output == nil {
		opts.Output = io.Discard
	}

	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPClient: opts.HTTPClient,
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u.Host, err)
	}
	conn.SetReadLimit(1024 * 1024)

	s := &Session{
		conn:   conn,
		origin: u,
		opts:   opts,
		log:    opts.Log,
		out:    make(chan protocol.Frame, 64),
		done:   make(chan struct{}),
	}
	if s.opts.ApplyCookie == nil {
		s.opts.ApplyCookie = s.applyCookieToJar
	}
	return s, nil
}

// Run relays frames until the channel closes. Nil for a normal close.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	defer cancel()

	var writerWG sync.WaitGroup
	writerWG.Add(1)
	go func() {
		defer writerWG.Done()
		s.writeLoop()
	}()

	err := s.readLoop(ctx)

	cancel()
	s.writeMu.Lock()
	s.closed = true
	close(s.out)
	s.writeMu.Unlock()
	writerWG.Wait()
	close(s.done)
	return err
}

// Close shuts the channel down from the local side.
func (s *Session) Close() {
	s.conn.Close(websocket.StatusNormalClosure, "")
}

// Done is closed when Run has finished.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) readLoop(ctx context.Context) error {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			// Transport closed; the presentation layer shows a
			// disconnect state and stops accepting input.
			return nil
		}

		f, err := protocol.Decode(data)
		if errors.Is(err, protocol.ErrUnknownFrameType) {
			s.log.Warnf("client: discarding frame: %v", err)
			continue
		}
		if err != nil {
			s.conn.Close(websocket.StatusProtocolError, "frame decode failed")
			return err
		}

		switch f.Type {
		case protocol.TypeTerminalRead:
			out, err := f.Bytes()
			if err != nil {
				return err
			}
			if _, err := s.opts.Output.Write(out); err != nil {
				return fmt.Errorf("write output: %w", err)
			}

		case protocol.TypeSetCookie:
			directive, err := f.Text()
			if err != nil {
				return err
			}
			s.opts.ApplyCookie(directive)

		case protocol.TypeFileTransferResult:
			res, err := f.TransferResult()
			if err != nil {
				return err
			}
			s.handleTransferResult(res)

		default:
			s.log.Warnf("client: unexpected %s frame from server, discarding", f.Type)
		}
	}
}

func (s *Session) writeLoop() {
	failed := false
	for f := range s.out {
		if failed {
			continue
		}
		b, err := protocol.Encode(f)
		if err != nil {
			s.log.Errorf("client: dropping unencodable %s frame: %v", f.Type, err)
			continue
		}
		wctx, wcancel := context.WithTimeout(context.Background(), writeTimeout)
		err = s.conn.Write(wctx, websocket.MessageBinary, b)
		wcancel()
		if err != nil {
			failed = true
			if s.cancel != nil {
				s.cancel()
			}
		}
	}
	s.conn.Close(websocket.StatusNormalClosure, "")
}

// WriteFrame queues one frame on the single outbound writer. It
// implements transfer.FrameWriter. The writer drains the queue until
// teardown closes it, so this never blocks indefinitely.
func (s *Session) WriteFrame(f protocol.Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.out <- f
	return nil
}

// Write sends keystroke bytes as a terminal-write frame, verbatim. It
// implements io.Writer so the local TTY can be copied straight in.
func (s *Session) Write(p []byte) (int, error) {
	data := make([]byte, len(p))
	copy(data, p)
	f, err := protocol.NewData(protocol.TypeTerminalWrite, data)
	if err != nil {
		return 0, err
	}
	if err := s.WriteFrame(f); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Resize notifies the server of a new local terminal geometry. Stale
// notifications are harmless; the server applies them in receipt order.
func (s *Session) Resize(rows, cols int) error {
	f, err := protocol.New(protocol.TypeTerminalResize, protocol.ResizePayload{Rows: rows, Cols: cols})
	if err != nil {
		return err
	}
	return s.WriteFrame(f)
}

// Upload streams the file at path to the session's backing process. The
// result arrives asynchronously as a file-transfer-result frame.
func (s *Session) Upload(path string) (string, error) {
	return transfer.Send(s, path)
}

// handleTransferResult surfaces a failed upload and, on success, inserts
// the stored path into the terminal input followed by one cursor-left
// per character, leaving the cursor positioned for editing.
func (s *Session) handleTransferResult(res protocol.TransferResult) {
	if res.Error != nil {
		fmt.Fprintf(s.opts.Output, "\r\ntermgate: upload failed: %s\r\n", *res.Error)
		return
	}
	if res.Result == nil {
		return
	}
	if _, err := s.Write(InsertSequence(res.Result.Path)); err != nil {
		s.log.Warnf("client: path insertion failed: %v", err)
	}
}

// InsertSequence builds the byte sequence typed into the terminal after
// a successful upload: the path itself, then one cursor-left control
// sequence per character.
func InsertSequence(path string) []byte {
	var b strings.Builder
	b.WriteString(path)
	for range []rune(path) {
		b.WriteString("\x1b[D")
	}
	return []byte(b.String())
}

// applyCookieToJar parses a pushed Set-Cookie style directive and stores
// it in the HTTP client's jar for the channel origin, keeping plain HTTP
// calls alive past the external credential expiry.
func (s *Session) applyCookieToJar(directive string) {
	if s.opts.HTTPClient == nil || s.opts.HTTPClient.Jar == nil {
		return
	}
	resp := http.Response{Header: http.Header{"Set-Cookie": []string{directive}}}
	cookies := resp.Cookies()
	if len(cookies) == 0 {
		s.log.Warnf("client: unparseable cookie directive")
		return
	}
	httpOrigin := &url.URL{Scheme: "http", Host: s.origin.Host}
	if s.origin.Scheme == "wss" || s.origin.Scheme == "https" {
		httpOrigin.Scheme = "https"
	}
	s.opts.HTTPClient.Jar.SetCookies(httpOrigin, cookies)
}
