// Package session owns the server side of one terminal channel: a
// WebSocket connection multiplexing keystroke I/O, resize events, a
// cookie-refresh side-channel and chunked file uploads onto a single
// PTY-backed session.
//
// Concurrency model: one reader goroutine drains inbound frames and
// dispatches by type; long-running I/O (PTY writes, upload sink writes)
// is handed off to per-session workers so the reader keeps draining the
// connection. Exactly one writer goroutine serializes every outbound
// frame, whatever produced it.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/termgate/termgate/internal/protocol"
	"github.com/termgate/termgate/internal/term"
	"github.com/termgate/termgate/internal/transfer"
)

// State is the lifecycle state of a session.
type State string

const (
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateClosing    State = "closing"
	StateClosed     State = "closed"
)

// CookieSource produces the credential-refresh directive pushed over the
// keepalive side-channel. The directive is opaque to this package.
type CookieSource interface {
	Refresh() (string, error)
}

// writeTimeout bounds a single frame write so a dead peer cannot wedge
// the writer while it flushes during Closing.
const writeTimeout = 10 * time.Second

// inputQueueDepth and chunkQueueDepth size the hand-off queues between
// the reader and the PTY/transfer workers.
const (
	inputQueueDepth = 256
	chunkQueueDepth = 16
)

// Options configures a session.
type Options struct {
	// CookieInterval is the cadence of set-cookie keepalive frames.
	// Zero disables the keepalive.
	CookieInterval time.Duration
	// Cookies supplies the refresh directive. Required when
	// CookieInterval is non-zero.
	Cookies CookieSource
	// IdleTimeout closes a session with no inbound frames for this long.
	// Zero disables the idle ceiling.
	IdleTimeout time.Duration
	// TransferDir is where uploaded files land.
	TransferDir string
	// Log defaults to a nop logger.
	Log *zap.SugaredLogger
}

// Session is one open terminal channel. It owns the connection, the
// backend and every in-flight transfer; all of it is released when the
// channel closes.
type Session struct {
	ID        string
	CreatedAt time.Time

	conn    *websocket.Conn
	backend term.Backend
	recv    *transfer.Receiver
	log     *zap.SugaredLogger
	opts    Options

	out    chan protocol.Frame
	input  chan []byte
	chunks chan protocol.FileChunk

	cancel context.CancelFunc

	mu           sync.Mutex
	state        State
	rows, cols   uint16
	lastActivity time.Time
	idle         bool

	done chan struct{}
}

// New wraps an accepted connection and a started backend into a session
// with the given initial geometry. The session is in StateConnecting
// until Run is called.
func New(conn *websocket.Conn, backend term.Backend, rows, cols uint16, opts Options) *Session {
	if opts.Log == nil {
		opts.Log = zap.NewNop().Sugar()
	}
	return &Session{
		ID:           uuid.NewString(),
		CreatedAt:    time.Now(),
		conn:         conn,
		backend:      backend,
		recv:         transfer.NewReceiver(opts.TransferDir, opts.Log),
		log:          opts.Log,
		opts:         opts,
		out:          make(chan protocol.Frame, 64),
		input:        make(chan []byte, inputQueueDepth),
		chunks:       make(chan protocol.FileChunk, chunkQueueDepth),
		state:        StateConnecting,
		rows:         rows,
		cols:         cols,
		lastActivity: time.Now(),
		done:         make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Size returns the most recently applied terminal geometry.
func (s *Session) Size() (rows, cols uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows, s.cols
}

func (s *Session) setSize(rows, cols uint16) {
	s.mu.Lock()
	s.rows, s.cols = rows, cols
	s.mu.Unlock()
}

// LastActivity returns when the last inbound frame arrived.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) markIdle() {
	s.mu.Lock()
	s.idle = true
	s.mu.Unlock()
}

func (s *Session) idleTimedOut() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idle
}

// Done is closed once the session has fully released its resources.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close asks the session to shut down from outside (registry close,
// daemon shutdown). The teardown itself happens inside Run.
func (s *Session) Close(reason string) {
	s.conn.Close(websocket.StatusGoingAway, reason)
}

// Run drives the session until the channel closes. It blocks; the caller
// owns the goroutine. The returned error is nil for a normal close by
// either side and describes the protocol or transport failure otherwise.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	defer cancel()

	s.setState(StateOpen)
	s.log.Infof("session %s: open, geometry %dx%d", s.ID, s.rows, s.cols)

	var writerWG, prodWG sync.WaitGroup

	writerWG.Add(1)
	go func() {
		defer writerWG.Done()
		s.writeLoop()
	}()

	prodWG.Add(1)
	go func() {
		defer prodWG.Done()
		s.backendReadLoop(ctx)
	}()

	prodWG.Add(1)
	go func() {
		defer prodWG.Done()
		s.transferWorker(ctx)
	}()

	if s.opts.CookieInterval > 0 && s.opts.Cookies != nil {
		prodWG.Add(1)
		go func() {
			defer prodWG.Done()
			s.keepaliveLoop(ctx)
		}()
	}

	if s.opts.IdleTimeout > 0 {
		prodWG.Add(1)
		go func() {
			defer prodWG.Done()
			s.idleWatchdog(ctx)
		}()
	}

	inputDone := make(chan struct{})
	go s.inputPump(inputDone)

	// The backend exiting (shell exit) ends the session.
	go func() {
		select {
		case <-s.backend.Done():
			s.conn.Close(websocket.StatusNormalClosure, "shell exited")
			cancel()
		case <-ctx.Done():
		}
	}()

	err := s.readLoop(ctx)

	// Closing: the reader is done, so no new work arrives. Stop the
	// producers, let the writer flush what is already queued, then
	// release everything.
	s.setState(StateClosing)
	cancel()
	close(s.input)
	close(s.chunks)
	s.backend.Close()
	prodWG.Wait()
	close(s.out)
	writerWG.Wait()
	<-inputDone

	s.setState(StateClosed)
	close(s.done)

	if err != nil {
		s.log.Warnf("session %s: closed: %v", s.ID, err)
	} else {
		s.log.Infof("session %s: closed", s.ID)
	}
	return err
}

// readLoop drains inbound frames and dispatches them until the transport
// closes, a fatal decode error occurs, or the idle watchdog closed the
// connection.
func (s *Session) readLoop(ctx context.Context) error {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			if s.idleTimedOut() {
				return fmt.Errorf("idle for %s, session abandoned", s.opts.IdleTimeout)
			}
			// Transport closed, by either side. Normal termination.
			return nil
		}
		s.touch()

		f, err := protocol.Decode(data)
		if errors.Is(err, protocol.ErrUnknownFrameType) {
			// Forward compatibility: new frame types are not fatal.
			s.log.Warnf("session %s: discarding frame: %v", s.ID, err)
			continue
		}
		if err != nil {
			// Framing is no longer reliable.
			s.conn.Close(websocket.StatusProtocolError, "frame decode failed")
			return err
		}
		if err := s.dispatch(ctx, f); err != nil {
			s.conn.Close(websocket.StatusProtocolError, "malformed payload")
			return err
		}
	}
}

// dispatch routes one decoded frame to its handler. A returned error is
// fatal to the session (the envelope decoded but its payload did not,
// so framing trust is gone).
func (s *Session) dispatch(ctx context.Context, f protocol.Frame) error {
	switch f.Type {
	case protocol.TypeTerminalWrite:
		data, err := f.Bytes()
		if err != nil {
			return err
		}
		if len(data) > term.MaxInputMessageSize {
			s.log.Warnf("session %s: input message of %d bytes dropped (limit %d)",
				s.ID, len(data), term.MaxInputMessageSize)
			return nil
		}
		select {
		case s.input <- data:
		case <-ctx.Done():
		}

	case protocol.TypeTerminalResize:
		p, err := f.Resize()
		if err != nil {
			return err
		}
		if p.Rows <= 0 || p.Cols <= 0 {
			return nil
		}
		// Applied in receipt order, no deduplication, no ack.
		rows, cols := term.ClampSize(p.Rows, p.Cols)
		if err := s.backend.Resize(rows, cols); err != nil {
			s.log.Warnf("session %s: resize to %dx%d failed: %v", s.ID, rows, cols, err)
			return nil
		}
		s.setSize(rows, cols)

	case protocol.TypeFileTransfer:
		c, err := f.FileChunk()
		if err != nil {
			return err
		}
		select {
		case s.chunks <- c:
		case <-ctx.Done():
		}

	default:
		// Known type that this side never receives (e.g. terminal-read).
		s.log.Warnf("session %s: unexpected %s frame from peer, discarding", s.ID, f.Type)
	}
	return nil
}

// writeLoop is the single outbound writer. It drains s.out until the
// channel is closed, so frames queued before Closing still get flushed.
// After a write failure it keeps draining and discarding so producers
// never block on a dead connection.
func (s *Session) writeLoop() {
	failed := false
	for f := range s.out {
		if failed {
			continue
		}
		b, err := protocol.Encode(f)
		if err != nil {
			s.log.Errorf("session %s: dropping unencodable %s frame: %v", s.ID, f.Type, err)
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

// send queues an outbound frame, giving up when the session is tearing
// down.
func (s *Session) send(ctx context.Context, f protocol.Frame) {
	select {
	case s.out <- f:
	case <-ctx.Done():
	}
}

// backendReadLoop relays rendered output from the backend to the peer,
// verbatim and in order.
func (s *Session) backendReadLoop(ctx context.Context) {
	buf := make([]byte, term.ReadBlockSize)
	for {
		n, err := s.backend.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			f, ferr := protocol.NewData(protocol.TypeTerminalRead, data)
			if ferr != nil {
				s.log.Errorf("session %s: encode terminal-read: %v", s.ID, ferr)
				return
			}
			s.send(ctx, f)
		}
		if err != nil {
			return
		}
	}
}

// inputPump forwards keystroke bytes to the backend so slow backend
// writes never stall the connection reader.
func (s *Session) inputPump(done chan<- struct{}) {
	defer close(done)
	for data := range s.input {
		if _, err := s.backend.Write(data); err != nil {
			// Keep draining so the reader never blocks on hand-off.
			for range s.input {
			}
			return
		}
	}
}

// transferWorker applies upload chunks off the reader goroutine and
// reports each transfer's single result frame. Chunks arriving after the
// session left StateOpen are refused; in-flight transfers are discarded
// on exit, never resumed.
func (s *Session) transferWorker(ctx context.Context) {
	defer s.recv.DiscardAll()
	for c := range s.chunks {
		if s.State() != StateOpen {
			continue
		}
		res := s.recv.Apply(c)
		if res == nil {
			continue
		}
		f, err := protocol.New(protocol.TypeFileTransferResult, res)
		if err != nil {
			s.log.Errorf("session %s: encode transfer result: %v", s.ID, err)
			continue
		}
		s.send(ctx, f)
	}
}

// idleWatchdog closes the connection once no inbound frame has arrived
// for the idle ceiling. It must not run the timeout through the read
// context: expiring a read tears the transport down uncleanly, while
// closing a healthy connection here lets the peer observe a going-away
// handshake.
func (s *Session) idleWatchdog(ctx context.Context) {
	for {
		remaining := s.opts.IdleTimeout - time.Since(s.LastActivity())
		if remaining <= 0 {
			s.markIdle()
			s.conn.Close(websocket.StatusGoingAway, "idle timeout")
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(remaining):
		}
	}
}

// keepaliveLoop pushes a refreshed session credential at the negotiated
// cadence while the session is open. No acknowledgment is expected; a
// peer that fails to apply it only loses its external session, never the
// channel.
func (s *Session) keepaliveLoop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.CookieInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cookie, err := s.opts.Cookies.Refresh()
			if err != nil {
				s.log.Warnf("session %s: cookie refresh failed: %v", s.ID, err)
				continue
			}
			f, err := protocol.New(protocol.TypeSetCookie, cookie)
			if err != nil {
				s.log.Errorf("session %s: encode set-cookie: %v", s.ID, err)
				continue
			}
			s.send(ctx, f)
		}
	}
}
