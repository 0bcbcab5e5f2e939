// Package session owns a single outbound connection lifecycle: dialing,
// the reader loop, a queued writer and the idle timer.
//
// A session reports what happens to its connection through Events and
// never decides what to do about it; that is the engine's job.  Every
// session posts exactly one Closed event, after which it posts nothing.
package session

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/valyala/bytebufferpool"

	tcperrors "tcpreq/internal/errors"
	"tcpreq/internal/metrics"
	"tcpreq/internal/transport"
	"tcpreq/util"
)

// Events receives notifications from a session's goroutines.  Every
// call carries the session ID so receivers can ignore stale sessions.
type Events interface {
	Connected(id uint64)
	Data(id uint64, chunk []byte)
	Ended(id uint64)
	Failed(id uint64, err error)
	Idle(id uint64)
	Closed(id uint64)
}

// Config holds per-session settings.
type Config struct {
	Address     string
	IdleTimeout time.Duration // 0 disables the idle timer
	Logger      *util.Logger
	Metrics     *metrics.Collector
}

// Session is one connection attempt to one destination.  Sessions are
// never reused: a retry builds a new one.
type Session struct {
	ID   uint64
	Addr string

	dialer  transport.Dialer
	events  Events
	idle    time.Duration
	logger  *util.Logger
	metrics *metrics.Collector

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	conn      net.Conn
	idleTimer *time.Timer
	destroyed bool
	ending    bool

	writerQueue []*bytebufferpool.ByteBuffer
	writerCond  sync.Cond
	writerDone  bool
}

// New prepares a session.  Nothing happens on the network until Start.
func New(id uint64, dialer transport.Dialer, events Events, cfg Config) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = util.Discard()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:      id,
		Addr:    cfg.Address,
		dialer:  dialer,
		events:  events,
		idle:    cfg.IdleTimeout,
		logger:  logger.With("dest", cfg.Address),
		metrics: cfg.Metrics,
		ctx:     ctx,
		cancel:  cancel,
	}
	s.writerCond.L = &s.mu
	return s
}

// Start arms the idle timer and begins dialing in the background.  The
// idle timer covers the dial as well, so a hung connect counts as idle.
func (s *Session) Start() {
	s.mu.Lock()
	if s.idle > 0 {
		s.idleTimer = time.AfterFunc(s.idle, s.fireIdle)
	}
	s.mu.Unlock()
	go s.run()
}

// Write queues payload for the writer goroutine and reports whether it
// was queued.  The bytes are copied, so the caller may reuse payload.
// Writes after End or Destroy are discarded and return false.
func (s *Session) Write(payload []byte) bool {
	s.mu.Lock()
	if s.destroyed || s.ending {
		s.mu.Unlock()
		return false
	}
	buf := bytebufferpool.Get()
	buf.Write(payload) //nolint:errcheck
	s.writerQueue = append(s.writerQueue, buf)
	s.mu.Unlock()
	s.writerCond.Signal()
	return true
}

// End half-closes the connection once every queued write is on the wire.
// The session stays readable until the peer closes or the idle timer fires.
func (s *Session) End() {
	s.mu.Lock()
	s.ending = true
	s.mu.Unlock()
	s.writerCond.Broadcast()
}

// Destroy tears the connection down immediately.  It never blocks; the
// Closed event follows once the session's goroutines have exited.
func (s *Session) Destroy() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	s.writerDone = true
	conn := s.conn
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	s.mu.Unlock()

	s.writerCond.Broadcast()
	s.cancel()
	if conn != nil {
		conn.Close()
	}
}

func (s *Session) isDestroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyed
}

// touch restarts the idle timer after activity.
func (s *Session) touch() {
	s.mu.Lock()
	if s.idleTimer != nil && !s.destroyed {
		s.idleTimer.Reset(s.idle)
	}
	s.mu.Unlock()
}

func (s *Session) fireIdle() {
	s.mu.Lock()
	destroyed, ending := s.destroyed, s.ending
	s.mu.Unlock()

	switch {
	case destroyed:
	case ending:
		s.logger.Debug("idle after end, closing")
		s.Destroy()
	default:
		s.events.Idle(s.ID)
	}
}

// ── Connection ───────────────────────────────────────────────────────

func (s *Session) run() {
	defer s.events.Closed(s.ID)

	s.logger.Debug("dialing")
	conn, err := s.dialer.Dial(s.ctx, "tcp", s.Addr)
	if err != nil {
		if !s.isDestroyed() {
			s.events.Failed(s.ID, tcperrors.Wrap("dial", s.Addr, err))
		}
		s.Destroy()
		return
	}

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conn = conn
	s.mu.Unlock()

	s.metrics.ConnectionOpened()
	defer s.metrics.ConnectionClosed()

	s.touch()
	s.events.Connected(s.ID)

	writerExited := make(chan struct{})
	go func() {
		defer close(writerExited)
		s.writeLoop(conn)
	}()

	err = s.readLoop(conn)
	if !s.isDestroyed() {
		switch {
		case errors.Is(err, io.EOF):
			s.events.Ended(s.ID)
		case !util.IsHarmless(err):
			s.events.Failed(s.ID, tcperrors.Wrap("read", s.Addr, err))
		}
	}

	s.Destroy()
	<-writerExited
	s.logger.Debug("closed")
}

func (s *Session) readLoop(conn net.Conn) error {
	buf := util.GetBuf()
	defer util.PutBuf(buf)

	for {
		n, err := conn.Read(*buf)
		if n > 0 {
			s.touch()
			s.metrics.BytesReceived(int64(n))
			chunk := make([]byte, n)
			copy(chunk, (*buf)[:n])
			if !s.isDestroyed() {
				s.events.Data(s.ID, chunk)
			}
		}
		if err != nil {
			return err
		}
	}
}

// writeLoop batches everything queued since the last wakeup into one
// conn.Write, preserving queue order.
func (s *Session) writeLoop(conn net.Conn) {
	var stream []byte

	for {
		s.mu.Lock()
		for !s.writerDone && !s.ending && len(s.writerQueue) == 0 {
			s.writerCond.Wait()
		}
		done, ending, queue := s.writerDone, s.ending, s.writerQueue
		s.writerQueue = nil
		s.mu.Unlock()

		if done {
			release(queue)
			return
		}
		if len(queue) == 0 && ending {
			closeWrite(conn)
			return
		}

		stream = stream[:0]
		for _, buf := range queue {
			stream = append(stream, buf.B...)
		}
		release(queue)

		n, err := conn.Write(stream)
		s.metrics.BytesSent(int64(n))
		if err != nil {
			if !s.isDestroyed() && !util.IsHarmless(err) {
				s.events.Failed(s.ID, tcperrors.Wrap("write", s.Addr, err))
			}
			s.Destroy()
			return
		}
		s.touch()
	}
}

func release(queue []*bytebufferpool.ByteBuffer) {
	for _, buf := range queue {
		bytebufferpool.Put(buf)
	}
}

// closeWrite sends FIN when the connection supports half-close (TCP and
// TLS both do) and closes it outright otherwise.
func closeWrite(conn net.Conn) {
	if hc, ok := conn.(interface{ CloseWrite() error }); ok {
		hc.CloseWrite() //nolint:errcheck
		return
	}
	conn.Close()
}
