// Package engine multiplexes outbound requests over at most one
// connection per destination and reassembles replies into frames.
//
// A Manager runs a single event loop goroutine that owns the registry and
// every destination's state.  Sessions dial, read and write on their own
// goroutines and report back through events, so the loop never blocks on
// the network and per-destination writes leave in Submit order.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"

	tcperrors "tcpreq/internal/errors"
	"tcpreq/internal/framing"
	"tcpreq/internal/metrics"
	"tcpreq/internal/queue"
	"tcpreq/internal/retry"
	"tcpreq/internal/session"
	"tcpreq/internal/transport"
	"tcpreq/util"
)

// Stats is a point-in-time view of the manager.
type Stats struct {
	Destinations   int `json:"destinations"`
	Connected      int `json:"connected"`
	Connecting     int `json:"connecting"`
	Queued         int `json:"queued"`
	OpenTransports int `json:"open_transports"`
}

// Manager is the connection manager.  All exported methods are safe for
// concurrent use.
type Manager struct {
	opts    Options
	dialer  transport.Dialer
	logger  *util.Logger
	metrics *metrics.Collector
	conv    *framing.Converter
	frames  *dispatcher

	events chan event
	calls  chan func()
	exited chan struct{}
	closed atomic.Bool

	// Owned by the loop goroutine.
	registry     *registry
	open         map[uint64]*session.Session
	nextID       uint64
	lastKey      string
	shuttingDown bool
}

// New starts a manager.  It fails only on an unusable charset.
func New(opts Options, dialer transport.Dialer, logger *util.Logger, mc *metrics.Collector) (*Manager, error) {
	opts = opts.withDefaults()
	conv, err := framing.NewConverter(opts.ReturnType, opts.Charset)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = util.Discard()
	}

	m := &Manager{
		opts:     opts,
		dialer:   dialer,
		logger:   logger,
		metrics:  mc,
		conv:     conv,
		frames:   newDispatcher(),
		events:   make(chan event, 256),
		calls:    make(chan func()),
		exited:   make(chan struct{}),
		registry: newRegistry(),
		open:     make(map[uint64]*session.Session),
	}
	go m.loop()
	return m, nil
}

// ── Public API ───────────────────────────────────────────────────────

// Submit queues req for its destination.  The returned Result completes
// once the payload is handed to the transport or the request is shed.
func (m *Manager) Submit(ctx context.Context, req *Request) (*Result, error) {
	if req == nil {
		return nil, tcperrors.New("nil request")
	}
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	res := newResult()

	errc := make(chan error, 1)
	if err := m.call(ctx, func() { errc <- m.submit(req, res) }); err != nil {
		return nil, err
	}
	if err := <-errc; err != nil {
		return nil, err
	}
	return res, nil
}

// Shutdown destroys every transport and returns once all of them have
// closed and every frame has reached its sink.  Queued requests complete
// with ErrClosed.  Calling it again
// waits for the first call to finish and returns nil.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.closed.CompareAndSwap(false, true) {
		select {
		case m.calls <- m.beginShutdown:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	select {
	case <-m.exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats reports the registry and transport counts.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	out := make(chan Stats, 1)
	if err := m.call(ctx, func() { out <- m.stats() }); err != nil {
		return Stats{}, err
	}
	return <-out, nil
}

func (m *Manager) call(ctx context.Context, fn func()) error {
	if m.closed.Load() {
		return tcperrors.ErrClosed
	}
	select {
	case m.calls <- fn:
		return nil
	case <-m.exited:
		return tcperrors.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post hands an event to the loop.  Once the loop has exited events are
// dropped; only stale sessions and timers can still be posting then.
func (m *Manager) post(ev event) {
	select {
	case m.events <- ev:
	case <-m.exited:
	}
}

// ── Event loop ───────────────────────────────────────────────────────

func (m *Manager) loop() {
	defer close(m.exited)
	defer m.frames.close()
	for {
		select {
		case ev := <-m.events:
			m.handle(ev)
		case fn := <-m.calls:
			fn()
		}
		if m.shuttingDown && len(m.open) == 0 && !m.registry.anyConnected() {
			m.logger.Verbose("all connections closed")
			return
		}
	}
}

func (m *Manager) handle(ev event) {
	switch ev.kind {
	case evFlush:
		m.onFlush(ev.state, ev.gen)
		return
	case evRetry:
		m.onRetry(ev.state, ev.gen)
		return
	case evClosed:
		delete(m.open, ev.sid)
	}

	cs := m.registry.get(ev.key)
	if cs == nil || cs.sess == nil || cs.sess.ID != ev.sid {
		return // stale session
	}

	switch ev.kind {
	case evConnected:
		m.onConnected(cs)
	case evData:
		m.onData(cs, ev.data)
	case evEnded:
		m.onEnded(cs)
	case evFailed:
		m.onFailed(cs, ev.err)
	case evIdle:
		m.onIdle(cs)
	case evClosed:
		cs.sess = nil
		cs.state = Idle
	}
}

// ── Submit ───────────────────────────────────────────────────────────

func (m *Manager) submit(req *Request, res *Result) error {
	if m.shuttingDown {
		return tcperrors.ErrClosed
	}
	m.metrics.RequestSubmitted()

	key := req.Key()
	if key != m.lastKey {
		if m.lastKey != "" {
			m.status(m.lastKey, StatusCleared)
		}
		m.lastKey = key
	}

	cs, created := m.registry.insert(key, func() *connState {
		return &connState{
			key:     key,
			host:    req.Host,
			port:    req.Port,
			queue:   queue.New[*pending](m.opts.QueueSize),
			decoder: framing.NewDecoder(m.opts.Framing),
		}
	})
	if created {
		m.logger.Debug("%s: new destination", key)
	}

	p := &pending{req: req, res: res}
	if old, dropped := cs.queue.Push(p); dropped {
		old.res.complete(tcperrors.ErrDropped)
		m.metrics.RequestsDropped(1)
		m.logger.Verbose("%s: queue full (%d), dropped oldest request %s", key, cs.queue.Cap(), old.req.ID)
	}
	cs.last = req

	switch cs.state {
	case Idle:
		cs.budget = retry.NewBudget(m.opts.Retry)
		cs.trigger = p
		m.setup(cs)
	case Connected:
		m.writeHead(cs)
	case Connecting:
		// The connect handler flushes the queue.
	}
	return nil
}

// setup runs one establishment attempt.
func (m *Manager) setup(cs *connState) {
	cs.stopFlush()
	cs.stopRetry()
	cs.decoder.Reset()

	addr, err := util.ResolveAddr(cs.host, cs.port, m.opts.NoDNS)
	if err != nil {
		cs.state = Idle
		cerr := &tcperrors.ConfigError{
			Field:   "host",
			Value:   cs.key,
			Message: err.Error(),
			Hint:    "set a host and a port between 1 and 65535",
			Err:     tcperrors.ErrNoHost,
		}
		m.logger.Warn("%s: %v", cs.key, err)
		m.metrics.RecordError(cerr.Error())
		if m.opts.OnWarn != nil {
			m.opts.OnWarn(cerr)
		}
		return
	}

	m.nextID++
	sess := session.New(m.nextID, m.dialer, sink{m: m, key: cs.key}, session.Config{
		Address:     addr,
		IdleTimeout: m.opts.IdleTimeout,
		Logger:      m.logger,
		Metrics:     m.metrics,
	})
	cs.sess = sess
	cs.state = Connecting
	m.open[sess.ID] = sess
	m.logger.Verbose("%s: connecting", cs.key)
	sess.Start()
}

func (m *Manager) writeHead(cs *connState) {
	p, ok := cs.queue.Pop()
	if !ok {
		return
	}
	m.write(cs, p)
}

// write hands p to the session.  A session that has already ended its
// stream refuses it; the request is abandoned rather than reported sent.
func (m *Manager) write(cs *connState, p *pending) {
	if !cs.sess.Write(p.req.Payload) {
		m.metrics.RequestsAbandoned(1)
		m.logger.Verbose("%s: transport closing, request %s abandoned", cs.key, p.req.ID)
		p.res.complete(tcperrors.ErrAbandoned)
		return
	}
	p.written = true
	p.res.complete(nil)
}

// ── Session events ───────────────────────────────────────────────────

func (m *Manager) onConnected(cs *connState) {
	cs.state = Connected
	m.logger.Verbose("%s: connected", cs.key)
	m.status(cs.key, StatusConnected)

	for {
		p, ok := cs.queue.Pop()
		if !ok {
			break
		}
		m.write(cs, p)
	}

	if m.opts.OneShot {
		cs.sess.End()
		cs.sess = nil
		m.remove(cs, tcperrors.ErrAbandoned)
		m.status(cs.key, StatusCleared)
	}
}

func (m *Manager) onData(cs *connState, data []byte) {
	frames := cs.decoder.Feed(data)
	mode := cs.decoder.Mode()

	switch {
	case mode == framing.ModeTime:
		m.armFlush(cs)
	case !mode.Terminates():
		for _, f := range frames {
			m.deliver(cs, f)
		}
	case len(frames) > 0:
		// The exchange ends with its first frame; bytes after it are
		// discarded with the connection.
		m.deliver(cs, frames[0])
		m.remove(cs, tcperrors.ErrAbandoned)
		m.status(cs.key, StatusCleared)
	}
}

func (m *Manager) onEnded(cs *connState) {
	m.logger.Verbose("%s: remote closed", cs.key)
	cs.sess = nil
	cs.state = Idle
	m.status(cs.key, StatusDisconnected)
}

func (m *Manager) onFailed(cs *connState, err error) {
	if tcperrors.IsRetryable(err) {
		m.logger.Warn("%s: %v", cs.key, err)
	} else {
		m.logger.Error("%s: %v", cs.key, err)
	}
	m.metrics.RecordError(err.Error())
	m.status(cs.key, StatusError)
	if m.opts.OnError != nil {
		m.opts.OnError(err, cs.last)
	}
	m.remove(cs, tcperrors.ErrAbandoned)
}

// onIdle is the retry trigger.  The attempt's budget decides between a
// fresh establishment and giving up on the destination.
func (m *Manager) onIdle(cs *connState) {
	m.status(cs.key, StatusTimeout)
	m.metrics.RecordError(tcperrors.ErrTimeout.Error())
	cs.sess.Destroy()
	cs.sess = nil
	cs.stopFlush()
	if cs.decoder.Pending() {
		m.logger.Debug("%s: discarding %d unframed bytes", cs.key, cs.decoder.Buffered())
	}

	if cs.budget == nil {
		cs.budget = retry.NewBudget(m.opts.Retry)
	}
	delay, ok := cs.budget.Timeout()
	if !ok {
		m.logger.Verbose("%s: idle timeout, giving up after %d retries", cs.key, cs.budget.Timeouts()-1)
		m.remove(cs, errIdleAbandoned)
		return
	}

	m.metrics.Retry()
	if t := cs.trigger; t != nil && t.written && !cs.queue.Contains(func(p *pending) bool { return p == t }) {
		if _, dropped := cs.queue.PushFront(t); dropped {
			m.metrics.RequestsDropped(1)
			m.logger.Verbose("%s: queue full (%d), retry will not resend request %s", cs.key, cs.queue.Cap(), t.req.ID)
		}
	}

	cs.state = Connecting
	if delay <= 0 {
		m.logger.Verbose("%s: idle timeout, retry %d", cs.key, cs.budget.Timeouts())
		m.setup(cs)
		return
	}
	m.logger.Verbose("%s: idle timeout, retry %d in %s", cs.key, cs.budget.Timeouts(), delay)
	cs.stopRetry()
	gen := cs.retryGen
	cs.retryTimer = time.AfterFunc(delay, func() { m.post(event{kind: evRetry, state: cs, gen: gen}) })
}

// ── Timers ───────────────────────────────────────────────────────────

// armFlush (re)starts the quiet-period timer in time mode.
func (m *Manager) armFlush(cs *connState) {
	cs.stopFlush()
	gen := cs.flushGen
	cs.flushTimer = time.AfterFunc(m.opts.Framing.Wait, func() {
		m.post(event{kind: evFlush, state: cs, gen: gen})
	})
}

func (m *Manager) onFlush(cs *connState, gen uint64) {
	if m.registry.get(cs.key) != cs || cs.flushGen != gen {
		return
	}
	cs.flushTimer = nil
	if frame := cs.decoder.Flush(); frame != nil {
		m.deliver(cs, frame)
	}
	m.remove(cs, tcperrors.ErrAbandoned)
	m.status(cs.key, StatusCleared)
}

func (m *Manager) onRetry(cs *connState, gen uint64) {
	if m.registry.get(cs.key) != cs || cs.retryGen != gen || cs.sess != nil {
		return
	}
	cs.retryTimer = nil
	m.setup(cs)
}

// ── Teardown ─────────────────────────────────────────────────────────

// remove destroys the destination's transport and drops it from the
// registry.  Queued requests complete with reason.
func (m *Manager) remove(cs *connState, reason error) {
	cs.state = Closing
	cs.stopFlush()
	cs.stopRetry()
	if cs.sess != nil {
		cs.sess.Destroy()
		cs.sess = nil
	}

	abandoned := cs.queue.Drain()
	for _, p := range abandoned {
		p.res.complete(reason)
	}
	if len(abandoned) > 0 {
		m.metrics.RequestsAbandoned(len(abandoned))
		m.logger.Verbose("%s: %d queued requests abandoned", cs.key, len(abandoned))
	}

	m.registry.remove(cs.key)
	cs.decoder.Release()
}

func (m *Manager) beginShutdown() {
	m.shuttingDown = true
	for _, key := range m.registry.keys() {
		if cs := m.registry.get(key); cs != nil {
			m.remove(cs, tcperrors.ErrClosed)
		}
	}
	// One-shot sessions may still be draining outside the registry.
	for _, sess := range m.open {
		sess.Destroy()
	}
	m.lastKey = ""
	m.logger.Verbose("shutdown: waiting for %d connections", len(m.open))
}

// ── Helpers ──────────────────────────────────────────────────────────

// errIdleAbandoned completes requests left queued when a destination
// runs out of retries.
var errIdleAbandoned = fmt.Errorf("%w: %w", tcperrors.ErrAbandoned, tcperrors.ErrTimeout)

func (m *Manager) deliver(cs *connState, raw []byte) {
	payload, err := m.conv.Convert(raw)
	if err != nil {
		m.logger.Error("%s: %v", cs.key, err)
		m.metrics.RecordError(err.Error())
		if m.opts.OnError != nil {
			m.opts.OnError(fmt.Errorf("%s: %w", cs.key, err), cs.last)
		}
	}

	frame := Frame{Key: cs.key, Payload: payload}
	out := m.opts.Output
	if cs.last != nil {
		frame.RequestID = cs.last.ID
		frame.Context = cs.last.Context
		if cs.last.Output != nil {
			out = cs.last.Output
		}
	}
	m.metrics.FrameEmitted()
	if out != nil {
		m.frames.push(func() { out(frame) })
	}
}

func (m *Manager) status(key string, s Status) {
	if m.opts.OnStatus != nil {
		m.opts.OnStatus(key, s)
	}
}

func (m *Manager) stats() Stats {
	s := Stats{Destinations: m.registry.len(), OpenTransports: len(m.open)}
	for _, key := range m.registry.keys() {
		cs := m.registry.get(key)
		s.Queued += cs.queue.Len()
		switch cs.state {
		case Connected:
			s.Connected++
		case Connecting:
			s.Connecting++
		}
	}
	return s
}
