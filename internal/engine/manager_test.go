package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/goleak"

	tcperrors "tcpreq/internal/errors"
	"tcpreq/internal/framing"
	"tcpreq/internal/metrics"
	"tcpreq/internal/retry"
	"tcpreq/internal/transport"
	"tcpreq/util"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// ── Fixtures ─────────────────────────────────────────────────────────

type server struct {
	host    string
	port    int
	accepts atomic.Int64
}

// startServer accepts connections and runs handler on each.  Handlers
// must return once the client closes.
func startServer(t *testing.T, handler func(net.Conn)) *server {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	addr := ln.Addr().(*net.TCPAddr)
	s := &server{host: "127.0.0.1", port: addr.Port}

	var wg sync.WaitGroup
	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			s.accepts.Inc()
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer conn.Close()
				handler(conn)
			}()
		}
	}()

	t.Cleanup(func() {
		ln.Close()
		<-acceptDone
		wg.Wait()
	})
	return s
}

// collector gathers everything written to a server across connections.
type collector struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (c *collector) handle(conn net.Conn) {
	b := make([]byte, 1024)
	for {
		n, err := conn.Read(b)
		c.mu.Lock()
		c.buf.Write(b[:n])
		c.mu.Unlock()
		if err != nil {
			return
		}
	}
}

func (c *collector) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

// respond reads one request, writes reply, then waits for the client
// to hang up.
func respond(reply []byte) func(net.Conn) {
	return func(conn net.Conn) {
		b := make([]byte, 256)
		if _, err := conn.Read(b); err != nil {
			return
		}
		conn.Write(reply) //nolint:errcheck
		io.Copy(io.Discard, conn) //nolint:errcheck
	}
}

type gatedDialer struct {
	gate chan struct{}
	base transport.Dialer
}

func (d *gatedDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	select {
	case <-d.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return d.base.Dial(ctx, network, address)
}

func (d *gatedDialer) Close() error { return nil }

// hangingDialer blocks its nth dial until the attempt is cancelled.
type hangingDialer struct {
	dials atomic.Int64
	hang  int64
	base  transport.Dialer
}

func (d *hangingDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	if d.dials.Inc() == d.hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return d.base.Dial(ctx, network, address)
}

func (d *hangingDialer) Close() error { return nil }

func tcpDialer() transport.Dialer { return &transport.TCPDialer{Timeout: 2 * time.Second} }

func newManager(t *testing.T, opts Options, dialer transport.Dialer) (*Manager, *metrics.Collector) {
	t.Helper()
	if dialer == nil {
		dialer = tcpDialer()
	}
	mc := metrics.New()
	m, err := New(opts, dialer, util.Discard(), mc)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, m.Shutdown(ctx))
	})
	return m, mc
}

type frameSink struct{ ch chan Frame }

func newFrameSink() *frameSink { return &frameSink{ch: make(chan Frame, 64)} }

func (f *frameSink) out(fr Frame) { f.ch <- fr }

func (f *frameSink) next(t *testing.T) Frame {
	t.Helper()
	select {
	case fr := <-f.ch:
		return fr
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a frame")
		return Frame{}
	}
}

func (f *frameSink) none(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case fr := <-f.ch:
		t.Fatalf("unexpected frame %q", fr.Payload.Bytes)
	case <-time.After(wait):
	}
}

type statusLog struct {
	mu  sync.Mutex
	log []string
}

func (s *statusLog) hook(key string, st Status) {
	s.mu.Lock()
	s.log = append(s.log, key+" "+st.String())
	s.mu.Unlock()
}

func (s *statusLog) count(st Status) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, l := range s.log {
		if strings.HasSuffix(l, " "+st.String()) {
			n++
		}
	}
	return n
}

func (s *statusLog) has(entry string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.log {
		if l == entry {
			return true
		}
	}
	return false
}

func submit(t *testing.T, m *Manager, s *server, payload string, out func(Frame)) *Result {
	t.Helper()
	res, err := m.Submit(context.Background(), &Request{
		Host:    s.host,
		Port:    s.port,
		Payload: []byte(payload),
		Output:  out,
	})
	require.NoError(t, err)
	return res
}

func stats(t *testing.T, m *Manager) Stats {
	t.Helper()
	st, err := m.Stats(context.Background())
	require.NoError(t, err)
	return st
}

func key(s *server) string { return net.JoinHostPort(s.host, strconv.Itoa(s.port)) }

// ── Queueing and ordering ────────────────────────────────────────────

func TestManager_FIFOOverOneConnection(t *testing.T) {
	var col collector
	srv := startServer(t, col.handle)
	m, _ := newManager(t, Options{}, nil)

	var want bytes.Buffer
	var results []*Result
	for i := 0; i < 100; i++ {
		p := fmt.Sprintf("%03d,", i)
		want.WriteString(p)
		results = append(results, submit(t, m, srv, p, nil))
	}

	require.Eventually(t, func() bool { return col.String() == want.String() },
		3*time.Second, 10*time.Millisecond, "got %q", col.String())
	assert.Equal(t, int64(1), srv.accepts.Load())
	for i, r := range results {
		require.NoError(t, r.Wait(context.Background()), "request %d", i)
	}
	assert.Equal(t, 1, stats(t, m).Connected)
}

func TestManager_OneConnectionPerDestination(t *testing.T) {
	var col collector
	srv := startServer(t, col.handle)
	m, _ := newManager(t, Options{}, nil)

	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				m.Submit(context.Background(), &Request{Host: srv.host, Port: srv.port, Payload: []byte("x")}) //nolint:errcheck
			}
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool { return len(col.String()) == 100 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), srv.accepts.Load())
}

func TestManager_QueueDropsOldest(t *testing.T) {
	var col collector
	srv := startServer(t, col.handle)
	gate := make(chan struct{})
	m, mc := newManager(t, Options{QueueSize: 3}, &gatedDialer{gate: gate, base: tcpDialer()})

	var results []*Result
	for i := 0; i < 5; i++ {
		results = append(results, submit(t, m, srv, fmt.Sprintf("r%d", i), nil))
	}

	for _, r := range results[:2] {
		assert.ErrorIs(t, r.Wait(context.Background()), tcperrors.ErrDropped)
	}
	st := stats(t, m)
	assert.Equal(t, 3, st.Queued)
	assert.Equal(t, 1, st.Connecting)
	assert.Equal(t, int64(2), mc.Dropped())

	close(gate)
	require.Eventually(t, func() bool { return col.String() == "r2r3r4" }, 3*time.Second, 10*time.Millisecond)
	for _, r := range results[2:] {
		assert.NoError(t, r.Wait(context.Background()))
	}
}

// A transport that has already ended its stream refuses writes; the
// request must not be reported as sent.
func TestManager_RefusedWriteAbandonsRequest(t *testing.T) {
	var col collector
	srv := startServer(t, col.handle)
	m, _ := newManager(t, Options{}, nil)

	require.NoError(t, submit(t, m, srv, "a", nil).Wait(context.Background()))
	require.Eventually(t, func() bool { return stats(t, m).Connected == 1 }, 3*time.Second, 5*time.Millisecond)

	// End the stream and submit in one loop turn, before the reader can
	// report the peer's close.
	resc := make(chan *Result, 1)
	require.NoError(t, m.call(context.Background(), func() {
		m.registry.get(key(srv)).sess.End()
		res := newResult()
		if err := m.submit(&Request{Host: srv.host, Port: srv.port, Payload: []byte("b")}, res); err == nil {
			resc <- res
		}
	}))

	res := <-resc
	assert.ErrorIs(t, res.Wait(context.Background()), tcperrors.ErrAbandoned)
	require.Eventually(t, func() bool { return col.String() == "a" }, 3*time.Second, 5*time.Millisecond)
}

// ── Framing ──────────────────────────────────────────────────────────

func TestManager_DelimiterFrameEndsExchange(t *testing.T) {
	srv := startServer(t, respond([]byte("ABC\nDE\n")))
	var statuses statusLog
	m, _ := newManager(t, Options{
		Framing:  framing.Config{Mode: framing.ModeDelimiter, Delimiter: '\n'},
		OnStatus: statuses.hook,
	}, nil)

	frames := newFrameSink()
	req := submit(t, m, srv, "q1", frames.out)
	require.NoError(t, req.Wait(context.Background()))

	fr := frames.next(t)
	assert.Equal(t, "ABC\n", string(fr.Payload.Bytes))
	assert.Equal(t, key(srv), fr.Key)
	frames.none(t, 50*time.Millisecond)

	require.Eventually(t, func() bool { return stats(t, m).Destinations == 0 }, time.Second, 5*time.Millisecond)
	assert.True(t, statuses.has(key(srv)+" cleared"))

	// The next request opens a fresh connection.
	submit(t, m, srv, "q2", frames.out)
	assert.Equal(t, "ABC\n", string(frames.next(t).Payload.Bytes))
	assert.Equal(t, int64(2), srv.accepts.Load())
}

func TestManager_CountFrame(t *testing.T) {
	tests := []struct {
		name   string
		length int
		reply  string
		want   string
	}{
		{"four", 4, "ABCDEFGH", "ABCD"},
		{"zero is one", 0, "XY", "X"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := startServer(t, respond([]byte(tt.reply)))
			m, _ := newManager(t, Options{
				Framing: framing.Config{Mode: framing.ModeCount, Length: tt.length},
			}, nil)

			frames := newFrameSink()
			submit(t, m, srv, "q", frames.out)
			assert.Equal(t, tt.want, string(frames.next(t).Payload.Bytes))
			frames.none(t, 50*time.Millisecond)
		})
	}
}

func TestManager_TimeFrameAfterQuietPeriod(t *testing.T) {
	srv := startServer(t, func(conn net.Conn) {
		b := make([]byte, 64)
		if _, err := conn.Read(b); err != nil {
			return
		}
		conn.Write([]byte("AB")) //nolint:errcheck
		time.Sleep(40 * time.Millisecond)
		conn.Write([]byte("CD")) //nolint:errcheck
		io.Copy(io.Discard, conn) //nolint:errcheck
	})
	m, _ := newManager(t, Options{
		Framing:    framing.Config{Mode: framing.ModeTime, Wait: 150 * time.Millisecond},
		ReturnType: framing.ReturnString,
	}, nil)

	frames := newFrameSink()
	start := time.Now()
	submit(t, m, srv, "q", frames.out)

	fr := frames.next(t)
	assert.Equal(t, "ABCD", fr.Payload.Text)
	assert.True(t, fr.Payload.IsText)
	assert.GreaterOrEqual(t, time.Since(start), 190*time.Millisecond)
	frames.none(t, 50*time.Millisecond)
	assert.Equal(t, 0, stats(t, m).Destinations)
}

func TestManager_PassthroughKeepsConnection(t *testing.T) {
	srv := startServer(t, respond([]byte("a\nb\nc")))
	m, _ := newManager(t, Options{
		Framing:    framing.Config{Separator: []byte("\n")},
		ReturnType: framing.ReturnString,
	}, nil)

	frames := newFrameSink()
	req := &Request{Host: srv.host, Port: srv.port, Payload: []byte("q"), Output: frames.out,
		Context: map[string]interface{}{"topic": "line"}}
	_, err := m.Submit(context.Background(), req)
	require.NoError(t, err)

	first := frames.next(t)
	assert.Equal(t, "a", first.Payload.Text)
	assert.Equal(t, req.ID, first.RequestID)
	assert.Equal(t, "line", first.Context["topic"])
	assert.Equal(t, "b", frames.next(t).Payload.Text)
	frames.none(t, 50*time.Millisecond)
	assert.Equal(t, 1, stats(t, m).Connected)
}

func TestManager_BadStringStillDelivered(t *testing.T) {
	srv := startServer(t, respond([]byte{0xff, 0xfe}))
	errs := make(chan error, 4)
	m, mc := newManager(t, Options{
		ReturnType: framing.ReturnString,
		OnError:    func(err error, _ *Request) { errs <- err },
	}, nil)

	frames := newFrameSink()
	submit(t, m, srv, "q", frames.out)

	fr := frames.next(t)
	assert.Equal(t, []byte{0xff, 0xfe}, fr.Payload.Bytes)
	assert.False(t, fr.Payload.IsText)
	assert.ErrorIs(t, <-errs, tcperrors.ErrBadString)
	assert.Equal(t, int64(1), mc.ErrorCount())
	assert.Equal(t, 1, stats(t, m).Connected)
}

func TestManager_OutputMaySubmit(t *testing.T) {
	srv := startServer(t, respond([]byte("ok\n")))
	m, _ := newManager(t, Options{
		Framing: framing.Config{Mode: framing.ModeDelimiter, Delimiter: '\n'},
	}, nil)

	frames := newFrameSink()
	submitted := make(chan error, 4)
	var hops atomic.Int64
	var out func(Frame)
	out = func(f Frame) {
		frames.out(f)
		if hops.Inc() >= 3 {
			return
		}
		// Chain the next request straight from the sink.
		_, err := m.Submit(context.Background(), &Request{
			Host: srv.host, Port: srv.port, Payload: []byte("again"), Output: out,
		})
		submitted <- err
	}
	submit(t, m, srv, "first", out)

	for i := 0; i < 3; i++ {
		assert.Equal(t, "ok\n", string(frames.next(t).Payload.Bytes), "frame %d", i)
	}
	for i := 0; i < 2; i++ {
		require.NoError(t, <-submitted)
	}
	require.Eventually(t, func() bool { return stats(t, m).Destinations == 0 }, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(3), srv.accepts.Load())
}

func TestManager_FramesKeepArrivalOrder(t *testing.T) {
	var reply strings.Builder
	for i := 0; i < 50; i++ {
		fmt.Fprintf(&reply, "%02d\n", i)
	}
	srv := startServer(t, respond([]byte(reply.String())))
	m, _ := newManager(t, Options{
		Framing:    framing.Config{Separator: []byte("\n")},
		ReturnType: framing.ReturnString,
	}, nil)

	frames := newFrameSink()
	slow := func(f Frame) {
		time.Sleep(time.Millisecond)
		frames.out(f)
	}
	submit(t, m, srv, "q", slow)

	for i := 0; i < 50; i++ {
		assert.Equal(t, fmt.Sprintf("%02d", i), frames.next(t).Payload.Text)
	}
}

// ── Retry ────────────────────────────────────────────────────────────

// silent reads until the client hangs up and reports what it received.
func silent(got chan<- string) func(net.Conn) {
	return func(conn net.Conn) {
		data, _ := io.ReadAll(conn)
		got <- string(data)
	}
}

func TestManager_RetryBound(t *testing.T) {
	for _, retries := range []int{0, 2} {
		t.Run(fmt.Sprintf("max=%d", retries), func(t *testing.T) {
			got := make(chan string, 8)
			srv := startServer(t, silent(got))
			var statuses statusLog
			errs := make(chan error, 8)
			m, mc := newManager(t, Options{
				IdleTimeout: 60 * time.Millisecond,
				Retry:       retry.Policy{MaxRetries: retries},
				OnStatus:    statuses.hook,
				OnError:     func(err error, _ *Request) { errs <- err },
			}, nil)

			submit(t, m, srv, "ping", nil)

			require.Eventually(t, func() bool { return stats(t, m).Destinations == 0 },
				3*time.Second, 10*time.Millisecond)
			require.Eventually(t, func() bool { return stats(t, m).OpenTransports == 0 },
				3*time.Second, 10*time.Millisecond)

			assert.Equal(t, int64(retries+1), srv.accepts.Load())
			assert.Equal(t, retries+1, statuses.count(StatusTimeout))
			assert.Equal(t, int64(retries), mc.Retries())
			for i := 0; i <= retries; i++ {
				assert.Equal(t, "ping", <-got, "attempt %d resends the request", i)
			}
			assert.Empty(t, errs, "exhausted retries are reported by status only")
		})
	}
}

// The retry budget belongs to the establishment a request triggered.  A
// destination that survives (remote end keeps it registered) starts the
// next request's establishment with a fresh budget.
func TestManager_RetryBudgetResetsPerRequest(t *testing.T) {
	var conns atomic.Int64
	srv := startServer(t, func(conn net.Conn) {
		if conns.Inc() == 2 {
			// Take the resent request, then hang up.
			b := make([]byte, 64)
			conn.Read(b) //nolint:errcheck
			return
		}
		io.Copy(io.Discard, conn) //nolint:errcheck
	})
	var statuses statusLog
	m, _ := newManager(t, Options{
		IdleTimeout: 50 * time.Millisecond,
		Retry:       retry.Policy{MaxRetries: 1},
		OnStatus:    statuses.hook,
	}, nil)

	// Timeout, one retry, then the peer ends the stream.
	submit(t, m, srv, "a", nil)
	require.Eventually(t, func() bool { return statuses.count(StatusDisconnected) == 1 },
		3*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, stats(t, m).Destinations)

	// A retry budget carried over would give up after one more attempt.
	submit(t, m, srv, "b", nil)
	require.Eventually(t, func() bool { return stats(t, m).Destinations == 0 },
		3*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(4), srv.accepts.Load())
	assert.Equal(t, 3, statuses.count(StatusTimeout))
}

func TestManager_RetryDelay(t *testing.T) {
	got := make(chan string, 8)
	srv := startServer(t, silent(got))
	m, _ := newManager(t, Options{
		IdleTimeout: 40 * time.Millisecond,
		Retry:       retry.Policy{MaxRetries: 1, Delay: 100 * time.Millisecond},
	}, nil)

	start := time.Now()
	submit(t, m, srv, "ping", nil)
	require.Eventually(t, func() bool { return srv.accepts.Load() == 2 }, 3*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(start), 140*time.Millisecond)
}

func TestManager_GiveUpAbandonsWithTimeout(t *testing.T) {
	m, mc := newManager(t, Options{IdleTimeout: 50 * time.Millisecond},
		&gatedDialer{gate: make(chan struct{}), base: tcpDialer()})

	res, err := m.Submit(context.Background(), &Request{Host: "127.0.0.1", Port: 9, Payload: []byte("x")})
	require.NoError(t, err)

	err = res.Wait(context.Background())
	assert.ErrorIs(t, err, tcperrors.ErrAbandoned)
	assert.ErrorIs(t, err, tcperrors.ErrTimeout)
	assert.Equal(t, int64(1), mc.ErrorCount())
}

// A retry whose queue has filled up behind a hung dial cannot resend the
// request that triggered it; the loss is counted as a drop.
func TestManager_RetryResendShedWhenQueueFull(t *testing.T) {
	var col collector
	srv := startServer(t, col.handle)
	dialer := &hangingDialer{hang: 2, base: tcpDialer()}
	m, mc := newManager(t, Options{
		QueueSize:   2,
		IdleTimeout: 150 * time.Millisecond,
		Retry:       retry.Policy{MaxRetries: 2},
	}, dialer)

	submit(t, m, srv, "a", nil)
	require.Eventually(t, func() bool { return dialer.dials.Load() == 2 }, 3*time.Second, 5*time.Millisecond)

	// The queue holds the resent "a"; "c" sheds it.
	submit(t, m, srv, "b", nil)
	submit(t, m, srv, "c", nil)

	require.Eventually(t, func() bool { return col.String() == "abc" }, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(2), mc.Dropped())
	require.Eventually(t, func() bool { return stats(t, m).Destinations == 0 }, 3*time.Second, 10*time.Millisecond)
}

// ── Errors ───────────────────────────────────────────────────────────

func TestManager_TransportErrorRemovesState(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	errs := make(chan error, 4)
	var statuses statusLog
	gate := make(chan struct{})
	m, _ := newManager(t, Options{
		OnError:  func(err error, _ *Request) { errs <- err },
		OnStatus: statuses.hook,
	}, &gatedDialer{gate: gate, base: tcpDialer()})

	var results []*Result
	for i := 0; i < 2; i++ {
		res, err := m.Submit(context.Background(), &Request{Host: "127.0.0.1", Port: port, Payload: []byte("x")})
		require.NoError(t, err)
		results = append(results, res)
	}
	close(gate)

	for _, r := range results {
		assert.ErrorIs(t, r.Wait(context.Background()), tcperrors.ErrAbandoned)
	}
	var ne *tcperrors.NetworkError
	require.True(t, errors.As(<-errs, &ne))
	assert.Equal(t, "dial", ne.Op)
	assert.Equal(t, 0, stats(t, m).Destinations)
	assert.Equal(t, 1, statuses.count(StatusError))
}

func TestManager_ConfigErrorKeepsRequestQueued(t *testing.T) {
	warns := make(chan error, 4)
	m, err := New(Options{OnWarn: func(err error) { warns <- err }}, tcpDialer(), util.Discard(), nil)
	require.NoError(t, err)

	res, err := m.Submit(context.Background(), &Request{Payload: []byte("x")})
	require.NoError(t, err)

	werr := <-warns
	assert.ErrorIs(t, werr, tcperrors.ErrNoHost)
	var cerr *tcperrors.ConfigError
	assert.True(t, errors.As(werr, &cerr))

	st := stats(t, m)
	assert.Equal(t, Stats{Destinations: 1, Queued: 1}, st)
	assert.Nil(t, res.Err())

	require.NoError(t, m.Shutdown(context.Background()))
	assert.ErrorIs(t, res.Err(), tcperrors.ErrClosed)
}

func TestManager_NoDNSRejectsHostnames(t *testing.T) {
	warns := make(chan error, 1)
	m, _ := newManager(t, Options{NoDNS: true, OnWarn: func(err error) { warns <- err }}, nil)

	_, err := m.Submit(context.Background(), &Request{Host: "localhost", Port: 80})
	require.NoError(t, err)
	assert.ErrorIs(t, <-warns, tcperrors.ErrNoHost)
}

// ── Remote end, one-shot ─────────────────────────────────────────────

func TestManager_RemoteEndKeepsDestination(t *testing.T) {
	srv := startServer(t, func(conn net.Conn) {
		b := make([]byte, 64)
		if _, err := conn.Read(b); err != nil {
			return
		}
		conn.Write([]byte("hi")) //nolint:errcheck
	})
	var statuses statusLog
	m, _ := newManager(t, Options{OnStatus: statuses.hook}, nil)

	frames := newFrameSink()
	submit(t, m, srv, "q", frames.out)
	assert.Equal(t, "hi", string(frames.next(t).Payload.Bytes))

	require.Eventually(t, func() bool { return statuses.count(StatusDisconnected) == 1 },
		time.Second, 5*time.Millisecond)
	st := stats(t, m)
	assert.Equal(t, 1, st.Destinations)
	assert.Equal(t, 0, st.Connected)

	submit(t, m, srv, "q", frames.out)
	assert.Equal(t, "hi", string(frames.next(t).Payload.Bytes))
	assert.Equal(t, int64(2), srv.accepts.Load())
}

func TestManager_OneShot(t *testing.T) {
	got := make(chan string, 2)
	srv := startServer(t, silent(got))
	gate := make(chan struct{})
	m, _ := newManager(t, Options{OneShot: true}, &gatedDialer{gate: gate, base: tcpDialer()})

	a := submit(t, m, srv, "a", nil)
	b := submit(t, m, srv, "b", nil)
	close(gate)

	select {
	case data := <-got:
		assert.Equal(t, "ab", data)
	case <-time.After(3 * time.Second):
		t.Fatal("peer never saw end of stream")
	}
	assert.NoError(t, a.Wait(context.Background()))
	assert.NoError(t, b.Wait(context.Background()))
	require.Eventually(t, func() bool { return stats(t, m) == Stats{} }, time.Second, 5*time.Millisecond)
}

// ── Shutdown ─────────────────────────────────────────────────────────

func TestManager_ShutdownWithoutConnections(t *testing.T) {
	m, err := New(Options{}, tcpDialer(), util.Discard(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))
	require.NoError(t, m.Shutdown(ctx))

	_, err = m.Submit(ctx, &Request{Host: "127.0.0.1", Port: 1})
	assert.ErrorIs(t, err, tcperrors.ErrClosed)
	_, err = m.Stats(ctx)
	assert.ErrorIs(t, err, tcperrors.ErrClosed)
}

func TestManager_ShutdownWaitsForEveryConnection(t *testing.T) {
	var col1, col2 collector
	srv1 := startServer(t, col1.handle)
	srv2 := startServer(t, col2.handle)
	var statuses statusLog
	mc := metrics.New()
	m, err := New(Options{OnStatus: statuses.hook}, tcpDialer(), util.Discard(), mc)
	require.NoError(t, err)

	submit(t, m, srv1, "one", nil)
	submit(t, m, srv2, "two", nil)
	require.Eventually(t, func() bool { return stats(t, m).Connected == 2 }, 3*time.Second, 5*time.Millisecond)
	assert.True(t, statuses.has(key(srv1)+" cleared"), "switching destination clears the previous status")
	assert.Equal(t, int64(2), mc.ActiveConnections())

	require.NoError(t, m.Shutdown(context.Background()))
	assert.Equal(t, int64(0), mc.ActiveConnections())
}
