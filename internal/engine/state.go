package engine

import (
	"fmt"
	"sort"
	"time"

	"tcpreq/internal/framing"
	"tcpreq/internal/queue"
	"tcpreq/internal/retry"
	"tcpreq/internal/session"
)

// State is a destination's connection state.
type State int

const (
	// Idle has no transport.  The next Submit starts establishment.
	Idle State = iota
	// Connecting has a dial in flight or a retry scheduled.
	Connecting
	// Connected has a live transport; Submit writes straight through.
	Connected
	// Closing is terminal: the destination has left the registry.
	Closing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Closing:
		return "closing"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// connState is everything the manager knows about one destination.  It
// is only touched from the event loop.
type connState struct {
	key   string
	host  string
	port  int
	state State

	queue   *queue.Queue[*pending]
	sess    *session.Session // non-nil only while Connecting or Connected
	decoder *framing.Decoder

	// last is the most recent request; inbound frames are attributed to it.
	last *Request
	// trigger started the current establishment and is re-sent on retry.
	trigger *pending
	budget  *retry.Budget

	flushTimer *time.Timer
	flushGen   uint64
	retryTimer *time.Timer
	retryGen   uint64
}

func (cs *connState) stopFlush() {
	if cs.flushTimer != nil {
		cs.flushTimer.Stop()
		cs.flushTimer = nil
	}
	cs.flushGen++
}

func (cs *connState) stopRetry() {
	if cs.retryTimer != nil {
		cs.retryTimer.Stop()
		cs.retryTimer = nil
	}
	cs.retryGen++
}

// ── Registry ─────────────────────────────────────────────────────────

// registry maps destination keys to their state.
type registry struct {
	states map[string]*connState
}

func newRegistry() *registry {
	return &registry{states: make(map[string]*connState)}
}

// insert returns the state for key, creating it with mk when absent.
func (r *registry) insert(key string, mk func() *connState) (*connState, bool) {
	if cs, ok := r.states[key]; ok {
		return cs, false
	}
	cs := mk()
	r.states[key] = cs
	return cs, true
}

func (r *registry) get(key string) *connState { return r.states[key] }

func (r *registry) remove(key string) { delete(r.states, key) }

func (r *registry) len() int { return len(r.states) }

// keys returns a sorted snapshot, safe to iterate while removing.
func (r *registry) keys() []string {
	out := make([]string, 0, len(r.states))
	for k := range r.states {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (r *registry) anyConnected() bool {
	for _, cs := range r.states {
		if cs.state == Connected {
			return true
		}
	}
	return false
}
