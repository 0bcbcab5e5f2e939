package engine

type eventKind int

const (
	evConnected eventKind = iota
	evData
	evEnded
	evFailed
	evIdle
	evClosed
	evFlush
	evRetry
)

// event is posted into the loop by sessions and timers.  Session events
// carry the session ID; timer events carry the state and generation they
// were armed for.
type event struct {
	kind  eventKind
	key   string
	sid   uint64
	data  []byte
	err   error
	state *connState
	gen   uint64
}

// sink adapts session callbacks for one destination into loop events.
type sink struct {
	m   *Manager
	key string
}

func (s sink) Connected(id uint64) { s.m.post(event{kind: evConnected, key: s.key, sid: id}) }

func (s sink) Data(id uint64, chunk []byte) {
	s.m.post(event{kind: evData, key: s.key, sid: id, data: chunk})
}

func (s sink) Ended(id uint64) { s.m.post(event{kind: evEnded, key: s.key, sid: id}) }

func (s sink) Failed(id uint64, err error) {
	s.m.post(event{kind: evFailed, key: s.key, sid: id, err: err})
}

func (s sink) Idle(id uint64) { s.m.post(event{kind: evIdle, key: s.key, sid: id}) }

func (s sink) Closed(id uint64) { s.m.post(event{kind: evClosed, key: s.key, sid: id}) }
