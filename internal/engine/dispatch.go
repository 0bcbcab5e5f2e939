package engine

import (
	"sync"

	"github.com/gammazero/deque"
)

// dispatcher runs output sinks on a goroutine of their own, in the order
// the loop handed frames over.  The loop never waits on a sink, so a sink
// may Submit follow-up requests or read Stats.
type dispatcher struct {
	mu      sync.Mutex
	pending *deque.Deque[func()]
	closing bool
	wake    chan struct{}
	done    chan struct{}
}

func newDispatcher() *dispatcher {
	d := &dispatcher{
		pending: deque.New[func()](),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

// push schedules fn behind everything already pushed.  It never blocks.
func (d *dispatcher) push(fn func()) {
	d.mu.Lock()
	d.pending.PushBack(fn)
	d.mu.Unlock()
	d.signal()
}

// close returns once everything pushed before it has run.
func (d *dispatcher) close() {
	d.mu.Lock()
	d.closing = true
	d.mu.Unlock()
	d.signal()
	<-d.done
}

func (d *dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run() {
	defer close(d.done)
	for {
		d.mu.Lock()
		if d.pending.Len() == 0 {
			closing := d.closing
			d.mu.Unlock()
			if closing {
				return
			}
			<-d.wake
			continue
		}
		fn := d.pending.PopFront()
		d.mu.Unlock()
		fn()
	}
}
