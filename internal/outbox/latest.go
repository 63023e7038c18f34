package outbox

import "sync"

// latest keeps the newest pending event per kind and key. Keys are served
// in the order they first became pending; an event that replaces a pending
// one keeps its predecessor's place.
type latest struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending map[string]Event
	order   []string
	limit   int
	closed  bool
}

func newLatest(limit int) *latest {
	l := &latest{
		pending: make(map[string]Event),
		limit:   limit,
	}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// put stores ev. added reports whether ev took a new slot rather than
// replacing a pending event; ok is false when the limit of distinct
// pending keys is reached or the queue is closed.
func (l *latest) put(ev Event) (added, ok bool) {
	k := string(ev.Kind) + "/" + ev.Key
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false, false
	}
	if _, exists := l.pending[k]; exists {
		l.pending[k] = ev
		return false, true
	}
	if len(l.pending) >= l.limit {
		return false, false
	}
	l.pending[k] = ev
	l.order = append(l.order, k)
	l.cond.Signal()
	return true, true
}

// take blocks until an event is pending and removes it. It returns false
// once the queue is closed and drained.
func (l *latest) take() (Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for len(l.order) == 0 {
		if l.closed {
			return Event{}, false
		}
		l.cond.Wait()
	}
	k := l.order[0]
	l.order[0] = ""
	l.order = l.order[1:]
	ev := l.pending[k]
	delete(l.pending, k)
	return ev, true
}

func (l *latest) close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.cond.Broadcast()
}
