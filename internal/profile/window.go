package profile

import (
	"sort"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Observation is one transaction kept for velocity windows. Features holds
// the vector computed when the transaction was first applied, so a retry
// sees exactly what the first attempt saw.
type Observation struct {
	At       time.Time             `json:"at"`
	TxnID    string                `json:"txn_id"`
	Features *domain.FeatureVector `json:"features,omitempty"`
}

func (e Observation) before(o Observation) bool {
	if e.At.Equal(o.At) {
		return e.TxnID < o.TxnID
	}
	return e.At.Before(o.At)
}

// window is a fixed-capacity ring buffer of observations ordered by event
// time. Late arrivals are inserted in place; when full, the oldest
// observation is dropped.
type window struct {
	buf  []Observation
	head int
	size int
}

func newWindow(capacity int) *window {
	if capacity <= 0 {
		capacity = 512
	}
	return &window{buf: make([]Observation, capacity)}
}

func (w *window) at(i int) Observation {
	return w.buf[(w.head+i)%len(w.buf)]
}

func (w *window) set(i int, e Observation) {
	w.buf[(w.head+i)%len(w.buf)] = e
}

func (w *window) len() int { return w.size }

func (w *window) insert(e Observation) {
	if w.size == len(w.buf) {
		if e.before(w.at(0)) {
			return
		}
		w.head = (w.head + 1) % len(w.buf)
		w.size--
	}
	i := w.size
	for i > 0 && e.before(w.at(i-1)) {
		w.set(i, w.at(i-1))
		i--
	}
	w.set(i, e)
	w.size++
}

// evictBefore drops observations strictly older than cutoff.
func (w *window) evictBefore(cutoff time.Time) {
	for w.size > 0 && w.at(0).At.Before(cutoff) {
		w.buf[w.head] = Observation{}
		w.head = (w.head + 1) % len(w.buf)
		w.size--
	}
}

func (w *window) newest() time.Time {
	if w.size == 0 {
		return time.Time{}
	}
	return w.at(w.size - 1).At
}

// count returns the number of observations with from < At <= to.
func (w *window) count(from, to time.Time) int {
	lo := sort.Search(w.size, func(i int) bool { return w.at(i).At.After(from) })
	hi := sort.Search(w.size, func(i int) bool { return w.at(i).At.After(to) })
	if hi < lo {
		return 0
	}
	return hi - lo
}

func (w *window) contains(txnID string) bool {
	_, ok := w.find(txnID)
	return ok
}

func (w *window) find(txnID string) (Observation, bool) {
	for i := w.size - 1; i >= 0; i-- {
		if e := w.at(i); e.TxnID == txnID {
			return e, true
		}
	}
	return Observation{}, false
}

func (w *window) entries() []Observation {
	out := make([]Observation, w.size)
	for i := range out {
		out[i] = w.at(i)
	}
	return out
}
