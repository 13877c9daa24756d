package monitor

import "time"

// eventRing is a fixed-capacity FIFO of events in insertion order. It is not
// safe for concurrent use; Monitor guards it with its mutex.
type eventRing struct {
	buf   []Event
	start int
	size  int
}

func newEventRing(capacity int) *eventRing {
	return &eventRing{buf: make([]Event, capacity)}
}

func (r *eventRing) at(i int) Event {
	return r.buf[(r.start+i)%len(r.buf)]
}

// push appends e, overwriting the oldest event when full.
func (r *eventRing) push(e Event) {
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = e
		r.size++
		return
	}
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

// since returns, oldest first, the events after cutoff that match keep. The
// ring is in timestamp order, so the scan stops at the first older event.
func (r *eventRing) since(cutoff time.Time, keep func(Event) bool) []Event {
	var out []Event
	for i := r.size - 1; i >= 0; i-- {
		e := r.at(i)
		if !e.Timestamp.After(cutoff) {
			break
		}
		if keep == nil || keep(e) {
			out = append(out, e)
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// newest returns up to n events, newest first. n <= 0 means all.
func (r *eventRing) newest(n int) []Event {
	if n <= 0 || n > r.size {
		n = r.size
	}
	out := make([]Event, 0, n)
	for i := r.size - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, r.at(i))
	}
	return out
}

// dropOlder removes leading events at or before cutoff and returns how many
// were removed.
func (r *eventRing) dropOlder(cutoff time.Time) int {
	removed := 0
	for r.size > 0 && !r.at(0).Timestamp.After(cutoff) {
		r.buf[r.start] = Event{}
		r.start = (r.start + 1) % len(r.buf)
		r.size--
		removed++
	}
	return removed
}

func (r *eventRing) len() int {
	return r.size
}
