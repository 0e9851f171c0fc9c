package relay

import "github.com/vibedev/vibedev/pkg/events"

// ring is a bounded buffer of the most recent events for one project,
// ordered by sequence number. Events older than the capacity are discarded
// and can no longer be replayed.
type ring struct {
	buf   []*events.StructuredEvent
	start int // index of the oldest event
	count int
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &ring{buf: make([]*events.StructuredEvent, capacity)}
}

// append adds an event, evicting the oldest when full
func (r *ring) append(ev *events.StructuredEvent) {
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = ev
		r.count++
		return
	}
	r.buf[r.start] = ev
	r.start = (r.start + 1) % len(r.buf)
}

// oldest returns the lowest buffered sequence number, or 0 when empty
func (r *ring) oldest() uint64 {
	if r.count == 0 {
		return 0
	}
	return r.buf[r.start].Sequence
}

// newest returns the highest buffered sequence number, or 0 when empty
func (r *ring) newest() uint64 {
	if r.count == 0 {
		return 0
	}
	return r.buf[(r.start+r.count-1)%len(r.buf)].Sequence
}

// since returns all buffered events with sequence > after, in order.
// ok is false when events after the requested point have already been
// evicted, meaning the caller must resynchronize from a snapshot.
func (r *ring) since(after uint64) ([]*events.StructuredEvent, bool) {
	if r.count == 0 {
		// Nothing buffered: replayable only if nothing was ever evicted,
		// which the caller establishes via the stream's sequence counter.
		return nil, true
	}

	if after+1 < r.oldest() {
		return nil, false
	}

	var result []*events.StructuredEvent
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Sequence > after {
			result = append(result, ev)
		}
	}
	return result, true
}
