package signal

import (
	"github.com/Neb-iyu/facetime-app/internal/core"
)

// outboundQueue holds messages composed while disconnected, drained FIFO on
// reconnect. Bounded: above the limit the oldest non-call-control entry is
// evicted first; call-control messages are never dropped, so the queue may
// exceed the limit by call-control traffic alone.
type outboundQueue struct {
	limit int
	items []core.Envelope
}

// push appends env, evicting if needed. Reports whether anything was dropped
// (either an evicted entry or env itself).
func (q *outboundQueue) push(env core.Envelope) bool {
	dropped := false
	if q.limit > 0 && len(q.items) >= q.limit {
		if q.evictOne() {
			dropped = true
		} else if !core.IsCallControl(env.Type) {
			return true
		}
	}
	q.items = append(q.items, env)
	return dropped
}

func (q *outboundQueue) evictOne() bool {
	for i, e := range q.items {
		if !core.IsCallControl(e.Type) {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

func (q *outboundQueue) peek() (core.Envelope, bool) {
	if len(q.items) == 0 {
		return core.Envelope{}, false
	}
	return q.items[0], true
}

func (q *outboundQueue) pop() {
	if len(q.items) > 0 {
		q.items = q.items[1:]
	}
}

func (q *outboundQueue) len() int { return len(q.items) }
