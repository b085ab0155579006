// Package queue implements the per-subscription deliverable FIFO
// described in spec.md section 4.3 (component C2): a plain FIFO for
// messages without an ordering key, a per-ordering-key sub-FIFO for
// messages that have one, and the paused/blocked-key bookkeeping that
// keeps at most one message per key outstanding at a time.
package queue

import (
	"container/list"
	"sync"
	"time"

	"github.com/b87dev/pubsub-broker/internal/models"
)

// Queue holds one subscription's deliverable messages. It is safe for
// concurrent use, though per spec.md section 5 it is normally driven
// only from that subscription's single dispatcher task.
type Queue struct {
	mu sync.Mutex

	plain *list.List // FIFO of *models.Message with no ordering key

	keyFIFO map[string]*list.List // ordering key -> FIFO of *models.Message
	ready   *list.List            // FIFO of ordering keys whose head is deliverable
	queued  map[string]bool       // ordering key -> already present in ready
	locked  map[string]bool       // ordering key -> outstanding lease or backoff hold

	turn int // alternates plain/keyed delivery for fairness
}

// New creates an empty Queue.
func New() *Queue {
	return &Queue{
		plain:   list.New(),
		keyFIFO: map[string]*list.List{},
		ready:   list.New(),
		queued:  map[string]bool{},
		locked:  map[string]bool{},
	}
}

// Push enqueues msg. Messages with no ordering key join the plain
// FIFO; messages with one join that key's sub-FIFO, and the key joins
// the ready rotation if it isn't locked and its sub-FIFO was empty
// before this push (i.e. msg is now the new deliverable head).
func (q *Queue) Push(msg *models.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if msg.OrderingKey == "" {
		q.plain.PushBack(msg)
		return
	}
	kq, ok := q.keyFIFO[msg.OrderingKey]
	if !ok {
		kq = list.New()
		q.keyFIFO[msg.OrderingKey] = kq
	}
	wasEmpty := kq.Len() == 0
	kq.PushBack(msg)
	if wasEmpty && !q.locked[msg.OrderingKey] {
		q.markReady(msg.OrderingKey)
	}
}

// markReady must be called with mu held.
func (q *Queue) markReady(key string) {
	if q.queued[key] {
		return
	}
	q.queued[key] = true
	q.ready.PushBack(key)
}

// PopNext removes and returns the next deliverable message: either the
// head of the plain FIFO or the head of a ready (unlocked) ordering
// key's sub-FIFO. Popping a keyed message locks its key until Release
// is called. Alternates which source it tries first so neither the
// plain FIFO nor the keyed rotation starves the other.
func (q *Queue) PopNext() (*models.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := 0; i < 2; i++ {
		preferPlain := q.turn == 0
		q.turn ^= 1
		if preferPlain {
			if m, ok := q.popPlain(); ok {
				return m, true
			}
			if m, ok := q.popKeyed(); ok {
				return m, true
			}
		} else {
			if m, ok := q.popKeyed(); ok {
				return m, true
			}
			if m, ok := q.popPlain(); ok {
				return m, true
			}
		}
	}
	return nil, false
}

func (q *Queue) popPlain() (*models.Message, bool) {
	e := q.plain.Front()
	if e == nil {
		return nil, false
	}
	q.plain.Remove(e)
	return e.Value.(*models.Message), true
}

func (q *Queue) popKeyed() (*models.Message, bool) {
	for {
		e := q.ready.Front()
		if e == nil {
			return nil, false
		}
		key := e.Value.(string)
		q.ready.Remove(e)
		q.queued[key] = false

		kq, ok := q.keyFIFO[key]
		if !ok || kq.Len() == 0 {
			continue // stale ready entry; try the next one
		}
		head := kq.Front()
		kq.Remove(head)
		if kq.Len() == 0 {
			delete(q.keyFIFO, key)
		}
		q.locked[key] = true
		return head.Value.(*models.Message), true
	}
}

// RequeueKeyedHead puts msg back at the front of its ordering key's
// sub-FIFO, preserving order, leaving the key locked (the caller is
// expected to have a backoff or immediate-release decision to make
// via Release).
func (q *Queue) RequeueKeyedHead(msg *models.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()

	kq, ok := q.keyFIFO[msg.OrderingKey]
	if !ok {
		kq = list.New()
		q.keyFIFO[msg.OrderingKey] = kq
	}
	kq.PushFront(msg)
	q.locked[msg.OrderingKey] = true
}

// RequeuePlainHead puts msg back at the front of the plain (no
// ordering key) FIFO, used when a dispatcher pops a message but finds
// no session with room to accept it.
func (q *Queue) RequeuePlainHead(msg *models.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.plain.PushFront(msg)
}

// Release unlocks key: if its sub-FIFO still holds messages, the new
// head becomes deliverable again. Called on ack, on immediate
// redelivery with no retry policy, or when a retry-policy backoff
// timer fires.
func (q *Queue) Release(key string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.locked[key] = false
	if kq, ok := q.keyFIFO[key]; ok && kq.Len() > 0 {
		q.markReady(key)
	}
}

// PruneOlderThan removes and returns every queued (not currently
// leased) message whose PublishTime is strictly before cutoff,
// regardless of which sub-queue it sits in.
func (q *Queue) PruneOlderThan(cutoff time.Time) []*models.Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	var pruned []*models.Message
	pruned = append(pruned, pruneList(q.plain, cutoff)...)
	for key, kq := range q.keyFIFO {
		pruned = append(pruned, pruneList(kq, cutoff)...)
		if kq.Len() == 0 {
			delete(q.keyFIFO, key)
		}
	}
	return pruned
}

func pruneList(l *list.List, cutoff time.Time) []*models.Message {
	var pruned []*models.Message
	var next *list.Element
	for e := l.Front(); e != nil; e = next {
		next = e.Next()
		m := e.Value.(*models.Message)
		if m.PublishTime.Before(cutoff) {
			l.Remove(e)
			pruned = append(pruned, m)
		}
	}
	return pruned
}

// Len reports the total number of queued (not leased) messages across
// the plain FIFO and every ordering key's sub-FIFO.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := q.plain.Len()
	for _, kq := range q.keyFIFO {
		n += kq.Len()
	}
	return n
}

// Snapshot returns every currently queued message, in no particular
// cross-key order, for use by createSnapshot (spec.md section 4.1).
func (q *Queue) Snapshot() []*models.Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*models.Message
	for e := q.plain.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*models.Message))
	}
	for _, kq := range q.keyFIFO {
		for e := kq.Front(); e != nil; e = e.Next() {
			out = append(out, e.Value.(*models.Message))
		}
	}
	return out
}

// Reset discards all queued state and replaces it with msgs, used by
// seek-to-snapshot and seek-to-time (spec.md section 4.1). Locked keys
// are cleared too: seek supersedes any outstanding lease bookkeeping,
// which the caller (the dispatcher) invalidates separately in C1.
func (q *Queue) Reset(msgs []*models.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.plain = list.New()
	q.keyFIFO = map[string]*list.List{}
	q.ready = list.New()
	q.queued = map[string]bool{}
	q.locked = map[string]bool{}

	for _, m := range msgs {
		if m.OrderingKey == "" {
			q.plain.PushBack(m)
			continue
		}
		kq, ok := q.keyFIFO[m.OrderingKey]
		if !ok {
			kq = list.New()
			q.keyFIFO[m.OrderingKey] = kq
		}
		wasEmpty := kq.Len() == 0
		kq.PushBack(m)
		if wasEmpty {
			q.markReady(m.OrderingKey)
		}
	}
}
