// Package ack implements the per-subscription lease table described in
// spec.md section 4.5 (component C1): outstanding messages, deadlines,
// ack/nack outcomes, delivery-attempt counters, and the short-TTL
// de-dup set that backs exactly-once delivery.
package ack

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/b87dev/pubsub-broker/internal/broker/clock"
	"github.com/b87dev/pubsub-broker/internal/models"
)

// Outcome is the settled state of a lease.
type Outcome int

const (
	Pending Outcome = iota
	Acked
	Nacked
	Expired
)

// Lease is the internal-to-C1 record described in spec.md section 3.
type Lease struct {
	AckID       string
	Message     *models.Message
	Deadline    time.Time
	Attempts    int
	OrderingKey string
	Outcome     Outcome
}

// Tracker is a single subscription's ack-ID -> lease map, plus the
// exactly-once-delivery de-dup set of recently settled ack-IDs.
//
// Tracker guards its state with a mutex taken by every method, so it is
// safe for concurrent use. Per spec.md section 5, each subscription
// owns a single serialized dispatcher task, so in the broker its calls
// for one subscription already arrive one at a time; the mutex also
// lets tests drive it directly without building a full dispatcher.
type Tracker struct {
	mu       sync.Mutex
	clock    clock.Clock
	leases   map[string]*Lease
	dedup    map[string]time.Time // ack-ID -> settle time, for EOD
	dedupTTL time.Duration

	// ackedHistory retains acked messages until retention pruning drops
	// them, so seek-to-time (spec.md section 4.1) can restore messages
	// whose publishTime falls on or after the seek target.
	ackedHistory []*models.Message
}

// NewTracker creates a Tracker. dedupTTL should be at least the
// subscription's ack deadline, per spec.md section 4.4's exactly-once
// guarantee.
func NewTracker(c clock.Clock, dedupTTL time.Duration) *Tracker {
	return &Tracker{
		clock:    c,
		leases:   map[string]*Lease{},
		dedup:    map[string]time.Time{},
		dedupTTL: dedupTTL,
	}
}

// Lease inserts a new lease for msg with the given ack deadline,
// recording attempts, the caller's delivery-attempt count for this
// delivery, on the lease as given (the dispatcher passes 1 for a first
// delivery). It returns a fresh, cryptographically-random opaque
// ack-ID.
func (t *Tracker) Lease(msg *models.Message, ackDeadline time.Duration, attempts int) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := uuid.NewString()
	t.leases[id] = &Lease{
		AckID:       id,
		Message:     msg,
		Deadline:    t.clock.Now().Add(ackDeadline),
		Attempts:    attempts,
		OrderingKey: msg.OrderingKey,
		Outcome:     Pending,
	}
	return id
}

// Get returns the lease for id, if any is currently outstanding.
func (t *Tracker) Get(id string) (*Lease, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.leases[id]
	return l, ok
}

// Settle records outcome for id. It is idempotent: the first settling
// outcome wins, and repeated or post-settlement calls report
// models.AckInvalid. A successful ack is additionally recorded in the
// de-dup set so a later re-delivery attempt (e.g. after stream
// restart) can be recognized and rejected.
func (t *Tracker) Settle(id string, outcome Outcome) (*Lease, models.AckResult) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, settled := t.dedup[id]; settled {
		return nil, models.AckInvalid
	}
	l, ok := t.leases[id]
	if !ok {
		return nil, models.AckInvalid
	}
	if l.Outcome != Pending {
		return nil, models.AckInvalid
	}
	l.Outcome = outcome
	delete(t.leases, id)
	t.dedup[id] = t.clock.Now()
	return l, models.AckSuccess
}

// Extend updates the deadline of an outstanding lease (modifyAckDeadline).
// It reports models.AckFailedPrecondition if id was already acked or
// nacked (spec.md section 7: "modack after ack in EOD"), or
// models.AckInvalid if id was never issued at all.
func (t *Tracker) Extend(id string, newDeadline time.Time) models.AckResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, settled := t.dedup[id]; settled {
		return models.AckFailedPrecondition
	}
	l, ok := t.leases[id]
	if !ok {
		return models.AckInvalid
	}
	if l.Outcome != Pending {
		return models.AckFailedPrecondition
	}
	l.Deadline = newDeadline
	return models.AckSuccess
}

// Invalidate marks every currently-outstanding lease as settled
// without returning them to any queue; used by seek and by streaming
// session teardown outside exactly-once-delivery mode, where the
// caller separately decides what happens to the underlying messages.
func (t *Tracker) Invalidate() []*Lease {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*Lease, 0, len(t.leases))
	for id, l := range t.leases {
		out = append(out, l)
		delete(t.leases, id)
	}
	return out
}

// ExpireDue returns (and removes) every lease whose deadline is at or
// before now, incrementing nothing itself — the caller (the
// dispatcher) is responsible for bumping delivery-attempt counts and
// deciding dead-letter forwarding, per spec.md section 4.4 step 7.
func (t *Tracker) ExpireDue(now time.Time) []*Lease {
	t.mu.Lock()
	defer t.mu.Unlock()

	var due []*Lease
	for id, l := range t.leases {
		if l.Outcome == Pending && !l.Deadline.After(now) {
			l.Outcome = Expired
			due = append(due, l)
			delete(t.leases, id)
		}
	}
	return due
}

// DropOlderThan removes and returns every outstanding lease whose
// message was published before cutoff, regardless of its deadline.
// Used alongside queue.Queue.PruneOlderThan so retention age-out
// reaches messages that are currently leased, not just queued ones
// (spec.md section 4.3).
func (t *Tracker) DropOlderThan(cutoff time.Time) []*Lease {
	t.mu.Lock()
	defer t.mu.Unlock()

	var dropped []*Lease
	for id, l := range t.leases {
		if l.Message.PublishTime.Before(cutoff) {
			dropped = append(dropped, l)
			delete(t.leases, id)
		}
	}
	return dropped
}

// OutstandingCount reports how many leases are currently pending;
// used by seek to detect whether a caller must close its stream first.
func (t *Tracker) OutstandingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.leases)
}

// PruneDedup drops de-dup entries older than dedupTTL, bounding the
// set's memory use. Called periodically by the subscription's
// dispatcher loop alongside retention pruning.
func (t *Tracker) PruneDedup(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, settledAt := range t.dedup {
		if now.Sub(settledAt) > t.dedupTTL {
			delete(t.dedup, id)
		}
	}
}

// RecordAcked appends msg to the acked-message history used by
// seek-to-time. Called by the dispatcher after a successful ack.
func (t *Tracker) RecordAcked(msg *models.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ackedHistory = append(t.ackedHistory, msg)
}

// RestoreAcked removes and returns every acked-history entry whose
// PublishTime is at or after cutoff, for seek(time) to hand back to
// the deliverable queue (spec.md section 4.1: "publishTime >= t that
// has been acked is un-acked").
func (t *Tracker) RestoreAcked(cutoff time.Time) []*models.Message {
	t.mu.Lock()
	defer t.mu.Unlock()

	var restored, kept []*models.Message
	for _, m := range t.ackedHistory {
		if !m.PublishTime.Before(cutoff) {
			restored = append(restored, m)
		} else {
			kept = append(kept, m)
		}
	}
	t.ackedHistory = kept
	return restored
}

// PruneAckedOlderThan drops acked-history entries published before
// cutoff, bounding the history's memory use to the subscription's
// retention window.
func (t *Tracker) PruneAckedOlderThan(cutoff time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	kept := t.ackedHistory[:0:0]
	for _, m := range t.ackedHistory {
		if !m.PublishTime.Before(cutoff) {
			kept = append(kept, m)
		}
	}
	t.ackedHistory = kept
}

// WasRecentlySettled reports whether id has already been settled
// within the de-dup window, used by exactly-once-delivery mode to
// reject redelivery acknowledgement after the fact.
func (t *Tracker) WasRecentlySettled(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.dedup[id]
	return ok
}
