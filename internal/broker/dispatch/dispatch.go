// Package dispatch implements the per-subscription delivery loop
// described in spec.md section 4.4 (component C3): round-robin
// fan-out of queued messages across attached pull and streaming-pull
// sessions, ack/nack/modack handling, lease-expiry driven redelivery,
// retry-policy backoff, and dead-letter forwarding.
//
// Each Dispatcher runs a single actor goroutine; every public method
// hands a closure to that goroutine and waits for it to finish, so the
// queue and ack-tracker state it owns is never touched from two
// goroutines at once (spec.md section 5).
package dispatch

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/b87dev/pubsub-broker/internal/broker/ack"
	"github.com/b87dev/pubsub-broker/internal/broker/clock"
	"github.com/b87dev/pubsub-broker/internal/broker/filter"
	"github.com/b87dev/pubsub-broker/internal/broker/queue"
	"github.com/b87dev/pubsub-broker/internal/logger"
	"github.com/b87dev/pubsub-broker/internal/models"
)

// Delivery pairs a message with the ack-ID minted for this lease.
type Delivery struct {
	AckID   string
	Message *models.Message
}

// FlowControl bounds one streaming-pull session's budget, using the
// field names of the production client's pubsub.FlowControlSettings: a
// message-count budget enforced via the session's channel capacity, and
// a byte budget checked at handoff time and credited back on ack, nack
// or lease expiry. The message-count budget counts only deliveries still
// buffered in the channel: a delivery the consumer has read no longer
// counts against it, whether or not it has been acked.
type FlowControl struct {
	MaxOutstandingMessages int
	MaxOutstandingBytes    int
	AllowExcess            bool
}

const defaultSessionCapacity = 64

// Session is one attached Pull or StreamingPull consumer. Messages
// popped from the queue are handed to registered sessions in
// round-robin order, the wrap-around fan-out policy the retrieved
// pstest fake server's deliverMessage uses for multiple open streams
// on one subscription.
type Session struct {
	id   string
	msgs chan *Delivery

	fc               FlowControl
	outstandingBytes int64 // atomic
}

// Messages returns the channel deliveries for this session arrive on.
// It is closed when the session is unregistered.
func (s *Session) Messages() <-chan *Delivery { return s.msgs }

// hasRoom reports whether the session can accept one more message of
// size bytes without exceeding its declared budget.
func (s *Session) hasRoom(size int) bool {
	if len(s.msgs) >= cap(s.msgs) {
		return false
	}
	if s.fc.AllowExcess || s.fc.MaxOutstandingBytes <= 0 {
		return true
	}
	return atomic.LoadInt64(&s.outstandingBytes)+int64(size) <= int64(s.fc.MaxOutstandingBytes)
}

// DeadLetterForwarder publishes a message to a dead-letter topic on
// behalf of the dispatcher; implemented by the publish pipeline
// (component C4).
type DeadLetterForwarder interface {
	ForwardDeadLetter(topic string, msg *models.Message, sourceSubscription string, deliveryAttempt int) error
}

// PushFunc simulates delivery to a push endpoint, returning an
// HTTP-status-like code: 2xx acks on the subscriber's behalf, 4xx is
// treated as a permanent failure and goes straight to dead-lettering
// (or is dropped if no dead-letter policy is configured), and 5xx (or
// a non-nil transport error) is treated as a nack and retried with
// backoff like any other nack.
type PushFunc func(ctx context.Context, msg *models.Message) (statusCode int, err error)

// tickInterval governs how often the dispatcher scans for expired
// leases and due retry-backoff releases.
const tickInterval = 100 * time.Millisecond

// fallbackRedeliverDelay is the delay applied to immediate (no
// retry-policy) redelivery once redeliverLimiter's burst is spent.
const fallbackRedeliverDelay = 50 * time.Millisecond

// Dispatcher drives delivery for a single subscription.
type Dispatcher struct {
	sub     *models.Subscription
	q       *queue.Queue
	tracker *ack.Tracker
	filt    *filter.Filter
	clk     clock.Clock
	dlq     DeadLetterForwarder
	push    PushFunc
	log     *slog.Logger

	commands chan func()
	stop     chan struct{}
	stopped  chan struct{}

	sessions []*Session
	nextIdx  int
	nextID   int

	attempts    map[string]int     // message ID -> delivery attempts so far
	deliveredTo map[string]*Session // ack-ID -> the session it was handed to, for byte-budget release
	redeliverLimiter *rate.Limiter  // caps immediate-redelivery churn when no retry policy is set
}

// New constructs a Dispatcher for sub. dlq may be nil if sub has no
// dead-letter policy.
func New(sub *models.Subscription, q *queue.Queue, tracker *ack.Tracker, filt *filter.Filter, clk clock.Clock, dlq DeadLetterForwarder) *Dispatcher {
	return &Dispatcher{
		sub:      sub,
		q:        q,
		tracker:  tracker,
		filt:     filt,
		clk:      clk,
		dlq:      dlq,
		log:      logger.GetLogger().With("component", "dispatch", "subscription", sub.Name),
		commands:         make(chan func(), 64),
		stop:             make(chan struct{}),
		stopped:          make(chan struct{}),
		attempts:         map[string]int{},
		deliveredTo:      map[string]*Session{},
		redeliverLimiter: rate.NewLimiter(rate.Limit(200), 50),
	}
}

// SetPushFunc installs (or clears, with nil) the push-delivery
// callback used when sub has a PushConfig. Safe to call at any time,
// including after Start, since it is routed through the actor
// goroutine like every other state mutation.
func (d *Dispatcher) SetPushFunc(p PushFunc) {
	d.exec(func() {
		d.push = p
		d.tryDeliver()
	})
}

// Start launches the actor goroutine and the first expiry/backoff
// tick. It must be called exactly once.
func (d *Dispatcher) Start() {
	go d.run()
	d.scheduleTick()
}

// Stop halts the actor goroutine. Outstanding leases and queued
// messages are left as-is; callers that want them invalidated should
// do so through the tracker and queue directly before calling Stop.
func (d *Dispatcher) Stop() {
	close(d.stop)
	<-d.stopped
}

func (d *Dispatcher) run() {
	defer close(d.stopped)
	for {
		select {
		case <-d.stop:
			return
		case cmd := <-d.commands:
			cmd()
		}
	}
}

// exec runs fn on the actor goroutine and blocks until it completes.
func (d *Dispatcher) exec(fn func()) {
	done := make(chan struct{})
	select {
	case d.commands <- func() { fn(); close(done) }:
	case <-d.stop:
		return
	}
	select {
	case <-done:
	case <-d.stop:
	}
}

func (d *Dispatcher) scheduleTick() {
	d.clk.AfterFunc(tickInterval, func() {
		select {
		case <-d.stop:
			return
		default:
		}
		d.exec(d.onTick)
		d.scheduleTick()
	})
}

// onTick expires due leases, requeues or dead-letters them, and tries
// to hand anything newly deliverable to a session.
func (d *Dispatcher) onTick() {
	now := d.clk.Now()
	for _, l := range d.tracker.ExpireDue(now) {
		d.log.Debug("lease expired", "message_id", l.Message.ID, "ack_id", l.AckID)
		d.releaseBudget(l.AckID, l.Message.Size())
		d.handleFailedDelivery(l.Message, l.OrderingKey)
	}
	d.tracker.PruneDedup(now)
	if retention := d.sub.MessageRetentionDuration; retention > 0 {
		d.tracker.PruneAckedOlderThan(now.Add(-retention))
	}
	d.pruneRetention(now)
	d.tryDeliver()
}

// pruneRetention drops queued and leased messages older than the
// subscription's messageRetentionDuration (spec.md section 4.3),
// regardless of delivery state. Snapshots hold their own copies of
// pruned messages, so this never affects seek-to-snapshot.
func (d *Dispatcher) pruneRetention(now time.Time) {
	retention := d.sub.MessageRetentionDuration
	if retention <= 0 {
		return
	}
	cutoff := now.Add(-retention)
	for _, m := range d.q.PruneOlderThan(cutoff) {
		delete(d.attempts, m.ID)
	}
	for _, l := range d.tracker.DropOlderThan(cutoff) {
		d.releaseBudget(l.AckID, l.Message.Size())
		delete(d.attempts, l.Message.ID)
	}
}

// Offer enqueues msg for delivery. Called by the publish pipeline
// after fan-out filtering has already decided this subscription
// should receive it.
func (d *Dispatcher) Offer(msg *models.Message) {
	d.exec(func() {
		d.log.Debug("message enqueued", "message_id", msg.ID, "ordering_key", msg.OrderingKey)
		d.q.Push(msg)
		d.tryDeliver()
	})
}

// Receive drives a callback-based streaming-pull consumer, mirroring
// the production client's Subscriber.Receive shape: handle is invoked
// once per delivered message until ctx is canceled or the dispatcher
// stops. Grounded on the retrieved MessageStreamer's ctx/cancel
// receive loop, but using errgroup to propagate the loop's exit
// instead of a hand-rolled done/error channel pair.
func (d *Dispatcher) Receive(ctx context.Context, fc FlowControl, handle func(ctx context.Context, ackID string, msg *models.Message)) error {
	s := d.RegisterSession(fc)
	defer d.UnregisterSession(s)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case delivery, ok := <-s.Messages():
				if !ok {
					return nil
				}
				handle(gctx, delivery.AckID, delivery.Message)
			}
		}
	})
	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// RegisterSession attaches a new streaming-pull consumer bounded by fc
// and returns it. The caller must call UnregisterSession when the
// consumer disconnects. A zero-value fc falls back to a fixed default
// capacity with no byte budget.
func (d *Dispatcher) RegisterSession(fc FlowControl) *Session {
	capacity := fc.MaxOutstandingMessages
	if capacity <= 0 {
		capacity = defaultSessionCapacity
	}
	s := &Session{msgs: make(chan *Delivery, capacity), fc: fc}
	d.exec(func() {
		d.nextID++
		s.id = string(rune('a' + d.nextID%26))
		d.sessions = append(d.sessions, s)
		d.tryDeliver()
	})
	return s
}

// UnregisterSession detaches s. If sub does not have exactly-once
// delivery enabled, every outstanding lease on the subscription (not
// only those handed to s, since leases are not tracked per session) is
// immediately invalidated and requeued (treated as a nack); with
// exactly-once delivery enabled,
// they are left to expire naturally so a stale ack from the departed
// stream cannot resurrect a settled outcome, per spec.md section 6's
// streaming-pull teardown rule.
func (d *Dispatcher) UnregisterSession(s *Session) {
	d.exec(func() {
		for i, other := range d.sessions {
			if other == s {
				d.sessions = append(d.sessions[:i], d.sessions[i+1:]...)
				break
			}
		}
		close(s.msgs)
		for id, owner := range d.deliveredTo {
			if owner == s {
				delete(d.deliveredTo, id)
			}
		}
		if !d.sub.EnableExactlyOnceDelivery {
			d.invalidateSessionLeases(s)
		}
	})
}

func (d *Dispatcher) invalidateSessionLeases(_ *Session) {
	// All leases belong to the dispatcher's single tracker, not to a
	// particular session, so a full nack-style requeue of everything
	// outstanding is the closest safe approximation without per-session
	// lease bookkeeping: spec.md only requires this behavior difference
	// under exactly-once delivery, which is unaffected by this call.
	for _, l := range d.tracker.Invalidate() {
		d.requeueAfterNack(l.Message, l.OrderingKey)
	}
}

// Pull synchronously pops up to maxMessages deliverable messages and
// leases them, for the pull() operation (spec.md section 4.4). Every
// message in the queue has already passed the subscription's filter
// at publish time (spec.md section 4.2 step 5), so Pull does not
// re-evaluate it.
func (d *Dispatcher) Pull(maxMessages int) []*Delivery {
	var out []*Delivery
	d.exec(func() {
		for len(out) < maxMessages {
			msg, ok := d.q.PopNext()
			if !ok {
				break
			}
			out = append(out, d.lease(msg))
		}
	})
	return out
}

// tryDeliver hands as many queued messages as possible to registered
// sessions in round-robin order, or to the push callback if sub has a
// PushConfig.
func (d *Dispatcher) tryDeliver() {
	pushMode := d.sub.PushConfig != nil && d.push != nil
	if !pushMode && len(d.sessions) == 0 {
		return
	}
	for {
		msg, ok := d.q.PopNext()
		if !ok {
			return
		}
		if pushMode {
			d.deliverPush(msg)
			continue
		}
		if !d.handOff(msg) {
			return
		}
	}
}

// handOff leases msg and offers it to the next session with spare
// budget (both message-count and, if configured, byte-count). If none
// has room, msg is put back at the head of its (sub-)queue and false
// is returned so tryDeliver stops spinning.
func (d *Dispatcher) handOff(msg *models.Message) bool {
	n := len(d.sessions)
	size := msg.Size()
	for i := 0; i < n; i++ {
		s := d.sessions[d.nextIdx]
		d.nextIdx = (d.nextIdx + 1) % n
		if !s.hasRoom(size) {
			continue // this session has no spare budget; try the next
		}
		delivery := d.lease(msg)
		d.deliveredTo[delivery.AckID] = s
		atomic.AddInt64(&s.outstandingBytes, int64(size))
		// d is the only goroutine that ever sends on s.msgs, so the
		// capacity check in hasRoom guarantees this send cannot block.
		s.msgs <- delivery
		return true
	}
	d.requeueHead(msg)
	return false
}

// releaseBudget gives back ackID's byte reservation on whichever
// session it was delivered to, if any (pull deliveries and push
// deliveries never populate deliveredTo and are no-ops here).
func (d *Dispatcher) releaseBudget(ackID string, size int) {
	if s, ok := d.deliveredTo[ackID]; ok {
		atomic.AddInt64(&s.outstandingBytes, -int64(size))
		delete(d.deliveredTo, ackID)
	}
}

// requeueHead is used when a popped message could not be handed to
// any session this round.
func (d *Dispatcher) requeueHead(msg *models.Message) {
	if msg.OrderingKey != "" {
		d.q.RequeueKeyedHead(msg)
		d.q.Release(msg.OrderingKey)
	} else {
		d.q.RequeuePlainHead(msg)
	}
}

func (d *Dispatcher) lease(msg *models.Message) *Delivery {
	d.attempts[msg.ID]++
	ackID := d.tracker.Lease(msg, d.sub.AckDeadline, d.attempts[msg.ID])
	d.log.Debug("message leased", "message_id", msg.ID, "ack_id", ackID, "attempt", d.attempts[msg.ID])
	return &Delivery{AckID: ackID, Message: msg}
}

// deliverPush simulates a push subscription's HTTP delivery: 2xx acks
// on the subscriber's behalf, 4xx is a permanent failure that goes
// straight to dead-lettering (or is dropped without one configured),
// and 5xx or a transport error is treated like any other nack.
func (d *Dispatcher) deliverPush(msg *models.Message) {
	delivery := d.lease(msg)
	status, err := d.push(context.Background(), msg)

	switch {
	case err == nil && status >= 200 && status < 300:
		d.tracker.Settle(delivery.AckID, ack.Acked)
		if msg.OrderingKey != "" {
			d.q.Release(msg.OrderingKey)
			d.tryDeliver()
		}
	case err == nil && status >= 400 && status < 500:
		lease, _ := d.tracker.Settle(delivery.AckID, ack.Nacked)
		if lease != nil {
			d.deadLetterOrDrop(lease.Message, lease.OrderingKey)
		}
	default:
		lease, _ := d.tracker.Settle(delivery.AckID, ack.Nacked)
		if lease != nil {
			d.handleFailedDelivery(lease.Message, lease.OrderingKey)
		}
	}
}

// deadLetterOrDrop forwards msg to the dead-letter topic regardless of
// its delivery-attempt count (used for push's permanent 4xx failures),
// or drops it if no dead-letter policy is configured.
func (d *Dispatcher) deadLetterOrDrop(msg *models.Message, orderingKey string) {
	attempts := d.attempts[msg.ID]
	delete(d.attempts, msg.ID)
	if dlp := d.sub.DeadLetterPolicy; dlp != nil {
		if d.dlq == nil {
			d.log.Warn("dead-letter policy configured without a forwarder; message dropped", "message_id", msg.ID, "dead_letter_topic", dlp.DeadLetterTopic)
		} else if err := d.dlq.ForwardDeadLetter(dlp.DeadLetterTopic, msg, d.sub.Name, attempts); err != nil {
			d.log.Error("dead-letter forward failed", "message_id", msg.ID, "dead_letter_topic", dlp.DeadLetterTopic, "error", err)
		}
	}
	if orderingKey != "" {
		d.q.Release(orderingKey)
		d.tryDeliver()
	}
}

// Ack settles ackID as acked. In exactly-once delivery mode the
// returned AckResult is meaningful to the caller; otherwise ack is
// fire-and-forget per spec.md section 7 and the result may be
// ignored.
func (d *Dispatcher) Ack(ackID string) models.AckResult {
	var result models.AckResult
	d.exec(func() {
		lease, res := d.tracker.Settle(ackID, ack.Acked)
		result = res
		if lease == nil {
			return
		}
		d.releaseBudget(ackID, lease.Message.Size())
		d.tracker.RecordAcked(lease.Message)
		delete(d.attempts, lease.Message.ID)
		if lease.OrderingKey != "" {
			d.q.Release(lease.OrderingKey)
		}
		d.tryDeliver()
	})
	return result
}

// Nack settles ackID as nacked, which immediately re-offers the
// message (after any configured retry-policy backoff).
func (d *Dispatcher) Nack(ackID string) models.AckResult {
	var result models.AckResult
	d.exec(func() {
		lease, res := d.tracker.Settle(ackID, ack.Nacked)
		result = res
		if lease == nil {
			return
		}
		d.releaseBudget(ackID, lease.Message.Size())
		d.handleFailedDelivery(lease.Message, lease.OrderingKey)
	})
	return result
}

// ModAck extends ackID's deadline by d (modifyAckDeadline). A
// deadline of zero is equivalent to an immediate Nack.
func (d *Dispatcher) ModAck(ackID string, newDeadline time.Duration) models.AckResult {
	if newDeadline <= 0 {
		return d.Nack(ackID)
	}
	var result models.AckResult
	d.exec(func() {
		result = d.tracker.Extend(ackID, d.clk.Now().Add(newDeadline))
	})
	return result
}

// handleFailedDelivery is the common path for a nacked or
// lease-expired message: bump delivery attempts, dead-letter if the
// policy's threshold is reached, otherwise requeue (immediately or
// after a retry-policy backoff).
func (d *Dispatcher) handleFailedDelivery(msg *models.Message, orderingKey string) {
	attempts := d.attempts[msg.ID]
	if dlp := d.sub.DeadLetterPolicy; dlp != nil && attempts >= dlp.MaxDeliveryAttempts {
		// Acked on this subscription regardless of forwarding outcome: a
		// missing dead-letter topic or a failed forward still drops the
		// message here rather than retrying it forever (spec.md section
		// 7's best-effort dead-letter semantics).
		delete(d.attempts, msg.ID)
		if d.dlq == nil {
			d.log.Warn("dead-letter policy configured without a forwarder; message dropped", "message_id", msg.ID, "dead_letter_topic", dlp.DeadLetterTopic)
		} else if err := d.dlq.ForwardDeadLetter(dlp.DeadLetterTopic, msg, d.sub.Name, attempts); err != nil {
			d.log.Error("dead-letter forward failed", "message_id", msg.ID, "dead_letter_topic", dlp.DeadLetterTopic, "error", err)
		}
		if orderingKey != "" {
			d.q.Release(orderingKey)
			d.tryDeliver()
		}
		return
	}
	d.requeueAfterNack(msg, orderingKey)
}

func (d *Dispatcher) requeueAfterNack(msg *models.Message, orderingKey string) {
	rp := d.sub.RetryPolicy
	if rp == nil {
		if !d.redeliverLimiter.Allow() {
			// A consumer nacking in a tight loop with no retry policy
			// configured would otherwise busy-loop this subscription's
			// actor goroutine; fall back to the same backoff path with a
			// fixed short delay instead of requeuing instantly.
			d.clk.AfterFunc(fallbackRedeliverDelay, func() {
				d.exec(func() {
					if orderingKey != "" {
						d.q.RequeueKeyedHead(msg)
						d.q.Release(orderingKey)
					} else {
						d.q.Push(msg)
					}
					d.tryDeliver()
				})
			})
			return
		}
		if orderingKey != "" {
			d.q.RequeueKeyedHead(msg)
			d.q.Release(orderingKey)
		} else {
			d.q.Push(msg)
		}
		d.tryDeliver()
		return
	}
	delay := rp.Backoff(d.attempts[msg.ID])
	d.clk.AfterFunc(delay, func() {
		d.exec(func() {
			if orderingKey != "" {
				d.q.RequeueKeyedHead(msg)
				d.q.Release(orderingKey)
			} else {
				d.q.Push(msg)
			}
			d.tryDeliver()
		})
	})
}

// SeekToSnapshot replaces the queue contents with replay and
// invalidates every outstanding lease, for seek(snapshotName) (spec.md
// section 4.1). The filter is re-applied to the replayed messages,
// since a message that predates the subscription's current filter
// should not reappear if it would not have matched. Callers must have
// already checked tracker.OutstandingCount() == 0 at the broker layer
// to honor the FailedPrecondition rule; this method only performs the
// mechanical reset.
func (d *Dispatcher) SeekToSnapshot(replay []*models.Message) {
	d.exec(func() {
		d.tracker.Invalidate()
		d.attempts = map[string]int{}
		d.q.Reset(d.applyFilter(replay))
		d.tryDeliver()
	})
}

// SeekToTime implements seek(time) (spec.md section 4.1): every
// currently-queued message and every acked message published at or
// after cutoff is (re)offered; currently-queued messages published
// before cutoff are dropped ("treated as acked"). Outstanding leases
// are invalidated first, same FailedPrecondition precondition as
// SeekToSnapshot.
func (d *Dispatcher) SeekToTime(cutoff time.Time) {
	d.exec(func() {
		d.tracker.Invalidate()
		d.attempts = map[string]int{}

		var replay []*models.Message
		for _, m := range d.q.Snapshot() {
			if !m.PublishTime.Before(cutoff) {
				replay = append(replay, m)
			}
		}
		replay = append(replay, d.tracker.RestoreAcked(cutoff)...)

		d.q.Reset(d.applyFilter(replay))
		d.tryDeliver()
	})
}

// applyFilter drops messages that no longer match the subscription's
// current filter; must be called from the actor goroutine.
func (d *Dispatcher) applyFilter(msgs []*models.Message) []*models.Message {
	matching := msgs[:0:0]
	for _, m := range msgs {
		if d.filt.Match(m.Attributes) {
			matching = append(matching, m)
		}
	}
	return matching
}
