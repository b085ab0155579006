// Package broker implements the Registry & Lifecycle component (C5)
// described in spec.md section 6: a single process-wide Broker owning
// topic, subscription, schema, and snapshot registries, wiring
// together the Ack Tracker (C1), Message Queue (C2), Delivery
// Dispatcher (C3), and Publisher Pipeline (C4) packages.
package broker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/b87dev/pubsub-broker/internal/broker/ack"
	"github.com/b87dev/pubsub-broker/internal/broker/clock"
	"github.com/b87dev/pubsub-broker/internal/broker/dispatch"
	"github.com/b87dev/pubsub-broker/internal/broker/filter"
	"github.com/b87dev/pubsub-broker/internal/broker/publish"
	"github.com/b87dev/pubsub-broker/internal/broker/queue"
	"github.com/b87dev/pubsub-broker/internal/broker/resourcename"
	"github.com/b87dev/pubsub-broker/internal/models"
)

// Options configures a Broker.
type Options struct {
	// Clock is the time source every component uses for deadlines,
	// publish timestamps, and timers. Defaults to clock.Real{}.
	Clock clock.Clock
	// SchemaValidator validates message bodies against JSON schemas at
	// publish time; AVRO/protobuf validation is out of scope (spec.md
	// section 1) regardless of whether this is set.
	SchemaValidator publish.SchemaValidator
	// DefaultBatching and DefaultFlowControl seed every topic's
	// publisher pipeline; there is no per-topic override.
	DefaultBatching    publish.BatchingOptions
	DefaultFlowControl publish.FlowControlOptions
}

// Broker is one process-wide registry of topics, subscriptions,
// schemas, and snapshots, plus the glue that wires a publish on a
// topic through to fan-out delivery on its subscriptions.
type Broker struct {
	mu sync.RWMutex

	clk             clock.Clock
	schemaValidator publish.SchemaValidator
	defaultBatching publish.BatchingOptions
	defaultFlow     publish.FlowControlOptions

	idSeq uint64

	topics        map[string]*topicEntry
	subscriptions map[string]*subscriptionEntry
	schemas       map[string]*models.Schema
	snapshots     map[string]*snapshotEntry

	// subsByTopic tracks which subscriptions are bound to a topic name,
	// independent of whether the topic itself still exists in topics —
	// a deleted topic's subscriptions persist in a detached state
	// (spec.md section 3).
	subsByTopic map[string]map[string]bool
}

type topicEntry struct {
	topic    *models.Topic
	pipeline *publish.Pipeline
}

type subscriptionEntry struct {
	sub        *models.Subscription
	q          *queue.Queue
	tracker    *ack.Tracker
	filt       *filter.Filter
	dispatcher *dispatch.Dispatcher
}

type snapshotEntry struct {
	meta     *models.Snapshot
	messages []*models.Message
}

// New constructs an empty Broker.
func New(opts Options) *Broker {
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	batching := opts.DefaultBatching
	if batching == (publish.BatchingOptions{}) {
		batching = publish.DefaultBatchingOptions()
	}
	validator := opts.SchemaValidator
	if validator == nil {
		validator = JSONValidator{}
	}
	return &Broker{
		clk:             clk,
		schemaValidator: validator,
		defaultBatching: batching,
		defaultFlow:     opts.DefaultFlowControl,
		topics:          map[string]*topicEntry{},
		subscriptions:   map[string]*subscriptionEntry{},
		schemas:         map[string]*models.Schema{},
		snapshots:       map[string]*snapshotEntry{},
		subsByTopic:     map[string]map[string]bool{},
	}
}

func (b *Broker) nextMessageID() string {
	seq := atomic.AddUint64(&b.idSeq, 1)
	return fmt.Sprintf("%d%s", seq, uuid.NewString()[:12])
}

// ---- Topics ----

// CreateTopicRequest carries createTopic's options (spec.md section 6).
type CreateTopicRequest struct {
	Name                     string
	Labels                   map[string]string
	MessageRetentionDuration time.Duration
	SchemaSettings           *models.SchemaSettings
	MessageStoragePolicy     *models.MessageStoragePolicy
	MessageOrdering          bool
}

// CreateTopic registers a new topic. Fails with AlreadyExists if name
// is already taken, or InvalidArgument for a malformed name or an
// out-of-range retention duration.
func (b *Broker) CreateTopic(req CreateTopicRequest) (*models.Topic, error) {
	if err := resourcename.ValidateTopic(req.Name); err != nil {
		return nil, err
	}
	retention := req.MessageRetentionDuration
	if retention == 0 {
		retention = models.DefaultMessageRetention
	}
	if retention < models.MinMessageRetention || retention > models.MaxMessageRetention {
		return nil, models.NewError(models.InvalidArgument, "messageRetentionDuration %s out of range [%s, %s]", retention, models.MinMessageRetention, models.MaxMessageRetention)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.topics[req.Name]; exists {
		return nil, models.NewError(models.AlreadyExists, "topic %q already exists", req.Name)
	}
	t := models.NewTopic(req.Name)
	t.Labels = req.Labels
	if t.Labels == nil {
		t.Labels = map[string]string{}
	}
	t.MessageRetentionDuration = retention
	t.SchemaSettings = req.SchemaSettings
	t.MessageStoragePolicy = req.MessageStoragePolicy
	t.MessageOrdering = req.MessageOrdering

	entry := &topicEntry{topic: t, pipeline: b.newPipeline(t)}
	b.topics[req.Name] = entry
	return t, nil
}

func (b *Broker) newPipeline(t *models.Topic) *publish.Pipeline {
	name := t.Name
	return publish.New(name, publish.Config{
		Clock:           b.clk,
		IDGenerator:     b.nextMessageID,
		Batching:        b.defaultBatching,
		FlowControl:     b.defaultFlow,
		SchemaValidator: b.schemaValidator,
		SchemaLookup:    (*schemaLookup)(b),
		SchemaSettings:  t.SchemaSettings,
		Subscribers: func() []publish.Subscriber {
			return b.subscribersOf(name)
		},
	})
}

// GetTopic returns the named topic, optionally creating it with
// default settings if it does not exist and autoCreate is true.
func (b *Broker) GetTopic(name string, autoCreate bool) (*models.Topic, error) {
	b.mu.RLock()
	entry, ok := b.topics[name]
	b.mu.RUnlock()
	if ok {
		return entry.topic, nil
	}
	if autoCreate {
		return b.CreateTopic(CreateTopicRequest{Name: name})
	}
	return nil, models.NewError(models.NotFound, "topic %q not found", name)
}

// TopicPatch carries updateTopic's mutable fields; a nil field leaves
// the corresponding setting unchanged.
type TopicPatch struct {
	Labels                   map[string]string
	MessageRetentionDuration *time.Duration
	SchemaSettings           *models.SchemaSettings
}

// UpdateTopic applies patch to the named topic.
func (b *Broker) UpdateTopic(name string, patch TopicPatch) (*models.Topic, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.topics[name]
	if !ok {
		return nil, models.NewError(models.NotFound, "topic %q not found", name)
	}
	if patch.Labels != nil {
		entry.topic.Labels = patch.Labels
	}
	if patch.MessageRetentionDuration != nil {
		d := *patch.MessageRetentionDuration
		if d < models.MinMessageRetention || d > models.MaxMessageRetention {
			return nil, models.NewError(models.InvalidArgument, "messageRetentionDuration %s out of range [%s, %s]", d, models.MinMessageRetention, models.MaxMessageRetention)
		}
		entry.topic.MessageRetentionDuration = d
	}
	if patch.SchemaSettings != nil {
		entry.topic.SchemaSettings = patch.SchemaSettings
	}
	return entry.topic, nil
}

// DeleteTopic removes a topic from the registry. Attached
// subscriptions are not deleted; they become detached (spec.md
// section 3) and continue to drain their existing queue.
func (b *Broker) DeleteTopic(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.topics[name]; !ok {
		return models.NewError(models.NotFound, "topic %q not found", name)
	}
	delete(b.topics, name)
	for subName := range b.subsByTopic[name] {
		if entry, ok := b.subscriptions[subName]; ok {
			entry.sub.Detached = true
		}
	}
	return nil
}

// ListTopics returns every registered topic in no particular order.
func (b *Broker) ListTopics() []*models.Topic {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*models.Topic, 0, len(b.topics))
	for _, e := range b.topics {
		out = append(out, e.topic)
	}
	return out
}

// ListTopicSubscriptions returns the names of subscriptions currently
// bound to topicName, including detached ones.
func (b *Broker) ListTopicSubscriptions(topicName string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []string
	for name := range b.subsByTopic[topicName] {
		out = append(out, name)
	}
	return out
}

// PublishOutcome is one message's result from Publish: either a
// server-assigned ID or a per-message failure (spec.md section 4.2:
// admission/validation failures are per-message, not per-call).
type PublishOutcome struct {
	ID  string
	Err error
}

// Publish admits msgs onto topicName's pipeline and returns one
// outcome per message, in input order. A detached or missing topic
// fails every message with the same error.
func (b *Broker) Publish(ctx context.Context, topicName string, msgs []*models.Message) []PublishOutcome {
	b.mu.RLock()
	entry, ok := b.topics[topicName]
	b.mu.RUnlock()
	if !ok {
		err := models.NewError(models.NotFound, "topic %q not found", topicName)
		out := make([]PublishOutcome, len(msgs))
		for i := range out {
			out[i] = PublishOutcome{Err: err}
		}
		return out
	}

	results := make([]*publish.PublishResult, len(msgs))
	for i, m := range msgs {
		results[i] = entry.pipeline.Publish(ctx, m)
	}
	out := make([]PublishOutcome, len(msgs))
	for i, r := range results {
		id, err := r.Get(ctx)
		out[i] = PublishOutcome{ID: id, Err: err}
	}
	return out
}

// Flush forces topicName's pending batches to flush immediately.
func (b *Broker) Flush(topicName string) error {
	b.mu.RLock()
	entry, ok := b.topics[topicName]
	b.mu.RUnlock()
	if !ok {
		return models.NewError(models.NotFound, "topic %q not found", topicName)
	}
	entry.pipeline.Flush()
	return nil
}

// ResumePublishing clears an ordering key's paused state on topicName.
func (b *Broker) ResumePublishing(topicName, orderingKey string) error {
	b.mu.RLock()
	entry, ok := b.topics[topicName]
	b.mu.RUnlock()
	if !ok {
		return models.NewError(models.NotFound, "topic %q not found", topicName)
	}
	entry.pipeline.ResumePublishing(orderingKey)
	return nil
}

// subscribersOf returns publish.Subscriber adapters for every
// subscription currently bound to topicName.
func (b *Broker) subscribersOf(topicName string) []publish.Subscriber {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []publish.Subscriber
	for name := range b.subsByTopic[topicName] {
		if entry, ok := b.subscriptions[name]; ok {
			out = append(out, subscriberAdapter{entry})
		}
	}
	return out
}

type subscriberAdapter struct{ entry *subscriptionEntry }

func (s subscriberAdapter) FilterMatch(attrs map[string]string) bool { return s.entry.filt.Match(attrs) }
func (s subscriberAdapter) IsDetached() bool                         { return s.entry.sub.Detached }
func (s subscriberAdapter) Offer(msg *models.Message)                { s.entry.dispatcher.Offer(msg) }

// schemaLookup adapts *Broker to publish.SchemaLookup without
// exposing the broker's full surface to the publish package.
type schemaLookup Broker

func (s *schemaLookup) LookupSchema(name string) (*models.Schema, bool) {
	b := (*Broker)(s)
	b.mu.RLock()
	defer b.mu.RUnlock()
	sc, ok := b.schemas[name]
	return sc, ok
}

// ForwardDeadLetter implements dispatch.DeadLetterForwarder: it
// publishes msg to deadLetterTopic with the dead-letter metadata
// attributes added, forcing an immediate flush so the forward
// completes synchronously instead of waiting out the target topic's
// batching window.
func (b *Broker) ForwardDeadLetter(deadLetterTopic string, msg *models.Message, sourceSubscription string, deliveryAttempt int) error {
	b.mu.RLock()
	entry, ok := b.topics[deadLetterTopic]
	b.mu.RUnlock()
	if !ok {
		return models.NewError(models.NotFound, "dead-letter topic %q not found", deadLetterTopic)
	}

	forwarded := msg.Clone()
	if forwarded.Attributes == nil {
		forwarded.Attributes = map[string]string{}
	}
	forwarded.Attributes[models.AttrDeadLetterSourceSubscription] = sourceSubscription
	forwarded.Attributes[models.AttrDeadLetterSourceDeliveryCount] = fmt.Sprintf("%d", deliveryAttempt)

	result := entry.pipeline.Publish(context.Background(), forwarded)
	entry.pipeline.Flush()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := result.Get(ctx)
	return err
}

// ---- Subscriptions ----

// CreateSubscriptionRequest carries createSubscription's options
// (spec.md section 6).
type CreateSubscriptionRequest struct {
	Name                      string
	Topic                     string
	AckDeadline               time.Duration
	MessageRetentionDuration  time.Duration
	EnableMessageOrdering     bool
	Filter                    string
	DeadLetterPolicy          *models.DeadLetterPolicy
	RetryPolicy               *models.RetryPolicy
	EnableExactlyOnceDelivery bool
	PushConfig                *models.PushConfig
	ExpirationPolicy          *models.ExpirationPolicy
	Labels                    map[string]string
}

// CreateSubscription registers a new subscription bound to an
// existing topic (spec.md section 3: "a subscription's topic must
// exist at creation time; once created the subscription persists even
// if the topic is deleted").
func (b *Broker) CreateSubscription(req CreateSubscriptionRequest) (*models.Subscription, error) {
	if err := resourcename.ValidateSubscription(req.Name); err != nil {
		return nil, err
	}
	if err := resourcename.ValidateTopic(req.Topic); err != nil {
		return nil, err
	}

	ackDeadline := req.AckDeadline
	if ackDeadline == 0 {
		ackDeadline = models.DefaultAckDeadline
	}
	if ackDeadline < models.MinAckDeadline || ackDeadline > models.MaxAckDeadline {
		return nil, models.NewError(models.InvalidArgument, "ackDeadlineSeconds %s out of range [%s, %s]", ackDeadline, models.MinAckDeadline, models.MaxAckDeadline)
	}
	retention := req.MessageRetentionDuration
	if retention == 0 {
		retention = models.DefaultMessageRetention
	}
	if retention < models.MinMessageRetention || retention > models.MaxMessageRetention {
		return nil, models.NewError(models.InvalidArgument, "messageRetentionDuration %s out of range [%s, %s]", retention, models.MinMessageRetention, models.MaxMessageRetention)
	}
	if req.DeadLetterPolicy != nil {
		n := req.DeadLetterPolicy.MaxDeliveryAttempts
		if n < models.MinMaxDeliveryAttempts || n > models.MaxMaxDeliveryAttempts {
			return nil, models.NewError(models.InvalidArgument, "maxDeliveryAttempts %d out of range [%d, %d]", n, models.MinMaxDeliveryAttempts, models.MaxMaxDeliveryAttempts)
		}
		if err := resourcename.ValidateTopic(req.DeadLetterPolicy.DeadLetterTopic); err != nil {
			return nil, err
		}
	}
	if req.RetryPolicy != nil {
		rp := req.RetryPolicy
		if rp.MinimumBackoff < 0 || rp.MinimumBackoff > 600*time.Second || rp.MaximumBackoff < 0 || rp.MaximumBackoff > 600*time.Second || rp.MinimumBackoff > rp.MaximumBackoff {
			return nil, models.NewError(models.InvalidArgument, "retryPolicy backoff bounds out of range: minimum=%s maximum=%s", rp.MinimumBackoff, rp.MaximumBackoff)
		}
	}
	filt, err := filter.Parse(req.Filter)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subscriptions[req.Name]; exists {
		return nil, models.NewError(models.AlreadyExists, "subscription %q already exists", req.Name)
	}
	topicEntry, topicExists := b.topics[req.Topic]
	if !topicExists {
		return nil, models.NewError(models.NotFound, "topic %q not found", req.Topic)
	}
	if req.DeadLetterPolicy != nil {
		if _, ok := b.topics[req.DeadLetterPolicy.DeadLetterTopic]; !ok {
			return nil, models.NewError(models.NotFound, "dead-letter topic %q not found", req.DeadLetterPolicy.DeadLetterTopic)
		}
	}

	sub := models.NewSubscription(req.Name, req.Topic)
	sub.AckDeadline = ackDeadline
	sub.MessageRetentionDuration = retention
	sub.EnableMessageOrdering = req.EnableMessageOrdering
	sub.Filter = req.Filter
	sub.DeadLetterPolicy = req.DeadLetterPolicy
	sub.RetryPolicy = req.RetryPolicy
	sub.EnableExactlyOnceDelivery = req.EnableExactlyOnceDelivery
	sub.PushConfig = req.PushConfig
	sub.ExpirationPolicy = req.ExpirationPolicy
	if req.Labels != nil {
		sub.Labels = req.Labels
	}
	sub.CreatedAt = b.clk.Now()
	sub.LastActive = sub.CreatedAt

	q := queue.New()
	dedupTTL := ackDeadline
	if dedupTTL < models.DefaultAckDeadline {
		dedupTTL = models.DefaultAckDeadline
	}
	tracker := ack.NewTracker(b.clk, dedupTTL)
	dispatcher := dispatch.New(sub, q, tracker, filt, b.clk, b)
	dispatcher.Start()

	b.subscriptions[req.Name] = &subscriptionEntry{sub: sub, q: q, tracker: tracker, filt: filt, dispatcher: dispatcher}
	topicEntry.topic.Subscriptions[req.Name] = true
	if b.subsByTopic[req.Topic] == nil {
		b.subsByTopic[req.Topic] = map[string]bool{}
	}
	b.subsByTopic[req.Topic][req.Name] = true

	return sub, nil
}

// GetSubscription returns the named subscription. Unlike GetTopic,
// autoCreate has no sensible default here (a subscription must be
// bound to a specific topic chosen by the caller), so it is accepted
// for API parity but never recovers a NotFound (see DESIGN.md).
func (b *Broker) GetSubscription(name string, _ bool) (*models.Subscription, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	entry, ok := b.subscriptions[name]
	if !ok {
		return nil, models.NewError(models.NotFound, "subscription %q not found", name)
	}
	return entry.sub, nil
}

// SubscriptionPatch carries updateSubscription's mutable fields; a nil
// field leaves the corresponding setting unchanged. Filter,
// EnableMessageOrdering, and EnableExactlyOnceDelivery are immutable
// after creation, mirroring the emulated service.
type SubscriptionPatch struct {
	Labels                   map[string]string
	AckDeadline              *time.Duration
	MessageRetentionDuration *time.Duration
	DeadLetterPolicy         **models.DeadLetterPolicy
	RetryPolicy              **models.RetryPolicy
	PushConfig               **models.PushConfig
	ExpirationPolicy         **models.ExpirationPolicy
}

// UpdateSubscription applies patch to the named subscription.
func (b *Broker) UpdateSubscription(name string, patch SubscriptionPatch) (*models.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.subscriptions[name]
	if !ok {
		return nil, models.NewError(models.NotFound, "subscription %q not found", name)
	}
	sub := entry.sub
	if patch.Labels != nil {
		sub.Labels = patch.Labels
	}
	if patch.AckDeadline != nil {
		d := *patch.AckDeadline
		if d < models.MinAckDeadline || d > models.MaxAckDeadline {
			return nil, models.NewError(models.InvalidArgument, "ackDeadlineSeconds %s out of range [%s, %s]", d, models.MinAckDeadline, models.MaxAckDeadline)
		}
		sub.AckDeadline = d
	}
	if patch.MessageRetentionDuration != nil {
		d := *patch.MessageRetentionDuration
		if d < models.MinMessageRetention || d > models.MaxMessageRetention {
			return nil, models.NewError(models.InvalidArgument, "messageRetentionDuration %s out of range [%s, %s]", d, models.MinMessageRetention, models.MaxMessageRetention)
		}
		sub.MessageRetentionDuration = d
	}
	if patch.DeadLetterPolicy != nil {
		dlp := *patch.DeadLetterPolicy
		if dlp != nil {
			if dlp.MaxDeliveryAttempts < models.MinMaxDeliveryAttempts || dlp.MaxDeliveryAttempts > models.MaxMaxDeliveryAttempts {
				return nil, models.NewError(models.InvalidArgument, "maxDeliveryAttempts %d out of range [%d, %d]", dlp.MaxDeliveryAttempts, models.MinMaxDeliveryAttempts, models.MaxMaxDeliveryAttempts)
			}
			if _, ok := b.topics[dlp.DeadLetterTopic]; !ok {
				return nil, models.NewError(models.NotFound, "dead-letter topic %q not found", dlp.DeadLetterTopic)
			}
		}
		sub.DeadLetterPolicy = dlp
	}
	if patch.RetryPolicy != nil {
		sub.RetryPolicy = *patch.RetryPolicy
	}
	if patch.ExpirationPolicy != nil {
		sub.ExpirationPolicy = *patch.ExpirationPolicy
	}
	if patch.PushConfig != nil {
		sub.PushConfig = *patch.PushConfig
		entry.dispatcher.SetPushFunc(nil) // caller must re-register a push handler for the new endpoint
	}
	return sub, nil
}

// DeleteSubscription removes a subscription and stops its dispatcher.
func (b *Broker) DeleteSubscription(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.subscriptions[name]
	if !ok {
		return models.NewError(models.NotFound, "subscription %q not found", name)
	}
	entry.dispatcher.Stop()
	delete(b.subscriptions, name)
	if topicEntry, ok := b.topics[entry.sub.Topic]; ok {
		delete(topicEntry.topic.Subscriptions, name)
	}
	if subs, ok := b.subsByTopic[entry.sub.Topic]; ok {
		delete(subs, name)
	}
	return nil
}

// ListSubscriptions returns every registered subscription in no
// particular order.
func (b *Broker) ListSubscriptions() []*models.Subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*models.Subscription, 0, len(b.subscriptions))
	for _, e := range b.subscriptions {
		out = append(out, e.sub)
	}
	return out
}

// SetPushHandler installs the caller-provided push-delivery callback
// used when the subscription has a pushConfig (spec.md section 6).
// The engine never performs HTTP itself; without a registered handler
// a push-configured subscription simply never drains its queue.
func (b *Broker) SetPushHandler(name string, fn dispatch.PushFunc) error {
	b.mu.RLock()
	entry, ok := b.subscriptions[name]
	b.mu.RUnlock()
	if !ok {
		return models.NewError(models.NotFound, "subscription %q not found", name)
	}
	entry.dispatcher.SetPushFunc(fn)
	return nil
}

// ---- Pull / streaming-pull / ack ----

// PulledMessage is one delivery returned by Pull or StreamingPull.
type PulledMessage struct {
	AckID   string
	Message *models.Message
}

// defaultPullWait is the brief polling window Pull waits out when the
// queue is empty before returning zero messages (spec.md section 4.4).
const defaultPullWait = 100 * time.Millisecond

// Pull returns up to maxMessages deliverable messages from name,
// waiting out a brief window if none are immediately available. It
// never blocks indefinitely.
//
// The wait window is bounded by the real wall clock rather than by the
// injected clock.Clock, since it governs how long this synchronous
// call may block a caller's goroutine, not a domain timestamp — it
// must elapse even when a test drives the broker with clock.Fake.
func (b *Broker) Pull(ctx context.Context, name string, maxMessages int) ([]PulledMessage, error) {
	b.mu.RLock()
	entry, ok := b.subscriptions[name]
	b.mu.RUnlock()
	if !ok {
		return nil, models.NewError(models.NotFound, "subscription %q not found", name)
	}

	deadline := time.Now().Add(defaultPullWait)
	for {
		deliveries := entry.dispatcher.Pull(maxMessages)
		if len(deliveries) > 0 || !time.Now().Before(deadline) {
			return toPulled(deliveries), nil
		}
		select {
		case <-ctx.Done():
			return nil, models.Wrap(models.Cancelled, ctx.Err(), "pull canceled while waiting for messages")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func toPulled(deliveries []*dispatch.Delivery) []PulledMessage {
	out := make([]PulledMessage, len(deliveries))
	for i, d := range deliveries {
		out[i] = PulledMessage{AckID: d.AckID, Message: d.Message}
	}
	return out
}

// Receive drives a long-lived streaming-pull session on name, invoking
// handle once per delivered message until ctx is canceled (spec.md
// section 4.4). fc bounds the session's outstanding budget.
func (b *Broker) Receive(ctx context.Context, name string, fc dispatch.FlowControl, handle func(ctx context.Context, ackID string, msg *models.Message)) error {
	b.mu.RLock()
	entry, ok := b.subscriptions[name]
	b.mu.RUnlock()
	if !ok {
		return models.NewError(models.NotFound, "subscription %q not found", name)
	}
	return entry.dispatcher.Receive(ctx, fc, handle)
}

// Acknowledge settles every ack-ID in ackIDs as acked, returning one
// result per ID in the same order (meaningful only in exactly-once
// delivery mode; otherwise fire-and-forget per spec.md section 7).
func (b *Broker) Acknowledge(name string, ackIDs []string) ([]models.AckResult, error) {
	entry, err := b.subscriptionEntry(name)
	if err != nil {
		return nil, err
	}
	out := make([]models.AckResult, len(ackIDs))
	for i, id := range ackIDs {
		out[i] = entry.dispatcher.Ack(id)
	}
	return out, nil
}

// ModifyAckDeadline extends (or, with deadlineSeconds == 0, nacks)
// every ack-ID in ackIDs.
func (b *Broker) ModifyAckDeadline(name string, ackIDs []string, deadlineSeconds int) ([]models.AckResult, error) {
	entry, err := b.subscriptionEntry(name)
	if err != nil {
		return nil, err
	}
	d := time.Duration(deadlineSeconds) * time.Second
	out := make([]models.AckResult, len(ackIDs))
	for i, id := range ackIDs {
		out[i] = entry.dispatcher.ModAck(id, d)
	}
	return out, nil
}

func (b *Broker) subscriptionEntry(name string) (*subscriptionEntry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	entry, ok := b.subscriptions[name]
	if !ok {
		return nil, models.NewError(models.NotFound, "subscription %q not found", name)
	}
	return entry, nil
}

// ---- Seek ----

// SeekTarget names either a snapshot or a point in time to seek to;
// exactly one field should be set.
type SeekTarget struct {
	SnapshotName string
	Time         time.Time
}

// Seek resets name's delivery state to target, failing with
// FailedPrecondition if the subscription currently has outstanding
// (un-settled) leases, since invalidating them would surface as an
// ack-unknown error to whatever consumer holds them (spec.md section
// 4.1): the caller must close its stream first.
func (b *Broker) Seek(name string, target SeekTarget) error {
	entry, err := b.subscriptionEntry(name)
	if err != nil {
		return err
	}
	if entry.tracker.OutstandingCount() > 0 {
		return models.NewError(models.FailedPrecondition, "subscription %q has outstanding leases; close the stream before seeking", name)
	}

	if target.SnapshotName != "" {
		b.mu.RLock()
		snap, ok := b.snapshots[target.SnapshotName]
		b.mu.RUnlock()
		if !ok {
			return models.NewError(models.NotFound, "snapshot %q not found", target.SnapshotName)
		}
		if snap.meta.Subscription != name {
			return models.NewError(models.InvalidArgument, "snapshot %q was not created from subscription %q", target.SnapshotName, name)
		}
		if snap.meta.Expired(b.clk.Now()) {
			return models.NewError(models.NotFound, "snapshot %q has expired", target.SnapshotName)
		}
		replay := make([]*models.Message, len(snap.messages))
		for i, m := range snap.messages {
			replay[i] = m.Clone()
		}
		entry.dispatcher.SeekToSnapshot(replay)
		return nil
	}

	entry.dispatcher.SeekToTime(target.Time)
	return nil
}

// ---- Snapshots ----

// CreateSnapshot captures subName's current deliverable queue under
// name, usable later as a seek target (spec.md section 3/4.1).
func (b *Broker) CreateSnapshot(name, subName string) (*models.Snapshot, error) {
	if err := resourcename.ValidateSnapshot(name); err != nil {
		return nil, err
	}
	entry, err := b.subscriptionEntry(subName)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.snapshots[name]; exists {
		return nil, models.NewError(models.AlreadyExists, "snapshot %q already exists", name)
	}
	now := b.clk.Now()
	messages := entry.q.Snapshot()
	captured := make([]*models.Message, len(messages))
	for i, m := range messages {
		captured[i] = m.Clone()
	}
	meta := &models.Snapshot{
		Name:         name,
		Subscription: subName,
		Topic:        entry.sub.Topic,
		CreatedAt:    now,
		ExpireTime:   now.Add(models.SnapshotTTL),
	}
	b.snapshots[name] = &snapshotEntry{meta: meta, messages: captured}
	return meta, nil
}

// GetSnapshot returns the named snapshot's metadata, failing with
// NotFound if it is missing or has lazily expired.
func (b *Broker) GetSnapshot(name string) (*models.Snapshot, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	entry, ok := b.snapshots[name]
	if !ok || entry.meta.Expired(b.clk.Now()) {
		return nil, models.NewError(models.NotFound, "snapshot %q not found", name)
	}
	return entry.meta, nil
}

// ListSnapshots returns every non-expired snapshot's metadata.
func (b *Broker) ListSnapshots() []*models.Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	now := b.clk.Now()
	var out []*models.Snapshot
	for _, e := range b.snapshots {
		if !e.meta.Expired(now) {
			out = append(out, e.meta)
		}
	}
	return out
}

// DeleteSnapshot removes the named snapshot.
func (b *Broker) DeleteSnapshot(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.snapshots[name]; !ok {
		return models.NewError(models.NotFound, "snapshot %q not found", name)
	}
	delete(b.snapshots, name)
	return nil
}

// ---- Schemas ----

// CreateSchema registers a named schema. JSON definitions are checked
// for well-formedness; AVRO definitions are syntax-checked via the
// avro parser; PROTOCOL_BUFFER definitions are accepted opaquely
// (spec.md section 3).
func (b *Broker) CreateSchema(name string, typ models.SchemaType, definition string) (*models.Schema, error) {
	if err := resourcename.ValidateSchema(name); err != nil {
		return nil, err
	}
	if err := ValidateSchemaDefinition(typ, definition); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.schemas[name]; exists {
		return nil, models.NewError(models.AlreadyExists, "schema %q already exists", name)
	}
	sc := &models.Schema{Name: name, Type: typ, Definition: definition}
	b.schemas[name] = sc
	return sc, nil
}

// GetSchema returns the named schema.
func (b *Broker) GetSchema(name string) (*models.Schema, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	sc, ok := b.schemas[name]
	if !ok {
		return nil, models.NewError(models.NotFound, "schema %q not found", name)
	}
	return sc, nil
}

// ListSchemas returns every registered schema in no particular order.
func (b *Broker) ListSchemas() []*models.Schema {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*models.Schema, 0, len(b.schemas))
	for _, sc := range b.schemas {
		out = append(out, sc)
	}
	return out
}

// DeleteSchema removes the named schema. Topics already bound to it
// keep their schemaSettings; future publishes resolve the schema at
// flush time and accept opaquely if it is gone (spec.md section 4.2).
func (b *Broker) DeleteSchema(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.schemas[name]; !ok {
		return models.NewError(models.NotFound, "schema %q not found", name)
	}
	delete(b.schemas, name)
	return nil
}

// ValidateSchema checks definition for syntactic validity against typ
// without registering it, for the validateSchema() operation.
func (b *Broker) ValidateSchema(typ models.SchemaType, definition string) error {
	return ValidateSchemaDefinition(typ, definition)
}

// ValidateMessage validates data against the named schema's
// definition per encoding, for the validateMessage() operation.
func (b *Broker) ValidateMessage(schemaName string, data []byte, encoding models.Encoding) error {
	sc, err := b.GetSchema(schemaName)
	if err != nil {
		return err
	}
	if b.schemaValidator == nil {
		return models.NewError(models.Internal, "no schema validator configured")
	}
	switch sc.Type {
	case models.SchemaTypeJSON:
		if encoding != models.EncodingJSON {
			return models.NewError(models.InvalidArgument, "schema %q is JSON-typed but encoding %q was requested", schemaName, encoding)
		}
		return b.schemaValidator.ValidateJSON(sc.Definition, data)
	default:
		return models.NewError(models.Unimplemented, "message-body validation against %s schemas is not implemented", sc.Type)
	}
}
