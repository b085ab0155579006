// Package publish implements the Publisher Pipeline described in
// spec.md section 4.2 (component C4): batching, per-ordering-key
// serialization, the pluggable schema validation hook, flow-control
// admission, and synchronous fan-out to every matching subscription of
// a topic.
package publish

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/b87dev/pubsub-broker/internal/broker/clock"
	"github.com/b87dev/pubsub-broker/internal/models"
)

// BatchingOptions controls when a topic's (or ordering key's) pending
// batch flushes and is assigned server IDs and a publish time.
type BatchingOptions struct {
	MaxMessages int
	MaxBytes    int
	MaxDelay    time.Duration
}

// DefaultBatchingOptions mirrors the production client's defaults.
func DefaultBatchingOptions() BatchingOptions {
	return BatchingOptions{MaxMessages: 100, MaxBytes: 1 << 20, MaxDelay: 10 * time.Millisecond}
}

// FlowControlOptions bounds the number of messages and bytes admitted
// but not yet flushed for a topic.
type FlowControlOptions struct {
	MaxOutstandingMessages int
	MaxOutstandingBytes    int
	AllowExcess            bool
}

// SchemaValidator validates a message payload against a topic's
// declared JSON schema. AVRO and Protocol Buffer payload bodies are
// explicitly out of scope (spec.md section 1) and are never passed
// here for those encodings.
type SchemaValidator interface {
	ValidateJSON(definition string, data []byte) error
}

// SchemaLookup resolves a schema name to its stored definition, used
// to honor a topic's schemaSettings at flush time.
type SchemaLookup interface {
	LookupSchema(name string) (*models.Schema, bool)
}

// Subscriber is one subscription attached to a topic, as seen by the
// fan-out step. Implemented by the broker's subscription wrapper
// around a dispatch.Dispatcher.
type Subscriber interface {
	FilterMatch(attrs map[string]string) bool
	IsDetached() bool
	Offer(msg *models.Message)
}

// PublishResult is resolved once its message's batch flushes,
// matching the production client's pubsub.PublishResult.Get shape.
type PublishResult struct {
	done chan struct{}
	id   string
	err  error
}

func newResult() *PublishResult {
	return &PublishResult{done: make(chan struct{})}
}

// Get blocks until the result is resolved or ctx is done.
func (r *PublishResult) Get(ctx context.Context) (string, error) {
	select {
	case <-r.done:
		return r.id, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (r *PublishResult) resolve(id string, err error) {
	r.id, r.err = id, err
	close(r.done)
}

type admitted struct {
	msg    *models.Message
	result *PublishResult
}

// msgBatch is a topic's (or one ordering key's) accumulating batch.
type msgBatch struct {
	items []admitted
	bytes int
	timer clock.Timer
}

// Pipeline is one topic's publisher pipeline.
type Pipeline struct {
	mu sync.Mutex

	topicName string
	clk       clock.Clock
	idGen     func() string
	batching  BatchingOptions
	flow      *flowControl
	validator SchemaValidator
	schemas   SchemaLookup
	schemaSet *models.SchemaSettings
	subs      func() []Subscriber

	noKey  *msgBatch
	keyed  map[string]*msgBatch
	paused map[string]error
}

// Config bundles the dependencies a Pipeline needs beyond the topic
// name itself.
type Config struct {
	Clock           clock.Clock
	IDGenerator     func() string
	Batching        BatchingOptions
	FlowControl     FlowControlOptions
	SchemaValidator SchemaValidator
	SchemaLookup    SchemaLookup
	SchemaSettings  *models.SchemaSettings
	Subscribers     func() []Subscriber
}

// New constructs a Pipeline for one topic.
func New(topicName string, cfg Config) *Pipeline {
	return &Pipeline{
		topicName: topicName,
		clk:       cfg.Clock,
		idGen:     cfg.IDGenerator,
		batching:  cfg.Batching,
		flow:      newFlowControl(cfg.FlowControl),
		validator: cfg.SchemaValidator,
		schemas:   cfg.SchemaLookup,
		schemaSet: cfg.SchemaSettings,
		subs:      cfg.Subscribers,
		keyed:     map[string]*msgBatch{},
		paused:    map[string]error{},
	}
}

// Publish admits msg into the pipeline. Attribute and size bounds are
// checked synchronously before this call returns; everything else
// (schema validation, ID assignment, fan-out) happens when the
// message's batch flushes, and is observed through the returned
// PublishResult.
func (p *Pipeline) Publish(ctx context.Context, msg *models.Message) *PublishResult {
	result := newResult()

	if err := validateAdmission(msg); err != nil {
		result.resolve("", err)
		return result
	}
	if err := p.flow.acquire(ctx, msg.Size()); err != nil {
		result.resolve("", err)
		return result
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if msg.OrderingKey != "" {
		if err, ok := p.paused[msg.OrderingKey]; ok {
			p.flow.release(msg.Size())
			result.resolve("", err)
			return result
		}
		p.admit(msg.OrderingKey, msg, result)
	} else {
		p.admit("", msg, result)
	}
	return result
}

// ResumePublishing clears an ordering key's paused state, allowing
// further publishes for that key to proceed.
func (p *Pipeline) ResumePublishing(orderingKey string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.paused, orderingKey)
}

// Flush immediately flushes every pending batch, for the explicit
// flush() operation.
func (p *Pipeline) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.noKey != nil {
		p.flushBatch("", p.noKey)
		p.noKey = nil
	}
	for key, b := range p.keyed {
		p.flushBatch(key, b)
		delete(p.keyed, key)
	}
}

// admit must be called with mu held.
func (p *Pipeline) admit(key string, msg *models.Message, result *PublishResult) {
	b := p.batchFor(key)
	b.items = append(b.items, admitted{msg, result})
	b.bytes += msg.Size()
	if len(b.items) >= p.batching.MaxMessages || (p.batching.MaxBytes > 0 && b.bytes >= p.batching.MaxBytes) {
		p.flushBatch(key, b)
		p.clearBatch(key)
	}
}

func (p *Pipeline) batchFor(key string) *msgBatch {
	if key == "" {
		if p.noKey == nil {
			p.noKey = p.newBatch(key)
		}
		return p.noKey
	}
	b, ok := p.keyed[key]
	if !ok {
		b = p.newBatch(key)
		p.keyed[key] = b
	}
	return b
}

func (p *Pipeline) newBatch(key string) *msgBatch {
	b := &msgBatch{}
	delay := p.batching.MaxDelay
	b.timer = p.clk.AfterFunc(delay, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.currentBatch(key) != b {
			return // already flushed by a size/count trigger
		}
		p.flushBatch(key, b)
		p.clearBatch(key)
	})
	return b
}

func (p *Pipeline) currentBatch(key string) *msgBatch {
	if key == "" {
		return p.noKey
	}
	return p.keyed[key]
}

func (p *Pipeline) clearBatch(key string) {
	if key == "" {
		p.noKey = nil
		return
	}
	delete(p.keyed, key)
}

// flushBatch assigns IDs and a shared publish time to every message in
// b, validates each against the topic's schema if configured, and
// fans out the ones that pass. Must be called with mu held.
func (p *Pipeline) flushBatch(key string, b *msgBatch) {
	if b.timer != nil {
		b.timer.Stop()
	}
	now := p.clk.Now()
	for _, a := range b.items {
		a.msg.ID = p.idGen()
		a.msg.PublishTime = now

		if err := p.validateSchema(a.msg); err != nil {
			p.flow.release(a.msg.Size())
			if key != "" {
				p.paused[key] = err
			}
			a.result.resolve("", err)
			continue
		}

		p.fanOut(a.msg)
		p.flow.release(a.msg.Size())
		a.result.resolve(a.msg.ID, nil)
	}
}

func (p *Pipeline) validateSchema(msg *models.Message) error {
	if p.schemaSet == nil || p.validator == nil || p.schemas == nil {
		return nil
	}
	schema, ok := p.schemas.LookupSchema(p.schemaSet.Schema)
	if !ok {
		return nil // schema was deleted after being bound; accept opaquely
	}
	switch schema.Type {
	case models.SchemaTypeJSON:
		if err := p.validator.ValidateJSON(schema.Definition, msg.Data); err != nil {
			return models.Wrap(models.InvalidArgument, err, "message does not match schema %q", schema.Name)
		}
		return nil
	default:
		return models.NewError(models.Unimplemented, "message-body validation against %s schemas is not implemented", schema.Type)
	}
}

// fanOut delivers msg to every attached, non-detached subscription
// whose filter matches. A clone is handed to each subscription so
// per-subscription lease/ack bookkeeping never shares mutable state
// with another subscription's copy.
func (p *Pipeline) fanOut(msg *models.Message) {
	for _, s := range p.subs() {
		if s.IsDetached() {
			continue
		}
		if !s.FilterMatch(msg.Attributes) {
			continue // acked-on-behalf: never enqueued, no attempt counted
		}
		s.Offer(msg.Clone())
	}
}

func validateAdmission(msg *models.Message) error {
	if msg.Size() > models.MaxMessageBytes {
		return models.NewError(models.InvalidArgument, "message of %d bytes exceeds the %d byte limit", msg.Size(), models.MaxMessageBytes)
	}
	for k, v := range msg.Attributes {
		if len(k) > models.MaxAttributeKeyBytes {
			return models.NewError(models.InvalidArgument, "attribute key %q exceeds %d bytes", k, models.MaxAttributeKeyBytes)
		}
		if len(v) > models.MaxAttributeValueBytes {
			return models.NewError(models.InvalidArgument, "attribute value for key %q exceeds %d bytes", k, models.MaxAttributeValueBytes)
		}
	}
	return nil
}

// flowControl gates outstanding admitted-but-unflushed messages and
// bytes using a pair of weighted semaphores.
type flowControl struct {
	messages    *semaphore.Weighted
	bytes       *semaphore.Weighted
	maxBytes    int64
	allowExcess bool
}

func newFlowControl(opts FlowControlOptions) *flowControl {
	fc := &flowControl{allowExcess: opts.AllowExcess, maxBytes: int64(opts.MaxOutstandingBytes)}
	if opts.MaxOutstandingMessages > 0 {
		fc.messages = semaphore.NewWeighted(int64(opts.MaxOutstandingMessages))
	}
	if opts.MaxOutstandingBytes > 0 {
		fc.bytes = semaphore.NewWeighted(int64(opts.MaxOutstandingBytes))
	}
	return fc
}

func (fc *flowControl) acquire(ctx context.Context, size int) error {
	if fc.allowExcess {
		return nil
	}
	if fc.bytes != nil && int64(size) > fc.maxBytes {
		return models.NewError(models.ResourceExhausted, "message of %d bytes can never fit the %d byte outstanding limit", size, fc.maxBytes)
	}
	if fc.messages != nil {
		if err := fc.messages.Acquire(ctx, 1); err != nil {
			return mapFlowControlErr(err)
		}
	}
	if fc.bytes != nil {
		if err := fc.bytes.Acquire(ctx, int64(size)); err != nil {
			if fc.messages != nil {
				fc.messages.Release(1)
			}
			return mapFlowControlErr(err)
		}
	}
	return nil
}

func (fc *flowControl) release(size int) {
	if fc.allowExcess {
		return
	}
	if fc.messages != nil {
		fc.messages.Release(1)
	}
	if fc.bytes != nil {
		fc.bytes.Release(int64(size))
	}
}

func mapFlowControlErr(err error) error {
	if err == context.Canceled {
		return models.Wrap(models.Cancelled, err, "publish canceled while waiting for flow control")
	}
	if err == context.DeadlineExceeded {
		return models.Wrap(models.DeadlineExceeded, err, "publish deadline exceeded while waiting for flow control")
	}
	return models.Wrap(models.ResourceExhausted, err, "flow control wait failed")
}
