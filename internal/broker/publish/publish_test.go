package publish

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/b87dev/pubsub-broker/internal/broker/clock"
	"github.com/b87dev/pubsub-broker/internal/models"
)

type recordingSubscriber struct {
	detached bool
	filter   func(map[string]string) bool
	offered  []*models.Message
}

func (s *recordingSubscriber) FilterMatch(attrs map[string]string) bool {
	if s.filter == nil {
		return true
	}
	return s.filter(attrs)
}
func (s *recordingSubscriber) IsDetached() bool        { return s.detached }
func (s *recordingSubscriber) Offer(msg *models.Message) { s.offered = append(s.offered, msg) }

func newTestPipeline(fc clock.Clock, batching BatchingOptions, subs func() []Subscriber) *Pipeline {
	n := 0
	idGen := func() string {
		n++
		return "id-" + strconv.Itoa(n)
	}
	if subs == nil {
		subs = func() []Subscriber { return nil }
	}
	return New("projects/testproj/topics/t", Config{
		Clock:       fc,
		IDGenerator: idGen,
		Batching:    batching,
		FlowControl: FlowControlOptions{AllowExcess: true},
		Subscribers: subs,
	})
}

func TestPublishFlushesOnMaxMessages(t *testing.T) {
	fc := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	sub := &recordingSubscriber{}
	p := newTestPipeline(fc, BatchingOptions{MaxMessages: 2, MaxDelay: time.Hour}, func() []Subscriber { return []Subscriber{sub} })

	r1 := p.Publish(context.Background(), &models.Message{Data: []byte("a")})
	select {
	case <-r1.done:
		t.Fatal("first message should not flush alone")
	default:
	}

	r2 := p.Publish(context.Background(), &models.Message{Data: []byte("b")})
	id, err := r2.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if id == "" {
		t.Fatalf("expected a non-empty server ID")
	}
	if len(sub.offered) != 2 {
		t.Fatalf("expected both messages fanned out, got %d", len(sub.offered))
	}
}

func TestPublishFlushesOnTimer(t *testing.T) {
	fc := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	sub := &recordingSubscriber{}
	p := newTestPipeline(fc, BatchingOptions{MaxMessages: 100, MaxDelay: 10 * time.Second}, func() []Subscriber { return []Subscriber{sub} })

	result := p.Publish(context.Background(), &models.Message{Data: []byte("a")})
	fc.Advance(10 * time.Second)

	id, err := result.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if id == "" {
		t.Fatalf("expected a server-assigned ID after timer flush")
	}
}

func TestExplicitFlush(t *testing.T) {
	fc := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	p := newTestPipeline(fc, BatchingOptions{MaxMessages: 100, MaxDelay: time.Hour}, nil)

	result := p.Publish(context.Background(), &models.Message{Data: []byte("a")})
	p.Flush()

	id, err := result.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if id == "" {
		t.Fatalf("expected Flush to resolve the pending publish")
	}
}

func TestOrderingKeyBatchesIndependently(t *testing.T) {
	fc := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	sub := &recordingSubscriber{}
	p := newTestPipeline(fc, BatchingOptions{MaxMessages: 100, MaxDelay: time.Hour}, func() []Subscriber { return []Subscriber{sub} })

	plain := p.Publish(context.Background(), &models.Message{Data: []byte("plain")})
	keyed := p.Publish(context.Background(), &models.Message{Data: []byte("keyed"), OrderingKey: "k"})

	select {
	case <-plain.done:
		t.Fatal("plain message should still be pending its own batch delay")
	default:
	}
	select {
	case <-keyed.done:
		t.Fatal("keyed message should still be pending its own batch delay")
	default:
	}

	p.Flush()
	if _, err := plain.Get(context.Background()); err != nil {
		t.Fatalf("plain Get: %v", err)
	}
	if _, err := keyed.Get(context.Background()); err != nil {
		t.Fatalf("keyed Get: %v", err)
	}
}

func TestDetachedAndNonMatchingSubscribersDoNotReceive(t *testing.T) {
	fc := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	detached := &recordingSubscriber{detached: true}
	nonMatching := &recordingSubscriber{filter: func(map[string]string) bool { return false }}
	matching := &recordingSubscriber{}
	p := newTestPipeline(fc, BatchingOptions{MaxMessages: 1, MaxDelay: time.Hour}, func() []Subscriber {
		return []Subscriber{detached, nonMatching, matching}
	})

	p.Publish(context.Background(), &models.Message{Data: []byte("a")})

	if len(detached.offered) != 0 {
		t.Fatalf("detached subscriber should not receive messages")
	}
	if len(nonMatching.offered) != 0 {
		t.Fatalf("non-matching subscriber should not receive messages")
	}
	if len(matching.offered) != 1 {
		t.Fatalf("matching subscriber should receive the message")
	}
}

func TestPublishRejectsOversizedAttribute(t *testing.T) {
	fc := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	p := newTestPipeline(fc, DefaultBatchingOptions(), nil)

	big := make([]byte, models.MaxAttributeValueBytes+1)
	result := p.Publish(context.Background(), &models.Message{
		Data:       []byte("a"),
		Attributes: map[string]string{"k": string(big)},
	})

	_, err := result.Get(context.Background())
	if err == nil {
		t.Fatalf("expected an error for an oversized attribute value")
	}
	if models.KindOf(err) != models.InvalidArgument {
		t.Fatalf("error kind = %v, want InvalidArgument", models.KindOf(err))
	}
}

func TestFlowControlBlocksUntilContextExpires(t *testing.T) {
	fc := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	n := 0
	idGen := func() string { n++; return strconv.Itoa(n) }
	p := New("projects/testproj/topics/t", Config{
		Clock:       fc,
		IDGenerator: idGen,
		Batching:    BatchingOptions{MaxMessages: 100, MaxDelay: time.Hour},
		FlowControl: FlowControlOptions{MaxOutstandingMessages: 1},
		Subscribers: func() []Subscriber { return nil },
	})

	first := p.Publish(context.Background(), &models.Message{Data: []byte("a")})
	select {
	case <-first.done:
		t.Fatal("first message should still be pending in its batch, not yet flushed")
	default:
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	second := p.Publish(ctx, &models.Message{Data: []byte("b")})
	if _, err := second.Get(context.Background()); err == nil {
		t.Fatalf("expected the second publish to be rejected once its context expired")
	}
}
