package broker_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/b87dev/pubsub-broker/internal/broker"
	"github.com/b87dev/pubsub-broker/internal/broker/brokertest"
	"github.com/b87dev/pubsub-broker/internal/broker/dispatch"
	"github.com/b87dev/pubsub-broker/internal/models"
)

func TestBasicPublishAndPull(t *testing.T) {
	h := brokertest.New(t)
	h.CreateTopic("projects/testproj/topics/demo")
	h.CreateSubscription("projects/testproj/subscriptions/demo", "projects/testproj/topics/demo", broker.CreateSubscriptionRequest{})

	h.PublishString("projects/testproj/topics/demo", "hello", nil)

	got := h.Drain("projects/testproj/subscriptions/demo", 10)
	if len(got) != 1 || string(got[0]) != "hello" {
		t.Fatalf("Drain: got %q, want [hello]", got)
	}
}

func TestOrderingKeyPreservesPerKeyFIFO(t *testing.T) {
	h := brokertest.New(t)
	h.CreateTopic("projects/testproj/topics/orders")
	h.CreateSubscription("projects/testproj/subscriptions/orders", "projects/testproj/topics/orders", broker.CreateSubscriptionRequest{
		EnableMessageOrdering: true,
	})

	for i, body := range []string{"a1", "a2", "a3"} {
		h.PublishMessage("projects/testproj/topics/orders", &models.Message{
			Data:        []byte(body),
			OrderingKey: "key-a",
		})
		_ = i
	}
	h.PublishMessage("projects/testproj/topics/orders", &models.Message{Data: []byte("b1"), OrderingKey: "key-b"})

	// key-a's messages must always be ack'd in publish order: pull and
	// ack them one at a time, confirming the next key-a message only
	// becomes available after its predecessor is ack'd.
	ctx := context.Background()
	var gotA []string
	for i := 0; i < 3; i++ {
		pulled, err := h.Broker.Pull(ctx, "projects/testproj/subscriptions/orders", 10)
		if err != nil {
			t.Fatalf("Pull: %v", err)
		}
		var ackIDs []string
		for _, p := range pulled {
			if p.Message.OrderingKey == "key-a" {
				gotA = append(gotA, string(p.Message.Data))
			}
			ackIDs = append(ackIDs, p.AckID)
		}
		if _, err := h.Broker.Acknowledge("projects/testproj/subscriptions/orders", ackIDs); err != nil {
			t.Fatalf("Acknowledge: %v", err)
		}
	}
	want := []string{"a1", "a2", "a3"}
	if len(gotA) != len(want) {
		t.Fatalf("key-a delivery order: got %v, want %v", gotA, want)
	}
	for i := range want {
		if gotA[i] != want[i] {
			t.Fatalf("key-a delivery order: got %v, want %v", gotA, want)
		}
	}
}

func TestRetryAndDeadLetter(t *testing.T) {
	h := brokertest.New(t)
	h.CreateTopic("projects/testproj/topics/src")
	h.CreateTopic("projects/testproj/topics/dlq")
	dlqSub := h.CreateSubscription("projects/testproj/subscriptions/dlq", "projects/testproj/topics/dlq", broker.CreateSubscriptionRequest{})
	h.CreateSubscription("projects/testproj/subscriptions/src", "projects/testproj/topics/src", broker.CreateSubscriptionRequest{
		AckDeadline: 10 * time.Second,
		DeadLetterPolicy: &models.DeadLetterPolicy{
			DeadLetterTopic:     "projects/testproj/topics/dlq",
			MaxDeliveryAttempts: 5,
		},
		RetryPolicy: &models.RetryPolicy{
			MinimumBackoff: 1 * time.Second,
			MaximumBackoff: 1 * time.Second,
		},
	})
	_ = dlqSub

	h.PublishString("projects/testproj/topics/src", "poison", nil)

	ctx := context.Background()
	for attempt := 0; attempt < 5; attempt++ {
		pulled, err := h.Broker.Pull(ctx, "projects/testproj/subscriptions/src", 1)
		if err != nil {
			t.Fatalf("Pull attempt %d: %v", attempt, err)
		}
		if len(pulled) != 1 {
			t.Fatalf("Pull attempt %d: expected 1 message, got %d", attempt, len(pulled))
		}
		if _, err := h.Broker.ModifyAckDeadline("projects/testproj/subscriptions/src", []string{pulled[0].AckID}, 0); err != nil {
			t.Fatalf("nack attempt %d: %v", attempt, err)
		}
		h.Clock.Advance(2 * time.Second)
	}

	got := h.Drain("projects/testproj/subscriptions/dlq", 10)
	if len(got) != 1 || string(got[0]) != "poison" {
		t.Fatalf("dead-letter queue: got %q, want [poison]", got)
	}

	remaining, err := h.Broker.Pull(ctx, "projects/testproj/subscriptions/src", 1)
	if err != nil {
		t.Fatalf("Pull after dead-letter: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("source subscription should be drained after dead-lettering, got %d", len(remaining))
	}
}

func TestFilterOnlyMatchingMessagesDeliver(t *testing.T) {
	h := brokertest.New(t)
	h.CreateTopic("projects/testproj/topics/events")
	h.CreateSubscription("projects/testproj/subscriptions/filtered", "projects/testproj/topics/events", broker.CreateSubscriptionRequest{
		Filter: `attributes.kind = "important"`,
	})

	h.PublishMessage("projects/testproj/topics/events", &models.Message{Data: []byte("skip"), Attributes: map[string]string{"kind": "noise"}})
	h.PublishMessage("projects/testproj/topics/events", &models.Message{Data: []byte("keep"), Attributes: map[string]string{"kind": "important"}})

	got := h.Drain("projects/testproj/subscriptions/filtered", 10)
	if len(got) != 1 || string(got[0]) != "keep" {
		t.Fatalf("filtered delivery: got %q, want [keep]", got)
	}
}

func TestExactlyOnceDeliveryDoubleAckIsRejected(t *testing.T) {
	h := brokertest.New(t)
	h.CreateTopic("projects/testproj/topics/eod")
	h.CreateSubscription("projects/testproj/subscriptions/eod", "projects/testproj/topics/eod", broker.CreateSubscriptionRequest{
		EnableExactlyOnceDelivery: true,
	})

	h.PublishString("projects/testproj/topics/eod", "once", nil)

	ctx := context.Background()
	pulled, err := h.Broker.Pull(ctx, "projects/testproj/subscriptions/eod", 1)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if len(pulled) != 1 {
		t.Fatalf("expected 1 message, got %d", len(pulled))
	}

	results, err := h.Broker.Acknowledge("projects/testproj/subscriptions/eod", []string{pulled[0].AckID})
	if err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	if results[0] != models.AckSuccess {
		t.Fatalf("first ack: got %v, want Success", results[0])
	}

	results, err = h.Broker.Acknowledge("projects/testproj/subscriptions/eod", []string{pulled[0].AckID})
	if err != nil {
		t.Fatalf("Acknowledge (second): %v", err)
	}
	if results[0] != models.AckInvalid {
		t.Fatalf("second ack: got %v, want Invalid", results[0])
	}
}

func TestSeekToTimeRestoresAckedMessages(t *testing.T) {
	h := brokertest.New(t)
	h.CreateTopic("projects/testproj/topics/seek")
	h.CreateSubscription("projects/testproj/subscriptions/seek", "projects/testproj/topics/seek", broker.CreateSubscriptionRequest{})

	seekTime := h.Clock.Now()
	h.Clock.Advance(time.Second)

	h.PublishString("projects/testproj/topics/seek", "after-cutoff", nil)
	got := h.Drain("projects/testproj/subscriptions/seek", 10)
	if len(got) != 1 || string(got[0]) != "after-cutoff" {
		t.Fatalf("initial drain: got %q", got)
	}

	if err := h.Broker.Seek("projects/testproj/subscriptions/seek", broker.SeekTarget{Time: seekTime}); err != nil {
		t.Fatalf("Seek: %v", err)
	}

	got = h.Drain("projects/testproj/subscriptions/seek", 10)
	if len(got) != 1 || string(got[0]) != "after-cutoff" {
		t.Fatalf("post-seek drain: got %q, want [after-cutoff] restored", got)
	}
}

func TestStreamingPullFlowControlBoundsOutstanding(t *testing.T) {
	h := brokertest.New(t)
	h.CreateTopic("projects/testproj/topics/stream")
	h.CreateSubscription("projects/testproj/subscriptions/stream", "projects/testproj/topics/stream", broker.CreateSubscriptionRequest{})

	for i := 0; i < 5; i++ {
		h.PublishString("projects/testproj/topics/stream", "msg", nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	var mu sync.Mutex
	var delivered int
	done := make(chan error, 1)
	go func() {
		done <- h.Broker.Receive(ctx, "projects/testproj/subscriptions/stream", dispatch.FlowControl{MaxOutstandingMessages: 2}, func(ctx context.Context, ackID string, msg *models.Message) {
			mu.Lock()
			delivered++
			n := delivered
			mu.Unlock()
			if _, err := h.Broker.Acknowledge("projects/testproj/subscriptions/stream", []string{ackID}); err != nil {
				t.Errorf("Acknowledge: %v", err)
			}
			if n >= 5 {
				cancel()
			}
		})
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("Receive did not observe all 5 messages in time")
	}

	mu.Lock()
	defer mu.Unlock()
	if delivered != 5 {
		t.Fatalf("delivered: got %d, want 5", delivered)
	}
}
