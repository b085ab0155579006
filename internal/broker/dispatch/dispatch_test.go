package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/b87dev/pubsub-broker/internal/broker/ack"
	"github.com/b87dev/pubsub-broker/internal/broker/clock"
	"github.com/b87dev/pubsub-broker/internal/broker/filter"
	"github.com/b87dev/pubsub-broker/internal/broker/queue"
	"github.com/b87dev/pubsub-broker/internal/models"
)

type recordingForwarder struct {
	forwarded []forwarded
}

type forwarded struct {
	topic   string
	msg     *models.Message
	sub     string
	attempt int
}

func (r *recordingForwarder) ForwardDeadLetter(topic string, msg *models.Message, sourceSubscription string, deliveryAttempt int) error {
	r.forwarded = append(r.forwarded, forwarded{topic, msg, sourceSubscription, deliveryAttempt})
	return nil
}

func newTestDispatcher(t *testing.T, sub *models.Subscription, fc *clock.Fake, dlq DeadLetterForwarder) *Dispatcher {
	t.Helper()
	noFilter, err := filter.Parse("")
	if err != nil {
		t.Fatalf("filter.Parse: %v", err)
	}
	d := New(sub, queue.New(), ack.NewTracker(fc, time.Minute), noFilter, fc, dlq)
	d.Start()
	t.Cleanup(d.Stop)
	return d
}

func baseSub(name string) *models.Subscription {
	return &models.Subscription{
		Name:        name,
		Topic:       "projects/testproj/topics/t",
		AckDeadline: 10 * time.Second,
	}
}

func TestOfferThenPullLeasesMessage(t *testing.T) {
	fc := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	d := newTestDispatcher(t, baseSub("projects/testproj/subscriptions/s"), fc, nil)

	d.Offer(&models.Message{ID: "m1", Data: []byte("hi")})

	deliveries := d.Pull(10)
	if len(deliveries) != 1 || deliveries[0].Message.ID != "m1" {
		t.Fatalf("Pull = %v, want [m1]", deliveries)
	}
}

func TestNackRedeliversMessage(t *testing.T) {
	fc := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	d := newTestDispatcher(t, baseSub("projects/testproj/subscriptions/s"), fc, nil)

	d.Offer(&models.Message{ID: "m1", Data: []byte("hi")})
	deliveries := d.Pull(10)
	if len(deliveries) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(deliveries))
	}

	if result := d.Nack(deliveries[0].AckID); result != models.AckSuccess {
		t.Fatalf("Nack = %v, want AckSuccess", result)
	}

	redelivered := d.Pull(10)
	if len(redelivered) != 1 || redelivered[0].Message.ID != "m1" {
		t.Fatalf("expected m1 redelivered, got %v", redelivered)
	}
}

func TestDeadLetterAfterMaxDeliveryAttempts(t *testing.T) {
	fc := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	rf := &recordingForwarder{}
	sub := baseSub("projects/testproj/subscriptions/s")
	sub.DeadLetterPolicy = &models.DeadLetterPolicy{
		DeadLetterTopic:     "projects/testproj/topics/dlq",
		MaxDeliveryAttempts: 2,
	}
	d := newTestDispatcher(t, sub, fc, rf)

	d.Offer(&models.Message{ID: "m1", Data: []byte("poison")})

	for i := 0; i < 2; i++ {
		deliveries := d.Pull(10)
		if len(deliveries) != 1 {
			t.Fatalf("attempt %d: expected 1 delivery, got %d", i, len(deliveries))
		}
		d.Nack(deliveries[0].AckID)
	}

	if got := d.Pull(10); len(got) != 0 {
		t.Fatalf("expected no more deliveries after dead-lettering, got %v", got)
	}
	if len(rf.forwarded) != 1 || rf.forwarded[0].msg.ID != "m1" {
		t.Fatalf("expected m1 forwarded to dead-letter, got %v", rf.forwarded)
	}
}

func TestReceiveStreamsDeliveriesUntilCanceled(t *testing.T) {
	fc := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	d := newTestDispatcher(t, baseSub("projects/testproj/subscriptions/s"), fc, nil)

	d.Offer(&models.Message{ID: "m1", Data: []byte("a")})
	d.Offer(&models.Message{ID: "m2", Data: []byte("b")})

	ctx, cancel := context.WithCancel(context.Background())
	received := make(chan string, 2)
	done := make(chan error, 1)
	go func() {
		done <- d.Receive(ctx, FlowControl{}, func(ctx context.Context, ackID string, msg *models.Message) {
			received <- msg.ID
			d.Ack(ackID)
			if msg.ID == "m2" {
				cancel()
			}
		})
	}()

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case id := <-received:
			got[id] = true
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for deliveries")
		}
	}
	if !got["m1"] || !got["m2"] {
		t.Fatalf("expected both m1 and m2 delivered, got %v", got)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Receive did not exit after cancel")
	}
}

func TestUnregisterSessionRequeuesOutstandingLeases(t *testing.T) {
	fc := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	d := newTestDispatcher(t, baseSub("projects/testproj/subscriptions/s"), fc, nil)

	s := d.RegisterSession(FlowControl{MaxOutstandingMessages: 10})
	d.Offer(&models.Message{ID: "m1", Data: []byte("a")})

	select {
	case <-s.Messages():
	case <-time.After(time.Second):
		t.Fatal("expected m1 delivered to session")
	}

	d.UnregisterSession(s)

	deliveries := d.Pull(10)
	if len(deliveries) != 1 || deliveries[0].Message.ID != "m1" {
		t.Fatalf("expected m1 requeued after session teardown, got %v", deliveries)
	}
}
