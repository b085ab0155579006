// Package brokertest provides a small in-process test harness around
// internal/broker.Broker, replacing the Docker-based pstest/emulator
// integration harness with something that runs a fake clock and needs
// no external process (spec.md section 9's test-tooling expectations).
package brokertest

import (
	"context"
	"testing"
	"time"

	"github.com/b87dev/pubsub-broker/internal/broker"
	"github.com/b87dev/pubsub-broker/internal/broker/clock"
	"github.com/b87dev/pubsub-broker/internal/broker/publish"
	"github.com/b87dev/pubsub-broker/internal/models"
)

// Harness wraps a Broker plus the fake clock driving it, and fails the
// enclosing test on any unexpected error.
type Harness struct {
	T      testing.TB
	Broker *broker.Broker
	Clock  *clock.Fake
}

// New constructs a Harness with a fresh Broker backed by a fake clock
// started at an arbitrary, fixed instant (deterministic across runs,
// matching the fake clock's own convention). Topics flush each message
// as soon as it is admitted, so publishing never waits on the fake
// clock's batching timer.
func New(t testing.TB) *Harness {
	t.Helper()
	fc := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	b := broker.New(broker.Options{
		Clock:           fc,
		DefaultBatching: publish.BatchingOptions{MaxMessages: 1, MaxBytes: 1 << 20, MaxDelay: 10 * time.Millisecond},
	})
	return &Harness{T: t, Broker: b, Clock: fc}
}

// CreateTopic creates a topic with default settings, failing the test
// on error.
func (h *Harness) CreateTopic(name string) *models.Topic {
	h.T.Helper()
	topic, err := h.Broker.CreateTopic(broker.CreateTopicRequest{Name: name})
	if err != nil {
		h.T.Fatalf("CreateTopic(%q): %v", name, err)
	}
	return topic
}

// CreateSubscription creates a subscription bound to topic, failing
// the test on error.
func (h *Harness) CreateSubscription(name, topic string, opts broker.CreateSubscriptionRequest) *models.Subscription {
	h.T.Helper()
	opts.Name = name
	opts.Topic = topic
	sub, err := h.Broker.CreateSubscription(opts)
	if err != nil {
		h.T.Fatalf("CreateSubscription(%q, %q): %v", name, topic, err)
	}
	return sub
}

// PublishString publishes a single message with data as its body and
// blocks until it is flushed, returning the assigned message ID.
func (h *Harness) PublishString(topic, data string, attrs map[string]string) string {
	h.T.Helper()
	return h.PublishMessage(topic, &models.Message{Data: []byte(data), Attributes: attrs})
}

// PublishMessage publishes msg and blocks until it is flushed,
// returning the assigned message ID.
func (h *Harness) PublishMessage(topic string, msg *models.Message) string {
	h.T.Helper()
	outcomes := h.Broker.Publish(context.Background(), topic, []*models.Message{msg})
	if err := h.Broker.Flush(topic); err != nil {
		h.T.Fatalf("Flush(%q): %v", topic, err)
	}
	if len(outcomes) != 1 {
		h.T.Fatalf("Publish(%q): expected 1 outcome, got %d", topic, len(outcomes))
	}
	if outcomes[0].Err != nil {
		h.T.Fatalf("Publish(%q): %v", topic, outcomes[0].Err)
	}
	return outcomes[0].ID
}

// Drain pulls up to maxMessages messages from subName, acking each one
// immediately, and returns their bodies in delivery order. Intended
// for tests that only care that messages arrived, not about lease
// bookkeeping.
func (h *Harness) Drain(subName string, maxMessages int) [][]byte {
	h.T.Helper()
	pulled, err := h.Broker.Pull(context.Background(), subName, maxMessages)
	if err != nil {
		h.T.Fatalf("Pull(%q): %v", subName, err)
	}
	ackIDs := make([]string, len(pulled))
	out := make([][]byte, len(pulled))
	for i, p := range pulled {
		ackIDs[i] = p.AckID
		out[i] = p.Message.Data
	}
	if len(ackIDs) > 0 {
		if _, err := h.Broker.Acknowledge(subName, ackIDs); err != nil {
			h.T.Fatalf("Acknowledge(%q): %v", subName, err)
		}
	}
	return out
}
