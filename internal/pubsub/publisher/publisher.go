// Package publisher provides a thin publish-side adapter over the
// broker engine, mirroring the production client's
// Topic.Publish/PublishResult.Get shape (spec.md section 6's "public
// surface layered on the core").
package publisher

import (
	"context"
	"fmt"
	"time"

	"github.com/b87dev/pubsub-broker/internal/broker"
	"github.com/b87dev/pubsub-broker/internal/models"
)

// PublishMessage publishes a single message to topicName and blocks
// until it is admitted, returning the server-assigned message ID.
func PublishMessage(ctx context.Context, b *broker.Broker, topicName, payload string, attributes map[string]string) (string, error) {
	if b == nil {
		return "", fmt.Errorf("broker is nil")
	}
	if topicName == "" {
		return "", fmt.Errorf("topic name cannot be empty")
	}

	msg := &models.Message{Data: []byte(payload)}
	if len(attributes) > 0 {
		msg.Attributes = attributes
	}

	outcomes := b.Publish(ctx, topicName, []*models.Message{msg})
	if err := b.Flush(topicName); err != nil {
		return "", friendlyError(topicName, err)
	}
	outcome := outcomes[0]
	if outcome.Err != nil {
		return "", friendlyError(topicName, outcome.Err)
	}
	return outcome.ID, nil
}

func friendlyError(topicName string, err error) error {
	switch models.KindOf(err) {
	case models.PermissionDenied:
		return fmt.Errorf("permission denied: you don't have permission to publish to this topic")
	case models.NotFound:
		return fmt.Errorf("topic not found: the topic '%s' does not exist", topicName)
	case models.InvalidArgument:
		return fmt.Errorf("invalid message: check your payload and attributes")
	}
	return fmt.Errorf("failed to publish message: %w", err)
}

// PublishResult represents the result of a publish operation.
type PublishResult struct {
	MessageID string `json:"messageId"`
	Timestamp string `json:"timestamp"`
}

// PublishMessageWithResult publishes a message and returns a result
// with message ID and timestamp.
func PublishMessageWithResult(ctx context.Context, b *broker.Broker, topicName, payload string, attributes map[string]string) (PublishResult, error) {
	messageID, err := PublishMessage(ctx, b, topicName, payload, attributes)
	if err != nil {
		return PublishResult{}, err
	}
	return PublishResult{
		MessageID: messageID,
		Timestamp: time.Now().Format(time.RFC3339),
	}, nil
}
