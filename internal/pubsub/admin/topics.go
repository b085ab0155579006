// Package admin provides list/get/create/delete helpers over the
// broker engine's topic, subscription, and snapshot registries, in
// the same Info-struct shape the production client's admin surface
// returns, so a caller layering a CLI or UI on top of the engine needs
// no translation layer of its own (spec.md section 6).
package admin

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/api/iterator"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/b87dev/pubsub-broker/internal/broker"
	"github.com/b87dev/pubsub-broker/internal/models"
)

// TopicInfo represents topic metadata.
type TopicInfo struct {
	Name             string `json:"name"`
	DisplayName      string `json:"displayName"`
	MessageRetention string `json:"messageRetention,omitempty"`
}

// TopicIterator pages through a snapshot of topics taken at
// construction time, mirroring the production client's
// TopicIterator.Next/iterator.Done pagination shape.
type TopicIterator struct {
	items []TopicInfo
	pos   int
}

// Next returns the next topic, or iterator.Done once exhausted.
func (it *TopicIterator) Next() (TopicInfo, error) {
	if it.pos >= len(it.items) {
		return TopicInfo{}, iterator.Done
	}
	item := it.items[it.pos]
	it.pos++
	return item, nil
}

func toTopicInfo(t *models.Topic) TopicInfo {
	info := TopicInfo{Name: t.Name, DisplayName: extractDisplayName(t.Name)}
	if t.MessageRetentionDuration > 0 {
		info.MessageRetention = formatDuration(t.MessageRetentionDuration)
	}
	return info
}

// formatDuration renders d the way the production API's duration
// fields are typically displayed, going through durationpb so the
// wire-shape rounding (nanosecond truncation) matches what a real
// client would have seen.
func formatDuration(d time.Duration) string {
	return durationpb.New(d).AsDuration().String()
}

// ListTopicsAdmin returns every topic registered on b.
func ListTopicsAdmin(ctx context.Context, b *broker.Broker) ([]TopicInfo, error) {
	it := NewTopicIterator(b)
	var topics []TopicInfo
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		topic, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		topics = append(topics, topic)
	}
	return topics, nil
}

// NewTopicIterator snapshots b's current topics for paginated access.
func NewTopicIterator(b *broker.Broker) *TopicIterator {
	topics := b.ListTopics()
	items := make([]TopicInfo, len(topics))
	for i, t := range topics {
		items[i] = toTopicInfo(t)
	}
	return &TopicIterator{items: items}
}

// GetTopicMetadataAdmin retrieves metadata for a single topic.
func GetTopicMetadataAdmin(ctx context.Context, b *broker.Broker, topicName string) (TopicInfo, error) {
	topic, err := b.GetTopic(topicName, false)
	if err != nil {
		return TopicInfo{}, err
	}
	return toTopicInfo(topic), nil
}

// CreateTopicAdmin creates a new topic with an optional message
// retention duration (empty string uses the engine's default).
func CreateTopicAdmin(ctx context.Context, b *broker.Broker, topicName, messageRetentionDuration string) error {
	req := broker.CreateTopicRequest{Name: topicName}
	if messageRetentionDuration != "" {
		d, err := parseDuration(messageRetentionDuration)
		if err != nil {
			return fmt.Errorf("invalid message retention duration format: %w", err)
		}
		req.MessageRetentionDuration = d
	}
	_, err := b.CreateTopic(req)
	if err != nil {
		return fmt.Errorf("failed to create topic %s: %w", topicName, err)
	}
	return nil
}

// DeleteTopicAdmin deletes a topic.
func DeleteTopicAdmin(ctx context.Context, b *broker.Broker, topicName string) error {
	if err := b.DeleteTopic(topicName); err != nil {
		return fmt.Errorf("failed to delete topic: %w", err)
	}
	return nil
}

// extractDisplayName extracts the trailing resource segment, e.g.
// "projects/my-project/topics/my-topic" -> "my-topic".
func extractDisplayName(fullName string) string {
	parts := strings.Split(fullName, "/")
	if len(parts) > 0 {
		return parts[len(parts)-1]
	}
	return fullName
}
