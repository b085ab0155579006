package admin

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/api/iterator"

	"github.com/b87dev/pubsub-broker/internal/broker"
	"github.com/b87dev/pubsub-broker/internal/models"
)

// DeadLetterPolicyInfo mirrors models.DeadLetterPolicy in display form.
type DeadLetterPolicyInfo struct {
	DeadLetterTopic     string `json:"deadLetterTopic"`
	MaxDeliveryAttempts int    `json:"maxDeliveryAttempts"`
}

// SubscriptionInfo represents subscription metadata.
type SubscriptionInfo struct {
	Name              string                `json:"name"`
	DisplayName       string                `json:"displayName"`
	Topic             string                `json:"topic"`
	AckDeadline       int32                 `json:"ackDeadlineSeconds"`
	RetentionDuration string                `json:"retentionDuration,omitempty"`
	Filter            string                `json:"filter,omitempty"`
	DeadLetterPolicy  *DeadLetterPolicyInfo `json:"deadLetterPolicy,omitempty"`
	SubscriptionType  string                `json:"subscriptionType"` // "pull" or "push"
	PushEndpoint      string                `json:"pushEndpoint,omitempty"`
}

func toSubscriptionInfo(s *models.Subscription) SubscriptionInfo {
	info := SubscriptionInfo{
		Name:             s.Name,
		DisplayName:      extractDisplayName(s.Name),
		Topic:            s.Topic,
		AckDeadline:      int32(s.AckDeadline.Seconds()),
		Filter:           s.Filter,
		SubscriptionType: "pull",
	}
	if s.MessageRetentionDuration > 0 {
		info.RetentionDuration = formatDuration(s.MessageRetentionDuration)
	}
	if s.DeadLetterPolicy != nil {
		info.DeadLetterPolicy = &DeadLetterPolicyInfo{
			DeadLetterTopic:     s.DeadLetterPolicy.DeadLetterTopic,
			MaxDeliveryAttempts: s.DeadLetterPolicy.MaxDeliveryAttempts,
		}
	}
	if s.PushConfig != nil && s.PushConfig.PushEndpoint != "" {
		info.SubscriptionType = "push"
		info.PushEndpoint = s.PushConfig.PushEndpoint
	}
	return info
}

// SubscriptionIterator pages through a snapshot of subscriptions taken
// at construction time.
type SubscriptionIterator struct {
	items []SubscriptionInfo
	pos   int
}

// Next returns the next subscription, or iterator.Done once exhausted.
func (it *SubscriptionIterator) Next() (SubscriptionInfo, error) {
	if it.pos >= len(it.items) {
		return SubscriptionInfo{}, iterator.Done
	}
	item := it.items[it.pos]
	it.pos++
	return item, nil
}

// NewSubscriptionIterator snapshots b's current subscriptions,
// optionally restricted to those bound to topicName (empty string
// means all subscriptions).
func NewSubscriptionIterator(b *broker.Broker, topicName string) *SubscriptionIterator {
	subs := b.ListSubscriptions()
	items := make([]SubscriptionInfo, 0, len(subs))
	for _, s := range subs {
		if topicName != "" && s.Topic != topicName {
			continue
		}
		items = append(items, toSubscriptionInfo(s))
	}
	return &SubscriptionIterator{items: items}
}

// ListSubscriptionsAdmin returns every subscription registered on b,
// or only those bound to topicName when it is non-empty.
func ListSubscriptionsAdmin(ctx context.Context, b *broker.Broker, topicName string) ([]SubscriptionInfo, error) {
	it := NewSubscriptionIterator(b, topicName)
	var subs []SubscriptionInfo
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		sub, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

// GetSubscriptionMetadataAdmin retrieves metadata for one subscription.
func GetSubscriptionMetadataAdmin(ctx context.Context, b *broker.Broker, subName string) (SubscriptionInfo, error) {
	sub, err := b.GetSubscription(subName, false)
	if err != nil {
		return SubscriptionInfo{}, err
	}
	return toSubscriptionInfo(sub), nil
}

// CreateSubscriptionOptions collects the optional knobs
// CreateSubscriptionAdmin accepts, leaving zero values to the broker's
// own defaults.
type CreateSubscriptionOptions struct {
	AckDeadlineSeconds    int32
	RetentionDuration     string
	EnableMessageOrdering bool
	Filter                string
	DeadLetterTopic       string
	MaxDeliveryAttempts   int
	MinimumBackoff        string
	MaximumBackoff        string
	EnableExactlyOnce     bool
	PushEndpoint          string
}

// CreateSubscriptionAdmin creates a pull or push subscription bound to
// topicName.
func CreateSubscriptionAdmin(ctx context.Context, b *broker.Broker, subName, topicName string, opts CreateSubscriptionOptions) error {
	req := broker.CreateSubscriptionRequest{
		Name:                      subName,
		Topic:                     topicName,
		EnableMessageOrdering:     opts.EnableMessageOrdering,
		Filter:                    opts.Filter,
		EnableExactlyOnceDelivery: opts.EnableExactlyOnce,
	}
	if opts.AckDeadlineSeconds > 0 {
		req.AckDeadline = time.Duration(opts.AckDeadlineSeconds) * time.Second
	}
	if opts.RetentionDuration != "" {
		d, err := parseDuration(opts.RetentionDuration)
		if err != nil {
			return fmt.Errorf("invalid retention duration: %w", err)
		}
		req.MessageRetentionDuration = d
	}
	if opts.DeadLetterTopic != "" {
		req.DeadLetterPolicy = &models.DeadLetterPolicy{
			DeadLetterTopic:     opts.DeadLetterTopic,
			MaxDeliveryAttempts: opts.MaxDeliveryAttempts,
		}
	}
	if opts.MinimumBackoff != "" || opts.MaximumBackoff != "" {
		rp := &models.RetryPolicy{}
		if opts.MinimumBackoff != "" {
			d, err := parseDuration(opts.MinimumBackoff)
			if err != nil {
				return fmt.Errorf("invalid minimum backoff: %w", err)
			}
			rp.MinimumBackoff = d
		}
		if opts.MaximumBackoff != "" {
			d, err := parseDuration(opts.MaximumBackoff)
			if err != nil {
				return fmt.Errorf("invalid maximum backoff: %w", err)
			}
			rp.MaximumBackoff = d
		}
		req.RetryPolicy = rp
	}
	if opts.PushEndpoint != "" {
		req.PushConfig = &models.PushConfig{PushEndpoint: opts.PushEndpoint}
	}

	if _, err := b.CreateSubscription(req); err != nil {
		return fmt.Errorf("failed to create subscription %s: %w", subName, err)
	}
	return nil
}

// DeleteSubscriptionAdmin deletes a subscription.
func DeleteSubscriptionAdmin(ctx context.Context, b *broker.Broker, subName string) error {
	if err := b.DeleteSubscription(subName); err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	return nil
}
