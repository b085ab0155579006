package admin

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/api/iterator"

	"github.com/b87dev/pubsub-broker/internal/broker"
	"github.com/b87dev/pubsub-broker/internal/models"
)

// SnapshotInfo represents snapshot metadata.
type SnapshotInfo struct {
	Name         string    `json:"name"`
	DisplayName  string    `json:"displayName"`
	Topic        string    `json:"topic"`
	Subscription string    `json:"subscription"`
	ExpireTime   time.Time `json:"expireTime"`
}

func toSnapshotInfo(s *models.Snapshot) SnapshotInfo {
	return SnapshotInfo{
		Name:         s.Name,
		DisplayName:  extractSnapshotDisplayName(s.Name),
		Topic:        s.Topic,
		Subscription: s.Subscription,
		ExpireTime:   s.ExpireTime,
	}
}

// SnapshotIterator pages through a snapshot (no pun intended) of the
// broker's snapshots, taken at construction time.
type SnapshotIterator struct {
	items []SnapshotInfo
	pos   int
}

// Next returns the next snapshot, or iterator.Done once exhausted.
func (it *SnapshotIterator) Next() (SnapshotInfo, error) {
	if it.pos >= len(it.items) {
		return SnapshotInfo{}, iterator.Done
	}
	item := it.items[it.pos]
	it.pos++
	return item, nil
}

// NewSnapshotIterator snapshots b's current (non-expired) snapshots.
func NewSnapshotIterator(b *broker.Broker) *SnapshotIterator {
	snaps := b.ListSnapshots()
	items := make([]SnapshotInfo, len(snaps))
	for i, s := range snaps {
		items[i] = toSnapshotInfo(s)
	}
	return &SnapshotIterator{items: items}
}

// ListSnapshotsAdmin returns every non-expired snapshot registered on b.
func ListSnapshotsAdmin(ctx context.Context, b *broker.Broker) ([]SnapshotInfo, error) {
	it := NewSnapshotIterator(b)
	var snaps []SnapshotInfo
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		snap, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

// GetSnapshotMetadataAdmin retrieves metadata for one snapshot.
func GetSnapshotMetadataAdmin(ctx context.Context, b *broker.Broker, snapshotName string) (SnapshotInfo, error) {
	snap, err := b.GetSnapshot(snapshotName)
	if err != nil {
		return SnapshotInfo{}, err
	}
	return toSnapshotInfo(snap), nil
}

// CreateSnapshotAdmin captures subName's currently queued messages
// under snapshotName; leased-but-unacked messages are not captured.
func CreateSnapshotAdmin(ctx context.Context, b *broker.Broker, snapshotName, subName string) error {
	if _, err := b.CreateSnapshot(snapshotName, subName); err != nil {
		return fmt.Errorf("failed to create snapshot %s: %w", snapshotName, err)
	}
	return nil
}

// DeleteSnapshotAdmin deletes a snapshot.
func DeleteSnapshotAdmin(ctx context.Context, b *broker.Broker, snapshotName string) error {
	if err := b.DeleteSnapshot(snapshotName); err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	return nil
}

// extractSnapshotDisplayName extracts the trailing resource segment,
// e.g. "projects/my-project/snapshots/my-snapshot" -> "my-snapshot".
func extractSnapshotDisplayName(fullName string) string {
	return extractDisplayName(fullName)
}
