package models

import "time"

// SnapshotTTL is the lifetime of a snapshot after creation; expiry is
// enforced lazily on use rather than by a background sweep.
const SnapshotTTL = 7 * 24 * time.Hour

// Snapshot is an immutable capture of a subscription's queued
// (deliverable) messages, named and addressable as a seek target.
// Messages leased but not yet acked at capture time, and acked
// history, are not part of the capture. The captured messages
// themselves live in the broker (internal/broker); this struct holds
// only the metadata half of the resource.
type Snapshot struct {
	Name         string
	Subscription string
	Topic        string
	CreatedAt    time.Time
	ExpireTime   time.Time
}

// Expired reports whether the snapshot has passed its TTL as of now.
func (s *Snapshot) Expired(now time.Time) bool {
	return !now.Before(s.ExpireTime)
}
