package ack

import (
	"testing"
	"time"

	"github.com/b87dev/pubsub-broker/internal/broker/clock"
	"github.com/b87dev/pubsub-broker/internal/models"
)

func newTestTracker() (*Tracker, *clock.Fake) {
	fc := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	return NewTracker(fc, time.Minute), fc
}

func TestLeaseAndSettle(t *testing.T) {
	tr, _ := newTestTracker()
	msg := &models.Message{ID: "m1"}

	id := tr.Lease(msg, 10*time.Second, 0)
	if id == "" {
		t.Fatalf("expected a non-empty ack-ID")
	}
	if _, ok := tr.Get(id); !ok {
		t.Fatalf("expected lease to be outstanding")
	}
	if got := tr.OutstandingCount(); got != 1 {
		t.Fatalf("OutstandingCount = %d, want 1", got)
	}

	lease, result := tr.Settle(id, Acked)
	if result != models.AckSuccess {
		t.Fatalf("Settle result = %v, want AckSuccess", result)
	}
	if lease.Message.ID != "m1" {
		t.Fatalf("settled lease carries wrong message")
	}
	if tr.OutstandingCount() != 0 {
		t.Fatalf("expected no outstanding leases after settle")
	}
}

func TestSettleIsIdempotent(t *testing.T) {
	tr, _ := newTestTracker()
	id := tr.Lease(&models.Message{ID: "m1"}, 10*time.Second, 0)

	if _, result := tr.Settle(id, Acked); result != models.AckSuccess {
		t.Fatalf("first settle should succeed")
	}
	if _, result := tr.Settle(id, Acked); result != models.AckInvalid {
		t.Fatalf("second settle of the same ack-ID should be AckInvalid, got %v", result)
	}
}

func TestSettleUnknownIDIsInvalid(t *testing.T) {
	tr, _ := newTestTracker()
	if _, result := tr.Settle("never-issued", Acked); result != models.AckInvalid {
		t.Fatalf("settle of unknown ack-ID should be AckInvalid, got %v", result)
	}
}

func TestExtendAfterSettlementIsFailedPrecondition(t *testing.T) {
	tr, fc := newTestTracker()
	id := tr.Lease(&models.Message{ID: "m1"}, 10*time.Second, 0)

	if _, result := tr.Settle(id, Acked); result != models.AckSuccess {
		t.Fatalf("settle should succeed")
	}
	if result := tr.Extend(id, fc.Now().Add(time.Minute)); result != models.AckFailedPrecondition {
		t.Fatalf("Extend after ack should be FailedPrecondition, got %v", result)
	}
}

func TestExpireDueReturnsOnlyPastDeadlineLeases(t *testing.T) {
	tr, fc := newTestTracker()
	soon := tr.Lease(&models.Message{ID: "soon"}, 5*time.Second, 0)
	later := tr.Lease(&models.Message{ID: "later"}, 50*time.Second, 0)

	fc.Advance(10 * time.Second)
	due := tr.ExpireDue(fc.Now())
	if len(due) != 1 || due[0].AckID != soon {
		t.Fatalf("ExpireDue = %v, want only %q", due, soon)
	}
	if _, ok := tr.Get(later); !ok {
		t.Fatalf("later lease should still be outstanding")
	}
	if _, ok := tr.Get(soon); ok {
		t.Fatalf("expired lease should have been removed")
	}
}

func TestRestoreAckedHonorsPublishTimeCutoff(t *testing.T) {
	tr, fc := newTestTracker()
	base := fc.Now()

	old := &models.Message{ID: "old", PublishTime: base}
	recent := &models.Message{ID: "recent", PublishTime: base.Add(time.Minute)}
	tr.RecordAcked(old)
	tr.RecordAcked(recent)

	restored := tr.RestoreAcked(base.Add(30 * time.Second))
	if len(restored) != 1 || restored[0].ID != "recent" {
		t.Fatalf("RestoreAcked = %v, want only [recent]", restored)
	}

	// A second call with the same cutoff should find nothing left to
	// restore, since RestoreAcked removes what it returns.
	if again := tr.RestoreAcked(base.Add(30 * time.Second)); len(again) != 0 {
		t.Fatalf("expected RestoreAcked to be consuming, got %v", again)
	}
}

func TestWasRecentlySettledTracksDedupWindow(t *testing.T) {
	tr, _ := newTestTracker()
	id := tr.Lease(&models.Message{ID: "m1"}, 10*time.Second, 0)
	if tr.WasRecentlySettled(id) {
		t.Fatalf("unsettled lease should not be in the dedup set")
	}
	tr.Settle(id, Acked)
	if !tr.WasRecentlySettled(id) {
		t.Fatalf("settled ack-ID should be in the dedup set")
	}
}
