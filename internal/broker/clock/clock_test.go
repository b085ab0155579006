package clock

import (
	"testing"
	"time"
)

func TestFakeAdvanceFiresDueTimers(t *testing.T) {
	f := NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	var fired []string

	f.AfterFunc(5*time.Second, func() { fired = append(fired, "five") })
	f.AfterFunc(10*time.Second, func() { fired = append(fired, "ten") })

	f.Advance(3 * time.Second)
	if len(fired) != 0 {
		t.Fatalf("expected nothing fired yet, got %v", fired)
	}

	f.Advance(3 * time.Second) // now at 6s: "five" should fire
	if len(fired) != 1 || fired[0] != "five" {
		t.Fatalf("expected [five], got %v", fired)
	}

	f.Advance(10 * time.Second) // now at 16s: "ten" should fire
	if len(fired) != 2 || fired[1] != "ten" {
		t.Fatalf("expected [five ten], got %v", fired)
	}
}

func TestFakeTimerStopPreventsFiring(t *testing.T) {
	f := NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	fired := false
	timer := f.AfterFunc(time.Second, func() { fired = true })

	if !timer.Stop() {
		t.Fatalf("expected first Stop to report it cancelled a pending timer")
	}
	f.Advance(2 * time.Second)
	if fired {
		t.Fatalf("stopped timer should not fire")
	}
	if timer.Stop() {
		t.Fatalf("second Stop should report no-op")
	}
}

func TestFakeNowAdvancesMonotonically(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFake(start)
	if !f.Now().Equal(start) {
		t.Fatalf("Now() = %v, want %v", f.Now(), start)
	}
	f.Advance(time.Hour)
	if want := start.Add(time.Hour); !f.Now().Equal(want) {
		t.Fatalf("Now() after Advance = %v, want %v", f.Now(), want)
	}
}
