package webhook

import (
	"testing"
	"time"
)

func TestSignDeterministicForSameInputsDiffersOnTimestamp(t *testing.T) {
	body := []byte(`{"job_id":"abc"}`)
	sig1 := Sign("shared-secret", "2026-07-31T00:00:00Z", body)
	sig2 := Sign("shared-secret", "2026-07-31T00:00:00Z", body)
	if sig1 != sig2 {
		t.Fatalf("Sign not deterministic for identical inputs: %q vs %q", sig1, sig2)
	}

	sig3 := Sign("shared-secret", "2026-07-31T00:00:01Z", body)
	if sig1 == sig3 {
		t.Fatalf("Sign should produce a fresh signature when the timestamp differs")
	}
}

func TestSignDiffersOnSecret(t *testing.T) {
	body := []byte(`{"job_id":"abc"}`)
	ts := "2026-07-31T00:00:00Z"
	if Sign("secret-a", ts, body) == Sign("secret-b", ts, body) {
		t.Fatalf("Sign should differ across subscription secrets")
	}
}

func TestNextRetryDelayDefaultsMatchScenario(t *testing.T) {
	// Scenario 6: endpoint returns 500 twice then 200; gaps approx 1s, 2s.
	first := NextRetryDelay(1, time.Second, 2)
	second := NextRetryDelay(2, time.Second, 2)
	if first != time.Second {
		t.Fatalf("NextRetryDelay(1) = %v, want 1s", first)
	}
	if second != 2*time.Second {
		t.Fatalf("NextRetryDelay(2) = %v, want 2s", second)
	}
}

func TestNextRetryDelayAppliesDefaultsWhenZero(t *testing.T) {
	d := NextRetryDelay(1, 0, 0)
	if d != time.Second {
		t.Fatalf("NextRetryDelay with zero initialDelay/multiplier = %v, want default 1s", d)
	}
}

func TestNextRetryDelayGrowsExponentially(t *testing.T) {
	var prev time.Duration
	for attempt := int32(1); attempt <= 4; attempt++ {
		d := NextRetryDelay(attempt, time.Second, 2)
		if attempt > 1 && d <= prev {
			t.Fatalf("NextRetryDelay(%d) = %v must exceed previous %v", attempt, d, prev)
		}
		prev = d
	}
}

func TestEventTypeAllowedAndTaskAllowed(t *testing.T) {
	if !eventTypeAllowed([]string{"scrape.completed", "crawl.completed"}, "scrape.completed") {
		t.Fatalf("eventTypeAllowed should match an allowed event")
	}
	if eventTypeAllowed([]string{"crawl.completed"}, "scrape.completed") {
		t.Fatalf("eventTypeAllowed should reject an event not in the list")
	}
	if !taskAllowed([]string{"task-1", "task-2"}, "task-2") {
		t.Fatalf("taskAllowed should match a listed resource id")
	}
	if taskAllowed([]string{"task-1"}, "task-2") {
		t.Fatalf("taskAllowed should reject an unlisted resource id")
	}
}
