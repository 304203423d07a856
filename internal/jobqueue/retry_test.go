package jobqueue

import (
	"math/rand"
	"testing"
)

func TestNextDelaySecondsNoJitterMonotonic(t *testing.T) {
	cfg := RetryConfig{BaseSeconds: 1, MaxSeconds: 15, JitterPct: 0}
	rng := rand.New(rand.NewSource(1))

	prev := -1.0
	for attempt := 1; attempt <= 6; attempt++ {
		delay := NextDelaySeconds(attempt, cfg, rng)
		if delay < prev {
			t.Fatalf("attempt %d: delay %v less than previous %v", attempt, delay, prev)
		}
		prev = delay
	}
}

func TestNextDelaySecondsExactMagnitude(t *testing.T) {
	// spec.md §8 scenario 3's worked example: base=1 ⇒ ~1s after attempt 1,
	// ~2s after attempt 2. With jitter disabled the delay must equal
	// base * 2^(attempt_no-1) exactly, not base * 2^attempt_no.
	cfg := RetryConfig{BaseSeconds: 1, MaxSeconds: 900, JitterPct: 0}
	rng := rand.New(rand.NewSource(1))

	cases := map[int]float64{1: 1, 2: 2, 3: 4, 4: 8}
	for attempt, want := range cases {
		if got := NextDelaySeconds(attempt, cfg, rng); got != want {
			t.Errorf("NextDelaySeconds(%d, ...) = %v, want %v", attempt, got, want)
		}
	}
}

func TestNextDelaySecondsCapsAtMax(t *testing.T) {
	cfg := RetryConfig{BaseSeconds: 1, MaxSeconds: 15, JitterPct: 0}
	rng := rand.New(rand.NewSource(1))

	delay := NextDelaySeconds(10, cfg, rng)
	if delay != cfg.MaxSeconds {
		t.Fatalf("expected delay capped at %v, got %v", cfg.MaxSeconds, delay)
	}
}

func TestNextDelaySecondsJitterBounded(t *testing.T) {
	cfg := DefaultRetryConfig()
	rng := rand.New(rand.NewSource(42))

	for attempt := 1; attempt <= 20; attempt++ {
		delay := NextDelaySeconds(attempt, cfg, rng)
		if delay < 0 || delay > cfg.MaxSeconds {
			t.Fatalf("attempt %d: delay %v out of [0, %v]", attempt, delay, cfg.MaxSeconds)
		}
	}
}

func TestClassifyError(t *testing.T) {
	cases := map[string]ErrorClass{
		ErrTimeout:        ClassRetryable,
		ErrDependencyDown: ClassRetryable,
		ErrRateLimit:      ClassRetryable,
		ErrDBDeadlock:     ClassRetryable,
		ErrSerialization:  ClassRetryable,
		ErrBadPayload:     ClassNonRetryable,
		ErrUnknownJobType: ClassNonRetryable,
		"SOME_UNDOCUMENTED_CODE": ClassRetryable,
	}
	for code, want := range cases {
		if got := ClassifyError(code); got != want {
			t.Errorf("ClassifyError(%q) = %v, want %v", code, got, want)
		}
	}
}

func TestSuggestedActionHasEntryForEveryKnownCode(t *testing.T) {
	codes := []string{
		ErrTimeout, ErrDBDeadlock, ErrSerialization, ErrRateLimit,
		ErrDependencyDown, ErrPanic, ErrBadPayload, ErrUnknownJobType,
	}
	seen := map[string]bool{}
	for _, c := range codes {
		action := SuggestedAction(c)
		if action == "" {
			t.Errorf("SuggestedAction(%q) returned empty string", c)
		}
		seen[action] = true
	}
	if len(seen) != len(codes) {
		t.Error("expected a distinct suggested action per known error code")
	}

	if SuggestedAction("TOTALLY_UNKNOWN") == "" {
		t.Error("expected a non-empty fallback suggestion for unknown codes")
	}
}
