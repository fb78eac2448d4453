package delay

import (
	"math/rand"
	"testing"
	"time"

	"sendflow/internal/domain"
)

func TestOffsetsNonDecreasing(t *testing.T) {
	t.Parallel()
	s := domain.Settings{MessageInterval: 10, LongerIntervalAfter: 10, GreaterInterval: 60}
	rng := rand.New(rand.NewSource(1))

	out := Offsets(25, s, 0, rng)
	if len(out) != 25 {
		t.Fatalf("len = %d, want 25", len(out))
	}
	for i := 1; i < len(out); i++ {
		if out[i] < out[i-1] {
			t.Fatalf("offsets decreased at %d: %v < %v", i, out[i], out[i-1])
		}
	}
}

func TestOffsetsBatchBoundary(t *testing.T) {
	t.Parallel()
	s := domain.Settings{MessageInterval: 10, LongerIntervalAfter: 10, GreaterInterval: 60}
	rng := rand.New(rand.NewSource(42))

	out := Offsets(25, s, 0, rng)

	// After the 10th and 20th recipient the long pause applies.
	for _, b := range []int{10, 20} {
		gap := out[b] - out[b-1]
		if gap < 60*time.Second {
			t.Fatalf("gap at boundary %d = %v, want >= 60s", b, gap)
		}
	}
	// Every other gap is a random short pause in [0, 10s).
	for i := 1; i < len(out); i++ {
		if i == 10 || i == 20 {
			continue
		}
		gap := out[i] - out[i-1]
		if gap < 0 || gap >= 10*time.Second {
			t.Fatalf("gap at %d = %v, want in [0, 10s)", i, gap)
		}
	}
}

func TestOffsetsBase(t *testing.T) {
	t.Parallel()
	s := domain.Settings{MessageInterval: 5, LongerIntervalAfter: 3, GreaterInterval: 30}
	rng := rand.New(rand.NewSource(7))

	base := 90 * time.Second
	out := Offsets(4, s, base, rng)
	if out[0] != base {
		t.Fatalf("first offset = %v, want %v", out[0], base)
	}
	for _, d := range out {
		if d < base {
			t.Fatalf("offset %v below base %v", d, base)
		}
	}
}

func TestOffsetsDegenerateSettings(t *testing.T) {
	t.Parallel()
	// Zero intervals must not panic and must keep offsets flat.
	s := domain.Settings{}
	rng := rand.New(rand.NewSource(1))
	out := Offsets(3, s, 0, rng)
	for i, d := range out {
		if d != 0 {
			t.Fatalf("offset[%d] = %v, want 0", i, d)
		}
	}
}
