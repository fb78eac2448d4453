// Package delay computes staggered send offsets for a campaign batch.
// Pacing is bursty but bounded: a random short pause between ordinary sends
// and a longer pause after every batch boundary, which keeps the cadence
// human enough to stay under provider throttling.
package delay

import (
	"time"

	"sendflow/internal/domain"
)

// Rand is the injected randomness source; *math/rand.Rand satisfies it.
type Rand interface {
	Intn(n int) int
}

// Offsets returns one cumulative delay per recipient, in input order,
// starting at base. After the i-th recipient (1-indexed), the running offset
// grows by GreaterInterval when i is a multiple of LongerIntervalAfter, and
// by a uniform random second count in [0, MessageInterval) otherwise.
// Offsets are therefore non-decreasing.
func Offsets(n int, s domain.Settings, base time.Duration, rng Rand) []time.Duration {
	out := make([]time.Duration, 0, n)
	d := base
	for i := 1; i <= n; i++ {
		out = append(out, d)
		if s.LongerIntervalAfter > 0 && i%s.LongerIntervalAfter == 0 {
			d += time.Duration(s.GreaterInterval) * time.Second
		} else if s.MessageInterval > 0 {
			d += time.Duration(rng.Intn(s.MessageInterval)) * time.Second
		}
	}
	return out
}
