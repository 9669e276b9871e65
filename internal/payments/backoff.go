package payments

import (
	"math"
	"time"
)

// Backoff returns the delay before retry number attempt (1-based): base, 2*base, 4*base, ...
// The result saturates instead of overflowing.
func Backoff(base time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		if d > math.MaxInt64/2 {
			return math.MaxInt64
		}
		d *= 2
	}
	return d
}
