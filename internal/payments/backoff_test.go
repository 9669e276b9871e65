package payments

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffSequence(t *testing.T) {
	var got []time.Duration
	for n := 1; n <= 5; n++ {
		got = append(got, Backoff(time.Minute, n))
	}
	assert.Equal(t, []time.Duration{
		1 * time.Minute, 2 * time.Minute, 4 * time.Minute, 8 * time.Minute, 16 * time.Minute,
	}, got)
}

func TestBackoffSaturates(t *testing.T) {
	assert.Equal(t, time.Minute, Backoff(time.Minute, 0))
	assert.Equal(t, time.Duration(math.MaxInt64), Backoff(time.Minute, 1000))
}
