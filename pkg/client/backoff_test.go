package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffGrowsAndCaps(t *testing.T) {
	b := NewBackoff(BackoffSettings{
		Initial:    100 * time.Millisecond,
		Max:        400 * time.Millisecond,
		Multiplier: 2,
		Jitter:     0,
		Rand:       func() float64 { return 0 },
	})

	assert.Equal(t, 100*time.Millisecond, b.Next())
	assert.Equal(t, 200*time.Millisecond, b.Next())
	assert.Equal(t, 400*time.Millisecond, b.Next())
	assert.Equal(t, 400*time.Millisecond, b.Next())
}

func TestBackoffJitterBounds(t *testing.T) {
	for _, r := range []float64{0, 0.25, 0.75, 0.999} {
		r := r
		b := NewBackoff(BackoffSettings{
			Initial:    100 * time.Millisecond,
			Max:        time.Second,
			Multiplier: 2,
			Jitter:     0.5,
			Rand:       func() float64 { return r },
		})
		d := b.Next()
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.Less(t, d, 150*time.Millisecond)
	}
}

func TestBackoffJitterNeverExceedsMax(t *testing.T) {
	b := NewBackoff(BackoffSettings{
		Initial:    100 * time.Millisecond,
		Max:        400 * time.Millisecond,
		Multiplier: 2,
		Jitter:     0.5,
		Rand:       func() float64 { return 0.999 },
	})
	for i := 0; i < 10; i++ {
		assert.LessOrEqual(t, b.Next(), 400*time.Millisecond)
	}
}

func TestBackoffReset(t *testing.T) {
	b := NewBackoff(BackoffSettings{
		Initial:    100 * time.Millisecond,
		Max:        time.Second,
		Multiplier: 2,
		Jitter:     0,
		Rand:       func() float64 { return 0 },
	})
	b.Next()
	b.Next()
	b.Reset()
	assert.Equal(t, 100*time.Millisecond, b.Next())
}
