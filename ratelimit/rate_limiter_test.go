package ratelimit

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllowPermitsWithinLimit(t *testing.T) {
	l := NewLimiter(Config{RequestsPerWindow: 2, Window: time.Minute})
	assert.NoError(t, l.Allow("search"))
	assert.NoError(t, l.Allow("search"))
}

func TestAllowRejectsOverLimit(t *testing.T) {
	l := NewLimiter(Config{RequestsPerWindow: 1, Window: time.Minute})
	require.NoError(t, l.Allow("search"))

	err := l.Allow("search")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRateLimited))

	var rle *RateLimitedError
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, "search", rle.Queue)
	assert.Equal(t, 1, rle.Limit)
}

func TestZeroLimitMeansUnlimited(t *testing.T) {
	l := NewLimiter(Config{RequestsPerWindow: 0})
	for i := 0; i < 100; i++ {
		assert.NoError(t, l.Allow("unbounded"))
	}
}

func TestPerQueueConfigOverridesFallback(t *testing.T) {
	l := NewLimiter(Config{RequestsPerWindow: 1, Window: time.Minute})
	l.SetConfig("bulk", Config{RequestsPerWindow: 5, Window: time.Minute})

	for i := 0; i < 5; i++ {
		assert.NoError(t, l.Allow("bulk"))
	}
	assert.Error(t, l.Allow("bulk"))
}

func TestResetClearsWindow(t *testing.T) {
	l := NewLimiter(Config{RequestsPerWindow: 1, Window: time.Minute})
	require.NoError(t, l.Allow("search"))
	require.Error(t, l.Allow("search"))

	l.Reset("search")
	assert.NoError(t, l.Allow("search"))
}
