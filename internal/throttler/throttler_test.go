package throttler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledThrottlerNeverBlocks(t *testing.T) {
	var th *Throttler
	assert.False(t, th.Enabled())
	require.NoError(t, th.Limit(context.Background(), 1<<20))

	th = New(0, 0)
	assert.False(t, th.Enabled())
	require.NoError(t, th.Limit(context.Background(), 1<<20))
}

func TestThrottlerPacesToConfiguredRate(t *testing.T) {
	th := New(1000, 1000)
	require.True(t, th.Enabled())

	start := time.Now()
	require.NoError(t, th.Limit(context.Background(), 1000))
	require.NoError(t, th.Limit(context.Background(), 1000))
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 800*time.Millisecond)
}

func TestThrottlerRespectsContextCancellation(t *testing.T) {
	th := New(1, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.NoError(t, th.Limit(ctx, 1))
	err := th.Limit(ctx, 1)
	assert.Error(t, err)
}
