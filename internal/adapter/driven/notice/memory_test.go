package notice

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryTracker_FirstNoticeOnce(t *testing.T) {
	tracker := NewMemoryTracker(time.Hour)
	ctx := context.Background()

	first, err := tracker.FirstNotice(ctx, "awaiting:abc")
	require.NoError(t, err)
	assert.True(t, first)

	again, err := tracker.FirstNotice(ctx, "awaiting:abc")
	require.NoError(t, err)
	assert.False(t, again)

	other, err := tracker.FirstNotice(ctx, "awaiting:def")
	require.NoError(t, err)
	assert.True(t, other, "keys are tracked independently")
}

func TestMemoryTracker_Expiry(t *testing.T) {
	tracker := NewMemoryTracker(10 * time.Millisecond)
	ctx := context.Background()

	first, err := tracker.FirstNotice(ctx, "awaiting:abc")
	require.NoError(t, err)
	assert.True(t, first)

	time.Sleep(25 * time.Millisecond)

	again, err := tracker.FirstNotice(ctx, "awaiting:abc")
	require.NoError(t, err)
	assert.True(t, again, "an expired entry counts as first again")
}

func TestMemoryTracker_ZeroTTLNeverExpires(t *testing.T) {
	tracker := NewMemoryTracker(0)
	ctx := context.Background()

	first, err := tracker.FirstNotice(ctx, "awaiting:abc")
	require.NoError(t, err)
	assert.True(t, first)

	time.Sleep(5 * time.Millisecond)

	again, err := tracker.FirstNotice(ctx, "awaiting:abc")
	require.NoError(t, err)
	assert.False(t, again)
}
