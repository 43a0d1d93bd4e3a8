package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDayTimelineKey(t *testing.T) {
	assert.Equal(t, "retrace:timeline:2025-06-15", DayTimelineKey("2025-06-15"))
}

func TestNoopAlwaysMisses(t *testing.T) {
	ctx := context.Background()
	var c Cache = Noop{}

	require.NoError(t, c.SetJSON(ctx, DayTimelineKey("2025-06-15"), map[string]any{"cards": 1}, time.Minute))

	var dst map[string]any
	hit, err := c.GetJSON(ctx, DayTimelineKey("2025-06-15"), &dst)
	require.NoError(t, err)
	assert.False(t, hit)
	require.NoError(t, c.Del(ctx, DayTimelineKey("2025-06-15")))
}
