package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorAggregatesByOperationAndEntity(t *testing.T) {
	c := NewCollector()
	c.Record("create", "contacts", true, 100*time.Millisecond, 201, 0, 0)
	c.Record("create", "contacts", false, 300*time.Millisecond, 500, 2, 10*time.Millisecond)
	c.Record("update", "accounts", true, 50*time.Millisecond, 204, 0, 0)

	snap := c.Snapshot()

	createStats := snap.ByOperation["create"]
	require.Equal(t, uint64(2), createStats.Total)
	assert.Equal(t, uint64(1), createStats.Succeeded)
	assert.Equal(t, uint64(1), createStats.Failed)
	assert.Equal(t, 100*time.Millisecond, createStats.MinDuration)
	assert.Equal(t, 300*time.Millisecond, createStats.MaxDuration)
	assert.Equal(t, uint64(2), createStats.RetryCount)
	assert.Equal(t, uint64(1), createStats.StatusHistogram[201])
	assert.Equal(t, uint64(1), createStats.StatusHistogram[500])

	contactStats := snap.ByEntity["contacts"]
	require.Equal(t, uint64(2), contactStats.Total)

	accountStats := snap.ByEntity["accounts"]
	require.Equal(t, uint64(1), accountStats.Total)
}

func TestSnapshotIsImmutableCopy(t *testing.T) {
	c := NewCollector()
	c.Record("create", "contacts", true, time.Millisecond, 201, 0, 0)

	snap := c.Snapshot()
	snap.ByOperation["create"].StatusHistogram[999] = 42

	snap2 := c.Snapshot()
	_, tampered := snap2.ByOperation["create"].StatusHistogram[999]
	assert.False(t, tampered)
}

func TestErrorRateAndThroughput(t *testing.T) {
	c := NewCollector()
	c.Record("create", "contacts", true, time.Millisecond, 201, 0, 0)
	c.Record("create", "contacts", false, time.Millisecond, 500, 0, 0)

	snap := c.Snapshot()
	assert.InDelta(t, 0.5, snap.ErrorRate(), 0.001)
	assert.GreaterOrEqual(t, snap.OpsPerSecond(), 0.0)
}
