package retry

import (
	"testing"
	"time"

	"github.com/norpie/dynops/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPresets(t *testing.T) {
	d := Default()
	require.Equal(t, 3, d.MaxAttempts)
	require.True(t, d.Jitter)

	c := Conservative()
	require.Equal(t, 2, c.MaxAttempts)
	require.Equal(t, time.Second, c.BaseDelay)

	a := Aggressive()
	require.Equal(t, 5, a.MaxAttempts)
	require.Equal(t, 1.8, a.BackoffMultiplier)

	dis := Disabled()
	require.Equal(t, 1, dis.MaxAttempts)
	require.Equal(t, time.Duration(0), dis.BaseDelay)
}

func TestByName(t *testing.T) {
	assert.Equal(t, Conservative(), ByName("conservative"))
	assert.Equal(t, Aggressive(), ByName("aggressive"))
	assert.Equal(t, Disabled(), ByName("disabled"))
	assert.Equal(t, Default(), ByName("unknown"))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, errs.KindNetwork, Classify(0, true, false))
	assert.Equal(t, errs.KindNetwork, Classify(0, false, true))
	assert.Equal(t, errs.KindRateLimited, Classify(429, false, false))
	for _, sc := range []int{408, 500, 502, 503, 504} {
		assert.Equal(t, errs.KindServer5xx, Classify(sc, false, false), "status %d", sc)
	}
	assert.Equal(t, errs.KindAuth, Classify(401, false, false))
	assert.Equal(t, errs.KindClientRequest, Classify(404, false, false))
	assert.Equal(t, errs.KindClientRequest, Classify(400, false, false))
}

func TestDelayBoundedByMax(t *testing.T) {
	p := Policy{MaxAttempts: 10, BaseDelay: 500 * time.Millisecond, MaxDelay: 2 * time.Second, BackoffMultiplier: 2.0, Jitter: false}
	for attempt := 1; attempt <= 10; attempt++ {
		d := p.Delay(attempt, 0)
		assert.LessOrEqual(t, d, p.MaxDelay)
	}
}

func TestDelayNonDecreasingWithoutJitter(t *testing.T) {
	p := Policy{MaxAttempts: 6, BaseDelay: 100 * time.Millisecond, MaxDelay: 10 * time.Second, BackoffMultiplier: 2.0, Jitter: false}
	prev := time.Duration(0)
	for attempt := 1; attempt <= 6; attempt++ {
		d := p.Delay(attempt, 0)
		assert.GreaterOrEqual(t, d, prev)
		prev = d
	}
}

func TestDelayHonorsRetryAfterFloor(t *testing.T) {
	p := Default()
	d := p.Delay(1, 120)
	assert.GreaterOrEqual(t, d, 120*time.Second)
}

func TestJitterBoundedUniform(t *testing.T) {
	p := Policy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Minute, BackoffMultiplier: 2.0, Jitter: true}
	base := time.Second // attempt 1 base delay before jitter
	for i := 0; i < 50; i++ {
		d := p.Delay(1, 0)
		assert.GreaterOrEqual(t, d, base)
		assert.LessOrEqual(t, d, base+base/2)
	}
}

func TestShouldRetry(t *testing.T) {
	p := Default()
	assert.True(t, p.ShouldRetry(errs.KindNetwork, 1))
	assert.False(t, p.ShouldRetry(errs.KindNetwork, 3))
	assert.False(t, p.ShouldRetry(errs.KindClientRequest, 1))
}
