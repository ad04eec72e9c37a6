package telemetry

import (
	"sync"
	"time"
)

// OpStats aggregates counters for one (operation_type, entity) pair
// (spec §4.3).
type OpStats struct {
	Total            uint64
	Succeeded        uint64
	Failed           uint64
	SumDuration      time.Duration
	MinDuration      time.Duration
	MaxDuration      time.Duration
	RetryCount       uint64
	RateLimitWait    time.Duration
	StatusHistogram  map[int]uint64
}

// snapshot returns an immutable copy of these stats.
func (s OpStats) snapshot() OpStats {
	hist := make(map[int]uint64, len(s.StatusHistogram))
	for k, v := range s.StatusHistogram {
		hist[k] = v
	}
	s.StatusHistogram = hist
	return s
}

// Snapshot is a pure, immutable copy of collected metrics (spec §4.3).
type Snapshot struct {
	ByOperation map[string]OpStats // keyed by operation_type
	ByEntity    map[string]OpStats // keyed by entity
	StartedAt   time.Time
	TakenAt     time.Time
}

// OpsPerSecond returns throughput across all operation types over the
// collector's uptime.
func (s Snapshot) OpsPerSecond() float64 {
	uptime := s.TakenAt.Sub(s.StartedAt).Seconds()
	if uptime <= 0 {
		return 0
	}
	var total uint64
	for _, st := range s.ByOperation {
		total += st.Total
	}
	return float64(total) / uptime
}

// ErrorRate returns the fraction of failed operations across all types.
func (s Snapshot) ErrorRate() float64 {
	var total, failed uint64
	for _, st := range s.ByOperation {
		total += st.Total
		failed += st.Failed
	}
	if total == 0 {
		return 0
	}
	return float64(failed) / float64(total)
}

// Collector aggregates metrics per-operation-type and per-entity under a
// single short-lived lock, as required by the concurrency model (spec §5).
type Collector struct {
	mu          sync.Mutex
	byOperation map[string]*OpStats
	byEntity    map[string]*OpStats
	startedAt   time.Time
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{
		byOperation: make(map[string]*OpStats),
		byEntity:    make(map[string]*OpStats),
		startedAt:   time.Now(),
	}
}

func recordInto(s *OpStats, success bool, duration time.Duration, statusCode int, retries int, rateLimitWait time.Duration) {
	s.Total++
	if success {
		s.Succeeded++
	} else {
		s.Failed++
	}
	s.SumDuration += duration
	if s.Total == 1 || duration < s.MinDuration {
		s.MinDuration = duration
	}
	if duration > s.MaxDuration {
		s.MaxDuration = duration
	}
	s.RetryCount += uint64(retries)
	s.RateLimitWait += rateLimitWait
	if s.StatusHistogram == nil {
		s.StatusHistogram = make(map[int]uint64)
	}
	if statusCode != 0 {
		s.StatusHistogram[statusCode]++
	}
}

// Record records the outcome of one completed operation (after all
// retries) against both its operation-type and entity buckets.
func (c *Collector) Record(operationType, entity string, success bool, duration time.Duration, statusCode int, retries int, rateLimitWait time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	op, ok := c.byOperation[operationType]
	if !ok {
		op = &OpStats{}
		c.byOperation[operationType] = op
	}
	recordInto(op, success, duration, statusCode, retries, rateLimitWait)

	ent, ok := c.byEntity[entity]
	if !ok {
		ent = &OpStats{}
		c.byEntity[entity] = ent
	}
	recordInto(ent, success, duration, statusCode, retries, rateLimitWait)
}

// Snapshot returns a pure, immutable copy safe to serialize or compare.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	byOp := make(map[string]OpStats, len(c.byOperation))
	for k, v := range c.byOperation {
		byOp[k] = v.snapshot()
	}
	byEntity := make(map[string]OpStats, len(c.byEntity))
	for k, v := range c.byEntity {
		byEntity[k] = v.snapshot()
	}
	return Snapshot{
		ByOperation: byOp,
		ByEntity:    byEntity,
		StartedAt:   c.startedAt,
		TakenAt:     time.Now(),
	}
}
