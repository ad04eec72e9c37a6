// Package queue implements the durable operation queue: submitted
// Operations bundles persisted to SQLite, scheduled onto the resilient
// client under a concurrency bound, and recovered across restarts
// (spec §3 "Queue item"/"Queue settings", §4.9).
package queue

import (
	"time"

	"github.com/norpie/dynops/internal/odata"
)

// Status is a queue item's lifecycle state (spec §3).
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusPaused  Status = "paused"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// Metadata describes where a queue item came from, for display purposes
// only; it plays no role in scheduling (spec §3).
type Metadata struct {
	Source      string
	EntityType  string
	Description string
	RowNumber   *int
	Environment string
}

// Item is one unit of queued work (spec §3 "Queue item").
type Item struct {
	ID             string
	Operations     odata.Operations
	Metadata       Metadata
	Status         Status
	Priority       uint8 // smaller is more urgent
	SubmittedAt    time.Time
	StartedAt      *time.Time
	FinishedAt     *time.Time
	Result         []odata.OperationResult
	WasInterrupted bool
	InterruptedAt  *time.Time
}

// Settings are the persisted, process-wide queue knobs (spec §3 "Queue
// settings"). auto_play is deliberately absent: it is never persisted,
// and every cold start begins paused.
type Settings struct {
	MaxConcurrent int
	Filter        string
	SortMode      string
}

func clampPriority(p int) uint8 {
	if p < 0 {
		return 0
	}
	if p > 255 {
		return 255
	}
	return uint8(p)
}
