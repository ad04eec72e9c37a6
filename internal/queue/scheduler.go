package queue

import (
	"context"
	"sync"
	"time"

	"github.com/norpie/dynops/internal/odata"
	"github.com/norpie/dynops/internal/telemetry"
)

// BatchExecutor is the subset of the resilient client the scheduler
// drives (spec §4.9 "invokes C7's execute_batch").
type BatchExecutor interface {
	ExecuteBatch(ctx context.Context, ops odata.Operations) ([]odata.OperationResult, error)
}

// Event names published on the scheduler's out-of-band channel.
const (
	EventItemCompleted        = "queue:item_completed"
	EventInterruptionDetected = "queue:interruption_detected"
)

// Event is one notification emitted by the scheduler for UI consumption.
type Event struct {
	Name string
	Item *Item
}

// EventPublisher mirrors the copier's fire-and-forget progress channel
// (spec §4.8 Progress, reused here for queue events).
type EventPublisher interface {
	Publish(ev Event)
}

// ChannelEventPublisher is a buffered, drop-on-full EventPublisher.
type ChannelEventPublisher struct {
	ch chan Event
}

func NewChannelEventPublisher(buffer int) *ChannelEventPublisher {
	return &ChannelEventPublisher{ch: make(chan Event, buffer)}
}

func (p *ChannelEventPublisher) Events() <-chan Event { return p.ch }

func (p *ChannelEventPublisher) Publish(ev Event) {
	select {
	case p.ch <- ev:
	default:
	}
}

// NopEventPublisher discards every event.
type NopEventPublisher struct{}

func (NopEventPublisher) Publish(Event) {}

// Scheduler runs the durable queue's selection loop: it serializes
// eligibility checks under a mutex, bounds concurrent execution to
// Settings.MaxConcurrent, and exposes every user operation from
// spec §4.9's table (toggle play, step, pause/resume, priority, retry,
// delete, clear all).
type Scheduler struct {
	store     *Store
	executor  BatchExecutor
	publisher EventPublisher
	logger    *telemetry.Logger

	mu         sync.Mutex
	autoPlay   bool
	running    int
	wake       chan struct{}
	wg         sync.WaitGroup
	inFlightID map[string]struct{}
}

// NewScheduler builds a Scheduler. Per spec, auto_play always starts
// false regardless of what was last saved.
func NewScheduler(store *Store, executor BatchExecutor, publisher EventPublisher, logger *telemetry.Logger) *Scheduler {
	if publisher == nil {
		publisher = NopEventPublisher{}
	}
	if logger == nil {
		logger = telemetry.NewLogger("INFO")
	}
	return &Scheduler{
		store:      store,
		executor:   executor,
		publisher:  publisher,
		logger:     logger,
		wake:       make(chan struct{}, 1),
		inFlightID: make(map[string]struct{}),
	}
}

// RecoverFromCrash marks every item left Running from a previous process
// as Failed+was_interrupted, and publishes one interruption event per
// item recovered (spec §4.9 Persistence / "one-shot warning").
func (s *Scheduler) RecoverFromCrash(ctx context.Context) error {
	marked, err := s.store.MarkInterruptedRunning(ctx)
	if err != nil {
		return err
	}
	for _, item := range marked {
		s.publisher.Publish(Event{Name: EventInterruptionDetected, Item: item})
	}
	return nil
}

// Run drives the scheduler loop until ctx is cancelled, waiting for every
// in-flight item to finish before returning. It wakes on every internal
// wake signal, and also polls periodically so that items inserted by
// another process are picked up.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return nil
		case <-s.wake:
			s.drain(ctx)
		case <-ticker.C:
			s.drain(ctx)
		}
	}
}

// drain launches every currently eligible item, honoring auto_play and
// max_concurrent, until no more capacity or no more eligible items
// remain.
func (s *Scheduler) drain(ctx context.Context) {
	for {
		item, ok := s.tryClaim(ctx)
		if !ok {
			return
		}
		s.launch(ctx, item)
	}
}

// tryClaim serializes the eligibility check (spec §4.9: "concurrent
// eligibility checks MUST be serialized") and transitions one item
// Pending -> Running if auto_play is on and capacity allows.
func (s *Scheduler) tryClaim(ctx context.Context) (*Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.autoPlay {
		return nil, false
	}
	settings, err := s.store.GetSettings(ctx)
	if err != nil {
		s.logger.Error("queue.settings_read_failed", nil, map[string]interface{}{"error": err.Error()})
		return nil, false
	}
	if s.running >= settings.MaxConcurrent {
		return nil, false
	}
	return s.claimLocked(ctx)
}

// claimLocked must be called with mu held. It fetches and marks the
// next eligible item Running without checking auto_play, used by Step
// to bypass the pause state.
func (s *Scheduler) claimLocked(ctx context.Context) (*Item, bool) {
	item, err := s.store.NextEligible(ctx)
	if err != nil || item == nil {
		if err != nil {
			s.logger.Error("queue.next_eligible_failed", nil, map[string]interface{}{"error": err.Error()})
		}
		return nil, false
	}
	now := time.Now()
	item.Status = StatusRunning
	item.StartedAt = &now
	if err := s.store.Update(ctx, item); err != nil {
		s.logger.Error("queue.claim_persist_failed", nil, map[string]interface{}{"error": err.Error()})
		return nil, false
	}
	s.running++
	return item, true
}

// launch runs item's batch on a context detached from ctx's cancellation:
// a Running item must run to completion even if Run's context is
// cancelled for shutdown (spec §4.9), so Run only waits on s.wg instead
// of aborting the in-flight HTTP call.
func (s *Scheduler) launch(ctx context.Context, item *Item) {
	execCtx := context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.execute(execCtx, item)

		s.mu.Lock()
		s.running--
		s.mu.Unlock()

		select {
		case s.wake <- struct{}{}:
		default:
		}
	}()
}

func (s *Scheduler) execute(ctx context.Context, item *Item) {
	results, err := s.executor.ExecuteBatch(ctx, item.Operations)
	now := time.Now()
	item.FinishedAt = &now
	item.Result = results

	allSucceeded := err == nil
	for _, r := range results {
		if !r.Success {
			allSucceeded = false
			break
		}
	}
	if allSucceeded {
		item.Status = StatusDone
	} else {
		item.Status = StatusFailed
	}

	if updateErr := s.store.Update(ctx, item); updateErr != nil {
		s.logger.Error("queue.result_persist_failed", nil, map[string]interface{}{"item_id": item.ID, "error": updateErr.Error()})
	}
	s.publisher.Publish(Event{Name: EventItemCompleted, Item: item})
}

// TogglePlay flips auto_play; turning it on wakes the scheduler.
func (s *Scheduler) TogglePlay() bool {
	s.mu.Lock()
	s.autoPlay = !s.autoPlay
	on := s.autoPlay
	s.mu.Unlock()
	if on {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
	return on
}

// Step executes exactly one additional eligible item even while paused.
func (s *Scheduler) Step(ctx context.Context) (*Item, bool) {
	s.mu.Lock()
	settings, err := s.store.GetSettings(ctx)
	if err != nil {
		s.mu.Unlock()
		return nil, false
	}
	if s.running >= settings.MaxConcurrent {
		s.mu.Unlock()
		return nil, false
	}
	item, ok := s.claimLocked(ctx)
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	s.launch(ctx, item)
	return item, true
}

// PauseItem transitions Pending -> Paused.
func (s *Scheduler) PauseItem(ctx context.Context, id string) error {
	return s.transition(ctx, id, StatusPending, StatusPaused, nil)
}

// ResumeItem transitions Paused -> Pending.
func (s *Scheduler) ResumeItem(ctx context.Context, id string) error {
	return s.transition(ctx, id, StatusPaused, StatusPending, nil)
}

// Retry transitions Failed -> Pending, clearing result and started_at.
func (s *Scheduler) Retry(ctx context.Context, id string) error {
	return s.transition(ctx, id, StatusFailed, StatusPending, func(item *Item) {
		item.Result = nil
		item.StartedAt = nil
		item.FinishedAt = nil
	})
}

func (s *Scheduler) transition(ctx context.Context, id string, from, to Status, mutate func(*Item)) error {
	item, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if item.Status != from {
		return nil // idempotent: an item not in the from state is left unchanged
	}
	item.Status = to
	if mutate != nil {
		mutate(item)
	}
	return s.store.Update(ctx, item)
}

// RaisePriority decrements priority toward 0 (more urgent).
func (s *Scheduler) RaisePriority(ctx context.Context, id string) error {
	return s.adjustPriority(ctx, id, -1)
}

// LowerPriority increments priority toward 255 (less urgent).
func (s *Scheduler) LowerPriority(ctx context.Context, id string) error {
	return s.adjustPriority(ctx, id, 1)
}

func (s *Scheduler) adjustPriority(ctx context.Context, id string, delta int) error {
	item, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	item.Priority = clampPriority(int(item.Priority) + delta)
	return s.store.Update(ctx, item)
}

// Delete removes an item in any state.
func (s *Scheduler) Delete(ctx context.Context, id string) error {
	return s.store.Delete(ctx, id)
}

// ClearAll removes every item.
func (s *Scheduler) ClearAll(ctx context.Context) error {
	return s.store.DeleteAll(ctx)
}

// ClearInterruptedWarning sets was_interrupted = false without touching
// the item's terminal status (spec §4.9 "Clearing a warning").
func (s *Scheduler) ClearInterruptedWarning(ctx context.Context, id string) error {
	item, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	item.WasInterrupted = false
	return s.store.Update(ctx, item)
}

// Enqueue inserts a new Pending item and wakes the scheduler.
func (s *Scheduler) Enqueue(ctx context.Context, item *Item) error {
	item.Status = StatusPending
	if err := s.store.Insert(ctx, item); err != nil {
		return err
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}
