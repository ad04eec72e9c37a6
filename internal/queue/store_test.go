package queue

import (
	"context"
	"testing"
	"time"

	"github.com/norpie/dynops/internal/odata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func sampleItem(id string, priority uint8) *Item {
	return &Item{
		ID:          id,
		Operations:  odata.Operations{odata.Create{EntitySet: "contacts", Data: map[string]interface{}{"name": id}}},
		Metadata:    Metadata{Source: "csv", EntityType: "contact", Description: "test row"},
		Status:      StatusPending,
		Priority:    priority,
		SubmittedAt: time.Now(),
	}
}

func TestInsertAndGet(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	item := sampleItem("item-1", 128)
	require.NoError(t, st.Insert(ctx, item))

	got, err := st.Get(ctx, "item-1")
	require.NoError(t, err)
	assert.Equal(t, item.Operations, got.Operations)
	assert.Equal(t, item.Metadata, got.Metadata)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, uint8(128), got.Priority)
}

func TestNextEligibleOrdersByPriorityThenSubmittedAt(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	early := sampleItem("early", 50)
	early.SubmittedAt = time.Now().Add(-time.Hour)
	late := sampleItem("late", 50)
	late.SubmittedAt = time.Now()
	urgent := sampleItem("urgent", 10)
	urgent.SubmittedAt = time.Now()

	require.NoError(t, st.Insert(ctx, early))
	require.NoError(t, st.Insert(ctx, late))
	require.NoError(t, st.Insert(ctx, urgent))

	next, err := st.NextEligible(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "urgent", next.ID)

	require.NoError(t, st.Delete(ctx, "urgent"))
	next, err = st.NextEligible(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "early", next.ID, "same priority should tiebreak on oldest submitted_at")
}

func TestNextEligibleIgnoresNonPending(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	item := sampleItem("running", 1)
	item.Status = StatusRunning
	require.NoError(t, st.Insert(ctx, item))

	next, err := st.NextEligible(ctx)
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestUpdatePersistsResultAndStatus(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	item := sampleItem("item-1", 128)
	require.NoError(t, st.Insert(ctx, item))

	now := time.Now()
	item.Status = StatusDone
	item.StartedAt = &now
	item.FinishedAt = &now
	item.Result = []odata.OperationResult{{
		Operation:  odata.Create{EntitySet: "contacts", Data: map[string]interface{}{}},
		Success:    true,
		StatusCode: 204,
	}}
	require.NoError(t, st.Update(ctx, item))

	got, err := st.Get(ctx, "item-1")
	require.NoError(t, err)
	assert.Equal(t, StatusDone, got.Status)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.FinishedAt)
	require.Len(t, got.Result, 1)
	assert.True(t, got.Result[0].Success)
}

func TestDeleteAndDeleteAll(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	require.NoError(t, st.Insert(ctx, sampleItem("a", 1)))
	require.NoError(t, st.Insert(ctx, sampleItem("b", 2)))

	require.NoError(t, st.Delete(ctx, "a"))
	items, err := st.List(ctx)
	require.NoError(t, err)
	assert.Len(t, items, 1)

	require.NoError(t, st.DeleteAll(ctx))
	items, err = st.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestMarkInterruptedRunning(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	item := sampleItem("crashed", 5)
	item.Status = StatusRunning
	require.NoError(t, st.Insert(ctx, item))

	marked, err := st.MarkInterruptedRunning(ctx)
	require.NoError(t, err)
	require.Len(t, marked, 1)
	assert.Equal(t, "crashed", marked[0].ID)

	got, err := st.Get(ctx, "crashed")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.True(t, got.WasInterrupted)
	assert.NotNil(t, got.InterruptedAt)

	again, err := st.MarkInterruptedRunning(ctx)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestSettingsRoundTrip(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	got, err := st.GetSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, got.MaxConcurrent)
	assert.Equal(t, "priority", got.SortMode)

	require.NoError(t, st.SaveSettings(ctx, Settings{MaxConcurrent: 4, Filter: "status=pending", SortMode: "submitted_at"}))

	got, err = st.GetSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, got.MaxConcurrent)
	assert.Equal(t, "status=pending", got.Filter)
	assert.Equal(t, "submitted_at", got.SortMode)
}
