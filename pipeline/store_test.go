package pipeline_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/docpipe/pipeline"
)

func TestMemoryStore_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	store := pipeline.NewMemoryStore()

	p := pipeline.NewPipeline("task-1", "")
	require.NoError(t, store.Create(ctx, p))

	got, err := store.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)
	assert.Equal(t, "task-1", got.TaskID)

	// Stored copy is isolated from caller mutation.
	got.TaskID = "mutated"
	again, err := store.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "task-1", again.TaskID)
}

func TestMemoryStore_CreateDuplicateFails(t *testing.T) {
	ctx := context.Background()
	store := pipeline.NewMemoryStore()

	p := pipeline.NewPipeline("task-1", "")
	require.NoError(t, store.Create(ctx, p))
	require.Error(t, store.Create(ctx, p))
}

func TestMemoryStore_GetByID_NotFound(t *testing.T) {
	store := pipeline.NewMemoryStore()
	_, err := store.GetByID(context.Background(), "missing")
	assert.ErrorIs(t, err, pipeline.ErrNotFound)
}

func TestMemoryStore_GetByTaskID_ReturnsLatest(t *testing.T) {
	ctx := context.Background()
	store := pipeline.NewMemoryStore()

	older := pipeline.NewPipeline("task-1", "")
	older.CreatedAt = time.Now().Add(-time.Hour)
	require.NoError(t, store.Create(ctx, older))

	newer := pipeline.NewPipeline("task-1", "")
	require.NoError(t, store.Create(ctx, newer))

	other := pipeline.NewPipeline("task-2", "")
	require.NoError(t, store.Create(ctx, other))

	got, err := store.GetByTaskID(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, newer.ID, got.ID)

	_, err = store.GetByTaskID(ctx, "task-9")
	assert.ErrorIs(t, err, pipeline.ErrNotFound)
}

func TestMemoryStore_UpdateStatus_Transitions(t *testing.T) {
	ctx := context.Background()
	store := pipeline.NewMemoryStore()

	p := pipeline.NewPipeline("task-1", "")
	require.NoError(t, store.Create(ctx, p))

	running, err := store.UpdateStatus(ctx, p.ID, pipeline.StatusRunning, "")
	require.NoError(t, err)
	require.NotNil(t, running.StartedAt)
	firstStart := *running.StartedAt

	// startedAt is set once, not on re-entry.
	running2, err := store.UpdateStatus(ctx, p.ID, pipeline.StatusRunning, "")
	require.NoError(t, err)
	assert.Equal(t, firstStart, *running2.StartedAt)

	done, err := store.UpdateStatus(ctx, p.ID, pipeline.StatusCompleted, "")
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusCompleted, done.Status)
	assert.NotNil(t, done.CompletedAt)
	assert.Nil(t, done.CurrentStage)
	assert.Equal(t, 100, done.Progress)
}

func TestMemoryStore_UpdateStatus_FailedKeepsError(t *testing.T) {
	ctx := context.Background()
	store := pipeline.NewMemoryStore()

	p := pipeline.NewPipeline("task-1", "")
	require.NoError(t, store.Create(ctx, p))

	failed, err := store.UpdateStatus(ctx, p.ID, pipeline.StatusFailed, "stage prd: timeout")
	require.NoError(t, err)
	assert.Equal(t, "stage prd: timeout", failed.Error)
	assert.NotNil(t, failed.CompletedAt)
}

func TestMemoryStore_UpdateStageProgress_AutoPromotes(t *testing.T) {
	ctx := context.Background()
	store := pipeline.NewMemoryStore()

	p := pipeline.NewPipeline("task-1", "")
	require.NoError(t, store.Create(ctx, p))

	// Partial progress marks the stage running.
	got, err := store.UpdateStageProgress(ctx, p.ID, pipeline.StageDesignDoc, 40, "", "")
	require.NoError(t, err)
	st := got.Stage(pipeline.StageDesignDoc)
	assert.Equal(t, pipeline.StageRunning, st.Status)
	assert.Equal(t, 40, st.Progress)
	assert.NotNil(t, st.StartedAt)

	// Reaching 100 promotes to completed.
	got, err = store.UpdateStageProgress(ctx, p.ID, pipeline.StageDesignDoc, 100, "", "")
	require.NoError(t, err)
	st = got.Stage(pipeline.StageDesignDoc)
	assert.Equal(t, pipeline.StageCompleted, st.Status)
	require.NotNil(t, st.CompletedAt)
	completedAt := *st.CompletedAt

	// Re-applying 100 is idempotent: completedAt does not move.
	got, err = store.UpdateStageProgress(ctx, p.ID, pipeline.StageDesignDoc, 100, "", "")
	require.NoError(t, err)
	st = got.Stage(pipeline.StageDesignDoc)
	assert.Equal(t, completedAt, *st.CompletedAt)

	// Pipeline progress is recomputed from stage states.
	assert.Equal(t, 33, got.Progress)
}

func TestMemoryStore_UpdateStageProgress_FailedStaysFailed(t *testing.T) {
	ctx := context.Background()
	store := pipeline.NewMemoryStore()

	p := pipeline.NewPipeline("task-1", "")
	require.NoError(t, store.Create(ctx, p))

	got, err := store.UpdateStageProgress(ctx, p.ID, pipeline.StageDesignDoc, 60,
		pipeline.StageFailed, "provider exploded")
	require.NoError(t, err)
	st := got.Stage(pipeline.StageDesignDoc)
	assert.Equal(t, pipeline.StageFailed, st.Status)
	assert.Equal(t, "provider exploded", st.Error)

	// Full progress never promotes a failed stage to completed.
	got, err = store.UpdateStageProgress(ctx, p.ID, pipeline.StageDesignDoc, 100, "", "")
	require.NoError(t, err)
	st = got.Stage(pipeline.StageDesignDoc)
	assert.Equal(t, pipeline.StageFailed, st.Status)
	assert.Equal(t, "provider exploded", st.Error)
	assert.Nil(t, st.CompletedAt)
}

func TestMemoryStore_UpdateStageProgress_AddressableByStageID(t *testing.T) {
	ctx := context.Background()
	store := pipeline.NewMemoryStore()

	p := pipeline.NewPipeline("task-1", "")
	require.NoError(t, store.Create(ctx, p))

	got, err := store.UpdateStageProgress(ctx, p.ID, p.Stages[1].ID, 50, "", "")
	require.NoError(t, err)
	assert.Equal(t, pipeline.StageRunning, got.Stage(pipeline.StagePRD).Status)
	assert.Equal(t, 50, got.Stage(pipeline.StagePRD).Progress)
}

func TestMemoryStore_UpdateStageProgress_ClampsAndValidates(t *testing.T) {
	ctx := context.Background()
	store := pipeline.NewMemoryStore()

	p := pipeline.NewPipeline("task-1", "")
	require.NoError(t, store.Create(ctx, p))

	got, err := store.UpdateStageProgress(ctx, p.ID, pipeline.StagePRD, 150, "", "")
	require.NoError(t, err)
	assert.Equal(t, 100, got.Stage(pipeline.StagePRD).Progress)

	_, err = store.UpdateStageProgress(ctx, p.ID, "compile", 10, "", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown stage")

	_, err = store.UpdateStageProgress(ctx, p.ID, pipeline.StagePrototype, 10, "exploded", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid status")

	// A rejected update leaves the stored pipeline untouched.
	_, err = store.UpdateStageProgress(ctx, p.ID, pipeline.StagePrototype, 10,
		pipeline.StageFailed, "")
	require.Error(t, err)
	after, err := store.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StagePending, after.Stage(pipeline.StagePrototype).Status)
}

func TestMemoryStore_List(t *testing.T) {
	ctx := context.Background()
	store := pipeline.NewMemoryStore()

	require.NoError(t, store.Create(ctx, pipeline.NewPipeline("task-1", "")))
	require.NoError(t, store.Create(ctx, pipeline.NewPipeline("task-2", "")))

	all, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
