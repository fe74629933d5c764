package pipeline_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/docpipe/pipeline"
)

func TestNewPipeline_ThreeStagesInOrder(t *testing.T) {
	p := pipeline.NewPipeline("task-1", "qa-1")

	assert.NotEmpty(t, p.ID)
	assert.Equal(t, "task-1", p.TaskID)
	assert.Equal(t, "qa-1", p.QASessionID)
	assert.Equal(t, pipeline.StatusPending, p.Status)
	assert.Equal(t, 0, p.Progress)

	require.Len(t, p.Stages, 3)
	assert.Equal(t, pipeline.StageDesignDoc, p.Stages[0].Name)
	assert.Equal(t, pipeline.StagePRD, p.Stages[1].Name)
	assert.Equal(t, pipeline.StagePrototype, p.Stages[2].Name)
	seen := make(map[string]bool)
	for _, st := range p.Stages {
		assert.Equal(t, pipeline.StagePending, st.Status)
		assert.NotEmpty(t, st.DisplayName)
		assert.NotEmpty(t, st.ID)
		assert.False(t, seen[st.ID])
		seen[st.ID] = true
	}

	require.NoError(t, p.Validate())
}

func TestPipeline_Stage_LookupByNameOrID(t *testing.T) {
	p := pipeline.NewPipeline("task-1", "")

	byName := p.Stage(pipeline.StagePRD)
	require.NotNil(t, byName)
	byID := p.Stage(byName.ID)
	require.NotNil(t, byID)
	assert.Same(t, byName, byID)

	assert.Nil(t, p.Stage("compile"))
}

func TestPipeline_NextStage(t *testing.T) {
	p := pipeline.NewPipeline("task-1", "")
	assert.Equal(t, pipeline.StageDesignDoc, p.NextStage())

	p.Stages[0].Status = pipeline.StageCompleted
	assert.Equal(t, pipeline.StagePRD, p.NextStage())

	p.Stages[1].Status = pipeline.StageCompleted
	p.Stages[2].Status = pipeline.StageCompleted
	assert.Equal(t, "", p.NextStage())
}

func TestPipeline_ComputeProgress(t *testing.T) {
	p := pipeline.NewPipeline("task-1", "")
	assert.Equal(t, 0, p.ComputeProgress())

	p.Stages[0].Status = pipeline.StageRunning
	assert.Equal(t, 16, p.ComputeProgress())

	p.Stages[0].Status = pipeline.StageCompleted
	assert.Equal(t, 33, p.ComputeProgress())

	p.Stages[1].Status = pipeline.StageCompleted
	p.Stages[2].Status = pipeline.StageRunning
	assert.Equal(t, 83, p.ComputeProgress())

	p.Stages[2].Status = pipeline.StageCompleted
	assert.Equal(t, 100, p.ComputeProgress())
}

func TestPipeline_Validate(t *testing.T) {
	now := time.Now()
	stage := pipeline.StageDesignDoc

	tests := []struct {
		name    string
		mutate  func(p *pipeline.Pipeline)
		wantErr string
	}{
		{
			name:    "missing task id",
			mutate:  func(p *pipeline.Pipeline) { p.TaskID = "" },
			wantErr: "task id is required",
		},
		{
			name:    "invalid status",
			mutate:  func(p *pipeline.Pipeline) { p.Status = "weird" },
			wantErr: "invalid status",
		},
		{
			name:    "progress out of range",
			mutate:  func(p *pipeline.Pipeline) { p.Progress = 101 },
			wantErr: "out of range",
		},
		{
			name: "completed without completedAt",
			mutate: func(p *pipeline.Pipeline) {
				p.Status = pipeline.StatusCompleted
			},
			wantErr: "without completedAt",
		},
		{
			name: "completed with current stage",
			mutate: func(p *pipeline.Pipeline) {
				p.Status = pipeline.StatusCompleted
				p.CompletedAt = &now
				p.CurrentStage = &stage
			},
			wantErr: "with current stage",
		},
		{
			name: "completed with error",
			mutate: func(p *pipeline.Pipeline) {
				p.Status = pipeline.StatusCompleted
				p.CompletedAt = &now
				p.Error = "boom"
			},
			wantErr: "with error",
		},
		{
			name: "failed without error",
			mutate: func(p *pipeline.Pipeline) {
				p.Status = pipeline.StatusFailed
			},
			wantErr: "without error",
		},
		{
			name: "unknown current stage",
			mutate: func(p *pipeline.Pipeline) {
				bogus := "compile"
				p.CurrentStage = &bogus
			},
			wantErr: "unknown current stage",
		},
		{
			name: "stage progress out of range",
			mutate: func(p *pipeline.Pipeline) {
				p.Stages[1].Progress = -1
			},
			wantErr: "out of range",
		},
		{
			name: "stage failed without error",
			mutate: func(p *pipeline.Pipeline) {
				p.Stages[0].Status = pipeline.StageFailed
			},
			wantErr: "failed without error",
		},
		{
			name: "stage completed with error",
			mutate: func(p *pipeline.Pipeline) {
				p.Stages[0].Status = pipeline.StageCompleted
				p.Stages[0].Progress = 100
				p.Stages[0].StartedAt = &now
				p.Stages[0].CompletedAt = &now
				p.Stages[0].Error = "boom"
			},
			wantErr: "completed with error",
		},
		{
			name: "stage completed without completedAt",
			mutate: func(p *pipeline.Pipeline) {
				p.Stages[0].Status = pipeline.StageCompleted
				p.Stages[0].Progress = 100
				p.Stages[0].StartedAt = &now
			},
			wantErr: "completed without completedAt",
		},
		{
			name: "stage completed without full progress",
			mutate: func(p *pipeline.Pipeline) {
				p.Stages[0].Status = pipeline.StageCompleted
				p.Stages[0].Progress = 80
				p.Stages[0].StartedAt = &now
				p.Stages[0].CompletedAt = &now
			},
			wantErr: "completed with progress 80",
		},
		{
			name: "stage running without startedAt",
			mutate: func(p *pipeline.Pipeline) {
				p.Stages[2].Status = pipeline.StageRunning
			},
			wantErr: "running without startedAt",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := pipeline.NewPipeline("task-1", "")
			tt.mutate(p)
			err := p.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestStatus_Terminal(t *testing.T) {
	assert.True(t, pipeline.StatusCompleted.Terminal())
	assert.True(t, pipeline.StatusFailed.Terminal())
	assert.True(t, pipeline.StatusCancelled.Terminal())
	assert.False(t, pipeline.StatusRunning.Terminal())
	assert.False(t, pipeline.StatusPaused.Terminal())
	assert.False(t, pipeline.StatusPending.Terminal())
}
