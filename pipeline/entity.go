// Package pipeline implements the document generation pipeline: a fixed
// sequence of stages (design document, PRD, prototype) executed against a
// configured LLM provider, with persistent state so runs can be paused,
// resumed, cancelled, and retried.
package pipeline

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a pipeline.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCancelled Status = "cancelled"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status is a final state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known pipeline status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusPaused, StatusCancelled, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// StageStatus is the lifecycle state of a single stage.
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StageCompleted StageStatus = "completed"
	StageFailed    StageStatus = "failed"
	StageCancelled StageStatus = "cancelled"
)

// Valid reports whether s is a known stage status.
func (s StageStatus) Valid() bool {
	switch s {
	case StagePending, StageRunning, StageCompleted, StageFailed, StageCancelled:
		return true
	}
	return false
}

// Stage names, in execution order.
const (
	StageDesignDoc = "design_doc"
	StagePRD       = "prd"
	StagePrototype = "prototype"
)

// StageOrder is the fixed execution order of pipeline stages.
var StageOrder = []string{StageDesignDoc, StagePRD, StagePrototype}

var stageDisplayNames = map[string]string{
	StageDesignDoc: "Design Document",
	StagePRD:       "Product Requirements Document",
	StagePrototype: "Prototype",
}

// Stage is one step of a pipeline run.
type Stage struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	DisplayName string      `json:"displayName"`
	Status      StageStatus `json:"status"`
	Progress    int         `json:"progress"`
	Output      string      `json:"output,omitempty"`
	Error       string      `json:"error,omitempty"`
	RetryCount  int         `json:"retryCount"`
	StartedAt   *time.Time  `json:"startedAt,omitempty"`
	CompletedAt *time.Time  `json:"completedAt,omitempty"`
}

// Pipeline is a persistent document generation run for a task.
type Pipeline struct {
	ID           string     `json:"id"`
	TaskID       string     `json:"taskId"`
	QASessionID  string     `json:"qaSessionId,omitempty"`
	Status       Status     `json:"status"`
	CurrentStage *string    `json:"currentStage,omitempty"`
	Stages       []Stage    `json:"stages"`
	Progress     int        `json:"progress"`
	Error        string     `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}

// NewPipeline creates a pending pipeline for the task with the three stages
// in canonical order.
func NewPipeline(taskID, qaSessionID string) *Pipeline {
	stages := make([]Stage, 0, len(StageOrder))
	for _, name := range StageOrder {
		stages = append(stages, Stage{
			ID:          uuid.NewString(),
			Name:        name,
			DisplayName: stageDisplayNames[name],
			Status:      StagePending,
		})
	}
	return &Pipeline{
		ID:          uuid.NewString(),
		TaskID:      taskID,
		QASessionID: qaSessionID,
		Status:      StatusPending,
		Stages:      stages,
		CreatedAt:   time.Now(),
	}
}

// Stage returns a pointer to the stage matching the given name or stage ID,
// or nil if absent.
func (p *Pipeline) Stage(key string) *Stage {
	for i := range p.Stages {
		if p.Stages[i].Name == key || p.Stages[i].ID == key {
			return &p.Stages[i]
		}
	}
	return nil
}

// NextStage returns the name of the first stage that has not completed,
// or "" when every stage is done.
func (p *Pipeline) NextStage() string {
	for _, s := range p.Stages {
		if s.Status != StageCompleted {
			return s.Name
		}
	}
	return ""
}

// ComputeProgress derives overall progress from stage states: each completed
// stage contributes its full share, a running stage half of one.
func (p *Pipeline) ComputeProgress() int {
	if len(p.Stages) == 0 {
		return 0
	}
	share := 100.0 / float64(len(p.Stages))
	total := 0.0
	for _, s := range p.Stages {
		switch s.Status {
		case StageCompleted:
			total += share
		case StageRunning:
			total += share / 2
		}
	}
	return int(total)
}

// Validate checks structural invariants before persisting.
func (p *Pipeline) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("pipeline id is required")
	}
	if p.TaskID == "" {
		return fmt.Errorf("pipeline %s: task id is required", p.ID)
	}
	if !p.Status.Valid() {
		return fmt.Errorf("pipeline %s: invalid status %q", p.ID, p.Status)
	}
	if p.Progress < 0 || p.Progress > 100 {
		return fmt.Errorf("pipeline %s: progress %d out of range", p.ID, p.Progress)
	}
	if p.Status == StatusCompleted {
		if p.CompletedAt == nil {
			return fmt.Errorf("pipeline %s: completed without completedAt", p.ID)
		}
		if p.CurrentStage != nil {
			return fmt.Errorf("pipeline %s: completed with current stage %q", p.ID, *p.CurrentStage)
		}
		if p.Error != "" {
			return fmt.Errorf("pipeline %s: completed with error %q", p.ID, p.Error)
		}
	}
	if p.Status == StatusFailed && p.Error == "" {
		return fmt.Errorf("pipeline %s: failed without error", p.ID)
	}
	if p.CurrentStage != nil && p.Stage(*p.CurrentStage) == nil {
		return fmt.Errorf("pipeline %s: unknown current stage %q", p.ID, *p.CurrentStage)
	}
	for i := range p.Stages {
		if err := p.Stages[i].Validate(); err != nil {
			return fmt.Errorf("pipeline %s: stage %s: %w", p.ID, p.Stages[i].Name, err)
		}
	}
	return nil
}

// Validate checks the stage's structural invariants: a completed stage
// carries both timestamps, full progress, and no error; a failed stage
// carries an error.
func (s *Stage) Validate() error {
	if !s.Status.Valid() {
		return fmt.Errorf("invalid status %q", s.Status)
	}
	if s.Progress < 0 || s.Progress > 100 {
		return fmt.Errorf("progress %d out of range", s.Progress)
	}
	switch s.Status {
	case StageRunning:
		if s.StartedAt == nil {
			return fmt.Errorf("running without startedAt")
		}
	case StageCompleted:
		if s.StartedAt == nil {
			return fmt.Errorf("completed without startedAt")
		}
		if s.CompletedAt == nil {
			return fmt.Errorf("completed without completedAt")
		}
		if s.Progress != 100 {
			return fmt.Errorf("completed with progress %d", s.Progress)
		}
		if s.Error != "" {
			return fmt.Errorf("completed with error %q", s.Error)
		}
	case StageFailed:
		if s.Error == "" {
			return fmt.Errorf("failed without error")
		}
	}
	return nil
}
