package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// ErrNotFound is returned when a pipeline does not exist.
var ErrNotFound = errors.New("pipeline not found")

// Bucket names for pipeline storage.
const (
	BucketPipelines = "DOCPIPE_PIPELINES"
)

// Store persists pipeline state.
type Store interface {
	// Create persists a new pipeline. It fails if the ID already exists.
	Create(ctx context.Context, p *Pipeline) error
	// Save overwrites the stored pipeline.
	Save(ctx context.Context, p *Pipeline) error
	// GetByID returns the pipeline with the given ID, or ErrNotFound.
	GetByID(ctx context.Context, id string) (*Pipeline, error)
	// GetByTaskID returns the most recently created pipeline for the task,
	// or ErrNotFound.
	GetByTaskID(ctx context.Context, taskID string) (*Pipeline, error)
	// List returns all pipelines.
	List(ctx context.Context) ([]*Pipeline, error)
	// UpdateStatus transitions the pipeline status, maintaining startedAt,
	// completedAt, currentStage, and the error message.
	UpdateStatus(ctx context.Context, id string, status Status, errMsg string) (*Pipeline, error)
	// UpdateStageProgress updates one stage's progress, status, and error.
	// The stage is addressable by name or stage ID; empty status and error
	// leave those fields alone. A stage reaching progress 100 is promoted to
	// completed unless it is failed or cancelled.
	UpdateStageProgress(ctx context.Context, id, stage string, progress int, status StageStatus, errMsg string) (*Pipeline, error)
}

// KVStore is a Store backed by NATS JetStream KV.
type KVStore struct {
	pipelines jetstream.KeyValue
}

// NewKVStore creates a KVStore, creating the bucket if it doesn't exist.
func NewKVStore(ctx context.Context, js jetstream.JetStream) (*KVStore, error) {
	kv, err := getOrCreateBucket(ctx, js, BucketPipelines)
	if err != nil {
		return nil, fmt.Errorf("create pipelines bucket: %w", err)
	}
	return &KVStore{pipelines: kv}, nil
}

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	// Bucket doesn't exist, create it
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: fmt.Sprintf("Docpipe %s storage", strings.ToLower(name)),
		History:     5, // Keep last 5 revisions
	})
}

// Create persists a new pipeline.
func (s *KVStore) Create(ctx context.Context, p *Pipeline) error {
	if err := p.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal pipeline: %w", err)
	}
	if _, err := s.pipelines.Create(ctx, p.ID, data); err != nil {
		return fmt.Errorf("store pipeline: %w", err)
	}
	return nil
}

// Save overwrites the stored pipeline.
func (s *KVStore) Save(ctx context.Context, p *Pipeline) error {
	if err := p.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal pipeline: %w", err)
	}
	if _, err := s.pipelines.Put(ctx, p.ID, data); err != nil {
		return fmt.Errorf("save pipeline: %w", err)
	}
	return nil
}

// GetByID retrieves a pipeline by ID.
func (s *KVStore) GetByID(ctx context.Context, id string) (*Pipeline, error) {
	entry, err := s.pipelines.Get(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get pipeline: %w", err)
	}
	var p Pipeline
	if err := json.Unmarshal(entry.Value(), &p); err != nil {
		return nil, fmt.Errorf("unmarshal pipeline: %w", err)
	}
	return &p, nil
}

// GetByTaskID returns the most recently created pipeline for the task.
func (s *KVStore) GetByTaskID(ctx context.Context, taskID string) (*Pipeline, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	var latest *Pipeline
	for _, p := range all {
		if p.TaskID != taskID {
			continue
		}
		if latest == nil || p.CreatedAt.After(latest.CreatedAt) {
			latest = p
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return latest, nil
}

// List returns all pipelines.
func (s *KVStore) List(ctx context.Context) ([]*Pipeline, error) {
	keys, err := s.pipelines.Keys(ctx)
	if err != nil {
		if err == jetstream.ErrNoKeysFound {
			return nil, nil
		}
		return nil, fmt.Errorf("list pipeline keys: %w", err)
	}

	pipelines := make([]*Pipeline, 0, len(keys))
	for _, key := range keys {
		entry, err := s.pipelines.Get(ctx, key)
		if err != nil {
			continue // Skip entries that fail to load
		}
		var p Pipeline
		if err := json.Unmarshal(entry.Value(), &p); err != nil {
			continue
		}
		pipelines = append(pipelines, &p)
	}
	return pipelines, nil
}

// UpdateStatus transitions the pipeline status.
func (s *KVStore) UpdateStatus(ctx context.Context, id string, status Status, errMsg string) (*Pipeline, error) {
	p, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	applyStatus(p, status, errMsg)
	if err := s.Save(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// UpdateStageProgress updates one stage's progress, status, and error.
func (s *KVStore) UpdateStageProgress(ctx context.Context, id, stage string, progress int, status StageStatus, errMsg string) (*Pipeline, error) {
	p, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := applyStageProgress(p, stage, progress, status, errMsg); err != nil {
		return nil, err
	}
	if err := s.Save(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// applyStatus mutates the pipeline for a status transition. Shared by the KV
// and in-memory stores so both carry identical semantics.
func applyStatus(p *Pipeline, status Status, errMsg string) {
	now := time.Now()
	p.Status = status
	switch status {
	case StatusRunning:
		if p.StartedAt == nil {
			p.StartedAt = &now
		}
		p.Error = ""
	case StatusCompleted:
		if p.CompletedAt == nil {
			p.CompletedAt = &now
		}
		p.CurrentStage = nil
		p.Error = ""
		p.Progress = 100
	case StatusFailed, StatusCancelled:
		if p.CompletedAt == nil {
			p.CompletedAt = &now
		}
		if errMsg != "" {
			p.Error = errMsg
		}
	}
}

// applyStageProgress mutates the named stage and recomputes the pipeline
// progress. Progress of 100 promotes the stage to completed unless it is
// failed or cancelled; re-applying 100 to an already completed stage leaves
// completedAt untouched.
func applyStageProgress(p *Pipeline, stage string, progress int, status StageStatus, errMsg string) error {
	st := p.Stage(stage)
	if st == nil {
		return fmt.Errorf("pipeline %s: unknown stage %q", p.ID, stage)
	}
	if status != "" && !status.Valid() {
		return fmt.Errorf("pipeline %s: stage %s: invalid status %q", p.ID, st.Name, status)
	}
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	now := time.Now()

	st.Progress = progress
	if status != "" {
		st.Status = status
	}
	if errMsg != "" {
		st.Error = errMsg
	}
	switch {
	case progress == 100 && st.Status != StageFailed && st.Status != StageCancelled:
		st.Status = StageCompleted
		if st.CompletedAt == nil {
			st.CompletedAt = &now
		}
	case progress > 0 && st.Status == StagePending:
		st.Status = StageRunning
	}
	if (st.Status == StageRunning || st.Status == StageCompleted) && st.StartedAt == nil {
		st.StartedAt = &now
	}
	p.Progress = p.ComputeProgress()
	return nil
}

// isNotFound checks if an error indicates a key was not found.
func isNotFound(err error) bool {
	return err != nil && strings.Contains(err.Error(), "key not found")
}
