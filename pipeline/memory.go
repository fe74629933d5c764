package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MemoryStore is an in-memory Store used by tests and single-shot CLI runs
// that don't need durable state.
type MemoryStore struct {
	mu        sync.RWMutex
	pipelines map[string]*Pipeline
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{pipelines: make(map[string]*Pipeline)}
}

func clonePipeline(p *Pipeline) *Pipeline {
	data, _ := json.Marshal(p)
	var out Pipeline
	_ = json.Unmarshal(data, &out)
	return &out
}

// Create persists a new pipeline.
func (s *MemoryStore) Create(_ context.Context, p *Pipeline) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pipelines[p.ID]; ok {
		return fmt.Errorf("pipeline %s already exists", p.ID)
	}
	s.pipelines[p.ID] = clonePipeline(p)
	return nil
}

// Save overwrites the stored pipeline.
func (s *MemoryStore) Save(_ context.Context, p *Pipeline) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pipelines[p.ID] = clonePipeline(p)
	return nil
}

// GetByID retrieves a pipeline by ID.
func (s *MemoryStore) GetByID(_ context.Context, id string) (*Pipeline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pipelines[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clonePipeline(p), nil
}

// GetByTaskID returns the most recently created pipeline for the task.
func (s *MemoryStore) GetByTaskID(_ context.Context, taskID string) (*Pipeline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *Pipeline
	for _, p := range s.pipelines {
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
	return clonePipeline(latest), nil
}

// List returns all pipelines.
func (s *MemoryStore) List(_ context.Context) ([]*Pipeline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Pipeline, 0, len(s.pipelines))
	for _, p := range s.pipelines {
		out = append(out, clonePipeline(p))
	}
	return out, nil
}

// UpdateStatus transitions the pipeline status.
func (s *MemoryStore) UpdateStatus(_ context.Context, id string, status Status, errMsg string) (*Pipeline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pipelines[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := clonePipeline(p)
	applyStatus(cp, status, errMsg)
	if err := cp.Validate(); err != nil {
		return nil, err
	}
	s.pipelines[id] = cp
	return clonePipeline(cp), nil
}

// UpdateStageProgress updates one stage's progress, status, and error.
func (s *MemoryStore) UpdateStageProgress(_ context.Context, id, stage string, progress int, status StageStatus, errMsg string) (*Pipeline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pipelines[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := clonePipeline(p)
	if err := applyStageProgress(cp, stage, progress, status, errMsg); err != nil {
		return nil, err
	}
	if err := cp.Validate(); err != nil {
		return nil, err
	}
	s.pipelines[id] = cp
	return clonePipeline(cp), nil
}
