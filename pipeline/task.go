package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
)

// Bucket names for task storage.
const (
	BucketTasks      = "DOCPIPE_TASKS"
	BucketQASessions = "DOCPIPE_QA_SESSIONS"
)

// Task is the unit of work a pipeline generates documents for.
type Task struct {
	ID          string   `json:"id"`
	ProjectID   string   `json:"projectId,omitempty"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Features    []string `json:"features,omitempty"`

	// Generated documents, filled in as stages complete.
	DesignDocument string `json:"designDocument,omitempty"`
	PRD            string `json:"prd,omitempty"`
	Prototype      string `json:"prototype,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewTask creates a task with a fresh ID.
func NewTask(title, description string, features []string) *Task {
	now := time.Now()
	return &Task{
		ID:          uuid.NewString(),
		Title:       title,
		Description: description,
		Features:    features,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// SetStageOutput stores a stage's generated document on the task.
func (t *Task) SetStageOutput(stage, content string) error {
	switch stage {
	case StageDesignDoc:
		t.DesignDocument = content
	case StagePRD:
		t.PRD = content
	case StagePrototype:
		t.Prototype = content
	default:
		return fmt.Errorf("task %s: unknown stage %q", t.ID, stage)
	}
	t.UpdatedAt = time.Now()
	return nil
}

// QAAnswer is one answered clarification question.
type QAAnswer struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// QASession holds the clarification answers collected before a run.
type QASession struct {
	ID        string     `json:"id"`
	TaskID    string     `json:"taskId"`
	Answers   []QAAnswer `json:"answers,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

// TaskStore persists tasks and Q&A sessions.
type TaskStore interface {
	SaveTask(ctx context.Context, t *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	SaveQASession(ctx context.Context, qa *QASession) error
	GetQASession(ctx context.Context, id string) (*QASession, error)
}

// KVTaskStore is a TaskStore backed by NATS JetStream KV.
type KVTaskStore struct {
	tasks    jetstream.KeyValue
	sessions jetstream.KeyValue
}

// NewKVTaskStore creates a KVTaskStore, creating buckets as needed.
func NewKVTaskStore(ctx context.Context, js jetstream.JetStream) (*KVTaskStore, error) {
	tasks, err := getOrCreateBucket(ctx, js, BucketTasks)
	if err != nil {
		return nil, fmt.Errorf("create tasks bucket: %w", err)
	}
	sessions, err := getOrCreateBucket(ctx, js, BucketQASessions)
	if err != nil {
		return nil, fmt.Errorf("create qa sessions bucket: %w", err)
	}
	return &KVTaskStore{tasks: tasks, sessions: sessions}, nil
}

// SaveTask stores the task.
func (s *KVTaskStore) SaveTask(ctx context.Context, t *Task) error {
	if t.ID == "" {
		return fmt.Errorf("task id is required")
	}
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if _, err := s.tasks.Put(ctx, t.ID, data); err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID, or ErrNotFound.
func (s *KVTaskStore) GetTask(ctx context.Context, id string) (*Task, error) {
	entry, err := s.tasks.Get(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	var t Task
	if err := json.Unmarshal(entry.Value(), &t); err != nil {
		return nil, fmt.Errorf("unmarshal task: %w", err)
	}
	return &t, nil
}

// SaveQASession stores the Q&A session.
func (s *KVTaskStore) SaveQASession(ctx context.Context, qa *QASession) error {
	if qa.ID == "" {
		return fmt.Errorf("qa session id is required")
	}
	data, err := json.Marshal(qa)
	if err != nil {
		return fmt.Errorf("marshal qa session: %w", err)
	}
	if _, err := s.sessions.Put(ctx, qa.ID, data); err != nil {
		return fmt.Errorf("save qa session: %w", err)
	}
	return nil
}

// GetQASession retrieves a Q&A session by ID, or ErrNotFound.
func (s *KVTaskStore) GetQASession(ctx context.Context, id string) (*QASession, error) {
	entry, err := s.sessions.Get(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get qa session: %w", err)
	}
	var qa QASession
	if err := json.Unmarshal(entry.Value(), &qa); err != nil {
		return nil, fmt.Errorf("unmarshal qa session: %w", err)
	}
	return &qa, nil
}

// MemoryTaskStore is an in-memory TaskStore for tests and local runs.
type MemoryTaskStore struct {
	mu       sync.RWMutex
	tasks    map[string]*Task
	sessions map[string]*QASession
}

// NewMemoryTaskStore creates an empty MemoryTaskStore.
func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{
		tasks:    make(map[string]*Task),
		sessions: make(map[string]*QASession),
	}
}

// SaveTask stores the task.
func (s *MemoryTaskStore) SaveTask(_ context.Context, t *Task) error {
	if t.ID == "" {
		return fmt.Errorf("task id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	cp.Features = append([]string(nil), t.Features...)
	s.tasks[t.ID] = &cp
	return nil
}

// GetTask retrieves a task by ID, or ErrNotFound.
func (s *MemoryTaskStore) GetTask(_ context.Context, id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	cp.Features = append([]string(nil), t.Features...)
	return &cp, nil
}

// SaveQASession stores the Q&A session.
func (s *MemoryTaskStore) SaveQASession(_ context.Context, qa *QASession) error {
	if qa.ID == "" {
		return fmt.Errorf("qa session id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *qa
	cp.Answers = append([]QAAnswer(nil), qa.Answers...)
	s.sessions[qa.ID] = &cp
	return nil
}

// GetQASession retrieves a Q&A session by ID, or ErrNotFound.
func (s *MemoryTaskStore) GetQASession(_ context.Context, id string) (*QASession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	qa, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *qa
	cp.Answers = append([]QAAnswer(nil), qa.Answers...)
	return &cp, nil
}
