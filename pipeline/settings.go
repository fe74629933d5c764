package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/docpipe/llm"
)

// BucketSettings holds per-project LLM settings.
const BucketSettings = "DOCPIPE_SETTINGS"

// StageModel overrides the model configuration for a single stage.
type StageModel struct {
	Provider    llm.Kind `json:"provider,omitempty"`
	Model       string   `json:"model,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"maxTokens,omitempty"`
}

// ProjectSettings selects the LLM provider and models for a project's
// pipeline runs.
type ProjectSettings struct {
	ProjectID   string                    `json:"projectId"`
	Provider    llm.Kind                  `json:"provider"`
	Providers   map[llm.Kind]llm.Settings `json:"providers,omitempty"`
	StageModels map[string]StageModel     `json:"stageModels,omitempty"`
	UpdatedAt   time.Time                 `json:"updatedAt"`
}

// DefaultProjectSettings returns settings that run every stage through the
// local Claude Code CLI, which needs no API key.
func DefaultProjectSettings(projectID string) *ProjectSettings {
	return &ProjectSettings{
		ProjectID: projectID,
		Provider:  llm.KindClaudeCode,
		Providers: map[llm.Kind]llm.Settings{
			llm.KindClaudeCode: {Kind: llm.KindClaudeCode, Enabled: true},
		},
		UpdatedAt: time.Now(),
	}
}

// ProviderSettings returns the stored settings for the given provider kind,
// falling back to a minimal enabled entry for the active provider.
func (s *ProjectSettings) ProviderSettings(kind llm.Kind) llm.Settings {
	if ps, ok := s.Providers[kind]; ok {
		ps.Kind = kind
		return ps
	}
	return llm.Settings{Kind: kind, Enabled: kind == s.Provider}
}

// defaultModels are the models used when a stage doesn't name one.
var defaultModels = map[llm.Kind]string{
	llm.KindOpenAI:     "gpt-4o-mini",
	llm.KindGemini:     "gemini-1.5-flash",
	llm.KindLMStudio:   "local-model",
	llm.KindClaudeCode: "claude-3.5-sonnet",
}

// StageConfig resolves the provider and model configuration for a stage,
// applying the stage override on top of project defaults.
func (s *ProjectSettings) StageConfig(stage string) (llm.Kind, llm.ModelConfig) {
	kind := s.Provider
	cfg := llm.DefaultModelConfig(defaultModels[kind])

	ov, ok := s.StageModels[stage]
	if !ok {
		return kind, cfg
	}
	if ov.Provider != "" {
		kind = ov.Provider
		cfg.Model = defaultModels[kind]
	}
	if ov.Model != "" {
		cfg.Model = ov.Model
	}
	if ov.Temperature != nil {
		cfg.Temperature = *ov.Temperature
	}
	if ov.MaxTokens != nil {
		cfg.MaxTokens = *ov.MaxTokens
	}
	return kind, cfg
}

// Validate checks the settings reference known providers.
func (s *ProjectSettings) Validate() error {
	if s.ProjectID == "" {
		return fmt.Errorf("project id is required")
	}
	if _, err := llm.ParseKind(string(s.Provider)); err != nil {
		return fmt.Errorf("project %s: %w", s.ProjectID, err)
	}
	for stage, ov := range s.StageModels {
		if ov.Provider == "" {
			continue
		}
		if _, err := llm.ParseKind(string(ov.Provider)); err != nil {
			return fmt.Errorf("project %s: stage %s: %w", s.ProjectID, stage, err)
		}
	}
	return nil
}

// SettingsStore persists project-level LLM settings.
type SettingsStore interface {
	Get(ctx context.Context, projectID string) (*ProjectSettings, error)
	Save(ctx context.Context, s *ProjectSettings) error
}

// GetOrDefault loads the project's settings, returning defaults when none
// have been saved yet.
func GetOrDefault(ctx context.Context, store SettingsStore, projectID string) (*ProjectSettings, error) {
	s, err := store.Get(ctx, projectID)
	if err == ErrNotFound {
		return DefaultProjectSettings(projectID), nil
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// KVSettingsStore is a SettingsStore backed by NATS JetStream KV.
type KVSettingsStore struct {
	settings jetstream.KeyValue
}

// NewKVSettingsStore creates a KVSettingsStore, creating the bucket if needed.
func NewKVSettingsStore(ctx context.Context, js jetstream.JetStream) (*KVSettingsStore, error) {
	kv, err := getOrCreateBucket(ctx, js, BucketSettings)
	if err != nil {
		return nil, fmt.Errorf("create settings bucket: %w", err)
	}
	return &KVSettingsStore{settings: kv}, nil
}

// Get retrieves project settings, or ErrNotFound.
func (s *KVSettingsStore) Get(ctx context.Context, projectID string) (*ProjectSettings, error) {
	entry, err := s.settings.Get(ctx, projectID)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get settings: %w", err)
	}
	var ps ProjectSettings
	if err := json.Unmarshal(entry.Value(), &ps); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}
	return &ps, nil
}

// Save stores project settings.
func (s *KVSettingsStore) Save(ctx context.Context, ps *ProjectSettings) error {
	if err := ps.Validate(); err != nil {
		return err
	}
	ps.UpdatedAt = time.Now()
	data, err := json.Marshal(ps)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	if _, err := s.settings.Put(ctx, ps.ProjectID, data); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

// MemorySettingsStore is an in-memory SettingsStore for tests.
type MemorySettingsStore struct {
	mu       sync.RWMutex
	settings map[string]*ProjectSettings
}

// NewMemorySettingsStore creates an empty MemorySettingsStore.
func NewMemorySettingsStore() *MemorySettingsStore {
	return &MemorySettingsStore{settings: make(map[string]*ProjectSettings)}
}

// Get retrieves project settings, or ErrNotFound.
func (s *MemorySettingsStore) Get(_ context.Context, projectID string) (*ProjectSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ps, ok := s.settings[projectID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *ps
	return &cp, nil
}

// Save stores project settings.
func (s *MemorySettingsStore) Save(_ context.Context, ps *ProjectSettings) error {
	if err := ps.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ps.UpdatedAt = time.Now()
	cp := *ps
	s.settings[ps.ProjectID] = &cp
	return nil
}
