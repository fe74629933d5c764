// Package testutil provides test doubles for the llm package.
package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/c360studio/docpipe/llm"
)

// MockProvider is a thread-safe scripted provider for orchestrator tests.
// Generate returns the configured results in sequence; once the script is
// exhausted the last result repeats.
//
// Usage:
//
//	mock := &MockProvider{
//	    ProviderKind: llm.KindOpenAI,
//	    Results: []llm.Result{
//	        {Success: false, Err: &llm.ProviderError{Code: llm.CodeTimeout, Retryable: true}},
//	        {Success: true, Content: "generated"},
//	    },
//	}
type MockProvider struct {
	mu sync.Mutex

	ProviderKind llm.Kind
	Results      []llm.Result
	Models       []string
	TestResult   llm.ConnectionTestResult

	calls     int
	prompts   []string
	modelCfgs []llm.ModelConfig
}

// Kind implements llm.Provider.
func (m *MockProvider) Kind() llm.Kind {
	if m.ProviderKind == "" {
		return llm.KindClaudeCode
	}
	return m.ProviderKind
}

// Generate implements llm.Provider, returning the next scripted result.
func (m *MockProvider) Generate(_ context.Context, prompt string, cfg llm.ModelConfig, _ string) llm.Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++
	m.prompts = append(m.prompts, prompt)
	m.modelCfgs = append(m.modelCfgs, cfg)

	if len(m.Results) == 0 {
		return llm.Result{Success: true, Content: "mock content", Provider: m.Kind(), Model: cfg.Model}
	}
	idx := m.calls - 1
	if idx >= len(m.Results) {
		idx = len(m.Results) - 1
	}
	r := m.Results[idx]
	if r.Provider == "" {
		r.Provider = m.Kind()
	}
	if r.Model == "" {
		r.Model = cfg.Model
	}
	return r
}

// TestConnection implements llm.Provider.
func (m *MockProvider) TestConnection(_ context.Context, _ string) llm.ConnectionTestResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.TestResult
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}
	return r
}

// AvailableModels implements llm.Provider.
func (m *MockProvider) AvailableModels(_ context.Context) []string {
	return append([]string(nil), m.Models...)
}

// CallCount returns how many times Generate was invoked.
func (m *MockProvider) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Prompts returns the prompts passed to Generate, in order.
func (m *MockProvider) Prompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.prompts...)
}

// Reset clears call state so the mock can be reused across cases.
func (m *MockProvider) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = 0
	m.prompts = nil
	m.modelCfgs = nil
}
