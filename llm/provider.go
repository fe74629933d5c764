// Package llm provides the provider dispatch layer for document generation:
// a shared capability contract over hosted REST APIs, a local HTTP server,
// and a CLI subprocess, with uniform error classification and bounded retry.
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Kind identifies a provider backend.
type Kind string

const (
	KindOpenAI     Kind = "openai"
	KindGemini     Kind = "gemini"
	KindLMStudio   Kind = "lmstudio"
	KindClaudeCode Kind = "claude-code"
)

// Kinds lists all supported provider kinds in display order.
func Kinds() []Kind {
	return []Kind{KindOpenAI, KindGemini, KindLMStudio, KindClaudeCode}
}

// ParseKind validates a provider kind string.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindOpenAI, KindGemini, KindLMStudio, KindClaudeCode:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unknown provider kind: %q", s)
}

// Settings configures a provider instance at construction time.
type Settings struct {
	Kind     Kind   `json:"provider" yaml:"provider"`
	APIKey   string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Enabled  bool   `json:"enabled" yaml:"enabled"`
}

// ModelConfig carries per-call generation parameters.
type ModelConfig struct {
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
	TopP        float64 `json:"top_p"`
}

// DefaultModelConfig returns the default generation parameters for a model.
func DefaultModelConfig(model string) ModelConfig {
	return ModelConfig{
		Model:       model,
		Temperature: 0.7,
		MaxTokens:   4096,
		TopP:        1.0,
	}
}

// TokenUsage reports token consumption for a generation call.
type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

// Result is the outcome of a generation call. Generate never returns a Go
// error for provider failures: Success is false and Err carries the
// classified failure instead.
type Result struct {
	Success   bool           `json:"success"`
	Content   string         `json:"content,omitempty"`
	RawOutput string         `json:"raw_output,omitempty"`
	Err       *ProviderError `json:"error,omitempty"`
	Provider  Kind           `json:"provider"`
	Model     string         `json:"model"`
	Tokens    *TokenUsage    `json:"tokens,omitempty"`
}

// ConnectionStatus is the outcome category of a connectivity probe.
type ConnectionStatus string

const (
	StatusConnected ConnectionStatus = "connected"
	StatusFailed    ConnectionStatus = "error"
)

// ConnectionTestResult is the outcome of a connectivity probe.
type ConnectionTestResult struct {
	Success   bool             `json:"success"`
	Status    ConnectionStatus `json:"status"`
	Latency   time.Duration    `json:"latency,omitempty"`
	Models    []string         `json:"models,omitempty"`
	Err       *ProviderError   `json:"error,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// Provider is the capability contract every backend satisfies.
type Provider interface {
	// Kind returns the provider identifier.
	Kind() Kind

	// Generate produces text for a prompt. Provider failures are captured
	// in the Result, never returned as an error.
	Generate(ctx context.Context, prompt string, cfg ModelConfig, workingDir string) Result

	// TestConnection probes connectivity. When projectID is non-empty the
	// probe lifecycle is recorded to the configured CallLog under a stable
	// test-run id.
	TestConnection(ctx context.Context, projectID string) ConnectionTestResult

	// AvailableModels lists model identifiers. It returns an empty list,
	// never an error result, when the backend is unreachable.
	AvailableModels(ctx context.Context) []string
}

// Options carries shared collaborators handed to each provider at
// construction. All process-wide state lives here, built once by the caller.
type Options struct {
	HTTPClient *http.Client
	Logger     *slog.Logger
	CallLog    *CallLog
	Retry      RetryConfig

	// GenerateTimeout bounds a single generation call.
	GenerateTimeout time.Duration
}

// Option configures provider construction.
type Option func(*Options)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Options) { o.HTTPClient = c }
}

// WithLogger sets the slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// WithCallLog sets the call log collaborator.
func WithCallLog(cl *CallLog) Option {
	return func(o *Options) { o.CallLog = cl }
}

// WithRetryConfig sets the retry configuration used by connectivity probes.
func WithRetryConfig(cfg RetryConfig) Option {
	return func(o *Options) { o.Retry = cfg }
}

// WithGenerateTimeout overrides the per-call generation timeout.
func WithGenerateTimeout(d time.Duration) Option {
	return func(o *Options) { o.GenerateTimeout = d }
}

func defaultOptions() *Options {
	return &Options{
		HTTPClient:      &http.Client{},
		Logger:          slog.Default(),
		Retry:           DefaultRetryConfig(),
		GenerateTimeout: DefaultGenerateTimeout,
	}
}

// DefaultGenerateTimeout bounds generation calls unless overridden.
const DefaultGenerateTimeout = 120 * time.Second

// Constructor builds a provider from settings and shared options.
type Constructor func(Settings, *Options) Provider

var (
	constructorMu sync.RWMutex
	constructors  = make(map[Kind]Constructor)
)

// RegisterKind adds a provider constructor to the factory. Implementations
// call this from init(); registering the same kind twice is idempotent in
// effect (last registration wins).
func RegisterKind(kind Kind, fn Constructor) {
	constructorMu.Lock()
	defer constructorMu.Unlock()
	constructors[kind] = fn
}

// New constructs a provider for the given settings.
func New(settings Settings, opts ...Option) (Provider, error) {
	constructorMu.RLock()
	fn, ok := constructors[settings.Kind]
	constructorMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no provider registered for kind %q", settings.Kind)
	}

	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}
	return fn(settings, options), nil
}
