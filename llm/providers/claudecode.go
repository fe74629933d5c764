package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/c360studio/docpipe/llm"
	"github.com/c360studio/docpipe/proc"
)

const (
	claudeCommand = "claude"

	// claudeProbeTimeout bounds the version probe.
	claudeProbeTimeout = 5 * time.Second
)

var claudeModels = []string{"claude-3.5-sonnet"}

// claudeAllowedTools restricts the CLI to read-only access during
// generation.
var claudeAllowedTools = []string{"Read", "Grep"}

func init() {
	llm.RegisterKind(llm.KindClaudeCode, func(s llm.Settings, o *llm.Options) llm.Provider {
		return NewClaudeCode(s, o)
	})
}

// ClaudeCode drives the Claude Code CLI as a subprocess. There is no network
// call and no API key; availability depends only on the CLI being installed.
type ClaudeCode struct {
	opts *llm.Options

	// run is the subprocess entry point, swappable in tests.
	run func(ctx context.Context, cmd proc.Command) (*proc.Output, error)
}

// NewClaudeCode creates a Claude Code provider.
func NewClaudeCode(_ llm.Settings, o *llm.Options) *ClaudeCode {
	return &ClaudeCode{opts: o, run: proc.Run}
}

// Kind returns the provider identifier.
func (p *ClaudeCode) Kind() llm.Kind { return llm.KindClaudeCode }

// Generate spawns the CLI with the prompt and collects stdout. JSON output
// is unwrapped to its content field when present; otherwise the raw text is
// the content.
func (p *ClaudeCode) Generate(ctx context.Context, prompt string, cfg llm.ModelConfig, workingDir string) llm.Result {
	model := cfg.Model
	if model == "" {
		model = claudeModels[0]
	}

	logID := llm.NewEntryID()
	start := time.Now()
	p.opts.CallLog.Request(logID, llm.KindClaudeCode, model, llm.LogRequest{Prompt: prompt})

	out, err := p.run(ctx, proc.Command{
		Name: claudeCommand,
		Args: []string{
			"-p", prompt,
			"--output-format", "json",
			"--allowedTools", strings.Join(claudeAllowedTools, ","),
		},
		Dir:     workingDir,
		Timeout: p.opts.GenerateTimeout,
	})
	if err != nil {
		pe := classifyProcError(err)
		p.opts.CallLog.Error(logID, llm.KindClaudeCode, model, llm.LogError{Message: pe.Message, Code: pe.Code})
		return failedResult(llm.KindClaudeCode, model, pe)
	}

	content := extractCLIContent(out)
	p.opts.CallLog.Response(logID, llm.KindClaudeCode, model, llm.LogResponse{Content: content}, time.Since(start))

	// The CLI does not expose token accounting, so Tokens stays nil.
	return llm.Result{
		Success:   true,
		Content:   content,
		RawOutput: out.Raw,
		Provider:  llm.KindClaudeCode,
		Model:     model,
	}
}

// TestConnection is backend-specific: it probes the CLI with a version call
// instead of the shared HTTP flow. The probe timeout is a context deadline
// scoped to this call, so no timer outlives any exit path.
func (p *ClaudeCode) TestConnection(ctx context.Context, projectID string) llm.ConnectionTestResult {
	testID := fmt.Sprintf("test-%s-%s", llm.KindClaudeCode, llm.NewEntryID())
	start := time.Now()

	if projectID != "" {
		p.opts.CallLog.ProbeStart(testID, llm.KindClaudeCode, projectID)
	}

	_, err := p.run(ctx, proc.Command{
		Name:    claudeCommand,
		Args:    []string{"--version"},
		Timeout: claudeProbeTimeout,
	})
	if err != nil {
		pe := classifyProcError(err)
		var spawnErr *proc.SpawnError
		if errors.As(err, &spawnErr) {
			pe.Message = "Claude Code CLI not installed: " + pe.Message
		}
		if projectID != "" {
			p.opts.CallLog.ProbeFailure(testID, llm.KindClaudeCode, projectID, pe)
		}
		return llm.ConnectionTestResult{
			Success:   false,
			Status:    llm.StatusFailed,
			Err:       pe,
			Timestamp: time.Now(),
		}
	}

	latency := time.Since(start)
	models := p.AvailableModels(ctx)
	if projectID != "" {
		p.opts.CallLog.ProbeSuccess(testID, llm.KindClaudeCode, projectID, latency, models)
	}
	return llm.ConnectionTestResult{
		Success:   true,
		Status:    llm.StatusConnected,
		Latency:   latency,
		Models:    models,
		Timestamp: time.Now(),
	}
}

// AvailableModels returns the static model list; the CLI has no listing
// endpoint.
func (p *ClaudeCode) AvailableModels(_ context.Context) []string {
	return append([]string(nil), claudeModels...)
}

// classifyProcError maps subprocess failures onto the provider error codes.
func classifyProcError(err error) *llm.ProviderError {
	var timeoutErr *proc.TimeoutError
	if errors.As(err, &timeoutErr) {
		return &llm.ProviderError{
			Code:      llm.CodeTimeout,
			Message:   fmt.Sprintf("generation timed out after %s", timeoutErr.Timeout),
			Retryable: true,
			Details:   map[string]any{"timeout_ms": timeoutErr.Timeout.Milliseconds()},
		}
	}

	var exitErr *proc.ExitError
	if errors.As(err, &exitErr) {
		return &llm.ProviderError{
			Code:      llm.CodeAPIError,
			Message:   exitErr.Error(),
			Retryable: false,
			Details:   map[string]any{"exit_code": exitErr.Code},
		}
	}

	return llm.Classify(err)
}

// extractCLIContent pulls generated text out of the CLI's JSON envelope,
// falling back to raw stdout.
func extractCLIContent(out *proc.Output) string {
	obj, ok := out.Parsed.(map[string]any)
	if !ok {
		return out.Raw
	}
	for _, key := range []string{"content", "result"} {
		if v, ok := obj[key].(string); ok && v != "" {
			return v
		}
	}
	// JSON without a recognizable content field: keep the envelope text.
	if data, err := json.Marshal(obj); err == nil {
		return string(data)
	}
	return out.Raw
}
