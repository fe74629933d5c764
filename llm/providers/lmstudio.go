package providers

import (
	"context"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/c360studio/docpipe/llm"
)

const (
	lmStudioDefaultEndpoint = "http://localhost:1234/v1"

	// lmStudioProbeTimeout is shorter than the hosted-API probe budget:
	// a local server either answers quickly or is not running.
	lmStudioProbeTimeout = 5 * time.Second
)

func init() {
	llm.RegisterKind(llm.KindLMStudio, func(s llm.Settings, o *llm.Options) llm.Provider {
		return NewLMStudio(s, o)
	})
}

// LMStudio implements the OpenAI-compatible API exposed by a local LMStudio
// server. No authentication header is required.
type LMStudio struct {
	endpoint string
	opts     *llm.Options
	probes   singleflight.Group
}

// NewLMStudio creates an LMStudio provider from settings.
func NewLMStudio(s llm.Settings, o *llm.Options) *LMStudio {
	endpoint := s.Endpoint
	if endpoint == "" {
		endpoint = lmStudioDefaultEndpoint
	}
	return &LMStudio{
		endpoint: strings.TrimSuffix(endpoint, "/"),
		opts:     o,
	}
}

// Kind returns the provider identifier.
func (p *LMStudio) Kind() llm.Kind { return llm.KindLMStudio }

// Generate sends an OpenAI-shaped chat-completion request to the local
// server.
func (p *LMStudio) Generate(ctx context.Context, prompt string, cfg llm.ModelConfig, _ string) llm.Result {
	model := cfg.Model
	if model == "" {
		model = "local-model"
	}

	logID := llm.NewEntryID()
	start := time.Now()
	p.opts.CallLog.Request(logID, llm.KindLMStudio, model, llm.LogRequest{
		Prompt: prompt,
		Parameters: map[string]any{
			"temperature": cfg.Temperature,
			"max_tokens":  cfg.MaxTokens,
		},
	})

	req := openAIRequest{
		Model:       model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
		TopP:        cfg.TopP,
	}

	var resp openAIResponse
	err := llm.PostJSON(ctx, p.opts.HTTPClient, p.endpoint+"/chat/completions",
		nil, req, p.opts.GenerateTimeout, &resp)
	if err != nil {
		pe := llm.Classify(err)
		p.opts.CallLog.Error(logID, llm.KindLMStudio, model, llm.LogError{Message: pe.Message, Code: pe.Code})
		return failedResult(llm.KindLMStudio, model, pe)
	}

	if len(resp.Choices) == 0 {
		pe := &llm.ProviderError{
			Code:      llm.CodeInvalidResp,
			Message:   "no choices in response",
			Retryable: false,
		}
		p.opts.CallLog.Error(logID, llm.KindLMStudio, model, llm.LogError{Message: pe.Message, Code: pe.Code})
		return failedResult(llm.KindLMStudio, model, pe)
	}

	content := resp.Choices[0].Message.Content
	var usage *llm.TokenUsage
	if resp.Usage.TotalTokens > 0 {
		usage = &llm.TokenUsage{
			Input:  resp.Usage.PromptTokens,
			Output: resp.Usage.CompletionTokens,
		}
	}
	p.opts.CallLog.Response(logID, llm.KindLMStudio, model, llm.LogResponse{
		Content:      content,
		Usage:        usage,
		FinishReason: resp.Choices[0].FinishReason,
	}, time.Since(start))

	result := llm.Result{
		Success:  true,
		Content:  content,
		Provider: llm.KindLMStudio,
		Model:    model,
		Tokens:   usage,
	}
	if cfg.Model == "" && resp.Model != "" {
		result.Model = resp.Model
	}
	return result
}

// TestConnection probes the local models endpoint through the shared flow.
func (p *LMStudio) TestConnection(ctx context.Context, projectID string) llm.ConnectionTestResult {
	return llm.RunProbe(ctx, &p.probes, llm.KindLMStudio, projectID, p.opts, p.listModels)
}

// AvailableModels queries the local /models endpoint directly. The model set
// is whatever is loaded into the server, so there is no static fallback:
// any failure yields an empty list.
func (p *LMStudio) AvailableModels(ctx context.Context) []string {
	models, err := p.listModels(ctx)
	if err != nil {
		return nil
	}
	return models
}

func (p *LMStudio) listModels(ctx context.Context) ([]string, error) {
	var resp openAIModelsResponse
	if err := llm.GetJSON(ctx, p.opts.HTTPClient, p.endpoint+"/models", nil, lmStudioProbeTimeout, &resp); err != nil {
		return nil, err
	}

	models := make([]string, 0, len(resp.Data))
	for _, m := range resp.Data {
		models = append(models, m.ID)
	}
	return models, nil
}
