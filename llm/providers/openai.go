// Package providers implements the concrete provider backends: OpenAI and
// Gemini hosted APIs, an LMStudio-style local server, and the Claude Code
// CLI. Each registers itself with the llm factory via init().
package providers

import (
	"context"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/c360studio/docpipe/llm"
)

const openAIDefaultEndpoint = "https://api.openai.com/v1"

// openAIModels is the static model list returned without a network call.
var openAIModels = []string{"gpt-4o", "gpt-4o-mini", "gpt-4-turbo"}

func init() {
	llm.RegisterKind(llm.KindOpenAI, func(s llm.Settings, o *llm.Options) llm.Provider {
		return NewOpenAI(s, o)
	})
}

// OpenAI implements the OpenAI chat-completions API.
type OpenAI struct {
	apiKey   string
	endpoint string
	opts     *llm.Options
	probes   singleflight.Group
}

// NewOpenAI creates an OpenAI provider from settings.
func NewOpenAI(s llm.Settings, o *llm.Options) *OpenAI {
	endpoint := s.Endpoint
	if endpoint == "" {
		endpoint = openAIDefaultEndpoint
	}
	return &OpenAI{
		apiKey:   s.APIKey,
		endpoint: strings.TrimSuffix(endpoint, "/"),
		opts:     o,
	}
}

// Kind returns the provider identifier.
func (p *OpenAI) Kind() llm.Kind { return llm.KindOpenAI }

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []chatMessage   `json:"messages"`
	Temperature float64         `json:"temperature"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	TopP        float64         `json:"top_p,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type openAIModelsResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// Generate sends a chat-completion request. Failures are captured in the
// result rather than returned.
func (p *OpenAI) Generate(ctx context.Context, prompt string, cfg llm.ModelConfig, _ string) llm.Result {
	if p.apiKey == "" {
		return failedResult(llm.KindOpenAI, cfg.Model, &llm.ProviderError{
			Code:      llm.CodeAuthFailed,
			Message:   "OpenAI API key not configured",
			Retryable: false,
		})
	}

	logID := llm.NewEntryID()
	start := time.Now()
	p.opts.CallLog.Request(logID, llm.KindOpenAI, cfg.Model, llm.LogRequest{
		Prompt: prompt,
		Parameters: map[string]any{
			"temperature": cfg.Temperature,
			"max_tokens":  cfg.MaxTokens,
			"api_key":     p.apiKey,
		},
	})

	req := openAIRequest{
		Model:       cfg.Model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
		TopP:        cfg.TopP,
	}

	var resp openAIResponse
	err := llm.PostJSON(ctx, p.opts.HTTPClient, p.endpoint+"/chat/completions",
		map[string]string{"Authorization": "Bearer " + p.apiKey},
		req, p.opts.GenerateTimeout, &resp)
	if err != nil {
		pe := llm.Classify(err)
		p.opts.CallLog.Error(logID, llm.KindOpenAI, cfg.Model, llm.LogError{Message: pe.Message, Code: pe.Code})
		return failedResult(llm.KindOpenAI, cfg.Model, pe)
	}

	if len(resp.Choices) == 0 {
		pe := &llm.ProviderError{
			Code:      llm.CodeInvalidResp,
			Message:   "no choices in response",
			Retryable: false,
		}
		p.opts.CallLog.Error(logID, llm.KindOpenAI, cfg.Model, llm.LogError{Message: pe.Message, Code: pe.Code})
		return failedResult(llm.KindOpenAI, cfg.Model, pe)
	}

	content := resp.Choices[0].Message.Content
	usage := &llm.TokenUsage{
		Input:  resp.Usage.PromptTokens,
		Output: resp.Usage.CompletionTokens,
	}
	p.opts.CallLog.Response(logID, llm.KindOpenAI, cfg.Model, llm.LogResponse{
		Content:      content,
		Usage:        usage,
		FinishReason: resp.Choices[0].FinishReason,
	}, time.Since(start))

	return llm.Result{
		Success:  true,
		Content:  content,
		Provider: llm.KindOpenAI,
		Model:    cfg.Model,
		Tokens:   usage,
	}
}

// TestConnection probes the models endpoint through the shared probe flow.
func (p *OpenAI) TestConnection(ctx context.Context, projectID string) llm.ConnectionTestResult {
	if p.apiKey == "" {
		return llm.ConnectionTestResult{
			Success: false,
			Status:  llm.StatusFailed,
			Err: &llm.ProviderError{
				Code:      llm.CodeAuthFailed,
				Message:   "API key not configured",
				Retryable: false,
			},
			Timestamp: time.Now(),
		}
	}
	return llm.RunProbe(ctx, &p.probes, llm.KindOpenAI, projectID, p.opts, p.listModels)
}

// AvailableModels returns the static chat model list.
func (p *OpenAI) AvailableModels(_ context.Context) []string {
	return append([]string(nil), openAIModels...)
}

// listModels fetches live models, filtered to chat-capable ids.
func (p *OpenAI) listModels(ctx context.Context) ([]string, error) {
	var resp openAIModelsResponse
	err := llm.GetJSON(ctx, p.opts.HTTPClient, p.endpoint+"/models",
		map[string]string{"Authorization": "Bearer " + p.apiKey},
		llm.ProbeTimeout, &resp)
	if err != nil {
		return nil, err
	}

	var models []string
	for _, m := range resp.Data {
		if strings.HasPrefix(m.ID, "gpt-4") || strings.HasPrefix(m.ID, "gpt-3.5") {
			models = append(models, m.ID)
		}
	}
	return models, nil
}

// failedResult packs a classified error into a generation result.
func failedResult(kind llm.Kind, model string, pe *llm.ProviderError) llm.Result {
	return llm.Result{
		Success:  false,
		Err:      pe,
		Provider: kind,
		Model:    model,
	}
}
