package providers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/c360studio/docpipe/llm"
)

const geminiDefaultEndpoint = "https://generativelanguage.googleapis.com/v1beta"

var geminiModels = []string{"gemini-1.5-pro", "gemini-1.5-flash", "gemini-2.0-flash-exp"}

func init() {
	llm.RegisterKind(llm.KindGemini, func(s llm.Settings, o *llm.Options) llm.Provider {
		return NewGemini(s, o)
	})
}

// Gemini implements the Google AI Studio generateContent API. The API key
// travels as a query parameter, not an Authorization header.
type Gemini struct {
	apiKey   string
	endpoint string
	opts     *llm.Options
	probes   singleflight.Group
}

// NewGemini creates a Gemini provider from settings.
func NewGemini(s llm.Settings, o *llm.Options) *Gemini {
	endpoint := s.Endpoint
	if endpoint == "" {
		endpoint = geminiDefaultEndpoint
	}
	return &Gemini{
		apiKey:   s.APIKey,
		endpoint: strings.TrimSuffix(endpoint, "/"),
		opts:     o,
	}
}

// Kind returns the provider identifier.
func (p *Gemini) Kind() llm.Kind { return llm.KindGemini }

type geminiRequest struct {
	Contents []geminiContent `json:"contents"`
	Config   geminiGenConfig `json:"generationConfig"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	TopP            float64 `json:"topP,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

type geminiModelsResponse struct {
	Models []struct {
		Name                       string   `json:"name"`
		SupportedGenerationMethods []string `json:"supportedGenerationMethods"`
	} `json:"models"`
}

// Generate sends a generateContent request for the configured model.
func (p *Gemini) Generate(ctx context.Context, prompt string, cfg llm.ModelConfig, _ string) llm.Result {
	if p.apiKey == "" {
		return failedResult(llm.KindGemini, cfg.Model, &llm.ProviderError{
			Code:      llm.CodeAuthFailed,
			Message:   "Google AI API key not configured",
			Retryable: false,
		})
	}

	logID := llm.NewEntryID()
	start := time.Now()
	p.opts.CallLog.Request(logID, llm.KindGemini, cfg.Model, llm.LogRequest{
		Prompt: prompt,
		Parameters: map[string]any{
			"temperature": cfg.Temperature,
			"max_tokens":  cfg.MaxTokens,
			"api_key":     p.apiKey,
		},
	})

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", p.endpoint, cfg.Model, p.apiKey)
	req := geminiRequest{
		Contents: []geminiContent{{Parts: []geminiPart{{Text: prompt}}}},
		Config: geminiGenConfig{
			Temperature:     cfg.Temperature,
			MaxOutputTokens: cfg.MaxTokens,
			TopP:            cfg.TopP,
		},
	}

	var resp geminiResponse
	err := llm.PostJSON(ctx, p.opts.HTTPClient, url, nil, req, p.opts.GenerateTimeout, &resp)
	if err != nil {
		pe := llm.Classify(err)
		p.opts.CallLog.Error(logID, llm.KindGemini, cfg.Model, llm.LogError{Message: pe.Message, Code: pe.Code})
		return failedResult(llm.KindGemini, cfg.Model, pe)
	}

	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		pe := &llm.ProviderError{
			Code:      llm.CodeInvalidResp,
			Message:   "no candidates in response",
			Retryable: false,
		}
		p.opts.CallLog.Error(logID, llm.KindGemini, cfg.Model, llm.LogError{Message: pe.Message, Code: pe.Code})
		return failedResult(llm.KindGemini, cfg.Model, pe)
	}

	content := resp.Candidates[0].Content.Parts[0].Text
	usage := &llm.TokenUsage{
		Input:  resp.UsageMetadata.PromptTokenCount,
		Output: resp.UsageMetadata.CandidatesTokenCount,
	}
	p.opts.CallLog.Response(logID, llm.KindGemini, cfg.Model, llm.LogResponse{
		Content:      content,
		Usage:        usage,
		FinishReason: resp.Candidates[0].FinishReason,
	}, time.Since(start))

	return llm.Result{
		Success:  true,
		Content:  content,
		Provider: llm.KindGemini,
		Model:    cfg.Model,
		Tokens:   usage,
	}
}

// TestConnection probes the models endpoint through the shared probe flow.
func (p *Gemini) TestConnection(ctx context.Context, projectID string) llm.ConnectionTestResult {
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
	return llm.RunProbe(ctx, &p.probes, llm.KindGemini, projectID, p.opts, p.listModels)
}

// AvailableModels returns the static model list.
func (p *Gemini) AvailableModels(_ context.Context) []string {
	return append([]string(nil), geminiModels...)
}

// listModels fetches live models, filtered to those supporting
// generateContent, with the "models/" prefix stripped.
func (p *Gemini) listModels(ctx context.Context) ([]string, error) {
	var resp geminiModelsResponse
	url := fmt.Sprintf("%s/models?key=%s", p.endpoint, p.apiKey)
	if err := llm.GetJSON(ctx, p.opts.HTTPClient, url, nil, llm.ProbeTimeout, &resp); err != nil {
		return nil, err
	}

	var models []string
	for _, m := range resp.Models {
		for _, method := range m.SupportedGenerationMethods {
			if method == "generateContent" {
				models = append(models, strings.TrimPrefix(m.Name, "models/"))
				break
			}
		}
	}
	return models, nil
}
