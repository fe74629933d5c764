package providers_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/docpipe/llm"
	"github.com/c360studio/docpipe/llm/providers"
)

func testOptions() *llm.Options {
	return &llm.Options{
		HTTPClient: &http.Client{},
		Logger:     slog.Default(),
		CallLog:    llm.NewCallLog(),
		Retry: llm.RetryConfig{
			MaxRetries:        0,
			InitialDelay:      time.Millisecond,
			MaxDelay:          time.Millisecond,
			BackoffMultiplier: 1,
		},
		GenerateTimeout: 5 * time.Second,
	}
}

func TestOpenAI_Generate_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "gpt-4o", body["model"])

		resp := map[string]any{
			"id":    "chatcmpl-1",
			"model": "gpt-4o",
			"choices": []map[string]any{
				{
					"message":       map[string]string{"role": "assistant", "content": "generated text"},
					"finish_reason": "stop",
				},
			},
			"usage": map[string]int{
				"prompt_tokens":     12,
				"completion_tokens": 7,
				"total_tokens":      19,
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	opts := testOptions()
	p := providers.NewOpenAI(llm.Settings{APIKey: "sk-test", Endpoint: server.URL}, opts)

	res := p.Generate(context.Background(), "write a doc", llm.DefaultModelConfig("gpt-4o"), "")

	require.True(t, res.Success)
	assert.Equal(t, "generated text", res.Content)
	assert.Equal(t, llm.KindOpenAI, res.Provider)
	require.NotNil(t, res.Tokens)
	assert.Equal(t, 12, res.Tokens.Input)
	assert.Equal(t, 7, res.Tokens.Output)

	// Request and response share one log entry, with the key masked.
	entries := opts.CallLog.Entries()
	require.Len(t, entries, 1)
	require.NotNil(t, entries[0].Request)
	assert.Equal(t, "***", entries[0].Request.Parameters["api_key"])
	require.NotNil(t, entries[0].Response)
}

func TestOpenAI_Generate_MissingKey(t *testing.T) {
	p := providers.NewOpenAI(llm.Settings{}, testOptions())

	res := p.Generate(context.Background(), "prompt", llm.DefaultModelConfig("gpt-4o"), "")

	require.False(t, res.Success)
	require.NotNil(t, res.Err)
	assert.Equal(t, llm.CodeAuthFailed, res.Err.Code)
	assert.False(t, res.Err.Retryable)
}

func TestOpenAI_Generate_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer server.Close()

	p := providers.NewOpenAI(llm.Settings{APIKey: "sk-test", Endpoint: server.URL}, testOptions())
	res := p.Generate(context.Background(), "prompt", llm.DefaultModelConfig("gpt-4o"), "")

	require.False(t, res.Success)
	assert.Equal(t, llm.CodeAPIError, res.Err.Code)
	assert.True(t, res.Err.Retryable)
}

func TestOpenAI_Generate_Unauthorized(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte("invalid api key"))
	}))
	defer server.Close()

	p := providers.NewOpenAI(llm.Settings{APIKey: "sk-bad", Endpoint: server.URL}, testOptions())
	res := p.Generate(context.Background(), "prompt", llm.DefaultModelConfig("gpt-4o"), "")

	require.False(t, res.Success)
	assert.Equal(t, llm.CodeAuthFailed, res.Err.Code)
	assert.False(t, res.Err.Retryable)
}

func TestOpenAI_Generate_EmptyChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices": []}`))
	}))
	defer server.Close()

	p := providers.NewOpenAI(llm.Settings{APIKey: "sk-test", Endpoint: server.URL}, testOptions())
	res := p.Generate(context.Background(), "prompt", llm.DefaultModelConfig("gpt-4o"), "")

	require.False(t, res.Success)
	assert.Equal(t, llm.CodeInvalidResp, res.Err.Code)
}

func TestOpenAI_TestConnection_ListsModels(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data": [{"id": "gpt-4o"}, {"id": "whisper-1"}, {"id": "gpt-3.5-turbo"}]}`))
	}))
	defer server.Close()

	p := providers.NewOpenAI(llm.Settings{APIKey: "sk-test", Endpoint: server.URL}, testOptions())
	res := p.TestConnection(context.Background(), "proj-1")

	require.True(t, res.Success)
	assert.Equal(t, llm.StatusConnected, res.Status)
	// Non-chat models are filtered out.
	assert.Equal(t, []string{"gpt-4o", "gpt-3.5-turbo"}, res.Models)
}

func TestOpenAI_TestConnection_MissingKeyShortCircuits(t *testing.T) {
	p := providers.NewOpenAI(llm.Settings{}, testOptions())
	res := p.TestConnection(context.Background(), "proj-1")

	require.False(t, res.Success)
	assert.Equal(t, llm.CodeAuthFailed, res.Err.Code)
}

func TestOpenAI_AvailableModels_Static(t *testing.T) {
	p := providers.NewOpenAI(llm.Settings{APIKey: "sk-test"}, testOptions())
	models := p.AvailableModels(context.Background())
	assert.Contains(t, models, "gpt-4o")
}

func TestFactory_ConstructsByKind(t *testing.T) {
	for _, kind := range llm.Kinds() {
		p, err := llm.New(llm.Settings{Kind: kind})
		require.NoError(t, err, "kind %s", kind)
		assert.Equal(t, kind, p.Kind())
	}

	_, err := llm.New(llm.Settings{Kind: "unknown"})
	require.Error(t, err)
}
