package llm_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/docpipe/llm"
)

func TestClassify_Cascade(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantCode  llm.ErrorCode
		retryable bool
	}{
		{
			name:      "deadline exceeded",
			err:       context.DeadlineExceeded,
			wantCode:  llm.CodeTimeout,
			retryable: true,
		},
		{
			name:      "timeout message",
			err:       errors.New("Request timeout after 100ms"),
			wantCode:  llm.CodeTimeout,
			retryable: true,
		},
		{
			name:      "connection refused",
			err:       errors.New("dial tcp 127.0.0.1:1234: connection refused"),
			wantCode:  llm.CodeNetworkError,
			retryable: true,
		},
		{
			name:      "fetch failure",
			err:       errors.New("fetch failed"),
			wantCode:  llm.CodeNetworkError,
			retryable: true,
		},
		{
			name:      "unauthorized status",
			err:       &llm.StatusError{StatusCode: 401, Body: "invalid api key"},
			wantCode:  llm.CodeAuthFailed,
			retryable: false,
		},
		{
			name:      "forbidden status",
			err:       &llm.StatusError{StatusCode: 403, Body: "forbidden"},
			wantCode:  llm.CodeAuthFailed,
			retryable: false,
		},
		{
			name:      "auth message without status",
			err:       errors.New("authentication failed for key"),
			wantCode:  llm.CodeAuthFailed,
			retryable: false,
		},
		{
			name:      "server error",
			err:       &llm.StatusError{StatusCode: 503, Body: "overloaded"},
			wantCode:  llm.CodeAPIError,
			retryable: true,
		},
		{
			name:      "bad request",
			err:       &llm.StatusError{StatusCode: 400, Body: "bad prompt"},
			wantCode:  llm.CodeAPIError,
			retryable: false,
		},
		{
			name:      "not found",
			err:       &llm.StatusError{StatusCode: 404, Body: "no such model"},
			wantCode:  llm.CodeAPIError,
			retryable: false,
		},
		{
			name:      "unprocessable",
			err:       &llm.StatusError{StatusCode: 422, Body: "too long"},
			wantCode:  llm.CodeAPIError,
			retryable: false,
		},
		{
			name:      "invalid json",
			err:       errors.New("invalid json in response body"),
			wantCode:  llm.CodeInvalidResp,
			retryable: false,
		},
		{
			name:      "unmarshal failure",
			err:       fmt.Errorf("invalid response: %w", errors.New("unexpected end of JSON input")),
			wantCode:  llm.CodeInvalidResp,
			retryable: false,
		},
		{
			name:      "unknown",
			err:       errors.New("something odd happened"),
			wantCode:  llm.CodeUnknown,
			retryable: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pe := llm.Classify(tt.err)
			require.NotNil(t, pe)
			assert.Equal(t, tt.wantCode, pe.Code)
			assert.Equal(t, tt.retryable, pe.Retryable)
			assert.NotEmpty(t, pe.Message)
		})
	}
}

func TestClassify_OrderingWins(t *testing.T) {
	// A 500 whose body mentions a timeout is a timeout, not an API error.
	pe := llm.Classify(&llm.StatusError{StatusCode: 500, Body: "upstream timeout"})
	assert.Equal(t, llm.CodeTimeout, pe.Code)
	assert.True(t, pe.Retryable)
}

func TestClassify_PassesThroughProviderError(t *testing.T) {
	orig := &llm.ProviderError{Code: llm.CodeAuthFailed, Message: "nope", Retryable: false}
	got := llm.Classify(fmt.Errorf("wrapped: %w", orig))
	assert.Same(t, orig, got)
}

func TestClassify_Nil(t *testing.T) {
	assert.Nil(t, llm.Classify(nil))
}

func TestStatusError_TruncatesBody(t *testing.T) {
	body := make([]byte, 500)
	for i := range body {
		body[i] = 'x'
	}
	se := &llm.StatusError{StatusCode: 500, Body: string(body)}
	assert.LessOrEqual(t, len(se.Error()), 250)
	assert.Contains(t, se.Error(), "...")
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, llm.IsRetryable(errors.New("timeout")))
	assert.False(t, llm.IsRetryable(&llm.StatusError{StatusCode: 401}))
	assert.False(t, llm.IsRetryable(nil))
}
