package llm_test

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/singleflight"

	"github.com/c360studio/docpipe/llm"
)

func probeOptions(calls *llm.CallLog) *llm.Options {
	return &llm.Options{
		Logger:  slog.Default(),
		CallLog: calls,
		Retry:   fastRetryConfig(0),
	}
}

func TestRunProbe_Success(t *testing.T) {
	var group singleflight.Group
	calls := llm.NewCallLog()

	res := llm.RunProbe(context.Background(), &group, llm.KindOpenAI, "proj-1", probeOptions(calls),
		func(ctx context.Context) ([]string, error) {
			return []string{"gpt-4o", "gpt-4o-mini"}, nil
		})

	assert.True(t, res.Success)
	assert.Equal(t, llm.StatusConnected, res.Status)
	assert.Equal(t, []string{"gpt-4o", "gpt-4o-mini"}, res.Models)
	assert.False(t, res.Timestamp.IsZero())

	// One merged lifecycle record.
	entries := calls.Entries()
	require.Len(t, entries, 1)
	require.NotNil(t, entries[0].Probe)
	assert.False(t, entries[0].Probe.StartedAt.IsZero())
	assert.False(t, entries[0].Probe.CompletedAt.IsZero())
}

func TestRunProbe_Failure(t *testing.T) {
	var group singleflight.Group
	calls := llm.NewCallLog()

	res := llm.RunProbe(context.Background(), &group, llm.KindGemini, "proj-1", probeOptions(calls),
		func(ctx context.Context) ([]string, error) {
			return nil, &llm.StatusError{StatusCode: 401, Body: "invalid key"}
		})

	assert.False(t, res.Success)
	assert.Equal(t, llm.StatusFailed, res.Status)
	require.NotNil(t, res.Err)
	assert.Equal(t, llm.CodeAuthFailed, res.Err.Code)

	entries := calls.Entries()
	require.Len(t, entries, 1)
	require.NotNil(t, entries[0].Err)
	assert.Equal(t, llm.CodeAuthFailed, entries[0].Err.Code)
}

func TestRunProbe_NoLifecycleWithoutProject(t *testing.T) {
	var group singleflight.Group
	calls := llm.NewCallLog()

	res := llm.RunProbe(context.Background(), &group, llm.KindLMStudio, "", probeOptions(calls),
		func(ctx context.Context) ([]string, error) {
			return []string{"local-model"}, nil
		})

	assert.True(t, res.Success)
	assert.Empty(t, calls.Entries())
}

func TestRunProbe_DeduplicatesOverlappingCalls(t *testing.T) {
	var group singleflight.Group
	var underlying atomic.Int32
	release := make(chan struct{})

	list := func(ctx context.Context) ([]string, error) {
		underlying.Add(1)
		<-release
		return []string{"m"}, nil
	}

	var wg sync.WaitGroup
	results := make([]llm.ConnectionTestResult, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = llm.RunProbe(context.Background(), &group, llm.KindOpenAI, "proj-1", probeOptions(nil), list)
		}(i)
	}

	// Give both goroutines time to reach the singleflight gate.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), underlying.Load())
	assert.True(t, results[0].Success)
	assert.True(t, results[1].Success)
}

func TestRunProbe_DifferentKeysRunIndependently(t *testing.T) {
	var group singleflight.Group
	var underlying atomic.Int32

	list := func(ctx context.Context) ([]string, error) {
		underlying.Add(1)
		return []string{"m"}, nil
	}

	llm.RunProbe(context.Background(), &group, llm.KindOpenAI, "proj-1", probeOptions(nil), list)
	llm.RunProbe(context.Background(), &group, llm.KindGemini, "proj-1", probeOptions(nil), list)
	llm.RunProbe(context.Background(), &group, llm.KindOpenAI, "proj-2", probeOptions(nil), list)

	assert.Equal(t, int32(3), underlying.Load())
}
