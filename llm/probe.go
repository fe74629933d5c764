package llm

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"
)

// ProbeTimeout bounds connectivity probes for hosted backends.
const ProbeTimeout = 10 * time.Second

// RunProbe is the shared connection-test flow for HTTP-based providers: list
// models through the retry executor and fold the outcome into a
// ConnectionTestResult. Overlapping probes for the same provider and project
// are deduplicated through group — the second caller receives the first
// call's eventual result instead of issuing another request.
//
// When projectID is non-empty, the probe lifecycle (start, then success or
// failure merged into the same record) is written to the call log under one
// stable test-run id.
func RunProbe(ctx context.Context, group *singleflight.Group, kind Kind, projectID string, o *Options, list func(ctx context.Context) ([]string, error)) ConnectionTestResult {
	key := fmt.Sprintf("%s/%s", kind, projectID)

	v, _, _ := group.Do(key, func() (any, error) {
		return probeOnce(ctx, kind, projectID, o, list), nil
	})
	return v.(ConnectionTestResult)
}

func probeOnce(ctx context.Context, kind Kind, projectID string, o *Options, list func(ctx context.Context) ([]string, error)) ConnectionTestResult {
	testID := fmt.Sprintf("test-%s-%s", kind, NewEntryID())
	start := time.Now()

	if projectID != "" {
		o.CallLog.ProbeStart(testID, kind, projectID)
	}

	models, err := WithRetry(ctx, o.Retry, func(ctx context.Context) ([]string, error) {
		return list(ctx)
	}, func(attempt int, cause *ProviderError) {
		o.Logger.Debug("connection test retrying",
			"provider", kind, "attempt", attempt, "code", cause.Code)
	})

	if err != nil {
		pe := Classify(err)
		if projectID != "" {
			o.CallLog.ProbeFailure(testID, kind, projectID, pe)
		}
		o.Logger.Warn("connection test failed", "provider", kind, "code", pe.Code, "error", pe.Message)
		return ConnectionTestResult{
			Success:   false,
			Status:    StatusFailed,
			Err:       pe,
			Timestamp: time.Now(),
		}
	}

	latency := time.Since(start)
	if projectID != "" {
		o.CallLog.ProbeSuccess(testID, kind, projectID, latency, models)
	}
	o.Logger.Debug("connection test succeeded",
		"provider", kind, "latency", latency, "models", len(models))

	return ConnectionTestResult{
		Success:   true,
		Status:    StatusConnected,
		Latency:   latency,
		Models:    models,
		Timestamp: time.Now(),
	}
}
