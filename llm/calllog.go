package llm

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// maxLogEntries bounds the in-memory call log (FIFO rotation).
const maxLogEntries = 1000

// LogRequest captures the outbound side of a provider call.
type LogRequest struct {
	Prompt     string         `json:"prompt,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// LogResponse captures the inbound side of a provider call.
type LogResponse struct {
	Content      string      `json:"content,omitempty"`
	Usage        *TokenUsage `json:"usage,omitempty"`
	FinishReason string      `json:"finish_reason,omitempty"`
}

// LogError captures a failed provider call.
type LogError struct {
	Message string    `json:"message"`
	Code    ErrorCode `json:"code,omitempty"`
}

// ProbeEvent records one phase of a connection-test lifecycle.
type ProbeEvent struct {
	ProjectID   string        `json:"project_id"`
	StartedAt   time.Time     `json:"started_at,omitempty"`
	CompletedAt time.Time     `json:"completed_at,omitempty"`
	Latency     time.Duration `json:"latency,omitempty"`
	Models      []string      `json:"models,omitempty"`
}

// LogEntry is one record in the call log. Entries are created on the first
// event for an id and merged in place on later events, so a probe's start
// and outcome share one record.
type LogEntry struct {
	ID        string       `json:"id"`
	Timestamp time.Time    `json:"timestamp"`
	Provider  Kind         `json:"provider"`
	Model     string       `json:"model,omitempty"`
	Request   *LogRequest  `json:"request,omitempty"`
	Response  *LogResponse `json:"response,omitempty"`
	Err       *LogError    `json:"error,omitempty"`
	Probe     *ProbeEvent  `json:"probe,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
}

// CallLog is a thread-safe in-memory log of provider calls and connection
// probes with FIFO rotation. It is constructed explicitly and injected into
// the dispatch layer; there is no package-level instance.
type CallLog struct {
	mu      sync.Mutex
	entries map[string]*LogEntry
	order   []string
}

// NewCallLog creates an empty call log.
func NewCallLog() *CallLog {
	return &CallLog{entries: make(map[string]*LogEntry)}
}

// NewEntryID returns a fresh log entry id.
func NewEntryID() string {
	return uuid.New().String()
}

// Request records the outbound side of a call under id, masking key-like
// parameter values.
func (l *CallLog) Request(id string, provider Kind, model string, req LogRequest) {
	if l == nil {
		return
	}
	req.Parameters = maskParameters(req.Parameters)
	l.upsert(id, provider, model, func(e *LogEntry) {
		e.Request = &req
	})
}

// Response records the inbound side of a call, merging into the entry
// created by Request when present.
func (l *CallLog) Response(id string, provider Kind, model string, resp LogResponse, duration time.Duration) {
	if l == nil {
		return
	}
	l.upsert(id, provider, model, func(e *LogEntry) {
		e.Response = &resp
		e.Duration = duration
	})
}

// Error records a failed call, merging into the existing entry when present.
func (l *CallLog) Error(id string, provider Kind, model string, logErr LogError) {
	if l == nil {
		return
	}
	l.upsert(id, provider, model, func(e *LogEntry) {
		e.Err = &logErr
	})
}

// ProbeStart records the beginning of a connection test.
func (l *CallLog) ProbeStart(id string, provider Kind, projectID string) {
	if l == nil {
		return
	}
	l.upsert(id, provider, "", func(e *LogEntry) {
		e.Probe = &ProbeEvent{ProjectID: projectID, StartedAt: time.Now()}
	})
}

// ProbeSuccess merges a successful probe outcome into the start entry.
func (l *CallLog) ProbeSuccess(id string, provider Kind, projectID string, latency time.Duration, models []string) {
	if l == nil {
		return
	}
	l.upsert(id, provider, "", func(e *LogEntry) {
		if e.Probe == nil {
			e.Probe = &ProbeEvent{ProjectID: projectID}
		}
		e.Probe.CompletedAt = time.Now()
		e.Probe.Latency = latency
		e.Probe.Models = models
	})
}

// ProbeFailure merges a failed probe outcome into the start entry.
func (l *CallLog) ProbeFailure(id string, provider Kind, projectID string, pe *ProviderError) {
	if l == nil {
		return
	}
	l.upsert(id, provider, "", func(e *LogEntry) {
		if e.Probe == nil {
			e.Probe = &ProbeEvent{ProjectID: projectID}
		}
		e.Probe.CompletedAt = time.Now()
		e.Err = &LogError{Message: pe.Message, Code: pe.Code}
	})
}

// Entries returns all log entries in insertion order.
func (l *CallLog) Entries() []*LogEntry {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]*LogEntry, 0, len(l.order))
	for _, id := range l.order {
		if e, ok := l.entries[id]; ok {
			copied := *e
			out = append(out, &copied)
		}
	}
	return out
}

// Clear drops all entries.
func (l *CallLog) Clear() {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = make(map[string]*LogEntry)
	l.order = nil
}

func (l *CallLog) upsert(id string, provider Kind, model string, update func(*LogEntry)) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[id]
	if !ok {
		entry = &LogEntry{
			ID:        id,
			Timestamp: time.Now(),
			Provider:  provider,
			Model:     model,
		}
		l.entries[id] = entry
		l.order = append(l.order, id)

		if len(l.order) > maxLogEntries {
			oldest := l.order[0]
			l.order = l.order[1:]
			delete(l.entries, oldest)
		}
	}
	if model != "" && entry.Model == "" {
		entry.Model = model
	}
	update(entry)
}

// maskParameters masks values whose key suggests a credential.
func maskParameters(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	masked := make(map[string]any, len(params))
	for key, value := range params {
		lower := strings.ToLower(key)
		if strings.Contains(lower, "key") || strings.Contains(lower, "secret") || strings.Contains(lower, "token") {
			masked[key] = maskSecret(value)
			continue
		}
		masked[key] = value
	}
	return masked
}

func maskSecret(value any) string {
	s, ok := value.(string)
	if !ok || len(s) <= 10 {
		return "***"
	}
	return s[:3] + "***" + s[len(s)-3:]
}
