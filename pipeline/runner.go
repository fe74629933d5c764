package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/docpipe/llm"
)

// errStageFailed marks a stage failure that has already been persisted, as
// opposed to an infrastructure error talking to the store.
var errStageFailed = errors.New("stage failed")

// Runner executes pipelines stage by stage against the project's configured
// LLM provider. Pause and cancel requests are honored at stage boundaries:
// the runner re-reads persisted status before starting each stage, so a
// stage that is already generating runs to completion.
type Runner struct {
	store    Store
	tasks    TaskStore
	settings SettingsStore

	retry       llm.RetryConfig
	logger      *slog.Logger
	workDir     string
	provOpts    []llm.Option
	newProvider func(kind llm.Kind, s llm.Settings) (llm.Provider, error)
}

// RunnerOption customizes a Runner.
type RunnerOption func(*Runner)

// WithRunnerLogger sets the structured logger.
func WithRunnerLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = l }
}

// WithRunnerRetryConfig overrides the retry policy for provider calls.
func WithRunnerRetryConfig(cfg llm.RetryConfig) RunnerOption {
	return func(r *Runner) { r.retry = cfg }
}

// WithWorkDir sets the working directory passed to subprocess providers.
func WithWorkDir(dir string) RunnerOption {
	return func(r *Runner) { r.workDir = dir }
}

// WithProviderOptions passes options through to constructed providers.
func WithProviderOptions(opts ...llm.Option) RunnerOption {
	return func(r *Runner) { r.provOpts = opts }
}

// WithProviderFactory replaces provider construction, used by tests to
// inject mocks.
func WithProviderFactory(f func(kind llm.Kind, s llm.Settings) (llm.Provider, error)) RunnerOption {
	return func(r *Runner) { r.newProvider = f }
}

// NewRunner creates a Runner over the given stores.
func NewRunner(store Store, tasks TaskStore, settings SettingsStore, opts ...RunnerOption) *Runner {
	r := &Runner{
		store:    store,
		tasks:    tasks,
		settings: settings,
		retry:    llm.DefaultRetryConfig(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.newProvider == nil {
		r.newProvider = func(kind llm.Kind, s llm.Settings) (llm.Provider, error) {
			s.Kind = kind
			return llm.New(s, r.provOpts...)
		}
	}
	return r
}

// Run starts or resumes the pipeline for the task. An existing non-terminal
// pipeline is resumed from its first incomplete stage; otherwise a new one
// is created. The returned pipeline reflects the state at return: completed,
// failed, paused, or cancelled.
func (r *Runner) Run(ctx context.Context, taskID, qaSessionID string) (*Pipeline, error) {
	task, err := r.tasks.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", taskID, err)
	}

	p, err := r.store.GetByTaskID(ctx, taskID)
	switch {
	case err == ErrNotFound || (err == nil && p.Status.Terminal()):
		p = NewPipeline(taskID, qaSessionID)
		if err := r.store.Create(ctx, p); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	}

	return r.execute(ctx, p, task)
}

// Resume continues a paused pipeline.
func (r *Runner) Resume(ctx context.Context, pipelineID string) (*Pipeline, error) {
	p, err := r.store.GetByID(ctx, pipelineID)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusPaused {
		return nil, fmt.Errorf("pipeline %s is %s, not paused", p.ID, p.Status)
	}
	task, err := r.tasks.GetTask(ctx, p.TaskID)
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", p.TaskID, err)
	}
	return r.execute(ctx, p, task)
}

// Pause requests a pause. The running stage finishes; the next stage will
// not start.
func (r *Runner) Pause(ctx context.Context, pipelineID string) (*Pipeline, error) {
	p, err := r.store.GetByID(ctx, pipelineID)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusRunning {
		return nil, fmt.Errorf("pipeline %s is %s, not running", p.ID, p.Status)
	}
	return r.store.UpdateStatus(ctx, pipelineID, StatusPaused, "")
}

// Cancel terminates a non-terminal pipeline.
func (r *Runner) Cancel(ctx context.Context, pipelineID string) (*Pipeline, error) {
	p, err := r.store.GetByID(ctx, pipelineID)
	if err != nil {
		return nil, err
	}
	if p.Status.Terminal() {
		return nil, fmt.Errorf("pipeline %s is already %s", p.ID, p.Status)
	}
	return r.store.UpdateStatus(ctx, pipelineID, StatusCancelled, "")
}

// RetryStage resets a failed stage and resumes execution from it. The
// stage's error is cleared when the retry succeeds.
func (r *Runner) RetryStage(ctx context.Context, pipelineID, stage string) (*Pipeline, error) {
	p, err := r.store.GetByID(ctx, pipelineID)
	if err != nil {
		return nil, err
	}
	st := p.Stage(stage)
	if st == nil {
		return nil, fmt.Errorf("pipeline %s: unknown stage %q", p.ID, stage)
	}
	if st.Status != StageFailed {
		return nil, fmt.Errorf("pipeline %s: stage %s is %s, not failed", p.ID, stage, st.Status)
	}

	st.Status = StagePending
	st.Progress = 0
	st.Error = ""
	st.RetryCount = 0
	st.StartedAt = nil
	st.CompletedAt = nil
	p.Error = ""
	p.Status = StatusPending
	p.CompletedAt = nil
	p.Progress = p.ComputeProgress()
	if err := r.store.Save(ctx, p); err != nil {
		return nil, err
	}

	task, err := r.tasks.GetTask(ctx, p.TaskID)
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", p.TaskID, err)
	}
	return r.execute(ctx, p, task)
}

func (r *Runner) execute(ctx context.Context, p *Pipeline, task *Task) (*Pipeline, error) {
	var qa *QASession
	if p.QASessionID != "" {
		var err error
		qa, err = r.tasks.GetQASession(ctx, p.QASessionID)
		if err != nil && err != ErrNotFound {
			return nil, fmt.Errorf("load qa session %s: %w", p.QASessionID, err)
		}
	}
	settings, err := GetOrDefault(ctx, r.settings, task.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	// The running transition is carried in memory and persisted by the
	// first stage save. A resume from paused is the exception: the stored
	// pause request must be cleared before the boundary check re-reads it.
	if p.Status == StatusPaused {
		p, err = r.store.UpdateStatus(ctx, p.ID, StatusRunning, "")
		if err != nil {
			return nil, err
		}
	} else {
		applyStatus(p, StatusRunning, "")
	}
	r.logger.Info("pipeline running",
		"pipeline_id", p.ID,
		"task_id", p.TaskID,
		"next_stage", p.NextStage())

	for stage := p.NextStage(); stage != ""; stage = p.NextStage() {
		if halted, err := r.checkHalt(ctx, p.ID); halted != "" || err != nil {
			if err != nil {
				return nil, err
			}
			return r.halt(ctx, p.ID, halted)
		}

		if err := r.runStage(ctx, p, task, qa, settings, stage); err != nil {
			if errors.Is(err, errStageFailed) {
				runsTotal.WithLabelValues(string(StatusFailed)).Inc()
				// failStage already persisted the terminal state; report
				// it through the entity rather than a Go error.
				return p, nil
			}
			return nil, err
		}
	}

	applyStatus(p, StatusCompleted, "")
	if err := r.store.Save(ctx, p); err != nil {
		return nil, err
	}
	runsTotal.WithLabelValues(string(StatusCompleted)).Inc()
	r.logger.Info("pipeline completed", "pipeline_id", p.ID, "task_id", p.TaskID)
	return p, nil
}

// checkHalt re-reads persisted status so pause and cancel requests made
// through another process are honored, and maps context cancellation to a
// cancel request.
func (r *Runner) checkHalt(ctx context.Context, id string) (Status, error) {
	if ctx.Err() != nil {
		return StatusCancelled, nil
	}
	stored, err := r.store.GetByID(ctx, id)
	if err != nil {
		return "", err
	}
	switch stored.Status {
	case StatusPaused:
		return StatusPaused, nil
	case StatusCancelled:
		return StatusCancelled, nil
	}
	return "", nil
}

func (r *Runner) halt(ctx context.Context, id string, status Status) (*Pipeline, error) {
	runsTotal.WithLabelValues(string(status)).Inc()
	r.logger.Info("pipeline halted", "pipeline_id", id, "status", status)
	if status == StatusPaused {
		// Already persisted by Pause; just return the stored state.
		return r.store.GetByID(ctx, id)
	}
	return r.store.UpdateStatus(ctx, id, status, "")
}

func (r *Runner) runStage(ctx context.Context, p *Pipeline, task *Task, qa *QASession, settings *ProjectSettings, stage string) error {
	st := p.Stage(stage)
	now := time.Now()
	st.Status = StageRunning
	st.StartedAt = &now
	st.Progress = 0
	p.CurrentStage = &stage
	p.Progress = p.ComputeProgress()

	kind, cfg := settings.StageConfig(stage)
	provider, err := r.newProvider(kind, settings.ProviderSettings(kind))
	if err != nil {
		return r.failStage(ctx, p, stage, fmt.Sprintf("create %s provider: %v", kind, err), 0)
	}

	prompt, err := StagePrompt(stage, task, qa)
	if err != nil {
		return r.failStage(ctx, p, stage, err.Error(), 0)
	}

	r.logger.Info("stage started",
		"pipeline_id", p.ID,
		"stage", stage,
		"provider", kind,
		"model", cfg.Model)

	retries := 0
	onRetry := func(attempt int, cause *llm.ProviderError) {
		retries++
		stageRetries.WithLabelValues(stage, string(cause.Code)).Inc()
		r.logger.Warn("stage retrying",
			"pipeline_id", p.ID,
			"stage", stage,
			"retry", attempt,
			"code", cause.Code,
			"error", cause.Message)
	}
	result, genErr := llm.WithRetry(ctx, r.retry, func(ctx context.Context) (llm.Result, error) {
		res := provider.Generate(ctx, prompt, cfg, r.workDir)
		if !res.Success {
			if res.Err != nil {
				return res, res.Err
			}
			return res, fmt.Errorf("provider returned no content")
		}
		return res, nil
	}, onRetry)

	st.RetryCount = retries
	if genErr != nil {
		providerCalls.WithLabelValues(string(kind), "error").Inc()
		stageDuration.WithLabelValues(stage, string(StageFailed)).Observe(time.Since(now).Seconds())
		return r.failStage(ctx, p, stage, genErr.Error(), retries)
	}
	providerCalls.WithLabelValues(string(kind), "success").Inc()

	done := time.Now()
	st.Status = StageCompleted
	st.Progress = 100
	st.Output = result.Content
	st.CompletedAt = &done
	p.CurrentStage = nil
	p.Progress = p.ComputeProgress()

	if err := task.SetStageOutput(stage, result.Content); err != nil {
		return err
	}
	if err := r.tasks.SaveTask(ctx, task); err != nil {
		return fmt.Errorf("save task %s: %w", task.ID, err)
	}
	// Carry over a pause or cancel requested while the stage was
	// generating, so this save doesn't clobber it.
	if stored, err := r.store.GetByID(ctx, p.ID); err == nil {
		switch stored.Status {
		case StatusPaused, StatusCancelled:
			p.Status = stored.Status
		}
	}
	if err := r.store.Save(ctx, p); err != nil {
		return err
	}

	stageDuration.WithLabelValues(stage, string(StageCompleted)).Observe(time.Since(now).Seconds())
	r.logger.Info("stage completed",
		"pipeline_id", p.ID,
		"stage", stage,
		"retries", retries,
		"duration", done.Sub(now))
	return nil
}

// failStage records the failure on the stage and pipeline and persists the
// terminal state. It returns errStageFailed on success, or the store error.
func (r *Runner) failStage(ctx context.Context, p *Pipeline, stage, msg string, retries int) error {
	st := p.Stage(stage)
	now := time.Now()
	st.Status = StageFailed
	st.Error = msg
	st.RetryCount = retries
	st.CompletedAt = &now
	p.CurrentStage = nil
	p.Error = fmt.Sprintf("stage %s: %s", stage, msg)
	p.Progress = p.ComputeProgress()
	p.Status = StatusFailed
	p.CompletedAt = &now
	if err := r.store.Save(ctx, p); err != nil {
		return err
	}
	r.logger.Error("stage failed",
		"pipeline_id", p.ID,
		"stage", stage,
		"retries", retries,
		"error", msg)
	return errStageFailed
}
