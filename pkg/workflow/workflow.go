// Package workflow implements C10 (the top-level engine driver) and C12
// (the error classifier/report assembly), plus the job-registry and
// result-aggregation conveniences SPEC_FULL.md adds on top of the
// blocking execute(config, env_source, cancellation) -> WorkflowReport
// contract (§6). Grounded on probe/executor.go's Executor/Job/executeJob
// driver (job registry, semaphore-free here since pkg/phase owns its own
// concurrency bound) and probe/reporter.go's best-effort webhook POST and
// ResultAggregator.
package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yourorg/workflow-core/pkg/envresolve"
	"github.com/yourorg/workflow-core/pkg/httpstep"
	"github.com/yourorg/workflow-core/pkg/phase"
	"github.com/yourorg/workflow-core/pkg/plan"
	"github.com/yourorg/workflow-core/pkg/wfconfig"
	"github.com/yourorg/workflow-core/pkg/wfstate"
)

// WorkflowReport is the stable schema §6 defines, returned by Execute.
type WorkflowReport struct {
	WorkflowName    string                         `json:"workflow_name"`
	Status          string                         `json:"status"`
	TotalDurationMS int64                          `json:"total_duration_ms"`
	TotalSteps      int                            `json:"total_steps"`
	SuccessfulSteps int                             `json:"successful_steps"`
	FailedSteps     int                             `json:"failed_steps"`
	SkippedSteps    int                             `json:"skipped_steps"`
	StepResults     map[string]wfstate.StepResult `json:"step_results"`
	FinalVariables  map[string]interface{}        `json:"final_variables"`
}

const (
	reportStatusCompleted = "completed"
	reportStatusFailed    = "failed"
)

// Engine runs workflows and tracks in-flight/completed runs. A single
// Engine is meant to be shared across many Execute/Submit calls so its
// httpstep.Client amortizes connection pooling (§5).
type Engine struct {
	logger     *zap.Logger
	client     *httpstep.Client
	webhookCli *http.Client

	// Aggregator retains a bounded history of completed reports across
	// every Execute/Submit call this Engine makes, for a long-lived
	// caller (e.g. a CLI's `history` command or a library consumer
	// polling trends) to inspect without threading its own storage
	// through the engine.
	Aggregator *ReportAggregator

	mu   sync.RWMutex
	jobs map[string]*job
}

// job is the Submit/Status/Cancel/Wait bookkeeping record for one
// in-flight or completed run, mirroring probe/executor.go's Job.
type job struct {
	id         string
	cfg        *wfconfig.WorkflowConfig
	cancel     context.CancelFunc
	done       chan struct{}
	report     *WorkflowReport
	err        error
	startedAt  time.Time
}

// NewEngine builds an Engine. A nil logger is replaced with a no-op one so
// callers never need a nil check of their own.
func NewEngine(logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		logger:     logger,
		client:     httpstep.NewClient(),
		webhookCli: &http.Client{Timeout: 5 * time.Second},
		Aggregator: NewReportAggregator(0),
		jobs:       make(map[string]*job),
	}
}

// Execute is the blocking §6 contract: execute(config, env_source,
// cancellation) -> WorkflowReport. A non-nil error here means the
// workflow never started a single phase (validation failed, or the
// dependency graph doesn't resolve) — scenario 6's cycle case returns
// this way, with no HTTP call ever issued. Once phases start, Execute
// never returns an error: every outcome, including every step's failure,
// is folded into the returned WorkflowReport (§7: "the engine raises no
// exception to the caller — failure is a data outcome").
func (e *Engine) Execute(ctx context.Context, cfg *wfconfig.WorkflowConfig, env envresolve.EnvSource) (*WorkflowReport, error) {
	resolvedCfg, resolvedVars, err := e.resolveConfig(cfg, env)
	if err != nil {
		return nil, err
	}

	if err := resolvedCfg.Validate(); err != nil {
		return nil, wfstate.Wrap(wfstate.KindConfigError, err, "%s", err.Error())
	}

	p, err := plan.Build(resolvedCfg)
	if err != nil {
		return nil, wfstate.Wrap(wfstate.KindConfigError, err, "%s", err.Error())
	}

	start := time.Now()
	state := wfstate.New(resolvedVars)
	envSnapshot := envresolve.SnapshotAll(env)

	deps := phase.Deps{
		Client:          e.client,
		WorkflowAPIBase: resolvedCfg.APIBase,
		WorkflowAuth:    resolvedCfg.Auth,
		Env:             envSnapshot,
		State:           state,
	}

	e.logger.Info("workflow execution starting",
		zap.String("workflow_name", resolvedCfg.Name),
		zap.Int("phases", len(p.Phases)),
		zap.Int("steps", len(resolvedCfg.Steps)))

	for i, ph := range p.Phases {
		fatal, phaseErr := phase.Run(ctx, i, ph, deps)
		if fatal {
			e.logger.Warn("phase failed, aborting remaining phases",
				zap.String("workflow_name", resolvedCfg.Name),
				zap.Int("phase", i),
				zap.Error(phaseErr))
			break
		}
	}

	report := assembleReport(resolvedCfg.Name, start, resolvedCfg.Steps, state)

	if e.Aggregator != nil {
		e.Aggregator.Add(uuid.New().String(), report)
	}

	e.reportMonitoring(ctx, resolvedCfg, report)

	e.logger.Info("workflow execution finished",
		zap.String("workflow_name", resolvedCfg.Name),
		zap.String("status", report.Status),
		zap.Int64("duration_ms", report.TotalDurationMS),
		zap.Int("failed_steps", report.FailedSteps))

	return report, nil
}

// resolveConfig applies C11 to the workflow's auth (top-level and every
// step override) and seed variables, returning a new WorkflowConfig —
// the caller's cfg is never mutated (§9: pass state explicitly, avoid
// module-level/in-place mutation of shared config).
func (e *Engine) resolveConfig(cfg *wfconfig.WorkflowConfig, env envresolve.EnvSource) (*wfconfig.WorkflowConfig, map[string]interface{}, error) {
	resolved := *cfg

	resolvedAuth, err := envresolve.ResolveAuth(cfg.Auth, env, envresolve.Strict)
	if err != nil {
		return nil, nil, err
	}
	resolved.Auth = resolvedAuth

	resolvedVars, err := envresolve.ResolveVariables(cfg.Variables, env, envresolve.Strict)
	if err != nil {
		return nil, nil, err
	}
	resolved.Variables = resolvedVars

	steps := make([]wfconfig.StepConfig, len(cfg.Steps))
	for i, s := range cfg.Steps {
		steps[i] = s
		if s.Auth != nil {
			resolvedStepAuth, err := envresolve.ResolveAuth(s.Auth, env, envresolve.Strict)
			if err != nil {
				return nil, nil, fmt.Errorf("step %q: %w", s.Name, err)
			}
			steps[i].Auth = resolvedStepAuth
		}
	}
	resolved.Steps = steps

	return &resolved, resolvedVars, nil
}

// assembleReport builds the §6 report schema from the final state. Status
// is "failed" if any step ended in StatusFailure (skipped steps whose
// continue_on_error downgraded a failure do not count against it).
func assembleReport(name string, start time.Time, steps []wfconfig.StepConfig, state *wfstate.WorkflowState) *WorkflowReport {
	results := state.Results()
	report := &WorkflowReport{
		WorkflowName:    name,
		TotalDurationMS: time.Since(start).Milliseconds(),
		TotalSteps:      len(steps),
		StepResults:     results,
		FinalVariables:  state.Variables(),
		Status:          reportStatusCompleted,
	}

	for _, r := range results {
		switch r.Status {
		case wfstate.StatusSuccess:
			report.SuccessfulSteps++
		case wfstate.StatusSkipped:
			report.SkippedSteps++
		case wfstate.StatusFailure:
			report.FailedSteps++
			report.Status = reportStatusFailed
		}
	}

	return report
}

// webhookPayload is the body POSTed to monitoring.webhook_url (§6).
type webhookPayload struct {
	WorkflowName string      `json:"workflow_name"`
	Status       string      `json:"status"`
	Timestamp    string      `json:"timestamp"`
	Summary      interface{} `json:"summary"`
}

// reportMonitoring performs the best-effort webhook POST. Grounded on
// probe/reporter.go's sendReport: failures are logged, never propagated,
// and a workflow with no monitoring configured is a silent no-op.
func (e *Engine) reportMonitoring(ctx context.Context, cfg *wfconfig.WorkflowConfig, report *WorkflowReport) {
	if cfg.Monitoring == nil || cfg.Monitoring.WebhookURL == "" {
		return
	}
	if cfg.Monitoring.FailureAlert && report.Status != reportStatusFailed {
		return
	}

	payload := webhookPayload{
		WorkflowName: report.WorkflowName,
		Status:       report.Status,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		Summary: map[string]int{
			"total_steps":      report.TotalSteps,
			"successful_steps": report.SuccessfulSteps,
			"failed_steps":     report.FailedSteps,
			"skipped_steps":    report.SkippedSteps,
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		e.logger.Error("failed to marshal monitoring webhook payload",
			zap.String("workflow_name", report.WorkflowName), zap.Error(err))
		return
	}

	webhookCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(webhookCtx, http.MethodPost, cfg.Monitoring.WebhookURL, bytes.NewReader(body))
	if err != nil {
		e.logger.Error("failed to build monitoring webhook request",
			zap.String("workflow_name", report.WorkflowName), zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.webhookCli.Do(req)
	if err != nil {
		e.logger.Error("monitoring webhook delivery failed",
			zap.String("workflow_name", report.WorkflowName), zap.Error(err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		e.logger.Error("monitoring webhook rejected report",
			zap.String("workflow_name", report.WorkflowName),
			zap.Int("status_code", resp.StatusCode))
	}
}

// Submit starts a workflow asynchronously and returns a run ID a caller
// polls with Status/Wait, layered over the same Execute path (§6's one
// blocking call is Submit followed by Wait). This does not add durable
// execution — a Submit'd run only exists for this Engine's process
// lifetime (SPEC_FULL.md's job-registry supplement, not part of the
// core's stable contract).
func (e *Engine) Submit(cfg *wfconfig.WorkflowConfig, env envresolve.EnvSource) string {
	runCtx, cancel := context.WithCancel(context.Background())
	id := uuid.New().String()

	j := &job{
		id:        id,
		cfg:       cfg,
		cancel:    cancel,
		done:      make(chan struct{}),
		startedAt: time.Now(),
	}

	e.mu.Lock()
	e.jobs[id] = j
	e.mu.Unlock()

	go func() {
		defer close(j.done)
		report, err := e.Execute(runCtx, cfg, env)
		j.report = report
		j.err = err
	}()

	return id
}

// Status returns the run's report if it has finished, or (nil, false, nil)
// if it is still in flight. A run that failed during preflight validation
// returns its error instead of a report.
func (e *Engine) Status(runID string) (*WorkflowReport, bool, error) {
	e.mu.RLock()
	j, ok := e.jobs[runID]
	e.mu.RUnlock()
	if !ok {
		return nil, false, fmt.Errorf("workflow: unknown run %q", runID)
	}

	select {
	case <-j.done:
		return j.report, true, j.err
	default:
		return nil, false, nil
	}
}

// Cancel requests cancellation of an in-flight run. Cancelling an already
// finished run is a no-op that returns nil; an unknown run ID returns an
// error, matching Status's not-found shape rather than panicking.
func (e *Engine) Cancel(runID string) error {
	e.mu.RLock()
	j, ok := e.jobs[runID]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("workflow: unknown run %q", runID)
	}
	j.cancel()
	return nil
}

// Wait blocks until the run finishes (or ctx is cancelled first) and
// returns its report.
func (e *Engine) Wait(ctx context.Context, runID string) (*WorkflowReport, error) {
	e.mu.RLock()
	j, ok := e.jobs[runID]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("workflow: unknown run %q", runID)
	}

	select {
	case <-j.done:
		return j.report, j.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cleanup drops finished runs older than maxAge from the in-memory
// registry, matching probe/executor.go's Cleanup eviction.
func (e *Engine) Cleanup(maxAge time.Duration) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for id, j := range e.jobs {
		select {
		case <-j.done:
			if j.startedAt.Before(cutoff) {
				delete(e.jobs, id)
				removed++
			}
		default:
		}
	}
	return removed
}
