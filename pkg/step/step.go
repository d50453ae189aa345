// Package step implements C8: executing one StepConfig end to end by
// composing render (C2), auth (C3), httpstep (C4), retry (C5), and poll
// (C6), then committing the outcome into WorkflowState exactly once.
// Grounded on probe/executor.go's executeStep (condition check → timeout
// context → retry loop → result assembly), re-targeted from exec.Cmd
// invocation to templated HTTP calls.
package step

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/yourorg/workflow-core/pkg/auth"
	"github.com/yourorg/workflow-core/pkg/httpstep"
	"github.com/yourorg/workflow-core/pkg/poll"
	"github.com/yourorg/workflow-core/pkg/render"
	"github.com/yourorg/workflow-core/pkg/retry"
	"github.com/yourorg/workflow-core/pkg/wfconfig"
	"github.com/yourorg/workflow-core/pkg/wfstate"
)

// Run executes cfg within phaseIndex and records its outcome into state.
// The returned bool reports whether the failure is fatal to the workflow
// (§4.8: continue_on_error=true downgrades a failure to a skip that
// dependents treat as satisfied; false makes the failure fatal, the
// recorded error keeps its underlying kind, and the caller must abort the
// phase and any subsequent ones).
func Run(ctx context.Context, client *httpstep.Client, phaseIndex int, cfg wfconfig.StepConfig, workflowAPIBase string, workflowAuth *wfconfig.AuthConfig, env map[string]string, state *wfstate.WorkflowState) (wfstate.StepResult, bool) {
	start := time.Now()

	finish := func(status wfstate.StepStatus, attempts int, value json.RawMessage, err *wfstate.EngineError) (wfstate.StepResult, bool) {
		if err != nil {
			err = err.WithStep(cfg.Name, phaseIndex)
		}
		result := wfstate.StepResult{
			Name:      cfg.Name,
			Status:    status,
			Attempts:  attempts,
			Duration:  time.Since(start),
			Value:     value,
			Error:     err,
			StartedAt: start,
			EndedAt:   time.Now(),
		}
		_ = state.PutResult(result)
		if status.Terminal() && cfg.OutputKey != "" {
			state.BindVariable(cfg.OutputKey, decodeForBinding(value))
		}
		fatal := status == wfstate.StatusFailure
		return result, fatal
	}

	if ctx.Err() != nil {
		// §3: attempts is always >= 1, even when cancellation pre-empts the
		// step before any HTTP work starts.
		return finish(wfstate.StatusFailure, 1, nil, wfstate.NewEngineError(wfstate.KindCancelled, "cancelled before step started"))
	}

	// failureStatus downgrades a failure to "skipped" when continue_on_error
	// is set (§4.8): dependents then treat this step as satisfied.
	failureStatus := func() wfstate.StepStatus {
		if cfg.ContinueOnError {
			return wfstate.StatusSkipped
		}
		return wfstate.StatusFailure
	}

	// cancelledStatus never honors continue_on_error (§5: cancellation
	// always records status=failure, kind Cancelled, and aborts the
	// workflow outright — it is not an ordinary per-step failure the
	// author opted to tolerate).
	cancelledStatus := func(err *wfstate.EngineError) wfstate.StepStatus {
		if err != nil && err.Kind == wfstate.KindCancelled {
			return wfstate.StatusFailure
		}
		return failureStatus()
	}

	renderCtx := render.Context{
		Variables: state.Variables(),
		Steps:     state.StepsSnapshot(),
		Env:       env,
	}

	if cfg.Payload != nil && cfg.PayloadTemplate != "" {
		return finish(failureStatus(), 1, nil,
			wfstate.NewEngineError(wfstate.KindConfigError, "step %q: payload and payload_template are mutually exclusive", cfg.Name))
	}

	effectiveAuth := cfg.Auth
	if effectiveAuth == nil {
		effectiveAuth = workflowAuth
	}
	authHeaders, authErr := auth.Headers(effectiveAuth)
	if authErr != nil {
		return finish(failureStatus(), 1, nil, wfstate.AsEngineError(authErr))
	}

	endpoint := render.Render(cfg.Endpoint, renderCtx)
	base := workflowAPIBase
	if cfg.APIBase != "" {
		base = cfg.APIBase
	}
	url := joinURL(base, endpoint)

	headers := make(map[string]string, len(cfg.Headers))
	for k, v := range cfg.Headers {
		headers[k] = render.Render(v, renderCtx)
	}
	headers = auth.Merge(headers, authHeaders)

	var body []byte
	if cfg.PayloadTemplate != "" {
		rendered, err := render.RenderJSON(cfg.PayloadTemplate, renderCtx)
		if err != nil {
			return finish(failureStatus(), 1, nil,
				wfstate.Wrap(wfstate.KindTemplateError, err, "step %q: payload_template did not render to valid JSON", cfg.Name))
		}
		body = rendered
	} else if cfg.Payload != nil {
		b, err := json.Marshal(cfg.Payload)
		if err != nil {
			return finish(failureStatus(), 1, nil,
				wfstate.Wrap(wfstate.KindConfigError, err, "step %q: payload does not marshal to JSON", cfg.Name))
		}
		body = b
	}

	attemptTimeout := cfg.Timeout.AsDuration()
	if cfg.Retry.Timeout.AsDuration() > 0 {
		attemptTimeout = cfg.Retry.Timeout.AsDuration()
	}

	result := retry.Run(ctx, cfg.Retry, func(ctx context.Context, attempt int) (interface{}, *wfstate.EngineError) {
		req := httpstep.Request{
			Method:  string(cfg.Method),
			URL:     url,
			Headers: headers,
			Body:    body,
			Timeout: attemptTimeout,
		}
		return client.Do(ctx, req)
	})

	if result.Err != nil {
		return finish(cancelledStatus(result.Err), result.Attempts, nil, result.Err)
	}

	submission := result.Value.(*httpstep.Attempt)
	rawValue := submission.Value

	if cfg.Poll != nil {
		pollCtx := mergeSubmission(renderCtx, cfg.Name, submission.Value)
		attempt, _, pollErr := poll.Poll(ctx, *cfg.Poll, cfg.Retry, client, pollCtx, headers, base)
		if pollErr != nil {
			return finish(cancelledStatus(pollErr), result.Attempts, nil, pollErr)
		}

		var decoded interface{}
		_ = json.Unmarshal(attempt.Value, &decoded)
		if cfg.Poll.ResultField != "" {
			if v, ok := extractPath(decoded, cfg.Poll.ResultField); ok {
				decoded = v
			} else {
				decoded = nil
			}
		}
		b, err := json.Marshal(decoded)
		if err != nil {
			return finish(failureStatus(), result.Attempts, nil,
				wfstate.Wrap(wfstate.KindTemplateError, err, "step %q: polled result_field value does not marshal to JSON", cfg.Name))
		}
		rawValue = b
	}

	// response_transform (§4.8 step 6) runs against whichever response ends
	// up being this step's terminal one — the submission's own body when
	// there's no polling block, or the polled result when there is, so its
	// output always reaches extract_fields instead of being silently
	// discarded by a later poll.
	finalValue := rawValue
	if cfg.ResponseTransform != "" {
		transformed := render.Render(cfg.ResponseTransform, mergeSubmission(renderCtx, cfg.Name, rawValue))
		var probe interface{}
		if json.Unmarshal([]byte(transformed), &probe) == nil {
			finalValue = json.RawMessage(transformed)
		} else {
			b, _ := json.Marshal(transformed)
			finalValue = json.RawMessage(b)
		}
	}

	finalValue = applyExtractFields(finalValue, cfg.ExtractFields)

	return finish(wfstate.StatusSuccess, result.Attempts, finalValue, nil)
}

// mergeSubmission extends ctx's "steps" branch with this step's own
// in-flight value, so a poll endpoint template can reference
// {{ steps.<this_step>.value.job_id }} before the step has committed a
// StepResult (§4.6), and so response_transform can reference its own
// step's (possibly polled) response the same way.
func mergeSubmission(ctx render.Context, stepName string, submissionValue json.RawMessage) render.Context {
	steps := make(map[string]interface{}, len(ctx.Steps)+1)
	for k, v := range ctx.Steps {
		steps[k] = v
	}
	var decoded interface{}
	_ = json.Unmarshal(submissionValue, &decoded)
	steps[stepName] = map[string]interface{}{
		"status": "running",
		"value":  decoded,
	}
	return render.Context{Variables: ctx.Variables, Steps: steps, Env: ctx.Env}
}

// applyExtractFields merges the dotted-path extractions into the decoded
// result object, overwriting on key collision (§9 open question, resolved
// for determinism). A non-object result is returned unchanged — there is
// nothing to merge extracted keys into.
func applyExtractFields(raw json.RawMessage, fields map[string]string) json.RawMessage {
	if len(fields) == 0 {
		return raw
	}
	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return raw
	}
	obj, ok := decoded.(map[string]interface{})
	if !ok {
		return raw
	}
	for key, path := range fields {
		if v, found := extractPath(decoded, path); found {
			obj[key] = v
		}
	}
	b, err := json.Marshal(obj)
	if err != nil {
		return raw
	}
	return b
}

func decodeForBinding(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	var v interface{}
	_ = json.Unmarshal(raw, &v)
	return v
}

func extractPath(root interface{}, path string) (interface{}, bool) {
	if path == "" {
		return nil, false
	}
	current := root
	for _, seg := range strings.Split(path, ".") {
		switch v := current.(type) {
		case map[string]interface{}:
			next, ok := v[seg]
			if !ok {
				return nil, false
			}
			current = next
		case []interface{}:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(v) {
				return nil, false
			}
			current = v[i]
		default:
			return nil, false
		}
	}
	return current, true
}

// joinURL builds the request URL per §4.8 step 2: an absolute endpoint is
// used as-is; otherwise base and endpoint are joined with exactly one '/'.
func joinURL(base, endpoint string) string {
	if strings.Contains(endpoint, "://") {
		return endpoint
	}
	base = strings.TrimSuffix(base, "/")
	endpoint = "/" + strings.TrimPrefix(endpoint, "/")
	return base + endpoint
}
