// Package poll implements C6: converting a submitted step into a
// submit-then-wait loop against a status endpoint. Grounded on
// health/monitor.go's ticker+stopCh periodic-loop shape, recomposed around
// httpstep+retry and switched to a context-cancellable sleep (§5) instead
// of a ticker, since the loop must stop promptly on external cancellation.
package poll

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/yourorg/workflow-core/pkg/httpstep"
	"github.com/yourorg/workflow-core/pkg/render"
	"github.com/yourorg/workflow-core/pkg/retry"
	"github.com/yourorg/workflow-core/pkg/wfconfig"
	"github.com/yourorg/workflow-core/pkg/wfstate"
)

// Poll drives the poll loop described in §4.6 to completion, failure, or
// timeout. headers/auth are the same ones used for the submission request.
// Each individual poll request is itself retried per the step's retry
// policy (network blips don't count against max_attempts, which counts
// semantic polls).
func Poll(ctx context.Context, cfg wfconfig.PollConfig, retryCfg wfconfig.RetryConfig, client *httpstep.Client, renderCtx render.Context, headers map[string]string, apiBase string) (*httpstep.Attempt, int, *wfstate.EngineError) {
	interval := cfg.Interval.AsDuration()

	for pollNum := 1; pollNum <= cfg.MaxAttempts; pollNum++ {
		if ctx.Err() != nil {
			return nil, pollNum - 1, wfstate.NewEngineError(wfstate.KindCancelled, "cancelled before poll %d", pollNum)
		}

		endpoint := render.Render(cfg.Endpoint, renderCtx)
		url := joinURL(apiBase, endpoint)

		result := retry.Run(ctx, retryCfg, func(ctx context.Context, attempt int) (interface{}, *wfstate.EngineError) {
			req := httpstep.Request{
				Method:  "GET",
				URL:     url,
				Headers: headers,
				Timeout: retryCfg.Timeout.AsDuration(),
			}
			return client.Do(ctx, req)
		})

		if result.Err != nil {
			return nil, pollNum, result.Err
		}

		attempt := result.Value.(*httpstep.Attempt)

		var decoded interface{}
		if err := json.Unmarshal(attempt.Value, &decoded); err != nil {
			return nil, pollNum, wfstate.Wrap(wfstate.KindTemplateError, err, "poll response is not valid JSON")
		}

		status, found := extractPath(decoded, cfg.CompletionField)
		statusStr := toComparableString(status)

		if found && containsValue(cfg.CompletionValues, statusStr) {
			return attempt, pollNum, nil
		}
		if found && containsValue(cfg.FailureValues, statusStr) {
			return nil, pollNum, wfstate.NewEngineError(wfstate.KindRemoteJobFailure, "remote job reported failure status %q", statusStr)
		}

		if pollNum == cfg.MaxAttempts {
			break
		}
		if !sleep(ctx, interval) {
			return nil, pollNum, wfstate.NewEngineError(wfstate.KindCancelled, "cancelled during poll interval")
		}
	}

	return nil, cfg.MaxAttempts, wfstate.NewEngineError(wfstate.KindPollTimeout, "poll did not reach a terminal state after %d attempts", cfg.MaxAttempts)
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func containsValue(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

func toComparableString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
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

func joinURL(base, endpoint string) string {
	if strings.Contains(endpoint, "://") {
		return endpoint
	}
	base = strings.TrimSuffix(base, "/")
	endpoint = "/" + strings.TrimPrefix(endpoint, "/")
	return base + endpoint
}
