package step

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/workflow-core/pkg/durationfmt"
	"github.com/yourorg/workflow-core/pkg/httpstep"
	"github.com/yourorg/workflow-core/pkg/wfconfig"
	"github.com/yourorg/workflow-core/pkg/wfstate"
)

func TestRunSimpleSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"v":1}`))
	}))
	defer srv.Close()

	cfg := wfconfig.StepConfig{
		Name:      "a",
		Endpoint:  "/echo",
		Method:    wfconfig.MethodPost,
		OutputKey: "a_result",
		Retry:     wfconfig.RetryConfig{Backoff: wfconfig.BackoffConstant},
		Timeout:   durationfmt.Duration(time.Second),
	}

	state := wfstate.New(nil)
	client := httpstep.NewClient()

	result, fatal := Run(context.Background(), client, 0, cfg, srv.URL, nil, nil, state)
	assert.False(t, fatal)
	assert.Equal(t, wfstate.StatusSuccess, result.Status)
	assert.Equal(t, 1, result.Attempts)
	assert.JSONEq(t, `{"v":1}`, string(result.Value))

	vars := state.Variables()
	assert.Equal(t, float64(1), vars["a_result"].(map[string]interface{})["v"])
}

func TestRunRendersTemplatedPayloadAndHeaders(t *testing.T) {
	var gotBody, gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf, _ := io.ReadAll(r.Body)
		gotBody = string(buf)
		gotHeader = r.Header.Get("X-Trace")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	cfg := wfconfig.StepConfig{
		Name:            "b",
		Endpoint:        "/echo",
		Method:          wfconfig.MethodPost,
		PayloadTemplate: `{"name":"{{ variables.who }}"}`,
		Headers:         map[string]string{"X-Trace": "{{ variables.trace_id }}"},
		Retry:           wfconfig.RetryConfig{Backoff: wfconfig.BackoffConstant},
		Timeout:         durationfmt.Duration(time.Second),
	}

	state := wfstate.New(map[string]interface{}{"who": "alice", "trace_id": "t-1"})
	client := httpstep.NewClient()

	result, fatal := Run(context.Background(), client, 0, cfg, srv.URL, nil, nil, state)
	assert.False(t, fatal)
	assert.Equal(t, wfstate.StatusSuccess, result.Status)
	assert.JSONEq(t, `{"name":"alice"}`, gotBody)
	assert.Equal(t, "t-1", gotHeader)
}

func TestRunNonRetryableFailureIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	cfg := wfconfig.StepConfig{
		Name:     "a",
		Endpoint: "/missing",
		Method:   wfconfig.MethodGet,
		Retry:    wfconfig.RetryConfig{Limit: 3, Delay: durationfmt.Duration(time.Millisecond), Backoff: wfconfig.BackoffConstant},
		Timeout:  durationfmt.Duration(time.Second),
	}

	state := wfstate.New(nil)
	client := httpstep.NewClient()

	result, fatal := Run(context.Background(), client, 0, cfg, srv.URL, nil, nil, state)
	assert.True(t, fatal)
	assert.Equal(t, wfstate.StatusFailure, result.Status)
	assert.Equal(t, 1, result.Attempts)
	require.NotNil(t, result.Error)
	assert.Equal(t, wfstate.KindHTTPError, result.Error.Kind)
}

func TestRunContinueOnErrorDowngradesToSkipped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	cfg := wfconfig.StepConfig{
		Name:            "a",
		Endpoint:        "/missing",
		Method:          wfconfig.MethodGet,
		ContinueOnError: true,
		OutputKey:       "a_result",
		Retry:           wfconfig.RetryConfig{Backoff: wfconfig.BackoffConstant},
		Timeout:         durationfmt.Duration(time.Second),
	}

	state := wfstate.New(nil)
	client := httpstep.NewClient()

	result, fatal := Run(context.Background(), client, 0, cfg, srv.URL, nil, nil, state)
	assert.False(t, fatal)
	assert.Equal(t, wfstate.StatusSkipped, result.Status)

	vars := state.Variables()
	assert.Nil(t, vars["a_result"])
}

func TestRunAppliesExtractFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"nested":{"id":"job-42"}}`))
	}))
	defer srv.Close()

	cfg := wfconfig.StepConfig{
		Name:          "a",
		Endpoint:      "/submit",
		Method:        wfconfig.MethodPost,
		ExtractFields: map[string]string{"job_id": "nested.id"},
		Retry:         wfconfig.RetryConfig{Backoff: wfconfig.BackoffConstant},
		Timeout:       durationfmt.Duration(time.Second),
	}

	state := wfstate.New(nil)
	client := httpstep.NewClient()

	result, fatal := Run(context.Background(), client, 0, cfg, srv.URL, nil, nil, state)
	assert.False(t, fatal)
	assert.Equal(t, wfstate.StatusSuccess, result.Status)
	assert.JSONEq(t, `{"nested":{"id":"job-42"},"job_id":"job-42"}`, string(result.Value))
}

func TestRunPollingToCompletion(t *testing.T) {
	polls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/submit", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"job_id":"j1"}`))
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		polls++
		w.Header().Set("Content-Type", "application/json")
		if polls < 3 {
			w.Write([]byte(`{"status":"running"}`))
			return
		}
		w.Write([]byte(`{"status":"succeeded","output":["R"]}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := wfconfig.StepConfig{
		Name:     "submit_job",
		Endpoint: "/submit",
		Method:   wfconfig.MethodPost,
		Retry:    wfconfig.RetryConfig{Backoff: wfconfig.BackoffConstant},
		Timeout:  durationfmt.Duration(time.Second),
		Poll: &wfconfig.PollConfig{
			Endpoint:         "/status",
			Interval:         durationfmt.Duration(2 * time.Millisecond),
			MaxAttempts:      5,
			CompletionField:  "status",
			CompletionValues: []string{"succeeded"},
			ResultField:      "output.0",
		},
	}

	state := wfstate.New(nil)
	client := httpstep.NewClient()

	result, fatal := Run(context.Background(), client, 0, cfg, srv.URL, nil, nil, state)
	assert.False(t, fatal)
	assert.Equal(t, wfstate.StatusSuccess, result.Status)
	assert.Equal(t, `"R"`, string(result.Value))
	assert.Equal(t, 3, polls)
}

func TestRunResponseTransformAppliesToPolledResult(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/submit", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"job_id":"j1"}`))
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"succeeded","output":["R"]}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := wfconfig.StepConfig{
		Name:              "submit_job",
		Endpoint:          "/submit",
		Method:            wfconfig.MethodPost,
		Retry:             wfconfig.RetryConfig{Backoff: wfconfig.BackoffConstant},
		Timeout:           durationfmt.Duration(time.Second),
		ResponseTransform: `{"wrapped":{{ steps.submit_job.value | tojson }}}`,
		Poll: &wfconfig.PollConfig{
			Endpoint:         "/status",
			Interval:         durationfmt.Duration(2 * time.Millisecond),
			MaxAttempts:      5,
			CompletionField:  "status",
			CompletionValues: []string{"succeeded"},
			ResultField:      "output.0",
		},
	}

	state := wfstate.New(nil)
	client := httpstep.NewClient()

	result, fatal := Run(context.Background(), client, 0, cfg, srv.URL, nil, nil, state)
	assert.False(t, fatal)
	assert.Equal(t, wfstate.StatusSuccess, result.Status)
	assert.JSONEq(t, `{"wrapped":"R"}`, string(result.Value))
}

func TestRunCancellationBeforeStartRecordsOneAttemptAndFailure(t *testing.T) {
	cfg := wfconfig.StepConfig{
		Name:            "a",
		Endpoint:        "/x",
		Method:          wfconfig.MethodGet,
		ContinueOnError: true,
		Retry:           wfconfig.RetryConfig{Backoff: wfconfig.BackoffConstant},
		Timeout:         durationfmt.Duration(time.Second),
	}

	state := wfstate.New(nil)
	client := httpstep.NewClient()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, fatal := Run(ctx, client, 0, cfg, "http://unused.invalid", nil, nil, state)
	assert.True(t, fatal, "cancellation must abort the workflow even when continue_on_error is set")
	assert.Equal(t, wfstate.StatusFailure, result.Status)
	assert.Equal(t, 1, result.Attempts)
	require.NotNil(t, result.Error)
	assert.Equal(t, wfstate.KindCancelled, result.Error.Kind)
}

func TestRunCancellationDuringRetryRecordsFailureNotSkipped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	cfg := wfconfig.StepConfig{
		Name:            "a",
		Endpoint:        "/slow",
		Method:          wfconfig.MethodGet,
		ContinueOnError: true,
		Retry:           wfconfig.RetryConfig{Backoff: wfconfig.BackoffConstant},
		Timeout:         durationfmt.Duration(time.Second),
	}

	state := wfstate.New(nil)
	client := httpstep.NewClient()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	result, fatal := Run(ctx, client, 0, cfg, srv.URL, nil, nil, state)
	assert.True(t, fatal)
	assert.Equal(t, wfstate.StatusFailure, result.Status)
	assert.GreaterOrEqual(t, result.Attempts, 1)
	require.NotNil(t, result.Error)
	assert.Equal(t, wfstate.KindCancelled, result.Error.Kind)
}

func TestRunPayloadAndPayloadTemplateIsConfigError(t *testing.T) {
	cfg := wfconfig.StepConfig{
		Name:            "a",
		Endpoint:        "/x",
		Method:          wfconfig.MethodPost,
		Payload:         map[string]interface{}{"x": 1},
		PayloadTemplate: `{"x":1}`,
		Retry:           wfconfig.RetryConfig{Backoff: wfconfig.BackoffConstant},
		Timeout:         durationfmt.Duration(time.Second),
	}

	state := wfstate.New(nil)
	client := httpstep.NewClient()

	result, fatal := Run(context.Background(), client, 0, cfg, "http://unused.invalid", nil, nil, state)
	assert.True(t, fatal)
	require.NotNil(t, result.Error)
	assert.Equal(t, wfstate.KindConfigError, result.Error.Kind)
}
