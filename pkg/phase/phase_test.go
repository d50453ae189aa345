package phase

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/workflow-core/pkg/durationfmt"
	"github.com/yourorg/workflow-core/pkg/httpstep"
	"github.com/yourorg/workflow-core/pkg/plan"
	"github.com/yourorg/workflow-core/pkg/wfconfig"
	"github.com/yourorg/workflow-core/pkg/wfstate"
)

func stepHitting(name, url string) wfconfig.StepConfig {
	return wfconfig.StepConfig{
		Name:     name,
		Endpoint: url,
		Method:   wfconfig.MethodGet,
		Retry:    wfconfig.RetryConfig{Backoff: wfconfig.BackoffConstant},
		Timeout:  durationfmt.Duration(time.Second),
	}
}

func TestRunSequentialInDeclarationOrder(t *testing.T) {
	var order []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		order = append(order, r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	ph := plan.Phase{
		Sequential: []wfconfig.StepConfig{stepHitting("a", "/a"), stepHitting("b", "/b")},
	}

	state := wfstate.New(nil)
	deps := Deps{Client: httpstep.NewClient(), WorkflowAPIBase: srv.URL, State: state}

	fatal, err := Run(context.Background(), 0, ph, deps)
	require.False(t, fatal)
	require.Nil(t, err)
	assert.Equal(t, []string{"/a", "/b"}, order)

	_, aOK := state.Result("a")
	_, bOK := state.Result("b")
	assert.True(t, aOK)
	assert.True(t, bOK)
}

func TestRunParallelGroupRunsConcurrently(t *testing.T) {
	var inFlight int32
	var maxInFlight int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			cur := atomic.LoadInt32(&maxInFlight)
			if n <= cur || atomic.CompareAndSwapInt32(&maxInFlight, cur, n) {
				break
			}
		}
		time.Sleep(100 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	ph := plan.Phase{
		ParallelGroups: []plan.Group{
			{
				Name: "fetch",
				Steps: []wfconfig.StepConfig{
					stepHitting("fetch_a", "/a"),
					stepHitting("fetch_b", "/b"),
					stepHitting("fetch_c", "/c"),
				},
			},
		},
	}

	state := wfstate.New(nil)
	deps := Deps{Client: httpstep.NewClient(), WorkflowAPIBase: srv.URL, State: state}

	start := time.Now()
	fatal, err := Run(context.Background(), 0, ph, deps)
	elapsed := time.Since(start)

	require.False(t, fatal)
	require.Nil(t, err)
	assert.Less(t, elapsed, 300*time.Millisecond)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&maxInFlight), int32(2))
}

func TestRunFatalFailureCancelsSiblings(t *testing.T) {
	var started int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fail" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		atomic.AddInt32(&started, 1)
		time.Sleep(200 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	ph := plan.Phase{
		ParallelGroups: []plan.Group{
			{
				Name: "mixed",
				Steps: []wfconfig.StepConfig{
					stepHitting("fails", "/fail"),
					stepHitting("slow", "/slow"),
				},
			},
		},
	}

	state := wfstate.New(nil)
	deps := Deps{Client: httpstep.NewClient(), WorkflowAPIBase: srv.URL, State: state}

	fatal, err := Run(context.Background(), 0, ph, deps)
	assert.True(t, fatal)
	require.NotNil(t, err)
	assert.Equal(t, wfstate.KindHTTPError, err.Kind)

	failsResult, ok := state.Result("fails")
	require.True(t, ok)
	assert.Equal(t, wfstate.StatusFailure, failsResult.Status)

	slowResult, ok := state.Result("slow")
	require.True(t, ok)
	assert.Equal(t, wfstate.StatusFailure, slowResult.Status)
}

func TestRunMaxParallelSerializesGroup(t *testing.T) {
	var inFlight int32
	var maxInFlight int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			cur := atomic.LoadInt32(&maxInFlight)
			if n <= cur || atomic.CompareAndSwapInt32(&maxInFlight, cur, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	a := stepHitting("a", "/a")
	b := stepHitting("b", "/b")
	ph := plan.Phase{
		ParallelGroups: []plan.Group{
			{Name: "serial", Steps: []wfconfig.StepConfig{a, b}, MaxParallel: 1},
		},
	}

	state := wfstate.New(nil)
	deps := Deps{Client: httpstep.NewClient(), WorkflowAPIBase: srv.URL, State: state}

	fatal, err := Run(context.Background(), 0, ph, deps)
	require.False(t, fatal)
	require.Nil(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxInFlight))
}
