// Package phase implements C9: running one plan.Phase's sequential block in
// declaration order, then its parallel groups concurrently with each other
// (each bounded internally by max_parallel), enforcing the phase barrier
// before returning. Grounded on probe/executor.go's
// Executor.semaphore chan struct{} bounded-concurrency idiom, recomposed
// for the sequential-then-groups structure §4.9 requires instead of the
// teacher's single flat step list.
package phase

import (
	"context"
	"sync"

	"github.com/yourorg/workflow-core/pkg/httpstep"
	"github.com/yourorg/workflow-core/pkg/plan"
	"github.com/yourorg/workflow-core/pkg/step"
	"github.com/yourorg/workflow-core/pkg/wfconfig"
	"github.com/yourorg/workflow-core/pkg/wfstate"
)

// Deps bundles the fixed, workflow-wide inputs every step in the phase
// needs, so Run's own parameter list stays focused on the phase itself.
type Deps struct {
	Client          *httpstep.Client
	WorkflowAPIBase string
	WorkflowAuth    *wfconfig.AuthConfig
	Env             map[string]string
	State           *wfstate.WorkflowState
}

// Run executes ph and returns whether a fatal (non-continue_on_error)
// failure occurred, plus the first such error observed. On a fatal
// failure the phase cancels its own context so still-running siblings
// (§5: "the engine signals cancellation to all in-flight tasks in the
// current phase") unwind promptly; the caller uses the fatal flag to
// decide whether to start the next phase.
func Run(ctx context.Context, phaseIndex int, ph plan.Phase, deps Deps) (bool, *wfstate.EngineError) {
	phaseCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var mu sync.Mutex
	var fatal bool
	var firstErr *wfstate.EngineError

	recordFailure := func(result wfstate.StepResult, isFatal bool) {
		if !isFatal {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if !fatal {
			fatal = true
			firstErr = result.Error
		}
		cancel()
	}

	for _, s := range ph.Sequential {
		mu.Lock()
		alreadyFatal := fatal
		mu.Unlock()
		if alreadyFatal {
			break
		}
		result, isFatal := step.Run(phaseCtx, deps.Client, phaseIndex, s, deps.WorkflowAPIBase, deps.WorkflowAuth, deps.Env, deps.State)
		recordFailure(result, isFatal)
	}

	var wg sync.WaitGroup
	for _, g := range ph.ParallelGroups {
		g := g
		sem := make(chan struct{}, groupWidth(g))
		for _, s := range g.Steps {
			s := s
			wg.Add(1)
			go func() {
				defer wg.Done()

				select {
				case sem <- struct{}{}:
					defer func() { <-sem }()
				case <-phaseCtx.Done():
					// Don't wait for a slot once the phase is cancelled — fall
					// through so step.Run still records the step's Cancelled
					// result (every group member gets exactly one StepResult,
					// even one that never got to run).
				}

				result, isFatal := step.Run(phaseCtx, deps.Client, phaseIndex, s, deps.WorkflowAPIBase, deps.WorkflowAuth, deps.Env, deps.State)
				recordFailure(result, isFatal)
			}()
		}
	}
	wg.Wait()

	return fatal, firstErr
}

// groupWidth returns the group's concurrency bound: max_parallel if any
// member set one (§3: "optional positive integer bounding concurrency
// within the group"), otherwise unbounded (sized to the group itself).
func groupWidth(g plan.Group) int {
	if g.MaxParallel > 0 {
		return g.MaxParallel
	}
	return len(g.Steps)
}
