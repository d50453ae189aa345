// Package wfstate holds the mutable, single-writer-per-key workflow state
// and the immutable per-step results that flow through the engine. It sits
// below every execution package (render, step, phase, workflow) so none of
// them need to import each other just to agree on these shapes.
package wfstate

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// StepStatus is the terminal status of a StepResult. Only the three values
// below ever appear in a committed StepResult — "running"/"pending" never
// do, because a StepResult is only written once a step has finished.
type StepStatus string

const (
	StatusSuccess StepStatus = "success"
	StatusFailure StepStatus = "failure"
	StatusSkipped StepStatus = "skipped"
)

// Terminal reports whether the status satisfies a dependent step waiting on
// it (§3 invariant 4: success or skipped).
func (s StepStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusSkipped
}

// StepResult is the immutable record of one step's execution, written
// exactly once by the runner that executed it (§3 invariant 5).
type StepResult struct {
	Name      string          `json:"name"`
	Status    StepStatus      `json:"status"`
	Attempts  int             `json:"attempts"`
	Duration  time.Duration   `json:"-"`
	Value     json.RawMessage `json:"value,omitempty"`
	Error     *EngineError    `json:"error,omitempty"`
	StartedAt time.Time       `json:"started_at"`
	EndedAt   time.Time       `json:"ended_at"`
}

// MarshalDuration returns Duration as whole milliseconds, matching the
// report schema in §6.
func (r StepResult) MarshalDuration() int64 {
	return r.Duration.Milliseconds()
}

// stepResultAlias breaks the recursion a StepResult.MarshalJSON would
// otherwise cause by re-invoking itself through the default encoder.
type stepResultAlias StepResult

// MarshalJSON emits Duration as whole milliseconds under "duration_ms" —
// time.Duration's own JSON encoding is nanoseconds, which would make every
// report off by 1000x against §6's schema.
func (r StepResult) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		stepResultAlias
		DurationMS int64 `json:"duration_ms"`
	}{
		stepResultAlias: stepResultAlias(r),
		DurationMS:      r.MarshalDuration(),
	})
}

// WorkflowState is the mutable state shared across a single workflow run:
// the variable bag (seeded from WorkflowConfig.Variables, augmented by each
// step's output_key binding) and the append-only step_results map. Each key
// in StepResults is written by exactly one task; readers take the shared
// lock, the single writer for a given key takes it only long enough to
// insert.
type WorkflowState struct {
	mu          sync.RWMutex
	variables   map[string]interface{}
	stepResults map[string]StepResult
	StartTime   time.Time
}

// New creates a WorkflowState seeded with the given initial variables. The
// map is copied; callers retain ownership of the original.
func New(initialVariables map[string]interface{}) *WorkflowState {
	vars := make(map[string]interface{}, len(initialVariables))
	for k, v := range initialVariables {
		vars[k] = v
	}
	return &WorkflowState{
		variables:   vars,
		stepResults: make(map[string]StepResult),
		StartTime:   time.Now(),
	}
}

// PutResult records a step's result. It is an error to call this twice for
// the same step name — that would violate the single-writer invariant.
func (s *WorkflowState) PutResult(result StepResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.stepResults[result.Name]; exists {
		return fmt.Errorf("wfstate: step %q already has a recorded result", result.Name)
	}
	s.stepResults[result.Name] = result
	return nil
}

// Result returns a previously recorded step result.
func (s *WorkflowState) Result(name string) (StepResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.stepResults[name]
	return r, ok
}

// Results returns a snapshot of all recorded results, keyed by step name.
func (s *WorkflowState) Results() map[string]StepResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]StepResult, len(s.stepResults))
	for k, v := range s.stepResults {
		out[k] = v
	}
	return out
}

// BindVariable additively writes a variable, e.g. for a step's output_key.
func (s *WorkflowState) BindVariable(key string, value interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.variables[key] = value
}

// Variables returns a snapshot of the current variable bag.
func (s *WorkflowState) Variables() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]interface{}, len(s.variables))
	for k, v := range s.variables {
		out[k] = v
	}
	return out
}

// StepsSnapshot renders the "steps" branch of the template context (§4.2):
// only terminal results are visible, keyed by step name, exposing "value"
// and "status" so templates can write `steps.generate_script.value.job_id`.
func (s *WorkflowState) StepsSnapshot() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]interface{}, len(s.stepResults))
	for name, r := range s.stepResults {
		entry := map[string]interface{}{
			"status": string(r.Status),
		}
		if len(r.Value) > 0 {
			var v interface{}
			if err := json.Unmarshal(r.Value, &v); err == nil {
				entry["value"] = v
			}
		}
		out[name] = entry
	}
	return out
}
