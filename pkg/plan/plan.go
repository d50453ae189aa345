// Package plan implements C7: validating the step dependency graph and
// producing a phased ExecutionPlan. No teacher equivalent exists — the
// teacher executes steps strictly in declared order — so this is grounded
// on the pack's DAG-based composer
// (other_examples/...stacklok-toolhive__pkg-vmcp-composer-composer.go),
// which models DependsOn []string the same way, extended with the
// group-barrier semantics §4.7 step 4 requires (a composer.go group enters
// only once every member has no unscheduled dependency, which that file
// does not model at all).
package plan

import (
	"fmt"
	"sort"

	"github.com/yourorg/workflow-core/pkg/wfconfig"
)

// Group is a parallel_group's members scheduled together within a phase.
type Group struct {
	Name        string
	Steps       []wfconfig.StepConfig
	MaxParallel int
}

// Phase is a barrier: every step here may start once the phase begins, and
// the next phase only starts once every step (sequential and grouped) in
// this phase has reached a terminal state.
type Phase struct {
	Sequential     []wfconfig.StepConfig
	ParallelGroups []Group
}

// ExecutionPlan is the totally-ordered sequence of phases.
type ExecutionPlan struct {
	Phases []Phase
}

// Build validates the graph and produces a phased plan per §4.7.
func Build(cfg *wfconfig.WorkflowConfig) (*ExecutionPlan, error) {
	byName := make(map[string]wfconfig.StepConfig, len(cfg.Steps))
	order := make(map[string]int, len(cfg.Steps))
	groupMembers := make(map[string][]string)

	for i, s := range cfg.Steps {
		byName[s.Name] = s
		order[s.Name] = i
		if s.ParallelGroup != "" {
			groupMembers[s.ParallelGroup] = append(groupMembers[s.ParallelGroup], s.Name)
		}
	}

	// Expand depends_on: a name is either a step (kept) or a group
	// (replaced by the union of its members).
	expandedDeps := make(map[string]map[string]bool, len(cfg.Steps))
	for _, s := range cfg.Steps {
		deps := make(map[string]bool)
		for _, ref := range s.DependsOn {
			if members, isGroup := groupMembers[ref]; isGroup {
				for _, m := range members {
					if m != s.Name {
						deps[m] = true
					}
				}
				continue
			}
			if _, isStep := byName[ref]; !isStep {
				return nil, fmt.Errorf("plan: step %q depends on unknown name %q", s.Name, ref)
			}
			deps[ref] = true
		}
		expandedDeps[s.Name] = deps
	}

	if cyclePath := findCycle(expandedDeps); cyclePath != "" {
		return nil, fmt.Errorf("plan: dependency cycle detected: %s", cyclePath)
	}

	scheduled := make(map[string]bool, len(cfg.Steps))
	var phases []Phase

	for len(scheduled) < len(cfg.Steps) {
		phase, scheduledNames := nextPhase(cfg.Steps, expandedDeps, byName, groupMembers, order, scheduled)
		if len(scheduledNames) == 0 {
			return nil, fmt.Errorf("plan: deadlock — no step became ready though %d remain unscheduled", len(cfg.Steps)-len(scheduled))
		}
		for _, name := range scheduledNames {
			scheduled[name] = true
		}
		phases = append(phases, phase)
	}

	return &ExecutionPlan{Phases: phases}, nil
}

// nextPhase computes one phase's worth of steps. A step with no
// parallel_group joins the phase as soon as its own dependencies are
// scheduled. A step that belongs to a group is never scheduled alone — the
// whole group only joins once EVERY member independently has no
// unscheduled dependency (§4.7 step 4), even if some members individually
// qualified in an earlier round.
func nextPhase(steps []wfconfig.StepConfig, deps map[string]map[string]bool, byName map[string]wfconfig.StepConfig, groupMembers map[string][]string, order map[string]int, scheduled map[string]bool) (Phase, []string) {
	individuallyReady := make(map[string]bool)
	for _, s := range steps {
		if scheduled[s.Name] {
			continue
		}
		ready := true
		for dep := range deps[s.Name] {
			if !scheduled[dep] {
				ready = false
				break
			}
		}
		individuallyReady[s.Name] = ready
	}

	var groupNames []string
	for g := range groupMembers {
		groupNames = append(groupNames, g)
	}
	sort.Strings(groupNames)

	claimed := make(map[string]bool)
	var groups []Group
	for _, g := range groupNames {
		members := groupMembers[g]
		anyUnscheduled := false
		allReady := true
		for _, m := range members {
			if scheduled[m] {
				continue
			}
			anyUnscheduled = true
			if !individuallyReady[m] {
				allReady = false
				break
			}
		}
		if !anyUnscheduled || !allReady {
			continue
		}

		sortedMembers := append([]string{}, members...)
		sort.Slice(sortedMembers, func(i, j int) bool { return order[sortedMembers[i]] < order[sortedMembers[j]] })

		stepsInGroup := make([]wfconfig.StepConfig, 0, len(sortedMembers))
		maxParallel := 0
		for _, m := range sortedMembers {
			stepsInGroup = append(stepsInGroup, byName[m])
			claimed[m] = true
			if byName[m].MaxParallel > 0 {
				maxParallel = byName[m].MaxParallel
			}
		}
		groups = append(groups, Group{Name: g, Steps: stepsInGroup, MaxParallel: maxParallel})
	}

	var sequential []wfconfig.StepConfig
	var scheduledNames []string
	for _, s := range steps {
		if scheduled[s.Name] || claimed[s.Name] {
			continue
		}
		if s.ParallelGroup == "" && individuallyReady[s.Name] {
			sequential = append(sequential, s)
			scheduledNames = append(scheduledNames, s.Name)
		}
	}
	sort.Slice(sequential, func(i, j int) bool { return order[sequential[i].Name] < order[sequential[j].Name] })

	for _, g := range groups {
		for _, s := range g.Steps {
			scheduledNames = append(scheduledNames, s.Name)
		}
	}

	return Phase{Sequential: sequential, ParallelGroups: groups}, scheduledNames
}

// findCycle runs a DFS with three-color marking over the expanded
// step-to-step graph and returns a human-readable cycle description, or ""
// if the graph is acyclic.
func findCycle(deps map[string]map[string]bool) string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(deps))
	var stack []string

	var visit func(node string) string
	visit = func(node string) string {
		color[node] = gray
		stack = append(stack, node)
		for dep := range deps[node] {
			switch color[dep] {
			case white:
				if cyc := visit(dep); cyc != "" {
					return cyc
				}
			case gray:
				return cycleDescription(stack, dep)
			}
		}
		stack = stack[:len(stack)-1]
		color[node] = black
		return ""
	}

	names := make([]string, 0, len(deps))
	for n := range deps {
		names = append(names, n)
	}
	sort.Strings(names)

	for _, n := range names {
		if color[n] == white {
			if cyc := visit(n); cyc != "" {
				return cyc
			}
		}
	}
	return ""
}

func cycleDescription(stack []string, closingNode string) string {
	start := 0
	for i, n := range stack {
		if n == closingNode {
			start = i
			break
		}
	}
	cyc := append(append([]string{}, stack[start:]...), closingNode)
	out := ""
	for i, n := range cyc {
		if i > 0 {
			out += " -> "
		}
		out += n
	}
	return out
}
