// Package graph validates a candidate stage/transition set structurally.
// Validation is deterministic and side-effect free so the engine can run it
// both at definition save time and defensively at session start.
package graph

import (
	"fmt"
	"sort"
	"strings"

	"flowline/internal/condition"
	"flowline/internal/domain"
)

// Issue codes.
const (
	CodeNoStages             = "no_stages"
	CodeDuplicateOrderIndex  = "duplicate_order_index"
	CodeUnknownEndpoint      = "unknown_endpoint"
	CodeSelfLoop             = "self_loop"
	CodeBadCondition         = "bad_condition"
	CodeMultipleDefaults     = "multiple_default_transitions"
	CodeNoEndStage           = "no_end_stage"
	CodeEndStageHasOutgoing  = "end_stage_has_outgoing"
	CodeUnknownDependency    = "unknown_dependency"
	CodeDependencyCycle      = "dependency_cycle"
	CodeNoStartStage         = "no_start_stage"
	CodeUnreachableStage     = "unreachable_stage"
	CodeNoReachableEndStage  = "no_reachable_end_stage"
)

type Issue struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Cycle   []string `json:"cycle,omitempty"`
}

func (i Issue) String() string { return i.Code + ": " + i.Message }

type Options struct {
	AllowSelfLoops bool
}

// Messages flattens issues into detail strings.
func Messages(issues []Issue) []string {
	out := make([]string, len(issues))
	for i, iss := range issues {
		out[i] = iss.String()
	}
	return out
}

// StartStage picks the conventional start: the stage with no dependencies
// and the lowest order index.
func StartStage(stages []domain.Stage) (domain.Stage, bool) {
	var start domain.Stage
	found := false
	for _, s := range stages {
		if len(s.DependsOn) > 0 {
			continue
		}
		if !found || s.OrderIndex < start.OrderIndex {
			start = s
			found = true
		}
	}
	return start, found
}

// Validate runs the structural checks in order and returns every issue
// found. An empty slice means the graph is valid.
func Validate(stages []domain.Stage, transitions []domain.Transition, opts Options) []Issue {
	var issues []Issue
	if len(stages) == 0 {
		return []Issue{{Code: CodeNoStages, Message: "definition has no stages"}}
	}
	byID := make(map[string]domain.Stage, len(stages))
	for _, s := range stages {
		byID[s.ID] = s
	}

	// (a) order indices unique within the definition
	byOrder := map[int][]string{}
	for _, s := range stages {
		byOrder[s.OrderIndex] = append(byOrder[s.OrderIndex], s.ID)
	}
	orders := make([]int, 0, len(byOrder))
	for o := range byOrder {
		orders = append(orders, o)
	}
	sort.Ints(orders)
	for _, o := range orders {
		if ids := byOrder[o]; len(ids) > 1 {
			sort.Strings(ids)
			issues = append(issues, Issue{
				Code:    CodeDuplicateOrderIndex,
				Message: fmt.Sprintf("order index %d used by stages %s", o, strings.Join(ids, ", ")),
			})
		}
	}

	// (b) transition endpoints resolve, (c) self loops
	defaults := map[string]int{}
	for _, tr := range transitions {
		if _, ok := byID[tr.FromStageID]; !ok {
			issues = append(issues, Issue{
				Code:    CodeUnknownEndpoint,
				Message: fmt.Sprintf("transition %s: from-stage %s does not exist", tr.ID, tr.FromStageID),
			})
			continue
		}
		if _, ok := byID[tr.ToStageID]; !ok {
			issues = append(issues, Issue{
				Code:    CodeUnknownEndpoint,
				Message: fmt.Sprintf("transition %s: to-stage %s does not exist", tr.ID, tr.ToStageID),
			})
			continue
		}
		if tr.FromStageID == tr.ToStageID && !opts.AllowSelfLoops {
			issues = append(issues, Issue{
				Code:    CodeSelfLoop,
				Message: fmt.Sprintf("transition %s: self loop on stage %s", tr.ID, tr.FromStageID),
			})
		}
		if tr.Condition == nil || strings.TrimSpace(*tr.Condition) == "" {
			defaults[tr.FromStageID]++
		} else if err := condition.Validate(*tr.Condition); err != nil {
			issues = append(issues, Issue{
				Code:    CodeBadCondition,
				Message: fmt.Sprintf("transition %s: %v", tr.ID, err),
			})
		}
	}
	for _, s := range stages {
		if defaults[s.ID] > 1 {
			issues = append(issues, Issue{
				Code:    CodeMultipleDefaults,
				Message: fmt.Sprintf("stage %s has %d unconditioned outgoing transitions; at most one is allowed", s.ID, defaults[s.ID]),
			})
		}
	}

	// end stages exist and carry no outgoing edges
	endCount := 0
	for _, s := range stages {
		if !s.IsEnd {
			continue
		}
		endCount++
		for _, tr := range transitions {
			if tr.FromStageID == s.ID {
				issues = append(issues, Issue{
					Code:    CodeEndStageHasOutgoing,
					Message: fmt.Sprintf("end stage %s has outgoing transition %s", s.ID, tr.ID),
				})
			}
		}
	}
	if endCount == 0 {
		issues = append(issues, Issue{Code: CodeNoEndStage, Message: "definition has no end stage"})
	}

	// depends-on references resolve within the definition
	deps := make(map[string][]string, len(stages))
	for _, s := range stages {
		for _, d := range s.DependsOn {
			if _, ok := byID[d]; !ok {
				issues = append(issues, Issue{
					Code:    CodeUnknownDependency,
					Message: fmt.Sprintf("stage %s depends on unknown stage %s", s.ID, d),
				})
				continue
			}
			deps[s.ID] = append(deps[s.ID], d)
		}
	}

	// (e) depends-on cycle detection
	if cycle := findCycle(stages, deps); len(cycle) > 0 {
		issues = append(issues, Issue{
			Code:    CodeDependencyCycle,
			Message: "dependency cycle: " + strings.Join(cycle, " -> "),
			Cycle:   cycle,
		})
	}

	// (d) connectivity from the start stage
	start, ok := StartStage(stages)
	if !ok {
		issues = append(issues, Issue{Code: CodeNoStartStage, Message: "no stage without dependencies to start from"})
		return issues
	}
	reached := reachable(start.ID, transitions)
	endReached := false
	ids := make([]string, 0, len(stages))
	for _, s := range stages {
		ids = append(ids, s.ID)
	}
	sort.Strings(ids)
	for _, id := range ids {
		s := byID[id]
		if !reached[id] {
			issues = append(issues, Issue{
				Code:    CodeUnreachableStage,
				Message: fmt.Sprintf("stage %s is not reachable from start stage %s", id, start.ID),
			})
			continue
		}
		if s.IsEnd {
			endReached = true
		}
	}
	if endCount > 0 && !endReached {
		issues = append(issues, Issue{
			Code:    CodeNoReachableEndStage,
			Message: fmt.Sprintf("no end stage is reachable from start stage %s", start.ID),
		})
	}
	return issues
}

// findCycle runs an iterative DFS over the depends-on adjacency with an
// explicit recursion stack and returns the offending path when a back edge
// is found. Stages are visited in deterministic id order.
func findCycle(stages []domain.Stage, deps map[string][]string) []string {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(stages))
	roots := make([]string, 0, len(stages))
	for _, s := range stages {
		roots = append(roots, s.ID)
	}
	sort.Strings(roots)

	type frame struct {
		id   string
		next int
	}
	for _, root := range roots {
		if color[root] != white {
			continue
		}
		stack := []frame{{id: root}}
		color[root] = grey
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			adj := deps[top.id]
			if top.next < len(adj) {
				child := adj[top.next]
				top.next++
				switch color[child] {
				case white:
					color[child] = grey
					stack = append(stack, frame{id: child})
				case grey:
					// back edge: slice the recursion stack from the first
					// occurrence of child and close the loop
					var cycle []string
					for i := range stack {
						if stack[i].id == child {
							for _, f := range stack[i:] {
								cycle = append(cycle, f.id)
							}
							break
						}
					}
					return append(cycle, child)
				}
				continue
			}
			color[top.id] = black
			stack = stack[:len(stack)-1]
		}
	}
	return nil
}

// reachable walks the transition graph from start. All edges count here:
// whether a guarded edge fires depends on runtime context, so structurally
// it still connects its endpoints.
func reachable(startID string, transitions []domain.Transition) map[string]bool {
	adj := map[string][]string{}
	for _, tr := range transitions {
		adj[tr.FromStageID] = append(adj[tr.FromStageID], tr.ToStageID)
	}
	seen := map[string]bool{startID: true}
	queue := []string{startID}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range adj[cur] {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return seen
}
