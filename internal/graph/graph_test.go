package graph

import (
	"testing"

	"flowline/internal/domain"
)

func stage(id string, order int, isEnd bool, deps ...string) domain.Stage {
	return domain.Stage{ID: id, Name: id, OrderIndex: order, IsEnd: isEnd, DependsOn: deps, Weight: 1}
}

func edge(id, from, to string, cond string) domain.Transition {
	tr := domain.Transition{ID: id, FromStageID: from, ToStageID: to}
	if cond != "" {
		tr.Condition = &cond
	}
	return tr
}

func hasIssue(issues []Issue, code string) bool {
	for _, i := range issues {
		if i.Code == code {
			return true
		}
	}
	return false
}

func TestValidateAcceptsLinearGraph(t *testing.T) {
	stages := []domain.Stage{stage("a", 0, false), stage("b", 1, false), stage("c", 2, true)}
	transitions := []domain.Transition{
		edge("t1", "a", "b", ""),
		edge("t2", "b", "c", "region = us"),
	}
	if issues := Validate(stages, transitions, Options{}); len(issues) != 0 {
		t.Fatalf("expected valid, got %v", issues)
	}
}

func TestValidateNoStages(t *testing.T) {
	issues := Validate(nil, nil, Options{})
	if !hasIssue(issues, CodeNoStages) {
		t.Fatalf("expected %s, got %v", CodeNoStages, issues)
	}
}

func TestValidateDuplicateOrderIndex(t *testing.T) {
	stages := []domain.Stage{stage("a", 0, false), stage("b", 0, true)}
	issues := Validate(stages, []domain.Transition{edge("t1", "a", "b", "")}, Options{})
	if !hasIssue(issues, CodeDuplicateOrderIndex) {
		t.Fatalf("expected %s, got %v", CodeDuplicateOrderIndex, issues)
	}
}

func TestValidateUnknownEndpoint(t *testing.T) {
	stages := []domain.Stage{stage("a", 0, false), stage("b", 1, true)}
	issues := Validate(stages, []domain.Transition{edge("t1", "a", "ghost", "")}, Options{})
	if !hasIssue(issues, CodeUnknownEndpoint) {
		t.Fatalf("expected %s, got %v", CodeUnknownEndpoint, issues)
	}
}

func TestValidateSelfLoop(t *testing.T) {
	stages := []domain.Stage{stage("a", 0, false), stage("b", 1, true)}
	transitions := []domain.Transition{edge("t1", "a", "a", ""), edge("t2", "a", "b", "retry = no")}
	issues := Validate(stages, transitions, Options{})
	if !hasIssue(issues, CodeSelfLoop) {
		t.Fatalf("expected %s, got %v", CodeSelfLoop, issues)
	}
	issues = Validate(stages, transitions, Options{AllowSelfLoops: true})
	if hasIssue(issues, CodeSelfLoop) {
		t.Fatalf("self loop should be allowed, got %v", issues)
	}
}

func TestValidateMultipleDefaults(t *testing.T) {
	stages := []domain.Stage{stage("a", 0, false), stage("b", 1, true), stage("c", 2, true)}
	transitions := []domain.Transition{edge("t1", "a", "b", ""), edge("t2", "a", "c", "")}
	issues := Validate(stages, transitions, Options{})
	if !hasIssue(issues, CodeMultipleDefaults) {
		t.Fatalf("expected %s, got %v", CodeMultipleDefaults, issues)
	}
}

func TestValidateEndStageWithOutgoing(t *testing.T) {
	stages := []domain.Stage{stage("a", 0, false), stage("b", 1, true)}
	transitions := []domain.Transition{edge("t1", "a", "b", ""), edge("t2", "b", "a", "again = yes")}
	issues := Validate(stages, transitions, Options{})
	if !hasIssue(issues, CodeEndStageHasOutgoing) {
		t.Fatalf("expected %s, got %v", CodeEndStageHasOutgoing, issues)
	}
}

func TestValidateBadCondition(t *testing.T) {
	stages := []domain.Stage{stage("a", 0, false), stage("b", 1, true)}
	issues := Validate(stages, []domain.Transition{edge("t1", "a", "b", "not an equality")}, Options{})
	if !hasIssue(issues, CodeBadCondition) {
		t.Fatalf("expected %s, got %v", CodeBadCondition, issues)
	}
}

func TestValidateDependencyCycleReportsGenuinePath(t *testing.T) {
	// a <- b <- c <- a plus an untangled end stage
	stages := []domain.Stage{
		stage("a", 0, false, "c"),
		stage("b", 1, false, "a"),
		stage("c", 2, false, "b"),
		stage("start", 3, false),
		stage("end", 4, true),
	}
	transitions := []domain.Transition{
		edge("t1", "start", "a", ""),
		edge("t2", "a", "b", ""),
		edge("t3", "b", "c", ""),
		edge("t4", "c", "end", ""),
	}
	issues := Validate(stages, transitions, Options{})
	var cycle []string
	for _, i := range issues {
		if i.Code == CodeDependencyCycle {
			cycle = i.Cycle
		}
	}
	if len(cycle) < 3 {
		t.Fatalf("expected a cycle path, got %v", issues)
	}
	if cycle[0] != cycle[len(cycle)-1] {
		t.Fatalf("cycle path does not close: %v", cycle)
	}
	// every consecutive pair must be a genuine depends-on edge
	deps := map[string]map[string]bool{}
	for _, s := range stages {
		deps[s.ID] = map[string]bool{}
		for _, d := range s.DependsOn {
			deps[s.ID][d] = true
		}
	}
	for i := 0; i+1 < len(cycle); i++ {
		if !deps[cycle[i]][cycle[i+1]] {
			t.Fatalf("edge %s -> %s in reported cycle is not a real dependency", cycle[i], cycle[i+1])
		}
	}
}

func TestValidateUnreachableStage(t *testing.T) {
	stages := []domain.Stage{stage("a", 0, false), stage("island", 1, false), stage("end", 2, true)}
	transitions := []domain.Transition{edge("t1", "a", "end", "")}
	issues := Validate(stages, transitions, Options{})
	if !hasIssue(issues, CodeUnreachableStage) {
		t.Fatalf("expected %s, got %v", CodeUnreachableStage, issues)
	}
}

func TestValidateNoReachableEnd(t *testing.T) {
	stages := []domain.Stage{stage("a", 0, false), stage("b", 1, false), stage("end", 2, true, "b")}
	transitions := []domain.Transition{edge("t1", "a", "b", "")}
	issues := Validate(stages, transitions, Options{})
	if !hasIssue(issues, CodeNoReachableEndStage) {
		t.Fatalf("expected %s, got %v", CodeNoReachableEndStage, issues)
	}
}

func TestStartStagePicksLowestOrderWithoutDeps(t *testing.T) {
	stages := []domain.Stage{
		stage("late", 5, false),
		stage("first", 1, false),
		stage("dependent", 0, false, "first"),
	}
	start, ok := StartStage(stages)
	if !ok || start.ID != "first" {
		t.Fatalf("expected first, got %v ok=%v", start.ID, ok)
	}
	if _, ok := StartStage([]domain.Stage{stage("a", 0, false, "a")}); ok {
		t.Fatal("expected no start stage when every stage has dependencies")
	}
}
