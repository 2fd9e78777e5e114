package engine_test

import (
	"context"
	"testing"
	"time"

	"flowline/internal/config"
	"flowline/internal/db"
	"flowline/internal/domain"
	"flowline/internal/engine"
	"flowline/internal/flowerr"
	"flowline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

// releaseSpec is a small branching graph: intake feeds either the fast lane
// or the review lane depending on the tier context key, both converge on
// ship.
func releaseSpec() engine.DefinitionSpec {
	return engine.DefinitionSpec{
		Name: "release",
		Stages: []engine.StageSpec{
			{ID: "intake", Name: "Intake", OrderIndex: 1, Checklist: []domain.ChecklistItem{
				{ID: "triage", Label: "Triage request", Required: true},
			}},
			{ID: "review", Name: "Review", OrderIndex: 2, Checklist: []domain.ChecklistItem{
				{ID: "approve", Label: "Approve", Required: true},
				{ID: "notes", Label: "Leave notes"},
			}},
			{ID: "fast", Name: "Fast lane", OrderIndex: 3},
			{ID: "ship", Name: "Ship", OrderIndex: 4, IsEnd: true},
		},
		Transitions: []engine.TransitionSpec{
			{FromStageID: "intake", ToStageID: "fast", Condition: "tier = pro"},
			{FromStageID: "intake", ToStageID: "review"},
			{FromStageID: "review", ToStageID: "ship"},
			{FromStageID: "fast", ToStageID: "ship"},
		},
	}
}

func mustCreate(t *testing.T, env testEnv, spec engine.DefinitionSpec) engine.DefinitionDetail {
	t.Helper()
	detail, err := env.Engine.CreateDefinition(env.Ctx, spec)
	if err != nil {
		t.Fatalf("create definition: %v", err)
	}
	return detail
}

func mustStart(t *testing.T, env testEnv, definitionID string, initial map[string]string) engine.SessionDetail {
	t.Helper()
	sess, err := env.Engine.StartSession(env.Ctx, definitionID, "", initial)
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	return sess
}

func TestCreateDefinitionRejectsInvalidGraph(t *testing.T) {
	env := newTestEnv(t)
	spec := releaseSpec()
	// two unconditioned edges out of intake
	spec.Transitions = append(spec.Transitions, engine.TransitionSpec{FromStageID: "intake", ToStageID: "ship"})
	_, err := env.Engine.CreateDefinition(env.Ctx, spec)
	if !flowerr.IsKind(err, flowerr.Validation) {
		t.Fatalf("expected validation error, got %v", err)
	}

	spec = releaseSpec()
	spec.Stages[3].IsEnd = false
	_, err = env.Engine.CreateDefinition(env.Ctx, spec)
	if !flowerr.IsKind(err, flowerr.Validation) {
		t.Fatalf("expected no-end-stage error, got %v", err)
	}
}

func TestCreateDefinitionRejectsDependencyCycle(t *testing.T) {
	env := newTestEnv(t)
	spec := engine.DefinitionSpec{
		Name: "cyclic",
		Stages: []engine.StageSpec{
			{ID: "a", Name: "A", OrderIndex: 1, DependsOn: []string{"b"}},
			{ID: "b", Name: "B", OrderIndex: 2, DependsOn: []string{"a"}},
			{ID: "end", Name: "End", OrderIndex: 3, IsEnd: true},
		},
		Transitions: []engine.TransitionSpec{
			{FromStageID: "a", ToStageID: "b"},
			{FromStageID: "b", ToStageID: "end"},
		},
	}
	_, err := env.Engine.CreateDefinition(env.Ctx, spec)
	if !flowerr.IsKind(err, flowerr.Validation) {
		t.Fatalf("expected cycle rejection, got %v", err)
	}
}

func TestConditionalRouting(t *testing.T) {
	env := newTestEnv(t)
	detail := mustCreate(t, env, releaseSpec())

	// pro tier takes the fast lane
	sess := mustStart(t, env, detail.Definition.ID, map[string]string{"tier": "pro"})
	res, err := env.Engine.Advance(env.Ctx, sess.Session.ID, []string{"triage"})
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if res.Opened == nil || res.Opened.StageID != "fast" {
		t.Fatalf("expected fast lane, got %+v", res.Opened)
	}

	// anything else falls through to the default edge
	sess = mustStart(t, env, detail.Definition.ID, map[string]string{"tier": "free"})
	res, err = env.Engine.Advance(env.Ctx, sess.Session.ID, []string{"triage"})
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if res.Opened == nil || res.Opened.StageID != "review" {
		t.Fatalf("expected review lane, got %+v", res.Opened)
	}

	// unknown key also falls through, never errors
	sess = mustStart(t, env, detail.Definition.ID, nil)
	res, err = env.Engine.Advance(env.Ctx, sess.Session.ID, []string{"triage"})
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if res.Opened == nil || res.Opened.StageID != "review" {
		t.Fatalf("expected review lane on missing key, got %+v", res.Opened)
	}
}

func TestAdvanceToCompletion(t *testing.T) {
	env := newTestEnv(t)
	detail := mustCreate(t, env, releaseSpec())
	sess := mustStart(t, env, detail.Definition.ID, map[string]string{"tier": "pro"})

	if _, err := env.Engine.Advance(env.Ctx, sess.Session.ID, []string{"triage"}); err != nil {
		t.Fatalf("advance intake: %v", err)
	}
	res, err := env.Engine.Advance(env.Ctx, sess.Session.ID, nil)
	if err != nil {
		t.Fatalf("advance fast: %v", err)
	}
	if res.Opened == nil || res.Opened.StageID != "ship" {
		t.Fatalf("expected ship, got %+v", res.Opened)
	}
	res, err = env.Engine.Advance(env.Ctx, sess.Session.ID, nil)
	if err != nil {
		t.Fatalf("advance ship: %v", err)
	}
	if !res.Completed || res.Session.Status != domain.SessionCompleted {
		t.Fatalf("expected completed session, got %s", res.Session.Status)
	}
	if res.Session.CurrentStageID != nil {
		t.Fatalf("completed session should have no current stage")
	}

	// further advancing a completed session is illegal
	_, err = env.Engine.Advance(env.Ctx, sess.Session.ID, nil)
	if !flowerr.IsKind(err, flowerr.IllegalState) {
		t.Fatalf("expected illegal state, got %v", err)
	}
}

func TestAdvanceIncompleteChecklist(t *testing.T) {
	env := newTestEnv(t)
	detail := mustCreate(t, env, releaseSpec())
	sess := mustStart(t, env, detail.Definition.ID, map[string]string{"tier": "free"})
	if _, err := env.Engine.Advance(env.Ctx, sess.Session.ID, []string{"triage"}); err != nil {
		t.Fatalf("advance intake: %v", err)
	}

	// required item missing: session stays on review, remaining reported
	res, err := env.Engine.Advance(env.Ctx, sess.Session.ID, []string{"notes"})
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if res.Closed != nil || res.Opened != nil {
		t.Fatalf("expected no movement")
	}
	if len(res.Remaining) != 1 || res.Remaining[0] != "approve" {
		t.Fatalf("expected approve remaining, got %v", res.Remaining)
	}

	// unknown item is a validation error
	_, err = env.Engine.Advance(env.Ctx, sess.Session.ID, []string{"bogus"})
	if !flowerr.IsKind(err, flowerr.Validation) {
		t.Fatalf("expected validation error, got %v", err)
	}

	// marking the same item twice is harmless
	if _, err := env.Engine.CompleteItems(env.Ctx, sess.Session.ID, []string{"notes"}); err != nil {
		t.Fatalf("complete items: %v", err)
	}
	res, err = env.Engine.Advance(env.Ctx, sess.Session.ID, []string{"approve"})
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if res.Opened == nil || res.Opened.StageID != "ship" {
		t.Fatalf("expected ship, got %+v", res.Opened)
	}
	if res.Closed == nil || len(res.Closed.DoneItems) != 2 {
		t.Fatalf("expected two done items, got %+v", res.Closed)
	}
}

func TestDeadEndKeepsSessionInPlace(t *testing.T) {
	env := newTestEnv(t)
	spec := engine.DefinitionSpec{
		Name: "gated",
		Stages: []engine.StageSpec{
			{ID: "a", Name: "A", OrderIndex: 1},
			{ID: "b", Name: "B", OrderIndex: 2, IsEnd: true},
		},
		Transitions: []engine.TransitionSpec{
			{FromStageID: "a", ToStageID: "b", Condition: "approved = yes"},
		},
	}
	detail := mustCreate(t, env, spec)
	sess := mustStart(t, env, detail.Definition.ID, nil)

	res, err := env.Engine.Advance(env.Ctx, sess.Session.ID, nil)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if !res.DeadEnd || res.Warning == "" {
		t.Fatalf("expected dead end warning, got %+v", res)
	}
	got, err := env.Engine.GetSessionDetail(env.Ctx, sess.Session.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Session.CurrentStageID == nil || *got.Session.CurrentStageID != "a" {
		t.Fatalf("session should stay on a")
	}
	if got.Session.Status != domain.SessionActive {
		t.Fatalf("session should stay active, got %s", got.Session.Status)
	}

	// once the context changes the same advance succeeds
	if _, err := env.Engine.UpdateContext(env.Ctx, sess.Session.ID, map[string]string{"approved": "yes"}); err != nil {
		t.Fatalf("update context: %v", err)
	}
	res, err = env.Engine.Advance(env.Ctx, sess.Session.ID, nil)
	if err != nil {
		t.Fatalf("advance after context change: %v", err)
	}
	if res.Opened == nil || res.Opened.StageID != "b" {
		t.Fatalf("expected b, got %+v", res.Opened)
	}
}

func TestDependencyGatesTransition(t *testing.T) {
	env := newTestEnv(t)
	spec := engine.DefinitionSpec{
		Name: "deps",
		Stages: []engine.StageSpec{
			{ID: "a", Name: "A", OrderIndex: 1},
			{ID: "b", Name: "B", OrderIndex: 2},
			{ID: "c", Name: "C", OrderIndex: 3, DependsOn: []string{"a", "b"}, IsEnd: true},
		},
		Transitions: []engine.TransitionSpec{
			{FromStageID: "a", ToStageID: "c"},
			{FromStageID: "a", ToStageID: "b", Condition: "detour = yes"},
			{FromStageID: "b", ToStageID: "c"},
		},
	}
	detail := mustCreate(t, env, spec)
	sess := mustStart(t, env, detail.Definition.ID, map[string]string{"detour": "yes"})

	// the detour edge is declared after a->c, but c's dependency on b is
	// unmet so a->b is the first legal transition
	res, err := env.Engine.Advance(env.Ctx, sess.Session.ID, nil)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if res.Opened == nil || res.Opened.StageID != "b" {
		t.Fatalf("expected b (c gated by deps), got %+v", res.Opened)
	}
	res, err = env.Engine.Advance(env.Ctx, sess.Session.ID, nil)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if res.Opened == nil || res.Opened.StageID != "c" {
		t.Fatalf("expected c after deps met, got %+v", res.Opened)
	}
}

func TestPauseResumeAbort(t *testing.T) {
	env := newTestEnv(t)
	detail := mustCreate(t, env, releaseSpec())
	sess := mustStart(t, env, detail.Definition.ID, nil)

	paused, err := env.Engine.Pause(env.Ctx, sess.Session.ID, "waiting on vendor")
	if err != nil || paused.Status != domain.SessionPaused {
		t.Fatalf("pause: %v", err)
	}
	if paused.Context["pause_reason"] != "waiting on vendor" {
		t.Fatalf("expected pause reason in context")
	}

	// paused sessions reject advance and double pause
	if _, err := env.Engine.Advance(env.Ctx, sess.Session.ID, nil); !flowerr.IsKind(err, flowerr.IllegalState) {
		t.Fatalf("expected illegal state on paused advance, got %v", err)
	}
	if _, err := env.Engine.Pause(env.Ctx, sess.Session.ID, ""); !flowerr.IsKind(err, flowerr.IllegalState) {
		t.Fatalf("expected illegal state on double pause, got %v", err)
	}

	resumed, err := env.Engine.Resume(env.Ctx, sess.Session.ID)
	if err != nil || resumed.Status != domain.SessionActive {
		t.Fatalf("resume: %v", err)
	}
	if _, ok := resumed.Context["pause_reason"]; ok {
		t.Fatalf("resume should clear pause reason")
	}

	aborted, err := env.Engine.Abort(env.Ctx, sess.Session.ID, "cancelled")
	if err != nil || aborted.Status != domain.SessionAborted {
		t.Fatalf("abort: %v", err)
	}
	if aborted.CurrentStageID != nil {
		t.Fatalf("aborted session should have no current stage")
	}
	// abort is idempotent
	again, err := env.Engine.Abort(env.Ctx, sess.Session.ID, "cancelled")
	if err != nil || again.Status != domain.SessionAborted {
		t.Fatalf("second abort: %v", err)
	}
	// the open instance was failed with the reason
	got, err := env.Engine.GetSessionDetail(env.Ctx, sess.Session.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Instances) != 1 || got.Instances[0].Status != domain.InstanceFailed || got.Instances[0].Reason != "cancelled" {
		t.Fatalf("expected failed instance with reason, got %+v", got.Instances)
	}
}

func TestSkipStageCountsAsComplete(t *testing.T) {
	env := newTestEnv(t)
	detail := mustCreate(t, env, releaseSpec())
	sess := mustStart(t, env, detail.Definition.ID, nil)

	res, err := env.Engine.SkipStage(env.Ctx, sess.Session.ID, "already triaged upstream")
	if err != nil {
		t.Fatalf("skip: %v", err)
	}
	if res.Closed == nil || res.Closed.Status != domain.InstanceSkipped {
		t.Fatalf("expected skipped instance, got %+v", res.Closed)
	}
	if res.Opened == nil || res.Opened.StageID != "review" {
		t.Fatalf("expected review, got %+v", res.Opened)
	}
	found := false
	for _, id := range res.Session.CompletedStages {
		if id == "intake" {
			found = true
		}
	}
	if !found {
		t.Fatalf("skipped stage should count as complete, got %v", res.Session.CompletedStages)
	}
}

func TestSkipRefusesToStrand(t *testing.T) {
	env := newTestEnv(t)
	spec := engine.DefinitionSpec{
		Name: "gated",
		Stages: []engine.StageSpec{
			{ID: "a", Name: "A", OrderIndex: 1},
			{ID: "b", Name: "B", OrderIndex: 2, IsEnd: true},
		},
		Transitions: []engine.TransitionSpec{
			{FromStageID: "a", ToStageID: "b", Condition: "approved = yes"},
		},
	}
	detail := mustCreate(t, env, spec)
	sess := mustStart(t, env, detail.Definition.ID, nil)
	_, err := env.Engine.SkipStage(env.Ctx, sess.Session.ID, "nope")
	if !flowerr.IsKind(err, flowerr.IllegalState) {
		t.Fatalf("expected illegal state, got %v", err)
	}
}

func TestBackReopensPreviousStage(t *testing.T) {
	env := newTestEnv(t)
	detail := mustCreate(t, env, releaseSpec())
	sess := mustStart(t, env, detail.Definition.ID, nil)

	// at the start there is nothing to go back to
	if _, err := env.Engine.Back(env.Ctx, sess.Session.ID); !flowerr.IsKind(err, flowerr.IllegalState) {
		t.Fatalf("expected illegal state, got %v", err)
	}

	if _, err := env.Engine.Advance(env.Ctx, sess.Session.ID, []string{"triage"}); err != nil {
		t.Fatalf("advance: %v", err)
	}
	res, err := env.Engine.Back(env.Ctx, sess.Session.ID)
	if err != nil {
		t.Fatalf("back: %v", err)
	}
	if res.Opened == nil || res.Opened.StageID != "intake" {
		t.Fatalf("expected intake reopened, got %+v", res.Opened)
	}
	// the completed set never shrinks
	if len(res.Session.CompletedStages) != 1 || res.Session.CompletedStages[0] != "intake" {
		t.Fatalf("completed set changed: %v", res.Session.CompletedStages)
	}
}

func TestSnapshotIsolation(t *testing.T) {
	env := newTestEnv(t)
	detail := mustCreate(t, env, releaseSpec())
	sess := mustStart(t, env, detail.Definition.ID, map[string]string{"tier": "pro"})

	// rewire the definition so pro tier now routes to review; the fast
	// lane is removed so every stage stays reachable
	spec := releaseSpec()
	spec.Stages = append(spec.Stages[:2], spec.Stages[3:]...)
	spec.Transitions = []engine.TransitionSpec{
		{FromStageID: "intake", ToStageID: "review"},
		{FromStageID: "review", ToStageID: "ship"},
	}
	if _, err := env.Engine.UpdateDefinition(env.Ctx, detail.Definition.ID, spec); err != nil {
		t.Fatalf("update definition: %v", err)
	}

	// the running session still follows its snapshot
	res, err := env.Engine.Advance(env.Ctx, sess.Session.ID, []string{"triage"})
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if res.Opened == nil || res.Opened.StageID != "fast" {
		t.Fatalf("expected snapshot routing to fast, got %+v", res.Opened)
	}

	// a fresh session follows the new graph
	sess2 := mustStart(t, env, detail.Definition.ID, map[string]string{"tier": "pro"})
	res, err = env.Engine.Advance(env.Ctx, sess2.Session.ID, []string{"triage"})
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if res.Opened == nil || res.Opened.StageID != "review" {
		t.Fatalf("expected new routing to review, got %+v", res.Opened)
	}
}

func TestArchiveWithLiveSessions(t *testing.T) {
	env := newTestEnv(t)
	detail := mustCreate(t, env, releaseSpec())
	sess := mustStart(t, env, detail.Definition.ID, nil)

	_, err := env.Engine.ArchiveDefinition(env.Ctx, detail.Definition.ID, false)
	if !flowerr.IsKind(err, flowerr.Conflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	d, err := env.Engine.ArchiveDefinition(env.Ctx, detail.Definition.ID, true)
	if err != nil || d.Status != domain.DefinitionArchived {
		t.Fatalf("forced archive: %v", err)
	}
	// archiving again is a no-op
	if _, err := env.Engine.ArchiveDefinition(env.Ctx, detail.Definition.ID, false); err != nil {
		t.Fatalf("repeat archive: %v", err)
	}
	// archived definitions refuse new sessions
	_, err = env.Engine.StartSession(env.Ctx, detail.Definition.ID, "", nil)
	if !flowerr.IsKind(err, flowerr.Conflict) {
		t.Fatalf("expected conflict on archived start, got %v", err)
	}

	// the live session keeps running on its snapshot
	res, err := env.Engine.Advance(env.Ctx, sess.Session.ID, []string{"triage"})
	if err != nil {
		t.Fatalf("advance after archive: %v", err)
	}
	if res.Opened == nil || res.Opened.StageID != "review" {
		t.Fatalf("expected review after archive, got %+v", res.Opened)
	}
	if _, err := env.Engine.Advance(env.Ctx, sess.Session.ID, []string{"approve"}); err != nil {
		t.Fatalf("advance to ship: %v", err)
	}
	res, err = env.Engine.Advance(env.Ctx, sess.Session.ID, nil)
	if err != nil {
		t.Fatalf("final advance: %v", err)
	}
	if !res.Completed || res.Session.Status != domain.SessionCompleted {
		t.Fatalf("expected completion after archive, got %+v", res.Session)
	}
}

func TestProgressIsWeighted(t *testing.T) {
	env := newTestEnv(t)
	spec := engine.DefinitionSpec{
		Name: "weighted",
		Stages: []engine.StageSpec{
			{ID: "a", Name: "A", OrderIndex: 1, Weight: 3},
			{ID: "b", Name: "B", OrderIndex: 2, IsEnd: true},
		},
		Transitions: []engine.TransitionSpec{
			{FromStageID: "a", ToStageID: "b"},
		},
	}
	detail := mustCreate(t, env, spec)
	sess := mustStart(t, env, detail.Definition.ID, nil)
	if _, err := env.Engine.Advance(env.Ctx, sess.Session.ID, nil); err != nil {
		t.Fatalf("advance: %v", err)
	}
	got, err := env.Engine.GetSessionDetail(env.Ctx, sess.Session.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Progress != 0.75 {
		t.Fatalf("expected 0.75, got %v", got.Progress)
	}
}

func TestDeliverablesAttachToInstance(t *testing.T) {
	env := newTestEnv(t)
	detail := mustCreate(t, env, releaseSpec())
	sess := mustStart(t, env, detail.Definition.ID, nil)

	if _, err := env.Engine.RecordDeliverable(env.Ctx, sess.Session.ID, "", "x"); !flowerr.IsKind(err, flowerr.Validation) {
		t.Fatalf("expected validation error on empty name, got %v", err)
	}
	inst, err := env.Engine.RecordDeliverable(env.Ctx, sess.Session.ID, "triage-report", "s3://bucket/report.pdf")
	if err != nil {
		t.Fatalf("record deliverable: %v", err)
	}
	if len(inst.Deliverables) != 1 || inst.Deliverables[0].Name != "triage-report" {
		t.Fatalf("expected deliverable, got %+v", inst.Deliverables)
	}
}

func TestStatusEventsRecorded(t *testing.T) {
	env := newTestEnv(t)
	detail := mustCreate(t, env, releaseSpec())
	sess := mustStart(t, env, detail.Definition.ID, nil)
	if _, err := env.Engine.Advance(env.Ctx, sess.Session.ID, []string{"triage"}); err != nil {
		t.Fatalf("advance: %v", err)
	}
	events, err := env.Engine.Repo.LatestStatusEvents(env.Ctx, repo.StatusEventFilters{SessionID: sess.Session.ID})
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	// session started, first instance opened, instance closed, next opened
	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d", len(events))
	}
}

func TestSingleActiveInstancePerSession(t *testing.T) {
	env := newTestEnv(t)
	detail := mustCreate(t, env, releaseSpec())
	sess := mustStart(t, env, detail.Definition.ID, nil)
	if _, err := env.Engine.Advance(env.Ctx, sess.Session.ID, []string{"triage"}); err != nil {
		t.Fatalf("advance: %v", err)
	}
	got, err := env.Engine.GetSessionDetail(env.Ctx, sess.Session.ID)
	if err != nil {
		t.Fatal(err)
	}
	active := 0
	for _, in := range got.Instances {
		if in.Status == domain.InstanceActive {
			active++
		}
	}
	if active != 1 {
		t.Fatalf("expected exactly one active instance, got %d", active)
	}
}
