package engine

import (
	"context"

	"github.com/google/uuid"

	"flowline/internal/condition"
	"flowline/internal/domain"
	"flowline/internal/flowerr"
	"flowline/internal/graph"
	"flowline/internal/repo"
)

// SessionDetail bundles a session with its instance history and weighted
// progress.
type SessionDetail struct {
	Session   domain.FlowSession     `json:"session"`
	Instances []domain.StageInstance `json:"instances"`
	Progress  float64                `json:"progress"`
}

// AdvanceResult reports what one advance call did. DeadEnd is the soft
// warning advance returns when the checklist was satisfied but no legal
// outgoing transition exists on a non-end stage, so the session stays put.
type AdvanceResult struct {
	Session   domain.FlowSession    `json:"session"`
	Closed    *domain.StageInstance `json:"closed,omitempty"`
	Opened    *domain.StageInstance `json:"opened,omitempty"`
	Remaining []string              `json:"remaining,omitempty"`
	Completed bool                  `json:"completed"`
	DeadEnd   bool                  `json:"dead_end"`
	Warning   string                `json:"warning,omitempty"`
}

// compiled is a definition snapshot with its guard expressions parsed once.
type compiled struct {
	snap          domain.DefinitionSnapshot
	guards        map[string]condition.Expr // by transition id
	prerequisites map[string]condition.Expr // by stage id
}

func compileSnapshot(snap domain.DefinitionSnapshot) (compiled, error) {
	c := compiled{
		snap:          snap,
		guards:        make(map[string]condition.Expr, len(snap.Transitions)),
		prerequisites: map[string]condition.Expr{},
	}
	for _, tr := range snap.Transitions {
		raw := ""
		if tr.Condition != nil {
			raw = *tr.Condition
		}
		expr, err := condition.Parse(raw)
		if err != nil {
			return compiled{}, flowerr.New(flowerr.Validation, "transition %s: %v", tr.ID, err)
		}
		c.guards[tr.ID] = expr
	}
	for _, s := range snap.Stages {
		if s.Prerequisite == "" {
			continue
		}
		expr, err := condition.Parse(s.Prerequisite)
		if err != nil {
			return compiled{}, flowerr.New(flowerr.Validation, "stage %s: %v", s.ID, err)
		}
		c.prerequisites[s.ID] = expr
	}
	return c, nil
}

// pickTransition evaluates the outgoing transitions of a stage in
// declaration order and returns the first legal one. A transition is legal
// when its guard holds for the merged context, the target's dependencies
// are all complete, and the target's prerequisite (if any) holds.
func (c compiled) pickTransition(fromStageID string, mergedCtx map[string]string, completed map[string]bool) (domain.Transition, domain.Stage, bool) {
	for _, tr := range c.snap.Outgoing(fromStageID) {
		if !c.guards[tr.ID].Eval(mergedCtx) {
			continue
		}
		target, ok := c.snap.StageByID(tr.ToStageID)
		if !ok {
			continue
		}
		legal := true
		for _, dep := range target.DependsOn {
			if !completed[dep] {
				legal = false
				break
			}
		}
		if !legal {
			continue
		}
		if pre, ok := c.prerequisites[target.ID]; ok && !pre.Eval(mergedCtx) {
			continue
		}
		return tr, target, true
	}
	return domain.Transition{}, domain.Stage{}, false
}

func mergeContext(session, instance map[string]string) map[string]string {
	merged := make(map[string]string, len(session)+len(instance))
	for k, v := range session {
		merged[k] = v
	}
	for k, v := range instance {
		merged[k] = v
	}
	return merged
}

// checklistSatisfied reports whether every required item is done.
func checklistSatisfied(stage domain.Stage, done []string) bool {
	doneSet := make(map[string]bool, len(done))
	for _, id := range done {
		doneSet[id] = true
	}
	for _, item := range stage.Checklist {
		if item.Required && !doneSet[item.ID] {
			return false
		}
	}
	return true
}

func remainingItems(stage domain.Stage, done []string) []string {
	doneSet := make(map[string]bool, len(done))
	for _, id := range done {
		doneSet[id] = true
	}
	var remaining []string
	for _, item := range stage.Checklist {
		if item.Required && !doneSet[item.ID] {
			remaining = append(remaining, item.ID)
		}
	}
	return remaining
}

func completedSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

func appendUnique(list []string, id string) []string {
	for _, existing := range list {
		if existing == id {
			return list
		}
	}
	return append(list, id)
}

// StartSession binds a new session to the definition's current snapshot and
// opens the start stage instance.
func (e Engine) StartSession(ctx context.Context, definitionID, name string, initialContext map[string]string) (SessionDetail, error) {
	d, err := e.Repo.GetDefinition(ctx, definitionID)
	if err != nil {
		return SessionDetail{}, e.wrapNotFound(err, "definition %s not found", definitionID)
	}
	if d.Status == domain.DefinitionArchived {
		return SessionDetail{}, flowerr.New(flowerr.Conflict, "definition %s is archived", definitionID)
	}
	stages, err := e.Repo.ListStages(ctx, definitionID)
	if err != nil {
		return SessionDetail{}, err
	}
	transitions, err := e.Repo.ListTransitions(ctx, definitionID)
	if err != nil {
		return SessionDetail{}, err
	}
	// defensive re-validation: the definition may have been edited since it
	// was last saved in a valid state
	if issues := graph.Validate(stages, transitions, e.graphOptions()); len(issues) > 0 {
		return SessionDetail{}, flowerr.New(flowerr.Validation, "definition %s failed structural validation", definitionID).
			WithDetails(graph.Messages(issues)...)
	}
	start, ok := graph.StartStage(stages)
	if !ok {
		return SessionDetail{}, flowerr.New(flowerr.Validation, "definition %s has no start stage", definitionID)
	}
	snapshot := domain.DefinitionSnapshot{Definition: d, Stages: stages, Transitions: transitions}
	now := e.nowStr()
	if name == "" {
		name = d.Name
	}
	sessionID := uuid.New().String()
	session := domain.FlowSession{
		ID:             sessionID,
		DefinitionID:   definitionID,
		Name:           name,
		Status:         domain.SessionActive,
		CurrentStageID: &start.ID,
		Context:        initialContext,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	instance := domain.StageInstance{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		StageID:   start.ID,
		Name:      start.Name,
		Status:    domain.InstanceActive,
		StartedAt: now,
	}
	unlock := e.locks.acquire(sessionID)
	defer unlock()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return SessionDetail{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertSessionTx(ctx, tx, session, snapshot); err != nil {
		return SessionDetail{}, err
	}
	if err := e.Repo.InsertInstanceTx(ctx, tx, instance); err != nil {
		return SessionDetail{}, err
	}
	if err := tx.Commit(); err != nil {
		return SessionDetail{}, err
	}
	e.publish(ctx, domain.StatusEvent{
		EntityKind: kindSession, EntityID: sessionID,
		NewStatus: session.Status, SessionID: sessionID, DefinitionID: definitionID,
	})
	e.publish(ctx, domain.StatusEvent{
		EntityKind: kindInstance, EntityID: instance.ID,
		NewStatus: instance.Status, SessionID: sessionID, DefinitionID: definitionID,
	})
	return SessionDetail{Session: session, Instances: []domain.StageInstance{instance}, Progress: 0}, nil
}

// Pause suspends an active session.
func (e Engine) Pause(ctx context.Context, sessionID, reason string) (domain.FlowSession, error) {
	unlock := e.locks.acquire(sessionID)
	defer unlock()
	s, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return domain.FlowSession{}, e.wrapNotFound(err, "session %s not found", sessionID)
	}
	if s.Status != domain.SessionActive {
		return domain.FlowSession{}, flowerr.New(flowerr.IllegalState, "cannot pause session in status %s", s.Status)
	}
	old := s.Status
	s.Status = domain.SessionPaused
	if reason != "" {
		if s.Context == nil {
			s.Context = map[string]string{}
		}
		s.Context["pause_reason"] = reason
	}
	s.UpdatedAt = e.nowStr()
	if err := e.updateSession(ctx, s); err != nil {
		return domain.FlowSession{}, err
	}
	e.publish(ctx, domain.StatusEvent{
		EntityKind: kindSession, EntityID: s.ID,
		OldStatus: old, NewStatus: s.Status,
		SessionID: s.ID, DefinitionID: s.DefinitionID,
	})
	return s, nil
}

// Resume reactivates a paused session.
func (e Engine) Resume(ctx context.Context, sessionID string) (domain.FlowSession, error) {
	unlock := e.locks.acquire(sessionID)
	defer unlock()
	s, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return domain.FlowSession{}, e.wrapNotFound(err, "session %s not found", sessionID)
	}
	if s.Status != domain.SessionPaused {
		return domain.FlowSession{}, flowerr.New(flowerr.IllegalState, "cannot resume session in status %s", s.Status)
	}
	old := s.Status
	s.Status = domain.SessionActive
	if s.Context != nil {
		delete(s.Context, "pause_reason")
	}
	s.UpdatedAt = e.nowStr()
	if err := e.updateSession(ctx, s); err != nil {
		return domain.FlowSession{}, err
	}
	e.publish(ctx, domain.StatusEvent{
		EntityKind: kindSession, EntityID: s.ID,
		OldStatus: old, NewStatus: s.Status,
		SessionID: s.ID, DefinitionID: s.DefinitionID,
	})
	return s, nil
}

// Abort terminates a session. Aborting an already aborted session is a
// no-op; the current stage instance, if any, is marked failed.
func (e Engine) Abort(ctx context.Context, sessionID, reason string) (domain.FlowSession, error) {
	unlock := e.locks.acquire(sessionID)
	defer unlock()
	s, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return domain.FlowSession{}, e.wrapNotFound(err, "session %s not found", sessionID)
	}
	if s.Status == domain.SessionAborted {
		return s, nil
	}
	if s.Status == domain.SessionCompleted {
		return domain.FlowSession{}, flowerr.New(flowerr.IllegalState, "cannot abort completed session")
	}
	now := e.nowStr()
	old := s.Status
	var failed *domain.StageInstance
	if inst, err := e.Repo.ActiveInstance(ctx, sessionID); err == nil {
		inst.Status = domain.InstanceFailed
		inst.CompletedAt = &now
		inst.Reason = reason
		failed = &inst
	}
	s.Status = domain.SessionAborted
	s.CurrentStageID = nil
	s.UpdatedAt = now
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.FlowSession{}, err
	}
	defer tx.Rollback()
	if failed != nil {
		if err := e.Repo.UpdateInstanceTx(ctx, tx, *failed); err != nil {
			return domain.FlowSession{}, err
		}
	}
	if err := e.Repo.UpdateSessionTx(ctx, tx, s); err != nil {
		return domain.FlowSession{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.FlowSession{}, err
	}
	if failed != nil {
		e.publish(ctx, domain.StatusEvent{
			EntityKind: kindInstance, EntityID: failed.ID,
			OldStatus: domain.InstanceActive, NewStatus: failed.Status,
			SessionID: s.ID, DefinitionID: s.DefinitionID,
		})
	}
	e.publish(ctx, domain.StatusEvent{
		EntityKind: kindSession, EntityID: s.ID,
		OldStatus: old, NewStatus: s.Status,
		SessionID: s.ID, DefinitionID: s.DefinitionID,
	})
	return s, nil
}

// Advance is the primary session driver. It records the supplied checklist
// items on the current instance and, once the stage checklist is satisfied,
// closes the instance and moves the session along the first legal outgoing
// transition.
func (e Engine) Advance(ctx context.Context, sessionID string, items []string) (AdvanceResult, error) {
	unlock := e.locks.acquire(sessionID)
	defer unlock()
	s, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return AdvanceResult{}, e.wrapNotFound(err, "session %s not found", sessionID)
	}
	if s.Status != domain.SessionActive {
		return AdvanceResult{}, flowerr.New(flowerr.IllegalState, "cannot advance session in status %s", s.Status)
	}
	snap, err := e.Repo.GetSnapshot(ctx, sessionID)
	if err != nil {
		return AdvanceResult{}, err
	}
	comp, err := compileSnapshot(snap)
	if err != nil {
		return AdvanceResult{}, err
	}
	inst, err := e.Repo.ActiveInstance(ctx, sessionID)
	if err != nil {
		return AdvanceResult{}, e.wrapNotFound(err, "session %s has no active stage instance", sessionID)
	}
	stage, ok := snap.StageByID(inst.StageID)
	if !ok {
		return AdvanceResult{}, flowerr.New(flowerr.Validation, "stage %s missing from session snapshot", inst.StageID)
	}
	known := map[string]bool{}
	for _, item := range stage.Checklist {
		known[item.ID] = true
	}
	for _, id := range items {
		if !known[id] {
			return AdvanceResult{}, flowerr.New(flowerr.Validation, "unknown checklist item %s for stage %s", id, stage.ID)
		}
		inst.DoneItems = appendUnique(inst.DoneItems, id)
	}

	now := e.nowStr()
	if !checklistSatisfied(stage, inst.DoneItems) {
		if err := e.updateInstance(ctx, inst); err != nil {
			return AdvanceResult{}, err
		}
		return AdvanceResult{Session: s, Remaining: remainingItems(stage, inst.DoneItems)}, nil
	}

	merged := mergeContext(s.Context, inst.Context)
	done := completedSet(s.CompletedStages)
	done[stage.ID] = true
	_, target, found := comp.pickTransition(stage.ID, merged, done)

	if !found && !stage.IsEnd {
		// soft dead end: keep the instance open so a later advance can
		// retry once the context has changed
		if err := e.updateInstance(ctx, inst); err != nil {
			return AdvanceResult{}, err
		}
		return AdvanceResult{
			Session: s,
			DeadEnd: true,
			Warning: "no legal outgoing transition from stage " + stage.ID + "; session stays on it",
		}, nil
	}

	inst.Status = domain.InstanceCompleted
	inst.CompletedAt = &now
	s.CompletedStages = appendUnique(s.CompletedStages, stage.ID)
	s.UpdatedAt = now

	var opened *domain.StageInstance
	oldSessionStatus := s.Status
	if found {
		next := domain.StageInstance{
			ID:        uuid.New().String(),
			SessionID: sessionID,
			StageID:   target.ID,
			Name:      target.Name,
			Status:    domain.InstanceActive,
			StartedAt: now,
		}
		opened = &next
		s.CurrentStageID = &target.ID
	} else {
		s.Status = domain.SessionCompleted
		s.CurrentStageID = nil
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return AdvanceResult{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateInstanceTx(ctx, tx, inst); err != nil {
		return AdvanceResult{}, err
	}
	if opened != nil {
		if err := e.Repo.InsertInstanceTx(ctx, tx, *opened); err != nil {
			return AdvanceResult{}, err
		}
	}
	if err := e.Repo.UpdateSessionTx(ctx, tx, s); err != nil {
		return AdvanceResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return AdvanceResult{}, err
	}

	e.publish(ctx, domain.StatusEvent{
		EntityKind: kindInstance, EntityID: inst.ID,
		OldStatus: domain.InstanceActive, NewStatus: inst.Status,
		SessionID: s.ID, DefinitionID: s.DefinitionID,
	})
	if opened != nil {
		e.publish(ctx, domain.StatusEvent{
			EntityKind: kindInstance, EntityID: opened.ID,
			NewStatus: opened.Status,
			SessionID: s.ID, DefinitionID: s.DefinitionID,
		})
	}
	if s.Status != oldSessionStatus {
		e.publish(ctx, domain.StatusEvent{
			EntityKind: kindSession, EntityID: s.ID,
			OldStatus: oldSessionStatus, NewStatus: s.Status,
			SessionID: s.ID, DefinitionID: s.DefinitionID,
		})
	}
	return AdvanceResult{
		Session:   s,
		Closed:    &inst,
		Opened:    opened,
		Completed: s.Status == domain.SessionCompleted,
	}, nil
}

// CompleteItems records checklist items on the current instance without
// attempting a transition.
func (e Engine) CompleteItems(ctx context.Context, sessionID string, items []string) (domain.StageInstance, error) {
	unlock := e.locks.acquire(sessionID)
	defer unlock()
	s, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return domain.StageInstance{}, e.wrapNotFound(err, "session %s not found", sessionID)
	}
	if s.Status != domain.SessionActive {
		return domain.StageInstance{}, flowerr.New(flowerr.IllegalState, "cannot complete items on session in status %s", s.Status)
	}
	snap, err := e.Repo.GetSnapshot(ctx, sessionID)
	if err != nil {
		return domain.StageInstance{}, err
	}
	inst, err := e.Repo.ActiveInstance(ctx, sessionID)
	if err != nil {
		return domain.StageInstance{}, e.wrapNotFound(err, "session %s has no active stage instance", sessionID)
	}
	stage, ok := snap.StageByID(inst.StageID)
	if !ok {
		return domain.StageInstance{}, flowerr.New(flowerr.Validation, "stage %s missing from session snapshot", inst.StageID)
	}
	known := map[string]bool{}
	for _, item := range stage.Checklist {
		known[item.ID] = true
	}
	for _, id := range items {
		if !known[id] {
			return domain.StageInstance{}, flowerr.New(flowerr.Validation, "unknown checklist item %s for stage %s", id, stage.ID)
		}
		inst.DoneItems = appendUnique(inst.DoneItems, id)
	}
	if err := e.updateInstance(ctx, inst); err != nil {
		return domain.StageInstance{}, err
	}
	return inst, nil
}

// SkipStage is the operator override for optional stages: the current
// instance closes as skipped and the session advances regardless of the
// checklist. The skipped stage still counts as complete for dependency
// purposes.
func (e Engine) SkipStage(ctx context.Context, sessionID, reason string) (AdvanceResult, error) {
	unlock := e.locks.acquire(sessionID)
	defer unlock()
	s, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return AdvanceResult{}, e.wrapNotFound(err, "session %s not found", sessionID)
	}
	if s.Status != domain.SessionActive {
		return AdvanceResult{}, flowerr.New(flowerr.IllegalState, "cannot skip stage on session in status %s", s.Status)
	}
	snap, err := e.Repo.GetSnapshot(ctx, sessionID)
	if err != nil {
		return AdvanceResult{}, err
	}
	comp, err := compileSnapshot(snap)
	if err != nil {
		return AdvanceResult{}, err
	}
	inst, err := e.Repo.ActiveInstance(ctx, sessionID)
	if err != nil {
		return AdvanceResult{}, e.wrapNotFound(err, "session %s has no active stage instance", sessionID)
	}
	stage, ok := snap.StageByID(inst.StageID)
	if !ok {
		return AdvanceResult{}, flowerr.New(flowerr.Validation, "stage %s missing from session snapshot", inst.StageID)
	}
	merged := mergeContext(s.Context, inst.Context)
	done := completedSet(s.CompletedStages)
	done[stage.ID] = true
	_, target, found := comp.pickTransition(stage.ID, merged, done)
	if !found && !stage.IsEnd {
		return AdvanceResult{}, flowerr.New(flowerr.IllegalState, "skipping stage %s would strand the session: no legal outgoing transition", stage.ID)
	}

	now := e.nowStr()
	inst.Status = domain.InstanceSkipped
	inst.CompletedAt = &now
	inst.Reason = reason
	s.CompletedStages = appendUnique(s.CompletedStages, stage.ID)
	s.UpdatedAt = now
	oldSessionStatus := s.Status

	var opened *domain.StageInstance
	if found {
		next := domain.StageInstance{
			ID:        uuid.New().String(),
			SessionID: sessionID,
			StageID:   target.ID,
			Name:      target.Name,
			Status:    domain.InstanceActive,
			StartedAt: now,
		}
		opened = &next
		s.CurrentStageID = &target.ID
	} else {
		s.Status = domain.SessionCompleted
		s.CurrentStageID = nil
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return AdvanceResult{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateInstanceTx(ctx, tx, inst); err != nil {
		return AdvanceResult{}, err
	}
	if opened != nil {
		if err := e.Repo.InsertInstanceTx(ctx, tx, *opened); err != nil {
			return AdvanceResult{}, err
		}
	}
	if err := e.Repo.UpdateSessionTx(ctx, tx, s); err != nil {
		return AdvanceResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return AdvanceResult{}, err
	}

	e.publish(ctx, domain.StatusEvent{
		EntityKind: kindInstance, EntityID: inst.ID,
		OldStatus: domain.InstanceActive, NewStatus: inst.Status,
		SessionID: s.ID, DefinitionID: s.DefinitionID,
	})
	if opened != nil {
		e.publish(ctx, domain.StatusEvent{
			EntityKind: kindInstance, EntityID: opened.ID,
			NewStatus: opened.Status,
			SessionID: s.ID, DefinitionID: s.DefinitionID,
		})
	}
	if s.Status != oldSessionStatus {
		e.publish(ctx, domain.StatusEvent{
			EntityKind: kindSession, EntityID: s.ID,
			OldStatus: oldSessionStatus, NewStatus: s.Status,
			SessionID: s.ID, DefinitionID: s.DefinitionID,
		})
	}
	return AdvanceResult{
		Session:   s,
		Closed:    &inst,
		Opened:    opened,
		Completed: s.Status == domain.SessionCompleted,
	}, nil
}

// Back reopens the most recently completed stage. The current instance
// closes as skipped; the completed-stage set never shrinks.
func (e Engine) Back(ctx context.Context, sessionID string) (AdvanceResult, error) {
	unlock := e.locks.acquire(sessionID)
	defer unlock()
	s, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return AdvanceResult{}, e.wrapNotFound(err, "session %s not found", sessionID)
	}
	if s.Status != domain.SessionActive {
		return AdvanceResult{}, flowerr.New(flowerr.IllegalState, "cannot step back on session in status %s", s.Status)
	}
	if len(s.CompletedStages) == 0 {
		return AdvanceResult{}, flowerr.New(flowerr.IllegalState, "session %s has no completed stage to step back to", sessionID)
	}
	snap, err := e.Repo.GetSnapshot(ctx, sessionID)
	if err != nil {
		return AdvanceResult{}, err
	}
	prevID := s.CompletedStages[len(s.CompletedStages)-1]
	prev, ok := snap.StageByID(prevID)
	if !ok {
		return AdvanceResult{}, flowerr.New(flowerr.Validation, "stage %s missing from session snapshot", prevID)
	}
	inst, err := e.Repo.ActiveInstance(ctx, sessionID)
	if err != nil {
		return AdvanceResult{}, e.wrapNotFound(err, "session %s has no active stage instance", sessionID)
	}
	now := e.nowStr()
	inst.Status = domain.InstanceSkipped
	inst.CompletedAt = &now
	inst.Reason = "stepped back"
	reopened := domain.StageInstance{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		StageID:   prev.ID,
		Name:      prev.Name,
		Status:    domain.InstanceActive,
		StartedAt: now,
	}
	s.CurrentStageID = &prev.ID
	s.UpdatedAt = now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return AdvanceResult{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateInstanceTx(ctx, tx, inst); err != nil {
		return AdvanceResult{}, err
	}
	if err := e.Repo.InsertInstanceTx(ctx, tx, reopened); err != nil {
		return AdvanceResult{}, err
	}
	if err := e.Repo.UpdateSessionTx(ctx, tx, s); err != nil {
		return AdvanceResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return AdvanceResult{}, err
	}

	e.publish(ctx, domain.StatusEvent{
		EntityKind: kindInstance, EntityID: inst.ID,
		OldStatus: domain.InstanceActive, NewStatus: inst.Status,
		SessionID: s.ID, DefinitionID: s.DefinitionID,
	})
	e.publish(ctx, domain.StatusEvent{
		EntityKind: kindInstance, EntityID: reopened.ID,
		NewStatus: reopened.Status,
		SessionID: s.ID, DefinitionID: s.DefinitionID,
	})
	return AdvanceResult{Session: s, Closed: &inst, Opened: &reopened}, nil
}

// UpdateContext merges key/value pairs into the shared session context.
func (e Engine) UpdateContext(ctx context.Context, sessionID string, values map[string]string) (domain.FlowSession, error) {
	unlock := e.locks.acquire(sessionID)
	defer unlock()
	s, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return domain.FlowSession{}, e.wrapNotFound(err, "session %s not found", sessionID)
	}
	if s.Status != domain.SessionActive && s.Status != domain.SessionPaused {
		return domain.FlowSession{}, flowerr.New(flowerr.IllegalState, "cannot update context on session in status %s", s.Status)
	}
	if s.Context == nil {
		s.Context = map[string]string{}
	}
	for k, v := range values {
		s.Context[k] = v
	}
	s.UpdatedAt = e.nowStr()
	if err := e.updateSession(ctx, s); err != nil {
		return domain.FlowSession{}, err
	}
	return s, nil
}

// RecordDeliverable attaches a named output to the current stage instance.
func (e Engine) RecordDeliverable(ctx context.Context, sessionID, name, ref string) (domain.StageInstance, error) {
	if name == "" {
		return domain.StageInstance{}, flowerr.New(flowerr.Validation, "deliverable name is required")
	}
	unlock := e.locks.acquire(sessionID)
	defer unlock()
	s, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return domain.StageInstance{}, e.wrapNotFound(err, "session %s not found", sessionID)
	}
	if s.Status != domain.SessionActive {
		return domain.StageInstance{}, flowerr.New(flowerr.IllegalState, "cannot record deliverable on session in status %s", s.Status)
	}
	inst, err := e.Repo.ActiveInstance(ctx, sessionID)
	if err != nil {
		return domain.StageInstance{}, e.wrapNotFound(err, "session %s has no active stage instance", sessionID)
	}
	inst.Deliverables = append(inst.Deliverables, domain.Deliverable{
		Name:       name,
		Ref:        ref,
		RecordedAt: e.nowStr(),
	})
	if err := e.updateInstance(ctx, inst); err != nil {
		return domain.StageInstance{}, err
	}
	return inst, nil
}

// GetSessionDetail loads a session with its instance history and progress.
func (e Engine) GetSessionDetail(ctx context.Context, sessionID string) (SessionDetail, error) {
	s, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return SessionDetail{}, e.wrapNotFound(err, "session %s not found", sessionID)
	}
	instances, err := e.Repo.ListInstances(ctx, sessionID)
	if err != nil {
		return SessionDetail{}, err
	}
	snap, err := e.Repo.GetSnapshot(ctx, sessionID)
	if err != nil {
		return SessionDetail{}, err
	}
	return SessionDetail{Session: s, Instances: instances, Progress: progress(snap, s.CompletedStages)}, nil
}

func (e Engine) ListSessions(ctx context.Context, f repo.SessionFilters) ([]domain.FlowSession, error) {
	return e.Repo.ListSessions(ctx, f)
}

// progress is the weighted share of completed stages.
func progress(snap domain.DefinitionSnapshot, completed []string) float64 {
	var total, done float64
	doneSet := completedSet(completed)
	for _, s := range snap.Stages {
		w := s.Weight
		if w == 0 {
			w = 1
		}
		total += w
		if doneSet[s.ID] {
			done += w
		}
	}
	if total == 0 {
		return 0
	}
	return done / total
}

func (e Engine) updateSession(ctx context.Context, s domain.FlowSession) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateSessionTx(ctx, tx, s); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) updateInstance(ctx context.Context, in domain.StageInstance) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateInstanceTx(ctx, tx, in); err != nil {
		return err
	}
	return tx.Commit()
}
