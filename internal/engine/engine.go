package engine

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"flowline/internal/condition"
	"flowline/internal/config"
	"flowline/internal/domain"
	"flowline/internal/flowerr"
	"flowline/internal/graph"
	"flowline/internal/repo"
	"flowline/internal/status"
)

// Entity kinds used in status events.
const (
	kindDefinition = "definition"
	kindSession    = "session"
	kindInstance   = "stage_instance"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Status status.Publisher
	Config *config.Config
	Now    func() time.Time

	locks *sessionLocks
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Status: status.Recorder{DB: db},
		Config: cfg,
		Now:    time.Now,
		locks:  newSessionLocks(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowStr() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) graphOptions() graph.Options {
	opts := graph.Options{}
	if e.Config != nil {
		opts.AllowSelfLoops = e.Config.Engine.AllowSelfLoops
	}
	return opts
}

// publish hands a state change to the status boundary. State is the source
// of truth; a failing sink is logged and never rolls anything back.
func (e Engine) publish(ctx context.Context, evt domain.StatusEvent) {
	if e.Status == nil {
		return
	}
	if evt.TS == "" {
		evt.TS = e.nowStr()
	}
	if err := e.Status.Publish(ctx, evt); err != nil {
		slog.Warn("status publish failed",
			"entity_kind", evt.EntityKind,
			"entity_id", evt.EntityID,
			"new_status", evt.NewStatus,
			"error", err)
	}
}

// sessionLocks serializes mutating operations per session id.
type sessionLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{m: map[string]*sync.Mutex{}}
}

func (l *sessionLocks) acquire(sessionID string) func() {
	l.mu.Lock()
	lock, ok := l.m[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		l.m[sessionID] = lock
	}
	l.mu.Unlock()
	lock.Lock()
	return lock.Unlock
}

// DefinitionSpec is the authoring input for a whole workflow template.
type DefinitionSpec struct {
	ID          string
	Name        string
	Description string
	Type        string
	SourceRef   string
	Stages      []StageSpec
	Transitions []TransitionSpec
}

type StageSpec struct {
	ID           string
	Name         string
	Description  string
	OrderIndex   int
	Checklist    []domain.ChecklistItem
	Deliverables []domain.DeliverableSpec
	Weight       float64
	IsEnd        bool
	DependsOn    []string
	Prerequisite string
}

type TransitionSpec struct {
	ID          string
	FromStageID string
	ToStageID   string
	Condition   string
	Description string
}

// DefinitionDetail bundles a definition with its full graph.
type DefinitionDetail struct {
	Definition  domain.WorkflowDefinition `json:"definition"`
	Stages      []domain.Stage            `json:"stages"`
	Transitions []domain.Transition       `json:"transitions"`
}

func (e Engine) buildStage(definitionID string, spec StageSpec, now string) (domain.Stage, error) {
	if spec.Name == "" {
		return domain.Stage{}, flowerr.New(flowerr.Validation, "stage name is required")
	}
	id := spec.ID
	if id == "" {
		id = uuid.New().String()
	}
	weight := spec.Weight
	if weight == 0 {
		weight = 1
	}
	for _, item := range spec.Checklist {
		if item.ID == "" {
			return domain.Stage{}, flowerr.New(flowerr.Validation, "stage %s: checklist item without id", spec.Name)
		}
	}
	if spec.Prerequisite != "" {
		if err := condition.Validate(spec.Prerequisite); err != nil {
			return domain.Stage{}, flowerr.New(flowerr.Validation, "stage %s: %v", spec.Name, err)
		}
	}
	return domain.Stage{
		ID:           id,
		DefinitionID: definitionID,
		Name:         spec.Name,
		Description:  spec.Description,
		OrderIndex:   spec.OrderIndex,
		Checklist:    spec.Checklist,
		Deliverables: spec.Deliverables,
		Weight:       weight,
		IsEnd:        spec.IsEnd,
		DependsOn:    spec.DependsOn,
		Prerequisite: spec.Prerequisite,
		CreatedAt:    now,
	}, nil
}

func buildTransition(definitionID string, spec TransitionSpec, position int) domain.Transition {
	id := spec.ID
	if id == "" {
		id = uuid.New().String()
	}
	t := domain.Transition{
		ID:           id,
		DefinitionID: definitionID,
		FromStageID:  spec.FromStageID,
		ToStageID:    spec.ToStageID,
		Description:  spec.Description,
		Position:     position,
	}
	if spec.Condition != "" {
		cond := spec.Condition
		t.Condition = &cond
	}
	return t
}

func (e Engine) buildGraph(definitionID string, spec DefinitionSpec, now string) ([]domain.Stage, []domain.Transition, error) {
	stages := make([]domain.Stage, 0, len(spec.Stages))
	for _, ss := range spec.Stages {
		s, err := e.buildStage(definitionID, ss, now)
		if err != nil {
			return nil, nil, err
		}
		stages = append(stages, s)
	}
	transitions := make([]domain.Transition, 0, len(spec.Transitions))
	for i, ts := range spec.Transitions {
		transitions = append(transitions, buildTransition(definitionID, ts, i))
	}
	if issues := graph.Validate(stages, transitions, e.graphOptions()); len(issues) > 0 {
		return nil, nil, flowerr.New(flowerr.Validation, "definition failed structural validation").
			WithDetails(graph.Messages(issues)...)
	}
	return stages, transitions, nil
}

// CreateDefinition validates and persists a whole workflow template.
func (e Engine) CreateDefinition(ctx context.Context, spec DefinitionSpec) (DefinitionDetail, error) {
	if spec.Name == "" {
		return DefinitionDetail{}, flowerr.New(flowerr.Validation, "definition name is required")
	}
	if spec.Type == "" {
		spec.Type = "workflow"
	}
	id := spec.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := e.nowStr()
	d := domain.WorkflowDefinition{
		ID:          id,
		Name:        spec.Name,
		Description: spec.Description,
		Type:        spec.Type,
		Status:      domain.DefinitionActive,
		SourceRef:   spec.SourceRef,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	stages, transitions, err := e.buildGraph(id, spec, now)
	if err != nil {
		return DefinitionDetail{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return DefinitionDetail{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertDefinitionTx(ctx, tx, d); err != nil {
		return DefinitionDetail{}, err
	}
	for _, s := range stages {
		if err := e.Repo.InsertStageTx(ctx, tx, s); err != nil {
			return DefinitionDetail{}, err
		}
	}
	for _, t := range transitions {
		if err := e.Repo.InsertTransitionTx(ctx, tx, t, now); err != nil {
			return DefinitionDetail{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return DefinitionDetail{}, err
	}
	e.publish(ctx, domain.StatusEvent{
		EntityKind:   kindDefinition,
		EntityID:     d.ID,
		NewStatus:    d.Status,
		DefinitionID: d.ID,
	})
	return DefinitionDetail{Definition: d, Stages: stages, Transitions: transitions}, nil
}

// GetDefinitionDetail loads a definition with its graph.
func (e Engine) GetDefinitionDetail(ctx context.Context, id string) (DefinitionDetail, error) {
	d, err := e.Repo.GetDefinition(ctx, id)
	if err != nil {
		return DefinitionDetail{}, e.wrapNotFound(err, "definition %s not found", id)
	}
	stages, err := e.Repo.ListStages(ctx, id)
	if err != nil {
		return DefinitionDetail{}, err
	}
	transitions, err := e.Repo.ListTransitions(ctx, id)
	if err != nil {
		return DefinitionDetail{}, err
	}
	return DefinitionDetail{Definition: d, Stages: stages, Transitions: transitions}, nil
}

func (e Engine) ListDefinitions(ctx context.Context, f repo.DefinitionFilters) ([]domain.WorkflowDefinition, error) {
	return e.Repo.ListDefinitions(ctx, f)
}

// UpdateDefinition replaces a definition's graph after re-validating the
// whole candidate. Sessions started earlier keep running against the
// snapshot taken at their start.
func (e Engine) UpdateDefinition(ctx context.Context, id string, spec DefinitionSpec) (DefinitionDetail, error) {
	d, err := e.Repo.GetDefinition(ctx, id)
	if err != nil {
		return DefinitionDetail{}, e.wrapNotFound(err, "definition %s not found", id)
	}
	if d.Status == domain.DefinitionArchived {
		return DefinitionDetail{}, flowerr.New(flowerr.Conflict, "definition %s is archived", id)
	}
	now := e.nowStr()
	if spec.Name != "" {
		d.Name = spec.Name
	}
	if spec.Description != "" {
		d.Description = spec.Description
	}
	if spec.Type != "" {
		d.Type = spec.Type
	}
	if spec.SourceRef != "" {
		d.SourceRef = spec.SourceRef
	}
	d.UpdatedAt = now
	stages, transitions, err := e.buildGraph(id, spec, now)
	if err != nil {
		return DefinitionDetail{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return DefinitionDetail{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateDefinitionMetaTx(ctx, tx, d); err != nil {
		return DefinitionDetail{}, err
	}
	if err := e.Repo.DeleteTransitionsTx(ctx, tx, id); err != nil {
		return DefinitionDetail{}, err
	}
	if err := e.Repo.DeleteStagesTx(ctx, tx, id); err != nil {
		return DefinitionDetail{}, err
	}
	for _, s := range stages {
		if err := e.Repo.InsertStageTx(ctx, tx, s); err != nil {
			return DefinitionDetail{}, err
		}
	}
	for _, t := range transitions {
		if err := e.Repo.InsertTransitionTx(ctx, tx, t, now); err != nil {
			return DefinitionDetail{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return DefinitionDetail{}, err
	}
	e.publish(ctx, domain.StatusEvent{
		EntityKind:   kindDefinition,
		EntityID:     d.ID,
		OldStatus:    d.Status,
		NewStatus:    d.Status,
		DefinitionID: d.ID,
	})
	return DefinitionDetail{Definition: d, Stages: stages, Transitions: transitions}, nil
}

// ArchiveDefinition soft-deletes a template. With live sessions attached it
// fails with a conflict unless force is set; forced archiving leaves those
// sessions running against their frozen snapshots.
func (e Engine) ArchiveDefinition(ctx context.Context, id string, force bool) (domain.WorkflowDefinition, error) {
	d, err := e.Repo.GetDefinition(ctx, id)
	if err != nil {
		return domain.WorkflowDefinition{}, e.wrapNotFound(err, "definition %s not found", id)
	}
	if d.Status == domain.DefinitionArchived {
		return d, nil
	}
	live, err := e.Repo.CountLiveSessions(ctx, id)
	if err != nil {
		return domain.WorkflowDefinition{}, err
	}
	if live > 0 && !force {
		return domain.WorkflowDefinition{}, flowerr.New(flowerr.Conflict, "definition %s has %d live session(s); use force to archive anyway", id, live)
	}
	oldStatus := d.Status
	d.Status = domain.DefinitionArchived
	d.UpdatedAt = e.nowStr()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkflowDefinition{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateDefinitionMetaTx(ctx, tx, d); err != nil {
		return domain.WorkflowDefinition{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkflowDefinition{}, err
	}
	e.publish(ctx, domain.StatusEvent{
		EntityKind:   kindDefinition,
		EntityID:     d.ID,
		OldStatus:    oldStatus,
		NewStatus:    d.Status,
		DefinitionID: d.ID,
	})
	return d, nil
}

// AddStage appends one stage to a definition under authoring. Dependency
// targets may be forward references; full graph checks run at save and at
// session start, not here.
func (e Engine) AddStage(ctx context.Context, definitionID string, spec StageSpec) (domain.Stage, error) {
	d, err := e.Repo.GetDefinition(ctx, definitionID)
	if err != nil {
		return domain.Stage{}, e.wrapNotFound(err, "definition %s not found", definitionID)
	}
	if d.Status == domain.DefinitionArchived {
		return domain.Stage{}, flowerr.New(flowerr.Conflict, "definition %s is archived", definitionID)
	}
	now := e.nowStr()
	s, err := e.buildStage(definitionID, spec, now)
	if err != nil {
		return domain.Stage{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Stage{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertStageTx(ctx, tx, s); err != nil {
		return domain.Stage{}, err
	}
	d.UpdatedAt = now
	if err := e.Repo.UpdateDefinitionMetaTx(ctx, tx, d); err != nil {
		return domain.Stage{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Stage{}, err
	}
	e.publish(ctx, domain.StatusEvent{
		EntityKind:   kindDefinition,
		EntityID:     d.ID,
		OldStatus:    d.Status,
		NewStatus:    d.Status,
		DefinitionID: d.ID,
	})
	return s, nil
}

// AddTransition appends one edge to a definition under authoring. Both
// endpoints must already exist; the condition must parse.
func (e Engine) AddTransition(ctx context.Context, definitionID string, spec TransitionSpec) (domain.Transition, error) {
	d, err := e.Repo.GetDefinition(ctx, definitionID)
	if err != nil {
		return domain.Transition{}, e.wrapNotFound(err, "definition %s not found", definitionID)
	}
	if d.Status == domain.DefinitionArchived {
		return domain.Transition{}, flowerr.New(flowerr.Conflict, "definition %s is archived", definitionID)
	}
	for _, stageID := range []string{spec.FromStageID, spec.ToStageID} {
		s, err := e.Repo.GetStage(ctx, stageID)
		if err != nil {
			return domain.Transition{}, e.wrapNotFound(err, "stage %s not found", stageID)
		}
		if s.DefinitionID != definitionID {
			return domain.Transition{}, flowerr.New(flowerr.Validation, "stage %s belongs to definition %s", stageID, s.DefinitionID)
		}
	}
	if spec.Condition != "" {
		if err := condition.Validate(spec.Condition); err != nil {
			return domain.Transition{}, flowerr.New(flowerr.Validation, "%v", err)
		}
	}
	existing, err := e.Repo.ListTransitions(ctx, definitionID)
	if err != nil {
		return domain.Transition{}, err
	}
	t := buildTransition(definitionID, spec, len(existing))
	now := e.nowStr()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Transition{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTransitionTx(ctx, tx, t, now); err != nil {
		return domain.Transition{}, err
	}
	d.UpdatedAt = now
	if err := e.Repo.UpdateDefinitionMetaTx(ctx, tx, d); err != nil {
		return domain.Transition{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Transition{}, err
	}
	e.publish(ctx, domain.StatusEvent{
		EntityKind:   kindDefinition,
		EntityID:     d.ID,
		OldStatus:    d.Status,
		NewStatus:    d.Status,
		DefinitionID: d.ID,
	})
	return t, nil
}

// ValidateDefinition runs the structural checks against the currently
// persisted graph without mutating anything.
func (e Engine) ValidateDefinition(ctx context.Context, id string) ([]graph.Issue, error) {
	detail, err := e.GetDefinitionDetail(ctx, id)
	if err != nil {
		return nil, err
	}
	return graph.Validate(detail.Stages, detail.Transitions, e.graphOptions()), nil
}

func (e Engine) wrapNotFound(err error, format string, args ...any) error {
	if errors.Is(err, repo.ErrNotFound) {
		return flowerr.New(flowerr.NotFound, format, args...)
	}
	return err
}
