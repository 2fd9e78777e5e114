package domain

// Definition lifecycle statuses.
const (
	DefinitionActive   = "active"
	DefinitionArchived = "archived"
)

// Session statuses.
const (
	SessionActive    = "active"
	SessionPaused    = "paused"
	SessionCompleted = "completed"
	SessionAborted   = "aborted"
)

// Stage instance statuses.
const (
	InstancePending   = "pending"
	InstanceActive    = "active"
	InstanceCompleted = "completed"
	InstanceFailed    = "failed"
	InstanceSkipped   = "skipped"
)

type WorkflowDefinition struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Type        string `json:"type"`
	Status      string `json:"status" enum:"active,archived"`
	SourceRef   string `json:"source_ref,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

// ChecklistItem is one independently completable item of a stage checklist.
type ChecklistItem struct {
	ID       string `json:"id" yaml:"id"`
	Label    string `json:"label" yaml:"label"`
	Required bool   `json:"required" yaml:"required"`
}

// DeliverableSpec names an output a stage is expected to produce.
type DeliverableSpec struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Required    bool   `json:"required" yaml:"required"`
}

type Stage struct {
	ID           string            `json:"id"`
	DefinitionID string            `json:"definition_id"`
	Name         string            `json:"name"`
	Description  string            `json:"description,omitempty"`
	OrderIndex   int               `json:"order_index"`
	Checklist    []ChecklistItem   `json:"checklist,omitempty"`
	Deliverables []DeliverableSpec `json:"deliverables,omitempty"`
	Weight       float64           `json:"weight"`
	IsEnd        bool              `json:"is_end"`
	DependsOn    []string          `json:"depends_on,omitempty"`
	Prerequisite string            `json:"prerequisite,omitempty"`
	CreatedAt    string            `json:"created_at" format:"date-time"`
}

type Transition struct {
	ID           string  `json:"id"`
	DefinitionID string  `json:"definition_id"`
	FromStageID  string  `json:"from_stage_id"`
	ToStageID    string  `json:"to_stage_id"`
	Condition    *string `json:"condition,omitempty"`
	Description  string  `json:"description,omitempty"`
	Position     int     `json:"position"`
}

type FlowSession struct {
	ID              string            `json:"id"`
	DefinitionID    string            `json:"definition_id"`
	Name            string            `json:"name"`
	Status          string            `json:"status" enum:"active,paused,completed,aborted"`
	CurrentStageID  *string           `json:"current_stage_id,omitempty"`
	CompletedStages []string          `json:"completed_stages,omitempty"`
	Context         map[string]string `json:"context,omitempty"`
	CreatedAt       string            `json:"created_at" format:"date-time"`
	UpdatedAt       string            `json:"updated_at" format:"date-time"`
}

// Deliverable is a recorded output of a stage instance.
type Deliverable struct {
	Name       string `json:"name"`
	Ref        string `json:"ref,omitempty"`
	RecordedAt string `json:"recorded_at" format:"date-time"`
}

type StageInstance struct {
	ID           string            `json:"id"`
	SessionID    string            `json:"session_id"`
	StageID      string            `json:"stage_id"`
	Name         string            `json:"name"`
	Status       string            `json:"status" enum:"pending,active,completed,failed,skipped"`
	StartedAt    string            `json:"started_at" format:"date-time"`
	CompletedAt  *string           `json:"completed_at,omitempty" format:"date-time"`
	DoneItems    []string          `json:"done_items,omitempty"`
	Context      map[string]string `json:"context,omitempty"`
	Deliverables []Deliverable     `json:"deliverables,omitempty"`
	Reason       string            `json:"reason,omitempty"`
}

// StatusEvent is the normalized record emitted on every state change.
type StatusEvent struct {
	ID           int64  `json:"id"`
	TS           string `json:"ts" format:"date-time"`
	EntityKind   string `json:"entity_kind" enum:"definition,session,stage_instance"`
	EntityID     string `json:"entity_id"`
	OldStatus    string `json:"old_status,omitempty"`
	NewStatus    string `json:"new_status"`
	SessionID    string `json:"session_id,omitempty"`
	DefinitionID string `json:"definition_id,omitempty"`
}

// DefinitionSnapshot is the frozen copy of a definition graph a session is
// bound to at start time. Later edits to the definition are not visible
// through it.
type DefinitionSnapshot struct {
	Definition  WorkflowDefinition `json:"definition"`
	Stages      []Stage            `json:"stages"`
	Transitions []Transition       `json:"transitions"`
}

// StageByID returns the snapshot stage with the given id.
func (s DefinitionSnapshot) StageByID(id string) (Stage, bool) {
	for _, st := range s.Stages {
		if st.ID == id {
			return st, true
		}
	}
	return Stage{}, false
}

// Outgoing returns the transitions leaving the given stage in declaration
// order.
func (s DefinitionSnapshot) Outgoing(stageID string) []Transition {
	var out []Transition
	for _, tr := range s.Transitions {
		if tr.FromStageID == stageID {
			out = append(out, tr)
		}
	}
	return out
}
