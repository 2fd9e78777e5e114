package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"flowline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertDefinitionTx(ctx context.Context, tx *sql.Tx, d domain.WorkflowDefinition) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO workflow_definitions(id,name,description,type,status,source_ref,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		d.ID, d.Name, nullable(d.Description), d.Type, d.Status, nullable(d.SourceRef), d.CreatedAt, d.UpdatedAt)
	return err
}

func (r Repo) UpdateDefinitionMetaTx(ctx context.Context, tx *sql.Tx, d domain.WorkflowDefinition) error {
	res, err := tx.ExecContext(ctx, `UPDATE workflow_definitions SET name=?, description=?, type=?, status=?, source_ref=?, updated_at=? WHERE id=?`,
		d.Name, nullable(d.Description), d.Type, d.Status, nullable(d.SourceRef), d.UpdatedAt, d.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetDefinition(ctx context.Context, id string) (domain.WorkflowDefinition, error) {
	return scanDefinition(r.DB.QueryRowContext(ctx, `SELECT id,name,COALESCE(description,''),type,status,COALESCE(source_ref,''),created_at,updated_at FROM workflow_definitions WHERE id=?`, id))
}

func scanDefinition(row *sql.Row) (domain.WorkflowDefinition, error) {
	var d domain.WorkflowDefinition
	err := row.Scan(&d.ID, &d.Name, &d.Description, &d.Type, &d.Status, &d.SourceRef, &d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	return d, err
}

type DefinitionFilters struct {
	Type   string
	Status string
}

func (r Repo) ListDefinitions(ctx context.Context, f DefinitionFilters) ([]domain.WorkflowDefinition, error) {
	var clauses []string
	var args []any
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,COALESCE(description,''),type,status,COALESCE(source_ref,''),created_at,updated_at FROM workflow_definitions `+where+` ORDER BY created_at DESC, id DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkflowDefinition
	for rows.Next() {
		var d domain.WorkflowDefinition
		if err := rows.Scan(&d.ID, &d.Name, &d.Description, &d.Type, &d.Status, &d.SourceRef, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func (r Repo) InsertStageTx(ctx context.Context, tx *sql.Tx, s domain.Stage) error {
	checklist, err := marshalJSON(s.Checklist)
	if err != nil {
		return err
	}
	deliverables, err := marshalJSON(s.Deliverables)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO stages(id,definition_id,name,description,order_idx,checklist_json,deliverables_json,weight,is_end,prerequisite,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.DefinitionID, s.Name, nullable(s.Description), s.OrderIndex, checklist, deliverables, s.Weight, boolInt(s.IsEnd), nullable(s.Prerequisite), s.CreatedAt)
	if err != nil {
		return err
	}
	for _, dep := range s.DependsOn {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO stage_deps(stage_id, depends_on_stage_id) VALUES (?,?)`, s.ID, dep); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) DeleteStagesTx(ctx context.Context, tx *sql.Tx, definitionID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM stages WHERE definition_id=?`, definitionID)
	return err
}

func (r Repo) GetStage(ctx context.Context, id string) (domain.Stage, error) {
	var s domain.Stage
	var description, checklist, deliverables, prerequisite sql.NullString
	var isEnd int
	err := r.DB.QueryRowContext(ctx, `SELECT id,definition_id,name,description,order_idx,checklist_json,deliverables_json,weight,is_end,prerequisite,created_at FROM stages WHERE id=?`, id).
		Scan(&s.ID, &s.DefinitionID, &s.Name, &description, &s.OrderIndex, &checklist, &deliverables, &s.Weight, &isEnd, &prerequisite, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.Description = description.String
	s.Prerequisite = prerequisite.String
	s.IsEnd = isEnd != 0
	if err := unmarshalJSON(checklist, &s.Checklist); err != nil {
		return s, err
	}
	if err := unmarshalJSON(deliverables, &s.Deliverables); err != nil {
		return s, err
	}
	deps, err := r.listStageDeps(ctx, s.ID)
	if err != nil {
		return s, err
	}
	s.DependsOn = deps
	return s, nil
}

func (r Repo) ListStages(ctx context.Context, definitionID string) ([]domain.Stage, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,definition_id,name,description,order_idx,checklist_json,deliverables_json,weight,is_end,prerequisite,created_at FROM stages WHERE definition_id=? ORDER BY order_idx ASC, id ASC`, definitionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Stage
	for rows.Next() {
		var s domain.Stage
		var description, checklist, deliverables, prerequisite sql.NullString
		var isEnd int
		if err := rows.Scan(&s.ID, &s.DefinitionID, &s.Name, &description, &s.OrderIndex, &checklist, &deliverables, &s.Weight, &isEnd, &prerequisite, &s.CreatedAt); err != nil {
			return nil, err
		}
		s.Description = description.String
		s.Prerequisite = prerequisite.String
		s.IsEnd = isEnd != 0
		if err := unmarshalJSON(checklist, &s.Checklist); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(deliverables, &s.Deliverables); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		deps, err := r.listStageDeps(ctx, res[i].ID)
		if err != nil {
			return nil, err
		}
		res[i].DependsOn = deps
	}
	return res, nil
}

func (r Repo) listStageDeps(ctx context.Context, stageID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT depends_on_stage_id FROM stage_deps WHERE stage_id=? ORDER BY depends_on_stage_id`, stageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var deps []string
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, err
		}
		deps = append(deps, dep)
	}
	return deps, rows.Err()
}

func (r Repo) InsertTransitionTx(ctx context.Context, tx *sql.Tx, t domain.Transition, createdAt string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO transitions(id,definition_id,from_stage_id,to_stage_id,condition,description,position,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		t.ID, t.DefinitionID, t.FromStageID, t.ToStageID, nullableStringPtr(t.Condition), nullable(t.Description), t.Position, createdAt)
	return err
}

func (r Repo) DeleteTransitionsTx(ctx context.Context, tx *sql.Tx, definitionID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM transitions WHERE definition_id=?`, definitionID)
	return err
}

func (r Repo) ListTransitions(ctx context.Context, definitionID string) ([]domain.Transition, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,definition_id,from_stage_id,to_stage_id,condition,description,position FROM transitions WHERE definition_id=? ORDER BY position ASC, id ASC`, definitionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Transition
	for rows.Next() {
		var t domain.Transition
		var cond, description sql.NullString
		if err := rows.Scan(&t.ID, &t.DefinitionID, &t.FromStageID, &t.ToStageID, &cond, &description, &t.Position); err != nil {
			return nil, err
		}
		if cond.Valid {
			t.Condition = &cond.String
		}
		t.Description = description.String
		res = append(res, t)
	}
	return res, rows.Err()
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// marshalJSON stores nil for empty values so optional columns stay NULL.
func marshalJSON(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := string(b)
	if s == "null" || s == "[]" || s == "{}" {
		return nil, nil
	}
	return s, nil
}

func unmarshalJSON(col sql.NullString, dst any) error {
	if !col.Valid || col.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(col.String), dst); err != nil {
		return fmt.Errorf("decode column: %w", err)
	}
	return nil
}
