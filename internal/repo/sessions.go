package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"flowline/internal/domain"
)

func (r Repo) InsertSessionTx(ctx context.Context, tx *sql.Tx, s domain.FlowSession, snapshot domain.DefinitionSnapshot) error {
	completed, err := marshalJSON(s.CompletedStages)
	if err != nil {
		return err
	}
	sessionCtx, err := marshalJSON(s.Context)
	if err != nil {
		return err
	}
	snap, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO flow_sessions(id,definition_id,name,status,current_stage_id,completed_stages_json,context_json,snapshot_json,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.DefinitionID, s.Name, s.Status, nullableStringPtr(s.CurrentStageID), completed, sessionCtx, string(snap), s.CreatedAt, s.UpdatedAt)
	return err
}

func (r Repo) UpdateSessionTx(ctx context.Context, tx *sql.Tx, s domain.FlowSession) error {
	completed, err := marshalJSON(s.CompletedStages)
	if err != nil {
		return err
	}
	sessionCtx, err := marshalJSON(s.Context)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE flow_sessions SET status=?, current_stage_id=?, completed_stages_json=?, context_json=?, updated_at=? WHERE id=?`,
		s.Status, nullableStringPtr(s.CurrentStageID), completed, sessionCtx, s.UpdatedAt, s.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetSession(ctx context.Context, id string) (domain.FlowSession, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,definition_id,name,status,current_stage_id,completed_stages_json,context_json,created_at,updated_at FROM flow_sessions WHERE id=?`, id)
	return scanSession(row.Scan)
}

func scanSession(scan func(...any) error) (domain.FlowSession, error) {
	var s domain.FlowSession
	var current, completed, sessionCtx sql.NullString
	err := scan(&s.ID, &s.DefinitionID, &s.Name, &s.Status, &current, &completed, &sessionCtx, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if current.Valid {
		s.CurrentStageID = &current.String
	}
	if err := unmarshalJSON(completed, &s.CompletedStages); err != nil {
		return s, err
	}
	if err := unmarshalJSON(sessionCtx, &s.Context); err != nil {
		return s, err
	}
	return s, nil
}

type SessionFilters struct {
	DefinitionID string
	Status       string
	Limit        int
}

func (r Repo) ListSessions(ctx context.Context, f SessionFilters) ([]domain.FlowSession, error) {
	var clauses []string
	var args []any
	if f.DefinitionID != "" {
		clauses = append(clauses, "definition_id=?")
		args = append(args, f.DefinitionID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT id,definition_id,name,status,current_stage_id,completed_stages_json,context_json,created_at,updated_at FROM flow_sessions ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.FlowSession
	for rows.Next() {
		s, err := scanSession(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// SingleActiveSession returns the only non-terminal session, for CLI
// convenience when no session id is given.
func (r Repo) SingleActiveSession(ctx context.Context) (domain.FlowSession, error) {
	items, err := r.ListSessions(ctx, SessionFilters{})
	if err != nil {
		return domain.FlowSession{}, err
	}
	var live []domain.FlowSession
	for _, s := range items {
		if s.Status == domain.SessionActive || s.Status == domain.SessionPaused {
			live = append(live, s)
		}
	}
	if len(live) == 0 {
		return domain.FlowSession{}, ErrNotFound
	}
	if len(live) > 1 {
		return domain.FlowSession{}, fmt.Errorf("multiple live sessions exist; specify --session")
	}
	return live[0], nil
}

// GetSnapshot loads the frozen definition copy the session was started with.
func (r Repo) GetSnapshot(ctx context.Context, sessionID string) (domain.DefinitionSnapshot, error) {
	var raw string
	err := r.DB.QueryRowContext(ctx, `SELECT snapshot_json FROM flow_sessions WHERE id=?`, sessionID).Scan(&raw)
	if err == sql.ErrNoRows {
		return domain.DefinitionSnapshot{}, ErrNotFound
	}
	if err != nil {
		return domain.DefinitionSnapshot{}, err
	}
	var snap domain.DefinitionSnapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return domain.DefinitionSnapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

// CountLiveSessions counts active or paused sessions bound to a definition.
func (r Repo) CountLiveSessions(ctx context.Context, definitionID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM flow_sessions WHERE definition_id=? AND status IN (?,?)`,
		definitionID, domain.SessionActive, domain.SessionPaused).Scan(&n)
	return n, err
}

func (r Repo) InsertInstanceTx(ctx context.Context, tx *sql.Tx, in domain.StageInstance) error {
	done, err := marshalJSON(in.DoneItems)
	if err != nil {
		return err
	}
	instCtx, err := marshalJSON(in.Context)
	if err != nil {
		return err
	}
	deliverables, err := marshalJSON(in.Deliverables)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO stage_instances(id,session_id,stage_id,name,status,started_at,completed_at,done_items_json,context_json,deliverables_json,reason)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		in.ID, in.SessionID, in.StageID, in.Name, in.Status, in.StartedAt, nullableStringPtr(in.CompletedAt), done, instCtx, deliverables, nullable(in.Reason))
	return err
}

func (r Repo) UpdateInstanceTx(ctx context.Context, tx *sql.Tx, in domain.StageInstance) error {
	done, err := marshalJSON(in.DoneItems)
	if err != nil {
		return err
	}
	instCtx, err := marshalJSON(in.Context)
	if err != nil {
		return err
	}
	deliverables, err := marshalJSON(in.Deliverables)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE stage_instances SET status=?, completed_at=?, done_items_json=?, context_json=?, deliverables_json=?, reason=? WHERE id=?`,
		in.Status, nullableStringPtr(in.CompletedAt), done, instCtx, deliverables, nullable(in.Reason), in.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetInstance(ctx context.Context, id string) (domain.StageInstance, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,session_id,stage_id,name,status,started_at,completed_at,done_items_json,context_json,deliverables_json,reason FROM stage_instances WHERE id=?`, id)
	return scanInstance(row.Scan)
}

// ActiveInstance returns the single ACTIVE instance of a session, if any.
func (r Repo) ActiveInstance(ctx context.Context, sessionID string) (domain.StageInstance, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,session_id,stage_id,name,status,started_at,completed_at,done_items_json,context_json,deliverables_json,reason FROM stage_instances WHERE session_id=? AND status=?`,
		sessionID, domain.InstanceActive)
	return scanInstance(row.Scan)
}

func scanInstance(scan func(...any) error) (domain.StageInstance, error) {
	var in domain.StageInstance
	var completedAt, done, instCtx, deliverables, reason sql.NullString
	err := scan(&in.ID, &in.SessionID, &in.StageID, &in.Name, &in.Status, &in.StartedAt, &completedAt, &done, &instCtx, &deliverables, &reason)
	if err == sql.ErrNoRows {
		return in, ErrNotFound
	}
	if err != nil {
		return in, err
	}
	if completedAt.Valid {
		in.CompletedAt = &completedAt.String
	}
	in.Reason = reason.String
	if err := unmarshalJSON(done, &in.DoneItems); err != nil {
		return in, err
	}
	if err := unmarshalJSON(instCtx, &in.Context); err != nil {
		return in, err
	}
	if err := unmarshalJSON(deliverables, &in.Deliverables); err != nil {
		return in, err
	}
	return in, nil
}

func (r Repo) ListInstances(ctx context.Context, sessionID string) ([]domain.StageInstance, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,session_id,stage_id,name,status,started_at,completed_at,done_items_json,context_json,deliverables_json,reason FROM stage_instances WHERE session_id=? ORDER BY started_at ASC, id ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StageInstance
	for rows.Next() {
		in, err := scanInstance(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, in)
	}
	return res, rows.Err()
}

type StatusEventFilters struct {
	SessionID  string
	EntityKind string
	Limit      int
}

// LatestStatusEvents reads the append-only status event log, newest first.
func (r Repo) LatestStatusEvents(ctx context.Context, f StatusEventFilters) ([]domain.StatusEvent, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.SessionID != "" {
		clauses = append(clauses, "session_id=?")
		args = append(args, f.SessionID)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	query := `SELECT id,ts,entity_kind,entity_id,old_status,new_status,session_id,definition_id FROM status_events WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id DESC LIMIT ?`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StatusEvent
	for rows.Next() {
		var e domain.StatusEvent
		var oldStatus, sessionID, definitionID sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.EntityKind, &e.EntityID, &oldStatus, &e.NewStatus, &sessionID, &definitionID); err != nil {
			return nil, err
		}
		e.OldStatus = oldStatus.String
		e.SessionID = sessionID.String
		e.DefinitionID = definitionID.String
		res = append(res, e)
	}
	return res, rows.Err()
}
