// Package status is the boundary to external status observers. The engine
// hands every state change to a Publisher after commit; publishing is
// best-effort and never rolls back engine state.
package status

import (
	"context"
	"database/sql"
	"time"

	"flowline/internal/domain"
)

type Publisher interface {
	Publish(ctx context.Context, evt domain.StatusEvent) error
}

// Recorder is the default sink: it appends events to the status_events
// table so the CLI and HTTP tail endpoints can replay them.
type Recorder struct {
	DB  *sql.DB
	Now func() time.Time
}

func (r Recorder) Publish(ctx context.Context, evt domain.StatusEvent) error {
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	if evt.TS == "" {
		evt.TS = now().UTC().Format(time.RFC3339)
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO status_events(ts,entity_kind,entity_id,old_status,new_status,session_id,definition_id) VALUES (?,?,?,?,?,?,?)`,
		evt.TS, evt.EntityKind, evt.EntityID, nullable(evt.OldStatus), evt.NewStatus, nullable(evt.SessionID), nullable(evt.DefinitionID))
	return err
}

// Fanout publishes to every sink and returns the first failure.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, evt domain.StatusEvent) error {
	var firstErr error
	for _, p := range f {
		if err := p.Publish(ctx, evt); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
