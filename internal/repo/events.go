package repo

import (
	"context"
	"database/sql"
	"encoding/json"
)

// Event is one recorded pipeline event, as served by the inspection API.
type Event struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts" format:"date-time"`
	Type       string          `json:"type"`
	RunID      string          `json:"run_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// ListEvents returns the most recent events of a run, newest first.
func (r Repo) ListEvents(ctx context.Context, runID string, limit int) ([]Event, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,ts,type,run_id,entity_kind,entity_id,payload_json FROM events WHERE run_id=? ORDER BY id DESC LIMIT ?`,
		runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Event
	for rows.Next() {
		var e Event
		var runCol, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &runCol, &e.EntityKind, &entityID, &payload); err != nil {
			return nil, err
		}
		if runCol.Valid {
			e.RunID = runCol.String
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = json.RawMessage(payload.String)
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
