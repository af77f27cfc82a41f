package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append inserts one event row inside the caller's transaction. Rows
// appended within one transaction get ascending ids in append order, which
// is what the activity timeline relies on.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, entityType string, entityID int64, kind string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(entity_type,entity_id,kind,data_json,created_at) VALUES (?,?,?,?,?)`,
		entityType, entityID, kind, string(data), ts)
	return err
}
