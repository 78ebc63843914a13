package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Writer appends agent_events rows. The log is append-only; nothing updates
// or deletes rows once written.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type Payload map[string]any

func (w Writer) Append(ctx context.Context, taskID string, attempt int, eventType string, payload Payload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = w.DB.ExecContext(ctx, `INSERT INTO agent_events(task_id,attempt,event_type,payload,recorded_at) VALUES (?,?,?,?,?)`,
		taskID, attempt, eventType, string(data), ts)
	return err
}

// AppendRaw stores an already-encoded JSON payload, as produced by a harness
// event stream.
func (w Writer) AppendRaw(ctx context.Context, taskID string, attempt int, eventType, payloadJSON string) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payloadJSON == "" {
		payloadJSON = "{}"
	}
	_, err := w.DB.ExecContext(ctx, `INSERT INTO agent_events(task_id,attempt,event_type,payload,recorded_at) VALUES (?,?,?,?,?)`,
		taskID, attempt, eventType, payloadJSON, ts)
	return err
}
