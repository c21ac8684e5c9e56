package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// RecordAudit appends a structured audit event. Empty roomID/userID are
// stored as NULL.
func RecordAudit(ctx context.Context, db Execer, roomID, userID, eventType string, details map[string]any) error {
	b, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("marshal audit details: %w", err)
	}

	_, err = db.Exec(ctx, `
INSERT INTO audit_events (room_id, user_id, event_type, details)
VALUES (NULLIF($1, '')::uuid, NULLIF($2, '')::uuid, $3, $4);`,
		roomID, userID, eventType, b)
	if err != nil {
		return fmt.Errorf("record audit event: %w", err)
	}

	return nil
}
