package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// SnapshotWriter stores periodic position snapshots so the risk monitor
// can diff portfolio state over time without replaying the op log.
type SnapshotWriter struct {
	db *sql.DB
}

func NewSnapshotWriter(db *sql.DB) *SnapshotWriter {
	return &SnapshotWriter{db: db}
}

// WritePositionSnapshot stores one user's position as JSON at takenAt.
func (w *SnapshotWriter) WritePositionSnapshot(ctx context.Context, user string, view interface{}, takenAt time.Time) error {
	payload, err := json.Marshal(view)
	if err != nil {
		return fmt.Errorf("marshal snapshot for %s: %w", user, err)
	}

	_, err = w.db.ExecContext(ctx, `
		INSERT INTO op_log.position_snapshots (user_addr, snapshot, taken_at)
		VALUES ($1, $2, $3)
	`, user, payload, takenAt)
	return err
}

// LatestPositionSnapshot returns the most recent stored snapshot for user.
func (w *SnapshotWriter) LatestPositionSnapshot(ctx context.Context, user string) (json.RawMessage, time.Time, error) {
	var payload []byte
	var takenAt time.Time
	err := w.db.QueryRowContext(ctx, `
		SELECT snapshot, taken_at FROM op_log.position_snapshots
		WHERE user_addr = $1
		ORDER BY taken_at DESC
		LIMIT 1
	`, user).Scan(&payload, &takenAt)
	if err != nil {
		return nil, time.Time{}, err
	}
	return payload, takenAt, nil
}
