package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"LendLedger/internal/event"
)

// execer is satisfied by both *sql.DB and *sql.Tx so batches can run
// inside the worker's transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// OpLogWriter appends operation records to Postgres using multi-row
// INSERT. The idempotency key carries the conflict target, so re-writing
// a batch after a retry is harmless.
type OpLogWriter struct {
	db *sql.DB
}

// OperationRow is one row of op_log.operations.
type OperationRow struct {
	OperationID    string
	IdempotencyKey string
	OpType         string
	UserAddr       *string
	Token          *string
	AmountWad      *string
	Details        []byte
	Timestamp      interface{}
}

func NewOpLogWriter(db *sql.DB) *OpLogWriter {
	return &OpLogWriter{db: db}
}

// RowFromRecord converts a committed operation record into its storage row.
func RowFromRecord(rec event.OperationRecord) OperationRow {
	row := OperationRow{
		OperationID:    rec.OperationID.String(),
		IdempotencyKey: rec.IdempotencyKey(),
		OpType:         string(rec.Type),
		Timestamp:      rec.Timestamp,
	}
	if rec.User != "" {
		u := rec.User
		row.UserAddr = &u
	}
	if rec.Token != "" {
		t := rec.Token
		row.Token = &t
	}
	if rec.AmountWad != nil {
		a := rec.AmountWad.String()
		row.AmountWad = &a
	}
	if len(rec.Details) > 0 {
		if data, err := json.Marshal(rec.Details); err == nil {
			row.Details = data
		}
	}
	return row
}

// WriteOperationBatch writes a batch of rows into op_log.operations.
func (w *OpLogWriter) WriteOperationBatch(ctx context.Context, ex execer, rows []OperationRow) error {
	if len(rows) == 0 {
		return nil
	}

	query := `INSERT INTO op_log.operations
		(operation_id, idempotency_key, op_type, user_addr, token, amount_wad, details, ts)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*8)

	for i, r := range rows {
		base := i * 8
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8,
		))
		args = append(args,
			r.OperationID, r.IdempotencyKey, r.OpType, r.UserAddr,
			r.Token, r.AmountWad, r.Details, r.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (idempotency_key) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// DB exposes the underlying handle for transactional flushes.
func (w *OpLogWriter) DB() *sql.DB {
	return w.db
}
