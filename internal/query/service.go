package query

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// QueryService provides read-only access to the op log. Live position
// state is served straight from the engine; this service answers the
// historical questions the engine does not keep in memory.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// OperationEntry is one row of operation history.
type OperationEntry struct {
	OperationID string            `json:"operationId"`
	Type        string            `json:"type"`
	User        string            `json:"user,omitempty"`
	Token       string            `json:"token,omitempty"`
	AmountWad   string            `json:"amountWad,omitempty"`
	Details     map[string]string `json:"details,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
}

// UserHistory returns a user's committed operations, newest first.
func (qs *QueryService) UserHistory(ctx context.Context, user string, limit int) ([]OperationEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT operation_id, op_type, user_addr, token, amount_wad, details, ts
		FROM op_log.operations
		WHERE user_addr = $1
		ORDER BY ts DESC
		LIMIT $2
	`, user, limit)
	if err != nil {
		return nil, fmt.Errorf("query user history: %w", err)
	}
	defer rows.Close()

	return scanOperations(rows)
}

// OperationsByType returns recent operations of one type, newest first.
func (qs *QueryService) OperationsByType(ctx context.Context, opType string, limit int) ([]OperationEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT operation_id, op_type, user_addr, token, amount_wad, details, ts
		FROM op_log.operations
		WHERE op_type = $1
		ORDER BY ts DESC
		LIMIT $2
	`, opType, limit)
	if err != nil {
		return nil, fmt.Errorf("query operations by type: %w", err)
	}
	defer rows.Close()

	return scanOperations(rows)
}

func scanOperations(rows *sql.Rows) ([]OperationEntry, error) {
	var out []OperationEntry
	for rows.Next() {
		var (
			e       OperationEntry
			user    sql.NullString
			token   sql.NullString
			amount  sql.NullString
			details []byte
		)
		if err := rows.Scan(&e.OperationID, &e.Type, &user, &token, &amount, &details, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan operation row: %w", err)
		}
		e.User = user.String
		e.Token = token.String
		e.AmountWad = amount.String
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, fmt.Errorf("decode operation details: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
