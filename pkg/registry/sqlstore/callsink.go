package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/openmcp/forge/pkg/calllog"
)

// CallSink persists invocation records in the tool_calls table.
type CallSink struct {
	store *Store
}

// Calls returns a calllog sink sharing this store's database.
func (s *Store) Calls() *CallSink { return &CallSink{store: s} }

func (c *CallSink) Append(ctx context.Context, rec calllog.Record) error {
	logs, err := json.Marshal(rec.Logs)
	if err != nil {
		return err
	}
	_, err = c.store.db.ExecContext(ctx, c.store.q(`
		INSERT INTO tool_calls (id, tool_id, tool_name, call_type, parameters, result, error_message, logs, state, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.ID, rec.ToolID, rec.ToolName, string(rec.CallType),
		rawOrNull(rec.Parameters), rawOrNull(rec.Result), rec.ErrorMessage,
		string(logs), rec.State, rec.Duration.Milliseconds(), fmtTime(rec.CreatedAt))
	return err
}

func (c *CallSink) List(ctx context.Context, toolID string, page, size int) ([]calllog.Record, int, error) {
	where := ""
	args := []any{}
	if toolID != "" {
		where = ` WHERE tool_id = ?`
		args = append(args, toolID)
	}

	var total int
	if err := c.store.db.QueryRowContext(ctx, c.store.q(`SELECT COUNT(*) FROM tool_calls`+where), args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := c.store.db.QueryContext(ctx, c.store.q(`
		SELECT id, tool_id, tool_name, call_type, parameters, result, error_message, logs, state, duration_ms, created_at
		FROM tool_calls`+where+` ORDER BY created_at DESC, id`+pageClause(page, size)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out := []calllog.Record{}
	for rows.Next() {
		var (
			rec            calllog.Record
			callType       string
			params, result sql.NullString
			logs           sql.NullString
			durationMS     int64
			createdAt      string
		)
		err := rows.Scan(&rec.ID, &rec.ToolID, &rec.ToolName, &callType, &params, &result,
			&rec.ErrorMessage, &logs, &rec.State, &durationMS, &createdAt)
		if err != nil {
			return nil, 0, err
		}
		rec.CallType = calllog.CallType(callType)
		rec.Parameters = nullToRaw(params)
		rec.Result = nullToRaw(result)
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		rec.CreatedAt = parseTime(createdAt)
		rec.Logs = []string{}
		if logs.Valid && logs.String != "" {
			if err := json.Unmarshal([]byte(logs.String), &rec.Logs); err != nil {
				return nil, 0, errors.New("corrupt log payload: " + err.Error())
			}
		}
		out = append(out, rec)
	}
	return out, total, rows.Err()
}

var _ calllog.Sink = (*CallSink)(nil)
