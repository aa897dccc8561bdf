package executor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/openmcp/forge/pkg/errmodel"
	"github.com/openmcp/forge/pkg/execctx"
	"github.com/openmcp/forge/pkg/registry"
	"github.com/openmcp/forge/pkg/sqltpl"
)

// runDatabase renders the tool's SQL template against the call parameters
// and runs the query through a pooled connection. Database units never enter
// the interpreter; the template is the whole unit.
func (e *Executor) runDatabase(ctx context.Context, req execctx.ExecutionRequest, started time.Time) Outcome {
	var setting registry.DatabaseSetting
	if err := json.Unmarshal(req.Setting, &setting); err != nil {
		return failed(fmt.Sprintf("invalid database setting: %v", err), nil, started)
	}
	if setting.DSN == "" {
		return failed("database setting has no dsn", nil, started)
	}

	tpl, err := sqltpl.Parse(req.Unit)
	if err != nil {
		return failed(fmt.Sprintf("invalid sql template: %v", err), nil, started)
	}
	ph := sqltpl.Question
	if isPostgresDSN(setting.DSN) {
		ph = sqltpl.Dollar
	}
	query, args, err := tpl.Render(req.Parameters, ph)
	if err != nil {
		return failed(fmt.Sprintf("render sql template: %v", err), nil, started)
	}

	logs := []string{fmt.Sprintf("sql: %s", query)}

	db, err := e.pools.get(setting.DSN)
	if err != nil {
		return failed(err.Error(), logs, started)
	}
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		if ctx.Err() != nil {
			return timedOut(req.Limits.Timeout, logs, started)
		}
		return failed(fmt.Sprintf("query failed: %v", err), logs, started)
	}
	defer rows.Close()

	result, err := collectRows(rows)
	if err != nil {
		if ctx.Err() != nil {
			return timedOut(req.Limits.Timeout, logs, started)
		}
		return failed(err.Error(), logs, started)
	}
	return succeeded(result, logs, started)
}

// collectRows materializes a result set as
// {columns: [{name, description}], rows: [...], row_count: n}.
func collectRows(rows *sql.Rows) (map[string]any, error) {
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("read column metadata: %w", err)
	}
	columns := make([]map[string]any, len(types))
	for i, ct := range types {
		desc := ct.DatabaseTypeName()
		if desc == "" {
			desc = ct.Name()
		}
		columns[i] = map[string]any{"name": ct.Name(), "description": desc}
	}

	out := []map[string]any{}
	for rows.Next() {
		cells := make([]any, len(types))
		ptrs := make([]any, len(types))
		for i := range cells {
			ptrs[i] = &cells[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		row := make(map[string]any, len(types))
		for i, ct := range types {
			row[ct.Name()] = normalizeCell(cells[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return map[string]any{
		"columns":   columns,
		"rows":      out,
		"row_count": len(out),
	}, nil
}

// normalizeCell turns driver byte slices into strings so results serialize
// as JSON text rather than base64.
func normalizeCell(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

func isPostgresDSN(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

// dbPools keeps one sql.DB per distinct DSN. Pools are shared across
// invocations and closed with the executor.
type dbPools struct {
	mu    sync.Mutex
	pools map[string]*sql.DB
}

func newDBPools() *dbPools {
	return &dbPools{pools: make(map[string]*sql.DB)}
}

func (p *dbPools) get(dsn string) (*sql.DB, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if db, ok := p.pools[dsn]; ok {
		return db, nil
	}
	driver, source, err := routeDSN(dsn)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, source)
	if err != nil {
		return nil, errmodel.Runtime(fmt.Sprintf("open database: %v", err), nil)
	}
	db.SetMaxOpenConns(8)
	db.SetConnMaxIdleTime(5 * time.Minute)
	p.pools[dsn] = db
	return db, nil
}

// routeDSN picks the driver from the DSN scheme. sqlite: prefixes map onto
// the embedded sqlite driver; postgres URLs go through pgx.
func routeDSN(dsn string) (driver, source string, err error) {
	switch {
	case strings.HasPrefix(dsn, "sqlite:"):
		return "sqlite3", strings.TrimPrefix(dsn, "sqlite:"), nil
	case isPostgresDSN(dsn):
		return "pgx", dsn, nil
	default:
		return "", "", errmodel.Validation(fmt.Sprintf("unsupported database dsn %q", dsn), map[string]any{"dsn": dsn})
	}
}

func (p *dbPools) close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var first error
	for dsn, db := range p.pools {
		if err := db.Close(); err != nil && first == nil {
			first = err
		}
		delete(p.pools, dsn)
	}
	return first
}
