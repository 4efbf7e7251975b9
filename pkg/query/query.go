// Package query runs SQL over materialized parquet datasets using
// DuckDB.
package query

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/chemflow/chemflow/pkg/cache"
	"github.com/chemflow/chemflow/pkg/catalog"
	"github.com/chemflow/chemflow/pkg/errors"
)

// Engine executes SQL queries over parquet parts using DuckDB.
type Engine struct {
	db    *sql.DB
	cache cache.Backend
}

// New creates a query engine over a cache backend.
func New(backend cache.Backend) (*Engine, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeUnknown, "initialize DuckDB")
	}

	e := &Engine{db: db, cache: backend}
	e.db.Exec(fmt.Sprintf("SET threads=%d", runtime.NumCPU()))
	return e, nil
}

// Close closes the engine.
func (e *Engine) Close() error {
	return e.db.Close()
}

// Options shape a dataset query.
type Options struct {
	// Columns restricts the projection. Empty selects everything.
	Columns []string
	// Filter is a SQL predicate applied as the WHERE clause.
	Filter string
	// Limit caps the number of returned rows. Zero means no limit.
	Limit int
}

// QueryDataset reads a materialized dataset. The dataset must have been
// materialized first; the parquet parts are read in place.
func (e *Engine) QueryDataset(ctx context.Context, d *catalog.Dataset, opts Options) (*Result, error) {
	glob, err := e.partsGlob(d)
	if err != nil {
		return nil, err
	}

	var sb strings.Builder
	sb.WriteString("SELECT ")
	if len(opts.Columns) == 0 {
		sb.WriteString("*")
	} else {
		for i, col := range opts.Columns {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(quoteIdent(col))
		}
	}
	fmt.Fprintf(&sb, " FROM read_parquet('%s')", escapeLiteral(glob))
	if opts.Filter != "" {
		sb.WriteString(" WHERE ")
		sb.WriteString(opts.Filter)
	}
	if opts.Limit > 0 {
		fmt.Fprintf(&sb, " LIMIT %d", opts.Limit)
	}

	return e.Query(ctx, sb.String())
}

// CountRows returns the row count of a materialized dataset.
func (e *Engine) CountRows(ctx context.Context, d *catalog.Dataset) (int64, error) {
	glob, err := e.partsGlob(d)
	if err != nil {
		return 0, err
	}
	var count int64
	row := e.db.QueryRowContext(ctx, fmt.Sprintf("SELECT count(*) FROM read_parquet('%s')", escapeLiteral(glob)))
	if err := row.Scan(&count); err != nil {
		return 0, errors.Wrap(err, errors.CodeUnknown, "count rows").
			WithContext("dataset_id", d.ID)
	}
	return count, nil
}

// DescribeDataset returns the parquet schema of a materialized dataset.
func (e *Engine) DescribeDataset(ctx context.Context, d *catalog.Dataset) ([]ColumnInfo, error) {
	glob, err := e.partsGlob(d)
	if err != nil {
		return nil, err
	}
	rows, err := e.db.QueryContext(ctx, fmt.Sprintf("DESCRIBE SELECT * FROM read_parquet('%s')", escapeLiteral(glob)))
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeUnknown, "describe dataset").
			WithContext("dataset_id", d.ID)
	}
	defer rows.Close()

	var columns []ColumnInfo
	for rows.Next() {
		var col ColumnInfo
		var isNull, key, defaultVal, extra sql.NullString
		if err := rows.Scan(&col.Name, &col.Type, &isNull, &key, &defaultVal, &extra); err != nil {
			return nil, err
		}
		col.Nullable = isNull.String == "YES"
		columns = append(columns, col)
	}
	return columns, rows.Err()
}

// Query executes raw SQL and returns results.
func (e *Engine) Query(ctx context.Context, query string, args ...interface{}) (*Result, error) {
	start := time.Now()

	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeUnknown, "query failed")
	}

	cols, err := rows.Columns()
	if err != nil {
		rows.Close()
		return nil, errors.Wrap(err, errors.CodeUnknown, "read columns")
	}

	return &Result{rows: rows, columns: cols, duration: time.Since(start)}, nil
}

// partsGlob returns the read_parquet glob for a dataset, verifying that
// a manifest exists.
func (e *Engine) partsGlob(d *catalog.Dataset) (string, error) {
	manifestPath := e.cache.ParquetManifest(d)
	if !e.cache.Exists(manifestPath) {
		return "", errors.New(errors.CodeMaterializeFailed, "dataset is not materialized").
			WithContext("dataset_id", d.ID).
			WithContext("hint", "run materialize first")
	}
	return filepath.Join(e.cache.ParquetDir(d), "part-*.parquet"), nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func escapeLiteral(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

// ColumnInfo describes one column of a dataset.
type ColumnInfo struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
}

// Result is a streaming query result.
type Result struct {
	rows     *sql.Rows
	columns  []string
	duration time.Duration
	rowCount int64
}

// Columns returns column names.
func (r *Result) Columns() []string {
	return r.columns
}

// Duration returns the query execution time.
func (r *Result) Duration() time.Duration {
	return r.duration
}

// Next advances to the next row.
func (r *Result) Next() bool {
	if r.rows.Next() {
		r.rowCount++
		return true
	}
	return false
}

// Scan scans the current row.
func (r *Result) Scan(dest ...interface{}) error {
	return r.rows.Scan(dest...)
}

// Close closes the result set.
func (r *Result) Close() error {
	return r.rows.Close()
}

// RowCount returns rows scanned so far.
func (r *Result) RowCount() int64 {
	return r.rowCount
}

// ToMaps drains the result into row maps.
func (r *Result) ToMaps() ([]map[string]interface{}, error) {
	defer r.Close()

	var results []map[string]interface{}
	values := make([]interface{}, len(r.columns))
	valuePtrs := make([]interface{}, len(r.columns))
	for i := range values {
		valuePtrs[i] = &values[i]
	}

	for r.Next() {
		if err := r.Scan(valuePtrs...); err != nil {
			return nil, err
		}
		row := make(map[string]interface{})
		for i, col := range r.columns {
			row[col] = values[i]
		}
		results = append(results, row)
	}
	return results, r.rows.Err()
}
