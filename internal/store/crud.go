package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// ErrEmptyPatch is returned by Update when no patch key names a known column.
var ErrEmptyPatch = errors.New("patch has no known columns")

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// InsertOrIgnore inserts rec unless it collides with a unique key. It returns
// the number of rows written, 0 for a duplicate.
func (db *DB) InsertOrIgnore(ctx context.Context, t *Table, rec Record) (int64, error) {
	return insert(ctx, db.DB, "INSERT OR IGNORE", t, rec)
}

// InsertOrReplace writes rec, replacing any row with the same primary key.
func (db *DB) InsertOrReplace(ctx context.Context, t *Table, rec Record) (int64, error) {
	return insert(ctx, db.DB, "INSERT OR REPLACE", t, rec)
}

// Update writes the fields of patch that are declared columns of t on every
// row matching where. Patch keys that are not columns are dropped; where keys
// must all be columns.
func (db *DB) Update(ctx context.Context, t *Table, patch, where Record) (int64, error) {
	return update(ctx, db.DB, t, patch, where)
}

// QueryAll runs query and returns every row translated to records. An empty
// result is a nil slice with a nil error; a failing query returns the error.
func (db *DB) QueryAll(ctx context.Context, query string, args ...any) ([]Record, error) {
	return queryAll(ctx, db.DB, query, args...)
}

// QueryOne returns the first row of query, or nil when there is none.
func (db *DB) QueryOne(ctx context.Context, query string, args ...any) (Record, error) {
	rows, err := queryAll(ctx, db.DB, query, args...)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

func insert(ctx context.Context, q queryer, verb string, t *Table, rec Record) (int64, error) {
	var cols []string
	var args []any
	for _, c := range t.Columns {
		v, ok := rec[c.Field]
		if !ok {
			continue
		}
		cols = append(cols, c.Name)
		args = append(args, v)
	}
	if len(cols) == 0 {
		return 0, fmt.Errorf("insert into %s: record has no known columns", t.Name)
	}
	stmt := fmt.Sprintf("%s INTO %s (%s) VALUES (%s)",
		verb, t.Name, strings.Join(cols, ", "), placeholders(len(cols)))
	res, err := q.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, fmt.Errorf("insert into %s: %w", t.Name, err)
	}
	return res.RowsAffected()
}

func update(ctx context.Context, q queryer, t *Table, patch, where Record) (int64, error) {
	var sets []string
	var args []any
	for _, c := range t.Columns {
		v, ok := patch[c.Field]
		if !ok {
			continue
		}
		sets = append(sets, c.Name+" = ?")
		args = append(args, v)
	}
	if len(sets) == 0 {
		return 0, ErrEmptyPatch
	}

	var conds []string
	for _, c := range t.Columns {
		v, ok := where[c.Field]
		if !ok {
			continue
		}
		conds = append(conds, c.Name+" = ?")
		args = append(args, v)
	}
	if len(conds) != len(where) {
		return 0, fmt.Errorf("update %s: where clause names unknown columns", t.Name)
	}
	if len(conds) == 0 {
		return 0, fmt.Errorf("update %s: empty where clause", t.Name)
	}

	stmt := fmt.Sprintf("UPDATE %s SET %s WHERE %s",
		t.Name, strings.Join(sets, ", "), strings.Join(conds, " AND "))
	res, err := q.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, fmt.Errorf("update %s: %w", t.Name, err)
	}
	return res.RowsAffected()
}

func queryAll(ctx context.Context, q queryer, query string, args ...any) ([]Record, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	fields := make([]string, len(cols))
	for i, c := range cols {
		fields[i] = fieldFor(c)
	}

	var out []Record
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		rec := make(Record, len(cols))
		for i, f := range fields {
			rec[f] = values[i]
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
