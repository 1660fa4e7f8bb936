package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// querier is satisfied by *sql.DB and *sql.Tx so repositories work both
// inside and outside a unit of work.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Filters maps column names to required values. All entries are ANDed
// equality predicates; a nil value matches SQL NULL.
type Filters map[string]any

// FindOpts paginates and orders FindMany results.
type FindOpts struct {
	Limit   int
	Offset  int
	OrderBy string // "column" or "column DESC"; must name a real column
}

type rowScanner interface {
	Scan(dest ...any) error
}

// mapper binds an entity struct to its table. columns, values and scan
// must agree on order; id is always the first column.
type mapper[T any] struct {
	table   string
	columns []string
	values  func(*T) []any
	scan    func(rowScanner) (*T, error)
}

// repo implements the operation set shared by every entity repository.
type repo[T any] struct {
	q querier
	m mapper[T]
}

func (r *repo[T]) colIndex(col string) int {
	for i, c := range r.m.columns {
		if c == col {
			return i
		}
	}
	return -1
}

func (r *repo[T]) checkColumns(cols ...string) error {
	for _, c := range cols {
		if r.colIndex(c) < 0 {
			return fmt.Errorf("store: table %s has no column %q", r.m.table, c)
		}
	}
	return nil
}

func (r *repo[T]) selectClause() string {
	return "SELECT " + strings.Join(r.m.columns, ", ") + " FROM " + r.m.table
}

// whereClause renders filters into SQL with a deterministic column order.
func (r *repo[T]) whereClause(f Filters) (string, []any, error) {
	if len(f) == 0 {
		return "", nil, nil
	}
	cols := make([]string, 0, len(f))
	for c := range f {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	if err := r.checkColumns(cols...); err != nil {
		return "", nil, err
	}

	var preds []string
	var args []any
	for _, c := range cols {
		if f[c] == nil {
			preds = append(preds, c+" IS NULL")
			continue
		}
		preds = append(preds, c+" = ?")
		args = append(args, f[c])
	}
	return " WHERE " + strings.Join(preds, " AND "), args, nil
}

// Get fetches by primary key; ErrNotFound when the row is absent.
func (r *repo[T]) Get(ctx context.Context, id string) (*T, error) {
	row := r.q.QueryRowContext(ctx, r.selectClause()+" WHERE id = ?", id)
	out, err := r.m.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s id=%s", ErrNotFound, r.m.table, id)
	}
	return out, err
}

// GetBy fetches the single row matching the filters.
func (r *repo[T]) GetBy(ctx context.Context, f Filters) (*T, error) {
	where, args, err := r.whereClause(f)
	if err != nil {
		return nil, err
	}
	row := r.q.QueryRowContext(ctx, r.selectClause()+where+" LIMIT 1", args...)
	out, err := r.m.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s %v", ErrNotFound, r.m.table, f)
	}
	return out, err
}

// FindMany lists rows matching the filters, in insertion order unless
// OrderBy overrides it.
func (r *repo[T]) FindMany(ctx context.Context, f Filters, opts FindOpts) ([]*T, error) {
	where, args, err := r.whereClause(f)
	if err != nil {
		return nil, err
	}

	query := r.selectClause() + where

	order := "rowid"
	if opts.OrderBy != "" {
		col, dir, _ := strings.Cut(opts.OrderBy, " ")
		if err := r.checkColumns(col); err != nil {
			return nil, err
		}
		switch strings.ToUpper(strings.TrimSpace(dir)) {
		case "", "ASC":
			order = col
		case "DESC":
			order = col + " DESC"
		default:
			return nil, fmt.Errorf("store: bad order direction %q", dir)
		}
	}
	query += " ORDER BY " + order

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
		if opts.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", opts.Offset)
		}
	} else if opts.Offset > 0 {
		query += fmt.Sprintf(" LIMIT -1 OFFSET %d", opts.Offset)
	}

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*T
	for rows.Next() {
		item, err := r.m.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// Count counts rows matching the filters.
func (r *repo[T]) Count(ctx context.Context, f Filters) (int64, error) {
	where, args, err := r.whereClause(f)
	if err != nil {
		return 0, err
	}
	var n int64
	err = r.q.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+r.m.table+where, args...).Scan(&n)
	return n, err
}

// Create inserts the entity as-is.
func (r *repo[T]) Create(ctx context.Context, e *T) error {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(r.m.columns)), ", ")
	query := "INSERT INTO " + r.m.table +
		" (" + strings.Join(r.m.columns, ", ") + ") VALUES (" + placeholders + ")"
	_, err := r.q.ExecContext(ctx, query, r.m.values(e)...)
	return wrapWriteErr(err)
}

// Update sets the given columns on one row. Tables with an updated_at
// column get it refreshed automatically.
func (r *repo[T]) Update(ctx context.Context, id string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	cols := make([]string, 0, len(fields))
	for c := range fields {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	if err := r.checkColumns(cols...); err != nil {
		return err
	}

	var sets []string
	var args []any
	for _, c := range cols {
		sets = append(sets, c+" = ?")
		args = append(args, fields[c])
	}
	if _, tracked := fields["updated_at"]; !tracked && r.colIndex("updated_at") >= 0 {
		sets = append(sets, "updated_at = ?")
		args = append(args, nowUTC())
	}
	args = append(args, id)

	res, err := r.q.ExecContext(ctx,
		"UPDATE "+r.m.table+" SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return wrapWriteErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s id=%s", ErrNotFound, r.m.table, id)
	}
	return nil
}

// Delete removes one row by id.
func (r *repo[T]) Delete(ctx context.Context, id string) error {
	res, err := r.q.ExecContext(ctx, "DELETE FROM "+r.m.table+" WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s id=%s", ErrNotFound, r.m.table, id)
	}
	return nil
}

// GetOrCreate looks up by the filters and inserts e when absent. On a hit
// the stored row replaces *e so the caller always holds canonical state.
func (r *repo[T]) GetOrCreate(ctx context.Context, e *T, by Filters) (created bool, err error) {
	existing, err := r.GetBy(ctx, by)
	switch {
	case err == nil:
		*e = *existing
		return false, nil
	case errors.Is(err, ErrNotFound):
		if err := r.Create(ctx, e); err != nil {
			return false, err
		}
		return true, nil
	default:
		return false, err
	}
}

// Upsert inserts e or, on a conflict over conflictCols, updates
// updateCols (nil means every column except the conflict key, id and
// created_at). *e is reloaded with the canonical row either way, so the
// stored id survives upserts of pre-existing rows.
func (r *repo[T]) Upsert(ctx context.Context, e *T, conflictCols []string, updateCols []string) (created bool, err error) {
	if len(conflictCols) == 0 {
		return false, errors.New("store: upsert requires conflict columns")
	}
	if err := r.checkColumns(conflictCols...); err != nil {
		return false, err
	}

	conflictFilter := make(Filters, len(conflictCols))
	vals := r.m.values(e)
	for _, c := range conflictCols {
		conflictFilter[c] = vals[r.colIndex(c)]
	}

	_, lookupErr := r.GetBy(ctx, conflictFilter)
	switch {
	case lookupErr == nil:
		created = false
	case errors.Is(lookupErr, ErrNotFound):
		created = true
	default:
		return false, lookupErr
	}

	if updateCols == nil {
		for _, c := range r.m.columns {
			if c == "id" || c == "created_at" || contains(conflictCols, c) {
				continue
			}
			updateCols = append(updateCols, c)
		}
	} else if err := r.checkColumns(updateCols...); err != nil {
		return false, err
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(r.m.columns)), ", ")
	query := "INSERT INTO " + r.m.table +
		" (" + strings.Join(r.m.columns, ", ") + ") VALUES (" + placeholders + ")" +
		" ON CONFLICT(" + strings.Join(conflictCols, ", ") + ")"

	if len(updateCols) == 0 {
		query += " DO NOTHING"
	} else {
		var sets []string
		for _, c := range updateCols {
			sets = append(sets, c+" = excluded."+c)
		}
		query += " DO UPDATE SET " + strings.Join(sets, ", ")
	}

	if _, err := r.q.ExecContext(ctx, query, vals...); err != nil {
		return false, wrapWriteErr(err)
	}

	stored, err := r.GetBy(ctx, conflictFilter)
	if err != nil {
		return false, err
	}
	*e = *stored
	return created, nil
}

// BulkCreate inserts rows with multi-row VALUES, chunked to stay under
// SQLite's bind-parameter ceiling.
func (r *repo[T]) BulkCreate(ctx context.Context, items []*T) error {
	if len(items) == 0 {
		return nil
	}
	chunk := 900 / len(r.m.columns)
	if chunk < 1 {
		chunk = 1
	}

	rowPl := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(r.m.columns)), ", ") + ")"
	prefix := "INSERT INTO " + r.m.table + " (" + strings.Join(r.m.columns, ", ") + ") VALUES "

	for start := 0; start < len(items); start += chunk {
		end := start + chunk
		if end > len(items) {
			end = len(items)
		}
		batch := items[start:end]

		var args []any
		for _, it := range batch {
			args = append(args, r.m.values(it)...)
		}
		query := prefix + strings.TrimSuffix(strings.Repeat(rowPl+", ", len(batch)), ", ")
		if _, err := r.q.ExecContext(ctx, query, args...); err != nil {
			return wrapWriteErr(err)
		}
	}
	return nil
}

// BulkUpsert upserts each row on the conflict key and reports how many
// were newly created.
func (r *repo[T]) BulkUpsert(ctx context.Context, items []*T, conflictCols []string) (createdCount int, err error) {
	for _, it := range items {
		created, err := r.Upsert(ctx, it, conflictCols, nil)
		if err != nil {
			return createdCount, err
		}
		if created {
			createdCount++
		}
	}
	return createdCount, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
