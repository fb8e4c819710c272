package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/haasonsaas/cortex/pkg/errs"
)

// Page describes cursor pagination. Before/After are entity ids; the row's
// (created_at, id) pair anchors the cursor so paging is stable under
// concurrent inserts. Ties break on id.
type Page struct {
	Before    string
	After     string
	Limit     int
	Ascending bool
}

// DefaultPageLimit bounds list queries when the caller passes no limit.
const DefaultPageLimit = 50

// cursorAnchor resolves a cursor id to its (created_at, id) pair in the
// given table. Unknown cursors fail NotFound.
func (db *DB) cursorAnchor(ctx context.Context, table, id string) (time.Time, string, error) {
	var createdAt time.Time
	err := db.queryRow(ctx, fmt.Sprintf(`SELECT created_at FROM %s WHERE id = ?`, table), id).Scan(&createdAt)
	if err == sql.ErrNoRows {
		return time.Time{}, "", errs.NotFoundf("cursor %s not found", id)
	}
	if err != nil {
		return time.Time{}, "", fmt.Errorf("resolve cursor: %w", err)
	}
	return createdAt, id, nil
}

// pageClause appends cursor predicates and ordering to a query under
// construction. Returns the amended query and args. The query must already
// carry a WHERE clause. A zero limit means "return nothing" (the caller
// checks); a negative limit falls back to the default.
func (db *DB) pageClause(ctx context.Context, table, query string, args []any, page Page) (string, []any, error) {
	// After means "past the anchor in iteration order", Before the reverse,
	// so the comparators flip with the sort direction.
	afterOp, beforeOp := ">", "<"
	if !page.Ascending {
		afterOp, beforeOp = "<", ">"
	}
	if page.After != "" {
		at, id, err := db.cursorAnchor(ctx, table, page.After)
		if err != nil {
			return "", nil, err
		}
		query += ` AND (created_at, id) ` + afterOp + ` (?, ?)`
		args = append(args, at, id)
	}
	if page.Before != "" {
		at, id, err := db.cursorAnchor(ctx, table, page.Before)
		if err != nil {
			return "", nil, err
		}
		query += ` AND (created_at, id) ` + beforeOp + ` (?, ?)`
		args = append(args, at, id)
	}

	dir := "DESC"
	if page.Ascending {
		dir = "ASC"
	}
	query += fmt.Sprintf(" ORDER BY created_at %s, id %s", dir, dir)

	limit := page.Limit
	if limit < 0 {
		limit = DefaultPageLimit
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	return query, args, nil
}

// orgScope is the access predicate every read carries. The query builder
// centralizes it so callers cannot forget soft-delete or tenant filtering;
// cross-organization reads surface as NotFound, never as a distinct error.
const orgScope = ` organization_id = ? AND is_deleted = FALSE`
