package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/simforge/vct/internal/models"
)

// placeholders returns n comma-separated SQL placeholders.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// whereEq renders "col1 = ? AND col2 = ? ..." for the given columns.
func whereEq(cols []string) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = c + " = ?"
	}
	return strings.Join(parts, " AND ")
}

// insertOrFind attempts an insert into table; if the row already exists under
// the table's uniqueness constraint it re-queries by the same column values
// and returns the existing id. Table and column names are internal constants;
// all values travel as bind parameters.
func (s *Store) insertOrFind(ctx context.Context, table, idColumn string, cols []string, vals []any) (int64, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("%w: beginning transaction: %v", models.ErrStorageUnavailable, err)
	}
	defer tx.Rollback()

	insert := fmt.Sprintf("INSERT OR IGNORE INTO %s (%s) VALUES (%s)",
		table, strings.Join(cols, ", "), placeholders(len(cols)))

	res, err := tx.ExecContext(ctx, insert, vals...)
	if err != nil {
		return 0, false, fmt.Errorf("%w: inserting into %s: %v", models.ErrStorageUnavailable, table, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("%w: rows affected: %v", models.ErrStorageUnavailable, err)
	}

	var id int64
	created := affected == 1
	if created {
		if id, err = res.LastInsertId(); err != nil {
			return 0, false, fmt.Errorf("%w: last insert id: %v", models.ErrStorageUnavailable, err)
		}
	} else {
		query := fmt.Sprintf("SELECT %s FROM %s WHERE %s", idColumn, table, whereEq(cols))
		if err = tx.QueryRowContext(ctx, query, vals...).Scan(&id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return 0, false, fmt.Errorf("row in %s vanished between insert and find: %w", table, models.ErrStorageUnavailable)
			}
			return 0, false, fmt.Errorf("%w: finding existing row in %s: %v", models.ErrStorageUnavailable, table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("%w: committing: %v", models.ErrStorageUnavailable, err)
	}
	return id, created, nil
}
