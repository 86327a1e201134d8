// Package store implements the identity registry on a SQLite database. It is
// the sole arbiter of whether an input/variation combination is new: every
// entity-creation path funnels through InsertOrFind.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite" // SQLite driver (pure Go)

	"github.com/simforge/vct/internal/models"
)

// Store wraps the SQLite database holding experiment identities, membership
// lists and run statuses.
type Store struct {
	db *sql.DB

	statusID   map[models.Status]int64
	statusName map[int64]models.Status
}

// Open opens (creating if necessary) the database at path and bootstraps the
// schema. Pass ":memory:" for an ephemeral store in tests.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// A single writer connection sidesteps SQLITE_BUSY between the pool's
	// connections; per-run work is dominated by the subprocess anyway.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 10000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", pragma, err)
		}
	}

	s := &Store{
		db:         db,
		statusID:   make(map[models.Status]int64),
		statusName: make(map[int64]models.Status),
	}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS status_codes (
			status_code_id INTEGER PRIMARY KEY,
			status_code TEXT NOT NULL UNIQUE
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS runs (
			run_id INTEGER PRIMARY KEY AUTOINCREMENT,
			%s,
			status_code_id INTEGER NOT NULL REFERENCES status_codes(status_code_id)
		)`, columnDefs(identityColumns())),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS replicate_groups (
			group_id INTEGER PRIMARY KEY AUTOINCREMENT,
			%s,
			UNIQUE (%s)
		)`, columnDefs(identityColumns()), strings.Join(identityColumns(), ", ")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS sweeps (
			sweep_id INTEGER PRIMARY KEY AUTOINCREMENT,
			%s
		)`, columnDefs(slotColumns())),
		`CREATE TABLE IF NOT EXISTS trials (
			trial_id INTEGER PRIMARY KEY AUTOINCREMENT,
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE TABLE IF NOT EXISTS replicate_group_runs (
			group_id INTEGER NOT NULL REFERENCES replicate_groups(group_id),
			run_id INTEGER NOT NULL REFERENCES runs(run_id),
			position INTEGER NOT NULL,
			PRIMARY KEY (group_id, run_id)
		)`,
		`CREATE TABLE IF NOT EXISTS sweep_groups (
			sweep_id INTEGER NOT NULL REFERENCES sweeps(sweep_id),
			group_id INTEGER NOT NULL REFERENCES replicate_groups(group_id),
			position INTEGER NOT NULL,
			PRIMARY KEY (sweep_id, group_id)
		)`,
		`CREATE TABLE IF NOT EXISTS trial_sweeps (
			trial_id INTEGER NOT NULL REFERENCES trials(trial_id),
			sweep_id INTEGER NOT NULL REFERENCES sweeps(sweep_id),
			position INTEGER NOT NULL,
			PRIMARY KEY (trial_id, sweep_id)
		)`,
	}

	for _, slot := range models.Slots() {
		stmts = append(stmts, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			folder_id INTEGER PRIMARY KEY AUTOINCREMENT,
			folder_name TEXT NOT NULL UNIQUE,
			is_variable INTEGER NOT NULL DEFAULT 0
		)`, folderTable(slot)))
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%w: initializing schema: %v", models.ErrStorageUnavailable, err)
		}
	}

	return s.seedStatuses(ctx)
}

func (s *Store) seedStatuses(ctx context.Context) error {
	for i, st := range models.AllStatuses() {
		id := int64(i + 1)
		if _, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO status_codes (status_code_id, status_code) VALUES (?, ?)`,
			id, string(st)); err != nil {
			return fmt.Errorf("%w: seeding status codes: %v", models.ErrStorageUnavailable, err)
		}
		s.statusID[st] = id
		s.statusName[id] = st
	}
	return nil
}

// slotColumns returns the input-slot id columns in canonical order.
func slotColumns() []string {
	cols := make([]string, 0, len(models.Slots()))
	for _, slot := range models.Slots() {
		cols = append(cols, string(slot)+"_id")
	}
	return cols
}

// variationColumns returns the variation index columns in canonical order.
func variationColumns() []string {
	cols := make([]string, 0, len(models.VariableSlots()))
	for _, slot := range models.VariableSlots() {
		cols = append(cols, string(slot)+"_variation_id")
	}
	return cols
}

// identityColumns returns slot columns followed by variation columns, the
// full (inputs, variation) identity of a Run or ReplicateGroup.
func identityColumns() []string {
	return append(slotColumns(), variationColumns()...)
}

func identityValues(ii models.InputIdentity, vi models.VariationIndex) []any {
	vals := make([]any, 0, len(identityColumns()))
	for _, slot := range models.Slots() {
		vals = append(vals, ii.Get(slot))
	}
	for _, slot := range models.VariableSlots() {
		vals = append(vals, vi.Get(slot))
	}
	return vals
}

func slotValues(ii models.InputIdentity) []any {
	vals := make([]any, 0, len(models.Slots()))
	for _, slot := range models.Slots() {
		vals = append(vals, ii.Get(slot))
	}
	return vals
}

func columnDefs(cols []string) string {
	defs := make([]string, len(cols))
	for i, c := range cols {
		defs[i] = c + " INTEGER NOT NULL"
	}
	return strings.Join(defs, ",\n\t\t\t")
}

func folderTable(slot models.Slot) string {
	return string(slot) + "_folders"
}
