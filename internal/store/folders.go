package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/simforge/vct/internal/models"
)

// RegisterFolder records a folder name in the slot's registry, returning the
// existing id if the name was already registered. The uniqueness constraint
// covers folder_name only, so a re-scan with a changed variable flag updates
// the flag in place. Idempotent; used by the startup scan of the inputs tree.
func (s *Store) RegisterFolder(ctx context.Context, slot models.Slot, name string, variable bool) (int, error) {
	if name == "" {
		return 0, &models.ValidationError{Slot: slot, Reason: "empty folder name"}
	}

	v := 0
	if variable {
		v = 1
	}

	var id int64
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT folder_id FROM %s WHERE folder_name = ?", folderTable(slot)),
		name).Scan(&id)
	switch {
	case err == nil:
		if _, err := s.db.ExecContext(ctx,
			fmt.Sprintf("UPDATE %s SET is_variable = ? WHERE folder_id = ?", folderTable(slot)),
			v, id); err != nil {
			return 0, fmt.Errorf("%w: updating folder flag: %v", models.ErrStorageUnavailable, err)
		}
		return int(id), nil
	case !errors.Is(err, sql.ErrNoRows):
		return 0, fmt.Errorf("%w: looking up folder %q: %v", models.ErrStorageUnavailable, name, err)
	}

	id, _, err = s.insertOrFind(ctx, folderTable(slot), "folder_id",
		[]string{"folder_name", "is_variable"}, []any{name, v})
	if err != nil {
		return 0, err
	}
	return int(id), nil
}

// ResolveFolder looks up a folder name within a slot's namespace. An empty
// name means "unused" and resolves to models.UnusedID. An unregistered
// non-empty name is models.ErrNotFound.
func (s *Store) ResolveFolder(ctx context.Context, slot models.Slot, name string) (int, error) {
	if name == "" {
		return models.UnusedID, nil
	}

	var id int64
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT folder_id FROM %s WHERE folder_name = ?", folderTable(slot)),
		name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("folder %q in slot %s: %w", name, slot, models.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: resolving folder %q: %v", models.ErrStorageUnavailable, name, err)
	}
	return int(id), nil
}

// FolderName is the inverse of ResolveFolder: it maps a folder id back to its
// name. models.UnusedID maps to the empty string.
func (s *Store) FolderName(ctx context.Context, slot models.Slot, id int) (string, error) {
	if id == models.UnusedID {
		return "", nil
	}

	var name string
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT folder_name FROM %s WHERE folder_id = ?", folderTable(slot)),
		id).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("folder id %d in slot %s: %w", id, slot, models.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("%w: naming folder %d: %v", models.ErrStorageUnavailable, id, err)
	}
	return name, nil
}

// FolderVariable reports whether the folder carries a variation store.
func (s *Store) FolderVariable(ctx context.Context, slot models.Slot, id int) (bool, error) {
	if id == models.UnusedID {
		return false, nil
	}

	var v int
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT is_variable FROM %s WHERE folder_id = ?", folderTable(slot)),
		id).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("folder id %d in slot %s: %w", id, slot, models.ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("%w: reading folder %d: %v", models.ErrStorageUnavailable, id, err)
	}
	return v == 1, nil
}
