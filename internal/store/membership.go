package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/simforge/vct/internal/models"
)

// Membership lists are the append-only source of truth for which children an
// entity owns. The only removal path is the deregistration of a failed Run
// from its ReplicateGroup.

func (s *Store) appendMembers(ctx context.Context, table, ownerCol, memberCol string, ownerID int64, memberIDs []int64) error {
	if len(memberIDs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: beginning membership transaction: %v", models.ErrStorageUnavailable, err)
	}
	defer tx.Rollback()

	var next int64
	err = tx.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COALESCE(MAX(position), 0) + 1 FROM %s WHERE %s = ?", table, ownerCol),
		ownerID).Scan(&next)
	if err != nil {
		return fmt.Errorf("%w: reading membership position: %v", models.ErrStorageUnavailable, err)
	}

	insert := fmt.Sprintf("INSERT INTO %s (%s, %s, position) VALUES (?, ?, ?)", table, ownerCol, memberCol)
	for i, memberID := range memberIDs {
		if _, err := tx.ExecContext(ctx, insert, ownerID, memberID, next+int64(i)); err != nil {
			return fmt.Errorf("%w: appending member %d to %s: %v", models.ErrStorageUnavailable, memberID, table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: committing membership: %v", models.ErrStorageUnavailable, err)
	}
	return nil
}

func (s *Store) listMembers(ctx context.Context, table, ownerCol, memberCol string, ownerID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT %s FROM %s WHERE %s = ? ORDER BY position", memberCol, table, ownerCol),
		ownerID)
	if err != nil {
		return nil, fmt.Errorf("%w: listing %s membership: %v", models.ErrStorageUnavailable, table, err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%w: scanning member id: %v", models.ErrStorageUnavailable, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AppendGroupRuns appends newly created Runs to a group's membership list in
// one transaction, so a crash never records a Run that was never created.
func (s *Store) AppendGroupRuns(ctx context.Context, groupID int64, runIDs []int64) error {
	return s.appendMembers(ctx, "replicate_group_runs", "group_id", "run_id", groupID, runIDs)
}

// GroupRunIDs returns a group's member Runs in insertion order.
func (s *Store) GroupRunIDs(ctx context.Context, groupID int64) ([]int64, error) {
	return s.listMembers(ctx, "replicate_group_runs", "group_id", "run_id", groupID)
}

// RemoveGroupRun deregisters a failed Run from its group so future
// replicate-count logic does not count it.
func (s *Store) RemoveGroupRun(ctx context.Context, groupID, runID int64) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM replicate_group_runs WHERE group_id = ? AND run_id = ?",
		groupID, runID)
	if err != nil {
		return fmt.Errorf("%w: deregistering run %d from group %d: %v", models.ErrStorageUnavailable, runID, groupID, err)
	}
	return nil
}

// GroupOfRun returns the id of the ReplicateGroup owning a Run.
func (s *Store) GroupOfRun(ctx context.Context, runID int64) (int64, error) {
	var groupID int64
	err := s.db.QueryRowContext(ctx,
		"SELECT group_id FROM replicate_group_runs WHERE run_id = ?", runID).Scan(&groupID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("group of run %d: %w", runID, models.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: finding group of run %d: %v", models.ErrStorageUnavailable, runID, err)
	}
	return groupID, nil
}

// AppendSweepGroups records a sweep's member groups.
func (s *Store) AppendSweepGroups(ctx context.Context, sweepID int64, groupIDs []int64) error {
	return s.appendMembers(ctx, "sweep_groups", "sweep_id", "group_id", sweepID, groupIDs)
}

// SweepGroupIDs returns a sweep's member groups in insertion order.
func (s *Store) SweepGroupIDs(ctx context.Context, sweepID int64) ([]int64, error) {
	return s.listMembers(ctx, "sweep_groups", "sweep_id", "group_id", sweepID)
}

// AppendTrialSweeps records a trial's member sweeps.
func (s *Store) AppendTrialSweeps(ctx context.Context, trialID int64, sweepIDs []int64) error {
	return s.appendMembers(ctx, "trial_sweeps", "trial_id", "sweep_id", trialID, sweepIDs)
}

// TrialSweepIDs returns a trial's member sweeps in insertion order.
func (s *Store) TrialSweepIDs(ctx context.Context, trialID int64) ([]int64, error) {
	return s.listMembers(ctx, "trial_sweeps", "trial_id", "sweep_id", trialID)
}
