package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/simforge/vct/internal/models"
)

// InsertRun allocates a fresh Run identity row with status NotStarted. Runs
// carry no uniqueness constraint: replicates are identical on purpose.
func (s *Store) InsertRun(ctx context.Context, ii models.InputIdentity, vi models.VariationIndex) (int64, error) {
	cols := append(identityColumns(), "status_code_id")
	vals := append(identityValues(ii, vi), s.statusID[models.StatusNotStarted])

	insert := fmt.Sprintf("INSERT INTO runs (%s) VALUES (%s)",
		strings.Join(cols, ", "), placeholders(len(cols)))

	res, err := s.db.ExecContext(ctx, insert, vals...)
	if err != nil {
		return 0, fmt.Errorf("%w: inserting run: %v", models.ErrStorageUnavailable, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("%w: run insert id: %v", models.ErrStorageUnavailable, err)
	}
	return id, nil
}

// GetRun rehydrates a Run row by id.
func (s *Store) GetRun(ctx context.Context, id int64) (*models.Run, error) {
	cols := append(identityColumns(), "status_code_id")
	query := fmt.Sprintf("SELECT %s FROM runs WHERE run_id = ?", strings.Join(cols, ", "))

	dest := make([]int64, len(cols))
	ptrs := make([]any, len(cols))
	for i := range dest {
		ptrs[i] = &dest[i]
	}

	err := s.db.QueryRowContext(ctx, query, id).Scan(ptrs...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %d: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading run %d: %v", models.ErrStorageUnavailable, id, err)
	}

	ii, vi := scanIdentity(dest)
	return &models.Run{
		ID:        id,
		Inputs:    ii,
		Variation: vi,
		Status:    s.statusName[dest[len(dest)-1]],
	}, nil
}

// RunStatus reads a Run's current status.
func (s *Store) RunStatus(ctx context.Context, id int64) (models.Status, error) {
	var codeID int64
	err := s.db.QueryRowContext(ctx, "SELECT status_code_id FROM runs WHERE run_id = ?", id).Scan(&codeID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("run %d: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("%w: reading run %d status: %v", models.ErrStorageUnavailable, id, err)
	}
	return s.statusName[codeID], nil
}

// ClaimRun performs the admission-control check-and-set: NotStarted -> Queued
// as a single atomic statement. It returns models.ErrAlreadyClaimed when
// another caller got there first; this is the sole gate preventing duplicate
// dispatch of one Run.
func (s *Store) ClaimRun(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE runs SET status_code_id = ? WHERE run_id = ? AND status_code_id = ?",
		s.statusID[models.StatusQueued], id, s.statusID[models.StatusNotStarted])
	if err != nil {
		return fmt.Errorf("%w: claiming run %d: %v", models.ErrStorageUnavailable, id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: claim rows affected: %v", models.ErrStorageUnavailable, err)
	}
	if affected == 0 {
		return fmt.Errorf("run %d: %w", id, models.ErrAlreadyClaimed)
	}
	return nil
}

// AdvanceRunStatus moves a Run's status forward, rejecting any transition
// that skips or reverses the lifecycle order.
func (s *Store) AdvanceRunStatus(ctx context.Context, id int64, next models.Status) error {
	current, err := s.RunStatus(ctx, id)
	if err != nil {
		return err
	}
	if !current.CanTransition(next) {
		return fmt.Errorf("run %d: illegal status transition %s -> %s", id, current, next)
	}

	_, err = s.db.ExecContext(ctx,
		"UPDATE runs SET status_code_id = ? WHERE run_id = ?",
		s.statusID[next], id)
	if err != nil {
		return fmt.Errorf("%w: updating run %d status: %v", models.ErrStorageUnavailable, id, err)
	}
	return nil
}

// InsertOrFindGroup resolves a ReplicateGroup id for the (inputs, variation)
// combination, allocating a new one on first sight.
func (s *Store) InsertOrFindGroup(ctx context.Context, ii models.InputIdentity, vi models.VariationIndex) (int64, error) {
	id, _, err := s.insertOrFind(ctx, "replicate_groups", "group_id",
		identityColumns(), identityValues(ii, vi))
	return id, err
}

// GetGroup rehydrates a ReplicateGroup's identity row (membership is read
// separately).
func (s *Store) GetGroup(ctx context.Context, id int64) (models.InputIdentity, models.VariationIndex, error) {
	query := fmt.Sprintf("SELECT %s FROM replicate_groups WHERE group_id = ?",
		strings.Join(identityColumns(), ", "))

	dest := make([]int64, len(identityColumns()))
	ptrs := make([]any, len(dest))
	for i := range dest {
		ptrs[i] = &dest[i]
	}

	err := s.db.QueryRowContext(ctx, query, id).Scan(ptrs...)
	if errors.Is(err, sql.ErrNoRows) {
		return models.InputIdentity{}, models.VariationIndex{}, fmt.Errorf("replicate group %d: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return models.InputIdentity{}, models.VariationIndex{}, fmt.Errorf("%w: reading group %d: %v", models.ErrStorageUnavailable, id, err)
	}

	ii, vi := scanIdentity(dest)
	return ii, vi, nil
}

// InsertSweep allocates a new Sweep row. Set-equality resolution against
// existing sweeps happens in the hierarchy service before calling this.
func (s *Store) InsertSweep(ctx context.Context, ii models.InputIdentity) (int64, error) {
	insert := fmt.Sprintf("INSERT INTO sweeps (%s) VALUES (%s)",
		strings.Join(slotColumns(), ", "), placeholders(len(slotColumns())))

	res, err := s.db.ExecContext(ctx, insert, slotValues(ii)...)
	if err != nil {
		return 0, fmt.Errorf("%w: inserting sweep: %v", models.ErrStorageUnavailable, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("%w: sweep insert id: %v", models.ErrStorageUnavailable, err)
	}
	return id, nil
}

// GetSweepInputs rehydrates a Sweep's input identity.
func (s *Store) GetSweepInputs(ctx context.Context, id int64) (models.InputIdentity, error) {
	query := fmt.Sprintf("SELECT %s FROM sweeps WHERE sweep_id = ?",
		strings.Join(slotColumns(), ", "))

	dest := make([]int64, len(slotColumns()))
	ptrs := make([]any, len(dest))
	for i := range dest {
		ptrs[i] = &dest[i]
	}

	err := s.db.QueryRowContext(ctx, query, id).Scan(ptrs...)
	if errors.Is(err, sql.ErrNoRows) {
		return models.InputIdentity{}, fmt.Errorf("sweep %d: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return models.InputIdentity{}, fmt.Errorf("%w: reading sweep %d: %v", models.ErrStorageUnavailable, id, err)
	}

	ii := models.InputIdentity{}
	for i, slot := range models.Slots() {
		ii = ii.Set(slot, int(dest[i]))
	}
	return ii, nil
}

// SweepIDsByInputs lists sweeps sharing the given input identity, oldest
// first. Candidates for set-equality matching.
func (s *Store) SweepIDsByInputs(ctx context.Context, ii models.InputIdentity) ([]int64, error) {
	query := fmt.Sprintf("SELECT sweep_id FROM sweeps WHERE %s ORDER BY sweep_id",
		whereEq(slotColumns()))

	rows, err := s.db.QueryContext(ctx, query, slotValues(ii)...)
	if err != nil {
		return nil, fmt.Errorf("%w: listing sweeps: %v", models.ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%w: scanning sweep id: %v", models.ErrStorageUnavailable, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// InsertTrial allocates a new Trial row.
func (s *Store) InsertTrial(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, "INSERT INTO trials DEFAULT VALUES")
	if err != nil {
		return 0, fmt.Errorf("%w: inserting trial: %v", models.ErrStorageUnavailable, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("%w: trial insert id: %v", models.ErrStorageUnavailable, err)
	}
	return id, nil
}

// GetTrialCreatedAt rehydrates a Trial's creation time, confirming the row
// exists.
func (s *Store) GetTrialCreatedAt(ctx context.Context, id int64) (time.Time, error) {
	var created string
	err := s.db.QueryRowContext(ctx, "SELECT created_at FROM trials WHERE trial_id = ?", id).Scan(&created)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, fmt.Errorf("trial %d: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: reading trial %d: %v", models.ErrStorageUnavailable, id, err)
	}
	t, err := time.Parse("2006-01-02 15:04:05", created)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing trial %d created_at: %w", id, err)
	}
	return t, nil
}

// TrialIDs lists all trial ids, oldest first.
func (s *Store) TrialIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT trial_id FROM trials ORDER BY trial_id")
	if err != nil {
		return nil, fmt.Errorf("%w: listing trials: %v", models.ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%w: scanning trial id: %v", models.ErrStorageUnavailable, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountRunsByStatus returns per-status Run counts for reporting.
func (s *Store) CountRunsByStatus(ctx context.Context) (map[models.Status]int, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT status_code_id, COUNT(*) FROM runs GROUP BY status_code_id")
	if err != nil {
		return nil, fmt.Errorf("%w: counting runs: %v", models.ErrStorageUnavailable, err)
	}
	defer rows.Close()

	counts := make(map[models.Status]int)
	for rows.Next() {
		var codeID int64
		var n int
		if err := rows.Scan(&codeID, &n); err != nil {
			return nil, fmt.Errorf("%w: scanning run count: %v", models.ErrStorageUnavailable, err)
		}
		counts[s.statusName[codeID]] = n
	}
	return counts, rows.Err()
}

// GroupSummary is one row of the experiment-history listing: a replicate
// group, its current member count and how many members completed.
type GroupSummary struct {
	ID        int64
	Members   int
	Completed int
}

// RecentGroups lists the newest replicate groups with membership counts.
func (s *Store) RecentGroups(ctx context.Context, limit int) ([]GroupSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT g.group_id,
		       COUNT(m.run_id),
		       COALESCE(SUM(CASE WHEN r.status_code_id = ? THEN 1 ELSE 0 END), 0)
		FROM replicate_groups g
		LEFT JOIN replicate_group_runs m ON m.group_id = g.group_id
		LEFT JOIN runs r ON r.run_id = m.run_id
		GROUP BY g.group_id
		ORDER BY g.group_id DESC
		LIMIT ?`,
		s.statusID[models.StatusCompleted], limit)
	if err != nil {
		return nil, fmt.Errorf("%w: listing recent groups: %v", models.ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var summaries []GroupSummary
	for rows.Next() {
		var g GroupSummary
		if err := rows.Scan(&g.ID, &g.Members, &g.Completed); err != nil {
			return nil, fmt.Errorf("%w: scanning group summary: %v", models.ErrStorageUnavailable, err)
		}
		summaries = append(summaries, g)
	}
	return summaries, rows.Err()
}

func scanIdentity(dest []int64) (models.InputIdentity, models.VariationIndex) {
	ii := models.InputIdentity{}
	for i, slot := range models.Slots() {
		ii = ii.Set(slot, int(dest[i]))
	}
	vi := models.VariationIndex{}
	offset := len(models.Slots())
	for i, slot := range models.VariableSlots() {
		vi = vi.Set(slot, int(dest[offset+i]))
	}
	return ii, vi
}
