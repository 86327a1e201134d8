// Package hierarchy builds and rehydrates the four-level experiment model:
// Run -> ReplicateGroup -> Sweep -> Trial. All identity resolution funnels
// through the store's insert-or-find primitive; this package owns the
// invariants that tie the levels together.
package hierarchy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/simforge/vct/internal/models"
	"github.com/simforge/vct/internal/store"
)

// Service constructs and rehydrates hierarchy entities against the store.
type Service struct {
	store *store.Store
}

// NewService creates a hierarchy service.
func NewService(st *store.Store) *Service {
	return &Service{store: st}
}

// Validate checks an (inputs, variation) tuple: structural rules plus the
// per-folder rule that a positive variation index requires a folder
// registered as variable, and a static folder pins the index to base.
func (s *Service) Validate(ctx context.Context, ii models.InputIdentity, vi models.VariationIndex) error {
	if err := ii.Validate(); err != nil {
		return err
	}
	if err := vi.Validate(ii); err != nil {
		return err
	}

	for _, slot := range models.VariableSlots() {
		if !ii.Used(slot) {
			continue
		}
		variable, err := s.store.FolderVariable(ctx, slot, ii.Get(slot))
		if err != nil {
			return err
		}
		if idx := vi.Get(slot); idx > models.VariationBase && !variable {
			return &models.ValidationError{
				Slot:   slot,
				Reason: fmt.Sprintf("variation index %d on static folder", idx),
			}
		}
	}
	return nil
}

// NewRun creates a fresh Run from a fully resolved identity. The caller is
// responsible for registering it with a ReplicateGroup; prefer
// NewReplicateGroup unless a standalone Run is wanted.
func (s *Service) NewRun(ctx context.Context, ii models.InputIdentity, vi models.VariationIndex) (*models.Run, error) {
	if err := s.Validate(ctx, ii, vi); err != nil {
		return nil, err
	}

	id, err := s.store.InsertRun(ctx, ii, vi)
	if err != nil {
		return nil, err
	}
	return &models.Run{ID: id, Inputs: ii, Variation: vi, Status: models.StatusNotStarted}, nil
}

// RunByID rehydrates a Run and re-validates its identity tuple.
func (s *Service) RunByID(ctx context.Context, id int64) (*models.Run, error) {
	run, err := s.store.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.Validate(ctx, run.Inputs, run.Variation); err != nil {
		return nil, fmt.Errorf("run %d: %w", id, err)
	}
	return run, nil
}

// NewReplicateGroup resolves (or allocates) the group for the combination and
// tops its membership up to the target replicate count. With usePrevious the
// existing members count toward the target; otherwise they are ignored for
// counting but never discarded.
func (s *Service) NewReplicateGroup(ctx context.Context, ii models.InputIdentity, vi models.VariationIndex, replicates int, usePrevious bool) (*models.ReplicateGroup, error) {
	if err := s.Validate(ctx, ii, vi); err != nil {
		return nil, err
	}

	groupID, err := s.store.InsertOrFindGroup(ctx, ii, vi)
	if err != nil {
		return nil, err
	}

	existing, err := s.store.GroupRunIDs(ctx, groupID)
	if err != nil {
		return nil, err
	}

	counted := 0
	if usePrevious {
		counted = len(existing)
	}

	missing := replicates - counted
	if missing < 0 {
		missing = 0
	}

	newIDs := make([]int64, 0, missing)
	for i := 0; i < missing; i++ {
		runID, err := s.store.InsertRun(ctx, ii, vi)
		if err != nil {
			return nil, err
		}
		newIDs = append(newIDs, runID)
	}
	if err := s.store.AppendGroupRuns(ctx, groupID, newIDs); err != nil {
		return nil, err
	}

	slog.Debug("replicate group resolved",
		"group", groupID, "existing", len(existing), "created", len(newIDs))

	return &models.ReplicateGroup{
		ID:        groupID,
		Inputs:    ii,
		Variation: vi,
		RunIDs:    append(existing, newIDs...),
	}, nil
}

// GroupByID rehydrates a ReplicateGroup, re-validating that every member Run
// carries the group's exact identity. An empty membership list is treated as
// an entity that never finished being created.
func (s *Service) GroupByID(ctx context.Context, id int64) (*models.ReplicateGroup, error) {
	ii, vi, err := s.store.GetGroup(ctx, id)
	if err != nil {
		return nil, err
	}

	runIDs, err := s.store.GroupRunIDs(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(runIDs) == 0 {
		return nil, fmt.Errorf("replicate group %d has no members: %w", id, models.ErrNotFound)
	}

	for _, runID := range runIDs {
		run, err := s.store.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if run.Inputs != ii || run.Variation != vi {
			return nil, fmt.Errorf("replicate group %d: member run %d identity mismatch", id, runID)
		}
	}

	return &models.ReplicateGroup{ID: id, Inputs: ii, Variation: vi, RunIDs: runIDs}, nil
}

// NewSweep creates (or reuses) one ReplicateGroup per variation tuple under
// the shared inputs, then resolves the Sweep by set equality of group ids
// among sweeps with the same inputs.
func (s *Service) NewSweep(ctx context.Context, ii models.InputIdentity, variations []models.VariationIndex, replicates int, usePrevious bool) (*models.Sweep, error) {
	if len(variations) == 0 {
		return nil, fmt.Errorf("sweep requires at least one variation tuple")
	}

	groupIDs := make([]int64, 0, len(variations))
	for _, vi := range variations {
		group, err := s.NewReplicateGroup(ctx, ii, vi, replicates, usePrevious)
		if err != nil {
			return nil, err
		}
		groupIDs = append(groupIDs, group.ID)
	}

	sweepID, err := s.resolveSweepID(ctx, ii, groupIDs)
	if err != nil {
		return nil, err
	}

	return &models.Sweep{ID: sweepID, Inputs: ii, GroupIDs: groupIDs, Variations: variations}, nil
}

// NewSweepFromGroups resolves a Sweep over already-created groups. All groups
// must share the same input identity; no member entities are created.
func (s *Service) NewSweepFromGroups(ctx context.Context, groupIDs []int64) (*models.Sweep, error) {
	if len(groupIDs) == 0 {
		return nil, fmt.Errorf("sweep requires at least one group")
	}

	var ii models.InputIdentity
	variations := make([]models.VariationIndex, 0, len(groupIDs))
	for i, groupID := range groupIDs {
		gi, vi, err := s.store.GetGroup(ctx, groupID)
		if err != nil {
			return nil, err
		}
		if i == 0 {
			ii = gi
		} else if gi != ii {
			return nil, fmt.Errorf("group %d input identity differs from the sweep's", groupID)
		}
		variations = append(variations, vi)
	}

	sweepID, err := s.resolveSweepID(ctx, ii, groupIDs)
	if err != nil {
		return nil, err
	}

	return &models.Sweep{ID: sweepID, Inputs: ii, GroupIDs: groupIDs, Variations: variations}, nil
}

// resolveSweepID reuses a recorded sweep whose membership equals the given
// set, allocating a new sweep (and persisting its membership) otherwise.
func (s *Service) resolveSweepID(ctx context.Context, ii models.InputIdentity, groupIDs []int64) (int64, error) {
	candidates, err := s.store.SweepIDsByInputs(ctx, ii)
	if err != nil {
		return 0, err
	}

	for _, candidate := range candidates {
		members, err := s.store.SweepGroupIDs(ctx, candidate)
		if err != nil {
			return 0, err
		}
		if sameIDSet(members, groupIDs) {
			slog.Debug("sweep membership matched", "sweep", candidate)
			return candidate, nil
		}
	}

	sweepID, err := s.store.InsertSweep(ctx, ii)
	if err != nil {
		return 0, err
	}
	if err := s.store.AppendSweepGroups(ctx, sweepID, groupIDs); err != nil {
		return 0, err
	}
	return sweepID, nil
}

// SweepByID rehydrates a Sweep, its membership and per-group variations.
func (s *Service) SweepByID(ctx context.Context, id int64) (*models.Sweep, error) {
	ii, err := s.store.GetSweepInputs(ctx, id)
	if err != nil {
		return nil, err
	}

	groupIDs, err := s.store.SweepGroupIDs(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(groupIDs) == 0 {
		return nil, fmt.Errorf("sweep %d has no members: %w", id, models.ErrNotFound)
	}

	variations := make([]models.VariationIndex, 0, len(groupIDs))
	for _, groupID := range groupIDs {
		gi, vi, err := s.store.GetGroup(ctx, groupID)
		if err != nil {
			return nil, err
		}
		if gi != ii {
			return nil, fmt.Errorf("sweep %d: member group %d input identity mismatch", id, groupID)
		}
		variations = append(variations, vi)
	}

	return &models.Sweep{ID: id, Inputs: ii, GroupIDs: groupIDs, Variations: variations}, nil
}

// NewTrial resolves a Trial by set equality over previously recorded trials'
// memberships, allocating a new one otherwise. When multiple recorded trials
// carry an identical sweep set, the lowest trial id wins; any match is
// semantically equivalent, the ordering just keeps the choice deterministic.
func (s *Service) NewTrial(ctx context.Context, sweepIDs []int64) (*models.Trial, error) {
	if len(sweepIDs) == 0 {
		return nil, fmt.Errorf("trial requires at least one sweep")
	}

	for _, sweepID := range sweepIDs {
		if _, err := s.store.GetSweepInputs(ctx, sweepID); err != nil {
			return nil, err
		}
	}

	candidates, err := s.store.TrialIDs(ctx)
	if err != nil {
		return nil, err
	}
	for _, candidate := range candidates {
		members, err := s.store.TrialSweepIDs(ctx, candidate)
		if err != nil {
			return nil, err
		}
		if sameIDSet(members, sweepIDs) {
			return s.TrialByID(ctx, candidate)
		}
	}

	trialID, err := s.store.InsertTrial(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.store.AppendTrialSweeps(ctx, trialID, sweepIDs); err != nil {
		return nil, err
	}

	return s.TrialByID(ctx, trialID)
}

// TrialByID rehydrates a Trial and its membership.
func (s *Service) TrialByID(ctx context.Context, id int64) (*models.Trial, error) {
	created, err := s.store.GetTrialCreatedAt(ctx, id)
	if err != nil {
		return nil, err
	}

	sweepIDs, err := s.store.TrialSweepIDs(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(sweepIDs) == 0 {
		return nil, fmt.Errorf("trial %d has no members: %w", id, models.ErrNotFound)
	}

	return &models.Trial{ID: id, SweepIDs: sweepIDs, CreatedAt: created}, nil
}

// GroupBacklog is one ReplicateGroup's share of an execution backlog: the
// group identity (for the build step) and its pending Runs.
type GroupBacklog struct {
	GroupID int64 // 0 for a standalone Run with no owning group
	Inputs  models.InputIdentity
	Runs    []*models.Run
}

// Expand flattens a hierarchy node into per-group backlogs of Runs still in
// NotStarted, and returns the total member Run count before filtering.
func (s *Service) Expand(ctx context.Context, node models.Node) ([]GroupBacklog, int, error) {
	switch n := node.(type) {
	case *models.Run:
		run, err := s.RunByID(ctx, n.ID)
		if err != nil {
			return nil, 0, err
		}
		groupID, err := s.store.GroupOfRun(ctx, run.ID)
		if err != nil && !errors.Is(err, models.ErrNotFound) {
			return nil, 0, err
		}
		backlog := GroupBacklog{GroupID: groupID, Inputs: run.Inputs}
		if run.Status == models.StatusNotStarted {
			backlog.Runs = append(backlog.Runs, run)
		}
		return []GroupBacklog{backlog}, 1, nil

	case *models.ReplicateGroup:
		group, err := s.GroupByID(ctx, n.ID)
		if err != nil {
			return nil, 0, err
		}
		backlog := GroupBacklog{GroupID: group.ID, Inputs: group.Inputs}
		for _, runID := range group.RunIDs {
			run, err := s.store.GetRun(ctx, runID)
			if err != nil {
				return nil, 0, err
			}
			if run.Status == models.StatusNotStarted {
				backlog.Runs = append(backlog.Runs, run)
			}
		}
		return []GroupBacklog{backlog}, len(group.RunIDs), nil

	case *models.Sweep:
		sweep, err := s.SweepByID(ctx, n.ID)
		if err != nil {
			return nil, 0, err
		}
		var backlogs []GroupBacklog
		total := 0
		for _, groupID := range sweep.GroupIDs {
			sub, n, err := s.Expand(ctx, &models.ReplicateGroup{ID: groupID})
			if err != nil {
				return nil, 0, err
			}
			backlogs = append(backlogs, sub...)
			total += n
		}
		return backlogs, total, nil

	case *models.Trial:
		trial, err := s.TrialByID(ctx, n.ID)
		if err != nil {
			return nil, 0, err
		}
		var backlogs []GroupBacklog
		total := 0
		for _, sweepID := range trial.SweepIDs {
			sub, n, err := s.Expand(ctx, &models.Sweep{ID: sweepID})
			if err != nil {
				return nil, 0, err
			}
			backlogs = append(backlogs, sub...)
			total += n
		}
		return backlogs, total, nil
	}

	return nil, 0, fmt.Errorf("unsupported hierarchy node %T", node)
}

// sameIDSet compares two id lists as sets.
func sameIDSet(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	as := slices.Clone(a)
	bs := slices.Clone(b)
	slices.Sort(as)
	slices.Sort(bs)
	return slices.Equal(as, bs)
}
