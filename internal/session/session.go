// Package session owns the process-wide handle threaded through every
// component: the open store, the project configuration, the build cache with
// its per-folder locks, and the HPC-mode decision. There is deliberately no
// global state; everything hangs off the Session constructed at startup.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/simforge/vct/internal/buildcache"
	"github.com/simforge/vct/internal/config"
	"github.com/simforge/vct/internal/hierarchy"
	"github.com/simforge/vct/internal/inputs"
	"github.com/simforge/vct/internal/models"
	"github.com/simforge/vct/internal/runner"
	"github.com/simforge/vct/internal/scheduler"
	"github.com/simforge/vct/internal/slurm"
	"github.com/simforge/vct/internal/store"
)

// Session is the explicit context object constructed once at startup.
type Session struct {
	Config    config.Config
	Store     *store.Store
	Hierarchy *hierarchy.Service
	Resolver  *inputs.Resolver
	Cache     *buildcache.Cache
	UseSlurm  bool
}

// Open opens the store, scans the inputs tree into the folder registries,
// detects the execution substrate and reads the engine revision.
func Open(ctx context.Context, cfg config.Config) (*Session, error) {
	for _, dir := range []string{cfg.DataDir, cfg.OutputDir(), cfg.BuildDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	st, err := store.Open(ctx, cfg.DBPath())
	if err != nil {
		return nil, err
	}

	if err := inputs.ScanFolders(ctx, st, cfg.InputsDir); err != nil {
		st.Close()
		return nil, fmt.Errorf("scanning inputs tree: %w", err)
	}

	useSlurm := false
	switch cfg.HPC {
	case config.HPCAlways:
		useSlurm = true
	case config.HPCAuto:
		useSlurm = slurm.Available()
	}

	revision, err := engineRevision(cfg.EngineDir)
	if err != nil {
		slog.Warn("engine revision unknown, builds will not be cached across revisions", "error", err)
	}

	slog.Info("session opened",
		"db", cfg.DBPath(), "engine_revision", revision, "hpc", useSlurm)

	resolver := &inputs.Resolver{Store: st, InputsDir: cfg.InputsDir}

	return &Session{
		Config:    cfg,
		Store:     st,
		Hierarchy: hierarchy.NewService(st),
		Resolver:  resolver,
		Cache: &buildcache.Cache{
			EngineDir:  cfg.EngineDir,
			ScratchDir: cfg.BuildDir(),
			Revision:   revision,
			HPC:        useSlurm,
		},
		UseSlurm: useSlurm,
	}, nil
}

// Close releases the store.
func (s *Session) Close() error {
	return s.Store.Close()
}

// engineRevision reads the engine's release tag from its VERSION.txt.
func engineRevision(engineDir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(engineDir, "VERSION.txt"))
	if err != nil {
		return "", fmt.Errorf("reading engine version: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// NewScheduler wires a scheduler over the session's substrate decision.
func (s *Session) NewScheduler() *scheduler.Scheduler {
	return &scheduler.Scheduler{
		Hierarchy: s.Hierarchy,
		Builder: &scheduler.EngineBuilder{
			Cache:    s.Cache,
			Resolver: s.Resolver,
			Force:    s.Config.ForceBuild,
		},
		Executor: &runner.Runner{
			Store:      s.Store,
			Resolver:   s.Resolver,
			EngineDir:  s.Config.EngineDir,
			OutputDir:  s.Config.OutputDir(),
			UseSlurm:   s.UseSlurm,
			SlurmExtra: s.Config.SbatchFlags,
			Prune:      runner.PruneOutputs(runner.PrunePolicy(s.Config.Prune)),
		},
		MaxParallel: s.Config.MaxParallel,
		UseSlurm:    s.UseSlurm,
	}
}

// ResolveJob turns a job request into a hierarchy node: a single
// ReplicateGroup at the base variation, or a Sweep when the request lists
// variation tuples.
func (s *Session) ResolveJob(ctx context.Context, spec config.JobSpec) (models.Node, error) {
	ii := models.InputIdentity{}
	for _, slot := range models.Slots() {
		id, err := s.Store.ResolveFolder(ctx, slot, spec.Inputs[string(slot)])
		if err != nil {
			return nil, err
		}
		ii = ii.Set(slot, id)
	}

	base := models.NewVariationIndex(ii)

	if len(spec.Variations) == 0 {
		return s.Hierarchy.NewReplicateGroup(ctx, ii, base, spec.Replicates, spec.UsePreviousOrDefault())
	}

	variations := make([]models.VariationIndex, 0, len(spec.Variations))
	for _, entry := range spec.Variations {
		vi := base
		for slotName, idx := range entry {
			slot := models.Slot(slotName)
			if !slot.Variable() {
				return nil, &models.ValidationError{Slot: slot, Reason: "slot has no variation concept"}
			}
			vi = vi.Set(slot, idx)
		}
		variations = append(variations, vi)
	}

	return s.Hierarchy.NewSweep(ctx, ii, variations, spec.Replicates, spec.UsePreviousOrDefault())
}
