// Package scheduler turns a hierarchy node into a backlog of pending Run
// tasks and drives them to completion: a bounded worker pool locally, or one
// blocking batch job per task when an HPC scheduler is present.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/simforge/vct/internal/buildcache"
	"github.com/simforge/vct/internal/hierarchy"
	"github.com/simforge/vct/internal/inputs"
	"github.com/simforge/vct/internal/models"
	"github.com/simforge/vct/internal/runner"
)

// RunExecutor executes one Run to a terminal state.
type RunExecutor interface {
	Execute(ctx context.Context, run *models.Run) runner.Outcome
}

// GroupBuilder makes sure a group's engine executable is built before any of
// its Runs dispatch. Invoked once per group; a failure skips the whole
// group's expansion.
type GroupBuilder interface {
	BuildForGroup(ctx context.Context, ii models.InputIdentity) error
}

// Report summarizes an execution request. Discrepancies between the counts
// are informational, never fatal: Expected > Scheduled means Runs were
// skipped as already started or their group's build failed; Scheduled >
// Succeeded means per-Run failures.
type Report struct {
	Expected  int
	Scheduled int
	Succeeded int
	Failed    int
	Skipped   int
}

// Scheduler coordinates backlog expansion, per-group builds and dispatch.
type Scheduler struct {
	Hierarchy *hierarchy.Service
	Builder   GroupBuilder
	Executor  RunExecutor

	// MaxParallel bounds the local worker pool. Ignored under Slurm, where
	// the batch scheduler enforces fleet-wide concurrency.
	MaxParallel int
	UseSlurm    bool
}

// Run expands the node, builds once per group, dispatches the pending Runs
// and aggregates their outcomes.
func (s *Scheduler) Run(ctx context.Context, node models.Node) (*Report, error) {
	backlogs, expected, err := s.Hierarchy.Expand(ctx, node)
	if err != nil {
		return nil, fmt.Errorf("expanding hierarchy node: %w", err)
	}

	var tasks []*models.Run
	for _, backlog := range backlogs {
		if len(backlog.Runs) == 0 {
			continue
		}
		if err := s.Builder.BuildForGroup(ctx, backlog.Inputs); err != nil {
			slog.Warn("engine build failed, skipping group",
				"group", backlog.GroupID, "runs", len(backlog.Runs), "error", err)
			continue
		}
		tasks = append(tasks, backlog.Runs...)
	}

	report := &Report{Expected: expected, Scheduled: len(tasks)}
	if len(tasks) == 0 {
		return report, nil
	}

	var outcomes []runner.Outcome
	if s.UseSlurm {
		outcomes = s.runBatch(ctx, tasks)
	} else {
		outcomes = s.runLocal(ctx, tasks)
	}

	for _, outcome := range outcomes {
		switch outcome {
		case runner.OutcomeSuccess:
			report.Succeeded++
		case runner.OutcomeFailure:
			report.Failed++
		case runner.OutcomeSkipped:
			report.Skipped++
		}
	}

	slog.Info("execution finished",
		"expected", report.Expected, "scheduled", report.Scheduled,
		"succeeded", report.Succeeded, "failed", report.Failed, "skipped", report.Skipped)

	return report, nil
}

// runLocal drains the backlog through a bounded worker pool. Every task is
// admitted to the queue before draining begins, so results arrive in
// completion order but admission is deterministic.
func (s *Scheduler) runLocal(ctx context.Context, tasks []*models.Run) []runner.Outcome {
	nWorkers := s.MaxParallel
	if nWorkers <= 0 {
		nWorkers = 1
	}
	if nWorkers > len(tasks) {
		nWorkers = len(tasks)
	}

	taskChan := make(chan *models.Run, len(tasks))
	resultChan := make(chan runner.Outcome, len(tasks))

	for _, task := range tasks {
		taskChan <- task
	}
	close(taskChan)

	var wg sync.WaitGroup
	for i := 0; i < nWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range taskChan {
				select {
				case <-ctx.Done():
					resultChan <- runner.OutcomeSkipped
					continue
				default:
				}
				resultChan <- s.Executor.Execute(ctx, task)
			}
		}()
	}

	go func() {
		wg.Wait()
		close(resultChan)
	}()

	var outcomes []runner.Outcome
	for outcome := range resultChan {
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}

// runBatch submits every task as an independent batch job and blocks on each
// job's own wait; the local parallelism bound does not apply.
func (s *Scheduler) runBatch(ctx context.Context, tasks []*models.Run) []runner.Outcome {
	outcomes := make([]runner.Outcome, len(tasks))

	var g errgroup.Group
	for i, task := range tasks {
		i, task := i, task
		g.Go(func() error {
			outcomes[i] = s.Executor.Execute(ctx, task)
			return nil
		})
	}
	g.Wait()

	return outcomes
}

// EngineBuilder is the production GroupBuilder: it derives the group's
// feature macros from its resolved configuration and delegates to the build
// cache.
type EngineBuilder struct {
	Cache    *buildcache.Cache
	Resolver *inputs.Resolver
	Force    bool
}

// BuildForGroup computes the required macros from the group's base
// configuration content and ensures the custom-code folder holds a matching
// executable.
func (b *EngineBuilder) BuildForGroup(ctx context.Context, ii models.InputIdentity) error {
	codeDir, err := b.Resolver.FolderDir(ctx, models.SlotCustomCode, ii.CustomCode)
	if err != nil {
		return err
	}

	configPath, err := b.Resolver.Materialize(ctx, models.SlotConfig, ii.Config, models.VariationBase)
	if err != nil {
		return err
	}
	content, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("reading base configuration: %w", err)
	}

	macros := buildcache.RequiredMacros(ii, content)
	return b.Cache.EnsureBuilt(ctx, codeDir, macros, b.Force)
}
