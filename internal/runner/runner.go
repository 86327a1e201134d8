// Package runner executes a single Run: it claims the Run through the
// admission-control gate, builds the engine command line, supervises the
// subprocess (or its batch job) and drives the persisted status through
// NotStarted -> Queued -> Running -> {Completed | Failed}.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/simforge/vct/internal/buildcache"
	"github.com/simforge/vct/internal/inputs"
	"github.com/simforge/vct/internal/models"
	"github.com/simforge/vct/internal/slurm"
	"github.com/simforge/vct/internal/store"
)

// Outcome classifies a single execution attempt for the scheduler report.
type Outcome int

const (
	// OutcomeSuccess: the subprocess exited zero and the Run is Completed.
	OutcomeSuccess Outcome = iota
	// OutcomeFailure: construction, spawn or exit failure; the Run is Failed
	// and deregistered from its group.
	OutcomeFailure
	// OutcomeSkipped: another caller won the admission race for this Run.
	OutcomeSkipped
)

// PrunePolicy controls retention of bulky run output.
type PrunePolicy string

const (
	PruneNever     PrunePolicy = "never"
	PruneAlways    PrunePolicy = "always"
	PruneOnFailure PrunePolicy = "on_failure"
)

// PruneFunc is the output-pruning hook invoked after either terminal state.
// It is orthogonal to status and always runs.
type PruneFunc func(runDir string, succeeded bool)

// PruneOutputs returns a hook applying the given retention policy to the
// run's output directory.
func PruneOutputs(policy PrunePolicy) PruneFunc {
	return func(runDir string, succeeded bool) {
		prune := policy == PruneAlways || (policy == PruneOnFailure && !succeeded)
		if !prune {
			return
		}
		outputs := filepath.Join(runDir, "output")
		if err := os.RemoveAll(outputs); err != nil {
			slog.Warn("pruning run output", "dir", outputs, "error", err)
		}
	}
}

// Runner executes individual Runs against the configured substrate.
type Runner struct {
	Store    *store.Store
	Resolver *inputs.Resolver

	// EngineDir is the subprocess working directory (the engine root).
	EngineDir string
	// OutputDir receives one directory per Run.
	OutputDir string

	// UseSlurm submits each Run as a blocking batch job instead of spawning
	// a local subprocess.
	UseSlurm   bool
	SlurmExtra map[string]string

	Prune PruneFunc
}

// RunDir returns the output directory for a Run id.
func (r *Runner) RunDir(runID int64) string {
	return filepath.Join(r.OutputDir, "runs", strconv.FormatInt(runID, 10))
}

// Execute drives one Run to a terminal state. Failures local to the Run are
// converted into the returned Outcome and never propagate.
func (r *Runner) Execute(ctx context.Context, run *models.Run) Outcome {
	if err := r.Store.ClaimRun(ctx, run.ID); err != nil {
		if errors.Is(err, models.ErrAlreadyClaimed) {
			slog.Debug("run already claimed", "run", run.ID)
			return OutcomeSkipped
		}
		slog.Error("claiming run", "run", run.ID, "error", err)
		return OutcomeFailure
	}

	// Running is set immediately after a successful claim; every later
	// failure, directory setup and command construction included, falls
	// through to Failed without spawning anything.
	if err := r.Store.AdvanceRunStatus(ctx, run.ID, models.StatusRunning); err != nil {
		slog.Error("marking run running", "run", run.ID, "error", err)
		return OutcomeFailure
	}

	runDir := r.RunDir(run.ID)
	if err := os.MkdirAll(runDir, 0755); err != nil {
		slog.Error("creating run directory", "run", run.ID, "error", err)
		return r.fail(ctx, run, runDir, &models.RunError{Type: models.ErrInternal, Message: err.Error()})
	}

	exePath, args, err := r.buildCommand(ctx, run, runDir)
	if err != nil {
		slog.Warn("command construction failed", "run", run.ID, "error", err)
		return r.fail(ctx, run, runDir, &models.RunError{Type: models.ErrCommandConstruction, Message: err.Error()})
	}

	invocation := exePath + " " + strings.Join(args, " ")
	os.WriteFile(filepath.Join(runDir, "cmd.txt"), []byte(invocation+"\n"), 0644)

	if runErr := r.supervise(ctx, runDir, exePath, args); runErr != nil {
		slog.Warn("run failed", "run", run.ID, "error", runErr)
		r.rewriteStderr(runDir, invocation)
		return r.fail(ctx, run, runDir, runErr)
	}

	if err := r.Store.AdvanceRunStatus(ctx, run.ID, models.StatusCompleted); err != nil {
		slog.Error("marking run completed", "run", run.ID, "error", err)
		return OutcomeFailure
	}

	// An empty stderr log carries no information.
	errLog := filepath.Join(runDir, "stderr.log")
	if fi, err := os.Stat(errLog); err == nil && fi.Size() == 0 {
		os.Remove(errLog)
	}

	if r.Prune != nil {
		r.Prune(runDir, true)
	}
	return OutcomeSuccess
}

// buildCommand assembles the engine invocation: the executable from the
// custom-code folder, the materialized configuration file as positional
// argument, and one flag per non-unused optional input slot.
func (r *Runner) buildCommand(ctx context.Context, run *models.Run, runDir string) (string, []string, error) {
	codeDir, err := r.Resolver.FolderDir(ctx, models.SlotCustomCode, run.Inputs.CustomCode)
	if err != nil {
		return "", nil, err
	}
	exePath := filepath.Join(codeDir, buildcache.ArtifactName)
	if _, err := os.Stat(exePath); err != nil {
		return "", nil, fmt.Errorf("engine executable: %w", err)
	}

	configPath, err := r.Resolver.Materialize(ctx, models.SlotConfig, run.Inputs.Config, run.Variation.Config)
	if err != nil {
		return "", nil, err
	}

	args := []string{configPath, "-o", runDir}

	optional := []struct {
		slot models.Slot
		flag string
	}{
		{models.SlotICCells, "-i"},
		{models.SlotICSubstrate, "-s"},
		{models.SlotICECM, "-e"},
		{models.SlotICDirichlet, "-d"},
		{models.SlotRulesets, "-r"},
		{models.SlotIntracellular, "-n"},
	}

	for _, opt := range optional {
		if !run.Inputs.Used(opt.slot) {
			continue
		}
		path, err := r.Resolver.Materialize(ctx, opt.slot, run.Inputs.Get(opt.slot), run.Variation.Get(opt.slot))
		if err != nil {
			return "", nil, err
		}
		args = append(args, opt.flag, path)
	}

	return exePath, args, nil
}

// supervise runs the command to completion on the configured substrate.
// Neither substrate imposes a local timeout; typical runs last hours and
// limits belong to the caller or the batch scheduler.
func (r *Runner) supervise(ctx context.Context, runDir, exePath string, args []string) *models.RunError {
	outPath := filepath.Join(runDir, "stdout.log")
	errPath := filepath.Join(runDir, "stderr.log")

	if r.UseSlurm {
		wrapped := shellQuote(exePath)
		for _, a := range args {
			wrapped += " " + shellQuote(a)
		}
		err := slurm.Submit(ctx, wrapped, slurm.SubmitOptions{
			WorkDir: r.EngineDir,
			Output:  outPath,
			Error:   errPath,
			Extra:   r.SlurmExtra,
		})
		if err != nil {
			return &models.RunError{Type: models.ErrBatchSubmit, Message: err.Error()}
		}
		return nil
	}

	outLog, err := os.Create(outPath)
	if err != nil {
		return &models.RunError{Type: models.ErrInternal, Message: err.Error()}
	}
	defer outLog.Close()

	errLog, err := os.Create(errPath)
	if err != nil {
		return &models.RunError{Type: models.ErrInternal, Message: err.Error()}
	}
	defer errLog.Close()

	cmd := exec.CommandContext(ctx, exePath, args...)
	cmd.Dir = r.EngineDir
	cmd.Stdout = outLog
	cmd.Stderr = errLog

	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return &models.RunError{
				Type:    models.ErrProcessExit,
				Message: fmt.Sprintf("engine exited with code %d", exitErr.ExitCode()),
			}
		}
		return &models.RunError{Type: models.ErrProcessSpawn, Message: err.Error()}
	}
	return nil
}

// fail marks the Run Failed, deregisters it from its ReplicateGroup so future
// replicate-count logic does not count it, and fires the prune hook.
func (r *Runner) fail(ctx context.Context, run *models.Run, runDir string, runErr *models.RunError) Outcome {
	if err := r.Store.AdvanceRunStatus(ctx, run.ID, models.StatusFailed); err != nil {
		slog.Error("marking run failed", "run", run.ID, "error", err)
	}

	groupID, err := r.Store.GroupOfRun(ctx, run.ID)
	switch {
	case errors.Is(err, models.ErrNotFound):
		// Standalone Run; nothing to deregister.
	case err != nil:
		slog.Error("finding group of failed run", "run", run.ID, "error", err)
	default:
		if err := r.Store.RemoveGroupRun(ctx, groupID, run.ID); err != nil {
			slog.Error("deregistering failed run", "run", run.ID, "group", groupID, "error", err)
		}
	}

	os.WriteFile(filepath.Join(runDir, "error.txt"), []byte(runErr.Error()+"\n"), 0644)

	if r.Prune != nil {
		r.Prune(runDir, false)
	}
	return OutcomeFailure
}

// rewriteStderr prepends the exact invocation to the stderr log for
// post-mortem debugging.
func (r *Runner) rewriteStderr(runDir, invocation string) {
	errPath := filepath.Join(runDir, "stderr.log")
	content, err := os.ReadFile(errPath)
	if err != nil {
		content = nil
	}
	rewritten := append([]byte("invocation: "+invocation+"\n\n"), content...)
	if err := os.WriteFile(errPath, rewritten, 0644); err != nil {
		slog.Warn("rewriting stderr log", "path", errPath, "error", err)
	}
}

// shellQuote single-quotes an argument for sbatch --wrap.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
