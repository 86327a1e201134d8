// Package slurm wraps run commands into blocking sbatch submissions. The
// batch scheduler, not this process, enforces fleet-wide concurrency.
package slurm

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"strings"
)

// reserved flags are owned by the submission contract and cannot be
// overridden through the extra-flags map.
var reserved = map[string]bool{
	"wrap":   true,
	"output": true,
	"error":  true,
	"wait":   true,
	"chdir":  true,
}

// Available reports whether an sbatch binary is resolvable on PATH.
func Available() bool {
	_, err := exec.LookPath("sbatch")
	return err == nil
}

// SubmitOptions configures a single job submission.
type SubmitOptions struct {
	// WorkDir is the job's working directory (the engine root).
	WorkDir string
	// Output and Error are the per-job stdout/stderr redirection paths.
	Output string
	Error  string
	// Extra carries caller-supplied scheduler flags (partition, account,
	// time limits...). Reserved flag names are rejected with a warning.
	Extra map[string]string
}

// BuildArgs assembles the sbatch argument list for a wrapped command.
func BuildArgs(command string, opts SubmitOptions) []string {
	args := []string{
		"--wait",
		"--wrap=" + command,
	}
	if opts.WorkDir != "" {
		args = append(args, "--chdir="+opts.WorkDir)
	}
	if opts.Output != "" {
		args = append(args, "--output="+opts.Output)
	}
	if opts.Error != "" {
		args = append(args, "--error="+opts.Error)
	}

	keys := make([]string, 0, len(opts.Extra))
	for k := range opts.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if reserved[k] {
			slog.Warn("ignoring reserved sbatch flag", "flag", k)
			continue
		}
		args = append(args, fmt.Sprintf("--%s=%s", k, opts.Extra[k]))
	}
	return args
}

// Submit submits the command as one batch job and blocks until the scheduler
// reports completion. There is no local timeout; job limits belong to the
// scheduler's own configuration.
func Submit(ctx context.Context, command string, opts SubmitOptions) error {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "sbatch", BuildArgs(command, opts)...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("sbatch submission: %w: %s", err, msg)
		}
		return fmt.Errorf("sbatch submission: %w", err)
	}
	return nil
}
