package main

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/simforge/vct/internal/config"
	"github.com/simforge/vct/internal/session"
)

var runCmd = &cobra.Command{
	Use:   "run <job.yaml>",
	Short: "Execute the runs requested by a job file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		spec, err := config.LoadJobSpec(args[0])
		if err != nil {
			return err
		}

		sess, err := session.Open(ctx, projectCfg)
		if err != nil {
			return err
		}
		defer sess.Close()

		// Record what this run executed with.
		if err := projectCfg.Save(filepath.Join(projectCfg.DataDir, "config_snapshot.yaml")); err != nil {
			slog.Warn("saving config snapshot", "error", err)
		}

		node, err := sess.ResolveJob(ctx, spec)
		if err != nil {
			return err
		}

		report, err := sess.NewScheduler().Run(ctx, node)
		if err != nil {
			return err
		}

		fmt.Printf("\nRuns in request: %d\n", report.Expected)
		fmt.Printf("Scheduled: %d\n", report.Scheduled)
		fmt.Printf("Succeeded: %d\n", report.Succeeded)
		fmt.Printf("Failed: %d\n", report.Failed)
		if report.Skipped > 0 {
			fmt.Printf("Skipped (claimed elsewhere): %d\n", report.Skipped)
		}
		if already := report.Expected - report.Scheduled; already > 0 {
			fmt.Printf("Not scheduled (already started or build failed): %d\n", already)
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
