package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/simforge/vct/internal/models"
	"github.com/simforge/vct/internal/session"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show per-status run counts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		sess, err := session.Open(ctx, projectCfg)
		if err != nil {
			return err
		}
		defer sess.Close()

		counts, err := sess.Store.CountRunsByStatus(ctx)
		if err != nil {
			return err
		}

		total := 0
		for _, st := range models.AllStatuses() {
			fmt.Printf("%-12s %d\n", st, counts[st])
			total += counts[st]
		}
		fmt.Printf("%-12s %d\n", "total", total)

		groups, err := sess.Store.RecentGroups(ctx, 10)
		if err != nil {
			return err
		}
		if len(groups) > 0 {
			fmt.Printf("\nRecent replicate groups:\n")
			for _, g := range groups {
				fmt.Printf("  group %d: %d/%d completed\n", g.ID, g.Completed, g.Members)
			}
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
