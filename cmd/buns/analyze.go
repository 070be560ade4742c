package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bunsdb/buns/internal/schema"
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze [table...]",
	Short: "Refresh planner statistics for component tables",
	Long: `Runs ANALYZE on the named tables, or on every component partition
plus the base tables when none are given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		db, _, log, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		sm := schema.NewManager(db, log)
		tables := args
		if len(tables) == 0 {
			parts, err := sm.Partitions(ctx)
			if err != nil {
				return err
			}
			tables = append([]string{"entities", "entity_components"}, parts...)
		}
		if err := sm.Analyze(ctx, tables...); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "analyzed %d tables\n", len(tables))
		return nil
	},
}
