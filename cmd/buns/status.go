package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bunsdb/buns/internal/schema"
)

var statusShowConfig bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report connection health, partition strategy, and partitions",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		db, cfgm, log, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		cfg := cfgm.Config()
		fmt.Fprintf(out, "database:  %s:%d/%s (connected)\n",
			cfg.Database.Host, cfg.Database.Port, cfg.Database.Database)

		sm := schema.NewManager(db, log)
		strat, err := sm.PartitionStrategy(ctx)
		if err != nil {
			fmt.Fprintln(out, "schema:    base tables missing (run `buns migrate`)")
			return nil
		}
		fmt.Fprintf(out, "strategy:  %s\n", strat)

		parts, err := sm.Partitions(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "partitions: %d\n", len(parts))
		for _, p := range parts {
			fmt.Fprintf(out, "  %s\n", p)
		}

		if statusShowConfig {
			dump, err := cfgm.Dump()
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "\nconfig:\n%s", dump)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusShowConfig, "show-config", false,
		"print the effective configuration")
}
