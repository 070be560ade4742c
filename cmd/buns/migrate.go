package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bunsdb/buns/internal/schema"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the base tables and default indexes if missing",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		db, _, log, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		if err := schema.NewManager(db, log).EnsureBase(ctx); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "base schema ready")
		return nil
	},
}
