// Command buns is the maintenance CLI for a buns database: schema bootstrap,
// health reporting, and planner statistics refresh.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bunsdb/buns/internal/config"
)

var version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:           "buns",
	Short:         "Maintenance CLI for a buns entity database",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "buns.yaml",
		"path to the yaml config file")
	rootCmd.AddCommand(migrateCmd, statusCmd, analyzeCmd)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// openDB loads configuration and connects to the database. Callers own the
// returned handle.
func openDB(ctx context.Context) (*sqlx.DB, *config.Manager, *zap.Logger, error) {
	cfgm, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, err
	}
	log, err := cfgm.BuildLogger()
	if err != nil {
		return nil, nil, nil, err
	}
	cfg := cfgm.Config()

	db, err := sqlx.Open("pgx", cfg.Database.DSN())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxConnections)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, nil, fmt.Errorf("ping %s:%d: %w", cfg.Database.Host, cfg.Database.Port, err)
	}
	return db, cfgm, log, nil
}
