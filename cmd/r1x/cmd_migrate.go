package main

import (
	"database/sql"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/user/r1x/internal/store"
)

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateVersionCmd)
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the database schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		// Open applies pending migrations.
		db, err := store.Open(cfg.DBPath)
		if err != nil {
			return err
		}
		defer db.Close()
		return printVersion(db.DB)
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down [steps]",
	Short: "Roll back migrations (default 1)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		steps := 1
		if len(args) == 1 {
			n, err := strconv.Atoi(args[0])
			if err != nil || n < 1 {
				return fmt.Errorf("invalid step count %q", args[0])
			}
			steps = n
		}
		cfg := loadConfig()
		db, err := store.Open(cfg.DBPath)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := store.Rollback(db.DB, steps); err != nil {
			return fmt.Errorf("rollback: %w", err)
		}
		return printVersion(db.DB)
	},
}

var migrateVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the current schema version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		db, err := store.Open(cfg.DBPath)
		if err != nil {
			return err
		}
		defer db.Close()
		return printVersion(db.DB)
	},
}

func printVersion(db *sql.DB) error {
	v, dirty, err := store.Version(db)
	if err != nil {
		return err
	}
	if dirty {
		fmt.Fprintf(os.Stdout, "schema version %d (dirty)\n", v)
		return nil
	}
	fmt.Fprintf(os.Stdout, "schema version %d\n", v)
	return nil
}
