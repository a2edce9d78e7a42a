package main

import (
	"fmt"
	"os"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/ignatij/tasktrack/internal/config"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{Use: "tasktrack-migrate"}

func newMigrate(cmd *cobra.Command) *migrate.Migrate {
	connStr, _ := cmd.Flags().GetString("db")
	if connStr == "" {
		// Fallback to DATABASE_URL or the DB_* env vars if --db not provided
		cfg, err := config.Load()
		if err != nil {
			fmt.Printf("Error: --db flag or a valid configuration is required: %v\n", err)
			os.Exit(1)
		}
		if connStr, err = cfg.ConnString(); err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
	}
	source, _ := cmd.Flags().GetString("path")
	m, err := migrate.New("file://"+source, connStr)
	if err != nil {
		fmt.Printf("Failed to initialize migrations: %v\n", err)
		os.Exit(1)
	}
	return m
}

var upCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	Run: func(cmd *cobra.Command, args []string) {
		m := newMigrate(cmd)
		defer m.Close()
		if err := m.Up(); err != nil && err != migrate.ErrNoChange {
			fmt.Printf("Failed to apply migrations: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Migrations applied successfully")
	},
}

var downCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Revert the most recent migration",
	Run: func(cmd *cobra.Command, args []string) {
		m := newMigrate(cmd)
		defer m.Close()
		if err := m.Steps(-1); err != nil {
			fmt.Printf("Failed to revert migration: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Reverted the latest migration")
	},
}

func main() {
	for _, c := range []*cobra.Command{upCmd, downCmd} {
		c.Flags().String("db", "", "Database connection string (optional if DATABASE_URL or DB_* env vars are set)")
		c.Flags().String("path", "migrations", "Directory holding the migration files")
		rootCmd.AddCommand(c)
	}
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
