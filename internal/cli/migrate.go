package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lantern-network/lantern/internal/infra/sqlite"
)

func init() {
	rootCmd.AddCommand(migrateCmd)
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the ledger database schema",
	Long: `Opens the configured database and applies any pending schema
migrations. Safe to run repeatedly; the daemon also migrates on startup.`,
	RunE: runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := sqlite.Open(cfg.Database.Path, newLogger())
	if err != nil {
		return fmt.Errorf("migrate %s: %w", cfg.Database.Path, err)
	}
	defer db.Close()

	fmt.Printf("schema up to date: %s\n", cfg.Database.Path)
	return nil
}
