package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jholhewres/valvewatch/pkg/valvewatch/config"
)

// newLogoutCmd creates the `valvewatch logout` command that wipes the
// stored WhatsApp session. Needed after the linked device is removed on the
// phone: the revoked session cannot be reused and a fresh QR pairing is
// required.
func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Delete the stored WhatsApp session",
		Long: `Delete the local WhatsApp session database. The next 'valvewatch serve'
will start a fresh QR pairing. Stop the running instance before using this.`,
		RunE: runLogout,
	}
}

func runLogout(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")
	if configPath == "" {
		configPath = "valvewatch.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	dbPath := cfg.WhatsApp.SessionDatabasePath()
	removed := 0
	// SQLite leaves WAL sidecar files next to the database.
	for _, path := range []string{dbPath, dbPath + "-wal", dbPath + "-shm"} {
		err := os.Remove(path)
		switch {
		case err == nil:
			removed++
		case os.IsNotExist(err):
		default:
			return fmt.Errorf("removing %s: %w", path, err)
		}
	}

	if removed == 0 {
		fmt.Println("No stored session found, nothing to do.")
		return nil
	}

	fmt.Printf("Session wiped (%s). Run 'valvewatch serve' and scan the QR to pair again.\n", dbPath)
	return nil
}
