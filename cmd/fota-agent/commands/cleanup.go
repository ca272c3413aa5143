package commands

import (
	"fmt"
	"os"

	"github.com/fly-io/fota-agent/internal/config"
	"github.com/fly-io/fota-agent/pkg/datastore"
	"github.com/fly-io/fota-agent/pkg/errors"
	"github.com/fly-io/fota-agent/pkg/firmware"
	"github.com/fly-io/fota-agent/pkg/updater"
	"github.com/spf13/cobra"
)

var cleanupCheckpoint bool

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove package files left on local storage",
	Long: `Remove the downloaded archive, the extracted package and the inspect area.
  --checkpoint   Also delete the stored checkpoint, abandoning an interrupted update`,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().BoolVar(&cleanupCheckpoint, "checkpoint", false, "Delete the stored checkpoint")
}

// cleanup must not run while the agent is running: it does not coordinate
// with the workflow loop.
func runCleanup(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	paths := firmware.DefaultPaths(cfg.WorkDir)
	for _, target := range []string{paths.Archive, paths.Dir, cfg.InspectDir()} {
		if _, err := os.Stat(target); os.IsNotExist(err) {
			continue
		}
		if err := os.RemoveAll(target); err != nil {
			return errors.Wrap(err, "failed to remove "+target)
		}
		fmt.Printf("Removed %s\n", target)
	}

	if cleanupCheckpoint {
		return removeCheckpoint(cfg)
	}
	return nil
}

func removeCheckpoint(cfg *config.Config) error {
	if _, err := os.Stat(cfg.StorePath); os.IsNotExist(err) {
		fmt.Println("No checkpoint store")
		return nil
	}

	store, err := datastore.Open(cfg.StoreBackend, cfg.StorePath)
	if err != nil {
		return errors.Wrap(err, "checkpoint store init failed")
	}
	defer store.Close()

	if err := store.Remove(updater.CheckpointKey); err != nil {
		return errors.Wrap(err, "failed to remove checkpoint")
	}
	fmt.Println("Removed checkpoint")
	return nil
}
