package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/fly-io/fota-agent/pkg/datastore"
	"github.com/fly-io/fota-agent/pkg/errors"
	"github.com/fly-io/fota-agent/pkg/updater"
	"github.com/spf13/cobra"
)

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Print the stored checkpoint of an interrupted update",
	RunE:  runCheckpoint,
}

func init() {
	rootCmd.AddCommand(checkpointCmd)
}

func runCheckpoint(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfg.StorePath); os.IsNotExist(err) {
		fmt.Println("No checkpoint")
		return nil
	}

	store, err := datastore.Open(cfg.StoreBackend, cfg.StorePath)
	if err != nil {
		return errors.Wrap(err, "checkpoint store init failed")
	}
	defer store.Close()

	var cp updater.Checkpoint
	if err := store.Load(updater.CheckpointKey, &cp); err != nil {
		if errors.CodeOf(err) == errors.NotFound {
			fmt.Println("No checkpoint")
			return nil
		}
		return errors.Wrap(err, "failed to load checkpoint")
	}

	out, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode checkpoint")
	}
	fmt.Println(string(out))
	return nil
}
