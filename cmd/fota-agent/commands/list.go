package commands

import (
	"fmt"

	"github.com/fly-io/fota-agent/pkg/db"
	"github.com/fly-io/fota-agent/pkg/errors"
	"github.com/spf13/cobra"
)

var (
	listLimit int
	listPrune int
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List update runs and their status",
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
	listCmd.Flags().IntVar(&listLimit, "limit", 20, "Number of runs to show (0 for all)")
	listCmd.Flags().IntVar(&listPrune, "prune", 0, "Delete all but the newest N runs before listing")
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Ensure database directory exists
	if err := ensureDirectories(cfg); err != nil {
		return err
	}

	repo, err := db.NewRepository(cfg.HistoryPath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	if listPrune > 0 {
		n, err := repo.Prune(listPrune)
		if err != nil {
			return errors.Wrap(err, "prune failed")
		}
		fmt.Printf("Pruned %d runs\n", n)
	}

	updates, err := repo.List(listLimit)
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	if len(updates) == 0 {
		fmt.Println("No updates found")
		return nil
	}

	fmt.Printf("%-36s %-16s %-12s %-12s %-20s %s\n", "RUN ID", "ASYNC KEY", "VERSION", "STATUS", "UPDATED", "ERROR")
	fmt.Println("------------------------------------------------------------------------------------------------------------")

	for _, u := range updates {
		fmt.Printf("%-36s %-16s %-12s %-12s %-20s %s\n",
			u.RunID, u.AsyncKey, orDash(u.Version), u.Status, u.UpdatedAt, orDash(u.ErrorInfo))
	}

	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
