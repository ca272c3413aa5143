package commands

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fly-io/fota-agent/pkg/errors"
	"github.com/fly-io/fota-agent/pkg/inspect"
	"github.com/fly-io/fota-agent/pkg/shell"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/superfly/fsm"
)

var inspectKeep bool

var inspectCmd = &cobra.Command{
	Use:   "inspect <package-url>",
	Short: "Download, extract and verify a package without installing it",
	Args:  cobra.ExactArgs(1),
	RunE:  runInspect,
}

func init() {
	rootCmd.AddCommand(inspectCmd)
	inspectCmd.Flags().BoolVar(&inspectKeep, "keep", false, "Keep the extracted package for examination")
	inspectCmd.Flags().Int("inspect-max-retries", 5, "Download retries before giving up")
	viper.BindPFlag("inspect-max-retries", inspectCmd.Flags().Lookup("inspect-max-retries"))
}

func runInspect(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.FSMDBPath, 0755); err != nil {
		return errors.Wrap(err, "failed to create FSM directory")
	}

	manager, err := fsm.New(fsm.Config{DBPath: cfg.FSMDBPath})
	if err != nil {
		return errors.Wrap(err, "FSM manager failed")
	}
	defer manager.Shutdown(10 * time.Second)

	machine := inspect.NewMachine(
		newFetcher(ctx, cfg),
		newExtractor(cfg, shell.NewExecRunner()),
		cfg.InspectDir(),
		cfg.InspectMaxRetries,
	)

	report, err := inspect.Run(ctx, manager, machine, &inspect.PackageRequest{
		URL:  args[0],
		Keep: inspectKeep,
	})
	if report != nil {
		printReport(report)
	}
	if err != nil {
		return err
	}
	if report.Status != inspect.StatusVerified {
		return fmt.Errorf("package not verified: %s", report.ErrorMessage)
	}
	return nil
}

func printReport(r *inspect.PackageReport) {
	fmt.Printf("%-10s %s\n", "STATUS", r.Status)
	if r.SHA256 != "" {
		fmt.Printf("%-10s %s\n", "SHA256", r.SHA256)
		fmt.Printf("%-10s %d\n", "SIZE", r.DownloadSize)
	}
	if r.ExtractedPath != "" {
		fmt.Printf("%-10s %s\n", "PATH", r.ExtractedPath)
	}
	if len(r.Files) > 0 {
		fmt.Printf("%-10s %s\n", "FILES", strings.Join(r.Files, ", "))
	}
	if r.ErrorMessage != "" {
		fmt.Printf("%-10s %s\n", "ERROR", r.ErrorMessage)
	}
}
