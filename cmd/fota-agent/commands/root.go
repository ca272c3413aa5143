package commands

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "fota-agent",
	Short: "Firmware over-the-air update agent",
	Long: `Downloads, verifies and installs firmware packages on request from a remote
service, and reports the outcome after the device reboots.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogger(viper.GetString("log-level"), viper.GetString("log-format"))
	},
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.String("log-format", "text", "Log format (text, json)")
	flags.String("work-dir", "/var/lib/fota", "Directory holding the package, stores and inspect area")
	flags.String("device-urn", "", "Device URN used in notification service ids")
	flags.String("store-backend", "bolt", "Checkpoint store backend (bolt, sqlite)")
	flags.String("store-path", "", "Checkpoint store path (default under work-dir)")
	flags.String("history-path", "", "Update history SQLite path (default under work-dir)")
	flags.String("fsm-db-path", "", "Inspect FSM database directory (default under work-dir)")
	flags.String("extractor", "command", "Package extractor (command, builtin)")
	flags.String("extract-command", "unzip", "External unzip command")
	flags.Int64("max-file-size", 512*1024*1024, "Max file size in bytes")
	flags.Int64("max-total-size", 2*1024*1024*1024, "Max total extraction size")
	flags.Float64("max-compression-ratio", 100.0, "Max compression ratio")
	flags.String("s3-region", "us-east-1", "S3 region for s3:// package URLs")

	for _, name := range []string{
		"log-level", "log-format", "work-dir", "device-urn", "store-backend", "store-path",
		"history-path", "fsm-db-path", "extractor", "extract-command", "max-file-size",
		"max-total-size", "max-compression-ratio", "s3-region",
	} {
		viper.BindPFlag(name, flags.Lookup(name))
	}
}

func setupLogger(level, format string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid log level %q", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text", "":
		handler = slog.NewTextHandler(os.Stdout, opts)
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return fmt.Errorf("invalid log format %q", format)
	}
	slog.SetDefault(slog.New(handler))
	return nil
}
