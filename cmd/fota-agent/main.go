package main

import (
	"log/slog"
	"os"

	"github.com/fly-io/fota-agent/cmd/fota-agent/commands"
)

func main() {
	// Text logger until flags pick the configured one
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	commands.Execute()
}
