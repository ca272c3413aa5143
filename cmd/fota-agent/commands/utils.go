package commands

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fly-io/fota-agent/internal/config"
	"github.com/fly-io/fota-agent/pkg/download"
	"github.com/fly-io/fota-agent/pkg/errors"
	"github.com/fly-io/fota-agent/pkg/firmware"
	"github.com/fly-io/fota-agent/pkg/security"
	"github.com/fly-io/fota-agent/pkg/shell"
)

// loadConfig loads and validates configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, errors.Wrap(err, "config load failed")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config invalid")
	}
	return cfg, nil
}

// ensureDirectories creates all necessary directories for the application
func ensureDirectories(cfg *config.Config) error {
	for _, dir := range []string{
		cfg.WorkDir,
		filepath.Dir(cfg.StorePath),
		filepath.Dir(cfg.HistoryPath),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.Wrap(err, "failed to create directory "+dir)
		}
	}
	return nil
}

// newFetcher builds the downloader for every supported URL scheme. S3 is
// optional: without AWS config only http(s) and file URLs are served.
func newFetcher(ctx context.Context, cfg *config.Config) *download.Fetcher {
	httpSource := download.NewHTTPSource()
	sources := map[string]download.Source{
		"http":  httpSource,
		"https": httpSource,
		"file":  download.FileSource{},
	}

	s3Source, err := download.NewS3Source(ctx, cfg.S3Region)
	if err != nil {
		slog.Warn("s3_source_unavailable", "error", err)
	} else {
		sources["s3"] = s3Source
	}

	return download.NewFetcher(download.Config{
		Sources:      sources,
		MinFreeBytes: cfg.MinFreeBytes,
	})
}

func newExtractor(cfg *config.Config, runner shell.Runner) firmware.Extractor {
	if cfg.Extractor == config.ExtractorBuiltin {
		return firmware.NewArchiveExtractor(security.Limits{
			MaxFileSize:         cfg.MaxFileSize,
			MaxTotalSize:        cfg.MaxTotalSize,
			MaxCompressionRatio: cfg.MaxCompressionRatio,
		})
	}
	return firmware.NewCommandExtractor(runner, cfg.ExtractCommand)
}
