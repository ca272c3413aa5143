// Package download fetches firmware packages to local storage. The URL
// scheme picks the Source: http and https go through a gzip negotiating
// client, s3 reads objects from a bucket, file copies a local path.
package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"

	"github.com/fly-io/fota-agent/pkg/errors"
)

// Source opens the package body behind one URL scheme.
type Source interface {
	Open(ctx context.Context, u *url.URL) (io.ReadCloser, error)
}

// Downloader copies the package at rawURL to dst.
type Downloader interface {
	Download(ctx context.Context, rawURL, dst string) (*Result, error)
}

// Result contains download metadata
type Result struct {
	LocalPath string
	SHA256    string
	Size      int64
}

// FreeSpaceFunc reports the bytes available to unprivileged users at path.
type FreeSpaceFunc func(path string) (uint64, error)

// Config configures a Fetcher.
type Config struct {
	// Sources maps a URL scheme to its Source.
	Sources map[string]Source
	// MinFreeBytes is the free space the destination filesystem must have
	// before a download starts. Zero disables the check.
	MinFreeBytes uint64
	FreeSpace    FreeSpaceFunc
}

// Fetcher dispatches downloads by URL scheme.
type Fetcher struct {
	cfg Config
}

// NewFetcher creates a downloader over cfg.Sources
func NewFetcher(cfg Config) *Fetcher {
	if cfg.FreeSpace == nil {
		cfg.FreeSpace = DiskFree
	}
	return &Fetcher{cfg: cfg}
}

// Download writes the package to dst. The body lands in a sibling temp file
// that is synced and renamed into place, so dst is either absent or whole.
// A canceled ctx is reported as Interrupted.
func (f *Fetcher) Download(ctx context.Context, rawURL, dst string) (*Result, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.WithCode(err, errors.InvalidArgument, "invalid package url")
	}
	src, ok := f.cfg.Sources[u.Scheme]
	if !ok {
		return nil, errors.Newf(errors.InvalidArgument, "unsupported url scheme %q", u.Scheme)
	}

	if err := f.preflight(filepath.Dir(dst)); err != nil {
		return nil, err
	}

	slog.Info("download_start", "url", redact(u), "dst", dst)

	res, err := f.fetch(ctx, src, u, dst)
	if err != nil {
		if ctx.Err() != nil {
			slog.Warn("download_interrupted", "url", redact(u), "error", err)
			return nil, errors.WithCode(err, errors.Interrupted, "Download interrupted.")
		}
		slog.Error("download_failed", "url", redact(u), "error", err)
		return nil, errors.WithCode(err, errors.Generic, "Failed to download package.")
	}

	slog.Info("download_complete",
		"url", redact(u),
		"size_mb", res.Size/1024/1024,
		"local_path", dst,
		"sha256", res.SHA256[:16]+"...",
	)
	return res, nil
}

func (f *Fetcher) preflight(dir string) error {
	if f.cfg.MinFreeBytes == 0 {
		return nil
	}
	free, err := f.cfg.FreeSpace(dir)
	if err != nil {
		slog.Warn("download_free_space_unknown", "dir", dir, "error", err)
		return nil
	}
	if free < f.cfg.MinFreeBytes {
		slog.Error("download_insufficient_storage", "dir", dir, "free_bytes", free, "required_bytes", f.cfg.MinFreeBytes)
		return errors.New(errors.Generic, "Insufficient storage for package.")
	}
	return nil
}

func (f *Fetcher) fetch(ctx context.Context, src Source, u *url.URL, dst string) (*Result, error) {
	body, err := src.Open(ctx, u)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), filepath.Base(dst)+".part-*")
	if err != nil {
		return nil, errors.Wrap(err, "failed to create local file")
	}
	defer os.Remove(tmp.Name())

	hash := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, hash), body)
	if err != nil {
		tmp.Close()
		return nil, errors.Wrap(err, "failed to download file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return nil, errors.Wrap(err, "failed to sync local file")
	}
	if err := tmp.Close(); err != nil {
		return nil, errors.Wrap(err, "failed to close local file")
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return nil, errors.Wrap(err, "failed to move package into place")
	}

	return &Result{
		LocalPath: dst,
		SHA256:    hex.EncodeToString(hash.Sum(nil)),
		Size:      size,
	}, nil
}

// redact drops credentials and query strings, which often carry signatures.
func redact(u *url.URL) string {
	c := *u
	c.User = nil
	c.RawQuery = ""
	return c.String()
}
