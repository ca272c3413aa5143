package inspect

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fly-io/fota-agent/pkg/errors"
	"github.com/superfly/fsm"
)

func (m *Machine) checkRetries(ctx context.Context, req *fsm.Request[PackageRequest, PackageReport]) error {
	if retryCount := fsm.RetryFromContext(ctx); retryCount >= uint64(m.maxRetries) {
		slog.Error("max_retries_exceeded", "url", req.Msg.URL, "max_retries", m.maxRetries)
		return fsm.Abort(fmt.Errorf("max retries (%d) exceeded", m.maxRetries))
	}
	return nil
}

func report(req *fsm.Request[PackageRequest, PackageReport]) (*PackageReport, error) {
	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}
	return resp, nil
}

// handleDownload fetches the package into the inspect work dir. Transient
// failures are returned plain so the FSM retries them.
func (m *Machine) handleDownload(ctx context.Context, req *fsm.Request[PackageRequest, PackageReport]) (*fsm.Response[PackageReport], error) {
	slog.Info("fsm_state_download", "url", req.Msg.URL)

	if err := m.checkRetries(ctx, req); err != nil {
		return nil, err
	}
	resp, err := report(req)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(m.workDir, 0755); err != nil {
		slog.Error("inspect_dir_creation_failed", "path", m.workDir, "error", err)
		return nil, errors.Wrap(err, "failed to create inspect dir")
	}

	result, err := m.downloader.Download(ctx, req.Msg.URL, m.paths().Archive)
	if err != nil {
		slog.Error("download_failed", "url", req.Msg.URL, "error", err)
		if errors.CodeOf(err) == errors.InvalidArgument {
			return nil, abort(resp, err)
		}
		return nil, errors.Wrap(err, "failed to download package")
	}

	resp.SHA256 = result.SHA256
	resp.DownloadPath = result.LocalPath
	resp.DownloadSize = result.Size

	return fsm.NewResponse(resp), nil
}

// handleExtract unpacks the archive with security validation
func (m *Machine) handleExtract(ctx context.Context, req *fsm.Request[PackageRequest, PackageReport]) (*fsm.Response[PackageReport], error) {
	slog.Info("fsm_state_extract", "url", req.Msg.URL)

	if err := m.checkRetries(ctx, req); err != nil {
		return nil, err
	}
	resp, err := report(req)
	if err != nil {
		return nil, err
	}

	pkg := m.newPackage()
	if err := pkg.Unpack(ctx); err != nil {
		slog.Error("extraction_failed", "url", req.Msg.URL, "error", err)
		return nil, abort(resp, errors.WithCode(err, errors.Generic, "Failed to extract package."))
	}

	resp.ExtractedPath = pkg.Paths().Dir
	return fsm.NewResponse(resp), nil
}

// handleVerify checks scripts and checksums, and lists the package contents
func (m *Machine) handleVerify(ctx context.Context, req *fsm.Request[PackageRequest, PackageReport]) (*fsm.Response[PackageReport], error) {
	slog.Info("fsm_state_verify", "url", req.Msg.URL)

	if err := m.checkRetries(ctx, req); err != nil {
		return nil, err
	}
	resp, err := report(req)
	if err != nil {
		return nil, err
	}

	files, err := listFiles(resp.ExtractedPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list package")
	}
	resp.Files = files

	if !m.newPackage().Verify() {
		resp.Status = StatusInvalid
		return nil, abort(resp, errors.New(errors.Generic, "Invalid package or state."))
	}
	resp.Verified = true

	return fsm.NewResponse(resp), nil
}

// handleComplete marks the report verified and cleans up
func (m *Machine) handleComplete(ctx context.Context, req *fsm.Request[PackageRequest, PackageReport]) (*fsm.Response[PackageReport], error) {
	slog.Info("fsm_state_complete", "url", req.Msg.URL)

	resp, err := report(req)
	if err != nil {
		return nil, err
	}

	if !req.Msg.Keep {
		m.newPackage().RemovePackage()
		resp.ExtractedPath = ""
		resp.DownloadPath = ""
	}
	resp.Status = StatusVerified

	slog.Info("fsm_complete", "url", req.Msg.URL, "status", resp.Status, "files", len(resp.Files))
	return fsm.NewResponse(resp), nil
}

// abort records err on the report and stops the run without retry.
func abort(resp *PackageReport, err error) error {
	if resp.Status == "" {
		resp.Status = StateFailed
	}
	resp.ErrorMessage = errors.Info(err)
	return fsm.Abort(err)
}

func listFiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files = append(files, rel)
		return nil
	})
	return files, err
}
