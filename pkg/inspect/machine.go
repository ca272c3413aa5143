// Package inspect runs a firmware package through download, extraction and
// verification without flashing it, as a durable superfly/fsm workflow.
// It never touches the live update checkpoint.
package inspect

import (
	"context"
	"log/slog"

	"github.com/fly-io/fota-agent/pkg/download"
	"github.com/fly-io/fota-agent/pkg/errors"
	"github.com/fly-io/fota-agent/pkg/firmware"
	"github.com/google/uuid"
	"github.com/superfly/fsm"
)

// Machine holds dependencies for FSM transitions
type Machine struct {
	downloader download.Downloader
	extractor  firmware.Extractor
	workDir    string
	maxRetries int
}

// NewMachine creates a new FSM machine with dependencies
func NewMachine(downloader download.Downloader, extractor firmware.Extractor, workDir string, maxRetries int) *Machine {
	return &Machine{
		downloader: downloader,
		extractor:  extractor,
		workDir:    workDir,
		maxRetries: maxRetries,
	}
}

// Register registers the package inspection FSM
func (m *Machine) Register(ctx context.Context, manager *fsm.Manager) (fsm.Start[PackageRequest, PackageReport], fsm.Resume, error) {
	start, resume, err := fsm.Register[PackageRequest, PackageReport](manager, "package-inspect").
		Start(StateDownload, m.handleDownload).
		To(StateExtract, m.handleExtract).
		To(StateVerify, m.handleVerify).
		To(StateComplete, m.handleComplete).
		End(StateFailed).
		Build(ctx)

	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to register FSM")
	}

	return start, resume, nil
}

// Run inspects the package named by req and waits for the report.
func Run(ctx context.Context, manager *fsm.Manager, m *Machine, req *PackageRequest) (*PackageReport, error) {
	start, _, err := m.Register(ctx, manager)
	if err != nil {
		return nil, err
	}

	report := &PackageReport{}
	version, err := start(ctx, uuid.NewString(), fsm.NewRequest(req, report))
	if err != nil {
		return nil, errors.Wrap(err, "FSM start failed")
	}

	slog.Info("inspect_started", "url", req.URL, "version", version)

	if err := manager.Wait(ctx, version); err != nil {
		return report, errors.Wrap(err, "FSM execution failed")
	}

	slog.Info("inspect_completed", "status", report.Status, "verified", report.Verified)
	return report, nil
}

func (m *Machine) paths() firmware.Paths {
	return firmware.DefaultPaths(m.workDir)
}

func (m *Machine) newPackage() *firmware.Package {
	return firmware.New(firmware.Config{
		Paths:     m.paths(),
		Extractor: m.extractor,
	})
}
