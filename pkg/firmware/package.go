// Package firmware manages a single firmware package on local storage: its
// downloaded archive, the extraction directory, verification of the required
// artifacts and the package's upgrade and check scripts.
package firmware

import (
	"context"
	"log/slog"
	"os"

	"github.com/fly-io/fota-agent/pkg/errors"
	"github.com/fly-io/fota-agent/pkg/loop"
	"github.com/fly-io/fota-agent/pkg/shell"
)

// State is the lifecycle position of a Package.
type State int

const (
	Dormant State = iota
	Extracting
	Extracted
	ExtractFailed
	Updating
	Checking
)

func (s State) String() string {
	switch s {
	case Dormant:
		return "dormant"
	case Extracting:
		return "extracting"
	case Extracted:
		return "extracted"
	case ExtractFailed:
		return "extract_failed"
	case Updating:
		return "updating"
	case Checking:
		return "checking"
	default:
		return "unknown"
	}
}

// Callback receives the outcome of an asynchronous package command. It is
// invoked exactly once, on the loop.
type Callback func(err error)

// Config wires a Package to its collaborators.
type Config struct {
	Paths     Paths
	Extractor Extractor
	Runner    shell.Runner
	// Shell interprets the package scripts, so they need no exec bit.
	Shell string
	Loop  loop.Poster
}

// Package is owned by the loop. Async commands run their external process on
// a helper goroutine and deliver completion through Config.Loop.
type Package struct {
	cfg   Config
	state State
	busy  bool
}

// New creates a dormant package handle
func New(cfg Config) *Package {
	if cfg.Shell == "" {
		cfg.Shell = "/bin/sh"
	}
	return &Package{cfg: cfg, state: Dormant}
}

// State returns the current state.
func (p *Package) State() State {
	return p.state
}

// Paths returns the package locations.
func (p *Package) Paths() Paths {
	return p.cfg.Paths
}

// Extract replaces the extraction directory with the archive's contents.
func (p *Package) Extract(ctx context.Context, onDone Callback) error {
	if p.busy {
		return errors.Newf(errors.InvalidState, "package command in flight (state %s)", p.state)
	}
	if err := p.prepareDir(); err != nil {
		return err
	}

	p.busy = true
	p.state = Extracting
	slog.Info("package_extract_start", "archive", p.cfg.Paths.Archive, "dir", p.cfg.Paths.Dir)

	go func() {
		err := p.cfg.Extractor.Extract(ctx, p.cfg.Paths.Archive, p.cfg.Paths.Dir)
		p.cfg.Loop.Post(func() {
			p.busy = false
			onDone(p.finishExtract(err))
		})
	}()

	return nil
}

// Unpack is the synchronous form of Extract, for callers not running on a loop.
func (p *Package) Unpack(ctx context.Context) error {
	if p.busy {
		return errors.Newf(errors.InvalidState, "package command in flight (state %s)", p.state)
	}
	if err := p.prepareDir(); err != nil {
		return err
	}

	p.state = Extracting
	slog.Info("package_extract_start", "archive", p.cfg.Paths.Archive, "dir", p.cfg.Paths.Dir)
	return p.finishExtract(p.cfg.Extractor.Extract(ctx, p.cfg.Paths.Archive, p.cfg.Paths.Dir))
}

func (p *Package) prepareDir() error {
	if err := os.RemoveAll(p.cfg.Paths.Dir); err != nil {
		slog.Warn("package_dir_cleanup_failed", "dir", p.cfg.Paths.Dir, "error", err)
	}
	if err := os.MkdirAll(p.cfg.Paths.Dir, 0755); err != nil {
		slog.Error("package_dir_creation_failed", "dir", p.cfg.Paths.Dir, "error", err)
		return errors.WithCode(err, errors.Generic, "Failed to create package directory.")
	}
	return nil
}

func (p *Package) finishExtract(err error) error {
	if err != nil {
		p.state = ExtractFailed
		slog.Error("package_extract_failed", "archive", p.cfg.Paths.Archive, "error", err)
		return errors.WithCode(err, errors.Generic, "Failed to extract command")
	}
	p.state = Extracted
	slog.Info("package_extract_complete", "dir", p.cfg.Paths.Dir)
	return nil
}

// Verify reports whether the package carries both scripts as regular files
// and every md5 sidecar matches its image. A false result is a normal
// outcome for a malformed or foreign package.
func (p *Package) Verify() bool {
	for _, path := range []string{p.cfg.Paths.UpgradeScript, p.cfg.Paths.CheckScript} {
		fi, err := os.Stat(path)
		if err != nil || !fi.Mode().IsRegular() {
			slog.Warn("package_verify_missing", "path", path)
			return false
		}
	}

	if err := verifyChecksums(p.cfg.Paths.ScriptDir()); err != nil {
		slog.Warn("package_verify_checksum", "dir", p.cfg.Paths.ScriptDir(), "error", err)
		return false
	}

	slog.Info("package_verified", "dir", p.cfg.Paths.Dir)
	return true
}

// InvokeUpdate runs the upgrade script and blocks until it exits. On real
// hardware a successful script reboots the device and this never returns.
func (p *Package) InvokeUpdate(ctx context.Context) error {
	if p.busy {
		return errors.Newf(errors.InvalidState, "package command in flight (state %s)", p.state)
	}

	prev := p.state
	p.state = Updating
	slog.Info("package_invoke_update", "script", p.cfg.Paths.UpgradeScript)

	res, err := p.cfg.Runner.Run(ctx, p.cfg.Paths.ScriptDir(), p.cfg.Shell, p.cfg.Paths.UpgradeScript)
	if err != nil {
		p.state = prev
		return scriptError(err, res, "Failed to invoke update.")
	}

	slog.Info("package_update_returned", "script", p.cfg.Paths.UpgradeScript)
	return nil
}

// CheckResult runs the check script asynchronously.
func (p *Package) CheckResult(ctx context.Context, onDone Callback) error {
	if p.busy {
		return errors.Newf(errors.InvalidState, "package command in flight (state %s)", p.state)
	}

	p.busy = true
	p.state = Checking
	slog.Info("package_check_start", "script", p.cfg.Paths.CheckScript)

	go func() {
		res, err := p.cfg.Runner.Run(ctx, p.cfg.Paths.ScriptDir(), p.cfg.Shell, p.cfg.Paths.CheckScript)
		p.cfg.Loop.Post(func() {
			p.busy = false
			p.state = Dormant
			if err != nil {
				onDone(scriptError(err, res, "Update check failed."))
				return
			}
			slog.Info("package_check_complete", "script", p.cfg.Paths.CheckScript)
			onDone(nil)
		})
	}()

	return nil
}

// RemovePackage deletes the extraction directory and the archive. Failures
// are logged and ignored.
func (p *Package) RemovePackage() {
	if err := os.RemoveAll(p.cfg.Paths.Dir); err != nil {
		slog.Warn("package_remove_dir_failed", "dir", p.cfg.Paths.Dir, "error", err)
	}
	if err := os.Remove(p.cfg.Paths.Archive); err != nil && !os.IsNotExist(err) {
		slog.Warn("package_remove_archive_failed", "archive", p.cfg.Paths.Archive, "error", err)
	}
}

func scriptError(err error, res shell.Result, fallback string) error {
	msg := fallback
	if res.Line != "" {
		msg = res.Line
	}
	return errors.WithCode(err, errors.Generic, msg)
}
