// Package updater drives one firmware update from command to final
// notification: download, extract, verify, checkpoint, invoke, and after the
// reboot, resume and check.
//
// The Orchestrator is owned by the loop. Every exported method must be
// called from a loop task, and every asynchronous completion comes back as a
// loop task tagged with the run it belongs to.
package updater

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/fly-io/fota-agent/pkg/datastore"
	"github.com/fly-io/fota-agent/pkg/db"
	"github.com/fly-io/fota-agent/pkg/download"
	"github.com/fly-io/fota-agent/pkg/downloadinfo"
	"github.com/fly-io/fota-agent/pkg/errors"
	"github.com/fly-io/fota-agent/pkg/firmware"
	"github.com/google/uuid"
)

// Phase is the workflow position.
type Phase int

const (
	Idle Phase = iota
	Downloading
	Extracting
	Invoking
	AwaitingReboot
	Checking
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Downloading:
		return "downloading"
	case Extracting:
		return "extracting"
	case Invoking:
		return "invoking"
	case AwaitingReboot:
		return "awaiting_reboot"
	case Checking:
		return "checking"
	default:
		return "unknown"
	}
}

// Failure messages reported as errorInfo.
const (
	msgDownloadFailed = "Failed to download package."
	msgExtractFailed  = "Failed to extract package."
	msgInvalidPackage = "Invalid package or state."
	msgCheckpoint     = "Failed to save checkpoint."
	msgClearCheckpt   = "Failed to clear checkpoint."
)

// Package is the firmware package surface the workflow drives.
type Package interface {
	Paths() firmware.Paths
	Extract(ctx context.Context, onDone firmware.Callback) error
	Verify() bool
	InvokeUpdate(ctx context.Context) error
	CheckResult(ctx context.Context, onDone firmware.Callback) error
	RemovePackage()
}

// Scheduler posts tasks onto the loop.
type Scheduler interface {
	Post(fn func())
	PostAfter(d time.Duration, fn func())
}

// History records workflow runs. Writes are best effort.
type History interface {
	Create(u *db.Update) error
	UpdateStatus(runID, status, errorInfo string) error
}

// Config wires the orchestrator to its runtime.
type Config struct {
	Loop       Scheduler
	Model      *downloadinfo.Model
	Store      datastore.Store
	Downloader download.Downloader
	// NewPackage returns a fresh handle on the package locations.
	NewPackage func() Package
	History    History
	// ResumeAfterInvoke is how long to wait for the reboot after the upgrade
	// script returned successfully before resuming in process.
	ResumeAfterInvoke time.Duration
}

// Status is a snapshot for diagnostics.
type Status struct {
	Phase     string                  `json:"phase"`
	AsyncKey  string                  `json:"asyncKey,omitempty"`
	RunID     string                  `json:"runId,omitempty"`
	Directive *downloadinfo.Directive `json:"directive,omitempty"`
}

// Orchestrator runs at most one update workflow at a time.
type Orchestrator struct {
	cfg Config
	ctx context.Context

	phase    Phase
	asyncKey string
	runID    string
	pkg      Package
}

// New creates an idle orchestrator and registers it as the model's
// downloadAndUpdate handler.
func New(cfg Config) *Orchestrator {
	o := &Orchestrator{cfg: cfg, ctx: context.Background(), phase: Idle}
	cfg.Model.SetCommandHandler(o.OnUpdateCommand)
	return o
}

// Phase returns the current phase.
func (o *Orchestrator) Phase() Phase {
	return o.phase
}

// Status returns a snapshot of the workflow.
func (o *Orchestrator) Status() Status {
	s := Status{Phase: o.phase.String(), AsyncKey: o.asyncKey, RunID: o.runID}
	if d, ok := o.cfg.Model.Current(); ok {
		s.Directive = &d
	}
	return s
}

// Start binds the workflow to ctx and resumes a checkpointed update if one
// exists. Canceling ctx interrupts an in-flight download.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.ctx = ctx
	slog.Info("orchestrator_start")
	return o.ResumeFromCheckpoint(ctx)
}

// UpdateDirective installs a new directive. It is rejected while a workflow
// is in flight so the running update keeps the directive it started with.
func (o *Orchestrator) UpdateDirective(_ context.Context, d downloadinfo.Directive) error {
	if o.phase != Idle {
		return errors.Newf(errors.InvalidState, "update in progress (%s)", o.phase)
	}
	return o.cfg.Model.SetCurrent(d)
}

// DownloadAndUpdate dispatches the command through the model.
func (o *Orchestrator) DownloadAndUpdate(ctx context.Context, asyncKey string) error {
	return o.cfg.Model.DownloadAndUpdate(ctx, asyncKey)
}

// OnUpdateCommand begins a workflow for asyncKey. A nil return means the
// update is in progress and its outcome will be notified under asyncKey.
func (o *Orchestrator) OnUpdateCommand(_ context.Context, asyncKey string) error {
	if o.phase != Idle {
		slog.Warn("update_rejected", "async_key", asyncKey, "phase", o.phase.String(), "run_id", o.runID)
		return errors.Newf(errors.InvalidState, "update in progress (%s)", o.phase)
	}
	d, ok := o.cfg.Model.Current()
	if !ok {
		return errors.New(errors.InvalidState, "no directive")
	}

	o.asyncKey = asyncKey
	o.runID = uuid.NewString()
	o.pkg = o.cfg.NewPackage()
	o.phase = Downloading

	slog.Info("update_start", "run_id", o.runID, "async_key", asyncKey, "name", d.Name, "version", d.Version)
	o.record(&db.Update{
		RunID:    o.runID,
		AsyncKey: asyncKey,
		Name:     d.Name,
		Version:  d.Version,
		URL:      d.URL,
		Status:   db.StatusDownloading,
	})

	archive := o.pkg.Paths().Archive
	if err := os.Remove(archive); err != nil && !os.IsNotExist(err) {
		slog.Warn("stale_archive_remove_failed", "archive", archive, "error", err)
	}

	run := o.runID
	ctx := o.ctx
	go func() {
		_, err := o.cfg.Downloader.Download(ctx, d.URL, archive)
		o.cfg.Loop.Post(func() { o.onDownloaded(run, err) })
	}()

	return nil
}

// ResumeFromCheckpoint continues an update interrupted by the reboot.
// Having no checkpoint is the normal idle start.
func (o *Orchestrator) ResumeFromCheckpoint(_ context.Context) error {
	if o.phase != Idle {
		return errors.Newf(errors.InvalidState, "update in progress (%s)", o.phase)
	}

	var cp Checkpoint
	err := o.cfg.Store.Load(CheckpointKey, &cp)
	if errors.CodeOf(err) == errors.NotFound {
		slog.Info("resume_no_checkpoint")
		return nil
	}
	if err != nil {
		slog.Error("resume_checkpoint_unreadable", "error", err)
		if rmErr := o.cfg.Store.Remove(CheckpointKey); rmErr != nil {
			slog.Error("resume_checkpoint_remove_failed", "error", rmErr)
		}
		return err
	}

	o.asyncKey = cp.AsyncKey
	o.runID = cp.RunID
	if o.runID == "" {
		o.runID = uuid.NewString()
		o.record(&db.Update{
			RunID:    o.runID,
			AsyncKey: cp.AsyncKey,
			Name:     cp.Name,
			Version:  cp.Version,
			Status:   db.StatusChecking,
		})
	}
	o.cfg.Model.Restore(cp.Directive)
	o.pkg = o.cfg.NewPackage()
	o.phase = Checking

	slog.Info("resume_start", "run_id", o.runID, "async_key", o.asyncKey, "name", cp.Name, "version", cp.Version)

	// The checkpoint is consumed before the check runs, so a crash from here
	// on cannot replay it.
	if err := o.cfg.Store.Remove(CheckpointKey); err != nil {
		o.fail(errors.WithCode(err, errors.Generic, msgClearCheckpt))
		return nil
	}

	if !o.pkg.Verify() {
		o.fail(errors.New(errors.Generic, msgInvalidPackage))
		return nil
	}

	o.setHistory(db.StatusChecking, "")
	run := o.runID
	if err := o.pkg.CheckResult(o.ctx, func(err error) { o.onChecked(run, err) }); err != nil {
		o.fail(err)
	}
	return nil
}

func (o *Orchestrator) current(run string, want Phase) bool {
	if run != o.runID || o.phase != want {
		slog.Warn("stale_completion_dropped", "run_id", run, "current_run_id", o.runID, "phase", o.phase.String(), "expected_phase", want.String())
		return false
	}
	return true
}

func (o *Orchestrator) onDownloaded(run string, err error) {
	if !o.current(run, Downloading) {
		return
	}
	if err != nil {
		o.fail(downloadError(err))
		return
	}

	o.phase = Extracting
	o.setHistory(db.StatusExtracting, "")
	if err := o.pkg.Extract(o.ctx, func(err error) { o.onExtracted(run, err) }); err != nil {
		o.fail(errors.WithCode(err, errors.Generic, msgExtractFailed))
	}
}

func (o *Orchestrator) onExtracted(run string, err error) {
	if !o.current(run, Extracting) {
		return
	}
	if err != nil {
		o.fail(errors.WithCode(err, errors.Generic, msgExtractFailed))
		return
	}
	if !o.pkg.Verify() {
		o.fail(errors.New(errors.Generic, msgInvalidPackage))
		return
	}

	d, _ := o.cfg.Model.Current()
	if err := o.cfg.Store.Save(CheckpointKey, newCheckpoint(d, o.asyncKey, o.runID)); err != nil {
		o.fail(errors.WithCode(err, errors.Generic, msgCheckpoint))
		return
	}

	o.phase = Invoking
	o.setHistory(db.StatusInvoking, "")

	// Blocks the loop. On a device the script reboots and this never returns.
	// Shutdown must not kill a flash in progress.
	err := o.pkg.InvokeUpdate(context.WithoutCancel(o.ctx))
	if o.ctx.Err() != nil {
		// Stopping, most likely for the reboot the script started. The
		// checkpoint stays and the next start reports the outcome.
		slog.Warn("update_invoke_interrupted", "run_id", run, "error", err)
		o.phase = AwaitingReboot
		return
	}
	if err != nil {
		if rmErr := o.cfg.Store.Remove(CheckpointKey); rmErr != nil {
			slog.Error("checkpoint_remove_failed", "run_id", run, "error", rmErr)
		}
		o.fail(err)
		return
	}

	o.phase = AwaitingReboot
	slog.Info("update_awaiting_reboot", "run_id", run, "resume_after", o.cfg.ResumeAfterInvoke)
	o.cfg.Loop.PostAfter(o.cfg.ResumeAfterInvoke, func() { o.resumeInProcess(run) })
}

// resumeInProcess handles an upgrade script that returned without
// rebooting: the checkpoint is picked up the same way a restart would.
func (o *Orchestrator) resumeInProcess(run string) {
	if !o.current(run, AwaitingReboot) {
		return
	}
	slog.Info("update_no_reboot", "run_id", run)
	o.phase = Idle
	o.pkg = nil
	o.asyncKey = ""
	o.runID = ""

	if err := o.ResumeFromCheckpoint(o.ctx); err != nil {
		slog.Error("resume_in_process_failed", "run_id", run, "error", err)
	}
}

func (o *Orchestrator) onChecked(run string, err error) {
	if !o.current(run, Checking) {
		return
	}
	if err != nil {
		o.fail(err)
		return
	}
	o.finish(nil)
}

func (o *Orchestrator) fail(err error) {
	slog.Error("update_failed", "run_id", o.runID, "async_key", o.asyncKey, "phase", o.phase.String(), "error", err)
	o.finish(err)
}

func (o *Orchestrator) finish(result error) {
	if result == nil {
		o.setHistory(db.StatusUpdated, "")
		slog.Info("update_complete", "run_id", o.runID, "async_key", o.asyncKey)
	} else {
		o.setHistory(db.StatusError, errors.Info(result))
	}

	if err := o.cfg.Model.NotifyResult(o.ctx, o.asyncKey, result); err != nil {
		slog.Error("update_notify_failed", "run_id", o.runID, "async_key", o.asyncKey, "error", err)
	}
	o.release()
}

// release drops every workflow scoped resource and returns to Idle.
func (o *Orchestrator) release() {
	if o.pkg != nil {
		o.pkg.RemovePackage()
	}
	o.cfg.Model.Clear()
	o.pkg = nil
	o.asyncKey = ""
	o.runID = ""
	o.phase = Idle
}

func (o *Orchestrator) record(u *db.Update) {
	if o.cfg.History == nil {
		return
	}
	if err := o.cfg.History.Create(u); err != nil {
		slog.Warn("history_create_failed", "run_id", u.RunID, "error", err)
	}
}

func (o *Orchestrator) setHistory(status, info string) {
	if o.cfg.History == nil {
		return
	}
	if err := o.cfg.History.UpdateStatus(o.runID, status, info); err != nil {
		slog.Warn("history_update_failed", "run_id", o.runID, "status", status, "error", err)
	}
}

// downloadError keeps a message the downloader already chose and labels
// anything else as a download failure.
func downloadError(err error) error {
	var coded *errors.Error
	if errors.As(err, &coded) && coded.Msg != "" {
		return err
	}
	return errors.WithCode(err, errors.CodeOf(err), msgDownloadFailed)
}
