// Package downloadinfo holds the current update directive received from the
// remote management service and reports the final update result back to it.
package downloadinfo

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/fly-io/fota-agent/pkg/errors"
)

// TypeName is the model name the remote service addresses directives and
// results by.
const TypeName = "DownloadInfo"

// Result statuses.
const (
	StatusUpdated = "UPDATED"
	StatusError   = "ERROR"
)

// Directive is one update instruction.
type Directive struct {
	URL       string `json:"url"`
	Name      string `json:"name,omitempty"`
	Version   string `json:"version,omitempty"`
	Status    string `json:"status,omitempty"`
	ErrorInfo string `json:"errorInfo,omitempty"`
}

// Sender delivers a result notification to the remote service and returns
// the transport's request id.
type Sender interface {
	Send(ctx context.Context, serviceID, asyncKey, typeName string, payload []byte) (int64, error)
}

// CommandFunc handles the downloadAndUpdate command. A nil return means the
// workflow is in progress.
type CommandFunc func(ctx context.Context, asyncKey string) error

// ServiceID returns the update-result service id for a device.
func ServiceID(deviceURN string) string {
	return fmt.Sprintf("urn:moat:%s:update-result:1.0", deviceURN)
}

// Model holds at most one directive. It is owned by the loop.
type Model struct {
	serviceID string
	sender    Sender
	onCommand CommandFunc

	current *Directive
}

// New creates an empty model that notifies through sender.
func New(deviceURN string, sender Sender) *Model {
	return &Model{serviceID: ServiceID(deviceURN), sender: sender}
}

// SetCommandHandler registers the downloadAndUpdate callback.
func (m *Model) SetCommandHandler(fn CommandFunc) {
	m.onCommand = fn
}

// SetCurrent replaces the held directive with a copy of d.
func (m *Model) SetCurrent(d Directive) error {
	if d.URL == "" {
		return errors.New(errors.InvalidArgument, "directive url is required")
	}
	m.current = &d
	slog.Info("directive_set", "url", d.URL, "name", d.Name, "version", d.Version)
	return nil
}

// Restore installs a directive recovered from a checkpoint. The url was
// blanked before the checkpoint was written, so it is not validated.
func (m *Model) Restore(d Directive) {
	m.current = &d
	slog.Info("directive_restored", "name", d.Name, "version", d.Version)
}

// Current returns a copy of the held directive.
func (m *Model) Current() (Directive, bool) {
	if m.current == nil {
		return Directive{}, false
	}
	return *m.current, true
}

// Clear drops the held directive.
func (m *Model) Clear() {
	m.current = nil
}

// DownloadAndUpdate dispatches the named command to the registered handler.
func (m *Model) DownloadAndUpdate(ctx context.Context, asyncKey string) error {
	if asyncKey == "" {
		return errors.New(errors.InvalidState, "async key is required")
	}
	if m.current == nil {
		return errors.New(errors.InvalidState, "no directive")
	}
	if m.onCommand == nil {
		return errors.New(errors.InvalidState, "no command handler")
	}
	return m.onCommand(ctx, asyncKey)
}

// NotifyResult reports the workflow outcome for asyncKey. The held
// directive is cleared on return, whether or not the send succeeded.
func (m *Model) NotifyResult(ctx context.Context, asyncKey string, result error) error {
	if m.current == nil {
		return errors.New(errors.InvalidState, "no directive")
	}
	defer m.Clear()

	d := *m.current
	d.URL = ""
	if result == nil {
		d.Status = StatusUpdated
		d.ErrorInfo = ""
	} else {
		d.Status = StatusError
		d.ErrorInfo = errors.Info(result)
	}

	payload, err := json.Marshal(d)
	if err != nil {
		return errors.Wrap(err, "failed to encode result")
	}

	id, err := m.sender.Send(ctx, m.serviceID, asyncKey, TypeName, payload)
	if err != nil {
		slog.Error("notify_failed", "async_key", asyncKey, "status", d.Status, "error", err)
		return errors.WithCode(err, errors.CodeOf(err), "failed to send update result")
	}

	slog.Info("notify_sent", "async_key", asyncKey, "status", d.Status, "error_info", d.ErrorInfo, "request_id", id)
	return nil
}
