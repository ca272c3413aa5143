// Package remote connects the update workflow to the management service.
// Transports decode directive updates and downloadAndUpdate commands, hand
// them to a Handler, and deliver result notifications as a
// downloadinfo.Sender.
package remote

import (
	"context"
	"time"

	"github.com/fly-io/fota-agent/pkg/downloadinfo"
	"github.com/fly-io/fota-agent/pkg/errors"
	"github.com/fly-io/fota-agent/pkg/loop"
	"github.com/fly-io/fota-agent/pkg/updater"
)

// Handler receives decoded requests from a transport.
type Handler interface {
	UpdateDirective(ctx context.Context, d downloadinfo.Directive) error
	DownloadAndUpdate(ctx context.Context, asyncKey string) error
	Status(ctx context.Context) (updater.Status, error)
}

// Reply codes.
const (
	CodeOK         = "OK"
	CodeInProgress = "IN_PROGRESS"
)

// Reply is the body answering a request.
type Reply struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// ReplyFor answers a request that finished with err. ok is the code used
// when err is nil.
func ReplyFor(err error, ok string) Reply {
	if err == nil {
		return Reply{Code: ok}
	}
	return Reply{Code: errors.CodeOf(err).String(), Message: errors.Info(err)}
}

// RequestTimeout bounds how long a transport waits for the loop.
const RequestTimeout = 10 * time.Second

// LoopHandler runs every request as a task on the loop that owns the
// orchestrator.
type LoopHandler struct {
	loop *loop.Loop
	orch *updater.Orchestrator
}

// NewLoopHandler serializes transport requests onto l
func NewLoopHandler(l *loop.Loop, orch *updater.Orchestrator) *LoopHandler {
	return &LoopHandler{loop: l, orch: orch}
}

func (h *LoopHandler) UpdateDirective(ctx context.Context, d downloadinfo.Directive) error {
	return h.loop.Call(ctx, func() error {
		return h.orch.UpdateDirective(ctx, d)
	})
}

func (h *LoopHandler) DownloadAndUpdate(ctx context.Context, asyncKey string) error {
	return h.loop.Call(ctx, func() error {
		return h.orch.DownloadAndUpdate(ctx, asyncKey)
	})
}

func (h *LoopHandler) Status(ctx context.Context) (updater.Status, error) {
	var st updater.Status
	err := h.loop.Call(ctx, func() error {
		st = h.orch.Status()
		return nil
	})
	return st, err
}
