// Package natsremote carries directives, commands and result notifications
// over NATS.
//
// Subjects, for prefix P and device urn U:
//
//	P.U.models.DownloadInfo               request: Directive JSON
//	P.U.commands.downloadAndUpdate        request: Async-Key header or {"key": K}
//	P.U.results                           published notifications
package natsremote

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/fly-io/fota-agent/pkg/downloadinfo"
	"github.com/fly-io/fota-agent/pkg/errors"
	"github.com/fly-io/fota-agent/pkg/remote"
	"github.com/nats-io/nats.go"
)

// Notification headers.
const (
	HeaderAsyncKey  = "Async-Key"
	HeaderServiceID = "Service-Id"
	HeaderTypeName  = "Type-Name"
	HeaderRequestID = "Request-Id"
)

// Subjects names the subjects of one device.
type Subjects struct {
	Directive string
	Command   string
	Results   string
}

// NewSubjects derives the device subjects from prefix and urn.
func NewSubjects(prefix, deviceURN string) Subjects {
	base := prefix + "." + deviceURN
	return Subjects{
		Directive: base + ".models." + downloadinfo.TypeName,
		Command:   base + ".commands.downloadAndUpdate",
		Results:   base + ".results",
	}
}

// Transport is a NATS connection bound to one device.
type Transport struct {
	conn     *nats.Conn
	subjects Subjects
	handler  remote.Handler
	subs     []*nats.Subscription
	seq      atomic.Int64
}

// Connect dials the NATS server at url
func Connect(url string, subjects Subjects) (*Transport, error) {
	slog.Info("nats_connect", "url", url)

	conn, err := nats.Connect(url,
		nats.Name("fota-agent"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats_disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("nats_reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		slog.Error("nats_connect_failed", "url", url, "error", err)
		return nil, errors.Wrap(err, "failed to connect to nats")
	}

	return &Transport{conn: conn, subjects: subjects}, nil
}

// Serve subscribes the request subjects and dispatches them to h.
func (t *Transport) Serve(h remote.Handler) error {
	t.handler = h

	for subject, fn := range map[string]nats.MsgHandler{
		t.subjects.Directive: t.onDirective,
		t.subjects.Command:   t.onCommand,
	} {
		sub, err := t.conn.Subscribe(subject, fn)
		if err != nil {
			return errors.Wrap(err, "failed to subscribe "+subject)
		}
		t.subs = append(t.subs, sub)
		slog.Info("nats_subscribed", "subject", subject)
	}
	return nil
}

// Close unsubscribes and drains the connection.
func (t *Transport) Close() error {
	for _, sub := range t.subs {
		if err := sub.Unsubscribe(); err != nil {
			slog.Warn("nats_unsubscribe_failed", "subject", sub.Subject, "error", err)
		}
	}
	return t.conn.Drain()
}

// Send publishes a result notification. It implements downloadinfo.Sender.
func (t *Transport) Send(_ context.Context, serviceID, asyncKey, typeName string, payload []byte) (int64, error) {
	id := t.seq.Add(1)

	msg := nats.NewMsg(t.subjects.Results)
	msg.Header.Set(HeaderAsyncKey, asyncKey)
	msg.Header.Set(HeaderServiceID, serviceID)
	msg.Header.Set(HeaderTypeName, typeName)
	msg.Header.Set(HeaderRequestID, strconv.FormatInt(id, 10))
	msg.Data = payload

	if err := t.conn.PublishMsg(msg); err != nil {
		return 0, errors.WithCode(err, errors.Generic, "failed to publish result")
	}
	if err := t.conn.FlushTimeout(remote.RequestTimeout); err != nil {
		return 0, errors.WithCode(err, errors.Generic, "failed to flush result")
	}

	slog.Info("nats_result_published", "subject", t.subjects.Results, "async_key", asyncKey, "request_id", id)
	return id, nil
}

func (t *Transport) onDirective(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), remote.RequestTimeout)
	defer cancel()
	respond(msg, directiveReply(ctx, t.handler, msg.Data))
}

func (t *Transport) onCommand(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), remote.RequestTimeout)
	defer cancel()
	respond(msg, commandReply(ctx, t.handler, commandKey(msg)))
}

func directiveReply(ctx context.Context, h remote.Handler, data []byte) remote.Reply {
	var d downloadinfo.Directive
	if err := json.Unmarshal(data, &d); err != nil {
		return remote.ReplyFor(errors.WithCode(err, errors.InvalidArgument, "malformed directive"), remote.CodeOK)
	}
	return remote.ReplyFor(h.UpdateDirective(ctx, d), remote.CodeOK)
}

func commandReply(ctx context.Context, h remote.Handler, key string) remote.Reply {
	return remote.ReplyFor(h.DownloadAndUpdate(ctx, key), remote.CodeInProgress)
}

type commandBody struct {
	Key string `json:"key"`
}

func commandKey(msg *nats.Msg) string {
	if msg.Header != nil {
		if key := msg.Header.Get(HeaderAsyncKey); key != "" {
			return key
		}
	}
	var body commandBody
	if len(msg.Data) > 0 && json.Unmarshal(msg.Data, &body) == nil {
		return body.Key
	}
	return ""
}

func respond(msg *nats.Msg, reply remote.Reply) {
	if reply.Code != remote.CodeOK && reply.Code != remote.CodeInProgress {
		slog.Warn("nats_request_rejected", "subject", msg.Subject, "code", reply.Code, "message", reply.Message)
	}
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		slog.Error("nats_reply_encode_failed", "error", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		slog.Warn("nats_reply_failed", "subject", msg.Subject, "error", err)
	}
}
