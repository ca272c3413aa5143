package httpremote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/fly-io/fota-agent/pkg/errors"
	"github.com/klauspost/compress/gzhttp"
)

// Notification is the webhook body.
type Notification struct {
	RequestID int64           `json:"requestId"`
	ServiceID string          `json:"serviceId"`
	AsyncKey  string          `json:"asyncKey"`
	TypeName  string          `json:"typeName"`
	Payload   json.RawMessage `json:"payload"`
}

// WebhookSender posts notifications to a fixed URL. It implements
// downloadinfo.Sender.
type WebhookSender struct {
	url    string
	client *http.Client
	seq    atomic.Int64
}

// NewWebhookSender creates a sender posting to url
func NewWebhookSender(url string) *WebhookSender {
	return &WebhookSender{
		url:    url,
		client: &http.Client{Transport: gzhttp.Transport(http.DefaultTransport)},
	}
}

func (s *WebhookSender) Send(ctx context.Context, serviceID, asyncKey, typeName string, payload []byte) (int64, error) {
	id := s.seq.Add(1)

	body, err := json.Marshal(Notification{
		RequestID: id,
		ServiceID: serviceID,
		AsyncKey:  asyncKey,
		TypeName:  typeName,
		Payload:   payload,
	})
	if err != nil {
		return 0, errors.Wrap(err, "failed to encode notification")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return 0, errors.Wrap(err, "failed to build notification request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Async-Key", asyncKey)
	req.Header.Set("Request-Id", strconv.FormatInt(id, 10))

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, errors.WithCode(err, errors.Generic, "webhook request failed")
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, errors.New(errors.Generic, fmt.Sprintf("webhook returned status %d", resp.StatusCode))
	}

	slog.Info("webhook_sent", "url", s.url, "async_key", asyncKey, "request_id", id)
	return id, nil
}
