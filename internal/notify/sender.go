package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"payment-webhook-service/internal/message"
)

// Sender posts JSON to an HTTP endpoint.
type Sender struct {
	client *http.Client
	logger *slog.Logger
}

func NewSender(timeout time.Duration, logger *slog.Logger) *Sender {
	return &Sender{
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

func (s *Sender) Send(ctx context.Context, url string, payload []byte) error {
	s.logger.DebugContext(ctx, "Sending notification", "url", url, "payload", string(payload))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	s.logger.DebugContext(ctx, "Notification response", "status", resp.Status, "body", string(respBody))

	if resp.StatusCode >= 400 {
		return fmt.Errorf("error response: %s", resp.Status)
	}
	return nil
}

// HTTPNotifier posts every status change to one configured URL.
type HTTPNotifier struct {
	sender *Sender
	url    string
}

func NewHTTPNotifier(sender *Sender, url string) *HTTPNotifier {
	return &HTTPNotifier{sender: sender, url: url}
}

func (h *HTTPNotifier) Notify(ctx context.Context, msg message.OrderStatusChanged) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return h.sender.Send(ctx, h.url, payload)
}
