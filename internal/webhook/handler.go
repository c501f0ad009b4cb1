// Package webhook is the HTTP edge: it authenticates provider deliveries and
// hands them to the event processor.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"payment-webhook-service/internal/config"
	"payment-webhook-service/internal/event"
	"payment-webhook-service/internal/payload"

	"github.com/VictoriaMetrics/metrics"
)

const contentType = "application/json"

var (
	rejectedUnauthorizedCounter = metrics.GetOrCreateCounter(`webhook_requests_total{result="unauthorized"}`)
	rejectedMalformedCounter    = metrics.GetOrCreateCounter(`webhook_requests_total{result="malformed"}`)
	acceptedCounter             = metrics.GetOrCreateCounter(`webhook_requests_total{result="accepted"}`)
	duplicateCounter            = metrics.GetOrCreateCounter(`webhook_requests_total{result="duplicate"}`)
	failedCounter               = metrics.GetOrCreateCounter(`webhook_requests_total{result="failed"}`)
	timedOutCounter             = metrics.GetOrCreateCounter(`webhook_requests_total{result="timeout"}`)
)

type Verifier interface {
	Verify(raw []byte, header string) error
}

type EventProcessor interface {
	Process(ctx context.Context, evt payload.Event, raw []byte) (event.Outcome, error)
}

type Response struct {
	Received  bool `json:"received"`
	Duplicate bool `json:"duplicate"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type Handler struct {
	verifier        Verifier
	processor       EventProcessor
	signatureHeader string
	timeout         time.Duration
	maxBodyBytes    int64
	logger          *slog.Logger
}

func NewHandler(cfg config.Webhook, verifier Verifier, processor EventProcessor, logger *slog.Logger) *Handler {
	return &Handler{
		verifier:        verifier,
		processor:       processor,
		signatureHeader: cfg.SignatureHeader,
		timeout:         cfg.HandlerTimeout(),
		maxBodyBytes:    cfg.MaxBodyBytes,
		logger:          logger,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// the signature covers these exact bytes, so nothing may decode the body first
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		h.logger.WarnContext(ctx, "Error reading request body", "error", err)
		rejectedMalformedCounter.Inc()
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "unreadable body"})
		return
	}

	if err := h.verifier.Verify(raw, r.Header.Get(h.signatureHeader)); err != nil {
		h.logger.WarnContext(ctx, "Rejected webhook with invalid signature")
		rejectedUnauthorizedCounter.Inc()
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid signature"})
		return
	}

	evt, err := payload.Parse(raw)
	if err != nil {
		h.logger.WarnContext(ctx, "Rejected malformed webhook", "error", err)
		rejectedMalformedCounter.Inc()
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "malformed payload"})
		return
	}

	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	out, err := h.processor.Process(ctx, evt, raw)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			timedOutCounter.Inc()
		}
		failedCounter.Inc()
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "processing failed"})
		return
	}

	if out.Duplicate {
		duplicateCounter.Inc()
	} else {
		acceptedCounter.Inc()
	}
	writeJSON(w, http.StatusOK, Response{Received: true, Duplicate: out.Duplicate})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
