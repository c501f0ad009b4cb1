package webhook

import (
	"log/slog"
	"net/http"

	"payment-webhook-service/internal/metrics"
)

const Path = "/webhooks/payments"

// NewMux routes the webhook endpoint next to the liveness and metrics
// endpoints.
func NewMux(handler http.Handler, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /liveness", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("GET /metrics", metrics.Handler())
	mux.Handle("POST "+Path, handler)

	return LoggingMiddleware(logger, mux)
}
