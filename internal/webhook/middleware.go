package webhook

import (
	"log/slog"
	"net/http"
	"time"

	"payment-webhook-service/internal/logcontext"

	"github.com/google/uuid"
)

const requestIDHeader = "X-Request-Id"

type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	size   int
}

func (lrw *loggingResponseWriter) WriteHeader(status int) {
	lrw.status = status
	lrw.ResponseWriter.WriteHeader(status)
}

func (lrw *loggingResponseWriter) Write(b []byte) (int, error) {
	if lrw.status == 0 {
		lrw.status = http.StatusOK
	}
	n, err := lrw.ResponseWriter.Write(b)
	lrw.size += n
	return n, err
}

// LoggingMiddleware tags the request context with a request id, echoes it back
// and logs one line per request.
func LoggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		requestID := r.Header.Get(requestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}
		w.Header().Set(requestIDHeader, requestID)

		ctx := logcontext.AppendCtx(r.Context(), slog.String("requestId", requestID))
		lrw := &loggingResponseWriter{ResponseWriter: w}

		next.ServeHTTP(lrw, r.WithContext(ctx))

		logger.InfoContext(ctx, "Handled request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", lrw.status,
			"bytes", lrw.size,
			"durationMs", time.Since(startTime).Milliseconds())
	})
}
