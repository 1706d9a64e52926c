package server

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"ripplecast/internal/observability/logging"
)

type idGenerator func() string

// requestIDMiddleware stamps every request with an ID (honouring one supplied
// by a proxy), echoes it back in the response, and seeds the context logger
// with the request and session IDs so downstream log lines correlate.
func requestIDMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return requestIDMiddlewareWithGenerator(logger, uuid.NewString, next)
}

func requestIDMiddlewareWithGenerator(logger *slog.Logger, generator idGenerator, next http.Handler) http.Handler {
	if generator == nil {
		generator = uuid.NewString
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get("X-Request-Id"))
		if requestID == "" {
			requestID = generator()
		}
		sessionID := strings.TrimSpace(r.Header.Get("X-Session-Id"))

		ctx := logging.ContextWithRequestID(r.Context(), requestID)
		if sessionID != "" {
			ctx = logging.ContextWithSessionID(ctx, sessionID)
		}
		ctxLogger := logging.WithContext(ctx, logger)
		ctx = logging.ContextWithLogger(ctx, ctxLogger)

		w.Header().Set("X-Request-Id", requestID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
