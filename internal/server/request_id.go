package server

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"livecall/internal/calls"
	"livecall/internal/observability/logging"
)

type idGenerator func() string

func requestIDMiddleware(controller *calls.Controller, logger *slog.Logger, next http.Handler) http.Handler {
	return requestIDMiddlewareWithGenerator(controller, logger, uuid.NewString, next)
}

// requestIDMiddlewareWithGenerator tags each request with a request id and,
// while a session is current, its call and session ids, and stores a logger
// carrying them on the context.
func requestIDMiddlewareWithGenerator(controller *calls.Controller, logger *slog.Logger, generator idGenerator, next http.Handler) http.Handler {
	if generator == nil {
		generator = uuid.NewString
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get(middleware.RequestIDHeader))
		if requestID == "" {
			requestID = generator()
		}

		ctx := context.WithValue(r.Context(), middleware.RequestIDKey, requestID)
		if controller != nil {
			if record := controller.CurrentCall(); record != nil {
				ctx = logging.ContextWithCallID(ctx, record.CallID())
				ctx = logging.ContextWithSessionID(ctx, record.SessionID())
			}
		}
		ctxLogger := loggerWithRequestContext(ctx, logger).With("request_id", requestID)
		ctx = logging.ContextWithLogger(ctx, ctxLogger)

		w.Header().Set(middleware.RequestIDHeader, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggerWithRequestContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if ctxLogger := logging.LoggerFromContext(ctx); ctxLogger != nil {
		return ctxLogger
	}
	if logger == nil {
		logger = slog.Default()
	}
	return logging.WithContext(ctx, logger)
}
