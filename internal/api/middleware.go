package api

import (
	"log/slog"
	"time"

	"github.com/danielgtaylor/huma/v2"
)

// requestLogger logs every request after it has been handled.
func requestLogger(logger *slog.Logger) func(huma.Context, func(huma.Context)) {
	return func(ctx huma.Context, next func(huma.Context)) {
		start := time.Now()

		next(ctx)

		level := slog.LevelDebug
		if ctx.Status() >= 500 {
			level = slog.LevelWarn
		}

		logger.Log(ctx.Context(), level, "http request",
			slog.String("method", ctx.Method()),
			slog.String("path", ctx.URL().Path),
			slog.Int("status", ctx.Status()),
			slog.Duration("duration", time.Since(start)),
		)
	}
}
