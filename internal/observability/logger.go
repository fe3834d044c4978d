package observability

import (
	"context"
	"io"
	"log/slog"
)

type LoggerOptions struct {
	ServiceName string
	Level       slog.Level
	JSON        bool
}

type ctxKey string

const traceIDKey ctxKey = "trace_id"

func NewLogger(opts LoggerOptions, writer io.Writer) *slog.Logger {
	if writer == nil {
		writer = io.Discard
	}
	var handler slog.Handler
	if opts.JSON {
		handler = slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: opts.Level})
	} else {
		handler = slog.NewTextHandler(writer, &slog.HandlerOptions{Level: opts.Level})
	}
	return slog.New(handler).With(slog.String("service", opts.ServiceName))
}

func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

func TraceIDFromContext(ctx context.Context) string {
	value, ok := ctx.Value(traceIDKey).(string)
	if !ok {
		return ""
	}
	return value
}
