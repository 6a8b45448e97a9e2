package license

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"entitlecli/internal/infrastructure"
)

// actionLogger writes the component/action/result triple every license log line carries
type actionLogger struct {
	logger    *slog.Logger
	component string
}

func newActionLogger(logger *slog.Logger, component string) actionLogger {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	return actionLogger{logger: logger, component: component}
}

// logAction logs a specific action with structured data and span correlation
func (l actionLogger) logAction(ctx context.Context, level slog.Level, action, result string, attrs ...slog.Attr) {
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		infrastructure.AddSpanEvent(ctx, "license."+action,
			attribute.String("result", result),
			attribute.String("component", l.component),
		)
	}

	all := make([]slog.Attr, 0, len(attrs)+3)
	all = append(all,
		slog.String("component", l.component),
		slog.String("action", action),
		slog.String("result", result),
	)
	all = append(all, attrs...)

	l.logger.LogAttrs(ctx, level, result, all...)
}

func (l actionLogger) logDebug(ctx context.Context, action, result string, attrs ...slog.Attr) {
	l.logAction(ctx, slog.LevelDebug, action, result, attrs...)
}

func (l actionLogger) logInfo(ctx context.Context, action, result string, attrs ...slog.Attr) {
	l.logAction(ctx, slog.LevelInfo, action, result, attrs...)
}

func (l actionLogger) logWarn(ctx context.Context, action, result string, attrs ...slog.Attr) {
	l.logAction(ctx, slog.LevelWarn, action, result, attrs...)
}

func (l actionLogger) logError(ctx context.Context, action, result string, attrs ...slog.Attr) {
	l.logAction(ctx, slog.LevelError, action, result, attrs...)
}

// accessKeyAttrs never logs the key itself
func accessKeyAttrs(key string) []slog.Attr {
	if key == "" {
		return nil
	}
	return []slog.Attr{
		slog.String("access_key_masked", maskAccessKey(key)),
		slog.String("access_key_hash", hashAccessKey(key)),
	}
}

// maskAccessKey masks the access key for security
func maskAccessKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "****" + key[len(key)-4:]
}

// hashAccessKey returns a short digest for audit correlation
func hashAccessKey(key string) string {
	if key == "" {
		return ""
	}
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])[:16]
}

func errAttr(err error) slog.Attr {
	return slog.String("error", err.Error())
}
