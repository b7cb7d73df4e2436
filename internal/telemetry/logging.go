package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// ParseLevel разбирает уровень логирования.
// Возможные значения: DEBUG, INFO, WARN, ERROR (регистр не важен).
// По умолчанию: INFO
func ParseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LoggerConfig — параметры логгера.
type LoggerConfig struct {
	// Level — DEBUG, INFO, WARN, ERROR.
	Level string

	// Format — "json" (по умолчанию) или "text".
	Format string

	// Output — куда писать (default: os.Stdout).
	Output io.Writer
}

// SetupLogger инициализирует глобальный логгер.
//
// Формат вывода:
//   - "json" (по умолчанию) — JSON формат для production
//   - "text" — человекочитаемый формат для разработки
func SetupLogger(cfg LoggerConfig) *slog.Logger {
	var handler slog.Handler

	level := ParseLevel(cfg.Level)
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)

	return logger
}

// Ключи контекста для передачи данных в логгер.
type ctxKey string

const (
	// CtxLogger — ключ для логгера в контексте.
	CtxLogger ctxKey = "logger"
)

// WithLogger добавляет логгер в контекст.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, CtxLogger, logger)
}

// FromContext извлекает логгер из контекста.
// Если логгер не найден, возвращает глобальный.
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(CtxLogger).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// WithFlowRunID возвращает логгер с добавленным flow_run_id.
func WithFlowRunID(logger *slog.Logger, flowRunID int64) *slog.Logger {
	return logger.With("flow_run_id", flowRunID)
}

// WithNodeRunID возвращает логгер с добавленным node_run_id.
func WithNodeRunID(logger *slog.Logger, nodeRunID int64) *slog.Logger {
	return logger.With("node_run_id", nodeRunID)
}

// WithInstrumentID возвращает логгер с добавленным instrument_id.
func WithInstrumentID(logger *slog.Logger, instrumentID int64) *slog.Logger {
	return logger.With("instrument_id", instrumentID)
}
