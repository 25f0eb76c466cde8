package logger

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log" // zerolog's global logger
)

// InitLogger initializes zerolog's global logger instance.
// Console output is used unless format is "json".
func InitLogger(format, levelStr string) zerolog.Logger {
	zerolog.SetGlobalLevel(ParseLevel(levelStr))

	var out io.Writer = os.Stderr
	if format != "json" {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	log.Logger = zerolog.New(out).With().Timestamp().Logger()
	// Contexts without a request logger fall back to the global one.
	zerolog.DefaultContextLogger = &log.Logger

	log.Info().Str("logFormat", format).Str("logLevel", zerolog.GlobalLevel().String()).Msg("Logger initialized")
	return log.Logger
}

// ParseLevel maps a LOG_LEVEL value to a zerolog level, defaulting to info.
func ParseLevel(levelStr string) zerolog.Level {
	switch levelStr {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "panic":
		return zerolog.PanicLevel
	default:
		return zerolog.InfoLevel
	}
}

// With returns a context whose logger carries the given string fields.
// Fields are passed as key/value pairs.
func With(ctx context.Context, kv ...string) context.Context {
	lctx := zerolog.Ctx(ctx).With()
	for i := 0; i+1 < len(kv); i += 2 {
		lctx = lctx.Str(kv[i], kv[i+1])
	}
	l := lctx.Logger()
	return l.WithContext(ctx)
}

// Detach keeps the logger and values of ctx but drops its cancellation,
// for work that outlives the request that started it.
func Detach(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
