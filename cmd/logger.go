package cmd

import (
	"context"
	"log/slog"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelslog"

	"github.com/nogipx/rpcmesh/config"
)

// newLogger builds the daemon's root *slog.Logger, matching the teacher's
// ambient logging stack: structured slog with a configurable leveler so
// the reload verb can adjust verbosity without restarting the router. Every
// record is also mirrored through an otelslog bridge handler onto the
// global otel log API, the same no-exporter-configured posture
// provideMeterProvider already takes with its MeterProvider: the seam is
// real and importable, wiring an actual collector is a deploy-time choice.
func newLogger(cfg *config.Config) (*appLogger, error) {
	levelVar := new(slog.LevelVar)
	lvl, ok := parseLevel(cfg.LogLevel)
	if !ok {
		lvl = slog.LevelInfo
	}
	levelVar.Set(lvl)

	out := os.Stderr
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, err
		}
		out = f
	}

	jsonHandler := slog.NewJSONHandler(out, &slog.HandlerOptions{Level: levelVar})
	otelHandler := otelslog.NewHandler(ServiceName)
	handler := teeHandler{jsonHandler, otelHandler}
	return &appLogger{Logger: slog.New(handler), levelVar: levelVar}, nil
}

// teeHandler fans every record out to both of its handlers. slog has no
// built-in multi-handler and the examples pull in no library for one, so
// this stays hand-rolled (see DESIGN.md).
type teeHandler [2]slog.Handler

func (t teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return t[0].Enabled(ctx, level) || t[1].Enabled(ctx, level)
}

func (t teeHandler) Handle(ctx context.Context, record slog.Record) error {
	if t[0].Enabled(ctx, record.Level) {
		if err := t[0].Handle(ctx, record.Clone()); err != nil {
			return err
		}
	}
	if t[1].Enabled(ctx, record.Level) {
		if err := t[1].Handle(ctx, record.Clone()); err != nil {
			return err
		}
	}
	return nil
}

func (t teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return teeHandler{t[0].WithAttrs(attrs), t[1].WithAttrs(attrs)}
}

func (t teeHandler) WithGroup(name string) slog.Handler {
	return teeHandler{t[0].WithGroup(name), t[1].WithGroup(name)}
}

// appLogger bundles the root logger with the LevelVar backing it, so a
// config reload can retune verbosity in place (§6.5).
type appLogger struct {
	*slog.Logger
	levelVar *slog.LevelVar
}

func parseLevel(s string) (slog.Level, bool) {
	switch s {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}
