package log

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/charmbracelet/log"
)

// Options apply to every logger created by this package.
type Options struct {
	Writer io.Writer
	Level  slog.Level
}

var defaultOptions = Options{
	Writer: os.Stderr,
	Level:  slog.LevelDebug,
}

// Configure replaces the options used by every logger created afterwards.
func Configure(o Options) {
	if o.Writer == nil {
		o.Writer = os.Stderr
	}
	defaultOptions = o
}

func NewHandler(name string) slog.Handler {
	return log.NewWithOptions(defaultOptions.Writer, log.Options{
		ReportTimestamp: true,
		Prefix:          name,
		Level:           log.Level(defaultOptions.Level),
	})
}

func New(name string) *slog.Logger {
	return slog.New(NewHandler(name))
}

func NewContext(ctx context.Context, name string) context.Context {
	return IntoContext(ctx, New(name))
}

type ctxKey struct{}

// IntoContext attaches l to ctx for FromContext.
func IntoContext(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the logger stored by IntoContext, or slog.Default
// when there is none.
func FromContext(ctx context.Context) *slog.Logger {
	if ctx == nil {
		return slog.Default()
	}
	if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// SubLogger returns a logger whose prefix nests suffix under base's
// prefix: "gate" becomes "gate/engine".
func SubLogger(base *slog.Logger, suffix string) *slog.Logger {
	prefix := suffix
	if cl, ok := base.Handler().(*log.Logger); ok && cl.GetPrefix() != "" {
		prefix = cl.GetPrefix() + "/" + suffix
	}
	return New(prefix)
}

// ParseLevel maps a level name to a slog level, falling back to info.
func ParseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}
