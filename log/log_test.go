package log

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromContext(t *testing.T) {
	assert.Equal(t, slog.Default(), FromContext(context.Background()))

	l := New("test")
	ctx := IntoContext(context.Background(), l)
	assert.Same(t, l, FromContext(ctx))
}

func TestSubLoggerPrefix(t *testing.T) {
	var buf bytes.Buffer
	Configure(Options{Writer: &buf, Level: slog.LevelInfo})
	t.Cleanup(func() { Configure(Options{Level: slog.LevelDebug}) })

	l := SubLogger(New("gate"), "engine")
	l.Info("hello", "step", "bandit")

	out := buf.String()
	assert.Contains(t, out, "gate/engine")
	assert.Contains(t, out, "hello")
	assert.Contains(t, out, "step=bandit")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("WARN"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("nonsense"))
}
