package logging

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSlogAdapter(t *testing.T) {
	var buf bytes.Buffer
	l := NewSlog(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	l = With(l, "component", "manager")
	l.Info("holder created", "x", 3, "z", -4)
	l.Debug("detail")

	out := buf.String()
	require.Contains(t, out, "holder created")
	require.Contains(t, out, "component=manager")
	require.Contains(t, out, "x=3")
	require.Contains(t, out, "level=DEBUG")
}

func TestOrNop(t *testing.T) {
	l := OrNop(nil)
	require.NotNil(t, l)
	l.Error("dropped")
	require.Equal(t, Testing(t), OrNop(Testing(t)))
}
