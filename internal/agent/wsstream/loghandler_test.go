package wsstream

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestLevelName(t *testing.T) {
	cases := []struct {
		level slog.Level
		want  string
	}{
		{slog.LevelDebug, "debug"},
		{slog.LevelInfo, "info"},
		{slog.LevelWarn, "warning"},
		{slog.LevelError, "error"},
	}
	for _, c := range cases {
		if got := levelName(c.level); got != c.want {
			t.Errorf("levelName(%v) = %q, want %q", c.level, got, c.want)
		}
	}
}

func TestLogHandlerDelegatesToNext(t *testing.T) {
	var buf bytes.Buffer
	next := slog.NewTextHandler(&buf, nil)
	streamer := New("http://master.local", "node-1", "tok-1", nil, nil)

	h := NewLogHandler(streamer, next)
	logger := slog.New(h)
	logger.Info("hello there", "key", "value")

	if !strings.Contains(buf.String(), "hello there") {
		t.Errorf("expected local handler to still receive the record, got %q", buf.String())
	}
}
