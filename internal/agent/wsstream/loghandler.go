package wsstream

import (
	"context"
	"log/slog"
)

// LogHandler is an slog.Handler that mirrors the Agent's own structured
// logs into the same "log" websocket frames used for application-level
// log lines, per original_source/agent/main.py's WebSocketLogHandler --
// operator-visible agent diagnostics and domain logs share one stream.
type LogHandler struct {
	streamer *Streamer
	next     slog.Handler
}

// NewLogHandler wraps next (the Agent's local stdout/stderr handler),
// additionally forwarding every record to streamer.
func NewLogHandler(streamer *Streamer, next slog.Handler) *LogHandler {
	return &LogHandler{streamer: streamer, next: next}
}

func (h *LogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *LogHandler) Handle(ctx context.Context, r slog.Record) error {
	meta := map[string]any{}
	r.Attrs(func(a slog.Attr) bool {
		meta[a.Key] = a.Value.Any()
		return true
	})
	if len(meta) == 0 {
		meta = nil
	}
	h.streamer.Log(levelName(r.Level), r.Message, meta)
	return h.next.Handle(ctx, r)
}

func (h *LogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &LogHandler{streamer: h.streamer, next: h.next.WithAttrs(attrs)}
}

func (h *LogHandler) WithGroup(name string) slog.Handler {
	return &LogHandler{streamer: h.streamer, next: h.next.WithGroup(name)}
}

func levelName(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "error"
	case l >= slog.LevelWarn:
		return "warning"
	case l >= slog.LevelInfo:
		return "info"
	default:
		return "debug"
	}
}
