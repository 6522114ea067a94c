package events

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"
)

type LogLine struct {
	Level   string         `json:"level"`
	Message string         `json:"msg"`
	Time    time.Time      `json:"ts"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// LogHandler is a slog.Handler that writes text to stderr and keeps a
// ring of recent lines for the /api/logs endpoint.
type LogHandler struct {
	inner slog.Handler
	level slog.Leveler
	attrs []slog.Attr
	group string

	mu        *sync.Mutex
	ring      []LogLine
	ringSize  int
	ringPos   *int
	ringCount *int
}

func NewLogHandler(level slog.Leveler, ringSize int) *LogHandler {
	if ringSize <= 0 {
		ringSize = 1000
	}
	pos, count := 0, 0
	return &LogHandler{
		inner:     slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
		level:     level,
		mu:        &sync.Mutex{},
		ring:      make([]LogLine, ringSize),
		ringSize:  ringSize,
		ringPos:   &pos,
		ringCount: &count,
	}
}

func (h *LogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *LogHandler) Handle(ctx context.Context, r slog.Record) error {
	if err := h.inner.Handle(ctx, r); err != nil {
		return err
	}

	attrs := make(map[string]any)
	prefix := ""
	if h.group != "" {
		prefix = h.group + "."
	}
	for _, a := range h.attrs {
		attrs[prefix+a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs[prefix+a.Key] = a.Value.Any()
		return true
	})

	line := LogLine{Level: r.Level.String(), Message: r.Message, Time: r.Time}
	if len(attrs) > 0 {
		line.Attrs = attrs
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.ring[*h.ringPos] = line
	*h.ringPos = (*h.ringPos + 1) % h.ringSize
	if *h.ringCount < h.ringSize {
		*h.ringCount++
	}
	return nil
}

func (h *LogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.inner = h.inner.WithAttrs(attrs)
	next.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &next
}

func (h *LogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.inner = h.inner.WithGroup(name)
	if h.group != "" {
		name = h.group + "." + name
	}
	next.group = name
	return &next
}

// Recent returns the buffered log lines, oldest first.
func (h *LogHandler) Recent() []LogLine {
	h.mu.Lock()
	defer h.mu.Unlock()

	if *h.ringCount == 0 {
		return nil
	}
	result := make([]LogLine, *h.ringCount)
	start := (*h.ringPos - *h.ringCount + h.ringSize) % h.ringSize
	for i := 0; i < *h.ringCount; i++ {
		result[i] = h.ring[(start+i)%h.ringSize]
	}
	return result
}
