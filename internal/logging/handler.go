package logging

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// swapHandler lets Initialize replace the handler behind loggers that were
// created earlier, without the callers re-fetching them.
type swapHandler struct {
	mu    sync.RWMutex
	inner slog.Handler
}

func (h *swapHandler) swap(inner slog.Handler) {
	h.mu.Lock()
	h.inner = inner
	h.mu.Unlock()
}

func (h *swapHandler) current() slog.Handler {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.inner
}

func (h *swapHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.current().Enabled(ctx, level)
}

func (h *swapHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.current().Handle(ctx, r)
}

func (h *swapHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &derivedHandler{parent: h, attrs: attrs}
}

func (h *swapHandler) WithGroup(name string) slog.Handler {
	return &derivedHandler{parent: h, group: name}
}

// derivedHandler resolves its parent's current handler on every record so
// loggers built with With keep following Initialize.
type derivedHandler struct {
	parent slog.Handler
	attrs  []slog.Attr
	group  string
}

func (h *derivedHandler) resolve() slog.Handler {
	var inner slog.Handler
	switch p := h.parent.(type) {
	case *swapHandler:
		inner = p.current()
	case *derivedHandler:
		inner = p.resolve()
	default:
		inner = p
	}
	if h.group != "" {
		inner = inner.WithGroup(h.group)
	}
	if len(h.attrs) > 0 {
		inner = inner.WithAttrs(h.attrs)
	}
	return inner
}

func (h *derivedHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.resolve().Enabled(ctx, level)
}

func (h *derivedHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.resolve().Handle(ctx, r)
}

func (h *derivedHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &derivedHandler{parent: h, attrs: attrs}
}

func (h *derivedHandler) WithGroup(name string) slog.Handler {
	return &derivedHandler{parent: h, group: name}
}

// Every reports whether at least period has passed since the last time it
// returned true for last. It rate limits logging on hot paths.
func Every(last *atomic.Int64, period time.Duration) bool {
	if last == nil || period <= 0 {
		return true
	}

	now := time.Now().UnixNano()
	for {
		prev := last.Load()
		if prev != 0 && time.Duration(now-prev) < period {
			return false
		}
		if last.CompareAndSwap(prev, now) {
			return true
		}
	}
}
