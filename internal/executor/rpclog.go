package executor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/protocol"
)

const (
	defaultRPCLogBufferSize = 1000
	defaultRPCLogTimeout    = 5 * time.Second
)

// logForwarder decouples user logging from the stream. Records are queued
// and sent in order by a single goroutine; when the queue is full new
// records are dropped rather than stalling the function body.
type logForwarder struct {
	logger *slog.Logger
	emit   func(*protocol.RpcLog)
	logs   chan *protocol.RpcLog
	done   chan struct{}

	mu     sync.RWMutex
	closed bool
}

func newLogForwarder(emit func(*protocol.RpcLog), size int) *logForwarder {
	if size <= 0 {
		size = defaultRPCLogBufferSize
	}
	f := &logForwarder{
		logger: logging.Op(),
		emit:   emit,
		logs:   make(chan *protocol.RpcLog, size),
		done:   make(chan struct{}),
	}
	go f.run()
	return f
}

func (f *logForwarder) Enqueue(log *protocol.RpcLog) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return
	}
	select {
	case f.logs <- log:
	default:
		f.logger.Warn("dropping function log due to full buffer", "invocation_id", log.InvocationID)
	}
}

func (f *logForwarder) Shutdown(timeout time.Duration) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	close(f.logs)
	f.mu.Unlock()

	select {
	case <-f.done:
	case <-time.After(timeout):
		f.logger.Warn("timeout waiting for function log forwarder shutdown", "timeout", timeout)
	}
}

func (f *logForwarder) run() {
	defer close(f.done)
	for log := range f.logs {
		f.emit(log)
	}
}

// rpcLogHandler writes user log records to the operational log and
// forwards them to the host tagged with the invocation id.
type rpcLogHandler struct {
	inner        slog.Handler
	fwd          *logForwarder
	invocationID string
	category     string
	prefix       string
	group        string
}

func (h *rpcLogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.fwd != nil || h.inner.Enabled(ctx, level)
}

func (h *rpcLogHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.inner.Enabled(ctx, r.Level) {
		if err := h.inner.Handle(ctx, r.Clone()); err != nil {
			return err
		}
	}
	if h.fwd == nil {
		return nil
	}

	var b strings.Builder
	b.WriteString(r.Message)
	b.WriteString(h.prefix)
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&b, h.group, a)
		return true
	})

	h.fwd.Enqueue(&protocol.RpcLog{
		InvocationID: h.invocationID,
		Category:     h.category,
		Level:        rpcLevel(r.Level),
		Message:      b.String(),
		LogCategory:  "User",
	})
	return nil
}

func (h *rpcLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.inner = h.inner.WithAttrs(attrs)
	var b strings.Builder
	b.WriteString(h.prefix)
	for _, a := range attrs {
		writeAttr(&b, h.group, a)
	}
	next.prefix = b.String()
	return &next
}

func (h *rpcLogHandler) WithGroup(name string) slog.Handler {
	next := *h
	next.inner = h.inner.WithGroup(name)
	if next.group != "" {
		name = next.group + "." + name
	}
	next.group = name
	return &next
}

func writeAttr(b *strings.Builder, group string, a slog.Attr) {
	key := a.Key
	if group != "" {
		key = group + "." + key
	}
	fmt.Fprintf(b, " %s=%v", key, a.Value)
}

func rpcLevel(l slog.Level) string {
	switch {
	case l < slog.LevelInfo:
		return "Debug"
	case l < slog.LevelWarn:
		return "Information"
	case l < slog.LevelError:
		return "Warning"
	default:
		return "Error"
	}
}
