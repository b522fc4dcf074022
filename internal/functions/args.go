package functions

import (
	"context"
	"log/slog"
	"sync"

	"github.com/oriys/quasar/internal/datum"
	"github.com/oriys/quasar/internal/protocol"
)

// Args holds the decoded inputs and the output slots of one invocation.
type Args struct {
	values map[string]any
	outs   map[string]*Out
}

// NewArgs returns Args with the given inputs and one output slot per name.
func NewArgs(values map[string]any, outNames ...string) *Args {
	a := &Args{values: values, outs: make(map[string]*Out, len(outNames))}
	if a.values == nil {
		a.values = make(map[string]any)
	}
	for _, name := range outNames {
		a.outs[name] = &Out{}
	}
	return a
}

// Get returns the decoded input bound to name.
func (a *Args) Get(name string) any {
	return a.values[name]
}

// Out returns the output slot bound to name, or nil if name is not an
// output parameter.
func (a *Args) Out(name string) *Out {
	return a.outs[name]
}

// Arg returns the input bound to name as a T.
func Arg[T any](a *Args, name string) (T, bool) {
	v, ok := a.values[name].(T)
	return v, ok
}

// Out is an output parameter slot.
type Out struct {
	mu    sync.Mutex
	value any
	set   bool
}

func (o *Out) Set(v any) {
	o.mu.Lock()
	o.value, o.set = v, true
	o.mu.Unlock()
}

// Get returns the value and whether Set was called.
func (o *Out) Get() (any, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.value, o.set
}

// TraceContext is the W3C trace context the host attached to an invocation.
type TraceContext struct {
	TraceParent string
	TraceState  string
	Attributes  map[string]string
}

// RetryContext describes host-driven redelivery. It is informational only.
type RetryContext struct {
	RetryCount    int
	MaxRetryCount int
	Exception     *protocol.RpcException
}

// Context is the per-invocation record visible to function bodies.
type Context struct {
	InvocationID      string
	FunctionName      string
	FunctionDirectory string
	TriggerMetadata   map[string]datum.Datum
	Trace             TraceContext
	Retry             RetryContext

	logger *slog.Logger
}

// Logger returns the invocation logger. Records are also forwarded to the
// host tagged with the invocation id.
func (c *Context) Logger() *slog.Logger {
	if c.logger == nil {
		return slog.Default()
	}
	return c.logger
}

// SetLogger is used by the executor to attach the invocation logger.
func (c *Context) SetLogger(l *slog.Logger) {
	c.logger = l
}

type contextKey struct{}

// WithContext attaches an invocation context to ctx.
func WithContext(ctx context.Context, ic *Context) context.Context {
	return context.WithValue(ctx, contextKey{}, ic)
}

// FromContext returns the invocation context carried by ctx.
func FromContext(ctx context.Context) (*Context, bool) {
	ic, ok := ctx.Value(contextKey{}).(*Context)
	return ic, ok
}
