// Package executor runs loaded functions. Async entry points run on their
// own goroutine and observe cancellation through their context; blocking
// entry points run on a bounded pool so that they never stall the stream.
package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oriys/quasar/internal/bindings"
	"github.com/oriys/quasar/internal/functions"
	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/metrics"
	"github.com/oriys/quasar/internal/observability"
	"github.com/oriys/quasar/internal/payload"
	"github.com/oriys/quasar/internal/protocol"
)

// Execution lanes.
const (
	LaneAsync    = "async"
	LaneBlocking = "blocking"
)

type Executor struct {
	resolver     *bindings.Resolver
	pool         *Pool
	poolConfig   PoolConfig
	logger       *logging.Logger
	transfer     *payload.Transfer
	logs         *logForwarder
	emitLog      func(*protocol.RpcLog)
	softDeadline time.Duration
	cancelGrace  time.Duration

	mu       sync.Mutex
	running  map[string]context.CancelCauseFunc
	inflight sync.WaitGroup
	closing  atomic.Bool
}

type Option func(*Executor)

// WithLogger sets the request logger
func WithLogger(logger *logging.Logger) Option {
	return func(e *Executor) {
		e.logger = logger
	}
}

// WithPool sizes the blocking lane.
func WithPool(cfg PoolConfig) Option {
	return func(e *Executor) {
		e.poolConfig = cfg
	}
}

// WithSoftDeadline bounds how long the response waits for a function body.
// Zero disables the deadline.
func WithSoftDeadline(d time.Duration) Option {
	return func(e *Executor) {
		e.softDeadline = d
	}
}

// WithCancelGrace gives async bodies time to return after cancellation
// before the response is sent.
func WithCancelGrace(d time.Duration) Option {
	return func(e *Executor) {
		e.cancelGrace = d
	}
}

// WithTransfer enables shared-memory transfer of large payloads.
func WithTransfer(t *payload.Transfer) Option {
	return func(e *Executor) {
		e.transfer = t
	}
}

// WithLogEmitter forwards function logs to the host.
func WithLogEmitter(emit func(*protocol.RpcLog)) Option {
	return func(e *Executor) {
		e.emitLog = emit
	}
}

func New(resolver *bindings.Resolver, opts ...Option) *Executor {
	if resolver == nil {
		resolver = bindings.NewDefaultResolver()
	}
	e := &Executor{
		resolver: resolver,
		logger:   logging.Default(),
		running:  make(map[string]context.CancelCauseFunc),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.emitLog != nil {
		e.logs = newLogForwarder(e.emitLog, 0)
	}
	e.pool = NewPool(e.poolConfig)
	e.pool.Start()
	return e
}

// safeGo runs f in a new goroutine with panic recovery so that a failure
// in fire-and-forget background work never crashes the process.
func safeGo(f func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logging.Op().Error("recovered panic in async task", "panic", r)
			}
		}()
		f()
	}()
}

// Dispatch starts an invocation and returns immediately. reply is called
// exactly once with the response. The invocation id is registered before
// Dispatch returns, so a Cancel issued right after it is never lost.
func (e *Executor) Dispatch(ctx context.Context, rec *functions.Record, req *protocol.InvocationRequest, reply func(*protocol.InvocationResponse)) {
	id := req.InvocationID
	if e.closing.Load() {
		reply(failureResponse(id, protocol.Failure("WorkerShuttingDown", "worker is shutting down", "")))
		return
	}

	ictx, cancel := context.WithCancelCause(ctx)
	e.mu.Lock()
	if _, dup := e.running[id]; dup {
		e.mu.Unlock()
		cancel(nil)
		reply(failureResponse(id, protocol.Failure("DuplicateInvocation",
			fmt.Sprintf("invocation %s is already running", id), "")))
		return
	}
	e.running[id] = cancel
	e.inflight.Add(1)
	e.mu.Unlock()
	metrics.IncInflight()

	// release runs when the body returns, or here if it never starts. It
	// leaves ictx alive: outputs are still encoded under it, and the
	// response path cancels it once the response is built.
	release := sync.OnceFunc(func() {
		e.mu.Lock()
		delete(e.running, id)
		e.mu.Unlock()
		e.inflight.Done()
		metrics.DecInflight()
	})

	go func() {
		var resp *protocol.InvocationResponse
		defer func() {
			if r := recover(); r != nil {
				logging.Op().Error("recovered panic in invocation", "invocation_id", id, "panic", r)
				resp = failureResponse(id, protocol.Failure("InvocationError", fmt.Sprint(r), ""))
				release()
			}
			cancel(nil)
			reply(resp)
		}()
		resp = e.invoke(ictx, cancel, rec, req, release)
	}()
}

// Invoke runs an invocation and waits for its response.
func (e *Executor) Invoke(ctx context.Context, rec *functions.Record, req *protocol.InvocationRequest) *protocol.InvocationResponse {
	ch := make(chan *protocol.InvocationResponse, 1)
	e.Dispatch(ctx, rec, req, func(resp *protocol.InvocationResponse) { ch <- resp })
	return <-ch
}

// Cancel cancels a running invocation. It reports false when id is not
// running.
func (e *Executor) Cancel(id string) bool {
	e.mu.Lock()
	cancel, ok := e.running[id]
	e.mu.Unlock()
	if !ok {
		return false
	}
	cancel(&CancellationError{InvocationID: id})
	return true
}

// Running reports the number of function bodies that have not returned,
// including detached ones.
func (e *Executor) Running() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.running)
}

// Wait blocks until every running body returned or ctx ends.
func (e *Executor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Executor) invoke(ctx context.Context, cancel context.CancelCauseFunc, rec *functions.Record, req *protocol.InvocationRequest, release func()) *protocol.InvocationResponse {
	start := time.Now()
	id := req.InvocationID
	lane := LaneBlocking
	if rec.Async {
		lane = LaneAsync
	}

	var hostAttrs map[string]string
	if tc := req.TraceContext; tc != nil {
		ctx = observability.InjectTraceContext(ctx, observability.TraceContext{
			TraceParent: tc.TraceParent,
			TraceState:  tc.TraceState,
		})
		hostAttrs = tc.Attributes
	}
	var retries int
	if rc := req.RetryContext; rc != nil {
		retries = int(rc.RetryCount)
	}
	ctx, span := observability.StartInvocationSpan(ctx, rec.Name, hostAttrs,
		observability.AttrFunctionID.String(rec.ID),
		observability.AttrInvocationID.String(id),
		observability.AttrLane.String(lane),
		observability.AttrRetryCount.Int(retries),
	)
	defer span.End()

	resp := &protocol.InvocationResponse{InvocationID: id}
	var inSize, outSize int

	ctx, args, inSize, err := e.prepare(ctx, rec, req)
	if err != nil {
		release()
		metrics.RecordBindingError(rec.Name, "in")
	} else {
		var ret any
		ret, err = e.run(ctx, cancel, rec, id, args, release)
		if err == nil {
			outSize, err = e.encodeOutputs(ctx, rec, args, ret, resp)
			if err != nil {
				metrics.RecordBindingError(rec.Name, "out")
			}
		}
	}

	resp.Result = statusFor(err)
	if err != nil {
		resp.OutputData, resp.ReturnValue = nil, nil
		observability.SetSpanError(span, err)
	} else {
		observability.SetSpanOK(span)
	}
	span.SetAttributes(observability.AttrStatus.String(string(resp.Result.Status)))

	durationMs := time.Since(start).Milliseconds()
	metrics.RecordInvocation(rec.Name, lane, statusLabel(resp.Result), durationMs)
	entry := &logging.RequestLog{
		Timestamp:    start,
		InvocationID: id,
		TraceID:      observability.GetTraceID(ctx),
		SpanID:       observability.GetSpanID(ctx),
		Function:     rec.Name,
		FunctionID:   rec.ID,
		Lane:         lane,
		DurationMs:   durationMs,
		Status:       string(resp.Result.Status),
		InputSize:    inSize,
		OutputSize:   outSize,
		Retries:      retries,
	}
	if resp.Result.Exception != nil {
		entry.Error = resp.Result.Exception.Message
	}
	e.logger.Log(entry)
	return resp
}

type outcome struct {
	value any
	err   error
}

// run executes the body on its lane and waits for it, the soft deadline or
// cancellation, whichever comes first. The soft deadline includes time
// spent queued for a blocking worker. release is called once the body
// returns, even when the response has already been sent.
func (e *Executor) run(ctx context.Context, cancel context.CancelCauseFunc, rec *functions.Record, id string, args *functions.Args, release func()) (any, error) {
	if ctx.Err() != nil {
		release()
		return nil, &CancellationError{InvocationID: id}
	}

	var deadline <-chan time.Time
	submitCtx := ctx
	if e.softDeadline > 0 {
		timer := time.NewTimer(e.softDeadline)
		defer timer.Stop()
		deadline = timer.C

		var stop context.CancelFunc
		submitCtx, stop = context.WithTimeout(ctx, e.softDeadline)
		defer stop()
	}
	expire := func() error {
		derr := &DeadlineError{InvocationID: id, Function: rec.Name}
		cancel(derr)
		logging.Op().Warn("invocation exceeded soft deadline", "invocation_id", id, "function", rec.Name, "deadline", e.softDeadline)
		return derr
	}

	done := make(chan outcome, 1)
	body := func() {
		defer release()
		done <- call(ctx, rec, args)
	}

	if rec.Async {
		go body()
	} else if err := e.pool.Submit(submitCtx, body); err != nil {
		release()
		if ctx.Err() != nil {
			return nil, &CancellationError{InvocationID: id}
		}
		if submitCtx.Err() != nil {
			return nil, expire()
		}
		return nil, fmt.Errorf("submit to blocking pool: %w", err)
	}

	select {
	case o := <-done:
		if err := interrupted(ctx); err != nil {
			return nil, err
		}
		return o.value, o.err
	case <-ctx.Done():
		// The body may have finished just as ctx ended for another reason.
		if err := interrupted(ctx); err == nil {
			select {
			case o := <-done:
				return o.value, o.err
			default:
			}
		}
		if rec.Async && e.cancelGrace > 0 {
			select {
			case <-done:
			case <-time.After(e.cancelGrace):
			}
		}
		logging.Op().Info("invocation cancelled", "invocation_id", id, "function", rec.Name)
		return nil, &CancellationError{InvocationID: id}
	case <-deadline:
		return nil, expire()
	}
}

// interrupted reports the host cancellation or deadline that ended ctx, if
// any.
func interrupted(ctx context.Context) error {
	var (
		ce *CancellationError
		de *DeadlineError
	)
	switch cause := context.Cause(ctx); {
	case errors.As(cause, &ce):
		return ce
	case errors.As(cause, &de):
		return de
	}
	return nil
}

func call(ctx context.Context, rec *functions.Record, args *functions.Args) (o outcome) {
	defer func() {
		if r := recover(); r != nil {
			o = outcome{err: panicError(r, functions.SanitizeStack(string(debug.Stack())))}
		}
	}()
	v, err := rec.Call(ctx, args)
	if err != nil {
		return outcome{err: runtimeError(err)}
	}
	return outcome{value: v}
}

// Shutdown stops accepting invocations and waits for running bodies up to
// timeout before stopping the pool and the log forwarder.
func (e *Executor) Shutdown(timeout time.Duration) {
	e.closing.Store(true)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := e.Wait(ctx); err != nil {
		logging.Op().Warn("shutdown timeout waiting for running invocations", "timeout", timeout, "running", e.Running())
	} else {
		logging.Op().Info("all running invocations completed")
	}

	stopped := make(chan struct{})
	safeGo(func() {
		e.pool.Stop()
		close(stopped)
	})
	select {
	case <-stopped:
	case <-ctx.Done():
		logging.Op().Warn("blocking pool still busy at shutdown")
	}
	if e.logs != nil {
		e.logs.Shutdown(time.Second)
	}
}

func failureResponse(id string, result *protocol.StatusResult) *protocol.InvocationResponse {
	return &protocol.InvocationResponse{InvocationID: id, Result: result}
}
