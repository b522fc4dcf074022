package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/oriys/quasar/internal/bindings"
	"github.com/oriys/quasar/internal/functions"
	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/payload"
	"github.com/oriys/quasar/internal/protocol"
)

func newTestExecutor(t *testing.T, opts ...Option) *Executor {
	t.Helper()
	opts = append([]Option{WithLogger(&logging.Logger{})}, opts...)
	e := New(bindings.NewDefaultResolver(), opts...)
	t.Cleanup(func() { e.Shutdown(2 * time.Second) })
	return e
}

func strPtr(s string) *string { return &s }

func stringInput(name, v string) *protocol.ParameterBinding {
	return &protocol.ParameterBinding{Name: name, Data: &protocol.TypedData{String: &v}}
}

// echoRecord returns name with a "$return" string binding.
func echoRecord(call functions.Callable) *functions.Record {
	return &functions.Record{
		ID:         "fn-echo",
		Name:       "echo",
		Inputs:     []functions.Binding{{Name: "name", Kind: "generic", Direction: bindings.DirectionIn, Type: bindings.TypeString}},
		Return:     &functions.Binding{Name: functions.ReturnBinding, Kind: "generic", Direction: bindings.DirectionOut, Type: bindings.TypeString},
		ReturnType: bindings.TypeString,
		Call:       call,
	}
}

func TestInvoke_Success(t *testing.T) {
	e := newTestExecutor(t)
	rec := echoRecord(func(ctx context.Context, args *functions.Args) (any, error) {
		name, _ := functions.Arg[string](args, "name")
		ic, ok := functions.FromContext(ctx)
		if !ok || ic.InvocationID != "inv-1" {
			return nil, errors.New("missing invocation context")
		}
		return "hello " + name, nil
	})

	resp := e.Invoke(context.Background(), rec, &protocol.InvocationRequest{
		InvocationID: "inv-1",
		FunctionID:   rec.ID,
		InputData:    []*protocol.ParameterBinding{stringInput("name", "quasar")},
	})

	if resp.InvocationID != "inv-1" {
		t.Fatalf("InvocationID = %q", resp.InvocationID)
	}
	if resp.Result.Status != protocol.StatusSuccess {
		t.Fatalf("expected success, got %+v", resp.Result.Exception)
	}
	if diff := cmp.Diff(&protocol.TypedData{String: strPtr("hello quasar")}, resp.ReturnValue); diff != "" {
		t.Fatalf("return value mismatch (-want +got):\n%s", diff)
	}
}

func TestInvoke_BindingTypeErrorSkipsBody(t *testing.T) {
	e := newTestExecutor(t)
	var calls atomic.Int32
	rec := &functions.Record{
		ID:   "fn-http",
		Name: "http",
		Inputs: []functions.Binding{{
			Name: "req", Kind: "httpTrigger", Direction: bindings.DirectionTrigger, Type: bindings.TypeHTTPRequest,
		}},
		Call: func(context.Context, *functions.Args) (any, error) {
			calls.Add(1)
			return nil, nil
		},
	}

	resp := e.Invoke(context.Background(), rec, &protocol.InvocationRequest{
		InvocationID: "inv-2",
		InputData:    []*protocol.ParameterBinding{stringInput("req", "not a request")},
	})

	if resp.Result.Status != protocol.StatusFailure {
		t.Fatalf("expected failure, got %s", resp.Result.Status)
	}
	if resp.Result.Exception.Type != "BindingTypeError" {
		t.Fatalf("exception type = %q", resp.Result.Exception.Type)
	}
	if !strings.Contains(resp.Result.Exception.Message, `for binding "req"`) {
		t.Fatalf("message does not name the binding: %s", resp.Result.Exception.Message)
	}
	if n := calls.Load(); n != 0 {
		t.Fatalf("body ran %d times", n)
	}
}

type quotaError struct{}

func (quotaError) Error() string { return "quota exhausted" }

type namedError struct{}

func (namedError) Error() string     { return "boom" }
func (namedError) ErrorType() string { return "ValueError" }

func TestInvoke_RuntimeErrorThenRecovers(t *testing.T) {
	e := newTestExecutor(t)
	fail := true
	rec := echoRecord(func(context.Context, *functions.Args) (any, error) {
		if fail {
			return nil, quotaError{}
		}
		return "ok", nil
	})

	resp := e.Invoke(context.Background(), rec, &protocol.InvocationRequest{InvocationID: "a"})
	if resp.Result.Status != protocol.StatusFailure {
		t.Fatalf("expected failure, got %s", resp.Result.Status)
	}
	if got := resp.Result.Exception.Type; got != "quotaError" {
		t.Fatalf("exception type = %q, want quotaError", got)
	}
	if resp.Result.Exception.Message != "quota exhausted" {
		t.Fatalf("message = %q", resp.Result.Exception.Message)
	}
	if resp.ReturnValue != nil {
		t.Fatal("failed invocation carries a return value")
	}

	fail = false
	resp = e.Invoke(context.Background(), rec, &protocol.InvocationRequest{InvocationID: "b"})
	if resp.Result.Status != protocol.StatusSuccess {
		t.Fatalf("follow-up invocation failed: %+v", resp.Result.Exception)
	}
}

func TestInvoke_Panic(t *testing.T) {
	e := newTestExecutor(t)
	rec := echoRecord(func(context.Context, *functions.Args) (any, error) {
		panic("kaboom")
	})

	resp := e.Invoke(context.Background(), rec, &protocol.InvocationRequest{InvocationID: "p"})
	if resp.Result.Status != protocol.StatusFailure {
		t.Fatalf("expected failure, got %s", resp.Result.Status)
	}
	ex := resp.Result.Exception
	if ex.Type != "Panic" || ex.Message != "kaboom" {
		t.Fatalf("exception = %+v", ex)
	}
	if strings.Contains(ex.StackTrace, "runtime/debug.Stack") || strings.Contains(ex.StackTrace, "internal/executor.call") {
		t.Fatalf("stack not sanitised:\n%s", ex.StackTrace)
	}
}

func TestErrorType(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{errors.New("x"), "Error"},
		{quotaError{}, "quotaError"},
		{&CancellationError{}, "CancellationError"},
		{namedError{}, "ValueError"},
		{wrap(quotaError{}), "quotaError"},
	}
	for _, tt := range tests {
		if got := errorType(tt.err); got != tt.want {
			t.Fatalf("errorType(%T) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func wrap(err error) error {
	return fmt.Errorf("charge account: %w", err)
}

func TestInvoke_CancelAsync(t *testing.T) {
	e := newTestExecutor(t, WithCancelGrace(time.Second))
	started := make(chan struct{})
	var observed atomic.Bool
	rec := echoRecord(func(ctx context.Context, _ *functions.Args) (any, error) {
		close(started)
		<-ctx.Done()
		observed.Store(true)
		return nil, ctx.Err()
	})
	rec.Async = true

	ch := make(chan *protocol.InvocationResponse, 1)
	e.Dispatch(context.Background(), rec, &protocol.InvocationRequest{InvocationID: "c1"}, func(r *protocol.InvocationResponse) { ch <- r })
	<-started
	if !e.Cancel("c1") {
		t.Fatal("Cancel reported the invocation as not running")
	}

	select {
	case resp := <-ch:
		if resp.Result.Status != protocol.StatusCancelled {
			t.Fatalf("status = %s, want Cancelled", resp.Result.Status)
		}
		if resp.InvocationID != "c1" {
			t.Fatalf("InvocationID = %q", resp.InvocationID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cancelled response")
	}
	if !observed.Load() {
		t.Fatal("async body did not observe cancellation within the grace period")
	}
}

func TestInvoke_CancelBlockingDetaches(t *testing.T) {
	e := newTestExecutor(t)
	started := make(chan struct{})
	unblock := make(chan struct{})
	rec := echoRecord(func(context.Context, *functions.Args) (any, error) {
		close(started)
		<-unblock
		return "late", nil
	})

	ch := make(chan *protocol.InvocationResponse, 1)
	e.Dispatch(context.Background(), rec, &protocol.InvocationRequest{InvocationID: "c2"}, func(r *protocol.InvocationResponse) { ch <- r })
	<-started
	e.Cancel("c2")

	resp := <-ch
	if resp.Result.Status != protocol.StatusCancelled {
		t.Fatalf("status = %s, want Cancelled", resp.Result.Status)
	}
	if n := e.Running(); n != 1 {
		t.Fatalf("Running = %d while detached body is blocked, want 1", n)
	}

	close(unblock)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.Wait(ctx); err != nil {
		t.Fatalf("detached body never released: %v", err)
	}
}

func TestInvoke_SoftDeadline(t *testing.T) {
	e := newTestExecutor(t, WithSoftDeadline(20*time.Millisecond))
	unblock := make(chan struct{})
	defer close(unblock)
	rec := echoRecord(func(context.Context, *functions.Args) (any, error) {
		<-unblock
		return "late", nil
	})

	resp := e.Invoke(context.Background(), rec, &protocol.InvocationRequest{InvocationID: "d"})
	if resp.Result.Status != protocol.StatusFailure || resp.Result.Exception.Type != "DeadlineExceeded" {
		t.Fatalf("result = %+v", resp.Result)
	}
}

func TestInvoke_DuplicateID(t *testing.T) {
	e := newTestExecutor(t)
	started := make(chan struct{})
	unblock := make(chan struct{})
	var calls atomic.Int32
	rec := echoRecord(func(context.Context, *functions.Args) (any, error) {
		calls.Add(1)
		close(started)
		<-unblock
		return "first", nil
	})

	first := make(chan *protocol.InvocationResponse, 1)
	e.Dispatch(context.Background(), rec, &protocol.InvocationRequest{InvocationID: "dup"}, func(r *protocol.InvocationResponse) { first <- r })
	<-started

	resp := e.Invoke(context.Background(), rec, &protocol.InvocationRequest{InvocationID: "dup"})
	if resp.Result.Status != protocol.StatusFailure || resp.Result.Exception.Type != "DuplicateInvocation" {
		t.Fatalf("duplicate result = %+v", resp.Result)
	}

	close(unblock)
	if r := <-first; r.Result.Status != protocol.StatusSuccess {
		t.Fatalf("first invocation = %+v", r.Result)
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("body ran %d times, want 1", n)
	}
}

func TestInvoke_ExplicitReturnAndImplicitOutput(t *testing.T) {
	e := newTestExecutor(t)
	activity := functions.Binding{Name: "input", Kind: "activityTrigger", Direction: bindings.DirectionTrigger, Type: bindings.TypeString}
	implicit := activity
	rec := &functions.Record{
		ID:         "fn-activity",
		Name:       "activity",
		Inputs:     []functions.Binding{activity},
		Return:     &functions.Binding{Name: functions.ReturnBinding, Kind: "generic", Direction: bindings.DirectionOut, Type: bindings.TypeString},
		Implicit:   &implicit,
		ReturnType: bindings.TypeString,
		Call: func(_ context.Context, args *functions.Args) (any, error) {
			in, _ := functions.Arg[string](args, "input")
			return "done:" + in, nil
		},
	}

	resp := e.Invoke(context.Background(), rec, &protocol.InvocationRequest{
		InvocationID: "act",
		InputData:    []*protocol.ParameterBinding{stringInput("input", "x")},
	})
	if resp.Result.Status != protocol.StatusSuccess {
		t.Fatalf("expected success, got %+v", resp.Result.Exception)
	}
	if diff := cmp.Diff(&protocol.TypedData{String: strPtr("done:x")}, resp.ReturnValue); diff != "" {
		t.Fatalf("explicit return mismatch (-want +got):\n%s", diff)
	}
	want := []*protocol.ParameterBinding{{Name: "input", Data: &protocol.TypedData{JSON: strPtr(`"done:x"`)}}}
	if diff := cmp.Diff(want, resp.OutputData); diff != "" {
		t.Fatalf("implicit output mismatch (-want +got):\n%s", diff)
	}
}

func TestInvoke_OutParameters(t *testing.T) {
	e := newTestExecutor(t)
	rec := &functions.Record{
		ID:   "fn-out",
		Name: "out",
		Outputs: []functions.Binding{
			{Name: "msg", Kind: "queue", Direction: bindings.DirectionOut, Type: bindings.TypeString},
			{Name: "unset", Kind: "queue", Direction: bindings.DirectionOut, Type: bindings.TypeString},
		},
		Call: func(_ context.Context, args *functions.Args) (any, error) {
			args.Out("msg").Set("queued")
			return nil, nil
		},
	}

	resp := e.Invoke(context.Background(), rec, &protocol.InvocationRequest{InvocationID: "o"})
	if resp.Result.Status != protocol.StatusSuccess {
		t.Fatalf("expected success, got %+v", resp.Result.Exception)
	}
	want := []*protocol.ParameterBinding{{Name: "msg", Data: &protocol.TypedData{String: strPtr("queued")}}}
	if diff := cmp.Diff(want, resp.OutputData); diff != "" {
		t.Fatalf("output mismatch (-want +got):\n%s", diff)
	}
}

func TestInvoke_EncodeFailure(t *testing.T) {
	e := newTestExecutor(t)
	rec := echoRecord(func(context.Context, *functions.Args) (any, error) {
		return make(chan int), nil
	})

	resp := e.Invoke(context.Background(), rec, &protocol.InvocationRequest{InvocationID: "enc"})
	if resp.Result.Status != protocol.StatusFailure || resp.Result.Exception.Type != "BindingTypeError" {
		t.Fatalf("result = %+v", resp.Result)
	}
}

func TestInvoke_SharedMemory(t *testing.T) {
	store := payload.NewMemoryStore(time.Hour)
	defer store.Close()
	tr := payload.NewTransfer(store, 16, time.Minute)
	e := newTestExecutor(t, WithTransfer(tr))

	big := strings.Repeat("a", 64)
	if err := store.Put(context.Background(), "in-1", []byte(big), 0); err != nil {
		t.Fatalf("Put: %v", err)
	}

	rec := &functions.Record{
		ID:      "fn-shm",
		Name:    "shm",
		Inputs:  []functions.Binding{{Name: "data", Kind: "generic", Direction: bindings.DirectionIn, Type: bindings.TypeString}},
		Outputs: []functions.Binding{{Name: "copy", Kind: "generic", Direction: bindings.DirectionOut, Type: bindings.TypeBytes}},
		Call: func(_ context.Context, args *functions.Args) (any, error) {
			s, _ := functions.Arg[string](args, "data")
			args.Out("copy").Set([]byte(strings.ToUpper(s)))
			return nil, nil
		},
	}

	resp := e.Invoke(context.Background(), rec, &protocol.InvocationRequest{
		InvocationID: "shm",
		InputData: []*protocol.ParameterBinding{{
			Name:            "data",
			RpcSharedMemory: &protocol.RpcSharedMemory{Name: "in-1", Count: 64, Type: protocol.RpcDataString},
		}},
	})
	if resp.Result.Status != protocol.StatusSuccess {
		t.Fatalf("expected success, got %+v", resp.Result.Exception)
	}
	if len(resp.OutputData) != 1 || resp.OutputData[0].RpcSharedMemory == nil {
		t.Fatalf("expected a shared memory output, got %+v", resp.OutputData)
	}
	ref := resp.OutputData[0].RpcSharedMemory
	data, err := store.Get(context.Background(), ref.Name, ref.Offset, ref.Count)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(data) != strings.Repeat("A", 64) {
		t.Fatalf("offloaded output = %q", data)
	}
}

func TestInvoke_SharedMemoryDisabled(t *testing.T) {
	e := newTestExecutor(t)
	rec := echoRecord(func(context.Context, *functions.Args) (any, error) { return "x", nil })
	resp := e.Invoke(context.Background(), rec, &protocol.InvocationRequest{
		InvocationID: "noshm",
		InputData: []*protocol.ParameterBinding{{
			Name:            "name",
			RpcSharedMemory: &protocol.RpcSharedMemory{Name: "m"},
		}},
	})
	if resp.Result.Status != protocol.StatusFailure {
		t.Fatalf("expected failure, got %s", resp.Result.Status)
	}
}

func TestInvoke_ForwardsUserLogs(t *testing.T) {
	var mu sync.Mutex
	var logs []*protocol.RpcLog
	e := newTestExecutor(t, WithLogEmitter(func(l *protocol.RpcLog) {
		mu.Lock()
		logs = append(logs, l)
		mu.Unlock()
	}))
	rec := echoRecord(func(ctx context.Context, _ *functions.Args) (any, error) {
		ic, _ := functions.FromContext(ctx)
		ic.Logger().Warn("low disk", "free", 3)
		return "ok", nil
	})

	e.Invoke(context.Background(), rec, &protocol.InvocationRequest{InvocationID: "log-1"})
	e.logs.Shutdown(time.Second)

	mu.Lock()
	defer mu.Unlock()
	want := []*protocol.RpcLog{{
		InvocationID: "log-1",
		Category:     "Function.echo.User",
		Level:        "Warning",
		Message:      "low disk free=3",
		LogCategory:  "User",
	}}
	if diff := cmp.Diff(want, logs); diff != "" {
		t.Fatalf("forwarded logs mismatch (-want +got):\n%s", diff)
	}
}

func TestInvoke_RequestLog(t *testing.T) {
	var buf bytes.Buffer
	logger := &logging.Logger{}
	logger.SetEnabled(true)
	logger.SetConsole(&buf)
	e := newTestExecutor(t, WithLogger(logger))
	rec := echoRecord(func(context.Context, *functions.Args) (any, error) { return "ok", nil })

	e.Invoke(context.Background(), rec, &protocol.InvocationRequest{
		InvocationID: "rl",
		RetryContext: &protocol.RetryContext{RetryCount: 2, MaxRetryCount: 5},
	})

	line := buf.String()
	for _, want := range []string{"Success", "rl", "echo", LaneBlocking, "[retry:2]"} {
		if !strings.Contains(line, want) {
			t.Fatalf("request log %q missing %q", line, want)
		}
	}
}

func TestDispatch_AfterShutdown(t *testing.T) {
	e := New(bindings.NewDefaultResolver(), WithLogger(&logging.Logger{}))
	e.Shutdown(time.Second)

	rec := echoRecord(func(context.Context, *functions.Args) (any, error) { return "x", nil })
	resp := e.Invoke(context.Background(), rec, &protocol.InvocationRequest{InvocationID: "late"})
	if resp.Result.Status != protocol.StatusFailure {
		t.Fatalf("expected failure after shutdown, got %s", resp.Result.Status)
	}
}

func TestInvoke_FastCompletionIsNeverCancelled(t *testing.T) {
	for _, async := range []bool{true, false} {
		t.Run(fmt.Sprintf("async=%v", async), func(t *testing.T) {
			e := newTestExecutor(t, WithPool(PoolConfig{Workers: 4, QueueSize: 64}))
			rec := echoRecord(func(_ context.Context, args *functions.Args) (any, error) {
				name, _ := functions.Arg[string](args, "name")
				return name, nil
			})
			rec.Async = async

			const n = 5000
			var (
				wg     sync.WaitGroup
				failed atomic.Int32
				first  atomic.Value
			)
			for i := 0; i < n; i++ {
				wg.Add(1)
				e.Dispatch(context.Background(), rec, &protocol.InvocationRequest{
					InvocationID: fmt.Sprintf("fast-%d", i),
					InputData:    []*protocol.ParameterBinding{stringInput("name", "x")},
				}, func(resp *protocol.InvocationResponse) {
					defer wg.Done()
					if resp.Result.Status != protocol.StatusSuccess {
						failed.Add(1)
						first.CompareAndSwap(nil, resp.Result)
					}
				})
			}
			wg.Wait()
			if got := failed.Load(); got != 0 {
				t.Fatalf("%d of %d invocations did not succeed, first: %+v", got, n, first.Load())
			}
		})
	}
}

func TestInvoke_SoftDeadlineCountsQueueTime(t *testing.T) {
	e := newTestExecutor(t,
		WithPool(PoolConfig{Workers: 1}),
		WithSoftDeadline(50*time.Millisecond),
	)
	started := make(chan struct{})
	unblock := make(chan struct{})
	defer close(unblock)
	var once sync.Once
	rec := echoRecord(func(context.Context, *functions.Args) (any, error) {
		once.Do(func() { close(started) })
		<-unblock
		return "late", nil
	})

	busy := make(chan *protocol.InvocationResponse, 1)
	e.Dispatch(context.Background(), rec, &protocol.InvocationRequest{InvocationID: "busy"}, func(r *protocol.InvocationResponse) { busy <- r })
	<-started

	queued := make(chan *protocol.InvocationResponse, 1)
	e.Dispatch(context.Background(), rec, &protocol.InvocationRequest{InvocationID: "queued"}, func(r *protocol.InvocationResponse) { queued <- r })

	select {
	case resp := <-queued:
		if resp.Result.Status != protocol.StatusFailure || resp.Result.Exception.Type != "DeadlineExceeded" {
			t.Fatalf("queued result = %+v", resp.Result)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("queued invocation never hit its deadline")
	}
	<-busy
}

func TestInvoke_OffloadsLargeReturnValue(t *testing.T) {
	store := payload.NewMemoryStore(time.Hour)
	defer store.Close()
	e := newTestExecutor(t, WithTransfer(payload.NewTransfer(store, 16, time.Minute)))

	big := strings.Repeat("r", 64)
	rec := echoRecord(func(context.Context, *functions.Args) (any, error) { return big, nil })

	resp := e.Invoke(context.Background(), rec, &protocol.InvocationRequest{InvocationID: "bigret"})
	if resp.Result.Status != protocol.StatusSuccess {
		t.Fatalf("expected success, got %+v", resp.Result.Exception)
	}
	if resp.ReturnValue != nil {
		t.Fatalf("return value sent inline: %+v", resp.ReturnValue)
	}
	if len(resp.OutputData) != 1 || resp.OutputData[0].Name != functions.ReturnBinding || resp.OutputData[0].RpcSharedMemory == nil {
		t.Fatalf("expected an offloaded %s binding, got %+v", functions.ReturnBinding, resp.OutputData)
	}
	ref := resp.OutputData[0].RpcSharedMemory
	if ref.Type != protocol.RpcDataString {
		t.Fatalf("ref type = %q", ref.Type)
	}
	data, err := store.Get(context.Background(), ref.Name, ref.Offset, ref.Count)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(data) != big {
		t.Fatalf("offloaded return = %q", data)
	}
}
