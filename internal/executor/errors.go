package executor

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/oriys/quasar/internal/bindings"
	"github.com/oriys/quasar/internal/protocol"
)

// ErrorTyper lets a user error choose the exception type reported to the
// host. Without it the Go type name of the error is used.
type ErrorTyper interface {
	ErrorType() string
}

// FunctionRuntimeError is an error returned or a panic raised by a function
// body.
type FunctionRuntimeError struct {
	Type    string
	Message string
	Stack   string
	Err     error
}

func (e *FunctionRuntimeError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *FunctionRuntimeError) Unwrap() error { return e.Err }

// CancellationError reports an invocation the host cancelled.
type CancellationError struct {
	InvocationID string
}

func (e *CancellationError) Error() string {
	return fmt.Sprintf("invocation %s was cancelled", e.InvocationID)
}

// DeadlineError reports an invocation that ran past the soft deadline. The
// body may still be running; its result is discarded.
type DeadlineError struct {
	InvocationID string
	Function     string
}

func (e *DeadlineError) Error() string {
	return fmt.Sprintf("function %s exceeded its deadline (invocation %s)", e.Function, e.InvocationID)
}

// errorType names err the way the host sees it: the first error in the
// chain that is not a plain errors.New or fmt.Errorf value.
func errorType(err error) string {
	var typer ErrorTyper
	if errors.As(err, &typer) {
		if name := typer.ErrorType(); name != "" {
			return name
		}
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		t := reflect.TypeOf(e)
		for t.Kind() == reflect.Pointer {
			t = t.Elem()
		}
		switch t.PkgPath() {
		case "errors", "fmt", "":
			continue
		}
		return t.Name()
	}
	return "Error"
}

func runtimeError(err error) *FunctionRuntimeError {
	var fre *FunctionRuntimeError
	if errors.As(err, &fre) {
		return fre
	}
	return &FunctionRuntimeError{Type: errorType(err), Message: err.Error(), Err: err}
}

func panicError(v any, stack string) *FunctionRuntimeError {
	if err, ok := v.(error); ok {
		return &FunctionRuntimeError{Type: errorType(err), Message: err.Error(), Stack: stack, Err: err}
	}
	return &FunctionRuntimeError{Type: "Panic", Message: fmt.Sprint(v), Stack: stack}
}

// statusFor converts an invocation-scoped error to the result sent to the
// host.
func statusFor(err error) *protocol.StatusResult {
	var (
		bte *bindings.BindingTypeError
		fre *FunctionRuntimeError
		ce  *CancellationError
		de  *DeadlineError
	)
	switch {
	case err == nil:
		return protocol.Success()
	case errors.As(err, &ce):
		return protocol.Cancelled(err.Error())
	case errors.As(err, &de):
		return protocol.Failure("DeadlineExceeded", err.Error(), "")
	case errors.As(err, &bte):
		return protocol.Failure("BindingTypeError", err.Error(), "")
	case errors.As(err, &fre):
		return protocol.Failure(fre.Type, fre.Message, fre.Stack)
	default:
		return protocol.Failure("InvocationError", err.Error(), "")
	}
}

func statusLabel(s *protocol.StatusResult) string {
	switch s.Status {
	case protocol.StatusSuccess:
		return "success"
	case protocol.StatusCancelled:
		return "cancelled"
	default:
		return "failure"
	}
}
