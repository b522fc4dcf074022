package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/oriys/quasar/internal/bindings"
	"github.com/oriys/quasar/internal/datum"
	"github.com/oriys/quasar/internal/functions"
	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/observability"
	"github.com/oriys/quasar/internal/protocol"
)

// prepare builds the invocation context and decodes the inputs. A decode
// failure means the body must not run.
func (e *Executor) prepare(ctx context.Context, rec *functions.Record, req *protocol.InvocationRequest) (context.Context, *functions.Args, int, error) {
	meta := make(map[string]datum.Datum, len(req.TriggerMetadata))
	for k, td := range req.TriggerMetadata {
		d, err := datum.FromTypedData(td)
		if err != nil {
			return ctx, nil, 0, &bindings.BindingTypeError{Binding: k, Reason: err.Error()}
		}
		meta[k] = d
	}

	ic := &functions.Context{
		InvocationID:      req.InvocationID,
		FunctionName:      rec.Name,
		FunctionDirectory: rec.Directory,
		TriggerMetadata:   meta,
	}
	if tc := req.TraceContext; tc != nil {
		ic.Trace = functions.TraceContext{
			TraceParent: tc.TraceParent,
			TraceState:  tc.TraceState,
			Attributes:  tc.Attributes,
		}
	}
	if rc := req.RetryContext; rc != nil {
		ic.Retry = functions.RetryContext{
			RetryCount:    int(rc.RetryCount),
			MaxRetryCount: int(rc.MaxRetryCount),
			Exception:     rc.Exception,
		}
	}
	op := logging.OpWithTrace(observability.GetTraceID(ctx), observability.GetSpanID(ctx)).
		With("invocation_id", req.InvocationID, "function", rec.Name)
	ic.SetLogger(slog.New(&rpcLogHandler{
		inner:        op.Handler(),
		fwd:          e.logs,
		invocationID: req.InvocationID,
		category:     "Function." + rec.Name + ".User",
	}))
	ctx = functions.WithContext(ctx, ic)

	values, size, err := e.decodeInputs(ctx, rec, req, meta)
	if err != nil {
		return ctx, nil, 0, err
	}
	return ctx, functions.NewArgs(values, rec.OutputNames()...), size, nil
}

func (e *Executor) decodeInputs(ctx context.Context, rec *functions.Record, req *protocol.InvocationRequest, meta map[string]datum.Datum) (map[string]any, int, error) {
	data := make(map[string]*protocol.ParameterBinding, len(req.InputData))
	for _, pb := range req.InputData {
		if pb != nil {
			data[pb.Name] = pb
		}
	}

	values := make(map[string]any, len(rec.Inputs))
	size := 0
	for _, b := range rec.Inputs {
		pb, ok := data[b.Name]
		if !ok {
			values[b.Name] = nil
			continue
		}
		d, err := e.readDatum(ctx, pb)
		if err != nil {
			return nil, 0, err
		}
		size += d.Size()

		var tm map[string]datum.Datum
		if b.Direction == bindings.DirectionTrigger {
			tm = meta
		}
		v, err := e.resolver.Decode(b.Kind, d, b.Type, tm)
		if err != nil {
			return nil, 0, withBinding(err, b.Name)
		}
		values[b.Name] = v
	}
	return values, size, nil
}

func (e *Executor) readDatum(ctx context.Context, pb *protocol.ParameterBinding) (datum.Datum, error) {
	if ref := pb.RpcSharedMemory; ref != nil {
		if e.transfer == nil {
			return datum.Datum{}, fmt.Errorf("binding %s: shared memory transfer is not enabled", pb.Name)
		}
		return e.transfer.Read(ctx, ref)
	}
	d, err := datum.FromTypedData(pb.Data)
	if err != nil {
		return datum.Datum{}, &bindings.BindingTypeError{Binding: pb.Name, Reason: err.Error()}
	}
	return d, nil
}

// encodeOutputs fills resp from the out parameters and the return value.
// "$return" is the response's return value; an implicit output receives
// the same value as its own binding and stands in for "$return" when the
// manifest declares none. A return value moved to shared memory travels as
// an output binding named "$return".
func (e *Executor) encodeOutputs(ctx context.Context, rec *functions.Record, args *functions.Args, ret any, resp *protocol.InvocationResponse) (int, error) {
	size := 0
	for _, b := range rec.Outputs {
		v, set := args.Out(b.Name).Get()
		if !set {
			continue
		}
		d, err := e.resolver.Encode(b.Kind, v, b.Type)
		if err != nil {
			return 0, withBinding(err, b.Name)
		}
		pb, err := e.outputBinding(ctx, b.Name, d)
		if err != nil {
			return 0, err
		}
		size += d.Size()
		resp.OutputData = append(resp.OutputData, pb)
	}

	returned := false
	if b := rec.Return; b != nil {
		d, err := e.resolver.Encode(b.Kind, ret, b.Type)
		if err != nil {
			return 0, withBinding(err, b.Name)
		}
		pb, err := e.outputBinding(ctx, b.Name, d)
		if err != nil {
			return 0, err
		}
		size += d.Size()
		setReturn(resp, pb)
		returned = true
	}

	if b := rec.Implicit; b != nil {
		d, err := e.resolver.Encode(b.Kind, ret, b.Type)
		if err != nil {
			return 0, withBinding(err, b.Name)
		}
		pb, err := e.outputBinding(ctx, b.Name, d)
		if err != nil {
			return 0, err
		}
		resp.OutputData = append(resp.OutputData, pb)
		if !returned {
			size += d.Size()
			if pb.Data != nil {
				resp.ReturnValue = pb.Data
			}
		}
	}
	return size, nil
}

func setReturn(resp *protocol.InvocationResponse, pb *protocol.ParameterBinding) {
	if pb.RpcSharedMemory != nil {
		resp.OutputData = append(resp.OutputData, pb)
		return
	}
	resp.ReturnValue = pb.Data
}

func (e *Executor) outputBinding(ctx context.Context, name string, d datum.Datum) (*protocol.ParameterBinding, error) {
	if e.transfer != nil {
		ref, err := e.transfer.Offload(ctx, d)
		if err != nil {
			logging.Op().Warn("shared memory offload failed, sending inline", "binding", name, "error", err)
		} else if ref != nil {
			return &protocol.ParameterBinding{Name: name, RpcSharedMemory: ref}, nil
		}
	}
	td, err := d.TypedData()
	if err != nil {
		return nil, withBinding(err, name)
	}
	return &protocol.ParameterBinding{Name: name, Data: td}, nil
}

// withBinding names the binding on a BindingTypeError, or wraps err into
// one.
func withBinding(err error, name string) error {
	var bte *bindings.BindingTypeError
	if errors.As(err, &bte) {
		if bte.Binding == "" {
			bte.Binding = name
		}
		return err
	}
	return &bindings.BindingTypeError{Binding: name, Encode: true, Reason: err.Error()}
}
