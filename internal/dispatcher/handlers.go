package dispatcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oriys/quasar/internal/executor"
	"github.com/oriys/quasar/internal/functions"
	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/metrics"
	"github.com/oriys/quasar/internal/observability"
	"github.com/oriys/quasar/internal/protocol"
)

// handle routes one inbound message. It never waits on function code:
// loads, indexing and invocations answer from their own goroutines. A
// returned error is fatal for the session.
func (s *Session) handle(ctx context.Context, msg *protocol.StreamingMessage) error {
	state := s.State()
	kind, err := msg.Kind()
	if err != nil {
		return &ProtocolError{State: state, Reason: "malformed message", Err: err}
	}
	metrics.RecordMessage("in", string(kind))

	switch state {
	case StateClosed:
		return &ProtocolError{Kind: kind, State: state, Reason: "session is closed"}
	case StateUninitialized:
		switch kind {
		case protocol.KindWorkerInitRequest, protocol.KindWorkerStatusRequest, protocol.KindWorkerTerminate:
		default:
			return &ProtocolError{Kind: kind, State: state, Reason: "worker is not initialized"}
		}
	}

	switch kind {
	case protocol.KindWorkerInitRequest:
		return s.handleInit(msg.WorkerInitRequest)
	case protocol.KindWorkerStatusRequest:
		s.send(&protocol.StreamingMessage{WorkerStatusResponse: &protocol.WorkerStatusResponse{}})
	case protocol.KindFunctionsMetadataRequest:
		s.handleMetadata(msg.FunctionsMetadataRequest)
	case protocol.KindFunctionLoadRequest:
		s.handleLoad(msg.FunctionLoadRequest)
	case protocol.KindInvocationRequest:
		return s.handleInvocation(ctx, msg.InvocationRequest)
	case protocol.KindInvocationCancel:
		if !s.exec.Cancel(msg.InvocationCancel.InvocationID) {
			logging.Op().Debug("cancel for unknown invocation", "invocation_id", msg.InvocationCancel.InvocationID)
		}
	case protocol.KindFunctionEnvironmentReloadRequest:
		s.handleReload(msg.FunctionEnvironmentReloadRequest)
	case protocol.KindWorkerTerminate:
		s.handleTerminate(msg.WorkerTerminate)
	case protocol.KindCloseSharedMemoryResourcesRequest:
		s.handleCloseSharedMemory(ctx, msg.CloseSharedMemoryResourcesRequest)
	default:
		return &ProtocolError{Kind: kind, State: state, Reason: "message kind is not accepted by the worker"}
	}
	return nil
}

func (s *Session) handleInit(req *protocol.WorkerInitRequest) error {
	if st := s.State(); st != StateUninitialized {
		return &ProtocolError{Kind: protocol.KindWorkerInitRequest, State: st, Reason: "worker is already initialized"}
	}
	if req.HostVersion == "" {
		s.send(&protocol.StreamingMessage{WorkerInitResponse: &protocol.WorkerInitResponse{
			WorkerVersion: s.opts.WorkerVersion,
			Capabilities:  map[string]string{},
			Result:        protocol.Failure("InvalidInitRequest", "host_version is required", ""),
		}})
		return nil
	}

	features := s.opts.Features
	features.SharedMemory = features.SharedMemory && s.opts.Transfer != nil
	s.caps = negotiate(req.HostVersion, features)
	s.registry = functions.NewRegistry(functions.Options{
		Resolver:         s.opts.Resolver,
		Loader:           s.opts.Loader,
		DeferredBindings: s.caps.DeferredBindings,
	})

	opts := append([]executor.Option{}, s.opts.Executor...)
	if s.caps.SharedMemory {
		opts = append(opts, executor.WithTransfer(s.opts.Transfer))
	}
	opts = append(opts, executor.WithLogEmitter(func(l *protocol.RpcLog) {
		s.send(&protocol.StreamingMessage{RpcLog: l})
	}))
	s.exec = executor.New(s.opts.Resolver, opts...)
	s.setAppDirectory(req.FunctionAppDirectory)

	s.state.transition(StateInitialized, StateUninitialized)
	caps := s.caps.Map()
	logging.Op().Info("worker initialized",
		"host_version", req.HostVersion,
		"app_directory", s.appDirectory(),
		"capabilities", len(caps),
		"binding_kinds", s.opts.Resolver.Kinds())

	s.send(&protocol.StreamingMessage{WorkerInitResponse: &protocol.WorkerInitResponse{
		WorkerVersion:  s.opts.WorkerVersion,
		Capabilities:   caps,
		WorkerMetadata: s.workerMetadata(),
		Result:         protocol.Success(),
	}})
	return nil
}

func (s *Session) handleMetadata(req *protocol.FunctionsMetadataRequest) {
	if s.State() == StateDraining {
		s.send(&protocol.StreamingMessage{FunctionMetadataResponse: &protocol.FunctionMetadataResponse{
			FunctionMetadataResults: []*protocol.RpcFunctionMetadata{},
			Result:                  drainingFailure(),
		}})
		return
	}
	s.state.transition(StateReady, StateInitialized)

	dir := req.FunctionAppDirectory
	if dir == "" {
		dir = s.appDirectory()
	}
	s.goAsync(protocol.KindFunctionsMetadataRequest, func() {
		s.send(&protocol.StreamingMessage{FunctionMetadataResponse: s.indexApp(dir)})
	}, func(status *protocol.StatusResult) *protocol.StreamingMessage {
		return &protocol.StreamingMessage{FunctionMetadataResponse: &protocol.FunctionMetadataResponse{
			FunctionMetadataResults: []*protocol.RpcFunctionMetadata{},
			Result:                  status,
		}}
	})
}

// indexApp parses the manifest of dir and indexes every function in it.
// Per-function failures are reported in each entry's status.
func (s *Session) indexApp(dir string) *protocol.FunctionMetadataResponse {
	resp := &protocol.FunctionMetadataResponse{FunctionMetadataResults: []*protocol.RpcFunctionMetadata{}}
	if dir == "" {
		resp.Result = protocol.Failure("FunctionMetadataError", "no function app directory was given", "")
		return resp
	}
	m, err := functions.ParseDir(dir)
	if err != nil {
		logging.Op().Warn("function manifest unreadable", "dir", dir, "error", err)
		resp.Result = protocol.Failure("FunctionMetadataError", err.Error(), "")
		return resp
	}

	failed := 0
	for _, res := range s.registry.Index(m) {
		if res.Err != nil {
			failed++
		}
		resp.FunctionMetadataResults = append(resp.FunctionMetadataResults, res.Metadata)
	}
	logging.Op().Info("functions indexed", "dir", dir, "count", len(resp.FunctionMetadataResults), "failed", failed)
	resp.Result = protocol.Success()
	return resp
}

func (s *Session) handleLoad(req *protocol.FunctionLoadRequest) {
	id := req.FunctionID
	if s.State() == StateDraining {
		s.send(&protocol.StreamingMessage{FunctionLoadResponse: &protocol.FunctionLoadResponse{
			FunctionID: id,
			Result:     drainingFailure(),
		}})
		return
	}
	s.state.transition(StateReady, StateInitialized)

	s.goAsync(protocol.KindFunctionLoadRequest, func() {
		_, span := observability.StartSpan(context.Background(), "load function", observability.AttrFunctionID.String(id))
		defer span.End()

		result := protocol.Success()
		if _, err := s.registry.Load(id, req.Metadata); err != nil {
			logging.Op().Warn("function load failed", "function_id", id, "error", err)
			observability.SetSpanError(span, err)
			result = functions.LoadFailure(err)
		} else {
			observability.SetSpanOK(span)
		}
		s.send(&protocol.StreamingMessage{FunctionLoadResponse: &protocol.FunctionLoadResponse{
			FunctionID: id,
			Result:     result,
		}})
	}, func(status *protocol.StatusResult) *protocol.StreamingMessage {
		return &protocol.StreamingMessage{FunctionLoadResponse: &protocol.FunctionLoadResponse{FunctionID: id, Result: status}}
	})
}

func (s *Session) handleInvocation(ctx context.Context, req *protocol.InvocationRequest) error {
	switch st := s.State(); st {
	case StateReady:
	case StateDraining:
		s.sendInvocation(&protocol.InvocationResponse{InvocationID: req.InvocationID, Result: drainingFailure()})
		return nil
	default:
		return &ProtocolError{Kind: protocol.KindInvocationRequest, State: st, Reason: "no function has been loaded"}
	}

	rec, ok := s.registry.Get(req.FunctionID)
	if !ok {
		msg := fmt.Sprintf("function %s is not loaded", req.FunctionID)
		s.sendInvocation(&protocol.InvocationResponse{
			InvocationID: req.InvocationID,
			Result:       protocol.Failure("FunctionNotLoaded", msg, ""),
		})
		return nil
	}

	s.pending.Add(1)
	s.calls.Add(1)
	s.exec.Dispatch(ctx, rec, req, func(resp *protocol.InvocationResponse) {
		defer s.pending.Done()
		defer s.calls.Done()
		s.sendInvocation(resp)
	})
	return nil
}

func (s *Session) sendInvocation(resp *protocol.InvocationResponse) {
	s.send(&protocol.StreamingMessage{InvocationResponse: resp})
}

// handleReload drains, applies the new environment and re-reads the app
// directory before accepting work again.
func (s *Session) handleReload(req *protocol.FunctionEnvironmentReloadRequest) {
	if !s.state.transition(StateDraining, StateReady, StateInitialized) {
		s.send(&protocol.StreamingMessage{FunctionEnvironmentReloadResponse: &protocol.FunctionEnvironmentReloadResponse{
			Result: protocol.Failure("WorkerDraining", "a reload or terminate is already in progress", ""),
		}})
		return
	}
	logging.Op().Info("environment reload started", "variables", len(req.EnvironmentVariables))

	s.goAsync(protocol.KindFunctionEnvironmentReloadRequest, func() {
		result := s.reload(req)
		s.state.transition(StateReady, StateDraining)
		s.send(&protocol.StreamingMessage{FunctionEnvironmentReloadResponse: &protocol.FunctionEnvironmentReloadResponse{
			Capabilities:   s.caps.Map(),
			WorkerMetadata: s.workerMetadata(),
			Result:         result,
		}})
	}, func(status *protocol.StatusResult) *protocol.StreamingMessage {
		s.state.transition(StateReady, StateDraining)
		return &protocol.StreamingMessage{FunctionEnvironmentReloadResponse: &protocol.FunctionEnvironmentReloadResponse{Result: status}}
	})
}

func (s *Session) reload(req *protocol.FunctionEnvironmentReloadRequest) *protocol.StatusResult {
	if !waitGroup(&s.calls, s.opts.ShutdownGrace) {
		logging.Op().Warn("reload proceeding with invocations still running", "running", s.exec.Running())
	}

	for k, v := range req.EnvironmentVariables {
		if err := os.Setenv(k, v); err != nil {
			return protocol.Failure("FunctionEnvironmentReloadError", fmt.Sprintf("set %s: %v", k, err), "")
		}
	}
	s.setAppDirectory(req.FunctionAppDirectory)
	s.registry.Reset()

	dir := s.appDirectory()
	if dir == "" {
		return protocol.Success()
	}
	if _, err := os.Stat(filepath.Join(dir, functions.DefaultManifestName)); err != nil {
		logging.Op().Info("no manifest after reload", "dir", dir)
		return protocol.Success()
	}
	if resp := s.indexApp(dir); resp.Result.Status != protocol.StatusSuccess {
		return resp.Result
	}
	return protocol.Success()
}

// handleTerminate drains and closes the session. It blocks the reader so
// nothing else is accepted while in-flight responses are flushed.
func (s *Session) handleTerminate(req *protocol.WorkerTerminate) {
	grace := s.opts.ShutdownGrace
	if req.GracePeriodSeconds > 0 {
		grace = time.Duration(req.GracePeriodSeconds) * time.Second
	}
	s.state.transition(StateDraining, StateInitialized, StateReady)
	logging.Op().Info("worker terminating", "grace", grace)

	start := time.Now()
	if !waitGroup(&s.pending, grace) {
		running := 0
		if s.exec != nil {
			running = s.exec.Running()
		}
		logging.Op().Warn("terminate grace elapsed with work in flight", "grace", grace, "running", running)
	} else {
		logging.Op().Info("in-flight work drained", "elapsed", time.Since(start))
	}
	s.state.close()
}

func (s *Session) handleCloseSharedMemory(ctx context.Context, req *protocol.CloseSharedMemoryResourcesRequest) {
	if !s.caps.SharedMemory {
		s.sendCloseResults(closeFailed(req.MapNames))
		return
	}
	s.goAsync(protocol.KindCloseSharedMemoryResourcesRequest, func() {
		s.sendCloseResults(s.opts.Transfer.Close(ctx, req.MapNames))
	}, func(*protocol.StatusResult) *protocol.StreamingMessage {
		return &protocol.StreamingMessage{CloseSharedMemoryResourcesResponse: &protocol.CloseSharedMemoryResourcesResponse{
			CloseMapResults: closeFailed(req.MapNames),
		}}
	})
}

func (s *Session) sendCloseResults(results map[string]bool) {
	s.send(&protocol.StreamingMessage{CloseSharedMemoryResourcesResponse: &protocol.CloseSharedMemoryResourcesResponse{
		CloseMapResults: results,
	}})
}

func closeFailed(names []string) map[string]bool {
	results := make(map[string]bool, len(names))
	for _, name := range names {
		results[name] = false
	}
	return results
}

func drainingFailure() *protocol.StatusResult {
	return protocol.Failure("WorkerDraining", "worker is draining and does not accept new work", "")
}
