// Package dispatcher owns the event stream to the host: it negotiates
// capabilities, routes each message to the registry or the executor and
// sends responses as they complete.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync"
	"time"

	"github.com/oriys/quasar/internal/bindings"
	"github.com/oriys/quasar/internal/executor"
	"github.com/oriys/quasar/internal/functions"
	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/metrics"
	"github.com/oriys/quasar/internal/payload"
	"github.com/oriys/quasar/internal/protocol"
	"golang.org/x/sync/errgroup"
)

const (
	defaultOutboxSize    = 256
	defaultShutdownGrace = 30 * time.Second
)

// Options configures a Session.
type Options struct {
	WorkerID      string
	RequestID     string
	WorkerVersion string
	// AppDirectory is used when the host does not send one.
	AppDirectory string
	Loader       functions.Loader
	Resolver     *bindings.Resolver
	Features     Features
	// Transfer backs shared-memory transfer when Features.SharedMemory is
	// set.
	Transfer *payload.Transfer
	Executor []executor.Option
	// ShutdownGrace bounds how long terminate and reload wait for running
	// invocations.
	ShutdownGrace time.Duration
}

// Session is one worker's side of the event stream. A Session runs once.
type Session struct {
	opts  Options
	state stateMachine

	// Set while handling init, then read-only.
	caps     *Capabilities
	registry *functions.Registry
	exec     *executor.Executor

	dirMu  sync.Mutex
	appDir string

	out  chan *protocol.StreamingMessage
	done chan struct{}
	// stopped is the run context's Done channel.
	stopped <-chan struct{}
	// pending counts responses still to be produced by background
	// handlers and invocations. calls counts invocations only.
	pending sync.WaitGroup
	calls   sync.WaitGroup
}

func New(opts Options) *Session {
	if opts.Resolver == nil {
		opts.Resolver = bindings.NewDefaultResolver()
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = defaultShutdownGrace
	}
	return &Session{
		opts:   opts,
		appDir: opts.AppDirectory,
		out:    make(chan *protocol.StreamingMessage, defaultOutboxSize),
		done:   make(chan struct{}),
	}
}

// State returns the current session state.
func (s *Session) State() State {
	return s.state.Load()
}

// Capabilities returns the negotiated capability set, or nil before init.
func (s *Session) Capabilities() *Capabilities {
	return s.caps
}

// Run serves stream until the host terminates the worker, the stream ends
// or ctx is cancelled. A ProtocolError is returned for fatal protocol
// violations.
func (s *Session) Run(ctx context.Context, stream protocol.Stream) error {
	g, gctx := errgroup.WithContext(ctx)
	s.stopped = gctx.Done()
	stop := context.AfterFunc(gctx, func() { _ = stream.CloseSend() })

	s.send(&protocol.StreamingMessage{StartStream: &protocol.StartStream{WorkerID: s.opts.WorkerID}})
	logging.Op().Info("event stream started", "worker_id", s.opts.WorkerID)

	g.Go(func() error { return s.writeLoop(gctx, stream) })
	g.Go(func() error { return s.readLoop(gctx, stream) })
	err := g.Wait()

	if stop() {
		_ = stream.CloseSend()
	}
	s.state.close()
	if s.exec != nil {
		s.exec.Shutdown(s.opts.ShutdownGrace)
	}
	logging.Op().Info("event stream closed", "error", err)
	return err
}

func (s *Session) readLoop(ctx context.Context, stream protocol.Stream) error {
	defer close(s.done)
	for {
		msg, err := stream.Recv()
		if err != nil {
			switch {
			case s.State() == StateClosed:
				return nil
			case errors.Is(err, io.EOF):
				logging.Op().Info("host closed the event stream")
				return nil
			case ctx.Err() != nil:
				return ctx.Err()
			}
			return &ProtocolError{State: s.State(), Reason: "receive failed", Err: err}
		}

		if err := s.handle(ctx, msg); err != nil {
			logging.Op().Error("fatal protocol error", "error", err)
			return err
		}
		if s.State() == StateClosed {
			return nil
		}
	}
}

func (s *Session) writeLoop(ctx context.Context, stream protocol.Stream) error {
	write := func(msg *protocol.StreamingMessage) error {
		err := stream.Send(msg)
		if errors.Is(err, protocol.ErrMessageTooLarge) {
			kind, _ := msg.Kind()
			logging.Op().Error("dropping oversized message", "kind", kind, "error", err)
			if msg = tooLargeReply(msg, err); msg == nil {
				return nil
			}
			err = stream.Send(msg)
		}
		if err != nil {
			return fmt.Errorf("send: %w", err)
		}
		if kind, err := msg.Kind(); err == nil {
			metrics.RecordMessage("out", string(kind))
		}
		return nil
	}

	for {
		select {
		case msg := <-s.out:
			if err := write(msg); err != nil {
				return err
			}
		case <-s.done:
			// Flush what the reader queued before it stopped.
			for {
				select {
				case msg := <-s.out:
					if err := write(msg); err != nil {
						return err
					}
				default:
					return nil
				}
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// tooLargeReply replaces a response the transport refused for its size with
// a failure for the same request. Other messages get no replacement.
func tooLargeReply(msg *protocol.StreamingMessage, err error) *protocol.StreamingMessage {
	failure := protocol.Failure("ResponseTooLarge", err.Error(), "")
	switch {
	case msg.InvocationResponse != nil:
		return &protocol.StreamingMessage{
			RequestID: msg.RequestID,
			InvocationResponse: &protocol.InvocationResponse{
				InvocationID: msg.InvocationResponse.InvocationID,
				Result:       failure,
			},
		}
	case msg.FunctionMetadataResponse != nil:
		return &protocol.StreamingMessage{
			RequestID: msg.RequestID,
			FunctionMetadataResponse: &protocol.FunctionMetadataResponse{
				FunctionMetadataResults: []*protocol.RpcFunctionMetadata{},
				Result:                  failure,
			},
		}
	}
	return nil
}

// send queues msg for the writer. Messages produced after the reader has
// stopped are dropped.
func (s *Session) send(msg *protocol.StreamingMessage) {
	msg.RequestID = s.opts.RequestID
	select {
	case s.out <- msg:
	case <-s.done:
		logging.Op().Debug("dropping message after stream end")
	case <-s.stopped:
	}
}

// goAsync runs a handler whose response is sent later. Terminate and
// reload wait for these through pending. If f panics, the message built by
// fallback is sent in place of its response.
func (s *Session) goAsync(kind protocol.Kind, f func(), fallback func(status *protocol.StatusResult) *protocol.StreamingMessage) {
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		defer func() {
			if r := recover(); r != nil {
				logging.Op().Error("recovered panic in handler", "kind", kind, "panic", r)
				s.send(fallback(protocol.Failure("WorkerPanic", fmt.Sprintf("panic handling %s: %v", kind, r), "")))
			}
		}()
		f()
	}()
}

// waitGroup waits for wg up to timeout.
func waitGroup(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (s *Session) appDirectory() string {
	s.dirMu.Lock()
	defer s.dirMu.Unlock()
	return s.appDir
}

func (s *Session) setAppDirectory(dir string) {
	if dir == "" {
		return
	}
	s.dirMu.Lock()
	s.appDir = dir
	s.dirMu.Unlock()
}

func (s *Session) workerMetadata() *protocol.WorkerMetadata {
	return &protocol.WorkerMetadata{
		RuntimeName:    "go",
		RuntimeVersion: runtime.Version(),
		WorkerVersion:  s.opts.WorkerVersion,
		WorkerBitness:  runtime.GOARCH,
	}
}
