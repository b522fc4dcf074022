package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
)

const (
	// ServiceName is the gRPC service the host exposes.
	ServiceName = "quasar.rpc.FunctionRpc"
	// EventStreamMethod is the full method name of the bidirectional stream.
	EventStreamMethod = "/" + ServiceName + "/EventStream"
)

// JSONCodec is a gRPC codec that marshals messages as JSON. The event
// stream messages are plain Go structs, so the default proto codec cannot
// carry them.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func (JSONCodec) Name() string { return "json" }

func init() {
	encoding.RegisterCodec(JSONCodec{})
}

var eventStreamDesc = grpc.StreamDesc{
	StreamName:    "EventStream",
	ServerStreams: true,
	ClientStreams: true,
}

// GRPCStream adapts a gRPC client stream to Stream.
type GRPCStream struct {
	conn   *grpc.ClientConn
	stream grpc.ClientStream
	cancel context.CancelFunc
}

// DialGRPC connects to the host's gRPC endpoint and opens the event stream.
func DialGRPC(ctx context.Context, addr string, maxMessageBytes int) (*GRPCStream, error) {
	if maxMessageBytes <= 0 {
		maxMessageBytes = DefaultMaxMessageBytes
	}
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.ForceCodec(JSONCodec{}),
			grpc.MaxCallRecvMsgSize(maxMessageBytes),
			grpc.MaxCallSendMsgSize(maxMessageBytes),
		),
		grpc.WithConnectParams(grpc.ConnectParams{
			Backoff:           backoff.DefaultConfig,
			MinConnectTimeout: 5 * time.Second,
		}),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             10 * time.Second,
			PermitWithoutStream: false,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to host gRPC %s: %w", addr, err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	cs, err := conn.NewStream(streamCtx, &eventStreamDesc, EventStreamMethod)
	if err != nil {
		cancel()
		conn.Close()
		return nil, fmt.Errorf("open event stream: %w", err)
	}

	return &GRPCStream{conn: conn, stream: cs, cancel: cancel}, nil
}

// Send reports ErrMessageTooLarge when the client rejects msg for its size.
func (s *GRPCStream) Send(msg *StreamingMessage) error {
	return sendError(s.stream.SendMsg(msg))
}

// Recv returns io.EOF when the host closes the stream normally.
func (s *GRPCStream) Recv() (*StreamingMessage, error) {
	msg := &StreamingMessage{}
	if err := s.stream.RecvMsg(msg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		if status.Code(err) == codes.Canceled {
			return nil, io.EOF
		}
		return nil, err
	}
	return msg, nil
}

// CloseSend half-closes the stream and releases the connection.
func (s *GRPCStream) CloseSend() error {
	err := s.stream.CloseSend()
	s.cancel()
	if cerr := s.conn.Close(); err == nil {
		err = cerr
	}
	return err
}

// HostHandler is implemented by hosts that serve the event stream. It is
// used by tests and by local tooling that stands in for the orchestrator.
type HostHandler interface {
	EventStream(stream Stream) error
}

// serverStream adapts a gRPC server stream to Stream.
type serverStream struct {
	grpc.ServerStream
}

func (s serverStream) Send(msg *StreamingMessage) error { return sendError(s.SendMsg(msg)) }

// sendError maps gRPC's local size check to ErrMessageTooLarge.
func sendError(err error) error {
	if err != nil && status.Code(err) == codes.ResourceExhausted {
		return fmt.Errorf("%w: %s", ErrMessageTooLarge, status.Convert(err).Message())
	}
	return err
}

func (s serverStream) Recv() (*StreamingMessage, error) {
	msg := &StreamingMessage{}
	if err := s.RecvMsg(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (s serverStream) CloseSend() error { return nil }

// RegisterHost registers h as the FunctionRpc service on srv. The server
// must be created with grpc.ForceServerCodec(JSONCodec{}) or the client
// must select the "json" content subtype.
func RegisterHost(srv *grpc.Server, h HostHandler) {
	srv.RegisterService(&grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*HostHandler)(nil),
		Streams: []grpc.StreamDesc{{
			StreamName:    "EventStream",
			ServerStreams: true,
			ClientStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				return srv.(HostHandler).EventStream(serverStream{stream})
			},
		}},
		Metadata: "quasar/rpc.proto",
	}, h)
}
