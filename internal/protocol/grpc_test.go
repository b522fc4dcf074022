package protocol

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
)

// echoHost answers every WorkerStatusRequest with a WorkerStatusResponse
// carrying the same request id.
type echoHost struct{}

func (echoHost) EventStream(stream Stream) error {
	for {
		msg, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if msg.WorkerStatusRequest != nil {
			if err := stream.Send(&StreamingMessage{
				RequestID:            msg.RequestID,
				WorkerStatusResponse: &WorkerStatusResponse{},
			}); err != nil {
				return err
			}
		}
	}
}

func TestGRPCStream_RoundTrip(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := grpc.NewServer(grpc.ForceServerCodec(JSONCodec{}))
	RegisterHost(srv, echoHost{})
	go srv.Serve(lis)
	defer srv.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := DialGRPC(ctx, lis.Addr().String(), 0)
	if err != nil {
		t.Fatalf("DialGRPC: %v", err)
	}
	defer stream.CloseSend()

	if err := stream.Send(&StreamingMessage{RequestID: "s1", WorkerStatusRequest: &WorkerStatusRequest{}}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	resp, err := stream.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if resp.RequestID != "s1" || resp.WorkerStatusResponse == nil {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestJSONCodec_Name(t *testing.T) {
	if got := (JSONCodec{}).Name(); got != "json" {
		t.Fatalf("Name() = %q, want json", got)
	}
}
