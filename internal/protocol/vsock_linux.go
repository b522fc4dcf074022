//go:build linux

package protocol

import (
	"fmt"

	"github.com/mdlayher/vsock"
	"golang.org/x/sys/unix"
)

// DialVsock connects to the host over AF_VSOCK. Used when the worker runs
// inside a microVM and the host listens on the given port.
func DialVsock(port uint32, maxMessageBytes int) (*Codec, error) {
	conn, err := vsock.Dial(unix.VMADDR_CID_HOST, port, nil)
	if err != nil {
		return nil, fmt.Errorf("dial vsock host:%d: %w", port, err)
	}
	return NewCodec(conn).WithMaxMessageBytes(maxMessageBytes), nil
}
