package protocol

import (
	"fmt"
	"net"
	"time"
)

// DialUnix connects to the host over a unix domain socket.
func DialUnix(path string, timeout time.Duration, maxMessageBytes int) (*Codec, error) {
	conn, err := net.DialTimeout("unix", path, timeout)
	if err != nil {
		return nil, fmt.Errorf("dial unix %s: %w", path, err)
	}
	return NewCodec(conn).WithMaxMessageBytes(maxMessageBytes), nil
}
