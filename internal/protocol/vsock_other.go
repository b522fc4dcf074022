//go:build !linux

package protocol

import "fmt"

// DialVsock is only available on linux.
func DialVsock(port uint32, maxMessageBytes int) (*Codec, error) {
	return nil, fmt.Errorf("vsock transport is not supported on this platform")
}
