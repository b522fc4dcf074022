// Package payload moves large invocation payloads out of band. Values above
// the inline threshold are written to a Store and referenced on the stream
// by name; the host reads them back and releases them when done.
package payload

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a named payload does not exist or expired.
var ErrNotFound = errors.New("payload: not found")

// Store holds named byte payloads with a TTL. All operations are safe for
// concurrent use.
type Store interface {
	// Put stores data under name. A zero TTL means no expiry.
	Put(ctx context.Context, name string, data []byte, ttl time.Duration) error

	// Get returns count bytes of name starting at offset. A count of zero or
	// less reads to the end.
	Get(ctx context.Context, name string, offset, count int64) ([]byte, error)

	// Delete removes name and reports whether it existed.
	Delete(ctx context.Context, name string) (bool, error)

	// Ping verifies connectivity to the backend.
	Ping(ctx context.Context) error

	// Close releases the store's resources.
	Close() error
}

func sliceRange(data []byte, offset, count int64) ([]byte, error) {
	if offset < 0 || offset > int64(len(data)) {
		return nil, errors.New("payload: offset out of range")
	}
	end := int64(len(data))
	if count > 0 && offset+count < end {
		end = offset + count
	}
	out := make([]byte, end-offset)
	copy(out, data[offset:end])
	return out, nil
}
