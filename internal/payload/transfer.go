package payload

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oriys/quasar/internal/datum"
	"github.com/oriys/quasar/internal/metrics"
	"github.com/oriys/quasar/internal/protocol"
)

// DefaultThreshold is the smallest payload moved out of band.
const DefaultThreshold = 1 << 20

// Transfer substitutes large string and bytes datums with shared-memory
// references. It only changes where the bytes live; binding conversion
// sees the same Datum either way.
type Transfer struct {
	store     Store
	threshold int
	ttl       time.Duration
}

// NewTransfer returns a Transfer writing to store. Payloads of threshold
// bytes or more are offloaded and kept for ttl unless the host frees them.
func NewTransfer(store Store, threshold int, ttl time.Duration) *Transfer {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Transfer{store: store, threshold: threshold, ttl: ttl}
}

func (t *Transfer) Threshold() int { return t.threshold }

// Read resolves a shared-memory reference into a Datum.
func (t *Transfer) Read(ctx context.Context, ref *protocol.RpcSharedMemory) (datum.Datum, error) {
	data, err := t.store.Get(ctx, ref.Name, ref.Offset, ref.Count)
	if err != nil {
		return datum.Datum{}, fmt.Errorf("read shared memory %s: %w", ref.Name, err)
	}
	metrics.RecordSharedMemory("in", len(data))

	switch ref.Type {
	case protocol.RpcDataString:
		return datum.String(string(data)), nil
	case protocol.RpcDataBytes, "":
		return datum.Bytes(data), nil
	default:
		return datum.Datum{}, fmt.Errorf("read shared memory %s: unsupported data type %q", ref.Name, ref.Type)
	}
}

// Offload stores d when it is a string or bytes datum at or above the
// threshold and returns its reference. Smaller datums and every other type,
// JSON included, return nil and stay inline.
func (t *Transfer) Offload(ctx context.Context, d datum.Datum) (*protocol.RpcSharedMemory, error) {
	if d.Size() < t.threshold {
		return nil, nil
	}

	var (
		data []byte
		kind protocol.RpcDataType
	)
	switch d.Type {
	case datum.TypeString:
		data, kind = []byte(d.Value.(string)), protocol.RpcDataString
	case datum.TypeBytes:
		data, kind = d.Value.([]byte), protocol.RpcDataBytes
	default:
		// JSON and the rest keep their type tag only inline.
		return nil, nil
	}

	name := "quasar-" + uuid.NewString()
	if err := t.store.Put(ctx, name, data, t.ttl); err != nil {
		return nil, fmt.Errorf("write shared memory: %w", err)
	}
	metrics.RecordSharedMemory("out", len(data))
	return &protocol.RpcSharedMemory{
		Name:   name,
		Offset: 0,
		Count:  int64(len(data)),
		Type:   kind,
	}, nil
}

// Close frees the named regions. The result maps every name to whether it
// was found and freed.
func (t *Transfer) Close(ctx context.Context, names []string) map[string]bool {
	results := make(map[string]bool, len(names))
	for _, name := range names {
		ok, err := t.store.Delete(ctx, name)
		results[name] = err == nil && ok
	}
	return results
}
