package bindings

import (
	"fmt"
	"io"

	"github.com/oriys/quasar/internal/datum"
)

// Blob handles blob triggers, inputs and outputs. Content is delivered as an
// *InputStream or plain bytes; a *BlobClient parameter is a deferred binding
// resolved from model binding data.
type Blob struct {
	Trigger bool
}

func (b Blob) IsTrigger() bool { return b.Trigger }

func (b Blob) Deferred(t TypeRef) bool { return t == TypeBlobClient }

func (b Blob) CheckInput(t TypeRef) bool {
	switch t {
	case TypeInputStream, TypeBlobClient, TypeBytes, TypeString, TypeAny:
		return true
	}
	return false
}

func (b Blob) CheckOutput(t TypeRef) bool {
	if b.Trigger {
		return false
	}
	switch t {
	case TypeInputStream, TypeBytes, TypeString, TypeAny:
		return true
	}
	return false
}

func (b Blob) Decode(d datum.Datum, t TypeRef, meta map[string]datum.Datum) (any, error) {
	switch t {
	case TypeBlobClient:
		if d.Type != datum.TypeModelBindingData {
			return nil, decodeError(d, t)
		}
		return NewBlobClient(d.Value.(*datum.ModelBindingData))
	case TypeInputStream:
		var data []byte
		switch d.Type {
		case datum.TypeBytes:
			data = d.Value.([]byte)
		case datum.TypeString:
			data = []byte(d.Value.(string))
		default:
			return nil, decodeError(d, t)
		}
		s := NewInputStream(metaString(meta, "BlobTrigger"), data)
		s.URI = metaString(meta, "Uri")
		return s, nil
	}
	return decodeBasic(d, t)
}

func (b Blob) Encode(v any, _ TypeRef) (datum.Datum, error) {
	switch x := v.(type) {
	case *InputStream:
		if x == nil {
			return datum.None(), nil
		}
		return datum.Bytes(x.Bytes()), nil
	case string:
		return datum.String(x), nil
	case []byte:
		return datum.Bytes(x), nil
	case nil:
		return datum.None(), nil
	case io.Reader:
		data, err := io.ReadAll(x)
		if err != nil {
			return datum.Datum{}, fmt.Errorf("read blob output: %w", err)
		}
		return datum.Bytes(data), nil
	}
	return datum.Datum{}, encodeError(v, "blob")
}
