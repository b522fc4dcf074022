// Package datum implements the worker's tagged wire value. A Datum carries
// exactly one concrete value and knows how to move between its wire form
// (protocol.TypedData) and the Go value it holds.
package datum

import (
	"fmt"

	"github.com/oriys/quasar/internal/protocol"
)

// Type is the populated variant of a Datum.
type Type string

const (
	TypeNone             Type = "none"
	TypeString           Type = "string"
	TypeBytes            Type = "bytes"
	TypeJSON             Type = "json"
	TypeInt              Type = "int"
	TypeDouble           Type = "double"
	TypeHTTP             Type = "http"
	TypeCollectionBytes  Type = "collection_bytes"
	TypeCollectionString Type = "collection_string"
	TypeCollectionDouble Type = "collection_double"
	TypeCollectionSint64 Type = "collection_sint64"
	TypeModelBindingData Type = "model_binding_data"
)

// Datum is a tagged value. The Go type of Value is fixed by Type:
//
//	string, json       string
//	bytes              []byte
//	int                int64
//	double             float64
//	http               *HTTP
//	collection_*       [][]byte, []string, []float64, []int64
//	model_binding_data *ModelBindingData
//	none               nil
type Datum struct {
	Type  Type
	Value any
}

// HTTP is the HTTP request/response shape of a Datum.
type HTTP struct {
	Method     string
	URL        string
	Headers    map[string]string
	Params     map[string]string
	Query      map[string]string
	StatusCode string
	Body       Datum
}

// ModelBindingData references an SDK-bound resource.
type ModelBindingData struct {
	Version     string
	Source      string
	ContentType string
	Content     []byte
}

func None() Datum                 { return Datum{Type: TypeNone} }
func String(s string) Datum       { return Datum{Type: TypeString, Value: s} }
func Bytes(b []byte) Datum        { return Datum{Type: TypeBytes, Value: b} }
func JSON(raw string) Datum       { return Datum{Type: TypeJSON, Value: raw} }
func Int(i int64) Datum           { return Datum{Type: TypeInt, Value: i} }
func Double(f float64) Datum      { return Datum{Type: TypeDouble, Value: f} }
func HTTPValue(h *HTTP) Datum     { return Datum{Type: TypeHTTP, Value: h} }
func Strings(s []string) Datum    { return Datum{Type: TypeCollectionString, Value: s} }
func Int64s(i []int64) Datum      { return Datum{Type: TypeCollectionSint64, Value: i} }
func Doubles(f []float64) Datum   { return Datum{Type: TypeCollectionDouble, Value: f} }
func ByteSlices(b [][]byte) Datum { return Datum{Type: TypeCollectionBytes, Value: b} }

func ModelBinding(m *ModelBindingData) Datum {
	return Datum{Type: TypeModelBindingData, Value: m}
}

// IsNone reports whether the datum carries no value.
func (d Datum) IsNone() bool {
	return d.Type == "" || d.Type == TypeNone
}

// Size returns the payload size in bytes for string and bytes datums, and
// zero for everything else. Used to decide on shared-memory transfer.
func (d Datum) Size() int {
	switch v := d.Value.(type) {
	case string:
		return len(v)
	case []byte:
		return len(v)
	}
	return 0
}

func (d Datum) String() string {
	return fmt.Sprintf("Datum<%s>", d.Type)
}

// FromTypedData converts a wire value into a Datum. A nil TypedData or one
// with no field set yields a none Datum; more than one field set is an error.
func FromTypedData(td *protocol.TypedData) (Datum, error) {
	if td == nil {
		return None(), nil
	}

	var (
		out Datum
		n   int
	)
	set := func(d Datum) {
		out = d
		n++
	}

	if td.String != nil {
		set(String(*td.String))
	}
	if td.JSON != nil {
		set(JSON(*td.JSON))
	}
	if td.Bytes != nil {
		set(Bytes(td.Bytes))
	}
	if td.Stream != nil {
		set(Bytes(td.Stream))
	}
	if td.Int != nil {
		set(Int(*td.Int))
	}
	if td.Double != nil {
		set(Double(*td.Double))
	}
	if td.HTTP != nil {
		h, err := httpFromWire(td.HTTP)
		if err != nil {
			return Datum{}, err
		}
		set(HTTPValue(h))
	}
	if td.CollectionBytes != nil {
		set(ByteSlices(td.CollectionBytes.Bytes))
	}
	if td.CollectionString != nil {
		set(Strings(td.CollectionString.String))
	}
	if td.CollectionDouble != nil {
		set(Doubles(td.CollectionDouble.Double))
	}
	if td.CollectionSint64 != nil {
		set(Int64s(td.CollectionSint64.Sint64))
	}
	if td.ModelBindingData != nil {
		m := td.ModelBindingData
		set(ModelBinding(&ModelBindingData{
			Version:     m.Version,
			Source:      m.Source,
			ContentType: m.ContentType,
			Content:     m.Content,
		}))
	}

	switch n {
	case 0:
		return None(), nil
	case 1:
		return out, nil
	default:
		return Datum{}, fmt.Errorf("typed data has %d populated variants, want exactly one", n)
	}
}

// TypedData converts the Datum to its wire form. It fails when Value does
// not have the Go type required by Type.
func (d Datum) TypedData() (*protocol.TypedData, error) {
	td := &protocol.TypedData{}
	ok := true

	switch d.Type {
	case "", TypeNone:
	case TypeString:
		var s string
		s, ok = d.Value.(string)
		td.String = &s
	case TypeJSON:
		var s string
		s, ok = d.Value.(string)
		td.JSON = &s
	case TypeBytes:
		var b []byte
		b, ok = d.Value.([]byte)
		if b == nil {
			b = []byte{}
		}
		td.Bytes = b
	case TypeInt:
		var i int64
		i, ok = d.Value.(int64)
		td.Int = &i
	case TypeDouble:
		var f float64
		f, ok = d.Value.(float64)
		td.Double = &f
	case TypeHTTP:
		var h *HTTP
		h, ok = d.Value.(*HTTP)
		if ok && h != nil {
			wire, err := httpToWire(h)
			if err != nil {
				return nil, err
			}
			td.HTTP = wire
		}
	case TypeCollectionBytes:
		var v [][]byte
		v, ok = d.Value.([][]byte)
		td.CollectionBytes = &protocol.CollectionBytes{Bytes: v}
	case TypeCollectionString:
		var v []string
		v, ok = d.Value.([]string)
		td.CollectionString = &protocol.CollectionString{String: v}
	case TypeCollectionDouble:
		var v []float64
		v, ok = d.Value.([]float64)
		td.CollectionDouble = &protocol.CollectionDouble{Double: v}
	case TypeCollectionSint64:
		var v []int64
		v, ok = d.Value.([]int64)
		td.CollectionSint64 = &protocol.CollectionSint64{Sint64: v}
	case TypeModelBindingData:
		var m *ModelBindingData
		m, ok = d.Value.(*ModelBindingData)
		if ok && m != nil {
			td.ModelBindingData = &protocol.ModelBindingData{
				Version:     m.Version,
				Source:      m.Source,
				ContentType: m.ContentType,
				Content:     m.Content,
			}
		}
	default:
		return nil, fmt.Errorf("unsupported datum type %q", d.Type)
	}

	if !ok {
		return nil, fmt.Errorf("datum of type %q holds %T", d.Type, d.Value)
	}
	return td, nil
}

func httpFromWire(h *protocol.RpcHTTP) (*HTTP, error) {
	body, err := FromTypedData(h.Body)
	if err != nil {
		return nil, fmt.Errorf("http body: %w", err)
	}
	return &HTTP{
		Method:     h.Method,
		URL:        h.URL,
		Headers:    h.Headers,
		Params:     h.Params,
		Query:      h.Query,
		StatusCode: h.StatusCode,
		Body:       body,
	}, nil
}

func httpToWire(h *HTTP) (*protocol.RpcHTTP, error) {
	out := &protocol.RpcHTTP{
		Method:     h.Method,
		URL:        h.URL,
		Headers:    h.Headers,
		Params:     h.Params,
		Query:      h.Query,
		StatusCode: h.StatusCode,
	}
	if !h.Body.IsNone() {
		body, err := h.Body.TypedData()
		if err != nil {
			return nil, fmt.Errorf("http body: %w", err)
		}
		out.Body = body
	}
	return out, nil
}
