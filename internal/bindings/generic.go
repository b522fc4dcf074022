package bindings

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/oriys/quasar/internal/datum"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Generic converts between datums and plain Go values. It backs every kind
// without dedicated rules and is the fallback for the built-in converters.
type Generic struct {
	Kind string
}

var genericTypes = map[TypeRef]bool{
	TypeNone:       true,
	TypeAny:        true,
	TypeString:     true,
	TypeBytes:      true,
	TypeInt64:      true,
	TypeFloat64:    true,
	TypeBool:       true,
	TypeMap:        true,
	TypeSlice:      true,
	TypeStrings:    true,
	TypeInt64s:     true,
	TypeFloat64s:   true,
	TypeByteSlices: true,
}

func (g Generic) CheckInput(t TypeRef) bool  { return genericTypes[t] }
func (g Generic) CheckOutput(t TypeRef) bool { return genericTypes[t] }

func (g Generic) Decode(d datum.Datum, t TypeRef, _ map[string]datum.Datum) (any, error) {
	return decodeBasic(d, t)
}

func (g Generic) Encode(v any, _ TypeRef) (datum.Datum, error) {
	d, ok, err := encodeBasic(v)
	if err != nil {
		return datum.Datum{}, err
	}
	if !ok {
		return datum.Datum{}, encodeError(v, g.Kind)
	}
	return d, nil
}

// decodeBasic converts d to one of the plain Go types. TypeAny and TypeNone
// yield the datum's natural Go value.
func decodeBasic(d datum.Datum, t TypeRef) (any, error) {
	if d.IsNone() {
		return nil, nil
	}

	switch t {
	case TypeAny, TypeNone:
		if d.Type == datum.TypeJSON {
			return parseJSON(d.Value.(string))
		}
		if d.Type == datum.TypeHTTP || d.Type == datum.TypeModelBindingData {
			return nil, decodeError(d, t)
		}
		return d.Value, nil

	case TypeString:
		switch d.Type {
		case datum.TypeString, datum.TypeJSON:
			return d.Value.(string), nil
		case datum.TypeBytes:
			return string(d.Value.([]byte)), nil
		}

	case TypeBytes:
		switch d.Type {
		case datum.TypeBytes:
			return d.Value.([]byte), nil
		case datum.TypeString, datum.TypeJSON:
			return []byte(d.Value.(string)), nil
		}

	case TypeInt64:
		if d.Type == datum.TypeInt {
			return d.Value.(int64), nil
		}

	case TypeFloat64:
		switch d.Type {
		case datum.TypeDouble:
			return d.Value.(float64), nil
		case datum.TypeInt:
			return float64(d.Value.(int64)), nil
		}

	case TypeBool:
		if d.Type == datum.TypeJSON {
			v, err := parseJSON(d.Value.(string))
			if err != nil {
				return nil, err
			}
			if b, ok := v.(bool); ok {
				return b, nil
			}
		}

	case TypeMap, TypeSlice:
		if d.Type != datum.TypeJSON {
			break
		}
		v, err := parseJSON(d.Value.(string))
		if err != nil {
			return nil, err
		}
		if m, ok := v.(map[string]any); ok && t == TypeMap {
			return m, nil
		}
		if s, ok := v.([]any); ok && t == TypeSlice {
			return s, nil
		}

	case TypeStrings:
		if d.Type == datum.TypeCollectionString {
			return d.Value.([]string), nil
		}
	case TypeInt64s:
		if d.Type == datum.TypeCollectionSint64 {
			return d.Value.([]int64), nil
		}
	case TypeFloat64s:
		if d.Type == datum.TypeCollectionDouble {
			return d.Value.([]float64), nil
		}
	case TypeByteSlices:
		if d.Type == datum.TypeCollectionBytes {
			return d.Value.([][]byte), nil
		}
	}

	return nil, decodeError(d, t)
}

// encodeBasic converts plain Go values to datums. ok is false when v has no
// basic representation; err is set when v looked JSON-shaped but could not
// be represented.
func encodeBasic(v any) (datum.Datum, bool, error) {
	switch x := v.(type) {
	case nil:
		return datum.None(), true, nil
	case datum.Datum:
		return x, true, nil
	case string:
		return datum.String(x), true, nil
	case []byte:
		return datum.Bytes(x), true, nil
	case int:
		return datum.Int(int64(x)), true, nil
	case int32:
		return datum.Int(int64(x)), true, nil
	case int64:
		return datum.Int(x), true, nil
	case float32:
		return datum.Double(float64(x)), true, nil
	case float64:
		return datum.Double(x), true, nil
	case []string:
		return datum.Strings(x), true, nil
	case []int64:
		return datum.Int64s(x), true, nil
	case []float64:
		return datum.Doubles(x), true, nil
	case [][]byte:
		return datum.ByteSlices(x), true, nil
	}

	if !jsonShaped(v) {
		return datum.Datum{}, false, nil
	}
	raw, err := marshalJSON(v)
	if err != nil {
		return datum.Datum{}, false, err
	}
	return datum.JSON(raw), true, nil
}

// jsonShaped reports whether v is a value we serialise as JSON: bools,
// maps, slices and structs.
func jsonShaped(v any) bool {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return false
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Bool, reflect.Map, reflect.Slice, reflect.Array, reflect.Struct:
		return true
	}
	return false
}

// marshalJSON normalises v through structpb so that values with no JSON
// representation (NaN, channels, non-string map keys) fail closed.
func marshalJSON(v any) (string, error) {
	pv, err := structpb.NewValue(v)
	if err != nil {
		// Structs and typed maps are not accepted by structpb directly;
		// go through encoding/json first and normalise the result.
		raw, jerr := json.Marshal(v)
		if jerr != nil {
			return "", fmt.Errorf("value of type %T is not JSON-representable: %w", v, jerr)
		}
		var generic any
		if jerr := json.Unmarshal(raw, &generic); jerr != nil {
			return "", fmt.Errorf("value of type %T is not JSON-representable: %w", v, jerr)
		}
		if pv, err = structpb.NewValue(generic); err != nil {
			return "", fmt.Errorf("value of type %T is not JSON-representable: %w", v, err)
		}
	}
	raw, err := json.Marshal(pv.AsInterface())
	if err != nil {
		return "", fmt.Errorf("value of type %T is not JSON-representable: %w", v, err)
	}
	return string(raw), nil
}

// parseJSON parses raw through protojson so that malformed documents are
// rejected with a precise error.
func parseJSON(raw string) (any, error) {
	var pv structpb.Value
	if err := protojson.Unmarshal([]byte(raw), &pv); err != nil {
		return nil, fmt.Errorf("invalid JSON payload: %w", err)
	}
	return pv.AsInterface(), nil
}
