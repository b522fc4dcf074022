package bindings

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/oriys/quasar/internal/datum"
)

// HTTP converts the http datum shape. As a trigger it decodes requests; as
// an output it encodes responses. A plain string or []byte returned to an
// http output becomes a 200 response with that body.
type HTTP struct {
	Trigger bool
}

func (h HTTP) IsTrigger() bool { return h.Trigger }

func (h HTTP) CheckInput(t TypeRef) bool {
	return t == TypeHTTPRequest || t == TypeAny
}

func (h HTTP) CheckOutput(t TypeRef) bool {
	if h.Trigger {
		return false
	}
	switch t {
	case TypeHTTPResponse, TypeString, TypeBytes, TypeAny:
		return true
	}
	return false
}

func (h HTTP) Decode(d datum.Datum, t TypeRef, _ map[string]datum.Datum) (any, error) {
	if d.Type != datum.TypeHTTP {
		return nil, decodeError(d, t)
	}
	wire := d.Value.(*datum.HTTP)
	body, err := bodyBytes(wire.Body)
	if err != nil {
		return nil, err
	}

	switch t {
	case TypeHTTPRequest, TypeAny, TypeNone:
		headers := make(map[string]string, len(wire.Headers))
		for k, v := range wire.Headers {
			headers[strings.ToLower(k)] = v
		}
		return &HTTPRequest{
			Method:  strings.ToUpper(wire.Method),
			URL:     wire.URL,
			Headers: headers,
			Params:  wire.Params,
			Query:   wire.Query,
			Body:    body,
		}, nil
	case TypeHTTPResponse:
		status := http.StatusOK
		if wire.StatusCode != "" {
			status, err = strconv.Atoi(wire.StatusCode)
			if err != nil {
				return nil, fmt.Errorf("invalid status code %q", wire.StatusCode)
			}
		}
		return &HTTPResponse{StatusCode: status, Headers: wire.Headers, Body: body}, nil
	}
	return nil, decodeError(d, t)
}

func (h HTTP) Encode(v any, _ TypeRef) (datum.Datum, error) {
	switch x := v.(type) {
	case *HTTPResponse:
		if x == nil {
			return datum.None(), nil
		}
		status := x.StatusCode
		if status == 0 {
			status = http.StatusOK
		}
		return datum.HTTPValue(&datum.HTTP{
			StatusCode: strconv.Itoa(status),
			Headers:    x.Headers,
			Body:       datum.Bytes(x.Body),
		}), nil
	case *HTTPRequest:
		if x == nil {
			return datum.None(), nil
		}
		return datum.HTTPValue(&datum.HTTP{
			Method:  x.Method,
			URL:     x.URL,
			Headers: x.Headers,
			Params:  x.Params,
			Query:   x.Query,
			Body:    datum.Bytes(x.Body),
		}), nil
	case string:
		return datum.HTTPValue(&datum.HTTP{StatusCode: "200", Body: datum.String(x)}), nil
	case []byte:
		return datum.HTTPValue(&datum.HTTP{StatusCode: "200", Body: datum.Bytes(x)}), nil
	case nil:
		return datum.None(), nil
	}
	return datum.Datum{}, encodeError(v, "http")
}

func bodyBytes(d datum.Datum) ([]byte, error) {
	switch d.Type {
	case "", datum.TypeNone:
		return nil, nil
	case datum.TypeBytes:
		return d.Value.([]byte), nil
	case datum.TypeString, datum.TypeJSON:
		return []byte(d.Value.(string)), nil
	}
	return nil, fmt.Errorf("unsupported http body type %q", d.Type)
}
