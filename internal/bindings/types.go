package bindings

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TypeRef names the Go type a function declares for a binding. It is plain
// data so that signatures can be validated without reflection.
type TypeRef string

const (
	TypeNone         TypeRef = ""
	TypeAny          TypeRef = "any"
	TypeString       TypeRef = "string"
	TypeBytes        TypeRef = "[]byte"
	TypeInt64        TypeRef = "int64"
	TypeFloat64      TypeRef = "float64"
	TypeBool         TypeRef = "bool"
	TypeMap          TypeRef = "map[string]any"
	TypeSlice        TypeRef = "[]any"
	TypeStrings      TypeRef = "[]string"
	TypeInt64s       TypeRef = "[]int64"
	TypeFloat64s     TypeRef = "[]float64"
	TypeByteSlices   TypeRef = "[][]byte"
	TypeHTTPRequest  TypeRef = "*HTTPRequest"
	TypeHTTPResponse TypeRef = "*HTTPResponse"
	TypeTimerRequest TypeRef = "*TimerRequest"
	TypeQueueMessage TypeRef = "*QueueMessage"
	TypeInputStream  TypeRef = "*InputStream"
	TypeBlobClient   TypeRef = "*BlobClient"
	TypeSQLClient    TypeRef = "*SQLClient"
)

// Direction is the role a binding plays for its function.
type Direction string

const (
	DirectionIn      Direction = "in"
	DirectionOut     Direction = "out"
	DirectionInOut   Direction = "inout"
	DirectionTrigger Direction = "trigger"
)

// ParseDirection maps a manifest direction string.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(s) {
	case "in", "":
		return DirectionIn, nil
	case "out":
		return DirectionOut, nil
	case "inout":
		return DirectionInOut, nil
	}
	return "", fmt.Errorf("unknown binding direction %q", s)
}

// TypeOf returns the TypeRef of a Go value, or TypeAny for values with no
// dedicated ref.
func TypeOf(v any) TypeRef {
	switch v.(type) {
	case nil:
		return TypeNone
	case string:
		return TypeString
	case []byte:
		return TypeBytes
	case int, int32, int64:
		return TypeInt64
	case float32, float64:
		return TypeFloat64
	case bool:
		return TypeBool
	case map[string]any:
		return TypeMap
	case []any:
		return TypeSlice
	case []string:
		return TypeStrings
	case []int64:
		return TypeInt64s
	case []float64:
		return TypeFloat64s
	case [][]byte:
		return TypeByteSlices
	case *HTTPRequest:
		return TypeHTTPRequest
	case *HTTPResponse:
		return TypeHTTPResponse
	case *TimerRequest:
		return TypeTimerRequest
	case *QueueMessage:
		return TypeQueueMessage
	case *InputStream:
		return TypeInputStream
	case *BlobClient:
		return TypeBlobClient
	case *SQLClient:
		return TypeSQLClient
	}
	return TypeAny
}

// HTTPRequest is the Go form of an incoming HTTP trigger.
type HTTPRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	Params  map[string]string
	Query   map[string]string
	Body    []byte
}

// JSON decodes the request body into v.
func (r *HTTPRequest) JSON(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}

// HTTPResponse is the Go form of an HTTP output binding.
type HTTPResponse struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
}

// NewHTTPResponse returns a response with the given status and body.
func NewHTTPResponse(status int, body []byte) *HTTPResponse {
	return &HTTPResponse{StatusCode: status, Body: body}
}

// TimerRequest is the payload of a timer trigger.
type TimerRequest struct {
	PastDue        bool            `json:"IsPastDue"`
	Schedule       map[string]any  `json:"Schedule,omitempty"`
	ScheduleStatus *ScheduleStatus `json:"ScheduleStatus,omitempty"`
}

type ScheduleStatus struct {
	Last        time.Time `json:"Last"`
	Next        time.Time `json:"Next"`
	LastUpdated time.Time `json:"LastUpdated"`
}

// QueueMessage is a message delivered by a queue trigger. Delivery fields
// come from the trigger metadata.
type QueueMessage struct {
	ID             string
	Body           []byte
	DequeueCount   int64
	PopReceipt     string
	InsertionTime  time.Time
	ExpirationTime time.Time
}

// JSON decodes the message body into v.
func (m *QueueMessage) JSON(v any) error {
	if err := json.Unmarshal(m.Body, v); err != nil {
		return fmt.Errorf("decode queue message: %w", err)
	}
	return nil
}

// InputStream exposes blob content as an io.Reader.
type InputStream struct {
	Name   string
	URI    string
	Length int64

	data   []byte
	reader *bytes.Reader
}

// NewInputStream wraps data in a stream.
func NewInputStream(name string, data []byte) *InputStream {
	return &InputStream{Name: name, Length: int64(len(data)), data: data, reader: bytes.NewReader(data)}
}

func (s *InputStream) Read(p []byte) (int, error) {
	return s.reader.Read(p)
}

// Bytes returns the full content regardless of how much has been read.
func (s *InputStream) Bytes() []byte {
	return s.data
}
