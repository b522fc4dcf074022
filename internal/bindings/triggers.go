package bindings

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/oriys/quasar/internal/datum"
)

// Timer decodes timer trigger payloads.
type Timer struct{}

func (Timer) IsTrigger() bool            { return true }
func (Timer) CheckInput(t TypeRef) bool  { return t == TypeTimerRequest || t == TypeAny }
func (Timer) CheckOutput(_ TypeRef) bool { return false }

func (Timer) Decode(d datum.Datum, t TypeRef, _ map[string]datum.Datum) (any, error) {
	if d.Type != datum.TypeJSON && d.Type != datum.TypeString {
		return nil, decodeError(d, t)
	}
	var req TimerRequest
	if err := json.Unmarshal([]byte(d.Value.(string)), &req); err != nil {
		return nil, fmt.Errorf("invalid timer payload: %w", err)
	}
	return &req, nil
}

func (Timer) Encode(v any, _ TypeRef) (datum.Datum, error) {
	req, ok := v.(*TimerRequest)
	if !ok || req == nil {
		return datum.Datum{}, encodeError(v, "timerTrigger")
	}
	raw, err := json.Marshal(req)
	if err != nil {
		return datum.Datum{}, err
	}
	return datum.JSON(string(raw)), nil
}

// Queue handles queue triggers and queue outputs. Triggered messages pick
// up their delivery fields from the trigger metadata.
type Queue struct {
	Trigger bool
}

func (q Queue) IsTrigger() bool { return q.Trigger }

func (q Queue) CheckInput(t TypeRef) bool {
	switch t {
	case TypeQueueMessage, TypeString, TypeBytes, TypeMap, TypeAny:
		return true
	}
	return false
}

func (q Queue) CheckOutput(t TypeRef) bool {
	if q.Trigger {
		return false
	}
	switch t {
	case TypeQueueMessage, TypeString, TypeBytes, TypeMap, TypeSlice, TypeStrings, TypeAny:
		return true
	}
	return false
}

func (q Queue) Decode(d datum.Datum, t TypeRef, meta map[string]datum.Datum) (any, error) {
	if t != TypeQueueMessage {
		return decodeBasic(d, t)
	}

	var body []byte
	switch d.Type {
	case datum.TypeString, datum.TypeJSON:
		body = []byte(d.Value.(string))
	case datum.TypeBytes:
		body = d.Value.([]byte)
	default:
		return nil, decodeError(d, t)
	}

	msg := &QueueMessage{
		ID:         metaString(meta, "Id"),
		Body:       body,
		PopReceipt: metaString(meta, "PopReceipt"),
	}
	var err error
	if msg.DequeueCount, err = metaInt(meta, "DequeueCount"); err != nil {
		return nil, err
	}
	if msg.InsertionTime, err = metaTime(meta, "InsertionTime"); err != nil {
		return nil, err
	}
	if msg.ExpirationTime, err = metaTime(meta, "ExpirationTime"); err != nil {
		return nil, err
	}
	return msg, nil
}

func (q Queue) Encode(v any, _ TypeRef) (datum.Datum, error) {
	if msg, ok := v.(*QueueMessage); ok {
		if msg == nil {
			return datum.None(), nil
		}
		return datum.Bytes(msg.Body), nil
	}
	d, ok, err := encodeBasic(v)
	if err != nil {
		return datum.Datum{}, err
	}
	if !ok {
		return datum.Datum{}, encodeError(v, "queue")
	}
	return d, nil
}

// Activity is a durable-task style trigger: the function's return value is
// written back to the trigger binding itself.
type Activity struct{}

func (Activity) IsTrigger() bool            { return true }
func (Activity) ImplicitOutput() bool       { return true }
func (Activity) CheckInput(t TypeRef) bool  { return genericTypes[t] }
func (Activity) CheckOutput(t TypeRef) bool { return genericTypes[t] }

func (Activity) Decode(d datum.Datum, t TypeRef, _ map[string]datum.Datum) (any, error) {
	return decodeBasic(d, t)
}

// Encode always produces JSON so that the orchestrator can read the
// activity result regardless of its Go type.
func (Activity) Encode(v any, _ TypeRef) (datum.Datum, error) {
	if v == nil {
		return datum.JSON("null"), nil
	}
	raw, err := marshalJSON(v)
	if err != nil {
		return datum.Datum{}, err
	}
	return datum.JSON(raw), nil
}

func metaString(meta map[string]datum.Datum, key string) string {
	d, ok := meta[key]
	if !ok {
		return ""
	}
	switch d.Type {
	case datum.TypeString:
		return d.Value.(string)
	case datum.TypeJSON:
		raw := d.Value.(string)
		var s string
		if err := json.Unmarshal([]byte(raw), &s); err == nil {
			return s
		}
		return strings.Trim(raw, `"`)
	case datum.TypeInt:
		return strconv.FormatInt(d.Value.(int64), 10)
	}
	return ""
}

func metaInt(meta map[string]datum.Datum, key string) (int64, error) {
	d, ok := meta[key]
	if !ok {
		return 0, nil
	}
	if d.Type == datum.TypeInt {
		return d.Value.(int64), nil
	}
	s := metaString(meta, key)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("trigger metadata %s: %w", key, err)
	}
	return n, nil
}

func metaTime(meta map[string]datum.Datum, key string) (time.Time, error) {
	s := metaString(meta, key)
	if s == "" {
		return time.Time{}, nil
	}
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("trigger metadata %s: %w", key, err)
	}
	return ts, nil
}
