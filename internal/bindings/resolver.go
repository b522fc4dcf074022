// Package bindings maps binding kinds declared in a function manifest to the
// converters that turn wire datums into Go values and back.
package bindings

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/oriys/quasar/internal/datum"
)

// ErrUnknownKind is returned when no converter is registered for a kind.
var ErrUnknownKind = errors.New("binding kind not registered")

// Converter turns datums of one binding kind into Go values and back.
// CheckInput and CheckOutput are used at load time to validate a
// function's declared parameter and return types.
type Converter interface {
	CheckInput(t TypeRef) bool
	CheckOutput(t TypeRef) bool
	Decode(d datum.Datum, t TypeRef, meta map[string]datum.Datum) (any, error)
	Encode(v any, t TypeRef) (datum.Datum, error)
}

// Trigger is implemented by converters whose kind starts an invocation.
type Trigger interface {
	IsTrigger() bool
}

// ImplicitOutput is implemented by converters whose binding receives the
// function's return value even without a "$return" declaration.
type ImplicitOutput interface {
	ImplicitOutput() bool
}

// DeferredTypes is implemented by converters that hand out SDK clients
// instead of decoded content. Deferred reports whether t is such a type.
type DeferredTypes interface {
	Deferred(t TypeRef) bool
}

// BindingTypeError reports a datum that could not be converted to or from
// the Go type a function declares.
type BindingTypeError struct {
	Binding string
	Kind    string
	Type    TypeRef
	Datum   datum.Type
	Encode  bool
	Reason  string
}

func (e *BindingTypeError) Error() string {
	var b strings.Builder
	if e.Encode {
		b.WriteString("unable to encode outgoing TypedData")
	} else {
		b.WriteString("unable to decode incoming TypedData")
	}
	if e.Binding != "" {
		fmt.Fprintf(&b, " for binding %q", e.Binding)
	}
	b.WriteString(": ")
	switch {
	case e.Reason != "":
		b.WriteString(e.Reason)
	case e.Encode:
		fmt.Fprintf(&b, "unsupported type %q for binding type %q", e.Type, e.Kind)
	default:
		fmt.Fprintf(&b, "unsupported combination of TypedData field %q and expected binding type %q", e.Datum, e.Type)
	}
	return b.String()
}

func decodeError(d datum.Datum, t TypeRef) error {
	return &BindingTypeError{Type: t, Datum: d.Type}
}

func encodeError(v any, kind string) error {
	return &BindingTypeError{Type: TypeOf(v), Kind: kind, Encode: true}
}

// Resolver is the registry of converters keyed by binding kind. It is safe
// for concurrent use; registrations are expected at process start.
type Resolver struct {
	mu         sync.RWMutex
	converters map[string]Converter
}

// NewResolver returns an empty resolver. Use NewDefaultResolver for one
// preloaded with the built-in kinds.
func NewResolver() *Resolver {
	return &Resolver{converters: make(map[string]Converter)}
}

// Register binds kind to c. The last registration for a kind wins.
func (r *Resolver) Register(kind string, c Converter) {
	r.mu.Lock()
	r.converters[kind] = c
	r.mu.Unlock()
}

// Lookup returns the converter for kind.
func (r *Resolver) Lookup(kind string) (Converter, error) {
	r.mu.RLock()
	c, ok := r.converters[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return c, nil
}

// Kinds lists the registered kinds in sorted order.
func (r *Resolver) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.converters))
	for k := range r.converters {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Decode converts d to a value of type t under kind's rules.
func (r *Resolver) Decode(kind string, d datum.Datum, t TypeRef, meta map[string]datum.Datum) (any, error) {
	c, err := r.Lookup(kind)
	if err != nil {
		return nil, &BindingTypeError{Kind: kind, Type: t, Datum: d.Type, Reason: err.Error()}
	}
	v, err := c.Decode(d, t, meta)
	if err != nil {
		return nil, asBindingTypeError(err, kind, t, d.Type, false)
	}
	return v, nil
}

// Encode converts v to a datum under kind's rules. t is the declared type
// of the output, or TypeAny when none was declared.
func (r *Resolver) Encode(kind string, v any, t TypeRef) (datum.Datum, error) {
	c, err := r.Lookup(kind)
	if err != nil {
		return datum.Datum{}, &BindingTypeError{Kind: kind, Type: t, Encode: true, Reason: err.Error()}
	}
	d, err := c.Encode(v, t)
	if err != nil {
		return datum.Datum{}, asBindingTypeError(err, kind, TypeOf(v), "", true)
	}
	return d, nil
}

func asBindingTypeError(err error, kind string, t TypeRef, dt datum.Type, encode bool) error {
	var bte *BindingTypeError
	if errors.As(err, &bte) {
		if bte.Kind == "" {
			bte.Kind = kind
		}
		return bte
	}
	return &BindingTypeError{Kind: kind, Type: t, Datum: dt, Encode: encode, Reason: err.Error()}
}

// IsTriggerBinding reports whether kind starts an invocation. Converters may
// say so explicitly; otherwise the "Trigger" suffix convention applies.
func (r *Resolver) IsTriggerBinding(kind string) bool {
	if c, err := r.Lookup(kind); err == nil {
		if t, ok := c.(Trigger); ok {
			return t.IsTrigger()
		}
	}
	return strings.HasSuffix(strings.ToLower(kind), "trigger")
}

// HasImplicitOutput reports whether kind's binding receives the return value
// without a "$return" declaration.
func (r *Resolver) HasImplicitOutput(kind string) bool {
	c, err := r.Lookup(kind)
	if err != nil {
		return false
	}
	impl, ok := c.(ImplicitOutput)
	return ok && impl.ImplicitOutput()
}

// CheckInput reports whether a parameter of type t can be bound to an input
// of kind with the given manifest dataType.
func (r *Resolver) CheckInput(kind string, t TypeRef, dataType string) bool {
	c, err := r.Lookup(kind)
	if err != nil {
		return false
	}
	return dataTypeAllows(dataType, t) && c.CheckInput(t)
}

// CheckOutput reports whether a value of type t can be written to an output
// of kind.
func (r *Resolver) CheckOutput(kind string, t TypeRef, dataType string) bool {
	c, err := r.Lookup(kind)
	if err != nil {
		return false
	}
	return dataTypeAllows(dataType, t) && c.CheckOutput(t)
}

// DeferredEnabled reports whether a function stays deferred-binding enabled
// after seeing a parameter of type t, and whether that parameter itself is
// deferred. A deferred parameter always turns function-level support on.
func (r *Resolver) DeferredEnabled(t TypeRef, functionEnabled bool) (bool, bool) {
	deferred := r.isDeferred(t)
	return functionEnabled || deferred, deferred
}

func (r *Resolver) isDeferred(t TypeRef) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.converters {
		if d, ok := c.(DeferredTypes); ok && d.Deferred(t) {
			return true
		}
	}
	return false
}

// dataTypeAllows applies the manifest's optional dataType hint. The hint
// only narrows primitive types; structured types decide for themselves.
func dataTypeAllows(dataType string, t TypeRef) bool {
	structured := strings.HasPrefix(string(t), "*")
	switch strings.ToLower(dataType) {
	case "", "undefined":
		return true
	case "string":
		return structured || t == TypeAny || t == TypeString || t == TypeStrings
	case "binary", "stream":
		return structured || t == TypeAny || t == TypeBytes || t == TypeByteSlices
	default:
		return false
	}
}
