// Package functions indexes the functions of an app, validates their binding
// declarations against entry point signatures and keeps the loaded records
// that invocations run against.
package functions

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/oriys/quasar/internal/bindings"
	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/metrics"
	"github.com/oriys/quasar/internal/protocol"
	"golang.org/x/sync/singleflight"
)

// ReturnBinding is the pseudo-binding that receives a function's return
// value.
const ReturnBinding = "$return"

// functionNamespace seeds deterministic function ids.
var functionNamespace = uuid.MustParse("6f0b5b8e-3c1a-4f43-9a57-2d8c0e5a7b11")

// FunctionID returns the id of the function name in app dir. Indexing the
// same app twice yields the same ids.
func FunctionID(dir, name string) string {
	return uuid.NewSHA1(functionNamespace, []byte(dir+"\x00"+name)).String()
}

// LoadError reports a function that could not be indexed or loaded. It never
// affects other functions.
type LoadError struct {
	Function string
	Err      error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("cannot load the %s function: %v", e.Function, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

func loadErrorf(fn, format string, args ...any) *LoadError {
	return &LoadError{Function: fn, Err: fmt.Errorf(format, args...)}
}

// LoadFailure is the status reported to the host for a failed index or
// load. It carries the module's init stack when there is one.
func LoadFailure(err error) *protocol.StatusResult {
	var stack string
	var mie *ModuleInitError
	if errors.As(err, &mie) {
		stack = mie.Stack
	}
	return protocol.Failure("FunctionLoadError", err.Error(), stack)
}

// Binding is a validated binding of a loaded function.
type Binding struct {
	Name      string
	Kind      string
	Direction bindings.Direction
	DataType  string
	// Type is the Go type of the matching parameter, or of the return value
	// for "$return" and implicit outputs.
	Type     bindings.TypeRef
	Deferred bool
}

// Record is an immutable, loaded function.
type Record struct {
	ID         string
	Name       string
	Directory  string
	ScriptFile string
	EntryPoint string

	// Bindings in manifest order.
	Bindings []Binding
	// Inputs are the trigger and in bindings with a matching parameter.
	Inputs []Binding
	// Outputs are explicit out parameters.
	Outputs []Binding
	// Return is the "$return" binding, if declared.
	Return *Binding
	// Implicit is the trigger binding that also receives the return value.
	Implicit *Binding

	ReturnType       bindings.TypeRef
	Async            bool
	DeferredBindings bool
	Call             Callable
}

// OutputNames lists the out parameter names.
func (r *Record) OutputNames() []string {
	names := make([]string, len(r.Outputs))
	for i, b := range r.Outputs {
		names[i] = b.Name
	}
	return names
}

// Metadata returns the wire form of the record.
func (r *Record) Metadata() *protocol.RpcFunctionMetadata {
	md := &protocol.RpcFunctionMetadata{
		FunctionID: r.ID,
		Name:       r.Name,
		Directory:  r.Directory,
		ScriptFile: r.ScriptFile,
		EntryPoint: r.EntryPoint,
		Bindings:   make([]*protocol.BindingInfo, 0, len(r.Bindings)),
	}
	for _, b := range r.Bindings {
		dir := protocol.DirectionIn
		if b.Direction == bindings.DirectionOut {
			dir = protocol.DirectionOut
		}
		md.Bindings = append(md.Bindings, &protocol.BindingInfo{
			Name:      b.Name,
			Type:      b.Kind,
			Direction: dir,
			DataType:  b.DataType,
		})
	}
	return md
}

// IndexResult is the outcome for one function of a manifest. Exactly one
// of Record and Err is set.
type IndexResult struct {
	Name     string
	ID       string
	Metadata *protocol.RpcFunctionMetadata
	Record   *Record
	Err      error
}

// Options configures a Registry.
type Options struct {
	Resolver *bindings.Resolver
	Loader   Loader
	// DeferredBindings allows SDK-type bindings. It mirrors the negotiated
	// capability.
	DeferredBindings bool
}

// Registry owns the function records of an app.
type Registry struct {
	resolver *bindings.Resolver
	loader   Loader
	deferred bool

	mu      sync.RWMutex
	indexed map[string]*Record
	loaded  map[string]*Record
	group   singleflight.Group
}

func NewRegistry(opts Options) *Registry {
	if opts.Resolver == nil {
		opts.Resolver = bindings.NewDefaultResolver()
	}
	return &Registry{
		resolver: opts.Resolver,
		loader:   opts.Loader,
		deferred: opts.DeferredBindings,
		indexed:  make(map[string]*Record),
		loaded:   make(map[string]*Record),
	}
}

// Resolver returns the binding resolver records were validated against.
func (r *Registry) Resolver() *bindings.Resolver {
	return r.resolver
}

// Index validates every function of m. A failing function yields an
// IndexResult with Err set and does not stop the others. Successful records
// are remembered so that a later Load of their id needs no metadata.
func (r *Registry) Index(m *Manifest) []IndexResult {
	results := make([]IndexResult, 0, len(m.Functions))
	for i := range m.Functions {
		spec := m.Functions[i]
		if spec.Disabled {
			continue
		}
		id := FunctionID(m.Dir, spec.Name)
		rec, err := r.build(id, m.Dir, spec)
		res := IndexResult{Name: spec.Name, ID: id, Metadata: spec.Metadata(id, m.Dir)}
		if err != nil {
			res.Err = err
			res.Metadata.Status = LoadFailure(err)
			metrics.RecordLoad("index", false)
			logging.Op().Warn("function index failed", "function", spec.Name, "error", err)
		} else {
			res.Record = rec
			res.Metadata.Status = protocol.Success()
			r.mu.Lock()
			r.indexed[id] = rec
			r.mu.Unlock()
			metrics.RecordLoad("index", true)
		}
		results = append(results, res)
	}
	return results
}

// Load returns the record for id. Metadata is required only for functions
// that were not indexed by this worker. Concurrent loads of the same id run
// once and share the outcome; a loaded record is cached.
func (r *Registry) Load(id string, md *protocol.RpcFunctionMetadata) (*Record, error) {
	if rec, ok := r.Get(id); ok {
		return rec, nil
	}

	v, err, _ := r.group.Do(id, func() (any, error) {
		if rec, ok := r.Get(id); ok {
			return rec, nil
		}

		r.mu.RLock()
		rec, ok := r.indexed[id]
		r.mu.RUnlock()

		if !ok {
			if md == nil {
				return nil, &LoadError{Function: id, Err: fmt.Errorf("function was not indexed and no metadata was sent")}
			}
			var err error
			rec, err = r.build(id, md.Directory, SpecFromMetadata(md))
			if err != nil {
				return nil, err
			}
		}

		r.mu.Lock()
		r.loaded[id] = rec
		r.mu.Unlock()
		logging.Op().Info("function loaded", "function", rec.Name, "id", id, "async", rec.Async)
		return rec, nil
	})
	if err != nil {
		metrics.RecordLoad("load", false)
		return nil, err
	}
	metrics.RecordLoad("load", true)
	return v.(*Record), nil
}

// Get returns a loaded record.
func (r *Registry) Get(id string) (*Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.loaded[id]
	return rec, ok
}

// Len reports the number of loaded functions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.loaded)
}

// Reset drops all indexed and loaded records. Loaders that cache module
// state are reset too.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.indexed = make(map[string]*Record)
	r.loaded = make(map[string]*Record)
	r.mu.Unlock()
	if rl, ok := r.loader.(interface{ Reset() }); ok {
		rl.Reset()
	}
}

func (r *Registry) build(id, dir string, spec FunctionSpec) (*Record, error) {
	if err := spec.Validate(); err != nil {
		return nil, &LoadError{Function: spec.Name, Err: err}
	}
	if r.loader == nil {
		return nil, &LoadError{Function: spec.Name, Err: fmt.Errorf("no loader configured")}
	}
	ep, err := r.loader.Resolve(spec.ScriptFile, spec.EntryPoint)
	if err != nil {
		return nil, &LoadError{Function: spec.Name, Err: err}
	}
	rec, err := r.validate(spec, ep)
	if err != nil {
		return nil, err
	}
	rec.ID = id
	rec.Directory = dir
	return rec, nil
}

// validate cross-checks the manifest bindings of spec against the entry
// point's signature.
func (r *Registry) validate(spec FunctionSpec, ep EntryPoint) (*Record, error) {
	fn := spec.Name
	rec := &Record{
		Name:       fn,
		ScriptFile: spec.ScriptFile,
		EntryPoint: spec.EntryPoint,
		ReturnType: ep.Return,
		Async:      ep.Async,
		Call:       ep.Call,
	}

	// Directions first: they do not depend on the signature.
	bound := make(map[string]BindingSpec, len(spec.Bindings))
	dirs := make(map[string]bindings.Direction, len(spec.Bindings))
	var ret *BindingSpec
	for i := range spec.Bindings {
		b := spec.Bindings[i]
		dir, err := bindings.ParseDirection(b.Direction)
		if err != nil {
			return nil, &LoadError{Function: fn, Err: err}
		}
		if dir == bindings.DirectionInOut {
			return nil, loadErrorf(fn, `"inout" bindings are not supported`)
		}
		if b.Name == ReturnBinding {
			if dir != bindings.DirectionOut {
				return nil, loadErrorf(fn, `%q binding must have direction set to "out"`, ReturnBinding)
			}
			ret = &b
			continue
		}
		if dir == bindings.DirectionIn && r.resolver.IsTriggerBinding(b.Type) {
			dir = bindings.DirectionTrigger
		}
		bound[b.Name] = b
		dirs[b.Name] = dir
	}

	params := make(map[string]Param, len(ep.Params))
	var missing []string
	for _, p := range ep.Params {
		params[p.Name] = p
		if _, ok := bound[p.Name]; !ok {
			missing = append(missing, p.Name)
		}
	}
	if len(missing) > 0 {
		return nil, loadErrorf(fn,
			"the following parameters are declared in the function signature but not in the manifest: %s",
			quoteList(missing))
	}

	var unbound []string
	for name, b := range bound {
		if _, ok := params[name]; ok {
			continue
		}
		if r.resolver.HasImplicitOutput(b.Type) {
			continue
		}
		unbound = append(unbound, name)
	}
	if len(unbound) > 0 {
		return nil, loadErrorf(fn,
			"the following parameters are declared in the manifest but not in the function signature: %s",
			quoteList(unbound))
	}

	for _, b := range spec.Bindings {
		if b.Name == ReturnBinding {
			continue
		}
		dir := dirs[b.Name]
		p, hasParam := params[b.Name]
		binding := Binding{
			Name:      b.Name,
			Kind:      b.Type,
			Direction: dir,
			DataType:  b.DataType,
			Type:      p.Type,
		}

		if hasParam {
			if err := r.checkParam(fn, b, dir, p); err != nil {
				return nil, err
			}
			var deferred bool
			rec.DeferredBindings, deferred = r.resolver.DeferredEnabled(p.Type, rec.DeferredBindings)
			if deferred {
				if !r.deferred {
					return nil, loadErrorf(fn, "binding %s uses SDK type %q but deferred bindings are disabled", b.Name, p.Type)
				}
				if !rec.DeferredBindings {
					return nil, loadErrorf(fn, "binding %s uses SDK type %q but the function does not support deferred bindings", b.Name, p.Type)
				}
				binding.Deferred = true
			}
		}

		if r.resolver.HasImplicitOutput(b.Type) && rec.Implicit == nil {
			implicit := binding
			implicit.Type = ep.Return
			rec.Implicit = &implicit
		}

		rec.Bindings = append(rec.Bindings, binding)
		if !hasParam {
			continue
		}
		if dir == bindings.DirectionOut {
			rec.Outputs = append(rec.Outputs, binding)
		} else {
			rec.Inputs = append(rec.Inputs, binding)
		}
	}

	if err := r.checkReturn(fn, ret, rec, ep.Return); err != nil {
		return nil, err
	}
	if ret != nil {
		rec.Return = &Binding{
			Name:      ReturnBinding,
			Kind:      ret.Type,
			Direction: bindings.DirectionOut,
			DataType:  ret.DataType,
			Type:      ep.Return,
		}
		// "$return" goes last so manifest order is kept for the rest.
		rec.Bindings = append(rec.Bindings, *rec.Return)
	}
	return rec, nil
}

func (r *Registry) checkParam(fn string, b BindingSpec, dir bindings.Direction, p Param) error {
	switch {
	case dir == bindings.DirectionOut && !p.Out:
		return loadErrorf(fn, `binding %s is declared to have the "out" direction, but its parameter is not an output parameter`, b.Name)
	case dir != bindings.DirectionOut && p.Out:
		return loadErrorf(fn, `binding %s is declared to have the "in" direction, but its parameter is an output parameter`, b.Name)
	}

	check := r.resolver.CheckInput
	if dir == bindings.DirectionOut {
		check = r.resolver.CheckOutput
	}
	if check(b.Type, p.Type, b.DataType) {
		return nil
	}
	if b.DataType != "" && check(b.Type, p.Type, "") {
		return loadErrorf(fn, `binding type %q and dataType %q in the manifest do not match the corresponding function parameter's type %q`,
			b.Type, b.DataType, p.Type)
	}
	return loadErrorf(fn, `type of %s binding in the manifest %q does not match its declared type %q`, b.Name, b.Type, p.Type)
}

// checkReturn validates where the return value goes. Explicit "$return"
// always wins; an implicit output receives the same value, so its kind must
// accept the return type as well.
func (r *Registry) checkReturn(fn string, ret *BindingSpec, rec *Record, rt bindings.TypeRef) error {
	if ret != nil {
		if rt == bindings.TypeNone {
			return loadErrorf(fn, `function has a %q binding but its entry point returns no value`, ReturnBinding)
		}
		if !r.resolver.CheckOutput(ret.Type, rt, ret.DataType) {
			return loadErrorf(fn, `return type %q does not match binding type %q`, rt, ret.Type)
		}
	}

	if rec.Implicit != nil && rt != bindings.TypeNone {
		if !r.resolver.CheckOutput(rec.Implicit.Kind, rt, "") {
			if ret != nil {
				return loadErrorf(fn, `return type %q is written to %q and to implicit output %s, but binding type %q cannot represent it`,
					rt, ReturnBinding, rec.Implicit.Name, rec.Implicit.Kind)
			}
			return loadErrorf(fn, `return type %q does not match binding type %q`, rt, rec.Implicit.Kind)
		}
	}

	if ret == nil && rec.Implicit == nil && rt != bindings.TypeNone {
		return loadErrorf(fn, `entry point returns %q but the manifest declares no %q binding`, rt, ReturnBinding)
	}
	return nil
}

func quoteList(names []string) string {
	sort.Strings(names)
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = "'" + n + "'"
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}
