package functions

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/oriys/quasar/internal/bindings"
)

// DefaultEntryPoint is used when a spec names no entry point.
const DefaultEntryPoint = "Run"

var (
	ErrModuleNotFound = errors.New("module not found")
	ErrSymbolNotFound = errors.New("symbol not found")
)

// Callable is a function body. The returned value feeds "$return" and any
// implicit output binding; out parameters are written through Args.
type Callable func(ctx context.Context, args *Args) (any, error)

// Param is one declared parameter of an entry point.
type Param struct {
	Name string
	Type bindings.TypeRef
	// Out marks an output parameter, written with Args.Out(name).Set.
	Out bool
}

// Signature describes an entry point's parameters and return type without
// reflection. Async entry points observe cancellation through their context
// and run outside the blocking pool.
type Signature struct {
	Params []Param
	Return bindings.TypeRef
	Async  bool
}

// EntryPoint is a callable with its signature.
type EntryPoint struct {
	Signature
	Call Callable
}

// Module groups the entry points that a manifest's scriptFile refers to.
// Init, when set, runs once before the first entry point is resolved.
type Module struct {
	Name    string
	Init    func() error
	Entries map[string]EntryPoint
}

// ModuleInitError reports a module whose Init failed or panicked.
type ModuleInitError struct {
	Module string
	Err    error
	Stack  string
}

func (e *ModuleInitError) Error() string {
	return fmt.Sprintf("module %s failed to initialise: %v", e.Module, e.Err)
}

func (e *ModuleInitError) Unwrap() error { return e.Err }

// Loader resolves a manifest's scriptFile and entryPoint to a callable.
type Loader interface {
	Resolve(module, symbol string) (EntryPoint, error)
}

type moduleState struct {
	once sync.Once
	err  error
}

// Catalog is the in-process Loader. Apps register their modules at start-up;
// module initialisation happens lazily on first resolve and is remembered,
// including failures, until Reset.
type Catalog struct {
	mu      sync.Mutex
	modules map[string]*Module
	state   map[string]*moduleState
	inits   map[string]int
}

func NewCatalog() *Catalog {
	return &Catalog{
		modules: make(map[string]*Module),
		state:   make(map[string]*moduleState),
		inits:   make(map[string]int),
	}
}

// Register adds or replaces a module.
func (c *Catalog) Register(m *Module) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.modules[m.Name] = m
	delete(c.state, m.Name)
}

// Resolve returns the entry point symbol of module, initialising the module
// first if needed.
func (c *Catalog) Resolve(module, symbol string) (EntryPoint, error) {
	c.mu.Lock()
	m, ok := c.modules[module]
	if !ok {
		c.mu.Unlock()
		return EntryPoint{}, fmt.Errorf("%w: %q", ErrModuleNotFound, module)
	}
	st, ok := c.state[module]
	if !ok {
		st = &moduleState{}
		c.state[module] = st
	}
	c.mu.Unlock()

	st.once.Do(func() {
		st.err = c.initModule(m)
	})
	if st.err != nil {
		return EntryPoint{}, st.err
	}

	ep, ok := m.Entries[symbol]
	if !ok || ep.Call == nil {
		return EntryPoint{}, fmt.Errorf("%w: %q in module %q", ErrSymbolNotFound, symbol, module)
	}
	return ep, nil
}

func (c *Catalog) initModule(m *Module) (err error) {
	c.mu.Lock()
	c.inits[m.Name]++
	c.mu.Unlock()

	if m.Init == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = &ModuleInitError{
				Module: m.Name,
				Err:    fmt.Errorf("panic: %v", r),
				Stack:  SanitizeStack(string(debug.Stack())),
			}
		}
	}()
	if ierr := m.Init(); ierr != nil {
		return &ModuleInitError{Module: m.Name, Err: ierr}
	}
	return nil
}

// Inits reports how many times a module has been initialised.
func (c *Catalog) Inits(module string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inits[module]
}

// Reset forgets initialisation results so that modules run Init again on
// next resolve.
func (c *Catalog) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = make(map[string]*moduleState)
}
