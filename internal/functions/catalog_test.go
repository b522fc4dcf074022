package functions

import (
	"errors"
	"strings"
	"testing"
)

func TestCatalogResolve(t *testing.T) {
	c := NewCatalog()
	c.Register(&Module{Name: "m", Entries: map[string]EntryPoint{"Run": {Call: noop}}})

	if _, err := c.Resolve("m", "Run"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, err := c.Resolve("nope", "Run"); !errors.Is(err, ErrModuleNotFound) {
		t.Fatalf("unknown module: %v", err)
	}
	if _, err := c.Resolve("m", "Missing"); !errors.Is(err, ErrSymbolNotFound) {
		t.Fatalf("unknown symbol: %v", err)
	}
	if got := c.Inits("m"); got != 1 {
		t.Fatalf("module initialised %d times, want 1", got)
	}
}

func TestCatalogInitFailureIsRemembered(t *testing.T) {
	calls := 0
	c := NewCatalog()
	c.Register(&Module{
		Name: "bad",
		Init: func() error {
			calls++
			return errors.New("no database")
		},
		Entries: map[string]EntryPoint{"Run": {Call: noop}},
	})

	for i := 0; i < 3; i++ {
		_, err := c.Resolve("bad", "Run")
		var ie *ModuleInitError
		if !errors.As(err, &ie) || ie.Module != "bad" {
			t.Fatalf("resolve %d: %v", i, err)
		}
	}
	if calls != 1 {
		t.Fatalf("Init ran %d times, want 1", calls)
	}

	c.Reset()
	if _, err := c.Resolve("bad", "Run"); err == nil {
		t.Fatal("expected init error after reset")
	}
	if calls != 2 {
		t.Fatalf("Init ran %d times after reset, want 2", calls)
	}
}

func TestCatalogInitPanic(t *testing.T) {
	c := NewCatalog()
	c.Register(&Module{
		Name:    "boom",
		Init:    func() error { panic("config missing") },
		Entries: map[string]EntryPoint{"Run": {Call: noop}},
	})

	_, err := c.Resolve("boom", "Run")
	var ie *ModuleInitError
	if !errors.As(err, &ie) {
		t.Fatalf("error = %v, want ModuleInitError", err)
	}
	if !strings.Contains(ie.Error(), "panic: config missing") {
		t.Fatalf("error = %q", ie.Error())
	}
	if strings.Contains(ie.Stack, "runtime/debug.Stack") {
		t.Fatalf("stack was not sanitised:\n%s", ie.Stack)
	}
}

func TestCatalogRegisterReplaces(t *testing.T) {
	c := NewCatalog()
	c.Register(&Module{Name: "m", Init: func() error { return errors.New("v1") }})
	if _, err := c.Resolve("m", "Run"); err == nil {
		t.Fatal("expected v1 init error")
	}

	c.Register(&Module{Name: "m", Entries: map[string]EntryPoint{"Run": {Call: noop}}})
	if _, err := c.Resolve("m", "Run"); err != nil {
		t.Fatalf("Resolve after re-register: %v", err)
	}
}
