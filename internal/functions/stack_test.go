package functions

import "testing"

func TestSanitizeStack(t *testing.T) {
	stack := `goroutine 7 [running]:
runtime/debug.Stack()
	/usr/local/go/src/runtime/debug/stack.go:26 +0x5e
github.com/oriys/quasar/internal/executor.(*Executor).run.func1()
	/src/internal/executor/executor.go:210 +0x45
panic({0x6b2e40?, 0x7a1f30?})
	/usr/local/go/src/runtime/panic.go:770 +0x132
example.com/app/orders.Accept(...)
	/src/app/orders/accept.go:31 +0x1c
github.com/oriys/quasar/internal/functions.(*Catalog).Resolve(...)
	/src/internal/functions/catalog.go:120
created by github.com/oriys/quasar/internal/executor.(*Executor).Dispatch in goroutine 1
	/src/internal/executor/executor.go:150 +0x1a5
`
	want := "example.com/app/orders.Accept(...)\n\t/src/app/orders/accept.go:31 +0x1c"
	if got := SanitizeStack(stack); got != want {
		t.Fatalf("SanitizeStack =\n%s\nwant\n%s", got, want)
	}
}
