// Package demo is a small function app served by the quasar binary when no
// other app is linked in. Its manifest lives next to this file.
package demo

import (
	"github.com/oriys/quasar/internal/functions"
)

// Catalog returns a catalog with every demo module registered.
func Catalog() *functions.Catalog {
	c := functions.NewCatalog()
	Register(c)
	return c
}

// Register adds the demo modules to c.
func Register(c *functions.Catalog) {
	c.Register(helloModule())
	c.Register(primesModule())
	c.Register(ordersModule())
	c.Register(storageModule())
}
