package demo

import (
	"context"
	"math"
	"time"

	"github.com/oriys/quasar/internal/bindings"
	"github.com/oriys/quasar/internal/functions"
)

const defaultPrimeLimit = 10000

func primesModule() *functions.Module {
	return &functions.Module{
		Name: "primes",
		Entries: map[string]functions.EntryPoint{
			// CPU bound, so it runs on the blocking pool.
			"Count": {
				Signature: functions.Signature{
					Params: []functions.Param{{Name: "limit", Type: bindings.TypeInt64}},
					Return: bindings.TypeMap,
				},
				Call: countPrimes,
			},
		},
	}
}

func isPrime(n int64) bool {
	if n < 2 {
		return false
	}
	sqrt := int64(math.Sqrt(float64(n)))
	for i := int64(2); i <= sqrt; i++ {
		if n%i == 0 {
			return false
		}
	}
	return true
}

func countPrimes(_ context.Context, args *functions.Args) (any, error) {
	limit, _ := functions.Arg[int64](args, "limit")
	if limit <= 0 {
		limit = defaultPrimeLimit
	}

	start := time.Now()
	var primes []any
	for n := int64(2); n <= limit; n++ {
		if isPrime(n) {
			primes = append(primes, n)
		}
	}

	last := primes
	if len(last) > 10 {
		last = last[len(last)-10:]
	}
	return map[string]any{
		"limit":      limit,
		"count":      len(primes),
		"last_10":    last,
		"elapsed_ms": time.Since(start).Milliseconds(),
	}, nil
}
