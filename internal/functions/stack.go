package functions

import "strings"

// internalFrames are function-name prefixes dropped from stacks reported to
// the host. Only frames from user code remain.
var internalFrames = []string{
	"runtime.",
	"runtime/debug.",
	"panic(",
	"created by ",
	"github.com/oriys/quasar/internal/executor.",
	"github.com/oriys/quasar/internal/functions.",
	"github.com/oriys/quasar/internal/dispatcher.",
	"golang.org/x/sync/",
}

// SanitizeStack removes the goroutine header and worker/runtime frames from
// a debug.Stack trace.
func SanitizeStack(stack string) string {
	lines := strings.Split(strings.TrimSpace(stack), "\n")
	if len(lines) > 0 && strings.HasPrefix(lines[0], "goroutine ") {
		lines = lines[1:]
	}

	var b strings.Builder
	for i := 0; i < len(lines); i++ {
		fn := lines[i]
		var loc string
		if i+1 < len(lines) && strings.HasPrefix(lines[i+1], "\t") {
			loc = lines[i+1]
			i++
		}
		if isInternalFrame(fn) {
			continue
		}
		b.WriteString(fn)
		b.WriteByte('\n')
		if loc != "" {
			b.WriteString(loc)
			b.WriteByte('\n')
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func isInternalFrame(fn string) bool {
	for _, p := range internalFrames {
		if strings.HasPrefix(fn, p) {
			return true
		}
	}
	return false
}
