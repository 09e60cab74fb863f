package crashlog

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/jamessanders/leah-public/internal/logging"
)

// Counter receives one increment per recovered panic, keyed by module.
// metrics.Metrics satisfies it.
type Counter interface {
	HandlerFailure(component string)
}

var (
	globalMu sync.Mutex
	counter  Counter
	panics   atomic.Int64
)

// Init attaches a failure counter. Safe to call more than once; the last
// call wins. Passing nil detaches it.
func Init(c Counter) {
	globalMu.Lock()
	defer globalMu.Unlock()
	counter = c
}

func record(module string) {
	globalMu.Lock()
	c := counter
	globalMu.Unlock()
	if c != nil {
		c.HandlerFailure(module)
	}
}

func attrs(ctx map[string]string) []any {
	out := make([]any, 0, len(ctx)*2)
	for k, v := range ctx {
		out = append(out, k, v)
	}
	return out
}

// LogPanic records a recovered panic with a full stack trace.
func LogPanic(module string, r any, ctx map[string]string) {
	stack := make([]byte, 4096)
	n := runtime.Stack(stack, false)

	panics.Add(1)
	record(module)

	args := append([]any{"module", module, "panic", fmt.Sprintf("%v", r), "stack", string(stack[:n])}, attrs(ctx)...)
	logging.Logger().Error("recovered panic", args...)
}

// Panics returns how many panics have been recovered since start.
func Panics() int64 {
	return panics.Load()
}
