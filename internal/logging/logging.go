package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

var (
	mu       sync.RWMutex
	logger   = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	level    = new(slog.LevelVar)
	disabled atomic.Bool
	sinkFile *os.File
)

// ParseLevel maps "debug", "info", "warn" and "error" onto slog levels.
// Anything else is treated as info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Init configures the process logger.
// sink is either empty (stdout), "stderr", or "file:/path/to/log".
func Init(lvl, sink string) error {
	level.Set(ParseLevel(lvl))

	var w io.Writer = os.Stdout
	var f *os.File
	switch {
	case sink == "" || sink == "stdout":
	case sink == "stderr":
		w = os.Stderr
	case strings.HasPrefix(sink, "file:"):
		path := strings.TrimPrefix(sink, "file:")
		var err error
		f, err = os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
		if err != nil {
			return fmt.Errorf("open log sink %s: %w", path, err)
		}
		w = f
	default:
		return fmt.Errorf("unknown log sink %q", sink)
	}

	mu.Lock()
	defer mu.Unlock()
	if sinkFile != nil {
		_ = sinkFile.Close()
	}
	sinkFile = f
	logger = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	return nil
}

// SetLevel changes the level without touching the sink.
func SetLevel(lvl string) {
	level.Set(ParseLevel(lvl))
}

// Logger returns the process logger, or a discarding logger while disabled.
func Logger() *slog.Logger {
	if disabled.Load() {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// For returns the process logger tagged with a component name.
func For(component string) *slog.Logger {
	return Logger().With("component", component)
}

// Disable turns off all logging
func Disable() {
	disabled.Store(true)
}

// Enable turns logging back on
func Enable() {
	disabled.Store(false)
}
