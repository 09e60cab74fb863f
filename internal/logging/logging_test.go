package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"loud":    slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leah.log")
	if err := Init("info", "file:"+path); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer Init("info", "stderr")

	For("broker").Debug("hidden")
	For("broker").Info("visible", "channel", "#team")

	SetLevel("debug")
	For("broker").Debug("now shown")

	Disable()
	For("broker").Error("dropped")
	Enable()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	out := string(data)
	if strings.Contains(out, "hidden") || strings.Contains(out, "dropped") {
		t.Errorf("unexpected lines in log:\n%s", out)
	}
	for _, want := range []string{"visible", "component=broker", "channel=#team", "now shown"} {
		if !strings.Contains(out, want) {
			t.Errorf("log missing %q:\n%s", want, out)
		}
	}
}

func TestUnknownSink(t *testing.T) {
	if err := Init("info", "syslog"); err == nil {
		t.Error("expected unknown sink error")
	}
}
