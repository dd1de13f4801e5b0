package logx

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{" WARN ", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"", zerolog.InfoLevel},
		{"verbose", zerolog.InfoLevel},
	}
	for _, tc := range cases {
		if got := parseLevel(tc.in, zerolog.InfoLevel); got != tc.want {
			t.Fatalf("parseLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestNopLoggerIsSafe(t *testing.T) {
	var zero Logger
	if !zero.IsZero() {
		t.Fatalf("zero logger not reported as zero")
	}
	zero.Info("does nothing", String("k", "v"))

	n := Nop()
	if n.IsZero() {
		t.Fatalf("Nop() reported as zero")
	}
	n.Error("also does nothing", Err(os.ErrNotExist))
}

func TestServiceFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	svc, log := New(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}})
	defer svc.Close()

	log.Info("hello file", String("comp", "test"))

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	out := string(b)
	if !strings.Contains(out, "hello file") || !strings.Contains(out, `"comp":"test"`) {
		t.Fatalf("log line missing fields: %s", out)
	}
}

func TestApplySwapsLevelLive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}})
	defer svc.Close()

	log.Debug("invisible")
	svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}})
	log.Debug("visible now")

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	out := string(b)
	if strings.Contains(out, "invisible") {
		t.Fatalf("debug line written at info level: %s", out)
	}
	if !strings.Contains(out, "visible now") {
		t.Fatalf("debug line missing after level swap: %s", out)
	}
}

func TestWithFieldsAccumulate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}})
	defer svc.Close()

	log.With(String("comp", "pool")).With(Int("n", 3)).Info("leased")

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	out := string(b)
	for _, want := range []string{`"comp":"pool"`, `"n":3`, "leased"} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in %s", want, out)
		}
	}
}
