package main

import (
	"log/slog"
	"strings"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	cases := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{" ERROR ", slog.LevelError},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}

	for _, tc := range cases {
		if got := parseLogLevel(tc.in); got != tc.want {
			t.Errorf("parseLogLevel(%q) = %v; want %v", tc.in, got, tc.want)
		}
	}
}

func TestReadSynthText(t *testing.T) {
	got, err := readSynthText("hello", strings.NewReader("ignored"))
	if err != nil || got != "hello" {
		t.Errorf("flag text: got %q, %v; want hello", got, err)
	}

	got, err = readSynthText("", strings.NewReader("  from stdin \n"))
	if err != nil || got != "from stdin" {
		t.Errorf("stdin text: got %q, %v; want trimmed stdin", got, err)
	}

	if _, err := readSynthText("", strings.NewReader("  \n")); err == nil {
		t.Error("expected error when both flag and stdin are empty")
	}
}

func TestNewRootCmd_RegistersSubcommands(t *testing.T) {
	cmd := NewRootCmd()

	var names []string
	for _, sub := range cmd.Commands() {
		names = append(names, sub.Name())
	}
	for _, want := range []string{"synth", "voices"} {
		found := false
		for _, n := range names {
			if n == want {
				found = true
			}
		}
		if !found {
			t.Errorf("subcommand %q not registered (have %v)", want, names)
		}
	}
}
