package cli

import (
	"errors"
	"testing"

	"github.com/ferrydock/ferry/internal/transfer"
)

// TestRootCommand tests the root command shape
func TestRootCommand(t *testing.T) {
	cmd := NewRootCmd()
	if cmd == nil {
		t.Fatal("NewRootCmd() returned nil")
	}

	if cmd.Use != "ferry" {
		t.Errorf("Expected Use='ferry', got '%s'", cmd.Use)
	}

	if cmd.PersistentFlags().Lookup("config") == nil {
		t.Error("--config persistent flag is missing")
	}

	if cmd.PersistentFlags().Lookup("verbose") == nil {
		t.Error("--verbose persistent flag is missing")
	}
}

// TestCommandConstructors tests that every subcommand builds with a RunE
func TestCommandConstructors(t *testing.T) {
	tests := []struct {
		name string
		cmd  func() interface{ Name() string }
	}{
		{"test", func() interface{ Name() string } { return newTestCmd() }},
		{"ls", func() interface{ Name() string } { return newLsCmd() }},
		{"lls", func() interface{ Name() string } { return newLlsCmd() }},
		{"stat", func() interface{ Name() string } { return newStatCmd() }},
		{"get", func() interface{ Name() string } { return newGetCmd() }},
		{"put", func() interface{ Name() string } { return newPutCmd() }},
		{"mkdir", func() interface{ Name() string } { return newMkdirCmd() }},
		{"rm", func() interface{ Name() string } { return newRmCmd() }},
		{"mv", func() interface{ Name() string } { return newMvCmd() }},
		{"profile", func() interface{ Name() string } { return newProfileCmd() }},
		{"key", func() interface{ Name() string } { return newKeyCmd() }},
	}

	for _, tt := range tests {
		cmd := tt.cmd()
		if cmd == nil {
			t.Errorf("constructor for %q returned nil", tt.name)
			continue
		}
		if cmd.Name() != tt.name {
			t.Errorf("Expected command name %q, got %q", tt.name, cmd.Name())
		}
	}
}

// TestFormatSize tests human-readable size formatting
func TestFormatSize(t *testing.T) {
	tests := []struct {
		n    int64
		want string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{1024, "1.0 KiB"},
		{1536, "1.5 KiB"},
		{5 << 20, "5.0 MiB"},
		{3 << 30, "3.0 GiB"},
	}

	for _, tt := range tests {
		if got := formatSize(tt.n); got != tt.want {
			t.Errorf("formatSize(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}

// TestReportOutcome tests exit-status mapping for finished jobs
func TestReportOutcome(t *testing.T) {
	if err := reportOutcome(transfer.Snapshot{State: transfer.StateCompleted}); err != nil {
		t.Errorf("completed job should not error, got %v", err)
	}

	if err := reportOutcome(transfer.Snapshot{State: transfer.StateCancelled}); err == nil {
		t.Error("cancelled job should return an error")
	}

	wantErr := errors.New("remote full")
	err := reportOutcome(transfer.Snapshot{State: transfer.StateFailed, Err: wantErr})
	if !errors.Is(err, wantErr) {
		t.Errorf("failed job should return its error, got %v", err)
	}

	snap := transfer.Snapshot{
		State:     transfer.StateCompleted,
		BytesDone: 100,
		Children: []transfer.Snapshot{
			{State: transfer.StateCompleted, Dest: "/remote/a.txt"},
			{State: transfer.StateCompleted, Dest: "/remote/b.txt"},
		},
	}
	if err := reportOutcome(snap); err != nil {
		t.Errorf("directory job with no failures should not error, got %v", err)
	}
}
