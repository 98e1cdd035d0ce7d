// Package main tests for the command line entry point.
package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/kimhsiao/notesync/internal/cli"
)

func TestVersionDefault(t *testing.T) {
	if Version == "" {
		t.Error("Version should not be empty")
	}
}

func TestPrintVersion(t *testing.T) {
	root := cli.NewRootCommand(Version)
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetArgs([]string{"--version"})

	if err := root.Execute(); err != nil {
		t.Fatalf("--version failed: %v", err)
	}
	if !strings.Contains(buf.String(), Version) {
		t.Errorf("Expected output to contain %q, got %q", Version, buf.String())
	}
}
