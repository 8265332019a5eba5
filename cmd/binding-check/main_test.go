package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeBindings(t *testing.T, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bindings.hcl")
	if err := os.WriteFile(path, []byte(src), 0o600); err != nil {
		t.Fatalf("write bindings: %v", err)
	}
	return path
}

func TestCLIValidBindings(t *testing.T) {
	path := writeBindings(t, `
resolver "primary" {
  driver = "memory"
}

binding "lab/Project" {
  resolver = "primary"
}

default_resolver = "primary"
`)
	var stdout, stderr bytes.Buffer
	code := cli([]string{"-bindings", path}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("exit code = %d, want 0; stderr: %s", code, stderr.String())
	}
	out := stdout.String()
	if !strings.Contains(out, "Bindings validation passed: 1 resolver(s), 1 binding(s)") {
		t.Fatalf("stdout = %q, want pass summary", out)
	}
	if !strings.Contains(out, `default "primary"`) {
		t.Fatalf("stdout = %q, want default resolver named", out)
	}
}

func TestCLIInvalidBindings(t *testing.T) {
	path := writeBindings(t, `resolver "p" { driver = "etcd" }`)
	var stdout, stderr bytes.Buffer
	code := cli([]string{"-bindings", path}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "Bindings validation failed") {
		t.Fatalf("stderr = %q, want failure message", stderr.String())
	}
	if !strings.Contains(stderr.String(), "unknown driver") {
		t.Fatalf("stderr = %q, want the validation cause", stderr.String())
	}
}

func TestCLIMissingFile(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := cli([]string{"-bindings", filepath.Join(t.TempDir(), "absent.hcl")}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
}

func TestCLIBadFlags(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := cli([]string{"-nope"}, &stdout, &stderr)
	if code != 2 {
		t.Fatalf("exit code = %d, want 2", code)
	}
}
