package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// Failures inside run must return as errors so its deferred cleanup (registry
// close, signal release) executes before the process exits.
func TestRunReturnsFailures(t *testing.T) {
	dir := t.TempDir()
	*cacheDir = filepath.Join(dir, "cache")
	*outputRootDir = filepath.Join(dir, "output")
	*credentialsFile = filepath.Join(dir, "credentials.json")
	t.Cleanup(func() {
		*cacheDir = ""
		*outputRootDir = ""
		*credentialsFile = ""
	})

	err := run(filepath.Join(dir, "missing.yaml"))
	if err == nil {
		t.Fatal("expected an error for a missing recipe")
	}
	if !strings.Contains(err.Error(), "recipe") {
		t.Errorf("unexpected error %v", err)
	}

	bad := filepath.Join(dir, "bad.yaml")
	if werr := os.WriteFile(bad, []byte("datasets: [not, a, mapping]\n"), 0o644); werr != nil {
		t.Fatalf("failed to write recipe: %v", werr)
	}
	if err := run(bad); err == nil {
		t.Fatal("expected an error for a malformed recipe")
	}
}
