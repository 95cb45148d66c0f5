package experiment

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestValidate(t *testing.T) {
	s := &Spec{Type: "regression", Command: []string{"train"}}
	if err := s.Validate(); err == nil {
		t.Error("expected an error for an unsupported experiment type")
	}

	s = &Spec{Type: "external"}
	if err := s.Validate(); err == nil {
		t.Error("expected an error for a missing command")
	}

	s = &Spec{Type: "external", Command: []string{"train"}}
	if err := s.Validate(); err != nil {
		t.Errorf("unexpected validation error: %v", err)
	}
}

func TestRunAppendsArtifacts(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "invoked")
	// The command receives the data path and output dir as trailing args.
	s := &Spec{
		Type:    "external",
		Command: []string{"sh", "-c", `printf '%s %s' "$1" "$2" > ` + marker, "cmd"},
	}

	in := Input{DataPath: filepath.Join(dir, "data.csv"), OutputDir: dir}
	if err := s.Run(context.Background(), in); err != nil {
		t.Fatalf("unexpected run error: %v", err)
	}

	raw, err := os.ReadFile(marker)
	if err != nil {
		t.Fatalf("expected the command to run: %v", err)
	}
	want := in.DataPath + " " + in.OutputDir
	if string(raw) != want {
		t.Errorf("expected args %q, got %q", want, raw)
	}
}

func TestRunFailure(t *testing.T) {
	s := &Spec{Type: "external", Command: []string{"false"}}
	if err := s.Run(context.Background(), Input{}); err == nil {
		t.Error("expected an error from a failing command")
	}
}
