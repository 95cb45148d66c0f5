// Package experiment runs the optional modeling step of a workflow. Model
// training itself is delegated to an external command that receives the
// prepared data file; the recipe only describes how to invoke it.
package experiment

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/phenology/springtime/internal/logger"
)

// Input carries the artifacts of a finished workflow run into the experiment.
type Input struct {
	// DataPath is the prepared data.csv.
	DataPath string
	// OutputDir receives models, metrics and plots.
	OutputDir string
}

// Spec configures the experiment step, discriminated on experiment_type.
// The only supported type is "external": a command invoked with the data
// file and output directory appended as its final two arguments.
type Spec struct {
	Type string `yaml:"experiment_type"`

	// Command is the program and its leading arguments.
	Command []string `yaml:"command"`
	// Env entries (KEY=VALUE) are added to the command's environment.
	Env []string `yaml:"env,omitempty"`
}

// Validate checks the experiment configuration.
func (s *Spec) Validate() error {
	if s.Type != "external" {
		return fmt.Errorf("unsupported experiment_type %q", s.Type)
	}
	if len(s.Command) == 0 {
		return fmt.Errorf("experiment command is required")
	}
	return nil
}

// Run invokes the external command. The command's stdout and stderr go to the
// process streams so training progress stays visible.
func (s *Spec) Run(ctx context.Context, in Input) error {
	args := append(append([]string(nil), s.Command[1:]...), in.DataPath, in.OutputDir)
	cmd := exec.CommandContext(ctx, s.Command[0], args...)
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	logger.Info("Running experiment command %s", s.Command[0])
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("experiment command failed: %w", err)
	}
	return nil
}
