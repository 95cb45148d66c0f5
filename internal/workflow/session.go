package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/phenology/springtime/internal/config"
)

// Session is one workflow execution: a unique run id and a dedicated output
// directory, created up front so partial results have somewhere to land.
type Session struct {
	RunID     string
	Recipe    string
	OutputDir string
	StartedAt time.Time
}

// NewSession derives a session from a recipe path. The output directory is
// <output_root>/springtime-<recipe>-<stamp>, so successive runs of the same
// recipe never collide.
func NewSession(recipePath string, cfg *config.Config) (*Session, error) {
	stem := strings.TrimSuffix(filepath.Base(recipePath), filepath.Ext(recipePath))
	now := time.Now().UTC()
	dir := filepath.Join(cfg.OutputRootDir, fmt.Sprintf("springtime-%s-%s", stem, now.Format("20060102-150405")))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	return &Session{
		RunID:     uuid.NewString(),
		Recipe:    stem,
		OutputDir: dir,
		StartedAt: now,
	}, nil
}
