package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/phenology/springtime/internal/config"
	"github.com/phenology/springtime/internal/dataset"
	"github.com/phenology/springtime/internal/fetch"
	"github.com/phenology/springtime/internal/logger"
	"github.com/phenology/springtime/internal/registry"
	"github.com/phenology/springtime/internal/workflow"

	// Register all dataset kinds for recipe decoding.
	_ "github.com/phenology/springtime/internal/datasets/appeears"
	_ "github.com/phenology/springtime/internal/datasets/eobs"
	_ "github.com/phenology/springtime/internal/datasets/pep725"
	_ "github.com/phenology/springtime/internal/datasets/rnpn"
)

var (
	configPath      = flag.String("config", "", "Path to configuration file")
	cacheDir        = flag.String("cache-dir", "", "Override the cache directory")
	outputRootDir   = flag.String("output-root-dir", "", "Override the output root directory")
	credentialsFile = flag.String("credentials-file", "", "Override the credentials file")
	forceOverride   = flag.Bool("force-override", false, "Refresh cached artifacts unconditionally")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] <recipe.yaml>\n\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	// Fatal exits live here so every deferred cleanup in run has completed.
	if err := run(flag.Arg(0)); err != nil {
		var dsErr *workflow.DatasetError
		if errors.As(err, &dsErr) {
			logger.Fatal("Dataset %q failed: %v", dsErr.Name, dsErr.Err)
		}
		logger.Fatal("%v", err)
	}
}

func run(recipePath string) error {
	// Environment overrides may live in a local .env file.
	_ = godotenv.Load()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Apply CLI overrides before anything touches the disk
	if *cacheDir != "" {
		cfg.CacheDir = *cacheDir
	}
	if *outputRootDir != "" {
		cfg.OutputRootDir = *outputRootDir
	}
	if *credentialsFile != "" {
		cfg.CredentialsFile = *credentialsFile
	}
	if *forceOverride {
		cfg.ForceOverride = true
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirs(); err != nil {
		return fmt.Errorf("failed to prepare directories: %w", err)
	}

	// Setup logging with level support
	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("Cache directory: %s", cfg.CacheDir)

	// Parse the recipe
	w, err := workflow.FromRecipe(recipePath)
	if err != nil {
		return fmt.Errorf("failed to load recipe: %w", err)
	}

	session, err := workflow.NewSession(recipePath, cfg)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	logger.Info("Run %s writing to %s", session.RunID, session.OutputDir)

	// Open the run registry
	reg, err := registry.Open(filepath.Join(cfg.CacheDir, "registry.db"))
	if err != nil {
		return fmt.Errorf("failed to open run registry: %w", err)
	}
	defer func() {
		if err := reg.Close(); err != nil {
			logger.Error("Failed to close run registry: %v", err)
		}
	}()

	rt := &dataset.Runtime{
		Config:  cfg,
		Fetcher: fetch.NewHTTPFetcher("springtime", fetch.DefaultConfig()),
	}

	// Setup graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := w.Execute(ctx, session, rt, reg); err != nil {
		return err
	}
	logger.Info("Workflow completed, output in %s", session.OutputDir)
	return nil
}
