// Package cli implements the hlsflow command-line interface.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/matzehuels/hlsflow/pkg/buildinfo"
	"github.com/matzehuels/hlsflow/pkg/cache"
	"github.com/matzehuels/hlsflow/pkg/hwconfig"
	"github.com/matzehuels/hlsflow/pkg/pipeline"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// appName is the application name used for directories and display.
	appName = "hlsflow"

	// defaultConfigFile is looked up in the working directory when no
	// --config flag is given.
	defaultConfigFile = "hlsflow.toml"
)

// Log levels exported for use in main.go.
const (
	LogDebug = log.DebugLevel
	LogInfo  = log.InfoLevel
)

// =============================================================================
// CLI - Central CLI State
// =============================================================================

// CLI holds shared state for all commands.
type CLI struct {
	Logger *log.Logger
}

// New creates a new CLI instance with a default logger.
func New(w io.Writer, level log.Level) *CLI {
	return &CLI{Logger: newLogger(w, level)}
}

// SetLogLevel updates the logger's level.
func (c *CLI) SetLogLevel(level log.Level) {
	c.Logger.SetLevel(level)
}

// RootCommand creates the root cobra command with all subcommands registered.
func (c *CLI) RootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          appName,
		Short:        "hlsflow compiles quantized networks into streaming dataflow hardware",
		Long:         `hlsflow is a CLI tool that rewrites a quantized neural-network graph into a streaming dataflow of hardware primitives and sizes the stream buffers between them.`,
		Version:      buildinfo.Get().Version,
		SilenceUsage: true,
	}

	root.SetVersionTemplate(buildinfo.Template())

	// Register all subcommands
	root.AddCommand(c.buildCommand())
	root.AddCommand(c.stepsCommand())
	root.AddCommand(c.visualizeCommand())
	root.AddCommand(c.configCommand())
	root.AddCommand(c.cacheCommand())
	root.AddCommand(c.serveCommand())
	root.AddCommand(c.completionCommand())

	return root
}

// =============================================================================
// Runner Factory
// =============================================================================

// newRunner creates a pipeline runner for CLI use. The cache comes from
// the [cache] section of cfg, falling back to the user cache directory.
// A [store] section adds a MongoDB sink next to the output file.
func (c *CLI) newRunner(ctx context.Context, cfg pipeline.Config, noCache bool) (*pipeline.Runner, func(), error) {
	ch, err := newCache(cfg.Cache, noCache)
	if err != nil {
		return nil, nil, fmt.Errorf("open cache: %w", err)
	}
	runner := pipeline.NewRunner(ch, nil, c.Logger)
	runner.Capabilities = pipeline.DetectCapabilities(cfg.Experimental)

	cleanup := func() { _ = runner.Close() }
	if cfg.Store.URI != "" {
		mongo, err := hwconfig.NewMongoSink(ctx, cfg.Store)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("connect config store: %w", err)
		}
		runner.Sink = hwconfig.MultiSink{hwconfig.NewFileSink(cfg.OutputDir), mongo}
		cleanup = func() {
			_ = mongo.Close(context.Background())
			_ = runner.Close()
		}
	}
	return runner, cleanup, nil
}

// newCache opens the configured cache. Without a configured backend the
// file cache in the user cache directory is used.
func newCache(cfg cache.Config, noCache bool) (cache.Cache, error) {
	if noCache {
		return cache.NewNullCache(), nil
	}
	if cfg.Backend == "" && cfg.Dir == "" {
		dir, err := cacheDir()
		if err != nil {
			return cache.NewNullCache(), nil
		}
		cfg.Dir = dir
	}
	return cache.Open(cfg)
}

// =============================================================================
// Paths
// =============================================================================

// cacheDir returns the cache directory using XDG standard (~/.cache/hlsflow/).
func cacheDir() (string, error) {
	if cacheHome := os.Getenv("XDG_CACHE_HOME"); cacheHome != "" {
		return filepath.Join(cacheHome, appName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".cache", appName), nil
}

// loadConfig reads the build configuration from path, or from
// hlsflow.toml in the working directory if path is empty and the file
// exists. Without either an empty configuration is returned.
func loadConfig(path string) (pipeline.Config, error) {
	if path == "" {
		if _, err := os.Stat(defaultConfigFile); err != nil {
			return pipeline.Config{}, nil
		}
		path = defaultConfigFile
	}
	return pipeline.LoadConfig(path)
}
