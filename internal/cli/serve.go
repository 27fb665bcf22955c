package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/matzehuels/hlsflow/internal/api"
	"github.com/matzehuels/hlsflow/pkg/cache"
	"github.com/matzehuels/hlsflow/pkg/hwconfig"
)

// serveCommand creates the serve command running the HTTP build service.
func (c *CLI) serveCommand() *cobra.Command {
	var (
		addr       string
		configFile string
		workDir    string
		redisAddr  string
		mongoURI   string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP build service",
		Long: `Run the HTTP build service.

The service accepts builds on POST /v1/builds and answers with the rewritten
model and its hardware configuration. The [cache] and [store] sections of the
config file select a shared Redis cache and a MongoDB collection receiving
every hardware configuration; --redis and --mongo override them.`,
		Example: `  hlsflow serve --addr :8080
  hlsflow serve --redis localhost:6379 --mongo mongodb://localhost:27017`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			if redisAddr != "" {
				cfg.Cache = cache.Config{Backend: cache.BackendRedis, RedisAddr: redisAddr, TTL: cfg.Cache.TTL}
			}
			if mongoURI != "" {
				cfg.Store.URI = mongoURI
			}

			ctx := cmd.Context()
			ch, err := newCache(cfg.Cache, false)
			if err != nil {
				return fmt.Errorf("open cache: %w", err)
			}

			opts := api.Options{
				Cache:        ch,
				Logger:       c.Logger,
				WorkDir:      workDir,
				Experimental: cfg.Experimental,
			}
			if cfg.Store.URI != "" {
				mongo, err := hwconfig.NewMongoSink(ctx, cfg.Store)
				if err != nil {
					_ = ch.Close()
					return fmt.Errorf("connect config store: %w", err)
				}
				defer mongo.Close(context.Background())
				opts.Sink = mongo
			}

			srv := api.New(opts)
			defer srv.Close()

			printInfo("Serving on %s", StyleHighlight.Render(addr))
			return srv.ListenAndServe(ctx, addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", api.DefaultAddr, "listen address")
	cmd.Flags().StringVarP(&configFile, "config", "c", "", "config file with [cache] and [store] sections")
	cmd.Flags().StringVar(&workDir, "work-dir", "", "directory for build scratch space (default: system temp)")
	cmd.Flags().StringVar(&redisAddr, "redis", "", "Redis address of the shared build cache")
	cmd.Flags().StringVar(&mongoURI, "mongo", "", "MongoDB URI receiving hardware configurations")

	return cmd
}
