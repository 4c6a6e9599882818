// Command cache-proxy is a caching HTTP proxy in front of a rate-limited
// upstream API. Responses are cached in a quota-bounded store, failed
// fetches are retried with backoff, and rate-limited paths are skipped
// during a cooldown.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Sternrassler/fetchcache/pkg/config"
	"github.com/Sternrassler/fetchcache/pkg/logging"
	"github.com/Sternrassler/fetchcache/pkg/metrics"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// rootFlags are overrides applied on top of the loaded configuration.
type rootFlags struct {
	configPath string
	addr       string
	upstream   string
	logLevel   string
	pretty     bool
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:          "cache-proxy",
		Short:        "Caching proxy for rate-limited HTTP APIs",
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "path to the YAML config file")
	cmd.PersistentFlags().StringVar(&flags.addr, "addr", "", "listen address (overrides server.addr)")
	cmd.PersistentFlags().StringVar(&flags.upstream, "upstream", "", "upstream base URL (overrides server.upstream)")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "debug, info, warn or error (overrides log.level)")
	cmd.PersistentFlags().BoolVar(&flags.pretty, "log-pretty", false, "human-readable log output")

	cmd.AddCommand(
		newServeCmd(flags),
		newStatusCmd(flags),
		newCleanupCmd(flags),
		newInvalidateCmd(flags),
	)

	return cmd
}

// loadConfig resolves the configuration and sets up logging. serve also
// requires the proxy-only settings.
func loadConfig(cmd *cobra.Command, flags *rootFlags, serve bool) (*config.Config, error) {
	path := flags.configPath
	if path == "" {
		path = os.Getenv(config.EnvPrefix + "CONFIG")
	}

	cfg, err := config.Read(path)
	if err != nil {
		return nil, err
	}

	if flags.addr != "" {
		cfg.Server.Addr = flags.addr
	}
	if flags.upstream != "" {
		cfg.Server.Upstream = flags.upstream
	}
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
	}
	if cmd.Flags().Changed("log-pretty") {
		cfg.Log.Pretty = flags.pretty
	}

	validate := cfg.Validate
	if serve {
		validate = cfg.ValidateServe
	}
	if err := validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logCfg := cfg.LoggingConfig()
	logCfg.Service = "cache-proxy"
	logging.Setup(logCfg)

	return cfg, nil
}

func newServeCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the caching proxy",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, flags, true)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg)
		},
	}
}

// serve runs the proxy until ctx is done, then shuts down gracefully.
func serve(ctx context.Context, cfg *config.Config) error {
	d, err := openDeps(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := d.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close store")
		}
	}()

	if err := metrics.RegisterBudget(d.cache); err != nil {
		log.Warn().Err(err).Msg("Failed to register budget metrics")
	}

	srv, err := newServer(cfg, d, nil)
	if err != nil {
		return err
	}

	go srv.cleanupLoop(ctx, cfg.Cache.CleanupInterval)

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", cfg.Server.Addr).
			Str("upstream", cfg.Server.Upstream).
			Str("store", cfg.Store.Backend).
			Int64("quota_bytes", cfg.Store.QuotaBytes).
			Msg("Starting cache proxy")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down cache proxy")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func newStatusCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print live cache entries and the store budget",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDeps(cmd, flags, func(ctx context.Context, d *deps) error {
				entries, err := d.cache.Status(ctx)
				if err != nil {
					return err
				}
				budget, err := d.cache.Budget(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"entries": entries,
					"budget":  budget,
				})
			})
		},
	}
}

func newCleanupCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Remove expired entries and evict down to the high-water mark",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDeps(cmd, flags, func(ctx context.Context, d *deps) error {
				result, err := d.cache.Cleanup(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), result)
			})
		},
	}
}

func newInvalidateCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "invalidate [key-or-prefix]",
		Short: "Drop cached entries by key or prefix",
		Long: "Drop cached entries by exact key or by prefix. A namespace prefix\n" +
			"such as \"proxy:\" drops the whole namespace. No argument drops every entry.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prefix := ""
			if len(args) == 1 {
				prefix = args[0]
			}
			return withDeps(cmd, flags, func(ctx context.Context, d *deps) error {
				removed, err := d.cache.Invalidate(ctx, prefix)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]int{"removed": removed})
			})
		},
	}
}

// withDeps runs fn against freshly opened components and closes them after.
func withDeps(cmd *cobra.Command, flags *rootFlags, fn func(ctx context.Context, d *deps) error) error {
	cfg, err := loadConfig(cmd, flags, false)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	d, err := openDeps(ctx, cfg)
	if err != nil {
		return err
	}
	defer d.Close()

	return fn(ctx, d)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
