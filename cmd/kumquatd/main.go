// kumquatd serves a virtual filesystem over HTTP with SSE change
// notifications, backed by local disk, memory, S3 or another kumquatd.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fruitsalade/kumquat/internal/backend/factory"
	"github.com/fruitsalade/kumquat/internal/config"
	"github.com/fruitsalade/kumquat/internal/events"
	"github.com/fruitsalade/kumquat/internal/logging"
	"github.com/fruitsalade/kumquat/internal/metrics"
	"github.com/fruitsalade/kumquat/internal/server"
	"github.com/fruitsalade/kumquat/internal/vfs"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:          "kumquatd",
		Short:        "Virtual filesystem daemon",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("kumquatd", version)
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
}

func serve() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("configuration: %w", err)
	}

	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		return fmt.Errorf("logging init: %w", err)
	}
	defer logging.Sync()

	logging.L().Info("kumquatd starting",
		zap.String("version", version),
		zap.String("backend", cfg.Backend),
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b, err := factory.New(ctx, cfg)
	if err != nil {
		logging.L().Fatal("backend init failed", zap.Error(err))
	}

	fs := vfs.New()
	if err := fs.Init(b); err != nil {
		logging.L().Fatal("filesystem init failed", zap.Error(err))
	}

	for _, root := range cfg.WatchRoots {
		dir, err := fs.GetDirectoryForPath(root)
		if err != nil {
			logging.L().Fatal("bad watch root", zap.String("path", root), zap.Error(err))
		}
		if err := fs.Watch(ctx, dir, nil); err != nil {
			logging.L().Fatal("watch root failed", zap.String("path", root), zap.Error(err))
		}
		logging.L().Info("watching", zap.String("path", root))
	}

	feed := events.NewFeed()
	srv := server.New(fs, feed, cfg.APIToken)
	defer srv.Close()

	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.L().Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.L().Error("metrics server error", zap.Error(err))
		}
	}()

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Handler(),
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.L().Info("shutting down")
		cancel()

		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logging.L().Warn("http shutdown", zap.Error(err))
		}
		metricsServer.Close()
		if err := fs.Close(shutdownCtx); err != nil {
			logging.L().Warn("filesystem close", zap.Error(err))
		}
	}()

	logging.L().Info("server listening", zap.String("addr", cfg.ListenAddr))
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logging.L().Fatal("server error", zap.Error(err))
	}
	return nil
}
