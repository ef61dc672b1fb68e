package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/msconstructor/data-sync/config"
	"github.com/msconstructor/data-sync/revstore"
	"github.com/msconstructor/data-sync/revstore/postgres"
	revsqlite "github.com/msconstructor/data-sync/revstore/sqlite"
	"github.com/msconstructor/data-sync/server"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the remote sync server",
		Long: `Run the gRPC sync server other devices push to and pull from.

Revisions are kept in PostgreSQL when DATABASE_URL is set and in SQLite
under SQLITE_DIR_PATH otherwise. The HTTP listener serves grpc-web for
browser clients and prometheus metrics under /metrics.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts.config, opts.logger)
		},
	}
}

func openSyncStorage(ctx context.Context, cfg *config.Config) (revstore.SyncStorage, func(), error) {
	if cfg.PgDatabaseUrl != "" {
		storage, err := postgres.NewPGSyncStorage(ctx, cfg.PgDatabaseUrl)
		if err != nil {
			return nil, nil, err
		}
		return storage, storage.Close, nil
	}
	if err := os.MkdirAll(cfg.SQLiteDirPath, 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create %s: %w", cfg.SQLiteDirPath, err)
	}
	storage, err := revsqlite.NewSQLiteSyncStorage(filepath.Join(cfg.SQLiteDirPath, "sync.db"))
	if err != nil {
		return nil, nil, err
	}
	return storage, func() { storage.Close() }, nil
}

func runServe(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	storage, closeStorage, err := openSyncStorage(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open sync storage: %w", err)
	}
	defer closeStorage()

	grpcListener, err := net.Listen("tcp", cfg.GrpcListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	httpListener, err := net.Listen("tcp", cfg.HttpListenAddress)
	if err != nil {
		grpcListener.Close()
		return fmt.Errorf("failed to listen: %w", err)
	}

	quitChan := make(chan struct{})
	syncServer := server.NewPersistentSyncerServer(cfg.CA(), storage, logger)
	syncServer.Start(quitChan)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s := server.CreateServer(syncServer, server.NewServerMetrics(registry))
	httpServer := &http.Server{
		Handler:           server.NewHTTPHandler(s, registry),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("grpc server listening", "address", cfg.GrpcListenAddress)
		return s.Serve(grpcListener)
	})
	g.Go(func() error {
		logger.Info("http server listening", "address", cfg.HttpListenAddress)
		if err := httpServer.Serve(httpListener); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		close(quitChan)
		s.GracefulStop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
