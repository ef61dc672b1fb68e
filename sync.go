package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/msconstructor/data-sync/backend"
	"github.com/msconstructor/data-sync/backend/grpcsync"
	"github.com/msconstructor/data-sync/backend/revision"
	"github.com/msconstructor/data-sync/config"
	"github.com/msconstructor/data-sync/coordinator"
	"github.com/msconstructor/data-sync/resolver"
	"github.com/msconstructor/data-sync/revstore/postgres"
	revsqlite "github.com/msconstructor/data-sync/revstore/sqlite"
	"github.com/msconstructor/data-sync/store/sqlite"
)

func openLocal(cfg *config.Config, logger *slog.Logger) (*sqlite.Store, error) {
	st, err := sqlite.Open(cfg.LocalDBPath, sqlite.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to open local store %s: %w", cfg.LocalDBPath, err)
	}
	return st, nil
}

// openAdapters connects every configured backend. The returned func closes
// them.
func openAdapters(ctx context.Context, backends *config.Backends) ([]backend.Adapter, func(), error) {
	var (
		adapters []backend.Adapter
		closers  []func()
	)
	closeAll := func() {
		for _, a := range adapters {
			if c, ok := a.(backend.Closer); ok {
				c.Close()
			}
		}
		for _, c := range closers {
			c()
		}
	}

	for _, b := range backends.Backends {
		switch b.Type {
		case config.BackendTypeGRPC:
			a, err := grpcsync.Dial(b.Name, b.GRPC)
			if err != nil {
				closeAll()
				return nil, nil, err
			}
			adapters = append(adapters, a)
		case config.BackendTypePostgres:
			storage, err := postgres.NewPGSyncStorage(ctx, b.Postgres.DatabaseURL)
			if err != nil {
				closeAll()
				return nil, nil, fmt.Errorf("backend %s: %w", b.Name, err)
			}
			closers = append(closers, storage.Close)
			adapters = append(adapters, revision.New(b.Name, b.Namespace(), storage))
		case config.BackendTypeSQLite:
			storage, err := revsqlite.NewSQLiteSyncStorage(b.SQLite.Path)
			if err != nil {
				closeAll()
				return nil, nil, fmt.Errorf("backend %s: %w", b.Name, err)
			}
			closers = append(closers, func() { storage.Close() })
			adapters = append(adapters, revision.New(b.Name, b.Namespace(), storage))
		default:
			closeAll()
			return nil, nil, fmt.Errorf("backend %s: unknown type %q", b.Name, b.Type)
		}
	}
	return adapters, closeAll, nil
}

func newCoordinator(cfg *config.Config, backends *config.Backends, st coordinator.Store, adapters []backend.Adapter, logger *slog.Logger, metrics *coordinator.Metrics) (*coordinator.Coordinator, error) {
	res, err := resolver.ForPolicy(cfg.ConflictPolicy)
	if err != nil {
		return nil, err
	}
	opts := []coordinator.Option{
		coordinator.WithResolver(res),
		coordinator.WithRetry(coordinator.RetryPolicy{
			MaxAttempts: cfg.SyncMaxRetries,
			BaseDelay:   cfg.RetryBaseDelay(),
			MaxDelay:    cfg.RetryMaxDelay(),
		}),
		coordinator.WithInterval(cfg.SyncInterval()),
		coordinator.WithTables(backends.Tables...),
		coordinator.WithPurge(cfg.PurgeTombstones),
		coordinator.WithLogger(logger),
		coordinator.WithMetrics(metrics),
	}
	if cfg.ConnectivityProbe != "" {
		opts = append(opts, coordinator.WithConnectivity(coordinator.DialProbe(cfg.ConnectivityProbe, 5*time.Second)))
	}
	return coordinator.New(st, adapters, opts...), nil
}

func newSyncCommand(opts *rootOptions) *cobra.Command {
	var (
		once           bool
		metricsAddress string
	)
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Synchronize the local store with the configured backends",
		Long: `Synchronize the local store with every backend of the backends file.

With --once a single cycle runs and its result is printed; the command
fails unless the cycle fully succeeded. Otherwise cycles run every
SYNC_INTERVAL_SECONDS and whenever a backend announces a change, until
interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, logger := opts.config, opts.logger
			backends, err := config.LoadBackends(config.WithConfigPath(cfg.BackendsConfig))
			if err != nil {
				return err
			}
			st, err := openLocal(cfg, logger)
			if err != nil {
				return err
			}
			defer st.Close()
			adapters, closeAdapters, err := openAdapters(ctx, backends)
			if err != nil {
				return err
			}
			defer closeAdapters()

			registry := prometheus.NewRegistry()
			coord, err := newCoordinator(cfg, backends, st, adapters, logger, coordinator.NewMetrics(registry))
			if err != nil {
				return err
			}

			if once {
				result := coord.SyncOnce(ctx)
				if err := writeResult(cmd.OutOrStdout(), opts.Format, result); err != nil {
					return err
				}
				if result.Status != coordinator.StatusSuccess {
					return fmt.Errorf("sync finished with status %s", result.Status)
				}
				return nil
			}

			if metricsAddress != "" {
				metricsServer := &http.Server{
					Addr:              metricsAddress,
					Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
					ReadHeaderTimeout: 10 * time.Second,
				}
				go func() {
					if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
						logger.Error("metrics server failed", "error", err)
					}
				}()
				defer metricsServer.Close()
			}
			logger.Info("sync started", "backends", len(adapters), "interval", cfg.SyncInterval())
			return coord.Run(ctx)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single cycle and exit")
	cmd.Flags().StringVar(&metricsAddress, "metrics-address", "", "serve prometheus metrics on this address while running")
	return cmd
}

type backendView struct {
	Backend   string `json:"backend"`
	Pushed    int    `json:"pushed"`
	Rejected  int    `json:"rejected"`
	Conflicts int    `json:"conflicts"`
	Pulled    int    `json:"pulled"`
	Error     string `json:"error,omitempty"`
}

type failureView struct {
	Table     string `json:"table"`
	RecordID  string `json:"recordId"`
	Backend   string `json:"backend"`
	Error     string `json:"error"`
	Exhausted bool   `json:"exhausted"`
}

type resultView struct {
	Status    coordinator.Status `json:"status"`
	Duration  string             `json:"duration"`
	Backends  []backendView      `json:"backends"`
	Failures  []failureView      `json:"failures,omitempty"`
	Remaining int                `json:"remaining"`
	Error     string             `json:"error,omitempty"`
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func viewOf(r *coordinator.CycleResult) resultView {
	v := resultView{
		Status:    r.Status,
		Duration:  r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String(),
		Backends:  make([]backendView, 0, len(r.Backends)),
		Remaining: r.Remaining,
		Error:     errString(r.Err),
	}
	for _, b := range r.Backends {
		v.Backends = append(v.Backends, backendView{
			Backend:   b.Backend,
			Pushed:    b.Pushed,
			Rejected:  b.Rejected,
			Conflicts: b.Conflicts,
			Pulled:    b.Pulled,
			Error:     errString(b.Err),
		})
	}
	for _, f := range r.Failures {
		v.Failures = append(v.Failures, failureView{
			Table:     f.Table,
			RecordID:  f.RecordID,
			Backend:   f.Backend,
			Error:     errString(f.Err),
			Exhausted: f.Exhausted,
		})
	}
	return v
}

func writeResult(w io.Writer, format string, r *coordinator.CycleResult) error {
	v := viewOf(r)
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	fmt.Fprintf(w, "status: %s (%s)\n", v.Status, v.Duration)
	if v.Error != "" {
		fmt.Fprintf(w, "error: %s\n", v.Error)
	}
	for _, b := range v.Backends {
		fmt.Fprintf(w, "%s: pushed %d, conflicts %d, rejected %d, pulled %d\n", b.Backend, b.Pushed, b.Conflicts, b.Rejected, b.Pulled)
		if b.Error != "" {
			fmt.Fprintf(w, "  error: %s\n", b.Error)
		}
	}
	for _, f := range v.Failures {
		state := "will retry"
		if f.Exhausted {
			state = "marked error"
		}
		fmt.Fprintf(w, "failed %s/%s on %s (%s): %s\n", f.Table, f.RecordID, f.Backend, state, f.Error)
	}
	fmt.Fprintf(w, "remaining: %d\n", v.Remaining)
	return nil
}
