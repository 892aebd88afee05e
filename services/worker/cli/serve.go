package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ramiqadoumi/go-task-recycler/internal/admin"
	"github.com/ramiqadoumi/go-task-recycler/internal/harness"
	"github.com/ramiqadoumi/go-task-recycler/internal/version"
	"github.com/ramiqadoumi/go-task-recycler/pkg/telemetry"
	"github.com/ramiqadoumi/go-task-recycler/services/worker"
	"github.com/ramiqadoumi/go-task-recycler/services/worker/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run workers in-process and serve the admin API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("admin-addr", ":8080", "admin API listen address")
	serveCmd.Flags().String("metrics-addr", ":9091", "Prometheus metrics server address")
	serveCmd.Flags().Int("workers", 2, "standby workers to start")
	serveCmd.Flags().String("reap-schedule", "", `cron schedule for periodic flush, e.g. "@every 30s"; empty disables`)
	serveCmd.Flags().Int("max-retries", 0, "retry attempts for a failing payload")
	serveCmd.Flags().Duration("task-timeout", 5*time.Second, "per-payload execution timeout; 0 disables")
	serveCmd.Flags().Int("pool-prealloc", 0, "tasks to allocate into the pool at startup")
	serveCmd.Flags().Bool("strict", false, "panic on a double release")
	serveCmd.Flags().Int("view-bytes", 1<<20, "size of the view each create-leak listener holds")
	serveCmd.Flags().String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")
	serveCmd.Flags().Float64("trace-sample-ratio", 1, "fraction of root spans to sample")

	bindFlag("admin_addr", serveCmd.Flags(), "admin-addr")
	bindFlag("metrics_addr", serveCmd.Flags(), "metrics-addr")
	bindFlag("workers", serveCmd.Flags(), "workers")
	bindFlag("reap_schedule", serveCmd.Flags(), "reap-schedule")
	bindFlag("max_retries", serveCmd.Flags(), "max-retries")
	bindFlag("task_timeout", serveCmd.Flags(), "task-timeout")
	bindFlag("pool_prealloc", serveCmd.Flags(), "pool-prealloc")
	bindFlag("strict", serveCmd.Flags(), "strict")
	bindFlag("view_bytes", serveCmd.Flags(), "view-bytes")
	bindFlag("otel_endpoint", serveCmd.Flags(), "otel-endpoint")
	bindFlag("trace_sample_ratio", serveCmd.Flags(), "trace-sample-ratio")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger := buildLogger(cfg.LogLevel, serviceName)

	shutdownTracer, err := telemetry.InitTracer(context.Background(), serviceName, cfg.OTelEndpoint, cfg.TraceSampleRatio)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	h, err := newHarness(cfg, logger)
	if err != nil {
		return err
	}
	defer h.Close()

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	for i := 0; i < cfg.Workers; i++ {
		h.StartWorker(runCtx, "standby")
	}

	if _, err := telemetry.StartMetricsServer(runCtx, cfg.MetricsAddr, logger, readiness(h)); err != nil {
		return err
	}

	rest := admin.NewREST(h, h.Registry(), logger.With(slog.String("component", "admin")))
	httpSrv := &http.Server{
		Handler:      rest.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	lis, err := net.Listen("tcp", cfg.AdminAddr)
	if err != nil {
		return fmt.Errorf("admin listen: %w", err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(quit)

	srvErr := make(chan error, 1)
	go func() {
		logger.Info("recycler starting",
			slog.String("version", version.String()),
			slog.String("admin_addr", lis.Addr().String()),
			slog.Int("workers", cfg.Workers),
			slog.String("reap_schedule", cfg.ReapSchedule),
		)
		if err := httpSrv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
	}()

	select {
	case <-quit:
	case err := <-srvErr:
		logger.Error("admin server error", slog.String("error", err.Error()))
	}
	logger.Info("shutting down...")

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutCancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Error("admin shutdown error", slog.String("error", err.Error()))
	}
	runCancel()
	logger.Info("stopped")
	return nil
}

func newHarness(cfg config.Config, logger *slog.Logger) (*harness.Harness, error) {
	return harness.New(harness.Options{
		Logger:       logger,
		Strict:       cfg.Strict,
		Prealloc:     cfg.PoolPrealloc,
		ViewBytes:    cfg.ViewBytes,
		ReapSchedule: cfg.ReapSchedule,
		WorkerOptions: []worker.Option{
			worker.WithRetries(cfg.MaxRetries),
			worker.WithTimeout(cfg.TaskTimeout),
		},
	})
}

// readiness fails when workers were started but every one has stopped.
func readiness(h *harness.Harness) func() error {
	return func() error {
		workers := h.Registry().List()
		if len(workers) == 0 {
			return nil
		}
		for _, w := range workers {
			if w.Alive() {
				return nil
			}
		}
		return errors.New("no live workers")
	}
}
