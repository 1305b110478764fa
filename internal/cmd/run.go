package cmd

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/deployops/deploy-control-plane/internal/schedule"
	"github.com/deployops/deploy-control-plane/internal/service"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the background refresh service",
	Long: `Run the background refresh service: fetch every managed checkout's
remotes on the configured interval and serve Prometheus metrics. Stops on
SIGINT or SIGTERM.`,
	Args: cobra.NoArgs,
	RunE: runService,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runService(cmd *cobra.Command, _ []string) error {
	cfg, logger, manager, err := setup()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sched := schedule.New(cfg.Service.Workers)
	manager.WithScheduler(sched)

	worker := service.NewRefreshWorker(manager, sched, logger).
		WithInterval(cfg.Service.SyncInterval)
	if err := worker.Start(ctx); err != nil {
		return err
	}

	var server *http.Server
	if cfg.Service.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		server = &http.Server{Addr: cfg.Service.MetricsAddr, Handler: mux}

		go func() {
			logger.Infof("Serving metrics on %s", cfg.Service.MetricsAddr)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Errorf("Metrics server: %v", err)
			}
		}()
	}

	logger.Infof("Refreshing %s every %s with %d workers", cfg.Directory, cfg.Service.SyncInterval, cfg.Service.Workers)
	<-ctx.Done()

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
	return nil
}
