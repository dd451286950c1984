package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Martian-dev/invoice-ingest/internal/api"
	"github.com/Martian-dev/invoice-ingest/internal/auth"
	"github.com/Martian-dev/invoice-ingest/internal/sync"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"s", "server", "run"},
	Short:   "Start the Invoice Ingest server",
	Long: `Start the HTTP trigger surface, the sweep scheduler and the outbox
dispatcher.

Example:
  invoice-ingest serve --config config.yaml

The server listens on the address configured in the config file. SIGINT and
SIGTERM stop it gracefully.`,
	RunE: runServe,
}

var serveFlags struct {
	Host         string
	Port         int
	Timeout      time.Duration
	NoScheduler  bool
	NoDispatcher bool
}

func init() {
	serveCmd.Flags().StringVar(&serveFlags.Host, "host", "", "Server host (overrides config)")
	serveCmd.Flags().IntVar(&serveFlags.Port, "port", 0, "Server port (overrides config)")
	serveCmd.Flags().DurationVar(&serveFlags.Timeout, "timeout", 0, "Shutdown timeout (overrides config)")
	serveCmd.Flags().BoolVar(&serveFlags.NoScheduler, "no-scheduler", false, "Do not run scheduled sweeps in-process")
	serveCmd.Flags().BoolVar(&serveFlags.NoDispatcher, "no-dispatcher", false, "Do not drain the outbox in-process")

	RootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	if serveFlags.Host != "" {
		cfg.Server.Host = serveFlags.Host
	}
	if serveFlags.Port != 0 {
		cfg.Server.Port = serveFlags.Port
	}
	if serveFlags.Timeout > 0 {
		cfg.Server.ShutdownTimeout = serveFlags.Timeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	defer a.close()

	var callers api.CallerVerifier
	if cfg.Server.JWKSURL != "" {
		verifier, err := auth.NewJWTVerifier(ctx, cfg.Server.JWKSURL)
		if err != nil {
			return fmt.Errorf("failed to initialize JWT verifier: %w", err)
		}
		callers = verifier
	} else {
		logger.Warn("jwks_url not set; on-demand sync is disabled")
	}

	var cron api.CronVerifier
	if cfg.Server.CronSecret != "" {
		cron = auth.NewCronVerifier(cfg.Server.CronSecret)
	} else {
		logger.Warn("cron_secret not set; cron trigger is disabled")
	}

	if cfg.Log.Level != "debug" && !globalFlags.Verbose {
		gin.SetMode(gin.ReleaseMode)
	}
	server := api.NewServer(cfg.Server, a.manager, callers, cron, a.metrics, logger)

	done := make(chan struct{})
	workers := 0
	if !serveFlags.NoScheduler {
		workers++
		go func() {
			defer func() { done <- struct{}{} }()
			sync.NewScheduler(a.manager, cfg.Sync.ScheduleInterval, logger).Run(ctx)
		}()
	}
	if !serveFlags.NoDispatcher {
		workers++
		go func() {
			defer func() { done <- struct{}{} }()
			a.dispatcher.Run(ctx)
		}()
	}

	setupGracefulShutdown(server, a, cancel, cfg.Server.ShutdownTimeout, logger)

	if err := server.Run(); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	cancel()
	for ; workers > 0; workers-- {
		<-done
	}
	logger.Info("server stopped")
	return nil
}

// setupGracefulShutdown stops the HTTP server, background loops and in-flight
// sweeps on SIGINT or SIGTERM
func setupGracefulShutdown(server *api.Server, a *app, cancel context.CancelFunc, timeout time.Duration, logger *zap.Logger) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("received signal", zap.String("signal", sig.String()))

		ctx, stop := context.WithTimeout(context.Background(), timeout)
		defer stop()

		cancel()
		a.manager.StopAll()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("error during server shutdown", zap.Error(err))
		}
	}()
}
