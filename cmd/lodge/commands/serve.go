package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dyluth/lodge/internal/config"
	"github.com/dyluth/lodge/internal/logging"
	"github.com/dyluth/lodge/internal/printer"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var serveShutdownTimeout time.Duration

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler with the configured workers",
	Long: `Run the scheduler, event bus and health server for one instance.

Workers listed in lodge.yml are registered at startup. Local workers run
their command once per task; remote workers are served by 'lodge worker'
processes over Redis. With a redis section configured, events are relayed
for 'lodge watch' and tasks can be submitted with 'lodge submit'.

On SIGINT or SIGTERM every agent is drained and running tasks are given
--shutdown-timeout to finish.

Examples:
  # Serve using ./lodge.yml
  lodge serve

  # Serve a specific config with debug logging
  LODGE_LOG_LEVEL=debug lodge serve --config /etc/lodge/prod.yml`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().DurationVar(&serveShutdownTimeout, "shutdown-timeout", 30*time.Second, "Time allowed for running tasks to finish on shutdown")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return printer.ErrorWithContext(
			"failed to load configuration",
			err.Error(),
			map[string]string{"Config": configPath},
			[]string{"Check the file exists and starts with:\n  version: \"1.0\""},
		)
	}

	if err := logging.Setup(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		return printer.Error("invalid logging configuration", err.Error(), nil)
	}
	logger := logging.For("lodge").WithField("instance", cfg.Instance)

	n, err := newNode(cfg, logger)
	if err != nil {
		return printer.ErrorWithContext(
			"failed to start instance",
			err.Error(),
			map[string]string{"Instance": cfg.Instance, "Config": configPath},
			nil,
		)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 1)
	go func() {
		errCh <- n.run(runCtx)
	}()

	logger.WithFields(logrus.Fields{
		"workers":     len(cfg.Workers),
		"health_addr": cfg.Health.Addr,
		"redis":       cfg.Redis != nil,
	}).Info("Lodge serving")

	var runErr error
	select {
	case sig := <-sigCh:
		logger.WithField("signal", sig.String()).Info("Shutting down gracefully")
		cancel()
		runErr = <-errCh
	case runErr = <-errCh:
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), serveShutdownTimeout)
	defer shutdownCancel()
	if err := n.close(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Shutdown incomplete")
	}

	if runErr != nil {
		return printer.Error("instance stopped with an error", fmt.Sprintf("Error: %v", runErr), nil)
	}
	logger.Info("Shutdown complete")
	return nil
}
