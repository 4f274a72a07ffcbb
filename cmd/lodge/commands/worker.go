package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dyluth/lodge/internal/logging"
	"github.com/dyluth/lodge/internal/printer"
	"github.com/dyluth/lodge/internal/remote"
	"github.com/dyluth/lodge/internal/toolexec"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

var (
	workerName        string
	workerInstance    string
	workerRedisURL    string
	workerConcurrency int
	workerHeartbeat   time.Duration
	workerEnv         []string
	workerLogLevel    string
)

var workerCmd = &cobra.Command{
	Use:   "worker --name <agent> -- <command> [args...]",
	Short: "Serve a remote agent's tasks by running a command",
	Long: `Serve tasks for an agent declared with 'remote: true' in the instance's lodge.yml.

Each task is piped as JSON to the command's stdin. The command must print one
JSON object, {"result": ...} or {"error": "..."}, and exit. A non-zero exit
code fails the task.

Examples:
  # Serve gpu-box with two concurrent tasks
  lodge worker --name gpu-box --concurrency 2 -- ./infer.sh

  # Point at a specific Redis
  lodge worker --name gpu-box --redis-url redis://queue:6379/0 -- python agent.py`,
	Args: cobra.MinimumNArgs(1),
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().StringVarP(&workerName, "name", "n", "", "Agent name, as declared under workers in lodge.yml (required)")
	workerCmd.Flags().StringVar(&workerInstance, "instance", "", "Instance name (default from config or LODGE_INSTANCE)")
	workerCmd.Flags().StringVar(&workerRedisURL, "redis-url", "", "Redis URL (default from config or LODGE_REDIS_URL)")
	workerCmd.Flags().IntVar(&workerConcurrency, "concurrency", 1, "Tasks run at once")
	workerCmd.Flags().DurationVar(&workerHeartbeat, "heartbeat", remote.DefaultHeartbeatInterval, "Heartbeat interval")
	workerCmd.Flags().StringArrayVarP(&workerEnv, "env", "e", nil, "Extra KEY=VALUE environment for the command (repeatable)")
	workerCmd.Flags().StringVar(&workerLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	workerCmd.MarkFlagRequired("name")
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	if err := logging.Setup(workerLogLevel, "text"); err != nil {
		return printer.Error("invalid log level", err.Error(), nil)
	}
	logger := logging.For("worker").WithField("agent", workerName)

	instanceName, redisURL, err := redisTarget(workerInstance, workerRedisURL)
	if err != nil {
		return printer.Error("failed to load configuration", err.Error(), nil)
	}

	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		return printer.Error("invalid Redis URL", fmt.Sprintf("Error: %v", err), nil)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	runner, err := toolexec.NewRunner(args, workerEnv, logger)
	if err != nil {
		return printer.Error("invalid worker command", err.Error(), nil)
	}

	w, err := remote.NewWorker(rdb, remote.WorkerConfig{
		InstanceName:      instanceName,
		AgentName:         workerName,
		Concurrency:       workerConcurrency,
		HeartbeatInterval: workerHeartbeat,
		Logger:            logger,
	}, runner)
	if err != nil {
		return printer.Error("invalid worker configuration", err.Error(), nil)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := w.Run(ctx); err != nil {
		return printer.ErrorWithContext(
			"worker stopped with an error",
			err.Error(),
			map[string]string{"Instance": instanceName, "Redis": redisURL},
			[]string{"Check Redis is reachable and the instance is running:\n  lodge serve"},
		)
	}
	return nil
}
