package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dyluth/lodge/internal/printer"
	"github.com/dyluth/lodge/internal/relay"
	"github.com/dyluth/lodge/internal/timespec"
	"github.com/dyluth/lodge/internal/watch"
	"github.com/dyluth/lodge/pkg/eventbus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

var (
	watchInstanceName string
	watchRedisURL     string
	watchOutputFormat string
	watchSince        string
	watchTypes        []string
	watchSubjects     []string
	watchNoFollow     bool
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Monitor real-time task and agent activity",
	Long: `Stream task and agent events relayed by a running 'lodge serve'.

Output Formats:
  default - Human-readable output with timestamps and emojis
  json    - Line-delimited JSON for programmatic processing

Examples:
  # Watch everything on the configured instance
  lodge watch

  # Replay the last 15 minutes of failures, then exit
  lodge watch --since 15m --type task_failed --no-follow

  # Follow one task as JSON
  lodge watch --subject 4f1c... --output=json`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchInstanceName, "instance", "", "Instance name (default from config or LODGE_INSTANCE)")
	watchCmd.Flags().StringVar(&watchRedisURL, "redis-url", "", "Redis URL (default from config or LODGE_REDIS_URL)")
	watchCmd.Flags().StringVarP(&watchOutputFormat, "output", "o", "default", "Output format (default or json)")
	watchCmd.Flags().StringVar(&watchSince, "since", "", "Replay logged events newer than a duration (1h30m) or RFC3339 time")
	watchCmd.Flags().StringSliceVar(&watchTypes, "type", nil, "Only show these event types (repeatable or comma-separated)")
	watchCmd.Flags().StringSliceVar(&watchSubjects, "subject", nil, "Only show events about these task or agent IDs")
	watchCmd.Flags().BoolVar(&watchNoFollow, "no-follow", false, "Exit after replaying logged events")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	format, err := watch.ParseOutputFormat(watchOutputFormat)
	if err != nil {
		return printer.Error(
			"invalid output format",
			fmt.Sprintf("Unknown format: %s", watchOutputFormat),
			[]string{"Valid formats: default, json"},
		)
	}

	filter := eventbus.Filter{Subjects: watchSubjects}
	for _, name := range watchTypes {
		et := eventbus.EventType(name)
		if err := et.Validate(); err != nil {
			return printer.Error("invalid event type", err.Error(), []string{
				"Valid types: task_queued, task_assigned, task_completed, task_retrying, task_failed, task_cancelled, agent_state_changed",
			})
		}
		filter.Types = append(filter.Types, et)
	}

	var since time.Time
	if watchSince != "" {
		since, err = timespec.Parse(watchSince, time.Now())
		if err != nil {
			return printer.Error("invalid --since", err.Error(), nil)
		}
	}

	if watchNoFollow && since.IsZero() {
		return printer.Error("nothing to show", "--no-follow without --since prints no events.", []string{"Add a replay window:\n  lodge watch --since 1h --no-follow"})
	}

	instanceName, redisURL, err := redisTarget(watchInstanceName, watchRedisURL)
	if err != nil {
		return printer.Error("failed to load configuration", err.Error(), nil)
	}

	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		return fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client, err := relay.NewClient(redisOpts, instanceName)
	if err != nil {
		return fmt.Errorf("failed to create relay client: %w", err)
	}
	defer client.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := client.Ping(ctx); err != nil {
		return printer.ErrorWithContext(
			"Redis connection failed",
			fmt.Sprintf("Could not connect to Redis at %s", redisURL),
			map[string]string{"Instance": instanceName},
			[]string{
				"Check the redis section of lodge.yml",
				"Pass the URL explicitly:\n  lodge watch --redis-url redis://host:6379",
			},
		)
	}

	return watch.StreamActivity(ctx, client, watch.Options{
		Format: format,
		Filter: filter,
		Since:  since,
		Follow: !watchNoFollow,
		Errors: cmd.ErrOrStderr(),
	}, cmd.OutOrStdout())
}
