package commands

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dyluth/lodge/internal/printer"
	"github.com/dyluth/lodge/internal/remote"
	"github.com/dyluth/lodge/internal/scheduler"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

var (
	submitInstance string
	submitRedisURL string
	submitID       string
	submitPriority int
	submitTags     []string
	submitMeta     []string
	submitDeadline time.Duration
)

var submitCmd = &cobra.Command{
	Use:   "submit [content | -]",
	Short: "Submit a task to a running instance",
	Long: `Push a task onto the instance's submission queue in Redis.

The content is the task payload, read from stdin when given as '-'.
The scheduler validates the task when it takes it off the queue; rejected
submissions are logged by 'lodge serve'.

Examples:
  # Submit a high-priority task for a text-capable agent
  lodge submit --priority 9 --tag text "Summarize the incident report"

  # Submit a file's contents with metadata
  lodge submit --tag gpu --meta model=large - < prompt.txt`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().StringVar(&submitInstance, "instance", "", "Instance name (default from config or LODGE_INSTANCE)")
	submitCmd.Flags().StringVar(&submitRedisURL, "redis-url", "", "Redis URL (default from config or LODGE_REDIS_URL)")
	submitCmd.Flags().StringVar(&submitID, "id", "", "Task ID (generated when empty)")
	submitCmd.Flags().IntVarP(&submitPriority, "priority", "p", 0, "Task priority; higher runs first")
	submitCmd.Flags().StringSliceVarP(&submitTags, "tag", "t", nil, "Required agent capability (repeatable)")
	submitCmd.Flags().StringArrayVarP(&submitMeta, "meta", "m", nil, "Payload metadata KEY=VALUE (repeatable)")
	submitCmd.Flags().DurationVar(&submitDeadline, "deadline", 0, "Execution deadline override (default from instance config)")
	rootCmd.AddCommand(submitCmd)
}

func runSubmit(cmd *cobra.Command, args []string) error {
	content := []byte(args[0])
	if args[0] == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("failed to read stdin: %w", err)
		}
		content = data
	}

	metadata, err := parseMetadata(submitMeta)
	if err != nil {
		return printer.Error("invalid --meta", err.Error(), []string{"Use KEY=VALUE, e.g. --meta model=large"})
	}

	instanceName, redisURL, err := redisTarget(submitInstance, submitRedisURL)
	if err != nil {
		return printer.Error("failed to load configuration", err.Error(), nil)
	}
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		return fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	id, err := remote.Submit(ctx, rdb, instanceName, scheduler.TaskRequest{
		ID:           submitID,
		Payload:      scheduler.Payload{Content: content, Metadata: metadata},
		Priority:     submitPriority,
		RequiredTags: submitTags,
		Deadline:     submitDeadline,
	})
	if err != nil {
		return printer.ErrorWithContext(
			"failed to submit task",
			err.Error(),
			map[string]string{"Instance": instanceName, "Redis": redisURL},
			nil,
		)
	}

	// Only the ID goes to stdout so scripts can capture it.
	fmt.Fprintln(cmd.OutOrStdout(), id)
	fmt.Fprintf(cmd.ErrOrStderr(), "Follow it with:\n  lodge watch --subject %s\n", id)
	return nil
}

func parseMetadata(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	metadata := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid metadata %q: expected KEY=VALUE", pair)
		}
		metadata[key] = value
	}
	return metadata, nil
}
