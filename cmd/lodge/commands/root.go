package commands

import (
	"fmt"
	"os"

	"github.com/dyluth/lodge/internal/config"
	"github.com/dyluth/lodge/internal/printer"
	"github.com/spf13/cobra"
)

const defaultRedisURL = "redis://localhost:6379"

var (
	version string
	commit  string
	date    string

	configPath string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "lodge",
	Short: "Lodge - priority task dispatch for long-lived agents",
	Long: `Lodge dispatches prioritized tasks to a fleet of long-lived agents,
matching each task's required tags against agent capabilities, enforcing
per-agent concurrency, and retrying failed or timed-out work.

Every task and agent transition is published on an event bus that can be
followed locally or, with Redis configured, from other processes.`,
	Version: version,
	// Prevent silent success when unknown flags are passed to root command
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
	FParseErrWhitelist: cobra.FParseErrWhitelist{},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	// We print formatted colored errors directly in the printer package
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	err := rootCmd.Execute()
	if err != nil && !printer.Printed(err) {
		printer.Error("Error: "+err.Error(), "", nil)
	}
	return err
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "lodge.yml", "Path to lodge.yml")
}

// redisTarget resolves the instance name and Redis URL for client commands.
// Flags win, then LODGE_* environment, then the config file when it exists.
func redisTarget(instanceFlag, urlFlag string) (string, string, error) {
	instanceName, redisURL := instanceFlag, urlFlag

	if instanceName == "" || redisURL == "" {
		if _, err := os.Stat(configPath); err == nil {
			cfg, err := config.Load(configPath)
			if err != nil {
				return "", "", err
			}
			if instanceName == "" {
				instanceName = cfg.Instance
			}
			if redisURL == "" && cfg.Redis != nil {
				redisURL = cfg.Redis.URL
			}
		}
	}

	if instanceName == "" {
		instanceName = os.Getenv(config.EnvPrefix + "INSTANCE")
	}
	if redisURL == "" {
		redisURL = os.Getenv(config.EnvPrefix + "REDIS_URL")
	}
	if instanceName == "" {
		instanceName = "default"
	}
	if redisURL == "" {
		redisURL = defaultRedisURL
	}
	return instanceName, redisURL, nil
}
