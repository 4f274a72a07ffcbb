package commands

import (
	"context"
	"errors"
	"net"
	"os"
	"time"

	"github.com/dyluth/lodge/internal/config"
	"github.com/dyluth/lodge/internal/printer"
	"github.com/dyluth/lodge/internal/status"
	"github.com/spf13/cobra"
)

const defaultHealthAddr = "localhost:8080"

var (
	statusAddr         string
	statusOutputFormat string
)

var statusCmd = &cobra.Command{
	Use:   "status [agent]",
	Short: "Show queue depth and agent state of a running node",
	Long: `Query the health endpoint of a running 'lodge serve' and print the
scheduler counters and the agent table.

With an argument, print the full record of one agent. The argument is the
agent's name or a prefix of its ID.

Examples:
  lodge status
  lodge status --addr gpu-node:8080 --output json
  lodge status summarizer`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusAddr, "addr", "", "Health endpoint address (default from config health.addr)")
	statusCmd.Flags().StringVarP(&statusOutputFormat, "output", "o", "default", "Output format (default or json)")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	format, err := status.ParseOutputFormat(statusOutputFormat)
	if err != nil {
		return printer.Error("invalid output format", err.Error(), []string{"Valid formats: default, json"})
	}

	addr, instanceName, err := statusTarget(statusAddr)
	if err != nil {
		return printer.Error("failed to load configuration", err.Error(), nil)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	st, err := status.Fetch(ctx, nil, addr)
	if err != nil {
		return printer.ErrorWithContext(
			"status unavailable",
			err.Error(),
			map[string]string{"Address": addr},
			[]string{
				"Start a node:\n  lodge serve",
				"Point at a different node:\n  lodge status --addr host:8080",
			},
		)
	}

	w := cmd.OutOrStdout()
	if len(args) == 1 {
		agent, err := status.ResolveAgent(st.Agents, args[0])
		if err != nil {
			var amb *status.AmbiguousError
			if errors.As(err, &amb) {
				return printer.Error("ambiguous agent", status.FormatAmbiguousError(amb), nil)
			}
			return printer.Error("agent not found", err.Error(), []string{"List agents:\n  lodge status"})
		}
		return status.FormatJSON(w, agent)
	}

	if format == status.OutputFormatJSON {
		return status.FormatJSON(w, st)
	}
	status.FormatTable(w, st, instanceName, time.Now())
	return nil
}

// statusTarget resolves the health address and instance name.
// The flag wins, then the config file, then LODGE_HEALTH_ADDR.
func statusTarget(addrFlag string) (string, string, error) {
	addr := addrFlag
	instanceName := os.Getenv(config.EnvPrefix + "INSTANCE")

	if _, err := os.Stat(configPath); err == nil {
		cfg, err := config.Load(configPath)
		if err != nil {
			return "", "", err
		}
		instanceName = cfg.Instance
		if addr == "" {
			addr = cfg.Health.Addr
		}
	}

	if addr == "" {
		addr = os.Getenv(config.EnvPrefix + "HEALTH_ADDR")
	}
	if addr == "" {
		addr = defaultHealthAddr
	}
	if instanceName == "" {
		instanceName = "default"
	}
	return dialAddr(addr), instanceName, nil
}

// dialAddr turns a listen address like ":8080" into something a client can dial.
func dialAddr(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return net.JoinHostPort(host, port)
}
