package status

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/dyluth/lodge/internal/health"
	"github.com/dyluth/lodge/internal/registry"
	"github.com/dyluth/lodge/internal/scheduler"
)

// OutputFormat specifies how to render a status snapshot.
type OutputFormat string

const (
	// OutputFormatDefault prints a summary line and an agent table
	OutputFormatDefault OutputFormat = "default"

	// OutputFormatJSON prints the raw snapshot as indented JSON
	OutputFormatJSON OutputFormat = "json"
)

// ParseOutputFormat validates a user-supplied format name.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch OutputFormat(s) {
	case OutputFormatDefault, OutputFormatJSON:
		return OutputFormat(s), nil
	default:
		return "", fmt.Errorf("invalid output format: %s (must be 'default' or 'json')", s)
	}
}

// FormatTable writes the scheduler summary followed by one row per agent.
// Returns the number of agents formatted.
func FormatTable(w io.Writer, st *health.StatusResponse, instanceName string, now time.Time) int {
	fmt.Fprintf(w, "Instance '%s': %s\n\n", instanceName, formatStats(st.Scheduler))

	if len(st.Agents) == 0 {
		fmt.Fprintln(w, "No agents registered")
		return 0
	}

	agents := append([]registry.Agent(nil), st.Agents...)
	sort.Slice(agents, func(i, j int) bool { return agents[i].Name < agents[j].Name })

	fmt.Fprintf(w, "%-10s %-18s %-13s %-6s %-10s %s\n",
		"ID", "NAME", "STATE", "LOAD", "DONE/FAIL", "HEARTBEAT")
	fmt.Fprintf(w, "%-10s %-18s %-13s %-6s %-10s %s\n",
		"----------", "------------------", "-------------", "------", "----------", "---------")

	for _, a := range agents {
		fmt.Fprintf(w, "%-10s %-18s %-13s %-6s %-10s %s\n",
			formatID(a.ID),
			formatName(a.Name),
			a.State,
			fmt.Sprintf("%d/%d", a.InFlight, a.MaxConcurrent),
			fmt.Sprintf("%d/%d", a.Stats.TasksCompleted, a.Stats.TasksFailed),
			formatAge(a.LastHeartbeat, now),
		)
	}

	noun := "agent"
	if len(agents) != 1 {
		noun = "agents"
	}
	fmt.Fprintf(w, "\n%d %s, %d subscriptions, %d events dropped\n",
		len(agents), noun, len(st.Subscriptions), st.Bus.Dropped)

	return len(agents)
}

// FormatJSON writes v as pretty-printed JSON followed by a newline.
func FormatJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal status to JSON: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write JSON output: %w", err)
	}
	fmt.Fprintln(w)
	return nil
}

func formatStats(s scheduler.Stats) string {
	parts := []string{
		fmt.Sprintf("%d queued", s.Queued),
		fmt.Sprintf("%d delayed", s.Delayed),
		fmt.Sprintf("%d running", s.Running),
		fmt.Sprintf("%d live agents", s.LiveAgents),
	}

	states := make([]string, 0, len(s.ByState))
	for state := range s.ByState {
		states = append(states, string(state))
	}
	sort.Strings(states)
	for _, state := range states {
		if n := s.ByState[scheduler.State(state)]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", state, n))
		}
	}
	return strings.Join(parts, ", ")
}

// formatID truncates an agent ID to its first 8 characters.
func formatID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatName(name string) string {
	if len(name) > 18 {
		return name[:15] + "..."
	}
	return name
}

// formatAge renders t relative to now, like "12s ago" or "3h ago".
func formatAge(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}

	diff := now.Sub(t)
	if diff < 0 {
		diff = 0
	}
	switch {
	case diff < time.Minute:
		return fmt.Sprintf("%ds ago", int(diff.Seconds()))
	case diff < time.Hour:
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(diff.Hours()/24))
	}
}
