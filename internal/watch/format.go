package watch

import (
	"fmt"
	"strings"

	"github.com/dyluth/lodge/pkg/eventbus"
	"github.com/fatih/color"
)

var (
	failureColor = color.New(color.FgRed)
	warnColor    = color.New(color.FgYellow)
	successColor = color.New(color.FgGreen)
	plainColor   = color.New()
)

// FormatEvent renders one event as a single human-readable line, without
// timestamp or color.
func FormatEvent(ev eventbus.Event) string {
	p := ev.Payload
	switch ev.Type {
	case eventbus.EventTaskQueued:
		line := fmt.Sprintf("📥 Task Queued: id=%s priority=%v", ev.Subject, p["priority"])
		if tags := listValue(p["required_tags"]); tags != "" {
			line += " tags=" + tags
		}
		return line

	case eventbus.EventTaskAssigned:
		return fmt.Sprintf("🚀 Task Assigned: id=%s to=%s (generation %v)", ev.Subject, p["agent_id"], p["generation"])

	case eventbus.EventTaskCompleted:
		return fmt.Sprintf("✅ Task Completed: id=%s by=%s in %vms", ev.Subject, p["agent_id"], p["duration_ms"])

	case eventbus.EventTaskRetrying:
		return fmt.Sprintf("🔁 Task Retrying: id=%s attempt %v/%v: %s", ev.Subject, p["retries"], p["max_retries"], p["error"])

	case eventbus.EventTaskFailed:
		return fmt.Sprintf("❌ Task Failed: id=%s: %s", ev.Subject, p["error"])

	case eventbus.EventTaskCancelled:
		return fmt.Sprintf("🚫 Task Cancelled: id=%s (was %s)", ev.Subject, p["previous_state"])

	case eventbus.EventAgentStateChanged:
		from := fmt.Sprint(p["from"])
		if from == "" {
			from = "new"
		}
		line := fmt.Sprintf("🤖 Agent %s: %s → %s", p["name"], from, p["to"])
		if reason, _ := p["reason"].(string); reason != "" {
			line += " (" + reason + ")"
		}
		return line

	case eventbus.EventEventsDropped:
		return fmt.Sprintf("⚠️  Events Dropped: %d events missed", ev.DroppedCount())

	default:
		return fmt.Sprintf("%s: %s", ev.Type, ev.Subject)
	}
}

func colorFor(ev eventbus.Event) *color.Color {
	switch ev.Type {
	case eventbus.EventTaskFailed:
		return failureColor
	case eventbus.EventTaskRetrying, eventbus.EventEventsDropped:
		return warnColor
	case eventbus.EventTaskCompleted:
		return successColor
	default:
		return plainColor
	}
}

// listValue renders a []string or a JSON-decoded []any as a comma-separated list.
func listValue(v any) string {
	switch list := v.(type) {
	case []string:
		return strings.Join(list, ",")
	case []any:
		parts := make([]string, 0, len(list))
		for _, item := range list {
			parts = append(parts, fmt.Sprint(item))
		}
		return strings.Join(parts, ",")
	}
	return ""
}
