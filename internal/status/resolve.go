package status

import (
	"fmt"
	"strings"

	"github.com/dyluth/lodge/internal/registry"
)

// MinShortIDLength is the minimum length accepted for an agent ID prefix.
const MinShortIDLength = 4

// ResolveAgent finds the agent whose name equals ref or whose ID starts with ref.
// An exact name match wins over ID prefixes.
func ResolveAgent(agents []registry.Agent, ref string) (registry.Agent, error) {
	for _, a := range agents {
		if a.Name == ref || a.ID == ref {
			return a, nil
		}
	}

	if len(ref) < MinShortIDLength {
		return registry.Agent{}, fmt.Errorf("short ID must be at least %d characters (got %d)", MinShortIDLength, len(ref))
	}

	var matches []registry.Agent
	for _, a := range agents {
		if strings.HasPrefix(a.ID, ref) {
			matches = append(matches, a)
		}
	}

	switch len(matches) {
	case 0:
		return registry.Agent{}, &NotFoundError{Ref: ref}
	case 1:
		return matches[0], nil
	default:
		ids := make([]string, len(matches))
		for i, m := range matches {
			ids[i] = m.ID
		}
		return registry.Agent{}, &AmbiguousError{Ref: ref, Matches: ids}
	}
}

// NotFoundError indicates no agent matched the reference.
type NotFoundError struct {
	Ref string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no agent found matching '%s'", e.Ref)
}

// AmbiguousError indicates several agent IDs share the prefix.
type AmbiguousError struct {
	Ref     string
	Matches []string
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("ambiguous short ID '%s' matches %d agents", e.Ref, len(e.Matches))
}

// FormatAmbiguousError lists up to 10 matching IDs and a hint to lengthen the prefix.
func FormatAmbiguousError(err *AmbiguousError) string {
	var b strings.Builder
	fmt.Fprintf(&b, "ambiguous short ID '%s' matches %d agents:\n", err.Ref, len(err.Matches))

	shown := err.Matches
	if len(shown) > 10 {
		shown = shown[:10]
	}
	for _, id := range shown {
		fmt.Fprintf(&b, "  %s\n", id)
	}
	if len(err.Matches) > 10 {
		fmt.Fprintf(&b, "  ...and %d more\n", len(err.Matches)-10)
	}

	b.WriteString("\nUse a longer prefix or the agent name.")
	return b.String()
}
