package eventbus

// Filter selects which events a subscription receives.
// A zero Filter matches every event. When several fields are set an event
// must satisfy all of them.
type Filter struct {
	// Types restricts delivery to the listed event types.
	Types []EventType

	// Subjects restricts delivery to events about the listed task or agent IDs.
	Subjects []string

	// Match is an optional predicate evaluated last.
	Match func(Event) bool
}

// Matches reports whether ev passes the filter.
// The events_dropped marker is never routed through Matches; it is generated
// per subscription and always delivered.
func (f Filter) Matches(ev Event) bool {
	if len(f.Types) > 0 && !containsType(f.Types, ev.Type) {
		return false
	}
	if len(f.Subjects) > 0 && !containsString(f.Subjects, ev.Subject) {
		return false
	}
	if f.Match != nil && !f.Match(ev) {
		return false
	}
	return true
}

// ForTypes is shorthand for a filter on event types only.
func ForTypes(types ...EventType) Filter {
	return Filter{Types: types}
}

// ForSubjects is shorthand for a filter on subjects only.
func ForSubjects(subjects ...string) Filter {
	return Filter{Subjects: subjects}
}

func containsType(types []EventType, t EventType) bool {
	for _, candidate := range types {
		if candidate == t {
			return true
		}
	}
	return false
}

func containsString(values []string, s string) bool {
	for _, candidate := range values {
		if candidate == s {
			return true
		}
	}
	return false
}
