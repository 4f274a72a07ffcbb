package eventbus

import (
	"sync"
	"time"
)

// DefaultHistorySize is the number of recent events retained for History queries.
const DefaultHistorySize = 10000

// Query selects events from the bus history.
type Query struct {
	Types   []EventType // Empty matches all types
	Subject string      // Empty matches all subjects
	Since   time.Time   // Zero matches all times; otherwise events at or after Since
	Until   time.Time   // Zero matches all times; otherwise events at or before Until
	Limit   int         // <= 0 means no limit
}

// history retains the most recent published events.
type history struct {
	mu   sync.RWMutex
	ring *ring[Event]
}

func newHistory(size int) *history {
	if size <= 0 {
		return nil
	}
	return &history{ring: newRing[Event](size)}
}

func (h *history) add(ev Event) {
	if h == nil {
		return
	}
	h.mu.Lock()
	h.ring.push(ev)
	h.mu.Unlock()
}

// query returns matching events, most recent first.
func (h *history) query(q Query) []Event {
	if h == nil {
		return nil
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	results := make([]Event, 0)
	h.ring.newestFirst(func(ev Event) bool {
		if !q.Since.IsZero() && ev.Timestamp.Before(q.Since) {
			return true
		}
		if !q.Until.IsZero() && ev.Timestamp.After(q.Until) {
			return true
		}
		if len(q.Types) > 0 && !containsType(q.Types, ev.Type) {
			return true
		}
		if q.Subject != "" && ev.Subject != q.Subject {
			return true
		}
		results = append(results, ev)
		return q.Limit <= 0 || len(results) < q.Limit
	})
	return results
}
