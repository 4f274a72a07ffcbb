package eventbus

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DefaultBufferCapacity is the per-subscriber outbound buffer size.
const DefaultBufferCapacity = 256

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("event bus is closed")

// Config holds bus tuning parameters.
type Config struct {
	// BufferCapacity is the number of undelivered events held per subscriber.
	BufferCapacity int

	// HistorySize is the number of recent events kept for History.
	// Zero uses DefaultHistorySize; a negative value disables history.
	HistorySize int

	// Logger receives subscription lifecycle and delivery failure logs.
	Logger logrus.FieldLogger
}

func (c Config) withDefaults() Config {
	if c.BufferCapacity <= 0 {
		c.BufferCapacity = DefaultBufferCapacity
	}
	if c.HistorySize == 0 {
		c.HistorySize = DefaultHistorySize
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	return c
}

// Stats are cumulative bus counters.
type Stats struct {
	Published     uint64 `json:"published"`
	Delivered     uint64 `json:"delivered"`
	Dropped       uint64 `json:"dropped"`
	Failed        uint64 `json:"failed_deliveries"`
	Subscriptions int    `json:"subscriptions"`
}

type counters struct {
	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
}

// Bus routes published events to every matching subscription.
// All methods are safe for concurrent use.
type Bus struct {
	cfg Config
	log logrus.FieldLogger

	mu     sync.RWMutex
	subs   map[string]*Subscription
	byConn map[string]map[string]*Subscription
	closed bool

	// pubMu serializes Publish so Seq order equals enqueue order on every buffer.
	pubMu sync.Mutex
	seq   uint64

	history *history
	stats   counters
	wg      sync.WaitGroup
}

// New creates a bus. Zero-valued Config fields take their defaults.
func New(cfg Config) *Bus {
	cfg = cfg.withDefaults()
	return &Bus{
		cfg:     cfg,
		log:     cfg.Logger.WithField("component", "eventbus"),
		subs:    make(map[string]*Subscription),
		byConn:  make(map[string]map[string]*Subscription),
		history: newHistory(cfg.HistorySize),
	}
}

// Subscribe registers conn for events matching filter and starts its delivery goroutine.
// Returns the subscription ID used by Unsubscribe.
func (b *Bus) Subscribe(conn Connection, filter Filter) (string, error) {
	if err := conn.Validate(); err != nil {
		return "", fmt.Errorf("invalid connection: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return "", ErrClosed
	}

	id := uuid.New().String()
	sub := newSubscription(id, conn, filter, b.cfg.BufferCapacity, b)
	b.subs[id] = sub
	if b.byConn[conn.ID] == nil {
		b.byConn[conn.ID] = make(map[string]*Subscription)
	}
	b.byConn[conn.ID][id] = sub

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		sub.run()
	}()

	b.log.WithFields(logrus.Fields{"subscription_id": id, "connection_id": conn.ID}).Debug("Subscription added")
	return id, nil
}

// Unsubscribe removes a subscription. Buffered events are discarded.
// Returns false if the subscription does not exist.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		b.removeLocked(sub)
	}
	b.mu.Unlock()

	if ok {
		sub.cancel()
	}
	return ok
}

// DisconnectConnection removes every subscription held by connID and
// returns how many were removed.
func (b *Bus) DisconnectConnection(connID string) int {
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.byConn[connID]))
	for _, sub := range b.byConn[connID] {
		subs = append(subs, sub)
	}
	for _, sub := range subs {
		b.removeLocked(sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
	}
	if len(subs) > 0 {
		b.log.WithFields(logrus.Fields{"connection_id": connID, "subscriptions": len(subs)}).Debug("Connection disconnected")
	}
	return len(subs)
}

// Publish stamps ev with the next sequence number, records it in history and
// enqueues it on every matching subscription. It never waits for a subscriber.
func (b *Bus) Publish(ev Event) error {
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}
	if ev.Type == EventEventsDropped {
		return fmt.Errorf("invalid event: %s is reserved for the bus", EventEventsDropped)
	}

	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrClosed
	}

	b.seq++
	ev.Seq = b.seq
	b.history.add(ev)
	b.stats.published.Add(1)

	for _, sub := range b.subs {
		if !sub.filter.Matches(ev) {
			continue
		}
		if sub.enqueue(ev) {
			b.stats.dropped.Add(1)
		}
	}
	return nil
}

// History returns retained events matching q, most recent first.
func (b *Bus) History(q Query) []Event {
	return b.history.query(q)
}

// Stats returns a snapshot of the bus counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	n := len(b.subs)
	b.mu.RUnlock()

	return Stats{
		Published:     b.stats.published.Load(),
		Delivered:     b.stats.delivered.Load(),
		Dropped:       b.stats.dropped.Load(),
		Failed:        b.stats.failed.Load(),
		Subscriptions: n,
	}
}

// Subscriptions lists active subscriptions ordered by connection then ID.
func (b *Bus) Subscriptions() []SubscriptionInfo {
	b.mu.RLock()
	infos := make([]SubscriptionInfo, 0, len(b.subs))
	for _, sub := range b.subs {
		infos = append(infos, sub.info())
	}
	b.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].ConnectionID != infos[j].ConnectionID {
			return infos[i].ConnectionID < infos[j].ConnectionID
		}
		return infos[i].ID < infos[j].ID
	})
	return infos
}

// Close stops every subscription and waits for delivery goroutines to exit.
// Deliverers must honour context cancellation for Close to return.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[string]*Subscription)
	b.byConn = make(map[string]map[string]*Subscription)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
	}
	b.wg.Wait()
}

// deliveryFailed tears down a subscription whose Deliverer returned an error.
func (b *Bus) deliveryFailed(sub *Subscription, err error) {
	b.stats.failed.Add(1)

	b.mu.Lock()
	_, ok := b.subs[sub.id]
	if ok {
		b.removeLocked(sub)
	}
	b.mu.Unlock()

	sub.cancel()
	if ok {
		b.log.WithFields(logrus.Fields{
			"subscription_id": sub.id,
			"connection_id":   sub.conn.ID,
			"error":           err.Error(),
		}).Warn("Delivery failed, subscription removed")
	}
}

func (b *Bus) removeLocked(sub *Subscription) {
	delete(b.subs, sub.id)
	if conns, ok := b.byConn[sub.conn.ID]; ok {
		delete(conns, sub.id)
		if len(conns) == 0 {
			delete(b.byConn, sub.conn.ID)
		}
	}
}
