package commands

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dyluth/lodge/internal/config"
	"github.com/dyluth/lodge/internal/health"
	"github.com/dyluth/lodge/internal/relay"
	"github.com/dyluth/lodge/internal/remote"
	"github.com/dyluth/lodge/internal/scheduler"
	"github.com/dyluth/lodge/internal/toolexec"
	"github.com/dyluth/lodge/pkg/eventbus"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// relayCheckInterval is how often a dropped relay subscription is noticed.
const relayCheckInterval = time.Second

// node is one running `lodge serve` process.
type node struct {
	cfg    *config.LodgeConfig
	logger logrus.FieldLogger

	bus    *eventbus.Bus
	sched  *scheduler.Scheduler
	health *health.Server

	rdb      *redis.Client
	relay    *relay.Client
	listener *remote.HeartbeatListener
	intake   *remote.Intake

	// In-process agents have no heartbeat source of their own.
	localAgents []string
}

// newNode wires every component described by cfg. Nothing runs until start.
func newNode(cfg *config.LodgeConfig, logger logrus.FieldLogger) (*node, error) {
	n := &node{cfg: cfg, logger: logger}

	n.bus = eventbus.New(eventbus.Config{
		BufferCapacity: cfg.Bus.BufferCapacity,
		HistorySize:    cfg.Bus.HistorySize,
		Logger:         logger.WithField("component", "eventbus"),
	})

	opts := cfg.SchedulerOptions()
	opts.Logger = logger
	n.sched = scheduler.New(opts, n.bus)

	if cfg.Redis != nil {
		if err := n.connectRedis(); err != nil {
			n.close(context.Background())
			return nil, err
		}
	}

	if err := n.registerWorkers(); err != nil {
		n.close(context.Background())
		return nil, err
	}

	var pinger health.Pinger
	if n.relay != nil {
		pinger = n.relay
	}
	n.health = health.NewServer(cfg.Health.Addr, health.Options{
		Redis:     pinger,
		Scheduler: n.sched,
		Bus:       n.bus,
		Logger:    logger.WithField("component", "health"),
	})
	return n, nil
}

func (n *node) connectRedis() error {
	redisOpts, err := redis.ParseURL(n.cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	n.rdb = redis.NewClient(redisOpts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := n.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis at %s: %w", n.cfg.Redis.URL, err)
	}

	n.relay, err = relay.NewClient(redisOpts, n.cfg.Instance)
	if err != nil {
		return fmt.Errorf("failed to create relay client: %w", err)
	}
	if _, err := n.relay.Attach(n.bus, eventbus.Filter{}); err != nil {
		return err
	}

	n.listener, err = remote.NewHeartbeatListener(n.rdb, n.cfg.Instance, n.sched, n.logger.WithField("component", "heartbeats"))
	if err != nil {
		return err
	}
	n.intake, err = remote.NewIntake(n.rdb, n.cfg.Instance, n.sched, n.logger)
	return err
}

// registerWorkers registers every configured worker in name order.
func (n *node) registerWorkers() error {
	names := make([]string, 0, len(n.cfg.Workers))
	for name := range n.cfg.Workers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		w := n.cfg.Workers[name]
		log := n.logger.WithField("agent", name)

		var exec scheduler.Executor
		if w.Remote {
			remoteExec, err := remote.NewExecutor(n.rdb, n.cfg.Instance, name, log)
			if err != nil {
				return fmt.Errorf("worker '%s': %w", name, err)
			}
			exec = remoteExec
		} else {
			runner, err := toolexec.NewRunner(w.Command, w.Environment, log)
			if err != nil {
				return fmt.Errorf("worker '%s': %w", name, err)
			}
			exec = runner
		}

		id, err := n.sched.RegisterAgent(w.Descriptor(name), exec)
		if err != nil {
			return fmt.Errorf("failed to register worker '%s': %w", name, err)
		}
		if !w.Remote {
			if err := n.sched.ActivateAgent(id); err != nil {
				return err
			}
			n.localAgents = append(n.localAgents, id)
		}
		log.WithFields(logrus.Fields{
			"agent_id":       id,
			"remote":         w.Remote,
			"capabilities":   w.Capabilities,
			"max_concurrent": w.MaxConcurrent,
		}).Info("Worker registered")
	}
	return nil
}

// run starts the background loops and the health server, then blocks until
// ctx is cancelled.
func (n *node) run(ctx context.Context) error {
	if err := n.health.Start(); err != nil {
		return err
	}

	var wg sync.WaitGroup
	spawn := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				n.logger.WithError(err).WithField("loop", name).Error("Background loop failed")
			}
		}()
	}

	spawn("watchdog", n.sched.Run)
	spawn("local-heartbeats", n.localHeartbeats)
	if n.listener != nil {
		spawn("heartbeat-listener", n.listener.Run)
	}
	if n.intake != nil {
		spawn("intake", n.intake.Run)
	}
	if n.relay != nil {
		spawn("relay-keeper", func(ctx context.Context) error {
			return n.relay.Keep(ctx, n.bus, eventbus.Filter{}, relayCheckInterval, n.logger.WithField("component", "relay"))
		})
	}

	<-ctx.Done()
	wg.Wait()
	return nil
}

// localHeartbeats keeps in-process agents alive.
func (n *node) localHeartbeats(ctx context.Context) error {
	if len(n.localAgents) == 0 {
		return nil
	}
	interval := n.cfg.Agents.HeartbeatTimeout / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, id := range n.localAgents {
				if err := n.sched.Heartbeat(id); err != nil {
					n.logger.WithError(err).WithField("agent_id", id).Debug("Local heartbeat rejected")
				}
			}
		}
	}
}

// close drains the scheduler and releases every resource.
func (n *node) close(ctx context.Context) error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	keep(n.sched.Shutdown(ctx))
	if n.health != nil {
		keep(n.health.Shutdown(ctx))
	}
	n.bus.Close()
	if n.relay != nil {
		keep(n.relay.Close())
	}
	if n.rdb != nil {
		keep(n.rdb.Close())
	}
	return firstErr
}
