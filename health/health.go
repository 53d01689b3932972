// Package health implements the per-node failure detector: a single driver
// task on a fixed interval, probing every registered peer and broadcasting
// node state transitions on a bounded channel.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/NVIDIA/prism/cluster"
	"github.com/NVIDIA/prism/config"
	"github.com/NVIDIA/prism/stats"
)

// stateGauge is the value HealthNodeState reports: 0=alive, 1=suspect,
// 2=dead.
func stateGauge(s State) float64 {
	switch s {
	case Suspect:
		return 1
	case Dead:
		return 2
	default:
		return 0
	}
}

type State string

const (
	Alive   State = "alive"
	Suspect State = "suspect"
	Dead    State = "dead"
)

type Info struct {
	State            State
	StateSince       time.Time
	LastHeartbeat    time.Time
	MissedHeartbeats int
	LastLatencyMs    int64
}

type EventKind string

const (
	EventBecameSuspect EventKind = "became_suspect"
	EventBecameAlive   EventKind = "became_alive"
	EventBecameDead    EventKind = "became_dead"
)

type Event struct {
	NodeID string
	Kind   EventKind
	At     time.Time
}

// Pinger is the probe used to heartbeat a node; in production this is a
// thin wrapper over backend.SearchBackend.Ping.
type Pinger interface {
	Ping(ctx context.Context, node *cluster.Node) (latencyMs int64, err error)
}

// Checker drives the Alive→Suspect→Dead state machine. Only one tick runs
// at a time; no two ticks for this driver overlap.
type Checker struct {
	cfg    config.HealthConf
	state  *cluster.State
	pinger Pinger
	selfID string

	mu    sync.RWMutex
	infos map[string]*Info

	events chan Event

	onDead func(nodeID string)
}

func NewChecker(cfg config.HealthConf, cs *cluster.State, pinger Pinger, selfID string) *Checker {
	return &Checker{
		cfg:    cfg,
		state:  cs,
		pinger: pinger,
		selfID: selfID,
		infos:  make(map[string]*Info),
		events: make(chan Event, 256),
	}
}

// Events returns the broadcast channel; subscribers may drop on lag (the
// partition detector handles lag by recomputing state from scratch).
func (c *Checker) Events() <-chan Event { return c.events }

// OnDead registers the failure action invoked when a node transitions to
// Dead. Rebalance is advisory: it only notifies and records a metric; the
// rebalance engine decides whether to act.
func (c *Checker) OnDead(fn func(nodeID string)) { c.onDead = fn }

func (c *Checker) infoFor(id string) *Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.infos[id]
	if !ok {
		info = &Info{State: Alive, StateSince: time.Now()}
		c.infos[id] = info
	}
	return info
}

func (c *Checker) Info(id string) (Info, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info, ok := c.infos[id]
	if !ok {
		return Info{}, false
	}
	return *info, true
}

// Snapshot returns every tracked node's current state. The partition
// detector recomputes its state from this after losing broadcast events to
// channel lag.
func (c *Checker) Snapshot() map[string]State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]State, len(c.infos))
	for id, info := range c.infos {
		out[id] = info.State
	}
	return out
}

func (c *Checker) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		log.Warn().Str("node", ev.NodeID).Msg("health event channel full, dropping")
	}
}

// Run blocks, ticking at HeartbeatInterval until ctx is cancelled. On
// cancellation it finishes the in-flight tick and returns.
func (c *Checker) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

func (c *Checker) tick(ctx context.Context) {
	// Self is recorded as a synthetic successful heartbeat so it stays
	// visible in quorum accounting.
	c.recordSuccess(c.selfID, 0)

	for _, n := range c.state.AllNodes() {
		if n.ID == c.selfID {
			continue
		}
		latency, err := c.pinger.Ping(ctx, n)
		if err != nil {
			c.recordMiss(n.ID)
			continue
		}
		c.recordSuccess(n.ID, latency)
	}
	c.sweepSuspectTimeouts()
}

func (c *Checker) recordSuccess(id string, latencyMs int64) {
	info := c.infoFor(id)
	c.mu.Lock()
	prev := info.State
	info.LastHeartbeat = time.Now()
	info.MissedHeartbeats = 0
	info.LastLatencyMs = latencyMs
	if info.State == Suspect {
		info.State = Alive
		info.StateSince = time.Now()
	}
	cur := info.State
	c.mu.Unlock()

	if err := c.state.UpdateHeartbeat(id); err != nil {
		log.Debug().Str("node", id).Err(err).Msg("heartbeat for unregistered node")
	}
	stats.HealthNodeState.WithLabelValues(id).Set(stateGauge(cur))
	if prev == Suspect {
		stats.HealthTransitionsTotal.WithLabelValues(string(EventBecameAlive)).Inc()
		c.emit(Event{NodeID: id, Kind: EventBecameAlive, At: time.Now()})
	}
}

func (c *Checker) recordMiss(id string) {
	info := c.infoFor(id)
	c.mu.Lock()
	info.MissedHeartbeats++
	becameSuspect := info.State == Alive && info.MissedHeartbeats >= c.cfg.FailureThreshold
	if becameSuspect {
		info.State = Suspect
		info.StateSince = time.Now()
	}
	c.mu.Unlock()
	if becameSuspect {
		stats.HealthNodeState.WithLabelValues(id).Set(stateGauge(Suspect))
		stats.HealthTransitionsTotal.WithLabelValues(string(EventBecameSuspect)).Inc()
		c.emit(Event{NodeID: id, Kind: EventBecameSuspect, At: time.Now()})
	}
}

func (c *Checker) sweepSuspectTimeouts() {
	c.mu.Lock()
	var nowDead []string
	now := time.Now()
	for id, info := range c.infos {
		if info.State == Suspect && now.Sub(info.StateSince) >= c.cfg.SuspectTimeout {
			info.State = Dead
			info.StateSince = now
			nowDead = append(nowDead, id)
		}
	}
	c.mu.Unlock()

	for _, id := range nowDead {
		if err := c.state.MarkUnreachable(id); err != nil {
			log.Debug().Str("node", id).Err(err).Msg("mark unreachable for unregistered node")
		}
		stats.HealthNodeState.WithLabelValues(id).Set(stateGauge(Dead))
		stats.HealthTransitionsTotal.WithLabelValues(string(EventBecameDead)).Inc()
		c.emit(Event{NodeID: id, Kind: EventBecameDead, At: now})
		switch c.cfg.OnFailure {
		case config.OnFailureRebalance:
			if c.onDead != nil {
				c.onDead(id)
			}
		case config.OnFailureAlertOnly:
			log.Warn().Str("node", id).Msg("node dead: alert only")
		case config.OnFailureManual:
			log.Warn().Str("node", id).Msg("node dead: manual intervention required")
		}
	}
}
