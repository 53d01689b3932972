// Package partition derives the cluster's partition state from node health
// and gates reads/writes against it under the configured consistency
// policy. Healing returns to healthy only when the configured
// conflict-resolution strategy is LastWriteWins; no per-node data
// reconciliation is performed.
package partition

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/NVIDIA/prism/config"
	"github.com/NVIDIA/prism/health"
	"github.com/NVIDIA/prism/internal/cmn"
	"github.com/NVIDIA/prism/stats"
)

// kindGauge mirrors PartitionState's documented contract: 0=healthy,
// 1=partitioned, 2=healing.
func kindGauge(k Kind) float64 {
	switch k {
	case KindPartitioned:
		return 1
	case KindHealing:
		return 2
	default:
		return 0
	}
}

var ErrUnsupportedResolution = cmn.NewPolicyMismatchError("partition: unsupported conflict resolution strategy")

type Kind string

const (
	KindHealthy     Kind = "healthy"
	KindPartitioned Kind = "partitioned"
	KindHealing     Kind = "healing"
)

// State is a tagged variant; only the fields relevant to the active Kind
// are meaningful.
type State struct {
	Kind Kind

	// Healthy
	NodeCount int

	// Partitioned
	Reachable   []string
	Unreachable []string
	HasQuorum   bool
	DetectedAt  time.Time

	// Healing
	Reconnected      []string
	ConflictsPending int
	StartedAt        time.Time
}

// ClusterHealth is the minimal snapshot the detector needs: every known
// node id and whether it is currently Alive.
type ClusterHealth struct {
	Nodes map[string]health.State
}

func (h ClusterHealth) alive() (alive, total []string) {
	for id, st := range h.Nodes {
		total = append(total, id)
		if st == health.Alive {
			alive = append(alive, id)
		}
	}
	return
}

type EventKind string

const (
	EventPartitionDetected EventKind = "partition_detected"
	EventQuorumLost        EventKind = "quorum_lost"
	EventQuorumRestored    EventKind = "quorum_restored"
	EventPartitionHealed   EventKind = "partition_healed"
)

type Event struct {
	Kind EventKind
	At   time.Time
}

type Detector struct {
	cfg config.ConsistencyConf

	mu    sync.RWMutex
	state State

	events chan Event
}

func NewDetector(cfg config.ConsistencyConf) *Detector {
	return &Detector{
		cfg:    cfg,
		state:  State{Kind: KindHealthy},
		events: make(chan Event, 64),
	}
}

func (d *Detector) Current() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// Events returns the detector's broadcast channel; like the health checker's,
// it is bounded and may drop on lag.
func (d *Detector) Events() <-chan Event { return d.events }

func (d *Detector) emit(kind EventKind) {
	select {
	case d.events <- Event{Kind: kind, At: time.Now()}:
	default:
		log.Warn().Str("kind", string(kind)).Msg("partition event channel full, dropping")
	}
}

// Observe recomputes partition state from a fresh ClusterHealth snapshot —
// safe to call after losing broadcast events to channel lag, since it never
// depends on prior state beyond the current Kind (for the Healing
// transition).
func (d *Detector) Observe(h ClusterHealth) State {
	aliveIDs, totalIDs := h.alive()
	var unreachable []string
	for _, id := range totalIDs {
		found := false
		for _, a := range aliveIDs {
			if a == id {
				found = true
				break
			}
		}
		if !found {
			unreachable = append(unreachable, id)
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if len(unreachable) == 0 {
		wasPartitioned := d.state.Kind == KindPartitioned
		hadQuorum := d.state.HasQuorum
		if wasPartitioned {
			d.state = d.transitionToHealthyOrHealing(aliveIDs)
			if !hadQuorum {
				d.emit(EventQuorumRestored)
			}
			if d.state.Kind == KindHealthy {
				d.emit(EventPartitionHealed)
			}
		} else {
			d.state = State{Kind: KindHealthy, NodeCount: len(totalIDs)}
		}
		stats.PartitionState.Set(kindGauge(d.state.Kind))
		return d.state
	}

	hasQuorum := d.cfg.MinNodesForWrite.IsSatisfied(len(aliveIDs), len(totalIDs))
	if d.state.Kind != KindPartitioned {
		d.emit(EventPartitionDetected)
	}
	if !hasQuorum && (d.state.Kind != KindPartitioned || d.state.HasQuorum) {
		stats.QuorumLostTotal.Inc()
		d.emit(EventQuorumLost)
	}
	if hasQuorum && d.state.Kind == KindPartitioned && !d.state.HasQuorum {
		d.emit(EventQuorumRestored)
	}
	d.state = State{
		Kind:        KindPartitioned,
		Reachable:   aliveIDs,
		Unreachable: unreachable,
		HasQuorum:   hasQuorum,
		DetectedAt:  time.Now(),
	}
	stats.PartitionState.Set(kindGauge(d.state.Kind))
	return d.state
}

// Run consumes health events until ctx is cancelled, recomputing partition
// state from a full snapshot on every event. Recomputing from scratch (rather
// than applying the event incrementally) is what makes dropped events safe:
// the next event's snapshot covers whatever was missed.
func (d *Detector) Run(ctx context.Context, events <-chan health.Event, snapshot func() map[string]health.State) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-events:
			if !ok {
				return
			}
			d.Observe(ClusterHealth{Nodes: snapshot()})
		}
	}
}

func (d *Detector) transitionToHealthyOrHealing(reconnected []string) State {
	if !d.cfg.AutoHealing {
		return State{Kind: KindHealthy, NodeCount: len(reconnected)}
	}
	healing := State{
		Kind:        KindHealing,
		Reconnected: reconnected,
		StartedAt:   time.Now(),
	}
	if err := d.resolveConflicts(&healing); err != nil {
		log.Error().Err(err).Msg("partition healing: conflict resolution failed")
		return healing
	}
	return State{Kind: KindHealthy, NodeCount: len(reconnected)}
}

// resolveConflicts checks the configured ConflictResolution strategy before
// healing completes. LastWriteWins clears ConflictsPending and succeeds
// without touching any node's data; any other strategy sets
// ConflictsPending to the number of reconnected nodes and returns
// ErrUnsupportedResolution.
func (d *Detector) resolveConflicts(st *State) error {
	switch d.cfg.ConflictResolution {
	case config.ConflictLastWriteWins:
		st.ConflictsPending = 0
		return nil
	default:
		st.ConflictsPending = len(st.Reconnected)
		return ErrUnsupportedResolution
	}
}

// CanAcceptWrites reports whether the current partition state and policy
// admit writes.
func (d *Detector) CanAcceptWrites() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	switch d.state.Kind {
	case KindHealthy, KindHealing:
		return true
	case KindPartitioned:
		if d.state.HasQuorum {
			return true
		}
		return d.cfg.PartitionBehavior == config.PartitionServeStale
	default:
		return false
	}
}

// CanServeReads reports whether the current partition state and policy
// admit reads.
func (d *Detector) CanServeReads() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	switch d.state.Kind {
	case KindHealthy, KindHealing:
		return true
	case KindPartitioned:
		if d.state.HasQuorum {
			return true
		}
		allowed := d.cfg.PartitionBehavior == config.PartitionReadOnly ||
			d.cfg.PartitionBehavior == config.PartitionServeStale
		return allowed && d.cfg.AllowStaleReads
	default:
		return false
	}
}

// HasWriteQuorum is evaluated independently of the write gate so callers
// can override with requireQuorum=false.
func (d *Detector) HasWriteQuorum(requireQuorum bool, alive, total int) bool {
	if !requireQuorum {
		return true
	}
	return d.cfg.MinNodesForWrite.IsSatisfied(alive, total)
}
