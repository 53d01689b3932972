// Package rebalance implements the plan-then-execute shard rebalancer: a
// plan is a value (a sequence of shard-move operations) separable from its
// execution, which a driver advances one Step at a time.
package rebalance

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/NVIDIA/prism/cluster"
	"github.com/NVIDIA/prism/config"
	"github.com/NVIDIA/prism/internal/cmn"
	"github.com/NVIDIA/prism/placement"
	"github.com/NVIDIA/prism/stats"
)

// phaseOrdinal reports Phase's position in the Idle..Failed sequence for the
// RebalancePhase gauge; Cancelled is reported alongside Failed since both are
// terminal-non-success states.
func phaseOrdinal(p Phase) float64 {
	switch p {
	case PhaseIdle:
		return 0
	case PhasePlanning:
		return 1
	case PhaseExecuting:
		return 2
	case PhaseVerifying:
		return 3
	case PhaseFinalizing:
		return 4
	case PhaseCompleted:
		return 5
	case PhaseFailed, PhaseCancelled:
		return 6
	default:
		return -1
	}
}

var (
	ErrNotEnoughNodes = cmn.NewRoutingError("rebalance: fewer than 2 healthy nodes")
	ErrNoActivePlan   = errors.New("rebalance: no active plan")
)

type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhasePlanning   Phase = "planning"
	PhaseExecuting  Phase = "executing"
	PhaseVerifying  Phase = "verifying"
	PhaseFinalizing Phase = "finalizing"
	PhaseCompleted  Phase = "completed"
	PhaseFailed     Phase = "failed"
	PhaseCancelled  Phase = "cancelled"
)

type Trigger string

const (
	TriggerManual             Trigger = "manual"
	TriggerNodeJoined         Trigger = "node_joined"
	TriggerNodeLeft           Trigger = "node_left"
	TriggerImbalanceThreshold Trigger = "imbalance_threshold"
	TriggerScheduled          Trigger = "scheduled"
)

type OpState string

const (
	OpPending      OpState = "pending"
	OpTransferring OpState = "transferring"
	OpCompleted    OpState = "completed"
	OpFailed       OpState = "failed"
	OpCancelled    OpState = "cancelled"
)

type Operation struct {
	ShardCollection  string
	ShardIndex       int
	From             string
	To               string
	Reason           Trigger
	Priority         int
	ExpectedBytes    int64
	BytesTransferred int64
	Progress         float64
	State            OpState
}

type Plan struct {
	ID                string
	Trigger           Trigger
	Operations        []*Operation
	EstimatedDuration time.Duration
	Phase             Phase
}

func totalBytes(ops []*Operation) int64 {
	var total int64
	for _, o := range ops {
		total += o.ExpectedBytes
	}
	return total
}

// Engine drives the Idle→Planning→Executing→Verifying→Finalizing→
// (Completed|Failed) state machine, with Cancelled reachable from
// Planning/Executing.
type Engine struct {
	cfg   config.RebalanceConf
	state *cluster.State

	plan         *Plan
	lastFinished time.Time
}

func NewEngine(cfg config.RebalanceConf, cs *cluster.State) *Engine {
	return &Engine{cfg: cfg, state: cs}
}

func (e *Engine) Phase() Phase {
	if e.plan == nil {
		return PhaseIdle
	}
	return e.plan.Phase
}

// ShouldRebalance reports whether a new plan is warranted: enabled,
// outside cooldown, and the cluster is imbalanced past the configured
// threshold.
func (e *Engine) ShouldRebalance() bool {
	if !e.cfg.Enabled {
		return false
	}
	if !e.lastFinished.IsZero() && time.Since(e.lastFinished) < e.cfg.Cooldown {
		return false
	}
	return e.state.IsImbalanced(e.cfg.ImbalanceThresholdPct)
}

// CreatePlan builds a rebalance plan for the given trigger. nodeID names
// the joining node (NodeJoined: shards move TO it) or the departing node
// (NodeLeft: priority 1, urgent, moves everything OFF it); other triggers
// ignore it and drain overloaded nodes instead.
func (e *Engine) CreatePlan(trigger Trigger, strategy placement.Strategy, nodeID string) (*Plan, error) {
	healthy := e.state.HealthyNodes()
	if len(healthy) < 2 {
		return nil, ErrNotEnoughNodes
	}

	var ops []*Operation
	assignments := e.state.GetAllShards()

	switch {
	case trigger == TriggerNodeLeft && nodeID != "":
		for _, a := range e.state.GetNodeShards(nodeID) {
			if a.State != cluster.ShardActive {
				continue
			}
			target, err := placement.FindRebalanceTarget(a, healthy, assignments, strategy)
			if err != nil {
				continue
			}
			ops = append(ops, &Operation{
				ShardCollection: a.Collection,
				ShardIndex:      a.ShardIndex,
				From:            nodeID,
				To:              target.ID,
				Reason:          trigger,
				Priority:        1,
				ExpectedBytes:   a.SizeBytes,
				State:           OpPending,
			})
		}
	case trigger == TriggerNodeJoined && nodeID != "":
		// Funnel shards from overloaded nodes to the joined node, keeping
		// the placement filter as the viability check so spread and
		// colocation constraints still hold.
		joined := []*cluster.Node(nil)
		for _, n := range healthy {
			if n.ID == nodeID {
				joined = append(joined, n)
				break
			}
		}
		if len(joined) == 0 {
			return nil, fmt.Errorf("rebalance: joined node %s is not healthy", nodeID)
		}
	fill:
		for _, n := range e.state.FindOverloadedNodes() {
			if n.ID == nodeID {
				continue
			}
			for _, a := range e.state.GetNodeShards(n.ID) {
				if a.State != cluster.ShardActive || a.PrimaryNode != n.ID {
					continue
				}
				if _, err := placement.FindRebalanceTarget(a, joined, assignments, strategy); err != nil {
					continue
				}
				ops = append(ops, &Operation{
					ShardCollection: a.Collection,
					ShardIndex:      a.ShardIndex,
					From:            n.ID,
					To:              nodeID,
					Reason:          trigger,
					Priority:        2,
					ExpectedBytes:   a.SizeBytes,
					State:           OpPending,
				})
				if len(ops) >= e.cfg.MaxConcurrentMoves {
					break fill
				}
			}
		}
	default:
		for _, n := range e.state.FindOverloadedNodes() {
			for _, a := range e.state.GetNodeShards(n.ID) {
				if a.State != cluster.ShardActive || a.PrimaryNode != n.ID {
					continue
				}
				target, err := placement.FindRebalanceTarget(a, healthy, assignments, strategy)
				if err != nil {
					continue
				}
				ops = append(ops, &Operation{
					ShardCollection: a.Collection,
					ShardIndex:      a.ShardIndex,
					From:            n.ID,
					To:              target.ID,
					Reason:          trigger,
					Priority:        2,
					ExpectedBytes:   a.SizeBytes,
					State:           OpPending,
				})
				if len(ops) >= e.cfg.MaxConcurrentMoves {
					break
				}
			}
			if len(ops) >= e.cfg.MaxConcurrentMoves {
				break
			}
		}
	}

	var duration time.Duration
	if e.cfg.MaxBytesPerSec > 0 {
		duration = time.Duration(totalBytes(ops)/e.cfg.MaxBytesPerSec) * time.Second
	}

	e.plan = &Plan{
		ID:                uuid.New().String(),
		Trigger:           trigger,
		Operations:        ops,
		EstimatedDuration: duration,
		Phase:             PhasePlanning,
	}
	return e.plan, nil
}

// Step advances the state machine by one tick, called periodically by the
// driver. Each Executing tick advances in-flight operations' progress by
// 0.1 — a stand-in for the real byte-transfer subsystem — with the fraction
// also reflected in BytesTransferred, so genuine transfer telemetry can
// replace the simulation without changing the state machine's observable
// contract.
func (e *Engine) Step() error {
	if e.plan == nil {
		return ErrNoActivePlan
	}
	switch e.plan.Phase {
	case PhasePlanning:
		e.startOperations()
		e.plan.Phase = PhaseExecuting
	case PhaseExecuting:
		e.advanceOperations()
		if e.allOperationsDone() {
			e.plan.Phase = PhaseVerifying
		}
	case PhaseVerifying:
		e.plan.Phase = PhaseFinalizing
	case PhaseFinalizing:
		if e.anyFailed() {
			e.plan.Phase = PhaseFailed
		} else {
			e.plan.Phase = PhaseCompleted
		}
		e.lastFinished = time.Now()
		for _, op := range e.plan.Operations {
			stats.RebalanceOperationsTotal.WithLabelValues(string(op.State)).Inc()
		}
	}
	stats.RebalancePhase.Set(phaseOrdinal(e.plan.Phase))
	return nil
}

func (e *Engine) startOperations() {
	started := 0
	for _, op := range e.plan.Operations {
		if started >= e.cfg.MaxConcurrentMoves {
			break
		}
		if op.State == OpPending {
			op.State = OpTransferring
			started++
		}
	}
}

func (e *Engine) advanceOperations() {
	inFlight := 0
	for _, op := range e.plan.Operations {
		if op.State == OpTransferring {
			inFlight++
		}
	}
	slots := e.cfg.MaxConcurrentMoves - inFlight
	for _, op := range e.plan.Operations {
		if op.State == OpTransferring {
			op.Progress += 0.1
			if op.ExpectedBytes > 0 {
				op.BytesTransferred = int64(op.Progress * float64(op.ExpectedBytes))
			}
			if op.Progress >= 1.0 {
				op.Progress = 1.0
				op.BytesTransferred = op.ExpectedBytes
				op.State = OpCompleted
			}
			stats.RebalanceBytesTransferred.WithLabelValues(
				op.ShardCollection, fmt.Sprint(op.ShardIndex), op.To,
			).Set(float64(op.BytesTransferred))
		}
	}
	for _, op := range e.plan.Operations {
		if slots <= 0 {
			break
		}
		if op.State == OpPending {
			op.State = OpTransferring
			slots--
		}
	}
}

func (e *Engine) allOperationsDone() bool {
	for _, op := range e.plan.Operations {
		if op.State == OpPending || op.State == OpTransferring {
			return false
		}
	}
	return true
}

func (e *Engine) anyFailed() bool {
	for _, op := range e.plan.Operations {
		if op.State == OpFailed {
			return true
		}
	}
	return false
}

// Cancel marks all Pending/Transferring operations Cancelled, drops the
// plan, and resets to Idle. It does not abort already-issued transfers; it
// simply stops scheduling more.
func (e *Engine) Cancel() {
	if e.plan == nil {
		return
	}
	for _, op := range e.plan.Operations {
		if op.State == OpPending || op.State == OpTransferring {
			op.State = OpCancelled
		}
	}
	e.plan = nil
}

// Reset clears a finished plan, returning the engine to Idle. A plan still
// in flight is left alone; Cancel is the way to stop one of those.
func (e *Engine) Reset() {
	if e.plan == nil {
		return
	}
	switch e.plan.Phase {
	case PhaseCompleted, PhaseFailed:
		e.plan = nil
	}
}

func (e *Engine) CurrentPlan() *Plan { return e.plan }
