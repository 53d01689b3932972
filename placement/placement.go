// Package placement implements pure shard-placement selection:
// spread-constrained, load-aware choice with deterministic tie-breaks.
package placement

import (
	"github.com/NVIDIA/prism/cluster"
	"github.com/NVIDIA/prism/internal/cmn"
)

var ErrNoViableTarget = cmn.NewRoutingError("placement: no viable target")

type SpreadLevel string

const (
	SpreadNone   SpreadLevel = "none"
	SpreadZone   SpreadLevel = "zone"
	SpreadRack   SpreadLevel = "rack"
	SpreadRegion SpreadLevel = "region"
)

type Strategy struct {
	SpreadAcross           SpreadLevel
	AvoidColocationReplicas bool
	MaxShardsPerNode       int // 0 means unbounded
}

func topoGroup(level SpreadLevel, t cluster.Topology) (string, bool) {
	switch level {
	case SpreadZone:
		return t.Zone, t.Zone != ""
	case SpreadRack:
		return t.Rack, t.Rack != ""
	case SpreadRegion:
		return t.Region, t.Region != ""
	default:
		return "", false
	}
}

func contains(ss []string, v string) bool {
	for _, s := range ss {
		if s == v {
			return true
		}
	}
	return false
}

// occupiedGroups returns the set of topology groups already holding a
// replica (or primary) of the given shard, so a new placement can avoid
// colliding with them under the spread constraint.
func occupiedGroups(strategy Strategy, nodes map[string]*cluster.Node, existing []string) map[string]bool {
	groups := make(map[string]bool)
	for _, id := range existing {
		n, ok := nodes[id]
		if !ok {
			continue
		}
		if g, ok := topoGroup(strategy.SpreadAcross, n.Topology); ok {
			groups[g] = true
		}
	}
	return groups
}

func nodesByID(nodes []*cluster.Node) map[string]*cluster.Node {
	m := make(map[string]*cluster.Node, len(nodes))
	for _, n := range nodes {
		m[n.ID] = n
	}
	return m
}

// Select chooses a node for a new shard replica, given the current replica
// set already placed for that shard (existingReplicas may be empty for a
// first placement). It filters unhealthy, draining, and full nodes, applies
// the spread constraint, then prefers the least-loaded candidate, breaking
// ties by lowest disk usage.
func Select(candidates []*cluster.Node, assignments []*cluster.ShardAssignment, strategy Strategy, existingReplicas []string) (*cluster.Node, error) {
	byID := nodesByID(candidates)
	occGroups := occupiedGroups(strategy, byID, existingReplicas)

	shardCounts := make(map[string]int)
	for _, a := range assignments {
		if a.PrimaryNode != "" {
			shardCounts[a.PrimaryNode]++
		}
		for _, r := range a.ReplicaNodes {
			shardCounts[r]++
		}
	}

	var best *cluster.Node
	for _, n := range candidates {
		if !n.Healthy || n.Draining {
			continue
		}
		if strategy.MaxShardsPerNode > 0 && shardCounts[n.ID] >= strategy.MaxShardsPerNode {
			continue
		}
		if strategy.AvoidColocationReplicas && contains(existingReplicas, n.ID) {
			continue
		}
		if g, ok := topoGroup(strategy.SpreadAcross, n.Topology); ok && occGroups[g] {
			continue
		}
		if best == nil || shardCounts[n.ID] < shardCounts[best.ID] ||
			(shardCounts[n.ID] == shardCounts[best.ID] && n.DiskUsedBytes < best.DiskUsedBytes) {
			best = n
		}
	}
	if best == nil {
		return nil, ErrNoViableTarget
	}
	return best, nil
}

// FindRebalanceTarget reuses Select's filter, additionally excluding the
// shard's current primary and replica nodes.
func FindRebalanceTarget(shard *cluster.ShardAssignment, candidates []*cluster.Node, assignments []*cluster.ShardAssignment, strategy Strategy) (*cluster.Node, error) {
	exclude := map[string]bool{shard.PrimaryNode: true}
	for _, r := range shard.ReplicaNodes {
		exclude[r] = true
	}
	filtered := make([]*cluster.Node, 0, len(candidates))
	for _, n := range candidates {
		if !exclude[n.ID] {
			filtered = append(filtered, n)
		}
	}
	existing := append([]string{shard.PrimaryNode}, shard.ReplicaNodes...)
	return Select(filtered, assignments, strategy, existing)
}
