// Package query implements shard routing and result merging: routing
// strategies map a query to shard targets, merge strategies combine
// per-shard result batches into a global top-K.
package query

import (
	"sort"

	"github.com/OneOfOne/xxhash"

	"github.com/NVIDIA/prism/cluster"
	"github.com/NVIDIA/prism/internal/cmn"
)

var ErrCollectionNotFound = cmn.NewNotFoundError("query: collection")

type StrategyTag string

const (
	StrategyAllShards StrategyTag = "all_shards"
	StrategyByDocID   StrategyTag = "by_doc_id"
	StrategyReplica   StrategyTag = "replica"
	StrategySpecific  StrategyTag = "specific"
)

type ShardTarget struct {
	ShardID     int
	NodeAddress string
}

type RoutingDecision struct {
	Targets  []ShardTarget
	Strategy StrategyTag
}

type Router struct {
	state *cluster.State
}

func NewRouter(cs *cluster.State) *Router {
	return &Router{state: cs}
}

func (r *Router) shardsFor(collection string) ([]*cluster.ShardAssignment, error) {
	shards := r.state.GetCollectionShards(collection)
	if len(shards) == 0 {
		return nil, ErrCollectionNotFound
	}
	sort.Slice(shards, func(i, j int) bool { return shards[i].ShardIndex < shards[j].ShardIndex })
	return shards, nil
}

// NodeAddress resolves a node id to its network address, or "" for an
// unregistered node.
func (r *Router) NodeAddress(id string) string {
	n, ok := r.state.GetNode(id)
	if !ok {
		return ""
	}
	return n.Address
}

func (r *Router) isHealthy(id string) bool {
	n, ok := r.state.GetNode(id)
	return ok && n.Healthy
}

// RouteAllShards emits one target per shard, preferring the primary if
// healthy, else any healthy replica.
func (r *Router) RouteAllShards(collection string) (RoutingDecision, error) {
	shards, err := r.shardsFor(collection)
	if err != nil {
		return RoutingDecision{}, err
	}
	var targets []ShardTarget
	for _, s := range shards {
		node := r.pickPrimaryOrReplica(s)
		if node == "" {
			continue
		}
		targets = append(targets, ShardTarget{ShardID: s.ShardIndex, NodeAddress: r.NodeAddress(node)})
	}
	return RoutingDecision{Targets: targets, Strategy: StrategyAllShards}, nil
}

func (r *Router) pickPrimaryOrReplica(s *cluster.ShardAssignment) string {
	if r.isHealthy(s.PrimaryNode) {
		return s.PrimaryNode
	}
	for _, rep := range s.ReplicaNodes {
		if r.isHealthy(rep) {
			return rep
		}
	}
	return ""
}

// RouteReplica behaves like RouteAllShards but always prefers replicas over
// the primary, for read offload.
func (r *Router) RouteReplica(collection string) (RoutingDecision, error) {
	shards, err := r.shardsFor(collection)
	if err != nil {
		return RoutingDecision{}, err
	}
	var targets []ShardTarget
	for _, s := range shards {
		node := ""
		for _, rep := range s.ReplicaNodes {
			if r.isHealthy(rep) {
				node = rep
				break
			}
		}
		if node == "" && r.isHealthy(s.PrimaryNode) {
			node = s.PrimaryNode
		}
		if node == "" {
			continue
		}
		targets = append(targets, ShardTarget{ShardID: s.ShardIndex, NodeAddress: r.NodeAddress(node)})
	}
	return RoutingDecision{Targets: targets, Strategy: StrategyReplica}, nil
}

// RouteByDocID hashes id modulo the shard count to pick a target shard,
// returning primary-then-replicas (ordered) for that single shard.
func (r *Router) RouteByDocID(collection, id string) (RoutingDecision, error) {
	shards, err := r.shardsFor(collection)
	if err != nil {
		return RoutingDecision{}, err
	}
	idx := int(xxhash.ChecksumString64(id) % uint64(len(shards)))
	s := shards[idx]

	var targets []ShardTarget
	if s.PrimaryNode != "" {
		targets = append(targets, ShardTarget{ShardID: s.ShardIndex, NodeAddress: r.NodeAddress(s.PrimaryNode)})
	}
	replicas := append([]string(nil), s.ReplicaNodes...)
	sort.Strings(replicas)
	for _, rep := range replicas {
		targets = append(targets, ShardTarget{ShardID: s.ShardIndex, NodeAddress: r.NodeAddress(rep)})
	}
	return RoutingDecision{Targets: targets, Strategy: StrategyByDocID}, nil
}

// RouteSpecific returns the caller-supplied shard ids directly.
func (r *Router) RouteSpecific(collection string, shardIDs []int) (RoutingDecision, error) {
	shards, err := r.shardsFor(collection)
	if err != nil {
		return RoutingDecision{}, err
	}
	byIdx := make(map[int]*cluster.ShardAssignment, len(shards))
	for _, s := range shards {
		byIdx[s.ShardIndex] = s
	}
	var targets []ShardTarget
	for _, id := range shardIDs {
		s, ok := byIdx[id]
		if !ok {
			continue
		}
		node := r.pickPrimaryOrReplica(s)
		if node == "" {
			continue
		}
		targets = append(targets, ShardTarget{ShardID: s.ShardIndex, NodeAddress: r.NodeAddress(node)})
	}
	return RoutingDecision{Targets: targets, Strategy: StrategySpecific}, nil
}

// AllReplicasOf returns the node IDs of the shard owning id, primary first
// (when set) and then its replicas in stored order, used by
// FederatedExecutor.Get to try replicas in order. Nodes are not filtered by
// registration or health.
func (r *Router) AllReplicasOf(collection, id string) ([]string, error) {
	shards, err := r.shardsFor(collection)
	if err != nil {
		return nil, err
	}
	idx := int(xxhash.ChecksumString64(id) % uint64(len(shards)))
	s := shards[idx]
	var out []string
	if s.PrimaryNode != "" {
		out = append(out, s.PrimaryNode)
	}
	out = append(out, s.ReplicaNodes...)
	return out, nil
}

// ShardForDocID returns the shard assignment a document id routes to, used by
// FederatedExecutor.Index/Delete to group documents by target shard.
func (r *Router) ShardForDocID(collection, id string) (*cluster.ShardAssignment, error) {
	shards, err := r.shardsFor(collection)
	if err != nil {
		return nil, err
	}
	idx := int(xxhash.ChecksumString64(id) % uint64(len(shards)))
	return shards[idx], nil
}
