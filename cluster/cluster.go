// Package cluster is prism's in-memory authoritative registry of nodes and
// shard assignments: a single RWMutex, short critical sections,
// digest-stamped node identity.
package cluster

import (
	"errors"
	"sync"

	"github.com/OneOfOne/xxhash"

	"github.com/NVIDIA/prism/internal/cmn"
)

var (
	ErrNodeNotFound  = cmn.NewNotFoundError("cluster: node")
	ErrNodeExists    = errors.New("cluster: node already registered")
	ErrShardNotFound = cmn.NewNotFoundError("cluster: shard assignment")
)

type Topology struct {
	Zone       string
	Rack       string
	Region     string
	Attributes map[string]string
}

// Node carries a stable id, network address, topology, health flag, shard
// count, and disk usage.
type Node struct {
	ID            string
	Address       string
	Topology      Topology
	Healthy       bool
	Draining      bool
	ShardCount    int
	DiskUsedBytes int64

	digest uint64
}

func NewNode(id, address string, topo Topology) *Node {
	n := &Node{ID: id, Address: address, Topology: topo, Healthy: true}
	n.Digest()
	return n
}

func (n *Node) Digest() uint64 {
	if n.digest == 0 {
		n.digest = xxhash.ChecksumString64(n.ID)
	}
	return n.digest
}

func (n *Node) Clone() *Node {
	dup := *n
	attrs := make(map[string]string, len(n.Topology.Attributes))
	for k, v := range n.Topology.Attributes {
		attrs[k] = v
	}
	dup.Topology.Attributes = attrs
	return &dup
}

type ShardState string

const (
	ShardInitializing ShardState = "initializing"
	ShardActive       ShardState = "active"
	ShardRebalancing  ShardState = "rebalancing"
	ShardDraining     ShardState = "draining"
	ShardUnavailable  ShardState = "unavailable"
)

// ShardAssignment is keyed by (Collection, ShardIndex). Invariant: a shard
// is Active only while its primary node is registered and healthy at
// assignment time.
type ShardAssignment struct {
	Collection   string
	ShardIndex   int
	PrimaryNode  string
	ReplicaNodes []string
	State        ShardState
	SizeBytes    int64
}

type shardKey struct {
	collection string
	index      int
}

// State is the thread-safe registry. The healthy flag is the only field
// any component other than explicit admin ops may mutate.
type State struct {
	mu     sync.RWMutex
	nodes  map[string]*Node
	shards map[shardKey]*ShardAssignment
}

func NewState() *State {
	return &State{
		nodes:  make(map[string]*Node),
		shards: make(map[shardKey]*ShardAssignment),
	}
}

func (s *State) RegisterNode(n *Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[n.ID]; ok {
		return ErrNodeExists
	}
	s.nodes[n.ID] = n
	return nil
}

func (s *State) DeregisterNode(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[id]; !ok {
		return ErrNodeNotFound
	}
	delete(s.nodes, id)
	return nil
}

func (s *State) GetNode(id string) (*Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	return n, ok
}

func (s *State) HealthyNodes() []*Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		if n.Healthy {
			out = append(out, n)
		}
	}
	return out
}

func (s *State) AllNodes() []*Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n)
	}
	return out
}

// MarkUnreachable flips the healthy bit without removing the node; existing
// assignments referencing it remain, but HealthyNodes() no longer returns
// it.
func (s *State) MarkUnreachable(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return ErrNodeNotFound
	}
	n.Healthy = false
	return nil
}

// UpdateHeartbeat clears the unreachable flag on a successful heartbeat.
func (s *State) UpdateHeartbeat(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return ErrNodeNotFound
	}
	n.Healthy = true
	return nil
}

func (s *State) AssignShard(a ShardAssignment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shards[shardKey{a.Collection, a.ShardIndex}] = &a
}

func (s *State) UnassignShard(collection string, index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.shards, shardKey{collection, index})
}

func (s *State) GetNodeShards(id string) []*ShardAssignment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*ShardAssignment
	for _, a := range s.shards {
		if a.PrimaryNode == id {
			out = append(out, a)
			continue
		}
		for _, r := range a.ReplicaNodes {
			if r == id {
				out = append(out, a)
				break
			}
		}
	}
	return out
}

func (s *State) GetCollectionShards(collection string) []*ShardAssignment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*ShardAssignment
	for k, a := range s.shards {
		if k.collection == collection {
			out = append(out, a)
		}
	}
	return out
}

func (s *State) GetAllShards() []*ShardAssignment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*ShardAssignment, 0, len(s.shards))
	for _, a := range s.shards {
		out = append(out, a)
	}
	return out
}

// shardCountsByNode returns primary shard counts per node id (used by
// IsImbalanced / FindOverloadedNodes).
func (s *State) shardCountsByNode() map[string]int {
	counts := make(map[string]int)
	for _, a := range s.shards {
		counts[a.PrimaryNode]++
	}
	return counts
}

// IsImbalanced reports whether (max-min)/avg exceeds thresholdPercent/100,
// across all registered nodes.
func (s *State) IsImbalanced(thresholdPercent float64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.nodes) == 0 {
		return false
	}
	counts := s.shardCountsByNode()
	var minC, maxC int
	first := true
	var total int
	for id := range s.nodes {
		c := counts[id]
		total += c
		if first {
			minC, maxC = c, c
			first = false
			continue
		}
		if c < minC {
			minC = c
		}
		if c > maxC {
			maxC = c
		}
	}
	avg := float64(total) / float64(len(s.nodes))
	if avg == 0 {
		return false
	}
	return (float64(maxC-minC) / avg) > thresholdPercent/100
}

// overloadFactor is the multiple of the mean primary-shard count past
// which a node counts as overloaded.
const overloadFactor = 1.2

func (s *State) FindOverloadedNodes() []*Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.nodes) == 0 {
		return nil
	}
	counts := s.shardCountsByNode()
	var total int
	for id := range s.nodes {
		total += counts[id]
	}
	avg := float64(total) / float64(len(s.nodes))
	var out []*Node
	for id, n := range s.nodes {
		if float64(counts[id]) > avg*overloadFactor {
			out = append(out, n)
		}
	}
	return out
}
