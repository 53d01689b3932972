package federation

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/prism/backend"
	"github.com/NVIDIA/prism/cluster"
	"github.com/NVIDIA/prism/internal/cmn"
	"github.com/NVIDIA/prism/query"
)

// stubGate flips the partition detector's read/write answers for tests.
type stubGate struct {
	writes bool
	reads  bool
}

func (g *stubGate) CanAcceptWrites() bool { return g.writes }
func (g *stubGate) CanServeReads() bool   { return g.reads }

// stubAliases resolves one logical name to a fixed expansion and write
// target, standing in for the alias manager.
type stubAliases struct {
	expansion   map[string][]string
	writeTarget map[string]string
}

func (a *stubAliases) Expand(name string) []string {
	if targets, ok := a.expansion[name]; ok {
		return targets
	}
	return []string{name}
}

func (a *stubAliases) ResolveWriteTarget(index string) (string, error) {
	if t, ok := a.writeTarget[index]; ok {
		return t, nil
	}
	return "", errNoAlias
}

var errNoAlias = errors.New("no alias")

type readonlySet map[string]bool

func (r readonlySet) IsReadonly(collection string) bool { return r[collection] }

func TestSearchRejectedByPartitionGate(t *testing.T) {
	cs, dialer, _, _ := twoShardCluster(t)
	exec := NewExecutor(fedConf(), query.NewRouter(cs), dialer)
	exec.SetGate(&stubGate{writes: true, reads: false})

	_, err := exec.Search(context.Background(), "logs", Query{QueryString: "*"})
	require.ErrorIs(t, err, ErrReadsRejected)
}

func TestIndexRejectedByPartitionGate(t *testing.T) {
	cs, dialer, _, _ := twoShardCluster(t)
	exec := NewExecutor(fedConf(), query.NewRouter(cs), dialer)
	exec.SetGate(&stubGate{writes: false, reads: true})

	_, err := exec.Index(context.Background(), "logs", []backend.Document{{ID: "a"}})
	require.ErrorIs(t, err, ErrWritesRejected)

	_, err = exec.Delete(context.Background(), "logs", []string{"a"})
	require.ErrorIs(t, err, ErrWritesRejected)

	kind, ok := cmn.KindOf(err)
	require.True(t, ok)
	require.Equal(t, cmn.KindQuorum, kind)
}

func TestIndexRejectsReadonlyCollection(t *testing.T) {
	cs, dialer, _, _ := twoShardCluster(t)
	exec := NewExecutor(fedConf(), query.NewRouter(cs), dialer)
	exec.SetReadonlyChecker(readonlySet{"logs": true})

	_, err := exec.Index(context.Background(), "logs", []backend.Document{{ID: "a"}})
	require.ErrorIs(t, err, ErrReadonly)
}

// TestSearchExpandsReadAliasAcrossGenerations: a read alias covering two
// rolled generations fans one logical search across both collections'
// shards and merges the results.
func TestSearchExpandsReadAliasAcrossGenerations(t *testing.T) {
	cs := cluster.NewState()
	require.NoError(t, cs.RegisterNode(cluster.NewNode("n1", "n1", cluster.Topology{})))
	cs.AssignShard(cluster.ShardAssignment{Collection: "logs-000001", ShardIndex: 0, PrimaryNode: "n1", State: cluster.ShardActive})
	cs.AssignShard(cluster.ShardAssignment{Collection: "logs-000002", ShardIndex: 0, PrimaryNode: "n1", State: cluster.ShardActive})

	b := backend.NewNopBackend()
	require.NoError(t, b.Index(context.Background(), "logs-000001", []backend.Document{{ID: "old"}}))
	require.NoError(t, b.Index(context.Background(), "logs-000002", []backend.Document{{ID: "new"}}))
	dialer := &mapDialer{backends: map[string]backend.SearchBackend{"n1": b}}

	exec := NewExecutor(fedConf(), query.NewRouter(cs), dialer)
	exec.SetAliases(&stubAliases{
		expansion: map[string][]string{"logs-read": {"logs-000001", "logs-000002"}},
	})

	res, err := exec.Search(context.Background(), "logs-read", Query{QueryString: "*"})
	require.NoError(t, err)
	require.Equal(t, 2, res.ShardStatus.Total)
	require.Len(t, res.Hits, 2)
}

// TestIndexFollowsWriteAlias: writes addressed to the logical name land on
// the write alias's current target generation.
func TestIndexFollowsWriteAlias(t *testing.T) {
	cs := cluster.NewState()
	require.NoError(t, cs.RegisterNode(cluster.NewNode("n1", "n1", cluster.Topology{})))
	cs.AssignShard(cluster.ShardAssignment{Collection: "logs-000002", ShardIndex: 0, PrimaryNode: "n1", State: cluster.ShardActive})

	b := backend.NewNopBackend()
	dialer := &mapDialer{backends: map[string]backend.SearchBackend{"n1": b}}
	exec := NewExecutor(fedConf(), query.NewRouter(cs), dialer)
	exec.SetAliases(&stubAliases{
		writeTarget: map[string]string{"logs": "logs-000002"},
	})

	status, err := exec.Index(context.Background(), "logs", []backend.Document{{ID: "a"}})
	require.NoError(t, err)
	require.Equal(t, 1, status.SuccessfulDocs)
	_, ok := b.Docs["logs-000002"]["a"]
	require.True(t, ok, "document must land in the write alias's target generation")
}
