package ilm

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/prism/backend"
	"github.com/NVIDIA/prism/config"
)

func dur(d time.Duration) *time.Duration { return &d }
func i64(v int64) *int64                 { return &v }

func newManager(t *testing.T) (*Manager, *AliasManager, *backend.NopBackend) {
	t.Helper()
	dir := t.TempDir()
	aliases, err := NewAliasManager(filepath.Join(dir, "aliases.json"))
	require.NoError(t, err)
	admin := backend.NewNopBackend()
	mgr, err := NewManager(config.ILMConf{Enabled: true, CheckInterval: time.Hour, SchemasDir: "/schemas"},
		aliases, admin, admin, filepath.Join(dir, "state.json"))
	require.NoError(t, err)
	return mgr, aliases, admin
}

func TestManageStartsAtHotGenerationOne(t *testing.T) {
	mgr, _, _ := newManager(t)
	require.NoError(t, mgr.AttachPolicy(&IlmPolicy{Name: "default"}))
	require.NoError(t, mgr.Manage("logs", "logs-000001", "default", time.Now()))
	mi := mgr.state.ManagedIndexes["logs-000001"]
	require.NotNil(t, mi)
	require.Equal(t, PhaseHot, mi.Phase)
	require.EqualValues(t, 1, mi.Generation)
	require.False(t, mgr.IsReadonly("logs-000001"))
	require.Equal(t, "/schemas", mgr.SchemasDir())
}

// TestRolloverOnMaxAgeCreatesSuccessorAndSwapsAliases: a max_age rollover
// condition creates generation 2, marks generation 1 readonly, and the
// write alias points at the new generation while the read alias covers
// both.
func TestRolloverOnMaxAgeCreatesSuccessorAndSwapsAliases(t *testing.T) {
	mgr, aliases, admin := newManager(t)
	policy := &IlmPolicy{
		Name:     "default",
		Rollover: RolloverConditions{MaxAge: dur(5 * time.Millisecond)},
		Phases: map[Phase]PhaseConfig{
			PhaseHot: {StorageTier: TierLocal},
		},
	}
	require.NoError(t, mgr.AttachPolicy(policy))
	require.NoError(t, mgr.Manage("logs", "logs-000001", "default", time.Now()))
	_, err := aliases.GetOrCreateWriteAlias("logs", "logs-000001")
	require.NoError(t, err)
	require.NoError(t, aliases.AddReadTarget("logs", "logs-000001"))
	require.NoError(t, admin.CreateCollection(context.Background(), "logs-000001", ""))

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, mgr.Tick(context.Background()))

	require.True(t, mgr.IsReadonly("logs-000001"), "generation 1 must be marked readonly after rollover")

	writeTarget, err := aliases.ResolveWriteTarget("logs")
	require.NoError(t, err)
	require.NotEqual(t, "logs-000001", writeTarget)

	readTargets, err := aliases.Resolve(readAliasName("logs"))
	require.NoError(t, err)
	require.Contains(t, readTargets, "logs-000001")
	require.Contains(t, readTargets, writeTarget)
}

func TestRolloverOnMaxDocsUsesStatsSource(t *testing.T) {
	mgr, aliases, admin := newManager(t)
	policy := &IlmPolicy{
		Name:     "default",
		Rollover: RolloverConditions{MaxDocs: i64(10)},
	}
	require.NoError(t, mgr.AttachPolicy(policy))
	require.NoError(t, mgr.Manage("logs", "logs-000001", "default", time.Now()))
	_, err := aliases.GetOrCreateWriteAlias("logs", "logs-000001")
	require.NoError(t, err)

	docs := make([]backend.Document, 11)
	for i := range docs {
		docs[i] = backend.Document{ID: string(rune('a' + i))}
	}
	require.NoError(t, admin.Index(context.Background(), "logs-000001", docs))

	require.NoError(t, mgr.Tick(context.Background()))
	require.True(t, mgr.IsReadonly("logs-000001"))
}

func TestApplyPhaseTransitionNeverDowngrades(t *testing.T) {
	mgr, aliases, admin := newManager(t)
	policy := &IlmPolicy{
		Name: "default",
		Phases: map[Phase]PhaseConfig{
			PhaseHot:  {},
			PhaseWarm: {MinAge: time.Millisecond, Readonly: true, StorageTier: TierS3},
			PhaseCold: {MinAge: time.Hour, StorageTier: TierS3}, // unreachable within test's timeframe
		},
	}
	require.NoError(t, mgr.AttachPolicy(policy))
	require.NoError(t, mgr.Manage("logs", "logs-000001", "default", time.Now()))
	_, err := aliases.GetOrCreateWriteAlias("logs", "logs-000001")
	require.NoError(t, err)
	require.NoError(t, admin.CreateCollection(context.Background(), "logs-000001", ""))

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, mgr.Tick(context.Background()))
	require.True(t, mgr.IsReadonly("logs-000001"), "warm phase reached, readonly applied")

	require.NoError(t, mgr.MoveToPhase("logs-000001", PhaseCold))
	err = mgr.MoveToPhase("logs-000001", PhaseWarm)
	require.Error(t, err, "moving backward from cold to warm must be rejected")
}

func TestExecutePendingDeletionsDropsCollectionAndReadAlias(t *testing.T) {
	mgr, aliases, admin := newManager(t)
	require.NoError(t, mgr.AttachPolicy(&IlmPolicy{Name: "default"}))
	require.NoError(t, mgr.Manage("logs", "logs-000001", "default", time.Now()))
	require.NoError(t, aliases.AddReadTarget("logs", "logs-000001"))
	require.NoError(t, admin.CreateCollection(context.Background(), "logs-000001", ""))

	require.NoError(t, mgr.MoveToPhase("logs-000001", PhaseDelete))
	require.NoError(t, mgr.Tick(context.Background()))

	_, ok := admin.Docs["logs-000001"]
	require.False(t, ok, "collection must be dropped")

	readTargets, _ := aliases.Resolve(readAliasName("logs"))
	require.NotContains(t, readTargets, "logs-000001")
}

func TestManualRolloverBypassesConditions(t *testing.T) {
	mgr, aliases, admin := newManager(t)
	require.NoError(t, mgr.AttachPolicy(&IlmPolicy{Name: "default"}))
	require.NoError(t, mgr.Manage("logs", "logs-000001", "default", time.Now()))
	_, err := aliases.GetOrCreateWriteAlias("logs", "logs-000001")
	require.NoError(t, err)
	require.NoError(t, admin.CreateCollection(context.Background(), "logs-000001", ""))

	require.NoError(t, mgr.Rollover(context.Background(), "logs-000001"))
	require.True(t, mgr.IsReadonly("logs-000001"))
}
