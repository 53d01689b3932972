package ilm

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/NVIDIA/prism/backend"
	"github.com/NVIDIA/prism/config"
	"github.com/NVIDIA/prism/internal/cmn"
	"github.com/NVIDIA/prism/internal/jsp"
	"github.com/NVIDIA/prism/stats"
)

type Phase string

const (
	PhaseHot    Phase = "hot"
	PhaseWarm   Phase = "warm"
	PhaseCold   Phase = "cold"
	PhaseFrozen Phase = "frozen"
	PhaseDelete Phase = "delete"
)

var phaseOrder = map[Phase]int{
	PhaseHot: 0, PhaseWarm: 1, PhaseCold: 2, PhaseFrozen: 3, PhaseDelete: 4,
}

type StorageTier string

const (
	TierLocal StorageTier = "local"
	TierS3    StorageTier = "s3"
)

type RolloverConditions struct {
	MaxSizeBytes *int64         `json:"max_size_bytes,omitempty"`
	MaxDocs      *int64         `json:"max_docs,omitempty"`
	MaxAge       *time.Duration `json:"max_age,omitempty"`
}

type PhaseConfig struct {
	Readonly    bool          `json:"readonly"`
	StorageTier StorageTier   `json:"storage_tier"`
	MinAge      time.Duration `json:"min_age"`
	ForceMerge  bool          `json:"force_merge,omitempty"`
	Shrink      bool          `json:"shrink,omitempty"`
}

type IlmPolicy struct {
	Name     string                `json:"name"`
	Rollover RolloverConditions    `json:"rollover_conditions"`
	Phases   map[Phase]PhaseConfig `json:"phase_config_per_phase"`
}

// ManagedIndex tracks one managed collection's lifecycle.
type ManagedIndex struct {
	CollectionName string      `json:"collection_name"`
	IndexName      string      `json:"index_name"`
	Phase          Phase       `json:"phase"`
	CreatedAt      time.Time   `json:"created_at"`
	RolledOverAt   *time.Time  `json:"rolled_over_at,omitempty"`
	PolicyName     string      `json:"policy_name"`
	Generation     uint32      `json:"generation"`
	Readonly       bool        `json:"readonly"`
	StorageTier    StorageTier `json:"storage_tier"`
	LastCheckedAt  *time.Time  `json:"last_checked_at,omitempty"`
	Error          string      `json:"error,omitempty"`
}

func (m *ManagedIndex) age(now time.Time) time.Duration {
	since := m.CreatedAt
	if m.RolledOverAt != nil {
		since = *m.RolledOverAt
	}
	return now.Sub(since)
}

// IlmState is the driver's on-disk snapshot, saved next to the alias state
// under the data dir.
type IlmState struct {
	ManagedIndexes map[string]*ManagedIndex `json:"managed_indexes"` // keyed by collection_name
	Policies       map[string]*IlmPolicy    `json:"policies"`
	LastSavedAt    time.Time                `json:"last_saved_at"`
}

// The ILM snapshot grows with every managed generation; aliases stay tiny,
// so only this one is compressed.
func (IlmState) JspOpts() jsp.Options { return jsp.Options{Compress: true} }

// StatsSource is the minimal federation collaborator the driver needs to
// evaluate size/doc rollover conditions without importing the whole
// federation package surface.
type StatsSource interface {
	Stats(ctx context.Context, collection string) (backend.Stats, error)
}

// Manager is the lifecycle driver: a single periodic task that evaluates
// rollover, phase transition, and pending deletion for every managed
// index.
type Manager struct {
	cfg        config.ILMConf
	aliases    *AliasManager
	admin      backend.CollectionAdmin
	statsSrc   StatsSource
	migrator   *TierMigrator
	schemasDir string

	path string

	mu    sync.Mutex
	state IlmState
}

func NewManager(cfg config.ILMConf, aliases *AliasManager, admin backend.CollectionAdmin, statsSrc StatsSource, statePath string) (*Manager, error) {
	m := &Manager{
		cfg:        cfg,
		aliases:    aliases,
		admin:      admin,
		statsSrc:   statsSrc,
		schemasDir: cfg.SchemasDir,
		path:       statePath,
		state: IlmState{
			ManagedIndexes: make(map[string]*ManagedIndex),
			Policies:       make(map[string]*IlmPolicy),
		},
	}
	if err := jsp.LoadMeta(statePath, &m.state); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	}
	if m.state.ManagedIndexes == nil {
		m.state.ManagedIndexes = make(map[string]*ManagedIndex)
	}
	if m.state.Policies == nil {
		m.state.Policies = make(map[string]*IlmPolicy)
	}
	return m, nil
}

func (m *Manager) persistLocked() error {
	m.state.LastSavedAt = time.Now()
	return jsp.SaveMeta(m.path, &m.state)
}

// SetTierMigrator wires the storage-tier mover in; nil leaves phase
// transitions as pure metadata updates.
func (m *Manager) SetTierMigrator(t *TierMigrator) { m.migrator = t }

// AttachPolicy registers (or replaces) a named policy.
func (m *Manager) AttachPolicy(policy *IlmPolicy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Policies[policy.Name] = policy
	return m.persistLocked()
}

// Manage begins tracking an already-created collection at generation 1,
// Hot phase.
func (m *Manager) Manage(indexName, collectionName, policyName string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.ManagedIndexes[collectionName] = &ManagedIndex{
		CollectionName: collectionName,
		IndexName:      indexName,
		Phase:          PhaseHot,
		CreatedAt:      now,
		PolicyName:     policyName,
		Generation:     1,
		StorageTier:    TierLocal,
	}
	return m.persistLocked()
}

func (m *Manager) IsReadonly(collection string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	mi, ok := m.state.ManagedIndexes[collection]
	return ok && mi.Readonly
}

// Tick runs one full evaluation pass: rollover, then phase transition, then
// pending deletions, then persists.
func (m *Manager) Tick(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	names := make([]string, 0, len(m.state.ManagedIndexes))
	for name := range m.state.ManagedIndexes {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		mi, ok := m.state.ManagedIndexes[name]
		if !ok || mi.Phase == PhaseDelete {
			continue
		}
		policy, ok := m.state.Policies[mi.PolicyName]
		if !ok {
			log.Warn().Str("collection", name).Str("policy", mi.PolicyName).Msg("ilm: policy missing, skipping")
			continue
		}

		if mi.Phase == PhaseHot {
			if err := m.maybeRollover(ctx, mi, policy, now); err != nil {
				mi.Error = err.Error()
				log.Error().Err(err).Str("collection", name).Msg("ilm: rollover failed")
			}
		}

		m.applyPhaseTransition(ctx, mi, policy, now)
		t := now
		mi.LastCheckedAt = &t
	}

	if err := m.executePendingDeletions(ctx); err != nil {
		log.Error().Err(err).Msg("ilm: pending deletion failed")
	}

	stats.IlmManagedIndexes.Set(float64(len(m.state.ManagedIndexes)))
	return m.persistLocked()
}

func (m *Manager) maybeRollover(ctx context.Context, mi *ManagedIndex, policy *IlmPolicy, now time.Time) error {
	triggered, err := m.rolloverTriggered(ctx, mi, policy, now)
	if err != nil {
		return err
	}
	if !triggered {
		return nil
	}
	return m.rollover(ctx, mi, now)
}

func (m *Manager) rolloverTriggered(ctx context.Context, mi *ManagedIndex, policy *IlmPolicy, now time.Time) (bool, error) {
	rc := policy.Rollover
	if rc.MaxAge != nil && mi.age(now) >= *rc.MaxAge {
		return true, nil
	}
	if rc.MaxSizeBytes == nil && rc.MaxDocs == nil {
		return false, nil
	}
	st, err := m.statsSrc.Stats(ctx, mi.CollectionName)
	if err != nil {
		return false, err
	}
	if rc.MaxSizeBytes != nil && st.SizeBytes >= *rc.MaxSizeBytes {
		return true, nil
	}
	if rc.MaxDocs != nil && st.DocumentCount >= *rc.MaxDocs {
		return true, nil
	}
	return false, nil
}

func nextGeneration(indexes map[string]*ManagedIndex, indexName string) uint32 {
	var max uint32
	for _, mi := range indexes {
		if mi.IndexName == indexName && mi.Generation > max {
			max = mi.Generation
		}
	}
	return max + 1
}

func generationCollectionName(indexName string, now time.Time, generation uint32) string {
	return fmt.Sprintf("%s-%s-%06d", indexName, now.Format("2006.01.02"), generation)
}

// rollover creates the successor collection, atomically swaps the write
// alias and extends the read alias, marks the old index readonly, and
// registers the new managed index.
func (m *Manager) rollover(ctx context.Context, old *ManagedIndex, now time.Time) error {
	gen := nextGeneration(m.state.ManagedIndexes, old.IndexName)
	newName := generationCollectionName(old.IndexName, now, gen)

	if err := m.admin.CreateCollection(ctx, newName, old.CollectionName); err != nil {
		return fmt.Errorf("ilm: create successor collection %s: %w", newName, err)
	}

	writeAlias := writeAliasName(old.IndexName)
	readAlias := readAliasName(old.IndexName)
	if err := m.aliases.AtomicUpdate(
		[]AliasMutation{{Alias: writeAlias, Target: newName}, {Alias: readAlias, Target: newName}},
		[]AliasMutation{{Alias: writeAlias, Target: old.CollectionName}},
	); err != nil {
		return fmt.Errorf("ilm: atomic alias update: %w", err)
	}

	old.Readonly = true
	t := now
	old.RolledOverAt = &t

	m.state.ManagedIndexes[newName] = &ManagedIndex{
		CollectionName: newName,
		IndexName:      old.IndexName,
		Phase:          PhaseHot,
		CreatedAt:      now,
		PolicyName:     old.PolicyName,
		Generation:     gen,
		StorageTier:    TierLocal,
	}
	stats.IlmRolloversTotal.Inc()
	return nil
}

// applyPhaseTransition finds the highest-order phase whose min_age is
// satisfied and, if it is ahead of the current phase, advances to it.
// Phase is never downgraded. A failed tier migration leaves StorageTier
// unchanged, so the next tick retries it.
func (m *Manager) applyPhaseTransition(ctx context.Context, mi *ManagedIndex, policy *IlmPolicy, now time.Time) {
	age := mi.age(now)
	target := mi.Phase
	for phase, cfg := range policy.Phases {
		if age < cfg.MinAge {
			continue
		}
		if phaseOrder[phase] > phaseOrder[target] {
			target = phase
		}
	}
	cfg, ok := policy.Phases[target]
	if !ok {
		return
	}
	if target != mi.Phase {
		mi.Phase = target
		mi.Readonly = mi.Readonly || cfg.Readonly
		stats.IlmPhaseTransitionsTotal.WithLabelValues(string(target)).Inc()
	}
	if cfg.StorageTier != "" && cfg.StorageTier != mi.StorageTier {
		if m.migrator != nil {
			if err := m.migrator.Migrate(ctx, mi.CollectionName, cfg.StorageTier); err != nil {
				mi.Error = err.Error()
				log.Error().Err(err).Str("collection", mi.CollectionName).Msg("ilm: tier migration failed")
				return
			}
		}
		mi.StorageTier = cfg.StorageTier
	}
}

// executePendingDeletions drops collections whose current phase is Delete
// and removes their read-alias membership.
func (m *Manager) executePendingDeletions(ctx context.Context) error {
	var firstErr error
	for name, mi := range m.state.ManagedIndexes {
		if mi.Phase != PhaseDelete {
			continue
		}
		if err := m.admin.DropCollection(ctx, name); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := m.aliases.RemoveReadTarget(mi.IndexName, name); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(m.state.ManagedIndexes, name)
	}
	return firstErr
}

// Rollover triggers an immediate manual rollover for collection, bypassing
// the rollover-condition check.
func (m *Manager) Rollover(ctx context.Context, collection string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mi, ok := m.state.ManagedIndexes[collection]
	if !ok {
		return cmn.NewNotFoundError("ilm: managed index")
	}
	if err := m.rollover(ctx, mi, time.Now()); err != nil {
		return err
	}
	return m.persistLocked()
}

// MoveToPhase forces a managed index directly to a target phase, refusing
// to downgrade.
func (m *Manager) MoveToPhase(collection string, phase Phase) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mi, ok := m.state.ManagedIndexes[collection]
	if !ok {
		return cmn.NewNotFoundError("ilm: managed index")
	}
	if phaseOrder[phase] < phaseOrder[mi.Phase] {
		return cmn.NewPolicyMismatchError(fmt.Sprintf("ilm: cannot move %s backward from %s to %s", collection, mi.Phase, phase))
	}
	mi.Phase = phase
	if phase != PhaseHot {
		mi.Readonly = true
	}
	return m.persistLocked()
}

// Run drives Tick on cfg.CheckInterval until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	if !m.cfg.Enabled {
		return
	}
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Tick(ctx); err != nil {
				log.Error().Err(err).Msg("ilm: tick failed")
			}
		}
	}
}

func (m *Manager) SchemasDir() string { return m.schemasDir }
