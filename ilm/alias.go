// Package ilm implements alias indirection (AliasManager) and the index
// lifecycle driver (Manager). Both mutate their process-wide state under a
// single lock and persist before releasing it, so on-disk snapshots never
// lag the in-memory maps.
package ilm

import (
	"os"
	"sync"
	"time"

	"github.com/NVIDIA/prism/internal/cmn"
	"github.com/NVIDIA/prism/internal/debug"
	"github.com/NVIDIA/prism/internal/jsp"
)

var ErrAliasNotFound = cmn.NewNotFoundError("ilm: alias")

type AliasType string

const (
	AliasWrite AliasType = "write"
	AliasRead  AliasType = "read"
)

type IndexAlias struct {
	Name      string    `json:"name"`
	Type      AliasType `json:"type"`
	Targets   []string  `json:"targets"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (a *IndexAlias) addTarget(t string) {
	for _, existing := range a.Targets {
		if existing == t {
			return
		}
	}
	a.Targets = append(a.Targets, t)
}

func (a *IndexAlias) removeTarget(t string) {
	out := a.Targets[:0]
	for _, existing := range a.Targets {
		if existing != t {
			out = append(out, existing)
		}
	}
	a.Targets = out
}

// AliasState is the alias manager's on-disk snapshot.
type AliasState struct {
	Aliases     map[string]*IndexAlias `json:"aliases"`
	LastSavedAt time.Time              `json:"last_saved_at"`
}

func (AliasState) JspOpts() jsp.Options { return jsp.Options{Compress: false} }

// AliasManager maintains write-alias (single target) and
// read-alias (multi-target) indirection for a logical index name.
type AliasManager struct {
	mu    sync.Mutex
	path  string
	state AliasState
}

func writeAliasName(index string) string { return index + "-write" }
func readAliasName(index string) string  { return index + "-read" }

// NewAliasManager loads existing state from path, if present, else starts
// empty.
func NewAliasManager(path string) (*AliasManager, error) {
	m := &AliasManager{
		path:  path,
		state: AliasState{Aliases: make(map[string]*IndexAlias)},
	}
	if err := jsp.LoadMeta(path, &m.state); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	}
	if m.state.Aliases == nil {
		m.state.Aliases = make(map[string]*IndexAlias)
	}
	return m, nil
}

func (m *AliasManager) persistLocked() error {
	m.state.LastSavedAt = time.Now()
	return jsp.SaveMeta(m.path, &m.state)
}

// GetOrCreateWriteAlias is idempotent: returns the existing alias unchanged
// if already present.
func (m *AliasManager) GetOrCreateWriteAlias(index, target string) (*IndexAlias, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := writeAliasName(index)
	if a, ok := m.state.Aliases[name]; ok {
		return a, nil
	}
	now := time.Now()
	a := &IndexAlias{Name: name, Type: AliasWrite, Targets: []string{target}, CreatedAt: now, UpdatedAt: now}
	m.state.Aliases[name] = a
	return a, m.persistLocked()
}

// GetOrCreateReadAlias is idempotent over the full target set.
func (m *AliasManager) GetOrCreateReadAlias(index string, targets []string) (*IndexAlias, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := readAliasName(index)
	if a, ok := m.state.Aliases[name]; ok {
		return a, nil
	}
	now := time.Now()
	a := &IndexAlias{Name: name, Type: AliasRead, Targets: append([]string(nil), targets...), CreatedAt: now, UpdatedAt: now}
	m.state.Aliases[name] = a
	return a, m.persistLocked()
}

// Resolve returns an alias's targets, or ErrAliasNotFound.
func (m *AliasManager) Resolve(name string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.state.Aliases[name]
	if !ok {
		return nil, ErrAliasNotFound
	}
	return append([]string(nil), a.Targets...), nil
}

// ResolveWriteTarget returns the single write target for index.
func (m *AliasManager) ResolveWriteTarget(index string) (string, error) {
	targets, err := m.Resolve(writeAliasName(index))
	if err != nil {
		return "", err
	}
	if len(targets) == 0 {
		return "", ErrAliasNotFound
	}
	return targets[0], nil
}

// UpdateWriteTarget overwrites the write alias's single target. Fails if the
// alias is absent.
func (m *AliasManager) UpdateWriteTarget(index, newTarget string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := writeAliasName(index)
	a, ok := m.state.Aliases[name]
	if !ok {
		return ErrAliasNotFound
	}
	a.Targets = []string{newTarget}
	a.UpdatedAt = time.Now()
	debug.Assert(a.Type == AliasWrite && len(a.Targets) == 1)
	return m.persistLocked()
}

// AddReadTarget creates the read alias if missing, else appends (dedup).
func (m *AliasManager) AddReadTarget(index, target string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := readAliasName(index)
	a, ok := m.state.Aliases[name]
	if !ok {
		now := time.Now()
		a = &IndexAlias{Name: name, Type: AliasRead, CreatedAt: now}
		m.state.Aliases[name] = a
	}
	a.addTarget(target)
	a.UpdatedAt = time.Now()
	return m.persistLocked()
}

// RemoveReadTarget is a no-op if the alias or the target is absent.
func (m *AliasManager) RemoveReadTarget(index, target string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.state.Aliases[readAliasName(index)]
	if !ok {
		return nil
	}
	a.removeTarget(target)
	a.UpdatedAt = time.Now()
	return m.persistLocked()
}

// Delete removes an alias outright, returning its prior value (nil if
// absent).
func (m *AliasManager) Delete(name string) (*IndexAlias, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.state.Aliases[name]
	if !ok {
		return nil, nil
	}
	delete(m.state.Aliases, name)
	return a, m.persistLocked()
}

type AliasMutation struct {
	Alias  string
	Target string
}

// AtomicUpdate applies all removes then all adds under a single lock, so a
// rollover's "swap write pointer, extend read set" is one atomic step.
// Removes preceding adds means a remove-then-add pair for the same
// (alias, target) leaves the target present.
func (m *AliasManager) AtomicUpdate(adds, removes []AliasMutation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range removes {
		if a, ok := m.state.Aliases[r.Alias]; ok {
			a.removeTarget(r.Target)
			a.UpdatedAt = time.Now()
		}
	}
	for _, a2 := range adds {
		a, ok := m.state.Aliases[a2.Alias]
		if !ok {
			now := time.Now()
			aliasType := AliasRead
			a = &IndexAlias{Name: a2.Alias, Type: aliasType, CreatedAt: now}
			m.state.Aliases[a2.Alias] = a
		}
		a.addTarget(a2.Target)
		a.UpdatedAt = time.Now()
		debug.Assertf(a.Type != AliasWrite || len(a.Targets) == 1,
			"write alias %s has %d targets", a.Name, len(a.Targets))
	}
	return m.persistLocked()
}

// Expand returns name's alias targets if it is an alias, else []string{name}
// unchanged — used at query entry to transparently fan out across rolled
// indexes.
func (m *AliasManager) Expand(name string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.state.Aliases[name]; ok {
		return append([]string(nil), a.Targets...)
	}
	return []string{name}
}
