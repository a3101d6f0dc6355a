package ledger

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store used by unit tests. It deliberately has
// the same semantics as the sqlite store minus durability.
type MemoryStore struct {
	mu     sync.RWMutex
	stages map[string]Record // keyed by unitID + "|" + stage
	units  map[string]Unit
	order  []string
	runs   map[string]Run
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		stages: make(map[string]Record),
		units:  make(map[string]Unit),
		runs:   make(map[string]Run),
	}
}

func stageKey(unitID string, stage Stage) string {
	return unitID + "|" + string(stage)
}

func (m *MemoryStore) GetStage(_ context.Context, unitID string, stage Stage) (Record, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.stages[stageKey(unitID, stage)]
	return rec, ok, nil
}

func (m *MemoryStore) PutStage(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stages[stageKey(rec.UnitID, rec.Stage)] = rec
	return nil
}

func (m *MemoryStore) GetUnit(_ context.Context, unitID string) (Unit, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	unit, ok := m.units[unitID]
	return unit, ok, nil
}

func (m *MemoryStore) PutUnit(_ context.Context, unit Unit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.units[unit.ID]; !ok {
		m.order = append(m.order, unit.ID)
	}
	m.units[unit.ID] = unit
	return nil
}

func (m *MemoryStore) ListUnits(_ context.Context) ([]Unit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ret := make([]Unit, 0, len(m.order))
	for _, id := range m.order {
		ret = append(ret, m.units[id])
	}
	return ret, nil
}

func (m *MemoryStore) RecordRun(_ context.Context, run Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = run
	return nil
}

// Runs returns recorded runs sorted by start time, for test assertions.
func (m *MemoryStore) Runs() []Run {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ret := make([]Run, 0, len(m.runs))
	for _, run := range m.runs {
		ret = append(ret, run)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].StartedAt.Before(ret[j].StartedAt) })
	return ret
}
