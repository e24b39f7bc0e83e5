package store

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/TranVPhu/FaceRecognize/internal/types"
)

// Memory is an in-process registry with the same contract as Store. It
// backs tests and the offline mode of the CLI.
type Memory struct {
	mu      sync.RWMutex
	dim     int
	nextID  int64
	records map[int64]types.IdentityRecord
}

func NewMemory(dim int) *Memory {
	if dim <= 0 {
		dim = 512
	}
	return &Memory{dim: dim, nextID: 1, records: make(map[int64]types.IdentityRecord)}
}

func (m *Memory) Dim() int { return m.dim }

func (m *Memory) checkDim(embedding []float64) error {
	if embedding != nil && len(embedding) != m.dim {
		return fmt.Errorf("embedding has %d dimensions, registry expects %d", len(embedding), m.dim)
	}
	return nil
}

func clone(r types.IdentityRecord) types.IdentityRecord {
	r.Embedding = slices.Clone(r.Embedding)
	return r
}

func (m *Memory) sorted(keep func(types.IdentityRecord) bool) []types.IdentityRecord {
	out := make([]types.IdentityRecord, 0, len(m.records))
	for _, r := range m.records {
		if keep == nil || keep(r) {
			out = append(out, clone(r))
		}
	}
	slices.SortFunc(out, func(a, b types.IdentityRecord) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

func (m *Memory) GetAll(_ context.Context) ([]types.IdentityRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sorted(nil), nil
}

func (m *Memory) Get(_ context.Context, id int64) (types.IdentityRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[id]
	if !ok {
		return types.IdentityRecord{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return clone(r), nil
}

func (m *Memory) FindByName(_ context.Context, query string) ([]types.IdentityRecord, error) {
	q := FoldName(query)
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sorted(func(r types.IdentityRecord) bool {
		return strings.Contains(FoldName(r.Name), q)
	}), nil
}

func (m *Memory) Add(_ context.Context, name, group string, embedding []float64) (int64, error) {
	if err := m.checkDim(embedding); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.records[id] = types.IdentityRecord{
		ID:        id,
		Name:      NormalizeName(name),
		Group:     NormalizeName(group),
		Embedding: slices.Clone(embedding),
		CreatedAt: time.Now(),
	}
	return id, nil
}

func (m *Memory) Update(_ context.Context, id int64, name, group string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	r.Name, r.Group = NormalizeName(name), NormalizeName(group)
	m.records[id] = r
	return nil
}

func (m *Memory) UpdateEmbedding(_ context.Context, id int64, embedding []float64) error {
	if err := m.checkDim(embedding); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	r.Embedding = slices.Clone(embedding)
	m.records[id] = r
	return nil
}

func (m *Memory) Delete(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[id]; !ok {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	delete(m.records, id)
	return nil
}

func (m *Memory) DeleteMany(_ context.Context, ids []int64) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var deleted []int64
	for _, id := range ids {
		if _, ok := m.records[id]; ok {
			delete(m.records, id)
			deleted = append(deleted, id)
		}
	}
	return deleted, nil
}

func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = make(map[int64]types.IdentityRecord)
	m.nextID = 1
	return nil
}

func (m *Memory) Close() {}
