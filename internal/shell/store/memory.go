package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/artpar/stackup/internal/core/domain"
)

// MemoryStore implements Store in memory. Used when no state DSN is
// configured and in tests.
type MemoryStore struct {
	mu      sync.Mutex
	runs    map[string]Run
	records map[string]domain.ReconciliationRecord
	history map[string][]domain.ReconciliationRecord
	params  map[string]SealedParam
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:    make(map[string]Run),
		records: make(map[string]domain.ReconciliationRecord),
		history: make(map[string][]domain.ReconciliationRecord),
		params:  make(map[string]SealedParam),
	}
}

func (m *MemoryStore) CreateRun(ctx context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; ok {
		return NewStoreError("CreateRun", "run", run.ID, "run with this ID already exists", ErrDuplicateID)
	}
	if run.Status == "" {
		run.Status = RunRunning
	}
	m.runs[run.ID] = *run
	return nil
}

func (m *MemoryStore) FinishRun(ctx context.Context, id string, status RunStatus, message string, finishedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return NewStoreError("FinishRun", "run", id, "run not found", ErrNotFound)
	}
	run.Status = status
	run.Message = message
	run.FinishedAt = &finishedAt
	m.runs[id] = run
	return nil
}

func (m *MemoryStore) GetRun(ctx context.Context, id string) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, NewStoreError("GetRun", "run", id, "run not found", ErrNotFound)
	}
	return &run, nil
}

func (m *MemoryStore) ListRuns(ctx context.Context, opts ListOptions) ([]Run, error) {
	opts = opts.Normalize()
	m.mu.Lock()
	runs := make([]Run, 0, len(m.runs))
	for _, r := range m.runs {
		runs = append(runs, r)
	}
	m.mu.Unlock()

	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].StartedAt.After(runs[j].StartedAt)
		}
		return runs[i].ID > runs[j].ID
	})
	return page(runs, opts), nil
}

func (m *MemoryStore) SaveRecord(ctx context.Context, rec *domain.ReconciliationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[rec.RunID]; !ok {
		return NewStoreError("SaveRecord", "record", rec.Unit, "run "+rec.RunID+" not found", ErrNotFound)
	}
	m.records[rec.Unit] = *rec
	m.history[rec.Unit] = append(m.history[rec.Unit], *rec)
	return nil
}

func (m *MemoryStore) GetRecord(ctx context.Context, unit string) (*domain.ReconciliationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[unit]
	if !ok {
		return nil, NewStoreError("GetRecord", "record", unit, "record not found", ErrNotFound)
	}
	return &rec, nil
}

func (m *MemoryStore) ListRecords(ctx context.Context) ([]domain.ReconciliationRecord, error) {
	m.mu.Lock()
	out := make([]domain.ReconciliationRecord, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Stage != out[j].Stage {
			return out[i].Stage < out[j].Stage
		}
		return out[i].Unit < out[j].Unit
	})
	return out, nil
}

func (m *MemoryStore) ListHistory(ctx context.Context, unit string, opts ListOptions) ([]domain.ReconciliationRecord, error) {
	opts = opts.Normalize()
	m.mu.Lock()
	hist := m.history[unit]
	out := make([]domain.ReconciliationRecord, len(hist))
	for i := range hist {
		out[len(hist)-1-i] = hist[i]
	}
	m.mu.Unlock()
	return page(out, opts), nil
}

func (m *MemoryStore) SaveParam(ctx context.Context, param *SealedParam) error {
	if param.Key == "" {
		return NewStoreError("SaveParam", "param", "", "key is required", ErrInvalidData)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.params[param.Key] = *param
	return nil
}

func (m *MemoryStore) ListParams(ctx context.Context) ([]SealedParam, error) {
	m.mu.Lock()
	out := make([]SealedParam, 0, len(m.params))
	for _, p := range m.params {
		out = append(out, p)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// WithTx runs fn against the same store; memory writes are not rolled back.
func (m *MemoryStore) WithTx(ctx context.Context, fn func(Store) error) error {
	return fn(m)
}

func (m *MemoryStore) Close() error {
	return nil
}

func page[T any](items []T, opts ListOptions) []T {
	if opts.Offset >= len(items) {
		return []T{}
	}
	end := opts.Offset + opts.Limit
	if end > len(items) {
		end = len(items)
	}
	return items[opts.Offset:end]
}
