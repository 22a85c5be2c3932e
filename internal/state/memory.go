package state

import (
	"context"
	"sync"

	wetwire "github.com/lex00/wetwire-vpn-go"
)

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu   sync.Mutex
	recs map[string]wetwire.StageRecord
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{recs: make(map[string]wetwire.StageRecord)}
}

func (m *MemoryStore) Get(_ context.Context, stage string) (*wetwire.StageRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[stage]
	if !ok {
		return nil, ErrNotFound
	}
	rec = copyRecord(rec)
	return &rec, nil
}

func (m *MemoryStore) Put(_ context.Context, rec wetwire.StageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[rec.Stage] = copyRecord(rec)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, stage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.recs, stage)
	return nil
}

func (m *MemoryStore) List(_ context.Context) ([]wetwire.StageRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]wetwire.StageRecord, 0, len(m.recs))
	for _, r := range m.recs {
		out = append(out, copyRecord(r))
	}
	sortRecords(out)
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }

func copyRecord(r wetwire.StageRecord) wetwire.StageRecord {
	if r.Inputs != nil {
		r.Inputs = r.Inputs.Clone()
	}
	if r.Outputs != nil {
		r.Outputs = r.Outputs.Clone()
	}
	if r.Config != nil {
		r.Config = r.Config.Clone()
	}
	return r
}
