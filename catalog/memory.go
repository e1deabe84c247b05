package catalog

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/toolink/extgov/meta"
)

// Memory is an in-process catalog.
type Memory struct {
	mu      sync.RWMutex
	records map[string]meta.Record
	now     func() time.Time
}

// NewMemory creates an empty in-memory catalog.
func NewMemory() *Memory {
	return &Memory{
		records: make(map[string]meta.Record),
		now:     time.Now,
	}
}

func (m *Memory) Register(_ context.Context, desc meta.Descriptor) error {
	if err := desc.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.records[desc.ID] = meta.Record{Descriptor: desc.Clone(), UpdatedAt: m.now()}
	m.mu.Unlock()

	log.Debug().Str("extension", desc.String()).Msg("catalog record registered")
	return nil
}

func (m *Memory) Unregister(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.records, id)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Enable(_ context.Context, id string) error {
	return m.set(id, true, "")
}

func (m *Memory) Disable(_ context.Context, id, reason string) error {
	return m.set(id, false, reason)
}

func (m *Memory) set(id string, enabled bool, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	rec.Enabled = enabled
	rec.Reason = reason
	rec.UpdatedAt = m.now()
	m.records[id] = rec
	return nil
}

func (m *Memory) IsEnabled(_ context.Context, id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.records[id].Enabled
}

func (m *Memory) Get(_ context.Context, id string) (*meta.Record, error) {
	m.mu.RLock()
	rec, ok := m.records[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	rec.Descriptor = rec.Descriptor.Clone()
	return &rec, nil
}

func (m *Memory) List(_ context.Context) ([]meta.Record, error) {
	m.mu.RLock()
	out := make([]meta.Record, 0, len(m.records))
	for _, rec := range m.records {
		rec.Descriptor = rec.Descriptor.Clone()
		out = append(out, rec)
	}
	m.mu.RUnlock()

	sortRecords(out)
	return out, nil
}

func sortRecords(records []meta.Record) {
	sort.Slice(records, func(i, j int) bool {
		return records[i].Descriptor.ID < records[j].Descriptor.ID
	})
}
