package storage

import (
	"context"
	"slices"
	"sync"
)

var _ EventStore = (*MemoryEventStore)(nil)

type MemoryEventStore struct {
	mu         sync.RWMutex
	events     map[string]WebhookEvent
	byExternal map[string]string
}

func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{
		events:     make(map[string]WebhookEvent),
		byExternal: make(map[string]string),
	}
}

func (m *MemoryEventStore) Create(_ context.Context, event *WebhookEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byExternal[event.ExternalID]; exists {
		return ErrDuplicateExternalID
	}
	m.events[event.ID] = cloneEvent(*event)
	m.byExternal[event.ExternalID] = event.ID
	return nil
}

func (m *MemoryEventStore) FindByID(_ context.Context, id string) (*WebhookEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	event, ok := m.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := cloneEvent(event)
	return &out, nil
}

func (m *MemoryEventStore) FindByExternalID(ctx context.Context, externalID string) (*WebhookEvent, error) {
	m.mu.RLock()
	id, ok := m.byExternal[externalID]
	m.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}
	return m.FindByID(ctx, id)
}

func (m *MemoryEventStore) Update(_ context.Context, event *WebhookEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.events[event.ID]
	if !ok {
		return ErrNotFound
	}

	// identity columns are immutable, mirroring the SQL stores
	updated := cloneEvent(*event)
	updated.EventType = current.EventType
	updated.ExternalID = current.ExternalID
	updated.Payload = current.Payload
	updated.Signature = current.Signature
	updated.CreatedAt = current.CreatedAt
	m.events[event.ID] = updated
	return nil
}

func (m *MemoryEventStore) List(_ context.Context, filter ListFilter) ([]WebhookEvent, int, error) {
	filter = filter.Normalize()

	m.mu.RLock()
	matched := make([]WebhookEvent, 0, len(m.events))
	for _, event := range m.events {
		if matchesFilter(event, filter) {
			matched = append(matched, cloneEvent(event))
		}
	}
	m.mu.RUnlock()

	slices.SortFunc(matched, func(a, b WebhookEvent) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		if a.ID > b.ID {
			return -1
		}
		if a.ID < b.ID {
			return 1
		}
		return 0
	})

	total := len(matched)
	if filter.Offset >= total {
		return []WebhookEvent{}, total, nil
	}
	end := min(filter.Offset+filter.Limit, total)
	return matched[filter.Offset:end], total, nil
}

func (m *MemoryEventStore) CountByStatus(_ context.Context) (map[Status]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[Status]int, len(Statuses))
	for _, status := range Statuses {
		counts[status] = 0
	}
	for _, event := range m.events {
		counts[event.Status]++
	}
	return counts, nil
}

func (m *MemoryEventStore) Ping(_ context.Context) error {
	return nil
}

func (m *MemoryEventStore) Close() error {
	return nil
}

func matchesFilter(event WebhookEvent, filter ListFilter) bool {
	if filter.EventType != nil && event.EventType != *filter.EventType {
		return false
	}
	if filter.Status != nil && event.Status != *filter.Status {
		return false
	}
	if filter.ExternalID != nil && event.ExternalID != *filter.ExternalID {
		return false
	}
	return true
}

func cloneEvent(e WebhookEvent) WebhookEvent {
	out := e
	out.Payload = slices.Clone(e.Payload)
	out.ProcessingResult = slices.Clone(e.ProcessingResult)
	if e.Signature != nil {
		sig := *e.Signature
		out.Signature = &sig
	}
	if e.ProcessedAt != nil {
		at := *e.ProcessedAt
		out.ProcessedAt = &at
	}
	if e.ErrorMessage != nil {
		msg := *e.ErrorMessage
		out.ErrorMessage = &msg
	}
	return out
}
