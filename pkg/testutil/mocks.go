// Package testutil provides common testing utilities and mock implementations.
package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/reqdesk/reqdesk/internal/domain"
	"github.com/reqdesk/reqdesk/internal/errors"
)

// MockService is a programmable in-memory implementation of the domain
// service contract. Each operation can be overridden with a func field; the
// default behavior serves entities from Items.
type MockService[T domain.Entity] struct {
	Items *MemoryStore[string, T]

	ListFn         func(ctx context.Context, params domain.ListParams) (*domain.ListResponse[T], error)
	GetFn          func(ctx context.Context, id string, include ...string) (T, error)
	CreateFn       func(ctx context.Context, entity T) (T, error)
	UpdateFn       func(ctx context.Context, id string, patch domain.Patch) (T, error)
	DeleteFn       func(ctx context.Context, id string) error
	ChangeStatusFn func(ctx context.Context, id string, status domain.Status) (T, error)
	AssignFn       func(ctx context.Context, id string, userID string) (T, error)

	mu    sync.Mutex
	calls map[string]int
}

// NewMockService creates a mock serving items.
func NewMockService[T domain.Entity](items ...T) *MockService[T] {
	m := &MockService[T]{Items: NewMemoryStore[string, T](), calls: make(map[string]int)}
	for _, it := range items {
		m.Items.Set(it.GetID(), it)
	}
	return m
}

func (m *MockService[T]) record(op string) {
	m.mu.Lock()
	m.calls[op]++
	m.mu.Unlock()
}

// Calls returns how many times op ("List", "Get", ...) was invoked.
func (m *MockService[T]) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// List implements the service contract.
func (m *MockService[T]) List(ctx context.Context, params domain.ListParams) (*domain.ListResponse[T], error) {
	m.record("List")
	if m.ListFn != nil {
		return m.ListFn(ctx, params)
	}
	var data []T
	for _, it := range m.Items.All() {
		if params.Status != "" && it.GetStatus() != params.Status {
			continue
		}
		data = append(data, it)
	}
	sort.Slice(data, func(i, j int) bool { return data[i].GetReferenceID() < data[j].GetReferenceID() })
	return &domain.ListResponse[T]{Data: data, TotalCount: len(data)}, nil
}

// Get implements the service contract.
func (m *MockService[T]) Get(ctx context.Context, id string, include ...string) (T, error) {
	m.record("Get")
	if m.GetFn != nil {
		return m.GetFn(ctx, id, include...)
	}
	return m.lookup(id)
}

func (m *MockService[T]) lookup(id string) (T, error) {
	it, ok := m.Items.Get(id)
	if !ok {
		var zero T
		return zero, errors.HTTP(404, "not found")
	}
	return it, nil
}

// Create implements the service contract.
func (m *MockService[T]) Create(ctx context.Context, entity T) (T, error) {
	m.record("Create")
	if m.CreateFn != nil {
		return m.CreateFn(ctx, entity)
	}
	m.Items.Set(entity.GetID(), entity)
	return entity, nil
}

// Update implements the service contract.
func (m *MockService[T]) Update(ctx context.Context, id string, patch domain.Patch) (T, error) {
	m.record("Update")
	if m.UpdateFn != nil {
		return m.UpdateFn(ctx, id, patch)
	}
	return m.lookup(id)
}

// Delete implements the service contract.
func (m *MockService[T]) Delete(ctx context.Context, id string) error {
	m.record("Delete")
	if m.DeleteFn != nil {
		return m.DeleteFn(ctx, id)
	}
	m.Items.Delete(id)
	return nil
}

// ChangeStatus implements the service contract.
func (m *MockService[T]) ChangeStatus(ctx context.Context, id string, status domain.Status) (T, error) {
	m.record("ChangeStatus")
	if m.ChangeStatusFn != nil {
		return m.ChangeStatusFn(ctx, id, status)
	}
	return m.lookup(id)
}

// Assign implements the service contract.
func (m *MockService[T]) Assign(ctx context.Context, id string, userID string) (T, error) {
	m.record("Assign")
	if m.AssignFn != nil {
		return m.AssignFn(ctx, id, userID)
	}
	return m.lookup(id)
}

// MemoryStore is a generic in-memory store for testing.
type MemoryStore[K comparable, V any] struct {
	mu    sync.RWMutex
	items map[K]V
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore[K comparable, V any]() *MemoryStore[K, V] {
	return &MemoryStore[K, V]{items: make(map[K]V)}
}

// Set stores an item.
func (s *MemoryStore[K, V]) Set(key K, value V) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = value
}

// Get retrieves an item.
func (s *MemoryStore[K, V]) Get(key K) (V, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[key]
	return v, ok
}

// Delete removes an item.
func (s *MemoryStore[K, V]) Delete(key K) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
}

// All returns all items.
func (s *MemoryStore[K, V]) All() map[K]V {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make(map[K]V, len(s.items))
	for k, v := range s.items {
		result[k] = v
	}
	return result
}

// GenerateID generates a new UUID string.
func GenerateID() string {
	return uuid.NewString()
}

// Now returns the current UTC time truncated to microseconds, so values
// survive a JSON round trip unchanged.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
