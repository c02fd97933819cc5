// Package cache provides testify mocks for the asset cache store.
package cache

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/l0p7/bixworker/internal/runtime/cache"
)

// MockStore is a mock of cache.Store.
type MockStore struct {
	mock.Mock
}

var _ cache.Store = (*MockStore)(nil)

// NewMockStore builds a mock that asserts its expectations at test cleanup.
func NewMockStore(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockStore {
	m := &MockStore{}
	m.Mock.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

// MockStore_Expecter builds typed expectations.
type MockStore_Expecter struct {
	mock *mock.Mock
}

func (m *MockStore) EXPECT() *MockStore_Expecter {
	return &MockStore_Expecter{mock: &m.Mock}
}

func (m *MockStore) Commit(ctx context.Context, name string, entries map[cache.Identity]cache.Snapshot) error {
	ret := m.Called(ctx, name, entries)
	return ret.Error(0)
}

func (m *MockStore) Put(ctx context.Context, name string, id cache.Identity, snap cache.Snapshot) error {
	ret := m.Called(ctx, name, id, snap)
	return ret.Error(0)
}

func (m *MockStore) Match(ctx context.Context, name string, id cache.Identity) (cache.Snapshot, bool, error) {
	ret := m.Called(ctx, name, id)
	snap, _ := ret.Get(0).(cache.Snapshot)
	return snap, ret.Bool(1), ret.Error(2)
}

func (m *MockStore) Names(ctx context.Context) ([]string, error) {
	ret := m.Called(ctx)
	names, _ := ret.Get(0).([]string)
	return names, ret.Error(1)
}

func (m *MockStore) Entries(ctx context.Context, name string) (map[cache.Identity]cache.Snapshot, error) {
	ret := m.Called(ctx, name)
	entries, _ := ret.Get(0).(map[cache.Identity]cache.Snapshot)
	return entries, ret.Error(1)
}

func (m *MockStore) Delete(ctx context.Context, name string) error {
	ret := m.Called(ctx, name)
	return ret.Error(0)
}

func (m *MockStore) Close(ctx context.Context) error {
	ret := m.Called(ctx)
	return ret.Error(0)
}

// MockStore_Call wraps a single expectation.
type MockStore_Call struct {
	*mock.Call
}

// Return sets the values returned by the expected call.
func (c *MockStore_Call) Return(values ...any) *MockStore_Call {
	c.Call.Return(values...)
	return c
}

func (e *MockStore_Expecter) Commit(ctx, name, entries any) *MockStore_Call {
	return &MockStore_Call{Call: e.mock.On("Commit", ctx, name, entries)}
}

func (e *MockStore_Expecter) Put(ctx, name, id, snap any) *MockStore_Call {
	return &MockStore_Call{Call: e.mock.On("Put", ctx, name, id, snap)}
}

func (e *MockStore_Expecter) Match(ctx, name, id any) *MockStore_Call {
	return &MockStore_Call{Call: e.mock.On("Match", ctx, name, id)}
}

func (e *MockStore_Expecter) Names(ctx any) *MockStore_Call {
	return &MockStore_Call{Call: e.mock.On("Names", ctx)}
}

func (e *MockStore_Expecter) Entries(ctx, name any) *MockStore_Call {
	return &MockStore_Call{Call: e.mock.On("Entries", ctx, name)}
}

func (e *MockStore_Expecter) Delete(ctx, name any) *MockStore_Call {
	return &MockStore_Call{Call: e.mock.On("Delete", ctx, name)}
}

func (e *MockStore_Expecter) Close(ctx any) *MockStore_Call {
	return &MockStore_Call{Call: e.mock.On("Close", ctx)}
}
