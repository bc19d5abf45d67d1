package mapping

import (
	"context"

	"github.com/samber/mo"
	"github.com/stretchr/testify/mock"
)

// MockStore implements the Store interface for testing
type MockStore struct {
	mock.Mock
}

func (m *MockStore) Get(ctx context.Context, calendarID, seriesID string) (mo.Option[Mapping], error) {
	args := m.Called(ctx, calendarID, seriesID)
	return args.Get(0).(mo.Option[Mapping]), args.Error(1)
}

func (m *MockStore) LookupByHref(ctx context.Context, calendarID, href string) (mo.Option[Mapping], error) {
	args := m.Called(ctx, calendarID, href)
	return args.Get(0).(mo.Option[Mapping]), args.Error(1)
}

func (m *MockStore) List(ctx context.Context, calendarID string) ([]Mapping, error) {
	args := m.Called(ctx, calendarID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]Mapping), args.Error(1)
}

func (m *MockStore) Upsert(ctx context.Context, mapping Mapping) error {
	args := m.Called(ctx, mapping)
	return args.Error(0)
}

func (m *MockStore) Delete(ctx context.Context, calendarID, seriesID string) error {
	args := m.Called(ctx, calendarID, seriesID)
	return args.Error(0)
}

func (m *MockStore) Cursor(ctx context.Context, calendarID string) (Cursor, error) {
	args := m.Called(ctx, calendarID)
	return args.Get(0).(Cursor), args.Error(1)
}

func (m *MockStore) SaveCursor(ctx context.Context, c Cursor) error {
	args := m.Called(ctx, c)
	return args.Error(0)
}
