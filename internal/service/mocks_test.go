package service

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/devrev/flagsync/internal/model"
	"github.com/devrev/flagsync/internal/store"
)

// MockPusher is a mock implementation of push.Pusher
type MockPusher struct {
	mock.Mock
}

func (m *MockPusher) Push(ctx context.Context, connectionID string, data []byte) error {
	args := m.Called(ctx, connectionID, data)
	return args.Error(0)
}

// recordingBroadcaster captures events instead of fanning them out
type recordingBroadcaster struct {
	mu     sync.Mutex
	events []model.Event
}

func (b *recordingBroadcaster) Broadcast(ctx context.Context, event model.Event) Report {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
	return Report{Event: event.Type}
}

func (b *recordingBroadcaster) Events() []model.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]model.Event(nil), b.events...)
}

// faultyStore wraps a memory store and fails selected operations
type faultyStore struct {
	*store.MemoryStore

	incrementErr     error
	putErr           error
	listConnErr      error
	deleteConnErr    error
	setEnabledErrFor map[int64]error
	deleteErrFor     map[int64]error
	updateErrFor     map[int64]error
}

func newFaultyStore() *faultyStore {
	return &faultyStore{
		MemoryStore:      store.NewMemoryStore(nil),
		setEnabledErrFor: make(map[int64]error),
		deleteErrFor:     make(map[int64]error),
		updateErrFor:     make(map[int64]error),
	}
}

func (s *faultyStore) Increment(ctx context.Context, name string) (int64, error) {
	if s.incrementErr != nil {
		return 0, s.incrementErr
	}
	return s.MemoryStore.Increment(ctx, name)
}

func (s *faultyStore) PutFlag(ctx context.Context, flag *model.Flag) error {
	if s.putErr != nil {
		return s.putErr
	}
	return s.MemoryStore.PutFlag(ctx, flag)
}

func (s *faultyStore) SetEnabled(ctx context.Context, id int64, enabled bool) error {
	if err := s.setEnabledErrFor[id]; err != nil {
		return err
	}
	return s.MemoryStore.SetEnabled(ctx, id, enabled)
}

func (s *faultyStore) UpdateMetadata(ctx context.Context, id int64, patch model.FlagPatch) error {
	if err := s.updateErrFor[id]; err != nil {
		return err
	}
	return s.MemoryStore.UpdateMetadata(ctx, id, patch)
}

func (s *faultyStore) DeleteFlag(ctx context.Context, id int64) error {
	if err := s.deleteErrFor[id]; err != nil {
		return err
	}
	return s.MemoryStore.DeleteFlag(ctx, id)
}

func (s *faultyStore) ListConnections(ctx context.Context) ([]string, error) {
	if s.listConnErr != nil {
		return nil, s.listConnErr
	}
	return s.MemoryStore.ListConnections(ctx)
}

func (s *faultyStore) DeleteConnection(ctx context.Context, connectionID string) error {
	if s.deleteConnErr != nil {
		return s.deleteConnErr
	}
	return s.MemoryStore.DeleteConnection(ctx, connectionID)
}
