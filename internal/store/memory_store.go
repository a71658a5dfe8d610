package store

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/devrev/flagsync/internal/model"
)

// MemoryStore implements Store using in-process maps. State is lost on
// restart, so it suits tests and single-node development.
type MemoryStore struct {
	mu          sync.RWMutex
	flags       map[int64]*model.Flag
	counters    map[string]int64
	connections map[string]struct{}
	users       map[string]*model.User
	logger      *zap.Logger
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	return &MemoryStore{
		flags:       make(map[int64]*model.Flag),
		counters:    make(map[string]int64),
		connections: make(map[string]struct{}),
		users:       make(map[string]*model.User),
		logger:      logger,
	}
}

// PutFlag stores a copy of the flag, replacing any record with the same id
func (s *MemoryStore) PutFlag(ctx context.Context, flag *model.Flag) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.flags[flag.ID] = flag.Clone().Normalize()
	return nil
}

// GetFlag returns a copy of the flag
func (s *MemoryStore) GetFlag(ctx context.Context, id int64) (*model.Flag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.flags[id]
	if !ok {
		return nil, ErrNotFound
	}
	return f.Clone(), nil
}

// ListFlags returns copies of every flag ordered by id
func (s *MemoryStore) ListFlags(ctx context.Context) ([]*model.Flag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	flags := make([]*model.Flag, 0, len(s.flags))
	for _, f := range s.flags {
		flags = append(flags, f.Clone())
	}
	sort.Slice(flags, func(i, j int) bool { return flags[i].ID < flags[j].ID })
	return flags, nil
}

func (s *MemoryStore) SetEnabled(ctx context.Context, id int64, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f, ok := s.flags[id]; ok {
		f.Enabled = enabled
	}
	return nil
}

func (s *MemoryStore) UpdateMetadata(ctx context.Context, id int64, patch model.FlagPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f, ok := s.flags[id]; ok {
		patch.Apply(f)
	}
	return nil
}

func (s *MemoryStore) DeleteFlag(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.flags, id)
	return nil
}

// Increment adds one to the named counter
func (s *MemoryStore) Increment(ctx context.Context, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counters[name]++
	return s.counters[name], nil
}

func (s *MemoryStore) PutConnection(ctx context.Context, connectionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.connections[connectionID] = struct{}{}
	return nil
}

func (s *MemoryStore) DeleteConnection(ctx context.Context, connectionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.connections, connectionID)
	return nil
}

// ListConnections returns a snapshot of the registered ids
func (s *MemoryStore) ListConnections(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.connections))
	for id := range s.connections {
		ids = append(ids, id)
	}
	return ids, nil
}

// CreateUser stores the user unless the email is taken
func (s *MemoryStore) CreateUser(ctx context.Context, user *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[user.Email]; exists {
		return ErrAlreadyExists
	}
	u := *user
	s.users[user.Email] = &u
	return nil
}

func (s *MemoryStore) GetUser(ctx context.Context, email string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[email]
	if !ok {
		return nil, ErrNotFound
	}
	c := *u
	return &c, nil
}

// Ping always succeeds
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op
func (s *MemoryStore) Close() error {
	return nil
}
