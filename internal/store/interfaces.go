package store

import (
	"context"
	"errors"

	"github.com/devrev/flagsync/internal/model"
)

// ErrNotFound is returned when a record is not found
var ErrNotFound = errors.New("not found")

// ErrAlreadyExists is returned when a unique record already exists
var ErrAlreadyExists = errors.New("already exists")

// FlagStore holds flag records.
//
// SetEnabled, UpdateMetadata and DeleteFlag are unconditional: a missing id
// is a silent no-op, not an error.
type FlagStore interface {
	PutFlag(ctx context.Context, flag *model.Flag) error
	GetFlag(ctx context.Context, id int64) (*model.Flag, error)
	// ListFlags returns every record ordered by ascending id
	ListFlags(ctx context.Context) ([]*model.Flag, error)
	SetEnabled(ctx context.Context, id int64, enabled bool) error
	UpdateMetadata(ctx context.Context, id int64, patch model.FlagPatch) error
	DeleteFlag(ctx context.Context, id int64) error
}

// CounterStore holds named monotonic counters
type CounterStore interface {
	// Increment atomically adds one to the counter, creating it at zero
	// first, and returns the new value.
	Increment(ctx context.Context, name string) (int64, error)
}

// ConnectionStore holds the set of registered subscriber connection ids
type ConnectionStore interface {
	PutConnection(ctx context.Context, connectionID string) error
	DeleteConnection(ctx context.Context, connectionID string) error
	ListConnections(ctx context.Context) ([]string, error)
}

// UserStore holds operator accounts keyed by email
type UserStore interface {
	CreateUser(ctx context.Context, user *model.User) error
	GetUser(ctx context.Context, email string) (*model.User, error)
}

// Store is the full record store used by flagd
type Store interface {
	FlagStore
	CounterStore
	ConnectionStore
	UserStore

	// Health check
	Ping(ctx context.Context) error
	Close() error
}
