package service

import (
	"context"

	"go.uber.org/zap"

	apierrors "github.com/devrev/flagsync/internal/errors"
	"github.com/devrev/flagsync/internal/store"
)

// ConnectionRegistry tracks which subscriber connections should receive
// broadcasts. Entries are only "maybe live": a connection can vanish
// without unregistering, and the broadcast engine prunes it on the next
// gone signal.
type ConnectionRegistry struct {
	conns  store.ConnectionStore
	logger *zap.Logger
}

// NewConnectionRegistry creates a registry backed by conns
func NewConnectionRegistry(conns store.ConnectionStore, logger *zap.Logger) *ConnectionRegistry {
	return &ConnectionRegistry{
		conns:  conns,
		logger: logger,
	}
}

// Register adds the connection. Registering twice is the same as once.
func (r *ConnectionRegistry) Register(ctx context.Context, connectionID string) error {
	if connectionID == "" {
		return apierrors.InvalidArgument("connection id is required")
	}
	if err := r.conns.PutConnection(ctx, connectionID); err != nil {
		return apierrors.StoreUnavailable("register connection", err)
	}

	r.logger.Debug("Connection registered", zap.String("connection_id", connectionID))
	return nil
}

// Unregister removes the connection. Absence is not an error.
func (r *ConnectionRegistry) Unregister(ctx context.Context, connectionID string) error {
	if connectionID == "" {
		return apierrors.InvalidArgument("connection id is required")
	}
	if err := r.conns.DeleteConnection(ctx, connectionID); err != nil {
		return apierrors.StoreUnavailable("unregister connection", err)
	}

	r.logger.Debug("Connection unregistered", zap.String("connection_id", connectionID))
	return nil
}

// ListAll returns a point-in-time snapshot of registered ids in no
// particular order
func (r *ConnectionRegistry) ListAll(ctx context.Context) ([]string, error) {
	ids, err := r.conns.ListConnections(ctx)
	if err != nil {
		return nil, apierrors.StoreUnavailable("list connections", err)
	}
	return ids, nil
}

// Connected implements push.Lifecycle
func (r *ConnectionRegistry) Connected(ctx context.Context, connectionID string) error {
	return r.Register(ctx, connectionID)
}

// Disconnected implements push.Lifecycle
func (r *ConnectionRegistry) Disconnected(ctx context.Context, connectionID string) error {
	return r.Unregister(ctx, connectionID)
}
