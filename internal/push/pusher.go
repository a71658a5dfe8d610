// Package push delivers serialized events to individual subscriber
// connections, either through an in-process WebSocket hub or through a
// remote gateway's management API.
package push

import (
	"context"
	"errors"

	"github.com/devrev/flagsync/internal/model"
)

// ErrGone reports that the target connection no longer exists. It is the
// only push failure that justifies removing a registration.
var ErrGone = errors.New("connection gone")

// Pusher sends one message to one connection
type Pusher interface {
	Push(ctx context.Context, connectionID string, data []byte) error
}

// Lifecycle is notified when a subscriber connection opens or closes
type Lifecycle interface {
	Connected(ctx context.Context, connectionID string) error
	Disconnected(ctx context.Context, connectionID string) error
}

// TokenVerifier validates a bearer token
type TokenVerifier interface {
	Verify(token string) (*model.Identity, error)
}

// GatewayKeyHeader carries the shared secret between gateway and API
const GatewayKeyHeader = "X-Gateway-Key"
