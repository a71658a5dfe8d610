package push

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/devrev/flagsync/internal/config"
	apierrors "github.com/devrev/flagsync/internal/errors"
	"github.com/devrev/flagsync/internal/metrics"
)

const (
	lifecycleTimeout = 5 * time.Second
	maxClientMessage = 4096
)

// Hub is the WebSocket gateway. It accepts subscriber sockets, assigns
// each a connection id and implements Pusher over the sockets it holds.
type Hub struct {
	cfg       config.WebSocketConfig
	upgrader  websocket.Upgrader
	lifecycle Lifecycle
	verifier  TokenVerifier
	metrics   *metrics.Metrics
	errors    *apierrors.Handler
	logger    *zap.Logger

	mu    sync.RWMutex
	conns map[string]*socket
}

type socket struct {
	id        string
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

func (s *socket) close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.conn.Close()
	})
}

func (s *socket) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// write sends one frame under the socket's write lock
func (s *socket) write(messageType int, data []byte, deadline time.Time) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return s.conn.WriteMessage(messageType, data)
}

// NewHub creates a hub. verifier may be nil when cfg.RequireAuth is off.
func NewHub(cfg config.WebSocketConfig, lifecycle Lifecycle, verifier TokenVerifier, m *metrics.Metrics, logger *zap.Logger) *Hub {
	h := &Hub{
		cfg:       cfg,
		lifecycle: lifecycle,
		verifier:  verifier,
		metrics:   m,
		errors:    apierrors.NewHandler(logger),
		logger:    logger,
		conns:     make(map[string]*socket),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// ServeHTTP upgrades the request and serves the socket until it closes
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.cfg.RequireAuth {
		if h.verifier == nil {
			h.errors.WriteUnauthenticated(w, "Not authenticated", r.Header.Get("X-Request-ID"))
			return
		}
		if _, err := h.verifier.Verify(r.URL.Query().Get("token")); err != nil {
			h.errors.WriteUnauthenticated(w, "Not authenticated", r.Header.Get("X-Request-ID"))
			return
		}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("WebSocket upgrade failed", zap.Error(err))
		return
	}

	s := &socket{
		id:     ulid.Make().String(),
		conn:   conn,
		closed: make(chan struct{}),
	}

	h.mu.Lock()
	h.conns[s.id] = s
	h.mu.Unlock()
	h.metrics.SocketOpened()

	h.logger.Debug("Subscriber connected",
		zap.String("connection_id", s.id),
		zap.String("remote_addr", r.RemoteAddr),
	)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), lifecycleTimeout)
	if err := h.lifecycle.Connected(ctx, s.id); err != nil {
		// The socket stays open; it just will not receive broadcasts.
		h.logger.Error("Failed to register connection",
			zap.String("connection_id", s.id),
			zap.Error(err),
		)
	}
	cancel()

	go h.pingLoop(s)
	h.readLoop(s)
	h.remove(s)
}

// readLoop discards client frames until the socket fails or closes
func (h *Hub) readLoop(s *socket) {
	defer s.close()

	s.conn.SetReadLimit(maxClientMessage)
	s.conn.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) && !s.isClosed() {
				h.logger.Debug("Subscriber read failed",
					zap.String("connection_id", s.id),
					zap.Error(err),
				)
			}
			return
		}
	}
}

func (h *Hub) pingLoop(s *socket) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
			if err := s.write(websocket.PingMessage, nil, time.Now().Add(h.cfg.WriteTimeout)); err != nil {
				s.close()
				return
			}
		}
	}
}

// remove forgets the socket and reports the disconnect
func (h *Hub) remove(s *socket) {
	h.mu.Lock()
	_, present := h.conns[s.id]
	delete(h.conns, s.id)
	h.mu.Unlock()

	if !present {
		return
	}
	h.metrics.SocketClosed()

	ctx, cancel := context.WithTimeout(context.Background(), lifecycleTimeout)
	defer cancel()

	if err := h.lifecycle.Disconnected(ctx, s.id); err != nil {
		h.logger.Warn("Failed to unregister connection",
			zap.String("connection_id", s.id),
			zap.Error(err),
		)
	}

	h.logger.Debug("Subscriber disconnected", zap.String("connection_id", s.id))
}

func (h *Hub) lookup(connectionID string) *socket {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.conns[connectionID]
}

// Push writes data as one text frame. Unknown or closed connections yield
// ErrGone. Any other write failure closes the socket locally and is
// returned as a transient error.
func (h *Hub) Push(ctx context.Context, connectionID string, data []byte) error {
	s := h.lookup(connectionID)
	if s == nil || s.isClosed() {
		return fmt.Errorf("push to %s: %w", connectionID, ErrGone)
	}

	deadline := time.Now().Add(h.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	if err := s.write(websocket.TextMessage, data, deadline); err != nil {
		s.close()
		if errors.Is(err, websocket.ErrCloseSent) {
			return fmt.Errorf("push to %s: %w", connectionID, ErrGone)
		}
		return fmt.Errorf("push to %s: %w", connectionID, err)
	}
	return nil
}

// Has reports whether the hub holds an open socket for connectionID
func (h *Hub) Has(connectionID string) bool {
	s := h.lookup(connectionID)
	return s != nil && !s.isClosed()
}

// Disconnect sends a close frame and closes the socket. It returns false
// when the connection is unknown.
func (h *Hub) Disconnect(connectionID string) bool {
	s := h.lookup(connectionID)
	if s == nil || s.isClosed() {
		return false
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(h.cfg.WriteTimeout))
	s.close()
	return true
}

// Count returns the number of sockets held
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Close closes every socket. Read loops then unregister them.
func (h *Hub) Close() {
	h.mu.RLock()
	sockets := make([]*socket, 0, len(h.conns))
	for _, s := range h.conns {
		sockets = append(sockets, s)
	}
	h.mu.RUnlock()

	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	for _, s := range sockets {
		s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		s.close()
	}
}
