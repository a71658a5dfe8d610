// Package subscriber is the client side of the change feed. It holds one
// WebSocket to the hub and tells the caller to resync whenever a flag
// changes.
package subscriber

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/devrev/flagsync/internal/model"
)

// State is the lifecycle of a subscription
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config describes where to subscribe
type Config struct {
	// URL is the hub endpoint, e.g. ws://localhost:8080/ws
	URL string
	// Token is sent as the token query parameter when set
	Token            string
	HandshakeTimeout time.Duration
	CloseTimeout     time.Duration
}

// ChangeFunc is called once per recognized change notification
type ChangeFunc func(event model.EventType)

// Subscription is a live change feed. It never reconnects; once closed a
// caller that still wants changes must Subscribe again.
type Subscription struct {
	cfg      Config
	logger   *zap.Logger
	onChange ChangeFunc

	state  atomic.Int32
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	conn    *websocket.Conn
	closing bool
}

// Subscribe starts connecting in the background and returns immediately
// in the connecting state. onChange runs on the read goroutine.
func Subscribe(cfg Config, logger *zap.Logger, onChange ChangeFunc) *Subscription {
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.CloseTimeout == 0 {
		cfg.CloseTimeout = time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Subscription{
		cfg:      cfg,
		logger:   logger,
		onChange: onChange,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	s.state.Store(int32(StateConnecting))

	go s.run(ctx)
	return s
}

// State returns the current lifecycle state
func (s *Subscription) State() State {
	return State(s.state.Load())
}

// Done is closed once the subscription has reached the closed state and
// its read loop has exited
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Unsubscribe closes the connection if it is connecting or open. Calling
// it on a closed subscription does nothing.
func (s *Subscription) Unsubscribe() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closing || s.State() == StateClosed {
		return
	}
	s.closing = true
	s.cancel()

	if s.conn != nil {
		deadline := time.Now().Add(s.cfg.CloseTimeout)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "unsubscribe")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, deadline)
		_ = s.conn.Close()
	}
	s.state.Store(int32(StateClosed))
	s.logger.Debug("Unsubscribed", zap.String("url", s.cfg.URL))
}

func (s *Subscription) dialURL() (string, error) {
	u, err := url.Parse(s.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("invalid subscription url: %w", err)
	}
	if s.cfg.Token != "" {
		q := u.Query()
		q.Set("token", s.cfg.Token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (s *Subscription) run(ctx context.Context) {
	defer close(s.done)
	defer s.state.Store(int32(StateClosed))

	target, err := s.dialURL()
	if err != nil {
		s.logger.Debug("Subscription never opened", zap.Error(err))
		return
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: s.cfg.HandshakeTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		// Errors before the socket ever opened are not worth surfacing.
		s.logger.Debug("Subscription never opened",
			zap.String("url", s.cfg.URL),
			zap.Error(err))
		return
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conn = conn
	s.state.Store(int32(StateOpen))
	s.mu.Unlock()

	s.logger.Info("Subscribed to flag changes", zap.String("url", s.cfg.URL))

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.readFailed(err)
			return
		}
		s.handle(data)
	}
}

func (s *Subscription) readFailed(err error) {
	s.mu.Lock()
	closing := s.closing
	s.mu.Unlock()

	switch {
	case closing:
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		s.logger.Info("Subscription closed by server", zap.String("url", s.cfg.URL))
	default:
		s.logger.Warn("Subscription lost", zap.String("url", s.cfg.URL), zap.Error(err))
	}
}

func (s *Subscription) handle(data []byte) {
	eventType, err := model.DecodeEventType(data)
	if err != nil {
		s.logger.Warn("Discarding undecodable message", zap.Error(err))
		return
	}
	if !eventType.Recognized() {
		s.logger.Debug("Ignoring unrecognized event", zap.String("event", string(eventType)))
		return
	}

	s.mu.Lock()
	closing := s.closing
	s.mu.Unlock()
	if closing {
		return
	}

	s.onChange(eventType)
}
