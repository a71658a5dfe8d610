package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequestIDMiddleware(t *testing.T) {
	t.Run("generates request ID if not present", func(t *testing.T) {
		var fromContext string
		handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.NotEmpty(t, r.Header.Get("X-Request-ID"))
			fromContext = RequestIDFromContext(r.Context())
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/v1/flags", nil)
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
		assert.Equal(t, w.Header().Get("X-Request-ID"), fromContext)
	})

	t.Run("preserves existing request ID", func(t *testing.T) {
		existingID := "req-42"

		handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, existingID, r.Header.Get("X-Request-ID"))
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/v1/flags", nil)
		req.Header.Set("X-Request-ID", existingID)
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		assert.Equal(t, existingID, w.Header().Get("X-Request-ID"))
	})
}

func TestLoggingMiddleware(t *testing.T) {
	t.Run("captures status code", func(t *testing.T) {
		handler := Logging(zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))

		req := httptest.NewRequest(http.MethodGet, "/v1/flags/9", nil)
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("allows websocket upgrade", func(t *testing.T) {
		upgrader := websocket.Upgrader{}
		srv := httptest.NewServer(Logging(zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			conn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			_ = conn.WriteMessage(websocket.TextMessage, []byte("hello"))
			_ = conn.Close()
		})))
		defer srv.Close()

		conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
		require.NoError(t, err)
		defer conn.Close()

		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, "hello", string(data))
	})
}

func TestRecoveryMiddleware(t *testing.T) {
	t.Run("recovers from panic", func(t *testing.T) {
		handler := Recovery(zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("unexpected error")
		}))

		req := httptest.NewRequest(http.MethodGet, "/v1/flags", nil)
		req.Header.Set("X-Request-ID", "req-1")
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Contains(t, w.Body.String(), "INTERNAL_ERROR")
		assert.Contains(t, w.Body.String(), "req-1")
	})

	t.Run("passes through normal requests", func(t *testing.T) {
		handler := Recovery(zap.NewNop())(okHandler())

		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/flags", nil))

		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestCORSMiddleware(t *testing.T) {
	tests := []struct {
		name       string
		allowed    []string
		origin     string
		method     string
		wantOrigin string
		wantStatus int
	}{
		{"allowed origin", []string{"https://flags.example.com"}, "https://flags.example.com", http.MethodGet, "https://flags.example.com", http.StatusOK},
		{"wildcard", []string{"*"}, "https://any.example.com", http.MethodGet, "https://any.example.com", http.StatusOK},
		{"disallowed origin", []string{"https://allowed.com"}, "https://other.com", http.MethodGet, "", http.StatusOK},
		{"preflight", []string{"*"}, "https://flags.example.com", http.MethodOptions, "https://flags.example.com", http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := CORS(tt.allowed)(okHandler())

			req := httptest.NewRequest(tt.method, "/v1/flags", nil)
			req.Header.Set("Origin", tt.origin)
			w := httptest.NewRecorder()

			handler.ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.wantOrigin, w.Header().Get("Access-Control-Allow-Origin"))
			if tt.wantOrigin != "" {
				assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "PATCH")
			}
		})
	}
}

func TestRateLimiterMiddleware(t *testing.T) {
	t.Run("allows requests under limit", func(t *testing.T) {
		handler := NewRateLimiter(10, 5, zap.NewNop()).Limit(okHandler())

		for i := 0; i < 5; i++ {
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/flags", nil))
			assert.Equal(t, http.StatusOK, w.Code)
		}
	})

	t.Run("blocks requests over limit", func(t *testing.T) {
		handler := NewRateLimiter(0.1, 1, zap.NewNop()).Limit(okHandler())

		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/flags", nil))
		assert.Equal(t, http.StatusOK, w.Code)

		w = httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/flags", nil))
		assert.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.Contains(t, w.Body.String(), "RATE_LIMITED")
		assert.Equal(t, "1", w.Header().Get("Retry-After"))
	})

	t.Run("buckets are per client", func(t *testing.T) {
		handler := NewRateLimiter(0.1, 1, zap.NewNop()).Limit(okHandler())

		for _, addr := range []string{"10.0.0.1:5000", "10.0.0.2:5000"} {
			req := httptest.NewRequest(http.MethodGet, "/v1/flags", nil)
			req.RemoteAddr = addr
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)
			assert.Equal(t, http.StatusOK, w.Code, addr)
		}
	})

	t.Run("idle buckets are dropped", func(t *testing.T) {
		rl := NewRateLimiter(0.1, 1, zap.NewNop())
		now := time.Now()
		rl.now = func() time.Time { return now }
		rl.swept = now
		rl.limiterFor("10.0.0.1")

		now = now.Add(clientIdleTTL + time.Second)
		rl.limiterFor("10.0.0.2")

		assert.Len(t, rl.clients, 1)
		assert.Contains(t, rl.clients, "10.0.0.2")
	})

	t.Run("sweeps at most once per interval", func(t *testing.T) {
		rl := NewRateLimiter(0.1, 1, zap.NewNop())
		now := time.Now()
		rl.now = func() time.Time { return now }
		rl.swept = now.Add(clientIdleTTL)

		rl.limiterFor("10.0.0.1")
		now = now.Add(clientIdleTTL + time.Second)

		// the last sweep was under a minute ago, so the idle bucket stays
		rl.limiterFor("10.0.0.2")
		assert.Len(t, rl.clients, 2)

		now = now.Add(sweepInterval)
		rl.limiterFor("10.0.0.2")
		assert.Len(t, rl.clients, 1)
		assert.Contains(t, rl.clients, "10.0.0.2")
	})
}

func TestChainMiddleware(t *testing.T) {
	var order []string

	wrap := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name+"-before")
				next.ServeHTTP(w, r)
				order = append(order, name+"-after")
			})
		}
	}

	handler := Chain(wrap("m1"), wrap("m2"))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		order = append(order, "handler")
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, []string{"m1-before", "m2-before", "handler", "m2-after", "m1-after"}, order)
}
