package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/devrev/flagsync/internal/model"
)

// fakeFlagd serves the subset of the flagd API that flagctl uses
type fakeFlagd struct {
	lists  atomic.Int32
	events []string
}

func (f *fakeFlagd) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/v1/auth/login":
		var in map[string]string
		_ = json.NewDecoder(r.Body).Decode(&in)
		w.Header().Set("Content-Type", "application/json")
		if in["password"] != "hunter22" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"status":"error","error_code":"INVALID_ARGUMENT","message":"Invalid email or password.","request_id":"r1"}`))
			return
		}
		_, _ = w.Write([]byte(`{"token":"tok-123"}`))

	case "/v1/flags":
		if r.Header.Get("Authorization") != "Bearer tok-123" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"status":"error","error_code":"NOT_AUTHENTICATED","message":"Not authenticated","request_id":"r2"}`))
			return
		}
		n := f.lists.Add(1)
		flags := []*model.Flag{
			{ID: 1, Name: "checkout", Environment: model.EnvironmentProduction, Enabled: true, CreatedAt: "2024-05-01", Tags: []string{"web"}},
		}
		if n > 1 {
			flags = append(flags, &model.Flag{ID: 2, Name: "search", Environment: model.EnvironmentStaging, CreatedAt: "2024-05-02", Tags: []string{}})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(flags)

	case "/ws":
		upgrader := websocket.Upgrader{}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		// give the client time to load the initial list
		time.Sleep(50 * time.Millisecond)
		for _, e := range f.events {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(e))
		}
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))

	default:
		http.NotFound(w, r)
	}
}

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()

	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	for _, name := range []string{"login", "list", "watch"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	t.Setenv("FLAGSYNC_SERVER", "")
	cmd := NewRootCommand()

	server := cmd.PersistentFlags().Lookup("server")
	require.NotNil(t, server)
	assert.Equal(t, "http://localhost:8080", server.DefValue)

	format := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, format)
	assert.Equal(t, "text", format.DefValue)
}

func TestInvalidFormat(t *testing.T) {
	_, err := runCommand(t, "list", "--format", "xml")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestLogin(t *testing.T) {
	srv := httptest.NewServer(&fakeFlagd{})
	defer srv.Close()

	t.Run("prints token", func(t *testing.T) {
		out, err := runCommand(t, "login", "--server", srv.URL, "--email", "ops@example.com", "--password", "hunter22")
		require.NoError(t, err)
		assert.Equal(t, "tok-123\n", out)
	})

	t.Run("json output", func(t *testing.T) {
		out, err := runCommand(t, "login", "--server", srv.URL, "--email", "ops@example.com", "--password", "hunter22", "--format", "json")
		require.NoError(t, err)
		assert.JSONEq(t, `{"token":"tok-123"}`, out)
	})

	t.Run("password from environment", func(t *testing.T) {
		t.Setenv("FLAGSYNC_PASSWORD", "hunter22")
		out, err := runCommand(t, "login", "--server", srv.URL, "--email", "ops@example.com")
		require.NoError(t, err)
		assert.Equal(t, "tok-123\n", out)
	})

	t.Run("rejected credentials", func(t *testing.T) {
		_, err := runCommand(t, "login", "--server", srv.URL, "--email", "ops@example.com", "--password", "nope")
		require.Error(t, err)
		assert.Equal(t, ExitFailure, GetExitCode(err))
		assert.Contains(t, err.Error(), "INVALID_ARGUMENT")
	})

	t.Run("missing password", func(t *testing.T) {
		t.Setenv("FLAGSYNC_PASSWORD", "")
		_, err := runCommand(t, "login", "--server", srv.URL, "--email", "ops@example.com")
		require.Error(t, err)
		assert.Equal(t, ExitCommandError, GetExitCode(err))
	})
}

func TestList(t *testing.T) {
	srv := httptest.NewServer(&fakeFlagd{})
	defer srv.Close()

	t.Run("text", func(t *testing.T) {
		out, err := runCommand(t, "list", "--server", srv.URL, "--token", "tok-123")
		require.NoError(t, err)
		lines := strings.Split(strings.TrimSpace(out), "\n")
		require.Len(t, lines, 2)
		assert.True(t, strings.HasPrefix(lines[0], "ID"))
		assert.Contains(t, lines[1], "checkout")
		assert.Contains(t, lines[1], "Production")
		assert.Contains(t, lines[1], "web")
	})

	t.Run("json", func(t *testing.T) {
		out, err := runCommand(t, "list", "--server", srv.URL, "--token", "tok-123", "--format", "json")
		require.NoError(t, err)
		var flags []model.Flag
		require.NoError(t, json.Unmarshal([]byte(out), &flags))
		assert.NotEmpty(t, flags)
		assert.Equal(t, "checkout", flags[0].Name)
	})

	t.Run("yaml", func(t *testing.T) {
		out, err := runCommand(t, "list", "--server", srv.URL, "--token", "tok-123", "--format", "yaml")
		require.NoError(t, err)
		assert.Contains(t, out, "created_at:")
		var flags []model.Flag
		require.NoError(t, yaml.Unmarshal([]byte(out), &flags))
		assert.NotEmpty(t, flags)
		assert.Equal(t, model.EnvironmentProduction, flags[0].Environment)
	})

	t.Run("not authenticated", func(t *testing.T) {
		_, err := runCommand(t, "list", "--server", srv.URL, "--token", "")
		require.Error(t, err)
		assert.Equal(t, ExitFailure, GetExitCode(err))
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
		assert.Equal(t, "NOT_AUTHENTICATED", apiErr.Code)
	})

	t.Run("unreachable server", func(t *testing.T) {
		_, err := runCommand(t, "list", "--server", "http://127.0.0.1:1", "--token", "tok-123")
		require.Error(t, err)
		assert.Equal(t, ExitCommandError, GetExitCode(err))
	})
}

func TestWriteFlags_Empty(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, writeFlags(&out, "text", nil))
	assert.Equal(t, "No flags.\n", out.String())

	out.Reset()
	require.NoError(t, writeFlags(&out, "json", nil))
	assert.JSONEq(t, `[]`, out.String())
}

func TestClient_WebSocketURL(t *testing.T) {
	tests := []struct {
		base    string
		want    string
		wantErr bool
	}{
		{"http://localhost:8080", "ws://localhost:8080/ws", false},
		{"https://flags.example.com/", "wss://flags.example.com/ws", false},
		{"https://flags.example.com/api", "wss://flags.example.com/api/ws", false},
		{"ftp://flags.example.com", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.base, func(t *testing.T) {
			got, err := NewClient(tt.base, "").WebSocketURL("/ws")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWatch_ReloadsOnChange(t *testing.T) {
	fake := &fakeFlagd{events: []string{
		`{"event":"flag-created","flag":{"id":2,"name":"search"}}`,
	}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	opts := &WatchOptions{
		RootOptions: &RootOptions{Server: srv.URL, Token: "tok-123", Format: "text"},
		Path:        "/ws",
	}

	var out bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := runWatch(ctx, opts, &out, zap.NewNop())

	// the server closes the feed after sending its events
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	assert.Equal(t, int32(2), fake.lists.Load())
	assert.Contains(t, out.String(), "# initial")
	assert.Contains(t, out.String(), "# flag-created")
	assert.Contains(t, out.String(), "search")
}

func TestWatch_StopsOnCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			upgrader := websocket.Upgrader{}
			conn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			defer conn.Close()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	opts := &WatchOptions{
		RootOptions: &RootOptions{Server: srv.URL, Format: "json"},
		Path:        "/ws",
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- runWatch(ctx, opts, &bytes.Buffer{}, zap.NewNop())
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("watch did not stop after cancel")
	}
}
