package creds

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydev/relay/pkg/api"
)

// fakeAuthServer counts token and refresh calls.
type fakeAuthServer struct {
	*httptest.Server
	tokenCalls   atomic.Int64
	refreshCalls atomic.Int64
	refreshOK    atomic.Bool
}

func newFakeAuthServer(t *testing.T) *fakeAuthServer {
	t.Helper()
	f := &fakeAuthServer{}
	f.refreshOK.Store(true)
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		f.tokenCalls.Add(1)
		json.NewEncoder(w).Encode(map[string]string{
			"access_token":  "acc-initial",
			"refresh_token": "ref-1",
		})
	})
	mux.HandleFunc("/token/refresh", func(w http.ResponseWriter, r *http.Request) {
		n := f.refreshCalls.Add(1)
		if !f.refreshOK.Load() {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"error": "refresh token expired"})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"access_token": "acc-refreshed-" + string(rune('0'+n))})
	})
	mux.HandleFunc("/ws-token", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"ws_token": "ws-ephemeral"})
	})
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Server.Close)
	return f
}

func newTestManager(t *testing.T, srv *fakeAuthServer) *Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "credentials.toml")
	return NewManager(path, api.NewClient(srv.URL))
}

func TestLoginPersistsWithRestrictivePermissions(t *testing.T) {
	srv := newFakeAuthServer(t)
	m := newTestManager(t, srv)

	c, err := m.Login(context.Background(), "alice", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "acc-initial", c.AccessToken)
	assert.Equal(t, "alice", c.Username)
	assert.Equal(t, srv.URL, c.ServerURL)
	assert.True(t, c.AccessExpiresAt.After(time.Now()))
	assert.True(t, c.RefreshExpiresAt.After(time.Now().Add(6*24*time.Hour)))

	info, err := os.Stat(m.path)
	require.NoError(t, err)
	if runtime.GOOS != "windows" {
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	}
}

func TestAccessTokenReturnsUnexpiredWithoutNetwork(t *testing.T) {
	srv := newFakeAuthServer(t)
	m := newTestManager(t, srv)
	_, err := m.Login(context.Background(), "alice", "s3cret")
	require.NoError(t, err)

	tok, err := m.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "acc-initial", tok)
	assert.EqualValues(t, 0, srv.refreshCalls.Load())
}

func expireAccess(t *testing.T, m *Manager) {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotNil(t, m.cached)
	m.cached.AccessExpiresAt = time.Now().UTC().Add(-time.Minute)
}

func TestAccessTokenRefreshesSilentlyWhenExpired(t *testing.T) {
	srv := newFakeAuthServer(t)
	m := newTestManager(t, srv)
	_, err := m.Login(context.Background(), "alice", "s3cret")
	require.NoError(t, err)
	expireAccess(t, m)

	tok, err := m.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Contains(t, tok, "acc-refreshed")
	assert.EqualValues(t, 1, srv.refreshCalls.Load())

	// The refreshed token was persisted: a fresh manager sees it.
	m2 := NewManager(m.path, api.NewClient(srv.URL))
	tok2, err := m2.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, tok, tok2)
	assert.EqualValues(t, 1, srv.refreshCalls.Load())
}

func TestRefreshOnceUnderConcurrency(t *testing.T) {
	srv := newFakeAuthServer(t)
	m := newTestManager(t, srv)
	_, err := m.Login(context.Background(), "alice", "s3cret")
	require.NoError(t, err)
	expireAccess(t, m)

	const n = 8
	var wg sync.WaitGroup
	tokens := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := m.AccessToken(context.Background())
			require.NoError(t, err)
			tokens[i] = tok
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, srv.refreshCalls.Load(),
		"concurrent callers must share one refresh")
	for _, tok := range tokens {
		assert.Equal(t, tokens[0], tok)
	}
}

func TestExpiredRefreshTokenRequiresRelogin(t *testing.T) {
	srv := newFakeAuthServer(t)
	m := newTestManager(t, srv)
	_, err := m.Login(context.Background(), "alice", "s3cret")
	require.NoError(t, err)

	m.mu.Lock()
	m.cached.AccessExpiresAt = time.Now().UTC().Add(-time.Minute)
	m.cached.RefreshExpiresAt = time.Now().UTC().Add(-time.Minute)
	m.mu.Unlock()

	_, err = m.AccessToken(context.Background())
	assert.ErrorIs(t, err, ErrRefreshExpired)
	assert.EqualValues(t, 0, srv.refreshCalls.Load(),
		"no network attempt when the refresh token is already expired")
}

func TestServerRejectedRefreshMapsToRefreshExpired(t *testing.T) {
	srv := newFakeAuthServer(t)
	srv.refreshOK.Store(false)
	m := newTestManager(t, srv)
	_, err := m.Login(context.Background(), "alice", "s3cret")
	require.NoError(t, err)
	expireAccess(t, m)

	_, err = m.AccessToken(context.Background())
	assert.ErrorIs(t, err, ErrRefreshExpired)
	assert.EqualValues(t, 1, srv.refreshCalls.Load())
}

func TestWSToken(t *testing.T) {
	srv := newFakeAuthServer(t)
	m := newTestManager(t, srv)
	_, err := m.Login(context.Background(), "alice", "s3cret")
	require.NoError(t, err)

	tok, err := m.WSToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ws-ephemeral", tok)
}

func TestLogoutIsIdempotent(t *testing.T) {
	srv := newFakeAuthServer(t)
	m := newTestManager(t, srv)
	_, err := m.Login(context.Background(), "alice", "s3cret")
	require.NoError(t, err)

	require.NoError(t, m.Logout())
	_, err = os.Stat(m.path)
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, m.Logout(), "second logout is a no-op")

	_, err = m.AccessToken(context.Background())
	assert.ErrorIs(t, err, ErrLoggedOut)
}
