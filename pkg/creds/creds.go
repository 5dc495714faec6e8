// Package creds owns the access/refresh/ephemeral-token lifecycle.
//
// Exactly one credential set exists per machine/user pair, stored as a
// TOML file with owner-only permissions and written atomically
// (temp-then-rename). The manager performs at most one refresh attempt
// per token request and never retries on its own — channels that hit a
// network failure decide whether to try again. Concurrent callers that
// discover an expired access token simultaneously share a single
// refresh outcome via singleflight, so there are no refresh storms.
//
// States: unauthenticated → authenticated → access-expired
// (auto-refreshing) → refresh-expired (requires re-login).
package creds

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"golang.org/x/sync/singleflight"

	"github.com/relaydev/relay/pkg/api"
)

// Token lifetimes granted by the server.
const (
	AccessTTL  = time.Hour
	RefreshTTL = 7 * 24 * time.Hour

	// expirySkew treats tokens about to expire as already expired, so a
	// token never dies mid-request.
	expirySkew = 30 * time.Second
)

var (
	// ErrLoggedOut means no credential file exists.
	ErrLoggedOut = errors.New("not logged in; run 'relay auth login'")

	// ErrRefreshExpired means the refresh token lapsed and only a full
	// re-login can recover.
	ErrRefreshExpired = errors.New("session expired; run 'relay auth login' again")
)

// Credentials is the persisted credential set.
type Credentials struct {
	AccessToken      string    `toml:"access_token"`
	RefreshToken     string    `toml:"refresh_token"`
	AccessExpiresAt  time.Time `toml:"access_expires_at"`
	RefreshExpiresAt time.Time `toml:"refresh_expires_at"`
	Username         string    `toml:"username"`
	ServerURL        string    `toml:"server_url"`
	TeamSlug         string    `toml:"team_slug,omitempty"`
}

// AccessValid reports whether the access token is usable right now.
func (c *Credentials) AccessValid(now time.Time) bool {
	return c.AccessToken != "" && now.Add(expirySkew).Before(c.AccessExpiresAt)
}

// RefreshValid reports whether the refresh token is usable right now.
func (c *Credentials) RefreshValid(now time.Time) bool {
	return c.RefreshToken != "" && now.Add(expirySkew).Before(c.RefreshExpiresAt)
}

// DefaultPath returns the user-level credentials file path.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve config dir: %w", err)
	}
	return filepath.Join(dir, "relay", "credentials.toml"), nil
}

// Manager loads, refreshes, and persists the machine's credential set.
type Manager struct {
	path   string
	client *api.Client

	mu     sync.Mutex
	cached *Credentials
	sf     singleflight.Group
}

// NewManager builds a manager over the given credentials file.
func NewManager(path string, client *api.Client) *Manager {
	return &Manager{path: path, client: client}
}

// Login exchanges username/password for a token pair and persists it.
func (m *Manager) Login(ctx context.Context, username, password string) (*Credentials, error) {
	tok, err := m.client.Token(ctx, username, password)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	c := &Credentials{
		AccessToken:      tok.AccessToken,
		RefreshToken:     tok.RefreshToken,
		AccessExpiresAt:  now.Add(AccessTTL),
		RefreshExpiresAt: now.Add(RefreshTTL),
		Username:         username,
		ServerURL:        m.client.BaseURL,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.persistLocked(c); err != nil {
		return nil, err
	}
	return c, nil
}

// Load returns the current credential set, reading the file on first
// use. Returns ErrLoggedOut when no credentials exist.
func (m *Manager) Load() (*Credentials, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadLocked()
}

func (m *Manager) loadLocked() (*Credentials, error) {
	if m.cached != nil {
		return m.cached, nil
	}
	var c Credentials
	if _, err := toml.DecodeFile(m.path, &c); err != nil {
		if os.IsNotExist(err) {
			return nil, ErrLoggedOut
		}
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	m.cached = &c
	return &c, nil
}

// AccessToken returns a currently valid access token. An expired access
// token is refreshed silently — exactly once, shared across concurrent
// callers. An expired refresh token yields ErrRefreshExpired with no
// network attempt.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	c, err := m.loadLocked()
	if err != nil {
		m.mu.Unlock()
		return "", err
	}
	now := time.Now().UTC()
	if c.AccessValid(now) {
		tok := c.AccessToken
		m.mu.Unlock()
		return tok, nil
	}
	if !c.RefreshValid(now) {
		m.mu.Unlock()
		return "", ErrRefreshExpired
	}
	stale := c.AccessToken
	m.mu.Unlock()
	return m.refresh(ctx, stale)
}

// ForceRefresh discards the current access token and performs one
// refresh. Used by channels that got a 401 despite a locally-valid
// token (server-side revocation).
func (m *Manager) ForceRefresh(ctx context.Context) (string, error) {
	m.mu.Lock()
	c, err := m.loadLocked()
	if err != nil {
		m.mu.Unlock()
		return "", err
	}
	if !c.RefreshValid(time.Now().UTC()) {
		m.mu.Unlock()
		return "", ErrRefreshExpired
	}
	stale := c.AccessToken
	m.mu.Unlock()
	return m.refresh(ctx, stale)
}

// refresh performs a single refresh attempt, deduplicated across
// concurrent callers. stale is the access token the caller found
// unusable; if another caller already replaced it, its result is
// reused without a second network call.
func (m *Manager) refresh(ctx context.Context, stale string) (string, error) {
	v, err, _ := m.sf.Do("refresh", func() (any, error) {
		m.mu.Lock()
		c, err := m.loadLocked()
		if err != nil {
			m.mu.Unlock()
			return "", err
		}
		// A winner may have refreshed while we queued behind it.
		if c.AccessToken != stale && c.AccessValid(time.Now().UTC()) {
			tok := c.AccessToken
			m.mu.Unlock()
			return tok, nil
		}
		refreshToken := c.RefreshToken
		m.mu.Unlock()

		access, err := m.client.RefreshToken(ctx, refreshToken)
		if err != nil {
			if api.IsUnauthorized(err) {
				return "", ErrRefreshExpired
			}
			return "", err
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		updated := *c
		updated.AccessToken = access
		updated.AccessExpiresAt = time.Now().UTC().Add(AccessTTL)
		if err := m.persistLocked(&updated); err != nil {
			return "", err
		}
		return access, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// WSToken exchanges a valid access token for a 5-minute realtime token.
// The result is handed straight to the caller and never persisted.
func (m *Manager) WSToken(ctx context.Context) (string, error) {
	access, err := m.AccessToken(ctx)
	if err != nil {
		return "", err
	}
	return m.client.WSToken(ctx, access)
}

// Logout deletes the credential file. Idempotent.
func (m *Manager) Logout() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cached = nil
	if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove credentials: %w", err)
	}
	return nil
}

// persistLocked writes the credential file atomically with owner-only
// permissions and updates the cache. Callers hold m.mu.
func (m *Manager) persistLocked(c *Credentials) error {
	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create credentials dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "credentials.toml.tmp-*")
	if err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("write credentials: %w", err)
	}
	if err := toml.NewEncoder(tmp).Encode(c); err != nil {
		tmp.Close()
		return fmt.Errorf("write credentials: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	if err := os.Rename(tmp.Name(), m.path); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	m.cached = c
	return nil
}
