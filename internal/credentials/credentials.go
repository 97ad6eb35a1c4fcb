// Package credentials supplies per-server and per-user secrets to the gateway.
package credentials

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fentz26/mcpgate/internal/models"
)

// ErrNoCredentials indicates no provider holds credentials for the request.
var ErrNoCredentials = errors.New("no credentials")

// Credentials are attached to a tool call for a backend server.
type Credentials struct {
	ServerID  string            `json:"server_id" yaml:"server_id"`
	UserID    string            `json:"user_id,omitempty" yaml:"user_id,omitempty"`
	Token     string            `json:"token,omitempty" yaml:"token,omitempty"`
	Headers   map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Env       map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	ExpiresAt *time.Time        `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
}

// Expired reports whether the credentials carry an expiry before now.
func (c *Credentials) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !now.Before(*c.ExpiresAt)
}

// Manager looks up credentials for a server on behalf of a user.
type Manager interface {
	Get(ctx context.Context, serverID string, user models.UserContext) (*Credentials, error)
}

// Static serves credentials held in memory, usually loaded from config.
// A user-scoped entry takes precedence over the server-wide one.
type Static struct {
	mu    sync.RWMutex
	creds map[string]Credentials
}

// NewStatic creates a provider from a list of credentials.
func NewStatic(list []Credentials) *Static {
	s := &Static{creds: make(map[string]Credentials)}
	for _, c := range list {
		s.Put(c)
	}
	return s
}

func staticKey(serverID, userID string) string {
	return serverID + "\x00" + userID
}

// Put stores or replaces credentials.
func (s *Static) Put(c Credentials) {
	s.mu.Lock()
	s.creds[staticKey(c.ServerID, c.UserID)] = c
	s.mu.Unlock()
}

// Get implements Manager.
func (s *Static) Get(_ context.Context, serverID string, user models.UserContext) (*Credentials, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, key := range []string{staticKey(serverID, user.UserID), staticKey(serverID, "")} {
		if c, ok := s.creds[key]; ok {
			if c.Expired(time.Now()) {
				continue
			}
			out := c
			return &out, nil
		}
	}
	return nil, ErrNoCredentials
}

// Chain tries each manager in order and returns the first hit.
type Chain []Manager

// Get implements Manager. ErrNoCredentials from one provider falls through to
// the next; any other error stops the chain.
func (ch Chain) Get(ctx context.Context, serverID string, user models.UserContext) (*Credentials, error) {
	for _, m := range ch {
		c, err := m.Get(ctx, serverID, user)
		if errors.Is(err, ErrNoCredentials) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if c != nil {
			return c, nil
		}
	}
	return nil, ErrNoCredentials
}
