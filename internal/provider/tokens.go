package provider

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"

	"github.com/jw6ventures/calsync/internal/store"
)

// TokenManager turns persisted connection credentials into refreshing
// oauth2 token sources. Refreshed tokens are written back so the next
// process start does not burn a refresh cycle.
type TokenManager struct {
	conf        *oauth2.Config
	connections store.ConnectionRepository
}

func NewTokenManager(clientID, clientSecret, tenant string, connections store.ConnectionRepository) *TokenManager {
	return &TokenManager{
		conf: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     microsoft.AzureADEndpoint(tenant),
			Scopes:       []string{"offline_access", "Calendars.Read"},
		},
		connections: connections,
	}
}

// Source returns a token source for the connection. The source refreshes
// lazily and persists any rotated credentials.
func (m *TokenManager) Source(ctx context.Context, conn *store.Connection) oauth2.TokenSource {
	seed := &oauth2.Token{
		AccessToken:  conn.AccessToken,
		RefreshToken: conn.RefreshToken,
	}
	if conn.TokenExpiresAt != nil {
		seed.Expiry = *conn.TokenExpiresAt
	}
	return &persistingSource{
		base:         m.conf.TokenSource(ctx, seed),
		connections:  m.connections,
		connectionID: conn.ID,
		last:         seed,
	}
}

// persistingSource writes refreshed tokens back to the connection row.
// A write failure is logged but does not fail the caller; the token is
// still valid for this process.
type persistingSource struct {
	base         oauth2.TokenSource
	connections  store.ConnectionRepository
	connectionID uuid.UUID

	mu   sync.Mutex
	last *oauth2.Token
}

func (s *persistingSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		return nil, &AuthError{Err: err}
	}

	s.mu.Lock()
	rotated := tok.AccessToken != s.last.AccessToken
	refresh := tok.RefreshToken
	if refresh == "" {
		refresh = s.last.RefreshToken
	}
	if rotated {
		s.last = tok
	}
	s.mu.Unlock()

	if rotated {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		expiry := tok.Expiry
		if err := s.connections.UpdateTokens(ctx, s.connectionID, tok.AccessToken, refresh, &expiry); err != nil {
			log.Printf("[WARN] failed to persist refreshed token for connection %s: %v", s.connectionID, err)
		}
	}
	return tok, nil
}
