// Package auth implements bearer-token authentication for the API
// surface. Tokens are issued per client, stored as bcrypt hashes, and
// carry the owning user id so validation stays a single-user lookup.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/jw6ventures/calsync/internal/store"
)

var ErrInvalidToken = errors.New("invalid api token")

// Service validates API tokens and issues new ones.
type Service struct {
	users  store.UserRepository
	tokens store.APITokenRepository
}

func NewService(users store.UserRepository, tokens store.APITokenRepository) *Service {
	return &Service{users: users, tokens: tokens}
}

// IssueToken mints a token for the user and returns its presentable form,
// "<userID>.<secret>". Only the bcrypt hash of the secret is stored; the
// returned string cannot be recovered later.
func (s *Service) IssueToken(ctx context.Context, userID uuid.UUID, label string) (string, error) {
	secret := make([]byte, 24)
	if _, err := rand.Read(secret); err != nil {
		return "", fmt.Errorf("generate token secret: %w", err)
	}
	plain := hex.EncodeToString(secret)

	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash token secret: %w", err)
	}

	if _, err := s.tokens.Create(ctx, store.APIToken{
		UserID:    userID,
		Label:     label,
		TokenHash: string(hash),
	}); err != nil {
		return "", err
	}
	return userID.String() + "." + plain, nil
}

// ValidateToken checks a presented token against the user's stored
// hashes and returns the owning user.
func (s *Service) ValidateToken(ctx context.Context, presented string) (*store.User, error) {
	idPart, secret, ok := strings.Cut(presented, ".")
	if !ok || secret == "" {
		return nil, ErrInvalidToken
	}
	userID, err := uuid.Parse(idPart)
	if err != nil {
		return nil, ErrInvalidToken
	}

	tokens, err := s.tokens.FindValidByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	for i := range tokens {
		if bcrypt.CompareHashAndPassword([]byte(tokens[i].TokenHash), []byte(secret)) == nil {
			if terr := s.tokens.TouchLastUsed(ctx, tokens[i].ID); terr != nil {
				log.Printf("[WARN] failed to record token use: %v", terr)
			}
			return s.users.GetByID(ctx, userID)
		}
	}
	return nil, ErrInvalidToken
}

// RequireToken is the API authentication middleware. It expects
// "Authorization: Bearer <token>" and puts the resolved user on the
// request context.
func (s *Service) RequireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}

		user, err := s.ValidateToken(r.Context(), token)
		if err != nil {
			if !errors.Is(err, ErrInvalidToken) && !errors.Is(err, store.ErrNotFound) {
				log.Printf("[ERROR] token validation failed: %v", err)
			}
			http.Error(w, "invalid credentials", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
	})
}
