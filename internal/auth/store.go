package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/adred-codev/cs_gateway/internal/store"
	"github.com/google/uuid"
)

// StoreValidator keeps issued tokens in the shared store:
//
//	token:user:<token>    user id, TTL
//	token:token:<userId>  current token of the user, TTL
type StoreValidator struct {
	st   store.Store
	keys store.Keys
	ttl  time.Duration
}

func NewStoreValidator(st store.Store, keys store.Keys, ttl time.Duration) *StoreValidator {
	return &StoreValidator{st: st, keys: keys, ttl: ttl}
}

func (s *StoreValidator) Validate(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrInvalidToken
	}
	userID, err := s.st.Get(ctx, s.keys.TokenUser(token))
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrInvalidToken
	}
	if err != nil {
		return "", fmt.Errorf("look up token: %w", err)
	}
	return userID, nil
}

// Issue creates a random token for userID and stores it.
func (s *StoreValidator) Issue(ctx context.Context, userID string) (string, error) {
	token := "tk_" + uuid.NewString()
	if err := s.AddToken(ctx, token, userID); err != nil {
		return "", err
	}
	return token, nil
}

// AddToken binds token to userID in both directions.
func (s *StoreValidator) AddToken(ctx context.Context, token, userID string) error {
	if err := s.st.Set(ctx, s.keys.TokenUser(token), userID, s.ttl); err != nil {
		return fmt.Errorf("store token: %w", err)
	}
	if err := s.st.Set(ctx, s.keys.TokenOfUser(userID), token, s.ttl); err != nil {
		return fmt.Errorf("store token of %s: %w", userID, err)
	}
	return nil
}

func (s *StoreValidator) RemoveToken(ctx context.Context, token string) error {
	userID, err := s.st.Get(ctx, s.keys.TokenUser(token))
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("look up token: %w", err)
	}
	if userID != "" {
		if _, err := s.st.DeleteIfEquals(ctx, s.keys.TokenOfUser(userID), token); err != nil {
			return fmt.Errorf("remove token of %s: %w", userID, err)
		}
	}
	if err := s.st.Delete(ctx, s.keys.TokenUser(token)); err != nil {
		return fmt.Errorf("remove token: %w", err)
	}
	return nil
}

func (s *StoreValidator) RemoveUserTokens(ctx context.Context, userID string) error {
	token, err := s.st.Get(ctx, s.keys.TokenOfUser(userID))
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("look up token of %s: %w", userID, err)
	}
	if err := s.st.Delete(ctx, s.keys.TokenUser(token), s.keys.TokenOfUser(userID)); err != nil {
		return fmt.Errorf("remove tokens of %s: %w", userID, err)
	}
	return nil
}

// Refresh extends the lifetime of a valid token.
func (s *StoreValidator) Refresh(ctx context.Context, token string) error {
	userID, err := s.Validate(ctx, token)
	if err != nil {
		return err
	}
	if err := s.st.Expire(ctx, s.keys.TokenUser(token), s.ttl); err != nil {
		return fmt.Errorf("refresh token: %w", err)
	}
	if err := s.st.Expire(ctx, s.keys.TokenOfUser(userID), s.ttl); err != nil {
		return fmt.Errorf("refresh token of %s: %w", userID, err)
	}
	return nil
}
