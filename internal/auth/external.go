package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/adred-codev/cs_gateway/internal/monitoring"
	"github.com/rs/zerolog"
)

// ExternalConfig configures ExternalValidator.
type ExternalConfig struct {
	ValidateURL string
	UserInfoURL string
	Timeout     time.Duration
	Fallback    Validator // consulted when the identity service is unreachable; may be nil
	Client      *http.Client
	Logger      zerolog.Logger
}

// ExternalValidator asks an identity service whether a token is valid:
//
//	POST <ValidateURL>   Authorization: Bearer <token>  -> {"valid": true}
//	GET  <UserInfoURL>   Authorization: Bearer <token>  -> {"userId": "..."}
//
// A definite rejection from the service is final. Transport failures and
// 5xx responses go to Fallback when one is configured.
type ExternalValidator struct {
	cfg    ExternalConfig
	client *http.Client
	logger zerolog.Logger
}

func NewExternalValidator(cfg ExternalConfig) *ExternalValidator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &ExternalValidator{
		cfg:    cfg,
		client: client,
		logger: cfg.Logger.With().Str("component", "external_auth").Logger(),
	}
}

// errUnavailable marks failures that are eligible for fallback.
var errUnavailable = errors.New("identity service unavailable")

func (v *ExternalValidator) Validate(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrInvalidToken
	}
	userID, err := v.validateRemote(ctx, token)
	if err == nil || !errors.Is(err, errUnavailable) || v.cfg.Fallback == nil {
		return userID, err
	}

	v.logger.Warn().Err(err).Msg("Identity service unavailable, using local token store")
	monitoring.RecordAuthFailure("external_unavailable")
	return v.cfg.Fallback.Validate(ctx, token)
}

func (v *ExternalValidator) validateRemote(ctx context.Context, token string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, v.cfg.Timeout)
	defer cancel()

	var verdict struct {
		Valid bool `json:"valid"`
	}
	if err := v.call(ctx, http.MethodPost, v.cfg.ValidateURL, token, &verdict); err != nil {
		return "", err
	}
	if !verdict.Valid {
		return "", ErrInvalidToken
	}

	var info struct {
		UserID string `json:"userId"`
	}
	if err := v.call(ctx, http.MethodGet, v.cfg.UserInfoURL, token, &info); err != nil {
		return "", err
	}
	if info.UserID == "" {
		return "", fmt.Errorf("%w: user info has no userId", ErrInvalidToken)
	}
	return info.UserID, nil
}

func (v *ExternalValidator) call(ctx context.Context, method, url, token string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", errUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: %s returned %d", errUnavailable, url, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("%w: %s returned %d", ErrInvalidToken, url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", url, err)
	}
	return nil
}
