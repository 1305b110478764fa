// Package githubapp obtains and caches GitHub App installation access
// tokens. The app authenticates itself with a short-lived RS256-signed JWT
// and exchanges it for an installation-scoped token at the GitHub API.
package githubapp

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bradleyfalzon/ghinstallation/v2"

	"github.com/deployops/deploy-control-plane/internal/config"
	"github.com/deployops/deploy-control-plane/internal/logging"
	"github.com/deployops/deploy-control-plane/internal/metrics"
)

const (
	defaultAPIBaseURL = "https://api.github.com"

	// expiryBuffer is how much remaining lifetime a cached token must have to
	// be reused without a new exchange.
	expiryBuffer = 5 * time.Minute

	// defaultTokenLifetime is assumed when the token response carries no
	// expiry timestamp.
	defaultTokenLifetime = time.Hour

	maxErrorBody = 4 << 10
)

// ErrNotConfigured reports missing GitHub App configuration. It is fatal to
// the requesting operation, not to the process.
var ErrNotConfigured = errors.New("github app not configured: app_id, installation_id and private_key are required")

// TokenExchangeError reports a token request the GitHub API rejected. It
// carries the remote status and body for diagnostics; such failures are
// typically retryable.
type TokenExchangeError struct {
	StatusCode int
	Body       string
}

func (e *TokenExchangeError) Error() string {
	return fmt.Sprintf("token exchange failed with status %d: %s", e.StatusCode, e.Body)
}

// TokenService exchanges signed app assertions for installation tokens and
// caches the result. One TokenService is constructed at the composition root
// and shared by every repository using app-based auth, because the
// installation token itself is shared.
//
// The mutex guards the cached fields only; it is not held across the network
// exchange. Concurrent callers that both observe a stale token will both
// perform an exchange. That is redundant but harmless: the exchanges are
// idempotent and the cache ends up with a valid token either way.
type TokenService struct {
	installationID int64
	baseURL        string
	client         *http.Client
	log            *logging.Logger

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// NewTokenService builds a TokenService from configuration. The returned
// service signs app assertions with the configured private key using
// ghinstallation's apps transport (RS256, 10 minute validity).
func NewTokenService(cfg *config.GitHubApp, logger *logging.Logger) (*TokenService, error) {
	if !cfg.Configured() {
		return nil, ErrNotConfigured
	}

	pem, err := cfg.PrivateKeyPEM()
	if err != nil {
		return nil, err
	}

	tr, err := ghinstallation.NewAppsTransport(http.DefaultTransport, cfg.AppID, pem)
	if err != nil {
		return nil, fmt.Errorf("parsing github app private key: %w", err)
	}

	return &TokenService{
		installationID: cfg.InstallationID,
		baseURL:        strings.TrimSuffix(cmp.Or(cfg.APIBaseURL, defaultAPIBaseURL), "/"),
		client:         &http.Client{Transport: tr},
		log:            logger,
	}, nil
}

// Token returns a valid installation access token, reusing the cached one
// when it has more than the safety buffer of lifetime left.
func (s *TokenService) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.token != "" && time.Until(s.expiresAt) > expiryBuffer {
		token := s.token
		s.mu.Unlock()
		return token, nil
	}
	s.mu.Unlock()

	token, expiresAt, err := s.exchange(ctx)
	if err != nil {
		metrics.TokenExchangeFailed.Inc()
		return "", err
	}

	s.mu.Lock()
	s.token, s.expiresAt = token, expiresAt
	s.mu.Unlock()

	s.log.Debugf("Obtained installation token valid until %s", expiresAt.Format(time.RFC3339))
	return token, nil
}

func (s *TokenService) exchange(ctx context.Context) (string, time.Time, error) {
	url := fmt.Sprintf("%s/app/installations/%d/access_tokens", s.baseURL, s.installationID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return "", time.Time{}, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("requesting installation token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", time.Time{}, &TokenExchangeError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		}
	}

	var payload struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", time.Time{}, fmt.Errorf("decoding token response: %w", err)
	}
	if payload.Token == "" {
		return "", time.Time{}, errors.New("token response contained no token")
	}

	expiresAt := payload.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = time.Now().Add(defaultTokenLifetime)
	}

	metrics.TokenExchanges.Inc()
	return payload.Token, expiresAt, nil
}
