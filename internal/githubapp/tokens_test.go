package githubapp

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/deployops/deploy-control-plane/internal/config"
	"github.com/deployops/deploy-control-plane/internal/logging"
)

func testPrivateKey(t *testing.T) string {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	block := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	return base64.StdEncoding.EncodeToString(block)
}

type tokenAuthority struct {
	exchanges int
	lifetime  time.Duration
	noExpiry  bool
	status    int
	body      string
}

func (a *tokenAuthority) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method %s", r.Method)
		}
		if r.URL.Path != "/app/installations/42/access_tokens" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); !strings.HasPrefix(auth, "Bearer ") {
			t.Errorf("expected signed bearer assertion, got %q", auth)
		}

		if a.status != 0 {
			w.WriteHeader(a.status)
			io.WriteString(w, a.body)
			return
		}

		a.exchanges++
		payload := map[string]any{"token": fmt.Sprintf("ghs_test%d", a.exchanges)}
		if !a.noExpiry {
			payload["expires_at"] = time.Now().Add(a.lifetime).UTC().Format(time.RFC3339)
		}

		w.WriteHeader(http.StatusCreated)
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			t.Errorf("encoding response: %v", err)
		}
	})
}

func newTestService(t *testing.T, authority *tokenAuthority) *TokenService {
	t.Helper()

	srv := httptest.NewServer(authority.handler(t))
	t.Cleanup(srv.Close)

	service, err := NewTokenService(&config.GitHubApp{
		AppID:          7,
		InstallationID: 42,
		PrivateKey:     testPrivateKey(t),
		APIBaseURL:     srv.URL,
	}, logging.NewLogger(logging.Config{Level: logging.LevelError}))
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	return service
}

func TestTokenCached(t *testing.T) {
	authority := &tokenAuthority{lifetime: time.Hour}
	service := newTestService(t, authority)
	ctx := context.Background()

	first, err := service.Token(ctx)
	if err != nil {
		t.Fatalf("Token: %v", err)
	}

	second, err := service.Token(ctx)
	if err != nil {
		t.Fatalf("Token: %v", err)
	}

	if first != second {
		t.Fatalf("expected cached token, got %q then %q", first, second)
	}
	if authority.exchanges != 1 {
		t.Fatalf("expected a single exchange, got %d", authority.exchanges)
	}
}

func TestTokenRefreshedInsideBuffer(t *testing.T) {
	// Tokens expiring within the 5 minute safety buffer are never reused.
	authority := &tokenAuthority{lifetime: time.Minute}
	service := newTestService(t, authority)
	ctx := context.Background()

	first, err := service.Token(ctx)
	if err != nil {
		t.Fatalf("Token: %v", err)
	}

	second, err := service.Token(ctx)
	if err != nil {
		t.Fatalf("Token: %v", err)
	}

	if first == second {
		t.Fatalf("expected a fresh token, got %q twice", first)
	}
	if authority.exchanges != 2 {
		t.Fatalf("expected two exchanges, got %d", authority.exchanges)
	}
}

func TestTokenDefaultExpiry(t *testing.T) {
	// Without an expires_at in the response the token is assumed to live an
	// hour, so a second call hits the cache.
	authority := &tokenAuthority{noExpiry: true}
	service := newTestService(t, authority)
	ctx := context.Background()

	if _, err := service.Token(ctx); err != nil {
		t.Fatalf("Token: %v", err)
	}
	if _, err := service.Token(ctx); err != nil {
		t.Fatalf("Token: %v", err)
	}
	if authority.exchanges != 1 {
		t.Fatalf("expected a single exchange, got %d", authority.exchanges)
	}
}

func TestTokenExchangeError(t *testing.T) {
	authority := &tokenAuthority{status: http.StatusUnprocessableEntity, body: "bad credentials"}
	service := newTestService(t, authority)

	_, err := service.Token(context.Background())

	var exchangeErr *TokenExchangeError
	if !errors.As(err, &exchangeErr) {
		t.Fatalf("expected TokenExchangeError, got %v", err)
	}
	if exchangeErr.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("unexpected status %d", exchangeErr.StatusCode)
	}
	if exchangeErr.Body != "bad credentials" {
		t.Fatalf("unexpected body %q", exchangeErr.Body)
	}
}

func TestNewTokenServiceNotConfigured(t *testing.T) {
	tests := []struct {
		name string
		cfg  *config.GitHubApp
	}{
		{"nil", nil},
		{"missing app id", &config.GitHubApp{InstallationID: 42, PrivateKey: "x"}},
		{"missing installation id", &config.GitHubApp{AppID: 7, PrivateKey: "x"}},
		{"missing private key", &config.GitHubApp{AppID: 7, InstallationID: 42}},
	}

	logger := logging.NewLogger(logging.Config{Level: logging.LevelError})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewTokenService(tt.cfg, logger); !errors.Is(err, ErrNotConfigured) {
				t.Fatalf("expected ErrNotConfigured, got %v", err)
			}
		})
	}
}
