package deploy

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	gitssh "github.com/go-git/go-git/v5/plumbing/transport/ssh"
	"github.com/google/go-cmp/cmp"

	"github.com/deployops/deploy-control-plane/internal/config"
	"github.com/deployops/deploy-control-plane/internal/credentials"
	"github.com/deployops/deploy-control-plane/internal/githubapp"
)

func sshKeyPEM(t *testing.T) []byte {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
}

// stubClone replaces the clone step with a fake that records the options and
// creates the destination, restoring the real implementation on cleanup.
func stubClone(t *testing.T, cloneErr error) *git.CloneOptions {
	t.Helper()

	captured := &git.CloneOptions{}
	original := plainCloneContext
	plainCloneContext = func(_ context.Context, path string, _ bool, o *git.CloneOptions) (*git.Repository, error) {
		*captured = *o
		if cloneErr != nil {
			return nil, cloneErr
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, err
		}
		return nil, nil
	}
	t.Cleanup(func() { plainCloneContext = original })

	return captured
}

func testTokenService(t *testing.T, status int) *githubapp.TokenService {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if status != 0 {
			http.Error(w, "nope", status)
			return
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{
			"token":      "ghs_provision",
			"expires_at": time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
		})
	}))
	t.Cleanup(srv.Close)

	tokens, err := githubapp.NewTokenService(&config.GitHubApp{
		AppID:          7,
		InstallationID: 42,
		PrivateKey:     base64.StdEncoding.EncodeToString(sshKeyPEM(t)),
		APIBaseURL:     srv.URL,
	}, testLogger())
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	return tokens
}

func TestProvisionAlreadyExists(t *testing.T) {
	root := t.TempDir()
	if err := os.Mkdir(filepath.Join(root, "app-a"), 0o755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}

	p := NewProvisioner(root, nil, testLogger())

	err := p.Provision(context.Background(), "app-a", "git@example.com:org/app-a.git", SSHAuth{Key: sshKeyPEM(t)})
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}

	// The guard fires before any credential artifact is written.
	if _, err := os.Stat(credentials.KeyPath(root, "app-a")); !os.IsNotExist(err) {
		t.Fatalf("identity file should not exist, stat: %v", err)
	}
}

func TestProvisionSSH(t *testing.T) {
	root := t.TempDir()
	opts := stubClone(t, nil)
	key := sshKeyPEM(t)

	p := NewProvisioner(root, nil, testLogger())

	if err := p.Provision(context.Background(), "app-a", "git@example.com:org/app-a.git", SSHAuth{Key: key}); err != nil {
		t.Fatalf("Provision: %v", err)
	}

	if _, ok := opts.Auth.(*gitssh.PublicKeys); !ok {
		t.Fatalf("expected ssh auth on clone, got %T", opts.Auth)
	}
	if opts.URL != "git@example.com:org/app-a.git" {
		t.Fatalf("unexpected clone URL %q", opts.URL)
	}

	keyPath := credentials.KeyPath(root, "app-a")
	persisted, err := os.ReadFile(keyPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if diff := cmp.Diff(string(key), string(persisted)); diff != "" {
		t.Fatalf("persisted key mismatch (-want +got):\n%s", diff)
	}

	info, err := os.Stat(keyPath)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("identity file mode %v, want 0600", info.Mode().Perm())
	}
}

func TestProvisionSSHCloneFailureCleansUp(t *testing.T) {
	root := t.TempDir()

	p := NewProvisioner(root, nil, testLogger())

	// The source does not exist; the real clone must fail and every artifact
	// of the attempt must be rolled back.
	err := p.Provision(context.Background(), "app-a", filepath.Join(t.TempDir(), "missing"), SSHAuth{Key: sshKeyPEM(t)})
	if err == nil {
		t.Fatal("expected clone failure")
	}

	if _, err := os.Stat(filepath.Join(root, "app-a")); !os.IsNotExist(err) {
		t.Fatalf("destination should be removed, stat: %v", err)
	}
	if _, err := os.Stat(credentials.KeyPath(root, "app-a")); !os.IsNotExist(err) {
		t.Fatalf("identity file should be removed, stat: %v", err)
	}
}

func TestProvisionApp(t *testing.T) {
	root := t.TempDir()
	opts := stubClone(t, nil)

	p := NewProvisioner(root, testTokenService(t, 0), testLogger())

	if err := p.Provision(context.Background(), "app-b", "https://github.com/org/app-b.git", AppAuth{}); err != nil {
		t.Fatalf("Provision: %v", err)
	}

	basic, ok := opts.Auth.(*githttp.BasicAuth)
	if !ok {
		t.Fatalf("expected token auth on clone, got %T", opts.Auth)
	}
	if basic.Username != "x-access-token" || basic.Password != "ghs_provision" {
		t.Fatalf("unexpected auth %s:%s", basic.Username, basic.Password)
	}

	if _, err := os.Stat(credentials.MarkerPath(root, "app-b")); err != nil {
		t.Fatalf("expected app marker after clone: %v", err)
	}
}

func TestProvisionAppTokenFailureCleansUp(t *testing.T) {
	root := t.TempDir()

	p := NewProvisioner(root, testTokenService(t, http.StatusInternalServerError), testLogger())

	if err := p.Provision(context.Background(), "app-b", "https://github.com/org/app-b.git", AppAuth{}); err == nil {
		t.Fatal("expected token exchange failure")
	}

	if _, err := os.Stat(filepath.Join(root, "app-b")); !os.IsNotExist(err) {
		t.Fatalf("destination should be removed, stat: %v", err)
	}
	if _, err := os.Stat(credentials.MarkerPath(root, "app-b")); !os.IsNotExist(err) {
		t.Fatalf("marker should not exist, stat: %v", err)
	}
}

func TestProvisionAppCloneFailureCleansUp(t *testing.T) {
	root := t.TempDir()
	stubClone(t, errors.New("authentication required"))

	p := NewProvisioner(root, testTokenService(t, 0), testLogger())

	if err := p.Provision(context.Background(), "app-b", "https://github.com/org/app-b.git", AppAuth{}); err == nil {
		t.Fatal("expected clone failure")
	}

	if _, err := os.Stat(credentials.MarkerPath(root, "app-b")); !os.IsNotExist(err) {
		t.Fatalf("marker should not exist after failed clone, stat: %v", err)
	}
}

func TestProvisionAppWithoutTokenService(t *testing.T) {
	p := NewProvisioner(t.TempDir(), nil, testLogger())

	err := p.Provision(context.Background(), "app-b", "https://github.com/org/app-b.git", AppAuth{})
	if !errors.Is(err, githubapp.ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestParseProvisionAuth(t *testing.T) {
	tests := []struct {
		name    string
		input   map[string]any
		want    ProvisionAuth
		wantErr bool
	}{
		{
			name:  "ssh key",
			input: map[string]any{"type": "ssh_key", "key": "PEM"},
			want:  SSHAuth{Key: []byte("PEM")},
		},
		{
			name:  "github app",
			input: map[string]any{"type": "github_app"},
			want:  AppAuth{},
		},
		{
			name:    "ssh key without material",
			input:   map[string]any{"type": "ssh_key"},
			wantErr: true,
		},
		{
			name:    "unknown type",
			input:   map[string]any{"type": "kerberos"},
			wantErr: true,
		},
		{
			name:    "missing type",
			input:   map[string]any{},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseProvisionAuth(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseProvisionAuth: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatalf("unexpected auth (-want +got):\n%s", diff)
			}
		})
	}
}
