// Package credentials decides, per repository, which authentication mode
// applies and materializes the go-git transport auth for it. The mode is
// derived from sentinel files colocated with the checkout under the managed
// root: a private key file named <folder>.key selects SSH, an empty marker
// file named <folder>.github selects installation-app auth, and neither
// means anonymous access.
package credentials

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	gitssh "github.com/go-git/go-git/v5/plumbing/transport/ssh"
	"golang.org/x/crypto/ssh"

	"github.com/deployops/deploy-control-plane/internal/githubapp"
	"github.com/deployops/deploy-control-plane/internal/logging"
)

// tokenUser is the fixed username GitHub expects alongside an installation
// access token.
const tokenUser = "x-access-token"

// Mode is the authentication mode of one repository.
type Mode int

const (
	ModeNone Mode = iota
	ModeSSHKey
	ModeGitHubApp
)

func (m Mode) String() string {
	switch m {
	case ModeSSHKey:
		return "ssh-key"
	case ModeGitHubApp:
		return "github-app"
	default:
		return "none"
	}
}

// Resolver resolves repository auth modes against a managed root. The token
// service may be nil when no GitHub App is configured; repositories marked
// for app auth then fall back to anonymous access.
type Resolver struct {
	dir    string
	tokens *githubapp.TokenService
	log    *logging.Logger
}

func NewResolver(dir string, tokens *githubapp.TokenService, logger *logging.Logger) *Resolver {
	return &Resolver{dir: dir, tokens: tokens, log: logger}
}

// KeyPath returns the location of a repository's SSH private key sentinel.
func KeyPath(dir, folder string) string {
	return filepath.Join(dir, folder+".key")
}

// MarkerPath returns the location of a repository's installation-app marker
// sentinel.
func MarkerPath(dir, folder string) string {
	return filepath.Join(dir, folder+".github")
}

func (r *Resolver) KeyPath(folder string) string {
	return KeyPath(r.dir, folder)
}

func (r *Resolver) MarkerPath(folder string) string {
	return MarkerPath(r.dir, folder)
}

// ModeOf probes the sentinel files once and reports the repository's mode.
// The key file wins if both sentinels are present.
func (r *Resolver) ModeOf(folder string) Mode {
	if fileExists(r.KeyPath(folder)) {
		return ModeSSHKey
	}
	if fileExists(r.MarkerPath(folder)) {
		return ModeGitHubApp
	}
	return ModeNone
}

// Auth materializes the transport auth for the repository's resolved mode.
// A nil AuthMethod means anonymous access.
//
// For app-marked repositories a token acquisition failure is logged and
// degraded to anonymous access rather than propagated; the subsequent git
// operation fails with its own diagnostic.
func (r *Resolver) Auth(ctx context.Context, folder string) (transport.AuthMethod, error) {
	switch r.ModeOf(folder) {
	case ModeSSHKey:
		return SSHKeyFileAuth(r.KeyPath(folder))

	case ModeGitHubApp:
		if r.tokens == nil {
			r.log.Warnf("Repository %q is marked for app auth but no GitHub App is configured", folder)
			return nil, nil
		}
		token, err := r.tokens.Token(ctx)
		if err != nil {
			r.log.Warnf("Token acquisition for %q failed, continuing unauthenticated: %v", folder, err)
			return nil, nil
		}
		return TokenAuth(token), nil

	default:
		return nil, nil
	}
}

// TokenAuth wraps an installation access token as git basic auth.
func TokenAuth(token string) transport.AuthMethod {
	return &githttp.BasicAuth{Username: tokenUser, Password: token}
}

// SSHKeyFileAuth builds SSH auth from a private key file on disk.
func SSHKeyFileAuth(path string) (transport.AuthMethod, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading identity file: %w", err)
	}
	return SSHKeyAuth(pem)
}

// SSHKeyAuth builds SSH auth from raw private key material. Host key
// verification is disabled for per-repository identities.
func SSHKeyAuth(pem []byte) (transport.AuthMethod, error) {
	signer, err := ssh.ParsePrivateKey(pem)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}

	return &gitssh.PublicKeys{
		User:   "git",
		Signer: signer,
		HostKeyCallbackHelper: gitssh.HostKeyCallbackHelper{
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		},
	}, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
