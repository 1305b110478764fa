package deploy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-viper/mapstructure/v2"

	"github.com/deployops/deploy-control-plane/internal/credentials"
	"github.com/deployops/deploy-control-plane/internal/githubapp"
	"github.com/deployops/deploy-control-plane/internal/logging"
	"github.com/deployops/deploy-control-plane/internal/metrics"
)

// ErrAlreadyExists guards provisioning against overwriting an existing
// checkout.
var ErrAlreadyExists = errors.New("destination folder already exists")

// plainCloneContext is a test seam; production code always uses go-git.
var plainCloneContext = git.PlainCloneContext

// ProvisionAuth selects the credential material for a brand-new checkout.
type ProvisionAuth interface {
	mode() credentials.Mode
}

// SSHAuth provisions a checkout with a dedicated private key. The key bytes
// are persisted as the folder's sentinel so later operations pick SSH auth
// automatically.
type SSHAuth struct {
	Key []byte `json:"key"`
}

func (SSHAuth) mode() credentials.Mode { return credentials.ModeSSHKey }

// AppAuth provisions a checkout under the shared installation token. The
// empty marker sentinel is written after a successful clone.
type AppAuth struct{}

func (AppAuth) mode() credentials.Mode { return credentials.ModeGitHubApp }

// ParseProvisionAuth decodes an auth description of the form
// {"type": "ssh_key", "key": <PEM>} or {"type": "github_app"}.
func ParseProvisionAuth(m map[string]any) (ProvisionAuth, error) {
	switch m["type"] {
	case "ssh_key":
		var value struct {
			Key string `json:"key"`
		}
		if err := decode(m, &value); err != nil {
			return nil, err
		}
		if value.Key == "" {
			return nil, errors.New("missing key in ssh_key auth")
		}
		return SSHAuth{Key: []byte(value.Key)}, nil

	case "github_app":
		return AppAuth{}, nil

	default:
		return nil, fmt.Errorf("unknown auth type %q", m["type"])
	}
}

// we use this one so we don't need duplicate tags on every struct
func decode(input any, output any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName: "json",
		Result:  output,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(input)
}

// Provisioner clones brand-new checkouts into the managed root. Provisioning
// is all-or-nothing: a failure removes the partially created destination and
// every credential artifact written during the call.
type Provisioner struct {
	dir    string
	tokens *githubapp.TokenService
	log    *logging.Logger
}

func NewProvisioner(dir string, tokens *githubapp.TokenService, logger *logging.Logger) *Provisioner {
	return &Provisioner{dir: dir, tokens: tokens, log: logger}
}

// Provision clones source into <dir>/<folder> under the requested auth mode.
// It never overwrites: an existing destination fails with ErrAlreadyExists.
func (p *Provisioner) Provision(ctx context.Context, folder, source string, auth ProvisionAuth) error {
	if err := p.provision(ctx, folder, source, auth); err != nil {
		metrics.ProvisionFailed.WithLabelValues(folder).Inc()
		return fmt.Errorf("provision %q from %q: %w", folder, source, err)
	}
	return nil
}

func (p *Provisioner) provision(ctx context.Context, folder, source string, auth ProvisionAuth) error {
	dest := filepath.Join(p.dir, folder)

	if _, err := os.Stat(dest); err == nil {
		return ErrAlreadyExists
	} else if !os.IsNotExist(err) {
		return err
	}

	var artifacts []string
	fail := func(err error) error {
		if rmErr := os.RemoveAll(dest); rmErr != nil {
			p.log.Warnf("Cleanup of %s failed: %v", dest, rmErr)
		}
		for _, artifact := range artifacts {
			if rmErr := os.Remove(artifact); rmErr != nil {
				p.log.Warnf("Cleanup of %s failed: %v", artifact, rmErr)
			}
		}
		return err
	}

	var authMethod transport.AuthMethod

	switch a := auth.(type) {
	case SSHAuth:
		keyPath := credentials.KeyPath(p.dir, folder)
		if err := os.WriteFile(keyPath, a.Key, 0o600); err != nil {
			return fmt.Errorf("writing identity file: %w", err)
		}
		artifacts = append(artifacts, keyPath)

		var err error
		if authMethod, err = credentials.SSHKeyAuth(a.Key); err != nil {
			return fail(err)
		}

	case AppAuth:
		if p.tokens == nil {
			return githubapp.ErrNotConfigured
		}
		token, err := p.tokens.Token(ctx)
		if err != nil {
			return fail(err)
		}
		authMethod = credentials.TokenAuth(token)

	default:
		return fmt.Errorf("unsupported auth %T", auth)
	}

	p.log.Infof("Cloning %s into %s (%s auth)", source, dest, auth.mode())

	if _, err := plainCloneContext(ctx, dest, false, &git.CloneOptions{
		URL:  source,
		Auth: authMethod,
	}); err != nil {
		return fail(fmt.Errorf("cloning: %w", err))
	}

	if _, ok := auth.(AppAuth); ok {
		marker := credentials.MarkerPath(p.dir, folder)
		if err := os.WriteFile(marker, nil, 0o644); err != nil {
			return fail(fmt.Errorf("writing app marker: %w", err))
		}
	}

	return nil
}
