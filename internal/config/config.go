// Package config holds the configuration data structures for the deploy
// control plane.
package config

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

var (
	defaultWorkers      = 2
	defaultSyncInterval = 5 * time.Minute
)

// Root is the top-level configuration structure.
type Root struct {
	// Directory is the managed root: one sub-directory per checkout, with
	// optional credential sentinels (<folder>.key, <folder>.github) next to
	// each one.
	Directory string `json:"directory"`

	// AllowedBranches is a comma-separated allow-list applied to remote branch
	// listings before they are offered to a caller. Entries may be glob
	// patterns; a literal branch name matches exactly. Empty means no filter.
	AllowedBranches string `json:"allowed_branches,omitempty"`

	// PostHook is a command invoked after a successful deployment with the
	// checkout's absolute path appended as the final argument.
	PostHook string `json:"post_hook,omitempty"`

	GitHub  *GitHubApp `json:"github,omitempty"`
	Service Service    `json:"service,omitzero"`
	Logging Logging    `json:"logging,omitzero"`
}

// GitHubApp configures installation-token authentication. PrivateKey holds
// the app's RSA key as base64-encoded PEM; it may refer to environment
// variables using the ${VAR_NAME} syntax.
type GitHubApp struct {
	AppID          int64  `json:"app_id"`
	InstallationID int64  `json:"installation_id"`
	PrivateKey     string `json:"private_key"`
	APIBaseURL     string `json:"api_base_url,omitempty"`
}

// Configured reports whether all fields required for token exchange are set.
func (g *GitHubApp) Configured() bool {
	return g != nil && g.AppID != 0 && g.InstallationID != 0 && g.PrivateKey != ""
}

// PrivateKeyPEM resolves environment variable references and decodes the
// base64-encoded key material.
func (g *GitHubApp) PrivateKeyPEM() ([]byte, error) {
	if g == nil || g.PrivateKey == "" {
		return nil, errors.New("github app private key is not configured")
	}

	pem, err := base64.StdEncoding.DecodeString(os.ExpandEnv(g.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("decoding github app private key: %w", err)
	}
	return pem, nil
}

// Service configures the background refresh workers and the metrics endpoint.
type Service struct {
	Workers      int      `json:"workers,omitempty"`
	SyncInterval Duration `json:"sync_interval,omitempty"`
	MetricsAddr  string   `json:"metrics_addr,omitempty"`
}

// Logging configures the process logger.
type Logging struct {
	Level string `json:"level,omitempty"`
}

// AllowedBranchPatterns splits the comma-separated allow-list into trimmed,
// non-empty entries. A nil result means no filtering.
func (r *Root) AllowedBranchPatterns() []string {
	if r.AllowedBranches == "" {
		return nil
	}

	var patterns []string
	for _, p := range strings.Split(r.AllowedBranches, ",") {
		if p = strings.TrimSpace(p); p != "" {
			patterns = append(patterns, p)
		}
	}
	return patterns
}

// Parse reads and validates a YAML configuration document.
func Parse(reader io.Reader) (*Root, error) {
	bs, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}

	var root Root
	if err := yaml.Unmarshal(bs, &root); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}

	if root.Directory == "" {
		return nil, errors.New("configuration: 'directory' is required")
	}

	if root.Service.Workers == 0 {
		root.Service.Workers = defaultWorkers
	}
	if root.Service.SyncInterval == 0 {
		root.Service.SyncInterval = Duration(defaultSyncInterval)
	}

	return &root, nil
}

// ParseFile is a convenience wrapper around Parse.
func ParseFile(path string) (*Root, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}

// Duration is a time.Duration that (un)marshals as a string like "5m".
type Duration time.Duration

func (d Duration) String() string {
	return time.Duration(d).String()
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	val, err := time.ParseDuration(str)
	*d = Duration(val)
	return err
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(bs []byte) error {
	var s string
	if err := yaml.Unmarshal(bs, &s); err != nil {
		return err
	}
	val, err := time.ParseDuration(s)
	*d = Duration(val)
	return err
}
