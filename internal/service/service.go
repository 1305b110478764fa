// Package service is the operations facade over the managed root: listing,
// status, deployment, provisioning, and branch cleanup, plus the background
// refresh worker that keeps checkouts fresh.
package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/gobwas/glob"

	"github.com/deployops/deploy-control-plane/internal/config"
	"github.com/deployops/deploy-control-plane/internal/credentials"
	"github.com/deployops/deploy-control-plane/internal/deploy"
	"github.com/deployops/deploy-control-plane/internal/githubapp"
	"github.com/deployops/deploy-control-plane/internal/gitrepo"
	"github.com/deployops/deploy-control-plane/internal/logging"
	"github.com/deployops/deploy-control-plane/internal/metrics"
	"github.com/deployops/deploy-control-plane/internal/schedule"
)

// Status is the fetch-then-inspect view of one checkout. FetchErrors carries
// per-remote fetch failures; a failed remote never fails the whole call.
type Status struct {
	Snapshot    *gitrepo.Snapshot `json:"snapshot"`
	Choices     []string          `json:"choices"`
	FetchErrors map[string]string `json:"fetch_errors,omitempty"`
}

// Manager wires the configuration to the per-concern components and exposes
// the operations the CLI and the refresh worker run.
type Manager struct {
	cfg         *config.Root
	log         *logging.Logger
	tokens      *githubapp.TokenService
	resolver    *credentials.Resolver
	deployer    *deploy.Orchestrator
	provisioner *deploy.Provisioner
	allowed     []glob.Glob
	sched       *schedule.Scheduler
}

// NewManager builds a manager from the configuration. The token service is
// only constructed when the GitHub App is fully configured; otherwise
// app-marked repositories degrade to anonymous access.
func NewManager(cfg *config.Root, logger *logging.Logger) (*Manager, error) {
	m := &Manager{cfg: cfg, log: logger}

	if cfg.GitHub.Configured() {
		tokens, err := githubapp.NewTokenService(cfg.GitHub, logger)
		if err != nil {
			return nil, err
		}
		m.tokens = tokens
	}

	for _, pattern := range cfg.AllowedBranchPatterns() {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("allowed_branches pattern %q: %w", pattern, err)
		}
		m.allowed = append(m.allowed, g)
	}

	m.resolver = credentials.NewResolver(cfg.Directory, m.tokens, logger)
	m.deployer = deploy.NewOrchestrator(cfg.Directory, m.resolver, logger)
	if cfg.PostHook != "" {
		m.deployer = m.deployer.WithHook(deploy.CommandHook(cfg.PostHook))
	}
	m.provisioner = deploy.NewProvisioner(cfg.Directory, m.tokens, logger)

	return m, nil
}

// WithScheduler attaches the refresh scheduler so deployments can trigger an
// immediate refresh of the affected folder.
func (m *Manager) WithScheduler(s *schedule.Scheduler) *Manager {
	m.sched = s
	return m
}

// List summarizes every checkout under the managed root. Entries that are not
// git repositories are skipped, they never fail the listing.
func (m *Manager) List(ctx context.Context) ([]*gitrepo.Snapshot, error) {
	entries, err := os.ReadDir(m.cfg.Directory)
	if err != nil {
		return nil, fmt.Errorf("reading managed root: %w", err)
	}

	var snapshots []*gitrepo.Snapshot
	for _, entry := range entries {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !entry.IsDir() {
			continue
		}

		snapshot, err := gitrepo.Extract(filepath.Join(m.cfg.Directory, entry.Name()), entry.Name())
		if err != nil {
			if errors.Is(err, gitrepo.ErrNotARepository) {
				m.log.Debugf("Skipping %q: not a repository", entry.Name())
				continue
			}
			return nil, err
		}
		snapshots = append(snapshots, snapshot)
	}

	return snapshots, nil
}

// Status fetches every remote of the folder (with pruning) and returns the
// refreshed snapshot plus the deployable branch choices.
func (m *Manager) Status(ctx context.Context, folder string) (*Status, error) {
	fetchErrs := m.refresh(ctx, folder)

	snapshot, err := gitrepo.Extract(filepath.Join(m.cfg.Directory, folder), folder)
	if err != nil {
		return nil, err
	}

	status := &Status{
		Snapshot: snapshot,
		Choices:  m.allowedChoices(snapshot.RemoteBranches),
	}
	if len(fetchErrs) > 0 {
		status.FetchErrors = make(map[string]string, len(fetchErrs))
		for remote, err := range fetchErrs {
			status.FetchErrors[remote] = err.Error()
		}
	}

	return status, nil
}

// Deploy switches the folder to the remote branch named by targetRef and
// triggers an immediate background refresh afterwards.
func (m *Manager) Deploy(ctx context.Context, folder, targetRef string) (*deploy.Result, error) {
	result, err := m.deployer.Deploy(ctx, folder, targetRef)
	if err != nil {
		return result, err
	}

	if m.sched != nil {
		if err := m.sched.Trigger(folder); err != nil {
			m.log.Debugf("No refresh job for %q yet: %v", folder, err)
		}
	}

	return result, nil
}

// Provision clones a new checkout into the managed root.
func (m *Manager) Provision(ctx context.Context, folder, source string, auth deploy.ProvisionAuth) error {
	return m.provisioner.Provision(ctx, folder, source, auth)
}

// CleanupBranches deletes all local branches of the folder except the active
// one and returns the deleted names.
func (m *Manager) CleanupBranches(folder string) ([]string, error) {
	deleted, err := gitrepo.CleanupBranches(filepath.Join(m.cfg.Directory, folder))
	if err != nil {
		return deleted, err
	}

	m.log.Infof("Cleaned up %d branches in %q", len(deleted), folder)
	return deleted, nil
}

// allowedChoices filters remote branch names through the configured
// allow-list patterns. An empty allow-list passes everything through.
func (m *Manager) allowedChoices(branches []string) []string {
	if len(m.allowed) == 0 {
		return branches
	}

	var choices []string
	for _, branch := range branches {
		for _, g := range m.allowed {
			if g.Match(branch) {
				choices = append(choices, branch)
				break
			}
		}
	}
	return choices
}

// refresh fetches every remote of the folder with pruning, collecting one
// error per failing remote instead of aborting at the first failure.
func (m *Manager) refresh(ctx context.Context, folder string) map[string]error {
	fetchErrs := make(map[string]error)

	repo, err := git.PlainOpen(filepath.Join(m.cfg.Directory, folder))
	if err != nil {
		return fetchErrs
	}

	remotes, err := repo.Remotes()
	if err != nil {
		m.log.Warnf("Listing remotes of %q failed: %v", folder, err)
		return fetchErrs
	}

	auth, err := m.resolver.Auth(ctx, folder)
	if err != nil {
		m.log.Warnf("Resolving credentials for %q failed: %v", folder, err)
		auth = nil
	}

	for _, remote := range remotes {
		name := remote.Config().Name
		startTime := time.Now()

		err := remote.FetchContext(ctx, &git.FetchOptions{
			RemoteName: name,
			Auth:       auth,
			Force:      true,
			Prune:      true,
		})
		if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
			metrics.FetchFailed.WithLabelValues(folder, name).Inc()
			fetchErrs[name] = err
			continue
		}
		metrics.FetchDuration.WithLabelValues(folder, name).Observe(time.Since(startTime).Seconds())
	}

	return fetchErrs
}
