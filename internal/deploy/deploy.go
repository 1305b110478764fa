// Package deploy drives the state transitions of managed checkouts: the
// fetch/checkout/reset sequence that pins a checkout to a remote branch, and
// the transactional provisioning of new checkouts.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/deployops/deploy-control-plane/internal/credentials"
	"github.com/deployops/deploy-control-plane/internal/gitrepo"
	"github.com/deployops/deploy-control-plane/internal/logging"
	"github.com/deployops/deploy-control-plane/internal/metrics"
)

// Hook is the post-deploy callback. It receives the checkout's absolute
// path. Its error is reported alongside the deployment result but never
// rolls back the git state already applied.
type Hook func(ctx context.Context, path string) error

// Result describes one deployment invocation. It is returned, not persisted.
type Result struct {
	Folder         string `json:"folder"`
	PreviousBranch string `json:"previous_branch,omitempty"`
	TargetBranch   string `json:"target_branch"`
	HookErr        error  `json:"-"`
}

// Orchestrator performs deployments against checkouts under the managed
// root. Deployments to the same folder are serialized with a per-folder
// mutex; two overlapping checkout/reset sequences on one working copy would
// otherwise interleave.
type Orchestrator struct {
	dir      string
	resolver *credentials.Resolver
	hook     Hook
	log      *logging.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewOrchestrator(dir string, resolver *credentials.Resolver, logger *logging.Logger) *Orchestrator {
	return &Orchestrator{
		dir:      dir,
		resolver: resolver,
		log:      logger,
		locks:    make(map[string]*sync.Mutex),
	}
}

// WithHook configures the post-deploy callback.
func (o *Orchestrator) WithHook(hook Hook) *Orchestrator {
	o.hook = hook
	return o
}

func (o *Orchestrator) folderLock(folder string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()

	lock, ok := o.locks[folder]
	if !ok {
		lock = &sync.Mutex{}
		o.locks[folder] = lock
	}
	return lock
}

// SplitTargetRef splits a "<remote>/<branch>" target on the first slash
// only, so branch names containing "/" survive intact.
func SplitTargetRef(targetRef string) (remote, branch string, err error) {
	remote, branch, ok := strings.Cut(targetRef, "/")
	if !ok || remote == "" || branch == "" {
		return "", "", fmt.Errorf("target ref %q must be of the form <remote>/<branch>", targetRef)
	}
	return remote, branch, nil
}

// Deploy pins the checkout to the remote branch named by targetRef:
// create-or-switch the matching local branch, fetch the remote, and
// hard-reset the working copy and branch to the remote tip, discarding any
// local divergence. A failure in those steps aborts and propagates without
// rollback; a hook failure lands in Result.HookErr only.
func (o *Orchestrator) Deploy(ctx context.Context, folder, targetRef string) (*Result, error) {
	startTime := time.Now()

	result, err := o.deploy(ctx, folder, targetRef)
	metrics.DeployCount.WithLabelValues(folder).Inc()
	if err != nil {
		metrics.DeployFailed.WithLabelValues(folder).Inc()
		return result, fmt.Errorf("deploy %q to %q: %w", folder, targetRef, err)
	}

	metrics.DeployDuration.WithLabelValues(folder).Observe(time.Since(startTime).Seconds())
	return result, nil
}

func (o *Orchestrator) deploy(ctx context.Context, folder, targetRef string) (*Result, error) {
	remote, branch, err := SplitTargetRef(targetRef)
	if err != nil {
		return nil, err
	}

	lock := o.folderLock(folder)
	lock.Lock()
	defer lock.Unlock()

	path := filepath.Join(o.dir, folder)

	repo, err := git.PlainOpen(path)
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, fmt.Errorf("%s: %w", path, gitrepo.ErrNotARepository)
		}
		return nil, err
	}

	result := &Result{Folder: folder, TargetBranch: branch}
	if head, err := repo.Head(); err == nil && head.Name().IsBranch() {
		result.PreviousBranch = head.Name().Short()
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return result, err
	}

	auth, err := o.resolver.Auth(ctx, folder)
	if err != nil {
		return result, err
	}

	branchRef := plumbing.NewBranchReferenceName(branch)
	checkout := &git.CheckoutOptions{Branch: branchRef, Force: true}
	if _, err := repo.Reference(branchRef, false); errors.Is(err, plumbing.ErrReferenceNotFound) {
		checkout.Create = true
	}
	if err := worktree.Checkout(checkout); err != nil {
		return result, fmt.Errorf("checkout %s: %w", branch, err)
	}

	fetchStart := time.Now()
	if err := repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: remote,
		Auth:       auth,
		Force:      true,
	}); err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		metrics.FetchFailed.WithLabelValues(folder, remote).Inc()
		return result, fmt.Errorf("fetch %s: %w", remote, err)
	}
	metrics.FetchDuration.WithLabelValues(folder, remote).Observe(time.Since(fetchStart).Seconds())

	remoteRef, err := repo.Reference(plumbing.NewRemoteReferenceName(remote, branch), true)
	if err != nil {
		return result, fmt.Errorf("resolving %s/%s: %w", remote, branch, err)
	}
	if err := worktree.Reset(&git.ResetOptions{Mode: git.HardReset, Commit: remoteRef.Hash()}); err != nil {
		return result, fmt.Errorf("hard reset to %s/%s: %w", remote, branch, err)
	}

	o.log.Infof("Deployed %q to %s/%s (%s)", folder, remote, branch, remoteRef.Hash())

	if o.hook != nil {
		if err := o.hook(ctx, path); err != nil {
			metrics.HookFailed.WithLabelValues(folder).Inc()
			o.log.Warnf("Post-deploy hook for %q failed: %v", folder, err)
			result.HookErr = err
		}
	}

	return result, nil
}
