// Package gitrepo reads local checkouts and produces immutable structured
// summaries of their state. All functions in this package are read-only
// except CleanupBranches.
package gitrepo

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// ErrNotARepository reports that a path is not a valid git working copy.
// Callers are expected to recover from it by skipping the offending folder.
var ErrNotARepository = errors.New("not a git repository")

const originRemote = "origin"

// Remote is a (name, url) pair for a configured remote. Only the first URL
// of a remote is reported.
type Remote struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Head describes the commit a checkout currently points at.
type Head struct {
	SHA     string    `json:"sha"`
	Message string    `json:"message"`
	Author  string    `json:"author"`
	When    time.Time `json:"when"`
}

// Snapshot is a point-in-time projection of one checkout. It is never
// mutated after construction and holds no live handle to the checkout.
//
// ActiveBranch is empty for detached or unborn checkouts; Head is nil when
// the checkout has no commits yet. A non-empty ActiveBranch is always a
// member of LocalBranches. RemoteBranches is computed only from the remote
// literally named "origin"; any other remote topology yields an empty list.
type Snapshot struct {
	Folder         string   `json:"folder"`
	Remotes        []Remote `json:"remotes"`
	ActiveBranch   string   `json:"active_branch,omitempty"`
	Head           *Head    `json:"head,omitempty"`
	LocalBranches  []string `json:"local_branches"`
	RemoteBranches []string `json:"remote_branches"`
}

// Extract reads the checkout at path and summarizes it. It returns an error
// wrapping ErrNotARepository if the path is not a valid working copy.
func Extract(path, folder string) (*Snapshot, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, fmt.Errorf("%s: %w", path, ErrNotARepository)
		}
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}

	snapshot := Snapshot{Folder: folder}

	remotes, err := repo.Remotes()
	if err != nil {
		return nil, fmt.Errorf("listing remotes of %s: %w", folder, err)
	}
	for _, rem := range remotes {
		cfg := rem.Config()
		if len(cfg.URLs) > 0 {
			snapshot.Remotes = append(snapshot.Remotes, Remote{Name: cfg.Name, URL: cfg.URLs[0]})
		}
	}
	sort.Slice(snapshot.Remotes, func(i, j int) bool {
		return snapshot.Remotes[i].Name < snapshot.Remotes[j].Name
	})

	head, err := repo.Head()
	switch {
	case errors.Is(err, plumbing.ErrReferenceNotFound):
		// Unborn checkout: no commits yet, head fields stay absent.
	case err != nil:
		return nil, fmt.Errorf("reading HEAD of %s: %w", folder, err)
	default:
		if head.Name().IsBranch() {
			snapshot.ActiveBranch = head.Name().Short()
		}
		commit, err := repo.CommitObject(head.Hash())
		if err != nil {
			return nil, fmt.Errorf("reading head commit of %s: %w", folder, err)
		}
		snapshot.Head = &Head{
			SHA:     commit.Hash.String(),
			Message: commit.Message,
			Author:  commit.Author.Name,
			When:    commit.Author.When,
		}
	}

	branches, err := repo.Branches()
	if err != nil {
		return nil, fmt.Errorf("listing branches of %s: %w", folder, err)
	}
	if err := branches.ForEach(func(ref *plumbing.Reference) error {
		snapshot.LocalBranches = append(snapshot.LocalBranches, ref.Name().Short())
		return nil
	}); err != nil {
		return nil, err
	}
	sort.Strings(snapshot.LocalBranches)

	snapshot.RemoteBranches, err = remoteBranches(repo)
	if err != nil {
		return nil, fmt.Errorf("listing remote branches of %s: %w", folder, err)
	}

	return &snapshot, nil
}

// remoteBranches collects the branch names tracked under refs/remotes/origin,
// excluding the symbolic HEAD entry.
func remoteBranches(repo *git.Repository) ([]string, error) {
	refs, err := repo.References()
	if err != nil {
		return nil, err
	}

	prefix := "refs/remotes/" + originRemote + "/"

	var names []string
	if err := refs.ForEach(func(ref *plumbing.Reference) error {
		if ref.Type() != plumbing.HashReference {
			return nil
		}
		name, ok := strings.CutPrefix(ref.Name().String(), prefix)
		if !ok || name == "HEAD" {
			return nil
		}
		names = append(names, name)
		return nil
	}); err != nil {
		return nil, err
	}

	sort.Strings(names)
	return names, nil
}

// CleanupBranches deletes every local branch except the active one and
// returns the deleted names. It fails when the checkout is detached or has
// no commits, since there is no active branch to preserve.
func CleanupBranches(path string) ([]string, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, fmt.Errorf("%s: %w", path, ErrNotARepository)
		}
		return nil, err
	}

	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("cleanup requires an active branch: %w", err)
	}
	if !head.Name().IsBranch() {
		return nil, errors.New("cleanup requires an active branch: checkout is in a detached state")
	}

	branches, err := repo.Branches()
	if err != nil {
		return nil, err
	}

	var doomed []plumbing.ReferenceName
	if err := branches.ForEach(func(ref *plumbing.Reference) error {
		if ref.Name() != head.Name() {
			doomed = append(doomed, ref.Name())
		}
		return nil
	}); err != nil {
		return nil, err
	}

	deleted := make([]string, 0, len(doomed))
	for _, name := range doomed {
		if err := repo.Storer.RemoveReference(name); err != nil {
			return deleted, fmt.Errorf("deleting branch %s: %w", name.Short(), err)
		}
		deleted = append(deleted, name.Short())
	}

	sort.Strings(deleted)
	return deleted, nil
}
