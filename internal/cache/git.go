package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/islo-labs/doubleagent/internal/errdefs"
)

// SyncOutcome describes what a mirror synchronization did.
type SyncOutcome int

const (
	SyncCloned SyncOutcome = iota + 1
	SyncUpToDate
	SyncFastForward
	SyncReset
)

func (o SyncOutcome) String() string {
	switch o {
	case SyncCloned:
		return "cloned"
	case SyncUpToDate:
		return "up_to_date"
	case SyncFastForward:
		return "fast_forward"
	case SyncReset:
		return "reset"
	default:
		return "unknown"
	}
}

const remoteName = "origin"

// looksLikeRepo reports whether the mirror directory carries git metadata.
// An empty or half-deleted directory is treated as absent.
func (f *Fetcher) looksLikeRepo() bool {
	for _, marker := range []string{".git", "HEAD"} {
		if _, err := os.Stat(filepath.Join(f.mirrorDir, marker)); err == nil {
			return true
		}
	}
	return false
}

func (f *Fetcher) gitSync(ctx context.Context) (SyncOutcome, error) {
	if !f.looksLikeRepo() {
		_ = os.RemoveAll(f.mirrorDir)
		f.log.Debug("Cloning repository", "dir", f.mirrorDir)
		if err := f.clone(ctx); err != nil {
			return 0, err
		}
		return SyncCloned, nil
	}
	f.log.Debug("Updating existing repository", "dir", f.mirrorDir)
	return f.pull(ctx)
}

func (f *Fetcher) clone(ctx context.Context) error {
	_, err := git.PlainCloneContext(ctx, f.mirrorDir, false, &git.CloneOptions{
		URL:           f.repoURL,
		ReferenceName: plumbing.NewBranchReferenceName(f.branch),
		SingleBranch:  true,
		Depth:         f.depth,
		Tags:          git.NoTags,
		Progress:      f.progress,
	})
	if err != nil {
		_ = os.RemoveAll(f.mirrorDir)
		return &errdefs.CacheSyncError{
			Op:  fmt.Sprintf("clone %s (branch: %s)", f.repoURL, f.branch),
			Err: err,
		}
	}
	f.log.Info("Repository cloned", "repo", f.repoURL, "branch", f.branch)
	return nil
}

func (f *Fetcher) pull(ctx context.Context) (SyncOutcome, error) {
	repo, err := git.PlainOpen(f.mirrorDir)
	if err != nil {
		return 0, &errdefs.CacheSyncError{Op: "open cached repository", Err: err}
	}
	remote, err := repo.Remote(remoteName)
	if err != nil {
		return 0, &errdefs.CacheSyncError{Op: "find origin remote", Err: err}
	}

	branchRef := plumbing.NewBranchReferenceName(f.branch)
	trackingRef := plumbing.NewRemoteReferenceName(remoteName, f.branch)
	err = remote.FetchContext(ctx, &git.FetchOptions{
		RefSpecs: []config.RefSpec{config.RefSpec(fmt.Sprintf("+%s:%s", branchRef, trackingRef))},
		Depth:    f.depth,
		Tags:     git.NoTags,
		Force:    true,
		Progress: f.progress,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return 0, &errdefs.CacheSyncError{Op: "fetch " + f.branch, Err: err}
	}

	fetched, err := repo.Reference(trackingRef, true)
	if err != nil {
		return 0, &errdefs.CacheSyncError{Op: "resolve fetched " + f.branch, Err: err}
	}
	target := fetched.Hash()

	local, err := repo.Reference(branchRef, true)
	if err == nil && local.Hash() == target {
		f.log.Debug("Repository is already up to date")
		return SyncUpToDate, nil
	}

	outcome := SyncReset
	if err == nil && isAncestor(repo, local.Hash(), target) {
		outcome = SyncFastForward
	}

	if err := repo.Storer.SetReference(plumbing.NewHashReference(branchRef, target)); err != nil {
		return 0, &errdefs.CacheSyncError{Op: "move " + branchRef.String(), Err: err}
	}
	wt, err := repo.Worktree()
	if err != nil {
		return 0, &errdefs.CacheSyncError{Op: "open worktree", Err: err}
	}

	if outcome == SyncFastForward {
		err = wt.Checkout(&git.CheckoutOptions{Branch: branchRef, Force: true})
	} else {
		// Diverged (or ancestry cut off by the shallow history). The mirror is
		// a read cache, so local history is discarded.
		if err = repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, branchRef)); err == nil {
			err = wt.Reset(&git.ResetOptions{Commit: target, Mode: git.HardReset})
		}
	}
	if err != nil {
		return 0, &errdefs.CacheSyncError{Op: "update worktree to " + target.String(), Err: err}
	}
	f.log.Debug("Repository updated", "outcome", outcome.String(), "commit", target.String())
	return outcome, nil
}

// isAncestor reports whether from is reachable from to. Any lookup failure,
// e.g. a parent missing from a shallow clone, counts as "not an ancestor".
func isAncestor(repo *git.Repository, from, to plumbing.Hash) bool {
	a, err := repo.CommitObject(from)
	if err != nil {
		return false
	}
	b, err := repo.CommitObject(to)
	if err != nil {
		return false
	}
	ok, err := a.IsAncestor(b)
	return err == nil && ok
}
