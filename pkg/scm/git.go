package scm

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"lab47.dev/mctl/pkg/mctlerr"
)

const (
	gitDir        = ".git"
	shortHashLen  = 7
	defaultRemote = "origin"
)

// Git implements Type with go-git.
type Git struct {
	L hclog.Logger
}

func (g *Git) Name() string {
	return "git"
}

func (g *Git) FindAllDirs(ctx context.Context, baseDir string) ([]string, error) {
	var dirs []string

	err := filepath.WalkDir(baseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !d.IsDir() {
			return nil
		}

		if d.Name() == gitDir {
			return filepath.SkipDir
		}

		fi, err := os.Stat(filepath.Join(path, gitDir))
		if err != nil || !fi.IsDir() {
			return nil
		}

		if !g.hasRemoteBranch(path) {
			g.L.Debug("ignoring git repository without remote branches", "dir", path)
			return nil
		}

		dirs = append(dirs, path)

		return filepath.SkipDir
	})
	if err != nil {
		return nil, errors.Wrapf(err, "unable to search %s for git repositories", baseDir)
	}

	sort.Strings(dirs)

	g.L.Debug("found git repositories", "dir", baseDir, "count", len(dirs))

	return dirs, nil
}

func (g *Git) hasRemoteBranch(dir string) bool {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return false
	}

	refs, err := repo.References()
	if err != nil {
		return false
	}

	defer refs.Close()

	var found bool

	refs.ForEach(func(ref *plumbing.Reference) error {
		if ref.Name().IsRemote() {
			found = true
			return storer.ErrStop
		}

		return nil
	})

	return found
}

func (g *Git) Revision(ctx context.Context, dir string) (string, error) {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return "", errors.Wrapf(err, "unable to open git repository %s", dir)
	}

	head, err := repo.Head()
	if err != nil {
		return "", errors.Wrapf(err, "unable to resolve HEAD of %s", dir)
	}

	rev := head.Hash().String()[:shortHashLen]

	g.L.Debug("resolved git revision", "dir", dir, "revision", rev)

	return rev, nil
}

func (g *Git) Update(ctx context.Context, dir, url, committish string) error {
	repo, err := git.PlainOpen(dir)
	switch {
	case err == nil:
		err = g.fetch(ctx, dir, repo)
		if err != nil {
			return err
		}
	case errors.Is(err, git.ErrRepositoryNotExists):
		if url == "" {
			return errors.Wrapf(mctlerr.ErrMissingURL, "for repository in %s", dir)
		}

		g.L.Debug("cloning git repository", "dir", dir, "url", url)

		repo, err = git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
			URL: url,
		})
		if err != nil {
			return mctlerr.Transient(err, "unable to clone %s into %s", url, dir)
		}
	default:
		return errors.Wrapf(err, "unable to open git repository %s", dir)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return errors.Wrapf(err, "unable to open worktree of %s", dir)
	}

	err = wt.Reset(&git.ResetOptions{Mode: git.HardReset})
	if err != nil {
		return errors.Wrapf(err, "unable to reset %s", dir)
	}

	err = wt.Clean(&git.CleanOptions{Dir: true})
	if err != nil {
		return errors.Wrapf(err, "unable to clean %s", dir)
	}

	if committish != "" {
		err = g.checkout(repo, wt, dir, committish)
		if err != nil {
			return err
		}
	}

	return g.fastForward(repo, wt, dir)
}

func (g *Git) fetch(ctx context.Context, dir string, repo *git.Repository) error {
	remotes, err := repo.Remotes()
	if err != nil {
		return errors.Wrapf(err, "unable to list remotes of %s", dir)
	}

	for _, remote := range remotes {
		name := remote.Config().Name

		g.L.Debug("fetching git remote", "dir", dir, "remote", name)

		err = remote.FetchContext(ctx, &git.FetchOptions{RemoteName: name})
		if err != nil && err != git.NoErrAlreadyUpToDate {
			return mctlerr.Transient(err, "unable to fetch %s in %s", name, dir)
		}
	}

	return nil
}

// checkout applies committish the way `git checkout` does: a local branch,
// then a branch of the default remote, then any revision (detached).
func (g *Git) checkout(repo *git.Repository, wt *git.Worktree, dir, committish string) error {
	local := plumbing.NewBranchReferenceName(committish)

	if _, err := repo.Reference(local, true); err == nil {
		g.L.Debug("checking out git branch", "dir", dir, "branch", committish)
		return g.checkoutOpts(wt, dir, committish, &git.CheckoutOptions{Branch: local, Force: true})
	}

	remote := plumbing.NewRemoteReferenceName(defaultRemote, committish)

	if ref, err := repo.Reference(remote, true); err == nil {
		g.L.Debug("creating tracking git branch", "dir", dir, "branch", committish)

		err = repo.Storer.SetReference(plumbing.NewHashReference(local, ref.Hash()))
		if err != nil {
			return errors.Wrapf(err, "unable to create branch %s in %s", committish, dir)
		}

		err = repo.CreateBranch(&gitconfig.Branch{
			Name:   committish,
			Remote: defaultRemote,
			Merge:  local,
		})
		if err != nil && err != git.ErrBranchExists {
			return errors.Wrapf(err, "unable to track branch %s in %s", committish, dir)
		}

		return g.checkoutOpts(wt, dir, committish, &git.CheckoutOptions{Branch: local, Force: true})
	}

	hash, err := repo.ResolveRevision(plumbing.Revision(committish))
	if err != nil {
		return errors.Wrapf(mctlerr.ErrUnknownCommittish, "%s in %s", committish, dir)
	}

	g.L.Debug("checking out git revision", "dir", dir, "revision", hash.String())

	return g.checkoutOpts(wt, dir, committish, &git.CheckoutOptions{Hash: *hash, Force: true})
}

func (g *Git) checkoutOpts(wt *git.Worktree, dir, committish string, opts *git.CheckoutOptions) error {
	err := wt.Checkout(opts)
	if err != nil {
		return errors.Wrapf(err, "unable to checkout %s in %s", committish, dir)
	}

	return nil
}

// fastForward moves the checked out branch to its remote tracking branch. A
// detached HEAD is left alone.
func (g *Git) fastForward(repo *git.Repository, wt *git.Worktree, dir string) error {
	head, err := repo.Head()
	if err != nil {
		return errors.Wrapf(err, "unable to resolve HEAD of %s", dir)
	}

	if !head.Name().IsBranch() {
		g.L.Debug("git repository is detached, skipping merge", "dir", dir)
		return nil
	}

	name := head.Name().Short()
	remote, merge := defaultRemote, head.Name()

	if b, err := repo.Branch(name); err == nil && b.Remote != "" {
		remote = b.Remote

		if b.Merge != "" {
			merge = b.Merge
		}
	}

	upstream, err := repo.Reference(plumbing.NewRemoteReferenceName(remote, merge.Short()), true)
	if err != nil {
		g.L.Debug("git branch has no upstream, skipping merge", "dir", dir, "branch", name)
		return nil
	}

	if upstream.Hash() == head.Hash() {
		return nil
	}

	g.L.Debug("fast forwarding git branch", "dir", dir, "branch", name, "to", upstream.Hash().String())

	err = wt.Reset(&git.ResetOptions{Commit: upstream.Hash(), Mode: git.HardReset})
	if err != nil {
		return errors.Wrapf(err, "unable to merge %s/%s into %s", remote, merge.Short(), dir)
	}

	return nil
}
