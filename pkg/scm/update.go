package scm

import (
	"context"
	"path/filepath"
	"sort"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"lab47.dev/mctl/pkg/config"
)

// Updater brings every checkout under a build directory up to date.
type Updater struct {
	L     hclog.Logger
	Types []Type
}

func (u *Updater) lookup(name string) (Type, error) {
	for _, t := range u.Types {
		if t.Name() == name {
			return t, nil
		}
	}

	return Lookup(u.L, name)
}

// UpdateAll updates the configured repositories concurrently, then every
// other repository discovered under buildDir. A failure in one repository
// does not stop its siblings; all failures are returned together.
func (u *Updater) UpdateAll(ctx context.Context, buildDir string, repos map[string]*config.Repository) error {
	var (
		g       multierror.Group
		updated []string
	)

	for _, key := range sortedKeys(repos) {
		key, repo := key, repos[key]

		t, err := u.lookup(repo.Type)
		if err != nil {
			return errors.Wrapf(err, "repository %s", key)
		}

		dir := filepath.Join(buildDir, key)
		updated = append(updated, dir)

		g.Go(func() error {
			u.L.Info("updating repository", "repository", key, "type", t.Name())
			return errors.Wrapf(t.Update(ctx, dir, repo.URL, repo.Branch), "repository %s", key)
		})
	}

	if err := g.Wait().ErrorOrNil(); err != nil {
		return err
	}

	checkouts, err := Discover(ctx, u.Types, buildDir)
	if err != nil {
		return err
	}

	var others multierror.Group

	for _, co := range checkouts {
		co := co

		if containsDir(updated, co.Dir) {
			u.L.Debug("repository already updated, skipping", "dir", co.Dir)
			continue
		}

		others.Go(func() error {
			u.L.Info("updating discovered repository", "dir", co.Dir, "type", co.Type.Name())
			return co.Type.Update(ctx, co.Dir, "", "")
		})
	}

	return others.Wait().ErrorOrNil()
}

func containsDir(dirs []string, dir string) bool {
	for _, d := range dirs {
		if sameDir(d, dir) {
			return true
		}
	}

	return false
}

func sortedKeys(repos map[string]*config.Repository) []string {
	keys := make([]string, 0, len(repos))
	for key := range repos {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	return keys
}
