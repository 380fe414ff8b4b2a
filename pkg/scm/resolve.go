package scm

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"lab47.dev/mctl/pkg/config"
	"lab47.dev/mctl/pkg/mctlerr"
)

const unifiedRevisionLen = 7

// Checkout is a repository root discovered under a build directory.
type Checkout struct {
	Type Type
	Dir  string

	rel string
}

// Discover finds the repositories of every type under dir. The result is
// ordered by path relative to dir, independent of the order of types.
func Discover(ctx context.Context, types []Type, dir string) ([]*Checkout, error) {
	var out []*Checkout

	for _, t := range types {
		dirs, err := t.FindAllDirs(ctx, dir)
		if err != nil {
			return nil, err
		}

		for _, d := range dirs {
			rel, err := filepath.Rel(dir, d)
			if err != nil {
				rel = d
			}

			out = append(out, &Checkout{Type: t, Dir: d, rel: filepath.ToSlash(rel)})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].rel == out[j].rel {
			return out[i].Type.Name() < out[j].Type.Name()
		}

		return out[i].rel < out[j].rel
	})

	return out, nil
}

// sameDir reports if a and b name the same directory on disk.
func sameDir(a, b string) bool {
	afi, err := os.Stat(a)
	if err != nil {
		return false
	}

	bfi, err := os.Stat(b)
	if err != nil {
		return false
	}

	return os.SameFile(afi, bfi)
}

// Resolver computes the revision of a build directory.
type Resolver struct {
	L     hclog.Logger
	Types []Type
}

// Revision returns the revision of the checkouts under buildDir, or "" when
// there are none. Every configured repository must have been checked out
// into the subdirectory named after its key.
func (r *Resolver) Revision(ctx context.Context, buildDir string, repos map[string]*config.Repository) (string, error) {
	checkouts, err := Discover(ctx, r.Types, buildDir)
	if err != nil {
		return "", err
	}

	for _, key := range sortedKeys(repos) {
		dir := filepath.Join(buildDir, key)

		var matches int

		for _, co := range checkouts {
			if sameDir(co.Dir, dir) {
				matches++
			}
		}

		if matches != 1 {
			return "", errors.Wrapf(mctlerr.ErrRepositoryMissing,
				"repository %s in %s (found %d checkouts)", key, buildDir, matches)
		}
	}

	if len(checkouts) == 0 {
		r.L.Debug("no repositories found", "dir", buildDir)
		return "", nil
	}

	revs := make([]string, len(checkouts))

	var g multierror.Group

	for i, co := range checkouts {
		i, co := i, co

		g.Go(func() error {
			rev, err := co.Type.Revision(ctx, co.Dir)
			if err != nil {
				if _, serr := os.Stat(co.Dir); os.IsNotExist(serr) {
					return errors.Wrapf(mctlerr.ErrRepositoryMissing, "%s disappeared", co.Dir)
				}

				return err
			}

			revs[i] = rev

			return nil
		})
	}

	if err := g.Wait().ErrorOrNil(); err != nil {
		return "", err
	}

	if len(revs) == 1 {
		r.L.Debug("using the short hash as revision", "dir", buildDir, "revision", revs[0])
		return revs[0], nil
	}

	rev := Unify(revs)

	r.L.Debug("using the hash of all short hashes as revision",
		"dir", buildDir, "revision", rev, "repositories", len(revs))

	return rev, nil
}

// Unify combines ordered per repository revisions into one.
func Unify(revs []string) string {
	sum := md5.Sum([]byte(strings.Join(revs, ":")))
	return hex.EncodeToString(sum[:])[:unifiedRevisionLen]
}
