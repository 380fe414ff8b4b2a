// Package deploy points a server's artifact paths at an archived revision.
package deploy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"lab47.dev/mctl/pkg/archive"
	"lab47.dev/mctl/pkg/config"
	"lab47.dev/mctl/pkg/mctlerr"
)

// DeployError is returned when linking stopped part way. Updated lists the
// artifact keys already pointing at the new revision.
type DeployError struct {
	Server   string
	Package  string
	Revision string
	Updated  []string
	Err      error
}

func (e *DeployError) Error() string {
	return fmt.Sprintf("deploy of %s revision %s to %s stopped after updating [%s]: %s",
		e.Package, e.Revision, e.Server, strings.Join(e.Updated, ", "), e.Err)
}

func (e *DeployError) Unwrap() error {
	return e.Err
}

type Result struct {
	Revision string
	Previous string
	UpToDate bool
	Linked   []string
}

type Deployer struct {
	L     hclog.Logger
	Store *archive.Store
}

// Deployed returns the revision the server currently links for the artifact
// key of pkg, or "" if there is no recognizable link or key is not one of
// the package's artifacts.
func (d *Deployer) Deployed(srv *config.Server, pkg *config.Package, key string) string {
	if _, ok := pkg.Artifacts[key]; !ok {
		return ""
	}

	target, err := os.Readlink(filepath.Join(srv.Path, filepath.FromSlash(key)))
	if err != nil {
		return ""
	}

	rev, _ := archive.ParseRevision(key, filepath.Base(target))

	return rev
}

// Deploy links every artifact of rev into srv. An empty rev selects the
// newest archived revision. When the server already links rev, nothing is
// changed unless force is set.
func (d *Deployer) Deploy(ctx context.Context, srv *config.Server, pkg *config.Package, rev string, force bool) (*Result, error) {
	if !srv.Uses(pkg.Name) {
		return nil, errors.Wrapf(mctlerr.ErrNotUsedByServer, "package %s, server %s", pkg.Name, srv.Name)
	}

	revs, err := d.Store.Revisions(pkg)
	if err != nil {
		return nil, err
	}

	if len(revs) == 0 {
		return nil, errors.Wrapf(mctlerr.ErrNoRevisions, "package %s", pkg.Name)
	}

	var target *archive.Revision

	if rev == "" {
		target = archive.SortNewestFirst(revs)[0]
		d.L.Debug("no revision given, using newest", "package", pkg.Name, "revision", target.Name)
	} else {
		var ok bool

		target, ok = revs[rev]
		if !ok {
			return nil, errors.Wrapf(mctlerr.ErrUnknownRevision, "%s for package %s", rev, pkg.Name)
		}
	}

	keys := target.Keys()

	res := &Result{
		Revision: target.Name,
		Previous: d.Deployed(srv, pkg, keys[0]),
	}

	if !force && linksTo(filepath.Join(srv.Path, filepath.FromSlash(keys[0])), target.Artifacts[keys[0]].Path) {
		d.L.Info("package already up to date", "package", pkg.Name, "server", srv.Name, "revision", target.Name)
		res.UpToDate = true
		return res, nil
	}

	d.L.Info("upgrading package",
		"package", pkg.Name, "server", srv.Name, "revision", target.Name, "previous", res.Previous)

	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return res, d.partial(srv, pkg, target, res, err)
		}

		link := filepath.Join(srv.Path, filepath.FromSlash(key))
		dest := target.Artifacts[key].Path

		d.L.Debug("linking archived artifact", "from", link, "to", dest)

		err = swapLink(link, dest)
		if err != nil {
			return res, d.partial(srv, pkg, target, res, err)
		}

		res.Linked = append(res.Linked, key)
	}

	return res, nil
}

func (d *Deployer) partial(srv *config.Server, pkg *config.Package, rev *archive.Revision, res *Result, err error) error {
	if len(res.Linked) > 0 {
		d.L.Warn("deploy stopped part way", "package", pkg.Name, "server", srv.Name, "updated", res.Linked)
	}

	return &DeployError{
		Server:   srv.Name,
		Package:  pkg.Name,
		Revision: rev.Name,
		Updated:  append([]string(nil), res.Linked...),
		Err:      mctlerr.Transient(err, "unable to link %s", pkg.Name),
	}
}

func linksTo(link, dest string) bool {
	lfi, err := os.Stat(link)
	if err != nil {
		return false
	}

	dfi, err := os.Stat(dest)
	if err != nil {
		return false
	}

	return os.SameFile(lfi, dfi)
}

// swapLink replaces whatever is at link with a symlink to dest by renaming
// a fresh symlink over it.
func swapLink(link, dest string) error {
	err := os.MkdirAll(filepath.Dir(link), 0755)
	if err != nil {
		return err
	}

	if cur, err := os.Readlink(link); err == nil && cur == dest {
		return nil
	}

	if fi, err := os.Lstat(link); err == nil && fi.IsDir() {
		return errors.Errorf("target %s is a directory", link)
	}

	tmp := filepath.Join(filepath.Dir(link), "."+filepath.Base(link)+".mctl-new")

	os.Remove(tmp)

	err = os.Symlink(dest, tmp)
	if err != nil {
		return err
	}

	err = os.Rename(tmp, link)
	if err != nil {
		os.Remove(tmp)
		return err
	}

	return nil
}
