package gc

import (
	"context"
	"os"
	"path/filepath"
	"sort"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"lab47.dev/mctl/pkg/archive"
	"lab47.dev/mctl/pkg/config"
	"lab47.dev/mctl/pkg/mctlerr"
	"lab47.dev/mctl/pkg/progress"
)

// Collector removes archived revisions beyond the retention count that no
// server links to.
type Collector struct {
	L         hclog.Logger
	Store     *archive.Store
	Retention int

	// DryRun reports what would be removed without touching the archive.
	DryRun bool
}

type SweepResult struct {
	Removed        []string
	InUse          []string
	Remaining      int
	BytesRecovered int64
	EntriesRemoved int64
}

// Mark returns the revisions of pkg linked from any of servers, mapped to the
// names of the servers linking them. Links are compared by file identity.
func (c *Collector) Mark(pkg *config.Package, servers []*config.Server, revs map[string]*archive.Revision) map[string][]string {
	type archived struct {
		rev string
		fi  os.FileInfo
	}

	byKey := make(map[string][]archived)

	for name, rev := range revs {
		for key, a := range rev.Artifacts {
			fi, err := os.Stat(a.Path)
			if err != nil {
				c.L.Debug("unable to stat archived artifact", "path", a.Path, "error", err)
				continue
			}

			byKey[key] = append(byKey[key], archived{rev: name, fi: fi})
		}
	}

	seen := make(map[string][]string)

	for _, srv := range servers {
		for _, key := range pkg.ArtifactKeys() {
			target := filepath.Join(srv.Path, filepath.FromSlash(key))

			fi, err := os.Stat(target)
			if err != nil {
				continue
			}

			for _, a := range byKey[key] {
				if !os.SameFile(fi, a.fi) {
					continue
				}

				c.L.Trace("revision linked by server", "package", pkg.Name, "revision", a.rev, "server", srv.Name, "path", target)

				if !containsString(seen[a.rev], srv.Name) {
					seen[a.rev] = append(seen[a.rev], srv.Name)
				}
			}
		}
	}

	for _, names := range seen {
		sort.Strings(names)
	}

	return seen
}

// Collect keeps the newest Retention revisions of pkg and removes older ones,
// oldest first, until the retention count is met. Revisions linked from any
// of servers are always kept.
func (c *Collector) Collect(ctx context.Context, pkg *config.Package, servers []*config.Server) (*SweepResult, error) {
	revs, err := c.Store.Revisions(pkg)
	if err != nil {
		return nil, err
	}

	sr := &SweepResult{Remaining: len(revs)}

	if len(revs) <= c.Retention {
		c.L.Debug("nothing to collect", "package", pkg.Name, "revisions", len(revs), "retention", c.Retention)
		return sr, nil
	}

	ordered := archive.SortNewestFirst(revs)
	inUse := c.Mark(pkg, servers, revs)

	candidates := ordered[c.Retention:]

	pb := progress.Count(ctx, int64(len(candidates)), "Collecting revisions")
	defer pb.Close()

	for i := len(candidates) - 1; i >= 0; i-- {
		if sr.Remaining <= c.Retention {
			break
		}

		rev := candidates[i]

		pb.Tick()

		if users, ok := inUse[rev.Name]; ok {
			c.L.Info("keeping revision in use", "package", pkg.Name, "revision", rev.Name, "servers", users)
			sr.InUse = append(sr.InUse, rev.Name)
			continue
		}

		if c.DryRun {
			c.L.Info("would remove revision", "package", pkg.Name, "revision", rev.Name)
		} else {
			c.L.Info("removing revision", "package", pkg.Name, "revision", rev.Name)

			err = c.removeRevision(rev, sr)
			if err != nil {
				return sr, err
			}
		}

		sr.Removed = append(sr.Removed, rev.Name)
		sr.Remaining--
	}

	if sr.Remaining > c.Retention {
		c.L.Warn("cannot shrink revisions further, remaining revisions are in use",
			"package", pkg.Name, "remaining", sr.Remaining, "retention", c.Retention)
	}

	return sr, nil
}

func (c *Collector) removeRevision(rev *archive.Revision, sr *SweepResult) error {
	for _, key := range rev.Keys() {
		path := rev.Artifacts[key].Path

		fi, err := os.Lstat(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}

			return errors.Wrapf(err, "unable to remove revision %s", rev.Name)
		}

		c.L.Debug("removing archived artifact", "revision", rev.Name, "path", path)

		err = os.Remove(path)
		if err != nil {
			return mctlerr.Transient(err, "unable to remove revision %s", rev.Name)
		}

		sr.EntriesRemoved++
		sr.BytesRecovered += fi.Size()
	}

	return nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}

	return false
}
