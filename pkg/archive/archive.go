// Package archive stores build artifacts by package and revision.
//
// An artifact with key "plugins/worldedit.jar" of revision abc1234 lives at
// <dir>/<package>/plugins/worldedit-abc1234.jar.
package archive

import (
	"context"
	"io/fs"
	"io/ioutil"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"lab47.dev/mctl/pkg/config"
	"lab47.dev/mctl/pkg/fileutils"
	"lab47.dev/mctl/pkg/mctlerr"
)

type Artifact struct {
	Path string
	Time time.Time
}

// Revision is a complete set of archived artifacts, keyed like the package's
// artifacts.
type Revision struct {
	Name      string
	Artifacts map[string]Artifact
}

// Time is the capture time of the freshest artifact.
func (r *Revision) Time() time.Time {
	var t time.Time

	for _, a := range r.Artifacts {
		if a.Time.After(t) {
			t = a.Time
		}
	}

	return t
}

// Keys returns the artifact keys in sorted order.
func (r *Revision) Keys() []string {
	keys := make([]string, 0, len(r.Artifacts))

	for k := range r.Artifacts {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}

type Store struct {
	L   hclog.Logger
	Dir string
	Now func() time.Time
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}

	return time.Now()
}

// PackageDir is the directory holding every revision of pkg.
func (s *Store) PackageDir(pkg string) string {
	return filepath.Join(s.Dir, pkg)
}

// Path returns where the artifact key of rev is archived.
func (s *Store) Path(pkg, key, rev string) string {
	dir, base := path.Split(filepath.ToSlash(key))
	root, ext := splitExt(base)

	return filepath.Join(s.PackageDir(pkg), filepath.FromSlash(dir), root+"-"+rev+ext)
}

// splitExt splits base into root and extension. Leading dots never start
// an extension.
func splitExt(base string) (string, string) {
	trimmed := strings.TrimLeft(base, ".")

	i := strings.LastIndex(trimmed, ".")
	if i < 0 {
		return base, ""
	}

	i += len(base) - len(trimmed)

	return base[:i], base[i:]
}

func keyPattern(key string) *regexp.Regexp {
	root, ext := splitExt(path.Base(filepath.ToSlash(key)))
	return regexp.MustCompile("^" + regexp.QuoteMeta(root) + `-([A-Za-z0-9]+)` + regexp.QuoteMeta(ext) + "$")
}

// ParseRevision extracts the revision from the archived file name of the
// artifact key.
func ParseRevision(key, name string) (string, bool) {
	m := keyPattern(key).FindStringSubmatch(name)
	if m == nil {
		return "", false
	}

	return m[1], true
}

// buildFiles returns every non directory under dir relative to it, using
// forward slashes.
func buildFiles(dir string) ([]string, error) {
	var files []string

	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}

			return nil
		}

		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}

		files = append(files, filepath.ToSlash(rel))

		return nil
	})

	sort.Strings(files)

	return files, err
}

// Archive moves the build output of pkg matching its artifact patterns into
// the store under rev. Every pattern must match exactly one file, otherwise
// nothing is moved. It returns the archived path per artifact key.
func (s *Store) Archive(ctx context.Context, pkg *config.Package, buildDir, rev string) (map[string]string, error) {
	files, err := buildFiles(buildDir)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to scan build directory %s", buildDir)
	}

	sources := make(map[string]string)
	claimed := make(map[string]string)

	for _, key := range pkg.ArtifactKeys() {
		re := pkg.Pattern(key)

		var matches []string

		for _, f := range files {
			if re.MatchString(f) {
				matches = append(matches, f)
			}
		}

		switch len(matches) {
		case 0:
			return nil, errors.Wrapf(mctlerr.ErrMissingArtifact,
				"package %s has no file matching %s for %s", pkg.Name, re, key)
		case 1:
			// ok
		default:
			return nil, errors.Wrapf(mctlerr.ErrAmbiguousArtifact,
				"package %s pattern %s for %s matches %s", pkg.Name, re, key, strings.Join(matches, ", "))
		}

		if other, ok := claimed[matches[0]]; ok {
			return nil, errors.Wrapf(mctlerr.ErrAmbiguousArtifact,
				"package %s file %s matches both %s and %s", pkg.Name, matches[0], other, key)
		}

		claimed[matches[0]] = key
		sources[key] = filepath.Join(buildDir, filepath.FromSlash(matches[0]))
	}

	mv := &fileutils.Move{Ctx: ctx, L: s.L}
	now := s.now()

	archived := make(map[string]string)

	for _, key := range pkg.ArtifactKeys() {
		target := s.Path(pkg.Name, key, rev)

		s.L.Debug("archiving artifact", "package", pkg.Name, "from", sources[key], "to", target)

		err = mv.Move(sources[key], target)
		if err != nil {
			return archived, mctlerr.Transient(err, "unable to archive %s of package %s", key, pkg.Name)
		}

		err = os.Chtimes(target, now, now)
		if err != nil {
			return archived, errors.Wrapf(err, "unable to set capture time of %s", target)
		}

		archived[key] = target
	}

	s.L.Info("archived revision", "package", pkg.Name, "revision", rev, "artifacts", len(archived))

	return archived, nil
}

// Revisions returns the complete archived revisions of pkg. Revisions
// missing an artifact are logged and left out.
func (s *Store) Revisions(pkg *config.Package) (map[string]*Revision, error) {
	found := make(map[string]*Revision)

	for _, key := range pkg.ArtifactKeys() {
		dir := filepath.Dir(s.Path(pkg.Name, key, "x"))
		re := keyPattern(key)

		entries, err := ioutil.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}

			return nil, errors.Wrapf(err, "unable to read archive directory %s", dir)
		}

		for _, fi := range entries {
			if !fi.Mode().IsRegular() {
				continue
			}

			m := re.FindStringSubmatch(fi.Name())
			if m == nil {
				continue
			}

			s.L.Trace("found archived artifact", "package", pkg.Name, "key", key, "file", fi.Name())

			rev, ok := found[m[1]]
			if !ok {
				rev = &Revision{Name: m[1], Artifacts: make(map[string]Artifact)}
				found[m[1]] = rev
			}

			rev.Artifacts[key] = Artifact{
				Path: filepath.Join(dir, fi.Name()),
				Time: fi.ModTime(),
			}
		}
	}

	for name, rev := range found {
		var missing []string

		for _, key := range pkg.ArtifactKeys() {
			if _, ok := rev.Artifacts[key]; !ok {
				missing = append(missing, key)
			}
		}

		if len(missing) > 0 {
			s.L.Warn("ignoring revision with missing artifacts",
				"package", pkg.Name, "revision", name, "missing", strings.Join(missing, ", "))
			delete(found, name)
		}
	}

	return found, nil
}

// SortNewestFirst orders revisions by capture time, newest first.
func SortNewestFirst(revs map[string]*Revision) []*Revision {
	out := make([]*Revision, 0, len(revs))

	for _, rev := range revs {
		out = append(out, rev)
	}

	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].Time(), out[j].Time()

		if ti.Equal(tj) {
			return out[i].Name > out[j].Name
		}

		return ti.After(tj)
	})

	return out
}
