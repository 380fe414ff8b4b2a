package archive

import (
	"bytes"
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"lab47.dev/mctl/pkg/config"
	"lab47.dev/mctl/pkg/mctlerr"
)

func testPackage(t *testing.T) *config.Package {
	pkg := &config.Package{Name: "paper"}

	require.NoError(t, pkg.SetArtifact("paper.jar", `build/paper-.*\.jar`))
	require.NoError(t, pkg.SetArtifact("plugins/we.jar", `we\.jar`))

	return pkg
}

func writeFile(t *testing.T, name, content string) {
	require.NoError(t, os.MkdirAll(filepath.Dir(name), 0755))
	require.NoError(t, ioutil.WriteFile(name, []byte(content), 0644))
}

func TestStore(t *testing.T) {
	ctx := context.Background()
	L := hclog.New(&hclog.LoggerOptions{Level: hclog.Info})
	captured := time.Date(2020, 5, 1, 12, 0, 0, 0, time.UTC)

	setup := func(t *testing.T) (string, *Store, func()) {
		root, err := ioutil.TempDir("", "mctl-archive")
		require.NoError(t, err)

		s := &Store{
			L:   L,
			Dir: filepath.Join(root, "archive"),
			Now: func() time.Time { return captured },
		}

		return root, s, func() { os.RemoveAll(root) }
	}

	t.Run("lists a revision right after archiving it", func(t *testing.T) {
		root, s, cleanup := setup(t)
		defer cleanup()

		build := filepath.Join(root, "build")
		writeFile(t, filepath.Join(build, "build", "paper-1.16.jar"), "paper")
		writeFile(t, filepath.Join(build, "we.jar"), "we")
		writeFile(t, filepath.Join(build, "notes.txt"), "notes")

		pkg := testPackage(t)

		archived, err := s.Archive(ctx, pkg, build, "abc1234")
		require.NoError(t, err)

		assert.Equal(t, map[string]string{
			"paper.jar":      filepath.Join(s.Dir, "paper", "paper-abc1234.jar"),
			"plugins/we.jar": filepath.Join(s.Dir, "paper", "plugins", "we-abc1234.jar"),
		}, archived)

		revs, err := s.Revisions(pkg)
		require.NoError(t, err)

		require.Contains(t, revs, "abc1234")

		rev := revs["abc1234"]
		assert.Equal(t, []string{"paper.jar", "plugins/we.jar"}, rev.Keys())
		assert.Equal(t, archived["paper.jar"], rev.Artifacts["paper.jar"].Path)
		assert.True(t, captured.Equal(rev.Time()))

		_, err = os.Stat(filepath.Join(build, "we.jar"))
		assert.True(t, os.IsNotExist(err))

		_, err = os.Stat(filepath.Join(build, "notes.txt"))
		assert.NoError(t, err)
	})

	t.Run("moves nothing when an artifact is missing", func(t *testing.T) {
		root, s, cleanup := setup(t)
		defer cleanup()

		build := filepath.Join(root, "build")
		writeFile(t, filepath.Join(build, "we.jar"), "we")

		_, err := s.Archive(ctx, testPackage(t), build, "abc1234")
		require.Error(t, err)

		assert.True(t, errors.Is(err, mctlerr.ErrMissingArtifact))
		assert.True(t, errors.Is(err, mctlerr.ErrInvariant))

		_, err = os.Stat(filepath.Join(build, "we.jar"))
		assert.NoError(t, err)

		_, err = os.Stat(s.Dir)
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("rejects ambiguous patterns", func(t *testing.T) {
		root, s, cleanup := setup(t)
		defer cleanup()

		build := filepath.Join(root, "build")
		writeFile(t, filepath.Join(build, "build", "paper-1.jar"), "a")
		writeFile(t, filepath.Join(build, "build", "paper-2.jar"), "b")
		writeFile(t, filepath.Join(build, "we.jar"), "we")

		_, err := s.Archive(ctx, testPackage(t), build, "abc1234")
		require.Error(t, err)

		assert.True(t, errors.Is(err, mctlerr.ErrAmbiguousArtifact))

		_, err = os.Stat(filepath.Join(build, "build", "paper-1.jar"))
		assert.NoError(t, err)
	})

	t.Run("ignores files under .git", func(t *testing.T) {
		root, s, cleanup := setup(t)
		defer cleanup()

		build := filepath.Join(root, "build")
		writeFile(t, filepath.Join(build, "we.jar"), "we")
		writeFile(t, filepath.Join(build, ".git", "we.jar"), "object")

		pkg := &config.Package{Name: "we"}
		require.NoError(t, pkg.SetArtifact("we.jar", `.*we\.jar`))

		archived, err := s.Archive(ctx, pkg, build, "abc1234")
		require.NoError(t, err)

		data, err := ioutil.ReadFile(archived["we.jar"])
		require.NoError(t, err)

		assert.Equal(t, "we", string(data))
	})

	t.Run("drops incomplete revisions with a warning", func(t *testing.T) {
		_, s, cleanup := setup(t)
		defer cleanup()

		var buf bytes.Buffer

		s.L = hclog.New(&hclog.LoggerOptions{Level: hclog.Warn, Output: &buf})

		pkg := testPackage(t)

		writeFile(t, s.Path("paper", "paper.jar", "abc1234"), "a")
		writeFile(t, s.Path("paper", "plugins/we.jar", "abc1234"), "b")
		writeFile(t, s.Path("paper", "paper.jar", "dead"), "c")

		revs, err := s.Revisions(pkg)
		require.NoError(t, err)

		assert.Contains(t, revs, "abc1234")
		assert.NotContains(t, revs, "dead")

		out := buf.String()
		assert.Contains(t, out, "ignoring revision with missing artifacts")
		assert.Contains(t, out, "dead")
		assert.Contains(t, out, "plugins/we.jar")
	})

	t.Run("returns nothing for a package never built", func(t *testing.T) {
		_, s, cleanup := setup(t)
		defer cleanup()

		revs, err := s.Revisions(testPackage(t))
		require.NoError(t, err)

		assert.Empty(t, revs)
	})
}

func TestSortNewestFirst(t *testing.T) {
	base := time.Date(2020, 5, 1, 12, 0, 0, 0, time.UTC)

	rev := func(name string, offsets ...int) *Revision {
		r := &Revision{Name: name, Artifacts: make(map[string]Artifact)}

		for i, off := range offsets {
			r.Artifacts[string(rune('a'+i))] = Artifact{Time: base.Add(time.Duration(off) * time.Second)}
		}

		return r
	}

	revs := map[string]*Revision{
		"r1": rev("r1", 0, 1),
		"r2": rev("r2", 2, 10),
		"r3": rev("r3", 5, 6),
	}

	var names []string

	for _, r := range SortNewestFirst(revs) {
		names = append(names, r.Name)
	}

	assert.Equal(t, []string{"r2", "r3", "r1"}, names)
}

func TestNames(t *testing.T) {
	t.Run("splits extensions like file names", func(t *testing.T) {
		cases := map[string][2]string{
			"app.jar":  {"app", ".jar"},
			"a.tar.gz": {"a.tar", ".gz"},
			".bashrc":  {".bashrc", ""},
			"noext":    {"noext", ""},
			"..x.jar":  {"..x", ".jar"},
		}

		for in, want := range cases {
			root, ext := splitExt(in)
			assert.Equal(t, want, [2]string{root, ext}, in)
		}
	})

	t.Run("parses revisions from archived names", func(t *testing.T) {
		rev, ok := ParseRevision("plugins/we.jar", "we-abc1234.jar")
		require.True(t, ok)
		assert.Equal(t, "abc1234", rev)

		_, ok = ParseRevision("plugins/we.jar", "we-abc-1234.jar")
		assert.False(t, ok)

		_, ok = ParseRevision("plugins/we.jar", "we-abc1234.jar.bak")
		assert.False(t, ok)

		rev, ok = ParseRevision(".bashrc", ".bashrc-1588334400")
		require.True(t, ok)
		assert.Equal(t, "1588334400", rev)
	})
}
