package deploy

import (
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
	"lab47.dev/mctl/pkg/archive"
	"lab47.dev/mctl/pkg/config"
	"lab47.dev/mctl/pkg/mctlerr"
)

func TestDeployer(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2020, 5, 1, 12, 0, 0, 0, time.UTC)

	pkg := &config.Package{Name: "paper"}
	require.NoError(t, pkg.SetArtifact("paper.jar", `paper\.jar`))
	require.NoError(t, pkg.SetArtifact("plugins/we.jar", `we\.jar`))

	setup := func(t *testing.T, names ...string) (*Deployer, *config.Server, func()) {
		root, err := ioutil.TempDir("", "mctl-deploy")
		require.NoError(t, err)

		L := hclog.New(&hclog.LoggerOptions{Level: hclog.Info})

		s := &archive.Store{L: L, Dir: filepath.Join(root, "archive")}

		for i, name := range names {
			for _, key := range pkg.ArtifactKeys() {
				path := s.Path(pkg.Name, key, name)

				require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
				require.NoError(t, ioutil.WriteFile(path, []byte(name), 0644))

				at := base.Add(time.Duration(i) * time.Minute)
				require.NoError(t, os.Chtimes(path, at, at))
			}
		}

		srv := &config.Server{
			Name:     "survival",
			Path:     filepath.Join(root, "servers", "survival"),
			Packages: []string{"paper"},
		}

		return &Deployer{L: L, Store: s}, srv, func() { os.RemoveAll(root) }
	}

	readArtifact := func(t *testing.T, srv *config.Server, key string) string {
		data, err := ioutil.ReadFile(filepath.Join(srv.Path, key))
		require.NoError(t, err)

		return string(data)
	}

	t.Run("links the newest revision by default", func(t *testing.T) {
		d, srv, cleanup := setup(t, "r1", "r2")
		defer cleanup()

		res, err := d.Deploy(ctx, srv, pkg, "", false)
		require.NoError(t, err)

		assert.Equal(t, "r2", res.Revision)
		assert.Equal(t, "", res.Previous)
		assert.False(t, res.UpToDate)
		assert.Equal(t, []string{"paper.jar", "plugins/we.jar"}, res.Linked)

		link, err := os.Readlink(filepath.Join(srv.Path, "plugins", "we.jar"))
		require.NoError(t, err)

		assert.Equal(t, d.Store.Path(pkg.Name, "plugins/we.jar", "r2"), link)
		assert.Equal(t, "r2", readArtifact(t, srv, "paper.jar"))
	})

	t.Run("does not touch links that are up to date", func(t *testing.T) {
		d, srv, cleanup := setup(t, "r1", "r2")
		defer cleanup()

		_, err := d.Deploy(ctx, srv, pkg, "r1", false)
		require.NoError(t, err)

		before, err := os.Lstat(filepath.Join(srv.Path, "paper.jar"))
		require.NoError(t, err)

		res, err := d.Deploy(ctx, srv, pkg, "r1", false)
		require.NoError(t, err)

		assert.True(t, res.UpToDate)
		assert.Empty(t, res.Linked)
		assert.Equal(t, "r1", res.Previous)

		after, err := os.Lstat(filepath.Join(srv.Path, "paper.jar"))
		require.NoError(t, err)

		assert.True(t, os.SameFile(before, after))
	})

	t.Run("relinks when forced", func(t *testing.T) {
		d, srv, cleanup := setup(t, "r1")
		defer cleanup()

		_, err := d.Deploy(ctx, srv, pkg, "", false)
		require.NoError(t, err)

		require.NoError(t, os.Remove(filepath.Join(srv.Path, "plugins", "we.jar")))

		res, err := d.Deploy(ctx, srv, pkg, "", true)
		require.NoError(t, err)

		assert.False(t, res.UpToDate)
		assert.Equal(t, "r1", res.Previous)
		assert.Equal(t, "r1", readArtifact(t, srv, "plugins/we.jar"))
	})

	t.Run("switches between revisions and replaces plain files", func(t *testing.T) {
		d, srv, cleanup := setup(t, "r1", "r2")
		defer cleanup()

		require.NoError(t, os.MkdirAll(filepath.Join(srv.Path, "plugins"), 0755))
		require.NoError(t, ioutil.WriteFile(filepath.Join(srv.Path, "plugins", "we.jar"), []byte("manual"), 0644))

		_, err := d.Deploy(ctx, srv, pkg, "r2", false)
		require.NoError(t, err)

		res, err := d.Deploy(ctx, srv, pkg, "r1", false)
		require.NoError(t, err)

		assert.Equal(t, "r2", res.Previous)
		assert.Equal(t, "r1", readArtifact(t, srv, "paper.jar"))
		assert.Equal(t, "r1", readArtifact(t, srv, "plugins/we.jar"))
	})

	t.Run("rejects an unknown revision without linking", func(t *testing.T) {
		d, srv, cleanup := setup(t, "r1")
		defer cleanup()

		_, err := d.Deploy(ctx, srv, pkg, "nope", false)
		require.Error(t, err)

		assert.True(t, errors.Is(err, mctlerr.ErrUnknownRevision))
		assert.True(t, errors.Is(err, mctlerr.ErrConfig))

		_, err = os.Stat(srv.Path)
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("rejects packages the server does not use", func(t *testing.T) {
		d, srv, cleanup := setup(t, "r1")
		defer cleanup()

		srv.Packages = []string{"spigot"}

		_, err := d.Deploy(ctx, srv, pkg, "", false)
		assert.True(t, errors.Is(err, mctlerr.ErrNotUsedByServer))
	})

	t.Run("requires a built revision", func(t *testing.T) {
		d, srv, cleanup := setup(t)
		defer cleanup()

		_, err := d.Deploy(ctx, srv, pkg, "", false)
		assert.True(t, errors.Is(err, mctlerr.ErrNoRevisions))
	})

	t.Run("reports artifacts updated before a failure", func(t *testing.T) {
		d, srv, cleanup := setup(t, "r1")
		defer cleanup()

		blocker := filepath.Join(srv.Path, "plugins", "we.jar")
		require.NoError(t, os.MkdirAll(filepath.Join(blocker, "data"), 0755))

		_, err := d.Deploy(ctx, srv, pkg, "", false)
		require.Error(t, err)

		var de *DeployError
		require.True(t, errors.As(err, &de))

		assert.Equal(t, []string{"paper.jar"}, de.Updated)
		assert.True(t, errors.Is(err, mctlerr.ErrTransient))
		assert.Contains(t, err.Error(), "is a directory")
		assert.Equal(t, "r1", readArtifact(t, srv, "paper.jar"))
	})

	t.Run("only reports revisions for artifact keys of the package", func(t *testing.T) {
		d, srv, cleanup := setup(t, "r1")
		defer cleanup()

		_, err := d.Deploy(ctx, srv, pkg, "", false)
		require.NoError(t, err)

		stray := filepath.Join(srv.Path, "old", "paper.jar")
		require.NoError(t, os.MkdirAll(filepath.Dir(stray), 0755))
		require.NoError(t, os.Symlink(d.Store.Path(pkg.Name, "paper.jar", "r1"), stray))

		assert.Equal(t, "r1", d.Deployed(srv, pkg, "paper.jar"))
		assert.Equal(t, "", d.Deployed(srv, pkg, "old/paper.jar"))
	})
}
