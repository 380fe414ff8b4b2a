package ops

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"lab47.dev/mctl/pkg/mctlerr"
)

func TestFetcher(t *testing.T) {
	ctx := context.Background()

	t.Run("copies a file url into the build directory", func(t *testing.T) {
		root, err := ioutil.TempDir("", "mctl-fetch")
		require.NoError(t, err)

		defer os.RemoveAll(root)

		src := filepath.Join(root, "upstream.jar")
		require.NoError(t, ioutil.WriteFile(src, []byte("jar"), 0644))

		dir := filepath.Join(root, "builds", "app")
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "plugins"), 0755))
		require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "plugins", "we.jar"), []byte("stale"), 0644))

		var f Fetcher
		f.SetLogger(hclog.NewNullLogger())

		require.NoError(t, f.Fetch(ctx, dir, "plugins/we.jar", "file://"+src))

		data, err := ioutil.ReadFile(filepath.Join(dir, "plugins", "we.jar"))
		require.NoError(t, err)

		assert.Equal(t, "jar", string(data))
	})

	t.Run("refuses paths outside the build directory", func(t *testing.T) {
		root, err := ioutil.TempDir("", "mctl-fetch")
		require.NoError(t, err)

		defer os.RemoveAll(root)

		src := filepath.Join(root, "upstream.jar")
		require.NoError(t, ioutil.WriteFile(src, []byte("jar"), 0644))

		live := filepath.Join(root, "archive", "other", "other-abc1234.jar")
		require.NoError(t, os.MkdirAll(filepath.Dir(live), 0755))
		require.NoError(t, ioutil.WriteFile(live, []byte("live"), 0644))

		dir := filepath.Join(root, "builds", "app")
		require.NoError(t, os.MkdirAll(dir, 0755))

		var f Fetcher
		f.SetLogger(hclog.NewNullLogger())

		for _, path := range []string{"../../archive", "..", "."} {
			err = f.Fetch(ctx, dir, path, "file://"+src)
			require.Error(t, err, path)

			assert.True(t, errors.Is(err, mctlerr.ErrConfig), "got %v", err)
		}

		data, err := ioutil.ReadFile(live)
		require.NoError(t, err)

		assert.Equal(t, "live", string(data))
	})
}
