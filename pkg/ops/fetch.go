package ops

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hashicorp/go-getter"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"lab47.dev/mctl/pkg/cleanhttp"
	"lab47.dev/mctl/pkg/mctlerr"
	"lab47.dev/mctl/pkg/progress"
)

// Fetcher downloads a package's extra files into its build directory.
type Fetcher struct {
	common

	Client *http.Client
}

func (f *Fetcher) getters() map[string]getter.Getter {
	client := f.Client
	if client == nil {
		client = cleanhttp.DefaultClient
	}

	hg := &getter.HttpGetter{
		Client:              client,
		DoNotCheckHeadFirst: true,
	}

	return map[string]getter.Getter{
		"http":  hg,
		"https": hg,
		"file":  &getter.FileGetter{Copy: true},
	}
}

// Fetch downloads url to the file path inside dir, replacing it.
func (f *Fetcher) Fetch(ctx context.Context, dir, path, url string) error {
	dst := filepath.Join(dir, filepath.FromSlash(path))

	rel, err := filepath.Rel(dir, dst)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return errors.Wrapf(mctlerr.ErrConfig, "fetch path %s escapes %s", path, dir)
	}

	err = os.RemoveAll(dst)
	if err != nil {
		return track(err)
	}

	err = os.MkdirAll(filepath.Dir(dst), 0755)
	if err != nil {
		return track(err)
	}

	f.L().Debug("fetching url", "url", url, "path", dst)

	client := &getter.Client{
		Ctx:  ctx,
		Src:  url,
		Dst:  dst,
		Pwd:  dir,
		Mode: getter.ClientModeFile,

		Getters: f.getters(),

		// Files are stored as downloaded.
		Decompressors: map[string]getter.Decompressor{},

		ProgressListener: &progress.Tracker{Ctx: ctx},
	}

	err = client.Get()
	if err != nil {
		return mctlerr.Transient(err, "unable to fetch %s", url)
	}

	return nil
}

// FetchAll downloads every path to url mapping concurrently. All downloads
// run to completion and every failure is reported.
func (f *Fetcher) FetchAll(ctx context.Context, dir string, urls map[string]string) error {
	paths := make([]string, 0, len(urls))
	for path := range urls {
		paths = append(paths, path)
	}

	sort.Strings(paths)

	var g multierror.Group

	for _, path := range paths {
		path := path

		g.Go(func() error {
			return f.Fetch(ctx, dir, path, urls[path])
		})
	}

	return g.Wait().ErrorOrNil()
}
