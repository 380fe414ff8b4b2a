package ops

import (
	"context"
	"os"
	"strconv"
	"time"

	"lab47.dev/mctl/pkg/archive"
	"lab47.dev/mctl/pkg/config"
	"lab47.dev/mctl/pkg/gc"
	"lab47.dev/mctl/pkg/scm"
)

type BuildResult struct {
	Revision  string
	Skipped   bool
	Collected *gc.SweepResult
}

// PackageBuild turns a package's sources into an archived revision.
type PackageBuild struct {
	common

	Now   func() time.Time
	Types []scm.Type
}

func (b *PackageBuild) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}

	return time.Now()
}

func (b *PackageBuild) types() []scm.Type {
	if b.Types == nil {
		b.Types = scm.All(b.L())
	}

	return b.Types
}

// Build updates the repositories of pkg, runs its build commands and
// archives the result. The build is skipped when the revision of the
// repositories is already archived, unless force is set.
func (b *PackageBuild) Build(ctx context.Context, cfg *config.Config, pkg *config.Package, force bool) (*BuildResult, error) {
	L := b.L().With("package", pkg.Name)
	ui := GetUI(ctx)

	ui.BuildStart(pkg.Name)

	dir := cfg.BuildPath(pkg.Name)

	err := os.MkdirAll(dir, 0755)
	if err != nil {
		return nil, track(err)
	}

	store := &archive.Store{L: L, Dir: cfg.ArchivePath(), Now: b.Now}

	updater := &scm.Updater{L: L, Types: b.types()}

	err = updater.UpdateAll(ctx, dir, pkg.Repositories)
	if err != nil {
		return nil, err
	}

	resolver := &scm.Resolver{L: L, Types: b.types()}

	rev, err := resolver.Revision(ctx, dir, pkg.Repositories)
	if err != nil {
		return nil, err
	}

	if rev != "" && !force {
		revs, err := store.Revisions(pkg)
		if err != nil {
			return nil, err
		}

		if _, ok := revs[rev]; ok {
			L.Info("revision already built, skipping", "revision", rev)
			ui.BuildSkipped(pkg.Name, rev)

			return &BuildResult{Revision: rev, Skipped: true}, nil
		}
	}

	if len(pkg.FetchURLs) > 0 {
		L.Info("fetching urls", "count", len(pkg.FetchURLs))
		ui.Fetching(pkg.Name, len(pkg.FetchURLs))

		fetcher := &Fetcher{}
		fetcher.SetLogger(L)

		err = fetcher.FetchAll(ctx, dir, pkg.FetchURLs)
		if err != nil {
			return nil, err
		}
	}

	runner := &ShellRunner{
		Dir:      dir,
		Prefix:   pkg.Name,
		Niceness: cfg.BuildNiceness,
	}

	runner.SetLogger(L)
	runner.SetStdout(b.Stdout())

	total := len(pkg.BuildCommands)

	for i, command := range pkg.BuildCommands {
		L.Info("executing build command", "index", i+1, "total", total, "command", command)
		ui.BuildStep(pkg.Name, i+1, total, command)

		err = runner.Run(ctx, command)
		if err != nil {
			return nil, &BuildStepError{
				Package: pkg.Name,
				Index:   i + 1,
				Total:   total,
				Command: command,
				Err:     err,
			}
		}
	}

	rev, err = resolver.Revision(ctx, dir, pkg.Repositories)
	if err != nil {
		return nil, err
	}

	if rev == "" {
		rev = strconv.FormatInt(b.now().Unix(), 10)
		L.Debug("no repositories, using the build time as revision", "revision", rev)
	}

	collector := &gc.Collector{
		L:         L,
		Store:     store,
		Retention: cfg.MaxPackageRevisions,
	}

	sr, err := collector.Collect(ctx, pkg, cfg.ServersUsing(pkg.Name))
	if err != nil {
		return nil, err
	}

	ui.Collected(pkg.Name, sr.Removed)

	_, err = store.Archive(ctx, pkg, dir, rev)
	if err != nil {
		return nil, err
	}

	ui.Archived(pkg.Name, rev)

	return &BuildResult{Revision: rev, Collected: sr}, nil
}
