package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/mitchellh/cli"
	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v3/disk"
	"gopkg.in/yaml.v3"
	"lab47.dev/mctl/pkg/archive"
	"lab47.dev/mctl/pkg/cmd"
	"lab47.dev/mctl/pkg/config"
	"lab47.dev/mctl/pkg/deploy"
	"lab47.dev/mctl/pkg/gc"
	"lab47.dev/mctl/pkg/humanize"
	"lab47.dev/mctl/pkg/lockfile"
	"lab47.dev/mctl/pkg/mctlerr"
	"lab47.dev/mctl/pkg/ops"
	"lab47.dev/mctl/pkg/scm"
)

func main() {
	c := cli.NewCLI("mctl", "0.1.0")
	c.Args = os.Args[1:]
	c.Commands = map[string]cli.CommandFactory{
		"build": func() (cli.Command, error) {
			return cmd.New(
				"build",
				"Build packages and archive their artifacts",
				buildF,
			), nil
		},
		"upgrade": func() (cli.Command, error) {
			return cmd.New(
				"upgrade",
				"Link a server's packages to archived revisions",
				upgradeF,
			), nil
		},
		"revisions": func() (cli.Command, error) {
			return cmd.New(
				"revisions",
				"List archived revisions of packages",
				revisionsF,
			), nil
		},
		"gc": func() (cli.Command, error) {
			return cmd.New(
				"gc",
				"Remove old archived revisions no server uses",
				gcF,
			), nil
		},
		"packages": func() (cli.Command, error) {
			return cmd.New(
				"packages",
				"Describe the configured packages",
				packagesF,
			), nil
		},
		"servers": func() (cli.Command, error) {
			return cmd.New(
				"servers",
				"Describe the configured servers",
				serversF,
			), nil
		},
		"config": func() (cli.Command, error) {
			return cmd.New(
				"config",
				"Check and output the loaded configuration",
				configF,
			), nil
		},
	}

	exitStatus, err := c.Run()
	if err != nil {
		log.Println(err)
	}

	os.Exit(exitStatus)
}

func takeLock(ctx context.Context, cfg *config.Config) (func(), error) {
	var showLock bool

	return lockfile.Take(ctx, cfg.LockPath(), func() {
		if !showLock {
			fmt.Printf("Lock detected, waiting...\n")
			showLock = true
		}
	})
}

func withUI(ctx context.Context) context.Context {
	ui := &ops.UI{Out: os.Stdout}

	if fi, err := os.Stdout.Stat(); err == nil && fi.Mode()&os.ModeCharDevice != 0 {
		ui.Color = true
	}

	return ops.WithUI(ctx, ui)
}

// selectPackages returns the named packages, or all of them when names is
// empty.
func selectPackages(cfg *config.Config, names []string) ([]*config.Package, error) {
	if len(names) == 0 {
		names = cfg.PackageNames()
	}

	var pkgs []*config.Package

	for _, name := range names {
		pkg, err := cfg.Package(name)
		if err != nil {
			return nil, err
		}

		pkgs = append(pkgs, pkg)
	}

	return pkgs, nil
}

func newStore(env *cmd.Env) *archive.Store {
	return &archive.Store{L: env.L, Dir: env.Config.ArchivePath()}
}

func printDiskUsage(env *cmd.Env) {
	usage, err := disk.Usage(env.Config.DataPath)
	if err != nil {
		env.L.Debug("unable to read disk usage", "path", env.Config.DataPath, "error", err)
		return
	}

	fmt.Printf("=> Disk Usage: %s used, %s free (%.1f%%)\n",
		humanize.Format(int64(usage.Used)), humanize.Format(int64(usage.Free)), usage.UsedPercent)
}

func buildF(ctx context.Context, env *cmd.Env, opts struct {
	Force bool `short:"f" long:"force" description:"build even if the revision is already archived"`

	Pos struct {
		Packages []string `positional-arg-name:"package"`
	} `positional-args:"yes"`
}) error {
	pkgs, err := selectPackages(env.Config, opts.Pos.Packages)
	if err != nil {
		return err
	}

	cleanup, err := takeLock(ctx, env.Config)
	if err != nil {
		return err
	}

	defer cleanup()

	ctx = withUI(ctx)

	for _, pkg := range pkgs {
		var b ops.PackageBuild
		b.SetLogger(env.L)

		_, err = b.Build(ctx, env.Config, pkg, opts.Force)
		if err != nil {
			return errors.Wrapf(err, "unable to build %s", pkg.Name)
		}
	}

	return nil
}

func upgradeF(ctx context.Context, env *cmd.Env, opts struct {
	Server   string   `short:"s" long:"server" required:"true" description:"server to upgrade"`
	Packages []string `short:"p" long:"package" description:"package to upgrade, all of the server's by default"`
	Revision string   `short:"r" long:"revision" description:"revision to link, the newest by default"`
	Force    bool     `short:"f" long:"force" description:"relink even if the server is up to date"`
}) error {
	srv, err := env.Config.Server(opts.Server)
	if err != nil {
		return err
	}

	names := opts.Packages
	if len(names) == 0 {
		names = srv.Packages
	}

	if opts.Revision != "" && len(names) != 1 {
		return errors.Wrapf(mctlerr.ErrConfig, "a revision requires exactly one package")
	}

	pkgs, err := selectPackages(env.Config, names)
	if err != nil {
		return err
	}

	cleanup, err := takeLock(ctx, env.Config)
	if err != nil {
		return err
	}

	defer cleanup()

	ui := ops.GetUI(withUI(ctx))

	d := &deploy.Deployer{L: env.L, Store: newStore(env)}

	for _, pkg := range pkgs {
		res, err := d.Deploy(ctx, srv, pkg, opts.Revision, opts.Force)
		if err != nil {
			return err
		}

		if res.UpToDate {
			ui.UpToDate(srv.Name, pkg.Name, res.Revision)
		} else {
			ui.Upgraded(srv.Name, pkg.Name, res.Previous, res.Revision)
		}
	}

	return nil
}

func revisionsF(ctx context.Context, env *cmd.Env, opts struct {
	Pos struct {
		Packages []string `positional-arg-name:"package"`
	} `positional-args:"yes"`
}) error {
	pkgs, err := selectPackages(env.Config, opts.Pos.Packages)
	if err != nil {
		return err
	}

	store := newStore(env)
	col := &gc.Collector{L: env.L, Store: store}

	for _, pkg := range pkgs {
		revs, err := store.Revisions(pkg)
		if err != nil {
			return err
		}

		fmt.Printf("## %s (%d revisions)\n", pkg.Name, len(revs))

		inUse := col.Mark(pkg, env.Config.ServersUsing(pkg.Name), revs)

		tw := tabwriter.NewWriter(os.Stdout, 4, 2, 1, ' ', 0)

		fmt.Fprintf(tw, "REVISION\tBUILT\tARTIFACTS\tSERVERS\n")

		for _, rev := range archive.SortNewestFirst(revs) {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
				rev.Name,
				rev.Time().Format(time.RFC3339),
				strings.Join(rev.Keys(), ","),
				strings.Join(inUse[rev.Name], ","),
			)
		}

		tw.Flush()
		fmt.Println()
	}

	printDiskUsage(env)

	return nil
}

func gcF(ctx context.Context, env *cmd.Env, opts struct {
	DryRun bool `short:"T" long:"dry-run" description:"output revisions that would be removed"`

	Pos struct {
		Packages []string `positional-arg-name:"package"`
	} `positional-args:"yes"`
}) error {
	pkgs, err := selectPackages(env.Config, opts.Pos.Packages)
	if err != nil {
		return err
	}

	if !opts.DryRun {
		cleanup, err := takeLock(ctx, env.Config)
		if err != nil {
			return err
		}

		defer cleanup()
	}

	col := &gc.Collector{
		L:         env.L,
		Store:     newStore(env),
		Retention: env.Config.MaxPackageRevisions,
		DryRun:    opts.DryRun,
	}

	var total gc.SweepResult

	for _, pkg := range pkgs {
		sr, err := col.Collect(ctx, pkg, env.Config.ServersUsing(pkg.Name))
		if err != nil {
			return err
		}

		if opts.DryRun {
			fmt.Printf("## %s: would remove %d, keeping %d\n", pkg.Name, len(sr.Removed), sr.Remaining)
		} else {
			fmt.Printf("## %s: removed %d, keeping %d\n", pkg.Name, len(sr.Removed), sr.Remaining)
		}

		for _, rev := range sr.Removed {
			fmt.Printf("  %s\n", rev)
		}

		total.EntriesRemoved += sr.EntriesRemoved
		total.BytesRecovered += sr.BytesRecovered
	}

	if !opts.DryRun {
		fmt.Printf("\nSpace Recovered: %s\n", humanize.Format(total.BytesRecovered))
		fmt.Printf("  Files Removed: %d\n", total.EntriesRemoved)
	}

	printDiskUsage(env)

	return nil
}

func packagesF(ctx context.Context, env *cmd.Env, opts struct {
	Pos struct {
		Packages []string `positional-arg-name:"package"`
	} `positional-args:"yes"`
}) error {
	pkgs, err := selectPackages(env.Config, opts.Pos.Packages)
	if err != nil {
		return err
	}

	for _, pkg := range pkgs {
		fmt.Printf("%s:\n", pkg.Name)

		for _, key := range pkg.RepositoryKeys() {
			repo := pkg.Repositories[key]

			branch := repo.Branch
			if branch == "" {
				branch = "(default)"
			}

			fmt.Printf("  repository %s: %s %s %s\n", key, repo.Type, repo.URL, branch)
		}

		var paths []string
		for path := range pkg.FetchURLs {
			paths = append(paths, path)
		}

		sort.Strings(paths)

		for _, path := range paths {
			fmt.Printf("  fetch %s: %s\n", path, pkg.FetchURLs[path])
		}

		for i, command := range pkg.BuildCommands {
			fmt.Printf("  command %d: %s\n", i+1, command)
		}

		for _, key := range pkg.ArtifactKeys() {
			fmt.Printf("  artifact %s: %s\n", key, pkg.Artifacts[key])
		}

		fmt.Printf("  servers: %s\n", strings.Join(serverNames(env.Config.ServersUsing(pkg.Name)), ", "))
	}

	return nil
}

func serverNames(servers []*config.Server) []string {
	var names []string

	for _, srv := range servers {
		names = append(names, srv.Name)
	}

	return names
}

func serversF(ctx context.Context, env *cmd.Env, opts struct{}) error {
	tw := tabwriter.NewWriter(os.Stdout, 4, 2, 1, ' ', 0)

	fmt.Fprintf(tw, "SERVER\tPATH\tPACKAGES\n")

	for _, name := range env.Config.ServerNames() {
		srv := env.Config.Servers[name]
		fmt.Fprintf(tw, "%s\t%s\t%s\n", srv.Name, srv.Path, strings.Join(srv.Packages, ","))
	}

	return tw.Flush()
}

func configF(ctx context.Context, env *cmd.Env, opts struct {
	Raw bool `long:"raw" description:"dump the internal representation"`
}) error {
	cfg := env.Config

	for _, name := range cfg.PackageNames() {
		pkg := cfg.Packages[name]

		for _, key := range pkg.RepositoryKeys() {
			if typ := pkg.Repositories[key].Type; !scm.Registered(typ) {
				return errors.Wrapf(mctlerr.ErrUnknownSCM,
					"repository %s of package %s uses %q (known: %s)", key, name, typ, strings.Join(scm.Names(), ", "))
			}
		}
	}

	if opts.Raw {
		spew.Dump(cfg)
		return nil
	}

	fmt.Printf("# %s\n", cfg.Path())

	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)

	err := enc.Encode(cfg)
	if err != nil {
		return err
	}

	return enc.Close()
}
