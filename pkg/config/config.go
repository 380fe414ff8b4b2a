package config

import (
	"bytes"
	"io/ioutil"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"lab47.dev/mctl/pkg/mctlerr"
)

const (
	DefaultConfigPath          = "~/.mctl.yml"
	DefaultBuildNiceness       = 15
	DefaultMaxPackageRevisions = 5
	DefaultStopTimeout         = 60
	DefaultRepositoryType      = "git"
)

// Repository describes one checkout inside a package's build directory. The
// checkout lives in a subdirectory named after the repository's key.
type Repository struct {
	Name   string `yaml:"-"`
	URL    string `yaml:"url"`
	Type   string `yaml:"type"`
	Branch string `yaml:"branch"`
}

func (r *Repository) UnmarshalYAML(value *yaml.Node) error {
	type plain Repository

	p := plain{Type: DefaultRepositoryType}

	err := value.Decode(&p)
	if err != nil {
		return err
	}

	*r = Repository(p)
	r.Type = strings.ToLower(r.Type)

	return nil
}

type Package struct {
	Name string `yaml:"-"`

	Repositories  map[string]*Repository `yaml:"repositories"`
	FetchURLs     map[string]string      `yaml:"fetch-urls"`
	BuildCommands []string               `yaml:"build-commands"`

	// Artifacts maps the path of an artifact, relative to a server, to the
	// regex matching the file the build produces for it.
	Artifacts map[string]string `yaml:"artifacts"`

	patterns map[string]*regexp.Regexp
}

// SetArtifact compiles expr and registers it for the artifact at path. A
// trailing $ is added when missing and the match is anchored at the start of
// the build relative file name.
func (p *Package) SetArtifact(path, expr string) error {
	if !strings.HasSuffix(expr, "$") {
		expr += "$"
	}

	re, err := regexp.Compile("^(?:" + expr + ")")
	if err != nil {
		return errors.Wrapf(mctlerr.ErrConfig, "invalid artifact regex %q for package %s: %s", expr, p.Name, err)
	}

	if p.Artifacts == nil {
		p.Artifacts = make(map[string]string)
	}

	if p.patterns == nil {
		p.patterns = make(map[string]*regexp.Regexp)
	}

	p.Artifacts[path] = expr
	p.patterns[path] = re

	return nil
}

func (p *Package) Pattern(path string) *regexp.Regexp {
	return p.patterns[path]
}

// ArtifactKeys returns the artifact paths in sorted order.
func (p *Package) ArtifactKeys() []string {
	keys := make([]string, 0, len(p.Artifacts))

	for k := range p.Artifacts {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}

// RepositoryKeys returns the repository names in sorted order.
func (p *Package) RepositoryKeys() []string {
	keys := make([]string, 0, len(p.Repositories))

	for k := range p.Repositories {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}

func (p *Package) prepare() error {
	for name, repo := range p.Repositories {
		if repo == nil {
			repo = &Repository{Type: DefaultRepositoryType}
			p.Repositories[name] = repo
		}

		repo.Name = name
	}

	raw := p.Artifacts
	p.Artifacts = nil

	for path, expr := range raw {
		err := p.SetArtifact(path, expr)
		if err != nil {
			return err
		}
	}

	return nil
}

func (p *Package) Validate() error {
	if !validName(p.Name) {
		return errors.Wrapf(mctlerr.ErrConfig, "invalid package name %q", p.Name)
	}

	if len(p.Repositories) == 0 && len(p.FetchURLs) == 0 {
		return errors.Wrapf(mctlerr.ErrConfig, "package %s missing repositories or fetch URLs", p.Name)
	}

	if len(p.BuildCommands) == 0 {
		return errors.Wrapf(mctlerr.ErrConfig, "package %s missing build commands", p.Name)
	}

	if len(p.Artifacts) == 0 {
		return errors.Wrapf(mctlerr.ErrConfig, "package %s missing artifacts", p.Name)
	}

	for name, repo := range p.Repositories {
		if !validName(name) {
			return errors.Wrapf(mctlerr.ErrConfig, "invalid repository name %q in package %s", name, p.Name)
		}

		if repo.Type == "" {
			return errors.Wrapf(mctlerr.ErrConfig, "repository %s of package %s missing type", name, p.Name)
		}
	}

	for path := range p.Artifacts {
		if !relativePath(path) {
			return errors.Wrapf(mctlerr.ErrConfig, "artifact path %s of package %s must be relative", path, p.Name)
		}
	}

	for path := range p.FetchURLs {
		if !relativePath(path) {
			return errors.Wrapf(mctlerr.ErrConfig, "fetch path %s of package %s must be relative", path, p.Name)
		}
	}

	return nil
}

type Server struct {
	Name        string   `yaml:"-"`
	Path        string   `yaml:"path"`
	Command     string   `yaml:"command"`
	StopTimeout int      `yaml:"stop-timeout"`
	Packages    []string `yaml:"packages"`
}

func (s *Server) UnmarshalYAML(value *yaml.Node) error {
	type plain Server

	p := plain{StopTimeout: DefaultStopTimeout}

	err := value.Decode(&p)
	if err != nil {
		return err
	}

	*s = Server(p)

	return nil
}

// Uses reports if the server declares the named package.
func (s *Server) Uses(pkg string) bool {
	for _, name := range s.Packages {
		if name == pkg {
			return true
		}
	}

	return false
}

func (s *Server) Validate() error {
	if s.Path == "" {
		return errors.Wrapf(mctlerr.ErrConfig, "server %s missing path", s.Name)
	}

	if s.StopTimeout < 0 {
		return errors.Wrapf(mctlerr.ErrConfig, "server %s stop timeout must be >= 0: %d", s.Name, s.StopTimeout)
	}

	if len(s.Packages) == 0 {
		return errors.Wrapf(mctlerr.ErrConfig, "server %s missing packages", s.Name)
	}

	return nil
}

type Config struct {
	path string

	DataPath            string              `yaml:"data-path"`
	BuildNiceness       int                 `yaml:"build-niceness"`
	MaxPackageRevisions int                 `yaml:"max-package-revisions"`
	Servers             map[string]*Server  `yaml:"servers"`
	Packages            map[string]*Package `yaml:"packages"`
}

// LoadConfig reads the configuration file at path. An empty path falls back
// to $MCTL_CONFIG and then to DefaultConfigPath.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("MCTL_CONFIG")
	}

	if path == "" {
		path = DefaultConfigPath
	}

	path, err := homedir.Expand(path)
	if err != nil {
		return nil, err
	}

	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(mctlerr.ErrConfig, "failed to read %s: %s", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	cfg.path = path

	return cfg, nil
}

// Parse decodes and validates a configuration document.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{
		BuildNiceness:       DefaultBuildNiceness,
		MaxPackageRevisions: DefaultMaxPackageRevisions,
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	err := dec.Decode(cfg)
	if err != nil {
		return nil, mctlerr.Config(err, "unable to parse config")
	}

	err = updateFromEnv(cfg)
	if err != nil {
		return nil, err
	}

	err = cfg.prepare()
	if err != nil {
		return nil, err
	}

	err = cfg.Validate()
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

func updateFromEnv(cfg *Config) error {
	if path := os.Getenv("MCTL_DATA_PATH"); path != "" {
		cfg.DataPath = path
	}

	if cfg.DataPath == "" {
		return errors.Wrapf(mctlerr.ErrConfig, "expected a config value for data-path")
	}

	path, err := homedir.Expand(cfg.DataPath)
	if err != nil {
		return err
	}

	cfg.DataPath, err = filepath.Abs(path)

	return err
}

func (c *Config) prepare() error {
	for name, pkg := range c.Packages {
		if pkg == nil {
			pkg = &Package{}
			c.Packages[name] = pkg
		}

		pkg.Name = name

		err := pkg.prepare()
		if err != nil {
			return err
		}
	}

	for name, srv := range c.Servers {
		if srv == nil {
			srv = &Server{StopTimeout: DefaultStopTimeout}
			c.Servers[name] = srv
		}

		srv.Name = name

		if srv.Path != "" {
			path, err := homedir.Expand(srv.Path)
			if err != nil {
				return err
			}

			srv.Path = path
		}
	}

	return nil
}

func (c *Config) Validate() error {
	if c.BuildNiceness < -20 || c.BuildNiceness > 19 {
		return errors.Wrapf(mctlerr.ErrConfig, "invalid build niceness ([-20, 19]): %d", c.BuildNiceness)
	}

	if c.MaxPackageRevisions < 1 {
		return errors.Wrapf(mctlerr.ErrConfig, "invalid max package revisions (>= 1): %d", c.MaxPackageRevisions)
	}

	if len(c.Servers) == 0 {
		return errors.Wrapf(mctlerr.ErrConfig, "no servers defined")
	}

	if len(c.Packages) == 0 {
		return errors.Wrapf(mctlerr.ErrConfig, "no packages defined")
	}

	for _, name := range c.PackageNames() {
		err := c.Packages[name].Validate()
		if err != nil {
			return err
		}
	}

	for _, name := range c.ServerNames() {
		srv := c.Servers[name]

		err := srv.Validate()
		if err != nil {
			return err
		}

		for _, pkg := range srv.Packages {
			if _, ok := c.Packages[pkg]; !ok {
				return errors.Wrapf(mctlerr.ErrConfig, "undefined package %s used by server %s", pkg, name)
			}
		}
	}

	return nil
}

func (c *Config) Path() string {
	return c.path
}

func (c *Config) Package(name string) (*Package, error) {
	pkg, ok := c.Packages[name]
	if !ok {
		return nil, errors.Wrapf(mctlerr.ErrConfig, "undefined package: %s", name)
	}

	return pkg, nil
}

func (c *Config) Server(name string) (*Server, error) {
	srv, ok := c.Servers[name]
	if !ok {
		return nil, errors.Wrapf(mctlerr.ErrConfig, "undefined server: %s", name)
	}

	return srv, nil
}

func (c *Config) PackageNames() []string {
	names := make([]string, 0, len(c.Packages))

	for name := range c.Packages {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

func (c *Config) ServerNames() []string {
	names := make([]string, 0, len(c.Servers))

	for name := range c.Servers {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// ServersUsing returns the servers declaring pkg, sorted by name.
func (c *Config) ServersUsing(pkg string) []*Server {
	var servers []*Server

	for _, name := range c.ServerNames() {
		if srv := c.Servers[name]; srv.Uses(pkg) {
			servers = append(servers, srv)
		}
	}

	return servers
}

// BuildPath is the scratch workspace of a package.
func (c *Config) BuildPath(pkg string) string {
	return filepath.Join(c.DataPath, "builds", pkg)
}

// ArchivePath is the root of the revision store. Each package owns the
// subdirectory named after it.
func (c *Config) ArchivePath() string {
	return filepath.Join(c.DataPath, "archive")
}

func (c *Config) LockPath() string {
	return filepath.Join(c.DataPath, ".mctl-lock")
}

func validName(name string) bool {
	return name != "" && name != "." && name != ".." && !strings.ContainsAny(name, `/\`)
}

// relativePath reports if path stays below the directory it is joined to.
func relativePath(path string) bool {
	return path != "" && !filepath.IsAbs(path) && !strings.HasPrefix(path, "/") && !containsDotDot(path)
}

// Pulled over from net/http
func containsDotDot(v string) bool {
	if !strings.Contains(v, "..") {
		return false
	}

	for _, ent := range strings.FieldsFunc(v, isSlashRune) {
		if ent == ".." {
			return true
		}
	}

	return false
}

func isSlashRune(r rune) bool { return r == '/' || r == '\\' }
