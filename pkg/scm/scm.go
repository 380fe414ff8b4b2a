package scm

import (
	"context"
	"sort"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"lab47.dev/mctl/pkg/mctlerr"
)

// Type drives one kind of version control checkout.
type Type interface {
	Name() string

	// FindAllDirs returns the sorted repository roots under baseDir. Roots
	// nested inside another root are not reported.
	FindAllDirs(ctx context.Context, baseDir string) ([]string, error)

	// Revision returns a short identifier of the current checkout in dir.
	Revision(ctx context.Context, dir string) (string, error)

	// Update clones url into dir when no checkout exists, otherwise fetches.
	// Local modifications are always discarded before committish is applied.
	Update(ctx context.Context, dir, url, committish string) error
}

var types = map[string]func(L hclog.Logger) Type{
	"git": func(L hclog.Logger) Type { return &Git{L: L} },
}

// Names returns the registered type names, sorted.
func Names() []string {
	var names []string

	for name := range types {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// Registered reports if name is a known type.
func Registered(name string) bool {
	_, ok := types[name]
	return ok
}

// All returns one instance of every registered type, ordered by name.
func All(L hclog.Logger) []Type {
	var out []Type

	for _, name := range Names() {
		out = append(out, types[name](L))
	}

	return out
}

func Lookup(L hclog.Logger, name string) (Type, error) {
	f, ok := types[name]
	if !ok {
		return nil, errors.Wrapf(mctlerr.ErrUnknownSCM, "repository type %q", name)
	}

	return f(L), nil
}
