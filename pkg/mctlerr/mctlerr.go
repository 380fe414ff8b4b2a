// Package mctlerr classifies the errors returned by the build and release
// pipeline. Every error that leaves a pipeline package wraps exactly one of
// ErrConfig, ErrTransient or ErrInvariant, so callers can decide how to
// report it with errors.Is.
package mctlerr

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrConfig is fatal for the single operation and is never retried.
	ErrConfig = errors.New("configuration error")

	// ErrTransient aborts the current build or update. Archived state is
	// untouched and the operator may re-invoke the command.
	ErrTransient = errors.New("transient error")

	// ErrInvariant indicates a build script or configuration bug.
	ErrInvariant = errors.New("invariant violation")
)

var (
	ErrMissingURL        = classify(ErrConfig, "no existing repository or URL")
	ErrUnknownSCM        = classify(ErrConfig, "unknown repository type")
	ErrUnknownCommittish = classify(ErrConfig, "unknown committish")
	ErrUnknownRevision   = classify(ErrConfig, "unknown revision")
	ErrNotUsedByServer   = classify(ErrConfig, "package not used by server")
	ErrNoRevisions       = classify(ErrConfig, "no built revisions")

	ErrMissingArtifact   = classify(ErrInvariant, "missing artifact")
	ErrAmbiguousArtifact = classify(ErrInvariant, "ambiguous artifact")
	ErrRepositoryMissing = classify(ErrInvariant, "repository directory missing")
)

type classified struct {
	class error
	err   error
}

func classify(class error, msg string) error {
	return &classified{class: class, err: errors.New(msg)}
}

func (c *classified) Error() string {
	return c.err.Error()
}

func (c *classified) Unwrap() error {
	return c.err
}

func (c *classified) Is(target error) bool {
	return target == c.class
}

func (c *classified) Format(s fmt.State, verb rune) {
	if f, ok := c.err.(fmt.Formatter); ok {
		f.Format(s, verb)
		return
	}

	fmt.Fprint(s, c.err.Error())
}

// Transient wraps err, which came from the network, a subprocess or the
// filesystem, and marks it as ErrTransient.
func Transient(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}

	return &classified{class: ErrTransient, err: errors.Wrapf(err, format, args...)}
}

// Invariant is like Transient but marks err as ErrInvariant.
func Invariant(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}

	return &classified{class: ErrInvariant, err: errors.Wrapf(err, format, args...)}
}

// Config is like Transient but marks err as ErrConfig.
func Config(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}

	return &classified{class: ErrConfig, err: errors.Wrapf(err, format, args...)}
}

// Kind returns a short operator facing name for the class of err.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConfig):
		return "configuration"
	case errors.Is(err, ErrInvariant):
		return "invariant"
	case errors.Is(err, ErrTransient):
		return "transient"
	default:
		return "unclassified"
	}
}
