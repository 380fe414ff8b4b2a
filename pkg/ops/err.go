package ops

import (
	"fmt"

	"github.com/pkg/errors"
)

func track(err error) error {
	return errors.WithStack(err)
}

// BuildStepError records which build command of a package failed.
type BuildStepError struct {
	Package string
	Index   int
	Total   int
	Command string
	Err     error
}

func (e *BuildStepError) Error() string {
	return fmt.Sprintf("build command %d of %d for package %s failed (%s): %s",
		e.Index, e.Total, e.Package, e.Command, e.Err)
}

func (e *BuildStepError) Unwrap() error {
	return e.Err
}
