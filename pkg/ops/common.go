package ops

import (
	"io"
	"os"

	"github.com/hashicorp/go-hclog"
)

type common struct {
	logger hclog.Logger
	out    io.Writer
}

func (c *common) L() hclog.Logger {
	if c.logger != nil {
		return c.logger
	}

	c.logger = hclog.L()

	return c.logger
}

func (c *common) SetLogger(logger hclog.Logger) {
	c.logger = logger
}

// Stdout is where subprocess output and operator messages go.
func (c *common) Stdout() io.Writer {
	if c.out != nil {
		return c.out
	}

	return os.Stdout
}

func (c *common) SetStdout(w io.Writer) {
	c.out = w
}
