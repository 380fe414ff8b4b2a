package ops

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
	"lab47.dev/mctl/pkg/mctlerr"
)

// ShellRunner runs build commands with sh in Dir, streaming their output
// line by line behind Prefix.
type ShellRunner struct {
	common

	Dir      string
	Prefix   string
	Niceness int
}

func (s *ShellRunner) Run(ctx context.Context, command string) error {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Dir = s.Dir

	err := s.runCmd(cmd)
	if err != nil {
		return mctlerr.Transient(err, "command %q", command)
	}

	return nil
}

func (s *ShellRunner) runCmd(cmd *exec.Cmd) error {
	or, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}

	er, err := cmd.StderrPipe()
	if err != nil {
		return err
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)

	out := s.Stdout()

	copyLines := func(r io.Reader) {
		defer wg.Done()

		br := bufio.NewReader(r)
		for {
			line, err := br.ReadString('\n')
			if len(line) > 0 {
				mu.Lock()
				fmt.Fprintf(out, "%s │ %s\n", s.Prefix, strings.TrimRight(line, " \n\t"))
				mu.Unlock()
			}

			if err != nil {
				return
			}
		}
	}

	wg.Add(2)

	err = cmd.Start()
	if err != nil {
		return err
	}

	go copyLines(or)
	go copyLines(er)

	if s.Niceness != 0 {
		err = unix.Setpriority(unix.PRIO_PROCESS, cmd.Process.Pid, s.Niceness)
		if err != nil {
			s.L().Debug("unable to set build niceness", "pid", cmd.Process.Pid, "niceness", s.Niceness, "error", err)
		}
	}

	wg.Wait()

	return cmd.Wait()
}
