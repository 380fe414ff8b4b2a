package fileutils

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Move relocates files, falling back to copy, fsync and remove when the
// source and target are on different filesystems.
type Move struct {
	Ctx context.Context
	L   hclog.Logger
}

func (m *Move) shouldCancel() error {
	if m.Ctx == nil {
		return nil
	}

	select {
	case <-m.Ctx.Done():
		return m.Ctx.Err()
	default:
		return nil
	}
}

// Move renames from to to, creating the parent directories of to. An
// existing file at to is replaced.
func (m *Move) Move(from, to string) error {
	if m.L == nil {
		m.L = hclog.L()
	}

	if err := m.shouldCancel(); err != nil {
		return err
	}

	err := os.MkdirAll(filepath.Dir(to), 0755)
	if err != nil {
		return err
	}

	err = os.Rename(from, to)
	if err == nil {
		m.L.Trace("renamed entry", "from", from, "to", to)
		return nil
	}

	if !errors.Is(err, unix.EXDEV) {
		return err
	}

	m.L.Debug("crossing filesystems, copying entry", "from", from, "to", to)

	err = m.copyEntry(from, to)
	if err != nil {
		return err
	}

	return os.Remove(from)
}

// copyEntry copies a regular file or symlink into place through a temporary
// file next to to, so a partial copy is never visible at to.
func (m *Move) copyEntry(from, to string) error {
	fi, err := os.Lstat(from)
	if err != nil {
		return err
	}

	tmp := filepath.Join(filepath.Dir(to), "."+filepath.Base(to)+".tmp-"+strconv.Itoa(os.Getpid()))

	defer os.Remove(tmp)

	switch fi.Mode() & os.ModeType {
	case 0:
		err = m.copyFile(from, tmp, fi)
	case os.ModeSymlink:
		var link string

		link, err = os.Readlink(from)
		if err == nil {
			err = os.Symlink(link, tmp)
		}
	default:
		return errors.Errorf("unable to move %s: unsupported file type %s", from, fi.Mode().Type())
	}

	if err != nil {
		return err
	}

	err = os.Rename(tmp, to)
	if err != nil {
		return err
	}

	return syncDir(filepath.Dir(to))
}

func (m *Move) copyFile(from, to string, fi os.FileInfo) error {
	f, err := os.Open(from)
	if err != nil {
		return err
	}

	defer f.Close()

	tg, err := os.OpenFile(to, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fi.Mode().Perm())
	if err != nil {
		return err
	}

	defer tg.Close()

	_, err = io.Copy(tg, f)
	if err != nil {
		return err
	}

	err = tg.Sync()
	if err != nil {
		return err
	}

	err = tg.Close()
	if err != nil {
		return err
	}

	// keep the original times
	return os.Chtimes(to, fi.ModTime(), fi.ModTime())
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}

	defer d.Close()

	return d.Sync()
}
