// Package lockfile serializes mctl invocations that modify the data root.
package lockfile

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Take creates path exclusively, retrying every second until ctx is done.
// waiting is called on each failed attempt. The returned func releases the
// lock.
func Take(ctx context.Context, path string, waiting func()) (func(), error) {
	err := os.MkdirAll(filepath.Dir(path), 0755)
	if err != nil {
		return nil, err
	}

	tk := time.NewTicker(time.Second)
	defer tk.Stop()

	var f *os.File

	for {
		f, err = os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			break
		}

		if !os.IsExist(err) {
			return nil, err
		}

		if waiting != nil {
			waiting()
		}

		select {
		case <-tk.C:
			// ok
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.WriteString(strconv.Itoa(os.Getpid()) + "\n")
	f.Close()

	closer := func() {
		os.Remove(path)
	}

	return closer, nil
}
