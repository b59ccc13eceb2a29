//go:build linux

package arraystore

import (
	"errors"
	"io"

	"golang.org/x/sys/unix"

	"github.com/hupe1980/apcluster/internal/fs"
)

// lockFile takes an open-file-description lock on [off, off+n). OFD locks
// belong to the descriptor rather than the process, so ranks running as
// goroutines of one process exclude each other as well.
func lockFile(_ string, f fs.File, off, n int64, exclusive bool) (func(), error) {
	typ := int16(unix.F_RDLCK)
	if exclusive {
		typ = unix.F_WRLCK
	}
	lk := unix.Flock_t{Type: typ, Whence: io.SeekStart, Start: off, Len: n}

	var err error
	for {
		err = unix.FcntlFlock(f.Fd(), unix.F_OFD_SETLKW, &lk)
		if !errors.Is(err, unix.EINTR) {
			break
		}
	}
	if err != nil {
		return nil, err
	}

	return func() {
		ul := unix.Flock_t{Type: unix.F_UNLCK, Whence: io.SeekStart, Start: off, Len: n}
		_ = unix.FcntlFlock(f.Fd(), unix.F_OFD_SETLK, &ul)
	}, nil
}
