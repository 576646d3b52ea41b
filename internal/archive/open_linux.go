//go:build linux

package archive

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/kdzflash/kdzflash/internal/kdzerr"
)

// Open mmaps path read-only and parses it as a vendor firmware
// archive. The returned Index owns the mapping; Index.Close unmaps and
// closes the file.
func Open(path string) (*Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, kdzerr.New(kdzerr.Io, "archive", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, kdzerr.New(kdzerr.Io, "archive", err)
	}
	size := st.Size()
	if size == 0 {
		f.Close()
		return nil, kdzerr.Errorf(kdzerr.Format, "archive", "empty archive file")
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, kdzerr.New(kdzerr.Io, "archive", err)
	}

	closer := func() error {
		uerr := unix.Munmap(data)
		cerr := f.Close()
		if uerr != nil {
			return uerr
		}
		return cerr
	}

	ix, err := Parse(data, closer)
	if err != nil {
		closer()
		return nil, err
	}
	return ix, nil
}
