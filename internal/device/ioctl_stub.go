//go:build !linux

package device

import (
	"fmt"
	"os"
	"runtime"
)

// Non-Linux platforms have no BLK* ioctls; kdzflash only ever targets
// Android/Linux block devices, so this stub mirrors
// gokrazy/tools/internal/packer/parttable_stub.go's "missing code for
// your operating system" message rather than attempting a port.

func sectorSize(f *os.File) (int, error) {
	return 0, fmt.Errorf("kdzflash is missing raw block device support on %s", runtime.GOOS)
}

func deviceLength(f *os.File) (int64, error) {
	return 0, fmt.Errorf("kdzflash is missing raw block device support on %s", runtime.GOOS)
}

func rereadPartitions(f *os.File) error {
	return fmt.Errorf("kdzflash is missing raw block device support on %s", runtime.GOOS)
}

func discard(f *os.File, offset, length int64) error {
	return fmt.Errorf("kdzflash is missing raw block device support on %s", runtime.GOOS)
}

func mmapReadOnly(f *os.File, length int64) ([]byte, error) {
	return nil, fmt.Errorf("kdzflash is missing raw block device support on %s", runtime.GOOS)
}

func munmap(b []byte) error { return nil }

// Sync is a no-op stub; see ioctl_linux.go for the real
// implementation.
func Sync() {}

func (d *Descriptor) RereadPartitions() error {
	return fmt.Errorf("kdzflash is missing raw block device support on %s", runtime.GOOS)
}
