//go:build linux

package cfgmount

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/kdzflash/kdzflash/internal/kdzerr"
)

func mountReadOnly(device, mountpoint string) error {
	return doMount(device, mountpoint, unix.MS_RDONLY)
}

func mountReadWrite(device, mountpoint string) error {
	return doMount(device, mountpoint, 0)
}

func doMount(device, mountpoint string, flags uintptr) error {
	if err := os.MkdirAll(mountpoint, 0o755); err != nil {
		return kdzerr.New(kdzerr.Io, "cfgmount", err)
	}
	// The filesystem type is fixed to ext4, which is what the cust
	// slice on these devices always carries; no other type is tried.
	if err := unix.Mount(device, mountpoint, "ext4", flags, ""); err != nil {
		return kdzerr.New(kdzerr.Io, "cfgmount", err)
	}
	return nil
}

func unmount(mountpoint string) error {
	if err := unix.Unmount(mountpoint, 0); err != nil {
		return kdzerr.New(kdzerr.Io, "cfgmount", err)
	}
	return nil
}
