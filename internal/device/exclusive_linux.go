//go:build linux

package device

import (
	"errors"

	"golang.org/x/sys/unix"
)

// exclusiveOpenFlag returns O_EXCL, which on a block device fails the
// open with EBUSY if any partition on it is currently mounted (spec
// §5 "Exclusive-open discipline").
func exclusiveOpenFlag() int {
	return unix.O_EXCL
}

func isBusyMount(err error) bool {
	return errors.Is(err, unix.EBUSY)
}
