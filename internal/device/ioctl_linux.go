//go:build linux

package device

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// sectorSize reads the logical block size via BLKSSZGET, falling back
// to 512 if the ioctl is unsupported (spec §4.A "if sector size is
// unknown, probe"; here we have a direct ioctl so probing is only
// needed in the GPT codec's own fallback path).
func sectorSize(f *os.File) (int, error) {
	var ss int
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), unix.BLKSSZGET, uintptr(unsafe.Pointer(&ss))); errno != 0 {
		return 512, nil
	}
	if ss <= 0 {
		return 512, nil
	}
	return ss, nil
}

// deviceLength reads the device's total byte length via BLKGETSIZE64,
// matching gokrazy/tools' internal/packer/parttable_linux.go
// deviceSize helper, generalized to return an already-open device's
// length rather than one that was just partitioned.
func deviceLength(f *os.File) (int64, error) {
	var size uint64
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), unix.BLKGETSIZE64, uintptr(unsafe.Pointer(&size))); errno != 0 {
		st, err := f.Stat()
		if err != nil {
			return 0, errno
		}
		return st.Size(), nil
	}
	return int64(size), nil
}

// rereadPartitions asks the kernel to reload the partition table for
// the device backing f, matching
// gokrazy/tools/internal/packer/parttable_linux.go's rereadPartitions.
func rereadPartitions(f *os.File) error {
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), unix.BLKRRPART, 0); errno != 0 {
		return errno
	}
	return nil
}

// discard issues a BLKDISCARD ioctl over [offset, offset+length) on
// the device backing f, used for the trailing-TRIM step of the
// differential writer (spec §4.D). TRIM failures are always non-fatal
// to the caller (spec §7); this function only reports the raw error.
func discard(f *os.File, offset, length int64) error {
	rng := [2]uint64{uint64(offset), uint64(length)}
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), unix.BLKDISCARD, uintptr(unsafe.Pointer(&rng))); errno != 0 {
		return errno
	}
	return nil
}

func mmapReadOnly(f *os.File, length int64) ([]byte, error) {
	if length == 0 {
		return nil, nil
	}
	return unix.Mmap(int(f.Fd()), 0, int(length), unix.PROT_READ, unix.MAP_SHARED)
}

func munmap(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return unix.Munmap(b)
}

// Sync flushes all pending writes, matching the teacher's unix.Sync()
// call in internal/packer/packer.go RereadPartitions, used here
// (through Target.Sync) after the backup-GPT write and before the
// primary write begins (spec §5 ordering guarantees).
func Sync() {
	unix.Sync()
}

// RereadPartitions asks the kernel to reload d's partition table after
// a GPT repair/write, reporting whether it succeeded (spec §4.F: "if
// not, user must reboot before doing anything else").
func (d *Descriptor) RereadPartitions() error {
	f, err := os.OpenFile(d.Path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	return rereadPartitions(f)
}
