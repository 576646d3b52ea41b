// Package diffwrite writes a chunk's decompressed contents to a
// target slice while minimising physical writes and maximising TRIM
// opportunities (spec §4.D). Grounded on
// gokrazy/tools/internal/packer/parttable_unix.go's BLKDISCARD
// plumbing (internal/device wraps the same ioctl) and spec §4.D's
// read-before-write algorithm directly, since the teacher never
// implements a differential writer of its own (it only ever writes a
// freshly-formatted, empty device).
package diffwrite

import (
	"io"

	"github.com/kdzflash/kdzflash/internal/kdzerr"
)

// Target is the minimal slice-write surface this package needs.
type Target interface {
	SectorsEqual(lba uint64, want []byte) (bool, error)
	WriteSector(lba uint64, buf []byte) error
	Discard(offset, length int64) error
	SectorSize() int
}

// Stats summarises one Apply call, used by tests and by the per-slice
// summary "apply" prints.
type Stats struct {
	SectorsWritten int
	SectorsSkipped int
}

// Apply streams r (a chunk's decompressed bytes) onto target,
// sector-sized block at a time: each block is compared against the
// live device contents and only written if it differs (spec §4.D
// steps 1-3). After the last data sector, Apply issues a TRIM over the
// slice-relative range [targetSize, trimBlockCount*sectorSize) if
// non-empty (spec §4.D "after the chunk").
func Apply(target Target, r io.Reader, targetSize int64, trimBlockCount uint32) (Stats, error) {
	var stats Stats
	sectorSize := target.SectorSize()
	if sectorSize <= 0 {
		return stats, kdzerr.Errorf(kdzerr.Internal, "diffwrite", "invalid sector size %d", sectorSize)
	}
	if targetSize%int64(sectorSize) != 0 {
		return stats, kdzerr.Errorf(kdzerr.Format, "diffwrite", "target size %d not a multiple of sector size %d", targetSize, sectorSize)
	}

	buf := make([]byte, sectorSize)
	var lba uint64
	var written int64
	for written < targetSize {
		if _, err := io.ReadFull(r, buf); err != nil {
			return stats, kdzerr.New(kdzerr.Io, "diffwrite", err)
		}
		eq, err := target.SectorsEqual(lba, buf)
		if err != nil {
			return stats, err
		}
		if eq {
			stats.SectorsSkipped++
		} else {
			if err := target.WriteSector(lba, buf); err != nil {
				return stats, err
			}
			stats.SectorsWritten++
		}
		lba++
		written += int64(sectorSize)
	}

	trimEnd := int64(trimBlockCount) * int64(sectorSize)
	if trimEnd > targetSize {
		if err := target.Discard(targetSize, trimEnd-targetSize); err != nil {
			// TRIM failures are non-fatal (spec §4.D, §7).
			_ = err
		}
	}

	return stats, nil
}
