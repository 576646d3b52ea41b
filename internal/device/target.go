package device

import (
	"bytes"
	"fmt"
	"os"

	"github.com/cenkalti/backoff/v4"
	"github.com/kdzflash/kdzflash/internal/kdzerr"
)

// Target is an open slice writer: a positioned-write file descriptor
// plus the read-only device view used for the differential compare
// (spec §4.D, §4.G). All writes outside the active apply path are
// forbidden by contract; Target is the only type in this module that
// exposes WriteAt.
type Target struct {
	desc       *Descriptor
	f          *os.File
	firstLBA   uint64
	sectorSize int
	simulate   bool
}

// OpenTarget opens the slice at path exclusively (failing if it is
// currently mounted), unless simulate is set (spec §4.D, §5
// "Exclusive-open discipline"). firstLBA anchors slice-relative
// offsets used by the differential writer.
func OpenTarget(desc *Descriptor, path string, firstLBA uint64, simulate bool) (*Target, error) {
	flags := os.O_RDWR
	if !simulate {
		flags |= exclusiveOpenFlag()
	}
	f, err := os.OpenFile(path, flags, 0)
	if err != nil {
		if !simulate && isBusyMount(err) {
			return nil, kdzerr.New(kdzerr.BusyMount, "device", err)
		}
		return nil, kdzerr.New(kdzerr.Io, "device", err)
	}
	return &Target{desc: desc, f: f, firstLBA: firstLBA, sectorSize: desc.SectorSize, simulate: simulate}, nil
}

// Close releases the target's file descriptor and, if it was opened
// via OpenTarget, the read-only descriptor backing its size queries.
func (t *Target) Close() error {
	var err error
	if t.f != nil {
		err = t.f.Close()
	}
	if t.desc != nil {
		if cerr := t.desc.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// ReadSector reads the current on-device contents of the sector at
// slice-relative block index lba, retrying exactly once at block
// granularity on failure (spec §7 "the sector-by-sector read-before-
// write is allowed to retry exactly once"). The retry is expressed
// with a real backoff policy rather than a hand-rolled counter.
func (t *Target) ReadSector(lba uint64) ([]byte, error) {
	buf := make([]byte, t.sectorSize)
	offset := int64(t.firstLBA+lba) * int64(t.sectorSize)

	op := func() error {
		_, err := t.f.ReadAt(buf, offset)
		return err
	}
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(0), 1)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, kdzerr.New(kdzerr.Io, "device", fmt.Errorf("read sector %d: %w", lba, err))
	}
	return buf, nil
}

// WriteSector writes buf at slice-relative block index lba, unless the
// target was opened with simulate, in which case the write is dropped
// so a "-t" run never touches the device (spec §4.D).
func (t *Target) WriteSector(lba uint64, buf []byte) error {
	if t.simulate {
		return nil
	}
	offset := int64(t.firstLBA+lba) * int64(t.sectorSize)
	if _, err := t.f.WriteAt(buf, offset); err != nil {
		return kdzerr.New(kdzerr.Io, "device", fmt.Errorf("write sector %d: %w", lba, err))
	}
	return nil
}

// SectorsEqual compares the live device contents at lba against want,
// used by the differential writer to decide whether to skip a write.
func (t *Target) SectorsEqual(lba uint64, want []byte) (bool, error) {
	got, err := t.ReadSector(lba)
	if err != nil {
		return false, err
	}
	return bytes.Equal(got, want), nil
}

// Discard issues a TRIM over the slice-relative byte range
// [offset, offset+length). Callers must treat any error as non-fatal
// (spec §4.D, §7 "TRIM failures are non-fatal").
func (t *Target) Discard(offset, length int64) error {
	if t.simulate {
		return nil
	}
	const oneTiB = int64(1) << 40
	if length <= 0 || length >= oneTiB {
		return nil
	}
	base := int64(t.firstLBA) * int64(t.sectorSize)
	return discard(t.f, base+offset, length)
}

// SectorSize reports the slice's device sector size.
func (t *Target) SectorSize() int { return t.sectorSize }

// Sync implements gpt.Sink's durability barrier, flushing pending
// writes before the caller proceeds to the next GPT copy. Dropped
// under simulate, same as every other write path on Target.
func (t *Target) Sync() error {
	if t.simulate {
		return nil
	}
	Sync()
	return nil
}

// RereadPartitions asks the kernel to reload the partition table after
// a GPT repair write (spec §4.F), delegating to the read-only
// descriptor this target was opened against. A no-op under simulate,
// since nothing was actually written to disk.
func (t *Target) RereadPartitions() error {
	if t.simulate {
		return nil
	}
	return t.desc.RereadPartitions()
}

// Size implements gpt.Sink, reporting the byte length of this
// target's own range (the whole device when firstLBA is 0, as used by
// the GPT repair writer in internal/session).
func (t *Target) Size() (int64, error) {
	return t.desc.Length - int64(t.firstLBA)*int64(t.sectorSize), nil
}

// ReadAt implements gpt.Sink's byte-addressed read, anchored at
// firstLBA, following the same negative-offset-from-end convention as
// gpt.Source.
func (t *Target) ReadAt(p []byte, offset int64) (int, error) {
	return t.f.ReadAt(p, t.resolveByteOffset(offset))
}

// WriteAt implements gpt.Sink's byte-addressed write, anchored at
// firstLBA. Dropped under simulate, same as WriteSector.
func (t *Target) WriteAt(p []byte, offset int64) (int, error) {
	if t.simulate {
		return len(p), nil
	}
	return t.f.WriteAt(p, t.resolveByteOffset(offset))
}

func (t *Target) resolveByteOffset(offset int64) int64 {
	base := int64(t.firstLBA) * int64(t.sectorSize)
	if offset < 0 {
		size, _ := t.Size()
		return base + size + offset
	}
	return base + offset
}
