package gpt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/kdzflash/kdzflash/internal/kdzerr"
)

// Write commits both copies of t to sink, backup first then primary
// (UEFI-mandated ordering, spec §4.A/§5: a crash leaves the primary
// either entirely old or entirely new). The write is block-differential:
// each sector of the header and entry table is read back first and the
// write skipped if identical (spec §8 properties 3/4).
//
// Write validates before committing: header size must be exactly
// HeaderSizeOnDisk, on-disk entry size must be exactly EntrySizeOnDisk,
// the sector size must match t.Header.BlockSize, and the entry array
// must fit between the header and FirstUsableLBA while reserving the
// StandardEntryCount minimum.
func Write(sink Sink, t *Table, sectorSize int) error {
	if t.Header.HeaderSize != 0 && t.Header.HeaderSize != HeaderSizeOnDisk {
		return kdzerr.Errorf(kdzerr.Format, "gpt", "header size %d != %#x", t.Header.HeaderSize, HeaderSizeOnDisk)
	}
	if t.Header.EntrySize != 0 && t.Header.EntrySize != EntrySizeOnDisk {
		return kdzerr.Errorf(kdzerr.Format, "gpt", "entry size %d != %d", t.Header.EntrySize, EntrySizeOnDisk)
	}
	if t.Header.BlockSize != 0 && sectorSize != 0 && t.Header.BlockSize != sectorSize {
		return kdzerr.Errorf(kdzerr.Format, "gpt", "sector size mismatch: table has %d, device has %d", t.Header.BlockSize, sectorSize)
	}
	if sectorSize == 0 {
		sectorSize = t.Header.BlockSize
	}
	if sectorSize == 0 {
		return kdzerr.Errorf(kdzerr.Internal, "gpt", "unknown sector size")
	}

	// The entry table's on-disk EntryCount is always the caller's
	// logical entry count, so decode(encode(t)) is the identity (spec
	// §8 property 1). Physical space between the header and
	// FirstUsableLBA is nonetheless always reserved for
	// StandardEntryCount entries, independent of how many are actually
	// populated, matching the convention real GPTs use to leave room
	// for future growth.
	minEntryTableLen := int64(StandardEntryCount) * EntrySizeOnDisk
	reservedSectors := (minEntryTableLen + int64(sectorSize) - 1) / int64(sectorSize)
	entryCount := len(t.Entries)

	size, err := sink.Size()
	if err != nil {
		return kdzerr.New(kdzerr.Io, "gpt", err)
	}
	lastAddressable := uint64(size)/uint64(sectorSize) - 1

	for _, side := range []Expectation{Backup, Primary} {
		if err := writeSide(sink, t, side, sectorSize, uint32(entryCount), reservedSectors, lastAddressable); err != nil {
			return err
		}
		if side == Backup {
			// Backup must be durable before the primary write begins
			// (spec §5): a crash between the two must never leave a
			// primary referencing a backup that was never flushed.
			if err := sink.Sync(); err != nil {
				return kdzerr.New(kdzerr.Io, "gpt", err)
			}
		}
	}
	return nil
}

func writeSide(sink Sink, t *Table, side Expectation, sectorSize int, entryCount uint32, reservedSectors int64, lastAddressable uint64) error {
	var selfLBA, altLBA, entriesStart uint64
	if side == Primary {
		selfLBA = 1
		altLBA = lastAddressable
		entriesStart = 2
		if entriesStart+uint64(reservedSectors) > t.Header.FirstUsableLBA && t.Header.FirstUsableLBA != 0 {
			return kdzerr.Errorf(kdzerr.Geometry, "gpt", "entry table does not fit before first usable LBA %d", t.Header.FirstUsableLBA)
		}
	} else {
		selfLBA = lastAddressable
		altLBA = 1
		entriesStart = lastAddressable - uint64(reservedSectors)
	}

	firstUsable := t.Header.FirstUsableLBA
	if firstUsable == 0 {
		firstUsable = 2 + uint64(reservedSectors)
	}
	lastUsable := t.Header.LastUsableLBA
	if lastUsable == 0 {
		lastUsable = lastAddressable - uint64(reservedSectors) - 1
	}

	entries := make([]onDiskEntry, entryCount)
	for i, e := range t.Entries {
		if i >= len(entries) {
			break
		}
		name, err := encodeName(e.Name)
		if err != nil {
			return kdzerr.New(kdzerr.Format, "gpt", err)
		}
		entries[i] = onDiskEntry{
			TypeGUID:   e.TypeGUID,
			UniqueGUID: e.UniqueGUID,
			FirstLBA:   e.FirstLBA,
			LastLBA:    e.LastLBA,
			Attributes: e.Attributes,
			Name:       name,
		}
	}

	var ebuf bytes.Buffer
	if err := binary.Write(&ebuf, binary.LittleEndian, entries); err != nil {
		return fmt.Errorf("encode entries: %w", err)
	}
	entryCRC := crc32.ChecksumIEEE(ebuf.Bytes())

	disk := onDiskHeader{
		Signature:      magic,
		Revision:       t.Header.Revision,
		HeaderSize:     HeaderSizeOnDisk,
		SelfLBA:        selfLBA,
		AlternateLBA:   altLBA,
		FirstUsableLBA: firstUsable,
		LastUsableLBA:  lastUsable,
		DiskGUID:       t.Header.DiskGUID,
		EntriesStart:   entriesStart,
		EntryCount:     entryCount,
		EntrySize:      EntrySizeOnDisk,
		EntryCRC32:     entryCRC,
	}
	if disk.Revision == 0 {
		disk.Revision = 0x00010000
	}
	disk.HeaderCRC32 = headerCRC(disk)

	var hbuf bytes.Buffer
	if err := binary.Write(&hbuf, binary.LittleEndian, disk); err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	headerSector := make([]byte, sectorSize)
	copy(headerSector, hbuf.Bytes())

	if err := diffWriteAt(sink, headerSector, int64(selfLBA)*int64(sectorSize), sectorSize); err != nil {
		return err
	}
	if err := diffWriteAt(sink, ebuf.Bytes(), int64(entriesStart)*int64(sectorSize), sectorSize); err != nil {
		return err
	}
	return nil
}

// diffWriteAt writes p at offset one sector at a time, reading each
// sector back first and skipping the write if it already matches
// (spec §4.A "block-differential": "for each sector of the entry
// table and the header sector, read the current content and skip the
// write if identical").
func diffWriteAt(sink Sink, p []byte, offset int64, sector int) error {
	for off := 0; off < len(p); off += sector {
		n := sector
		if off+n > len(p) {
			n = len(p) - off
		}
		chunk := p[off : off+n]
		cur := make([]byte, n)
		got, err := sink.ReadAt(cur, offset+int64(off))
		if err == nil && got == n && bytes.Equal(cur, chunk) {
			continue
		}
		if _, err := sink.WriteAt(chunk, offset+int64(off)); err != nil {
			return kdzerr.New(kdzerr.Io, "gpt", err)
		}
	}
	return nil
}
