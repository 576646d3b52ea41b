package gpt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/kdzflash/kdzflash/internal/kdzerr"
)

const (
	minProbeSectorSize = 512
	maxProbeSectorSize = 16 * 1024 * 1024
)

// Read reads a GPT from src following the Expectation order described
// in spec §4.A: primary first (unless Backup), then backup (unless
// Primary). sectorSize may be 0, in which case each side is probed by
// doubling from 512 up to 16 MiB.
func Read(src Source, sectorSize int, want Expectation) (*Table, error) {
	var attempts []Expectation
	switch want {
	case Primary:
		attempts = []Expectation{Primary}
	case Backup:
		attempts = []Expectation{Backup}
	default:
		attempts = []Expectation{Primary, Backup}
	}

	var firstErr error
	for _, side := range attempts {
		t, err := readSide(src, sectorSize, side)
		if err == nil {
			return t, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, firstErr
}

func readSide(src Source, sectorSize int, side Expectation) (*Table, error) {
	size, err := src.Size()
	if err != nil {
		return nil, kdzerr.New(kdzerr.Io, "gpt", err)
	}

	sizes := []int{sectorSize}
	if sectorSize == 0 {
		sizes = nil
		for s := minProbeSectorSize; s <= maxProbeSectorSize; s *= 2 {
			sizes = append(sizes, s)
		}
	}

	var lastErr error
	for _, ss := range sizes {
		t, err := readSideWithSectorSize(src, size, ss, side)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("sector-size probe exhausted")
	}
	return nil, errFmt(side, "read header: %w", lastErr)
}

func readSideWithSectorSize(src Source, devSize int64, sectorSize int, side Expectation) (*Table, error) {
	var headerOffset int64
	if side == Primary {
		headerOffset = int64(sectorSize) // LBA 1
	} else {
		headerOffset = -int64(sectorSize) // last block
	}

	hbuf := make([]byte, sectorSize)
	if n, err := src.ReadAt(hbuf, headerOffset); err != nil || n != len(hbuf) {
		if err == nil {
			err = fmt.Errorf("short read: got %d want %d", n, len(hbuf))
		}
		return nil, kdzerr.New(kdzerr.Io, "gpt", err)
	}

	disk, err := decodeHeaderBytes(hbuf, sectorSize)
	if err != nil {
		return nil, err
	}

	entryTableLen := int(disk.EntryCount) * int(disk.EntrySize)
	if entryTableLen <= 0 {
		return nil, fmt.Errorf("invalid entry table size %d", entryTableLen)
	}
	ebuf := make([]byte, entryTableLen)
	entryOffset := int64(disk.EntriesStart) * int64(sectorSize)
	if n, err := src.ReadAt(ebuf, entryOffset); err != nil || n != len(ebuf) {
		if err == nil {
			err = fmt.Errorf("short read: got %d want %d", n, len(ebuf))
		}
		return nil, kdzerr.New(kdzerr.Io, "gpt", err)
	}

	return assembleTable(disk, ebuf, sectorSize, side)
}

// decodeHeaderBytes decodes and validates a sector-sized header
// buffer (magic, bounds, CRC32), shared between readSideWithSectorSize
// and ReadWindow.
func decodeHeaderBytes(hbuf []byte, sectorSize int) (onDiskHeader, error) {
	var disk onDiskHeader
	r := bytes.NewReader(hbuf[:onDiskHeaderLen])
	if err := binary.Read(r, binary.LittleEndian, &disk); err != nil {
		return disk, fmt.Errorf("decode header: %w", err)
	}

	if disk.Signature != magic {
		return disk, fmt.Errorf("bad magic %q", disk.Signature[:])
	}
	if disk.HeaderSize < MinHeaderSize || int(disk.HeaderSize) > sectorSize {
		return disk, fmt.Errorf("invalid header size %d", disk.HeaderSize)
	}

	gotCRC := disk.HeaderCRC32
	// The CRC field's own bytes are still in hbuf at their original
	// position; recompute over exactly HeaderSize bytes of hbuf with
	// the CRC field zeroed (spec §3, §8 property 5).
	crcBuf := make([]byte, disk.HeaderSize)
	copy(crcBuf, hbuf[:disk.HeaderSize])
	const crcFieldOffset = 8 + 4 + 4 // Signature + Revision + HeaderSize
	for i := 0; i < 4; i++ {
		crcBuf[crcFieldOffset+i] = 0
	}
	wantCRC := crc32.ChecksumIEEE(crcBuf)
	if gotCRC != wantCRC {
		return disk, fmt.Errorf("header CRC32 mismatch: got %#x want %#x", gotCRC, wantCRC)
	}
	return disk, nil
}

// assembleTable decodes ebuf's entries and builds the final Table,
// shared between readSideWithSectorSize and ReadWindow.
func assembleTable(disk onDiskHeader, ebuf []byte, sectorSize int, side Expectation) (*Table, error) {
	if gotArrayCRC, wantArrayCRC := disk.EntryCRC32, crc32.ChecksumIEEE(ebuf); gotArrayCRC != wantArrayCRC {
		return nil, fmt.Errorf("entry array CRC32 mismatch: got %#x want %#x", gotArrayCRC, wantArrayCRC)
	}

	entries := make([]Entry, 0, disk.EntryCount)
	er := bytes.NewReader(ebuf)
	for i := uint32(0); i < disk.EntryCount; i++ {
		var oe onDiskEntry
		if int(disk.EntrySize) != EntrySizeOnDisk {
			// Entry size differs from our compiled struct; read the
			// raw bytes for this entry and decode the fixed-layout
			// prefix manually.
			raw := make([]byte, disk.EntrySize)
			if _, err := er.Read(raw); err != nil {
				return nil, fmt.Errorf("read entry %d: %w", i, err)
			}
			if err := decodeRawEntry(raw, &oe); err != nil {
				return nil, fmt.Errorf("decode entry %d: %w", i, err)
			}
		} else {
			if err := binary.Read(er, binary.LittleEndian, &oe); err != nil {
				return nil, fmt.Errorf("read entry %d: %w", i, err)
			}
		}
		name, err := decodeName(oe.Name)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		entries = append(entries, Entry{
			TypeGUID:   oe.TypeGUID,
			UniqueGUID: oe.UniqueGUID,
			FirstLBA:   oe.FirstLBA,
			LastLBA:    oe.LastLBA,
			Attributes: oe.Attributes,
			Name:       name,
		})
	}

	return &Table{
		Header: Header{
			Revision:       disk.Revision,
			HeaderSize:     disk.HeaderSize,
			SelfLBA:        disk.SelfLBA,
			AlternateLBA:   disk.AlternateLBA,
			FirstUsableLBA: disk.FirstUsableLBA,
			LastUsableLBA:  disk.LastUsableLBA,
			DiskGUID:       disk.DiskGUID,
			EntriesStart:   disk.EntriesStart,
			EntryCount:     disk.EntryCount,
			EntrySize:      disk.EntrySize,
			BlockSize:      sectorSize,
		},
		Entries: entries,
		Side:    side,
	}, nil
}

// ReadWindow decodes a GPT header+entries pair out of a standalone
// buffer (rather than a full device), as produced by decompressing a
// PrimaryGPT/BackupGPT archive chunk (spec §4.E: "decompress the
// chunk's final (or first, for primary) sector-aligned window and
// read it as a GPT"). The buffer is assumed to hold exactly the
// on-disk window around the header: for a primary window the header
// occupies the first sector and the entry table follows; for a backup
// window the header occupies the last sector and the entry table
// precedes it. The header's own EntriesStart/SelfLBA fields (absolute
// device LBAs) are used only to compute that relative offset, never
// as absolute offsets into buf.
func ReadWindow(buf []byte, sectorSize int, side Expectation) (*Table, error) {
	if len(buf) < sectorSize {
		return nil, fmt.Errorf("window too small: %d bytes", len(buf))
	}

	var hbuf []byte
	var headerPos int
	if side == Primary {
		hbuf = buf[:sectorSize]
		headerPos = 0
	} else {
		headerPos = len(buf) - sectorSize
		hbuf = buf[headerPos:]
	}

	disk, err := decodeHeaderBytes(hbuf, sectorSize)
	if err != nil {
		return nil, errFmt(side, "decode window header: %w", err)
	}

	entryTableLen := int(disk.EntryCount) * int(disk.EntrySize)
	if entryTableLen <= 0 {
		return nil, errFmt(side, "invalid entry table size %d", entryTableLen)
	}

	var delta int64 // sectors from header to entries start, signed
	if side == Primary {
		delta = int64(disk.EntriesStart) - int64(disk.SelfLBA)
	} else {
		delta = int64(disk.SelfLBA) - int64(disk.EntriesStart)
		delta = -delta
	}
	entryPos := headerPos + int(delta)*sectorSize
	if entryPos < 0 || entryPos+entryTableLen > len(buf) {
		return nil, errFmt(side, "entry table (offset %d, len %d) outside window of %d bytes", entryPos, entryTableLen, len(buf))
	}
	ebuf := buf[entryPos : entryPos+entryTableLen]

	return assembleTable(disk, ebuf, sectorSize, side)
}

func decodeRawEntry(raw []byte, oe *onDiskEntry) error {
	if len(raw) < 48 {
		return fmt.Errorf("entry too small: %d bytes", len(raw))
	}
	copy(oe.TypeGUID[:], raw[0:16])
	copy(oe.UniqueGUID[:], raw[16:32])
	oe.FirstLBA = leUint64(raw[32:40])
	oe.LastLBA = leUint64(raw[40:48])
	oe.Attributes = leUint64(raw[48:56])
	n := copy(oe.Name[:], raw[56:])
	_ = n
	return nil
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}
