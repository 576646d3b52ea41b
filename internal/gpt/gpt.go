// Package gpt reads, compares, and rewrites a GUID Partition Table on
// a raw block device (spec §4.A). Both primary and backup copies are
// supported, with CRC32 and UTF-16LE<->UTF-8 name transcoding.
//
// The on-disk struct layout and CRC placement are grounded on
// gokrazy/tools' packer.writeGPT, generalized from a fixed 4-partition
// writer into a full read/write/compare codec over an arbitrary entry
// count.
package gpt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/kdzflash/kdzflash/internal/kdzerr"
)

const (
	// HeaderSizeOnDisk is the only header size this codec will write;
	// reads accept any size >= MinHeaderSize and <= the sector size.
	HeaderSizeOnDisk = 0x5C
	// MinHeaderSize is the minimum allowed header-size field.
	MinHeaderSize = 0x5C
	// EntrySizeOnDisk is the only entry size this codec will write.
	EntrySizeOnDisk = 128
	// StandardEntryCount is the minimum reserved entry-table capacity,
	// regardless of how many entries are actually initialised.
	StandardEntryCount = 128
	// NameUTF16Units is the number of UTF-16LE code units reserved for
	// an entry name (72 bytes / 2).
	NameUTF16Units = 36
	// NameMaxUTF8Bytes bounds the decoded UTF-8 name, including NUL.
	NameMaxUTF8Bytes = 108
)

var magic = [8]byte{'E', 'F', 'I', ' ', 'P', 'A', 'R', 'T'}

// Expectation selects which GPT copy read() attempts, and in which
// order (spec §4.A).
type Expectation int

const (
	Any Expectation = iota
	Primary
	Backup
)

// Header is the in-memory form of a GPT header, all scalars in host
// byte order (spec §3).
type Header struct {
	Revision       uint32
	HeaderSize     uint32
	SelfLBA        uint64
	AlternateLBA   uint64
	FirstUsableLBA uint64
	LastUsableLBA  uint64
	DiskGUID       [16]byte
	EntriesStart   uint64
	EntryCount     uint32
	EntrySize      uint32

	// BlockSize records the sector size discovered for the device this
	// GPT belongs to (spec §3, "In-memory GPT").
	BlockSize int
}

// Entry is one decoded GPT partition entry, name as UTF-8.
type Entry struct {
	TypeGUID   [16]byte
	UniqueGUID [16]byte
	FirstLBA   uint64
	LastLBA    uint64
	Attributes uint64
	Name       string
}

// Empty reports whether e is an unused entry (both UUIDs zero, per
// spec §3 invariants).
func (e Entry) Empty() bool {
	return e.TypeGUID == [16]byte{} && e.UniqueGUID == [16]byte{}
}

// Table is a fully decoded GPT: header plus ordered entries.
type Table struct {
	Header  Header
	Entries []Entry
	// Side records which copy this table was read from or is destined
	// for: Primary or Backup (never Any once decoded/built).
	Side Expectation
}

// onDiskHeader mirrors the bit-exact 0x5C-byte GPT header layout
// (spec §3). Fields after CRC32Array are implicit zero padding to
// HeaderSize and are not represented as a struct field: binary.Write
// only ever emits HeaderSizeOnDisk bytes of struct plus explicit
// padding, so this struct's encoded length must equal 0x5C exactly.
type onDiskHeader struct {
	Signature      [8]byte
	Revision       uint32
	HeaderSize     uint32
	HeaderCRC32    uint32
	Reserved       uint32
	SelfLBA        uint64
	AlternateLBA   uint64
	FirstUsableLBA uint64
	LastUsableLBA  uint64
	DiskGUID       [16]byte
	EntriesStart   uint64
	EntryCount     uint32
	EntrySize      uint32
	EntryCRC32     uint32
}

const onDiskHeaderLen = 8 + 4 + 4 + 4 + 4 + 8 + 8 + 8 + 8 + 16 + 8 + 4 + 4 + 4 // == 0x5C

type onDiskEntry struct {
	TypeGUID   [16]byte
	UniqueGUID [16]byte
	FirstLBA   uint64
	LastLBA    uint64
	Attributes uint64
	Name       [NameUTF16Units * 2]byte
}

func init() {
	if onDiskHeaderLen != HeaderSizeOnDisk {
		panic(fmt.Sprintf("BUG: onDiskHeader encodes to %d bytes, want %#x", onDiskHeaderLen, HeaderSizeOnDisk))
	}
}

func headerCRC(h onDiskHeader) uint32 {
	h.HeaderCRC32 = 0
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, h)
	// pad to HeaderSize for the CRC computation, matching on-disk
	// layout (spec §3: "zero padding to header size").
	pad := int(h.HeaderSize) - buf.Len()
	if pad > 0 {
		buf.Write(make([]byte, pad))
	}
	return crc32.ChecksumIEEE(buf.Bytes())
}

func entryTableCRC(entries []onDiskEntry) uint32 {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, entries)
	return crc32.ChecksumIEEE(buf.Bytes())
}

func errFmt(side Expectation, format string, args ...any) error {
	comp := "gpt"
	base := fmt.Errorf(format, args...)
	return kdzerr.New(kdzerr.Format, comp, fmt.Errorf("%s: %w", sideName(side), base))
}

func sideName(side Expectation) string {
	switch side {
	case Primary:
		return "primary"
	case Backup:
		return "backup"
	default:
		return "any"
	}
}
