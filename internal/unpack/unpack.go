// Package unpack exposes a streaming decompressor for one archive
// chunk with integrated CRC32 + MD5 verification (spec §4.C).
//
// Grounded on original_source/src/kdz.c's per-chunk decompress-and-
// verify loop. Two documented historical bugs from spec §9 are
// specifically avoided: the running digests only ever advance by
// bytes actually delivered to the caller's buffer, never by the bytes
// requested; and the chunk-0 header-MD5 exclusion (handled in
// internal/archive) is orthogonal to this package and does not affect
// payload verification here.
package unpack

import (
	"bytes"
	"crypto/md5"
	"fmt"
	"hash"
	"hash/crc32"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/kdzflash/kdzflash/internal/archive"
	"github.com/kdzflash/kdzflash/internal/kdzerr"
	"github.com/ulikunitz/xz"
)

// Codec selects the decompression backend for a chunk's payload.
type Codec int

const (
	// CodecStore means the payload is already the uncompressed image
	// (TargetSize == CompressedSize).
	CodecStore Codec = iota
	CodecGzip
	CodecZlib
	CodecXZ
)

// DetectCodec chooses a backend from the payload's leading bytes,
// since the container format does not carry an explicit per-chunk
// codec tag (spec §3 chunk header has no codec field; real vendor
// archives are nonetheless inconsistent about which compressor was
// used across device families, hence sniffing rather than assuming
// one codec).
func DetectCodec(payload []byte) Codec {
	switch {
	case len(payload) >= 2 && payload[0] == 0x1f && payload[1] == 0x8b:
		return CodecGzip
	case len(payload) >= 2 && payload[0] == 0x78 && (payload[1] == 0x01 || payload[1] == 0x9c || payload[1] == 0xda):
		return CodecZlib
	case len(payload) >= 6 && bytes.Equal(payload[:6], []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}):
		return CodecXZ
	default:
		return CodecStore
	}
}

// Context is an open chunk-read session: a decompression state plus
// running CRC32/MD5 accumulators (spec §3 "Chunk unpack context").
type Context struct {
	ch         archive.Chunk
	r          io.Reader
	closeFn    func() error
	crc        hash.Hash32
	md5        hash.Hash
	failed     bool
	eof        bool
	deliveredN int64
}

// Open initialises a decompression state over the payload bytes of
// ix.Chunks[i], failing if the chunk's TargetSize is not a multiple of
// sectorSize (spec §4.C "open").
func Open(ix *archive.Index, i int, sectorSize int) (*Context, error) {
	if i < 0 || i >= len(ix.Chunks) {
		return nil, kdzerr.Errorf(kdzerr.Internal, "unpack", "chunk index %d out of range", i)
	}
	ch := ix.Chunks[i]
	if sectorSize > 0 && ch.Header.TargetSize%uint32(sectorSize) != 0 {
		return nil, kdzerr.Errorf(kdzerr.Format, "unpack", "chunk %d target size %d not a multiple of sector size %d", i, ch.Header.TargetSize, sectorSize)
	}

	data := ix.Data()
	payload := data[ch.PayloadOff : ch.PayloadOff+int64(ch.Header.CompressedSize)]

	r, closeFn, err := newDecompressor(payload)
	if err != nil {
		return nil, kdzerr.New(kdzerr.Format, "unpack", err)
	}

	return &Context{
		ch:      ch,
		r:       r,
		closeFn: closeFn,
		crc:     crc32.NewIEEE(),
		md5:     md5.New(),
	}, nil
}

func newDecompressor(payload []byte) (io.Reader, func() error, error) {
	switch DetectCodec(payload) {
	case CodecGzip:
		zr, err := gzip.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, nil, fmt.Errorf("gzip: %w", err)
		}
		return zr, zr.Close, nil
	case CodecZlib:
		zr, err := zlib.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, nil, fmt.Errorf("zlib: %w", err)
		}
		return zr, zr.Close, nil
	case CodecXZ:
		xr, err := xz.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, nil, fmt.Errorf("xz: %w", err)
		}
		return xr, func() error { return nil }, nil
	default:
		return bytes.NewReader(payload), func() error { return nil }, nil
	}
}

// Read fills up to len(buf) bytes, advancing the running accumulators
// by exactly the bytes delivered (spec §4.C contract: never account
// bytes requested). Returns (0, io.EOF) at end of stream.
func (c *Context) Read(buf []byte) (int, error) {
	if c.failed {
		return 0, kdzerr.Errorf(kdzerr.Format, "unpack", "context previously failed")
	}
	if c.eof {
		return 0, io.EOF
	}
	n, err := c.r.Read(buf)
	if n > 0 {
		c.crc.Write(buf[:n])
		c.md5.Write(buf[:n])
		c.deliveredN += int64(n)
	}
	if err == io.EOF {
		c.eof = true
		if n > 0 {
			return n, nil
		}
		return 0, io.EOF
	}
	if err != nil {
		c.failed = true
		return n, kdzerr.New(kdzerr.Format, "unpack", err)
	}
	return n, nil
}

// Close finalises the decompressor. If discard is false, the running
// CRC32 and MD5 must match the chunk header's recorded values; any
// mismatch is a failure. If the stream end was reached naturally,
// verification always runs even when discard was requested (spec
// §4.C "close").
func (c *Context) Close(discard bool) error {
	var closeErr error
	if c.closeFn != nil {
		closeErr = c.closeFn()
	}
	if c.failed {
		return kdzerr.Errorf(kdzerr.Format, "unpack", "chunk previously failed")
	}
	if !discard || c.eof {
		gotCRC := c.crc.Sum32()
		if gotCRC != c.ch.Header.CRC32 {
			return kdzerr.Errorf(kdzerr.Format, "unpack", "CRC32 mismatch: got %#x want %#x", gotCRC, c.ch.Header.CRC32)
		}
		var gotMD5 [16]byte
		copy(gotMD5[:], c.md5.Sum(nil))
		if gotMD5 != c.ch.Header.MD5 {
			return kdzerr.Errorf(kdzerr.Format, "unpack", "MD5 mismatch: got %x want %x", gotMD5, c.ch.Header.MD5)
		}
	}
	return closeErr
}

// DeliveredBytes reports how many bytes Read has delivered so far.
func (c *Context) DeliveredBytes() int64 { return c.deliveredN }
