package archive

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"testing"
)

// buildArchive assembles a minimal synthetic archive with the given
// chunk payloads, mirroring the on-disk layout documented in spec §3.
func buildArchive(t *testing.T, payloads [][]byte) []byte {
	t.Helper()

	innerName := "system.dz"
	const dirEntryLen = dirEntryNameLen + 8 + 8
	innerOff := int64(outerMagicLen + dirEntryLen)

	var buf bytes.Buffer
	buf.Write(outerMagic[:])

	var nameField [dirEntryNameLen]byte
	copy(nameField[:], innerName)
	buf.Write(nameField[:])
	binary.Write(&buf, binary.LittleEndian, uint64(0)) // length, unused by the parser
	binary.Write(&buf, binary.LittleEndian, uint64(innerOff))

	if int64(buf.Len()) != innerOff {
		t.Fatalf("BUG: computed innerOff %d, buf is at %d", innerOff, buf.Len())
	}

	// Build chunk headers + payloads first so we can compute the
	// header MD5 (over all headers except the first) ahead of time.
	chunkBufs := make([][]byte, len(payloads))
	h := md5.New()
	for i, payload := range payloads {
		hdr := make([]byte, chunkHeaderLen)
		copy(hdr[4:4+sliceNameLen], []byte("system"))
		copy(hdr[4+sliceNameLen:4+sliceNameLen+chunkNameLen], []byte("system.img"))
		binary.LittleEndian.PutUint32(hdr[4+sliceNameLen+chunkNameLen:], uint32(len(payload)))
		binary.LittleEndian.PutUint32(hdr[4+sliceNameLen+chunkNameLen+4:], uint32(len(payload)))
		if i != 0 {
			h.Write(hdr)
		}
		chunkBufs[i] = append(hdr, payload...)
	}
	var headerMD5 [16]byte
	copy(headerMD5[:], h.Sum(nil))

	fileHeader := make([]byte, fileHeaderLen)
	copy(fileHeader[:4], innerMagic[:])
	binary.LittleEndian.PutUint32(fileHeader[4:], 1) // major
	binary.LittleEndian.PutUint32(fileHeader[8:], 0) // minor
	binary.LittleEndian.PutUint32(fileHeader[16+deviceNameLen+factoryVerLen:], uint32(len(payloads)))
	copy(fileHeader[16+deviceNameLen+factoryVerLen+4:], headerMD5[:])
	buf.Write(fileHeader)

	for _, cb := range chunkBufs {
		buf.Write(cb)
	}

	// Pad to the minimum archive size the parser requires.
	for buf.Len() < minArchiveLen {
		buf.WriteByte(0)
	}

	return buf.Bytes()
}

func TestParseRoundTrip(t *testing.T) {
	data := buildArchive(t, [][]byte{
		[]byte("sentinel-payload"),
		[]byte("second-chunk-payload"),
		[]byte("third-chunk-payload"),
	})

	ix, err := Parse(data, nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	defer ix.Close()

	if got, want := len(ix.Chunks), 3; got != want {
		t.Fatalf("chunk count: got %d want %d", got, want)
	}
	if ix.Chunks[1].Header.SliceName != "system" {
		t.Errorf("chunk 1 slice name: got %q want %q", ix.Chunks[1].Header.SliceName, "system")
	}
}

func TestParseRejectsBadOuterMagic(t *testing.T) {
	data := make([]byte, minArchiveLen)
	if _, err := Parse(data, nil); err == nil {
		t.Fatal("Parse with zeroed magic: want error, got nil")
	}
}

func TestParseRejectsHeaderMD5Mismatch(t *testing.T) {
	data := buildArchive(t, [][]byte{[]byte("a"), []byte("b")})
	// Corrupt one byte of the second chunk's header (included in the
	// MD5) without touching the recorded MD5 itself.
	ix, err := Parse(data, nil)
	if err != nil {
		t.Fatalf("Parse baseline: %v", err)
	}
	corruptOff := ix.Chunks[1].PayloadOff - chunkHeaderLen + 4 + sliceNameLen
	data[corruptOff] ^= 0xFF
	if _, err := Parse(data, nil); err == nil {
		t.Fatal("Parse with corrupted chunk header: want MD5 mismatch error, got nil")
	}
}
