package applic

import (
	"bytes"
	"crypto/md5"
	"hash/crc32"
	"testing"

	"github.com/kdzflash/kdzflash/internal/archive"
	"github.com/kdzflash/kdzflash/internal/config"
	"github.com/kdzflash/kdzflash/internal/gpt"
)

// memDevice is an in-memory DeviceView + gpt.Sink, sized like a small
// block device.
type memDevice struct {
	sectorSize int
	buf        []byte
}

func newMemDevice(sectorSize int, sectors int) *memDevice {
	return &memDevice{sectorSize: sectorSize, buf: make([]byte, sectorSize*sectors)}
}

func (d *memDevice) Sectors() int { return d.sectorSize }

func (d *memDevice) Size() (int64, error) { return int64(len(d.buf)), nil }

func (d *memDevice) resolve(offset int64) int64 {
	if offset < 0 {
		return int64(len(d.buf)) + offset
	}
	return offset
}

func (d *memDevice) ReadAt(p []byte, offset int64) (int, error) {
	off := d.resolve(offset)
	n := copy(p, d.buf[off:])
	return n, nil
}

func (d *memDevice) WriteAt(p []byte, offset int64) (int, error) {
	off := d.resolve(offset)
	n := copy(d.buf[off:], p)
	return n, nil
}

func (d *memDevice) Sync() error { return nil }

// testGPTTable builds a two-entry GPT table with names absent from
// config.IgnoreForCompare, so a comparison mismatch is observable.
func testGPTTable(entryCount int) *gpt.Table {
	return &gpt.Table{
		Header: gpt.Header{
			DiskGUID:   [16]byte{1, 2, 3, 4},
			EntryCount: uint32(entryCount),
			EntrySize:  gpt.EntrySizeOnDisk,
		},
		Entries: []gpt.Entry{
			{
				TypeGUID:   [16]byte{0xAA},
				UniqueGUID: [16]byte{0xBB},
				FirstLBA:   2048,
				LastLBA:    4095,
				Name:       "boot",
			},
			{
				TypeGUID:   [16]byte{0xCC},
				UniqueGUID: [16]byte{0xDD},
				FirstLBA:   4096,
				LastLBA:    8191,
				Name:       "modem",
			},
		},
	}
}

func buildDeviceWithGPT(t *testing.T, sectorSize, sectors int, table *gpt.Table) *memDevice {
	t.Helper()
	dev := newMemDevice(sectorSize, sectors)
	if err := gpt.Write(dev, table, sectorSize); err != nil {
		t.Fatalf("gpt.Write: %v", err)
	}
	return dev
}

// reservedEntrySectors mirrors gpt.Write's own computation: the entry
// array always reserves space for gpt.StandardEntryCount entries,
// regardless of how many entries a Table actually carries.
func reservedEntrySectors(sectorSize int) int {
	entryTableLen := gpt.StandardEntryCount * gpt.EntrySizeOnDisk
	return (entryTableLen + sectorSize - 1) / sectorSize
}

// primaryWindow extracts the exact bytes gpt.Write placed at LBA1
// through the end of the primary entry table, mirroring the layout
// decodeArchiveGPT expects from a PrimaryGPT chunk payload.
func primaryWindow(dev *memDevice) []byte {
	reserved := reservedEntrySectors(dev.sectorSize)
	start := dev.sectorSize * 1
	length := dev.sectorSize * (1 + reserved)
	return append([]byte(nil), dev.buf[start:start+length]...)
}

func backupWindow(dev *memDevice) []byte {
	reserved := reservedEntrySectors(dev.sectorSize)
	totalSectors := len(dev.buf) / dev.sectorSize
	selfLBA := totalSectors - 1
	entriesStart := selfLBA - reserved
	start := entriesStart * dev.sectorSize
	end := (selfLBA + 1) * dev.sectorSize
	return append([]byte(nil), dev.buf[start:end]...)
}

func gptChunk(t *testing.T, sliceName string, window []byte, sectorSize, deviceIndex int) (*archive.Index, archive.Chunk) {
	t.Helper()
	sum := crc32.ChecksumIEEE(window)
	digest := md5.Sum(window)
	ch := archive.Chunk{
		Header: archive.ChunkHeader{
			SliceName:      sliceName,
			ChunkName:      sliceName,
			TargetSize:     uint32(len(window)),
			CompressedSize: uint32(len(window)),
			MD5:            digest,
			DeviceIndex:    uint32(deviceIndex),
			CRC32:          sum,
		},
		PayloadOff: 0,
	}
	ix := archive.NewIndexForTest(window, []archive.Chunk{ch})
	return ix, ch
}

func TestTestGPTChunkMatches(t *testing.T) {
	const sectorSize = 512
	table := testGPTTable(2)
	dev := buildDeviceWithGPT(t, sectorSize, 128, table)
	window := primaryWindow(dev)

	ix, ch := gptChunk(t, "PrimaryGPT", window, sectorSize, 0)
	dp := func(index int) (DeviceView, error) { return dev, nil }

	gv, err := testGPTChunk(ix, ch, dp)
	if err != nil {
		t.Fatalf("testGPTChunk: %v", err)
	}
	if gv != GPTMatchFull {
		t.Errorf("testGPTChunk = %v, want GPTMatchFull", gv)
	}
}

func TestTestGPTChunkDetectsMismatch(t *testing.T) {
	const sectorSize = 512
	table := testGPTTable(2)
	dev := buildDeviceWithGPT(t, sectorSize, 128, table)

	// Build a second on-disk table whose "boot" entry disagrees with
	// the device, and present its window as the archive's chunk.
	alteredTable := testGPTTable(2)
	alteredTable.Entries[0].FirstLBA = 99999
	altDev := buildDeviceWithGPT(t, sectorSize, 128, alteredTable)
	altWindow := primaryWindow(altDev)

	ix, ch := gptChunk(t, "PrimaryGPT", altWindow, sectorSize, 0)
	dp := func(index int) (DeviceView, error) { return dev, nil }

	gv, err := testGPTChunk(ix, ch, dp)
	if err != nil {
		t.Fatalf("testGPTChunk: %v", err)
	}
	if gv != GPTMismatch {
		t.Errorf("testGPTChunk = %v, want GPTMismatch", gv)
	}
}

func TestTestGPTChunkQuirkDeviceIgnoresUUID(t *testing.T) {
	const sectorSize = 512
	table := testGPTTable(2)
	dev := buildDeviceWithGPT(t, sectorSize, 128, table)

	altTable := testGPTTable(2)
	altTable.Entries[0].UniqueGUID = [16]byte{0xEE, 0xEE}
	altDev := buildDeviceWithGPT(t, sectorSize, 128, altTable)
	altWindow := primaryWindow(altDev)

	ix, ch := gptChunk(t, "PrimaryGPT", altWindow, sectorSize, config.DeviceIndexQuirkSkipUUID)
	dp := func(index int) (DeviceView, error) { return dev, nil }

	gv, err := testGPTChunk(ix, ch, dp)
	if err != nil {
		t.Fatalf("testGPTChunk: %v", err)
	}
	if gv != GPTMatchDegraded {
		t.Errorf("testGPTChunk = %v, want GPTMatchDegraded", gv)
	}
}

// TestTestQuirkUUIDMismatchDropsVerdict exercises the tri-state result
// end to end through Test: a quirk-device UniqueGUID mismatch must
// drop the verdict from ApplicableAndUnmodified to Applicable, not
// leave it untouched and not fail it to NotApplicable.
func TestTestQuirkUUIDMismatchDropsVerdict(t *testing.T) {
	const sectorSize = 512
	table := testGPTTable(2)
	dev := buildDeviceWithGPT(t, sectorSize, 128, table)

	altTable := testGPTTable(2)
	altTable.Entries[0].UniqueGUID = [16]byte{0xEE, 0xEE}
	altDev := buildDeviceWithGPT(t, sectorSize, 128, altTable)
	altWindow := primaryWindow(altDev)

	ix, _ := gptChunk(t, "PrimaryGPT", altWindow, sectorSize, config.DeviceIndexQuirkSkipUUID)
	dp := func(index int) (DeviceView, error) { return dev, nil }

	report, err := Test(ix, dp)
	if err != nil {
		t.Fatalf("Test: %v", err)
	}
	if report.Verdict != Applicable {
		t.Errorf("Verdict = %v, want Applicable", report.Verdict)
	}
	if len(report.Chunks) != 1 || !report.Chunks[0].Matched || !report.Chunks[0].Degraded {
		t.Errorf("expected one matched+degraded chunk result, got %+v", report.Chunks)
	}
}

func TestTestOrdinaryChunkMatches(t *testing.T) {
	const sectorSize = 512
	payload := bytes.Repeat([]byte{0x42}, sectorSize*2)
	dev := newMemDevice(sectorSize, 8)
	copy(dev.buf[sectorSize*1:], payload)

	sum := crc32.ChecksumIEEE(payload)
	digest := md5.Sum(payload)
	ch := archive.Chunk{
		Header: archive.ChunkHeader{
			SliceName:      "boot",
			TargetSize:     uint32(len(payload)),
			CompressedSize: uint32(len(payload)),
			MD5:            digest,
			TargetStartLBA: 1,
			CRC32:          sum,
		},
		PayloadOff: 0,
	}
	ix := archive.NewIndexForTest(payload, []archive.Chunk{ch})
	dp := func(index int) (DeviceView, error) { return dev, nil }

	matched, err := testOrdinaryChunk(ix, ch, dp)
	if err != nil {
		t.Fatalf("testOrdinaryChunk: %v", err)
	}
	if !matched {
		t.Error("expected matched ordinary chunk")
	}
}

func TestTestSkipsUnknownSlice(t *testing.T) {
	ch := archive.Chunk{Header: archive.ChunkHeader{SliceName: "nonexistent-slice"}}
	ix := archive.NewIndexForTest(nil, []archive.Chunk{ch})
	dp := func(index int) (DeviceView, error) { return nil, nil }

	report, err := Test(ix, dp)
	if err != nil {
		t.Fatalf("Test: %v", err)
	}
	if len(report.Chunks) != 1 || !report.Chunks[0].Skipped {
		t.Fatalf("expected one skipped chunk result, got %+v", report.Chunks)
	}
	if report.Verdict != ApplicableAndUnmodified {
		t.Errorf("Verdict = %v, want ApplicableAndUnmodified", report.Verdict)
	}
}

func TestTestRequiredMismatchIsNotApplicable(t *testing.T) {
	const sectorSize = 512
	dev := newMemDevice(sectorSize, 8)
	payload := bytes.Repeat([]byte{0x01}, sectorSize)
	// Device content differs from payload -> mismatch on a Required slice.
	ch := archive.Chunk{
		Header: archive.ChunkHeader{
			SliceName:      "sec",
			TargetSize:     uint32(len(payload)),
			CompressedSize: uint32(len(payload)),
			MD5:            md5.Sum(payload),
			CRC32:          crc32.ChecksumIEEE(payload),
		},
		PayloadOff: 0,
	}
	ix := archive.NewIndexForTest(payload, []archive.Chunk{ch})
	dp := func(index int) (DeviceView, error) { return dev, nil }

	report, err := Test(ix, dp)
	if err != nil {
		t.Fatalf("Test: %v", err)
	}
	if report.Verdict != NotApplicable {
		t.Errorf("Verdict = %v, want NotApplicable", report.Verdict)
	}
}
