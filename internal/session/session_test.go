package session

import (
	"bytes"
	"crypto/md5"
	"hash/crc32"
	"testing"

	"github.com/kdzflash/kdzflash/internal/applic"
	"github.com/kdzflash/kdzflash/internal/archive"
	"github.com/kdzflash/kdzflash/internal/config"
	"github.com/kdzflash/kdzflash/internal/diffwrite"
	"github.com/kdzflash/kdzflash/internal/gpt"
)

// memDevice is an in-memory applic.DeviceView + gpt.Source/Sink, sized
// like a small block device, used in place of a real device.Descriptor.
type memDevice struct {
	sectorSize int
	buf        []byte
}

func newMemDevice(sectorSize, sectors int) *memDevice {
	return &memDevice{sectorSize: sectorSize, buf: make([]byte, sectorSize*sectors)}
}

func (d *memDevice) Sectors() int         { return d.sectorSize }
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

func (d *memDevice) Close() error { return nil }

func (d *memDevice) Sync() error { return nil }

// memTarget adapts memDevice into a WriteTarget anchored at firstLBA,
// mirroring internal/device.Target's own byte/sector dual addressing.
type memTarget struct {
	*memDevice
	firstLBA uint64
}

func (t *memTarget) SectorSize() int { return t.sectorSize }

func (t *memTarget) sectorOffset(lba uint64) int64 {
	return int64(t.firstLBA+lba) * int64(t.sectorSize)
}

func (t *memTarget) ReadSector(lba uint64) ([]byte, error) {
	buf := make([]byte, t.sectorSize)
	n, _ := t.memDevice.ReadAt(buf, t.sectorOffset(lba))
	return buf[:n], nil
}

func (t *memTarget) WriteSector(lba uint64, buf []byte) error {
	_, err := t.memDevice.WriteAt(buf, t.sectorOffset(lba))
	return err
}

func (t *memTarget) SectorsEqual(lba uint64, want []byte) (bool, error) {
	got, err := t.ReadSector(lba)
	if err != nil {
		return false, err
	}
	return bytes.Equal(got, want), nil
}

func (t *memTarget) Discard(offset, length int64) error { return nil }

func (t *memTarget) RereadPartitions() error { return nil }

func (t *memTarget) resolveByteOffset(offset int64) int64 {
	base := int64(t.firstLBA) * int64(t.sectorSize)
	if offset < 0 {
		sz, _ := t.Size()
		return base + sz + offset
	}
	return base + offset
}

func (t *memTarget) Size() (int64, error) {
	sz, _ := t.memDevice.Size()
	return sz - int64(t.firstLBA)*int64(t.sectorSize), nil
}

func (t *memTarget) ReadAt(p []byte, offset int64) (int, error) {
	return t.memDevice.ReadAt(p, t.resolveByteOffset(offset))
}

func (t *memTarget) WriteAt(p []byte, offset int64) (int, error) {
	return t.memDevice.WriteAt(p, t.resolveByteOffset(offset))
}

func newTestEngine(dev *memDevice) *Engine {
	return &Engine{
		Cfg:     config.DefaultSession(),
		roCache: make(map[int]applic.DeviceView),
		openReadOnly: func(index int) (applic.DeviceView, error) {
			return dev, nil
		},
		openWrite: func(index int, firstLBA uint64) (WriteTarget, error) {
			return &memTarget{memDevice: dev, firstLBA: firstLBA}, nil
		},
	}
}

func storeChunk(sliceName string, payload []byte, targetStartLBA uint32, deviceIndex uint32) archive.Chunk {
	return archive.Chunk{
		Header: archive.ChunkHeader{
			SliceName:      sliceName,
			ChunkName:      sliceName,
			TargetSize:     uint32(len(payload)),
			CompressedSize: uint32(len(payload)),
			MD5:            md5.Sum(payload),
			CRC32:          crc32.ChecksumIEEE(payload),
			TargetStartLBA: targetStartLBA,
			DeviceIndex:    deviceIndex,
		},
		PayloadOff: 0,
	}
}

func TestApplyWritesSelectedSlice(t *testing.T) {
	const sectorSize = 512
	payload := bytes.Repeat([]byte{0x7a}, sectorSize*2)
	ch := storeChunk("system", payload, 3, 0)
	ix := archive.NewIndexForTest(payload, []archive.Chunk{ch})

	dev := newMemDevice(sectorSize, 16)
	e := newTestEngine(dev)
	e.archive = ix

	stats, err := e.Apply(map[string]bool{"system": true})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	s, ok := stats["system"]
	if !ok {
		t.Fatalf("expected stats for system slice, got %+v", stats)
	}
	if s.SectorsWritten != 2 {
		t.Errorf("SectorsWritten = %d, want 2", s.SectorsWritten)
	}
	got := dev.buf[sectorSize*3 : sectorSize*3+len(payload)]
	if !bytes.Equal(got, payload) {
		t.Error("device contents were not updated with the chunk payload")
	}
}

func TestApplySkipsUnselectedSlice(t *testing.T) {
	const sectorSize = 512
	payload := bytes.Repeat([]byte{0x01}, sectorSize)
	ch := storeChunk("modem", payload, 0, 0)
	ix := archive.NewIndexForTest(payload, []archive.Chunk{ch})

	dev := newMemDevice(sectorSize, 8)
	e := newTestEngine(dev)
	e.archive = ix

	stats, err := e.Apply(map[string]bool{"system": true})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(stats) != 0 {
		t.Errorf("expected no slices applied, got %+v", stats)
	}
}

func TestApplyRewritesGPTOnMismatch(t *testing.T) {
	const sectorSize = 512
	const sectors = 512

	persistentUUID := [16]byte{0xAA, 0xBB}
	deviceTable := &gpt.Table{
		Header: gpt.Header{DiskGUID: [16]byte{1, 2, 3}, EntrySize: gpt.EntrySizeOnDisk},
		Entries: []gpt.Entry{
			{Name: "boot", TypeGUID: [16]byte{1}, UniqueGUID: [16]byte{2}, FirstLBA: 0, LastLBA: 99},
			{Name: "OP", TypeGUID: [16]byte{3}, UniqueGUID: [16]byte{4}, FirstLBA: 100, LastLBA: 149},
			{Name: "userdata", TypeGUID: [16]byte{5}, UniqueGUID: [16]byte{6}, FirstLBA: 150, LastLBA: 199},
			{Name: "persistent", TypeGUID: [16]byte{7}, UniqueGUID: persistentUUID, FirstLBA: 200, LastLBA: 201},
		},
	}
	dev := newMemDevice(sectorSize, sectors)
	if err := gpt.Write(dev, deviceTable, sectorSize); err != nil {
		t.Fatalf("gpt.Write(device): %v", err)
	}

	// Archive's table disagrees on boot's extent (triggers repair) and
	// carries a zeroed persistent UUID (must be carried over from the
	// device during repair).
	archiveTable := &gpt.Table{
		Header: gpt.Header{DiskGUID: [16]byte{1, 2, 3}, EntrySize: gpt.EntrySizeOnDisk},
		Entries: []gpt.Entry{
			{Name: "boot", TypeGUID: [16]byte{1}, UniqueGUID: [16]byte{2}, FirstLBA: 0, LastLBA: 89},
			{Name: "OP", TypeGUID: [16]byte{3}, UniqueGUID: [16]byte{4}, FirstLBA: 100, LastLBA: 149},
			{Name: "userdata", TypeGUID: [16]byte{5}, UniqueGUID: [16]byte{6}, FirstLBA: 150, LastLBA: 199},
			{Name: "persistent", TypeGUID: [16]byte{7}, UniqueGUID: [16]byte{}, FirstLBA: 200, LastLBA: 201},
		},
	}
	archiveDev := newMemDevice(sectorSize, sectors)
	if err := gpt.Write(archiveDev, archiveTable, sectorSize); err != nil {
		t.Fatalf("gpt.Write(archive): %v", err)
	}

	reserved := (gpt.StandardEntryCount*gpt.EntrySizeOnDisk + sectorSize - 1) / sectorSize
	window := append([]byte(nil), archiveDev.buf[sectorSize:sectorSize*(1+reserved+1)]...)
	ch := archive.Chunk{
		Header: archive.ChunkHeader{
			SliceName:      "PrimaryGPT",
			ChunkName:      "PrimaryGPT",
			TargetSize:     uint32(len(window)),
			CompressedSize: uint32(len(window)),
			MD5:            md5.Sum(window),
			CRC32:          crc32.ChecksumIEEE(window),
			DeviceIndex:    0,
		},
		PayloadOff: 0,
	}
	ix := archive.NewIndexForTest(window, []archive.Chunk{ch})

	e := newTestEngine(dev)
	e.archive = ix
	e.Cfg.OPResizeHintBytes = 0 // shrink OP to nothing

	if _, err := e.Apply(map[string]bool{}); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	got, err := gpt.Read(dev, sectorSize, gpt.Primary)
	if err != nil {
		t.Fatalf("gpt.Read after repair: %v", err)
	}

	var op, userdata, persistent *gpt.Entry
	for i := range got.Entries {
		switch got.Entries[i].Name {
		case "OP":
			op = &got.Entries[i]
		case "userdata":
			userdata = &got.Entries[i]
		case "persistent":
			persistent = &got.Entries[i]
		}
	}
	if op != nil && !op.Empty() {
		t.Errorf("expected OP to be zeroed out, got %+v", op)
	}
	if userdata == nil || userdata.FirstLBA != 100 {
		t.Errorf("expected userdata to absorb OP's space starting at 100, got %+v", userdata)
	}
	if persistent == nil || persistent.UniqueGUID != persistentUUID {
		t.Errorf("expected persistent UniqueGUID to be carried over from the device, got %+v", persistent)
	}
}

var _ diffwrite.Target = (*memTarget)(nil)
var _ gpt.Sink = (*memTarget)(nil)
