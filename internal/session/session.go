// Package session wires the archive, device, GPT, unpack, diffwrite,
// applicability, and repair packages into the end-to-end test/report/
// apply operations a driver calls (spec §5). Grounded on
// gokrazy/tools/internal/packer's Pack struct and its logic()/Main()
// pair: a single stateful type threading a config.Session through the
// handful of high-level operations the CLI exposes, replacing that
// struct's PXE/image-building steps with kdzflash's test/apply steps.
package session

import (
	"fmt"
	"io"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kdzflash/kdzflash/internal/applic"
	"github.com/kdzflash/kdzflash/internal/archive"
	"github.com/kdzflash/kdzflash/internal/config"
	"github.com/kdzflash/kdzflash/internal/device"
	"github.com/kdzflash/kdzflash/internal/diffwrite"
	"github.com/kdzflash/kdzflash/internal/gpt"
	"github.com/kdzflash/kdzflash/internal/kdzerr"
	"github.com/kdzflash/kdzflash/internal/logging"
	"github.com/kdzflash/kdzflash/internal/progress"
	"github.com/kdzflash/kdzflash/internal/repair"
	"github.com/kdzflash/kdzflash/internal/unpack"
)

// WriteTarget is the read-write surface a device must expose to take
// part both in a slice write (diffwrite.Target) and, for device index
// 0's whole-device range, a GPT repair write (gpt.Sink). RereadPartitions
// is only ever called after a GPT repair write, never after an
// ordinary slice write.
type WriteTarget interface {
	diffwrite.Target
	gpt.Sink
	RereadPartitions() error
	Close() error
}

type readOnlyOpener func(index int) (applic.DeviceView, error)
type writeOpener func(index int, firstLBA uint64) (WriteTarget, error)

// Engine is the top-level driver for one archive: it owns the
// archive's memory mapping and lazily opens the devices it touches.
type Engine struct {
	Cfg      config.Session
	Log      *logging.Logger
	Progress *progress.Server

	archive *archive.Index

	openReadOnly readOnlyOpener
	openWrite    writeOpener

	roMu    sync.Mutex
	roCache map[int]applic.DeviceView
}

// Open mmaps and indexes the archive at path (spec §4.B
// "open_archive"), switching the session to UFS addressing if the
// archive's file header demands multi-LUN addressing (spec §3).
func Open(cfg config.Session, path string, log *logging.Logger) (*Engine, error) {
	ix, err := archive.Open(path)
	if err != nil {
		return nil, err
	}
	if ix.FileHeader.MultiLUN() {
		cfg.Family = config.FamilyUFS
	}

	e := &Engine{Cfg: cfg, Log: log, archive: ix, roCache: make(map[int]applic.DeviceView)}
	e.openReadOnly = func(index int) (applic.DeviceView, error) { return device.Open(e.Cfg, index) }
	e.openWrite = func(index int, firstLBA uint64) (WriteTarget, error) {
		desc, err := device.Open(e.Cfg, index)
		if err != nil {
			return nil, err
		}
		tgt, err := device.OpenTarget(desc, e.Cfg.DevicePath(index), firstLBA, e.Cfg.Simulate)
		if err != nil {
			desc.Close()
			return nil, err
		}
		return tgt, nil
	}
	return e, nil
}

// Close releases the archive mapping and every read-only device view
// opened during Test or Apply.
func (e *Engine) Close() error {
	var err error
	for _, v := range e.roCache {
		if c, ok := v.(interface{ Close() error }); ok {
			if cerr := c.Close(); err == nil {
				err = cerr
			}
		}
	}
	if cerr := e.archive.Close(); err == nil {
		err = cerr
	}
	return err
}

func (e *Engine) deviceView(index int) (applic.DeviceView, error) {
	e.roMu.Lock()
	defer e.roMu.Unlock()
	if v, ok := e.roCache[index]; ok {
		return v, nil
	}
	v, err := e.openReadOnly(index)
	if err != nil {
		return nil, err
	}
	e.roCache[index] = v
	return v, nil
}

// Test classifies the archive against the devices it references (spec
// §4.E).
func (e *Engine) Test() (applic.Report, error) {
	e.emit("test", "", "starting")
	report, err := applic.Test(e.archive, e.deviceView)
	if err == nil {
		e.emit("test", "", fmt.Sprintf("verdict: %s", report.Verdict))
	}
	return report, err
}

// Apply writes every chunk whose slice name is set in names (spec
// §4.B's data flow: "apply(slice) opens the target slice ... streams
// the chunk through the differential writer"). Before any ordinary
// chunk is written, every device the archive's PrimaryGPT chunks
// reference has its GPT compared against the archive's; a mismatch
// triggers a repair-and-rewrite so the rest of the run lands on
// matching geometry (spec data flow: "GPT repair runs before apply
// when the archive's partition layout differs from the device's").
// Devices are independent, so their repairs run concurrently via
// errgroup rather than one at a time.
func (e *Engine) Apply(names map[string]bool) (map[string]diffwrite.Stats, error) {
	gptDevices := make(map[int]bool)
	for _, ch := range e.archive.Chunks {
		if ch.Header.SliceName == "PrimaryGPT" {
			gptDevices[int(ch.Header.DeviceIndex)] = true
		}
	}
	var g errgroup.Group
	for idx := range gptDevices {
		idx := idx
		g.Go(func() error {
			if err := e.repairDeviceGPT(idx); err != nil {
				return fmt.Errorf("device %d: gpt repair: %w", idx, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	stats := make(map[string]diffwrite.Stats)
	for i, ch := range e.archive.Chunks {
		mask, ok := config.SliceTable[ch.Header.SliceName]
		if !ok || mask.Has(config.MatchGPT) {
			continue
		}
		if !names[ch.Header.SliceName] {
			continue
		}
		s, err := e.applyChunk(i, ch)
		if err != nil {
			return stats, wrapSlice(err, ch.Header.SliceName)
		}
		stats[ch.Header.SliceName] = s
		e.emit("apply", ch.Header.SliceName, fmt.Sprintf("%d sectors written, %d skipped", s.SectorsWritten, s.SectorsSkipped))
	}
	return stats, nil
}

func (e *Engine) applyChunk(i int, ch archive.Chunk) (diffwrite.Stats, error) {
	target, err := e.openWrite(int(ch.Header.DeviceIndex), uint64(ch.Header.TargetStartLBA))
	if err != nil {
		return diffwrite.Stats{}, err
	}
	defer target.Close()

	ctx, err := unpack.Open(e.archive, i, target.SectorSize())
	if err != nil {
		return diffwrite.Stats{}, err
	}

	stats, err := diffwrite.Apply(target, readerFunc(ctx.Read), int64(ch.Header.TargetSize), ch.Header.TrimBlockCount)
	if err != nil {
		ctx.Close(true)
		return stats, err
	}
	if err := ctx.Close(false); err != nil {
		return stats, err
	}
	return stats, nil
}

// repairDeviceGPT compares the archive's primary GPT for deviceIndex
// against the device's own. If they already agree structurally
// (gpt.Compare), nothing is written. Otherwise repair.Repair produces
// an adjusted table, carrying over the persistent slice's unique ID
// and resizing OP/userdata by Cfg.OPResizeHintBytes, and the result is
// committed with gpt.Write (spec §4.F, §4.A).
func (e *Engine) repairDeviceGPT(deviceIndex int) error {
	dev, err := e.deviceView(deviceIndex)
	if err != nil {
		return err
	}

	devTable, err := gpt.Read(dev, dev.Sectors(), gpt.Any)
	if err != nil {
		return err
	}
	archiveTable, err := e.archiveGPTChunk(deviceIndex, gpt.Primary, dev.Sectors())
	if err != nil {
		return err
	}
	if gpt.Compare(archiveTable, devTable) {
		return nil
	}

	desiredOPBlocks := e.Cfg.OPResizeHintBytes / int64(dev.Sectors())
	repaired, err := repair.Repair(archiveTable, devTable, desiredOPBlocks, e.Cfg.PackReverse)
	if err != nil {
		return err
	}

	target, err := e.openWrite(deviceIndex, 0)
	if err != nil {
		return err
	}
	defer target.Close()

	e.emit("apply", "", fmt.Sprintf("repairing gpt on device %d", deviceIndex))
	if err := gpt.Write(target, repaired, dev.Sectors()); err != nil {
		return err
	}

	// Report whether the kernel picked up the new table; if it
	// didn't, the device must be rebooted before any further apply
	// step can be trusted to see the repaired geometry (spec §4.F).
	if err := target.RereadPartitions(); err != nil {
		e.emit("apply", "", fmt.Sprintf("device %d: kernel did not pick up the repaired partition table, reboot required: %v", deviceIndex, err))
		return kdzerr.New(kdzerr.Geometry, "session", fmt.Errorf("device %d: re-read partition table: %w (reboot required)", deviceIndex, err))
	}
	e.emit("apply", "", fmt.Sprintf("device %d: kernel picked up the repaired partition table", deviceIndex))
	return nil
}

// archiveGPTChunk decompresses the archive's PrimaryGPT/BackupGPT
// chunk for deviceIndex and decodes it with gpt.ReadWindow (same
// pattern as internal/applic's decodeArchiveGPT, duplicated here
// rather than exported across packages since it's a handful of
// lines over two different chunk-name constants).
func (e *Engine) archiveGPTChunk(deviceIndex int, side gpt.Expectation, sectorSize int) (*gpt.Table, error) {
	name := "PrimaryGPT"
	if side == gpt.Backup {
		name = "BackupGPT"
	}
	for i, ch := range e.archive.Chunks {
		if ch.Header.SliceName != name || int(ch.Header.DeviceIndex) != deviceIndex {
			continue
		}
		ctx, err := unpack.Open(e.archive, i, sectorSize)
		if err != nil {
			return nil, err
		}
		buf, err := io.ReadAll(readerFunc(ctx.Read))
		if err != nil {
			ctx.Close(true)
			return nil, kdzerr.New(kdzerr.Io, "session", err)
		}
		if err := ctx.Close(false); err != nil {
			return nil, err
		}
		t, err := gpt.ReadWindow(buf, sectorSize, side)
		if err != nil {
			return nil, kdzerr.New(kdzerr.Format, "session", err)
		}
		return t, nil
	}
	return nil, kdzerr.Errorf(kdzerr.Format, "session", "archive has no %s chunk for device %d", name, deviceIndex)
}

func (e *Engine) emit(stage, slice, message string) {
	if e.Progress != nil {
		e.Progress.Emit(stage, slice, message)
	}
	if e.Log != nil {
		e.Log.Verbosef("%s: %s: %s", stage, slice, message)
	}
}

func wrapSlice(err error, slice string) error {
	if err == nil {
		return nil
	}
	kind, _ := kdzerr.Of(err)
	return kdzerr.WithSlice(kind, "session", slice, err)
}

// readerFunc adapts a Read method value to io.Reader, the same small
// helper internal/applic uses for the same purpose.
type readerFunc func(p []byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) { return f(p) }
