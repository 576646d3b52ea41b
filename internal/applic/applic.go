// Package applic classifies an archive against a device as
// {NotApplicable, Applicable, ApplicableAndUnmodified} (spec §4.E).
// There is no teacher precedent for applicability testing --
// gokrazy/tools never verifies a foreign archive against a device --
// so the algorithm below implements spec §4.E directly, table-driven
// from internal/config's authoritative slice tables.
package applic

import (
	"bytes"
	"fmt"
	"io"

	"github.com/kdzflash/kdzflash/internal/archive"
	"github.com/kdzflash/kdzflash/internal/config"
	"github.com/kdzflash/kdzflash/internal/gpt"
	"github.com/kdzflash/kdzflash/internal/kdzerr"
	"github.com/kdzflash/kdzflash/internal/unpack"
)

// Verdict is the applicability classification (spec §4.E). Ordered so
// that comparison with < reflects the monotonicity property (spec §8
// property 7: ApplicableAndUnmodified implies Applicable, never the
// reverse).
type Verdict int

const (
	NotApplicable Verdict = iota
	Applicable
	ApplicableAndUnmodified
)

func (v Verdict) String() string {
	switch v {
	case NotApplicable:
		return "not applicable"
	case Applicable:
		return "applicable"
	case ApplicableAndUnmodified:
		return "applicable and unmodified"
	default:
		return "unknown"
	}
}

// DeviceView is the minimal read surface a device must expose for
// applicability testing.
type DeviceView interface {
	ReadAt(p []byte, offset int64) (int, error)
	Size() (int64, error)
	Sectors() int
}

// DeviceProvider resolves a chunk's DeviceIndex to a DeviceView.
type DeviceProvider func(index int) (DeviceView, error)

// ChunkResult records the per-chunk outcome, used by "report".
type ChunkResult struct {
	SliceName string
	ChunkName string
	Mask      config.MatchMask
	Matched   bool
	// Degraded marks a GPT chunk that matched only because a
	// UniqueGUID mismatch was tolerated on the vendor quirk device
	// index (spec §9): structurally matched, but the verdict still
	// drops by one level.
	Degraded bool
	Skipped  bool
	Err      error
}

// Report is the full per-chunk + aggregate outcome of Test.
type Report struct {
	Verdict Verdict
	Chunks  []ChunkResult
}

// Test walks every chunk of ix, classifying the archive against the
// devices dp resolves (spec §4.E).
func Test(ix *archive.Index, dp DeviceProvider) (Report, error) {
	report := Report{Verdict: ApplicableAndUnmodified}

	for _, ch := range ix.Chunks {
		mask, ok := config.SliceTable[ch.Header.SliceName]
		if !ok {
			report.Chunks = append(report.Chunks, ChunkResult{
				SliceName: ch.Header.SliceName,
				ChunkName: ch.Header.ChunkName,
				Skipped:   true,
			})
			continue
		}

		var matched, degraded bool
		var err error
		if mask.Has(config.MatchGPT) {
			var gv GPTVerdict
			gv, err = testGPTChunk(ix, ch, dp)
			matched = gv != GPTMismatch
			degraded = gv == GPTMatchDegraded
		} else {
			matched, err = testOrdinaryChunk(ix, ch, dp)
		}

		result := ChunkResult{
			SliceName: ch.Header.SliceName,
			ChunkName: ch.Header.ChunkName,
			Mask:      mask,
			Matched:   matched,
			Degraded:  degraded,
		}
		if err != nil {
			result.Err = err
		}
		report.Chunks = append(report.Chunks, result)

		if err != nil || !matched {
			if mask.Has(config.MatchRequired) {
				report.Verdict = NotApplicable
				return report, nil
			}
			if mask.Has(config.MatchAdvisory) && report.Verdict > Applicable {
				report.Verdict = Applicable
			}
		} else if degraded && report.Verdict > Applicable {
			// Quirk-tolerated UniqueGUID mismatch: structurally
			// matched, but still drops the verdict by one level
			// (spec §4.E, §9).
			report.Verdict = Applicable
		}
	}

	return report, nil
}

// testOrdinaryChunk streams the decompressed chunk against the
// corresponding device byte range, located at
// TargetStartLBA * sector_size (spec §4.E). The unpacker validates
// CRC+MD5 regardless of the comparison outcome, since silent
// corruption must still be surfaced.
func testOrdinaryChunk(ix *archive.Index, ch archive.Chunk, dp DeviceProvider) (bool, error) {
	dev, err := dp(int(ch.Header.DeviceIndex))
	if err != nil {
		return false, err
	}

	idx := chunkIndex(ix, ch)
	ctx, err := unpack.Open(ix, idx, dev.Sectors())
	if err != nil {
		return false, err
	}

	offset := int64(ch.Header.TargetStartLBA) * int64(dev.Sectors())
	matched := true
	buf := make([]byte, 64*1024)
	devBuf := make([]byte, len(buf))
	var total int64
	for {
		n, rerr := ctx.Read(buf)
		if n > 0 {
			if _, derr := dev.ReadAt(devBuf[:n], offset+total); derr != nil {
				ctx.Close(true)
				return false, kdzerr.New(kdzerr.Io, "applic", derr)
			}
			if !bytes.Equal(buf[:n], devBuf[:n]) {
				matched = false
			}
			total += int64(n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			ctx.Close(true)
			return false, rerr
		}
	}

	if err := ctx.Close(false); err != nil {
		return false, err
	}
	return matched, nil
}

// testGPTChunk implements spec §4.E's GPT special case.
func testGPTChunk(ix *archive.Index, ch archive.Chunk, dp DeviceProvider) (GPTVerdict, error) {
	dev, err := dp(int(ch.Header.DeviceIndex))
	if err != nil {
		return GPTMismatch, err
	}

	devPrimary, err := gpt.Read(devSource{dev}, dev.Sectors(), gpt.Primary)
	if err != nil {
		return GPTMismatch, err
	}
	devBackup, err := gpt.Read(devSource{dev}, dev.Sectors(), gpt.Backup)
	if err != nil {
		return GPTMismatch, err
	}
	if !gpt.Compare(devPrimary, devBackup) {
		return GPTMismatch, fmt.Errorf("device primary and backup GPT do not agree")
	}

	var side gpt.Expectation
	if ch.Header.SliceName == "PrimaryGPT" {
		side = gpt.Primary
	} else {
		side = gpt.Backup
	}
	devTable := devPrimary
	if side == gpt.Backup {
		devTable = devBackup
	}

	archiveTable, err := decodeArchiveGPT(ix, ch, dev.Sectors(), side)
	if err != nil {
		return GPTMismatch, err
	}

	return compareArchiveGPT(archiveTable, devTable, int(ch.Header.DeviceIndex)), nil
}

// decodeArchiveGPT decompresses ch's full payload (a sector-aligned
// window around one GPT header, not a whole device image -- spec
// §4.E) and decodes it via gpt.ReadWindow.
func decodeArchiveGPT(ix *archive.Index, ch archive.Chunk, sectorSize int, side gpt.Expectation) (*gpt.Table, error) {
	idx := chunkIndex(ix, ch)
	ctx, err := unpack.Open(ix, idx, sectorSize)
	if err != nil {
		return nil, err
	}

	buf, err := io.ReadAll(readerFunc(ctx.Read))
	if err != nil {
		ctx.Close(true)
		return nil, kdzerr.New(kdzerr.Io, "applic", err)
	}
	if err := ctx.Close(false); err != nil {
		return nil, err
	}

	t, err := gpt.ReadWindow(buf, sectorSize, side)
	if err != nil {
		return nil, kdzerr.New(kdzerr.Format, "applic", err)
	}
	return t, nil
}

// GPTVerdict is compareArchiveGPT's tri-state outcome: a plain bool
// cannot distinguish a full match from the vendor quirk's tolerated-
// but-still-degrading UniqueGUID mismatch (spec §4.E, §9).
type GPTVerdict int

const (
	// GPTMismatch: at least one non-ignored entry disagrees on
	// something other than the quirk-tolerated UniqueGUID.
	GPTMismatch GPTVerdict = iota
	// GPTMatchDegraded: every entry matches except for a UniqueGUID
	// difference tolerated only on the vendor quirk device index;
	// the caller must still drop its verdict by one level.
	GPTMatchDegraded
	// GPTMatchFull: every non-ignored entry matches exactly.
	GPTMatchFull
)

// compareArchiveGPT implements spec §4.E's entry-by-entry GPT
// comparison: slices in config.IgnoreForCompare are skipped entirely;
// everything else must match on TypeGUID/Attributes/Name/FirstLBA/
// LastLBA. UniqueGUID must also match, except on the vendor quirk
// device index (spec §9), where a mismatch degrades the verdict to
// GPTMatchDegraded rather than failing the comparison outright.
func compareArchiveGPT(archiveTable, devTable *gpt.Table, deviceIndex int) GPTVerdict {
	byName := make(map[string]gpt.Entry, len(devTable.Entries))
	for _, e := range devTable.Entries {
		byName[e.Name] = e
	}

	verdict := GPTMatchFull
	for _, ae := range archiveTable.Entries {
		if ae.Empty() || config.IgnoreForCompare[ae.Name] {
			continue
		}
		de, ok := byName[ae.Name]
		if !ok {
			return GPTMismatch
		}
		if ae.TypeGUID != de.TypeGUID || ae.Attributes != de.Attributes ||
			ae.FirstLBA != de.FirstLBA || ae.LastLBA != de.LastLBA {
			return GPTMismatch
		}
		if ae.UniqueGUID != de.UniqueGUID {
			if deviceIndex != config.DeviceIndexQuirkSkipUUID {
				return GPTMismatch
			}
			verdict = GPTMatchDegraded
		}
	}
	return verdict
}

func chunkIndex(ix *archive.Index, ch archive.Chunk) int {
	for i := range ix.Chunks {
		if ix.Chunks[i].PayloadOff == ch.PayloadOff {
			return i
		}
	}
	return -1
}

type devSource struct{ dev DeviceView }

func (s devSource) ReadAt(p []byte, offset int64) (int, error) { return s.dev.ReadAt(p, offset) }
func (s devSource) Size() (int64, error)                        { return s.dev.Size() }

// readerFunc adapts a Read method value to io.Reader.
type readerFunc func(p []byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) { return f(p) }

// CheckDeviceName reports whether the archive's FileHeader.DeviceName
// matches the running device's product name. It is advisory only: a
// mismatch does not by itself force NotApplicable, since spec.md's
// match table already governs applicability (SUPPLEMENTED FEATURES,
// grounded on original_source/src/kdz.c's device-name printout before
// allowing an apply).
func CheckDeviceName(archiveDeviceName, runningDeviceName string) bool {
	return archiveDeviceName == runningDeviceName
}
