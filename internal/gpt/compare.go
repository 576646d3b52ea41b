package gpt

// Compare is a tolerant equality allowing a primary and its backup to
// compare equal (spec §4.A). It ignores SelfLBA, AlternateLBA, and the
// CRC fields (which aren't part of the in-memory Header anyway); it
// requires the entry-table offset relative to its nearest anchor
// (header sector) to match, and it accepts a backup whose
// AlternateLBA points at itself (a vendor quirk, spec §8 scenario S6):
// Header.AlternateLBA is excluded from the comparison entirely, so any
// value there is accepted. Entry arrays are compared byte-for-byte in
// decoded form.
func Compare(a, b *Table) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Header.FirstUsableLBA != b.Header.FirstUsableLBA {
		return false
	}
	if a.Header.LastUsableLBA != b.Header.LastUsableLBA {
		return false
	}
	if a.Header.DiskGUID != b.Header.DiskGUID {
		return false
	}
	if a.Header.EntryCount != b.Header.EntryCount {
		return false
	}
	if a.Header.EntrySize != b.Header.EntrySize {
		return false
	}
	if relativeEntriesStart(a) != relativeEntriesStart(b) {
		return false
	}
	if len(a.Entries) != len(b.Entries) {
		return false
	}
	for i := range a.Entries {
		if a.Entries[i] != b.Entries[i] {
			return false
		}
	}
	return true
}

// relativeEntriesStart returns the entry table's distance from the
// table's own header sector (self-LBA): for a primary, EntriesStart
// minus SelfLBA; for a backup, whose table precedes its header, the
// distance from the end of the reserved table (never less than
// StandardEntryCount entries) to the header. A primary's "2" and a
// backup's "lastLBA-32" (512-byte sectors) both yield 1.
func relativeEntriesStart(t *Table) int64 {
	if t.Side == Backup {
		tableLen := int64(t.Header.EntryCount) * int64(t.Header.EntrySize)
		if minLen := int64(StandardEntryCount) * EntrySizeOnDisk; tableLen < minLen {
			tableLen = minLen
		}
		bs := int64(t.Header.BlockSize)
		if bs <= 0 {
			bs = 512
		}
		tableSectors := (tableLen + bs - 1) / bs
		return int64(t.Header.SelfLBA) - (int64(t.Header.EntriesStart) + tableSectors) + 1
	}
	return int64(t.Header.EntriesStart) - int64(t.Header.SelfLBA)
}
