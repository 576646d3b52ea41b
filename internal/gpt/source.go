package gpt

// Source is the minimal block-addressed read surface read() needs.
// Offsets follow spec §4.A: non-negative offsets count from the start
// of the device, negative offsets count from the end.
type Source interface {
	// ReadAt reads exactly len(p) bytes at the given byte offset,
	// resolving negative offsets against the device length.
	ReadAt(p []byte, offset int64) (int, error)
	// Size returns the total device length in bytes.
	Size() (int64, error)
}

// Sink is the minimal block-addressed write surface write() needs.
type Sink interface {
	Source
	// WriteAt writes p at the given byte offset, following the same
	// offset convention as Source.ReadAt.
	WriteAt(p []byte, offset int64) (int, error)
	// Sync flushes any writes issued so far to stable storage. Write
	// calls it between the backup and primary GPT writes so a crash
	// can never observe a primary that points at entries the backup
	// hasn't durably received yet (spec §5 ordering guarantee).
	Sync() error
}

func resolveOffset(offset int64, size int64) int64 {
	if offset < 0 {
		return size + offset
	}
	return offset
}
