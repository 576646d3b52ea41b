// Package cfgmount reads the OP resize hint out of the read-only
// `cust` filesystem (spec §4.F: "mount cust read-only, read the file,
// parse a decimal integer after =, unmount"). Grounded on
// original_source/src/rmOP.c, which mounts the same filesystem to read
// and rewrite official_op_resize.cfg, backing up the previous copy
// before replacing it.
package cfgmount

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/renameio/v2"
	"github.com/kdzflash/kdzflash/internal/config"
	"github.com/kdzflash/kdzflash/internal/kdzerr"
)

// ReadResizeHint mounts the cust slice read-only at mountpoint, reads
// the config.ResizeHintPath file (by its base name) from that mount,
// and unmounts it. A missing file is not an
// error: the hint is treated as zero (spec §4.F "if the file is
// absent, treat the hint as zero").
func ReadResizeHint(sess config.Session, custDevice, mountpoint string) (int64, error) {
	if err := mountReadOnly(custDevice, mountpoint); err != nil {
		return 0, err
	}
	defer unmount(mountpoint)

	f, err := os.Open(filepath.Join(mountpoint, filepath.Base(config.ResizeHintPath)))
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, kdzerr.New(kdzerr.Io, "cfgmount", err)
	}
	defer f.Close()

	return parseResizeHint(f)
}

// parseResizeHint scans the first line of the form
// "<config.ResizeHintKey>=<decimal bytes>" and returns the value. The
// first "=" determines the split point (spec §6).
func parseResizeHint(f *os.File) (int64, error) {
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		eq := strings.IndexByte(line, '=')
		if eq < 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		if key != config.ResizeHintKey {
			continue
		}
		val := strings.TrimSpace(line[eq+1:])
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return 0, kdzerr.Errorf(kdzerr.Format, "cfgmount", "malformed resize hint %q: %v", line, err)
		}
		return n, nil
	}
	if err := sc.Err(); err != nil {
		return 0, kdzerr.New(kdzerr.Io, "cfgmount", err)
	}
	return 0, nil
}

// WriteResizeHint mounts the cust slice read-write at mountpoint and
// rewrites the config.ResizeHintPath file (by its base name) there with
// the given byte count, backing up the previous file to ".orig" first, mirroring
// rmOP.c's backup-then-replace sequence. It is used only by the
// maintenance subcommand "kdzflash op-hint set" and is never invoked
// from the apply path.
func WriteResizeHint(custDevice, mountpoint string, bytes int64) error {
	if err := mountReadWrite(custDevice, mountpoint); err != nil {
		return err
	}
	defer unmount(mountpoint)

	path := filepath.Join(mountpoint, filepath.Base(config.ResizeHintPath))
	if existing, err := os.ReadFile(path); err == nil {
		if err := os.WriteFile(path+".orig", existing, 0o644); err != nil {
			return kdzerr.New(kdzerr.Io, "cfgmount", fmt.Errorf("backup: %w", err))
		}
	} else if !os.IsNotExist(err) {
		return kdzerr.New(kdzerr.Io, "cfgmount", err)
	}

	content := fmt.Sprintf("%s=%d\n", config.ResizeHintKey, bytes)
	if err := renameio.WriteFile(path, []byte(content), 0o644); err != nil {
		return kdzerr.New(kdzerr.Io, "cfgmount", err)
	}
	return nil
}
