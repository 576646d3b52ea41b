//go:build !linux

package archive

import "fmt"

// Open is unavailable on non-Linux platforms; kdzflash only ever runs
// against /dev/block devices.
func Open(path string) (*Index, error) {
	return nil, fmt.Errorf("kdzflash is missing raw archive mapping support on this platform")
}
