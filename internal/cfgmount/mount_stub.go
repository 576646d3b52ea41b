//go:build !linux

package cfgmount

import "fmt"

func mountReadOnly(device, mountpoint string) error {
	return fmt.Errorf("kdzflash is missing cust mount support on this platform")
}

func mountReadWrite(device, mountpoint string) error {
	return fmt.Errorf("kdzflash is missing cust mount support on this platform")
}

func unmount(mountpoint string) error { return nil }
