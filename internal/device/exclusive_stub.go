//go:build !linux

package device

func exclusiveOpenFlag() int { return 0 }

func isBusyMount(err error) bool { return false }
