package config

import "strconv"

// DeviceFamily selects the /dev/block path template used to address a
// device index (spec §3 "Device descriptor", §6).
type DeviceFamily int

const (
	// FamilyMMC selects /dev/block/mmcblk{0..}.
	FamilyMMC DeviceFamily = iota
	// FamilyUFS selects /dev/block/sd{a..}, used when the archive's
	// UFS flag word equals 256 (multi-LUN addressing).
	FamilyUFS
)

// Session carries the options that shape a run: which device family
// to address, whether writes are simulated, which GPT repair flavour
// to use, and the OP resize hint. It has no privilege-elevation
// setting. It replaces the source tool's scattered globals
// (spec §9, "environment" note).
type Session struct {
	// Family selects the target device naming scheme.
	Family DeviceFamily

	// Simulate relaxes the exclusive-open requirement on target
	// slices and performs no device writes (spec §4.D, "-t").
	Simulate bool

	// PackReverse selects the pack-reverse GPT repair flavour instead
	// of the default pack-forward (spec §4.F).
	PackReverse bool

	// BootDeviceByName is the directory slices are addressed through,
	// normally /dev/block/bootdevice/by-name.
	BootDeviceByName string

	// OPResizeHintBytes is the desired OP partition size, normally read
	// from /cust/official_op_resize.cfg by internal/cfgmount before an
	// apply run and stashed here so internal/session never has to know
	// about cust mount points itself (spec §4.F). Zero means "shrink OP
	// to nothing, userdata absorbs its space".
	OPResizeHintBytes int64
}

// DefaultSession returns the conventional on-device configuration.
func DefaultSession() Session {
	return Session{
		Family:           FamilyMMC,
		BootDeviceByName: "/dev/block/bootdevice/by-name",
	}
}

// DevicePath returns the raw block device path for the given device
// index under this session's family (spec §3, §6).
func (s Session) DevicePath(index int) string {
	switch s.Family {
	case FamilyUFS:
		return "/dev/block/sd" + string(rune('a'+index))
	default:
		return "/dev/block/mmcblk" + strconv.Itoa(index)
	}
}

// SlicePath returns the by-name alias for a slice.
func (s Session) SlicePath(name string) string {
	dir := s.BootDeviceByName
	if dir == "" {
		dir = "/dev/block/bootdevice/by-name"
	}
	return dir + "/" + name
}

