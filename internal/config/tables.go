// Package config holds the authoritative per-slice tables (match mask,
// repair rank, compare-ignore list) and the session configuration
// threaded through every kdzflash component. Consolidating the
// duplicated slice tables the source tool scattered across files into
// one place is required by spec §9.
package config

// MatchMask is the 3-bit classification from spec §4.E.
type MatchMask uint8

const (
	// MatchRequired (bit 0): this chunk must match exactly. Divergence
	// is fatal (NotApplicable).
	MatchRequired MatchMask = 1 << 0
	// MatchAdvisory (bit 1): this chunk should match. Divergence drops
	// the verdict from ApplicableAndUnmodified to Applicable.
	MatchAdvisory MatchMask = 1 << 1
	// MatchGPT (bit 2): the GPT-comparison special case applies.
	MatchGPT MatchMask = 1 << 2
)

// Has reports whether m contains all bits of want.
func (m MatchMask) Has(want MatchMask) bool { return m&want == want }

// SliceTable is the single authoritative table: name -> match mask.
// Entries not present are skipped entirely by the applicability
// tester (spec §4.E, "a table-absent chunk is skipped").
var SliceTable = map[string]MatchMask{
	"sec":              MatchRequired,
	"raw_resourcesbak": MatchRequired,
	"PrimaryGPT":       MatchRequired | MatchGPT,
	"BackupGPT":        MatchRequired | MatchGPT,
	"aboot":            MatchAdvisory,
	"boot":             MatchAdvisory,
	"laf":              MatchAdvisory,
	"modem":            MatchAdvisory,
	"system":           MatchAdvisory,
	"rpm":              MatchAdvisory,
	"tz":               MatchAdvisory,
	"sbl1":             MatchAdvisory,
	"sbl1bak":          MatchAdvisory,
	"rawdata":          MatchRequired,
}

// RepairRank gives the pack-reverse target ordering for relocatable
// slices (spec §4.F). Zero means "not relocatable"; omission is
// equivalent to zero.
var RepairRank = map[string]int{
	"modem":  1,
	"boot":   2,
	"aboot":  3,
	"laf":    4,
	"system": 5,
	"cache":  6,
	"OP":     7,
}

// IgnoreForCompare lists slice names whose GPT entries are commonly
// altered by the user or vendor and must be excluded from the §4.E
// GPT-entry comparison walk.
var IgnoreForCompare = map[string]bool{
	"":          true,
	"OP":        true,
	"cache":     true,
	"cust":      true,
	"grow":      true,
	"grow0":     true,
	"grow1":     true,
	"grow2":     true,
	"grow3":     true,
	"grow4":     true,
	"grow5":     true,
	"grow6":     true,
	"grow7":     true,
	"system":    true,
	"userdata":  true,
}

// KnownRepairSlices lists names the GPT repair prelude scans for by
// name (spec §4.F common prelude).
var KnownRepairSlices = []string{"OP", "cache", "cust", "persistent", "system", "userdata"}

// DeviceIndexQuirkSkipUUID is the vendor quirk device index on which
// GPT entry unique-ID mismatches only drop the applicability verdict
// by one level instead of failing outright (spec §4.E, §9).
const DeviceIndexQuirkSkipUUID = 6

// ResizeHintPath is the read-only configuration file mounted from
// /cust that carries the desired OP partition size in bytes.
const ResizeHintPath = "/cust/official_op_resize.cfg"

// ResizeHintKey is the key preceding "=" in ResizeHintPath.
const ResizeHintKey = "OP"

// ConvenienceGroups maps each apply convenience flag to the slice
// names it selects (spec §6 "-s/-m/-k/-b", "-a apply all safe
// slices"). "-O" (OP) has no entry here: it doesn't select a slice at
// all, it only makes "apply --op" read the OP resize hint. The
// OP/userdata boundary is adjusted on every GPT repair, with or
// without it.
var ConvenienceGroups = map[string][]string{
	"system":     {"system"},
	"modem":      {"modem"},
	"kernel":     {"boot"},
	"bootloader": {"aboot", "sbl1", "sbl1bak"},
	"all":        {"system", "modem"},
}
