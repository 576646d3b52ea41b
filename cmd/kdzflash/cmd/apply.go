package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kdzflash/kdzflash/internal/cfgmount"
	"github.com/kdzflash/kdzflash/internal/config"
	"github.com/kdzflash/kdzflash/internal/kdzerr"
)

// applyCmd combines the source tool's "-a"/"-b" mode flags and its
// "-s"/"-m"/"-k"/"-O" slice-selection flags into one subcommand: pick
// slices either by the convenience groups or by an explicit
// --slices list, then stream each selected chunk through the
// differential writer (spec §4.B, §6).
var applyCmd = &cobra.Command{
	Use:   "apply <archive.kdz>",
	Short: "write the selected slices from an archive to the device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		simulate, _ := cmd.Flags().GetBool("simulate")
		e, prog, err := openEngine(cmd, args[0], simulate)
		if err != nil {
			return err
		}
		defer e.Close()
		defer prog.Close()

		opRequested, _ := cmd.Flags().GetBool("op")
		if opRequested {
			custDevice, _ := cmd.Flags().GetString("cust-device")
			mountpoint, _ := cmd.Flags().GetString("cust-mountpoint")
			hint, err := cfgmount.ReadResizeHint(e.Cfg, custDevice, mountpoint)
			if err != nil {
				return err
			}
			e.Cfg.OPResizeHintBytes = hint
		}

		names, err := selectedSlices(cmd)
		if err != nil {
			return err
		}

		stats, err := e.Apply(names)
		if err != nil {
			os.Exit(kdzerr.ExitCode(err))
		}

		out := cmd.OutOrStdout()
		for name, s := range stats {
			fmt.Fprintf(out, "%-16s %d sectors written, %d skipped\n", name, s.SectorsWritten, s.SectorsSkipped)
		}
		return nil
	},
}

// selectedSlices resolves the apply flags into the set of slice names
// to write: the convenience groups OR'd together with an explicit
// --slices list (spec §6, "combinable -s/-m/-k/-b").
func selectedSlices(cmd *cobra.Command) (map[string]bool, error) {
	names := make(map[string]bool)

	for _, group := range []string{"all", "system", "modem", "kernel", "bootloader"} {
		set, _ := cmd.Flags().GetBool(group)
		if !set {
			continue
		}
		for _, n := range config.ConvenienceGroups[group] {
			names[n] = true
		}
	}

	explicit, _ := cmd.Flags().GetString("slices")
	for _, n := range strings.Split(explicit, ",") {
		n = strings.TrimSpace(n)
		if n != "" {
			names[n] = true
		}
	}

	if len(names) == 0 {
		return nil, kdzerr.Errorf(kdzerr.Internal, "cmd", "no slices selected: pass --slices or one of --all/--system/--modem/--kernel/--bootloader")
	}
	return names, nil
}

func init() {
	f := applyCmd.Flags()
	f.Bool("all", false, "apply every slice the archive considers safe")
	f.Bool("system", false, "apply the system slice")
	f.Bool("modem", false, "apply the modem slice")
	f.Bool("kernel", false, "apply the boot (kernel) slice")
	f.Bool("bootloader", false, "apply the bootloader slices (aboot, sbl1, sbl1bak)")
	f.Bool("op", false, "read the OP resize hint from /cust; without it the hint is 0 and a GPT repair shrinks OP to nothing")
	f.String("slices", "", "comma-separated explicit slice names to apply, combined with any convenience flags above")
	f.Bool("simulate", false, "open slices non-exclusively and skip every device write")
	f.String("cust-device", "/dev/block/bootdevice/by-name/cust", "block device backing the cust filesystem read by --op")
	f.String("cust-mountpoint", "/tmp/kdzflash-cust", "scratch mountpoint used to read the --op resize hint")
}
