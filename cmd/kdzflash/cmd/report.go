package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kdzflash/kdzflash/internal/kdzerr"
)

// reportCmd is "-r" from the source tool's mode flags: the same
// classification as test, but printing the per-chunk detail instead
// of only the aggregate verdict (spec §4.E, §6).
var reportCmd = &cobra.Command{
	Use:   "report <archive.kdz>",
	Short: "print the per-chunk applicability breakdown for an archive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, prog, err := openEngine(cmd, args[0], true)
		if err != nil {
			return err
		}
		defer e.Close()
		defer prog.Close()

		report, err := e.Test()
		if err != nil {
			os.Exit(kdzerr.ExitCode(err))
		}

		out := cmd.OutOrStdout()
		for _, c := range report.Chunks {
			switch {
			case c.Skipped:
				fmt.Fprintf(out, "%-16s %-16s skipped (no table entry)\n", c.SliceName, c.ChunkName)
			case c.Err != nil:
				fmt.Fprintf(out, "%-16s %-16s error: %v\n", c.SliceName, c.ChunkName, c.Err)
			default:
				fmt.Fprintf(out, "%-16s %-16s matched=%v mask=%03b\n", c.SliceName, c.ChunkName, c.Matched, c.Mask)
			}
		}
		fmt.Fprintf(out, "\nverdict: %s\n", report.Verdict)
		os.Exit(verdictExitCode(report))
		return nil
	},
}
