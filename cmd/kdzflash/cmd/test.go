package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kdzflash/kdzflash/internal/kdzerr"
)

// testCmd replaces the source tool's "-t" mode flag: classify the
// archive against the device and print only the verdict, exiting 8
// when NotApplicable (spec §4.E, §6).
var testCmd = &cobra.Command{
	Use:   "test <archive.kdz>",
	Short: "check whether an archive applies to this device without writing anything",
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
		fmt.Fprintln(cmd.OutOrStdout(), report.Verdict)
		os.Exit(verdictExitCode(report))
		return nil
	},
}
