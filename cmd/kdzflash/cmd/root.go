package cmd

import (
	"log"

	"github.com/spf13/cobra"
)

// RootCmd is the kdzflash entry point. Individual operations live in
// their own subcommands rather than the mutually-exclusive -t/-r/-a/-b
// mode flags the source tool used (spec §6), since cobra already gives
// each mode its own flag namespace and help text for free.
var RootCmd = &cobra.Command{
	Use:           "kdzflash",
	Short:         "test and apply vendor flash archives against a block device",
	SilenceErrors: true,
	SilenceUsage:  true,
}

func Execute() {
	if err := RootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func init() {
	pf := RootCmd.PersistentFlags()
	pf.CountP("verbose", "v", "increase log verbosity (repeatable)")
	pf.CountP("quiet", "q", "decrease log verbosity (repeatable)")
	pf.Bool("ufs", false, "address devices as /dev/block/sd* instead of /dev/block/mmcblk* (normally auto-detected from the archive)")
	pf.Bool("pack-reverse", false, "use the pack-reverse GPT repair flavour instead of pack-forward")
	pf.String("progress-url", "", "bind address (host:port) for the optional SSE progress feed; empty disables it")

	RootCmd.AddCommand(testCmd)
	RootCmd.AddCommand(reportCmd)
	RootCmd.AddCommand(applyCmd)
	RootCmd.AddCommand(opHintCmd)
}
