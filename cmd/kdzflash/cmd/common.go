package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/kdzflash/kdzflash/internal/applic"
	"github.com/kdzflash/kdzflash/internal/config"
	"github.com/kdzflash/kdzflash/internal/logging"
	"github.com/kdzflash/kdzflash/internal/progress"
	"github.com/kdzflash/kdzflash/internal/session"
)

// openEngine builds the session.Engine shared by test/report/apply:
// reads the persistent -v/-q/--ufs/--pack-reverse/--progress-url flags,
// starts the progress feed if requested, and opens the archive at
// path. Callers must Close the returned Engine and, if non-nil, stop
// the progress server.
func openEngine(cmd *cobra.Command, path string, simulate bool) (*session.Engine, *progress.Server, error) {
	verbose, _ := cmd.Flags().GetCount("verbose")
	quiet, _ := cmd.Flags().GetCount("quiet")
	log := logging.New(os.Stderr, logging.FromCounts(verbose, quiet))

	cfg := config.DefaultSession()
	cfg.Simulate = simulate
	if ufs, _ := cmd.Flags().GetBool("ufs"); ufs {
		cfg.Family = config.FamilyUFS
	}
	cfg.PackReverse, _ = cmd.Flags().GetBool("pack-reverse")

	var prog *progress.Server
	if addr, _ := cmd.Flags().GetString("progress-url"); addr != "" {
		var err error
		prog, err = progress.Start(addr)
		if err != nil {
			return nil, nil, err
		}
	}

	e, err := session.Open(cfg, path, log)
	if err != nil {
		if prog != nil {
			prog.Close()
		}
		return nil, nil, err
	}
	e.Progress = prog
	return e, prog, nil
}

// verdictExitCode maps a Report's verdict to the spec §6 process exit
// code: 8 for NotApplicable, 0 otherwise (the verdict itself, not an
// error, carries that outcome).
func verdictExitCode(report applic.Report) int {
	if report.Verdict == applic.NotApplicable {
		return 8
	}
	return 0
}
