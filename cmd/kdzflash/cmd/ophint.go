package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/kdzflash/kdzflash/internal/cfgmount"
	"github.com/kdzflash/kdzflash/internal/config"
)

// opHintCmd is a maintenance command outside the apply path, modelled
// on rmOP.c's rewrite of the hint file (see internal/cfgmount): spec
// §4.F describes reading the OP resize hint but the vendor archive
// format has no way to write it itself, so the hint file has to be
// edited out of band before an "apply --op" run.
var opHintCmd = &cobra.Command{
	Use:   "op-hint",
	Short: "inspect or edit the OP resize hint read by \"apply --op\"",
}

var opHintShowCmd = &cobra.Command{
	Use:   "show",
	Short: "print the current OP resize hint, in bytes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		custDevice, _ := cmd.Flags().GetString("cust-device")
		mountpoint, _ := cmd.Flags().GetString("cust-mountpoint")
		hint, err := cfgmount.ReadResizeHint(config.DefaultSession(), custDevice, mountpoint)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), hint)
		return nil
	},
}

var opHintSetCmd = &cobra.Command{
	Use:   "set <bytes>",
	Short: "overwrite the OP resize hint, backing up the previous file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("%q is not a byte count: %w", args[0], err)
		}
		custDevice, _ := cmd.Flags().GetString("cust-device")
		mountpoint, _ := cmd.Flags().GetString("cust-mountpoint")
		return cfgmount.WriteResizeHint(custDevice, mountpoint, n)
	},
}

func init() {
	for _, c := range []*cobra.Command{opHintShowCmd, opHintSetCmd} {
		c.Flags().String("cust-device", "/dev/block/bootdevice/by-name/cust", "block device backing the cust filesystem")
		c.Flags().String("cust-mountpoint", "/tmp/kdzflash-cust", "scratch mountpoint used while editing the hint")
	}
	opHintCmd.AddCommand(opHintShowCmd)
	opHintCmd.AddCommand(opHintSetCmd)
}
