package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/srg/blesense/internal/app"
	"github.com/srg/blesense/internal/stack"
)

var sysidCmd = &cobra.Command{
	Use:   "sysid <address>",
	Short: "Print the System ID derived from a Bluetooth address",
	Long: `Prints the System ID characteristic value the peripheral writes at boot for the
given identity address.

Example:
  blesense sysid 00:0B:57:A1:B2:C3`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, err := stack.ParseAddress(args[0])
		if err != nil {
			return err
		}
		cmd.SilenceUsage = true
		fmt.Fprintln(cmd.OutOrStdout(), app.DeriveSystemID(addr))
		return nil
	},
}
