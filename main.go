package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pmkol/dnscache/coremain"
	"github.com/pmkol/dnscache/mlog"
)

var version = "dev"

func init() {
	coremain.AddSubCmd(&cobra.Command{
		Use:   "version",
		Short: "Print out version info and exit.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	})
}

func main() {
	if err := coremain.Run(); err != nil {
		mlog.S().Fatal(err)
	}
}
