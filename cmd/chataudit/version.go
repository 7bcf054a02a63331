package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version of chataudit",
		Args:  cobra.NoArgs,
		// version needs neither config nor logging
		PersistentPreRun: func(*cobra.Command, []string) {},
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "chataudit %s (commit: %s, built: %s)\n", version, commit, buildDate)
		},
	}
}
