package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"taskmesh/pkg/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "taskmesh %s\n", version.String())
	},
}
