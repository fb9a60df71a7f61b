package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags.
var version = "dev"

func init() {
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the bridged version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("bridged %s\n", version)
	},
}
