package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	version = "0.1.0"
)

func init() {
	graphstoreCmd.AddCommand(
		&cobra.Command{
			Use:   "version",
			Short: "Print the version number of Graphstore",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Printf("graphstore %s\n", version)
			},
		})
}
