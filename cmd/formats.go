package cmd

import (
	"os"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/leftmike/graphstore/format"
)

func init() {
	graphstoreCmd.AddCommand(
		&cobra.Command{
			Use:   "formats",
			Short: "List the store formats and their capabilities",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, args []string) {
				tw := tablewriter.NewWriter(os.Stdout)
				tw.SetAutoFormatHeaders(false)
				tw.SetAutoWrapText(false)
				tw.SetHeader([]string{"format", "generation", "capabilities"})
				for _, f := range format.Formats() {
					var caps []string
					for _, c := range f.Capabilities {
						caps = append(caps, c.String()+" ("+c.Type.String()+")")
					}
					tw.Append([]string{f.Name, strconv.Itoa(f.Generation),
						strings.Join(caps, "\n")})
				}
				tw.Render()
			},
		})
}
