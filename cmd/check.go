package cmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var (
	checkCmd = &cobra.Command{
		Use:   "check",
		Short: "Check the consistency of the stores",
		Args:  cobra.NoArgs,
		RunE:  checkRun,
	}
)

func init() {
	graphstoreCmd.AddCommand(checkCmd)
}

func checkRun(cmd *cobra.Command, args []string) error {
	db, err := openDatabase(nil)
	if err != nil {
		return err
	}
	defer db.Close()

	rpt, err := db.Check()
	if err != nil {
		return err
	}

	tw := tablewriter.NewWriter(os.Stdout)
	tw.SetAutoFormatHeaders(false)
	tw.SetHeader([]string{"store", "high id", "in use"})
	tw.SetColumnAlignment([]int{tablewriter.ALIGN_LEFT, tablewriter.ALIGN_RIGHT,
		tablewriter.ALIGN_RIGHT})
	for _, ss := range rpt.Stores {
		tw.Append([]string{ss.Kind.String(), strconv.FormatInt(ss.HighID, 10),
			strconv.FormatInt(ss.InUse, 10)})
	}
	tw.Render()

	for _, p := range rpt.Problems {
		fmt.Println(p)
	}
	if !rpt.OK() {
		return fmt.Errorf("graphstore: check found %d problems", len(rpt.Problems))
	}
	fmt.Println("no problems found")
	return nil
}
