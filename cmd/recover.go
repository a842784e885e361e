package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/leftmike/graphstore/command"
	"github.com/leftmike/graphstore/txlog"
)

var (
	recoverCmd = &cobra.Command{
		Use:   "recover",
		Short: "Recover the database and report what recovery did",
		Args:  cobra.NoArgs,
		RunE:  recoverRun,
	}

	recoverVerbose = false
)

func init() {
	recoverCmd.Flags().BoolVarP(&recoverVerbose, "verbose", "v", recoverVerbose,
		"print each recovered transaction")
	graphstoreCmd.AddCommand(recoverCmd)
}

type printMonitor struct {
	w       io.Writer
	verbose bool
}

func (pm printMonitor) RecoveryRequired(from txlog.Commit) {
	fmt.Fprintf(pm.w, "recovery required from %s\n", from)
}

func (pm printMonitor) ReverseRecoveryCompleted(checkpointTx uint64) {
	fmt.Fprintf(pm.w, "reverse recovery completed to tx %d\n", checkpointTx)
}

func (pm printMonitor) BatchRecovered(b *command.Batch) {
	if pm.verbose {
		fmt.Fprintf(pm.w, "recovered tx %d: %d commands, %d index updates\n", b.TxID,
			len(b.Commands), len(b.IndexUpdates))
	}
}

func (pm printMonitor) RecoveryCompleted(recovered int) {
	fmt.Fprintf(pm.w, "recovery completed: %d transactions\n", recovered)
}

func recoverRun(cmd *cobra.Command, args []string) error {
	db, err := openDatabase(printMonitor{w: os.Stdout, verbose: recoverVerbose})
	if err != nil {
		return err
	}

	res := db.Recovery()
	if !res.Required {
		fmt.Println("recovery not required")
	}
	if res.Tail != nil {
		fmt.Printf("discarded incomplete transaction of %d bytes at %s\n", res.Tail.Bytes,
			res.Tail.Position)
	}
	if res.Truncated {
		fmt.Printf("truncated corrupted log after %s\n", res.End)
	}
	fmt.Printf("last transaction: %d\n", res.End.TxID)
	return db.Close()
}
