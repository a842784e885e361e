package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/leftmike/graphstore/txlog"
	"github.com/leftmike/graphstore/vfs"
)

var (
	logsCmd = &cobra.Command{
		Use:   "logs",
		Short: "Show the log files, the last checkpoint, and the logged transactions",
		Args:  cobra.NoArgs,
		RunE:  logsRun,
	}

	logsBatches  = false
	logsCommands = false
)

func init() {
	fs := logsCmd.Flags()
	fs.BoolVarP(&logsBatches, "batches", "b", logsBatches, "list the logged transactions")
	fs.BoolVarP(&logsCommands, "commands", "c", logsCommands,
		"list the commands of each logged transaction")
	graphstoreCmd.AddCommand(logsCmd)
}

func logsRun(cmd *cobra.Command, args []string) error {
	lo := txlog.Layout{FS: vfs.OS(), Dir: dataDir}

	files, err := lo.LogFiles()
	if err != nil {
		return err
	}
	tw := tablewriter.NewWriter(os.Stdout)
	tw.SetAutoFormatHeaders(false)
	tw.SetHeader([]string{"version", "file", "size"})
	for _, lf := range files {
		fi, err := os.Stat(lf.Name)
		if err != nil {
			return err
		}
		tw.Append([]string{strconv.FormatUint(lf.Version, 10), filepath.Base(lf.Name),
			strconv.FormatInt(fi.Size(), 10)})
	}
	tw.Render()

	cp, ok, err := lo.LastCheckpoint()
	if err != nil {
		return err
	} else if ok {
		fmt.Printf("last %s at %s\n", cp, cp.Time.Format("2006-01-02 15:04:05"))
	} else {
		fmt.Println("no checkpoint")
	}

	if !logsBatches && !logsCommands {
		return nil
	}

	start, err := lo.Start()
	if err != nil {
		return err
	}
	r := txlog.NewReader(lo, uuid.Nil, start)
	for {
		b, err := r.Next()
		if err == io.EOF {
			break
		} else if errors.Is(err, txlog.ErrCorrupted) {
			fmt.Println(err)
			break
		} else if err != nil {
			return err
		}

		fmt.Printf("tx %d: committed %s, %d commands, %d index updates\n", b.TxID,
			b.Committed.Format("2006-01-02 15:04:05.000"), len(b.Commands),
			len(b.IndexUpdates))
		if logsCommands {
			for _, c := range b.Commands {
				fmt.Printf("    %s\n", c)
			}
			for _, iu := range b.IndexUpdates {
				fmt.Printf("    %s\n", iu)
			}
		}
	}
	if ti, ok := r.Tail(); ok {
		fmt.Printf("incomplete transaction of %d bytes at %s\n", ti.Bytes, ti.Position)
	}
	return nil
}
