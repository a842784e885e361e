package cmd

import (
	"context"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/leftmike/graphstore/repl"
)

var (
	consoleCmd = &cobra.Command{
		Use:   "console",
		Short: "Open the database and run an interactive console session",
		Args:  cobra.NoArgs,
		RunE:  consoleRun,
	}
)

func init() {
	graphstoreCmd.AddCommand(consoleCmd)
}

func consoleRun(cmd *cobra.Command, args []string) error {
	db, err := openDatabase(nil)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	repl.Interact(ctx, db)
	return nil
}
