package repl

import (
	"context"
	"fmt"
	"os"

	"github.com/peterh/liner"

	"github.com/leftmike/graphstore/database"
)

const (
	historyFile = ".graphstore_history"
)

type lineReader struct {
	line *liner.State
}

func (lr lineReader) ReadLine() (string, error) {
	s, err := lr.line.Prompt("graphstore: ")
	if err == liner.ErrPromptAborted {
		return "", nil
	} else if err != nil {
		return "", err
	}
	if s != "" {
		lr.line.AppendHistory(s)
	}
	return s, nil
}

// Interact runs a console session against db on the terminal.
func Interact(ctx context.Context, db *database.Database) {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	if f, err := os.Open(historyFile); err == nil {
		line.ReadHistory(f)
		f.Close()
	}

	Repl(ctx, db, lineReader{line: line}, os.Stdout)

	if f, err := os.Create(historyFile); err != nil {
		fmt.Fprintf(os.Stderr, "graphstore: error writing history file, %s: %s\n", historyFile,
			err)
	} else {
		line.WriteHistory(f)
		f.Close()
	}
}
