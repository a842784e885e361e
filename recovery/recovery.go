package recovery

import (
	"errors"
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/leftmike/graphstore/apply"
	"github.com/leftmike/graphstore/command"
	"github.com/leftmike/graphstore/index"
	"github.com/leftmike/graphstore/store"
	"github.com/leftmike/graphstore/txlog"
)

var (
	ErrRecoveryFailed = errors.New("recovery: failed")
)

// FatalError is a failure of recovery which needs manual intervention; the database must
// not be opened.
type FatalError struct {
	Op  string
	Err error
}

func (fe *FatalError) Error() string {
	return fmt.Sprintf("recovery: %s: %s", fe.Op, fe.Err)
}

func (fe *FatalError) Is(err error) bool {
	return err == ErrRecoveryFailed
}

func (fe *FatalError) Unwrap() error {
	return fe.Err
}

func fatal(op string, err error) error {
	return &FatalError{Op: op, Err: err}
}

// Monitor is told about the progress of recovery.
type Monitor interface {
	RecoveryRequired(from txlog.Commit)
	ReverseRecoveryCompleted(checkpointTx uint64)
	BatchRecovered(b *command.Batch)
	RecoveryCompleted(recovered int)
}

type NopMonitor struct{}

func (NopMonitor) RecoveryRequired(from txlog.Commit)           {}
func (NopMonitor) ReverseRecoveryCompleted(checkpointTx uint64) {}
func (NopMonitor) BatchRecovered(b *command.Batch)              {}
func (NopMonitor) RecoveryCompleted(recovered int)              {}

type Options struct {
	// ReverseRecovery undoes the batches after the checkpoint, newest first, before they
	// are replayed.
	ReverseRecovery bool
	// TruncateCorruptedLog truncates a corrupted log after the last good batch; otherwise
	// recovery of a corrupted log fails.
	TruncateCorruptedLog bool
	Monitor              Monitor
}

type Result struct {
	// Start is the commit after which the log was replayed.
	Start txlog.Commit
	// End is the last commit in the log; the log is appended to after it.
	End txlog.Commit
	// Checkpoint is the checkpoint which recovery started from, if there was one.
	Checkpoint txlog.Checkpoint
	Required   bool
	Recovered  int
	Tail       *txlog.TailInfo
	Truncated  bool
}

// start returns where the log must be replayed from: the last checkpoint or, if there is
// none, the start of the log.
func start(lo txlog.Layout) (txlog.Commit, txlog.Checkpoint, bool, error) {
	cp, ok, err := lo.LastCheckpoint()
	if err != nil {
		return txlog.Commit{}, txlog.Checkpoint{}, false, err
	}
	if ok {
		return cp.Commit, cp, true, nil
	}

	c, err := lo.Start()
	if errors.Is(err, os.ErrNotExist) {
		return txlog.Commit{}, txlog.Checkpoint{}, false, nil
	}
	return c, txlog.Checkpoint{}, false, err
}

// Recover brings the stores and indexes up to date with the log in lo. The stores must not
// be in use by anything else.
func Recover(logger log.FieldLogger, stores *store.Stores, indexes *index.Provider,
	lo txlog.Layout, opts Options) (Result, error) {

	if opts.Monitor == nil {
		opts.Monitor = NopMonitor{}
	}

	from, cp, ok, err := start(lo)
	if err != nil {
		return Result{}, fatal("finding checkpoint", err)
	}
	res := Result{
		Start: from,
		End:   from,
	}
	if ok {
		res.Checkpoint = cp
	}

	files, err := lo.LogFiles()
	if err != nil {
		return res, fatal("listing log files", err)
	}
	if len(files) == 0 {
		if ok {
			return res, fatal("reading log", fmt.Errorf("no log files for %s", cp))
		}
		if stores.NeedsRebuild() {
			err = stores.RebuildIDs()
			if err != nil {
				return res, fatal("rebuilding ids", err)
			}
		}
		return res, nil
	}

	var batches []*command.Batch
	r := txlog.NewReader(lo, stores.Meta.StoreID, from)
	for {
		b, err := r.Next()
		if err == io.EOF {
			break
		} else if errors.Is(err, txlog.ErrCorrupted) && opts.TruncateCorruptedLog {
			logger.WithError(err).WithField("position", r.LastCommit().End).
				Warn("recovery: truncating corrupted log")
			res.Truncated = true
			break
		} else if err != nil {
			return res, fatal("reading log", err)
		}
		batches = append(batches, b)
	}
	res.End = r.LastCommit()
	if tail, ok := r.Tail(); ok {
		res.Tail = &tail
		logger.WithFields(log.Fields{
			"position": tail.Position,
			"bytes":    tail.Bytes,
		}).Info("recovery: discarding incomplete batch at end of log")
	}

	if len(batches) == 0 {
		if stores.NeedsRebuild() {
			err = stores.RebuildIDs()
			if err != nil {
				return res, fatal("rebuilding ids", err)
			}
		}
		return res, nil
	}

	res.Required = true
	opts.Monitor.RecoveryRequired(from)
	logger.WithFields(log.Fields{
		"from":         from,
		"transactions": len(batches),
	}).Info("recovery: required")

	applier := apply.New(logger, stores, indexes, nil)
	if opts.ReverseRecovery {
		for i := len(batches) - 1; i >= 0; i -= 1 {
			err = applier.ApplyReverse(batches[i])
			if err != nil {
				return res, fatal(fmt.Sprintf("reversing tx %d", batches[i].TxID), err)
			}
		}
		opts.Monitor.ReverseRecoveryCompleted(from.TxID)
		logger.WithField("checkpoint", from.TxID).Info("recovery: reverse recovery completed")
	}

	pct := 0
	for i, b := range batches {
		err = applier.Apply(b, apply.Recovery)
		if err != nil {
			return res, fatal(fmt.Sprintf("replaying tx %d", b.TxID), err)
		}
		opts.Monitor.BatchRecovered(b)
		res.Recovered += 1

		if n := (i + 1) * 100 / len(batches); n/10 > pct/10 {
			pct = n
			logger.Infof("recovery: %d%% completed", pct)
		}
	}

	err = stores.RebuildIDs()
	if err != nil {
		return res, fatal("rebuilding ids", err)
	}

	md := stores.Meta
	if res.End.TxID > md.LastCommittedTx {
		md.LastCommittedTx = res.End.TxID
	}
	err = md.Save()
	if err != nil {
		return res, fatal("saving metadata", err)
	}

	opts.Monitor.RecoveryCompleted(res.Recovered)
	logger.WithFields(log.Fields{
		"transactions": res.Recovered,
		"end":          res.End,
	}).Info("recovery: completed")
	return res, nil
}
