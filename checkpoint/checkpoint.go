package checkpoint

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/leftmike/graphstore/index"
	"github.com/leftmike/graphstore/store"
	"github.com/leftmike/graphstore/txlog"
)

const (
	DefaultKeepFiles = 2
)

type Options struct {
	// KeepFiles is the number of log files always kept when pruning.
	KeepFiles int
	Now       func() time.Time
}

// Checkpointer makes the stores and indexes durable up to a committed transaction, so that
// recovery only needs to replay the log after it.
type Checkpointer struct {
	logger  log.FieldLogger
	stores  *store.Stores
	indexes *index.Provider
	log     *txlog.Log
	cps     *txlog.Checkpoints
	closed  func() txlog.Commit
	opts    Options

	mutex   sync.Mutex
	running int32
	last    atomic.Value // txlog.Checkpoint
}

// New returns a checkpointer; closed returns the last transaction which has been completely
// applied to the stores and indexes.
func New(logger log.FieldLogger, stores *store.Stores, indexes *index.Provider,
	tl *txlog.Log, cps *txlog.Checkpoints, closed func() txlog.Commit, last txlog.Checkpoint,
	opts Options) *Checkpointer {

	if opts.KeepFiles <= 0 {
		opts.KeepFiles = DefaultKeepFiles
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	cp := &Checkpointer{
		logger:  logger,
		stores:  stores,
		indexes: indexes,
		log:     tl,
		cps:     cps,
		closed:  closed,
		opts:    opts,
	}
	cp.last.Store(last)
	return cp
}

// Last returns the most recent checkpoint.
func (cp *Checkpointer) Last() txlog.Checkpoint {
	return cp.last.Load().(txlog.Checkpoint)
}

// ForceCheckpoint writes a checkpoint, waiting for any checkpoint in progress to finish.
func (cp *Checkpointer) ForceCheckpoint(ctx context.Context, reason string) (txlog.Checkpoint,
	error) {

	cp.mutex.Lock()
	defer cp.mutex.Unlock()

	return cp.checkpoint(ctx, reason)
}

// TryCheckpoint writes a checkpoint unless one is already in progress; false is returned if
// it did not.
func (cp *Checkpointer) TryCheckpoint(ctx context.Context, reason string) (txlog.Checkpoint,
	bool, error) {

	if !atomic.CompareAndSwapInt32(&cp.running, 0, 1) {
		return txlog.Checkpoint{}, false, nil
	}
	defer atomic.StoreInt32(&cp.running, 0)

	cp.mutex.Lock()
	defer cp.mutex.Unlock()

	ckpt, err := cp.checkpoint(ctx, reason)
	return ckpt, err == nil, err
}

func (cp *Checkpointer) checkpoint(ctx context.Context, reason string) (txlog.Checkpoint,
	error) {

	err := ctx.Err()
	if err != nil {
		return txlog.Checkpoint{}, err
	}

	// Everything up to closed is in the stores and indexes once they are flushed; later
	// transactions may be partly flushed, which replay repairs.
	closed := cp.closed()
	start := cp.opts.Now()

	err = cp.stores.FlushAndForce()
	if err != nil {
		return txlog.Checkpoint{}, fmt.Errorf("checkpoint: %w", err)
	}
	err = cp.indexes.Force()
	if err != nil {
		return txlog.Checkpoint{}, fmt.Errorf("checkpoint: indexes: %w", err)
	}

	ckpt := txlog.Checkpoint{
		Commit: closed,
		Time:   cp.opts.Now(),
		Reason: reason,
	}
	err = cp.cps.Append(ckpt)
	if err != nil {
		return txlog.Checkpoint{}, fmt.Errorf("checkpoint: %w", err)
	}

	md := cp.stores.Meta
	md.LastClosedTx = closed.TxID
	md.LastClosedLogVersion = closed.End.Version
	md.LastClosedLogOffset = closed.End.Offset
	if last := cp.log.LastCommit().TxID; last > md.LastCommittedTx {
		md.LastCommittedTx = last
	}
	err = md.Save()
	if err != nil {
		return txlog.Checkpoint{}, fmt.Errorf("checkpoint: metadata: %w", err)
	}
	cp.last.Store(ckpt)

	removed, err := cp.log.Prune(closed.End.Version, cp.opts.KeepFiles)
	if err != nil {
		cp.logger.WithError(err).Warn("checkpoint: unable to prune log")
	}

	cp.logger.WithFields(log.Fields{
		"tx":       closed.TxID,
		"position": closed.End,
		"reason":   reason,
		"pruned":   len(removed),
		"duration": time.Since(start),
	}).Info("checkpoint: completed")
	return ckpt, nil
}
