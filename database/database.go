package database

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	log "github.com/sirupsen/logrus"

	"github.com/leftmike/graphstore/check"
	"github.com/leftmike/graphstore/checkpoint"
	"github.com/leftmike/graphstore/health"
	"github.com/leftmike/graphstore/index"
	"github.com/leftmike/graphstore/kernel"
	"github.com/leftmike/graphstore/recovery"
	"github.com/leftmike/graphstore/store"
	"github.com/leftmike/graphstore/txlog"
	"github.com/leftmike/graphstore/txseq"
	"github.com/leftmike/graphstore/vfs"
)

const (
	lockFileName = "graph.lock"

	DefaultStaleCheckInterval = time.Minute
)

var (
	ErrInUse = errors.New("database: in use by another process")
)

type Options struct {
	// FS defaults to the operating system filesystem.
	FS vfs.FS
	// Logger defaults to the standard logrus logger; it is also used by the index backends.
	Logger *log.Logger

	Store        store.Options
	IndexBackend string
	Kernel       kernel.Options
	Log          txlog.Options

	ReverseRecovery      bool
	TruncateCorruptedLog bool
	RecoveryMonitor      recovery.Monitor

	KeepLogFiles          int
	CheckpointInterval    time.Duration
	CheckpointTxThreshold uint64
	// NoScheduler disables background checkpoints and the stale transaction monitor.
	NoScheduler bool

	StaleTxAfter       time.Duration
	StaleCheckInterval time.Duration
}

// Database is an open graph database: its stores, indexes, log, and the kernel which runs
// transactions against them.
type Database struct {
	logger  *log.Logger
	fs      vfs.FS
	dir     string
	unlock  func()
	stores  *store.Stores
	indexes *index.Provider
	log     *txlog.Log
	cps     *txlog.Checkpoints
	health  *health.Health
	kernel  *kernel.Kernel
	ckpt    *checkpoint.Checkpointer
	result  recovery.Result

	cancel context.CancelFunc
	wg      sync.WaitGroup
	mutex   sync.Mutex
	closed  bool
}

var (
	memLocksMutex sync.Mutex
	memLocks      = map[memLock]bool{}
)

type memLock struct {
	fs  vfs.FS
	dir string
}

// lockDir keeps other processes, or other opens in this process of a database in memory,
// from opening the database in dir.
func lockDir(fs vfs.FS, dir string) (func(), error) {
	if fs != vfs.OS() {
		ml := memLock{fs: fs, dir: dir}
		memLocksMutex.Lock()
		defer memLocksMutex.Unlock()

		if memLocks[ml] {
			return nil, fmt.Errorf("%w: %s", ErrInUse, dir)
		}
		memLocks[ml] = true
		return func() {
			memLocksMutex.Lock()
			delete(memLocks, ml)
			memLocksMutex.Unlock()
		}, nil
	}

	fl := flock.New(filepath.Join(dir, lockFileName))
	locked, err := fl.TryLock()
	if err != nil {
		return nil, err
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrInUse, dir)
	}
	return func() {
		fl.Unlock()
	}, nil
}

// Open opens the database in dir, creating it if necessary, and recovers it. A failed
// recovery returns an error matching recovery.ErrRecoveryFailed.
func Open(dir string, opts Options) (*Database, error) {
	if opts.FS == nil {
		opts.FS = vfs.OS()
	}
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	if opts.StaleCheckInterval <= 0 {
		opts.StaleCheckInterval = DefaultStaleCheckInterval
	}

	err := opts.FS.MkdirAll(dir)
	if err != nil {
		return nil, err
	}
	unlock, err := lockDir(opts.FS, dir)
	if err != nil {
		return nil, err
	}

	db := &Database{
		logger: opts.Logger,
		fs:     opts.FS,
		dir:    dir,
		unlock: unlock,
	}
	err = db.open(opts)
	if err != nil {
		db.abandon()
		return nil, err
	}
	return db, nil
}

func (db *Database) open(opts Options) error {
	logger := db.logger.WithField("database", db.dir)

	var err error
	db.stores, err = store.Open(logger, db.fs, db.dir, opts.Store)
	if err != nil {
		return err
	}
	kv, err := index.OpenKV(db.logger, db.fs, db.dir, opts.IndexBackend)
	if err != nil {
		return err
	}
	db.indexes = index.NewProvider(logger, kv)

	lo := txlog.Layout{FS: db.fs, Dir: db.dir}
	db.result, err = recovery.Recover(logger, db.stores, db.indexes, lo,
		recovery.Options{
			ReverseRecovery:      opts.ReverseRecovery,
			TruncateCorruptedLog: opts.TruncateCorruptedLog,
			Monitor:              opts.RecoveryMonitor,
		})
	if err != nil {
		return err
	}
	if db.result.Truncated {
		err = removeLogFilesAfter(lo, db.result.End.End.Version)
		if err != nil {
			return err
		}
	}

	db.log, err = txlog.Open(logger, db.fs, db.dir, db.stores.Meta.StoreID, db.result.End,
		opts.Log)
	if err != nil {
		return err
	}
	db.cps, err = txlog.OpenCheckpoints(lo)
	if err != nil {
		return err
	}

	db.health = health.New(logger)
	seq := txseq.New(logger, txseq.Options{StaleAfter: opts.StaleTxAfter})
	db.kernel, err = kernel.New(logger, db.stores, db.log, db.indexes, db.health, seq,
		opts.Kernel)
	if err != nil {
		return err
	}

	db.ckpt = checkpoint.New(logger, db.stores, db.indexes, db.log, db.cps,
		db.kernel.LastClosed, db.result.Checkpoint,
		checkpoint.Options{KeepFiles: opts.KeepLogFiles})
	if db.result.Required {
		_, err = db.ckpt.ForceCheckpoint(context.Background(), "recovery completed")
	} else if db.result.Checkpoint.Time.IsZero() {
		_, err = db.ckpt.ForceCheckpoint(context.Background(), "database created")
	}
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	db.cancel = cancel
	if !opts.NoScheduler {
		db.wg.Add(2)
		go func() {
			defer db.wg.Done()
			checkpoint.Scheduler{
				Checkpointer: db.ckpt,
				Committed:    db.kernel.Committed,
				Interval:     opts.CheckpointInterval,
				TxThreshold:  opts.CheckpointTxThreshold,
				Logger:       logger,
			}.Run(ctx)
		}()
		go func() {
			defer db.wg.Done()
			db.monitor(ctx, seq, opts.StaleCheckInterval)
		}()
	}

	logger.WithFields(log.Fields{
		"format":    db.stores.Format.Name,
		"last tx":   db.log.LastCommit().TxID,
		"recovered": db.result.Recovered,
	}).Info("database: opened")
	return nil
}

// monitor marks stale transactions and releases freed ids until ctx is done.
func (db *Database) monitor(ctx context.Context, seq *txseq.Sequencer, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			seq.MarkStale()
			if n := db.kernel.ReleaseIDs(); n > 0 {
				db.logger.WithField("ids", n).Debug("database: released ids")
			}
		}
	}
}

func removeLogFilesAfter(lo txlog.Layout, version uint64) error {
	files, err := lo.LogFiles()
	if err != nil {
		return err
	}
	for _, lf := range files {
		if lf.Version > version {
			err = lo.FS.Remove(lf.Name)
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// abandon releases whatever a failed open managed to open.
func (db *Database) abandon() {
	if db.log != nil {
		db.log.Close()
	}
	if db.cps != nil {
		db.cps.Close()
	}
	if db.indexes != nil {
		db.indexes.Close()
	}
	if db.stores != nil {
		db.stores.Close(false)
	}
	db.unlock()
}

func (db *Database) Begin(ctx context.Context) (*kernel.Tx, error) {
	return db.kernel.Begin(ctx)
}

func (db *Database) Kernel() *kernel.Kernel {
	return db.kernel
}

func (db *Database) Health() *health.Health {
	return db.health
}

func (db *Database) Stores() *store.Stores {
	return db.stores
}

func (db *Database) Indexes() *index.Provider {
	return db.indexes
}

func (db *Database) Dir() string {
	return db.dir
}

// Recovery returns what recovery did when the database was opened.
func (db *Database) Recovery() recovery.Result {
	return db.result
}

func (db *Database) Checkpoint(ctx context.Context, reason string) (txlog.Checkpoint, error) {
	return db.ckpt.ForceCheckpoint(ctx, reason)
}

func (db *Database) Checkpointer() *checkpoint.Checkpointer {
	return db.ckpt
}

func (db *Database) LastCheckpoint() txlog.Checkpoint {
	return db.ckpt.Last()
}

// Check runs the consistency scan while no transactions are committing.
func (db *Database) Check() (check.Report, error) {
	var rpt check.Report
	err := db.kernel.Quiesce(
		func() error {
			var err error
			rpt, err = check.Check(db.logger, db.stores)
			return err
		})
	return rpt, err
}

// Close closes the database. It is checkpointed only if it is healthy; a database which
// has panicked, even if healed, is recovered the next time it is opened.
func (db *Database) Close() error {
	db.mutex.Lock()
	defer db.mutex.Unlock()

	if db.closed {
		return nil
	}
	db.closed = true

	db.cancel()
	db.wg.Wait()

	clean := false
	st, _ := db.health.State()
	if st == health.Healthy {
		_, err := db.ckpt.ForceCheckpoint(context.Background(), "database closed")
		if err != nil {
			db.logger.WithError(err).Error("database: final checkpoint failed")
		} else {
			clean = true
		}
	}

	err := db.log.Close()
	if cerr := db.cps.Close(); err == nil {
		err = cerr
	}
	if cerr := db.indexes.Close(); err == nil {
		err = cerr
	}
	if cerr := db.stores.Close(clean); err == nil {
		err = cerr
	}
	db.unlock()

	db.logger.WithFields(log.Fields{
		"database": db.dir,
		"clean":    clean,
	}).Info("database: closed")
	return err
}
