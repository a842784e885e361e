package txlog

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/leftmike/graphstore/command"
	"github.com/leftmike/graphstore/vfs"
)

const (
	DefaultRotationSize = 16 * 1024 * 1024
)

// Commit locates the end of a committed batch in the log. Checksum is the checksum of its
// commit entry, which the next batch chains to.
type Commit struct {
	TxID     uint64
	End      Position
	Checksum uint64
}

func (c Commit) String() string {
	return fmt.Sprintf("tx %d at %s", c.TxID, c.End)
}

type Options struct {
	RotationSize int64
}

// Log is the single appender of the transaction log. Readers created with Reader never see
// past the durable end published after each append.
type Log struct {
	logger       log.FieldLogger
	layout       Layout
	storeID      uuid.UUID
	rotationSize int64

	mutex  sync.Mutex
	f      vfs.File
	last   Commit
	failed error
	closed bool

	durable atomic.Value // Commit
}

// Open opens the log for appending after last, which must be the end of the log as found by
// recovery; anything in the file after last.End is removed.
func Open(logger log.FieldLogger, fs vfs.FS, dir string, storeID uuid.UUID, last Commit,
	opts Options) (*Log, error) {

	if opts.RotationSize <= 0 {
		opts.RotationSize = DefaultRotationSize
	}
	l := &Log{
		logger:       logger,
		layout:       Layout{FS: fs, Dir: dir},
		storeID:      storeID,
		rotationSize: opts.RotationSize,
	}
	if last.End.Offset < HeaderSize {
		last.End.Offset = HeaderSize
	}

	err := fs.MkdirAll(dir)
	if err != nil {
		return nil, err
	}
	files, err := l.layout.LogFiles()
	if err != nil {
		return nil, err
	}
	if len(files) > 0 && files[len(files)-1].Version > last.End.Version {
		return nil, fmt.Errorf("%w: log file %s is after the end of the log at %s",
			ErrCorrupted, files[len(files)-1].Name, last.End)
	}

	name := l.layout.logFileName(last.End.Version)
	if !fs.Exists(name) {
		if last.End.Offset != HeaderSize {
			return nil, fmt.Errorf("txlog: missing log file %s", name)
		}
		err = l.createFile(last)
		if err != nil {
			return nil, err
		}
	}

	f, err := fs.OpenFile(name, 0)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, HeaderSize)
	_, err = f.ReadAt(buf, 0)
	if err == nil {
		var h header
		h, err = decodeHeader(buf)
		if err == nil && h.storeID != storeID {
			err = fmt.Errorf("%w: %s belongs to store %s", ErrCorrupted, name, h.storeID)
		}
	}
	if err != nil {
		f.Close()
		return nil, err
	}

	sz, err := f.Size()
	if err != nil {
		f.Close()
		return nil, err
	}
	if sz > last.End.Offset {
		logger.WithFields(log.Fields{
			"file":  name,
			"bytes": sz - last.End.Offset,
		}).Info("txlog: removing log tail")
		err = f.Truncate(last.End.Offset)
		if err == nil {
			err = f.Sync()
		}
		if err != nil {
			f.Close()
			return nil, err
		}
	} else if sz < last.End.Offset {
		f.Close()
		return nil, fmt.Errorf("%w: %s is %d bytes, end of log is %s", ErrCorrupted, name, sz,
			last.End)
	}

	l.f = f
	l.last = last
	l.durable.Store(last)
	return l, nil
}

func (l *Log) createFile(last Commit) error {
	h := header{
		version:      last.End.Version,
		prevTx:       last.TxID,
		prevChecksum: last.Checksum,
		storeID:      l.storeID,
	}
	return vfs.WriteFileAtomic(l.layout.FS, l.layout.logFileName(h.version), h.encode())
}

// LastCommit returns the last batch which is durable in the log.
func (l *Log) LastCommit() Commit {
	return l.durable.Load().(Commit)
}

// Append writes b to the log and forces it to durable storage. The transaction id of b is
// assigned by the log.
func (l *Log) Append(b *command.Batch) (Commit, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.closed {
		return Commit{}, ErrClosed
	}
	if l.failed != nil {
		return Commit{}, fmt.Errorf("%w: %s", ErrFailed, l.failed)
	}

	b.TxID = l.last.TxID + 1
	if b.Committed.IsZero() {
		b.Committed = time.Now()
	}
	buf, sum := encodeBatch(b, l.last.Checksum)

	n, err := l.f.WriteAt(buf, l.last.End.Offset)
	if err == nil {
		n = len(buf)
		err = l.f.Sync()
	}
	if err != nil {
		l.abandon(n, err)
		return Commit{}, fmt.Errorf("%w: tx %d: %s", ErrFailed, b.TxID, err)
	}

	l.last = Commit{
		TxID: b.TxID,
		End: Position{
			Version: l.last.End.Version,
			Offset:  l.last.End.Offset + int64(len(buf)),
		},
		Checksum: sum,
	}
	l.durable.Store(l.last)
	c := l.last

	if l.last.End.Offset >= l.rotationSize {
		err = l.rotate()
		if err != nil {
			l.logger.WithError(err).Error("txlog: log rotation failed")
			l.failed = err
		}
	}
	return c, nil
}

// abandon removes the written bytes of a batch which failed. If they can not be removed, a
// rollback entry is written over them so that readers skip the batch.
func (l *Log) abandon(written int, cause error) {
	err := l.f.Truncate(l.last.End.Offset)
	if err == nil {
		err = l.f.Sync()
	}
	if err == nil {
		return
	}

	skip := int64(written) - rollbackEntrySize
	if skip < 0 {
		skip = 0
	}
	_, err = l.f.WriteAt(rollbackEntry(skip), l.last.End.Offset)
	if err == nil {
		err = l.f.Sync()
	}
	if err != nil {
		l.logger.WithError(err).WithField("cause", cause).Error("txlog: unable to abandon batch")
		l.failed = err
		return
	}

	l.last.End.Offset += rollbackEntrySize + skip
	l.durable.Store(l.last)
}

func (l *Log) rotate() error {
	next := l.last
	next.End = Position{Version: l.last.End.Version + 1, Offset: HeaderSize}

	err := l.createFile(next)
	if err != nil {
		return err
	}
	f, err := l.layout.FS.OpenFile(l.layout.logFileName(next.End.Version), 0)
	if err != nil {
		return err
	}
	l.f.Close()
	l.f = f
	l.last = next
	l.durable.Store(next)

	l.logger.WithFields(log.Fields{
		"version": next.End.Version,
		"tx":      next.TxID,
	}).Info("txlog: rotated log")
	return nil
}

// Rotate starts a new log file.
func (l *Log) Rotate() error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.closed {
		return ErrClosed
	}
	return l.rotate()
}

// Prune removes log files which are entirely before version, but always keeps the keep most
// recent files.
func (l *Log) Prune(version uint64, keep int) ([]string, error) {
	l.mutex.Lock()
	current := l.last.End.Version
	l.mutex.Unlock()

	files, err := l.layout.LogFiles()
	if err != nil {
		return nil, err
	}

	var removed []string
	for idx, lf := range files {
		if lf.Version >= version || lf.Version >= current || len(files)-idx <= keep {
			break
		}
		err = l.layout.FS.Remove(lf.Name)
		if err != nil && !os.IsNotExist(err) {
			return removed, err
		}
		removed = append(removed, lf.Name)
	}
	if len(removed) > 0 {
		l.logger.WithField("files", len(removed)).Info("txlog: pruned log files")
	}
	return removed, nil
}

// Reader returns a reader of the log which starts after from and stops at the durable end
// of the log.
func (l *Log) Reader(from Commit) *Reader {
	r := NewReader(l.layout, l.storeID, from)
	r.SetEnd(l.LastCommit().End)
	return r
}

func (l *Log) Close() error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	return l.f.Close()
}
