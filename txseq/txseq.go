package txseq

import (
	"context"
	"sync"
	"time"

	"github.com/google/btree"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultStaleAfter = 10 * time.Minute
)

type Options struct {
	StaleAfter time.Duration
	Now        func() time.Time
}

type active struct {
	seq       uint64
	started   time.Time
	progress  time.Time
	stale     bool
	terminate func()
}

func (a *active) Less(item btree.Item) bool {
	return a.seq < item.(*active).seq
}

// Sequencer issues a sequence number to each transaction as it begins, and tracks which
// transactions are still active.
type Sequencer struct {
	logger     log.FieldLogger
	staleAfter time.Duration
	now        func() time.Time

	mutex  sync.Mutex
	next   uint64
	active *btree.BTree
}

// Tx is the registration of an active transaction.
type Tx struct {
	s *Sequencer
	a *active
}

// Info describes an active transaction.
type Info struct {
	Seq          uint64
	Started      time.Time
	LastProgress time.Time
	Stale        bool
}

func New(logger log.FieldLogger, opts Options) *Sequencer {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Sequencer{
		logger:     logger,
		staleAfter: opts.StaleAfter,
		now:        opts.Now,
		next:       1,
		active:     btree.New(8),
	}
}

// Begin registers a new transaction; terminate, if not nil, is called by Terminate.
func (s *Sequencer) Begin(terminate func()) *Tx {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	now := s.now()
	a := &active{
		seq:       s.next,
		started:   now,
		progress:  now,
		terminate: terminate,
	}
	s.next += 1
	s.active.ReplaceOrInsert(a)
	return &Tx{s: s, a: a}
}

func (tx *Tx) Seq() uint64 {
	return tx.a.seq
}

// Progress records that the transaction is doing work.
func (tx *Tx) Progress() {
	tx.s.mutex.Lock()
	tx.a.progress = tx.s.now()
	if tx.a.stale {
		tx.a.stale = false
		tx.s.logger.WithField("seq", tx.a.seq).Info("txseq: stale transaction made progress")
	}
	tx.s.mutex.Unlock()
}

func (tx *Tx) Stale() bool {
	tx.s.mutex.Lock()
	defer tx.s.mutex.Unlock()

	return tx.a.stale
}

// End removes the transaction from the active set.
func (tx *Tx) End() {
	tx.s.mutex.Lock()
	tx.s.active.Delete(tx.a)
	tx.s.mutex.Unlock()
}

// OldestActive returns the sequence number of the oldest active transaction.
func (s *Sequencer) OldestActive() (uint64, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	item := s.active.Min()
	if item == nil {
		return 0, false
	}
	return item.(*active).seq, true
}

// Snapshot returns the sequence number of the most recently begun transaction. Resources
// released now may still be observed by transactions up to and including the snapshot.
func (s *Sequencer) Snapshot() uint64 {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.next - 1
}

// Eligible reports whether every transaction with a sequence number less than or equal to
// seq has ended.
func (s *Sequencer) Eligible(seq uint64) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	item := s.active.Min()
	return item == nil || seq < item.(*active).seq
}

// Active returns the active transactions, oldest first.
func (s *Sequencer) Active() []Info {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	var infos []Info
	s.active.Ascend(
		func(item btree.Item) bool {
			a := item.(*active)
			infos = append(infos, Info{
				Seq:          a.seq,
				Started:      a.started,
				LastProgress: a.progress,
				Stale:        a.stale,
			})
			return true
		})
	return infos
}

// MarkStale marks every transaction which has not made progress within the stale threshold
// as stale, and returns the transactions which became stale.
func (s *Sequencer) MarkStale() []Info {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	now := s.now()
	var infos []Info
	s.active.Ascend(
		func(item btree.Item) bool {
			a := item.(*active)
			if !a.stale && now.Sub(a.progress) > s.staleAfter {
				a.stale = true
				infos = append(infos, Info{
					Seq:          a.seq,
					Started:      a.started,
					LastProgress: a.progress,
					Stale:        true,
				})
				s.logger.WithFields(log.Fields{
					"seq":     a.seq,
					"started": a.started,
					"idle":    now.Sub(a.progress),
				}).Warn("txseq: stale transaction")
			}
			return true
		})
	return infos
}

// Terminate asks the transaction with sequence number seq to terminate.
func (s *Sequencer) Terminate(seq uint64) bool {
	s.mutex.Lock()
	item := s.active.Get(&active{seq: seq})
	s.mutex.Unlock()

	if item == nil {
		return false
	}
	a := item.(*active)
	if a.terminate != nil {
		a.terminate()
	}
	return true
}

// Monitor marks stale transactions every interval until ctx is done.
func (s *Sequencer) Monitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.MarkStale()
		}
	}
}
