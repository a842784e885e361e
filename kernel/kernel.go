package kernel

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/leftmike/graphstore/apply"
	"github.com/leftmike/graphstore/command"
	"github.com/leftmike/graphstore/health"
	"github.com/leftmike/graphstore/index"
	"github.com/leftmike/graphstore/record"
	"github.com/leftmike/graphstore/store"
	"github.com/leftmike/graphstore/txlog"
	"github.com/leftmike/graphstore/txseq"
)

const (
	DefaultDenseNodeThreshold = 50
)

var (
	ErrCommitFailed = errors.New("kernel: commit failed")
	ErrNotFound     = errors.New("kernel: not found")
	ErrTerminated   = errors.New("kernel: transaction terminated")
	ErrTxDone       = errors.New("kernel: transaction already committed or rolled back")
)

// CommitError is returned when a transaction fails after it reached the log; the database
// is panicked and must be recovered.
type CommitError struct {
	TxID uint64
	Err  error
}

func (ce *CommitError) Error() string {
	if ce.TxID == 0 {
		return fmt.Sprintf("kernel: commit failed: %s", ce.Err)
	}
	return fmt.Sprintf("kernel: commit of tx %d failed: %s", ce.TxID, ce.Err)
}

func (ce *CommitError) Is(err error) bool {
	return err == ErrCommitFailed
}

func (ce *CommitError) Unwrap() error {
	return ce.Err
}

type Options struct {
	// A node is converted to dense once it has DenseNodeThreshold relationships.
	DenseNodeThreshold int
	// LockTimeout bounds how long an operation waits for an entity lock; zero waits until
	// the context of the transaction is done.
	LockTimeout time.Duration
}

// Kernel runs transactions against the stores. Commits are serialized: each is translated
// into commands, appended to the log, and then applied to the stores and indexes.
type Kernel struct {
	logger  log.FieldLogger
	stores  *store.Stores
	log     *txlog.Log
	indexes *index.Provider
	health  *health.Health
	seq     *txseq.Sequencer
	applier *apply.Applier
	opts    Options

	locks  lockManager
	tokens []*tokenHolder

	commitMutex sync.Mutex
	applyMutex  sync.RWMutex
	closed      atomic.Value // txlog.Commit
	committed   uint64
	// applyFailed is the first transaction which reached the log but was not completely
	// applied; closed does not advance past it until the database is recovered.
	applyFailed uint64

	schemaMutex sync.RWMutex
	schema      map[int64]*record.Schema
}

func New(logger log.FieldLogger, stores *store.Stores, tl *txlog.Log, indexes *index.Provider,
	h *health.Health, seq *txseq.Sequencer, opts Options) (*Kernel, error) {

	if opts.DenseNodeThreshold <= 0 {
		opts.DenseNodeThreshold = DefaultDenseNodeThreshold
	}

	k := &Kernel{
		logger:  logger,
		stores:  stores,
		log:     tl,
		indexes: indexes,
		health:  h,
		seq:     seq,
		applier: apply.New(logger, stores, indexes, seq),
		opts:    opts,
		schema:  map[int64]*record.Schema{},
	}
	k.closed.Store(tl.LastCommit())

	for _, tk := range []record.TokenKind{record.LabelToken, record.RelTypeToken,
		record.PropertyKeyToken} {

		th := newTokenHolder(tk)
		err := th.load(stores)
		if err != nil {
			return nil, fmt.Errorf("kernel: loading %s tokens: %w", tk, err)
		}
		k.tokens = append(k.tokens, th)
	}

	rules, err := stores.LoadSchema()
	if err != nil {
		return nil, fmt.Errorf("kernel: loading schema: %w", err)
	}
	for _, rule := range rules {
		k.schema[rule.ID] = rule
	}
	return k, nil
}

// ApplyFailed returns the first transaction whose application failed since the kernel was
// created, or zero.
func (k *Kernel) ApplyFailed() uint64 {
	k.applyMutex.RLock()
	defer k.applyMutex.RUnlock()

	return k.applyFailed
}

// LastClosed returns the last transaction such that it and every transaction before it have
// been completely applied.
func (k *Kernel) LastClosed() txlog.Commit {
	return k.closed.Load().(txlog.Commit)
}

// Committed returns the number of transactions committed since the kernel started.
func (k *Kernel) Committed() uint64 {
	return atomic.LoadUint64(&k.committed)
}

func (k *Kernel) Health() *health.Health {
	return k.health
}

// Sequencer returns the sequencer of the active transactions of the kernel.
func (k *Kernel) Sequencer() *txseq.Sequencer {
	return k.seq
}

func (k *Kernel) schemaRules() map[int64]*record.Schema {
	k.schemaMutex.RLock()
	defer k.schemaMutex.RUnlock()

	rules := make(map[int64]*record.Schema, len(k.schema))
	for id, rule := range k.schema {
		rules[id] = rule
	}
	return rules
}

func (k *Kernel) findRule(label, key int32) (*record.Schema, bool) {
	k.schemaMutex.RLock()
	defer k.schemaMutex.RUnlock()

	for _, rule := range k.schema {
		if rule.LabelID == label && rule.KeyID == key {
			return rule, true
		}
	}
	return nil, false
}

// IndexRule is a property index on the nodes with a label.
type IndexRule struct {
	ID    int64
	Label string
	Key   string
}

// Indexes returns the property indexes, in order of id.
func (k *Kernel) Indexes() []IndexRule {
	rules := k.schemaRules()
	ids := make([]int64, 0, len(rules))
	for id := range rules {
		ids = append(ids, id)
	}

	var irs []IndexRule
	for _, id := range sortedIDs(ids) {
		irs = append(irs, IndexRule{
			ID:    id,
			Label: k.tokenName(record.LabelToken, rules[id].LabelID),
			Key:   k.tokenName(record.PropertyKeyToken, rules[id].KeyID),
		})
	}
	return irs
}

// commitChanges appends the changes to the log and applies them. The commit mutex must be
// held. Ids allocated by the changes are returned to the stores if the batch never reaches
// the log.
func (k *Kernel) commitChanges(rc *recordChanges, updates []command.IndexUpdate,
	started time.Time) (txlog.Commit, error) {

	err := k.health.Assert()
	if err != nil {
		rc.abandon()
		return txlog.Commit{}, err
	}

	cmds, err := rc.commands()
	if err != nil {
		rc.abandon()
		return txlog.Commit{}, err
	}
	if len(cmds) == 0 && len(updates) == 0 {
		rc.abandon()
		return txlog.Commit{}, nil
	}

	b := &command.Batch{
		LatestCommitted: k.LastClosed().TxID,
		Started:         started,
		Commands:        cmds,
		IndexUpdates:    updates,
	}
	c, err := k.log.Append(b)
	if err != nil {
		rc.abandon()
		k.health.Panic(err)
		return txlog.Commit{}, &CommitError{Err: err}
	}

	k.applyMutex.Lock()
	err = k.applier.Apply(b, apply.Online)
	if err == nil && k.applyFailed == 0 {
		k.closed.Store(c)
	} else if err != nil && k.applyFailed == 0 {
		k.applyFailed = c.TxID
	}
	k.applyMutex.Unlock()
	if err != nil {
		k.health.Panic(err)
		return txlog.Commit{}, &CommitError{TxID: c.TxID, Err: err}
	}

	for _, ck := range rc.unused() {
		k.stores.Store(ck.kind).IDs().Free(ck.id)
	}
	atomic.AddUint64(&k.committed, 1)

	k.logger.WithFields(log.Fields{
		"tx":       c.TxID,
		"commands": len(cmds),
		"updates":  len(updates),
	}).Debug("kernel: committed")
	return c, nil
}

// commitTx translates the state of tx and commits it.
func (k *Kernel) commitTx(ts *txState, started time.Time) (txlog.Commit, error) {
	k.commitMutex.Lock()
	defer k.commitMutex.Unlock()

	err := k.health.Assert()
	if err != nil {
		return txlog.Commit{}, err
	}

	tr, err := k.translate(ts)
	if err != nil {
		tr.rc.abandon()
		return txlog.Commit{}, err
	}
	c, err := k.commitChanges(tr.rc, tr.updates, started)
	if err != nil {
		return c, err
	}

	if len(tr.created) > 0 || len(tr.dropped) > 0 {
		k.schemaMutex.Lock()
		for _, rule := range tr.created {
			k.schema[rule.ID] = rule
		}
		for _, id := range tr.dropped {
			delete(k.schema, id)
		}
		k.schemaMutex.Unlock()
	}
	return c, nil
}

// ReleaseIDs hands back freed ids which no active transaction could still be using.
func (k *Kernel) ReleaseIDs() int {
	k.commitMutex.Lock()
	defer k.commitMutex.Unlock()

	return k.applier.Release()
}

// Quiesce calls fn while no transaction is committing.
func (k *Kernel) Quiesce(fn func() error) error {
	k.commitMutex.Lock()
	defer k.commitMutex.Unlock()

	return fn()
}
