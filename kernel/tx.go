package kernel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/leftmike/graphstore/format"
	"github.com/leftmike/graphstore/index"
	"github.com/leftmike/graphstore/record"
	"github.com/leftmike/graphstore/store"
	"github.com/leftmike/graphstore/txlog"
	"github.com/leftmike/graphstore/txseq"
)

var (
	ErrIndexExists = errors.New("kernel: index already exists")
)

// Node is a node as seen by a transaction.
type Node struct {
	ID         int64
	Labels     []string
	Properties map[string]record.Value
}

// Relationship is a relationship as seen by a transaction.
type Relationship struct {
	ID         int64
	Type       string
	Start      int64
	End        int64
	Properties map[string]record.Value
}

// Tx is a transaction. Changes are kept in the transaction until it commits; reads see the
// committed state of the database with the changes of the transaction on top. A Tx must be
// used by one goroutine at a time, but Terminate may be called from any goroutine.
type Tx struct {
	k       *Kernel
	ctx     context.Context
	seqTx   *txseq.Tx
	lkr     locker
	state   txState
	started time.Time

	createdNodes []int64
	createdRels  []int64

	mutex      sync.Mutex
	terminated bool
	committing bool
	ignored    bool
	done       bool
	txID       uint64
}

// Begin starts a transaction; ctx bounds the waits for locks of the transaction.
func (k *Kernel) Begin(ctx context.Context) (*Tx, error) {
	err := k.health.Assert()
	if err != nil {
		return nil, err
	}

	tx := &Tx{
		k:       k,
		ctx:     ctx,
		started: time.Now(),
	}
	tx.seqTx = k.seq.Begin(func() { tx.Terminate() })
	return tx, nil
}

// Seq returns the sequence number of the transaction.
func (tx *Tx) Seq() uint64 {
	return tx.seqTx.Seq()
}

// TxID returns the id of the committed transaction; it is zero until the transaction has
// committed, and for transactions which changed nothing.
func (tx *Tx) TxID() uint64 {
	tx.mutex.Lock()
	defer tx.mutex.Unlock()

	return tx.txID
}

// Terminate marks the transaction for termination. Once the transaction has started to
// commit, termination is ignored and false is returned.
func (tx *Tx) Terminate() bool {
	tx.mutex.Lock()
	defer tx.mutex.Unlock()

	if tx.done {
		return false
	}
	if tx.committing {
		tx.ignored = true
		return false
	}
	tx.terminated = true
	return true
}

// TerminationIgnored returns true if the transaction was asked to terminate after it had
// started to commit.
func (tx *Tx) TerminationIgnored() bool {
	tx.mutex.Lock()
	defer tx.mutex.Unlock()

	return tx.ignored
}

func (tx *Tx) check() error {
	tx.mutex.Lock()
	done, terminated := tx.done, tx.terminated
	tx.mutex.Unlock()

	if done {
		return ErrTxDone
	} else if terminated {
		return ErrTerminated
	}
	err := tx.k.health.Assert()
	if err != nil {
		return err
	}
	tx.seqTx.Progress()
	return nil
}

func (tx *Tx) lock(kind entityKind, id int64) error {
	ctx := tx.ctx
	if tx.k.opts.LockTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, tx.k.opts.LockTimeout)
		defer cancel()
	}
	return tx.k.locks.wlock(ctx, &tx.lkr, lockKey{kind: kind, id: id})
}

// finish ends the transaction; created ids are returned to the stores when free is true.
func (tx *Tx) finish(free bool) {
	if free {
		for _, id := range tx.createdNodes {
			tx.k.stores.Store(store.NodeStore).IDs().Free(id)
		}
		for _, id := range tx.createdRels {
			tx.k.stores.Store(store.RelationshipStore).IDs().Free(id)
		}
	}
	tx.createdNodes = nil
	tx.createdRels = nil
	tx.lkr.unlock()
	tx.seqTx.End()
}

// Rollback discards the changes of the transaction.
func (tx *Tx) Rollback() error {
	tx.mutex.Lock()
	if tx.done {
		tx.mutex.Unlock()
		return ErrTxDone
	}
	tx.done = true
	tx.mutex.Unlock()

	tx.finish(true)
	return nil
}

// Commit makes the changes of the transaction durable. A terminated transaction is rolled
// back and ErrTerminated returned.
func (tx *Tx) Commit() error {
	tx.mutex.Lock()
	if tx.done {
		tx.mutex.Unlock()
		return ErrTxDone
	}
	if tx.terminated {
		tx.done = true
		tx.mutex.Unlock()
		tx.finish(true)
		return ErrTerminated
	}
	if err := tx.ctx.Err(); err != nil {
		tx.done = true
		tx.mutex.Unlock()
		tx.finish(true)
		return err
	}
	tx.committing = true
	tx.mutex.Unlock()

	var txID uint64
	var err error
	if !tx.state.empty() {
		var c txlog.Commit
		c, err = tx.k.commitTx(&tx.state, tx.started)
		if err == nil {
			txID = c.TxID
		}
	}

	tx.mutex.Lock()
	tx.done = true
	tx.txID = txID
	ignored := tx.ignored
	tx.mutex.Unlock()

	if err != nil {
		tx.finish(!errors.Is(err, ErrCommitFailed))
		return err
	}

	// Entities created and deleted by the transaction were never written.
	for _, id := range tx.createdNodes {
		if ns, ok := tx.state.nodes[id]; !ok || ns.deleted {
			tx.k.stores.Store(store.NodeStore).IDs().Free(id)
		}
	}
	for _, id := range tx.createdRels {
		if rs, ok := tx.state.rels[id]; !ok || rs.deleted {
			tx.k.stores.Store(store.RelationshipStore).IDs().Free(id)
		}
	}
	tx.finish(false)

	if ignored {
		tx.k.logger.WithField("seq", tx.Seq()).Warn("kernel: termination ignored by commit")
	}
	return nil
}

func (tx *Tx) token(tk record.TokenKind, name string) (int32, error) {
	return tx.k.token(tk, name)
}

func (tx *Tx) readNode(id int64) (*record.Node, error) {
	rec, err := tx.k.stores.Store(store.NodeStore).GetRecord(id, format.Force)
	if err != nil {
		return nil, err
	}
	n := rec.(*record.Node)
	if !n.InUse {
		return nil, fmt.Errorf("%w: node %d", ErrNotFound, id)
	}
	return n, nil
}

func (tx *Tx) readRelationship(id int64) (*record.Relationship, error) {
	rec, err := tx.k.stores.Store(store.RelationshipStore).GetRecord(id, format.Force)
	if err != nil {
		return nil, err
	}
	rel := rec.(*record.Relationship)
	if !rel.InUse {
		return nil, fmt.Errorf("%w: relationship %d", ErrNotFound, id)
	}
	return rel, nil
}

// nodeExists returns an error if the node does not exist for the transaction.
func (tx *Tx) nodeExists(id int64) error {
	if ns, ok := tx.state.nodes[id]; ok {
		if ns.deleted {
			return fmt.Errorf("%w: node %d", ErrNotFound, id)
		} else if ns.created {
			return nil
		}
	}

	tx.k.applyMutex.RLock()
	defer tx.k.applyMutex.RUnlock()

	_, err := tx.readNode(id)
	return err
}

func (tx *Tx) relationshipExists(id int64) (*relState, error) {
	if rs, ok := tx.state.rels[id]; ok {
		if rs.deleted {
			return nil, fmt.Errorf("%w: relationship %d", ErrNotFound, id)
		} else if rs.created {
			return rs, nil
		}
	}

	tx.k.applyMutex.RLock()
	defer tx.k.applyMutex.RUnlock()

	rel, err := tx.readRelationship(id)
	if err != nil {
		return nil, err
	}
	return &relState{first: rel.FirstNode, second: rel.SecondNode, typ: rel.Type}, nil
}

// CreateNode creates a node with labels.
func (tx *Tx) CreateNode(labels ...string) (int64, error) {
	err := tx.check()
	if err != nil {
		return 0, err
	}

	ids := make([]int32, 0, len(labels))
	for _, l := range labels {
		id, err := tx.token(record.LabelToken, l)
		if err != nil {
			return 0, err
		}
		ids = append(ids, id)
	}

	id, err := tx.k.stores.Store(store.NodeStore).NextID()
	if err != nil {
		return 0, err
	}
	tx.createdNodes = append(tx.createdNodes, id)
	err = tx.lock(nodeEntity, id)
	if err != nil {
		return 0, err
	}

	ns := tx.state.node(id)
	ns.created = true
	for _, l := range ids {
		ns.addLabel(l)
	}
	return id, nil
}

// DeleteNode deletes a node; the node must not have any relationships when the transaction
// commits.
func (tx *Tx) DeleteNode(id int64) error {
	err := tx.check()
	if err != nil {
		return err
	}
	err = tx.lock(nodeEntity, id)
	if err != nil {
		return err
	}
	err = tx.nodeExists(id)
	if err != nil {
		return err
	}

	for _, rs := range tx.state.rels {
		if rs.created && !rs.deleted && (rs.first == id || rs.second == id) {
			return fmt.Errorf("%w: %d", ErrNodeHasRelationships, id)
		}
	}

	ns := tx.state.node(id)
	ns.deleted = true
	ns.props = nil
	ns.removed = nil
	ns.addLabels = nil
	ns.removeLabels = nil
	return nil
}

func (tx *Tx) changeLabel(id int64, label string, remove bool) error {
	err := tx.check()
	if err != nil {
		return err
	}
	l, err := tx.token(record.LabelToken, label)
	if err != nil {
		return err
	}
	err = tx.lock(nodeEntity, id)
	if err != nil {
		return err
	}
	err = tx.nodeExists(id)
	if err != nil {
		return err
	}

	if remove {
		tx.state.node(id).removeLabel(l)
	} else {
		tx.state.node(id).addLabel(l)
	}
	return nil
}

func (tx *Tx) AddLabel(id int64, label string) error {
	return tx.changeLabel(id, label, false)
}

func (tx *Tx) RemoveLabel(id int64, label string) error {
	return tx.changeLabel(id, label, true)
}

func (tx *Tx) SetNodeProperty(id int64, key string, v interface{}) error {
	err := tx.check()
	if err != nil {
		return err
	}
	val, err := record.NormalizeValue(v)
	if err != nil {
		return err
	}
	pk, err := tx.token(record.PropertyKeyToken, key)
	if err != nil {
		return err
	}
	err = tx.lock(nodeEntity, id)
	if err != nil {
		return err
	}
	err = tx.nodeExists(id)
	if err != nil {
		return err
	}

	tx.state.node(id).setProperty(pk, val)
	return nil
}

func (tx *Tx) RemoveNodeProperty(id int64, key string) error {
	err := tx.check()
	if err != nil {
		return err
	}
	pk, err := tx.token(record.PropertyKeyToken, key)
	if err != nil {
		return err
	}
	err = tx.lock(nodeEntity, id)
	if err != nil {
		return err
	}
	err = tx.nodeExists(id)
	if err != nil {
		return err
	}

	tx.state.node(id).removeProperty(pk)
	return nil
}

// CreateRelationship creates a relationship of typ from start to end.
func (tx *Tx) CreateRelationship(typ string, start, end int64) (int64, error) {
	err := tx.check()
	if err != nil {
		return 0, err
	}
	t, err := tx.token(record.RelTypeToken, typ)
	if err != nil {
		return 0, err
	}
	for _, n := range []int64{start, end} {
		err = tx.lock(nodeEntity, n)
		if err != nil {
			return 0, err
		}
		err = tx.nodeExists(n)
		if err != nil {
			return 0, err
		}
	}

	id, err := tx.k.stores.Store(store.RelationshipStore).NextID()
	if err != nil {
		return 0, err
	}
	tx.createdRels = append(tx.createdRels, id)
	err = tx.lock(relationshipEntity, id)
	if err != nil {
		return 0, err
	}

	rs := tx.state.rel(id)
	rs.created = true
	rs.first = start
	rs.second = end
	rs.typ = t
	return id, nil
}

func (tx *Tx) DeleteRelationship(id int64) error {
	err := tx.check()
	if err != nil {
		return err
	}
	err = tx.lock(relationshipEntity, id)
	if err != nil {
		return err
	}
	rs, err := tx.relationshipExists(id)
	if err != nil {
		return err
	}
	for _, n := range []int64{rs.first, rs.second} {
		err = tx.lock(nodeEntity, n)
		if err != nil {
			return err
		}
	}

	rs = tx.state.rel(id)
	rs.deleted = true
	rs.props = nil
	rs.removed = nil
	return nil
}

func (tx *Tx) SetRelationshipProperty(id int64, key string, v interface{}) error {
	err := tx.check()
	if err != nil {
		return err
	}
	val, err := record.NormalizeValue(v)
	if err != nil {
		return err
	}
	pk, err := tx.token(record.PropertyKeyToken, key)
	if err != nil {
		return err
	}
	err = tx.lock(relationshipEntity, id)
	if err != nil {
		return err
	}
	_, err = tx.relationshipExists(id)
	if err != nil {
		return err
	}

	tx.state.rel(id).setProperty(pk, val)
	return nil
}

func (tx *Tx) RemoveRelationshipProperty(id int64, key string) error {
	err := tx.check()
	if err != nil {
		return err
	}
	pk, err := tx.token(record.PropertyKeyToken, key)
	if err != nil {
		return err
	}
	err = tx.lock(relationshipEntity, id)
	if err != nil {
		return err
	}
	_, err = tx.relationshipExists(id)
	if err != nil {
		return err
	}

	tx.state.rel(id).removeProperty(pk)
	return nil
}

// CreateIndex creates a property index on key for the nodes with label. The index is
// populated when the transaction commits.
func (tx *Tx) CreateIndex(label, key string) error {
	err := tx.check()
	if err != nil {
		return err
	}
	l, err := tx.token(record.LabelToken, label)
	if err != nil {
		return err
	}
	pk, err := tx.token(record.PropertyKeyToken, key)
	if err != nil {
		return err
	}
	err = tx.lock(schemaEntity, 0)
	if err != nil {
		return err
	}

	exists := false
	if rule, ok := tx.k.findRule(l, pk); ok {
		exists = true
		for _, sc := range tx.state.schema {
			if sc.drop && sc.rule == rule.ID {
				exists = false
			}
		}
	}
	for _, sc := range tx.state.schema {
		if !sc.drop && sc.label == l && sc.key == pk {
			exists = true
		}
	}
	if exists {
		return fmt.Errorf("%w: :%s(%s)", ErrIndexExists, label, key)
	}

	tx.state.schema = append(tx.state.schema, schemaChange{label: l, key: pk})
	return nil
}

// DropIndex drops the property index on key for the nodes with label.
func (tx *Tx) DropIndex(label, key string) error {
	err := tx.check()
	if err != nil {
		return err
	}
	l, lok := tx.k.lookupToken(record.LabelToken, label)
	pk, pok := tx.k.lookupToken(record.PropertyKeyToken, key)
	if !lok || !pok {
		return fmt.Errorf("%w: index on :%s(%s)", ErrNotFound, label, key)
	}
	err = tx.lock(schemaEntity, 0)
	if err != nil {
		return err
	}

	rule, ok := tx.k.findRule(l, pk)
	if !ok {
		return fmt.Errorf("%w: index on :%s(%s)", ErrNotFound, label, key)
	}
	for _, sc := range tx.state.schema {
		if sc.drop && sc.rule == rule.ID {
			return fmt.Errorf("%w: index on :%s(%s)", ErrNotFound, label, key)
		}
	}
	tx.state.schema = append(tx.state.schema, schemaChange{drop: true, rule: rule.ID})
	return nil
}

// logicalNode returns the labels and properties of node id as seen by the transaction.
func (tx *Tx) logicalNode(id int64) (logicalNode, error) {
	ns, ok := tx.state.nodes[id]
	if ok && ns.created {
		return ns.overlay(logicalNode{}), nil
	}

	tx.k.applyMutex.RLock()
	ln, err := readLogicalNode(tx.k.stores, id)
	tx.k.applyMutex.RUnlock()
	if err != nil {
		return logicalNode{}, err
	}
	if !ln.exists {
		return logicalNode{}, nil
	}
	if ok {
		return ns.overlay(ln), nil
	}
	return ln, nil
}

func (tx *Tx) propertyNames(props map[int32]record.Value) map[string]record.Value {
	named := map[string]record.Value{}
	for key, v := range props {
		named[tx.k.tokenName(record.PropertyKeyToken, key)] = v
	}
	return named
}

// Node returns the labels and properties of node id.
func (tx *Tx) Node(id int64) (*Node, error) {
	err := tx.check()
	if err != nil {
		return nil, err
	}
	ln, err := tx.logicalNode(id)
	if err != nil {
		return nil, err
	}
	if !ln.exists {
		return nil, fmt.Errorf("%w: node %d", ErrNotFound, id)
	}

	n := &Node{
		ID:         id,
		Properties: tx.propertyNames(ln.props),
	}
	for _, l := range sortedKeys(ln.labels) {
		n.Labels = append(n.Labels, tx.k.tokenName(record.LabelToken, l))
	}
	sort.Strings(n.Labels)
	return n, nil
}

func (tx *Tx) relationship(id int64) (*Relationship, error) {
	rs, ok := tx.state.rels[id]
	if ok && rs.deleted {
		return nil, fmt.Errorf("%w: relationship %d", ErrNotFound, id)
	}

	var props map[int32]record.Value
	rel := &Relationship{ID: id}
	if ok && rs.created {
		rel.Type = tx.k.tokenName(record.RelTypeToken, rs.typ)
		rel.Start = rs.first
		rel.End = rs.second
	} else {
		tx.k.applyMutex.RLock()
		r, err := tx.readRelationship(id)
		if err == nil {
			props, err = readProperties(tx.k.stores, storeFetcher(tx.k.stores), r.NextProp)
		}
		tx.k.applyMutex.RUnlock()
		if err != nil {
			return nil, err
		}

		rel.Type = tx.k.tokenName(record.RelTypeToken, r.Type)
		rel.Start = r.FirstNode
		rel.End = r.SecondNode
	}

	if ok {
		props = rs.overlayProperties(props)
	}
	rel.Properties = tx.propertyNames(props)
	return rel, nil
}

// Relationship returns the type, nodes, and properties of relationship id.
func (tx *Tx) Relationship(id int64) (*Relationship, error) {
	err := tx.check()
	if err != nil {
		return nil, err
	}
	return tx.relationship(id)
}

// NodeRelationships returns the ids of the relationships of node id, in order.
func (tx *Tx) NodeRelationships(id int64) ([]int64, error) {
	err := tx.check()
	if err != nil {
		return nil, err
	}
	err = tx.nodeExists(id)
	if err != nil {
		return nil, err
	}

	var ids []int64
	if ns, ok := tx.state.nodes[id]; !ok || !ns.created {
		tx.k.applyMutex.RLock()
		n, err := tx.readNode(id)
		var rels []*record.Relationship
		if err == nil {
			rels, err = nodeRelationships(tx.k.stores, storeFetcher(tx.k.stores), n)
		}
		tx.k.applyMutex.RUnlock()
		if err != nil {
			return nil, err
		}

		for _, rel := range rels {
			if rs, ok := tx.state.rels[rel.ID]; !ok || !rs.deleted {
				ids = append(ids, rel.ID)
			}
		}
	}

	for _, rid := range tx.state.relIDs() {
		rs := tx.state.rels[rid]
		if rs.created && !rs.deleted && (rs.first == id || rs.second == id) {
			ids = append(ids, rid)
		}
	}
	return sortedIDs(ids), nil
}

// AllNodes returns the ids of every node, in order.
func (tx *Tx) AllNodes() ([]int64, error) {
	err := tx.check()
	if err != nil {
		return nil, err
	}

	var ids []int64
	tx.k.applyMutex.RLock()
	err = tx.k.stores.Store(store.NodeStore).Scan(
		func(rec record.Record) error {
			if rec.Header().InUse {
				ids = append(ids, rec.Header().ID)
			}
			return nil
		})
	tx.k.applyMutex.RUnlock()
	if err != nil {
		return nil, err
	}

	return tx.overlayNodes(ids, func(ln logicalNode) bool { return true })
}

// overlayNodes removes the nodes changed by the transaction from committed, and adds back
// those which match after the changes.
func (tx *Tx) overlayNodes(committed []int64, match func(ln logicalNode) bool) ([]int64,
	error) {

	var ids []int64
	for _, id := range committed {
		if _, ok := tx.state.nodes[id]; !ok {
			ids = append(ids, id)
		}
	}
	for _, id := range tx.state.nodeIDs() {
		ln, err := tx.logicalNode(id)
		if err != nil {
			return nil, err
		}
		if ln.exists && match(ln) {
			ids = append(ids, id)
		}
	}
	return sortedIDs(ids), nil
}

// FindNodes returns the ids of the nodes with label, using the label index.
func (tx *Tx) FindNodes(label string) ([]int64, error) {
	err := tx.check()
	if err != nil {
		return nil, err
	}
	l, ok := tx.k.lookupToken(record.LabelToken, label)
	if !ok {
		return nil, nil
	}

	tx.k.applyMutex.RLock()
	ids, err := tx.k.indexes.LabelScan(l)
	tx.k.applyMutex.RUnlock()
	if err != nil {
		return nil, err
	}
	return tx.overlayNodes(ids, func(ln logicalNode) bool { return ln.labels[l] })
}

// FindNodesByProperty returns the ids of the nodes with label whose key property is v. A
// property index is used if there is one; otherwise the nodes with label are searched.
func (tx *Tx) FindNodesByProperty(label, key string, v interface{}) ([]int64, error) {
	err := tx.check()
	if err != nil {
		return nil, err
	}
	val, err := record.NormalizeValue(v)
	if err != nil {
		return nil, err
	}
	l, lok := tx.k.lookupToken(record.LabelToken, label)
	pk, pok := tx.k.lookupToken(record.PropertyKeyToken, key)
	if !lok || !pok {
		return nil, nil
	}

	match := func(ln logicalNode) bool {
		if !ln.labels[l] {
			return false
		}
		pv, ok := ln.props[pk]
		return ok && record.ValuesEqual(pv, val)
	}

	var ids []int64
	if rule, ok := tx.k.findRule(l, pk); ok {
		tx.k.applyMutex.RLock()
		ids, err = tx.k.indexes.Seek(index.PropertyIndex(rule.ID), val)
		tx.k.applyMutex.RUnlock()
		if err != nil {
			return nil, err
		}
	} else {
		tx.k.applyMutex.RLock()
		candidates, err := tx.k.indexes.LabelScan(l)
		tx.k.applyMutex.RUnlock()
		if err != nil {
			return nil, err
		}

		for _, id := range candidates {
			if _, ok := tx.state.nodes[id]; ok {
				continue
			}
			tx.k.applyMutex.RLock()
			ln, err := readLogicalNode(tx.k.stores, id)
			tx.k.applyMutex.RUnlock()
			if err != nil {
				return nil, err
			}
			if ln.exists && match(ln) {
				ids = append(ids, id)
			}
		}
	}

	return tx.overlayNodes(ids, match)
}
