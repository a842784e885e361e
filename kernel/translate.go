package kernel

import (
	"errors"
	"fmt"
	"sort"

	"github.com/leftmike/graphstore/command"
	"github.com/leftmike/graphstore/index"
	"github.com/leftmike/graphstore/record"
	"github.com/leftmike/graphstore/store"
)

var (
	ErrNodeHasRelationships = errors.New("kernel: node still has relationships")
)

func sortedKeys(m map[int32]bool) []int32 {
	keys := make([]int32, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func sortedValueKeys(m map[int32]record.Value) []int32 {
	keys := make([]int32, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// translation is the record changes and index updates of one commit.
type translation struct {
	rc      *recordChanges
	updates []command.IndexUpdate
	created []*record.Schema
	dropped []int64
}

// translate turns the state of tx into record changes and index updates. It must be called
// with the commit mutex held, so that the stores do not change underneath it.
func (k *Kernel) translate(ts *txState) (*translation, error) {
	tr := &translation{
		rc: newRecordChanges(k.stores),
	}

	// The logical state of every node changed by the transaction, before the changes.
	before := map[int64]logicalNode{}
	for _, id := range ts.nodeIDs() {
		if ts.nodes[id].created {
			before[id] = logicalNode{}
			continue
		}
		ln, err := readLogicalNode(k.stores, id)
		if err != nil {
			return tr, err
		}
		before[id] = ln
	}

	err := k.translateRelationships(tr.rc, ts, true)
	if err != nil {
		return tr, err
	}
	err = k.translateNodes(tr.rc, ts)
	if err != nil {
		return tr, err
	}
	err = k.translateRelationships(tr.rc, ts, false)
	if err != nil {
		return tr, err
	}
	err = k.translateNodeDeletes(tr.rc, ts)
	if err != nil {
		return tr, err
	}

	rules := k.schemaRules()
	for _, sc := range ts.schema {
		if sc.drop {
			delete(rules, sc.rule)
		}
	}
	for _, id := range ts.nodeIDs() {
		after := ts.nodes[id].overlay(before[id])
		tr.updates = append(tr.updates, indexUpdates(id, before[id], after, rules)...)
	}

	err = k.translateSchema(tr, ts, before)
	if err != nil {
		return tr, err
	}
	return tr, nil
}

func (k *Kernel) translateNodes(rc *recordChanges, ts *txState) error {
	for _, id := range ts.nodeIDs() {
		ns := ts.nodes[id]
		if ns.deleted {
			continue
		}

		var n *record.Node
		if ns.created {
			n = rc.createWithID(store.NodeStore, id).(*record.Node)
		} else if ns.labelsChanged() || ns.propertiesChanged() {
			var err error
			n, err = rc.node(id)
			if err != nil {
				return err
			}
		} else {
			continue
		}

		if ns.labelsChanged() {
			labels, err := k.stores.DecodeLabels(n.Labels)
			if err != nil {
				return err
			}
			cur := map[int32]bool{}
			for _, l := range labels {
				cur[l] = true
			}
			err = rc.setLabels(n, ns.overlayLabels(cur))
			if err != nil {
				return err
			}
		}
		err := rc.changeProperties(nodeOwner(n), &ns.entityState)
		if err != nil {
			return err
		}
	}
	return nil
}

// translateRelationships translates either the deleted or the created and changed
// relationships of the transaction.
func (k *Kernel) translateRelationships(rc *recordChanges, ts *txState, deletes bool) error {
	for _, id := range ts.relIDs() {
		rs := ts.rels[id]
		if rs.deleted != deletes {
			continue
		}

		if rs.deleted {
			if rs.created {
				continue
			}
			rel, err := rc.relationship(id)
			if err != nil {
				return err
			}
			err = rc.unlinkRelationship(rel)
			if err != nil {
				return err
			}
			err = rc.deleteProperties(relationshipOwner(rel))
			if err != nil {
				return err
			}
			err = rc.delete(store.RelationshipStore, id)
			if err != nil {
				return err
			}
			continue
		}

		var rel *record.Relationship
		if rs.created {
			rel = rc.createWithID(store.RelationshipStore, id).(*record.Relationship)
			rel.FirstNode = rs.first
			rel.SecondNode = rs.second
			rel.Type = rs.typ
			err := rc.linkRelationship(rel, k.opts.DenseNodeThreshold)
			if err != nil {
				return err
			}
		} else if rs.propertiesChanged() {
			var err error
			rel, err = rc.relationship(id)
			if err != nil {
				return err
			}
		} else {
			continue
		}

		err := rc.changeProperties(relationshipOwner(rel), &rs.entityState)
		if err != nil {
			return err
		}
	}
	return nil
}

func (k *Kernel) translateNodeDeletes(rc *recordChanges, ts *txState) error {
	for _, id := range ts.nodeIDs() {
		ns := ts.nodes[id]
		if !ns.deleted || ns.created {
			continue
		}

		n, err := rc.node(id)
		if err != nil {
			return err
		}
		if n.NextRel != record.NoID {
			return fmt.Errorf("%w: %d", ErrNodeHasRelationships, id)
		}
		err = rc.deleteProperties(nodeOwner(n))
		if err != nil {
			return err
		}
		chain, err := k.stores.LabelChain(n.Labels)
		if err != nil {
			return err
		}
		err = rc.deleteChain(store.NodeLabelStore, chain)
		if err != nil {
			return err
		}
		err = rc.delete(store.NodeStore, id)
		if err != nil {
			return err
		}
	}
	return nil
}

func labelUpdate(node int64, label int32, remove bool) command.IndexUpdate {
	return command.IndexUpdate{
		Index:  index.LabelIndex,
		Key:    index.LabelKey(label),
		NodeID: node,
		Remove: remove,
	}
}

// ruleKey returns the key of the node in the property index of rule, if it is in the index.
func ruleKey(ln logicalNode, rule *record.Schema) ([]byte, bool) {
	if !ln.exists || !ln.labels[rule.LabelID] {
		return nil, false
	}
	v, ok := ln.props[rule.KeyID]
	if !ok {
		return nil, false
	}
	key, err := index.ValueKey(v)
	if err != nil {
		panic(fmt.Sprintf("kernel: property value of key %d: %s", rule.KeyID, err))
	}
	return key, true
}

// indexUpdates returns the updates needed to change the index entries of node from before
// to after.
func indexUpdates(node int64, before, after logicalNode,
	rules map[int64]*record.Schema) []command.IndexUpdate {

	var updates []command.IndexUpdate
	for _, l := range sortedKeys(before.labels) {
		if !after.labels[l] {
			updates = append(updates, labelUpdate(node, l, true))
		}
	}
	for _, l := range sortedKeys(after.labels) {
		if !before.labels[l] {
			updates = append(updates, labelUpdate(node, l, false))
		}
	}

	ids := make([]int64, 0, len(rules))
	for id := range rules {
		ids = append(ids, id)
	}
	for _, id := range sortedIDs(ids) {
		rule := rules[id]
		bkey, bok := ruleKey(before, rule)
		akey, aok := ruleKey(after, rule)
		if bok && aok && string(bkey) == string(akey) {
			continue
		}
		if bok {
			updates = append(updates, command.IndexUpdate{
				Index:  index.PropertyIndex(id),
				Key:    bkey,
				NodeID: node,
				Remove: true,
			})
		}
		if aok {
			updates = append(updates, command.IndexUpdate{
				Index:  index.PropertyIndex(id),
				Key:    akey,
				NodeID: node,
			})
		}
	}
	return updates
}

// translateSchema creates and drops property indexes; a new index is populated from the
// nodes which have its label once the transaction is applied.
func (k *Kernel) translateSchema(tr *translation, ts *txState,
	before map[int64]logicalNode) error {

	for _, sc := range ts.schema {
		if sc.drop {
			err := tr.rc.delete(store.SchemaStore, sc.rule)
			if err != nil {
				return err
			}
			tr.updates = append(tr.updates, command.IndexUpdate{
				Index: index.PropertyIndex(sc.rule),
				Drop:  true,
			})
			tr.dropped = append(tr.dropped, sc.rule)
			continue
		}

		rec, err := tr.rc.create(store.SchemaStore)
		if err != nil {
			return err
		}
		rule := rec.(*record.Schema)
		rule.LabelID = sc.label
		rule.KeyID = sc.key
		tr.created = append(tr.created, rule)

		nodes, err := k.indexes.LabelScan(sc.label)
		if err != nil {
			return err
		}
		seen := map[int64]bool{}
		for _, id := range nodes {
			seen[id] = true
		}
		for _, id := range ts.nodeIDs() {
			if !seen[id] {
				nodes = append(nodes, id)
			}
		}

		for _, id := range sortedIDs(nodes) {
			var ln logicalNode
			if ns, ok := ts.nodes[id]; ok {
				ln = ns.overlay(before[id])
			} else {
				ln, err = readLogicalNode(k.stores, id)
				if err != nil {
					return err
				}
			}
			key, ok := ruleKey(ln, rule)
			if !ok {
				continue
			}
			tr.updates = append(tr.updates, command.IndexUpdate{
				Index:  index.PropertyIndex(rule.ID),
				Key:    key,
				NodeID: id,
			})
		}
	}
	return nil
}
