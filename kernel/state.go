package kernel

import (
	"sort"

	"github.com/leftmike/graphstore/record"
)

// entityState is the changes made by a transaction to the properties of a node or a
// relationship.
type entityState struct {
	created bool
	deleted bool
	props   map[int32]record.Value
	removed map[int32]bool
}

func (es *entityState) setProperty(key int32, v record.Value) {
	if es.props == nil {
		es.props = map[int32]record.Value{}
	}
	es.props[key] = v
	delete(es.removed, key)
}

func (es *entityState) removeProperty(key int32) {
	if es.removed == nil {
		es.removed = map[int32]bool{}
	}
	es.removed[key] = true
	delete(es.props, key)
}

func (es *entityState) propertiesChanged() bool {
	return len(es.props) > 0 || len(es.removed) > 0
}

// overlayProperties returns the values of props as changed by the transaction.
func (es *entityState) overlayProperties(props map[int32]record.Value) map[int32]record.Value {
	vals := map[int32]record.Value{}
	for k, v := range props {
		if !es.removed[k] {
			vals[k] = v
		}
	}
	for k, v := range es.props {
		vals[k] = v
	}
	return vals
}

type nodeState struct {
	entityState
	addLabels    map[int32]bool
	removeLabels map[int32]bool
}

func (ns *nodeState) addLabel(label int32) {
	if ns.addLabels == nil {
		ns.addLabels = map[int32]bool{}
	}
	ns.addLabels[label] = true
	delete(ns.removeLabels, label)
}

func (ns *nodeState) removeLabel(label int32) {
	if ns.removeLabels == nil {
		ns.removeLabels = map[int32]bool{}
	}
	ns.removeLabels[label] = true
	delete(ns.addLabels, label)
}

func (ns *nodeState) labelsChanged() bool {
	return len(ns.addLabels) > 0 || len(ns.removeLabels) > 0
}

func (ns *nodeState) overlayLabels(labels map[int32]bool) map[int32]bool {
	ret := map[int32]bool{}
	for l := range labels {
		if !ns.removeLabels[l] {
			ret[l] = true
		}
	}
	for l := range ns.addLabels {
		ret[l] = true
	}
	return ret
}

// overlay returns the logical state of a node after the transaction.
func (ns *nodeState) overlay(ln logicalNode) logicalNode {
	if ns.deleted {
		return logicalNode{}
	}
	return logicalNode{
		exists: true,
		labels: ns.overlayLabels(ln.labels),
		props:  ns.overlayProperties(ln.props),
	}
}

type relState struct {
	entityState
	first  int64
	second int64
	typ    int32
}

type schemaChange struct {
	drop  bool
	label int32
	key   int32
	rule  int64
}

type txState struct {
	nodes  map[int64]*nodeState
	rels   map[int64]*relState
	schema []schemaChange
}

func (ts *txState) empty() bool {
	return len(ts.nodes) == 0 && len(ts.rels) == 0 && len(ts.schema) == 0
}

func (ts *txState) node(id int64) *nodeState {
	if ts.nodes == nil {
		ts.nodes = map[int64]*nodeState{}
	}
	ns, ok := ts.nodes[id]
	if !ok {
		ns = &nodeState{}
		ts.nodes[id] = ns
	}
	return ns
}

func (ts *txState) rel(id int64) *relState {
	if ts.rels == nil {
		ts.rels = map[int64]*relState{}
	}
	rs, ok := ts.rels[id]
	if !ok {
		rs = &relState{}
		ts.rels[id] = rs
	}
	return rs
}

func sortedIDs(ids []int64) []int64 {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (ts *txState) nodeIDs() []int64 {
	ids := make([]int64, 0, len(ts.nodes))
	for id := range ts.nodes {
		ids = append(ids, id)
	}
	return sortedIDs(ids)
}

func (ts *txState) relIDs() []int64 {
	ids := make([]int64, 0, len(ts.rels))
	for id := range ts.rels {
		ids = append(ids, id)
	}
	return sortedIDs(ids)
}
