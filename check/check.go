package check

import (
	"fmt"
	"sort"

	log "github.com/sirupsen/logrus"

	"github.com/leftmike/graphstore/format"
	"github.com/leftmike/graphstore/record"
	"github.com/leftmike/graphstore/store"
)

// Problem is an inconsistency found in a record.
type Problem struct {
	Kind    store.Kind
	ID      int64
	Message string
}

func (p Problem) String() string {
	return fmt.Sprintf("%s %d: %s", p.Kind, p.ID, p.Message)
}

type StoreSummary struct {
	Kind   store.Kind
	HighID int64
	InUse  int64
}

type Report struct {
	Stores   []StoreSummary
	Problems []Problem
}

func (r Report) OK() bool {
	return len(r.Problems) == 0
}

type relEnd struct {
	rel  int64
	node int64
}

type checker struct {
	stores   *store.Stores
	records  [store.NumKinds]map[int64]record.Record
	problems []Problem

	// Records reached by walking the chains of their owners.
	rels   map[relEnd]bool
	groups map[int64]bool
	props  map[int64]bool
}

func (chk *checker) problem(kind store.Kind, id int64, msg string, args ...interface{}) {
	chk.problems = append(chk.problems, Problem{
		Kind:    kind,
		ID:      id,
		Message: fmt.Sprintf(msg, args...),
	})
}

// get returns the in use record of kind with id, or nil if it is missing.
func (chk *checker) get(kind store.Kind, id int64) record.Record {
	return chk.records[kind][id]
}

func maxHops(recs map[int64]record.Record) int {
	return len(recs) + 1
}

// Check scans every store of a database from id zero to its high id and reports the
// records which are unreadable, refer to records not in use, or break their chains. In use
// relationships, groups, and properties which the chains of their owners do not reach are
// reported as well. The stores must not be changing.
func Check(logger log.FieldLogger, stores *store.Stores) (Report, error) {
	chk := &checker{
		stores: stores,
		rels:   map[relEnd]bool{},
		groups: map[int64]bool{},
		props:  map[int64]bool{},
	}
	var rpt Report

	for _, rs := range stores.All() {
		kind := rs.Kind()
		chk.records[kind] = map[int64]record.Record{}

		high, err := rs.ScanHighID()
		if err != nil {
			return Report{}, err
		}
		ss := StoreSummary{Kind: kind, HighID: high}
		for id := int64(0); id < high; id += 1 {
			if id == format.ReservedID {
				continue
			}
			rec, err := rs.GetRecord(id, format.Check)
			if err != nil {
				chk.problem(kind, id, "unreadable: %s", err)
				continue
			}
			if rec.Header().InUse {
				chk.records[kind][id] = rec
				ss.InUse += 1
			}
		}
		rpt.Stores = append(rpt.Stores, ss)
	}

	for _, kind := range []store.Kind{store.NodeStore, store.RelationshipStore,
		store.GroupStore, store.PropertyStore, store.SchemaStore} {

		for _, id := range sortedIDs(chk.records[kind]) {
			rec := chk.records[kind][id]
			switch rec := rec.(type) {
			case *record.Node:
				chk.checkNode(rec)
			case *record.Relationship:
				chk.checkRelationship(rec)
			case *record.RelationshipGroup:
				chk.checkGroup(rec)
			case *record.Property:
				chk.checkProperty(rec)
			case *record.Schema:
				chk.checkSchema(rec)
			}
		}
	}
	for _, tk := range []record.TokenKind{record.LabelToken, record.RelTypeToken,
		record.PropertyKeyToken} {

		kind := store.TokenStore(tk)
		for _, id := range sortedIDs(chk.records[kind]) {
			chk.checkToken(tk, chk.records[kind][id].(*record.Token))
		}
	}

	rpt.Problems = chk.problems
	logger.WithField("problems", len(rpt.Problems)).Info("check: completed")
	return rpt, nil
}

func sortedIDs(recs map[int64]record.Record) []int64 {
	ids := make([]int64, 0, len(recs))
	for id := range recs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// checkDynamic follows the chain of dynamic records starting at first.
func (chk *checker) checkDynamic(kind store.Kind, owner store.Kind, ownerID int64,
	first int64) {

	hops := maxHops(chk.records[kind])
	cnt := 0
	for id := first; id != record.NoID; cnt += 1 {
		if cnt > hops {
			chk.problem(owner, ownerID, "%s chain starting at %d has a cycle", kind, first)
			return
		}
		rec := chk.get(kind, id)
		if rec == nil {
			chk.problem(owner, ownerID, "%s %d is not in use", kind, id)
			return
		}
		d := rec.(*record.Dynamic)
		if (id == first) != d.StartRecord {
			chk.problem(owner, ownerID, "%s %d: start record is %v", kind, id, d.StartRecord)
		}
		id = d.NextBlock
	}
}

func (chk *checker) checkProperties(kind store.Kind, id int64, owner record.OwnerKind,
	first int64) {

	hops := maxHops(chk.records[store.PropertyStore])
	prev := record.NoID
	cnt := 0
	for pid := first; pid != record.NoID; cnt += 1 {
		if cnt > hops {
			chk.problem(kind, id, "property chain has a cycle")
			return
		}
		rec := chk.get(store.PropertyStore, pid)
		if rec == nil {
			chk.problem(kind, id, "property %d is not in use", pid)
			return
		}
		p := rec.(*record.Property)
		chk.props[pid] = true
		if p.PrevProp != prev {
			chk.problem(store.PropertyStore, pid, "prev is %d, expected %d", p.PrevProp, prev)
		}
		if p.OwnerKind != owner || p.OwnerID != id {
			chk.problem(store.PropertyStore, pid, "owned by %d:%d, but in the chain of %s %d",
				p.OwnerKind, p.OwnerID, kind, id)
		}
		prev = pid
		pid = p.NextProp
	}
}

func (chk *checker) checkNode(n *record.Node) {
	chk.checkProperties(store.NodeStore, n.ID, record.NodeOwner, n.NextProp)
	if record.IsDynamicLabelField(n.Labels) {
		chk.checkDynamic(store.NodeLabelStore, store.NodeStore, n.ID,
			record.DynamicLabelFieldID(n.Labels))
	}

	if !n.Dense {
		chk.checkChain(n.ID, n.NextRel, func(rel *record.Relationship) bool { return true })
		return
	}

	hops := maxHops(chk.records[store.GroupStore])
	cnt := 0
	prevType := int32(-1)
	for gid := n.NextRel; gid != record.NoID; cnt += 1 {
		if cnt > hops {
			chk.problem(store.NodeStore, n.ID, "group chain has a cycle")
			return
		}
		rec := chk.get(store.GroupStore, gid)
		if rec == nil {
			chk.problem(store.NodeStore, n.ID, "group %d is not in use", gid)
			return
		}
		g := rec.(*record.RelationshipGroup)
		chk.groups[gid] = true
		if g.OwningNode != n.ID {
			chk.problem(store.GroupStore, gid, "owned by %d, but in the chain of node %d",
				g.OwningNode, n.ID)
		}
		if g.Type <= prevType {
			chk.problem(store.GroupStore, gid, "type %d is out of order", g.Type)
		}
		prevType = g.Type
		for _, dir := range []record.Direction{record.Outgoing, record.Incoming, record.Loop} {
			dir := dir
			typ := g.Type
			chk.checkChain(n.ID, g.First(dir),
				func(rel *record.Relationship) bool {
					return rel.Type == typ && record.DirectionOf(rel, n.ID) == dir
				})
		}
		gid = g.Next
	}
}

// checkChain walks the relationship chain of node starting at first, checking the back
// links and the degree kept in the first relationship.
func (chk *checker) checkChain(node, first int64, belongs func(rel *record.Relationship) bool) {
	hops := maxHops(chk.records[store.RelationshipStore])
	var degree int64
	prev := record.NoID
	cnt := int64(0)
	for id := first; id != record.NoID; cnt += 1 {
		if int(cnt) > hops {
			chk.problem(store.NodeStore, node, "relationship chain has a cycle")
			return
		}
		rec := chk.get(store.RelationshipStore, id)
		if rec == nil {
			chk.problem(store.NodeStore, node, "relationship %d is not in use", id)
			return
		}
		rel := rec.(*record.Relationship)
		if rel.FirstNode != node && rel.SecondNode != node {
			chk.problem(store.RelationshipStore, id, "in the chain of node %d", node)
			return
		}
		chk.rels[relEnd{rel: id, node: node}] = true
		if !belongs(rel) {
			chk.problem(store.RelationshipStore, id, "in the wrong chain of node %d", node)
		}

		p, isFirst := rel.Prev(node)
		if id == first {
			if !isFirst {
				chk.problem(store.RelationshipStore, id, "first in the chain of node %d, but "+
					"not marked first", node)
			}
			degree = p
		} else if isFirst || p != prev {
			chk.problem(store.RelationshipStore, id, "prev for node %d is %d, expected %d",
				node, p, prev)
		}
		prev = id
		id = rel.Next(node)
	}
	if cnt != degree {
		chk.problem(store.NodeStore, node, "chain starting at %d has %d relationships, but "+
			"degree is %d", first, cnt, degree)
	}
}

func (chk *checker) checkRelationship(rel *record.Relationship) {
	for _, n := range []int64{rel.FirstNode, rel.SecondNode} {
		if chk.get(store.NodeStore, n) == nil {
			chk.problem(store.RelationshipStore, rel.ID, "node %d is not in use", n)
		} else if !chk.rels[relEnd{rel: rel.ID, node: n}] {
			chk.problem(store.RelationshipStore, rel.ID, "not in the chain of node %d", n)
		}
		if rel.FirstNode == rel.SecondNode {
			break
		}
	}
	if chk.get(store.RelTypeTokenStore, int64(rel.Type)) == nil {
		chk.problem(store.RelationshipStore, rel.ID, "relationship type %d is not in use",
			rel.Type)
	}
	chk.checkProperties(store.RelationshipStore, rel.ID, record.RelationshipOwner,
		rel.NextProp)
}

func (chk *checker) checkGroup(g *record.RelationshipGroup) {
	rec := chk.get(store.NodeStore, g.OwningNode)
	if rec == nil {
		chk.problem(store.GroupStore, g.ID, "owning node %d is not in use", g.OwningNode)
	} else if !rec.(*record.Node).Dense {
		chk.problem(store.GroupStore, g.ID, "owning node %d is not dense", g.OwningNode)
	} else if !chk.groups[g.ID] {
		chk.problem(store.GroupStore, g.ID, "not in the group chain of node %d", g.OwningNode)
	}
	if g.Empty() {
		chk.problem(store.GroupStore, g.ID, "empty")
	}
}

func (chk *checker) checkProperty(p *record.Property) {
	var kind store.Kind
	switch p.OwnerKind {
	case record.NodeOwner:
		kind = store.NodeStore
	case record.RelationshipOwner:
		kind = store.RelationshipStore
	default:
		chk.problem(store.PropertyStore, p.ID, "unknown owner kind %d", p.OwnerKind)
		return
	}
	if chk.get(kind, p.OwnerID) == nil {
		chk.problem(store.PropertyStore, p.ID, "owner %s %d is not in use", kind, p.OwnerID)
	} else if !chk.props[p.ID] {
		chk.problem(store.PropertyStore, p.ID, "not in the property chain of %s %d", kind,
			p.OwnerID)
	}

	for _, pb := range p.Blocks {
		if chk.get(store.PropertyKeyTokenStore, int64(pb.Key())) == nil {
			chk.problem(store.PropertyStore, p.ID, "property key %d is not in use", pb.Key())
		}
		if pb.Type().Dynamic() {
			vk := store.ArrayStore
			if pb.Type() == record.StringType {
				vk = store.StringStore
			}
			chk.checkDynamic(vk, store.PropertyStore, p.ID, pb.DynamicID())
		}
	}
}

func (chk *checker) checkSchema(s *record.Schema) {
	if chk.get(store.LabelTokenStore, int64(s.LabelID)) == nil {
		chk.problem(store.SchemaStore, s.ID, "label %d is not in use", s.LabelID)
	}
	if chk.get(store.PropertyKeyTokenStore, int64(s.KeyID)) == nil {
		chk.problem(store.SchemaStore, s.ID, "property key %d is not in use", s.KeyID)
	}
}

func (chk *checker) checkToken(tk record.TokenKind, t *record.Token) {
	chk.checkDynamic(store.NameStore(tk), store.TokenStore(tk), t.ID, t.NameID)
}
