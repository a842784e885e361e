package kernel

import (
	"fmt"

	"github.com/leftmike/graphstore/format"
	"github.com/leftmike/graphstore/record"
	"github.com/leftmike/graphstore/store"
)

// fetcher returns the record of kind with id; during a commit it returns the records as
// changed so far by the commit.
type fetcher func(kind store.Kind, id int64) (record.Record, error)

func storeFetcher(s *store.Stores) fetcher {
	return func(kind store.Kind, id int64) (record.Record, error) {
		return s.Store(kind).GetRecord(id, format.Normal)
	}
}

func maxHops(s *store.Stores, kind store.Kind) int64 {
	return s.Store(kind).HighID() + 1
}

// propertyRecords returns the property records of the chain starting at first.
func propertyRecords(s *store.Stores, fetch fetcher, first int64) ([]*record.Property,
	error) {

	var props []*record.Property
	hops := maxHops(s, store.PropertyStore)
	prev := record.NoID
	for id := first; id != record.NoID; {
		if int64(len(props)) > hops {
			return nil, fmt.Errorf("%w: property chain starting at %d has a cycle",
				store.ErrBrokenChain, first)
		}
		rec, err := fetch(store.PropertyStore, id)
		if err != nil {
			return nil, err
		}
		p := rec.(*record.Property)
		if p.PrevProp != prev {
			return nil, fmt.Errorf("%w: property %d: prev is %d, expected %d",
				store.ErrBrokenChain, id, p.PrevProp, prev)
		}
		props = append(props, p)
		prev = id
		id = p.NextProp
	}
	return props, nil
}

// readProperties returns the values of the property chain starting at first.
func readProperties(s *store.Stores, fetch fetcher, first int64) (map[int32]record.Value,
	error) {

	props, err := propertyRecords(s, fetch, first)
	if err != nil {
		return nil, err
	}

	vals := map[int32]record.Value{}
	for _, p := range props {
		for _, pb := range p.Blocks {
			v, err := s.DecodeValue(pb)
			if err != nil {
				return nil, fmt.Errorf("kernel: property %d: key %d: %w", p.ID, pb.Key(), err)
			}
			vals[pb.Key()] = v
		}
	}
	return vals, nil
}

// relationshipChain returns the relationships in the chain of node starting at first.
func relationshipChain(s *store.Stores, fetch fetcher, node, first int64) ([]*record.Relationship,
	error) {

	var rels []*record.Relationship
	hops := maxHops(s, store.RelationshipStore)
	for id := first; id != record.NoID; {
		if int64(len(rels)) > hops {
			return nil, fmt.Errorf("%w: relationship chain of node %d has a cycle",
				store.ErrBrokenChain, node)
		}
		rec, err := fetch(store.RelationshipStore, id)
		if err != nil {
			return nil, err
		}
		rel := rec.(*record.Relationship)
		if rel.FirstNode != node && rel.SecondNode != node {
			return nil, fmt.Errorf("%w: relationship %d is not a relationship of node %d",
				store.ErrBrokenChain, id, node)
		}
		rels = append(rels, rel)
		id = rel.Next(node)
	}
	return rels, nil
}

// groupChain returns the relationship groups of a dense node.
func groupChain(s *store.Stores, fetch fetcher, n *record.Node) ([]*record.RelationshipGroup,
	error) {

	var groups []*record.RelationshipGroup
	hops := maxHops(s, store.GroupStore)
	for id := n.NextRel; id != record.NoID; {
		if int64(len(groups)) > hops {
			return nil, fmt.Errorf("%w: group chain of node %d has a cycle",
				store.ErrBrokenChain, n.ID)
		}
		rec, err := fetch(store.GroupStore, id)
		if err != nil {
			return nil, err
		}
		g := rec.(*record.RelationshipGroup)
		if g.OwningNode != n.ID {
			return nil, fmt.Errorf("%w: group %d is owned by %d, not node %d",
				store.ErrBrokenChain, id, g.OwningNode, n.ID)
		}
		groups = append(groups, g)
		id = g.Next
	}
	return groups, nil
}

var directions = []record.Direction{record.Outgoing, record.Incoming, record.Loop}

// nodeRelationships returns every relationship of n.
func nodeRelationships(s *store.Stores, fetch fetcher, n *record.Node) ([]*record.Relationship,
	error) {

	if !n.Dense {
		return relationshipChain(s, fetch, n.ID, n.NextRel)
	}

	groups, err := groupChain(s, fetch, n)
	if err != nil {
		return nil, err
	}
	var rels []*record.Relationship
	for _, g := range groups {
		for _, dir := range directions {
			chain, err := relationshipChain(s, fetch, n.ID, g.First(dir))
			if err != nil {
				return nil, err
			}
			rels = append(rels, chain...)
		}
	}
	return rels, nil
}

// logicalNode is the labels and property values of a node.
type logicalNode struct {
	exists bool
	labels map[int32]bool
	props  map[int32]record.Value
}

func readLogicalNode(s *store.Stores, id int64) (logicalNode, error) {
	rec, err := s.Store(store.NodeStore).GetRecord(id, format.Force)
	if err != nil {
		return logicalNode{}, err
	}
	n := rec.(*record.Node)
	if !n.InUse {
		return logicalNode{}, nil
	}

	labels, err := s.DecodeLabels(n.Labels)
	if err != nil {
		return logicalNode{}, err
	}
	props, err := readProperties(s, storeFetcher(s), n.NextProp)
	if err != nil {
		return logicalNode{}, err
	}

	ln := logicalNode{
		exists: true,
		labels: map[int32]bool{},
		props:  props,
	}
	for _, l := range labels {
		ln.labels[l] = true
	}
	return ln, nil
}
