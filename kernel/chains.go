package kernel

import (
	"fmt"

	"github.com/leftmike/graphstore/record"
	"github.com/leftmike/graphstore/store"
)

// chainHead is where the first relationship of a chain is kept: in the node itself, or in
// one direction of a relationship group of a dense node.
type chainHead struct {
	node  *record.Node
	group *record.RelationshipGroup
	dir   record.Direction
}

func (h chainHead) first() int64 {
	if h.group != nil {
		return h.group.First(h.dir)
	}
	return h.node.NextRel
}

func (h chainHead) setFirst(id int64) {
	if h.group != nil {
		h.group.SetFirst(h.dir, id)
	} else {
		h.node.NextRel = id
	}
}

func (rc *recordChanges) relationship(id int64) (*record.Relationship, error) {
	rec, err := rc.get(store.RelationshipStore, id)
	if err != nil {
		return nil, err
	}
	return rec.(*record.Relationship), nil
}

func (rc *recordChanges) node(id int64) (*record.Node, error) {
	rec, err := rc.get(store.NodeStore, id)
	if err != nil {
		return nil, err
	}
	return rec.(*record.Node), nil
}

func (rc *recordChanges) group(id int64) (*record.RelationshipGroup, error) {
	rec, err := rc.get(store.GroupStore, id)
	if err != nil {
		return nil, err
	}
	return rec.(*record.RelationshipGroup), nil
}

// chainDegree returns the number of relationships in the chain; it is kept in the prev
// field of the first relationship.
func (rc *recordChanges) chainDegree(h chainHead, node int64) (int64, error) {
	first := h.first()
	if first == record.NoID {
		return 0, nil
	}
	fr, err := rc.relationship(first)
	if err != nil {
		return 0, err
	}
	degree, isFirst := fr.Prev(node)
	if !isFirst {
		return 0, fmt.Errorf("%w: relationship %d heads the chain of node %d but is not first",
			store.ErrBrokenChain, first, node)
	}
	return degree, nil
}

// insertRelationship puts rel at the start of the chain of node.
func (rc *recordChanges) insertRelationship(h chainHead, node int64,
	rel *record.Relationship) error {

	first := h.first()
	degree, err := rc.chainDegree(h, node)
	if err != nil {
		return err
	}
	if first != record.NoID {
		fr, err := rc.relationship(first)
		if err != nil {
			return err
		}
		fr.SetPrev(node, rel.ID, false)
	}

	rel.SetPrev(node, degree+1, true)
	rel.SetNext(node, first)
	h.setFirst(rel.ID)
	return nil
}

// removeRelationship unlinks rel from the chain of node.
func (rc *recordChanges) removeRelationship(h chainHead, node int64,
	rel *record.Relationship) error {

	prev, isFirst := rel.Prev(node)
	next := rel.Next(node)

	if isFirst {
		if h.first() != rel.ID {
			return fmt.Errorf("%w: relationship %d is first but does not head the chain of "+
				"node %d", store.ErrBrokenChain, rel.ID, node)
		}
		h.setFirst(next)
		if next != record.NoID {
			nr, err := rc.relationship(next)
			if err != nil {
				return err
			}
			nr.SetPrev(node, prev-1, true)
		}
		return nil
	}

	degree, err := rc.chainDegree(h, node)
	if err != nil {
		return err
	}
	pr, err := rc.relationship(prev)
	if err != nil {
		return err
	}
	pr.SetNext(node, next)
	if next != record.NoID {
		nr, err := rc.relationship(next)
		if err != nil {
			return err
		}
		nr.SetPrev(node, prev, false)
	}
	hr, err := rc.relationship(h.first())
	if err != nil {
		return err
	}
	hr.SetPrev(node, degree-1, true)
	return nil
}

// findGroup returns the group of a dense node for typ, and the group before it. Groups are
// kept in order of type. If create is true, a missing group is created.
func (rc *recordChanges) findGroup(n *record.Node, typ int32,
	create bool) (*record.RelationshipGroup, *record.RelationshipGroup, error) {

	var prev *record.RelationshipGroup
	hops := maxHops(rc.stores, store.GroupStore)
	for id, cnt := n.NextRel, int64(0); id != record.NoID; cnt += 1 {
		if cnt > hops {
			return nil, nil, fmt.Errorf("%w: group chain of node %d has a cycle",
				store.ErrBrokenChain, n.ID)
		}
		g, err := rc.group(id)
		if err != nil {
			return nil, nil, err
		}
		if g.Type == typ {
			return g, prev, nil
		} else if g.Type > typ {
			break
		}
		prev = g
		id = g.Next
	}

	if !create {
		return nil, nil, fmt.Errorf("%w: node %d has no group for type %d",
			store.ErrBrokenChain, n.ID, typ)
	}

	rec, err := rc.create(store.GroupStore)
	if err != nil {
		return nil, nil, err
	}
	g := rec.(*record.RelationshipGroup)
	g.Type = typ
	g.OwningNode = n.ID
	if prev == nil {
		g.Next = n.NextRel
		n.NextRel = g.ID
	} else {
		g.Next = prev.Next
		prev.Next = g.ID
	}
	return g, prev, nil
}

func (rc *recordChanges) head(n *record.Node, rel *record.Relationship,
	create bool) (chainHead, *record.RelationshipGroup, error) {

	if !n.Dense {
		return chainHead{node: n}, nil, nil
	}
	g, prev, err := rc.findGroup(n, rel.Type, create)
	if err != nil {
		return chainHead{}, nil, err
	}
	return chainHead{group: g, dir: record.DirectionOf(rel, n.ID)}, prev, nil
}

// endpoints returns the nodes whose chains include rel; a loop is in one chain.
func endpoints(rel *record.Relationship) []int64 {
	if rel.FirstNode == rel.SecondNode {
		return []int64{rel.FirstNode}
	}
	return []int64{rel.FirstNode, rel.SecondNode}
}

// linkRelationship adds rel to the chains of its nodes, converting a node to dense once
// its chain reaches threshold relationships.
func (rc *recordChanges) linkRelationship(rel *record.Relationship, threshold int) error {
	for _, id := range endpoints(rel) {
		n, err := rc.node(id)
		if err != nil {
			return err
		}
		h, _, err := rc.head(n, rel, true)
		if err != nil {
			return err
		}
		err = rc.insertRelationship(h, id, rel)
		if err != nil {
			return err
		}

		if !n.Dense {
			degree, err := rc.chainDegree(h, id)
			if err != nil {
				return err
			}
			if degree >= int64(threshold) {
				err = rc.convertToDense(n)
				if err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// unlinkRelationship removes rel from the chains of its nodes; empty groups are deleted.
func (rc *recordChanges) unlinkRelationship(rel *record.Relationship) error {
	for _, id := range endpoints(rel) {
		n, err := rc.node(id)
		if err != nil {
			return err
		}
		h, prev, err := rc.head(n, rel, false)
		if err != nil {
			return err
		}
		err = rc.removeRelationship(h, id, rel)
		if err != nil {
			return err
		}

		if h.group != nil && h.group.Empty() {
			if prev == nil {
				n.NextRel = h.group.Next
			} else {
				prev.Next = h.group.Next
			}
			err = rc.delete(store.GroupStore, h.group.ID)
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// convertToDense moves the relationships of n from its chain into relationship groups,
// keeping their order within each group.
func (rc *recordChanges) convertToDense(n *record.Node) error {
	rels, err := relationshipChain(rc.stores, rc.fetch, n.ID, n.NextRel)
	if err != nil {
		return err
	}

	n.Dense = true
	n.NextRel = record.NoID
	for i := len(rels) - 1; i >= 0; i -= 1 {
		h, _, err := rc.head(n, rels[i], true)
		if err != nil {
			return err
		}
		err = rc.insertRelationship(h, n.ID, rels[i])
		if err != nil {
			return err
		}
	}
	return nil
}
