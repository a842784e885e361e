package record

import (
	"fmt"
)

// Relationship is a member of two chains, one for each endpoint. When the relationship is
// first in an endpoint's chain, the prev field for that endpoint holds the length of the
// chain instead of a reference.
type Relationship struct {
	Base
	FirstNode          int64
	SecondNode         int64
	Type               int32
	FirstPrev          int64
	FirstNext          int64
	SecondPrev         int64
	SecondNext         int64
	FirstInFirstChain  bool
	FirstInSecondChain bool
	NextProp           int64
}

func NewRelationship(id int64) *Relationship {
	return &Relationship{
		Base:       MakeBase(id),
		FirstNode:  NoID,
		SecondNode: NoID,
		FirstPrev:  NoID,
		FirstNext:  NoID,
		SecondPrev: NoID,
		SecondNext: NoID,
		NextProp:   NoID,
	}
}

func (r *Relationship) Clone() Record {
	c := *r
	return &c
}

func (r *Relationship) Equal(rec Record) bool {
	r2, ok := rec.(*Relationship)
	if !ok {
		return false
	}
	return r.Base.equal(r2.Base) && r.FirstNode == r2.FirstNode &&
		r.SecondNode == r2.SecondNode && r.Type == r2.Type && r.FirstPrev == r2.FirstPrev &&
		r.FirstNext == r2.FirstNext && r.SecondPrev == r2.SecondPrev &&
		r.SecondNext == r2.SecondNext && r.FirstInFirstChain == r2.FirstInFirstChain &&
		r.FirstInSecondChain == r2.FirstInSecondChain && r.NextProp == r2.NextProp
}

func (r *Relationship) Clear() {
	*r = *NewRelationship(r.ID)
}

// Prev returns the prev field of the chain for node, and whether the relationship is first
// in that chain.
func (r *Relationship) Prev(node int64) (int64, bool) {
	if r.FirstNode == node {
		return r.FirstPrev, r.FirstInFirstChain
	}
	return r.SecondPrev, r.FirstInSecondChain
}

// Next returns the next relationship in the chain for node.
func (r *Relationship) Next(node int64) int64 {
	if r.FirstNode == node {
		return r.FirstNext
	}
	return r.SecondNext
}

// SetPrev sets the prev field of every chain of r which belongs to node; a loop belongs to
// the same node twice.
func (r *Relationship) SetPrev(node, prev int64, first bool) {
	if r.FirstNode == node {
		r.FirstPrev = prev
		r.FirstInFirstChain = first
	}
	if r.SecondNode == node {
		r.SecondPrev = prev
		r.FirstInSecondChain = first
	}
}

func (r *Relationship) SetNext(node, next int64) {
	if r.FirstNode == node {
		r.FirstNext = next
	}
	if r.SecondNode == node {
		r.SecondNext = next
	}
}

// OtherNode returns the endpoint which is not node.
func (r *Relationship) OtherNode(node int64) int64 {
	if r.FirstNode == node {
		return r.SecondNode
	}
	return r.FirstNode
}

func (r *Relationship) String() string {
	if !r.InUse {
		return fmt.Sprintf("Relationship[%s]", r.Base)
	}
	return fmt.Sprintf("Relationship[%s %d-[%d]->%d first=(%d,%d,%v) second=(%d,%d,%v) "+
		"nextProp=%d]", r.Base, r.FirstNode, r.Type, r.SecondNode, r.FirstPrev, r.FirstNext,
		r.FirstInFirstChain, r.SecondPrev, r.SecondNext, r.FirstInSecondChain, r.NextProp)
}
