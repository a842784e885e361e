package record

import (
	"fmt"
)

type Node struct {
	Base
	NextRel  int64
	NextProp int64
	Labels   uint64
	Dense    bool
}

func NewNode(id int64) *Node {
	return &Node{
		Base:     MakeBase(id),
		NextRel:  NoID,
		NextProp: NoID,
	}
}

func (n *Node) Clone() Record {
	c := *n
	return &c
}

func (n *Node) Equal(r Record) bool {
	n2, ok := r.(*Node)
	if !ok {
		return false
	}
	return n.Base.equal(n2.Base) && n.NextRel == n2.NextRel && n.NextProp == n2.NextProp &&
		n.Labels == n2.Labels && n.Dense == n2.Dense
}

func (n *Node) Clear() {
	*n = *NewNode(n.ID)
}

func (n *Node) String() string {
	if !n.InUse {
		return fmt.Sprintf("Node[%s]", n.Base)
	}
	return fmt.Sprintf("Node[%s nextRel=%d nextProp=%d labels=%#x dense=%v]", n.Base, n.NextRel,
		n.NextProp, n.Labels, n.Dense)
}
