package record

import (
	"fmt"
)

type Direction int

const (
	Outgoing Direction = iota
	Incoming
	Loop
)

type RelationshipGroup struct {
	Base
	Type       int32
	Next       int64
	FirstOut   int64
	FirstIn    int64
	FirstLoop  int64
	OwningNode int64
}

func NewRelationshipGroup(id int64) *RelationshipGroup {
	return &RelationshipGroup{
		Base:       MakeBase(id),
		Next:       NoID,
		FirstOut:   NoID,
		FirstIn:    NoID,
		FirstLoop:  NoID,
		OwningNode: NoID,
	}
}

func (g *RelationshipGroup) Clone() Record {
	c := *g
	return &c
}

func (g *RelationshipGroup) Equal(r Record) bool {
	g2, ok := r.(*RelationshipGroup)
	if !ok {
		return false
	}
	return g.Base.equal(g2.Base) && g.Type == g2.Type && g.Next == g2.Next &&
		g.FirstOut == g2.FirstOut && g.FirstIn == g2.FirstIn && g.FirstLoop == g2.FirstLoop &&
		g.OwningNode == g2.OwningNode
}

func (g *RelationshipGroup) Clear() {
	*g = *NewRelationshipGroup(g.ID)
}

func (g *RelationshipGroup) First(dir Direction) int64 {
	switch dir {
	case Outgoing:
		return g.FirstOut
	case Incoming:
		return g.FirstIn
	case Loop:
		return g.FirstLoop
	}
	panic(fmt.Sprintf("record: unexpected direction: %d", dir))
}

func (g *RelationshipGroup) SetFirst(dir Direction, id int64) {
	switch dir {
	case Outgoing:
		g.FirstOut = id
	case Incoming:
		g.FirstIn = id
	case Loop:
		g.FirstLoop = id
	default:
		panic(fmt.Sprintf("record: unexpected direction: %d", dir))
	}
}

// Empty reports whether every chain of the group is empty.
func (g *RelationshipGroup) Empty() bool {
	return g.FirstOut == NoID && g.FirstIn == NoID && g.FirstLoop == NoID
}

func (g *RelationshipGroup) String() string {
	if !g.InUse {
		return fmt.Sprintf("RelationshipGroup[%s]", g.Base)
	}
	return fmt.Sprintf("RelationshipGroup[%s type=%d next=%d out=%d in=%d loop=%d owner=%d]",
		g.Base, g.Type, g.Next, g.FirstOut, g.FirstIn, g.FirstLoop, g.OwningNode)
}

// DirectionOf returns the direction of rel as seen from node.
func DirectionOf(rel *Relationship, node int64) Direction {
	if rel.FirstNode == rel.SecondNode {
		return Loop
	} else if rel.FirstNode == node {
		return Outgoing
	}
	return Incoming
}
