package format

import (
	"github.com/leftmike/graphstore/pagecache"
	"github.com/leftmike/graphstore/record"
)

// Standard records store references as 32 low bits plus a few high bits packed elsewhere in
// the record. A null reference is all ones in the low bits and zero high bits, so id
// 0xFFFFFFFF can never be used.
const (
	nullLow      = 0xFFFFFFFF
	ReservedID   = int64(nullLow)
	inUseBit     = 0x1
	standardMax3 = int64(1)<<35 - 1
	standardMax4 = int64(1)<<36 - 1
)

var zeros [256]byte

func splitRef(id int64) (uint32, uint64) {
	if id == record.NoID {
		return nullLow, 0
	}
	return uint32(id), uint64(id) >> 32
}

func joinRef(low uint32, high uint64) int64 {
	if low == nullLow && high == 0 {
		return record.NoID
	}
	return int64(high<<32 | uint64(low))
}

// refChecker accumulates the first reference which does not fit in its high bits.
type refChecker struct {
	kind string
	id   int64
	err  error
}

func (rc *refChecker) split(ref int64, highBits uint, what string) (uint32, uint64) {
	low, high := splitRef(ref)
	if (ref != record.NoID && ref < 0) || ref == ReservedID || high >= 1<<highBits {
		if rc.err == nil {
			rc.err = recordError(rc.kind, rc.id, "%s reference out of range: %d", what, ref)
		}
		return 0, 0
	}
	return low, high
}

func clearSlot(c *pagecache.Cursor, size int) {
	for size > 0 {
		n := size
		if n > len(zeros) {
			n = len(zeros)
		}
		c.PutBytes(zeros[:n])
		size -= n
	}
}

func inUseAt(c *pagecache.Cursor) bool {
	off := c.Offset()
	hdr := c.GetByte()
	c.SetOffset(off)
	return hdr&inUseBit != 0
}

// nodeCodec: 15 bytes.
//   0: in use (bit 0), next relationship high bits (1-3), next property high bits (4-7)
//   1: next relationship
//   5: next property
//   9: labels high byte
//  10: labels low 32 bits
//  14: dense (bit 0)
type nodeCodec struct{}

const nodeSize = 15

func (_ nodeCodec) RecordSize(_ StoreHeader) int {
	return nodeSize
}

func (_ nodeCodec) NewRecord(id int64) record.Record {
	return record.NewNode(id)
}

func (_ nodeCodec) MaxID() int64 {
	return standardMax3
}

func (_ nodeCodec) IsInUse(c *pagecache.Cursor) bool {
	return inUseAt(c)
}

func (_ nodeCodec) Read(rec record.Record, c *pagecache.Cursor, mode LoadMode,
	_ Slots) error {

	n := rec.(*record.Node)
	hdr := c.GetByte()
	if hdr&inUseBit == 0 && mode != Force {
		n.Clear()
		return nil
	}

	relLow := c.GetInt()
	propLow := c.GetInt()
	labelsHigh := c.GetByte()
	labelsLow := c.GetInt()
	extra := c.GetByte()

	n.Base = record.MakeBase(n.ID)
	n.InUse = hdr&inUseBit != 0
	n.NextRel = joinRef(relLow, uint64(hdr>>1)&0x7)
	n.NextProp = joinRef(propLow, uint64(hdr>>4)&0xF)
	n.Labels = uint64(labelsHigh)<<32 | uint64(labelsLow)
	n.Dense = extra&0x1 != 0
	return nil
}

func (_ nodeCodec) Write(rec record.Record, c *pagecache.Cursor, _ Slots) error {
	n := rec.(*record.Node)
	if !n.InUse {
		clearSlot(c, nodeSize)
		return nil
	}

	rc := refChecker{kind: "node", id: n.ID}
	relLow, relHigh := rc.split(n.NextRel, 3, "next relationship")
	propLow, propHigh := rc.split(n.NextProp, 4, "next property")
	if rc.err != nil {
		return rc.err
	}
	if n.Labels>>record.LabelFieldBits != 0 {
		return recordError("node", n.ID, "label field out of range: %#x", n.Labels)
	}

	c.PutByte(inUseBit | byte(relHigh)<<1 | byte(propHigh)<<4)
	c.PutInt(relLow)
	c.PutInt(propLow)
	c.PutByte(byte(n.Labels >> 32))
	c.PutInt(uint32(n.Labels))
	var extra byte
	if n.Dense {
		extra |= 0x1
	}
	c.PutByte(extra)
	return nil
}

func (_ nodeCodec) Prepare(rec record.Record, _ int, _ IDSequence) error {
	rec.Header().RequiresSecondaryUnit = false
	return nil
}

// relationshipCodec: 34 bytes.
//   0: in use (bit 0), first node high bits (1-3), next property high bits (4-7)
//   1: first node
//   5: second node
//   9: second node high bits (28-30), first prev (25-27), first next (22-24),
//      second prev (19-21), second next (16-18), type (0-15)
//  13: first prev
//  17: first next
//  21: second prev
//  25: second next
//  29: next property
//  33: first in first chain (bit 0), first in second chain (bit 1)
type relationshipCodec struct{}

const relationshipSize = 34

func (_ relationshipCodec) RecordSize(_ StoreHeader) int {
	return relationshipSize
}

func (_ relationshipCodec) NewRecord(id int64) record.Record {
	return record.NewRelationship(id)
}

func (_ relationshipCodec) MaxID() int64 {
	return standardMax3
}

func (_ relationshipCodec) IsInUse(c *pagecache.Cursor) bool {
	return inUseAt(c)
}

func (_ relationshipCodec) Read(rec record.Record, c *pagecache.Cursor, mode LoadMode,
	_ Slots) error {

	r := rec.(*record.Relationship)
	hdr := c.GetByte()
	if hdr&inUseBit == 0 && mode != Force {
		r.Clear()
		return nil
	}

	firstNode := c.GetInt()
	secondNode := c.GetInt()
	typeInt := c.GetInt()
	firstPrev := c.GetInt()
	firstNext := c.GetInt()
	secondPrev := c.GetInt()
	secondNext := c.GetInt()
	nextProp := c.GetInt()
	extra := c.GetByte()

	ti := uint64(typeInt)
	r.Base = record.MakeBase(r.ID)
	r.InUse = hdr&inUseBit != 0
	r.FirstNode = joinRef(firstNode, uint64(hdr>>1)&0x7)
	r.SecondNode = joinRef(secondNode, (ti>>28)&0x7)
	r.Type = int32(ti & 0xFFFF)
	r.FirstPrev = joinRef(firstPrev, (ti>>25)&0x7)
	r.FirstNext = joinRef(firstNext, (ti>>22)&0x7)
	r.SecondPrev = joinRef(secondPrev, (ti>>19)&0x7)
	r.SecondNext = joinRef(secondNext, (ti>>16)&0x7)
	r.NextProp = joinRef(nextProp, uint64(hdr>>4)&0xF)
	r.FirstInFirstChain = extra&0x1 != 0
	r.FirstInSecondChain = extra&0x2 != 0
	return nil
}

func (_ relationshipCodec) Write(rec record.Record, c *pagecache.Cursor, _ Slots) error {
	r := rec.(*record.Relationship)
	if !r.InUse {
		clearSlot(c, relationshipSize)
		return nil
	}

	rc := refChecker{kind: "relationship", id: r.ID}
	firstNode, firstNodeHigh := rc.split(r.FirstNode, 3, "first node")
	secondNode, secondNodeHigh := rc.split(r.SecondNode, 3, "second node")
	firstPrev, firstPrevHigh := rc.split(r.FirstPrev, 3, "first prev")
	firstNext, firstNextHigh := rc.split(r.FirstNext, 3, "first next")
	secondPrev, secondPrevHigh := rc.split(r.SecondPrev, 3, "second prev")
	secondNext, secondNextHigh := rc.split(r.SecondNext, 3, "second next")
	nextProp, nextPropHigh := rc.split(r.NextProp, 4, "next property")
	if rc.err != nil {
		return rc.err
	}
	if r.Type < 0 || r.Type > 0xFFFF {
		return recordError("relationship", r.ID, "type out of range: %d", r.Type)
	}

	typeInt := secondNodeHigh<<28 | firstPrevHigh<<25 | firstNextHigh<<22 |
		secondPrevHigh<<19 | secondNextHigh<<16 | uint64(r.Type)

	c.PutByte(inUseBit | byte(firstNodeHigh)<<1 | byte(nextPropHigh)<<4)
	c.PutInt(firstNode)
	c.PutInt(secondNode)
	c.PutInt(uint32(typeInt))
	c.PutInt(firstPrev)
	c.PutInt(firstNext)
	c.PutInt(secondPrev)
	c.PutInt(secondNext)
	c.PutInt(nextProp)
	var extra byte
	if r.FirstInFirstChain {
		extra |= 0x1
	}
	if r.FirstInSecondChain {
		extra |= 0x2
	}
	c.PutByte(extra)
	return nil
}

func (_ relationshipCodec) Prepare(rec record.Record, _ int, _ IDSequence) error {
	rec.Header().RequiresSecondaryUnit = false
	return nil
}

// groupCodec: 25 bytes.
//   0: in use (bit 0), next high bits (1-3), first out high bits (4-6)
//   1: first in high bits (0-2), first loop high bits (3-5)
//   2: owning node high bits (0-2)
//   3: type (16 bits)
//   5: next
//   9: first out
//  13: first in
//  17: first loop
//  21: owning node
type groupCodec struct{}

const groupSize = 25

func (_ groupCodec) RecordSize(_ StoreHeader) int {
	return groupSize
}

func (_ groupCodec) NewRecord(id int64) record.Record {
	return record.NewRelationshipGroup(id)
}

func (_ groupCodec) MaxID() int64 {
	return standardMax3
}

func (_ groupCodec) IsInUse(c *pagecache.Cursor) bool {
	return inUseAt(c)
}

func (_ groupCodec) Read(rec record.Record, c *pagecache.Cursor, mode LoadMode,
	_ Slots) error {

	g := rec.(*record.RelationshipGroup)
	hdr := c.GetByte()
	if hdr&inUseBit == 0 && mode != Force {
		g.Clear()
		return nil
	}

	highs1 := uint64(c.GetByte())
	highs2 := uint64(c.GetByte())
	typ := c.GetShort()
	next := c.GetInt()
	firstOut := c.GetInt()
	firstIn := c.GetInt()
	firstLoop := c.GetInt()
	owner := c.GetInt()

	g.Base = record.MakeBase(g.ID)
	g.InUse = hdr&inUseBit != 0
	g.Type = int32(typ)
	g.Next = joinRef(next, uint64(hdr>>1)&0x7)
	g.FirstOut = joinRef(firstOut, uint64(hdr>>4)&0x7)
	g.FirstIn = joinRef(firstIn, highs1&0x7)
	g.FirstLoop = joinRef(firstLoop, (highs1>>3)&0x7)
	g.OwningNode = joinRef(owner, highs2&0x7)
	return nil
}

func (_ groupCodec) Write(rec record.Record, c *pagecache.Cursor, _ Slots) error {
	g := rec.(*record.RelationshipGroup)
	if !g.InUse {
		clearSlot(c, groupSize)
		return nil
	}

	rc := refChecker{kind: "relationship group", id: g.ID}
	next, nextHigh := rc.split(g.Next, 3, "next")
	firstOut, firstOutHigh := rc.split(g.FirstOut, 3, "first out")
	firstIn, firstInHigh := rc.split(g.FirstIn, 3, "first in")
	firstLoop, firstLoopHigh := rc.split(g.FirstLoop, 3, "first loop")
	owner, ownerHigh := rc.split(g.OwningNode, 3, "owning node")
	if rc.err != nil {
		return rc.err
	}
	if g.Type < 0 || g.Type > 0xFFFF {
		return recordError("relationship group", g.ID, "type out of range: %d", g.Type)
	}

	c.PutByte(inUseBit | byte(nextHigh)<<1 | byte(firstOutHigh)<<4)
	c.PutByte(byte(firstInHigh) | byte(firstLoopHigh)<<3)
	c.PutByte(byte(ownerHigh))
	c.PutShort(uint16(g.Type))
	c.PutInt(next)
	c.PutInt(firstOut)
	c.PutInt(firstIn)
	c.PutInt(firstLoop)
	c.PutInt(owner)
	return nil
}

func (_ groupCodec) Prepare(rec record.Record, _ int, _ IDSequence) error {
	rec.Header().RequiresSecondaryUnit = false
	return nil
}
