package format

import (
	"encoding/binary"
	"errors"

	"github.com/leftmike/graphstore/pagecache"
	"github.com/leftmike/graphstore/record"
)

// Extended records encode their fields as variable length references, so a record with
// large ids may not fit in its slot. Such a record spills into one secondary unit taken
// from the same store.
//
// The first byte of every unit is a header:
//   bit 0: in use
//   bit 1: the record is stored in two units
//   bit 2: this unit is the primary unit of a two unit record
//   bits 3-7: flags for the kind of record
// A primary unit of a two unit record holds the 5 byte id of its secondary unit after the
// header. The data continues after the header of the secondary unit. A secondary unit is
// in use exactly when its primary unit is in use.
const (
	multiUnitBit     = 0x2
	firstUnitBit     = 0x4
	flagsShift       = 3
	secondaryRefSize = 5
	extendedMaxID    = int64(1)<<40 - 1
)

var (
	errBadReference = errors.New("bad reference")
)

// unitFields encodes and decodes the fields of one kind of record.
type unitFields interface {
	kind() string
	newRecord(id int64) record.Record
	flags(rec record.Record) byte
	encode(rec record.Record, buf []byte) []byte
	decode(rec record.Record, flags byte, buf []byte) error
}

type unitCodec struct {
	fields unitFields
	size   int
}

var (
	extendedNodeCodec         = unitCodec{fields: nodeFields{}, size: 16}
	extendedRelationshipCodec = unitCodec{fields: relationshipFields{}, size: 32}
	extendedGroupCodec        = unitCodec{fields: groupFields{}, size: 24}
)

func (uc unitCodec) RecordSize(_ StoreHeader) int {
	return uc.size
}

func (uc unitCodec) NewRecord(id int64) record.Record {
	return uc.fields.newRecord(id)
}

func (_ unitCodec) MaxID() int64 {
	return extendedMaxID
}

func (_ unitCodec) IsInUse(c *pagecache.Cursor) bool {
	return inUseAt(c)
}

func (uc unitCodec) Read(rec record.Record, c *pagecache.Cursor, mode LoadMode,
	slots Slots) error {

	base := rec.Header()
	id := base.ID
	hdr := c.GetByte()
	if hdr&inUseBit == 0 {
		rec.Clear()
		return nil
	}
	if hdr&multiUnitBit != 0 && hdr&firstUnitBit == 0 {
		// A secondary unit can only be read through its primary unit.
		rec.Clear()
		return nil
	}

	data := make([]byte, 0, 2*slots.Size)
	secondary := record.NoID
	if hdr&multiUnitBit != 0 {
		var ref [secondaryRefSize]byte
		c.GetBytes(ref[:])
		secondary = getSecondaryRef(ref[:])
		data = appendBytes(c, data, slots.Size-1-secondaryRefSize)

		pageID, off := slots.Locate(secondary)
		lc, err := c.OpenLinkedCursor(pageID)
		if err != nil {
			return err
		}
		lc.SetOffset(off)
		shdr := lc.GetByte()
		if shdr&(inUseBit|multiUnitBit|firstUnitBit) != inUseBit|multiUnitBit &&
			mode != Force {

			return recordError(uc.fields.kind(), id, "secondary unit %d has header %#x",
				secondary, shdr)
		}
		data = appendBytes(lc, data, slots.Size-1)
	} else {
		data = appendBytes(c, data, slots.Size-1)
	}

	rec.Clear()
	base.InUse = true
	if secondary != record.NoID {
		base.RequiresSecondaryUnit = true
		base.SecondaryUnitID = secondary
	}
	err := uc.fields.decode(rec, hdr>>flagsShift, data)
	if err != nil && mode != Force {
		return recordError(uc.fields.kind(), id, "%s", err)
	}
	return nil
}

func appendBytes(c *pagecache.Cursor, data []byte, n int) []byte {
	buf := make([]byte, n)
	c.GetBytes(buf)
	return append(data, buf...)
}

func getSecondaryRef(buf []byte) int64 {
	var id int64
	for _, b := range buf {
		id = id<<8 | int64(b)
	}
	return id
}

func putSecondaryRef(buf []byte, id int64) {
	for i := len(buf) - 1; i >= 0; i -= 1 {
		buf[i] = byte(id)
		id >>= 8
	}
}

func clearUnit(c *pagecache.Cursor, slots Slots, id int64) error {
	pageID, off := slots.Locate(id)
	lc, err := c.OpenLinkedCursor(pageID)
	if err != nil {
		return err
	}
	lc.SetOffset(off)
	clearSlot(lc, slots.Size)
	return nil
}

func (uc unitCodec) Write(rec record.Record, c *pagecache.Cursor, slots Slots) error {
	base := rec.Header()
	if !base.InUse {
		clearSlot(c, slots.Size)
		if base.SecondaryUnitID != record.NoID {
			return clearUnit(c, slots, base.SecondaryUnitID)
		}
		return nil
	}

	data := uc.fields.encode(rec, make([]byte, 0, 2*slots.Size))
	hdr := byte(inUseBit) | uc.fields.flags(rec)<<flagsShift
	if !base.RequiresSecondaryUnit {
		if len(data) > slots.Size-1 {
			return recordError(uc.fields.kind(), base.ID,
				"record needs a secondary unit but was not prepared")
		}
		c.PutByte(hdr)
		c.PutBytes(data)
		clearSlot(c, slots.Size-1-len(data))
		if base.SecondaryUnitID != record.NoID {
			// The record no longer needs its secondary unit.
			return clearUnit(c, slots, base.SecondaryUnitID)
		}
		return nil
	}

	if base.SecondaryUnitID == record.NoID || base.SecondaryUnitID == base.ID {
		return recordError(uc.fields.kind(), base.ID, "bad secondary unit: %d",
			base.SecondaryUnitID)
	}
	primary := slots.Size - 1 - secondaryRefSize
	if len(data) > primary+slots.Size-1 {
		return recordError(uc.fields.kind(), base.ID, "record too large: %d bytes", len(data))
	}

	var ref [secondaryRefSize]byte
	putSecondaryRef(ref[:], base.SecondaryUnitID)
	c.PutByte(hdr | multiUnitBit | firstUnitBit)
	c.PutBytes(ref[:])
	n := len(data)
	if n > primary {
		n = primary
	}
	c.PutBytes(data[:n])
	clearSlot(c, primary-n)

	pageID, off := slots.Locate(base.SecondaryUnitID)
	lc, err := c.OpenLinkedCursor(pageID)
	if err != nil {
		return err
	}
	lc.SetOffset(off)
	lc.PutByte(hdr | multiUnitBit)
	lc.PutBytes(data[n:])
	clearSlot(lc, slots.Size-1-(len(data)-n))
	return nil
}

// Prepare decides whether the record fits in one unit, and if it does not and has no
// secondary unit yet, takes one from ids. A record which no longer needs its secondary unit
// keeps the id, so that Write can release the unit.
func (uc unitCodec) Prepare(rec record.Record, recordSize int, ids IDSequence) error {
	base := rec.Header()
	if !base.InUse {
		return nil
	}

	data := uc.fields.encode(rec, make([]byte, 0, 2*recordSize))
	base.RequiresSecondaryUnit = len(data) > recordSize-1
	if base.RequiresSecondaryUnit && base.SecondaryUnitID == record.NoID {
		id, err := ids.NextID()
		if err != nil {
			return err
		}
		base.SecondaryUnitID = id
		base.SecondaryUnitCreated = true
	}
	return nil
}

func putRef(buf []byte, ref int64) []byte {
	return appendUvarint(buf, uint64(ref+1))
}

type refReader struct {
	buf []byte
	err error
}

func (rr *refReader) ref() int64 {
	if rr.err != nil {
		return record.NoID
	}
	v, n := binary.Uvarint(rr.buf)
	if n <= 0 || v > uint64(extendedMaxID)+1 {
		rr.err = errBadReference
		return record.NoID
	}
	rr.buf = rr.buf[n:]
	return int64(v) - 1
}

func (rr *refReader) bytes(n int) []byte {
	if rr.err != nil {
		return make([]byte, n)
	}
	if len(rr.buf) < n {
		rr.err = errBadReference
		return make([]byte, n)
	}
	b := rr.buf[:n]
	rr.buf = rr.buf[n:]
	return b
}

type nodeFields struct{}

func (_ nodeFields) kind() string {
	return "node"
}

func (_ nodeFields) newRecord(id int64) record.Record {
	return record.NewNode(id)
}

func (_ nodeFields) flags(rec record.Record) byte {
	if rec.(*record.Node).Dense {
		return 0x1
	}
	return 0
}

func (_ nodeFields) encode(rec record.Record, buf []byte) []byte {
	n := rec.(*record.Node)
	buf = putRef(buf, n.NextRel)
	buf = putRef(buf, n.NextProp)
	return append(buf, byte(n.Labels>>32), byte(n.Labels>>24), byte(n.Labels>>16),
		byte(n.Labels>>8), byte(n.Labels))
}

func (_ nodeFields) decode(rec record.Record, flags byte, buf []byte) error {
	n := rec.(*record.Node)
	rr := refReader{buf: buf}
	n.NextRel = rr.ref()
	n.NextProp = rr.ref()
	labels := rr.bytes(5)
	n.Labels = uint64(labels[0])<<32 | uint64(labels[1])<<24 | uint64(labels[2])<<16 |
		uint64(labels[3])<<8 | uint64(labels[4])
	n.Dense = flags&0x1 != 0
	return rr.err
}

type relationshipFields struct{}

func (_ relationshipFields) kind() string {
	return "relationship"
}

func (_ relationshipFields) newRecord(id int64) record.Record {
	return record.NewRelationship(id)
}

func (_ relationshipFields) flags(rec record.Record) byte {
	r := rec.(*record.Relationship)
	var f byte
	if r.FirstInFirstChain {
		f |= 0x1
	}
	if r.FirstInSecondChain {
		f |= 0x2
	}
	return f
}

func (_ relationshipFields) encode(rec record.Record, buf []byte) []byte {
	r := rec.(*record.Relationship)
	buf = appendUvarint(buf, uint64(uint32(r.Type)))
	buf = putRef(buf, r.FirstNode)
	buf = putRef(buf, r.SecondNode)
	buf = putRef(buf, r.FirstPrev)
	buf = putRef(buf, r.FirstNext)
	buf = putRef(buf, r.SecondPrev)
	buf = putRef(buf, r.SecondNext)
	return putRef(buf, r.NextProp)
}

func (_ relationshipFields) decode(rec record.Record, flags byte, buf []byte) error {
	r := rec.(*record.Relationship)
	rr := refReader{buf: buf}
	typ, n := binary.Uvarint(rr.buf)
	if n <= 0 || typ > 1<<24 {
		return errBadReference
	}
	rr.buf = rr.buf[n:]
	r.Type = int32(typ)
	r.FirstNode = rr.ref()
	r.SecondNode = rr.ref()
	r.FirstPrev = rr.ref()
	r.FirstNext = rr.ref()
	r.SecondPrev = rr.ref()
	r.SecondNext = rr.ref()
	r.NextProp = rr.ref()
	r.FirstInFirstChain = flags&0x1 != 0
	r.FirstInSecondChain = flags&0x2 != 0
	return rr.err
}

type groupFields struct{}

func (_ groupFields) kind() string {
	return "relationship group"
}

func (_ groupFields) newRecord(id int64) record.Record {
	return record.NewRelationshipGroup(id)
}

func (_ groupFields) flags(rec record.Record) byte {
	return 0
}

func (_ groupFields) encode(rec record.Record, buf []byte) []byte {
	g := rec.(*record.RelationshipGroup)
	buf = appendUvarint(buf, uint64(uint32(g.Type)))
	buf = putRef(buf, g.Next)
	buf = putRef(buf, g.FirstOut)
	buf = putRef(buf, g.FirstIn)
	buf = putRef(buf, g.FirstLoop)
	return putRef(buf, g.OwningNode)
}

func (_ groupFields) decode(rec record.Record, flags byte, buf []byte) error {
	g := rec.(*record.RelationshipGroup)
	rr := refReader{buf: buf}
	typ, n := binary.Uvarint(rr.buf)
	if n <= 0 || typ > 1<<24 {
		return errBadReference
	}
	rr.buf = rr.buf[n:]
	g.Type = int32(typ)
	g.Next = rr.ref()
	g.FirstOut = rr.ref()
	g.FirstIn = rr.ref()
	g.FirstLoop = rr.ref()
	g.OwningNode = rr.ref()
	return rr.err
}

func appendUvarint(buf []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(buf, tmp[:n]...)
}
