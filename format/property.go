package format

import (
	"github.com/leftmike/graphstore/pagecache"
	"github.com/leftmike/graphstore/record"
)

// propertyCodec: 49 bytes.
//   0: in use (bit 0), owner kind (bits 1-2)
//   1: prev high bits (0-3), next high bits (4-7)
//   2: prev
//   6: next
//  10: owner (56 bits, all ones for none)
//  17: 4 words of property blocks; a zero word ends the blocks
type propertyCodec struct{}

const (
	propertySize = 49
	ownerBits    = 56
	ownerNull    = uint64(1)<<ownerBits - 1
)

func (_ propertyCodec) RecordSize(_ StoreHeader) int {
	return propertySize
}

func (_ propertyCodec) NewRecord(id int64) record.Record {
	return record.NewProperty(id)
}

func (_ propertyCodec) MaxID() int64 {
	return standardMax4
}

func (_ propertyCodec) IsInUse(c *pagecache.Cursor) bool {
	return inUseAt(c)
}

func getOwner(c *pagecache.Cursor) uint64 {
	var owner uint64
	for i := 0; i < ownerBits/8; i += 1 {
		owner = owner<<8 | uint64(c.GetByte())
	}
	return owner
}

func putOwner(c *pagecache.Cursor, owner uint64) {
	for i := ownerBits/8 - 1; i >= 0; i -= 1 {
		c.PutByte(byte(owner >> (uint(i) * 8)))
	}
}

func (_ propertyCodec) Read(rec record.Record, c *pagecache.Cursor, mode LoadMode,
	_ Slots) error {

	p := rec.(*record.Property)
	hdr := c.GetByte()
	if hdr&inUseBit == 0 && mode != Force {
		p.Clear()
		return nil
	}

	highs := uint64(c.GetByte())
	prev := c.GetInt()
	next := c.GetInt()
	owner := getOwner(c)
	var words [record.PropertyWords]uint64
	for i := range words {
		words[i] = c.GetLong()
	}

	p.Base = record.MakeBase(p.ID)
	p.InUse = hdr&inUseBit != 0
	p.OwnerKind = record.OwnerKind((hdr >> 1) & 0x3)
	p.PrevProp = joinRef(prev, highs&0xF)
	p.NextProp = joinRef(next, (highs>>4)&0xF)
	if owner == ownerNull {
		p.OwnerID = record.NoID
	} else {
		p.OwnerID = int64(owner)
	}

	p.Blocks = nil
	for i := 0; i < len(words) && words[i] != 0; {
		n := record.BlockWords(words[i])
		if n == 0 || i+n > len(words) {
			if mode == Force {
				break
			}
			return recordError("property", p.ID, "bad property block at word %d: %#x", i,
				words[i])
		}
		p.Blocks = append(p.Blocks,
			record.PropertyBlock{Words: append([]uint64(nil), words[i:i+n]...)})
		i += n
	}
	if p.OwnerKind > record.RelationshipOwner && mode != Force {
		return recordError("property", p.ID, "bad owner kind: %d", p.OwnerKind)
	}
	return nil
}

func (_ propertyCodec) Write(rec record.Record, c *pagecache.Cursor, _ Slots) error {
	p := rec.(*record.Property)
	if !p.InUse {
		clearSlot(c, propertySize)
		return nil
	}

	rc := refChecker{kind: "property", id: p.ID}
	prev, prevHigh := rc.split(p.PrevProp, 4, "prev")
	next, nextHigh := rc.split(p.NextProp, 4, "next")
	if rc.err != nil {
		return rc.err
	}
	if p.UsedWords() > record.PropertyWords {
		return recordError("property", p.ID, "too many property block words: %d",
			p.UsedWords())
	}
	owner := ownerNull
	if p.OwnerID != record.NoID {
		if p.OwnerID < 0 || uint64(p.OwnerID) >= ownerNull {
			return recordError("property", p.ID, "owner out of range: %d", p.OwnerID)
		}
		owner = uint64(p.OwnerID)
	}

	c.PutByte(inUseBit | byte(p.OwnerKind&0x3)<<1)
	c.PutByte(byte(prevHigh) | byte(nextHigh)<<4)
	c.PutInt(prev)
	c.PutInt(next)
	putOwner(c, owner)
	n := 0
	for _, pb := range p.Blocks {
		for _, w := range pb.Words {
			c.PutLong(w)
			n += 1
		}
	}
	for n < record.PropertyWords {
		c.PutLong(0)
		n += 1
	}
	return nil
}

func (_ propertyCodec) Prepare(rec record.Record, _ int, _ IDSequence) error {
	rec.Header().RequiresSecondaryUnit = false
	return nil
}

// tokenCodec: 5 bytes, or 9 bytes for property key tokens.
//   0: in use (bit 0), internal (bit 1)
//   1: property count (property key tokens only)
//   1 or 5: name id
type tokenCodec struct {
	kind  record.TokenKind
	maxID int64
}

func (tc tokenCodec) RecordSize(_ StoreHeader) int {
	if tc.kind == record.PropertyKeyToken {
		return 9
	}
	return 5
}

func (_ tokenCodec) NewRecord(id int64) record.Record {
	return record.NewToken(id)
}

func (tc tokenCodec) MaxID() int64 {
	return tc.maxID
}

func (_ tokenCodec) IsInUse(c *pagecache.Cursor) bool {
	return inUseAt(c)
}

func (tc tokenCodec) Read(rec record.Record, c *pagecache.Cursor, mode LoadMode,
	_ Slots) error {

	t := rec.(*record.Token)
	hdr := c.GetByte()
	if hdr&inUseBit == 0 && mode != Force {
		t.Clear()
		return nil
	}

	var cnt uint32
	if tc.kind == record.PropertyKeyToken {
		cnt = c.GetInt()
	}
	name := c.GetInt()

	t.Base = record.MakeBase(t.ID)
	t.InUse = hdr&inUseBit != 0
	t.Internal = hdr&0x2 != 0
	t.PropertyCount = int32(cnt)
	t.NameID = joinRef(name, 0)
	return nil
}

func (tc tokenCodec) Write(rec record.Record, c *pagecache.Cursor, _ Slots) error {
	t := rec.(*record.Token)
	if !t.InUse {
		clearSlot(c, tc.RecordSize(StoreHeader{}))
		return nil
	}

	rc := refChecker{kind: tc.kind.String() + " token", id: t.ID}
	name, _ := rc.split(t.NameID, 0, "name")
	if rc.err != nil {
		return rc.err
	}

	hdr := byte(inUseBit)
	if t.Internal {
		hdr |= 0x2
	}
	c.PutByte(hdr)
	if tc.kind == record.PropertyKeyToken {
		c.PutInt(uint32(t.PropertyCount))
	}
	c.PutInt(name)
	return nil
}

func (_ tokenCodec) Prepare(rec record.Record, _ int, _ IDSequence) error {
	rec.Header().RequiresSecondaryUnit = false
	return nil
}

// schemaCodec: 9 bytes.
//   0: in use (bit 0)
//   1: label
//   5: property key
type schemaCodec struct{}

const schemaSize = 9

func (_ schemaCodec) RecordSize(_ StoreHeader) int {
	return schemaSize
}

func (_ schemaCodec) NewRecord(id int64) record.Record {
	return record.NewSchema(id)
}

func (_ schemaCodec) MaxID() int64 {
	return 1<<31 - 1
}

func (_ schemaCodec) IsInUse(c *pagecache.Cursor) bool {
	return inUseAt(c)
}

func (_ schemaCodec) Read(rec record.Record, c *pagecache.Cursor, mode LoadMode,
	_ Slots) error {

	s := rec.(*record.Schema)
	hdr := c.GetByte()
	if hdr&inUseBit == 0 && mode != Force {
		s.Clear()
		return nil
	}

	s.Base = record.MakeBase(s.ID)
	s.InUse = hdr&inUseBit != 0
	s.LabelID = int32(c.GetInt())
	s.KeyID = int32(c.GetInt())
	return nil
}

func (_ schemaCodec) Write(rec record.Record, c *pagecache.Cursor, _ Slots) error {
	s := rec.(*record.Schema)
	if !s.InUse {
		clearSlot(c, schemaSize)
		return nil
	}

	c.PutByte(inUseBit)
	c.PutInt(uint32(s.LabelID))
	c.PutInt(uint32(s.KeyID))
	return nil
}

func (_ schemaCodec) Prepare(rec record.Record, _ int, _ IDSequence) error {
	rec.Header().RequiresSecondaryUnit = false
	return nil
}

// dynamicCodec: 8 bytes plus the store's block size.
//   0: in use (bit 0), start record (bit 1), next high bits (4-7)
//   1: length of data (24 bits)
//   4: next block
//   8: data
type dynamicCodec struct{}

const dynamicHeaderSize = 8

func (_ dynamicCodec) RecordSize(hdr StoreHeader) int {
	return dynamicHeaderSize + hdr.BlockSize
}

func (_ dynamicCodec) NewRecord(id int64) record.Record {
	return record.NewDynamic(id)
}

func (_ dynamicCodec) MaxID() int64 {
	return standardMax4
}

func (_ dynamicCodec) IsInUse(c *pagecache.Cursor) bool {
	return inUseAt(c)
}

func (_ dynamicCodec) Read(rec record.Record, c *pagecache.Cursor, mode LoadMode,
	slots Slots) error {

	d := rec.(*record.Dynamic)
	hdr := c.GetByte()
	if hdr&inUseBit == 0 && mode != Force {
		d.Clear()
		return nil
	}

	length := int(c.GetByte())<<16 | int(c.GetShort())
	next := c.GetInt()

	d.Base = record.MakeBase(d.ID)
	d.InUse = hdr&inUseBit != 0
	d.StartRecord = hdr&0x2 != 0
	d.NextBlock = joinRef(next, uint64(hdr>>4)&0xF)

	blockSize := slots.Size - dynamicHeaderSize
	if length > blockSize {
		if mode != Force {
			return recordError("dynamic", d.ID, "length %d larger than block size %d", length,
				blockSize)
		}
		length = blockSize
	}
	d.Data = make([]byte, length)
	c.GetBytes(d.Data)
	return nil
}

func (_ dynamicCodec) Write(rec record.Record, c *pagecache.Cursor, slots Slots) error {
	d := rec.(*record.Dynamic)
	if !d.InUse {
		clearSlot(c, slots.Size)
		return nil
	}

	rc := refChecker{kind: "dynamic", id: d.ID}
	next, nextHigh := rc.split(d.NextBlock, 4, "next block")
	if rc.err != nil {
		return rc.err
	}
	blockSize := slots.Size - dynamicHeaderSize
	if len(d.Data) > blockSize {
		return recordError("dynamic", d.ID, "length %d larger than block size %d", len(d.Data),
			blockSize)
	}

	hdr := byte(inUseBit) | byte(nextHigh)<<4
	if d.StartRecord {
		hdr |= 0x2
	}
	c.PutByte(hdr)
	c.PutByte(byte(len(d.Data) >> 16))
	c.PutShort(uint16(len(d.Data)))
	c.PutInt(next)
	c.PutBytes(d.Data)
	clearSlot(c, blockSize-len(d.Data))
	return nil
}

func (_ dynamicCodec) Prepare(rec record.Record, _ int, _ IDSequence) error {
	rec.Header().RequiresSecondaryUnit = false
	return nil
}
