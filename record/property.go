package record

import (
	"fmt"
	"strings"
)

type OwnerKind byte

const (
	NoOwner OwnerKind = iota
	NodeOwner
	RelationshipOwner
)

// PropertyType is the type of a property block.
type PropertyType byte

const (
	BoolType PropertyType = iota + 1
	IntType
	LongType
	DoubleType
	ShortStringType
	StringType
	ArrayType
	PointType
	TemporalType
)

var propertyTypeNames = map[PropertyType]string{
	BoolType:        "bool",
	IntType:         "int",
	LongType:        "long",
	DoubleType:      "double",
	ShortStringType: "short string",
	StringType:      "string",
	ArrayType:       "array",
	PointType:       "point",
	TemporalType:    "temporal",
}

func (pt PropertyType) String() string {
	if s, ok := propertyTypeNames[pt]; ok {
		return s
	}
	return fmt.Sprintf("property type %d", int(pt))
}

// Dynamic reports whether values of the type are stored in a chain of dynamic records.
func (pt PropertyType) Dynamic() bool {
	return pt == StringType || pt == ArrayType
}

const (
	// PropertyWords is the number of 8 byte words of blocks a property record holds.
	PropertyWords = 4

	// MaxPropertyKey is the largest property key id a block can hold.
	MaxPropertyKey = 1<<24 - 1
)

type Property struct {
	Base
	PrevProp  int64
	NextProp  int64
	OwnerKind OwnerKind
	OwnerID   int64
	Blocks    []PropertyBlock
}

func NewProperty(id int64) *Property {
	return &Property{
		Base:     MakeBase(id),
		PrevProp: NoID,
		NextProp: NoID,
		OwnerID:  NoID,
	}
}

func (p *Property) Clone() Record {
	c := *p
	c.Blocks = make([]PropertyBlock, len(p.Blocks))
	for i, pb := range p.Blocks {
		c.Blocks[i] = pb.Clone()
	}
	return &c
}

func (p *Property) Equal(r Record) bool {
	p2, ok := r.(*Property)
	if !ok {
		return false
	}
	if !p.Base.equal(p2.Base) || p.PrevProp != p2.PrevProp || p.NextProp != p2.NextProp ||
		p.OwnerKind != p2.OwnerKind || p.OwnerID != p2.OwnerID ||
		len(p.Blocks) != len(p2.Blocks) {

		return false
	}
	for i := range p.Blocks {
		if !p.Blocks[i].Equal(p2.Blocks[i]) {
			return false
		}
	}
	return true
}

func (p *Property) Clear() {
	*p = *NewProperty(p.ID)
}

// UsedWords returns the number of words used by all of the blocks.
func (p *Property) UsedWords() int {
	n := 0
	for _, pb := range p.Blocks {
		n += len(pb.Words)
	}
	return n
}

// Block returns the index of the block for key, or -1.
func (p *Property) Block(key int32) int {
	for i, pb := range p.Blocks {
		if pb.Key() == key {
			return i
		}
	}
	return -1
}

func (p *Property) RemoveBlock(idx int) PropertyBlock {
	pb := p.Blocks[idx]
	p.Blocks = append(p.Blocks[:idx:idx], p.Blocks[idx+1:]...)
	return pb
}

func (p *Property) String() string {
	if !p.InUse {
		return fmt.Sprintf("Property[%s]", p.Base)
	}
	var blks []string
	for _, pb := range p.Blocks {
		blks = append(blks, pb.String())
	}
	return fmt.Sprintf("Property[%s prev=%d next=%d owner=%d:%d blocks=[%s]]", p.Base,
		p.PrevProp, p.NextProp, p.OwnerKind, p.OwnerID, strings.Join(blks, " "))
}

// PropertyBlock is 1 to 4 words. The first word holds the key in bits 0-23, the type in
// bits 24-27, and 36 bits of payload in bits 28-63.
type PropertyBlock struct {
	Words []uint64
}

const (
	keyMask      = uint64(1)<<24 - 1
	typeShift    = 24
	typeMask     = 0xF
	payloadShift = 28
	payloadMask  = uint64(1)<<36 - 1
)

func headerWord(key int32, pt PropertyType, payload uint64) uint64 {
	return uint64(key)&keyMask | uint64(pt&typeMask)<<typeShift |
		(payload&payloadMask)<<payloadShift
}

func (pb PropertyBlock) Key() int32 {
	return int32(pb.Words[0] & keyMask)
}

func (pb PropertyBlock) Type() PropertyType {
	return PropertyType((pb.Words[0] >> typeShift) & typeMask)
}

func (pb PropertyBlock) payload() uint64 {
	return pb.Words[0] >> payloadShift
}

// DynamicID returns the first dynamic record of a string or array block.
func (pb PropertyBlock) DynamicID() int64 {
	return int64(pb.payload())
}

func (pb PropertyBlock) Clone() PropertyBlock {
	return PropertyBlock{Words: append([]uint64(nil), pb.Words...)}
}

func (pb PropertyBlock) Equal(pb2 PropertyBlock) bool {
	if len(pb.Words) != len(pb2.Words) {
		return false
	}
	for i := range pb.Words {
		if pb.Words[i] != pb2.Words[i] {
			return false
		}
	}
	return true
}

func (pb PropertyBlock) String() string {
	return fmt.Sprintf("%d:%s:%x", pb.Key(), pb.Type(), pb.Words)
}

// BlockWords returns the number of words in the block starting with word0, or 0 if word0 is
// not the start of a valid block.
func BlockWords(word0 uint64) int {
	switch PropertyType((word0 >> typeShift) & typeMask) {
	case BoolType, IntType, StringType, ArrayType:
		return 1
	case LongType, DoubleType, TemporalType:
		return 2
	case PointType:
		return 3
	case ShortStringType:
		n := int((word0 >> payloadShift) & shortStringLenMask)
		if n > MaxShortString {
			return 0
		}
		return shortStringWords(n)
	}
	return 0
}
