package command

import (
	"encoding/binary"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/leftmike/graphstore/record"
	"github.com/leftmike/graphstore/store"
)

var (
	ErrBadCommand = errors.New("command: bad command encoding")
)

const (
	cmdKind protowire.Number = iota + 1
	cmdBefore
	cmdAfter
)

const (
	baseID protowire.Number = iota + 1
	baseInUse
	baseRequiresSecondary
	baseSecondary
)

// Fields of each kind of record start at fieldStart.
const fieldStart protowire.Number = 10

type encoder struct {
	buf []byte
}

func (e *encoder) uint(num protowire.Number, v uint64) {
	if v == 0 {
		return
	}
	e.buf = protowire.AppendTag(e.buf, num, protowire.VarintType)
	e.buf = protowire.AppendVarint(e.buf, v)
}

func (e *encoder) ref(num protowire.Number, id int64) {
	e.uint(num, uint64(id+1))
}

func (e *encoder) bool(num protowire.Number, b bool) {
	if b {
		e.uint(num, 1)
	}
}

func (e *encoder) int32(num protowire.Number, n int32) {
	e.uint(num, uint64(uint32(n)))
}

func (e *encoder) bytes(num protowire.Number, b []byte) {
	e.buf = protowire.AppendTag(e.buf, num, protowire.BytesType)
	e.buf = protowire.AppendBytes(e.buf, b)
}

func encodeRecord(rec record.Record) []byte {
	var e encoder
	base := rec.Header()
	e.uint(baseID, uint64(base.ID))
	e.bool(baseInUse, base.InUse)
	e.bool(baseRequiresSecondary, base.RequiresSecondaryUnit)
	e.ref(baseSecondary, base.SecondaryUnitID)

	switch rec := rec.(type) {
	case *record.Node:
		e.ref(fieldStart, rec.NextRel)
		e.ref(fieldStart+1, rec.NextProp)
		e.uint(fieldStart+2, rec.Labels)
		e.bool(fieldStart+3, rec.Dense)
	case *record.Relationship:
		e.ref(fieldStart, rec.FirstNode)
		e.ref(fieldStart+1, rec.SecondNode)
		e.int32(fieldStart+2, rec.Type)
		e.ref(fieldStart+3, rec.FirstPrev)
		e.ref(fieldStart+4, rec.FirstNext)
		e.ref(fieldStart+5, rec.SecondPrev)
		e.ref(fieldStart+6, rec.SecondNext)
		e.bool(fieldStart+7, rec.FirstInFirstChain)
		e.bool(fieldStart+8, rec.FirstInSecondChain)
		e.ref(fieldStart+9, rec.NextProp)
	case *record.RelationshipGroup:
		e.int32(fieldStart, rec.Type)
		e.ref(fieldStart+1, rec.Next)
		e.ref(fieldStart+2, rec.FirstOut)
		e.ref(fieldStart+3, rec.FirstIn)
		e.ref(fieldStart+4, rec.FirstLoop)
		e.ref(fieldStart+5, rec.OwningNode)
	case *record.Property:
		e.ref(fieldStart, rec.PrevProp)
		e.ref(fieldStart+1, rec.NextProp)
		e.uint(fieldStart+2, uint64(rec.OwnerKind))
		e.ref(fieldStart+3, rec.OwnerID)
		for _, pb := range rec.Blocks {
			b := make([]byte, 8*len(pb.Words))
			for i, w := range pb.Words {
				binary.BigEndian.PutUint64(b[8*i:], w)
			}
			e.bytes(fieldStart+4, b)
		}
	case *record.Token:
		e.ref(fieldStart, rec.NameID)
		e.bool(fieldStart+1, rec.Internal)
		e.int32(fieldStart+2, rec.PropertyCount)
	case *record.Dynamic:
		e.bool(fieldStart, rec.StartRecord)
		e.ref(fieldStart+1, rec.NextBlock)
		e.bytes(fieldStart+2, rec.Data)
	case *record.Schema:
		e.int32(fieldStart, rec.LabelID)
		e.int32(fieldStart+1, rec.KeyID)
	default:
		panic(fmt.Sprintf("command: unexpected record type: %T", rec))
	}
	return e.buf
}

type fieldFunc func(num protowire.Number, v uint64, b []byte) error

func consumeFields(buf []byte, fn fieldFunc) error {
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return fmt.Errorf("%w: %s", ErrBadCommand, protowire.ParseError(n))
		}
		buf = buf[n:]

		var v uint64
		var b []byte
		switch typ {
		case protowire.VarintType:
			v, n = protowire.ConsumeVarint(buf)
		case protowire.BytesType:
			b, n = protowire.ConsumeBytes(buf)
		default:
			n = protowire.ConsumeFieldValue(num, typ, buf)
		}
		if n < 0 {
			return fmt.Errorf("%w: %s", ErrBadCommand, protowire.ParseError(n))
		}
		buf = buf[n:]

		err := fn(num, v, b)
		if err != nil {
			return err
		}
	}
	return nil
}

func decodeRef(v uint64) int64 {
	return int64(v) - 1
}

func decodeRecord(k store.Kind, buf []byte) (record.Record, error) {
	rec := NewRecord(k, 0)
	base := rec.Header()
	err := consumeFields(buf,
		func(num protowire.Number, v uint64, b []byte) error {
			switch num {
			case baseID:
				base.ID = int64(v)
				return nil
			case baseInUse:
				base.InUse = v != 0
				return nil
			case baseRequiresSecondary:
				base.RequiresSecondaryUnit = v != 0
				return nil
			case baseSecondary:
				base.SecondaryUnitID = decodeRef(v)
				return nil
			}
			return decodeField(rec, num-fieldStart, v, b)
		})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func decodeField(rec record.Record, fld protowire.Number, v uint64, b []byte) error {
	switch rec := rec.(type) {
	case *record.Node:
		switch fld {
		case 0:
			rec.NextRel = decodeRef(v)
		case 1:
			rec.NextProp = decodeRef(v)
		case 2:
			rec.Labels = v
		case 3:
			rec.Dense = v != 0
		}
	case *record.Relationship:
		switch fld {
		case 0:
			rec.FirstNode = decodeRef(v)
		case 1:
			rec.SecondNode = decodeRef(v)
		case 2:
			rec.Type = int32(uint32(v))
		case 3:
			rec.FirstPrev = decodeRef(v)
		case 4:
			rec.FirstNext = decodeRef(v)
		case 5:
			rec.SecondPrev = decodeRef(v)
		case 6:
			rec.SecondNext = decodeRef(v)
		case 7:
			rec.FirstInFirstChain = v != 0
		case 8:
			rec.FirstInSecondChain = v != 0
		case 9:
			rec.NextProp = decodeRef(v)
		}
	case *record.RelationshipGroup:
		switch fld {
		case 0:
			rec.Type = int32(uint32(v))
		case 1:
			rec.Next = decodeRef(v)
		case 2:
			rec.FirstOut = decodeRef(v)
		case 3:
			rec.FirstIn = decodeRef(v)
		case 4:
			rec.FirstLoop = decodeRef(v)
		case 5:
			rec.OwningNode = decodeRef(v)
		}
	case *record.Property:
		switch fld {
		case 0:
			rec.PrevProp = decodeRef(v)
		case 1:
			rec.NextProp = decodeRef(v)
		case 2:
			rec.OwnerKind = record.OwnerKind(v)
		case 3:
			rec.OwnerID = decodeRef(v)
		case 4:
			if len(b) == 0 || len(b)%8 != 0 {
				return fmt.Errorf("%w: property block of %d bytes", ErrBadCommand, len(b))
			}
			words := make([]uint64, len(b)/8)
			for i := range words {
				words[i] = binary.BigEndian.Uint64(b[8*i:])
			}
			rec.Blocks = append(rec.Blocks, record.PropertyBlock{Words: words})
		}
	case *record.Token:
		switch fld {
		case 0:
			rec.NameID = decodeRef(v)
		case 1:
			rec.Internal = v != 0
		case 2:
			rec.PropertyCount = int32(uint32(v))
		}
	case *record.Dynamic:
		switch fld {
		case 0:
			rec.StartRecord = v != 0
		case 1:
			rec.NextBlock = decodeRef(v)
		case 2:
			rec.Data = append([]byte{}, b...)
		}
	case *record.Schema:
		switch fld {
		case 0:
			rec.LabelID = int32(uint32(v))
		case 1:
			rec.KeyID = int32(uint32(v))
		}
	}
	return nil
}

// Encode appends the encoding of cmd to buf.
func Encode(buf []byte, cmd Command) []byte {
	buf = protowire.AppendTag(buf, cmdKind, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(cmd.Kind))
	buf = protowire.AppendTag(buf, cmdBefore, protowire.BytesType)
	buf = protowire.AppendBytes(buf, encodeRecord(cmd.Before))
	buf = protowire.AppendTag(buf, cmdAfter, protowire.BytesType)
	return protowire.AppendBytes(buf, encodeRecord(cmd.After))
}

// Decode decodes a command encoded by Encode.
func Decode(buf []byte) (Command, error) {
	kind := store.NumKinds
	var before, after []byte
	err := consumeFields(buf,
		func(num protowire.Number, v uint64, b []byte) error {
			switch num {
			case cmdKind:
				kind = store.Kind(v)
			case cmdBefore:
				before = b
			case cmdAfter:
				after = b
			}
			return nil
		})
	if err != nil {
		return Command{}, err
	}
	if kind < 0 || kind >= store.NumKinds || before == nil || after == nil {
		return Command{}, fmt.Errorf("%w: missing fields", ErrBadCommand)
	}

	cmd := Command{Kind: kind}
	cmd.Before, err = decodeRecord(kind, before)
	if err != nil {
		return Command{}, err
	}
	cmd.After, err = decodeRecord(kind, after)
	if err != nil {
		return Command{}, err
	}
	if cmd.Before.Header().ID != cmd.After.Header().ID {
		return Command{}, fmt.Errorf("%w: before id %d and after id %d", ErrBadCommand,
			cmd.Before.Header().ID, cmd.After.Header().ID)
	}
	return cmd, nil
}

const (
	iuIndex protowire.Number = iota + 1
	iuKey
	iuNode
	iuRemove
	iuDrop
)

// EncodeIndexUpdate appends the encoding of iu to buf.
func EncodeIndexUpdate(buf []byte, iu IndexUpdate) []byte {
	e := encoder{buf: buf}
	e.uint(iuIndex, uint64(iu.Index)+1)
	e.bytes(iuKey, iu.Key)
	e.ref(iuNode, iu.NodeID)
	e.bool(iuRemove, iu.Remove)
	e.bool(iuDrop, iu.Drop)
	return e.buf
}

// DecodeIndexUpdate decodes an index update encoded by EncodeIndexUpdate.
func DecodeIndexUpdate(buf []byte) (IndexUpdate, error) {
	iu := IndexUpdate{Index: -1, NodeID: record.NoID}
	err := consumeFields(buf,
		func(num protowire.Number, v uint64, b []byte) error {
			switch num {
			case iuIndex:
				iu.Index = int32(v - 1)
			case iuKey:
				iu.Key = append([]byte{}, b...)
			case iuNode:
				iu.NodeID = decodeRef(v)
			case iuRemove:
				iu.Remove = v != 0
			case iuDrop:
				iu.Drop = v != 0
			}
			return nil
		})
	if err != nil {
		return IndexUpdate{}, err
	}
	if iu.Index < 0 || (!iu.Drop && iu.NodeID == record.NoID) {
		return IndexUpdate{}, fmt.Errorf("%w: index update missing fields", ErrBadCommand)
	}
	return iu, nil
}
