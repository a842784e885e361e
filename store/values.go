package store

import (
	"fmt"
	"time"

	"github.com/leftmike/graphstore/format"
	"github.com/leftmike/graphstore/record"
)

// EncodeValue encodes v as a property block for key. Values which do not fit inline are
// placed in a new chain of dynamic records which must be written along with the block.
func (s *Stores) EncodeValue(key int32, v record.Value) (record.PropertyBlock,
	[]*record.Dynamic, error) {

	if key < 0 || key > record.MaxPropertyKey {
		return record.PropertyBlock{}, nil, fmt.Errorf("store: property key out of range: %d",
			key)
	}
	v, err := record.NormalizeValue(v)
	if err != nil {
		return record.PropertyBlock{}, nil, err
	}

	switch v := v.(type) {
	case bool:
		return record.BoolBlock(key, v), nil, nil
	case int64:
		return record.IntBlock(key, v), nil, nil
	case float64:
		return record.DoubleBlock(key, v), nil, nil
	case string:
		if pb, ok := record.ShortStringBlock(key, v); ok {
			return pb, nil, nil
		}
		chain, err := s.stores[StringStore].AllocateChain([]byte(v))
		if err != nil {
			return record.PropertyBlock{}, nil, err
		}
		return record.DynamicBlock(key, record.StringType, chain[0].ID), chain, nil
	case []byte, []int64:
		buf, err := record.EncodeArray(v)
		if err != nil {
			return record.PropertyBlock{}, nil, err
		}
		chain, err := s.stores[ArrayStore].AllocateChain(buf)
		if err != nil {
			return record.PropertyBlock{}, nil, err
		}
		return record.DynamicBlock(key, record.ArrayType, chain[0].ID), chain, nil
	case record.Point:
		if !s.Format.Has(format.PointProperties) {
			return record.PropertyBlock{}, nil, fmt.Errorf("%w: %s does not support points",
				record.ErrUnsupportedValue, s.Format)
		}
		return record.PointBlock(key, v), nil, nil
	case time.Time:
		if !s.Format.Has(format.TemporalProperties) {
			return record.PropertyBlock{}, nil, fmt.Errorf("%w: %s does not support temporals",
				record.ErrUnsupportedValue, s.Format)
		}
		return record.TemporalBlock(key, v), nil, nil
	}
	panic(fmt.Sprintf("store: unexpected value type: %T", v))
}

func (s *Stores) valueStore(pb record.PropertyBlock) *RecordStore {
	switch pb.Type() {
	case record.StringType:
		return s.stores[StringStore]
	case record.ArrayType:
		return s.stores[ArrayStore]
	}
	return nil
}

// DecodeValue returns the value held by pb, reading its dynamic chain if it has one.
func (s *Stores) DecodeValue(pb record.PropertyBlock) (record.Value, error) {
	if v, ok := pb.InlineValue(); ok {
		return v, nil
	}
	rs := s.valueStore(pb)
	if rs == nil {
		return nil, fmt.Errorf("store: bad property block type: %s", pb.Type())
	}
	data, _, err := rs.ReadChain(pb.DynamicID())
	if err != nil {
		return nil, err
	}
	if pb.Type() == record.StringType {
		return string(data), nil
	}
	return record.DecodeArray(data)
}

// ValueChain returns the dynamic records holding the value of pb, if any, and the kind of
// their store.
func (s *Stores) ValueChain(pb record.PropertyBlock) (Kind, []*record.Dynamic, error) {
	rs := s.valueStore(pb)
	if rs == nil {
		return 0, nil, nil
	}
	_, chain, err := rs.ReadChain(pb.DynamicID())
	return rs.kind, chain, err
}

// EncodeLabels returns the label field for labels, along with any dynamic records needed
// to hold them.
func (s *Stores) EncodeLabels(labels []int32) (uint64, []*record.Dynamic, error) {
	labels = record.SortLabels(labels)
	if field, ok := record.InlineLabelField(labels); ok {
		return field, nil, nil
	}

	ids := make([]int64, len(labels))
	for i, l := range labels {
		ids[i] = int64(l)
	}
	buf, err := record.EncodeArray(ids)
	if err != nil {
		return 0, nil, err
	}
	chain, err := s.stores[NodeLabelStore].AllocateChain(buf)
	if err != nil {
		return 0, nil, err
	}
	return record.DynamicLabelField(chain[0].ID), chain, nil
}

// DecodeLabels returns the sorted labels of a label field.
func (s *Stores) DecodeLabels(field uint64) ([]int32, error) {
	if !record.IsDynamicLabelField(field) {
		return record.ParseInlineLabels(field), nil
	}

	data, _, err := s.stores[NodeLabelStore].ReadChain(record.DynamicLabelFieldID(field))
	if err != nil {
		return nil, err
	}
	v, err := record.DecodeArray(data)
	if err != nil {
		return nil, err
	}
	ids, ok := v.([]int64)
	if !ok {
		return nil, fmt.Errorf("store: label field %#x: not a long array", field)
	}
	labels := make([]int32, len(ids))
	for i, id := range ids {
		labels[i] = int32(id)
	}
	return labels, nil
}

// LabelChain returns the dynamic records of a label field, if any.
func (s *Stores) LabelChain(field uint64) ([]*record.Dynamic, error) {
	if !record.IsDynamicLabelField(field) {
		return nil, nil
	}
	_, chain, err := s.stores[NodeLabelStore].ReadChain(record.DynamicLabelFieldID(field))
	return chain, err
}

// TokenEntry is a token along with its name.
type TokenEntry struct {
	ID       int32
	Name     string
	Internal bool
	Count    int32
}

// ReadToken reads the token id of kind tk and its name.
func (s *Stores) ReadToken(tk record.TokenKind, id int32) (TokenEntry, error) {
	rec, err := s.stores[TokenStore(tk)].GetRecord(int64(id), format.Normal)
	if err != nil {
		return TokenEntry{}, err
	}
	t := rec.(*record.Token)
	name, _, err := s.stores[NameStore(tk)].ReadChain(t.NameID)
	if err != nil {
		return TokenEntry{}, err
	}
	return TokenEntry{
		ID:       id,
		Name:     string(name),
		Internal: t.Internal,
		Count:    t.PropertyCount,
	}, nil
}

// LoadTokens returns every token of kind tk.
func (s *Stores) LoadTokens(tk record.TokenKind) ([]TokenEntry, error) {
	var tokens []TokenEntry
	err := s.stores[TokenStore(tk)].Scan(
		func(rec record.Record) error {
			if !rec.Header().InUse {
				return nil
			}
			te, err := s.ReadToken(tk, int32(rec.Header().ID))
			if err != nil {
				return err
			}
			tokens = append(tokens, te)
			return nil
		})
	if err != nil {
		return nil, err
	}
	return tokens, nil
}

// LoadSchema returns every schema record in use.
func (s *Stores) LoadSchema() ([]*record.Schema, error) {
	var rules []*record.Schema
	err := s.stores[SchemaStore].Scan(
		func(rec record.Record) error {
			if rec.Header().InUse {
				rules = append(rules, rec.(*record.Schema))
			}
			return nil
		})
	if err != nil {
		return nil, err
	}
	return rules, nil
}
