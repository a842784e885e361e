package format

import (
	"errors"
	"fmt"
	"sort"

	"github.com/leftmike/graphstore/pagecache"
	"github.com/leftmike/graphstore/record"
)

// LoadMode controls how a codec treats records which are not in use or malformed.
type LoadMode int

const (
	// Normal fails on malformed records; records which are not in use are cleared.
	Normal LoadMode = iota
	// Force decodes whatever is in the slot and never fails.
	Force
	// Check is Normal, but the caller expects records which are not in use.
	Check
)

func (lm LoadMode) String() string {
	switch lm {
	case Normal:
		return "normal"
	case Force:
		return "force"
	case Check:
		return "check"
	}
	return fmt.Sprintf("load mode %d", int(lm))
}

var (
	ErrInvalidRecord      = errors.New("format: invalid record")
	ErrIncompatibleFormat = errors.New("format: incompatible format")
	ErrUnknownFormat      = errors.New("format: unknown format")
)

// RecordError is a format error for one record; it matches ErrInvalidRecord.
type RecordError struct {
	Kind string
	ID   int64
	Msg  string
}

func (re *RecordError) Error() string {
	return fmt.Sprintf("format: %s %d: %s", re.Kind, re.ID, re.Msg)
}

func (re *RecordError) Unwrap() error {
	return ErrInvalidRecord
}

func recordError(kind string, id int64, format string, args ...interface{}) error {
	return &RecordError{
		Kind: kind,
		ID:   id,
		Msg:  fmt.Sprintf(format, args...),
	}
}

// StoreHeader holds store wide parameters which the record size may depend on.
type StoreHeader struct {
	BlockSize int
}

// IDSequence hands out ids for secondary units.
type IDSequence interface {
	NextID() (int64, error)
}

// Slots maps record ids to the page and offset of their slot; records never straddle pages.
type Slots struct {
	Size    int
	PerPage int
}

func MakeSlots(recordSize, pageSize int) Slots {
	if recordSize > pageSize {
		panic(fmt.Sprintf("format: record size %d larger than page size %d", recordSize,
			pageSize))
	}
	return Slots{
		Size:    recordSize,
		PerPage: pageSize / recordSize,
	}
}

func (s Slots) Locate(id int64) (int64, int) {
	return id / int64(s.PerPage), int(id%int64(s.PerPage)) * s.Size
}

// Codec encodes and decodes one kind of record to and from a slot. The cursor is positioned
// at the start of the record's primary slot. Codecs are pure: the caller is responsible for
// retrying reads when the cursor says so.
type Codec interface {
	RecordSize(hdr StoreHeader) int
	NewRecord(id int64) record.Record
	Read(rec record.Record, c *pagecache.Cursor, mode LoadMode, slots Slots) error
	Write(rec record.Record, c *pagecache.Cursor, slots Slots) error
	// Prepare is called before the first write of a changed record; it assigns a secondary
	// unit from ids if the record no longer fits in its primary slot. Calling it again
	// does not allocate another id.
	Prepare(rec record.Record, recordSize int, ids IDSequence) error
	// IsInUse inspects only the in use bit of the slot at the cursor.
	IsInUse(c *pagecache.Cursor) bool
	MaxID() int64
}

type Format struct {
	Name         string
	Generation   int
	Capabilities []Capability

	Node             Codec
	Relationship     Codec
	Group            Codec
	Property         Codec
	LabelToken       Codec
	RelTypeToken     Codec
	PropertyKeyToken Codec
	Dynamic          Codec
	Schema           Codec
}

const (
	DefaultFormat = "standard-2.0"
)

var (
	standardCodecs = Format{
		Node:             nodeCodec{},
		Relationship:     relationshipCodec{},
		Group:            groupCodec{},
		Property:         propertyCodec{},
		LabelToken:       tokenCodec{kind: record.LabelToken, maxID: 1<<31 - 1},
		RelTypeToken:     tokenCodec{kind: record.RelTypeToken, maxID: 1<<16 - 1},
		PropertyKeyToken: tokenCodec{kind: record.PropertyKeyToken, maxID: record.MaxPropertyKey},
		Dynamic:          dynamicCodec{},
		Schema:           schemaCodec{},
	}

	formats = map[string]*Format{}
)

func register(f Format, base Format) {
	if _, ok := formats[f.Name]; ok {
		panic(fmt.Sprintf("format: format already registered: %s", f.Name))
	}
	if f.Node == nil {
		f.Node = base.Node
	}
	if f.Relationship == nil {
		f.Relationship = base.Relationship
	}
	if f.Group == nil {
		f.Group = base.Group
	}
	f.Property = base.Property
	f.LabelToken = base.LabelToken
	f.RelTypeToken = base.RelTypeToken
	f.PropertyKeyToken = base.PropertyKeyToken
	f.Dynamic = base.Dynamic
	f.Schema = base.Schema
	formats[f.Name] = &f
}

func init() {
	register(Format{
		Name:       "standard-1.0",
		Generation: 1,
		Capabilities: []Capability{
			DenseNodes, SchemaRecords, StandardRecordLayout, LogChecksums,
		},
	}, standardCodecs)
	register(Format{
		Name:       "standard-2.0",
		Generation: 2,
		Capabilities: []Capability{
			DenseNodes, SchemaRecords, StandardRecordLayout, PointProperties,
			TemporalProperties, LogChecksums,
		},
	}, standardCodecs)
	register(Format{
		Name:       "extended-1.0",
		Generation: 3,
		Capabilities: []Capability{
			DenseNodes, SchemaRecords, SecondaryRecordUnits, PointProperties,
			TemporalProperties, LogChecksums,
		},
		Node:         extendedNodeCodec,
		Relationship: extendedRelationshipCodec,
		Group:        extendedGroupCodec,
	}, standardCodecs)
}

func Lookup(name string) (*Format, error) {
	f, ok := formats[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, name)
	}
	return f, nil
}

// Formats returns every format, ordered by generation.
func Formats() []*Format {
	var list []*Format
	for _, f := range formats {
		list = append(list, f)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Generation < list[j].Generation })
	return list
}

func (f *Format) Has(c Capability) bool {
	for _, fc := range f.Capabilities {
		if fc == c {
			return true
		}
	}
	return false
}

// TokenCodec returns the codec for tokens of kind tk.
func (f *Format) TokenCodec(tk record.TokenKind) Codec {
	switch tk {
	case record.LabelToken:
		return f.LabelToken
	case record.RelTypeToken:
		return f.RelTypeToken
	case record.PropertyKeyToken:
		return f.PropertyKeyToken
	}
	panic(fmt.Sprintf("format: unexpected token kind: %d", tk))
}

func (f *Format) String() string {
	return f.Name
}
