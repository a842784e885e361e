package store

import (
	"fmt"

	"github.com/leftmike/graphstore/format"
	"github.com/leftmike/graphstore/record"
)

// Kind identifies one of the record stores of a database.
type Kind int

const (
	NodeStore Kind = iota
	NodeLabelStore
	RelationshipStore
	GroupStore
	PropertyStore
	StringStore
	ArrayStore
	LabelTokenStore
	LabelNameStore
	RelTypeTokenStore
	RelTypeNameStore
	PropertyKeyTokenStore
	PropertyKeyNameStore
	SchemaStore

	NumKinds
)

var kindNames = [NumKinds]struct {
	name string
	file string
}{
	NodeStore:             {"nodes", "graph.nodes"},
	NodeLabelStore:        {"node labels", "graph.nodes.labels"},
	RelationshipStore:     {"relationships", "graph.relationships"},
	GroupStore:            {"relationship groups", "graph.relationshipgroups"},
	PropertyStore:         {"properties", "graph.properties"},
	StringStore:           {"property strings", "graph.properties.strings"},
	ArrayStore:            {"property arrays", "graph.properties.arrays"},
	LabelTokenStore:       {"labels", "graph.labels"},
	LabelNameStore:        {"label names", "graph.labels.names"},
	RelTypeTokenStore:     {"relationship types", "graph.reltypes"},
	RelTypeNameStore:      {"relationship type names", "graph.reltypes.names"},
	PropertyKeyTokenStore: {"property keys", "graph.propertykeys"},
	PropertyKeyNameStore:  {"property key names", "graph.propertykeys.names"},
	SchemaStore:           {"schema", "graph.schema"},
}

func (k Kind) String() string {
	if k >= 0 && k < NumKinds {
		return kindNames[k].name
	}
	return fmt.Sprintf("store kind %d", int(k))
}

// File returns the name of the file of the store in the database directory.
func (k Kind) File() string {
	return kindNames[k].file
}

// Dynamic reports whether the store holds dynamic records.
func (k Kind) Dynamic() bool {
	switch k {
	case NodeLabelStore, StringStore, ArrayStore, LabelNameStore, RelTypeNameStore,
		PropertyKeyNameStore:
		return true
	}
	return false
}

// Token returns the token kind of a token store.
func (k Kind) Token() (record.TokenKind, bool) {
	switch k {
	case LabelTokenStore:
		return record.LabelToken, true
	case RelTypeTokenStore:
		return record.RelTypeToken, true
	case PropertyKeyTokenStore:
		return record.PropertyKeyToken, true
	}
	return 0, false
}

func TokenStore(tk record.TokenKind) Kind {
	switch tk {
	case record.LabelToken:
		return LabelTokenStore
	case record.RelTypeToken:
		return RelTypeTokenStore
	case record.PropertyKeyToken:
		return PropertyKeyTokenStore
	}
	panic(fmt.Sprintf("store: unexpected token kind: %d", tk))
}

func NameStore(tk record.TokenKind) Kind {
	return TokenStore(tk) + 1
}

func (k Kind) codec(f *format.Format) format.Codec {
	switch k {
	case NodeStore:
		return f.Node
	case RelationshipStore:
		return f.Relationship
	case GroupStore:
		return f.Group
	case PropertyStore:
		return f.Property
	case SchemaStore:
		return f.Schema
	}
	if tk, ok := k.Token(); ok {
		return f.TokenCodec(tk)
	}
	return f.Dynamic
}

func (k Kind) blockSize(md *MetaData) int {
	switch k {
	case NodeLabelStore:
		return md.LabelBlockSize
	case StringStore:
		return md.StringBlockSize
	case ArrayStore:
		return md.ArrayBlockSize
	case LabelNameStore, RelTypeNameStore, PropertyKeyNameStore:
		return md.NameBlockSize
	}
	return 0
}
