package command

import (
	"fmt"
	"time"

	"github.com/leftmike/graphstore/record"
	"github.com/leftmike/graphstore/store"
)

// Command is the change of one record: its image before and after the transaction. A
// record created by the transaction has a before image which is not in use.
type Command struct {
	Kind   store.Kind
	Before record.Record
	After  record.Record
}

func (cmd Command) ID() int64 {
	return cmd.After.Header().ID
}

func (cmd Command) String() string {
	return fmt.Sprintf("%s: %v -> %v", cmd.Kind, cmd.Before, cmd.After)
}

// IndexUpdate adds or removes the entry for one node in one index. Key is the encoded label
// for the label index, and the encoded property value for a property index. Drop removes
// every entry of the index.
type IndexUpdate struct {
	Index  int32
	Key    []byte
	NodeID int64
	Remove bool
	Drop   bool
}

func (iu IndexUpdate) String() string {
	if iu.Drop {
		return fmt.Sprintf("drop index %d", iu.Index)
	}
	op := "add"
	if iu.Remove {
		op = "remove"
	}
	return fmt.Sprintf("index %d: %s %x -> node %d", iu.Index, op, iu.Key, iu.NodeID)
}

// Batch is the commands of one transaction, in the order they are applied, followed by the
// index updates of the transaction.
type Batch struct {
	TxID            uint64
	LatestCommitted uint64
	Started         time.Time
	Committed       time.Time
	Commands        []Command
	IndexUpdates    []IndexUpdate
}

// NewRecord returns an empty record of the type held by stores of kind k.
func NewRecord(k store.Kind, id int64) record.Record {
	switch k {
	case store.NodeStore:
		return record.NewNode(id)
	case store.RelationshipStore:
		return record.NewRelationship(id)
	case store.GroupStore:
		return record.NewRelationshipGroup(id)
	case store.PropertyStore:
		return record.NewProperty(id)
	case store.SchemaStore:
		return record.NewSchema(id)
	}
	if _, ok := k.Token(); ok {
		return record.NewToken(id)
	}
	if k.Dynamic() {
		return record.NewDynamic(id)
	}
	panic(fmt.Sprintf("command: unexpected store kind: %d", k))
}
