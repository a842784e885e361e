package kernel

import (
	"sort"

	"github.com/leftmike/graphstore/command"
	"github.com/leftmike/graphstore/format"
	"github.com/leftmike/graphstore/record"
	"github.com/leftmike/graphstore/store"
)

// The order in which the records of a batch are written: values and tokens before the
// records which refer to them.
var applyOrder = []store.Kind{
	store.LabelNameStore,
	store.RelTypeNameStore,
	store.PropertyKeyNameStore,
	store.LabelTokenStore,
	store.RelTypeTokenStore,
	store.PropertyKeyTokenStore,
	store.SchemaStore,
	store.NodeLabelStore,
	store.StringStore,
	store.ArrayStore,
	store.PropertyStore,
	store.NodeStore,
	store.GroupStore,
	store.RelationshipStore,
}

type changeKey struct {
	kind store.Kind
	id   int64
}

type change struct {
	before record.Record
	after  record.Record
}

// recordChanges is the records changed by one commit, along with their images before the
// commit.
type recordChanges struct {
	stores    *store.Stores
	changes   map[changeKey]*change
	allocated []changeKey
}

func newRecordChanges(s *store.Stores) *recordChanges {
	return &recordChanges{
		stores:  s,
		changes: map[changeKey]*change{},
	}
}

// get returns the record to change; it must be in use.
func (rc *recordChanges) get(kind store.Kind, id int64) (record.Record, error) {
	ck := changeKey{kind, id}
	if c, ok := rc.changes[ck]; ok {
		if !c.after.Header().InUse {
			return nil, store.ErrNotInUse
		}
		return c.after, nil
	}

	before, err := rc.stores.Store(kind).GetRecord(id, format.Normal)
	if err != nil {
		return nil, err
	}
	after := before.Clone()
	rc.changes[ck] = &change{before: before, after: after}
	return after, nil
}

func (rc *recordChanges) fetch(kind store.Kind, id int64) (record.Record, error) {
	return rc.get(kind, id)
}

// createWithID returns a new record for an id already allocated from the store of kind.
func (rc *recordChanges) createWithID(kind store.Kind, id int64) record.Record {
	rs := rc.stores.Store(kind)
	after := rs.NewRecord(id)
	after.Header().InUse = true
	rc.changes[changeKey{kind, id}] = &change{before: rs.NewRecord(id), after: after}
	return after
}

func (rc *recordChanges) create(kind store.Kind) (record.Record, error) {
	id, err := rc.stores.Store(kind).NextID()
	if err != nil {
		return nil, err
	}
	rc.allocated = append(rc.allocated, changeKey{kind, id})
	return rc.createWithID(kind, id), nil
}

// addCreated adds dynamic records allocated by the store.
func (rc *recordChanges) addCreated(kind store.Kind, chain []*record.Dynamic) {
	rs := rc.stores.Store(kind)
	for _, d := range chain {
		ck := changeKey{kind, d.ID}
		rc.allocated = append(rc.allocated, ck)
		rc.changes[ck] = &change{before: rs.NewRecord(d.ID), after: d}
	}
}

func (rc *recordChanges) delete(kind store.Kind, id int64) error {
	rec, err := rc.get(kind, id)
	if err != nil {
		return err
	}
	rec.Clear()
	return nil
}

func (rc *recordChanges) deleteChain(kind store.Kind, chain []*record.Dynamic) error {
	for _, d := range chain {
		err := rc.delete(kind, d.ID)
		if err != nil {
			return err
		}
	}
	return nil
}

func (rc *recordChanges) sortedKeys() []changeKey {
	order := map[store.Kind]int{}
	for i, k := range applyOrder {
		order[k] = i
	}

	keys := make([]changeKey, 0, len(rc.changes))
	for ck := range rc.changes {
		keys = append(keys, ck)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].kind != keys[j].kind {
			return order[keys[i].kind] < order[keys[j].kind]
		}
		return keys[i].id < keys[j].id
	})
	return keys
}

// commands prepares every changed record and returns the commands in apply order; records
// which are unchanged are skipped.
func (rc *recordChanges) commands() ([]command.Command, error) {
	var cmds []command.Command
	for _, ck := range rc.sortedKeys() {
		c := rc.changes[ck]
		if c.after.Header().InUse {
			err := rc.stores.Store(ck.kind).Prepare(c.after)
			if err != nil {
				return nil, err
			}
		}
		if c.before.Equal(c.after) {
			continue
		}
		cmds = append(cmds, command.Command{Kind: ck.kind, Before: c.before, After: c.after})
	}
	return cmds, nil
}

// unused returns the ids allocated by the commit which are not in use after it.
func (rc *recordChanges) unused() []changeKey {
	var keys []changeKey
	for _, ck := range rc.allocated {
		if !rc.changes[ck].after.Header().InUse {
			keys = append(keys, ck)
		}
	}
	return keys
}

// abandon returns every id allocated by the commit, including secondary units, to the
// stores; the commit must not have been appended to the log.
func (rc *recordChanges) abandon() {
	for _, ck := range rc.allocated {
		rc.stores.Store(ck.kind).IDs().Free(ck.id)
	}
	for ck, c := range rc.changes {
		base := c.after.Header()
		if base.SecondaryUnitCreated && base.SecondaryUnitID != record.NoID {
			rc.stores.Store(ck.kind).IDs().Free(base.SecondaryUnitID)
		}
	}
}
