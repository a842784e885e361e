package kernel

import (
	"fmt"

	"github.com/leftmike/graphstore/record"
	"github.com/leftmike/graphstore/store"
)

// propertyOwner is a node or relationship whose property chain is being changed; next is
// the field of the owning record which holds the first property.
type propertyOwner struct {
	kind record.OwnerKind
	id   int64
	next *int64
}

func nodeOwner(n *record.Node) propertyOwner {
	return propertyOwner{kind: record.NodeOwner, id: n.ID, next: &n.NextProp}
}

func relationshipOwner(rel *record.Relationship) propertyOwner {
	return propertyOwner{kind: record.RelationshipOwner, id: rel.ID, next: &rel.NextProp}
}

func (rc *recordChanges) properties(po propertyOwner) ([]*record.Property, error) {
	props, err := propertyRecords(rc.stores, rc.fetch, *po.next)
	if err != nil {
		return nil, err
	}
	for _, p := range props {
		if p.OwnerKind != po.kind || p.OwnerID != po.id {
			return nil, fmt.Errorf("%w: property %d is owned by %d:%d, not %d:%d",
				store.ErrBrokenChain, p.ID, p.OwnerKind, p.OwnerID, po.kind, po.id)
		}
	}
	return props, nil
}

func (rc *recordChanges) freeValue(pb record.PropertyBlock) error {
	kind, chain, err := rc.stores.ValueChain(pb)
	if err != nil {
		return err
	}
	return rc.deleteChain(kind, chain)
}

func (rc *recordChanges) unlinkProperty(po propertyOwner, p *record.Property) error {
	if p.PrevProp == record.NoID {
		*po.next = p.NextProp
	} else {
		rec, err := rc.get(store.PropertyStore, p.PrevProp)
		if err != nil {
			return err
		}
		rec.(*record.Property).NextProp = p.NextProp
	}
	if p.NextProp != record.NoID {
		rec, err := rc.get(store.PropertyStore, p.NextProp)
		if err != nil {
			return err
		}
		rec.(*record.Property).PrevProp = p.PrevProp
	}
	return rc.delete(store.PropertyStore, p.ID)
}

// removeProperty removes key from the chain of po, deleting the property record if it
// becomes empty.
func (rc *recordChanges) removeProperty(po propertyOwner, key int32) error {
	props, err := rc.properties(po)
	if err != nil {
		return err
	}
	for _, p := range props {
		idx := p.Block(key)
		if idx < 0 {
			continue
		}
		err = rc.freeValue(p.RemoveBlock(idx))
		if err != nil {
			return err
		}
		if len(p.Blocks) == 0 {
			return rc.unlinkProperty(po, p)
		}
		return nil
	}
	return nil
}

func valueKind(pb record.PropertyBlock) store.Kind {
	if pb.Type() == record.StringType {
		return store.StringStore
	}
	return store.ArrayStore
}

// setProperty sets key to v in the chain of po. The block goes in the first property record
// with room for it, or else in a new record at the start of the chain.
func (rc *recordChanges) setProperty(po propertyOwner, key int32, v record.Value) error {
	err := rc.removeProperty(po, key)
	if err != nil {
		return err
	}

	pb, chain, err := rc.stores.EncodeValue(key, v)
	if err != nil {
		return err
	}
	if len(chain) > 0 {
		rc.addCreated(valueKind(pb), chain)
	}

	props, err := rc.properties(po)
	if err != nil {
		return err
	}
	for _, p := range props {
		if record.PropertyWords-p.UsedWords() >= len(pb.Words) {
			p.Blocks = append(p.Blocks, pb)
			return nil
		}
	}

	rec, err := rc.create(store.PropertyStore)
	if err != nil {
		return err
	}
	p := rec.(*record.Property)
	p.OwnerKind = po.kind
	p.OwnerID = po.id
	p.Blocks = []record.PropertyBlock{pb}
	p.NextProp = *po.next
	if p.NextProp != record.NoID {
		rec, err := rc.get(store.PropertyStore, p.NextProp)
		if err != nil {
			return err
		}
		rec.(*record.Property).PrevProp = p.ID
	}
	*po.next = p.ID
	return nil
}

// deleteProperties deletes the whole property chain of po.
func (rc *recordChanges) deleteProperties(po propertyOwner) error {
	props, err := rc.properties(po)
	if err != nil {
		return err
	}
	for _, p := range props {
		for _, pb := range p.Blocks {
			err = rc.freeValue(pb)
			if err != nil {
				return err
			}
		}
		err = rc.delete(store.PropertyStore, p.ID)
		if err != nil {
			return err
		}
	}
	*po.next = record.NoID
	return nil
}

// changeProperties applies the property changes of es to the chain of po.
func (rc *recordChanges) changeProperties(po propertyOwner, es *entityState) error {
	for _, key := range sortedKeys(es.removed) {
		err := rc.removeProperty(po, key)
		if err != nil {
			return err
		}
	}
	for _, key := range sortedValueKeys(es.props) {
		err := rc.setProperty(po, key, es.props[key])
		if err != nil {
			return err
		}
	}
	return nil
}

// setLabels replaces the label field of n, deleting any dynamic records of the old field.
func (rc *recordChanges) setLabels(n *record.Node, labels map[int32]bool) error {
	chain, err := rc.stores.LabelChain(n.Labels)
	if err != nil {
		return err
	}
	err = rc.deleteChain(store.NodeLabelStore, chain)
	if err != nil {
		return err
	}

	field, chain, err := rc.stores.EncodeLabels(sortedKeys(labels))
	if err != nil {
		return err
	}
	if len(chain) > 0 {
		rc.addCreated(store.NodeLabelStore, chain)
	}
	n.Labels = field
	return nil
}
