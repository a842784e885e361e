package store

import (
	"fmt"

	"github.com/leftmike/graphstore/format"
	"github.com/leftmike/graphstore/record"
)

const dynamicHeaderSize = 8

// BlockSize returns the number of data bytes in each record of a dynamic store.
func (rs *RecordStore) BlockSize() int {
	if !rs.kind.Dynamic() {
		panic(fmt.Sprintf("store: %s is not a dynamic store", rs.kind))
	}
	return rs.slots.Size - dynamicHeaderSize
}

// AllocateChain splits data into a chain of new dynamic records; the records are not
// written. An empty value is stored as a single empty record.
func (rs *RecordStore) AllocateChain(data []byte) ([]*record.Dynamic, error) {
	bs := rs.BlockSize()
	var chain []*record.Dynamic
	for len(chain) == 0 || len(data) > 0 {
		id, err := rs.NextID()
		if err != nil {
			return nil, err
		}
		d := record.NewDynamic(id)
		d.InUse = true
		d.StartRecord = len(chain) == 0

		n := len(data)
		if n > bs {
			n = bs
		}
		d.Data = append([]byte(nil), data[:n]...)
		data = data[n:]

		if len(chain) > 0 {
			chain[len(chain)-1].NextBlock = id
		}
		chain = append(chain, d)
	}
	return chain, nil
}

// ReadChain reads the chain of dynamic records starting at first.
func (rs *RecordStore) ReadChain(first int64) ([]byte, []*record.Dynamic, error) {
	var data []byte
	var chain []*record.Dynamic
	maxHops := rs.HighID() + 1
	for id := first; id != record.NoID; {
		if int64(len(chain)) > maxHops {
			return nil, nil, fmt.Errorf("%w: %s: cycle in chain starting at %d", ErrBrokenChain,
				rs.kind, first)
		}
		rec, err := rs.GetRecord(id, format.Normal)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %s: chain starting at %d: %s", ErrBrokenChain,
				rs.kind, first, err)
		}
		d := rec.(*record.Dynamic)
		if d.StartRecord != (len(chain) == 0) {
			return nil, nil, fmt.Errorf("%w: %s: chain starting at %d: bad start record %d",
				ErrBrokenChain, rs.kind, first, id)
		}
		data = append(data, d.Data...)
		chain = append(chain, d)
		id = d.NextBlock
	}
	return data, chain, nil
}
