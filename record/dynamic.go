package record

import (
	"bytes"
	"fmt"
)

// Dynamic is one block of a chain holding a value too large to store inline.
type Dynamic struct {
	Base
	StartRecord bool
	NextBlock   int64
	Data        []byte
}

func NewDynamic(id int64) *Dynamic {
	return &Dynamic{
		Base:      MakeBase(id),
		NextBlock: NoID,
	}
}

func (d *Dynamic) Clone() Record {
	c := *d
	c.Data = append([]byte(nil), d.Data...)
	return &c
}

func (d *Dynamic) Equal(r Record) bool {
	d2, ok := r.(*Dynamic)
	if !ok {
		return false
	}
	return d.Base.equal(d2.Base) && d.StartRecord == d2.StartRecord &&
		d.NextBlock == d2.NextBlock && bytes.Equal(d.Data, d2.Data)
}

func (d *Dynamic) Clear() {
	*d = *NewDynamic(d.ID)
}

func (d *Dynamic) String() string {
	if !d.InUse {
		return fmt.Sprintf("Dynamic[%s]", d.Base)
	}
	return fmt.Sprintf("Dynamic[%s start=%v next=%d length=%d]", d.Base, d.StartRecord,
		d.NextBlock, len(d.Data))
}
