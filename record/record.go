package record

import (
	"fmt"
)

// NoID is the null reference which terminates every chain.
const NoID int64 = -1

// Record is implemented by every kind of record.
type Record interface {
	Header() *Base
	Clone() Record
	Equal(r Record) bool
	// Clear resets the record to not in use, keeping only its id.
	Clear()
}

// Base holds the fields common to every record. SecondaryUnitCreated is transient: it is
// set by prepare and never persisted, so it is not compared by Equal.
type Base struct {
	ID                    int64
	InUse                 bool
	RequiresSecondaryUnit bool
	SecondaryUnitID       int64
	SecondaryUnitCreated  bool
}

func MakeBase(id int64) Base {
	return Base{
		ID:              id,
		SecondaryUnitID: NoID,
	}
}

func (b *Base) Header() *Base {
	return b
}

func (b Base) equal(b2 Base) bool {
	return b.ID == b2.ID && b.InUse == b2.InUse &&
		b.RequiresSecondaryUnit == b2.RequiresSecondaryUnit &&
		b.SecondaryUnitID == b2.SecondaryUnitID
}

func (b *Base) clear() {
	*b = MakeBase(b.ID)
}

// HasSecondaryUnit reports whether the record is stored across a primary and a secondary
// unit.
func (b Base) HasSecondaryUnit() bool {
	return b.RequiresSecondaryUnit && b.SecondaryUnitID != NoID
}

func (b Base) String() string {
	s := fmt.Sprintf("id=%d", b.ID)
	if !b.InUse {
		return s + " (not in use)"
	}
	if b.RequiresSecondaryUnit {
		s += fmt.Sprintf(" secondary=%d", b.SecondaryUnitID)
	}
	return s
}
