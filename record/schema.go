package record

import (
	"fmt"
)

// Schema is a rule defining a property index on nodes with LabelID keyed by KeyID.
type Schema struct {
	Base
	LabelID int32
	KeyID   int32
}

func NewSchema(id int64) *Schema {
	return &Schema{
		Base: MakeBase(id),
	}
}

func (s *Schema) Clone() Record {
	c := *s
	return &c
}

func (s *Schema) Equal(r Record) bool {
	s2, ok := r.(*Schema)
	if !ok {
		return false
	}
	return s.Base.equal(s2.Base) && s.LabelID == s2.LabelID && s.KeyID == s2.KeyID
}

func (s *Schema) Clear() {
	*s = *NewSchema(s.ID)
}

func (s *Schema) String() string {
	if !s.InUse {
		return fmt.Sprintf("Schema[%s]", s.Base)
	}
	return fmt.Sprintf("Schema[%s label=%d key=%d]", s.Base, s.LabelID, s.KeyID)
}
