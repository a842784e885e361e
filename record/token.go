package record

import (
	"fmt"
)

type TokenKind int

const (
	LabelToken TokenKind = iota
	RelTypeToken
	PropertyKeyToken
)

func (tk TokenKind) String() string {
	switch tk {
	case LabelToken:
		return "label"
	case RelTypeToken:
		return "relationship type"
	case PropertyKeyToken:
		return "property key"
	}
	return fmt.Sprintf("token kind %d", int(tk))
}

// Token is a label, relationship type, or property key token. Its name is stored in a
// chain of dynamic records starting at NameID. PropertyCount is only stored for property
// key tokens.
type Token struct {
	Base
	NameID        int64
	Internal      bool
	PropertyCount int32
}

func NewToken(id int64) *Token {
	return &Token{
		Base:   MakeBase(id),
		NameID: NoID,
	}
}

func (t *Token) Clone() Record {
	c := *t
	return &c
}

func (t *Token) Equal(r Record) bool {
	t2, ok := r.(*Token)
	if !ok {
		return false
	}
	return t.Base.equal(t2.Base) && t.NameID == t2.NameID && t.Internal == t2.Internal &&
		t.PropertyCount == t2.PropertyCount
}

func (t *Token) Clear() {
	*t = *NewToken(t.ID)
}

func (t *Token) String() string {
	if !t.InUse {
		return fmt.Sprintf("Token[%s]", t.Base)
	}
	return fmt.Sprintf("Token[%s name=%d internal=%v count=%d]", t.Base, t.NameID, t.Internal,
		t.PropertyCount)
}
