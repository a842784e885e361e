package kernel

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/leftmike/graphstore/record"
	"github.com/leftmike/graphstore/store"
)

// tokenHolder maps between the names and the ids of one kind of token. Tokens are never
// removed, so a name seen once stays valid.
type tokenHolder struct {
	kind   record.TokenKind
	mutex  sync.RWMutex
	create sync.Mutex
	byName map[string]int32
	byID   map[int32]string
}

func newTokenHolder(tk record.TokenKind) *tokenHolder {
	return &tokenHolder{
		kind:   tk,
		byName: map[string]int32{},
		byID:   map[int32]string{},
	}
}

func (th *tokenHolder) load(s *store.Stores) error {
	tokens, err := s.LoadTokens(th.kind)
	if err != nil {
		return err
	}

	th.mutex.Lock()
	defer th.mutex.Unlock()

	for _, te := range tokens {
		th.byName[te.Name] = te.ID
		th.byID[te.ID] = te.Name
	}
	return nil
}

func (th *tokenHolder) id(name string) (int32, bool) {
	th.mutex.RLock()
	defer th.mutex.RUnlock()

	id, ok := th.byName[name]
	return id, ok
}

func (th *tokenHolder) name(id int32) (string, bool) {
	th.mutex.RLock()
	defer th.mutex.RUnlock()

	name, ok := th.byID[id]
	return name, ok
}

func (th *tokenHolder) publish(id int32, name string) {
	th.mutex.Lock()
	th.byName[name] = id
	th.byID[id] = name
	th.mutex.Unlock()
}

func (th *tokenHolder) names() []string {
	th.mutex.RLock()
	defer th.mutex.RUnlock()

	names := make([]string, 0, len(th.byName))
	for name := range th.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// token returns the id of name, creating the token in its own transaction if it does not
// already exist.
func (k *Kernel) token(tk record.TokenKind, name string) (int32, error) {
	th := k.tokens[tk]
	if id, ok := th.id(name); ok {
		return id, nil
	}

	th.create.Lock()
	defer th.create.Unlock()

	if id, ok := th.id(name); ok {
		return id, nil
	}
	id, err := k.createToken(tk, name)
	if err != nil {
		return 0, err
	}
	th.publish(id, name)
	return id, nil
}

func (k *Kernel) createToken(tk record.TokenKind, name string) (int32, error) {
	if name == "" {
		return 0, fmt.Errorf("kernel: %s name must not be empty", tk)
	}

	k.commitMutex.Lock()
	defer k.commitMutex.Unlock()

	rc := newRecordChanges(k.stores)
	chain, err := k.stores.Store(store.NameStore(tk)).AllocateChain([]byte(name))
	if err != nil {
		return 0, err
	}
	rc.addCreated(store.NameStore(tk), chain)

	rec, err := rc.create(store.TokenStore(tk))
	if err != nil {
		rc.abandon()
		return 0, err
	}
	t := rec.(*record.Token)
	t.NameID = chain[0].ID
	if t.ID > math.MaxInt32 ||
		(tk == record.PropertyKeyToken && t.ID > record.MaxPropertyKey) {
		rc.abandon()
		return 0, fmt.Errorf("kernel: too many %s tokens", tk)
	}

	_, err = k.commitChanges(rc, nil, time.Now())
	if err != nil {
		return 0, err
	}

	k.logger.WithFields(log.Fields{
		"kind": tk,
		"id":   t.ID,
		"name": name,
	}).Debug("kernel: created token")
	return int32(t.ID), nil
}

// lookupToken returns the id of name without creating it.
func (k *Kernel) lookupToken(tk record.TokenKind, name string) (int32, bool) {
	return k.tokens[tk].id(name)
}

func (k *Kernel) tokenName(tk record.TokenKind, id int32) string {
	if name, ok := k.tokens[tk].name(id); ok {
		return name
	}
	return fmt.Sprintf("%s#%d", tk, id)
}

// Tokens returns the names of every token of kind tk, in order.
func (k *Kernel) Tokens(tk record.TokenKind) []string {
	return k.tokens[tk].names()
}
