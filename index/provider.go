package index

import (
	"bytes"
	"io"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/leftmike/graphstore/command"
	"github.com/leftmike/graphstore/record"
)

const (
	// LabelIndex maps labels to the nodes which have them.
	LabelIndex int32 = 0
)

var (
	entryVal = []byte{1}
)

// PropertyIndex returns the index defined by the schema rule with id.
func PropertyIndex(schemaID int64) int32 {
	return int32(schemaID + 1)
}

// Entry is one entry of an index.
type Entry struct {
	Index int32
	Key   []byte
	Node  int64
}

// Provider holds the label index and the property indexes of a database in one KV.
type Provider struct {
	logger log.FieldLogger
	mutex  sync.Mutex
	kv     KV
}

func NewProvider(logger log.FieldLogger, kv KV) *Provider {
	return &Provider{
		logger: logger,
		kv:     kv,
	}
}

// Apply applies the updates in order. Applying the same updates again leaves the indexes
// unchanged, so updates may be replayed during recovery.
func (p *Provider) Apply(updates []command.IndexUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	// Updates to an index before it is dropped in the same batch are skipped.
	lastDrop := map[int32]int{}
	dropped := map[int32][][]byte{}
	for i, iu := range updates {
		if iu.Drop {
			lastDrop[iu.Index] = i
			if _, ok := dropped[iu.Index]; ok {
				continue
			}
			keys, err := p.keys(indexPrefix(iu.Index))
			if err != nil {
				return err
			}
			dropped[iu.Index] = keys
		}
	}

	u, err := p.kv.Update()
	if err != nil {
		return err
	}
	for i, iu := range updates {
		if n, ok := lastDrop[iu.Index]; ok && i < n {
			continue
		} else if iu.Drop {
			for _, key := range dropped[iu.Index] {
				err = u.Delete(key)
				if err != nil {
					u.Rollback()
					return err
				}
			}
			continue
		}

		key := entryKey(iu.Index, iu.Key, iu.NodeID)
		if iu.Remove {
			err = u.Delete(key)
		} else {
			err = u.Set(key, entryVal)
		}
		if err != nil {
			u.Rollback()
			return err
		}
	}
	return u.Commit(false)
}

func (p *Provider) keys(prefix []byte) ([][]byte, error) {
	var keys [][]byte
	err := p.scan(prefix,
		func(key []byte) error {
			keys = append(keys, append([]byte(nil), key...))
			return nil
		})
	return keys, err
}

func (p *Provider) scan(prefix []byte, fn func(key []byte) error) error {
	it, err := p.kv.Iterate(prefix)
	if err != nil {
		return err
	}
	defer it.Close()

	for {
		err = it.Item(
			func(key, val []byte) error {
				if !bytes.HasPrefix(key, prefix) {
					return io.EOF
				}
				return fn(key)
			})
		if err == io.EOF {
			return nil
		} else if err != nil {
			return err
		}
	}
}

// Nodes returns the nodes with key in index, in order of node id.
func (p *Provider) Nodes(index int32, key []byte) ([]int64, error) {
	prefix := append(indexPrefix(index), key...)

	var nodes []int64
	err := p.scan(prefix,
		func(buf []byte) error {
			if len(buf) != len(prefix)+8 {
				return nil
			}
			_, _, node, _ := parseEntryKey(buf)
			nodes = append(nodes, node)
			return nil
		})
	if err != nil {
		return nil, err
	}
	return nodes, nil
}

// LabelScan returns the nodes with label.
func (p *Provider) LabelScan(label int32) ([]int64, error) {
	return p.Nodes(LabelIndex, LabelKey(label))
}

// Seek returns the nodes with value in the property index.
func (p *Provider) Seek(index int32, v record.Value) ([]int64, error) {
	key, err := ValueKey(v)
	if err != nil {
		return nil, err
	}
	return p.Nodes(index, key)
}

// Entries calls fn with every entry of every index, in key order.
func (p *Provider) Entries(fn func(e Entry) error) error {
	return p.scan(nil,
		func(buf []byte) error {
			idx, key, node, ok := parseEntryKey(buf)
			if !ok {
				p.logger.WithField("key", buf).Warn("index: malformed entry")
				return nil
			}
			return fn(Entry{Index: idx, Key: append([]byte(nil), key...), Node: node})
		})
}

// Force makes every applied update durable.
func (p *Provider) Force() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.kv.Sync()
}

func (p *Provider) Close() error {
	return p.kv.Close()
}
