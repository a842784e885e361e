package index

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/google/btree"

	"github.com/leftmike/graphstore/vfs"
)

const (
	btreeMagic = "GSBTREE1"
)

type btreeKV struct {
	fs          vfs.FS
	name        string
	treeMutex   sync.Mutex
	updateMutex sync.Mutex
	syncMutex   sync.Mutex
	tree        *btree.BTree
	dirty       bool
}

type btreeIterator struct {
	idx   int
	items []btreeItem
}

type btreeUpdater struct {
	bkv  *btreeKV
	tree *btree.BTree
}

type btreeItem struct {
	key []byte
	val []byte
}

func (bi btreeItem) Less(item btree.Item) bool {
	bi2 := item.(btreeItem)
	return bytes.Compare(bi.key, bi2.key) < 0
}

// MakeBTreeKV returns an in-memory KV which is written to name, through fs, by Sync and
// by Commit(true).
func MakeBTreeKV(fs vfs.FS, name string) (KV, error) {
	bkv := &btreeKV{
		fs:   fs,
		name: name,
		tree: btree.New(16),
	}

	buf, err := vfs.ReadFile(fs, name)
	if err != nil {
		if os.IsNotExist(err) {
			return bkv, nil
		}
		return nil, err
	}
	err = bkv.decode(buf)
	if err != nil {
		return nil, err
	}
	return bkv, nil
}

func (bkv *btreeKV) decode(buf []byte) error {
	if len(buf) < len(btreeMagic)+8 || string(buf[:len(btreeMagic)]) != btreeMagic {
		return fmt.Errorf("index: %s: bad btree file", bkv.name)
	}
	sum := binary.BigEndian.Uint64(buf[len(buf)-8:])
	buf = buf[:len(buf)-8]
	if sum != xxhash.Sum64(buf) {
		return fmt.Errorf("index: %s: bad btree file checksum", bkv.name)
	}
	buf = buf[len(btreeMagic):]

	for len(buf) > 0 {
		var item btreeItem
		for _, b := range []*[]byte{&item.key, &item.val} {
			l, n := binary.Uvarint(buf)
			if n <= 0 || uint64(len(buf)-n) < l {
				return fmt.Errorf("index: %s: truncated btree file", bkv.name)
			}
			*b = buf[n : n+int(l)]
			buf = buf[n+int(l):]
		}
		bkv.tree.ReplaceOrInsert(item)
	}
	return nil
}

func (bkv *btreeKV) Iterate(key []byte) (Iterator, error) {
	bkv.treeMutex.Lock()
	tree := bkv.tree
	bkv.treeMutex.Unlock()

	var items []btreeItem
	tree.AscendGreaterOrEqual(btreeItem{key: key},
		func(item btree.Item) bool {
			items = append(items, item.(btreeItem))
			return true
		})

	return &btreeIterator{
		items: items,
	}, nil
}

func (bit *btreeIterator) Item(fn func(key, val []byte) error) error {
	if bit.idx == len(bit.items) {
		return io.EOF
	}

	err := fn(bit.items[bit.idx].key, bit.items[bit.idx].val)
	bit.idx += 1
	return err
}

func (bit *btreeIterator) Close() {
	// Nothing.
}

func get(tree *btree.BTree, key []byte, fn func(val []byte) error) error {
	item := tree.Get(btreeItem{key: key})
	if item == nil {
		return io.EOF
	}
	return fn(item.(btreeItem).val)
}

func (bkv *btreeKV) Get(key []byte, fn func(val []byte) error) error {
	bkv.treeMutex.Lock()
	tree := bkv.tree
	bkv.treeMutex.Unlock()

	return get(tree, key, fn)
}

func (bkv *btreeKV) Update() (Updater, error) {
	bkv.updateMutex.Lock()

	bkv.treeMutex.Lock()
	tree := bkv.tree.Clone()
	bkv.treeMutex.Unlock()

	return btreeUpdater{
		bkv:  bkv,
		tree: tree,
	}, nil
}

func (bu btreeUpdater) Get(key []byte, fn func(val []byte) error) error {
	return get(bu.tree, key, fn)
}

func (bu btreeUpdater) Set(key, val []byte) error {
	bu.tree.ReplaceOrInsert(btreeItem{
		key: append([]byte(nil), key...),
		val: append([]byte(nil), val...),
	})
	return nil
}

func (bu btreeUpdater) Delete(key []byte) error {
	bu.tree.Delete(btreeItem{key: key})
	return nil
}

func (bu btreeUpdater) Commit(sync bool) error {
	bu.bkv.treeMutex.Lock()
	bu.bkv.tree = bu.tree
	bu.bkv.dirty = true
	bu.bkv.treeMutex.Unlock()

	bu.bkv.updateMutex.Unlock()
	if sync {
		return bu.bkv.Sync()
	}
	return nil
}

func (bu btreeUpdater) Rollback() {
	bu.bkv.updateMutex.Unlock()
}

// Sync writes the whole tree to its file.
func (bkv *btreeKV) Sync() error {
	bkv.syncMutex.Lock()
	defer bkv.syncMutex.Unlock()

	bkv.treeMutex.Lock()
	tree := bkv.tree
	dirty := bkv.dirty
	bkv.dirty = false
	bkv.treeMutex.Unlock()

	if !dirty && bkv.fs.Exists(bkv.name) {
		return nil
	}

	buf := []byte(btreeMagic)
	var lbuf [binary.MaxVarintLen64]byte
	tree.Ascend(
		func(item btree.Item) bool {
			bi := item.(btreeItem)
			for _, b := range [][]byte{bi.key, bi.val} {
				n := binary.PutUvarint(lbuf[:], uint64(len(b)))
				buf = append(buf, lbuf[:n]...)
				buf = append(buf, b...)
			}
			return true
		})
	var sum [8]byte
	binary.BigEndian.PutUint64(sum[:], xxhash.Sum64(buf))
	buf = append(buf, sum[:]...)

	err := vfs.WriteFileAtomic(bkv.fs, bkv.name, buf)
	if err != nil {
		bkv.treeMutex.Lock()
		bkv.dirty = true
		bkv.treeMutex.Unlock()
		return err
	}
	return nil
}

func (bkv *btreeKV) Close() error {
	return nil
}
