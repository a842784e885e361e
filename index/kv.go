package index

import (
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"github.com/leftmike/graphstore/vfs"
)

// Updater is a set of changes to a KV; the changes are visible to Get of the updater, and to
// the KV after Commit.
type Updater interface {
	Get(key []byte, fn func(val []byte) error) error
	Set(key, val []byte) error
	Delete(key []byte) error
	// Commit applies the changes; if sync, they are durable when Commit returns.
	Commit(sync bool) error
	Rollback()
}

// Iterator returns the keys greater than or equal to a starting key in order. Item returns
// io.EOF after the last key.
type Iterator interface {
	Item(fn func(key, val []byte) error) error
	Close()
}

// KV is an ordered key value store. Get returns io.EOF if the key is not found. Only one
// Updater may be active at a time.
type KV interface {
	Iterate(key []byte) (Iterator, error)
	Get(key []byte, fn func(val []byte) error) error
	Update() (Updater, error)
	// Sync makes every committed change durable.
	Sync() error
	Close() error
}

const (
	BTreeBackend  = "btree"
	BBoltBackend  = "bbolt"
	BadgerBackend = "badger"
	PebbleBackend = "pebble"
)

var Backends = []string{BTreeBackend, BBoltBackend, BadgerBackend, PebbleBackend}

// OpenKV opens the index KV of the database in dir. Only the btree backend stores its data
// through fs; the others require the operating system filesystem.
func OpenKV(logger *log.Logger, fs vfs.FS, dir, backend string) (KV, error) {
	if backend == "" {
		backend = BTreeBackend
	}
	if backend != BTreeBackend && fs != vfs.OS() {
		return nil, fmt.Errorf("index: %s backend requires the operating system filesystem",
			backend)
	}

	switch backend {
	case BTreeBackend:
		return MakeBTreeKV(fs, filepath.Join(dir, "graph.index.btree"))
	case BBoltBackend:
		return MakeBBoltKV(filepath.Join(dir, "graph.index.bbolt"))
	case BadgerBackend:
		path := filepath.Join(dir, "graph.index.badger")
		err := os.MkdirAll(path, 0755)
		if err != nil {
			return nil, err
		}
		return MakeBadgerKV(path, logger)
	case PebbleBackend:
		path := filepath.Join(dir, "graph.index.pebble")
		err := os.MkdirAll(path, 0755)
		if err != nil {
			return nil, err
		}
		return MakePebbleKV(path, logger)
	}
	return nil, fmt.Errorf("index: unknown backend: %s", backend)
}
