package index_test

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/leftmike/graphstore/index"
	"github.com/leftmike/graphstore/testutil"
	"github.com/leftmike/graphstore/vfs"
)

const (
	iterateCmd = iota
	getCmd
	updateCmd
	ugetCmd
	setCmd
	deleteCmd
	commitCmd
	rollbackCmd
	syncCmd
)

type keyVal struct {
	key string
	val string
}

type kvCmd struct {
	fln     testutil.FileLineNumber
	cmd     int
	fail    bool
	key     string
	val     string
	keyVals []keyVal
}

func fln() testutil.FileLineNumber {
	return testutil.MakeFileLineNumber()
}

func checkGet(fln testutil.FileLineNumber, t *testing.T, op string, err error, fail bool) {
	t.Helper()

	if fail {
		if err != io.EOF {
			t.Errorf("%s%s() got %v want io.EOF", fln, op, err)
		}
	} else if err != nil {
		t.Errorf("%s%s() failed with %s", fln, op, err)
	}
}

func runKVTest(t *testing.T, kv index.KV, cmds []kvCmd) {
	t.Helper()

	var updater index.Updater
	for _, cmd := range cmds {
		switch cmd.cmd {
		case iterateCmd:
			keyVals := cmd.keyVals
			it, err := kv.Iterate([]byte(cmd.key))
			if err != nil {
				t.Errorf("%sIterate() failed with %s", cmd.fln, err)
				break
			}

			for {
				err := it.Item(
					func(key, val []byte) error {
						if len(keyVals) == 0 {
							return errors.New("too many key vals")
						}
						if string(key) != keyVals[0].key {
							return fmt.Errorf("key: got %s want %s", string(key), keyVals[0].key)
						}
						if string(val) != keyVals[0].val {
							return fmt.Errorf("val: got %s want %s", string(val), keyVals[0].val)
						}
						keyVals = keyVals[1:]
						return nil
					})
				if err != nil {
					if err != io.EOF {
						t.Errorf("%sIterate() failed with %s", cmd.fln, err)
					}
					break
				}
			}
			if len(keyVals) > 0 {
				t.Errorf("%sIterate() not enough key vals: %d", cmd.fln, len(keyVals))
			}
			it.Close()

		case getCmd:
			err := kv.Get([]byte(cmd.key),
				func(val []byte) error {
					if string(val) != cmd.val {
						return fmt.Errorf("val: got %s want %s", string(val), cmd.val)
					}
					return nil
				})
			checkGet(cmd.fln, t, "Get", err, cmd.fail)

		case updateCmd:
			if updater != nil {
				panic("update: updater is not nil")
			}

			var err error
			updater, err = kv.Update()
			if err != nil {
				t.Fatalf("%sUpdate() failed with %s", cmd.fln, err)
			}

		case ugetCmd:
			if updater == nil {
				panic("get: updater is nil")
			}
			err := updater.Get([]byte(cmd.key),
				func(val []byte) error {
					if string(val) != cmd.val {
						return fmt.Errorf("val: got %s want %s", string(val), cmd.val)
					}
					return nil
				})
			checkGet(cmd.fln, t, "Updater.Get", err, cmd.fail)

		case setCmd:
			if updater == nil {
				panic("set: updater is nil")
			}
			err := updater.Set([]byte(cmd.key), []byte(cmd.val))
			if err != nil {
				t.Errorf("%sSet() failed with %s", cmd.fln, err)
			}

		case deleteCmd:
			if updater == nil {
				panic("delete: updater is nil")
			}
			err := updater.Delete([]byte(cmd.key))
			if err != nil {
				t.Errorf("%sDelete() failed with %s", cmd.fln, err)
			}

		case commitCmd:
			if updater == nil {
				panic("commit: updater is nil")
			}
			err := updater.Commit(false)
			if err != nil {
				t.Errorf("%sCommit() failed with %s", cmd.fln, err)
			}
			updater = nil

		case rollbackCmd:
			if updater == nil {
				panic("rollback: updater is nil")
			}
			updater.Rollback()
			updater = nil

		case syncCmd:
			err := kv.Sync()
			if err != nil {
				t.Errorf("%sSync() failed with %s", cmd.fln, err)
			}

		default:
			panic(fmt.Sprintf("unexpected command: %d", cmd.cmd))
		}
	}
}

func testKV(t *testing.T, kv index.KV) {
	t.Helper()

	runKVTest(t, kv,
		[]kvCmd{
			{fln: fln(), cmd: iterateCmd, key: "A"},
			{fln: fln(), cmd: getCmd, key: "Aaaa", fail: true},
			{fln: fln(), cmd: updateCmd},
			{fln: fln(), cmd: ugetCmd, key: "Aaaa", fail: true},
			{fln: fln(), cmd: setCmd, key: "Aaaa", val: "aaa@2"},
			{fln: fln(), cmd: setCmd, key: "Accc", val: "ccc@2"},
			{fln: fln(), cmd: setCmd, key: "Abbb", val: "bbb@2"},
			{fln: fln(), cmd: ugetCmd, key: "Abbb", val: "bbb@2"},
			{fln: fln(), cmd: commitCmd},

			{fln: fln(), cmd: iterateCmd, key: "A",
				keyVals: []keyVal{
					{"Aaaa", "aaa@2"},
					{"Abbb", "bbb@2"},
					{"Accc", "ccc@2"},
				},
			},
			{fln: fln(), cmd: iterateCmd, key: "Ab",
				keyVals: []keyVal{
					{"Abbb", "bbb@2"},
					{"Accc", "ccc@2"},
				},
			},
			{fln: fln(), cmd: getCmd, key: "Aaaa", val: "aaa@2"},

			{fln: fln(), cmd: updateCmd},
			{fln: fln(), cmd: setCmd, key: "Abbb", val: "bbb@3"},
			{fln: fln(), cmd: setCmd, key: "Addd", val: "ddd@3"},
			{fln: fln(), cmd: deleteCmd, key: "Aaaa"},
			{fln: fln(), cmd: ugetCmd, key: "Aaaa", fail: true},
			{fln: fln(), cmd: commitCmd},
			{fln: fln(), cmd: syncCmd},

			{fln: fln(), cmd: getCmd, key: "Aaaa", fail: true},
			{fln: fln(), cmd: iterateCmd, key: "A",
				keyVals: []keyVal{
					{"Abbb", "bbb@3"},
					{"Accc", "ccc@2"},
					{"Addd", "ddd@3"},
				},
			},

			{fln: fln(), cmd: updateCmd},
			{fln: fln(), cmd: setCmd, key: "Abbb", val: "bbb@4"},
			{fln: fln(), cmd: deleteCmd, key: "Accc"},
			{fln: fln(), cmd: rollbackCmd},

			{fln: fln(), cmd: iterateCmd, key: "A",
				keyVals: []keyVal{
					{"Abbb", "bbb@3"},
					{"Accc", "ccc@2"},
					{"Addd", "ddd@3"},
				},
			},
		})
}

func cleanTestData(t *testing.T, dir string) string {
	t.Helper()

	path := filepath.Join("testdata", dir)
	err := os.RemoveAll(path)
	if err != nil {
		t.Fatal(err)
	}
	err = os.MkdirAll(path, 0755)
	if err != nil {
		t.Fatal(err)
	}
	return path
}

func TestBTreeKV(t *testing.T) {
	fs := vfs.NewMemFS()
	kv, err := index.MakeBTreeKV(fs, "graph.index.btree")
	if err != nil {
		t.Fatal(err)
	}

	testKV(t, kv)

	kv, err = index.MakeBTreeKV(fs, "graph.index.btree")
	if err != nil {
		t.Fatal(err)
	}
	runKVTest(t, kv,
		[]kvCmd{
			{fln: fln(), cmd: iterateCmd, key: "A",
				keyVals: []keyVal{
					{"Abbb", "bbb@3"},
					{"Accc", "ccc@2"},
					{"Addd", "ddd@3"},
				},
			},
			{fln: fln(), cmd: updateCmd},
			{fln: fln(), cmd: setCmd, key: "Aeee", val: "eee@5"},
			{fln: fln(), cmd: commitCmd},
		})

	// Only synced changes survive a crash.
	kv, err = index.MakeBTreeKV(fs.CrashSnapshot(), "graph.index.btree")
	if err != nil {
		t.Fatal(err)
	}
	runKVTest(t, kv,
		[]kvCmd{
			{fln: fln(), cmd: getCmd, key: "Aeee", fail: true},
			{fln: fln(), cmd: getCmd, key: "Addd", val: "ddd@3"},
		})
}

func TestBTreeKVCorrupt(t *testing.T) {
	fs := vfs.NewMemFS()
	err := vfs.WriteFileAtomic(fs, "graph.index.btree", []byte("GSBTREE1 not a tree"))
	if err != nil {
		t.Fatal(err)
	}
	_, err = index.MakeBTreeKV(fs, "graph.index.btree")
	if err == nil {
		t.Errorf("MakeBTreeKV(corrupt) did not fail")
	}
}

func TestBBoltKV(t *testing.T) {
	dir := cleanTestData(t, "bbolt")
	kv, err := index.MakeBBoltKV(filepath.Join(dir, "graph.index.bbolt"))
	if err != nil {
		t.Fatal(err)
	}
	defer kv.Close()

	testKV(t, kv)
}

func TestBadgerKV(t *testing.T) {
	dir := cleanTestData(t, "badger")
	kv, err := index.MakeBadgerKV(dir,
		testutil.SetupLogger(filepath.Join("testdata", "badger_kv.log")))
	if err != nil {
		t.Fatal(err)
	}
	defer kv.Close()

	testKV(t, kv)
}

func TestPebbleKV(t *testing.T) {
	dir := cleanTestData(t, "pebble")
	kv, err := index.MakePebbleKV(dir,
		testutil.SetupLogger(filepath.Join("testdata", "pebble_kv.log")))
	if err != nil {
		t.Fatal(err)
	}
	defer kv.Close()

	testKV(t, kv)
}

func TestOpenKV(t *testing.T) {
	_, err := index.OpenKV(nil, vfs.NewMemFS(), "db", index.PebbleBackend)
	if err == nil {
		t.Errorf("OpenKV(memfs, pebble) did not fail")
	}
	_, err = index.OpenKV(nil, vfs.NewMemFS(), "db", "lsm")
	if err == nil {
		t.Errorf("OpenKV(lsm) did not fail")
	}
	kv, err := index.OpenKV(nil, vfs.NewMemFS(), "db", "")
	if err != nil {
		t.Errorf("OpenKV(btree) failed with %s", err)
	} else {
		kv.Close()
	}
}
