package recovery_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/andreyvit/diff"
	log "github.com/sirupsen/logrus"

	"github.com/leftmike/graphstore/command"
	"github.com/leftmike/graphstore/database"
	"github.com/leftmike/graphstore/index"
	"github.com/leftmike/graphstore/kernel"
	"github.com/leftmike/graphstore/recovery"
	"github.com/leftmike/graphstore/store"
	"github.com/leftmike/graphstore/testutil"
	"github.com/leftmike/graphstore/txlog"
	"github.com/leftmike/graphstore/vfs"
)

func mutate(t *testing.T, db *database.Database, rg *testutil.RandomGraph, n int) {
	t.Helper()

	for i := 0; i < n; i += 1 {
		tx, err := db.Begin(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		for j := 0; j < 4; j += 1 {
			err = rg.Mutate(tx)
			if err != nil {
				t.Fatal(err)
			}
		}
		err = tx.Commit()
		if err != nil {
			t.Fatal(err)
		}
	}
}

func dump(t *testing.T, stores *store.Stores) string {
	t.Helper()

	s, err := testutil.DumpStores(stores)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

type openStores struct {
	stores  *store.Stores
	indexes *index.Provider
}

func (ost openStores) close() {
	ost.indexes.Close()
	ost.stores.Close(false)
}

func open(t *testing.T, fs vfs.FS) openStores {
	t.Helper()

	logger := log.StandardLogger()
	stores, err := store.Open(logger, fs, "db", store.Options{})
	if err != nil {
		t.Fatal(err)
	}
	kv, err := index.OpenKV(logger, fs, "db", index.BTreeBackend)
	if err != nil {
		t.Fatal(err)
	}
	return openStores{stores: stores, indexes: index.NewProvider(logger, kv)}
}

type testMonitor struct {
	reversed func(checkpointTx uint64)
	batches  []uint64
	required bool
	done     int
}

func (tm *testMonitor) RecoveryRequired(from txlog.Commit) {
	tm.required = true
}

func (tm *testMonitor) ReverseRecoveryCompleted(checkpointTx uint64) {
	if tm.reversed != nil {
		tm.reversed(checkpointTx)
	}
}

func (tm *testMonitor) BatchRecovered(b *command.Batch) {
	tm.batches = append(tm.batches, b.TxID)
}

func (tm *testMonitor) RecoveryCompleted(recovered int) {
	tm.done = recovered
}

// crashAfterCheckpoint makes a database with changes before and after a checkpoint, with
// every change flushed to the stores, and returns the crashed image, the stores at the
// checkpoint, and the stores at the crash.
func crashAfterCheckpoint(t *testing.T, seed int64) (*vfs.MemFS, txlog.Checkpoint, string,
	string) {

	t.Helper()

	fs := vfs.NewMemFS()
	db, err := database.Open("db", database.Options{
		FS:          fs,
		NoScheduler: true,
		Kernel:      kernel.Options{DenseNodeThreshold: 4},
	})
	if err != nil {
		t.Fatal(err)
	}

	rg := testutil.NewRandomGraph(seed)
	mutate(t, db, rg, 30)
	cp, err := db.Checkpoint(context.Background(), "test")
	if err != nil {
		t.Fatal(err)
	}
	atCheckpoint := dump(t, db.Stores())

	mutate(t, db, rg, 30)
	err = db.Stores().FlushAndForce()
	if err != nil {
		t.Fatal(err)
	}
	atCrash := dump(t, db.Stores())

	snap := fs.CrashSnapshot()
	db.Health().Panic(errors.New("simulated crash"))
	db.Close()
	return snap, cp, atCheckpoint, atCrash
}

func TestReverseRecovery(t *testing.T) {
	for _, seed := range []int64{1, 2, 3} {
		fs, cp, atCheckpoint, atCrash := crashAfterCheckpoint(t, seed)

		ost := open(t, fs)
		var reversed string
		var reversedTx uint64
		tm := &testMonitor{
			reversed: func(checkpointTx uint64) {
				reversedTx = checkpointTx
				reversed = dump(t, ost.stores)
			},
		}
		res, err := recovery.Recover(log.StandardLogger(), ost.stores, ost.indexes,
			txlog.Layout{FS: fs, Dir: "db"},
			recovery.Options{ReverseRecovery: true, Monitor: tm})
		if err != nil {
			t.Fatalf("Recover() failed with %s", err)
		}

		if !res.Required || !tm.required {
			t.Errorf("Recover(%d).Required got false want true", seed)
		}
		if reversedTx != cp.Commit.TxID {
			t.Errorf("ReverseRecoveryCompleted(%d) got %d want %d", seed, reversedTx,
				cp.Commit.TxID)
		}
		if reversed != atCheckpoint {
			t.Errorf("Recover(%d) reversed stores differ from checkpoint:\n%s", seed,
				diff.LineDiff(atCheckpoint, reversed))
		}
		if recovered := dump(t, ost.stores); recovered != atCrash {
			t.Errorf("Recover(%d) stores differ from crash:\n%s", seed,
				diff.LineDiff(atCrash, recovered))
		}
		if tm.done != res.Recovered || len(tm.batches) != res.Recovered {
			t.Errorf("Recover(%d) monitor got %d batches want %d", seed, len(tm.batches),
				res.Recovered)
		}
		for i, txID := range tm.batches {
			if txID != cp.Commit.TxID+uint64(i)+1 {
				t.Errorf("BatchRecovered(%d) got tx %d want %d", i, txID,
					cp.Commit.TxID+uint64(i)+1)
			}
		}
		ost.close()
	}
}

func TestRecoverFromStart(t *testing.T) {
	fs, _, _, atCrash := crashAfterCheckpoint(t, 4)

	// Without checkpoint files, the whole log is replayed.
	cps, err := txlog.Layout{FS: fs, Dir: "db"}.CheckpointFiles()
	if err != nil {
		t.Fatal(err)
	}
	for _, cf := range cps {
		err = fs.Remove(cf.Name)
		if err != nil {
			t.Fatal(err)
		}
	}

	ost := open(t, fs)
	defer ost.close()
	res, err := recovery.Recover(log.StandardLogger(), ost.stores, ost.indexes,
		txlog.Layout{FS: fs, Dir: "db"}, recovery.Options{})
	if err != nil {
		t.Fatalf("Recover() failed with %s", err)
	}
	if res.Start.TxID != 0 {
		t.Errorf("Recover().Start got tx %d want 0", res.Start.TxID)
	}
	if recovered := dump(t, ost.stores); recovered != atCrash {
		t.Errorf("Recover() stores differ from crash:\n%s", diff.LineDiff(atCrash, recovered))
	}
}

func corruptLog(t *testing.T, fs vfs.FS, version uint64, off int64) {
	t.Helper()

	f, err := fs.OpenFile(filepath.Join("db", txlog.LogFileName(version)), 0)
	if err != nil {
		t.Fatal(err)
	}
	var b [1]byte
	_, err = f.ReadAt(b[:], off)
	if err != nil {
		t.Fatal(err)
	}
	b[0] ^= 0xFF
	_, err = f.WriteAt(b[:], off)
	if err == nil {
		err = f.Sync()
	}
	if err != nil {
		t.Fatal(err)
	}
	f.Close()
}

func TestCorruptedLog(t *testing.T) {
	fs, cp, _, _ := crashAfterCheckpoint(t, 5)
	corruptLog(t, fs, cp.Commit.End.Version, cp.Commit.End.Offset+8)

	ost := open(t, fs)
	_, err := recovery.Recover(log.StandardLogger(), ost.stores, ost.indexes,
		txlog.Layout{FS: fs, Dir: "db"}, recovery.Options{})
	if !errors.Is(err, recovery.ErrRecoveryFailed) || !errors.Is(err, txlog.ErrCorrupted) {
		t.Errorf("Recover() got %v want %v", err, recovery.ErrRecoveryFailed)
	}
	var fe *recovery.FatalError
	if !errors.As(err, &fe) {
		t.Errorf("Recover() got %T want *recovery.FatalError", err)
	}
	ost.close()

	ost = open(t, fs)
	defer ost.close()
	res, err := recovery.Recover(log.StandardLogger(), ost.stores, ost.indexes,
		txlog.Layout{FS: fs, Dir: "db"}, recovery.Options{TruncateCorruptedLog: true})
	if err != nil {
		t.Fatalf("Recover() failed with %s", err)
	}
	if !res.Truncated {
		t.Errorf("Recover().Truncated got false want true")
	}
	if res.End != cp.Commit {
		t.Errorf("Recover().End got %v want %v", res.End, cp.Commit)
	}
	if res.Recovered != 0 {
		t.Errorf("Recover().Recovered got %d want 0", res.Recovered)
	}
}

func TestIncompleteTail(t *testing.T) {
	fs := vfs.NewMemFS()
	db, err := database.Open("db", database.Options{FS: fs, NoScheduler: true})
	if err != nil {
		t.Fatal(err)
	}
	mutate(t, db, testutil.NewRandomGraph(6), 10)
	end := db.Kernel().LastClosed()
	snap := fs.CrashSnapshot()
	db.Health().Panic(errors.New("simulated crash"))
	db.Close()

	// Half of a batch which never became durable.
	name := filepath.Join("db", txlog.LogFileName(end.End.Version))
	f, err := snap.OpenFile(name, 0)
	if err != nil {
		t.Fatal(err)
	}
	_, err = f.WriteAt([]byte{1, 0, 0, 0, 200, 7, 7, 7}, end.End.Offset)
	if err == nil {
		err = f.Sync()
	}
	if err != nil {
		t.Fatal(err)
	}
	f.Close()

	ost := open(t, snap)
	defer ost.close()
	res, err := recovery.Recover(log.StandardLogger(), ost.stores, ost.indexes,
		txlog.Layout{FS: snap, Dir: "db"}, recovery.Options{})
	if err != nil {
		t.Fatalf("Recover() failed with %s", err)
	}
	if res.Tail == nil || res.Tail.Position != end.End {
		t.Errorf("Recover().Tail got %v want %v", res.Tail, end.End)
	}
	if res.End != end {
		t.Errorf("Recover().End got %v want %v", res.End, end)
	}
}
