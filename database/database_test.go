package database_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/andreyvit/diff"

	"github.com/leftmike/graphstore/database"
	"github.com/leftmike/graphstore/health"
	"github.com/leftmike/graphstore/index"
	"github.com/leftmike/graphstore/kernel"
	"github.com/leftmike/graphstore/recovery"
	"github.com/leftmike/graphstore/store"
	"github.com/leftmike/graphstore/testutil"
	"github.com/leftmike/graphstore/txlog"
	"github.com/leftmike/graphstore/vfs"
)

func openDatabase(t *testing.T, fs vfs.FS, opts database.Options) *database.Database {
	t.Helper()

	opts.FS = fs
	opts.NoScheduler = true
	db, err := database.Open("db", opts)
	if err != nil {
		t.Fatal(err)
	}
	return db
}

func begin(t *testing.T, db *database.Database) *kernel.Tx {
	t.Helper()

	tx, err := db.Begin(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return tx
}

func commit(t *testing.T, tx *kernel.Tx) {
	t.Helper()

	err := tx.Commit()
	if err != nil {
		t.Fatal(err)
	}
}

func must(t *testing.T, err error) {
	t.Helper()

	if err != nil {
		t.Fatal(err)
	}
}

func allNodes(t *testing.T, db *database.Database) []int64 {
	t.Helper()

	tx := begin(t, db)
	defer tx.Rollback()

	ids, err := tx.AllNodes()
	if err != nil {
		t.Fatal(err)
	}
	return ids
}

// crash returns what a restart would find on disk; db is closed without checkpointing.
func crash(t *testing.T, fs *vfs.MemFS, db *database.Database) *vfs.MemFS {
	t.Helper()

	snap := fs.CrashSnapshot()
	db.Health().Panic(errors.New("simulated crash"))
	db.Close()
	return snap
}

func checkDatabase(t *testing.T, db *database.Database) {
	t.Helper()

	rpt, err := db.Check()
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range rpt.Problems {
		t.Errorf("Check() problem: %s", p)
	}
}

func TestOpenClose(t *testing.T) {
	fs := vfs.NewMemFS()
	db := openDatabase(t, fs, database.Options{})
	if db.Recovery().Required {
		t.Errorf("Recovery().Required got true want false")
	}
	if db.LastCheckpoint().Time.IsZero() {
		t.Errorf("LastCheckpoint() got no checkpoint after create")
	}

	_, err := database.Open("db", database.Options{FS: fs, NoScheduler: true})
	if !errors.Is(err, database.ErrInUse) {
		t.Errorf("Open(db) got %v want %v", err, database.ErrInUse)
	}

	tx := begin(t, db)
	id, err := tx.CreateNode("Person")
	must(t, err)
	must(t, tx.SetNodeProperty(id, "name", "alice"))
	commit(t, tx)
	must(t, db.Close())
	must(t, db.Close())

	db = openDatabase(t, fs, database.Options{})
	if db.Recovery().Required {
		t.Errorf("Recovery().Required got true after clean close")
	}
	tx = begin(t, db)
	n, err := tx.Node(id)
	if err != nil {
		t.Fatal(err)
	} else if n.Properties["name"] != "alice" {
		t.Errorf("Node(%d).Properties[name] got %v want alice", id, n.Properties["name"])
	}
	must(t, tx.Rollback())
	checkDatabase(t, db)
	must(t, db.Close())
}

func TestCrashCreateNodes(t *testing.T) {
	fs := vfs.NewMemFS()
	db := openDatabase(t, fs, database.Options{})

	tx := begin(t, db)
	var ids []int64
	for i := 0; i < 10; i += 1 {
		id, err := tx.CreateNode()
		must(t, err)
		ids = append(ids, id)
	}
	commit(t, tx)

	fs = crash(t, fs, db)
	db = openDatabase(t, fs, database.Options{})
	if !db.Recovery().Required {
		t.Errorf("Recovery().Required got false want true")
	}
	if got := allNodes(t, db); !reflect.DeepEqual(got, ids) {
		t.Errorf("AllNodes() got %v want %v", got, ids)
	}

	tx = begin(t, db)
	id, err := tx.CreateNode()
	must(t, err)
	for _, nid := range ids {
		if id == nid {
			t.Errorf("CreateNode() got %d which is already in use", id)
		}
	}
	commit(t, tx)
	if got := allNodes(t, db); len(got) != len(ids)+1 {
		t.Errorf("AllNodes() got %d nodes want %d", len(got), len(ids)+1)
	}
	checkDatabase(t, db)
	must(t, db.Close())
}

func TestCrashRemoveProperty(t *testing.T) {
	fs := vfs.NewMemFS()
	db := openDatabase(t, fs, database.Options{})

	tx := begin(t, db)
	id, err := tx.CreateNode("Thing")
	must(t, err)
	must(t, tx.SetNodeProperty(id, "p", "removed"))
	must(t, tx.SetNodeProperty(id, "q", int64(17)))
	must(t, tx.RemoveNodeProperty(id, "p"))
	commit(t, tx)

	fs = crash(t, fs, db)
	db = openDatabase(t, fs, database.Options{})
	tx = begin(t, db)
	n, err := tx.Node(id)
	if err != nil {
		t.Fatal(err)
	}
	if v, ok := n.Properties["p"]; ok {
		t.Errorf("Node(%d).Properties[p] got %v want none", id, v)
	}
	if n.Properties["q"] != int64(17) {
		t.Errorf("Node(%d).Properties[q] got %v want 17", id, n.Properties["q"])
	}
	must(t, tx.Rollback())
	checkDatabase(t, db)
	must(t, db.Close())
}

type failStore struct {
	file string
}

var errInjected = errors.New("injected failure")

func (fs failStore) Fail(name string, pageID int64) error {
	if filepath.Base(name) == fs.file {
		return errInjected
	}
	return nil
}

func TestCrashPartialCommit(t *testing.T) {
	fs := vfs.NewMemFS()
	db := openDatabase(t, fs, database.Options{})

	tx := begin(t, db)
	a, err := tx.CreateNode("Person")
	must(t, err)
	a2, err := tx.CreateNode("Person")
	must(t, err)
	rel, err := tx.CreateRelationship("KNOWS", a, a2)
	must(t, err)
	must(t, tx.CreateIndex("Person", "name"))
	commit(t, tx)

	db.Stores().PageCache().SetAdversary(failStore{file: store.RelationshipStore.File()})
	tx = begin(t, db)
	b, err := tx.CreateNode("Person")
	must(t, err)
	must(t, tx.SetNodeProperty(b, "name", "b"))
	must(t, tx.DeleteRelationship(rel))
	err = tx.Commit()
	if !errors.Is(err, kernel.ErrCommitFailed) {
		t.Fatalf("Commit() got %v want %v", err, kernel.ErrCommitFailed)
	}
	if st, _ := db.Health().State(); st != health.Panicked {
		t.Errorf("State() got %v want %v", st, health.Panicked)
	}

	db.Stores().PageCache().SetAdversary(nil)
	db.Health().Heal()
	snap := fs.CrashSnapshot()
	must(t, db.Close())

	db = openDatabase(t, snap, database.Options{})
	if !db.Recovery().Required {
		t.Errorf("Recovery().Required got false want true")
	}

	// The failed transaction reached the log, so recovery completes it.
	tx = begin(t, db)
	if _, err := tx.Relationship(rel); !errors.Is(err, kernel.ErrNotFound) {
		t.Errorf("Relationship(%d) got %v want %v", rel, err, kernel.ErrNotFound)
	}
	rels, err := tx.NodeRelationships(a)
	must(t, err)
	if len(rels) != 0 {
		t.Errorf("NodeRelationships(%d) got %v want none", a, rels)
	}
	ids, err := tx.FindNodes("Person")
	must(t, err)
	if want := []int64{a, a2, b}; !reflect.DeepEqual(ids, want) {
		t.Errorf("FindNodes(Person) got %v want %v", ids, want)
	}
	ids, err = tx.FindNodesByProperty("Person", "name", "b")
	must(t, err)
	if want := []int64{b}; !reflect.DeepEqual(ids, want) {
		t.Errorf("FindNodesByProperty(Person, name, b) got %v want %v", ids, want)
	}
	must(t, tx.Rollback())
	checkDatabase(t, db)
	must(t, db.Close())
}

func TestCheckpointAfterFailedCommit(t *testing.T) {
	fs := vfs.NewMemFS()
	db := openDatabase(t, fs, database.Options{})

	tx := begin(t, db)
	a, err := tx.CreateNode("Person")
	must(t, err)
	a2, err := tx.CreateNode("Person")
	must(t, err)
	rel, err := tx.CreateRelationship("KNOWS", a, a2)
	must(t, err)
	commit(t, tx)
	closed := db.Kernel().LastClosed()

	db.Stores().PageCache().SetAdversary(failStore{file: store.RelationshipStore.File()})
	tx = begin(t, db)
	must(t, tx.DeleteRelationship(rel))
	err = tx.Commit()
	var ce *kernel.CommitError
	if !errors.As(err, &ce) {
		t.Fatalf("Commit() got %v want %v", err, kernel.ErrCommitFailed)
	}
	if failed := db.Kernel().ApplyFailed(); failed != ce.TxID {
		t.Errorf("ApplyFailed() got %d want %d", failed, ce.TxID)
	}

	db.Stores().PageCache().SetAdversary(nil)
	db.Health().Heal()
	tx = begin(t, db)
	c, err := tx.CreateNode("Person")
	must(t, err)
	commit(t, tx)

	if db.Kernel().LastClosed() != closed {
		t.Errorf("LastClosed() got %v want %v", db.Kernel().LastClosed(), closed)
	}
	cp, err := db.Checkpoint(context.Background(), "test")
	must(t, err)
	if cp.Commit.TxID >= ce.TxID {
		t.Errorf("Checkpoint() got tx %d want before failed tx %d", cp.Commit.TxID, ce.TxID)
	}

	db = openDatabase(t, crash(t, fs, db), database.Options{})
	if res := db.Recovery(); !res.Required || res.Recovered != 2 {
		t.Errorf("Recovery() got required %v recovered %d want true and 2", res.Required,
			res.Recovered)
	}

	tx = begin(t, db)
	if _, err := tx.Relationship(rel); !errors.Is(err, kernel.ErrNotFound) {
		t.Errorf("Relationship(%d) got %v want %v", rel, err, kernel.ErrNotFound)
	}
	for _, id := range []int64{a, a2} {
		rels, err := tx.NodeRelationships(id)
		must(t, err)
		if len(rels) != 0 {
			t.Errorf("NodeRelationships(%d) got %v want none", id, rels)
		}
	}
	if _, err := tx.Node(c); err != nil {
		t.Errorf("Node(%d) failed with %s", c, err)
	}
	must(t, tx.Rollback())
	checkDatabase(t, db)
	must(t, db.Close())
}

func TestOpenCorruptedLog(t *testing.T) {
	fs := vfs.NewMemFS()
	db := openDatabase(t, fs, database.Options{})
	tx := begin(t, db)
	_, err := tx.CreateNode("Person")
	must(t, err)
	commit(t, tx)
	cp, err := db.Checkpoint(context.Background(), "test")
	must(t, err)

	tx = begin(t, db)
	_, err = tx.CreateNode("Person")
	must(t, err)
	commit(t, tx)
	fs = crash(t, fs, db)

	name := filepath.Join("db", txlog.LogFileName(cp.Commit.End.Version))
	f, err := fs.OpenFile(name, 0)
	must(t, err)
	var b [1]byte
	_, err = f.ReadAt(b[:], cp.Commit.End.Offset+8)
	must(t, err)
	b[0] ^= 0xFF
	_, err = f.WriteAt(b[:], cp.Commit.End.Offset+8)
	if err == nil {
		err = f.Sync()
	}
	must(t, err)
	f.Close()

	_, err = database.Open("db", database.Options{FS: fs, NoScheduler: true})
	if !errors.Is(err, recovery.ErrRecoveryFailed) {
		t.Fatalf("Open(corrupted log) got %v want %v", err, recovery.ErrRecoveryFailed)
	}

	db = openDatabase(t, fs, database.Options{TruncateCorruptedLog: true})
	if res := db.Recovery(); !res.Truncated || res.End != cp.Commit {
		t.Errorf("Recovery() got truncated %v end %v want true and %v", res.Truncated,
			res.End, cp.Commit)
	}
	if got := allNodes(t, db); len(got) != 1 {
		t.Errorf("AllNodes() got %v want 1 node", got)
	}
	checkDatabase(t, db)
	must(t, db.Close())

	db = openDatabase(t, fs, database.Options{})
	if res := db.Recovery(); res.Truncated {
		t.Errorf("Recovery().Truncated got true after truncation")
	}
	must(t, db.Close())
}

func indexEntries(t *testing.T, db *database.Database) string {
	t.Helper()

	var s string
	err := db.Indexes().Entries(
		func(e index.Entry) error {
			s += fmt.Sprintf("%v\n", e)
			return nil
		})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestRecoveryDeterminism(t *testing.T) {
	fs := vfs.NewMemFS()
	db := openDatabase(t, fs, database.Options{Kernel: kernel.Options{DenseNodeThreshold: 5}})

	tx := begin(t, db)
	must(t, tx.CreateIndex("Person", "name"))
	must(t, tx.CreateIndex("Place", "age"))
	commit(t, tx)

	rg := testutil.NewRandomGraph(1)
	mutate := func(n int) {
		for i := 0; i < n; i += 1 {
			tx := begin(t, db)
			for j := 0; j < 5; j += 1 {
				must(t, rg.Mutate(tx))
			}
			commit(t, tx)
		}
	}

	mutate(40)
	_, err := db.Checkpoint(context.Background(), "test")
	must(t, err)
	mutate(40)

	online, err := testutil.DumpStores(db.Stores())
	must(t, err)
	onlineIndex := indexEntries(t, db)

	fs = crash(t, fs, db)
	db = openDatabase(t, fs, database.Options{})
	if !db.Recovery().Required {
		t.Errorf("Recovery().Required got false want true")
	}

	recovered, err := testutil.DumpStores(db.Stores())
	must(t, err)
	if recovered != online {
		t.Errorf("recovered stores differ from online:\n%v", diff.LineDiff(online, recovered))
	}
	if idx := indexEntries(t, db); idx != onlineIndex {
		t.Errorf("recovered indexes differ from online:\n%v", diff.LineDiff(onlineIndex, idx))
	}
	if got, want := allNodes(t, db), rg.Nodes(); !reflect.DeepEqual(got, want) {
		t.Errorf("AllNodes() got %v want %v", got, want)
	}
	checkDatabase(t, db)
	must(t, db.Close())
}

func TestRestartTwice(t *testing.T) {
	fs := vfs.NewMemFS()
	db := openDatabase(t, fs, database.Options{})

	rg := testutil.NewRandomGraph(2)
	for i := 0; i < 20; i += 1 {
		tx := begin(t, db)
		must(t, rg.Mutate(tx))
		commit(t, tx)
	}

	fs = crash(t, fs, db)
	db = openDatabase(t, fs, database.Options{})
	first, err := testutil.DumpStores(db.Stores())
	must(t, err)

	// Crash again right after recovery: recovering the same log must be idempotent.
	fs = crash(t, fs, db)
	db = openDatabase(t, fs, database.Options{})
	second, err := testutil.DumpStores(db.Stores())
	must(t, err)
	if first != second {
		t.Errorf("second recovery differs:\n%v", diff.LineDiff(first, second))
	}
	checkDatabase(t, db)
	must(t, db.Close())
}

func TestOpenInUse(t *testing.T) {
	dir := t.TempDir()
	db, err := database.Open(dir, database.Options{NoScheduler: true})
	if err != nil {
		t.Fatal(err)
	}
	_, err = database.Open(dir, database.Options{NoScheduler: true})
	if !errors.Is(err, database.ErrInUse) {
		t.Errorf("Open(%s) got %v want %v", dir, err, database.ErrInUse)
	}
	must(t, db.Close())

	db, err = database.Open(dir, database.Options{NoScheduler: true})
	if err != nil {
		t.Fatal(err)
	}
	must(t, db.Close())
}

const durableDirEnv = "GRAPHSTORE_DURABLE_DIR"

// TestDurableHelper runs in a child process: it commits transactions and then exits
// without closing the database.
func TestDurableHelper(t *testing.T) {
	dir := os.Getenv(durableDirEnv)
	if dir == "" {
		return
	}

	db, err := database.Open(dir, database.Options{NoScheduler: true})
	if err != nil {
		t.Fatal(err)
	}
	tx, err := db.Begin(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i += 1 {
		id, err := tx.CreateNode("Durable")
		if err != nil {
			t.Fatal(err)
		}
		err = tx.SetNodeProperty(id, "n", int64(i))
		if err != nil {
			t.Fatal(err)
		}
	}
	err = tx.Commit()
	if err != nil {
		t.Fatal(err)
	}
	os.Exit(0)
}

func TestDurable(t *testing.T) {
	if testing.Short() {
		t.SkipNow()
	}

	dir := t.TempDir()
	cmd := exec.Command(os.Args[0], "-test.run=TestDurableHelper")
	cmd.Env = append(os.Environ(), fmt.Sprintf("%s=%s", durableDirEnv, dir))
	out, err := cmd.CombinedOutput()
	if len(out) > 0 {
		fmt.Print(string(out))
	}
	if err != nil {
		t.Fatalf("durable helper failed: %s", err)
	}

	db, err := database.Open(dir, database.Options{NoScheduler: true})
	if err != nil {
		t.Fatal(err)
	}
	if !db.Recovery().Required {
		t.Errorf("Recovery().Required got false want true")
	}
	tx := begin(t, db)
	ids, err := tx.FindNodes("Durable")
	must(t, err)
	if len(ids) != 10 {
		t.Errorf("FindNodes(Durable) got %d nodes want 10", len(ids))
	}
	must(t, tx.Rollback())
	checkDatabase(t, db)
	must(t, db.Close())
}
