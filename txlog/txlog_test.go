package txlog_test

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/leftmike/graphstore/command"
	"github.com/leftmike/graphstore/record"
	"github.com/leftmike/graphstore/store"
	"github.com/leftmike/graphstore/txlog"
	"github.com/leftmike/graphstore/vfs"
)

var storeID = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

func openLog(t *testing.T, fs vfs.FS, last txlog.Commit, rotation int64) *txlog.Log {
	t.Helper()

	l, err := txlog.Open(log.StandardLogger(), fs, "db", storeID, last,
		txlog.Options{RotationSize: rotation})
	if err != nil {
		t.Fatalf("Open() failed with %s", err)
	}
	return l
}

func makeBatch(n int) *command.Batch {
	b := &command.Batch{
		Started:         time.Unix(1000, 0),
		LatestCommitted: 0,
	}
	for i := 0; i < n; i += 1 {
		nd := record.NewNode(int64(i))
		nd.InUse = true
		nd.NextProp = int64(i * 10)
		b.Commands = append(b.Commands,
			command.Command{Kind: store.NodeStore, Before: record.NewNode(int64(i)), After: nd})
		b.IndexUpdates = append(b.IndexUpdates,
			command.IndexUpdate{Index: 0, Key: []byte{0, 0, 0, byte(i)}, NodeID: int64(i)})
	}
	return b
}

func appendBatches(t *testing.T, l *txlog.Log, cnt int) []txlog.Commit {
	t.Helper()

	var commits []txlog.Commit
	for i := 0; i < cnt; i += 1 {
		c, err := l.Append(makeBatch(int(l.LastCommit().TxID)%4 + 1))
		if err != nil {
			t.Fatalf("Append() failed with %s", err)
		}
		commits = append(commits, c)
	}
	return commits
}

func readAll(t *testing.T, r *txlog.Reader) ([]*command.Batch, error) {
	t.Helper()

	var batches []*command.Batch
	for {
		b, err := r.Next()
		if err == io.EOF {
			return batches, nil
		} else if err != nil {
			return batches, err
		}
		batches = append(batches, b)
	}
}

func readLog(t *testing.T, fs vfs.FS) (*txlog.Reader, []*command.Batch, error) {
	t.Helper()

	lo := txlog.Layout{FS: fs, Dir: "db"}
	start, err := lo.Start()
	if err != nil {
		t.Fatalf("Start() failed with %s", err)
	}
	r := txlog.NewReader(lo, storeID, start)
	batches, err := readAll(t, r)
	return r, batches, err
}

func checkBatches(t *testing.T, batches []*command.Batch, first uint64, cnt int) {
	t.Helper()

	if len(batches) != cnt {
		t.Fatalf("Next() got %d batches want %d", len(batches), cnt)
	}
	for i, b := range batches {
		if b.TxID != first+uint64(i) {
			t.Errorf("Next() got tx %d want %d", b.TxID, first+uint64(i))
		}
		want := makeBatch(int(b.TxID-1)%4 + 1)
		if len(b.Commands) != len(want.Commands) {
			t.Errorf("Next() tx %d got %d commands want %d", b.TxID, len(b.Commands),
				len(want.Commands))
			continue
		}
		for j := range b.Commands {
			if !b.Commands[j].After.Equal(want.Commands[j].After) {
				t.Errorf("Next() tx %d got %s want %s", b.TxID, b.Commands[j],
					want.Commands[j])
			}
		}
		if len(b.IndexUpdates) != len(want.IndexUpdates) {
			t.Errorf("Next() tx %d got %d index updates want %d", b.TxID, len(b.IndexUpdates),
				len(want.IndexUpdates))
		}
		if !b.Started.Equal(want.Started) {
			t.Errorf("Next() tx %d got started %s want %s", b.TxID, b.Started, want.Started)
		}
	}
}

func TestAppendRead(t *testing.T) {
	fs := vfs.NewMemFS()
	l := openLog(t, fs, txlog.Commit{}, 0)
	commits := appendBatches(t, l, 10)
	for i, c := range commits {
		if c.TxID != uint64(i+1) {
			t.Errorf("Append() got tx %d want %d", c.TxID, i+1)
		}
		if i > 0 && !commits[i-1].End.Less(c.End) {
			t.Errorf("Append() got end %s after %s", c.End, commits[i-1].End)
		}
	}
	if l.LastCommit() != commits[9] {
		t.Errorf("LastCommit() got %s want %s", l.LastCommit(), commits[9])
	}

	r, batches, err := readLog(t, fs)
	if err != nil {
		t.Fatal(err)
	}
	checkBatches(t, batches, 1, 10)
	if _, ok := r.Tail(); ok {
		t.Errorf("Tail() got a tail for a clean log")
	}
	if r.LastCommit() != commits[9] {
		t.Errorf("LastCommit() got %s want %s", r.LastCommit(), commits[9])
	}

	// Reading from the middle of the log.
	batches, err = readAll(t, l.Reader(commits[4]))
	if err != nil {
		t.Fatal(err)
	}
	checkBatches(t, batches, 6, 5)

	// A live reader stops at the durable end when it was created.
	r = l.Reader(commits[8])
	appendBatches(t, l, 1)
	batches, err = readAll(t, r)
	if err != nil {
		t.Fatal(err)
	}
	checkBatches(t, batches, 10, 1)
	last := l.LastCommit()
	l.Close()

	// Appending resumes after the last commit.
	l = openLog(t, fs, last, 0)
	commits = appendBatches(t, l, 1)
	if commits[0].TxID != 12 {
		t.Errorf("Append() after reopen got tx %d want 12", commits[0].TxID)
	}
	l.Close()
	_, batches, err = readLog(t, fs)
	if err != nil {
		t.Fatal(err)
	}
	checkBatches(t, batches, 1, 12)
}

func TestRotation(t *testing.T) {
	fs := vfs.NewMemFS()
	l := openLog(t, fs, txlog.Commit{}, 512)
	appendBatches(t, l, 40)
	last := l.LastCommit()
	l.Close()

	lo := txlog.Layout{FS: fs, Dir: "db"}
	files, err := lo.LogFiles()
	if err != nil {
		t.Fatal(err)
	}
	if len(files) < 3 {
		t.Fatalf("LogFiles() got %d files, want at least 3", len(files))
	}
	for i, lf := range files {
		if lf.Version != uint64(i) {
			t.Errorf("LogFiles()[%d] got version %d", i, lf.Version)
		}
	}

	_, batches, err := readLog(t, fs)
	if err != nil {
		t.Fatal(err)
	}
	checkBatches(t, batches, 1, 40)

	// Continuity across files: removing a file in the middle is corruption.
	err = fs.Remove(files[1].Name)
	if err != nil {
		t.Fatal(err)
	}
	_, _, err = readLog(t, fs)
	if !errors.Is(err, txlog.ErrCorrupted) {
		t.Errorf("Next() with missing file got %v want %v", err, txlog.ErrCorrupted)
	}

	// Pruning keeps the most recent files.
	l = openLog(t, fs, last, 512)
	removed, err := l.Prune(files[len(files)-1].Version, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(removed) != len(files)-3 {
		t.Errorf("Prune() removed %d files want %d", len(removed), len(files)-3)
	}
	l.Close()
}

func writeAt(t *testing.T, fs vfs.FS, name string, buf []byte, off int64) {
	t.Helper()

	f, err := fs.OpenFile(name, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if off < 0 {
		off, err = f.Size()
		if err != nil {
			t.Fatal(err)
		}
	}
	_, err = f.WriteAt(buf, off)
	if err != nil {
		t.Fatal(err)
	}
}

func TestTail(t *testing.T) {
	name := "db/" + txlog.LogFileName(0)
	cases := []struct {
		tail []byte
		off  int64
	}{
		{tail: []byte{1}, off: -1},
		{tail: []byte{1, 0, 0, 0, 24, 0, 0}, off: -1},
		{tail: make([]byte, 100), off: -1},
	}

	for _, c := range cases {
		fs := vfs.NewMemFS()
		l := openLog(t, fs, txlog.Commit{}, 0)
		commits := appendBatches(t, l, 3)
		l.Close()

		writeAt(t, fs, name, c.tail, c.off)
		r, batches, err := readLog(t, fs)
		if err != nil {
			t.Errorf("Next(%v) failed with %s", c.tail, err)
			continue
		}
		checkBatches(t, batches, 1, 3)
		tail, ok := r.Tail()
		if !ok {
			t.Errorf("Tail(%v) got no tail", c.tail)
		} else if tail.Position != commits[2].End || tail.Bytes != int64(len(c.tail)) {
			t.Errorf("Tail(%v) got %v", c.tail, tail)
		}
		if r.LastCommit() != commits[2] {
			t.Errorf("LastCommit(%v) got %s want %s", c.tail, r.LastCommit(), commits[2])
		}

		l = openLog(t, fs, r.LastCommit(), 0)
		appendBatches(t, l, 2)
		l.Close()
		_, batches, err = readLog(t, fs)
		if err != nil {
			t.Errorf("Next(%v) after append failed with %s", c.tail, err)
		} else {
			checkBatches(t, batches, 1, 5)
		}
	}

	// An incomplete batch: the first part of a batch which was never committed.
	fs := vfs.NewMemFS()
	l := openLog(t, fs, txlog.Commit{}, 0)
	commits := appendBatches(t, l, 2)
	c3 := appendBatches(t, l, 1)[0]
	l.Close()
	f, err := fs.OpenFile(name, 0)
	if err != nil {
		t.Fatal(err)
	}
	f.Truncate(c3.End.Offset - 5)
	f.Close()
	r, batches, err := readLog(t, fs)
	if err != nil {
		t.Fatal(err)
	}
	checkBatches(t, batches, 1, 2)
	if tail, ok := r.Tail(); !ok || tail.Position != commits[1].End {
		t.Errorf("Tail() got %v, %v want %s", tail, ok, commits[1].End)
	}
}

func TestCorruption(t *testing.T) {
	name := "db/" + txlog.LogFileName(0)

	fs := vfs.NewMemFS()
	l := openLog(t, fs, txlog.Commit{}, 0)
	commits := appendBatches(t, l, 5)
	l.Close()

	// Damage in the middle of the log, followed by committed batches.
	writeAt(t, fs, name, []byte{0xFF, 0xFF}, commits[1].End.Offset+10)
	r, batches, err := readLog(t, fs)
	if !errors.Is(err, txlog.ErrCorrupted) {
		t.Errorf("Next() got %v want %v", err, txlog.ErrCorrupted)
	}
	if len(batches) != 2 {
		t.Errorf("Next() got %d batches before corruption want 2", len(batches))
	}
	if r.LastCommit() != commits[1] {
		t.Errorf("LastCommit() got %s want %s", r.LastCommit(), commits[1])
	}

	// Trailing garbage which is not zeros.
	fs = vfs.NewMemFS()
	l = openLog(t, fs, txlog.Commit{}, 0)
	appendBatches(t, l, 2)
	l.Close()
	writeAt(t, fs, name, []byte{9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9}, -1)
	_, _, err = readLog(t, fs)
	if !errors.Is(err, txlog.ErrCorrupted) {
		t.Errorf("Next() with trailing garbage got %v want %v", err, txlog.ErrCorrupted)
	}

	// A log of another store.
	fs = vfs.NewMemFS()
	l = openLog(t, fs, txlog.Commit{}, 0)
	appendBatches(t, l, 1)
	l.Close()
	lo := txlog.Layout{FS: fs, Dir: "db"}
	start, err := lo.Start()
	if err != nil {
		t.Fatal(err)
	}
	_, err = readAll(t, txlog.NewReader(lo, uuid.New(), start))
	if !errors.Is(err, txlog.ErrCorrupted) {
		t.Errorf("Next() of another store got %v want %v", err, txlog.ErrCorrupted)
	}
}

func TestCrash(t *testing.T) {
	fs := vfs.NewMemFS()
	l := openLog(t, fs, txlog.Commit{}, 256)
	appendBatches(t, l, 12)

	_, batches, err := readLog(t, fs.CrashSnapshot())
	if err != nil {
		t.Fatal(err)
	}
	checkBatches(t, batches, 1, 12)
	l.Close()
}

type faultFS struct {
	*vfs.MemFS
	fail bool
}

type faultFile struct {
	vfs.File
	fs *faultFS
}

func (ffs *faultFS) OpenFile(name string, flag int) (vfs.File, error) {
	f, err := ffs.MemFS.OpenFile(name, flag)
	if err != nil {
		return nil, err
	}
	return faultFile{f, ffs}, nil
}

func (ff faultFile) WriteAt(p []byte, off int64) (int, error) {
	if ff.fs.fail && len(p) > 30 {
		n, _ := ff.File.WriteAt(p[:len(p)/2], off)
		return n, errors.New("write failed")
	}
	return ff.File.WriteAt(p, off)
}

func (ff faultFile) Truncate(size int64) error {
	if ff.fs.fail {
		return errors.New("truncate failed")
	}
	return ff.File.Truncate(size)
}

func TestAbandon(t *testing.T) {
	fs := &faultFS{MemFS: vfs.NewMemFS()}
	l := openLog(t, fs, txlog.Commit{}, 0)
	appendBatches(t, l, 1)

	fs.fail = true
	_, err := l.Append(makeBatch(4))
	if !errors.Is(err, txlog.ErrFailed) {
		t.Errorf("Append() got %v want %v", err, txlog.ErrFailed)
	}
	fs.fail = false

	c, err := l.Append(makeBatch(2))
	if err != nil {
		t.Fatal(err)
	}
	if c.TxID != 2 {
		t.Errorf("Append() got tx %d want 2", c.TxID)
	}
	l.Close()

	r, batches, err := readLog(t, fs.MemFS)
	if err != nil {
		t.Fatal(err)
	}
	checkBatches(t, batches, 1, 2)
	if _, ok := r.Tail(); ok {
		t.Errorf("Tail() got a tail")
	}
}

func TestCheckpoints(t *testing.T) {
	fs := vfs.NewMemFS()
	lo := txlog.Layout{FS: fs, Dir: "db"}
	fs.MkdirAll("db")

	_, ok, err := lo.LastCheckpoint()
	if err != nil || ok {
		t.Errorf("LastCheckpoint() got %v, %v want false, nil", ok, err)
	}

	cps, err := txlog.OpenCheckpoints(lo)
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= 1500; i += 1 {
		err = cps.Append(txlog.Checkpoint{
			Commit: txlog.Commit{
				TxID:     uint64(i),
				End:      txlog.Position{Version: uint64(i / 100), Offset: int64(i * 64)},
				Checksum: uint64(i) * 7,
			},
			Time:   time.Unix(int64(i), 0),
			Reason: "a reason which is too long to fit",
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	cps.Close()

	files, err := lo.CheckpointFiles()
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 || files[0].Version != 1 {
		t.Errorf("CheckpointFiles() got %v", files)
	}

	cp, ok, err := lo.LastCheckpoint()
	if err != nil || !ok {
		t.Fatalf("LastCheckpoint() got %v, %v", ok, err)
	}
	if cp.TxID != 1500 || cp.End.Offset != 1500*64 || cp.Checksum != 1500*7 ||
		cp.Time.Unix() != 1500 || cp.Reason != "a reason which i" {

		t.Errorf("LastCheckpoint() got %+v", cp)
	}

	// A torn last entry: the previous entry wins.
	name := files[0].Name
	f, err := fs.OpenFile(name, 0)
	if err != nil {
		t.Fatal(err)
	}
	sz, _ := f.Size()
	f.WriteAt([]byte{0xAA, 0xBB, 0xCC}, sz-20)
	f.Close()
	cp, ok, err = lo.LastCheckpoint()
	if err != nil || !ok || cp.TxID != 1499 {
		t.Errorf("LastCheckpoint() got %v, %v, %v want tx 1499", cp, ok, err)
	}

	// A partial entry at the end is ignored.
	writeAt(t, fs, name, make([]byte, 30), -1)
	cp, ok, err = lo.LastCheckpoint()
	if err != nil || !ok || cp.TxID != 1499 {
		t.Errorf("LastCheckpoint() got %v, %v, %v want tx 1499", cp, ok, err)
	}

	cps, err = txlog.OpenCheckpoints(lo)
	if err != nil {
		t.Fatal(err)
	}
	err = cps.Append(txlog.Checkpoint{Commit: txlog.Commit{TxID: 2000}, Reason: "close"})
	if err != nil {
		t.Fatal(err)
	}
	cps.Close()
	cp, ok, err = lo.LastCheckpoint()
	if err != nil || !ok || cp.TxID != 2000 || cp.Reason != "close" {
		t.Errorf("LastCheckpoint() got %v, %v, %v want tx 2000", cp, ok, err)
	}
}

func TestIsLogFile(t *testing.T) {
	lo := txlog.Layout{FS: vfs.NewMemFS(), Dir: "/data/db"}
	cases := []struct {
		path string
		want bool
	}{
		{"/data/db/graph.txlog.0", true},
		{"/data/db/graph.txlog.123", true},
		{"/data/db/graph.checkpoint.7", true},
		{"/data/db/graph.txlog.", false},
		{"/data/db/graph.txlog.1a", false},
		{"/data/db/graph.txlog.-1", false},
		{"/data/db/graph.nodes", false},
		{"/data/db/graph.meta", false},
		{"/data/other/graph.txlog.0", false},
		{"/data/db/sub/graph.txlog.0", false},
		{"/data/db/graph.checkpoint.0.tmp", false},
	}

	for _, c := range cases {
		got := lo.IsLogFile(c.path)
		if got != c.want {
			t.Errorf("IsLogFile(%s) got %v want %v", c.path, got, c.want)
		}
	}
}

func TestOpenErrors(t *testing.T) {
	fs := vfs.NewMemFS()
	l := openLog(t, fs, txlog.Commit{}, 0)
	commits := appendBatches(t, l, 2)
	l.Close()

	_, err := txlog.Open(log.StandardLogger(), fs, "db", uuid.New(), commits[1], txlog.Options{})
	if !errors.Is(err, txlog.ErrCorrupted) {
		t.Errorf("Open(other store) got %v want %v", err, txlog.ErrCorrupted)
	}

	last := commits[1]
	last.End.Offset += 1000
	_, err = txlog.Open(log.StandardLogger(), fs, "db", storeID, last, txlog.Options{})
	if !errors.Is(err, txlog.ErrCorrupted) {
		t.Errorf("Open(past end) got %v want %v", err, txlog.ErrCorrupted)
	}

	last = commits[1]
	last.End.Version = 3
	_, err = txlog.Open(log.StandardLogger(), fs, "db", storeID, last, txlog.Options{})
	if err == nil {
		t.Errorf("Open(missing file) got %v", err)
	}
}
