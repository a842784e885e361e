package idgen_test

import (
	"errors"
	"testing"

	log "github.com/sirupsen/logrus"

	"github.com/leftmike/graphstore/format"
	"github.com/leftmike/graphstore/idgen"
	"github.com/leftmike/graphstore/vfs"
)

func openGenerator(t *testing.T, fs vfs.FS, maxID int64) *idgen.Generator {
	t.Helper()

	gen, err := idgen.Open(log.StandardLogger(), fs, "nodes", maxID)
	if err != nil {
		t.Fatal(err)
	}
	return gen
}

func nextIDs(t *testing.T, gen *idgen.Generator, n int) []int64 {
	t.Helper()

	var ids []int64
	for i := 0; i < n; i += 1 {
		id, err := gen.NextID()
		if err != nil {
			t.Fatalf("NextID() failed with %s", err)
		}
		ids = append(ids, id)
	}
	return ids
}

func equalIDs(ids1, ids2 []int64) bool {
	if len(ids1) != len(ids2) {
		return false
	}
	for i := range ids1 {
		if ids1[i] != ids2[i] {
			return false
		}
	}
	return true
}

func TestNextID(t *testing.T) {
	fs := vfs.NewMemFS()
	gen := openGenerator(t, fs, 1000)
	if !gen.NeedsRebuild() {
		t.Errorf("NeedsRebuild() got false want true")
	}
	gen.Rebuild(0, func(id int64) (bool, error) { return true, nil })

	ids := nextIDs(t, gen, 5)
	if !equalIDs(ids, []int64{0, 1, 2, 3, 4}) {
		t.Errorf("NextID() got %v", ids)
	}
	gen.Free(3)
	gen.Free(1)
	ids = nextIDs(t, gen, 3)
	if !equalIDs(ids, []int64{1, 3, 5}) {
		t.Errorf("NextID() after Free() got %v want [1 3 5]", ids)
	}
	if gen.HighID() != 6 {
		t.Errorf("HighID() got %d want 6", gen.HighID())
	}

	gen.FreeAfter(2, 10)
	gen.FreeAfter(4, 20)
	n := gen.Release(func(boundary uint64) bool { return boundary <= 15 })
	if n != 1 {
		t.Errorf("Release() got %d want 1", n)
	}
	ids = nextIDs(t, gen, 2)
	if !equalIDs(ids, []int64{2, 6}) {
		t.Errorf("NextID() after Release() got %v want [2 6]", ids)
	}

	err := gen.Close()
	if err != nil {
		t.Fatal(err)
	}

	gen = openGenerator(t, fs, 1000)
	if gen.NeedsRebuild() {
		t.Errorf("NeedsRebuild() after Close() got true want false")
	}
	ids = nextIDs(t, gen, 2)
	if !equalIDs(ids, []int64{4, 7}) {
		t.Errorf("NextID() after reopen got %v want [4 7]", ids)
	}
	gen.Abandon()

	gen = openGenerator(t, fs, 1000)
	if !gen.NeedsRebuild() {
		t.Errorf("NeedsRebuild() after Abandon() got false want true")
	}
}

func TestReservedID(t *testing.T) {
	gen := openGenerator(t, vfs.NewMemFS(), 1<<35-1)
	gen.MarkUsed(format.ReservedID - 2)
	ids := nextIDs(t, gen, 2)
	if !equalIDs(ids, []int64{format.ReservedID - 1, format.ReservedID + 1}) {
		t.Errorf("NextID() got %v", ids)
	}

	gen = openGenerator(t, vfs.NewMemFS(), 2)
	nextIDs(t, gen, 3)
	_, err := gen.NextID()
	if !errors.Is(err, idgen.ErrExhausted) {
		t.Errorf("NextID() got %v want %v", err, idgen.ErrExhausted)
	}
}

func TestMarkUsed(t *testing.T) {
	gen := openGenerator(t, vfs.NewMemFS(), 1000)
	gen.MarkUsed(3)
	gen.MarkUsed(1)
	if gen.HighID() != 4 {
		t.Errorf("HighID() got %d want 4", gen.HighID())
	}
	gen.Free(2)
	gen.MarkUsed(2)
	ids := nextIDs(t, gen, 2)
	if !equalIDs(ids, []int64{4, 5}) {
		t.Errorf("NextID() got %v want [4 5]", ids)
	}
}

func TestRebuild(t *testing.T) {
	fs := vfs.NewMemFS()
	gen := openGenerator(t, fs, 1000)

	used := map[int64]bool{0: true, 2: true, 3: true, 7: true}
	inUse := func(id int64) (bool, error) { return used[id], nil }
	for i := 0; i < 2; i += 1 {
		err := gen.Rebuild(8, inUse)
		if err != nil {
			t.Fatal(err)
		}
		if gen.FreeCount() != 4 {
			t.Errorf("FreeCount() got %d want 4", gen.FreeCount())
		}
	}

	ids := nextIDs(t, gen, 6)
	if !equalIDs(ids, []int64{1, 4, 5, 6, 8, 9}) {
		t.Errorf("NextID() after Rebuild() got %v", ids)
	}

	fail := errors.New("scan failed")
	err := gen.Rebuild(8, func(id int64) (bool, error) { return false, fail })
	if err != fail {
		t.Errorf("Rebuild() got %v want %v", err, fail)
	}
}

func TestCorruptFile(t *testing.T) {
	fs := vfs.NewMemFS()
	gen := openGenerator(t, fs, 1000)
	gen.Rebuild(0, func(id int64) (bool, error) { return true, nil })
	nextIDs(t, gen, 3)
	gen.Close()

	f, err := fs.OpenFile("nodes.id", 0)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteAt([]byte{0xFF}, 20)
	f.Close()

	gen = openGenerator(t, fs, 1000)
	if !gen.NeedsRebuild() {
		t.Errorf("NeedsRebuild() with bad checksum got false want true")
	}
}
