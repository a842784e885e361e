package apply_test

import (
	"testing"

	log "github.com/sirupsen/logrus"

	"github.com/leftmike/graphstore/apply"
	"github.com/leftmike/graphstore/command"
	"github.com/leftmike/graphstore/format"
	"github.com/leftmike/graphstore/index"
	"github.com/leftmike/graphstore/record"
	"github.com/leftmike/graphstore/store"
	"github.com/leftmike/graphstore/vfs"
)

func openApplier(t *testing.T) (*apply.Applier, *store.Stores, *index.Provider) {
	t.Helper()

	logger := log.StandardLogger()
	fs := vfs.NewMemFS()
	stores, err := store.Open(logger, fs, "db", store.Options{})
	if err != nil {
		t.Fatal(err)
	}
	kv, err := index.OpenKV(logger, fs, "db", index.BTreeBackend)
	if err != nil {
		t.Fatal(err)
	}
	indexes := index.NewProvider(logger, kv)
	return apply.New(logger, stores, indexes, nil), stores, indexes
}

func getNode(t *testing.T, stores *store.Stores, id int64) *record.Node {
	t.Helper()

	rec, err := stores.Store(store.NodeStore).GetRecord(id, format.Normal)
	if err != nil {
		t.Fatal(err)
	}
	return rec.(*record.Node)
}

func TestApply(t *testing.T) {
	a, stores, indexes := openApplier(t)
	defer stores.Close(false)
	defer indexes.Close()

	label := index.LabelKey(1)
	created := record.NewNode(3)
	created.InUse = true
	b := &command.Batch{
		TxID: 1,
		Commands: []command.Command{
			{Kind: store.NodeStore, Before: record.NewNode(3), After: created},
		},
		IndexUpdates: []command.IndexUpdate{
			{Index: index.LabelIndex, Key: label, NodeID: 3},
		},
	}

	err := a.Apply(b, apply.Recovery)
	if err != nil {
		t.Fatalf("Apply(%d) failed with %s", b.TxID, err)
	}
	if n := getNode(t, stores, 3); !n.Equal(created) {
		t.Errorf("GetRecord(3) got %v want %v", n, created)
	}
	ids, err := indexes.LabelScan(1)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != 3 {
		t.Errorf("LabelScan(1) got %v want [3]", ids)
	}

	updated := created.Clone().(*record.Node)
	updated.NextProp = 9
	b2 := &command.Batch{
		TxID: 2,
		Commands: []command.Command{
			{Kind: store.NodeStore, Before: created, After: updated},
		},
	}
	err = a.Apply(b2, apply.Recovery)
	if err != nil {
		t.Fatalf("Apply(%d) failed with %s", b2.TxID, err)
	}

	for _, c := range []struct {
		b    *command.Batch
		want *record.Node
	}{
		{b2, created},
		{b, record.NewNode(3)},
	} {
		err = a.ApplyReverse(c.b)
		if err != nil {
			t.Fatalf("ApplyReverse(%d) failed with %s", c.b.TxID, err)
		}
		if n := getNode(t, stores, 3); !n.Equal(c.want) {
			t.Errorf("ApplyReverse(%d) got %v want %v", c.b.TxID, n, c.want)
		}
	}
}

func TestModeString(t *testing.T) {
	cases := []struct {
		m apply.Mode
		s string
	}{
		{apply.Online, "online"},
		{apply.Recovery, "recovery"},
		{apply.Mode(7), "mode 7"},
	}

	for _, c := range cases {
		if s := c.m.String(); s != c.s {
			t.Errorf("Mode(%d).String() got %s want %s", int(c.m), s, c.s)
		}
	}
}
