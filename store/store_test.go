package store_test

import (
	"errors"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/leftmike/graphstore/format"
	"github.com/leftmike/graphstore/record"
	"github.com/leftmike/graphstore/store"
	"github.com/leftmike/graphstore/vfs"
)

func openStores(t *testing.T, fs vfs.FS, opts store.Options) *store.Stores {
	t.Helper()

	s, err := store.Open(log.StandardLogger(), fs, "db", opts)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func writeChain(t *testing.T, rs *store.RecordStore, chain []*record.Dynamic) {
	t.Helper()

	for _, d := range chain {
		err := rs.UpdateRecord(d)
		if err != nil {
			t.Fatal(err)
		}
	}
}

func TestRecords(t *testing.T) {
	fs := vfs.NewMemFS()
	s := openStores(t, fs, store.Options{})
	nodes := s.Store(store.NodeStore)

	for i := 0; i < 10; i += 1 {
		id, err := nodes.NextID()
		if err != nil {
			t.Fatal(err)
		}
		n := record.NewNode(id)
		n.InUse = true
		n.Labels, _ = record.InlineLabelField([]int32{int32(i)})
		err = nodes.UpdateRecord(n)
		if err != nil {
			t.Fatal(err)
		}
	}

	rec, err := nodes.GetRecord(7, format.Normal)
	if err != nil {
		t.Fatal(err)
	}
	if got := record.ParseInlineLabels(rec.(*record.Node).Labels); len(got) != 1 || got[0] != 7 {
		t.Errorf("GetRecord(7) got labels %v want [7]", got)
	}

	n := record.NewNode(3)
	err = nodes.UpdateRecord(n)
	if err != nil {
		t.Fatal(err)
	}
	_, err = nodes.GetRecord(3, format.Normal)
	if !errors.Is(err, store.ErrNotInUse) {
		t.Errorf("GetRecord(3) got %v want %v", err, store.ErrNotInUse)
	}
	rec, err = nodes.GetRecord(3, format.Check)
	if err != nil || rec.Header().InUse {
		t.Errorf("GetRecord(3, Check) got %v, %v", rec, err)
	}
	rec, err = nodes.GetRecord(100000, format.Check)
	if err != nil || rec.Header().InUse {
		t.Errorf("GetRecord(100000, Check) got %v, %v", rec, err)
	}

	high, err := nodes.ScanHighID()
	if err != nil {
		t.Fatal(err)
	}
	if high != 10 {
		t.Errorf("ScanHighID() got %d want 10", high)
	}

	err = s.Close(false)
	if err != nil {
		t.Fatal(err)
	}

	s = openStores(t, fs, store.Options{})
	if !s.NeedsRebuild() {
		t.Errorf("NeedsRebuild() got false want true")
	}
	err = s.RebuildIDs()
	if err != nil {
		t.Fatal(err)
	}
	nodes = s.Store(store.NodeStore)
	for _, want := range []int64{3, 10} {
		id, err := nodes.NextID()
		if err != nil {
			t.Fatal(err)
		}
		if id != want {
			t.Errorf("NextID() got %d want %d", id, want)
		}
	}
	s.Close(true)

	s = openStores(t, fs, store.Options{})
	if s.NeedsRebuild() {
		t.Errorf("NeedsRebuild() after clean close got true want false")
	}
	s.Close(true)
}

func TestValues(t *testing.T) {
	s := openStores(t, vfs.NewMemFS(), store.Options{StringBlockSize: 16, ArrayBlockSize: 16})
	defer s.Close(true)

	long := "a string which is much too long to be stored inline in a block"
	cases := []struct {
		v       record.Value
		dynamic bool
	}{
		{v: true},
		{v: int64(-12345)},
		{v: int64(1) << 60},
		{v: 3.25},
		{v: "short"},
		{v: ""},
		{v: long, dynamic: true},
		{v: []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17}, dynamic: true},
		{v: []int64{1, -1, 1 << 40}, dynamic: true},
		{v: []int64{}, dynamic: true},
		{v: record.Point{CRS: 4326, X: 1.5, Y: -2.5}},
		{v: time.Date(2020, 3, 4, 5, 6, 7, 8, time.UTC)},
	}

	for i, c := range cases {
		pb, chain, err := s.EncodeValue(int32(i), c.v)
		if err != nil {
			t.Errorf("EncodeValue(%v) failed with %s", c.v, err)
			continue
		}
		if c.dynamic != (len(chain) > 0) {
			t.Errorf("EncodeValue(%v) got %d dynamic records", c.v, len(chain))
		}
		if len(chain) > 0 {
			kind, _, _ := s.ValueChain(pb)
			writeChain(t, s.Store(kind), chain)
		}

		v, err := s.DecodeValue(pb)
		if err != nil {
			t.Errorf("DecodeValue(%v) failed with %s", c.v, err)
		} else if !record.ValuesEqual(v, c.v) {
			t.Errorf("DecodeValue(%v) got %v", c.v, v)
		}
		if pb.Key() != int32(i) {
			t.Errorf("EncodeValue(%v) got key %d want %d", c.v, pb.Key(), i)
		}
	}

	_, _, err := s.EncodeValue(1, struct{}{})
	if !errors.Is(err, record.ErrUnsupportedValue) {
		t.Errorf("EncodeValue(struct{}{}) got %v want %v", err, record.ErrUnsupportedValue)
	}
}

func TestUnsupportedValues(t *testing.T) {
	s := openStores(t, vfs.NewMemFS(), store.Options{Format: "standard-1.0"})
	defer s.Close(true)

	for _, v := range []record.Value{record.Point{}, time.Now()} {
		_, _, err := s.EncodeValue(1, v)
		if !errors.Is(err, record.ErrUnsupportedValue) {
			t.Errorf("EncodeValue(%v) got %v want %v", v, err, record.ErrUnsupportedValue)
		}
	}
}

func TestLabels(t *testing.T) {
	s := openStores(t, vfs.NewMemFS(), store.Options{LabelBlockSize: 16})
	defer s.Close(true)

	cases := []struct {
		labels  []int32
		want    []int32
		dynamic bool
	}{
		{labels: nil},
		{labels: []int32{5, 3, 5}, want: []int32{3, 5}},
		{labels: []int32{1, 2, 3, 4, 5, 6, 7}, want: []int32{1, 2, 3, 4, 5, 6, 7}},
		{labels: []int32{1, 2, 3, 4, 5, 6, 7, 8}, want: []int32{1, 2, 3, 4, 5, 6, 7, 8},
			dynamic: true},
		{labels: []int32{1 << 30}, want: []int32{1 << 30}},
		{labels: []int32{1, 1 << 30}, want: []int32{1, 1 << 30}, dynamic: true},
	}

	for _, c := range cases {
		field, chain, err := s.EncodeLabels(c.labels)
		if err != nil {
			t.Errorf("EncodeLabels(%v) failed with %s", c.labels, err)
			continue
		}
		if c.dynamic != record.IsDynamicLabelField(field) {
			t.Errorf("EncodeLabels(%v) got field %#x", c.labels, field)
		}
		writeChain(t, s.Store(store.NodeLabelStore), chain)

		got, err := s.DecodeLabels(field)
		if err != nil {
			t.Errorf("DecodeLabels(%v) failed with %s", c.labels, err)
			continue
		}
		if len(got) != len(c.want) {
			t.Errorf("DecodeLabels(%v) got %v want %v", c.labels, got, c.want)
			continue
		}
		for i := range got {
			if got[i] != c.want[i] {
				t.Errorf("DecodeLabels(%v) got %v want %v", c.labels, got, c.want)
				break
			}
		}
	}
}

func TestChainCycle(t *testing.T) {
	s := openStores(t, vfs.NewMemFS(), store.Options{})
	defer s.Close(true)

	rs := s.Store(store.StringStore)
	chain, err := rs.AllocateChain(make([]byte, rs.BlockSize()*3))
	if err != nil {
		t.Fatal(err)
	}
	if len(chain) != 3 {
		t.Fatalf("AllocateChain() got %d records want 3", len(chain))
	}
	chain[2].NextBlock = chain[1].ID
	writeChain(t, rs, chain)

	_, _, err = rs.ReadChain(chain[0].ID)
	if !errors.Is(err, store.ErrBrokenChain) {
		t.Errorf("ReadChain() got %v want %v", err, store.ErrBrokenChain)
	}
}

func TestMetaData(t *testing.T) {
	fs := vfs.NewMemFS()
	s := openStores(t, fs, store.Options{Format: "standard-1.0"})
	s.Meta.LastClosedTx = 42
	s.Meta.LastClosedLogVersion = 3
	s.Meta.LastClosedLogOffset = 1234
	err := s.Meta.Save()
	if err != nil {
		t.Fatal(err)
	}
	storeID := s.Meta.StoreID
	s.Close(true)

	s = openStores(t, fs, store.Options{Format: "standard-2.0"})
	md := s.Meta
	if md.Format != "standard-2.0" || md.StoreID != storeID || md.LastClosedTx != 42 ||
		md.LastClosedLogVersion != 3 || md.LastClosedLogOffset != 1234 {

		t.Errorf("ReadMetaData() got %+v", md)
	}
	if len(md.Upgrades) != 1 || md.Upgrades[0].From != "standard-1.0" ||
		md.Upgrades[0].To != "standard-2.0" {

		t.Errorf("ReadMetaData() got upgrades %v", md.Upgrades)
	}
	if s.Format.Name != "standard-2.0" {
		t.Errorf("Open() got format %s want standard-2.0", s.Format)
	}
	s.Close(true)

	_, err = store.Open(log.StandardLogger(), fs, "db", store.Options{Format: "extended-1.0"})
	if !errors.Is(err, format.ErrIncompatibleFormat) {
		t.Errorf("Open(extended-1.0) got %v want %v", err, format.ErrIncompatibleFormat)
	}
}

func TestTokens(t *testing.T) {
	s := openStores(t, vfs.NewMemFS(), store.Options{})
	defer s.Close(true)

	names := []string{"Person", "a label with a name longer than one name block"}
	for id, name := range names {
		chain, err := s.Store(store.LabelNameStore).AllocateChain([]byte(name))
		if err != nil {
			t.Fatal(err)
		}
		writeChain(t, s.Store(store.LabelNameStore), chain)

		tok := record.NewToken(int64(id))
		tok.InUse = true
		tok.NameID = chain[0].ID
		err = s.Store(store.LabelTokenStore).UpdateRecord(tok)
		if err != nil {
			t.Fatal(err)
		}
	}

	tokens, err := s.LoadTokens(record.LabelToken)
	if err != nil {
		t.Fatal(err)
	}
	if len(tokens) != len(names) {
		t.Fatalf("LoadTokens() got %v", tokens)
	}
	for i, te := range tokens {
		if te.ID != int32(i) || te.Name != names[i] {
			t.Errorf("LoadTokens()[%d] got %v want %d %s", i, te, i, names[i])
		}
	}
}
